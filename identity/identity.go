// Package identity binds eidchat sessions to smartcard certificates.
//
// The local identity comes from the national eID card: the card yields the
// DER-encoded certificate and a signing capability, and never releases the
// private key. Remote identities arrive inside handshake packets and are
// verified against the configured national roots before their fingerprint
// is pinned.
package identity

import (
	"encoding/hex"

	"github.com/opd-ai/eidchat/crypto"
	"github.com/sirupsen/logrus"
)

// Fingerprint is the 256-bit hash of a DER-encoded certificate. Two
// certificates with the same fingerprint are the same pin.
type Fingerprint [32]byte

// ComputeFingerprint hashes a DER-encoded certificate.
func ComputeFingerprint(certDER []byte) Fingerprint {
	return Fingerprint(crypto.Hash256(certDER))
}

// String returns the lowercase hex form of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns the first 8 hex characters, used in logs.
func (f Fingerprint) Short() string {
	return hex.EncodeToString(f[:4])
}

// Identity is an immutable verified peer identity: the certificate it was
// built from, its fingerprint, and the display name extracted from the
// certificate subject.
type Identity struct {
	CertDER     []byte
	Fingerprint Fingerprint
	DisplayName string
}

// Pinned reconstructs an Identity from stored contact data, used when a
// session resumes from a cached key without the certificate in hand.
func Pinned(fingerprint Fingerprint, displayName string) *Identity {
	return &Identity{
		Fingerprint: fingerprint,
		DisplayName: displayName,
	}
}

// NewIdentity builds an Identity from a certificate. The caller is
// expected to have verified the certificate already; see Verifier.
func NewIdentity(certDER []byte, displayName string) *Identity {
	id := &Identity{
		CertDER:     make([]byte, len(certDER)),
		Fingerprint: ComputeFingerprint(certDER),
		DisplayName: displayName,
	}
	copy(id.CertDER, certDER)

	logrus.WithFields(logrus.Fields{
		"function":     "NewIdentity",
		"package":      "identity",
		"fingerprint":  id.Fingerprint.Short(),
		"display_name": displayName,
	}).Debug("Identity created")

	return id
}
