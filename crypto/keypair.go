// Package crypto implements the cryptographic primitives for the eidchat
// secure transport.
//
// This package wraps Curve25519 key agreement, BLAKE2b key derivation and
// ChaCha20-Poly1305 authenticated encryption from Go's x/crypto packages
// behind the three opaque operations the protocol needs: DH, KDF and
// Seal/Open.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// KeyPair represents a Curve25519 key pair. The same shape is used for the
// long-lived static installation key and for per-handshake ephemerals.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "GenerateKeyPair",
		"package":  "crypto",
	})

	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		logger.WithFields(logrus.Fields{
			"error":     err.Error(),
			"operation": "rand.Read",
		}).Error("Failed to gather entropy for key pair")
		return nil, err
	}

	kp, err := FromSecretKey(priv)
	ZeroBytes(priv[:])
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"public_key_preview": fmt.Sprintf("%x", kp.Public[:8]),
		"operation":          "key_generation_success",
	}).Debug("Curve25519 key pair generated")

	return kp, nil
}

// FromSecretKey creates a key pair from an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "FromSecretKey",
		"package":  "crypto",
	})

	if isZeroKey(secretKey) {
		logger.WithFields(logrus.Fields{
			"error":     "invalid secret key: all zeros",
			"operation": "secret_key_validation",
		}).Error("Secret key validation failed: key cannot be all zeros")
		return nil, errors.New("invalid secret key: all zeros")
	}

	// Clamp a copy per the curve25519 requirements before deriving the
	// public half; the stored private key stays unclamped, matching the
	// NaCl convention.
	var clamped [32]byte
	copy(clamped[:], secretKey[:])
	clamped[0] &= 248
	clamped[31] &= 127
	clamped[31] |= 64

	var publicKey [32]byte
	curve25519.ScalarBaseMult(&publicKey, &clamped)
	ZeroBytes(clamped[:])

	return &KeyPair{
		Public:  publicKey,
		Private: secretKey,
	}, nil
}

// Zeroize wipes the private half of the key pair. Used for ephemerals once
// the session key has been derived.
func (kp *KeyPair) Zeroize() {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private[:])
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	var acc byte
	for _, b := range key {
		acc |= b
	}
	return acc == 0
}
