// Package identitytest generates throwaway certificate hierarchies for
// tests: a self-signed root standing in for the national trust anchor and
// leaves standing in for card certificates.
package identitytest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"
)

// CA is a test certificate authority.
type CA struct {
	DER  []byte
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// NewCA creates a self-signed test root named like a national anchor.
func NewCA(commonName string) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-30 * 24 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &CA{DER: der, cert: cert, key: key}, nil
}

// Leaf issues a leaf certificate for the given subject common name,
// optionally shifted in time to produce expired or not-yet-valid certs.
func (ca *CA) Leaf(commonName string, notBefore, notAfter time.Time) ([]byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	return x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
}

// ValidLeaf issues a leaf valid from an hour ago to a day from now.
func (ca *CA) ValidLeaf(commonName string) ([]byte, error) {
	return ca.Leaf(commonName, time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))
}
