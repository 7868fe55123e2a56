package identity

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrUntrustedIssuer indicates a peer certificate that does not chain to
// any configured national root, or is outside its validity window.
var ErrUntrustedIssuer = errors.New("untrusted issuer")

// TimeProvider abstracts the clock used for validity checks, allowing
// deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Verifier validates remote certificates against the configured national
// roots and produces verified identities.
type Verifier struct {
	roots        *x509.CertPool
	timeProvider TimeProvider
}

// NewVerifier builds a verifier over the given DER-encoded root
// certificates. At least one root is required.
func NewVerifier(rootsDER [][]byte) (*Verifier, error) {
	if len(rootsDER) == 0 {
		return nil, errors.New("no trust roots configured")
	}

	pool := x509.NewCertPool()
	for i, der := range rootsDER {
		root, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parsing trust root %d: %w", i, err)
		}
		pool.AddCert(root)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewVerifier",
		"package":  "identity",
		"roots":    len(rootsDER),
	}).Info("Certificate verifier configured")

	return &Verifier{
		roots:        pool,
		timeProvider: DefaultTimeProvider{},
	}, nil
}

// SetTimeProvider overrides the clock for deterministic testing. Pass nil
// to restore the default.
func (v *Verifier) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	v.timeProvider = tp
}

// Verify parses a DER certificate, checks its validity window against the
// local clock, and verifies its signature chain up to the national roots.
// On success it returns the verified Identity with the display name taken
// from the subject common name.
func (v *Verifier) Verify(certDER []byte) (*Identity, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "Verify",
		"package":  "identity",
	})

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"error":     err.Error(),
			"cert_size": len(certDER),
		}).Warn("Peer certificate failed DER parsing")
		return nil, fmt.Errorf("%w: %v", ErrUntrustedIssuer, err)
	}

	now := v.timeProvider.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		logger.WithFields(logrus.Fields{
			"not_before": cert.NotBefore,
			"not_after":  cert.NotAfter,
			"now":        now,
		}).Warn("Peer certificate outside validity window")
		return nil, fmt.Errorf("%w: certificate outside validity window", ErrUntrustedIssuer)
	}

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       v.roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		logger.WithFields(logrus.Fields{
			"subject": cert.Subject.CommonName,
			"issuer":  cert.Issuer.CommonName,
			"error":   err.Error(),
		}).Warn("Peer certificate does not chain to a configured root")
		return nil, fmt.Errorf("%w: %v", ErrUntrustedIssuer, err)
	}

	id := NewIdentity(certDER, cert.Subject.CommonName)

	logger.WithFields(logrus.Fields{
		"fingerprint":  id.Fingerprint.Short(),
		"display_name": id.DisplayName,
	}).Info("Peer certificate verified")

	return id, nil
}
