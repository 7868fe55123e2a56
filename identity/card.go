package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrCardUnavailable indicates the smartcard cannot currently serve
// requests. New outbound handshakes are blocked while it holds; existing
// sessions keep working because the card is only consulted for handshake
// identity.
var ErrCardUnavailable = errors.New("card unavailable")

// Card is the capability the smartcard access layer provides at startup.
// Sign may block for seconds while the user enters a PIN, so it must never
// be called from the I/O path.
type Card interface {
	Certificate(ctx context.Context) ([]byte, error)
	Sign(ctx context.Context, data []byte) ([]byte, error)
}

// CardSession serializes access to the process-wide card, caches the local
// certificate for the lifetime of the card session, and latches into an
// unavailable state when the card is yanked mid-run.
type CardSession struct {
	mu          sync.Mutex
	card        Card
	cachedCert  []byte
	unavailable bool
}

// NewCardSession wraps a card capability.
func NewCardSession(card Card) *CardSession {
	return &CardSession{card: card}
}

// Certificate returns the local DER-encoded certificate, fetching it from
// the card on first use and caching it afterwards.
func (cs *CardSession) Certificate(ctx context.Context) ([]byte, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.cachedCert != nil {
		cert := make([]byte, len(cs.cachedCert))
		copy(cert, cs.cachedCert)
		return cert, nil
	}
	if cs.unavailable {
		return nil, ErrCardUnavailable
	}

	cert, err := cs.card.Certificate(ctx)
	if err != nil {
		cs.unavailable = true
		logrus.WithFields(logrus.Fields{
			"function": "Certificate",
			"package":  "identity",
			"error":    err.Error(),
		}).Error("Card failed to produce certificate, marking unavailable")
		return nil, ErrCardUnavailable
	}

	cs.cachedCert = make([]byte, len(cert))
	copy(cs.cachedCert, cert)

	logrus.WithFields(logrus.Fields{
		"function":  "Certificate",
		"package":   "identity",
		"cert_size": len(cert),
	}).Info("Local certificate obtained from card")

	return cert, nil
}

// Sign asks the card to sign data, typically a transcript hash. Calls are
// serialized; a failure latches the unavailable state.
func (cs *CardSession) Sign(ctx context.Context, data []byte) ([]byte, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.unavailable {
		return nil, ErrCardUnavailable
	}

	sig, err := cs.card.Sign(ctx, data)
	if err != nil {
		cs.unavailable = true
		logrus.WithFields(logrus.Fields{
			"function": "Sign",
			"package":  "identity",
			"error":    err.Error(),
		}).Error("Card signing failed, marking unavailable")
		return nil, ErrCardUnavailable
	}
	return sig, nil
}

// Available reports whether the card can serve new handshakes. The cached
// certificate keeps serving even after the card becomes unavailable.
func (cs *CardSession) Available() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return !cs.unavailable || cs.cachedCert != nil
}

// Reset clears the unavailable latch after the card has been reinserted.
func (cs *CardSession) Reset(card Card) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.card = card
	cs.cachedCert = nil
	cs.unavailable = false
}
