package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/eidchat/crypto"
	"github.com/opd-ai/eidchat/transport"
)

// ErrReplay indicates a record nonce that was already accepted.
var ErrReplay = errors.New("replayed record")

// ErrSessionNotReady indicates a record operation on a session that is
// neither Established nor Suspended.
var ErrSessionNotReady = errors.New("session not ready for records")

// SealRecord encrypts plaintext into a MSG/ACK payload under the session
// key with a fresh random nonce. The aad parameter is threaded through for
// future header binding and is empty on today's wire.
func (s *Session) SealRecord(plaintext, aad []byte) (*transport.RecordPayload, error) {
	s.mu.Lock()
	if s.state != StateEstablished && s.state != StateSuspended {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrSessionNotReady, s.state)
	}
	key := s.key
	s.txCount++
	s.mu.Unlock()

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}

	// The AEAD runs outside the session lock; only the key snapshot is
	// taken under it.
	ciphertext := crypto.Seal(key, nonce, plaintext, aad)

	return &transport.RecordPayload{
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// OpenRecord decrypts an inbound MSG/ACK payload, applying the replay
// window and the authentication-failure threshold.
//
// A Suspended session auto-promotes to Established on its first
// successful decrypt, which is equivalent to an implicit resume. The
// second return value reports whether the threshold was crossed and the
// caller must close the session.
func (s *Session) OpenRecord(payload *transport.RecordPayload, aad []byte, now time.Time) (plaintext []byte, closeSession bool, err error) {
	s.mu.Lock()
	if s.state != StateEstablished && s.state != StateSuspended {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("%w: state %s", ErrSessionNotReady, s.state)
	}
	key := s.key
	s.mu.Unlock()

	plaintext, err = crypto.Open(key, payload.Nonce, payload.Ciphertext, aad)
	if err != nil {
		crossed := s.recordFailure(now)
		logrus.WithFields(logrus.Fields{
			"function":  "OpenRecord",
			"package":   "session",
			"cid":       s.cid,
			"threshold": crossed,
		}).Debug("Record failed authentication")
		return nil, crossed, err
	}

	if !s.window.CheckAndStore(payload.Nonce) {
		return nil, false, ErrReplay
	}

	s.mu.Lock()
	if s.state == StateSuspended {
		s.state = StateEstablished
		logrus.WithFields(logrus.Fields{
			"function": "OpenRecord",
			"package":  "session",
			"cid":      s.cid,
		}).Info("Suspended session promoted by successful decrypt")
	}
	s.lastActivity = now
	s.mu.Unlock()

	return plaintext, false, nil
}
