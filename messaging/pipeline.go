// Package messaging implements the application message pipeline: UUID
// framing, acknowledgement accounting, duplicate suppression, and the
// offline queue drain on resume.
//
// The plaintext of every application record is
//
//	uuid_ascii[36] || "|" || utf8_text
//
// with a version-4 UUID generated at send time. A message counts as
// delivered only once an ACK carrying its UUID has been opened under the
// session key.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/eidchat/session"
	"github.com/opd-ai/eidchat/storage"
	"github.com/opd-ai/eidchat/transport"
)

// ErrDuplicateMessage indicates an application UUID that was already
// delivered on this session.
var ErrDuplicateMessage = errors.New("duplicate message")

// ErrMalformedMessage indicates a record plaintext that does not follow
// the UUID framing.
var ErrMalformedMessage = errors.New("malformed message plaintext")

// Defaults adopted for the per-message retry timer.
const (
	DefaultRetryInterval = 2 * time.Second
	DefaultMaxRetries    = 3
)

// uuidLen is the ASCII length of a canonical v4 UUID.
const uuidLen = 36

// SendFunc is the narrow send capability the pipeline holds.
type SendFunc func(packet *transport.Packet, addr net.Addr) error

// TimeProvider abstracts the clock for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

type defaultTimeProvider struct{}

func (defaultTimeProvider) Now() time.Time { return time.Now() }

// Events carries the pipeline's upcalls. Any field may be nil.
type Events struct {
	// Message fires when an inbound message has been persisted, before
	// its ACK goes out.
	Message func(s *session.Session, uuid, text string)
	// Delivered fires when an outbound message's ACK has been verified.
	Delivered func(uuid string)
	// Failed fires when an outbound message exhausted its retries.
	Failed func(uuid string, reason error)
	// BatchStart and BatchEnd bracket an inbound drained-queue burst so
	// the UI can render it coherently.
	BatchStart func(s *session.Session)
	BatchEnd   func(s *session.Session)
}

// Config wires a pipeline.
type Config struct {
	Messages      storage.MessageStore
	Send          SendFunc
	Events        Events
	RetryInterval time.Duration
	MaxRetries    int
}

// Pipeline implements application-level send and deliver over established
// sessions.
type Pipeline struct {
	cfg     Config
	retrier *transport.Retrier
	clock   TimeProvider
}

// NewPipeline creates a message pipeline.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Pipeline{
		cfg:     cfg,
		retrier: transport.NewRetrier(cfg.RetryInterval, cfg.MaxRetries),
		clock:   defaultTimeProvider{},
	}
}

// SetTimeProvider overrides the clock for deterministic testing.
func (p *Pipeline) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = defaultTimeProvider{}
	}
	p.clock = tp
}

// framePlaintext assembles the wire plaintext for a message.
func framePlaintext(id, text string) []byte {
	buf := make([]byte, 0, uuidLen+1+len(text))
	buf = append(buf, id...)
	buf = append(buf, '|')
	buf = append(buf, text...)
	return buf
}

// parsePlaintext splits a record plaintext into UUID and text.
func parsePlaintext(plain []byte) (string, string, error) {
	if len(plain) < uuidLen+1 || plain[uuidLen] != '|' {
		return "", "", ErrMalformedMessage
	}
	id := string(plain[:uuidLen])
	if _, err := uuid.Parse(id); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return id, string(plain[uuidLen+1:]), nil
}

// Send persists and transmits a message on an established session,
// returning its UUID. Retries run until acknowledged or exhausted;
// exhaustion suspends the session and surfaces a failure event.
func (p *Pipeline) Send(ctx context.Context, s *session.Session, text string) (string, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "Send",
		"package":  "messaging",
		"cid":      s.CID(),
	})

	id := uuid.New().String()
	now := p.clock.Now()

	peer := s.Peer()
	if peer == nil {
		return "", session.ErrSessionNotReady
	}

	if err := p.cfg.Messages.Append(ctx, storage.Message{
		PeerFingerprint: peer.Fingerprint,
		SessionCID:      s.CID(),
		Direction:       storage.DirectionOutbound,
		UUID:            id,
		Text:            text,
		Timestamp:       now,
	}); err != nil {
		return "", fmt.Errorf("persisting outbound message: %w", err)
	}

	s.Enqueue(id, text, now)

	if err := p.transmit(s, id, text); err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Debug("Initial transmit failed, retry timer armed")
	}

	p.retrier.Schedule(msgKey(id),
		func(attempt int) error {
			logger.WithFields(logrus.Fields{"uuid": id, "attempt": attempt}).Debug("Retransmitting message")
			return p.transmit(s, id, text)
		},
		func() {
			p.giveUp(s, id)
		})

	logger.WithFields(logrus.Fields{"uuid": id, "text_length": len(text)}).Info("Message queued and sent")
	return id, nil
}

// msgKey names a message's retry timer.
func msgKey(id string) string { return "msg:" + id }

// transmit seals and sends one MSG packet. Every attempt reseals with a
// fresh nonce so retransmits pass the receiver's replay window.
func (p *Pipeline) transmit(s *session.Session, id, text string) error {
	payload, err := s.SealRecord(framePlaintext(id, text), nil)
	if err != nil {
		return err
	}
	return p.cfg.Send(&transport.Packet{
		Type:    transport.PacketMsg,
		CID:     s.CID(),
		Payload: payload.Serialize(),
	}, s.Endpoint())
}

// giveUp handles retry exhaustion: the session suspends (the message
// stays queued for a later drain) and the UI learns the send failed.
func (p *Pipeline) giveUp(s *session.Session, id string) {
	logrus.WithFields(logrus.Fields{
		"function": "giveUp",
		"package":  "messaging",
		"cid":      s.CID(),
		"uuid":     id,
	}).Warn("Message retries exhausted, suspending session")

	s.Suspend()
	if p.cfg.Events.Failed != nil {
		p.cfg.Events.Failed(id, transport.ErrTransportError)
	}
}

// HandleMsg processes an inbound MSG payload on a session. The returned
// closeSession flag reports that the record-layer failure threshold was
// crossed and the caller must close the session.
func (p *Pipeline) HandleMsg(ctx context.Context, s *session.Session, payload *transport.RecordPayload) (closeSession bool, err error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "HandleMsg",
		"package":  "messaging",
		"cid":      s.CID(),
	})

	plain, closeSession, err := s.OpenRecord(payload, nil, p.clock.Now())
	if err != nil {
		return closeSession, err
	}

	id, text, err := parsePlaintext(plain)
	if err != nil {
		logger.Debug("Record plaintext failed UUID framing, dropping")
		return false, err
	}

	if s.HasUUID(id) {
		logger.WithFields(logrus.Fields{"uuid": id}).Debug("Duplicate message UUID, dropping")
		return false, ErrDuplicateMessage
	}

	peer := s.Peer()
	if err := p.cfg.Messages.Append(ctx, storage.Message{
		PeerFingerprint: peer.Fingerprint,
		SessionCID:      s.CID(),
		Direction:       storage.DirectionInbound,
		UUID:            id,
		Text:            text,
		Timestamp:       p.clock.Now(),
		Delivered:       true,
	}); err != nil {
		// Not persisted means not acknowledged: the UUID stays unmarked
		// so the peer's retransmit gets another delivery attempt.
		logger.WithFields(logrus.Fields{"error": err.Error()}).Error("Could not persist inbound message, withholding ACK")
		return false, err
	}
	s.MarkUUIDSeen(id)

	if p.cfg.Events.Message != nil {
		p.cfg.Events.Message(s, id, text)
	}

	// The ACK goes out only after persistence, so a crash before the
	// append cannot have acknowledged the message.
	if err := p.sendAck(s, id); err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Debug("ACK send failed; peer will retransmit")
	}

	return false, nil
}

// sendAck seals the UUID bytes into an ACK packet.
func (p *Pipeline) sendAck(s *session.Session, id string) error {
	payload, err := s.SealRecord([]byte(id), nil)
	if err != nil {
		return err
	}
	return p.cfg.Send(&transport.Packet{
		Type:    transport.PacketAck,
		CID:     s.CID(),
		Payload: payload.Serialize(),
	}, s.Endpoint())
}

// HandleAck processes an inbound ACK payload.
func (p *Pipeline) HandleAck(ctx context.Context, s *session.Session, payload *transport.RecordPayload) (closeSession bool, err error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "HandleAck",
		"package":  "messaging",
		"cid":      s.CID(),
	})

	plain, closeSession, err := s.OpenRecord(payload, nil, p.clock.Now())
	if err != nil {
		return closeSession, err
	}

	id := string(plain)
	if _, err := uuid.Parse(id); err != nil {
		logger.Debug("ACK plaintext is not a UUID, dropping")
		return false, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if !s.Ack(id) {
		logger.WithFields(logrus.Fields{"uuid": id}).Debug("ACK for unknown or already-acked UUID")
		return false, nil
	}

	p.retrier.Cancel(msgKey(id))

	if err := p.cfg.Messages.MarkDelivered(ctx, id); err != nil {
		logger.WithFields(logrus.Fields{"uuid": id, "error": err.Error()}).Warn("Could not mark message delivered")
	}

	if p.cfg.Events.Delivered != nil {
		p.cfg.Events.Delivered(id)
	}

	logger.WithFields(logrus.Fields{"uuid": id}).Info("Message delivered")
	return false, nil
}

// DrainPending retransmits a session's unacknowledged queue bracketed by
// PENDING_SEND and PENDING_DONE markers, typically right after a resume.
func (p *Pipeline) DrainPending(s *session.Session) {
	pending := s.Pending()
	if len(pending) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "DrainPending",
		"package":  "messaging",
		"cid":      s.CID(),
		"count":    len(pending),
	}).Info("Draining offline queue")

	endpoint := s.Endpoint()
	_ = p.cfg.Send(&transport.Packet{Type: transport.PacketPendingSend, CID: s.CID()}, endpoint)

	for _, q := range pending {
		if err := p.transmit(s, q.UUID, q.Text); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "DrainPending",
				"uuid":     q.UUID,
				"error":    err.Error(),
			}).Debug("Drain transmit failed")
			continue
		}
		p.retrier.Schedule(msgKey(q.UUID),
			func(uuid, text string) transport.RetryFunc {
				return func(attempt int) error { return p.transmit(s, uuid, text) }
			}(q.UUID, q.Text),
			func(uuid string) transport.GiveUpFunc {
				return func() { p.giveUp(s, uuid) }
			}(q.UUID))
	}

	_ = p.cfg.Send(&transport.Packet{Type: transport.PacketPendingDone, CID: s.CID()}, endpoint)
}

// CancelSession stops the retry timers for every message queued on a
// session, used when the session closes.
func (p *Pipeline) CancelSession(s *session.Session) {
	for _, q := range s.Pending() {
		p.retrier.Cancel(msgKey(q.UUID))
	}
}

// Shutdown cancels all message retry timers.
func (p *Pipeline) Shutdown() {
	p.retrier.CancelAll()
}

// MarkBatch surfaces the PENDING_SEND / PENDING_DONE markers to the UI.
func (p *Pipeline) MarkBatch(s *session.Session, start bool) {
	if start {
		if p.cfg.Events.BatchStart != nil {
			p.cfg.Events.BatchStart(s)
		}
		return
	}
	if p.cfg.Events.BatchEnd != nil {
		p.cfg.Events.BatchEnd(s)
	}
}
