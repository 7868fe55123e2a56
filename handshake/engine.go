// Package handshake drives the two-message IK-flavored handshake that
// establishes eidchat sessions.
//
// The initiator seals its certificate under its own ephemeral public key
// and derives the session key from dh(ephemeral_priv, responder_static).
// The responder mirrors the derivation as dh(static_priv, ephemeral_pub),
// which is the same secret by Curve25519 symmetry. The ephemeral public
// key that keys the sealed certificate travels in clear in the same
// payload, so the seal detects corruption but does not authenticate the
// carried identity; authentication against the static key comes from both
// sides arriving at the same session key.
package handshake

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/eidchat/contact"
	"github.com/opd-ai/eidchat/crypto"
	"github.com/opd-ai/eidchat/identity"
	"github.com/opd-ai/eidchat/session"
	"github.com/opd-ai/eidchat/transport"
)

// Defaults adopted for the handshake timer.
const (
	DefaultTimeout    = 3 * time.Second
	DefaultMaxRetries = 3
)

// SendFunc is the narrow send capability the engine holds instead of a
// transport back-pointer.
type SendFunc func(packet *transport.Packet, addr net.Addr) error

// TimeProvider abstracts the clock for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

type defaultTimeProvider struct{}

func (defaultTimeProvider) Now() time.Time { return time.Now() }

// Events carries the engine's upcalls into the core. Any field may be
// nil.
type Events struct {
	// Established fires when a session reaches the Established state,
	// with the TOFU outcome for the peer.
	Established func(s *session.Session, pin contact.PinResult)
	// Failed fires when an initiated handshake gives up or a pin
	// mismatch closes a session.
	Failed func(cid uint32, reason error)
	// PinMismatch fires when a handshake presented an identity that
	// conflicts with an existing pin.
	PinMismatch func(endpoint net.Addr, fingerprint identity.Fingerprint)
	// Untrusted fires when a peer certificate failed chain verification.
	Untrusted func(endpoint net.Addr)
}

// Config wires an engine.
type Config struct {
	Table      *session.Table
	Verifier   *identity.Verifier
	Contacts   *contact.Manager
	Card       *identity.CardSession
	StaticKey  *crypto.KeyPair
	Send       SendFunc
	Events     Events
	Timeout    time.Duration
	MaxRetries int
}

// initiation is the per-CID state an initiator keeps between INIT and
// RESP. The ephemeral private key is not part of it: it is zeroized as
// soon as the session key is derived.
type initiation struct {
	sessionKey [32]byte
	packet     *transport.Packet
	endpoint   net.Addr
}

// responderState keeps the response stable per CID so retransmitted INITs
// are answered idempotently.
type responderState struct {
	response *transport.Packet
	endpoint net.Addr
}

// Engine runs handshakes for both roles over the shared session table.
type Engine struct {
	cfg     Config
	retrier *transport.Retrier
	clock   TimeProvider

	mu          sync.Mutex
	initiations map[uint32]*initiation
	responses   map[uint32]*responderState
}

// NewEngine creates a handshake engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	return &Engine{
		cfg:         cfg,
		retrier:     transport.NewRetrier(cfg.Timeout, cfg.MaxRetries),
		clock:       defaultTimeProvider{},
		initiations: make(map[uint32]*initiation),
		responses:   make(map[uint32]*responderState),
	}
}

// SetTimeProvider overrides the clock for deterministic testing.
func (e *Engine) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = defaultTimeProvider{}
	}
	e.clock = tp
}

// sealCertBlob seals a cert blob under an ephemeral public key, deriving
// the nonce from the same key.
func sealCertBlob(ephPub [32]byte, blob *transport.CertBlob) []byte {
	nonce := crypto.NonceFromBytes(crypto.KDF(ephPub[:], 32)[:crypto.NonceSize])
	return crypto.Seal(ephPub, nonce, blob.Serialize(), nil)
}

// openCertBlob reverses sealCertBlob.
func openCertBlob(ephPub [32]byte, sealed []byte) (*transport.CertBlob, error) {
	nonce := crypto.NonceFromBytes(crypto.KDF(ephPub[:], 32)[:crypto.NonceSize])
	plain, err := crypto.Open(ephPub, nonce, sealed, nil)
	if err != nil {
		return nil, err
	}
	return transport.ParseCertBlob(plain)
}

// localCertBlob assembles the blob carrying our static key and card
// certificate.
func (e *Engine) localCertBlob(ctx context.Context) (*transport.CertBlob, error) {
	certDER, err := e.cfg.Card.Certificate(ctx)
	if err != nil {
		return nil, err
	}
	blob := &transport.CertBlob{StaticPub: e.cfg.StaticKey.Public}
	blob.CertDER = certDER
	return blob, nil
}

// Initiate dials a peer whose static key is known, either from the
// contact pin or from discovery on first contact. It allocates a fresh
// CID, derives the session key, and transmits HANDSHAKE_INIT with
// timer-driven retransmits.
func (e *Engine) Initiate(ctx context.Context, peerStaticPub [32]byte, endpoint net.Addr) (*session.Session, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "Initiate",
		"package":  "handshake",
		"endpoint": endpoint.String(),
	})

	blob, err := e.localCertBlob(ctx)
	if err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("Cannot initiate without local certificate")
		return nil, err
	}

	cid, err := e.cfg.Table.AllocateCID()
	if err != nil {
		return nil, err
	}

	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	ss, err := crypto.DH(eph.Private, peerStaticPub)
	eph.Zeroize()
	if err != nil {
		return nil, err
	}

	var sessionKey [32]byte
	copy(sessionKey[:], crypto.KDF(ss[:], crypto.SessionKeySize))
	crypto.ZeroBytes(ss[:])

	payload := &transport.HandshakePayload{
		EphemeralPub: eph.Public,
		Sealed:       sealCertBlob(eph.Public, blob),
	}
	packet := &transport.Packet{
		Type:    transport.PacketHandshakeInit,
		CID:     cid,
		Payload: payload.Serialize(),
	}

	s := session.New(cid, endpoint, session.RoleInitiator, e.clock.Now())
	if err := e.cfg.Table.Insert(s); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.initiations[cid] = &initiation{
		sessionKey: sessionKey,
		packet:     packet,
		endpoint:   endpoint,
	}
	e.mu.Unlock()

	if err := e.cfg.Send(packet, endpoint); err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Debug("Initial handshake send failed, retransmit timer still armed")
	}

	e.retrier.Schedule(retryKey(cid),
		func(attempt int) error {
			logger.WithFields(logrus.Fields{"cid": cid, "attempt": attempt}).Debug("Retransmitting HANDSHAKE_INIT")
			return e.cfg.Send(packet, endpoint)
		},
		func() {
			e.abortInitiation(cid, fmt.Errorf("handshake timed out after %d retransmits", e.cfg.MaxRetries))
		})

	logger.WithFields(logrus.Fields{"cid": cid}).Info("Handshake initiated")
	return s, nil
}

func retryKey(cid uint32) string {
	return fmt.Sprintf("handshake:%08x", cid)
}

// abortInitiation closes an initiated session that never completed.
func (e *Engine) abortInitiation(cid uint32, reason error) {
	e.mu.Lock()
	init := e.initiations[cid]
	delete(e.initiations, cid)
	e.mu.Unlock()
	if init == nil {
		return
	}
	crypto.ZeroBytes(init.sessionKey[:])

	if s, err := e.cfg.Table.Get(cid); err == nil {
		s.Close()
		e.cfg.Table.Remove(cid)
	}

	logrus.WithFields(logrus.Fields{
		"function": "abortInitiation",
		"package":  "handshake",
		"cid":      cid,
		"reason":   reason.Error(),
	}).Warn("Handshake abandoned")

	if e.cfg.Events.Failed != nil {
		e.cfg.Events.Failed(cid, reason)
	}
}

// HandleInit processes an inbound HANDSHAKE_INIT as responder. All
// failures drop silently per the silence policy.
func (e *Engine) HandleInit(packet *transport.Packet, addr net.Addr) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "HandleInit",
		"package":  "handshake",
		"cid":      packet.CID,
		"endpoint": addr.String(),
	})

	// Retransmit of a handshake we already answered: replay the cached
	// response so the exchange is idempotent.
	e.mu.Lock()
	if prev, ok := e.responses[packet.CID]; ok {
		e.mu.Unlock()
		logger.Debug("Duplicate HANDSHAKE_INIT, re-emitting cached response")
		_ = e.cfg.Send(prev.response, addr)
		return
	}
	e.mu.Unlock()

	if _, err := e.cfg.Table.Get(packet.CID); err == nil {
		logger.Debug("HANDSHAKE_INIT for a live CID without cached response, dropping")
		return
	}

	hs, err := transport.ParseHandshakePayload(packet.Payload)
	if err != nil {
		logger.Debug("Malformed handshake payload, dropping")
		return
	}

	blob, err := openCertBlob(hs.EphemeralPub, hs.Sealed)
	if err != nil {
		logger.Debug("Sealed cert blob failed authentication, dropping")
		return
	}

	peer, err := e.cfg.Verifier.Verify(blob.CertDER)
	if err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("Peer certificate rejected")
		if e.cfg.Events.Untrusted != nil {
			e.cfg.Events.Untrusted(addr)
		}
		return
	}

	ss, err := crypto.DH(e.cfg.StaticKey.Private, hs.EphemeralPub)
	if err != nil {
		return
	}
	var sessionKey [32]byte
	copy(sessionKey[:], crypto.KDF(ss[:], crypto.SessionKeySize))
	crypto.ZeroBytes(ss[:])

	pin, err := e.cfg.Contacts.CheckAndPin(context.Background(), peer, blob.StaticPub, addr.String())
	if err != nil {
		logger.WithFields(logrus.Fields{
			"fingerprint": peer.Fingerprint.Short(),
			"error":       err.Error(),
		}).Warn("TOFU rejected handshake")
		if e.cfg.Events.PinMismatch != nil {
			e.cfg.Events.PinMismatch(addr, peer.Fingerprint)
		}
		return
	}

	// Build the response before exposing the session, so a crash between
	// the two cannot leave a half-answered handshake.
	respPacket, err := e.buildResponse(packet.CID)
	if err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("Cannot build handshake response")
		return
	}

	s := session.New(packet.CID, addr, session.RoleResponder, e.clock.Now())
	if err := e.cfg.Table.Insert(s); err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Debug("CID raced into use, dropping")
		return
	}
	s.Establish(sessionKey, peer, e.clock.Now())
	crypto.ZeroBytes(sessionKey[:])

	e.mu.Lock()
	e.responses[packet.CID] = &responderState{response: respPacket, endpoint: addr}
	e.mu.Unlock()

	e.supersede(s)
	_ = e.cfg.Send(respPacket, addr)

	if e.cfg.Events.Established != nil {
		e.cfg.Events.Established(s, pin)
	}
}

// buildResponse assembles the HANDSHAKE_RESP for a CID with a fresh
// ephemeral. The packet is cached by the caller, keeping the ephemeral
// stable for the duration of the handshake.
func (e *Engine) buildResponse(cid uint32) (*transport.Packet, error) {
	blob, err := e.localCertBlob(context.Background())
	if err != nil {
		return nil, err
	}

	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	// The responder's ephemeral only keys the sealed blob; its private
	// half is never used.
	eph.Zeroize()

	payload := &transport.HandshakePayload{
		EphemeralPub: eph.Public,
		Sealed:       sealCertBlob(eph.Public, blob),
	}
	return &transport.Packet{
		Type:    transport.PacketHandshakeResp,
		CID:     cid,
		Payload: payload.Serialize(),
	}, nil
}

// HandleResp processes an inbound HANDSHAKE_RESP as initiator.
func (e *Engine) HandleResp(packet *transport.Packet, addr net.Addr) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "HandleResp",
		"package":  "handshake",
		"cid":      packet.CID,
	})

	s, err := e.cfg.Table.Get(packet.CID)
	if err != nil || s.State() != session.StateHandshaking {
		logger.Debug("HANDSHAKE_RESP without a handshaking session, dropping")
		return
	}

	e.mu.Lock()
	init := e.initiations[packet.CID]
	e.mu.Unlock()
	if init == nil {
		logger.Debug("HANDSHAKE_RESP without initiation state, dropping")
		return
	}

	hs, err := transport.ParseHandshakePayload(packet.Payload)
	if err != nil {
		logger.Debug("Malformed handshake payload, dropping")
		return
	}

	blob, err := openCertBlob(hs.EphemeralPub, hs.Sealed)
	if err != nil {
		logger.Debug("Sealed cert blob failed authentication, dropping")
		return
	}

	peer, err := e.cfg.Verifier.Verify(blob.CertDER)
	if err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("Responder certificate rejected")
		if e.cfg.Events.Untrusted != nil {
			e.cfg.Events.Untrusted(addr)
		}
		return
	}

	pin, err := e.cfg.Contacts.CheckAndPin(context.Background(), peer, blob.StaticPub, init.endpoint.String())
	if err != nil {
		logger.WithFields(logrus.Fields{
			"fingerprint": peer.Fingerprint.Short(),
			"error":       err.Error(),
		}).Warn("TOFU rejected responder identity")
		e.retrier.Cancel(retryKey(packet.CID))
		e.abortInitiation(packet.CID, err)
		if e.cfg.Events.PinMismatch != nil {
			e.cfg.Events.PinMismatch(addr, peer.Fingerprint)
		}
		return
	}

	e.retrier.Cancel(retryKey(packet.CID))

	e.mu.Lock()
	delete(e.initiations, packet.CID)
	e.mu.Unlock()

	s.Establish(init.sessionKey, peer, e.clock.Now())
	crypto.ZeroBytes(init.sessionKey[:])

	e.supersede(s)

	if e.cfg.Events.Established != nil {
		e.cfg.Events.Established(s, pin)
	}
}

// supersede enforces the single-session-per-(fingerprint, role) rule:
// the newer session wins, the older is closed and its CID retired.
func (e *Engine) supersede(newest *session.Session) {
	peer := newest.Peer()
	if peer == nil {
		return
	}

	for _, s := range e.cfg.Table.All() {
		if s.CID() == newest.CID() || s.Role() != newest.Role() {
			continue
		}
		other := s.Peer()
		if other == nil || other.Fingerprint != peer.Fingerprint {
			continue
		}
		if s.State() == session.StateClosed {
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function":    "supersede",
			"package":     "handshake",
			"old_cid":     s.CID(),
			"new_cid":     newest.CID(),
			"fingerprint": peer.Fingerprint.Short(),
		}).Info("Newer session supersedes older one for the same peer")

		s.Close()
		e.cfg.Table.Remove(s.CID())
		e.forgetCID(s.CID())
	}
}

// forgetCID drops handshake bookkeeping for a CID.
func (e *Engine) forgetCID(cid uint32) {
	e.retrier.Cancel(retryKey(cid))
	e.mu.Lock()
	delete(e.initiations, cid)
	delete(e.responses, cid)
	e.mu.Unlock()
}

// Forget releases handshake state for a closed session. Called by the
// core when it closes sessions for non-handshake reasons.
func (e *Engine) Forget(cid uint32) {
	e.forgetCID(cid)
}

// Shutdown cancels every armed retransmission timer.
func (e *Engine) Shutdown() {
	e.retrier.CancelAll()
}
