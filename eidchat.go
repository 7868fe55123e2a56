// Package eidchat implements the secure-transport core of a peer-to-peer
// instant messenger whose identity is anchored in a national eID
// smartcard.
//
// The core owns one UDP socket and demultiplexes many concurrent peers
// over it by connection identifier (CID). Sessions are established by a
// two-message IK-flavored handshake carrying card certificates, records
// flow under a ChaCha20-Poly1305 session key with replay suppression, and
// peers are pinned by certificate fingerprint on first use.
//
// Example:
//
//	core, err := eidchat.New(eidchat.Options{
//	    Config:  cfg,
//	    Card:    card,
//	    Gateway: storage.NewMemoryStore(),
//	    Roots:   roots,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer core.Close()
//
//	core.OnMessage(func(peer identity.Fingerprint, uuid, text string) {
//	    fmt.Printf("<%s> %s\n", peer.Short(), text)
//	})
//
//	uuid, err := core.SendMessage(ctx, peerFingerprint, "hola")
package eidchat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/eidchat/config"
	"github.com/opd-ai/eidchat/contact"
	"github.com/opd-ai/eidchat/crypto"
	"github.com/opd-ai/eidchat/handshake"
	"github.com/opd-ai/eidchat/identity"
	"github.com/opd-ai/eidchat/messaging"
	"github.com/opd-ai/eidchat/session"
	"github.com/opd-ai/eidchat/storage"
	"github.com/opd-ai/eidchat/telemetry"
	"github.com/opd-ai/eidchat/transport"
)

// ErrNoSession indicates there is no live session for the peer and no
// cached key to resume from; the caller should dial first.
var ErrNoSession = errors.New("no session for peer")

// idleScanInterval is how often the idle scanner looks for sessions to
// suspend.
const idleScanInterval = 30 * time.Second

// Options configures a Core.
type Options struct {
	// Config is the validated runtime configuration.
	Config *config.Config
	// Card is the smartcard capability provided by the host at startup.
	Card identity.Card
	// Gateway is the persistence gateway.
	Gateway storage.Gateway
	// Roots are the DER-encoded national root certificates.
	Roots [][]byte
	// StaticKey is the long-lived installation keypair. Generated when
	// nil; hosts that persist it pass it in.
	StaticKey *crypto.KeyPair
}

// Core is the protocol engine the host program embeds. All exported
// methods are safe for concurrent use.
type Core struct {
	cfg       *config.Config
	transport *transport.UDPTransport
	table     *session.Table
	engine    *handshake.Engine
	pipeline  *messaging.Pipeline
	contacts  *contact.Manager
	card      *identity.CardSession
	gateway   storage.Gateway
	static    *crypto.KeyPair

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	warnedEndpoints map[string]struct{}

	hintsOnce sync.Once
	hints     *hintRegistry

	// UI callbacks; registered before traffic flows.
	onNewPeer          func(fp identity.Fingerprint, displayName string)
	onPeerConfirmed    func(fp identity.Fingerprint)
	onPinMismatch      func(endpoint string, fp identity.Fingerprint)
	onSessionClosed    func(cid uint32, reason string)
	onMessage          func(peer identity.Fingerprint, uuid, text string)
	onMessageDelivered func(uuid string)
	onMessageFailed    func(uuid, reason string)
	onUntrustedIssuer  func(endpoint string)
}

// New builds and starts a core: verifier, card session, UDP bind, packet
// handlers, and the idle scanner.
func New(opts Options) (*Core, error) {
	if opts.Config == nil {
		return nil, errors.New("configuration is required")
	}
	if opts.Card == nil {
		return nil, errors.New("card capability is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("persistence gateway is required")
	}

	verifier, err := identity.NewVerifier(opts.Roots)
	if err != nil {
		return nil, fmt.Errorf("configuring verifier: %w", err)
	}

	static := opts.StaticKey
	if static == nil {
		static, err = crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generating static key: %w", err)
		}
	}

	udp, err := transport.NewUDPTransport(opts.Config.ListenAddr())
	if err != nil {
		return nil, fmt.Errorf("binding UDP socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	core := &Core{
		cfg:             opts.Config,
		transport:       udp,
		table:           session.NewTable(),
		contacts:        contact.NewManager(opts.Gateway.Contacts()),
		card:            identity.NewCardSession(opts.Card),
		gateway:         opts.Gateway,
		static:          static,
		ctx:             ctx,
		cancel:          cancel,
		warnedEndpoints: make(map[string]struct{}),
	}

	core.engine = handshake.NewEngine(handshake.Config{
		Table:     core.table,
		Verifier:  verifier,
		Contacts:  core.contacts,
		Card:      core.card,
		StaticKey: static,
		Send:      core.send,
		Events: handshake.Events{
			Established: core.onEstablished,
			Failed:      core.onHandshakeFailed,
			PinMismatch: core.onHandshakePinMismatch,
			Untrusted:   core.onHandshakeUntrusted,
		},
		Timeout:    secondsToDuration(opts.Config.HandshakeTimeoutSeconds),
		MaxRetries: handshake.DefaultMaxRetries,
	})

	core.pipeline = messaging.NewPipeline(messaging.Config{
		Messages: opts.Gateway.Messages(),
		Send:     core.send,
		Events: messaging.Events{
			Message:   core.onInboundMessage,
			Delivered: core.onDelivered,
			Failed:    core.onFailed,
		},
		RetryInterval: secondsToDuration(opts.Config.MessageRetrySeconds),
		MaxRetries:    messaging.DefaultMaxRetries,
	})

	core.registerHandlers()

	udp.SetMalformedCallback(func(addr net.Addr, size int) {
		telemetry.PacketsDropped.WithLabelValues("malformed").Inc()
	})

	core.wg.Add(1)
	go core.idleLoop()

	logrus.WithFields(logrus.Fields{
		"function":    "New",
		"package":     "eidchat",
		"listen_addr": udp.LocalAddr().String(),
	}).Info("Core started")

	return core, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// send is the narrow send capability handed to the engine and pipeline.
func (c *Core) send(packet *transport.Packet, addr net.Addr) error {
	return c.transport.Send(packet, addr)
}

// LocalAddr returns the bound UDP address.
func (c *Core) LocalAddr() net.Addr {
	return c.transport.LocalAddr()
}

// StaticPublicKey returns the public half of the installation key. The
// public key is part of the peer address that Dial takes; Advertisement
// does not include it.
func (c *Core) StaticPublicKey() [32]byte {
	return c.static.Public
}

// Close shuts down the core: timers, socket and sessions. The gateway is
// not closed; it stays with the caller that passed it in.
func (c *Core) Close() error {
	c.cancel()
	c.engine.Shutdown()
	c.pipeline.Shutdown()
	err := c.transport.Close()
	c.wg.Wait()

	for _, s := range c.table.All() {
		s.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"package":  "eidchat",
	}).Info("Core stopped")
	return err
}

// --- UI callback registration -------------------------------------------

// OnNewPeer registers the callback for first-sight pins awaiting user
// confirmation.
func (c *Core) OnNewPeer(fn func(fp identity.Fingerprint, displayName string)) { c.onNewPeer = fn }

// OnPeerConfirmed registers the callback fired by ConfirmPeer.
func (c *Core) OnPeerConfirmed(fn func(fp identity.Fingerprint)) { c.onPeerConfirmed = fn }

// OnPinMismatch registers the callback for pin conflicts.
func (c *Core) OnPinMismatch(fn func(endpoint string, fp identity.Fingerprint)) { c.onPinMismatch = fn }

// OnSessionClosed registers the callback for session teardown.
func (c *Core) OnSessionClosed(fn func(cid uint32, reason string)) { c.onSessionClosed = fn }

// OnMessage registers the inbound message callback.
func (c *Core) OnMessage(fn func(peer identity.Fingerprint, uuid, text string)) { c.onMessage = fn }

// OnMessageDelivered registers the delivery confirmation callback.
func (c *Core) OnMessageDelivered(fn func(uuid string)) { c.onMessageDelivered = fn }

// OnMessageFailed registers the delivery failure callback.
func (c *Core) OnMessageFailed(fn func(uuid, reason string)) { c.onMessageFailed = fn }

// OnUntrustedIssuer registers the one-time-per-endpoint warning callback.
func (c *Core) OnUntrustedIssuer(fn func(endpoint string)) { c.onUntrustedIssuer = fn }

// --- demultiplexer ------------------------------------------------------

// registerHandlers wires the per-type inbound routing.
func (c *Core) registerHandlers() {
	c.transport.RegisterHandler(transport.PacketHandshakeInit, c.engine.HandleInit)
	c.transport.RegisterHandler(transport.PacketHandshakeResp, c.engine.HandleResp)
	c.transport.RegisterHandler(transport.PacketMsg, c.handleMsg)
	c.transport.RegisterHandler(transport.PacketAck, c.handleAck)
	c.transport.RegisterHandler(transport.PacketReconnectReq, c.handleReconnectReq)
	c.transport.RegisterHandler(transport.PacketReconnectResp, c.handleReconnectResp)
	c.transport.RegisterHandler(transport.PacketPendingSend, c.handlePendingMarker(true))
	c.transport.RegisterHandler(transport.PacketPendingDone, c.handlePendingMarker(false))
}

// recordSession looks up a session able to process records.
func (c *Core) recordSession(cid uint32) *session.Session {
	s, err := c.table.Get(cid)
	if err != nil {
		telemetry.PacketsDropped.WithLabelValues("unknown_session").Inc()
		return nil
	}
	state := s.State()
	if state != session.StateEstablished && state != session.StateSuspended {
		telemetry.PacketsDropped.WithLabelValues("unknown_session").Inc()
		return nil
	}
	return s
}

func (c *Core) handleMsg(packet *transport.Packet, addr net.Addr) {
	s := c.recordSession(packet.CID)
	if s == nil {
		return
	}

	payload, err := transport.ParseRecordPayload(packet.Payload)
	if err != nil {
		telemetry.PacketsDropped.WithLabelValues("malformed").Inc()
		return
	}

	closeSession, err := c.pipeline.HandleMsg(c.ctx, s, payload)
	c.accountRecordError(s, closeSession, err)
}

func (c *Core) handleAck(packet *transport.Packet, addr net.Addr) {
	s := c.recordSession(packet.CID)
	if s == nil {
		return
	}

	payload, err := transport.ParseRecordPayload(packet.Payload)
	if err != nil {
		telemetry.PacketsDropped.WithLabelValues("malformed").Inc()
		return
	}

	closeSession, err := c.pipeline.HandleAck(c.ctx, s, payload)
	c.accountRecordError(s, closeSession, err)
}

// accountRecordError maps record-layer failures onto telemetry and the
// failure-threshold close.
func (c *Core) accountRecordError(s *session.Session, closeSession bool, err error) {
	switch {
	case err == nil:
	case errors.Is(err, session.ErrReplay):
		telemetry.PacketsDropped.WithLabelValues("replay").Inc()
	case errors.Is(err, messaging.ErrDuplicateMessage):
		telemetry.PacketsDropped.WithLabelValues("duplicate").Inc()
	case errors.Is(err, crypto.ErrAuthFailure):
		telemetry.PacketsDropped.WithLabelValues("auth_failure").Inc()
	default:
		telemetry.PacketsDropped.WithLabelValues("malformed").Inc()
	}

	if closeSession {
		c.closeSession(s, "authentication failure threshold exceeded")
	}
}

func (c *Core) handleReconnectReq(packet *transport.Packet, addr net.Addr) {
	s, err := c.table.Get(packet.CID)
	if err != nil || s.State() != session.StateSuspended {
		telemetry.PacketsDropped.WithLabelValues("unknown_session").Inc()
		return
	}

	peer := s.Peer()
	if peer == nil {
		return
	}
	if _, err := c.gateway.Sessions().Load(c.ctx, peer.Fingerprint); err != nil {
		// No loadable key: silence; the peer falls back to a handshake.
		telemetry.PacketsDropped.WithLabelValues("unknown_session").Inc()
		return
	}

	s.SetEndpoint(addr)
	s.Resume(time.Now())
	telemetry.SessionsResumed.Inc()

	_ = c.send(&transport.Packet{Type: transport.PacketReconnectResp, CID: packet.CID}, addr)
	c.pipeline.DrainPending(s)
}

func (c *Core) handleReconnectResp(packet *transport.Packet, addr net.Addr) {
	s, err := c.table.Get(packet.CID)
	if err != nil || s.State() != session.StateSuspended {
		telemetry.PacketsDropped.WithLabelValues("unknown_session").Inc()
		return
	}

	s.SetEndpoint(addr)
	s.Resume(time.Now())
	telemetry.SessionsResumed.Inc()
	c.pipeline.DrainPending(s)
}

func (c *Core) handlePendingMarker(start bool) transport.PacketHandler {
	return func(packet *transport.Packet, addr net.Addr) {
		s := c.recordSession(packet.CID)
		if s == nil {
			return
		}
		c.pipeline.MarkBatch(s, start)
	}
}

// --- handshake / pipeline event plumbing --------------------------------

func (c *Core) onEstablished(s *session.Session, pin contact.PinResult) {
	telemetry.HandshakesCompleted.WithLabelValues(s.Role().String()).Inc()

	peer := s.Peer()
	c.cacheSessionKey(s)

	if pin == contact.PinNew && c.onNewPeer != nil {
		c.onNewPeer(peer.Fingerprint, peer.DisplayName)
	}

	// Anything queued while the peer was unreachable goes out now.
	c.pipeline.DrainPending(s)
}

func (c *Core) onHandshakeFailed(cid uint32, reason error) {
	// Pin mismatches are counted by onHandshakePinMismatch.
	if !errors.Is(reason, contact.ErrPinMismatch) {
		telemetry.HandshakesFailed.WithLabelValues("timeout").Inc()
	}
	if c.onSessionClosed != nil {
		c.onSessionClosed(cid, reason.Error())
	}
}

func (c *Core) onHandshakePinMismatch(endpoint net.Addr, fp identity.Fingerprint) {
	telemetry.HandshakesFailed.WithLabelValues("pin_mismatch").Inc()
	if c.onPinMismatch != nil {
		c.onPinMismatch(endpoint.String(), fp)
	}
}

func (c *Core) onHandshakeUntrusted(endpoint net.Addr) {
	telemetry.PacketsDropped.WithLabelValues("untrusted_issuer").Inc()
	telemetry.HandshakesFailed.WithLabelValues("untrusted_issuer").Inc()

	// The UI warning fires once per endpoint.
	c.mu.Lock()
	_, warned := c.warnedEndpoints[endpoint.String()]
	if !warned {
		c.warnedEndpoints[endpoint.String()] = struct{}{}
	}
	c.mu.Unlock()

	if !warned && c.onUntrustedIssuer != nil {
		c.onUntrustedIssuer(endpoint.String())
	}
}

func (c *Core) onInboundMessage(s *session.Session, uuid, text string) {
	telemetry.MessagesReceived.Inc()
	if c.onMessage != nil {
		c.onMessage(s.Peer().Fingerprint, uuid, text)
	}
}

func (c *Core) onDelivered(uuid string) {
	telemetry.MessagesDelivered.Inc()
	if c.onMessageDelivered != nil {
		c.onMessageDelivered(uuid)
	}
}

func (c *Core) onFailed(uuid string, reason error) {
	if c.onMessageFailed != nil {
		c.onMessageFailed(uuid, reason.Error())
	}
}

// --- session lifecycle --------------------------------------------------

// cacheSessionKey persists a session's key for later resume.
func (c *Core) cacheSessionKey(s *session.Session) {
	peer := s.Peer()
	if peer == nil {
		return
	}
	if err := c.gateway.Sessions().Save(c.ctx, storage.SessionKey{
		PeerFingerprint: peer.Fingerprint,
		CID:             s.CID(),
		Key:             s.Key(),
		UpdatedAt:       time.Now(),
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "cacheSessionKey",
			"package":  "eidchat",
			"cid":      s.CID(),
			"error":    err.Error(),
		}).Warn("Could not cache session key for resume")
	}
}

// closeSession tears a session down: timers, queue, CID cooldown, cached
// key, UI notification.
func (c *Core) closeSession(s *session.Session, reason string) {
	c.pipeline.CancelSession(s)
	failed := s.Close()
	c.table.Remove(s.CID())
	c.engine.Forget(s.CID())

	if peer := s.Peer(); peer != nil {
		_ = c.gateway.Sessions().Forget(c.ctx, peer.Fingerprint)
	}

	for _, uuid := range failed {
		if c.onMessageFailed != nil {
			c.onMessageFailed(uuid, "session closed: "+reason)
		}
	}
	if c.onSessionClosed != nil {
		c.onSessionClosed(s.CID(), reason)
	}
}

// idleLoop periodically suspends idle sessions, persisting their keys.
func (c *Core) idleLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(idleScanInterval)
	defer ticker.Stop()

	threshold := time.Duration(c.cfg.IdleSuspendSeconds) * time.Second
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range c.table.SuspendIdle(threshold, now) {
				telemetry.SessionsSuspended.Inc()
				c.cacheSessionKey(s)
			}
		}
	}
}

// --- application surface ------------------------------------------------

// Dial starts a handshake with a peer. The static public key is part of
// the peer address: known contacts carry their pinned key, first contacts
// advertise it through discovery.
func (c *Core) Dial(ctx context.Context, peerStaticPub [32]byte, endpoint net.Addr) (*session.Session, error) {
	return c.engine.Initiate(ctx, peerStaticPub, endpoint)
}

// DialContact starts a handshake with an already-pinned contact at its
// last known endpoint.
func (c *Core) DialContact(ctx context.Context, fp identity.Fingerprint) (*session.Session, error) {
	pinned, err := c.contacts.Get(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("contact not pinned: %w", err)
	}
	if pinned.LastSeen == "" {
		return nil, fmt.Errorf("%w: no known endpoint for contact", ErrNoSession)
	}
	addr, err := net.ResolveUDPAddr("udp", pinned.LastSeen)
	if err != nil {
		return nil, fmt.Errorf("resolving contact endpoint: %w", err)
	}
	return c.engine.Initiate(ctx, pinned.StaticPub, addr)
}

// SendMessage sends a text message to a pinned peer over its live
// session. A Suspended session is nudged with RECONNECT_REQ first; the
// message itself still flows, doubling as an implicit resume. Without any
// session, a cached key is revived if present, otherwise ErrNoSession
// tells the caller to Dial.
func (c *Core) SendMessage(ctx context.Context, fp identity.Fingerprint, text string) (string, error) {
	s := c.findPeerSession(fp)
	if s == nil {
		revived, err := c.reviveFromCache(ctx, fp)
		if err != nil {
			return "", err
		}
		s = revived
	}

	if s.State() == session.StateSuspended {
		_ = c.send(&transport.Packet{Type: transport.PacketReconnectReq, CID: s.CID()}, s.Endpoint())
	}

	uuid, err := c.pipeline.Send(ctx, s, text)
	if err != nil {
		return "", err
	}
	telemetry.MessagesSent.Inc()
	return uuid, nil
}

// PeerSession returns the live record-capable session for a peer, if
// any. UIs use it to show connection state.
func (c *Core) PeerSession(fp identity.Fingerprint) *session.Session {
	return c.findPeerSession(fp)
}

// findPeerSession returns a record-capable session for the peer in either
// role, if one exists.
func (c *Core) findPeerSession(fp identity.Fingerprint) *session.Session {
	for _, role := range []session.Role{session.RoleInitiator, session.RoleResponder} {
		if s := c.table.FindByPeer(fp, role); s != nil {
			state := s.State()
			if state == session.StateEstablished || state == session.StateSuspended {
				return s
			}
		}
	}
	return nil
}

// reviveFromCache rebuilds a Suspended session from a cached key, sending
// RECONNECT_REQ to the peer's last known endpoint.
func (c *Core) reviveFromCache(ctx context.Context, fp identity.Fingerprint) (*session.Session, error) {
	cached, err := c.gateway.Sessions().Load(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	pinned, err := c.contacts.Get(ctx, fp)
	if err != nil || pinned.LastSeen == "" {
		return nil, fmt.Errorf("%w: no endpoint on record", ErrNoSession)
	}
	addr, err := net.ResolveUDPAddr("udp", pinned.LastSeen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	now := time.Now()
	s := session.New(cached.CID, addr, session.RoleInitiator, now)
	if err := c.table.Insert(s); err != nil {
		return nil, err
	}
	s.Establish(cached.Key, identity.Pinned(fp, pinned.DisplayName), now)
	s.Suspend()

	logrus.WithFields(logrus.Fields{
		"function":    "reviveFromCache",
		"package":     "eidchat",
		"cid":         cached.CID,
		"fingerprint": fp.Short(),
	}).Info("Session revived from cached key")

	return s, nil
}

// ConfirmPeer completes the TOFU flow for a newly pinned peer.
func (c *Core) ConfirmPeer(ctx context.Context, fp identity.Fingerprint) error {
	if err := c.contacts.Confirm(ctx, fp); err != nil {
		return err
	}
	if c.onPeerConfirmed != nil {
		c.onPeerConfirmed(fp)
	}
	return nil
}

// RenameContact updates the user-editable display name of a contact.
func (c *Core) RenameContact(ctx context.Context, fp identity.Fingerprint, name string) error {
	return c.contacts.Rename(ctx, fp, name)
}

// Contacts lists every pinned contact.
func (c *Core) Contacts(ctx context.Context) ([]storage.Contact, error) {
	return c.contacts.List(ctx)
}

// History returns the newest messages exchanged with a peer.
func (c *Core) History(ctx context.Context, fp identity.Fingerprint, limit int) ([]storage.Message, error) {
	return c.gateway.Messages().History(ctx, fp, limit)
}

// CardAvailable reports whether new outbound handshakes are possible.
func (c *Core) CardAvailable() bool {
	return c.card.Available()
}
