// Package session holds the per-peer protocol state: the Session state
// machine, the CID-keyed session table, and the encrypted record layer.
//
// Sessions are kept in an arena keyed by CID; the transport refers to
// sessions by CID only and sessions reach the network through a narrow
// send capability, so there are no object-level back-pointers.
package session

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/eidchat/crypto"
	"github.com/opd-ai/eidchat/identity"
)

// ErrUnknownSession indicates a packet referenced a CID with no live
// session.
var ErrUnknownSession = errors.New("unknown session")

// State is the lifecycle state of a session.
type State uint8

const (
	// StateHandshaking means key derivation has not completed yet.
	StateHandshaking State = iota
	// StateEstablished means the session can seal and open records.
	StateEstablished
	// StateSuspended means the link went idle but a resume is plausible.
	StateSuspended
	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Role distinguishes the handshake initiator from the responder.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Failure-threshold policy: this many record authentication failures
// inside the window close the session.
const (
	failThreshold = 5
	failWindow    = 60 * time.Second
)

// seenUUIDLimit bounds the per-session duplicate-suppression set.
const seenUUIDLimit = 4096

// QueuedMessage is one unacknowledged outbound message.
type QueuedMessage struct {
	UUID     string
	Text     string
	QueuedAt time.Time
}

// Session is the state for one peer connection. All fields are guarded by
// the session mutex; protocol transitions are funnelled through one
// logical owner so the state machine is never entered concurrently.
type Session struct {
	mu sync.Mutex

	cid      uint32
	endpoint net.Addr
	peer     *identity.Identity
	role     Role
	key      [32]byte

	state        State
	window       *crypto.NonceWindow
	seenUUIDs    map[string]struct{}
	uuidOrder    []string
	pending      []QueuedMessage
	failTimes    []time.Time
	txCount      uint64
	createdAt    time.Time
	lastActivity time.Time
}

// New creates a session in the Handshaking state.
func New(cid uint32, endpoint net.Addr, role Role, now time.Time) *Session {
	return &Session{
		cid:          cid,
		endpoint:     endpoint,
		role:         role,
		state:        StateHandshaking,
		window:       crypto.NewNonceWindow(crypto.DefaultWindowSize),
		seenUUIDs:    make(map[string]struct{}),
		createdAt:    now,
		lastActivity: now,
	}
}

// CID returns the session's connection identifier.
func (s *Session) CID() uint32 { return s.cid }

// Role returns the session's handshake role.
func (s *Session) Role() Role { return s.role }

// Endpoint returns the peer's UDP address.
func (s *Session) Endpoint() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// SetEndpoint updates the peer address, e.g. after the peer reappears at a
// new endpoint during resume.
func (s *Session) SetEndpoint(addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = addr
}

// Peer returns the verified peer identity, nil while handshaking.
func (s *Session) Peer() *identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Key returns the record-layer session key.
func (s *Session) Key() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Establish attaches the derived key and verified identity and moves the
// session to Established. It is also used when resuming from a cached key.
func (s *Session) Establish(key [32]byte, peer *identity.Identity, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.key = key
	s.peer = peer
	s.state = StateEstablished
	s.lastActivity = now

	logrus.WithFields(logrus.Fields{
		"function":    "Establish",
		"package":     "session",
		"cid":         s.cid,
		"role":        s.role.String(),
		"fingerprint": peer.Fingerprint.Short(),
	}).Info("Session established")
}

// Suspend moves an Established session to Suspended, keeping the pending
// queue for a later drain.
func (s *Session) Suspend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return false
	}
	s.state = StateSuspended

	logrus.WithFields(logrus.Fields{
		"function": "Suspend",
		"package":  "session",
		"cid":      s.cid,
		"pending":  len(s.pending),
	}).Info("Session suspended")
	return true
}

// Resume promotes a Suspended session back to Established.
func (s *Session) Resume(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSuspended {
		return false
	}
	s.state = StateEstablished
	s.lastActivity = now
	return true
}

// Close moves the session to its terminal state and clears the pending
// queue, returning the UUIDs of messages that will never be delivered on
// this session.
func (s *Session) Close() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed

	failed := make([]string, len(s.pending))
	for i, q := range s.pending {
		failed[i] = q.UUID
	}
	s.pending = nil
	crypto.ZeroBytes(s.key[:])

	logrus.WithFields(logrus.Fields{
		"function":    "Close",
		"package":     "session",
		"cid":         s.cid,
		"undelivered": len(failed),
	}).Info("Session closed")

	return failed
}

// TxCount returns how many records this session has sealed. Diagnostics
// only; correctness never depends on counter order because receivers use
// a nonce-set replay window.
func (s *Session) TxCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// Touch records activity on the session.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// IdleSince reports how long the session has been without activity.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// Enqueue appends a message to the unacknowledged outbound queue.
func (s *Session) Enqueue(uuid, text string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, QueuedMessage{UUID: uuid, Text: text, QueuedAt: now})
}

// Ack removes the message with the given UUID from the queue, reporting
// whether it was present.
func (s *Session) Ack(uuid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, q := range s.pending {
		if q.UUID == uuid {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns a snapshot of the unacknowledged queue in send order.
func (s *Session) Pending() []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueuedMessage, len(s.pending))
	copy(out, s.pending)
	return out
}

// HasUUID reports whether an application message UUID has been delivered
// on this session.
func (s *Session) HasUUID(uuid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seenUUIDs[uuid]
	return ok
}

// MarkUUIDSeen inserts an application message UUID into the bounded
// duplicate-suppression set, reporting whether it was fresh.
func (s *Session) MarkUUIDSeen(uuid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seenUUIDs[uuid]; dup {
		return false
	}

	if len(s.uuidOrder) >= seenUUIDLimit {
		oldest := s.uuidOrder[0]
		s.uuidOrder = s.uuidOrder[1:]
		delete(s.seenUUIDs, oldest)
	}
	s.seenUUIDs[uuid] = struct{}{}
	s.uuidOrder = append(s.uuidOrder, uuid)
	return true
}

// recordFailure counts an authentication failure, reporting whether the
// session crossed the close threshold.
func (s *Session) recordFailure(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-failWindow)
	kept := s.failTimes[:0]
	for _, t := range s.failTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failTimes = append(kept, now)

	return len(s.failTimes) >= failThreshold
}
