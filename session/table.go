package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/eidchat/identity"
)

// cooldownSize is how many recently retired CIDs are held out of
// circulation to reduce crosstalk with late packets.
const cooldownSize = 1024

// allocAttempts bounds the random draw loop; with 32-bit CIDs and a
// realistic table size, a collision streak this long cannot happen.
const allocAttempts = 64

// Table is the arena of live sessions keyed by CID. A CID maps to at most
// one session at a time, and retired CIDs sit in a cooldown ring before
// they can be drawn again.
type Table struct {
	mu       sync.Mutex
	sessions map[uint32]*Session
	cooldown map[uint32]struct{}
	coolRing []uint32
	coolHead int
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{
		sessions: make(map[uint32]*Session),
		cooldown: make(map[uint32]struct{}),
		coolRing: make([]uint32, 0, cooldownSize),
	}
}

// AllocateCID draws a random CID not currently in use and not cooling
// down.
func (t *Table) AllocateCID() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var buf [4]byte
	for i := 0; i < allocAttempts; i++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		cid := binary.BigEndian.Uint32(buf[:])

		if _, live := t.sessions[cid]; live {
			continue
		}
		if _, cooling := t.cooldown[cid]; cooling {
			continue
		}
		return cid, nil
	}
	return 0, fmt.Errorf("could not allocate a free CID after %d attempts", allocAttempts)
}

// Insert adds a session under its CID. Inserting over a live CID is a
// programming error and is rejected.
func (t *Table) Insert(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.sessions[s.CID()]; exists {
		return fmt.Errorf("CID %08x already in use", s.CID())
	}
	t.sessions[s.CID()] = s
	return nil
}

// Get returns the session for a CID, or ErrUnknownSession.
func (t *Table) Get(cid uint32) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[cid]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Remove retires a CID into the cooldown ring. The session should already
// be Closed.
func (t *Table) Remove(cid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[cid]; !ok {
		return
	}
	delete(t.sessions, cid)

	if len(t.coolRing) < cooldownSize {
		t.coolRing = append(t.coolRing, cid)
	} else {
		delete(t.cooldown, t.coolRing[t.coolHead])
		t.coolRing[t.coolHead] = cid
		t.coolHead = (t.coolHead + 1) % cooldownSize
	}
	t.cooldown[cid] = struct{}{}

	logrus.WithFields(logrus.Fields{
		"function": "Remove",
		"package":  "session",
		"cid":      cid,
		"cooldown": len(t.cooldown),
	}).Debug("CID retired into cooldown")
}

// FindByPeer returns the live (non-Closed) session with the given peer
// fingerprint and role, if any.
func (t *Table) FindByPeer(fingerprint identity.Fingerprint, role Role) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.sessions {
		if s.Role() != role {
			continue
		}
		peer := s.Peer()
		if peer == nil || peer.Fingerprint != fingerprint {
			continue
		}
		if s.State() == StateClosed {
			continue
		}
		return s
	}
	return nil
}

// All returns a snapshot of the live sessions.
func (t *Table) All() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of sessions in the table, any state.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// SuspendIdle moves Established sessions idle past the threshold to
// Suspended, returning the affected sessions so the owner can persist
// their keys.
func (t *Table) SuspendIdle(threshold time.Duration, now time.Time) []*Session {
	var suspended []*Session
	for _, s := range t.All() {
		if s.State() != StateEstablished {
			continue
		}
		if s.IdleSince(now) < threshold {
			continue
		}
		if s.Suspend() {
			suspended = append(suspended, s)
		}
	}
	return suspended
}
