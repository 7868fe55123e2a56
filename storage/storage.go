// Package storage defines the persistence gateway the eidchat core talks
// to: contacts, the message log, and cached session keys. The SQL engine
// behind it is an external collaborator; this package carries only the
// narrow interfaces plus an in-memory reference implementation used by
// tests and by deployments that do not persist.
//
// The received-UUID replay set is deliberately absent: duplicate
// suppression only needs to hold within a session lifetime, so it lives in
// memory on the session itself.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/eidchat/identity"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Direction tags a logged message as sent or received.
type Direction string

const (
	DirectionOutbound Direction = "out"
	DirectionInbound  Direction = "in"
)

// Contact is the persisted form of a pinned peer.
type Contact struct {
	Fingerprint identity.Fingerprint
	StaticPub   [32]byte
	DisplayName string
	PinnedAt    time.Time
	LastSeen    string // last known UDP endpoint, host:port
	Confirmed   bool
}

// Message is one entry in the message log.
type Message struct {
	PeerFingerprint identity.Fingerprint
	SessionCID      uint32
	Direction       Direction
	UUID            string
	Text            string
	Timestamp       time.Time
	Delivered       bool
}

// SessionKey is a cached record-layer key enabling resume without a fresh
// handshake.
type SessionKey struct {
	PeerFingerprint identity.Fingerprint
	CID             uint32
	Key             [32]byte
	UpdatedAt       time.Time
}

// ContactStore persists pinned contacts.
type ContactStore interface {
	Upsert(ctx context.Context, contact Contact) error
	Get(ctx context.Context, fingerprint identity.Fingerprint) (*Contact, error)
	List(ctx context.Context) ([]Contact, error)
}

// MessageStore persists the message log.
type MessageStore interface {
	Append(ctx context.Context, msg Message) error
	MarkDelivered(ctx context.Context, uuid string) error
	History(ctx context.Context, fingerprint identity.Fingerprint, limit int) ([]Message, error)
}

// SessionCache persists session keys for resume.
type SessionCache interface {
	Save(ctx context.Context, key SessionKey) error
	Load(ctx context.Context, fingerprint identity.Fingerprint) (*SessionKey, error)
	Forget(ctx context.Context, fingerprint identity.Fingerprint) error
}

// Gateway composes the three stores behind one handle.
type Gateway interface {
	Contacts() ContactStore
	Messages() MessageStore
	Sessions() SessionCache
	Close() error
}
