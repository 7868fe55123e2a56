package storage

import (
	"context"
	"sync"

	"github.com/opd-ai/eidchat/identity"
)

// MemoryStore is a Gateway keeping everything in process memory. It backs
// tests and ephemeral deployments; real installations use the SQL gateway.
type MemoryStore struct {
	mu       sync.RWMutex
	contacts map[identity.Fingerprint]Contact
	messages []Message
	sessions map[identity.Fingerprint]SessionKey
}

// NewMemoryStore creates an empty in-memory gateway.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts: make(map[identity.Fingerprint]Contact),
		sessions: make(map[identity.Fingerprint]SessionKey),
	}
}

// Contacts returns the contact store.
func (m *MemoryStore) Contacts() ContactStore { return (*memoryContacts)(m) }

// Messages returns the message store.
func (m *MemoryStore) Messages() MessageStore { return (*memoryMessages)(m) }

// Sessions returns the session key cache.
func (m *MemoryStore) Sessions() SessionCache { return (*memorySessions)(m) }

// Close is a no-op for the in-memory gateway.
func (m *MemoryStore) Close() error { return nil }

type memoryContacts MemoryStore

func (m *memoryContacts) Upsert(_ context.Context, contact Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[contact.Fingerprint] = contact
	return nil
}

func (m *memoryContacts) Get(_ context.Context, fingerprint identity.Fingerprint) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	contact, ok := m.contacts[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	return &contact, nil
}

func (m *memoryContacts) List(_ context.Context) ([]Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		out = append(out, c)
	}
	return out, nil
}

type memoryMessages MemoryStore

func (m *memoryMessages) Append(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memoryMessages) MarkDelivered(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].UUID == uuid {
			m.messages[i].Delivered = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *memoryMessages) History(_ context.Context, fingerprint identity.Fingerprint, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Message
	// Newest first, up to limit.
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].PeerFingerprint != fingerprint {
			continue
		}
		out = append(out, m.messages[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type memorySessions MemoryStore

func (m *memorySessions) Save(_ context.Context, key SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[key.PeerFingerprint] = key
	return nil
}

func (m *memorySessions) Load(_ context.Context, fingerprint identity.Fingerprint) (*SessionKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.sessions[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	return &key, nil
}

func (m *memorySessions) Forget(_ context.Context, fingerprint identity.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, fingerprint)
	return nil
}
