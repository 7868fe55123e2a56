// Package contact implements the contact list and the trust-on-first-use
// pinning rules.
//
// A contact is created on the first successful handshake with a new
// certificate fingerprint. The fingerprint is the pin and never changes;
// the display name is user-editable afterwards.
package contact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/eidchat/identity"
	"github.com/opd-ai/eidchat/storage"
)

// ErrPinMismatch indicates a peer presented an identity conflicting with
// an existing pin. Sessions hitting it are closed and never auto-retried.
var ErrPinMismatch = errors.New("pin mismatch")

// PinResult describes the outcome of checking a verified identity against
// the contact store.
type PinResult uint8

const (
	// PinNew means the fingerprint was unknown and has been pinned. The
	// session is established but unconfirmed until the user acknowledges
	// the new peer.
	PinNew PinResult = iota
	// PinKnown means the fingerprint matched an existing pin.
	PinKnown
)

// TimeProvider abstracts the clock, allowing deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Manager applies the TOFU rules over the contact store.
type Manager struct {
	store        storage.ContactStore
	timeProvider TimeProvider
}

// NewManager creates a contact manager over the given store.
func NewManager(store storage.ContactStore) *Manager {
	return &Manager{
		store:        store,
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider overrides the clock for deterministic testing.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	m.timeProvider = tp
}

// CheckAndPin applies the TOFU rule to a verified peer identity seen at
// the given endpoint with the given static key.
//
// Unknown fingerprint: pinned (unconfirmed) and PinNew returned — unless
// the endpoint previously served a different fingerprint, which is a pin
// mismatch. Known fingerprint: the stored static key must match; the
// stored display name is never overwritten.
func (m *Manager) CheckAndPin(ctx context.Context, id *identity.Identity, staticPub [32]byte, endpoint string) (PinResult, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function":    "CheckAndPin",
		"package":     "contact",
		"fingerprint": id.Fingerprint.Short(),
		"endpoint":    endpoint,
	})

	existing, err := m.store.Get(ctx, id.Fingerprint)
	switch {
	case err == nil:
		if existing.StaticPub != staticPub {
			logger.Warn("Known fingerprint presented a different static key")
			return 0, fmt.Errorf("%w: static key changed for pinned fingerprint", ErrPinMismatch)
		}

		existing.LastSeen = endpoint
		if err := m.store.Upsert(ctx, *existing); err != nil {
			return 0, fmt.Errorf("updating contact endpoint: %w", err)
		}

		logger.Debug("Fingerprint matches existing pin")
		return PinKnown, nil

	case errors.Is(err, storage.ErrNotFound):
		if err := m.checkEndpointHistory(ctx, id.Fingerprint, endpoint); err != nil {
			return 0, err
		}

		pinned := storage.Contact{
			Fingerprint: id.Fingerprint,
			StaticPub:   staticPub,
			DisplayName: id.DisplayName,
			PinnedAt:    m.timeProvider.Now(),
			LastSeen:    endpoint,
			Confirmed:   false,
		}
		if err := m.store.Upsert(ctx, pinned); err != nil {
			return 0, fmt.Errorf("pinning new contact: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"display_name": id.DisplayName,
		}).Info("New peer pinned on first use")
		return PinNew, nil

	default:
		return 0, fmt.Errorf("looking up contact: %w", err)
	}
}

// checkEndpointHistory rejects a new fingerprint arriving from an endpoint
// already bound to a different pin.
func (m *Manager) checkEndpointHistory(ctx context.Context, fingerprint identity.Fingerprint, endpoint string) error {
	if endpoint == "" {
		return nil
	}

	contacts, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing contacts: %w", err)
	}

	for _, c := range contacts {
		if c.LastSeen == endpoint && c.Fingerprint != fingerprint {
			logrus.WithFields(logrus.Fields{
				"function":  "checkEndpointHistory",
				"package":   "contact",
				"endpoint":  endpoint,
				"pinned":    c.Fingerprint.Short(),
				"presented": fingerprint.Short(),
				"contact":   c.DisplayName,
			}).Warn("Endpoint previously served a different fingerprint")
			return fmt.Errorf("%w: endpoint %s is pinned to another identity", ErrPinMismatch, endpoint)
		}
	}
	return nil
}

// Confirm marks a TOFU-pinned contact as user-confirmed.
func (m *Manager) Confirm(ctx context.Context, fingerprint identity.Fingerprint) error {
	contact, err := m.store.Get(ctx, fingerprint)
	if err != nil {
		return fmt.Errorf("confirming contact: %w", err)
	}

	contact.Confirmed = true
	if err := m.store.Upsert(ctx, *contact); err != nil {
		return fmt.Errorf("confirming contact: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Confirm",
		"package":     "contact",
		"fingerprint": fingerprint.Short(),
	}).Info("Contact confirmed by user")
	return nil
}

// Rename sets the user-editable display name on an existing contact.
func (m *Manager) Rename(ctx context.Context, fingerprint identity.Fingerprint, name string) error {
	contact, err := m.store.Get(ctx, fingerprint)
	if err != nil {
		return fmt.Errorf("renaming contact: %w", err)
	}

	contact.DisplayName = name
	return m.store.Upsert(ctx, *contact)
}

// Get returns the stored contact for a fingerprint.
func (m *Manager) Get(ctx context.Context, fingerprint identity.Fingerprint) (*storage.Contact, error) {
	return m.store.Get(ctx, fingerprint)
}

// List returns all pinned contacts.
func (m *Manager) List(ctx context.Context) ([]storage.Contact, error) {
	return m.store.List(ctx)
}

// StaticKey returns the pinned static X25519 key for a fingerprint, used
// by the initiator when dialing a known peer.
func (m *Manager) StaticKey(ctx context.Context, fingerprint identity.Fingerprint) ([32]byte, error) {
	contact, err := m.store.Get(ctx, fingerprint)
	if err != nil {
		return [32]byte{}, err
	}
	return contact.StaticPub, nil
}
