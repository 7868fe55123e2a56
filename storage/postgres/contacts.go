package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opd-ai/eidchat/identity"
	"github.com/opd-ai/eidchat/storage"
)

// ContactStore implements storage.ContactStore for PostgreSQL.
type ContactStore struct {
	db *pgxpool.Pool
}

// Upsert inserts a contact or updates it by fingerprint. An update keeps
// the stored pinned_at.
func (s *ContactStore) Upsert(ctx context.Context, contact storage.Contact) error {
	query := `
		INSERT INTO contacts (fingerprint, static_pub, display_name, pinned_at, last_seen, confirmed)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fingerprint) DO UPDATE SET
			static_pub   = EXCLUDED.static_pub,
			display_name = EXCLUDED.display_name,
			last_seen    = EXCLUDED.last_seen,
			confirmed    = EXCLUDED.confirmed
	`
	_, err := s.db.Exec(ctx, query,
		contact.Fingerprint[:],
		contact.StaticPub[:],
		contact.DisplayName,
		contact.PinnedAt,
		contact.LastSeen,
		contact.Confirmed,
	)
	if err != nil {
		return fmt.Errorf("upserting contact: %w", err)
	}
	return nil
}

// Get retrieves a contact by fingerprint.
func (s *ContactStore) Get(ctx context.Context, fingerprint identity.Fingerprint) (*storage.Contact, error) {
	query := `
		SELECT fingerprint, static_pub, display_name, pinned_at, last_seen, confirmed
		FROM contacts
		WHERE fingerprint = $1
	`

	var (
		contact   storage.Contact
		fpBytes   []byte
		staticPub []byte
	)
	err := s.db.QueryRow(ctx, query, fingerprint[:]).Scan(
		&fpBytes,
		&staticPub,
		&contact.DisplayName,
		&contact.PinnedAt,
		&contact.LastSeen,
		&contact.Confirmed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying contact: %w", err)
	}

	copy(contact.Fingerprint[:], fpBytes)
	copy(contact.StaticPub[:], staticPub)
	return &contact, nil
}

// List returns every pinned contact.
func (s *ContactStore) List(ctx context.Context) ([]storage.Contact, error) {
	query := `
		SELECT fingerprint, static_pub, display_name, pinned_at, last_seen, confirmed
		FROM contacts
		ORDER BY pinned_at
	`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	defer rows.Close()

	var out []storage.Contact
	for rows.Next() {
		var (
			contact   storage.Contact
			fpBytes   []byte
			staticPub []byte
		)
		if err := rows.Scan(&fpBytes, &staticPub, &contact.DisplayName,
			&contact.PinnedAt, &contact.LastSeen, &contact.Confirmed); err != nil {
			return nil, fmt.Errorf("scanning contact: %w", err)
		}
		copy(contact.Fingerprint[:], fpBytes)
		copy(contact.StaticPub[:], staticPub)
		out = append(out, contact)
	}
	return out, rows.Err()
}
