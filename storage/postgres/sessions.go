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

// SessionStore implements storage.SessionCache for PostgreSQL.
type SessionStore struct {
	db *pgxpool.Pool
}

// Save caches a session key for resume, replacing any previous key for
// the peer.
func (s *SessionStore) Save(ctx context.Context, key storage.SessionKey) error {
	query := `
		INSERT INTO session_keys (peer_fingerprint, cid, session_key, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (peer_fingerprint) DO UPDATE SET
			cid         = EXCLUDED.cid,
			session_key = EXCLUDED.session_key,
			updated_at  = EXCLUDED.updated_at
	`
	_, err := s.db.Exec(ctx, query,
		key.PeerFingerprint[:],
		int64(key.CID),
		key.Key[:],
		key.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving session key: %w", err)
	}
	return nil
}

// Load returns the cached session key for a peer, if any.
func (s *SessionStore) Load(ctx context.Context, fingerprint identity.Fingerprint) (*storage.SessionKey, error) {
	query := `
		SELECT cid, session_key, updated_at
		FROM session_keys
		WHERE peer_fingerprint = $1
	`

	var (
		key      storage.SessionKey
		cid      int64
		keyBytes []byte
	)
	err := s.db.QueryRow(ctx, query, fingerprint[:]).Scan(&cid, &keyBytes, &key.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session key: %w", err)
	}

	key.PeerFingerprint = fingerprint
	key.CID = uint32(cid)
	copy(key.Key[:], keyBytes)
	return &key, nil
}

// Forget discards the cached key for a peer.
func (s *SessionStore) Forget(ctx context.Context, fingerprint identity.Fingerprint) error {
	_, err := s.db.Exec(ctx, `DELETE FROM session_keys WHERE peer_fingerprint = $1`, fingerprint[:])
	if err != nil {
		return fmt.Errorf("forgetting session key: %w", err)
	}
	return nil
}
