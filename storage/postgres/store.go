// Package postgres implements the storage gateway over PostgreSQL using
// pgx. It is the durable counterpart of the in-memory gateway; the schema
// is created on first connect.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/eidchat/storage"
)

// Store implements storage.Gateway over a pgx connection pool.
type Store struct {
	pool     *pgxpool.Pool
	contacts *ContactStore
	messages *MessageStore
	sessions *SessionStore
}

// schema holds every table the gateway needs. Fingerprints are stored as
// raw 32-byte values.
const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	fingerprint  BYTEA PRIMARY KEY,
	static_pub   BYTEA NOT NULL,
	display_name TEXT NOT NULL,
	pinned_at    TIMESTAMPTZ NOT NULL,
	last_seen    TEXT NOT NULL DEFAULT '',
	confirmed    BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS messages (
	id               BIGSERIAL PRIMARY KEY,
	peer_fingerprint BYTEA NOT NULL,
	session_cid      BIGINT NOT NULL,
	direction        TEXT NOT NULL,
	uuid             TEXT NOT NULL,
	text             TEXT NOT NULL,
	timestamp        TIMESTAMPTZ NOT NULL,
	delivered        BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS messages_peer_idx ON messages (peer_fingerprint, id DESC);
CREATE INDEX IF NOT EXISTS messages_uuid_idx ON messages (uuid);

CREATE TABLE IF NOT EXISTS session_keys (
	peer_fingerprint BYTEA PRIMARY KEY,
	cid              BIGINT NOT NULL,
	session_key      BYTEA NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
`

// NewStore connects to PostgreSQL and bootstraps the schema.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrapping schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewStore",
		"package":  "postgres",
	}).Info("PostgreSQL gateway connected")

	store := &Store{pool: pool}
	store.contacts = &ContactStore{db: pool}
	store.messages = &MessageStore{db: pool}
	store.sessions = &SessionStore{db: pool}
	return store, nil
}

// Contacts returns the contact store.
func (s *Store) Contacts() storage.ContactStore { return s.contacts }

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore { return s.messages }

// Sessions returns the session key cache.
func (s *Store) Sessions() storage.SessionCache { return s.sessions }

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
