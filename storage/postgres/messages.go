package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opd-ai/eidchat/identity"
	"github.com/opd-ai/eidchat/storage"
)

// MessageStore implements storage.MessageStore for PostgreSQL.
type MessageStore struct {
	db *pgxpool.Pool
}

// Append logs one message.
func (s *MessageStore) Append(ctx context.Context, msg storage.Message) error {
	query := `
		INSERT INTO messages (peer_fingerprint, session_cid, direction, uuid, text, timestamp, delivered)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.Exec(ctx, query,
		msg.PeerFingerprint[:],
		int64(msg.SessionCID),
		string(msg.Direction),
		msg.UUID,
		msg.Text,
		msg.Timestamp,
		msg.Delivered,
	)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

// MarkDelivered flips the delivered flag for a UUID.
func (s *MessageStore) MarkDelivered(ctx context.Context, uuid string) error {
	tag, err := s.db.Exec(ctx, `UPDATE messages SET delivered = TRUE WHERE uuid = $1`, uuid)
	if err != nil {
		return fmt.Errorf("marking message delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// History returns the newest messages exchanged with a peer, most recent
// first. A non-positive limit returns everything.
func (s *MessageStore) History(ctx context.Context, fingerprint identity.Fingerprint, limit int) ([]storage.Message, error) {
	query := `
		SELECT peer_fingerprint, session_cid, direction, uuid, text, timestamp, delivered
		FROM messages
		WHERE peer_fingerprint = $1
		ORDER BY id DESC
	`
	args := []any{fingerprint[:]}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []storage.Message
	for rows.Next() {
		var (
			msg       storage.Message
			fpBytes   []byte
			cid       int64
			direction string
		)
		if err := rows.Scan(&fpBytes, &cid, &direction, &msg.UUID,
			&msg.Text, &msg.Timestamp, &msg.Delivered); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		copy(msg.PeerFingerprint[:], fpBytes)
		msg.SessionCID = uint32(cid)
		msg.Direction = storage.Direction(direction)
		out = append(out, msg)
	}
	return out, rows.Err()
}
