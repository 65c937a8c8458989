// Package postgres implements the store boundary against the relational
// database shared with the Account & Graph Service.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/omochice/chat-relay/internal/store"
	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/pkg/errors"
)

const (
	queryFriendship = `SELECT status FROM friends WHERE user_id = $1 AND friend_id = $2`

	queryAcceptedFriends = `SELECT friend_id FROM friends WHERE user_id = $1 AND status = 'accepted' ORDER BY friend_id`

	queryPersistOnline = `UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1`

	queryPersistMessage = `
WITH m AS (
	INSERT INTO messages (sender_id, receiver_id, message)
	VALUES ($1, $2, $3)
	RETURNING id, sender_id, receiver_id, message, is_read, created_at
)
SELECT m.id, m.sender_id, m.receiver_id, m.message, m.is_read, m.created_at,
       s.username, s.full_name, r.username, r.full_name
FROM m
JOIN users s ON s.id = m.sender_id
JOIN users r ON r.id = m.receiver_id`

	queryMarkRead = `UPDATE messages SET is_read = TRUE WHERE receiver_id = $1 AND sender_id = $2 AND is_read = FALSE`
)

// Config holds pool settings.
type Config struct {
	DSN      string
	MaxConns int32
	Schema   string // search_path override; empty keeps the server default
}

// Store is a pgx-backed store.Backend.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Backend = (*Store)(nil)

// Open creates a connection pool. It does not contact the server; use Ping
// for the startup health check.
func Open(ctx context.Context, c Config) (*Store, error) {
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "invalid postgres dsn")
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	if c.Schema != "" {
		pc.ConnConfig.RuntimeParams["search_path"] = c.Schema
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create postgres pool")
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements store.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return store.Unavailable(store.OpPing, s.pool.Ping(ctx))
}

// CheckFriendship implements store.Graph. A missing row is FriendshipNone.
func (s *Store) CheckFriendship(ctx context.Context, userID, otherID int64) (store.FriendshipStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, queryFriendship, userID, otherID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.FriendshipNone, nil
	}
	if err != nil {
		return store.FriendshipNone, store.Unavailable(store.OpCheckFriendship, err)
	}
	return parseStatus(status), nil
}

// ListAcceptedFriends implements store.Graph.
func (s *Store) ListAcceptedFriends(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, queryAcceptedFriends, userID)
	if err != nil {
		return nil, store.Unavailable(store.OpListAcceptedFriends, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, store.Unavailable(store.OpListAcceptedFriends, err)
	}
	return ids, nil
}

// PersistOnlineStatus implements store.StatusWriter.
func (s *Store) PersistOnlineStatus(ctx context.Context, userID int64, online bool, at time.Time) error {
	_, err := s.pool.Exec(ctx, queryPersistOnline, userID, online, at)
	return store.Unavailable(store.OpPersistOnline, err)
}

// PersistMessage implements store.Messages.
func (s *Store) PersistMessage(ctx context.Context, senderID, receiverID int64, body string) (protocol.MessageEnvelope, error) {
	var env protocol.MessageEnvelope
	err := s.pool.QueryRow(ctx, queryPersistMessage, senderID, receiverID, body).Scan(
		&env.ID, &env.SenderID, &env.ReceiverID, &env.Message, &env.IsRead, &env.CreatedAt,
		&env.SenderUsername, &env.SenderName, &env.ReceiverUsername, &env.ReceiverName,
	)
	if err != nil {
		return protocol.MessageEnvelope{}, store.Unavailable(store.OpPersistMessage, err)
	}
	return env, nil
}

// MarkRead implements store.Messages.
func (s *Store) MarkRead(ctx context.Context, receiverID, senderID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, queryMarkRead, receiverID, senderID)
	if err != nil {
		return 0, store.Unavailable(store.OpMarkRead, err)
	}
	return tag.RowsAffected(), nil
}

func parseStatus(s string) store.FriendshipStatus {
	switch store.FriendshipStatus(s) {
	case store.FriendshipPending, store.FriendshipAccepted, store.FriendshipBlocked:
		return store.FriendshipStatus(s)
	default:
		return store.FriendshipNone
	}
}
