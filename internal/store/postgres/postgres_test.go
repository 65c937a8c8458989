package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/omochice/chat-relay/internal/store"
	"github.com/omochice/chat-relay/internal/store/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to RELAY_TEST_POSTGRES_DSN and creates a throwaway
// schema with the tables the relay reads and writes.
func openTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("RELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	schema := fmt.Sprintf("relay_test_%d", time.Now().UnixNano())

	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close(context.Background())
	})

	ddl, err := os.ReadFile("testdata/schema.sql")
	require.NoError(t, err)

	s, err := postgres.Open(ctx, postgres.Config{DSN: dsn, MaxConns: 4, Schema: schema})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = admin.Exec(ctx, "SET search_path TO "+schema)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, string(ddl))
	require.NoError(t, err)
	_, err = admin.Exec(ctx, `
INSERT INTO users (id, username, full_name) VALUES (1, 'alice', 'Alice A'), (2, 'bob', 'Bob B'), (3, 'carol', 'Carol C');
INSERT INTO friends (user_id, friend_id, status) VALUES (1, 2, 'accepted'), (2, 1, 'accepted'), (1, 3, 'pending');`)
	require.NoError(t, err)

	return s
}

func TestStore_Integration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	status, err := s.CheckFriendship(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, store.FriendshipAccepted, status)

	status, err = s.CheckFriendship(ctx, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, store.FriendshipNone, status)

	friends, err := s.ListAcceptedFriends(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, friends)

	require.NoError(t, s.PersistOnlineStatus(ctx, 1, true, time.Now()))

	env, err := s.PersistMessage(ctx, 1, 2, "hi")
	require.NoError(t, err)
	assert.NotZero(t, env.ID)
	assert.Equal(t, "hi", env.Message)
	assert.Equal(t, "alice", env.SenderUsername)
	assert.Equal(t, "Bob B", env.ReceiverName)
	assert.False(t, env.IsRead)

	n, err := s.MarkRead(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOpen_InvalidDSN(t *testing.T) {
	_, err := postgres.Open(context.Background(), postgres.Config{DSN: "://not a dsn"})
	assert.Error(t, err)
}
