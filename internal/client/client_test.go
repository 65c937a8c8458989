package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/internal/client"
	"github.com/omochice/chat-relay/internal/presence"
	"github.com/omochice/chat-relay/internal/relay"
	"github.com/omochice/chat-relay/internal/server"
	"github.com/omochice/chat-relay/internal/store/memory"
	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second

func startServer(t *testing.T) (*server.Server, *presence.Table, *memory.Store) {
	t.Helper()
	st := memory.New()
	st.AddUser(1, "alice", "Alice")
	st.AddUser(2, "bob", "Bob")
	st.Befriend(1, 2)

	table := presence.NewTable()
	hub := chat.NewHub(chat.HubConfig{}, zap.NewNop())
	engine, err := relay.New(relay.Config{
		Table:    table,
		Sessions: hub,
		Graph:    st,
		Status:   st,
		Messages: st,
	}, zap.NewNop())
	require.NoError(t, err)

	srv := server.New(server.Config{Addr: "127.0.0.1:0"}, hub, engine, nil, zap.NewNop())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = srv.Stop(ctx)
		_ = hub.CloseAll(ctx)
	})
	return srv, table, st
}

func connect(t *testing.T, address string, codec protocol.Codec) *client.Client {
	t.Helper()
	c := client.New(address, codec)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(c.Disconnect)
	return c
}

// next returns the first frame with the given event, skipping others.
func next(t *testing.T, c *client.Client, event protocol.Event) protocol.Frame {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case f, ok := <-c.Events():
			require.True(t, ok, "connection closed while waiting for %s", event)
			if f.Event == event {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := client.New("127.0.0.1:1", protocol.CodecBinary)

	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.SendMessage(context.Background(), 2, "hi"), client.ErrNotConnected)
}

func TestClient_ConnectFailure(t *testing.T) {
	c := client.New("tcp://127.0.0.1:1", protocol.CodecBinary)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	assert.Error(t, c.Connect(ctx))
	assert.False(t, c.IsConnected())
}

func TestClient_RelayAcrossTransports(t *testing.T) {
	srv, table, st := startServer(t)
	ctx := context.Background()

	alice := connect(t, "ws://"+srv.Addr()+"/ws", protocol.CodecJSON)
	bob := connect(t, "tcp://"+srv.Addr(), protocol.CodecBinary)
	assert.True(t, alice.IsConnected())

	require.NoError(t, alice.Identify(ctx, 1, ""))
	require.Eventually(t, func() bool { _, ok := table.Lookup(1); return ok }, waitFor, 10*time.Millisecond)
	require.NoError(t, bob.Identify(ctx, 2, ""))

	var status protocol.StatusChanged
	require.NoError(t, next(t, alice, protocol.EventUserStatusChanged).Bind(&status))
	assert.Equal(t, protocol.StatusChanged{UserID: 2, Status: protocol.StatusOnline}, status)

	require.NoError(t, alice.SendMessage(ctx, 2, "hello bob"))

	var sent, received protocol.MessageEnvelope
	require.NoError(t, next(t, alice, protocol.EventMessageSent).Bind(&sent))
	require.NoError(t, next(t, bob, protocol.EventNewMessage).Bind(&received))
	assert.Equal(t, sent.ID, received.ID)
	assert.Equal(t, "hello bob", received.Message)
	assert.Equal(t, "alice", received.SenderUsername)

	require.NoError(t, bob.Typing(ctx, 1, "bob", true))
	var typing protocol.UserTyping
	require.NoError(t, next(t, alice, protocol.EventUserTyping).Bind(&typing))
	assert.Equal(t, int64(2), typing.UserID)

	require.NoError(t, bob.MarkRead(ctx, 1))
	var receipt protocol.ReadReceipt
	require.NoError(t, next(t, alice, protocol.EventMessagesRead).Bind(&receipt))
	assert.Equal(t, int64(2), receipt.ReaderID)
	assert.Equal(t, int64(1), receipt.Count)
	assert.Len(t, st.Messages(), 1)
}

func TestClient_ErrorFrame(t *testing.T) {
	srv, _, _ := startServer(t)
	ctx := context.Background()

	c := connect(t, srv.Addr(), protocol.CodecBinary)
	require.NoError(t, c.Identify(ctx, 1, ""))
	require.NoError(t, c.SendMessage(ctx, 3, "stranger"))

	var payload protocol.ErrorPayload
	require.NoError(t, next(t, c, protocol.EventError).Bind(&payload))
	assert.Equal(t, relay.ReasonFriendshipRequired, payload.Reason)
}

func TestClient_Disconnect(t *testing.T) {
	srv, table, _ := startServer(t)
	ctx := context.Background()

	c := connect(t, "ws://"+srv.Addr()+"/ws", protocol.CodecBinary)
	require.NoError(t, c.Identify(ctx, 1, ""))
	require.Eventually(t, func() bool { _, ok := table.Lookup(1); return ok }, waitFor, 10*time.Millisecond)

	c.Disconnect()
	c.Disconnect()
	assert.False(t, c.IsConnected())

	for range c.Events() {
	}
	require.Eventually(t, func() bool { _, ok := table.Lookup(1); return !ok }, waitFor, 10*time.Millisecond)
}
