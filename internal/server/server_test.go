package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/internal/presence"
	"github.com/omochice/chat-relay/internal/relay"
	"github.com/omochice/chat-relay/internal/server"
	"github.com/omochice/chat-relay/internal/store"
	"github.com/omochice/chat-relay/internal/store/memory"
	"github.com/omochice/chat-relay/internal/transport/tcp"
	"github.com/omochice/chat-relay/internal/transport/ws"
	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second

type testEnv struct {
	store  *memory.Store
	table  *presence.Table
	hub    *chat.Hub
	engine *relay.Engine
	server *server.Server
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: memory.New(),
		table: presence.NewTable(),
		hub:   chat.NewHub(chat.HubConfig{}, zap.NewNop()),
	}
	env.store.AddUser(1, "alice", "Alice")
	env.store.AddUser(2, "bob", "Bob")
	env.store.Befriend(1, 2)

	engine, err := relay.New(relay.Config{
		Table:    env.table,
		Sessions: env.hub,
		Graph:    env.store,
		Status:   env.store,
		Messages: env.store,
	}, zap.NewNop())
	require.NoError(t, err)
	env.engine = engine

	health := func(ctx context.Context) error { return store.PingAll(ctx, env.store) }
	env.server = server.New(server.Config{Addr: "127.0.0.1:0"}, env.hub, engine, health, zap.NewNop())
	return env
}

func (env *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, env.server.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = env.server.Stop(ctx)
		_ = env.hub.CloseAll(ctx)
	})
}

func (env *testEnv) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func (env *testEnv) post(t *testing.T, path, payload string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	env.server.Handler().ServeHTTP(rec, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func readUntil(t *testing.T, c chat.Conn, event protocol.Event) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for {
		f, err := c.ReadFrame(ctx)
		require.NoError(t, err, "waiting for %s", event)
		if f.Event == event {
			return f
		}
	}
}

func TestAPI_OnlineUsersAndStatus(t *testing.T) {
	env := newEnv(t)

	code, body := env.get(t, "/api/online-users")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, body["online_users"])

	env.table.SetOnline(2, "h2")
	env.table.SetOnline(1, "h1")

	_, body = env.get(t, "/api/online-users")
	assert.Equal(t, []any{float64(1), float64(2)}, body["online_users"])

	code, body = env.get(t, "/api/user-status/2")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"user_id": float64(2), "is_online": true}, body)

	_, body = env.get(t, "/api/user-status/9")
	assert.Equal(t, false, body["is_online"])

	code, _ = env.get(t, "/api/user-status/abc")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_SendNotificationOffline(t *testing.T) {
	env := newEnv(t)

	code, body := env.post(t, "/api/send-notification", `{"user_id": 2, "title": "Hi", "message": "there"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["success"])

	code, body = env.post(t, "/api/send-notification", `{"title": "no user"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
}

func TestAPI_Health(t *testing.T) {
	env := newEnv(t)

	code, _ := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, code)

	env.store.FailOn(store.OpPing, assert.AnError)
	code, body := env.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", body["status"])
}

// TestServer_RelayAcrossTransports drives user 1 over WebSocket and user 2
// over raw TCP on the same port.
func TestServer_RelayAcrossTransports(t *testing.T) {
	env := newEnv(t)
	env.start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, err := ws.Dial(ctx, "ws://"+env.server.Addr()+"/ws", protocol.CodecJSON)
	require.NoError(t, err)
	defer alice.Close()

	bob, err := tcp.Dial(ctx, env.server.Addr())
	require.NoError(t, err)
	defer bob.Close()

	require.NoError(t, alice.WriteFrame(ctx, protocol.MustFrame(protocol.EventUserOnline, 1)))
	require.Eventually(t, func() bool { return env.engine.IsOnline(1) }, waitFor, 10*time.Millisecond)
	require.NoError(t, bob.WriteFrame(ctx, protocol.MustFrame(protocol.EventUserOnline, protocol.UserRef{UserID: 2})))

	var changed protocol.StatusChanged
	require.NoError(t, readUntil(t, alice, protocol.EventUserStatusChanged).Bind(&changed))
	assert.Equal(t, protocol.StatusChanged{UserID: 2, Status: protocol.StatusOnline}, changed)

	require.NoError(t, alice.WriteFrame(ctx, protocol.MustFrame(protocol.EventSendMessage,
		protocol.SendMessage{SenderID: 1, ReceiverID: 2, Message: "hi"})))

	var received, sent protocol.MessageEnvelope
	require.NoError(t, readUntil(t, bob, protocol.EventNewMessage).Bind(&received))
	require.NoError(t, readUntil(t, alice, protocol.EventMessageSent).Bind(&sent))
	assert.Equal(t, "hi", received.Message)
	assert.NotZero(t, received.ID)
	assert.Equal(t, received.ID, sent.ID)

	// the HTTP API shares the port
	resp, err := http.Get("http://" + env.server.Addr() + "/api/online-users")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.JSONEq(t, `{"online_users":[1,2]}`, string(body))

	resp, err = http.Post("http://"+env.server.Addr()+"/api/send-notification", "application/json",
		strings.NewReader(`{"user_id": 2, "title": "Ping", "body": "from the api"}`))
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"message":"notification sent"}`, string(body))

	var n protocol.Notification
	require.NoError(t, readUntil(t, bob, protocol.EventNotification).Bind(&n))
	assert.Equal(t, "Ping", n.Title)
	assert.Equal(t, "from the api", n.Message)

	// bob drops; alice sees him go offline
	require.NoError(t, bob.Close())
	require.NoError(t, readUntil(t, alice, protocol.EventUserStatusChanged).Bind(&changed))
	assert.Equal(t, protocol.StatusChanged{UserID: 2, Status: protocol.StatusOffline}, changed)
	assert.False(t, env.engine.IsOnline(2))
}

func TestServer_RejectedSendAcrossTransports(t *testing.T) {
	env := newEnv(t)
	env.store.AddUser(3, "carol", "Carol")
	env.start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	carol, err := ws.Dial(ctx, "ws://"+env.server.Addr()+"/ws", protocol.CodecBinary)
	require.NoError(t, err)
	defer carol.Close()
	bob, err := tcp.Dial(ctx, env.server.Addr())
	require.NoError(t, err)
	defer bob.Close()

	require.NoError(t, bob.WriteFrame(ctx, protocol.MustFrame(protocol.EventUserOnline, 2)))
	require.NoError(t, carol.WriteFrame(ctx, protocol.MustFrame(protocol.EventUserOnline, 3)))
	require.Eventually(t, func() bool { return env.engine.IsOnline(2) && env.engine.IsOnline(3) }, waitFor, 10*time.Millisecond)

	require.NoError(t, carol.WriteFrame(ctx, protocol.MustFrame(protocol.EventSendMessage,
		protocol.SendMessage{ReceiverID: 2, Message: "hi"})))

	var p protocol.ErrorPayload
	require.NoError(t, readUntil(t, carol, protocol.EventError).Bind(&p))
	assert.Equal(t, relay.ReasonFriendshipRequired, p.Reason)
	assert.Equal(t, protocol.CodecBinary, carol.Codec())
	assert.Empty(t, env.store.Messages())
}

func TestServer_UnidentifiedTCPSessionIsTerminated(t *testing.T) {
	env := newEnv(t)
	env.start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := tcp.Dial(ctx, env.server.Addr())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteFrame(ctx, protocol.MustFrame(protocol.EventTyping, protocol.Typing{ReceiverID: 1})))

	var p protocol.ErrorPayload
	require.NoError(t, readUntil(t, c, protocol.EventError).Bind(&p))
	assert.Equal(t, relay.ReasonAuthenticationMissing, p.Reason)

	_, err = c.ReadFrame(ctx)
	assert.Error(t, err, "server closed the connection")
}

func TestServer_StopRefusesNewConnections(t *testing.T) {
	env := newEnv(t)
	require.NoError(t, env.server.Start(context.Background()))
	addr := env.server.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, env.server.Stop(ctx))
	require.NoError(t, env.server.Stop(ctx))

	_, err := tcp.Dial(ctx, addr)
	assert.Error(t, err)
}
