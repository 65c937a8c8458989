package ws_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	wstransport "github.com/omochice/chat-relay/internal/transport/ws"
	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades every request and echoes frames back until the peer
// closes.
func echoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := wstransport.Upgrade(r, w)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			f, err := c.ReadFrame(context.Background())
			if err != nil {
				return
			}
			if err := c.WriteFrame(context.Background(), f); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConn_JSONRoundTrip(t *testing.T) {
	url := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := wstransport.Dial(ctx, url, protocol.CodecJSON)
	require.NoError(t, err)
	defer c.Close()

	want := protocol.MustFrame(protocol.EventTyping, protocol.Typing{UserID: 1, ReceiverID: 2})
	require.NoError(t, c.WriteFrame(ctx, want))

	got, err := c.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.Event, got.Event)
	assert.JSONEq(t, string(want.Data), string(got.Data))
	assert.Equal(t, protocol.CodecJSON, c.Codec())
}

func TestConn_BinaryRoundTrip(t *testing.T) {
	url := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := wstransport.Dial(ctx, url, protocol.CodecBinary)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteFrame(ctx, protocol.MustFrame(protocol.EventUserOnline, 5)))

	got, err := c.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.EventUserOnline, got.Event)
	assert.Equal(t, "5", string(got.Data))
	assert.Equal(t, protocol.CodecBinary, c.Codec(), "reply used the binary codec")
}

func TestConn_RepliesWithLastCodec(t *testing.T) {
	url := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"event":"user_away"}`)))
	data, op, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)
	assert.Equal(t, ws.OpText, op)
	assert.JSONEq(t, `{"event":"user_away"}`, string(data))

	bin, err := protocol.CodecBinary.Marshal(protocol.Frame{Event: protocol.EventUserAway})
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientBinary(conn, bin))
	data, op, err = wsutil.ReadServerData(conn)
	require.NoError(t, err)
	assert.Equal(t, ws.OpBinary, op)
	assert.Equal(t, bin, data)
}

func TestConn_AnswersPing(t *testing.T) {
	url := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpPing, []byte("hb")))
	frame, err := ws.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, ws.OpPong, frame.Header.OpCode)
}

func TestConn_CloseYieldsEOF(t *testing.T) {
	closed := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := wstransport.Upgrade(r, w)
		if err != nil {
			closed <- err
			return
		}
		defer c.Close()
		_, err = c.ReadFrame(context.Background())
		closed <- err
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := wstransport.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), protocol.CodecJSON)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe close")
	}
}

func TestUpgrade_RejectsPlainHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	_, err := wstransport.Upgrade(req, rec)
	assert.Error(t, err)
}
