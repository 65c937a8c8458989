package relay_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/internal/presence"
	"github.com/omochice/chat-relay/internal/relay"
	"github.com/omochice/chat-relay/internal/store/memory"
	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second

// pipeConn is a chat.Conn fed by the test and recording every written frame.
type pipeConn struct {
	in        chan protocol.Frame
	out       chan protocol.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan protocol.Frame, 16),
		out:    make(chan protocol.Frame, 256),
		closed: make(chan struct{}),
	}
}

func (p *pipeConn) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	select {
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case <-p.closed:
		return protocol.Frame{}, io.EOF
	case f := <-p.in:
		return f, nil
	}
}

func (p *pipeConn) WriteFrame(ctx context.Context, f protocol.Frame) error {
	select {
	case p.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) RemoteAddr() string { return "pipe" }

var _ chat.Conn = (*pipeConn)(nil)

type fixture struct {
	ctx    context.Context
	store  *memory.Store
	table  *presence.Table
	hub    *chat.Hub
	engine *relay.Engine
	reader *sdkmetric.ManualReader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fx := &fixture{
		ctx:    ctx,
		store:  memory.New(),
		table:  presence.NewTable(),
		hub:    chat.NewHub(chat.HubConfig{OutgoingBuffer: 32}, zap.NewNop()),
		reader: sdkmetric.NewManualReader(),
	}
	for id, name := range map[int64]string{1: "alice", 2: "bob", 3: "carol"} {
		fx.store.AddUser(id, name, name)
	}

	engine, err := relay.New(relay.Config{
		Table:         fx.table,
		Sessions:      fx.hub,
		Graph:         fx.store,
		Status:        fx.store,
		Messages:      fx.store,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(fx.reader)),
		CallTimeout:   time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	fx.engine = engine
	return fx
}

type client struct {
	conn    *pipeConn
	session *chat.Session
}

func (fx *fixture) connect(t *testing.T) *client {
	t.Helper()
	conn := newPipeConn()
	s := fx.hub.NewSession(conn)
	go fx.hub.Serve(fx.ctx, s, fx.engine)
	require.Eventually(t, func() bool {
		_, ok := fx.hub.Get(s.Handle())
		return ok
	}, waitFor, 5*time.Millisecond)
	return &client{conn: conn, session: s}
}

// online connects a client and identifies it as userID.
func (fx *fixture) online(t *testing.T, userID int64) *client {
	t.Helper()
	c := fx.connect(t)
	c.emit(t, protocol.EventUserOnline, userID)
	require.Eventually(t, func() bool {
		h, ok := fx.table.Lookup(userID)
		return ok && h == c.session.Handle()
	}, waitFor, 5*time.Millisecond)
	return c
}

func (c *client) emit(t *testing.T, event protocol.Event, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(event, payload)
	require.NoError(t, err)
	select {
	case c.conn.in <- f:
	case <-time.After(waitFor):
		t.Fatalf("emit %s: connection not reading", event)
	}
}

// expect returns the next written frame of the given event, skipping others.
func (c *client) expect(t *testing.T, event protocol.Event) protocol.Frame {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case f := <-c.conn.out:
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame received", event)
			return protocol.Frame{}
		}
	}
}

// expectNone asserts no frame of the given event arrives within d.
func (c *client) expectNone(t *testing.T, event protocol.Event, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case f := <-c.conn.out:
			if f.Event == event {
				t.Fatalf("unexpected %s frame: %s", event, f.Data)
			}
		case <-deadline:
			return
		}
	}
}

func (c *client) expectError(t *testing.T, reason string) protocol.ErrorPayload {
	t.Helper()
	var p protocol.ErrorPayload
	require.NoError(t, c.expect(t, protocol.EventError).Bind(&p))
	require.Equal(t, reason, p.Reason)
	return p
}

func (c *client) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.conn.closed:
	case <-time.After(waitFor):
		t.Fatal("connection not closed")
	}
}

func bind[T any](t *testing.T, f protocol.Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

// counter sums every data point of the named int64 counter.
func (fx *fixture) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, fx.reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
