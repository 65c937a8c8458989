package chat_test

import (
	"context"
	"io"
	"sync"

	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/pkg/protocol"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan protocol.Frame
	closeOnce  sync.Once
	closedCh   chan struct{}
	writtenMu  sync.Mutex
	written    []protocol.Frame
	writeErr   error
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan protocol.Frame, 10),
		closedCh:   make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	select {
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case <-m.closedCh:
		return protocol.Frame{}, io.EOF
	case f, ok := <-m.readCh:
		if !ok {
			return protocol.Frame{}, io.EOF
		}
		return f, nil
	}
}

func (m *mockConn) WriteFrame(ctx context.Context, f protocol.Frame) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	m.written = append(m.written, f)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closedCh) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) GetWritten() []protocol.Frame {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return append([]protocol.Frame(nil), m.written...)
}

func (m *mockConn) isClosed() bool {
	select {
	case <-m.closedCh:
		return true
	default:
		return false
	}
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)
