package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/chat-relay/internal/presence"
	"github.com/omochice/chat-relay/pkg/protocol"
)

// Session owns exactly one client connection: its identity, its outbound
// queue and its lifecycle.
type Session struct {
	handle   presence.Handle
	conn     Conn
	outgoing chan protocol.Frame
	openedAt time.Time

	userID atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewSession wraps conn with a fresh handle and an outbound queue of the
// given size.
func NewSession(conn Conn, buffer int) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{
		handle:   presence.Handle(uuid.NewString()),
		conn:     conn,
		outgoing: make(chan protocol.Frame, buffer),
		openedAt: time.Now(),
		done:     make(chan struct{}),
	}
}

// Handle returns the session's connection handle.
func (s *Session) Handle() presence.Handle { return s.handle }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

// OpenedAt returns when the session was created.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// UserID returns the identified user, if any.
func (s *Session) UserID() (int64, bool) {
	id := s.userID.Load()
	return id, id != 0
}

// Bind records userID as the identity of this session.
func (s *Session) Bind(userID int64) { s.userID.Store(userID) }

// Unbind clears the session identity. Subsequent events require a new
// identification.
func (s *Session) Unbind() { s.userID.Store(0) }

// Send queues f for delivery without blocking. It reports false when the
// session is closed or its queue is full. A frame accepted by Send is
// always queued before Close returns, so the write loop flushes it.
func (s *Session) Send(f protocol.Frame) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.outgoing <- f:
		return true
	default:
		return false
	}
}

// Close stops accepting frames. Frames already queued are flushed before the
// connection is closed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// Done is closed once the session stops accepting frames.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
