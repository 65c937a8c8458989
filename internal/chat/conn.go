// Package chat provides the transport-agnostic connection session layer
// shared by the TCP and WebSocket transports.
package chat

import (
	"context"
	"time"

	"github.com/omochice/chat-relay/pkg/protocol"
)

// Conn abstracts a bidirectional frame connection for both TCP and WebSocket.
// This interface isolates transport details from relay logic.
type Conn interface {
	// ReadFrame reads a single frame.
	// Returns io.EOF when connection is closed.
	ReadFrame(ctx context.Context) (protocol.Frame, error)

	// WriteFrame sends a single frame.
	WriteFrame(ctx context.Context, f protocol.Frame) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Deadliner is implemented by connections backed by a net.Conn.
type Deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}
