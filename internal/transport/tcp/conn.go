// Package tcp carries relay frames over raw TCP: each frame is the binary
// encoding prefixed by its varint length.
package tcp

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/pkg/errors"
)

// Conn adapts net.Conn to chat.Conn interface.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var (
	_ chat.Conn      = (*Conn)(nil)
	_ chat.Deadliner = (*Conn)(nil)
)

// NewConn wraps a net.Conn. reader may hold bytes already peeked from conn;
// nil creates a fresh reader.
func NewConn(conn net.Conn, reader *bufio.Reader) *Conn {
	if reader == nil {
		reader = bufio.NewReader(conn)
	}
	return &Conn{conn: conn, reader: reader}
}

// Dial opens a raw TCP connection to addr.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}
	return NewConn(conn, nil), nil
}

// ReadFrame implements chat.Conn.
func (c *Conn) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	data, err := protocol.ReadDelimited(c.reader)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Frame{}, ctx.Err()
		}
		return protocol.Frame{}, err
	}
	return protocol.CodecBinary.Unmarshal(data)
}

// WriteFrame implements chat.Conn.
func (c *Conn) WriteFrame(_ context.Context, f protocol.Frame) error {
	data, err := protocol.CodecBinary.Marshal(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteDelimited(c.conn, data)
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// SetReadDeadline implements chat.Deadliner.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// SetWriteDeadline implements chat.Deadliner.
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
