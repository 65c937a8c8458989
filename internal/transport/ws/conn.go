// Package ws carries relay frames over WebSocket using gobwas/ws. Text
// messages hold the JSON encoding, binary messages the binary encoding.
package ws

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/pkg/errors"
)

// Conn adapts a WebSocket connection to chat.Conn. Outbound frames use the
// codec of the last inbound message.
type Conn struct {
	conn   net.Conn
	source io.Reader
	state  ws.State
	codec  atomic.Int32

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var (
	_ chat.Conn      = (*Conn)(nil)
	_ chat.Deadliner = (*Conn)(nil)
)

func newConn(conn net.Conn, br *bufio.Reader, state ws.State) *Conn {
	var source io.Reader = conn
	if br != nil {
		source = br
	}
	c := &Conn{
		conn:   conn,
		source: source,
		state:  state,
	}
	c.codec.Store(int32(protocol.CodecJSON))
	return c
}

// NewServerConn wraps the server side of an upgraded connection.
func NewServerConn(conn net.Conn, br *bufio.Reader) *Conn {
	return newConn(conn, br, ws.StateServerSide)
}

// NewClientConn wraps the client side of a dialed connection.
func NewClientConn(conn net.Conn, br *bufio.Reader) *Conn {
	return newConn(conn, br, ws.StateClientSide)
}

// Upgrade performs the WebSocket handshake on an HTTP request.
func Upgrade(r *http.Request, w http.ResponseWriter) (*Conn, error) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, errors.Wrap(err, "websocket upgrade failed")
	}
	var br *bufio.Reader
	if rw != nil {
		br = rw.Reader
	}
	return NewServerConn(conn, br), nil
}

// Dial connects to a relay WebSocket endpoint such as ws://host:3000/ws.
func Dial(ctx context.Context, url string, codec protocol.Codec) (*Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", url)
	}
	c := NewClientConn(conn, br)
	c.SetCodec(codec)
	return c, nil
}

// Codec returns the codec used for outbound frames.
func (c *Conn) Codec() protocol.Codec { return protocol.Codec(c.codec.Load()) }

// SetCodec selects the codec used for outbound frames.
func (c *Conn) SetCodec(codec protocol.Codec) { c.codec.Store(int32(codec)) }

// ReadFrame implements chat.Conn. Control frames are answered inline and a
// close frame yields io.EOF.
func (c *Conn) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	data, op, err := c.readMessage()
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Frame{}, ctx.Err()
		}
		var closed wsutil.ClosedError
		if errors.As(err, &closed) {
			return protocol.Frame{}, io.EOF
		}
		return protocol.Frame{}, err
	}

	codec := protocol.CodecJSON
	if op == ws.OpBinary {
		codec = protocol.CodecBinary
	}
	c.codec.Store(int32(codec))
	return codec.Unmarshal(data)
}

func (c *Conn) readMessage() ([]byte, ws.OpCode, error) {
	// control replies are buffered so each goes out as one write
	var replies bytes.Buffer
	reply := wsutil.ControlFrameHandler(&replies, c.state)
	control := func(h ws.Header, r io.Reader) error {
		err := reply(h, r)
		if replies.Len() > 0 {
			_ = c.writeRaw(replies.Bytes())
			replies.Reset()
		}
		return err
	}

	rd := wsutil.Reader{
		Source:         c.source,
		State:          c.state,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, 0, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, &rd); err != nil {
				return nil, 0, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return nil, 0, err
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(&rd, protocol.MaxFrameSize+1))
		if err != nil {
			return nil, 0, err
		}
		if len(data) > protocol.MaxFrameSize {
			return nil, 0, protocol.ErrFrameTooLarge
		}
		return data, hdr.OpCode, nil
	}
}

// WriteFrame implements chat.Conn.
func (c *Conn) WriteFrame(_ context.Context, f protocol.Frame) error {
	codec := c.Codec()
	data, err := codec.Marshal(f)
	if err != nil {
		return err
	}
	op := ws.OpText
	if codec == protocol.CodecBinary {
		op = ws.OpBinary
	}
	return c.writeMessage(op, data)
}

// writeMessage encodes one complete frame and writes it with a single
// call, so frames from the writer and control replies never interleave.
func (c *Conn) writeMessage(op ws.OpCode, data []byte) error {
	var buf bytes.Buffer
	if err := wsutil.WriteMessage(&buf, c.state, op, data); err != nil {
		return err
	}
	return c.writeRaw(buf.Bytes())
}

func (c *Conn) writeRaw(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(p)
	return err
}

// Close implements chat.Conn. It sends a normal closure frame first.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = c.writeMessage(ws.OpClose, body)
		c.closeErr = c.conn.Close()
	})
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
