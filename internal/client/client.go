// Package client is a relay client speaking the wire protocol over
// WebSocket or raw TCP.
package client

import (
	"context"
	"strings"
	"sync"

	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/internal/transport/tcp"
	"github.com/omochice/chat-relay/internal/transport/ws"
	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/pkg/errors"
)

// ErrNotConnected is returned when sending on a disconnected client.
var ErrNotConnected = errors.New("not connected to server")

// Client is one relay connection. Inbound frames are delivered on Events.
type Client struct {
	address string
	codec   protocol.Codec

	conn   chat.Conn
	events chan protocol.Frame
	mu     sync.RWMutex
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a client for address: ws://host:port/path dials WebSocket,
// tcp://host:port or a bare host:port dials raw TCP. codec applies to
// WebSocket connections; TCP always uses the binary codec.
func New(address string, codec protocol.Codec) *Client {
	return &Client{
		address: address,
		codec:   codec,
		events:  make(chan protocol.Frame, 64),
		done:    make(chan struct{}),
	}
}

// Connect dials the server and starts receiving frames.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receive(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (chat.Conn, error) {
	switch {
	case strings.HasPrefix(c.address, "ws://"), strings.HasPrefix(c.address, "wss://"):
		return ws.Dial(ctx, c.address, c.codec)
	default:
		return tcp.Dial(ctx, strings.TrimPrefix(c.address, "tcp://"))
	}
}

// Disconnect closes the connection and waits for the receiver to stop.
// Events is closed afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Events returns inbound frames. The channel is closed when the connection
// ends.
func (c *Client) Events() <-chan protocol.Frame {
	return c.events
}

// Identify sends user_online. token may be empty in trust mode.
func (c *Client) Identify(ctx context.Context, userID int64, token string) error {
	if token == "" {
		return c.Emit(ctx, protocol.EventUserOnline, userID)
	}
	return c.Emit(ctx, protocol.EventUserOnline, protocol.UserRef{UserID: userID, Token: token})
}

// Offline sends user_offline.
func (c *Client) Offline(ctx context.Context) error {
	return c.Emit(ctx, protocol.EventUserOffline, nil)
}

// Away sends user_away.
func (c *Client) Away(ctx context.Context) error {
	return c.Emit(ctx, protocol.EventUserAway, nil)
}

// SendMessage sends a chat message to receiverID.
func (c *Client) SendMessage(ctx context.Context, receiverID int64, body string) error {
	return c.Emit(ctx, protocol.EventSendMessage, protocol.SendMessage{ReceiverID: receiverID, Message: body})
}

// Typing sends typing or stop_typing to receiverID.
func (c *Client) Typing(ctx context.Context, receiverID int64, username string, typing bool) error {
	event := protocol.EventStopTyping
	if typing {
		event = protocol.EventTyping
	}
	return c.Emit(ctx, event, protocol.Typing{ReceiverID: receiverID, Username: username})
}

// JoinConversation sends join_conversation, or leave_conversation when
// join is false.
func (c *Client) JoinConversation(ctx context.Context, friendID int64, join bool) error {
	event := protocol.EventLeaveConversation
	if join {
		event = protocol.EventJoinConversation
	}
	return c.Emit(ctx, event, protocol.Conversation{FriendID: friendID})
}

// MarkRead sends messages_read for messages received from senderID.
func (c *Client) MarkRead(ctx context.Context, senderID int64) error {
	return c.Emit(ctx, protocol.EventMessagesRead, protocol.MessagesRead{SenderID: senderID})
}

// Emit sends an arbitrary event.
func (c *Client) Emit(ctx context.Context, event protocol.Event, payload any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	f, err := protocol.NewFrame(event, payload)
	if err != nil {
		return err
	}
	return errors.Wrapf(conn.WriteFrame(ctx, f), "failed to send %s", event)
}

func (c *Client) receive(conn chat.Conn) {
	defer c.wg.Done()
	defer close(c.events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}
		select {
		case c.events <- f:
		case <-c.done:
			return
		}
	}
}
