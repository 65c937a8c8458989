package chat

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/omochice/chat-relay/internal/presence"
	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultWriteTimeout = 10 * time.Second

// Handler consumes the frames of a session.
type Handler interface {
	// HandleFrame processes one inbound frame. A non-nil error terminates
	// the session after queued frames are flushed.
	HandleFrame(ctx context.Context, s *Session, f protocol.Frame) error

	// HandleClose runs exactly once after the session has left the hub.
	HandleClose(ctx context.Context, s *Session)
}

// HubConfig tunes session handling.
type HubConfig struct {
	IdleTimeout    time.Duration // close sessions with no inbound frame for this long; 0 disables
	WriteTimeout   time.Duration // per-frame write deadline
	OutgoingBuffer int           // outbound queue size per session
}

// Hub is the set of currently open sessions. Both TCP and WebSocket
// transports share a single Hub instance.
type Hub struct {
	sessions map[presence.Handle]*Session
	mu       sync.RWMutex
	conf     HubConfig
	log      *zap.Logger
	wg       sync.WaitGroup
}

// NewHub creates a new Hub.
func NewHub(conf HubConfig, log *zap.Logger) *Hub {
	if conf.WriteTimeout <= 0 {
		conf.WriteTimeout = defaultWriteTimeout
	}
	if conf.OutgoingBuffer <= 0 {
		conf.OutgoingBuffer = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[presence.Handle]*Session),
		conf:     conf,
		log:      log,
	}
}

// NewSession creates a session sized by the hub configuration.
func (h *Hub) NewSession(conn Conn) *Session {
	return NewSession(conn, h.conf.OutgoingBuffer)
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.Handle()] = s
}

// Unregister removes a session from the hub.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sessions[s.Handle()]; ok && cur == s {
		delete(h.sessions, s.Handle())
	}
}

// Get returns the open session with handle hd.
func (h *Hub) Get(hd presence.Handle) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[hd]
	return s, ok
}

// OpenHandles returns the handles of every open session.
func (h *Hub) OpenHandles() map[presence.Handle]struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[presence.Handle]struct{}, len(h.sessions))
	for hd := range h.sessions {
		out[hd] = struct{}{}
	}
	return out
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll closes every open session and waits for their handlers to finish
// or ctx to expire.
func (h *Hub) CloseAll(ctx context.Context) error {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve runs the session until its connection ends: it registers the
// session, writes queued frames, feeds inbound frames to handler and finally
// unregisters the session and calls handler.HandleClose.
func (h *Hub) Serve(ctx context.Context, s *Session, handler Handler) {
	h.wg.Add(1)
	defer h.wg.Done()

	h.Register(s)
	h.serve(ctx, s, handler)
}

// Spawn runs Serve in a new goroutine. The session is registered before
// Spawn returns, so a following CloseAll always sees it.
func (h *Hub) Spawn(ctx context.Context, s *Session, handler Handler) {
	h.wg.Add(1)
	h.Register(s)
	go func() {
		defer h.wg.Done()
		h.serve(ctx, s, handler)
	}()
}

func (h *Hub) serve(ctx context.Context, s *Session, handler Handler) {
	log := h.log.With(zap.String("handle", string(s.Handle())), zap.String("remote", s.RemoteAddr()))
	log.Debug("session opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, s, log)
	}()

	h.readLoop(ctx, s, handler, log)

	s.Close()
	<-writerDone
	h.Unregister(s)

	handler.HandleClose(context.WithoutCancel(ctx), s)
	log.Debug("session closed", zap.Duration("lifetime", time.Since(s.OpenedAt())))
}

func (h *Hub) readLoop(ctx context.Context, s *Session, handler Handler, log *zap.Logger) {
	deadliner, _ := s.conn.(Deadliner)
	for {
		if h.conf.IdleTimeout > 0 && deadliner != nil {
			_ = deadliner.SetReadDeadline(time.Now().Add(h.conf.IdleTimeout))
		}

		f, err := s.conn.ReadFrame(ctx)
		if err != nil {
			if !s.Closed() && !isClosedErr(err) {
				log.Info("session read ended", zap.Error(err))
			}
			return
		}

		if err := handler.HandleFrame(ctx, s, f); err != nil {
			log.Info("session terminated", zap.String("event", string(f.Event)), zap.Error(err))
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, s *Session, log *zap.Logger) {
	defer s.conn.Close()

	for {
		select {
		case f := <-s.outgoing:
			if err := h.write(ctx, s, f); err != nil {
				log.Debug("failed to write frame", zap.String("event", string(f.Event)), zap.Error(err))
				s.Close()
				return
			}
		case <-s.done:
			for {
				select {
				case f := <-s.outgoing:
					if err := h.write(ctx, s, f); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, s *Session, f protocol.Frame) error {
	if d, ok := s.conn.(Deadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(h.conf.WriteTimeout))
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.conf.WriteTimeout)
	defer cancel()
	return s.conn.WriteFrame(wctx, f)
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
