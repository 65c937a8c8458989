// Package server is the relay's single listening port. Each accepted
// connection is sniffed: HTTP requests (the JSON API and WebSocket
// upgrades) go to a gin router, anything else is a raw TCP relay session.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/internal/transport/tcp"
	"github.com/omochice/chat-relay/internal/transport/ws"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultSniffTimeout = 10 * time.Second

// Config holds listener settings.
type Config struct {
	Addr         string
	APIPrefix    string
	WSPath       string
	SniffTimeout time.Duration // how long a new connection may stay silent before its protocol is known
}

// Server accepts relay sessions and API requests on one port.
type Server struct {
	conf   Config
	hub    *chat.Hub
	relay  Relay
	health HealthCheck
	log    *zap.Logger

	router   *gin.Engine
	listener net.Listener
	httpLn   *connListener
	http     *http.Server

	ctx  context.Context
	quit chan struct{}
	wg   sync.WaitGroup
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// New creates a Server. health may be nil.
func New(conf Config, hub *chat.Hub, relay Relay, health HealthCheck, log *zap.Logger) *Server {
	if conf.APIPrefix == "" {
		conf.APIPrefix = "/api"
	}
	if conf.WSPath == "" {
		conf.WSPath = "/ws"
	}
	if conf.SniffTimeout <= 0 {
		conf.SniffTimeout = defaultSniffTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		conf:   conf,
		hub:    hub,
		relay:  relay,
		health: health,
		log:    log,
		ctx:    context.Background(),
		quit:   make(chan struct{}),
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
// Relay sessions run under ctx.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	listener, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		return errors.Wrap(err, "failed to start server")
	}
	s.listener = listener
	s.httpLn = newConnListener(listener.Addr())
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.conf.SniffTimeout,
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", zap.Error(err))
		}
	}()
	go s.acceptConnections()

	s.log.Info("relay listening (TCP, WebSocket and HTTP API)", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop stops accepting connections and shuts the HTTP server down. Open
// relay sessions are left running; chat.Hub.CloseAll ends them.
func (s *Server) Stop(ctx context.Context) error {
	select {
	case <-s.quit:
		return nil
	default:
		close(s.quit)
	}

	if s.listener != nil {
		_ = s.listener.Close()
	}
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return errors.Wrap(err, "server shutdown")
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()
	defer s.httpLn.Close()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("failed to accept connection", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection determines whether the connection is HTTP or raw TCP.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	proto, reader, err := detectProtocol(conn, s.conf.SniffTimeout)
	if err != nil {
		s.log.Debug("failed to detect protocol", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		_ = conn.Close()
		return
	}

	if proto == protocolHTTP {
		if !s.httpLn.push(&bufferedConn{Conn: conn, reader: reader}) {
			_ = conn.Close()
		}
		return
	}

	s.hub.Spawn(s.ctx, s.hub.NewSession(tcp.NewConn(conn, reader)), s.relay)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := ws.Upgrade(c.Request, c.Writer)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		if !c.Writer.Written() {
			c.AbortWithStatus(http.StatusBadRequest)
		}
		return
	}

	select {
	case <-s.quit:
		_ = conn.Close()
		return
	default:
	}

	s.hub.Spawn(s.ctx, s.hub.NewSession(conn), s.relay)
}
