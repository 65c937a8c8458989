package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/omochice/chat-relay/internal/chat"
	"go.uber.org/zap"
)

// Relay is the engine surface the server exposes.
type Relay interface {
	chat.Handler
	OnlineUsers() []int64
	IsOnline(userID int64) bool
	Notify(ctx context.Context, userID int64, title, message string, data json.RawMessage) bool
}

// HealthCheck reports whether the external services are reachable.
type HealthCheck func(ctx context.Context) error

type notificationRequest struct {
	UserID  int64           `json:"user_id" binding:"required,gt=0"`
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Body    string          `json:"body"`
	Data    json.RawMessage `json:"data"`
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog(s.log))

	r.GET(s.conf.WSPath, s.handleWebSocket)
	r.GET("/healthz", s.handleHealth)

	api := r.Group(s.conf.APIPrefix)
	api.GET("/online-users", s.handleOnlineUsers)
	api.GET("/user-status/:userId", s.handleUserStatus)
	api.POST("/send-notification", s.handleSendNotification)
	return r
}

func (s *Server) handleOnlineUsers(c *gin.Context) {
	users := s.relay.OnlineUsers()
	if users == nil {
		users = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"online_users": users})
}

func (s *Server) handleUserStatus(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "is_online": s.relay.IsOnline(userID)})
}

func (s *Server) handleSendNotification(c *gin.Context) {
	var req notificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request: " + err.Error()})
		return
	}
	message := req.Message
	if message == "" {
		message = req.Body
	}

	if !s.relay.Notify(c.Request.Context(), req.UserID, req.Title, message, req.Data) {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "user is not online"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "notification sent"})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.health(ctx); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote", c.ClientIP()))
	}
}
