// Package events publishes presence transitions to NATS for services that
// sit outside the relay (notification workers, dashboards).
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "presence.status"

// StatusEvent is the JSON body published on {prefix}.{userId}.
type StatusEvent struct {
	UserID int64           `json:"user_id"`
	Status protocol.Status `json:"status"`
	At     int64           `json:"at"`
}

// Publisher publishes StatusEvents.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	log    *zap.Logger
}

// Connect dials NATS and returns a Publisher.
func Connect(url, prefix string, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("chat-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}
	return NewPublisher(nc, prefix, log), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(nc *nats.Conn, prefix string, log *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, log: log}
}

// Subject returns the subject status changes of userID are published on.
func (p *Publisher) Subject(userID int64) string {
	return p.prefix + "." + strconv.FormatInt(userID, 10)
}

// PublishStatus publishes one status transition. Publishing is
// fire-and-forget: NATS buffers while reconnecting.
func (p *Publisher) PublishStatus(_ context.Context, userID int64, status protocol.Status, at time.Time) error {
	data, err := json.Marshal(StatusEvent{UserID: userID, Status: status, At: at.UnixMilli()})
	if err != nil {
		return errors.Wrap(err, "failed to marshal status event")
	}
	if err := p.nc.Publish(p.Subject(userID), data); err != nil {
		return errors.Wrap(err, "failed to publish status event")
	}
	return nil
}

// Ping flushes the connection, proving the server is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return errors.Wrap(p.nc.FlushWithContext(ctx), "NATS flush")
}

// Close drains and closes the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
