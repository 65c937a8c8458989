package relay

import (
	"context"

	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/omochice/chat-relay/internal/relay"

type metrics struct {
	relayed     metric.Int64Counter
	rejected    metric.Int64Counter
	transitions metric.Int64Counter
	orphans     metric.Int64Counter
	dropped     metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var (
		m   metrics
		err error
	)
	if m.relayed, err = meter.Int64Counter("relay.messages.relayed",
		metric.WithDescription("Messages persisted and confirmed to the sender")); err != nil {
		return nil, errors.Wrap(err, "relay.messages.relayed")
	}
	if m.rejected, err = meter.Int64Counter("relay.messages.rejected",
		metric.WithDescription("send_message events rejected, by reason")); err != nil {
		return nil, errors.Wrap(err, "relay.messages.rejected")
	}
	if m.transitions, err = meter.Int64Counter("relay.presence.transitions",
		metric.WithDescription("Presence status changes fanned out, by status")); err != nil {
		return nil, errors.Wrap(err, "relay.presence.transitions")
	}
	if m.orphans, err = meter.Int64Counter("relay.sweeper.orphans",
		metric.WithDescription("Presence entries forced offline by the liveness sweeper")); err != nil {
		return nil, errors.Wrap(err, "relay.sweeper.orphans")
	}
	if m.dropped, err = meter.Int64Counter("relay.frames.dropped",
		metric.WithDescription("Outbound frames dropped because the session queue was full or closed")); err != nil {
		return nil, errors.Wrap(err, "relay.frames.dropped")
	}
	return &m, nil
}

func (m *metrics) reject(ctx context.Context, reason string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) transition(ctx context.Context, status protocol.Status) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *metrics) drop(ctx context.Context, event protocol.Event) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("event", string(event))))
}
