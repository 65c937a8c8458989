package relay

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSweepInterval is the liveness sweep period.
const DefaultSweepInterval = 5 * time.Minute

// shutdownParallelism bounds concurrent offline paths during Shutdown.
const shutdownParallelism = 16

// Sweep reconciles the presence table against the open sessions: every
// entry whose handle is no longer open is forced offline. It returns the
// number of orphans removed.
func (e *Engine) Sweep(ctx context.Context) int {
	open := e.conf.Sessions.OpenHandles()
	orphans := 0
	for _, entry := range e.conf.Table.Snapshot() {
		if _, ok := open[entry.Handle]; ok {
			continue
		}
		if e.goOffline(ctx, entry.UserID, entry.Handle) {
			orphans++
			e.metrics.orphans.Add(ctx, 1)
			e.log.Info("orphaned presence entry removed",
				zap.Int64("user_id", entry.UserID),
				zap.String("handle", string(entry.Handle)),
				zap.Time("since", entry.Since))
		}
	}
	return orphans
}

// RunSweeper sweeps every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info("liveness sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("liveness sweeper stopped")
			return
		case <-ticker.C:
			n := e.Sweep(ctx)
			e.log.Debug("liveness sweep finished", zap.Int("orphans", n), zap.Int("online", e.conf.Table.Len()))
		}
	}
}

// Shutdown stops accepting events and runs the offline path for every
// presence entry. It returns once the persistence calls complete or ctx
// expires, whichever comes first.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closing.Store(true)

	entries := e.conf.Table.Snapshot()
	e.log.Info("forcing users offline", zap.Int("count", len(entries)))

	var g errgroup.Group
	g.SetLimit(shutdownParallelism)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, entry := range entries {
			entry := entry
			g.Go(func() error {
				e.goOffline(context.WithoutCancel(ctx), entry.UserID, entry.Handle)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "offline persistence did not finish")
	}
}
