package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omochice/chat-relay/internal/auth"
	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/internal/config"
	"github.com/omochice/chat-relay/internal/events"
	"github.com/omochice/chat-relay/internal/logging"
	"github.com/omochice/chat-relay/internal/presence"
	"github.com/omochice/chat-relay/internal/relay"
	"github.com/omochice/chat-relay/internal/server"
	"github.com/omochice/chat-relay/internal/store"
	"github.com/omochice/chat-relay/internal/store/memory"
	"github.com/omochice/chat-relay/internal/store/postgres"
	"github.com/omochice/chat-relay/internal/store/redis"
	"github.com/omochice/chat-relay/internal/telemetry"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const startupTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file (RELAY_* env vars override it)")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(conf.Log.Level, conf.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(conf, log); err != nil {
		log.Fatal("relay stopped", zap.Error(err))
	}
	log.Info("relay stopped")
}

// backends groups the external systems so they can be checked and closed
// together.
type backends struct {
	primary store.Backend
	closeDB func()
	mirror  *redis.Mirror
	nats    *events.Publisher
}

func (b *backends) pingers() []store.Pinger {
	ps := []store.Pinger{b.primary}
	if b.mirror != nil {
		ps = append(ps, b.mirror)
	}
	if b.nats != nil {
		ps = append(ps, b.nats)
	}
	return ps
}

// check pings every backend concurrently. The relational store is
// required; the rest only warn.
func (b *backends) check(ctx context.Context, log *zap.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return errors.Wrap(b.primary.Ping(ctx), "store health check failed")
	})
	if b.mirror != nil {
		g.Go(func() error {
			if err := b.mirror.Ping(ctx); err != nil {
				log.Warn("redis unreachable at startup", zap.Error(err))
			}
			return nil
		})
	}
	if b.nats != nil {
		g.Go(func() error {
			if err := b.nats.Ping(ctx); err != nil {
				log.Warn("NATS unreachable at startup", zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (b *backends) close(log *zap.Logger) {
	if b.nats != nil {
		if err := b.nats.Close(); err != nil {
			log.Warn("failed to drain NATS", zap.Error(err))
		}
	}
	if b.mirror != nil {
		if err := b.mirror.Close(); err != nil {
			log.Warn("failed to close redis", zap.Error(err))
		}
	}
	if b.closeDB != nil {
		b.closeDB()
	}
}

func openBackends(ctx context.Context, conf config.Config, log *zap.Logger) (*backends, error) {
	b := &backends{}

	switch conf.Store.Driver {
	case config.DriverPostgres:
		pg, err := postgres.Open(ctx, postgres.Config{DSN: conf.Store.DSN, MaxConns: conf.Store.MaxConns})
		if err != nil {
			return nil, err
		}
		b.primary, b.closeDB = pg, pg.Close
	default:
		log.Warn("using in-memory store; data is not persisted")
		b.primary = memory.New()
	}

	if conf.Redis.Addr != "" {
		b.mirror = redis.New(redis.Config{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
			TTL:      conf.Redis.TTL,
		})
	}

	if conf.NATS.URL != "" {
		p, err := events.Connect(conf.NATS.URL, conf.NATS.SubjectPrefix, log)
		if err != nil {
			b.close(log)
			return nil, err
		}
		b.nats = p
	}
	return b, nil
}

func run(conf config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	meters, shutdownTelemetry, err := telemetry.Init(startCtx, conf.Telemetry.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	b, err := openBackends(startCtx, conf, log)
	if err != nil {
		return err
	}
	defer b.close(log)

	if err := b.check(startCtx, log); err != nil {
		return err
	}

	var status store.StatusWriter = b.primary
	if b.mirror != nil {
		// Presence starts empty, so a mirror left over from a previous
		// process would report stale users.
		if n, err := b.mirror.Reset(startCtx); err != nil {
			log.Warn("failed to reset redis presence", zap.Error(err))
		} else if n > 0 {
			log.Info("cleared stale redis presence", zap.Int("users", n))
		}
		status = store.NewStatusChain(b.primary, log, b.mirror)
	}

	var publisher relay.StatusPublisher
	if b.nats != nil {
		publisher = b.nats
	}

	if conf.Auth.JWTSecret == "" {
		log.Info("token verification disabled; identification is trusted")
	}

	hub := chat.NewHub(chat.HubConfig{
		IdleTimeout:    conf.IdleTimeout,
		OutgoingBuffer: conf.OutgoingBuffer,
	}, log)

	engine, err := relay.New(relay.Config{
		Table:         presence.NewTable(),
		Sessions:      hub,
		Graph:         b.primary,
		Status:        status,
		Messages:      b.primary,
		Verifier:      auth.New(conf.Auth.JWTSecret),
		Publisher:     publisher,
		MeterProvider: meters,
		CallTimeout:   conf.CallTimeout,
	}, log)
	if err != nil {
		return err
	}

	health := func(ctx context.Context) error { return store.PingAll(ctx, b.pingers()...) }
	srv := server.New(server.Config{
		Addr:      conf.Listen,
		APIPrefix: conf.APIPrefix,
		WSPath:    conf.WSPath,
	}, hub, engine, health, log)

	// Sessions outlive the signal so the shutdown sequence below can drain
	// them in order.
	if err := srv.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		engine.RunSweeper(sweepCtx, conf.SweepInterval)
	}()

	<-ctx.Done()
	log.Info("shutting down")
	stopSweeper()
	<-sweeperDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("listener shutdown incomplete", zap.Error(err))
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Warn("presence shutdown incomplete", zap.Error(err))
	}
	if err := hub.CloseAll(shutdownCtx); err != nil {
		log.Warn("sessions did not close in time", zap.Error(err))
	}
	return nil
}
