// Command debitum-server runs the Debitum sync engine: the HTTP RPC
// surface over the event-sourced write path, permission engine, and
// realtime fan-out bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/debitum/syncengine/internal/authtoken"
	"github.com/debitum/syncengine/internal/cache"
	"github.com/debitum/syncengine/internal/config"
	"github.com/debitum/syncengine/internal/eventstore"
	memorystore "github.com/debitum/syncengine/internal/eventstore/memory"
	postgresstore "github.com/debitum/syncengine/internal/eventstore/postgres"
	"github.com/debitum/syncengine/internal/httpapi"
	"github.com/debitum/syncengine/internal/logging"
	"github.com/debitum/syncengine/internal/membership"
	"github.com/debitum/syncengine/internal/permission"
	"github.com/debitum/syncengine/internal/platform/database"
	"github.com/debitum/syncengine/internal/platform/migrations"
	"github.com/debitum/syncengine/internal/projection"
	"github.com/debitum/syncengine/internal/ratelimit"
	"github.com/debitum/syncengine/internal/realtime"
	"github.com/debitum/syncengine/internal/syncserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "debitum-server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, snapshots, memberStore, publisher, bus, closeDB, err := wireStorage(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("wire storage: %w", err)
	}
	defer closeDB()

	projections := projection.NewEngine(store, snapshots, cfg.Sync.MaxSnapshots)
	memberships := membership.New(memberStore, log)
	permissions := permission.NewEngine(memberships)

	syncOpts := []syncserver.Option{
		syncserver.WithUndoWindow(time.Duration(cfg.Sync.UndoWindowSeconds) * time.Second),
		syncserver.WithBatchLimit(cfg.Sync.SyncBatchLimit),
	}
	if cfg.Redis.Addr != "" {
		digestCache := cache.New(cache.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, 5*time.Minute)
		defer digestCache.Close()
		syncOpts = append(syncOpts, syncserver.WithDigestCache(digestCache))
	}
	syncSvc := syncserver.New(store, projections, permissions, memberships, publisher, log, syncOpts...)

	tokens := authtoken.NewIssuer([]byte(cfg.Auth.JWTSecret), 24*time.Hour)
	limiter := ratelimit.New(cfg.RateLimit.Requests, time.Duration(cfg.RateLimit.WindowS)*time.Second)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := httpapi.New(addr, syncSvc, memberships, bus, tokens, log, httpapi.WithRateLimiter(limiter))

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1h", func() {
		if n, err := memberships.ExpireInvites(ctx); err != nil {
			log.WithError(err).Warn("invite expiry sweep failed")
		} else if n > 0 {
			log.WithField("count", n).Info("invite expiry sweep")
		}
	}); err != nil {
		return fmt.Errorf("schedule invite expiry sweep: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Stop(shutdownCtx)
}

// wireStorage builds the authoritative event store, snapshot store,
// membership store and realtime publisher. A non-empty DATABASE_DSN wires
// Postgres-backed implementations and applies migrations; an empty DSN
// falls back to in-memory stores, useful for local development and demos.
func wireStorage(ctx context.Context, cfg *config.Config, log *logging.Logger) (eventstore.Store, projection.SnapshotStore, membership.Store, realtime.Publisher, *realtime.Bus, func(), error) {
	bus := realtime.New(cfg.Sync.BroadcastBuffer, log)
	noop := func() {}

	if cfg.Database.DSN == "" {
		log.Warn("DATABASE_DSN not set, using in-memory stores")
		return memorystore.New(eventstore.RealClock), projection.NewMemorySnapshotStore(), membership.NewMemoryStore(), bus, bus, noop, nil
	}

	db, err := database.Open(ctx, cfg.Database.DSN, database.Config{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifeSecs) * time.Second,
	})
	if err != nil {
		return nil, nil, nil, nil, nil, noop, err
	}

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(db); err != nil {
			db.Close()
			return nil, nil, nil, nil, nil, noop, fmt.Errorf("apply migrations: %w", err)
		}
	}

	// The Postgres publisher fans pg_notify across every server instance
	// into this process's in-memory bus (spec §4.7); syncserver publishes
	// through it, while ServeWebSocket subscribes against the local bus
	// directly.
	publisher, err := realtime.NewPostgresPublisher(db, cfg.Database.DSN, bus, log)
	if err != nil {
		db.Close()
		return nil, nil, nil, nil, nil, noop, err
	}

	store := postgresstore.New(db)
	snapshots := projection.NewPostgresSnapshotStore(db)
	memberStore := membership.NewPostgresStore(sqlx.NewDb(db, "postgres"))

	closeAll := func() {
		_ = publisher.Close()
		_ = db.Close()
	}
	return store, snapshots, memberStore, publisher, bus, closeAll, nil
}
