// Package app wires the helpdesk server runtime: config, logging, storage, HTTP routes and the
// realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"helpdesk/cmd/internal/attachment"
	"helpdesk/cmd/internal/auth"
	"helpdesk/cmd/internal/conversation"
	"helpdesk/cmd/internal/events"
	"helpdesk/cmd/internal/httpapi"
	"helpdesk/cmd/internal/metrics"
	"helpdesk/cmd/internal/queue"
	"helpdesk/cmd/internal/realtime"
	"helpdesk/cmd/internal/snapshot"
)

// App is the helpdesk server runtime. It owns every long-lived resource and releases them
// in reverse order on shutdown.
type App struct {
	cfg Config
	log Logger

	metrics *metrics.Metrics

	store  conversation.Store
	dbPool *pgxpool.Pool
	ping   pingFunc

	rdb    redis.UniversalClient
	events *events.Async

	broker *realtime.Broker
	ws     *realtime.WSGateway
	reaper *queue.Reaper

	handler http.Handler
}

// New constructs a fully wired App. On error every resource opened so far is released.
func New(cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.Log.Level, cfg.Log.Format)
	}

	a := &App{cfg: cfg, log: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	ctx := context.Background()

	if err = a.openStore(ctx); err != nil {
		return nil, err
	}

	presence, err := a.openPresence(ctx)
	if err != nil {
		return nil, err
	}

	if err = a.openEvents(); err != nil {
		return nil, err
	}

	var verifier auth.Verifier
	if cfg.Auth.Enabled() {
		tm, err := auth.NewTokenManager(cfg.authConfig())
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		verifier = tm
	} else {
		log.Info("auth.disabled.guests_only")
	}

	files, err := attachment.NewLocalStore(cfg.Attachments.Dir,
		attachment.WithMaxBytes(cfg.Attachments.MaxBytes),
		attachment.WithAllowedTypes(cfg.Attachments.AllowedTypes),
	)
	if err != nil {
		return nil, fmt.Errorf("attachments: %w", err)
	}

	snaps, err := newSnapshotBuilder(cfg.Commerce, log)
	if err != nil {
		return nil, err
	}

	svc := conversation.NewService(a.store, conversation.ServiceConfig{
		HistoryPageSize: cfg.Support.HistoryPageSize,
		QueueLimit:      cfg.Support.QueueLimit,
		Logger:          log,
	})
	coord := queue.NewCoordinator(svc, log)

	bcfg := realtime.BrokerConfig{
		Snapshots:   snaps,
		Attachments: files,
		Metrics:     a.metrics,
		Presence:    presence,
		Logger:      log,
	}
	if a.events != nil {
		bcfg.Events = a.events
	}
	a.broker = realtime.NewBroker(svc, coord, bcfg)

	a.ws = realtime.NewWSGateway(log, a.broker, verifier, a.metrics, cfg.Attachments.MaxBytes)
	api := httpapi.NewHandler(log, a.broker, verifier, files, cfg.httpAPIConfig())

	a.reaper = queue.NewReaper(coord, a.broker, queue.ReaperConfig{
		MaxWait: cfg.Queue.MaxWait,
		Logger:  log,
	})

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, a.ping, a.metrics, a.ws, api)
	a.handler = buildHandler(mux, cfg, log)

	return a, nil
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the queue reaper and the HTTP server and blocks until ctx is cancelled or the
// server fails. Resources are released before it returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.reaper.Start(a.cfg.Queue.Schedule); err != nil {
		return fmt.Errorf("queue reaper: %w", err)
	}

	h := a.cfg.HTTP
	srv := &http.Server{
		Addr:              h.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(h.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(h.ReadTimeout, 30*time.Second),
		WriteTimeout:      nonZeroDuration(h.WriteTimeout, 30*time.Second),
		IdleTimeout:       nonZeroDuration(h.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(h.MaxHeaderBytes, 1<<20),
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	srv.RegisterOnShutdown(a.ws.Shutdown)

	base := runtimeBaseURL(h.Addr)
	a.log.Info("server.start",
		"addr", h.Addr,
		"url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.ping != nil,
		"redis_enabled", a.rdb != nil,
		"events_enabled", a.events != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(h.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		a.log.Error("app.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

// Close stops background work and releases storage, Redis and the event producer.
// It is safe on a partially constructed App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.reaper != nil {
		a.reaper.Stop(ctx)
	}
	if a.events != nil {
		if err := a.events.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	// The pool is owned here; PostgresStore.Close is a no-op.
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// openStore picks Postgres, SQLite or the in-memory store, in that order.
func (a *App) openStore(ctx context.Context) error {
	db := a.cfg.Database
	switch {
	case db.URL != "":
		pool, err := NewDBPool(ctx, db)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.dbPool = pool

		st, err := conversation.NewPostgresStore(pool, conversation.WithSchema(db.Schema))
		if err != nil {
			return err
		}
		if db.AutoMigrate {
			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("postgres migrate: %w", err)
			}
		}
		a.store = st
		a.ping = func(ctx context.Context) error { return PingDB(ctx, pool, 2*time.Second) }
		a.log.Info("db.enabled.postgres_store", "schema", db.Schema, "auto_migrate", db.AutoMigrate)

	case db.SQLitePath != "":
		st, err := conversation.NewSQLiteStore(db.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		a.store = st
		a.ping = st.Ping
		a.log.Info("db.enabled.sqlite_store", "path", db.SQLitePath)

	default:
		a.store = conversation.NewMemoryStore()
		a.log.Info("db.disabled.inmemory_store")
	}
	return nil
}

// openPresence uses Redis when configured so presence is shared across instances.
func (a *App) openPresence(ctx context.Context) (realtime.Presence, error) {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		return realtime.NewMemoryPresence(), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	a.rdb = rdb

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	a.log.Info("presence.redis", "addr", rc.Addr, "ttl", rc.PresenceTTL.String())
	return realtime.NewRedisPresence(rdb, rc.PresencePrefix, rc.PresenceTTL), nil
}

// openEvents starts the Kafka lifecycle publisher when brokers are configured.
func (a *App) openEvents() error {
	kc := a.cfg.Kafka
	if len(kc.Brokers) == 0 {
		return nil
	}

	pub, err := events.NewKafkaPublisher(events.KafkaConfig{
		Brokers:  kc.Brokers,
		Topic:    kc.Topic,
		ClientID: kc.ClientID,
		Username: kc.Username,
		Password: kc.Password,
		UseTLS:   kc.TLS,
	}, a.log)
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}

	a.events = events.NewAsync(pub, kc.Buffer, a.cfg.Support.OpTimeout, a.log, a.metrics)
	a.log.Info("events.kafka", "brokers", kc.Brokers, "topic", kc.Topic)
	return nil
}

func newSnapshotBuilder(cfg CommerceConfig, log Logger) (*snapshot.Builder, error) {
	var commerce snapshot.Commerce = snapshot.Nop{}
	if cfg.BaseURL != "" {
		hc, err := snapshot.NewHTTPCommerce(cfg.BaseURL, cfg.ServiceToken, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("commerce: %w", err)
		}
		commerce = hc
	}
	return snapshot.NewBuilder(commerce,
		snapshot.WithRecentOrders(cfg.RecentOrders),
		snapshot.WithLogger(log),
	), nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
