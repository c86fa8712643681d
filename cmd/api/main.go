package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pipecd/api/internal/app"
	"pipecd/api/internal/auth"
	"pipecd/api/internal/config"
	"pipecd/api/internal/crm"
	"pipecd/api/internal/events"
	"pipecd/api/internal/session"
	"pipecd/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config failed", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	ctx := context.Background()

	db, directory, closeDB, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store setup failed", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	defer closeDB()

	checks := map[string]app.Pinger{}
	var sessions *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		sessions, err = session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			if cfg.EventsTransport == config.EventsRedis {
				logger.Error("redis connection failed", "error", err)
				os.Exit(1)
			}
			logger.Warn("redis unavailable, token revocation disabled", "error", err)
			sessions = nil
		} else {
			defer sessions.Close()
			checks["redis"] = sessions
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(registry)

	transport := newTransport(cfg, sessions, logger)
	emitter := events.NewEmitter(transport, logger, cfg.EventTimeout, events.WithObserver(metrics.ObserveEvent))

	var revoked auth.RevocationList
	var revoker app.TokenRevoker
	if sessions != nil {
		revoked = sessions
		revoker = sessions
	}
	verifier := auth.NewVerifier(auth.VerifierConfig{
		Secret:      []byte(cfg.JWTSecret),
		Issuer:      cfg.JWTIssuer,
		Audience:    cfg.JWTAudience,
		DefaultRole: cfg.DefaultRole,
	}, revoked, directory)

	dispatcher := app.NewDispatcher(crm.NewServices(), emitter, app.DispatcherConfig{
		Logger:            logger,
		Metrics:           metrics,
		ExposeDiagnostics: cfg.ExposeDiagnostics,
	})
	schema, err := app.NewSchema(dispatcher)
	if err != nil {
		logger.Error("schema failed", "error", err)
		os.Exit(1)
	}

	httpServer := app.NewHTTPServer(app.HTTPServerConfig{
		Schema:     schema,
		Builder:    app.NewContextBuilder(verifier, db, logger),
		Database:   db,
		Checks:     checks,
		Tokens:     verifier,
		Revoker:    revoker,
		Metrics:    metrics,
		CORSOrigin: cfg.CORSOrigin,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("pipecd API listening", "addr", cfg.Addr, "store", cfg.Store, "events", cfg.EventsTransport)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := emitter.Wait(shutdownCtx); err != nil {
		logger.Warn("pending events not delivered", "error", err)
	}
}

// openStore returns the store, the user directory behind it, and a close
// function. The memory store has an empty directory, so verification
// falls back to token claims.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.DB, auth.Directory, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryDB(), nil, func() {}, nil
	}

	sqlDB, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := store.ApplyMigrations(ctx, sqlDB, os.DirFS(cfg.MigrationsDir)); err != nil {
		_ = sqlDB.Close()
		return nil, nil, nil, err
	}
	pg := store.NewPostgresDB(sqlDB)
	return pg, pg, func() { _ = sqlDB.Close() }, nil
}

func newTransport(cfg config.Config, sessions *session.RedisStore, logger *slog.Logger) events.Transport {
	switch cfg.EventsTransport {
	case config.EventsHTTP:
		return events.NewHTTPIngest(cfg.EventsURL, cfg.EventsKey, &http.Client{Timeout: cfg.EventTimeout})
	case config.EventsRedis:
		if sessions != nil {
			return events.NewRedisStream(sessions.Client(), cfg.EventsStream, 10000)
		}
		logger.Warn("redis event transport has no connection, logging events instead")
	}
	return events.NewLogTransport(logger)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
