package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/jw6ventures/orca/internal/config"
	"github.com/jw6ventures/orca/internal/feed"
	httpserver "github.com/jw6ventures/orca/internal/http"
	"github.com/jw6ventures/orca/internal/session"
	"github.com/jw6ventures/orca/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	configureLogging(cfg)
	logrus.Info("Starting Orca server...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var stor *store.Store
	switch cfg.Store {
	case config.StoreMemory:
		logrus.Warn("using in-memory store; data is lost on restart")
		stor = store.NewMemory()
	default:
		pool, err := pgxpool.New(ctx, cfg.DB.DSN)
		if err != nil {
			logrus.WithError(err).Fatal("failed to create db pool")
		}
		defer pool.Close()

		if err := store.ApplyMigrations(ctx, pool); err != nil {
			logrus.WithError(err).Fatal("failed to apply migrations")
		}
		stor = store.New(pool)
	}

	var publisher feed.Publisher = feed.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = feed.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logrus.NewEntry(logrus.StandardLogger()))
		logrus.WithField("topic", cfg.Kafka.Topic).Info("publishing schedule changes to kafka")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logrus.WithError(err).Warn("closing change feed")
		}
	}()

	hub := session.NewHub(stor, session.Options{
		FlushTimeout: cfg.BookmarkFlushTimeout,
		Feed:         publisher,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpserver.NewRouter(cfg, stor, hub),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.WithField("addr", cfg.ListenAddr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("graceful shutdown failed")
	}
	// Hijacked websocket connections are not tracked by the HTTP server.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("closing sessions")
	}
}

func configureLogging(cfg *config.Config) {
	if cfg.Log.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logrus.WithError(err).Warnf("unknown log level %q, using info", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
