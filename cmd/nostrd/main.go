package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaystone/nostrd/pkg/config"
	"github.com/relaystone/nostrd/pkg/extension"
	"github.com/relaystone/nostrd/pkg/limiter"
	"github.com/relaystone/nostrd/pkg/observability"
	"github.com/relaystone/nostrd/pkg/relay"
	"github.com/relaystone/nostrd/pkg/store"
	"github.com/relaystone/nostrd/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	dbPath := flag.String("db", "", "override database path")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("relay exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ext := extension.NewRegistry()
	if err := extension.RegisterBuiltins(ext); err != nil {
		return err
	}

	var metrics *observability.Metrics
	if cfg.Telemetry.Enabled {
		mp, err := observability.NewMeterProvider("nostrd", transport.Version)
		if err != nil {
			return err
		}
		defer func() { _ = mp.Shutdown(context.Background()) }()
		if metrics, err = observability.NewMetrics(mp.Meter("nostrd")); err != nil {
			return err
		}
	}

	var st store.EventStore
	st, err := store.OpenSQLite(cfg.Database.Path, ext)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	logger.Info("opened database", "path", cfg.Database.Path)

	if cfg.Limits.SeenCacheSize > 0 {
		if st, err = store.NewSeenCache(st, cfg.Limits.SeenCacheSize); err != nil {
			return err
		}
	}

	var limStore limiter.Store
	if cfg.Redis.Addr != "" {
		rs := limiter.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer func() { _ = rs.Close() }()
		limStore = rs
		logger.Info("rate limiting via redis", "addr", cfg.Redis.Addr)
	} else {
		limStore = limiter.NewMemoryStore()
	}

	r, err := relay.New(relay.Options{
		Store:        st,
		Extensions:   ext,
		LimiterStore: limStore,
		Limits: relay.Limits{
			MaxEventBytes:       cfg.Limits.MaxEventBytes,
			RejectFutureSeconds: cfg.Limits.RejectFutureSeconds,
			MessagesPerSec:      cfg.Limits.MessagesPerSec,
		},
		QueueSize:       cfg.Limits.PersistQueue,
		EnqueueTimeout:  time.Duration(cfg.Limits.EnqueueTimeoutSeconds) * time.Second,
		BroadcastBuffer: cfg.Limits.BroadcastBuffer,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return err
	}
	defer r.Close()

	srv := &http.Server{
		Addr:    cfg.Network.ListenAddr(),
		Handler: transport.NewServer(r, ext, cfg, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
