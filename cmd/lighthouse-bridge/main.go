// lighthouse-bridge runs the multi-agent coordination bridge: the event
// store, the elicitation manager, the expert coordinator, and the HTTP and
// websocket surfaces over them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tachyon-beep/lighthouse-sub001/internal/api"
	"github.com/tachyon-beep/lighthouse-sub001/internal/audit"
	"github.com/tachyon-beep/lighthouse-sub001/internal/config"
	"github.com/tachyon-beep/lighthouse-sub001/internal/elicitation"
	"github.com/tachyon-beep/lighthouse-sub001/internal/eventstore"
	"github.com/tachyon-beep/lighthouse-sub001/internal/expert"
	"github.com/tachyon-beep/lighthouse-sub001/internal/flags"
	"github.com/tachyon-beep/lighthouse-sub001/internal/identity"
	"github.com/tachyon-beep/lighthouse-sub001/internal/monitoring"
	"github.com/tachyon-beep/lighthouse-sub001/internal/nonce"
	"github.com/tachyon-beep/lighthouse-sub001/internal/notify"
	"github.com/tachyon-beep/lighthouse-sub001/internal/ratelimit"
	"github.com/tachyon-beep/lighthouse-sub001/internal/session"
)

func main() {
	if err := run(); err != nil {
		slog.Error("bridge failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("LIGHTHOUSE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	registry := identity.NewRegistry(cfg.EventStore.Secret)
	defer registry.Close()

	store, err := eventstore.Open(eventstore.Options{
		Dir:             cfg.EventStore.Dir,
		Secret:          cfg.EventStore.Secret,
		NodeID:          cfg.EventStore.NodeID,
		SyncPolicy:      cfg.EventStore.SyncPolicy,
		SegmentMaxBytes: cfg.EventStore.SegmentMaxBytes,
		MaxDiskBytes:    cfg.EventStore.MaxDiskBytes,
		MaxFileHandles:  cfg.EventStore.MaxFileHandles,
		Registry:        registry,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()
	logger.Info("event store open",
		"dir", cfg.EventStore.Dir,
		"sequence", store.CurrentSequence(),
		"recovery_anomalies", store.RecoveryAnomalies())

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute:  cfg.RateLimit.RequestsPerMinute,
		ResponsesPerMinute: cfg.RateLimit.ResponsesPerMinute,
		Burst:              cfg.RateLimit.Burst,
		Protection:         ratelimit.ParseProtection(cfg.RateLimit.Protection),
		BlockCooldown:      time.Duration(cfg.RateLimit.BlockCooldownSecs) * time.Second,
		Logger:             logger,
	})

	nonces := nonce.NewMemoryStore(logger)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go nonces.RunSweeper(sweepCtx, time.Hour)

	auditor := audit.NewAsync(store, logger, 1024)

	sessions := session.NewValidator(cfg.EventStore.Secret, session.Config{
		Timeout:     time.Duration(cfg.Session.TimeoutSecs) * time.Second,
		MaxPerAgent: cfg.Session.MaxPerAgent,
		MaxLifetime: time.Duration(cfg.Session.MaxLifetimeSecs) * time.Second,
		Logger:      logger,
	})
	sessionCleanupDone := make(chan struct{})
	defer close(sessionCleanupDone)
	go sessions.RunCleanup(sessionCleanupDone, time.Minute)

	flagFile, err := flags.Load(cfg.Flags.Path)
	if err != nil {
		return fmt.Errorf("load flags: %w", err)
	}

	metrics := monitoring.New()
	hub := notify.NewHub(cfg.Elicit.NotifyQueueDepth, logger)
	gateway := notify.NewGateway(hub, sessions, logger)

	manager, err := elicitation.NewManager(elicitation.Options{
		Store:          store,
		Secret:         []byte(cfg.EventStore.Secret),
		Nonces:         nonces,
		Limiter:        limiter,
		Audit:          auditor,
		Hub:            hub,
		Sessions:       sessions,
		Flags:          flagFile,
		Metrics:        metrics,
		Logger:         logger,
		SnapshotDir:    filepath.Join(cfg.EventStore.Dir, "projection"),
		DefaultTimeout: cfg.Elicit.DefaultTimeout.Std(),
		ExpirySweep:    cfg.Elicit.ExpirySweep.Std(),
		SnapshotSweep:  cfg.Elicit.SnapshotSweep.Std(),
		MetricsSweep:   cfg.Elicit.MetricsSweep.Std(),
		SnapshotEvery:  cfg.Elicit.SnapshotEvery,
		VerifyOnRead:   cfg.Elicit.VerifyOnRead,
	})
	if err != nil {
		return fmt.Errorf("start elicitation manager: %w", err)
	}

	coordinator := expert.NewCoordinator(registry, store, auditor, logger, expert.Config{
		HeartbeatStale: cfg.Expert.HeartbeatStale.Std(),
		SessionIdleMax: cfg.Expert.SessionIdleMax.Std(),
		StatsRefresh:   cfg.Expert.StatsRefresh.Std(),
		RegisterPerMin: cfg.Expert.RegisterPerMin,
	})

	server := api.NewServer(manager, coordinator, store, registry, flagFile, metrics, gateway, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridge listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	coordinator.Close()
	if err := manager.Close(ctx); err != nil {
		logger.Warn("manager shutdown", "error", err)
	}
	if err := auditor.Close(ctx); err != nil {
		logger.Warn("audit shutdown", "error", err)
	}
	return nil
}
