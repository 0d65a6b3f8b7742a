// sitedockd is the sync agent for the sitedock field client. It hosts the
// offline-first mutation pipeline: the durable operation log, the
// connectivity oracle, the queue flusher, the shared read cache, the realtime
// invalidation feed, and (optionally) the terminal status panel. The
// application's data layer embeds the same packages and submits writes
// through syncer.Executor in-process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sitedock/sitedock/internal/cache"
	"github.com/sitedock/sitedock/internal/config"
	"github.com/sitedock/sitedock/internal/connectivity"
	"github.com/sitedock/sitedock/internal/oplog"
	"github.com/sitedock/sitedock/internal/realtime"
	"github.com/sitedock/sitedock/internal/remote"
	"github.com/sitedock/sitedock/internal/syncer"
	"github.com/sitedock/sitedock/internal/tui"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("sitedockd", flag.ExitOnError)
	configPath := fs.String("config", "sitedock.yaml", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("sitedockd v%s (built %s)\n", version, buildTime)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Error("create data dir", "error", err)
		return 1
	}

	log, err := oplog.Open(cfg.Sync.OplogPath, logger)
	if err != nil {
		logger.Error("open operation log", "error", err)
		return 1
	}
	defer log.Close()

	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.AccessToken, logger)

	oracle := connectivity.New(client.Probe, remote.IsNetworkError, connectivity.Config{
		ProbeInterval: time.Duration(cfg.Sync.ProbeIntervalSeconds) * time.Second,
		ProbeTimeout:  time.Duration(cfg.Sync.ProbeTimeoutSeconds) * time.Second,
	}, logger)
	defer oracle.Close()

	store := cache.New(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var notifier syncer.Notifier = syncer.LogNotifier{Logger: logger}
	if cfg.UI.StatusPanel {
		surface := tui.NewSurface(oracle.IsOnline, func() int {
			n, err := log.Count(context.Background())
			if err != nil {
				return 0
			}
			return n
		}, logger)
		surface.Start(ctx)
		defer surface.Stop()
		notifier = surface
	}

	flusher := syncer.NewFlusher(oracle, log, client, store, notifier, logger)

	// Reconnecting is the moment queued work becomes appliable.
	oracle.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			if err := flusher.Drain(ctx); err != nil {
				logger.Error("drain after reconnect", "error", err)
			}
		}()
	})

	// Opportunistic periodic drain, covering triggers the transition event
	// misses (daemon started while ops were already queued, app foregrounded).
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Sync.DrainSchedule, func() {
		if err := flusher.Drain(ctx); err != nil {
			logger.Error("scheduled drain", "error", err)
		}
	}); err != nil {
		logger.Error("invalid drain schedule", "schedule", cfg.Sync.DrainSchedule, "error", err)
		return 1
	}
	sched.Start()
	defer sched.Stop()

	if cfg.Realtime.Enabled {
		sub := realtime.New(cfg.Realtime.URL, cfg.Remote.APIKey, store, oracle, logger)
		sub.Start(ctx)
		defer sub.Stop()
	}

	// Anything left over from the previous session.
	go func() {
		if err := flusher.Drain(ctx); err != nil {
			logger.Error("startup drain", "error", err)
		}
	}()

	logger.Info("sitedockd started",
		"version", version,
		"backend", cfg.Remote.BaseURL,
		"oplog", cfg.Sync.OplogPath,
		"realtime", cfg.Realtime.Enabled)

	<-ctx.Done()
	logger.Info("shutting down")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
