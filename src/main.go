package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/sandrolain/fossibot-bridge/src/bridge"
	"github.com/sandrolain/fossibot-bridge/src/config"
	"github.com/sandrolain/fossibot-bridge/src/daemon"
	"github.com/sandrolain/fossibot-bridge/src/health"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Daemon)

	if err := daemon.WritePIDFile(cfg.Daemon.PIDFile); err != nil {
		slog.Error("failed to write PID file", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := daemon.RemovePIDFile(cfg.Daemon.PIDFile); err != nil {
			slog.Warn("failed to remove PID file", "error", err)
		}
	}()

	b, err := bridge.New(cfg, version)
	if err != nil {
		slog.Error("failed to initialize bridge", "error", err)
		os.Exit(1)
	}

	startedAt := time.Now()
	if cfg.Daemon.HealthAddress != "" {
		hs := &health.Server{
			Snapshot: func() health.Report {
				total, online := b.ConnectedAccounts()
				return health.Report{
					Status:         "ok",
					Version:        version,
					UptimeSeconds:  int64(time.Since(startedAt).Seconds()),
					AccountsTotal:  total,
					AccountsOnline: online,
				}
			},
		}
		if err := hs.Start(cfg.Daemon.HealthAddress); err != nil {
			slog.Error("failed to start health endpoint", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := hs.Stop(); err != nil {
				slog.Warn("health endpoint stop", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Force exit if the graceful path hangs past the shutdown grace.
	go func() {
		<-ctx.Done()
		time.Sleep(5 * time.Second)
		slog.Error("graceful shutdown timed out, forcing exit")
		os.Exit(1)
	}()

	slog.Info("fossibot bridge starting", "version", version, "accounts", len(cfg.Accounts))
	if err := b.Run(ctx); err != nil {
		slog.Error("bridge terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("fossibot bridge stopped")
}

func setupLogger(dc config.DaemonConfig) {
	var w io.Writer = os.Stdout
	if dc.LogFile != "" {
		f, err := os.OpenFile(dc.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Error("cannot open log file, logging to stdout", "path", dc.LogFile, "error", err)
		} else {
			w = f
		}
	}

	level := slog.LevelInfo
	switch dc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	slog.SetDefault(slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}),
	))
}
