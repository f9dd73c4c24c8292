package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/taskrouter/internal/config"
	"github.com/cuongbtq/taskrouter/internal/supervisor"
	"github.com/cuongbtq/taskrouter/shared/logger"
)

// runSupervisor spawns one child per route and worker index and blocks
// until SIGINT or SIGTERM
func runSupervisor(cfg *config.Config, appLogger *logger.Logger, configPath string) int {
	log := appLogger.Component("supervisor")

	exe, err := os.Executable()
	if err != nil {
		log.Error("Failed to resolve executable path", slog.Any("error", err))
		return supervisor.ExitStartup
	}

	reg := newRegistry()
	var metrics *supervisor.Metrics
	if cfg.Metrics.Enabled {
		metrics = supervisor.NewMetrics(reg)
		srv := serveMetrics(cfg.Metrics.BasePort, reg, log)
		defer shutdownMetrics(srv, log)
	}

	sup := supervisor.New(&supervisor.Config{
		Logger: log,
		Starter: &supervisor.ExecStarter{
			Path:   exe,
			Args:   []string{"-config", configPath},
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		},
		Routes:           cfg.RoutingTargets(),
		WorkersPerDomain: cfg.Supervisor.WorkersPerDomain,
		RestartDelay:     cfg.Supervisor.RestartDelay,
		RestartCeiling:   cfg.Supervisor.RestartCeiling,
		ShutdownGrace:    cfg.Supervisor.ShutdownGrace,
		Metrics:          metrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = sup.Run(ctx)
	switch {
	case err == nil:
		log.Info("Worker service shutdown complete")
		return supervisor.ExitOK
	case errors.Is(err, supervisor.ErrShutdownTimeout):
		log.Warn("Worker service shutdown forced", slog.Any("error", err))
		return supervisor.ExitForced
	default:
		log.Error("Supervisor failed", slog.Any("error", err))
		return supervisor.ExitStartup
	}
}
