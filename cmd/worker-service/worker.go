package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/taskrouter/internal/config"
	"github.com/cuongbtq/taskrouter/internal/dispatch"
	"github.com/cuongbtq/taskrouter/internal/domain"
	"github.com/cuongbtq/taskrouter/internal/handlers"
	"github.com/cuongbtq/taskrouter/internal/supervisor"
	"github.com/cuongbtq/taskrouter/internal/worker"
	"github.com/cuongbtq/taskrouter/shared/logger"
	"github.com/cuongbtq/taskrouter/shared/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
)

// runWorker consumes one Routing Target until SIGTERM or a fatal broker
// condition
func runWorker(cfg *config.Config, appLogger *logger.Logger, domainName string, index int) int {
	d, err := domain.ParseDomain(domainName)
	if err != nil {
		appLogger.Error("Invalid domain flag", slog.Any("error", err))
		return supervisor.ExitStartup
	}

	route, err := cfg.Route(d)
	if err != nil {
		appLogger.Error("No route for domain", slog.Any("error", err))
		return supervisor.ExitStartup
	}

	procLogger := appLogger.With(
		slog.String("domain", string(d)),
		slog.Int("worker_index", index),
		slog.Int("pid", os.Getpid()),
	)
	procLogger.Info("Starting worker process",
		slog.String("route", route.String()),
	)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// Initialize status sink
	sink, closeSink, err := initStatusSink(startCtx, cfg, procLogger.Component("status"))
	if err != nil {
		procLogger.Error("Failed to initialize status store", slog.Any("error", err))
		return supervisor.ExitStartup
	}
	defer closeSink()

	// Register handlers for this domain only
	registry := dispatch.NewRegistry()
	if err := handlers.RegisterAll(registry, handlers.SummaryAnalyzer{}, procLogger.Component("handlers"), d); err != nil {
		procLogger.Error("Failed to register handlers", slog.Any("error", err))
		return supervisor.ExitStartup
	}

	reg := newRegistry()
	var metrics *worker.Metrics
	if cfg.Metrics.Enabled {
		metrics = worker.NewMetrics(reg, string(d))
		srv := serveMetrics(workerMetricsPort(cfg, d, index), reg, procLogger.Logger)
		defer shutdownMetrics(srv, procLogger.Logger)
	}

	// Initialize connection manager
	manager := rabbitmq.NewManager(&rabbitmq.Config{
		URL:               cfg.RabbitMQ.URL,
		VHost:             route.VHost,
		ConnectionName:    connectionName(cfg, d, index),
		QueueName:         route.Queue,
		QueueMode:         rabbitmq.QueueMode(route.Durability),
		DeadLetterQueue:   route.DeadLetterQueue,
		PrefetchCount:     cfg.Consumer.PrefetchCount,
		Heartbeat:         cfg.RabbitMQ.Heartbeat,
		ConnectionTimeout: cfg.RabbitMQ.ConnectionTimeout,
		BackoffBase:       cfg.RabbitMQ.BackoffBase,
		BackoffCeiling:    cfg.RabbitMQ.BackoffCeiling,
		BackoffJitter:     cfg.RabbitMQ.BackoffJitter,
		StormThreshold:    cfg.RabbitMQ.StormThreshold,
	}, procLogger.Component("rabbitmq"))

	manager.OnChannelError(metrics.ConnectionLost)
	if cfg.Metrics.Enabled {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "taskrouter",
			Subsystem:   "rabbitmq",
			Name:        "connection_state",
			Help:        "Connection manager state: 0 disconnected, 1 connecting, 2 connected, 3 closed.",
			ConstLabels: prometheus.Labels{"domain": string(d)},
		}, func() float64 {
			return float64(manager.State())
		}))
	}

	fatal := make(chan error, 1)
	manager.OnFatal(func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})
	manager.Start()
	defer manager.Close()

	w := worker.NewWorker(&worker.Config{
		Logger:         procLogger.Component("consumer"),
		Connector:      manager,
		Route:          route,
		Registry:       registry,
		Sink:           sink,
		Policy:         worker.NewPolicy(cfg.Consumer.MaxRetries, cfg.Consumer.RetryDelay, cfg.Consumer.RetryDelayCeiling),
		HandlerTimeout: cfg.Consumer.HandlerTimeout,
		ConsumerTag:    connectionName(cfg, d, index),
		Metrics:        metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	exitCode := supervisor.ExitOK
	select {
	case sig := <-quit:
		procLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-fatal:
		procLogger.Error("Fatal broker condition, exiting for restart",
			slog.Any("error", err),
		)
		exitCode = supervisor.ExitFatalBroker
	case err := <-done:
		if err != nil {
			procLogger.Error("Worker error", slog.Any("error", err))
			return supervisor.ExitStartup
		}
		return supervisor.ExitOK
	}

	// Cancel context to stop consuming; the in-flight handler may finish
	cancel()

	timer := time.NewTimer(cfg.Consumer.ShutdownGrace)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			procLogger.Warn("Worker stopped with error", slog.Any("error", err))
		}
		procLogger.Info("Worker stopped gracefully")
		return exitCode
	case <-timer.C:
		procLogger.Warn("Worker shutdown timeout exceeded, forcing exit",
			slog.Duration("shutdown_grace", cfg.Consumer.ShutdownGrace),
		)
		return supervisor.ExitForced
	}
}

func connectionName(cfg *config.Config, d domain.Domain, index int) string {
	name := cfg.App.Name
	if name == "" {
		name = "taskrouter-worker"
	}
	return fmt.Sprintf("%s-%s-%d", name, d, index)
}

// workerMetricsPort gives every child its own port after the supervisor's
func workerMetricsPort(cfg *config.Config, d domain.Domain, index int) int {
	slot := 0
	for i, r := range cfg.Routes {
		if domain.Domain(r.Domain) == d {
			slot = i*cfg.Supervisor.WorkersPerDomain + index
			break
		}
	}
	return cfg.Metrics.BasePort + 1 + slot
}
