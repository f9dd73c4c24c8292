package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cuongbtq/taskrouter/internal/config"
	"github.com/cuongbtq/taskrouter/internal/status"
	"github.com/cuongbtq/taskrouter/shared/logger"
	"github.com/cuongbtq/taskrouter/shared/postgresql"
	"github.com/cuongbtq/taskrouter/shared/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		TimeFormat:   timeFormat,
		NoColor:      cfg.NoColor,
	}

	return logger.New(loggerCfg)
}

// initStatusSink opens the configured status store. The returned func
// releases it.
func initStatusSink(ctx context.Context, cfg *config.Config, log *slog.Logger) (status.Sink, func(), error) {
	switch cfg.StatusStore.Driver {
	case config.DriverPostgres:
		client, err := postgresql.NewClient(ctx, &postgresql.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}

		sink := status.NewPostgresSink(client, log)
		if err := sink.EnsureSchema(ctx); err != nil {
			client.Close()
			return nil, nil, err
		}
		return sink, func() { client.Close() }, nil

	case config.DriverRedis:
		client, err := redis.NewClient(ctx, &redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize redis: %w", err)
		}

		sink := status.NewRedisSink(client, status.RedisConfig{
			KeyPrefix:     cfg.Redis.KeyPrefix,
			TTL:           cfg.Redis.TTL,
			NotifyChannel: cfg.Redis.NotifyChannel,
		}, log)
		return sink, func() { client.Close() }, nil

	default:
		log.Warn("Using in-memory status store, records are not visible outside this process")
		return status.NewMemorySink(), func() {}, nil
	}
}

// newRegistry returns a registry carrying the Go runtime and process
// collectors
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// serveMetrics exposes reg on :port/metrics
func serveMetrics(port int, reg *prometheus.Registry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", slog.String("address", srv.Addr), slog.Any("error", err))
		}
	}()

	log.Info("Serving metrics", slog.String("address", srv.Addr))
	return srv
}

func shutdownMetrics(srv *http.Server, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("Failed to stop metrics server", slog.Any("error", err))
	}
}
