package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/taskrouter/internal/api/handler"
	"github.com/cuongbtq/taskrouter/internal/api/router"
	"github.com/cuongbtq/taskrouter/internal/config"
	"github.com/cuongbtq/taskrouter/internal/status"
	"github.com/cuongbtq/taskrouter/shared/logger"
	"github.com/cuongbtq/taskrouter/shared/postgresql"
	"github.com/cuongbtq/taskrouter/shared/redis"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// Initialize status store
	deps, cleanup, err := initDependencies(startCtx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize status store: %w", err)
	}
	defer cleanup()

	appLogger.Info("Status store connection established",
		slog.String("driver", cfg.StatusStore.Driver),
	)

	// Initialize router
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	r := initRouter(cfg.App.Environment, deps, reg)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		return fmt.Errorf("server failed to start: %w", err)
	}

	// Graceful shutdown with timeout
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

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

// initDependencies opens the status store the API reads from
func initDependencies(ctx context.Context, cfg *config.Config, log *slog.Logger) (*handler.Dependencies, func(), error) {
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
			return nil, nil, err
		}

		sink := status.NewPostgresSink(client, log)
		if err := sink.EnsureSchema(ctx); err != nil {
			client.Close()
			return nil, nil, err
		}

		return &handler.Dependencies{
			Logger: log,
			Sink:   sink,
			Checks: map[string]handler.HealthCheck{"postgres": client.HealthCheck},
		}, func() { client.Close() }, nil

	case config.DriverRedis:
		client, err := redis.NewClient(ctx, &redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			return nil, nil, err
		}

		sink := status.NewRedisSink(client, status.RedisConfig{
			KeyPrefix:     cfg.Redis.KeyPrefix,
			TTL:           cfg.Redis.TTL,
			NotifyChannel: cfg.Redis.NotifyChannel,
		}, log)

		return &handler.Dependencies{
			Logger: log,
			Sink:   sink,
			Checks: map[string]handler.HealthCheck{"redis": client.HealthCheck},
		}, func() { client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported status_store driver: %q", cfg.StatusStore.Driver)
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies, reg *prometheus.Registry) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Setup router
	return router.SetupRouter(deps, reg)
}
