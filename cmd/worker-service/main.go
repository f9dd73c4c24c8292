package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/cuongbtq/taskrouter/internal/config"
	"github.com/cuongbtq/taskrouter/internal/supervisor"
	"github.com/joho/godotenv"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	domainName := flag.String("domain", "", "Run a single worker for this domain instead of the supervisor")
	index := flag.Int("index", 0, "Worker index within the domain")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return supervisor.ExitStartup
	}
	cfg.ApplyEnv(os.Getenv)

	if err := cfg.ValidateWorkerConfig(); err != nil {
		log.Printf("invalid config: %v", err)
		return supervisor.ExitStartup
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		log.Printf("failed to initialize logger: %v", err)
		return supervisor.ExitStartup
	}
	defer appLogger.Close()

	if *domainName == "" {
		appLogger.Info("Starting worker service supervisor",
			slog.String("app", cfg.App.Name),
			slog.String("version", cfg.App.Version),
			slog.String("environment", cfg.App.Environment),
		)
		return runSupervisor(cfg, appLogger, *configPath)
	}

	return runWorker(cfg, appLogger, *domainName, *index)
}
