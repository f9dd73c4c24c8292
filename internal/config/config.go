package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuongbtq/taskrouter/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultQueue is the queue every domain vhost carries
	DefaultQueue = "eventos"
)

// Status store drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// DefaultVHosts maps each domain to its virtual host
var DefaultVHosts = map[domain.Domain]string{
	domain.DomainClinical:  "fluxo_clinico",
	domain.DomainExams:     "fluxo_exames",
	domain.DomainOPME:      "fluxo_opme",
	domain.DomainIngestion: "ingestao_dados",
}

// Validation errors
var (
	ErrNoRoutes        = errors.New("at least one route is required")
	ErrUnknownDomain   = errors.New("unknown domain")
	ErrDuplicateDomain = errors.New("duplicate route for domain")
	ErrRouteNotFound   = errors.New("no route configured for domain")
)

// Config represents the complete application configuration
type Config struct {
	App         AppConfig         `yaml:"app"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Routes      []RouteConfig     `yaml:"routes"`
	Consumer    ConsumerConfig    `yaml:"consumer"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	StatusStore StatusStoreConfig `yaml:"status_store"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds Redis connection and key layout configuration
type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	TTL           time.Duration `yaml:"ttl"`
	NotifyChannel string        `yaml:"notify_channel"`
}

// RabbitMQConfig holds broker connection and reconnect settings shared by
// every route
type RabbitMQConfig struct {
	URL               string        `yaml:"url"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffCeiling    time.Duration `yaml:"backoff_ceiling"`
	BackoffJitter     float64       `yaml:"backoff_jitter"`
	StormThreshold    int           `yaml:"storm_threshold"`
}

// RouteConfig binds one domain to its vhost and queue
type RouteConfig struct {
	Domain          string `yaml:"domain"`
	VHost           string `yaml:"vhost"`
	Queue           string `yaml:"queue"`
	Durability      string `yaml:"durability"`
	DeadLetterQueue string `yaml:"dead_letter_queue"`
}

// ConsumerConfig holds consumer loop and retry policy settings
type ConsumerConfig struct {
	PrefetchCount     int           `yaml:"prefetch_count"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RetryDelayCeiling time.Duration `yaml:"retry_delay_ceiling"`
	HandlerTimeout    time.Duration `yaml:"handler_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
}

// SupervisorConfig holds process supervisor settings
type SupervisorConfig struct {
	WorkersPerDomain int           `yaml:"workers_per_domain"`
	RestartDelay     time.Duration `yaml:"restart_delay"`
	RestartCeiling   time.Duration `yaml:"restart_ceiling"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
}

// StatusStoreConfig selects the task status backend
type StatusStoreConfig struct {
	Driver string `yaml:"driver"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled  bool `yaml:"enabled"`
	BasePort int  `yaml:"base_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
	TimeFormat   string `yaml:"time_format"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file and fills in defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// ApplyEnv overrides secrets from the environment. getenv is usually
// os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("RABBITMQ_URL"); v != "" {
		c.RabbitMQ.URL = v
	}
	if v := getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

func (c *Config) applyDefaults() {
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.VHost == "" {
			r.VHost = DefaultVHosts[domain.Domain(r.Domain)]
		}
		if r.Queue == "" {
			r.Queue = DefaultQueue
		}
		if r.Durability == "" {
			r.Durability = string(domain.DurabilityQuorum)
		}
	}

	if c.RabbitMQ.Heartbeat == 0 {
		c.RabbitMQ.Heartbeat = 10 * time.Second
	}
	if c.RabbitMQ.ConnectionTimeout == 0 {
		c.RabbitMQ.ConnectionTimeout = 30 * time.Second
	}
	if c.RabbitMQ.BackoffBase == 0 {
		c.RabbitMQ.BackoffBase = time.Second
	}
	if c.RabbitMQ.BackoffCeiling == 0 {
		c.RabbitMQ.BackoffCeiling = 30 * time.Second
	}

	if c.Consumer.PrefetchCount == 0 {
		c.Consumer.PrefetchCount = 1
	}
	if c.Consumer.RetryDelay == 0 {
		c.Consumer.RetryDelay = time.Second
	}
	if c.Consumer.RetryDelayCeiling == 0 {
		c.Consumer.RetryDelayCeiling = c.Consumer.RetryDelay
	}
	if c.Consumer.ShutdownGrace == 0 {
		c.Consumer.ShutdownGrace = 30 * time.Second
	}

	if c.Supervisor.WorkersPerDomain == 0 {
		c.Supervisor.WorkersPerDomain = 1
	}
	if c.Supervisor.RestartDelay == 0 {
		c.Supervisor.RestartDelay = time.Second
	}
	if c.Supervisor.RestartCeiling == 0 {
		c.Supervisor.RestartCeiling = 30 * time.Second
	}
	if c.Supervisor.ShutdownGrace == 0 {
		c.Supervisor.ShutdownGrace = c.Consumer.ShutdownGrace + 5*time.Second
	}

	if c.StatusStore.Driver == "" {
		c.StatusStore.Driver = DriverMemory
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "task_status:"
	}
}

// ValidateAPIConfig checks the settings the status API needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.StatusStore.Driver == DriverMemory {
		return fmt.Errorf("status_store driver %q is process-local and cannot back the status API", DriverMemory)
	}

	return c.validateStatusStore()
}

// ValidateWorkerConfig checks the settings the supervisor and workers need
func (c *Config) ValidateWorkerConfig() error {
	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("rabbitmq url is required")
	}

	if c.RabbitMQ.BackoffBase <= 0 {
		return fmt.Errorf("rabbitmq backoff_base must be greater than 0")
	}

	if c.RabbitMQ.BackoffCeiling < c.RabbitMQ.BackoffBase {
		return fmt.Errorf("rabbitmq backoff_ceiling must not be lower than backoff_base")
	}

	if c.RabbitMQ.BackoffJitter < 0 || c.RabbitMQ.BackoffJitter > 1 {
		return fmt.Errorf("rabbitmq backoff_jitter must be between 0 and 1")
	}

	if c.RabbitMQ.StormThreshold < 0 {
		return fmt.Errorf("rabbitmq storm_threshold must not be negative")
	}

	if err := c.validateRoutes(); err != nil {
		return err
	}

	if c.Consumer.PrefetchCount < 1 {
		return fmt.Errorf("consumer prefetch_count must be at least 1")
	}

	if c.Consumer.MaxRetries < 0 {
		return fmt.Errorf("consumer max_retries must not be negative")
	}

	if c.Consumer.RetryDelay < 0 {
		return fmt.Errorf("consumer retry_delay must not be negative")
	}

	if c.Consumer.RetryDelayCeiling < c.Consumer.RetryDelay {
		return fmt.Errorf("consumer retry_delay_ceiling must not be lower than retry_delay")
	}

	if c.Consumer.HandlerTimeout < 0 {
		return fmt.Errorf("consumer handler_timeout must not be negative")
	}

	if c.Supervisor.WorkersPerDomain < 1 {
		return fmt.Errorf("supervisor workers_per_domain must be at least 1")
	}

	if c.Supervisor.RestartCeiling < c.Supervisor.RestartDelay {
		return fmt.Errorf("supervisor restart_ceiling must not be lower than restart_delay")
	}

	if c.Metrics.Enabled {
		last := c.Metrics.BasePort + len(c.Routes)*c.Supervisor.WorkersPerDomain
		if c.Metrics.BasePort < MinPort || last > MaxPort {
			return fmt.Errorf("invalid metrics base_port: %d (ports up to %d must be valid)", c.Metrics.BasePort, last)
		}
	}

	return c.validateStatusStore()
}

func (c *Config) validateRoutes() error {
	if len(c.Routes) == 0 {
		return ErrNoRoutes
	}

	seen := make(map[domain.Domain]bool, len(c.Routes))
	for _, r := range c.Routes {
		d := domain.Domain(r.Domain)
		if !d.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownDomain, r.Domain)
		}
		if seen[d] {
			return fmt.Errorf("%w: %s", ErrDuplicateDomain, d)
		}
		seen[d] = true

		if r.VHost == "" {
			return fmt.Errorf("route %s: vhost is required", d)
		}
		if r.Queue == "" {
			return fmt.Errorf("route %s: queue is required", d)
		}
		if !domain.Durability(r.Durability).Valid() {
			return fmt.Errorf("route %s: unknown durability %q", d, r.Durability)
		}
		if r.DeadLetterQueue != "" && r.DeadLetterQueue == r.Queue {
			return fmt.Errorf("route %s: dead_letter_queue must differ from queue", d)
		}
	}

	return nil
}

func (c *Config) validateStatusStore() error {
	switch c.StatusStore.Driver {
	case DriverMemory:
		return nil
	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		return nil
	case DriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown status_store driver: %q", c.StatusStore.Driver)
	}
}

// Route returns the route bound to d
func (c *Config) Route(d domain.Domain) (domain.RoutingTarget, error) {
	for _, r := range c.Routes {
		if domain.Domain(r.Domain) == d {
			return r.Target(), nil
		}
	}
	return domain.RoutingTarget{}, fmt.Errorf("%w: %s", ErrRouteNotFound, d)
}

// RoutingTargets returns every configured route in file order
func (c *Config) RoutingTargets() []domain.RoutingTarget {
	targets := make([]domain.RoutingTarget, 0, len(c.Routes))
	for _, r := range c.Routes {
		targets = append(targets, r.Target())
	}
	return targets
}

// Target converts the route to its domain representation
func (r RouteConfig) Target() domain.RoutingTarget {
	return domain.RoutingTarget{
		Domain:          domain.Domain(r.Domain),
		VHost:           r.VHost,
		Queue:           r.Queue,
		Durability:      domain.Durability(r.Durability),
		DeadLetterQueue: r.DeadLetterQueue,
	}
}
