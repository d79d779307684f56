package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	FanOut    FanOutConfig    `mapstructure:"fanout"`
	Manual    ManualConfig    `mapstructure:"manual"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Queue     QueueConfig     `mapstructure:"queue"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// DiscoveryConfig bounds how a single discovery cycle walks mailboxes.
type DiscoveryConfig struct {
	// BatchSize is the global per-run enqueue cap across all accounts.
	BatchSize int `mapstructure:"batch_size"`
	// BodyProbeBudget caps body fetches per account per run for messages
	// whose headers alone are inconclusive.
	BodyProbeBudget int `mapstructure:"body_probe_budget"`
	// FetchBatchSize is how many summaries one mailbox fetch requests.
	FetchBatchSize int `mapstructure:"fetch_batch_size"`
}

// FanOutConfig bounds a dispatch run.
type FanOutConfig struct {
	MaxUIDsPerAccount int `mapstructure:"max_uids_per_account"`
	PerAccountCap     int `mapstructure:"per_account_cap"`
	Workers           int `mapstructure:"workers"`
}

// ManualConfig bounds operator-triggered direct runs.
type ManualConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

// JobsConfig holds the async-job worker configuration.
type JobsConfig struct {
	PollSeconds   int           `mapstructure:"poll_seconds"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	ReaperEnabled bool          `mapstructure:"reaper_enabled"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

// QueueConfig holds the extraction queue configuration.
type QueueConfig struct {
	Workers int `mapstructure:"workers"`
}

// NATSConfig holds the lifecycle-event publisher configuration. An empty
// URL disables event publishing.
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set defaults
	setDefaults()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	viper.AutomaticEnv()

	// Bind environment variables
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)

	viper.SetDefault("discovery.batch_size", 200)
	viper.SetDefault("discovery.body_probe_budget", 10)
	viper.SetDefault("discovery.fetch_batch_size", 50)

	viper.SetDefault("fanout.max_uids_per_account", 500)
	viper.SetDefault("fanout.per_account_cap", 100)
	viper.SetDefault("fanout.workers", 4)

	viper.SetDefault("manual.default_limit", 50)
	viper.SetDefault("manual.max_limit", 500)

	viper.SetDefault("scheduler.interval_minutes", 5)

	viper.SetDefault("jobs.poll_seconds", 2)
	viper.SetDefault("jobs.stale_after", "1h")
	viper.SetDefault("jobs.reaper_enabled", false)
	viper.SetDefault("jobs.max_attempts", 3)

	viper.SetDefault("queue.workers", 4)

	viper.SetDefault("nats.url", "")
	viper.SetDefault("nats.stream", "INGEST_QUEUE")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")

	// Discovery
	viper.BindEnv("discovery.batch_size", "GLOBAL_DISCOVERY_BATCH_SIZE")
	viper.BindEnv("discovery.body_probe_budget", "BODY_PROBE_BUDGET")
	viper.BindEnv("discovery.fetch_batch_size", "DISCOVERY_FETCH_BATCH_SIZE")

	// Fan-out
	viper.BindEnv("fanout.max_uids_per_account", "FANOUT_MAX_UIDS_PER_ACCOUNT_PER_RUN")
	viper.BindEnv("fanout.per_account_cap", "FANOUT_PER_ACCOUNT_CAP")
	viper.BindEnv("fanout.workers", "FANOUT_WORKERS")

	// Manual runs
	viper.BindEnv("manual.default_limit", "MANUAL_DEFAULT_LIMIT")
	viper.BindEnv("manual.max_limit", "MANUAL_MAX_LIMIT")

	// Scheduler
	viper.BindEnv("scheduler.interval_minutes", "SCHEDULER_INTERVAL_MINUTES")

	// Async jobs
	viper.BindEnv("jobs.poll_seconds", "JOBS_POLL_SECONDS")
	viper.BindEnv("jobs.stale_after", "JOBS_STALE_AFTER")
	viper.BindEnv("jobs.reaper_enabled", "JOBS_REAPER_ENABLED")
	viper.BindEnv("jobs.max_attempts", "JOBS_MAX_ATTEMPTS")

	// Queue
	viper.BindEnv("queue.workers", "QUEUE_WORKERS")

	// NATS
	viper.BindEnv("nats.url", "NATS_URL")
	viper.BindEnv("nats.stream", "NATS_STREAM")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host, user, and dbname are required")
	}

	if c.Discovery.BodyProbeBudget < 0 {
		return fmt.Errorf("body probe budget must not be negative")
	}

	if c.Manual.MaxLimit > 0 && c.Manual.DefaultLimit > c.Manual.MaxLimit {
		return fmt.Errorf("manual default limit exceeds max limit")
	}

	if c.Scheduler.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler interval must be greater than 0")
	}

	if c.Jobs.PollSeconds <= 0 {
		return fmt.Errorf("jobs poll interval must be greater than 0")
	}

	if c.Queue.Workers <= 0 || c.FanOut.Workers <= 0 {
		return fmt.Errorf("worker counts must be greater than 0")
	}

	return nil
}
