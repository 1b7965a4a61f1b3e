package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Transfer TransferConfig `yaml:"transfer"`
	Metrics  MetricsConfig  `yaml:"metrics"`
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
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and queue configuration
type RabbitMQConfig struct {
	Host          string           `yaml:"host"`
	Port          int              `yaml:"port"`
	User          string           `yaml:"user"`
	Password      string           `yaml:"password"`
	VHost         string           `yaml:"vhost"`
	StagingQueue  QueueConfig      `yaml:"staging_queue"`
	TransferQueue QueueConfig      `yaml:"transfer_queue"`
	Connection    ConnectionConfig `yaml:"connection"`
	Publish       PublishConfig    `yaml:"publish"`
	Consumer      ConsumerConfig   `yaml:"consumer"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	Tag           string `yaml:"tag"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// TransferConfig holds the external transfer service settings and the
// admission and polling policy of the transfer manager
type TransferConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	CertPath          string        `yaml:"cert_path"`
	KeyPath           string        `yaml:"key_path"`
	CAPath            string        `yaml:"ca_path"`
	VerifyIdentity    bool          `yaml:"verify_identity"`
	SourceScheme      string        `yaml:"source_scheme"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	PollingInterval   time.Duration `yaml:"polling_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxStatusFailures int           `yaml:"max_status_failures"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig holds the Prometheus listener settings of the worker
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and parses it
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Transfer.SourceScheme == "" {
		c.Transfer.SourceScheme = "gsiftp"
	}
	if c.Transfer.RequestTimeout <= 0 {
		c.Transfer.RequestTimeout = 30 * time.Second
	}
	if c.Transfer.ShutdownTimeout <= 0 {
		c.Transfer.ShutdownTimeout = 30 * time.Second
	}
	if c.RabbitMQ.Consumer.PrefetchCount == 0 {
		c.RabbitMQ.Consumer.PrefetchCount = 1
	}
}

// Validate checks the sections shared by both services
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	return nil
}

// ValidateAPIConfig checks the configuration of the API service
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.StagingQueue.Name == "" {
		return fmt.Errorf("rabbitmq staging_queue name is required")
	}

	return nil
}

// ValidateWorkerConfig checks the configuration of the transfer manager
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.RabbitMQ.TransferQueue.Name == "" {
		return fmt.Errorf("rabbitmq transfer_queue name is required")
	}

	if c.RabbitMQ.TransferQueue.Name == c.RabbitMQ.StagingQueue.Name {
		return fmt.Errorf("rabbitmq transfer_queue must differ from staging_queue")
	}

	if c.RabbitMQ.Consumer.PrefetchCount != 1 {
		return fmt.Errorf("rabbitmq consumer prefetch_count must be 1, got %d", c.RabbitMQ.Consumer.PrefetchCount)
	}

	if c.Transfer.Endpoint == "" {
		return fmt.Errorf("transfer endpoint is required")
	}

	if c.Transfer.CertPath == "" || c.Transfer.KeyPath == "" {
		return fmt.Errorf("transfer cert_path and key_path are required")
	}

	if c.Transfer.MaxConcurrent <= 0 {
		return fmt.Errorf("transfer max_concurrent must be greater than 0")
	}

	if c.Transfer.PollingInterval <= 0 {
		return fmt.Errorf("transfer polling_interval must be greater than 0")
	}

	if c.Transfer.MaxStatusFailures < 0 {
		return fmt.Errorf("transfer max_status_failures must not be negative")
	}

	if c.Metrics.Port != 0 && (c.Metrics.Port < MinPort || c.Metrics.Port > MaxPort) {
		return fmt.Errorf("invalid metrics port: %d (must be between %d and %d)", c.Metrics.Port, MinPort, MaxPort)
	}

	return nil
}
