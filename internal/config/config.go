package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/agentflow/internal/domain"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig                `yaml:"server"`
	Database   DatabaseConfig              `yaml:"database"`
	Redis      RedisConfig                 `yaml:"redis"`
	Ingest     RabbitMQConfig              `yaml:"ingest"`
	Delivery   RabbitMQConfig              `yaml:"delivery"`
	Logging    LoggingConfig               `yaml:"logging"`
	App        AppConfig                   `yaml:"app"`
	Queues     map[string]QueueConfig      `yaml:"queues"`
	RateLimits map[string]RateLimitConfig  `yaml:"rate_limits"`
	Budget     BudgetConfig                `yaml:"budget"`
	Engine     EngineConfig                `yaml:"engine"`
	LLM        LLMConfig                   `yaml:"llm"`
	Pricing    map[string]ModelPriceConfig `yaml:"pricing"`
	Tools      []ToolProviderConfig        `yaml:"tools"`
	Monitoring MonitoringConfig            `yaml:"monitoring"`
	Progress   ProgressConfig              `yaml:"progress"`
	Dedupe     DedupeConfig                `yaml:"dedupe"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	MetricsPort     int           `yaml:"metrics_port"`
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

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueBindConfig  `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueBindConfig holds RabbitMQ queue configuration
type QueueBindConfig struct {
	Name               string `yaml:"name"`
	Durable            bool   `yaml:"durable"`
	AutoDelete         bool   `yaml:"auto_delete"`
	Exclusive          bool   `yaml:"exclusive"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
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
	PrefetchCount int `yaml:"prefetch_count"`
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

// QueueConfig holds per-queue worker and retry settings
type QueueConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RateClass         string        `yaml:"rate_class"`
}

// RateLimitConfig is the sliding-window ceiling for one queue class
type RateLimitConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// BudgetConfig holds budget guard settings
type BudgetConfig struct {
	DefaultBudgetCents int64   `yaml:"default_budget_cents"`
	WarningThreshold   float64 `yaml:"warning_threshold"`
	CriticalThreshold  float64 `yaml:"critical_threshold"`
}

// EngineConfig holds tool-execution loop settings
type EngineConfig struct {
	MaxRounds        int    `yaml:"max_rounds"`
	MaxTokens        int    `yaml:"max_tokens"`
	DefaultModel     string `yaml:"default_model"`
	SystemPrompt     string `yaml:"system_prompt"`
	MaxRequestLength int    `yaml:"max_request_length"`
}

// LLMConfig holds the model endpoint settings
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// ModelPriceConfig is expressed in cents per million tokens
type ModelPriceConfig struct {
	InputCentsPerMTok  float64 `yaml:"input_cents_per_mtok"`
	OutputCentsPerMTok float64 `yaml:"output_cents_per_mtok"`
}

// ToolProviderConfig declares one external HTTP tool provider
type ToolProviderConfig struct {
	Namespace string                 `yaml:"namespace"`
	URL       string                 `yaml:"url"`
	Timeout   time.Duration          `yaml:"timeout"`
	Tools     []ToolDefinitionConfig `yaml:"tools"`
}

// ToolDefinitionConfig is a tool schema declared in configuration
type ToolDefinitionConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	InputSchema map[string]any `yaml:"input_schema"`
}

// MonitoringConfig holds monitoring surface settings
type MonitoringConfig struct {
	StreamInterval   time.Duration `yaml:"stream_interval"`
	ThroughputWindow int           `yaml:"throughput_window_minutes"`
}

// ProgressConfig holds progress channel settings
type ProgressConfig struct {
	BufferSize int           `yaml:"buffer_size"`
	LastTTL    time.Duration `yaml:"last_ttl"`
}

// DedupeConfig holds idempotency window settings
type DedupeConfig struct {
	EventTTL    time.Duration `yaml:"event_ttl"`
	DeliveryTTL time.Duration `yaml:"delivery_ttl"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// DefaultQueues returns the built-in settings of the three pipeline queues
func DefaultQueues() map[string]QueueConfig {
	return map[string]QueueConfig{
		domain.QueueEvents: {
			Concurrency:       8,
			MaxAttempts:       3,
			BaseBackoff:       time.Second,
			VisibilityTimeout: 30 * time.Second,
			JobTimeout:        15 * time.Second,
			PollInterval:      200 * time.Millisecond,
			RateClass:         domain.ClassIngestion,
		},
		domain.QueueOrchestration: {
			Concurrency:       3,
			MaxAttempts:       3,
			BaseBackoff:       5 * time.Second,
			VisibilityTimeout: 2 * time.Minute,
			JobTimeout:        10 * time.Minute,
			PollInterval:      500 * time.Millisecond,
			RateClass:         domain.ClassOrchestration,
		},
		domain.QueueNotifications: {
			Concurrency:       8,
			MaxAttempts:       8,
			BaseBackoff:       time.Second,
			VisibilityTimeout: 30 * time.Second,
			JobTimeout:        15 * time.Second,
			PollInterval:      200 * time.Millisecond,
			RateClass:         domain.ClassNotification,
		},
	}
}

// DefaultRateLimits returns the built-in ceilings per queue class
func DefaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		domain.ClassIngestion:     {Limit: 100, Window: time.Minute},
		domain.ClassOrchestration: {Limit: 20, Window: time.Minute},
		domain.ClassNotification:  {Limit: 200, Window: time.Minute},
	}
}

// ApplyDefaults fills zero values with built-in defaults
func (c *Config) ApplyDefaults() {
	if c.Queues == nil {
		c.Queues = map[string]QueueConfig{}
	}
	for name, def := range DefaultQueues() {
		q, ok := c.Queues[name]
		if !ok {
			c.Queues[name] = def
			continue
		}
		c.Queues[name] = mergeQueue(q, def)
	}

	if c.RateLimits == nil {
		c.RateLimits = DefaultRateLimits()
	}

	if c.Budget.WarningThreshold == 0 {
		c.Budget.WarningThreshold = 0.80
	}
	if c.Budget.CriticalThreshold == 0 {
		c.Budget.CriticalThreshold = 0.95
	}

	if c.Engine.MaxRounds == 0 {
		c.Engine.MaxRounds = 10
	}
	if c.Engine.MaxTokens == 0 {
		c.Engine.MaxTokens = 1024
	}
	if c.Engine.MaxRequestLength == 0 {
		c.Engine.MaxRequestLength = 8000
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60 * time.Second
	}

	if c.Monitoring.StreamInterval == 0 {
		c.Monitoring.StreamInterval = 5 * time.Second
	}
	if c.Monitoring.ThroughputWindow == 0 {
		c.Monitoring.ThroughputWindow = 5
	}
	if c.Progress.BufferSize == 0 {
		c.Progress.BufferSize = 256
	}
	if c.Progress.LastTTL == 0 {
		c.Progress.LastTTL = time.Hour
	}
	if c.Dedupe.EventTTL == 0 {
		c.Dedupe.EventTTL = 24 * time.Hour
	}
	if c.Dedupe.DeliveryTTL == 0 {
		c.Dedupe.DeliveryTTL = 7 * 24 * time.Hour
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
}

func mergeQueue(q, def QueueConfig) QueueConfig {
	if q.Concurrency == 0 {
		q.Concurrency = def.Concurrency
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = def.MaxAttempts
	}
	if q.BaseBackoff == 0 {
		q.BaseBackoff = def.BaseBackoff
	}
	if q.VisibilityTimeout == 0 {
		q.VisibilityTimeout = def.VisibilityTimeout
	}
	if q.JobTimeout == 0 {
		q.JobTimeout = def.JobTimeout
	}
	if q.PollInterval == 0 {
		q.PollInterval = def.PollInterval
	}
	if q.RateClass == "" {
		q.RateClass = def.RateClass
	}
	return q
}

// ValidateAPIConfig checks the settings the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateStores(); err != nil {
		return err
	}

	return c.validateQueues()
}

// ValidateWorkerConfig checks the settings the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateStores(); err != nil {
		return err
	}

	if err := c.validateQueues(); err != nil {
		return err
	}

	if c.Ingest.Enabled {
		if err := validateBroker("ingest", &c.Ingest); err != nil {
			return err
		}
	}
	if c.Delivery.Enabled {
		if err := validateBroker("delivery", &c.Delivery); err != nil {
			return err
		}
	}

	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm base_url is required")
	}

	if c.Engine.MaxRounds <= 0 {
		return fmt.Errorf("engine max_rounds must be greater than 0")
	}

	if c.Budget.WarningThreshold <= 0 || c.Budget.WarningThreshold > c.Budget.CriticalThreshold || c.Budget.CriticalThreshold > 1 {
		return fmt.Errorf("budget thresholds must satisfy 0 < warning <= critical <= 1")
	}

	for _, tp := range c.Tools {
		if tp.Namespace == "" || tp.URL == "" {
			return fmt.Errorf("tool provider namespace and url are required")
		}
	}

	return nil
}

func (c *Config) validateStores() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	return nil
}

func (c *Config) validateQueues() error {
	for name, q := range c.Queues {
		if q.Concurrency <= 0 {
			return fmt.Errorf("queue %s concurrency must be greater than 0", name)
		}
		if q.MaxAttempts <= 0 {
			return fmt.Errorf("queue %s max_attempts must be greater than 0", name)
		}
		if q.BaseBackoff <= 0 {
			return fmt.Errorf("queue %s base_backoff must be greater than 0", name)
		}
		if q.VisibilityTimeout <= 0 {
			return fmt.Errorf("queue %s visibility_timeout must be greater than 0", name)
		}
	}

	for class, rl := range c.RateLimits {
		if rl.Limit < 0 || (rl.Limit > 0 && rl.Window <= 0) {
			return fmt.Errorf("rate limit %s needs a positive window", class)
		}
	}

	return nil
}

func validateBroker(name string, b *RabbitMQConfig) error {
	if b.Host == "" {
		return fmt.Errorf("%s rabbitmq host is required", name)
	}

	if b.Port < MinPort || b.Port > MaxPort {
		return fmt.Errorf("invalid %s rabbitmq port: %d (must be between %d and %d)", name, b.Port, MinPort, MaxPort)
	}

	if b.Exchange.Name == "" {
		return fmt.Errorf("%s rabbitmq exchange name is required", name)
	}

	if b.Queue.Name == "" {
		return fmt.Errorf("%s rabbitmq queue name is required", name)
	}

	return nil
}
