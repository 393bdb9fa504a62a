package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/agentflow/internal/domain"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, "localhost", cfg.Database.Host)
			assert.Equal(t, "agentflow", cfg.Database.Database)
			assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
			assert.Equal(t, "platform_events", cfg.Ingest.Exchange.Name)
			assert.Equal(t, 16, cfg.Ingest.Consumer.PrefetchCount)
			assert.Equal(t, 6, cfg.Engine.MaxRounds)
			assert.Equal(t, int64(5000), cfg.Budget.DefaultBudgetCents)
			require.Len(t, cfg.Tools, 1)
			assert.Equal(t, "crm", cfg.Tools[0].Namespace)
			assert.Equal(t, "lookup_contact", cfg.Tools[0].Tools[0].Name)
			assert.Equal(t, 300.0, cfg.Pricing["claude-sonnet"].InputCentsPerMTok)
		})
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("AGENTFLOW_TEST_DB_PASSWORD", "s3cret")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func TestApplyDefaults(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	t.Run("overridden queue keeps explicit values and fills the rest", func(t *testing.T) {
		q := cfg.Queues[domain.QueueOrchestration]
		assert.Equal(t, 4, q.Concurrency)
		assert.Equal(t, 5, q.MaxAttempts)
		assert.Equal(t, 5*time.Second, q.BaseBackoff)
		assert.Equal(t, domain.ClassOrchestration, q.RateClass)
	})

	t.Run("missing queues get defaults", func(t *testing.T) {
		n := cfg.Queues[domain.QueueNotifications]
		assert.Equal(t, 8, n.MaxAttempts)
		assert.Greater(t, n.MaxAttempts, cfg.Queues[domain.QueueEvents].MaxAttempts)
		assert.Equal(t, 3, cfg.Queues[domain.QueueEvents].MaxAttempts)
	})

	t.Run("thresholds default to 80 and 95 percent", func(t *testing.T) {
		assert.Equal(t, 0.80, cfg.Budget.WarningThreshold)
		assert.Equal(t, 0.95, cfg.Budget.CriticalThreshold)
	})

	t.Run("rate limits from file replace defaults", func(t *testing.T) {
		assert.Equal(t, 10, cfg.RateLimits[domain.ClassOrchestration].Limit)
		_, ok := cfg.RateLimits[domain.ClassNotification]
		assert.False(t, ok)
	})
}

func validConfig() *Config {
	cfg := &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Host: "localhost", Port: 5432, Database: "agentflow"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		LLM:      LLMConfig{BaseURL: "http://llm"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "port too low", mutate: func(c *Config) { c.Server.Port = 0 }, errString: "invalid server port"},
		{name: "port too high", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "empty database host", mutate: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
		{name: "empty database name", mutate: func(c *Config) { c.Database.Database = "" }, errString: "database name is required"},
		{name: "empty redis addr", mutate: func(c *Config) { c.Redis.Addr = "" }, errString: "redis addr is required"},
		{
			name: "zero queue concurrency",
			mutate: func(c *Config) {
				q := c.Queues[domain.QueueEvents]
				q.Concurrency = -1
				c.Queues[domain.QueueEvents] = q
			},
			errString: "concurrency must be greater than 0",
		},
		{
			name: "rate limit without window",
			mutate: func(c *Config) {
				c.RateLimits[domain.ClassIngestion] = RateLimitConfig{Limit: 5}
			},
			errString: "needs a positive window",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing llm url", mutate: func(c *Config) { c.LLM.BaseURL = "" }, errString: "llm base_url is required"},
		{
			name: "enabled ingest without host",
			mutate: func(c *Config) {
				c.Ingest = RabbitMQConfig{Enabled: true, Port: 5672}
			},
			errString: "ingest rabbitmq host is required",
		},
		{
			name: "enabled delivery without exchange",
			mutate: func(c *Config) {
				c.Delivery = RabbitMQConfig{Enabled: true, Host: "localhost", Port: 5672, Queue: QueueBindConfig{Name: "q"}}
			},
			errString: "delivery rabbitmq exchange name is required",
		},
		{
			name:      "warning above critical",
			mutate:    func(c *Config) { c.Budget.WarningThreshold = 0.99 },
			errString: "budget thresholds",
		},
		{
			name:      "tool provider without url",
			mutate:    func(c *Config) { c.Tools = []ToolProviderConfig{{Namespace: "crm"}} },
			errString: "tool provider namespace and url are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}
