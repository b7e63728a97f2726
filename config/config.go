// Package config loads gateway configuration from environment variables,
// with an optional YAML overlay for deployments that prefer a file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/upb/chat-gateway/internal/validation"
	"github.com/upb/chat-gateway/providers"
)

// Config represents the complete gateway configuration
type Config struct {
	Environment   string
	Server        ServerConfig
	Proxy         ProxyConfig
	Gate          GateConfig
	Retry         RetryConfig
	Quota         QuotaConfig
	Providers     ProvidersConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// ProxyConfig holds the edge function deployment settings. SessionToken is
// the bearer credential presented to the edge functions; vendor API keys
// never appear here.
type ProxyConfig struct {
	BaseURL      string `validate:"required"`
	SessionToken string
}

// GateConfig holds the request-size limits and default screening flags
type GateConfig struct {
	MaxTotalChars      int `validate:"gt=0"`
	MaxMessages        int `validate:"gt=0"`
	InjectionScreening bool
	AbuseScreening     bool
}

// RetryConfig holds the rate-limit retry policy parameters
type RetryConfig struct {
	MaxRetries int `validate:"gte=0"`
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// QuotaConfig holds token-accounting settings
type QuotaConfig struct {
	DefaultBalance int `validate:"gte=0"`
}

// ProvidersConfig holds provider enablement and the default route
type ProvidersConfig struct {
	Default string
	Enabled []string
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string `validate:"required"`
	LogFormat string // json or text
}

// fileOverlay is the optional YAML file shape. Only set fields override the
// environment-derived values.
type fileOverlay struct {
	Proxy struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"proxy"`
	Gate struct {
		MaxTotalChars *int `yaml:"max_total_chars"`
		MaxMessages   *int `yaml:"max_messages"`
	} `yaml:"gate"`
	Providers struct {
		Default string   `yaml:"default"`
		Enabled []string `yaml:"enabled"`
	} `yaml:"providers"`
}

// New creates a Config by loading environment variables, then applying the
// YAML overlay named by GATEWAY_CONFIG_FILE (default gateway.yaml) when the
// file exists.
func New() (*Config, error) {
	// Load .env if present
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 300*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Proxy: ProxyConfig{
			BaseURL:      getEnv("PROXY_BASE_URL", ""),
			SessionToken: getEnv("PROXY_SESSION_TOKEN", ""),
		},
		Gate: GateConfig{
			MaxTotalChars:      getEnvAsInt("GATE_MAX_TOTAL_CHARS", 100_000),
			MaxMessages:        getEnvAsInt("GATE_MAX_MESSAGES", 50),
			InjectionScreening: getEnvAsBool("GATE_INJECTION_SCREENING", true),
			AbuseScreening:     getEnvAsBool("GATE_ABUSE_SCREENING", true),
		},
		Retry: RetryConfig{
			MaxRetries: getEnvAsInt("RETRY_MAX_RETRIES", 3),
			BaseDelay:  getEnvAsDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:   getEnvAsDuration("RETRY_MAX_DELAY", 8*time.Second),
		},
		Quota: QuotaConfig{
			DefaultBalance: getEnvAsInt("QUOTA_DEFAULT_BALANCE", 100_000),
		},
		Providers: ProvidersConfig{
			Default: getEnv("DEFAULT_PROVIDER", "openai"),
			Enabled: identityNames(),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.applyOverlay(getEnv("GATEWAY_CONFIG_FILE", "gateway.yaml")); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyOverlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if overlay.Proxy.BaseURL != "" {
		c.Proxy.BaseURL = overlay.Proxy.BaseURL
	}
	if overlay.Gate.MaxTotalChars != nil {
		c.Gate.MaxTotalChars = *overlay.Gate.MaxTotalChars
	}
	if overlay.Gate.MaxMessages != nil {
		c.Gate.MaxMessages = *overlay.Gate.MaxMessages
	}
	if overlay.Providers.Default != "" {
		c.Providers.Default = overlay.Providers.Default
	}
	if len(overlay.Providers.Enabled) > 0 {
		c.Providers.Enabled = overlay.Providers.Enabled
	}
	return nil
}

// Validate checks struct-tag constraints and cross-field consistency
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		if fields := validation.Fields(err); fields["BaseURL"] != "" {
			return fmt.Errorf("proxy base URL is required: set PROXY_BASE_URL")
		}
		return err
	}
	if _, err := providers.ParseIdentity(c.Providers.Default); err != nil {
		return fmt.Errorf("invalid default provider: %w", err)
	}
	for _, name := range c.Providers.Enabled {
		if _, err := providers.ParseIdentity(name); err != nil {
			return fmt.Errorf("invalid enabled provider: %w", err)
		}
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// ProviderEnabled reports whether a provider appears in the enabled list
func (c *Config) ProviderEnabled(id providers.Identity) bool {
	for _, name := range c.Providers.Enabled {
		if name == string(id) {
			return true
		}
	}
	return false
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func identityNames() []string {
	ids := providers.Identities()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return names
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
