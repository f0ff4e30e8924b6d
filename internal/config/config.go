package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/llm-router-cooldown/internal/metrics"
	"github.com/tributary-ai/llm-router-cooldown/internal/security"
	"github.com/tributary-ai/llm-router-cooldown/internal/server"
	"github.com/tributary-ai/llm-router-cooldown/internal/types"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Router    RouterConfig             `yaml:"router"`
	Providers ProvidersConfig          `yaml:"providers"`
	Metrics   MetricsConfig            `yaml:"metrics"`
	Logging   LoggingConfig            `yaml:"logging"`
	Security  SecurityConfig           `yaml:"security"`
	ModelList []types.DeploymentRecord `yaml:"model_list"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// RouterConfig holds cooldown bookkeeping configuration
type RouterConfig struct {
	CooldownExpiryInterval time.Duration `yaml:"cooldown_expiry_interval"`
}

// ProvidersConfig holds provider resolution overrides
type ProvidersConfig struct {
	// APIBases overrides the default endpoint per provider name
	APIBases map[string]string `yaml:"api_bases"`
}

// MetricsConfig selects and configures the metrics sink
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Integration string `yaml:"integration"` // "prometheus" or "memory"
	Namespace   string `yaml:"namespace"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds ingress authentication configuration
type SecurityConfig struct {
	APIKeys   []string      `yaml:"api_keys"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

// IntegrationMemory keeps metrics in process; useful without a scraper
const IntegrationMemory = "memory"

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "4000",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	c.Router = RouterConfig{
		CooldownExpiryInterval: 5 * time.Second,
	}

	c.Metrics = MetricsConfig{
		Enabled:     true,
		Integration: metrics.IntegrationPrometheus,
		Namespace:   metrics.DefaultNamespace,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		APIKeys:   []string{},
		JWTExpiry: time.Hour,
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if port := os.Getenv("COOLDOWN_BRIDGE_PORT"); port != "" {
		c.Server.Port = port
	}

	if level := os.Getenv("COOLDOWN_BRIDGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("COOLDOWN_BRIDGE_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if integration := os.Getenv("COOLDOWN_BRIDGE_METRICS_INTEGRATION"); integration != "" {
		c.Metrics.Integration = integration
	}

	if secret := os.Getenv("COOLDOWN_BRIDGE_JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Metrics.Enabled {
		switch c.Metrics.Integration {
		case metrics.IntegrationPrometheus, IntegrationMemory:
		default:
			return fmt.Errorf("invalid metrics integration: %s", c.Metrics.Integration)
		}
	}

	if c.Router.CooldownExpiryInterval <= 0 {
		return fmt.Errorf("cooldown expiry interval must be positive")
	}

	seen := make(map[string]bool)
	for i, model := range c.ModelList {
		if model.LiteLLMParams.Model == "" {
			return fmt.Errorf("model_list[%d] (%s): litellm_params.model is required", i, model.ModelName)
		}
		id := model.ID()
		if id == "" {
			continue
		}
		if seen[id] {
			return fmt.Errorf("model_list[%d]: duplicate model_info.id %s", i, id)
		}
		seen[id] = true
	}

	return nil
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		Auth: &security.Config{
			APIKeys:   c.Security.APIKeys,
			JWTSecret: c.Security.JWTSecret,
			JWTExpiry: c.Security.JWTExpiry,
		},
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
