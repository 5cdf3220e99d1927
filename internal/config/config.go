// Package config loads server configuration from the environment, with an
// optional YAML file underneath. Environment variables always win, and
// ${VAR} references inside the file are expanded before parsing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete mongo-mcp configuration.
type Config struct {
	Host        string `yaml:"host"`
	Port        string `yaml:"port"`
	MongoURI    string `yaml:"mongo_uri"`
	Database    string `yaml:"database"`
	AuthToken   string `yaml:"auth_token"`
	JWTSecret   string `yaml:"jwt_secret"`
	JWTIssuer   string `yaml:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience"`

	ConnectAttempts int    `yaml:"connect_attempts"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`

	RequestTimeout time.Duration `yaml:"-"`
	ConnectBackoff time.Duration `yaml:"-"`
	CacheTTL       time.Duration `yaml:"-"`

	// Raw duration strings for YAML unmarshaling and env overrides.
	RequestTimeoutRaw string `yaml:"request_timeout"`
	ConnectBackoffRaw string `yaml:"connect_backoff"`
	CacheTTLRaw       string `yaml:"cache_ttl"`
}

// Addr returns the host:port bind address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              "8000",
		Database:          "test",
		JWTIssuer:         "mongo-mcp-server",
		JWTAudience:       "mongo-mcp",
		ConnectAttempts:   3,
		LogLevel:          "info",
		LogFormat:         "text",
		RequestTimeoutRaw: "30s",
		ConnectBackoffRaw: "250ms",
	}
}

func applyEnv(cfg *Config) {
	setEnv(&cfg.Host, "HOST")
	setEnv(&cfg.Port, "PORT")
	setEnv(&cfg.MongoURI, "MONGO_URI")
	setEnv(&cfg.Database, "MONGO_DB")
	setEnv(&cfg.AuthToken, "MCP_TOKEN")
	setEnv(&cfg.JWTSecret, "MCP_JWT_SECRET")
	setEnv(&cfg.JWTIssuer, "MCP_JWT_ISSUER")
	setEnv(&cfg.JWTAudience, "MCP_JWT_AUDIENCE")
	setEnv(&cfg.RequestTimeoutRaw, "MCP_REQUEST_TIMEOUT")
	setEnv(&cfg.ConnectBackoffRaw, "MCP_CONNECT_BACKOFF")
	setEnv(&cfg.CacheTTLRaw, "MCP_CACHE_TTL")
	setEnv(&cfg.LogLevel, "LOG_LEVEL")
	setEnv(&cfg.LogFormat, "LOG_FORMAT")

	if v := os.Getenv("MCP_CONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ConnectAttempts = n
		}
	}
}

func setEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment values; unset
// variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

// Validate checks required fields. The store URI is never hardcoded; it must
// arrive through config.
func (c *Config) Validate() error {
	if c.MongoURI == "" {
		return fmt.Errorf("mongo_uri is required (set MONGO_URI)")
	}
	if c.Port == "" {
		return fmt.Errorf("port must be non-empty")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("port %q is not a number", c.Port)
	}
	if c.AuthToken != "" && c.JWTSecret != "" {
		return fmt.Errorf("auth_token and jwt_secret are mutually exclusive")
	}
	return nil
}

func parseDurations(cfg *Config) error {
	var err error
	if cfg.RequestTimeoutRaw != "" {
		cfg.RequestTimeout, err = time.ParseDuration(cfg.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.RequestTimeoutRaw, err)
		}
	}
	if cfg.ConnectBackoffRaw != "" {
		cfg.ConnectBackoff, err = time.ParseDuration(cfg.ConnectBackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing connect_backoff %q: %w", cfg.ConnectBackoffRaw, err)
		}
	}
	if cfg.CacheTTLRaw != "" {
		cfg.CacheTTL, err = time.ParseDuration(cfg.CacheTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing cache_ttl %q: %w", cfg.CacheTTLRaw, err)
		}
	}
	return nil
}
