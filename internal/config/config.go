// Package config provides configuration loading and management for the
// rate-limit gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logger    LoggerConfig    `yaml:"logger"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	Mode            string        `yaml:"mode"` // debug, release
	BasePath        string        `yaml:"base_path"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	OutputPath string `yaml:"output_path"`
}

// DatabaseConfig holds the Postgres connection configuration used when
// the gorm backend is selected.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds the Redis connection configuration used when the
// redis backend is selected.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig holds JWT configuration.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// RateLimitConfig holds rate limiter configuration. Backend selects
// the counter document store: "memory", "gorm" or "redis".
type RateLimitConfig struct {
	Enabled                  bool          `yaml:"enabled"`
	Backend                  string        `yaml:"backend"`
	HashSalt                 string        `yaml:"hash_salt"`
	StoreTimeout             time.Duration `yaml:"store_timeout"`
	AuthFailureWindowSeconds int           `yaml:"auth_failure_window_seconds"`
	MetricsNamespace         string        `yaml:"metrics_namespace"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Load loads configuration from the given file, falling back to
// defaults when it does not exist, then applies environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else {
		fmt.Fprintf(os.Stderr, "Config file not found, using environment variables and defaults\n")
	}

	cfg.overrideFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			Mode:            "debug",
			BasePath:        "/api",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logger: LoggerConfig{
			Level:      "info",
			OutputPath: "stdout",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            "5432",
			User:            "postgres",
			DBName:          "rategate",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		RateLimit: RateLimitConfig{
			Enabled:                  true,
			Backend:                  "memory",
			StoreTimeout:             2 * time.Second,
			AuthFailureWindowSeconds: 1800,
			MetricsNamespace:         "rategate",
		},
		Tracing: TracingConfig{
			ServiceName: "rategate",
		},
	}
}

func (c *Config) overrideFromEnv() {
	// Server
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if basePath := os.Getenv("SERVER_BASE_PATH"); basePath != "" {
		c.Server.BasePath = basePath
	}

	// Logger
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logger.Level = level
	}
	if outputPath := os.Getenv("LOG_OUTPUT_PATH"); outputPath != "" {
		c.Logger.OutputPath = outputPath
	}

	// Database
	if host := os.Getenv("DB_HOST"); host != "" {
		c.Database.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		c.Database.Port = port
	}
	if user := os.Getenv("DB_USER"); user != "" {
		c.Database.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		c.Database.Password = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		c.Database.DBName = dbname
	}

	// Redis
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if v, err := strconv.Atoi(db); err == nil {
			c.Redis.DB = v
		}
	}

	// JWT
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}

	// Rate limit
	if enabled := os.Getenv("RATE_LIMIT_ENABLED"); enabled != "" {
		c.RateLimit.Enabled = enabled == "true"
	}
	if backend := os.Getenv("RATE_LIMIT_BACKEND"); backend != "" {
		c.RateLimit.Backend = backend
	}
	if salt := os.Getenv("RATE_LIMIT_HASH_SALT"); salt != "" {
		c.RateLimit.HashSalt = salt
	}
	if timeout := os.Getenv("RATE_LIMIT_STORE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.RateLimit.StoreTimeout = d
		}
	}
	if window := os.Getenv("RATE_LIMIT_AUTH_FAILURE_WINDOW"); window != "" {
		if v, err := strconv.Atoi(window); err == nil {
			c.RateLimit.AuthFailureWindowSeconds = v
		}
	}

	// Tracing
	if enabled := os.Getenv("TRACING_ENABLED"); enabled != "" {
		c.Tracing.Enabled = enabled == "true"
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Tracing.OTLPEndpoint = endpoint
	}
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		c.Tracing.ServiceName = name
	}
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	switch c.RateLimit.Backend {
	case "memory", "gorm", "redis":
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == "gorm" {
		if c.Database.Host == "" || c.Database.Port == "" {
			return fmt.Errorf("database host and port are required for the gorm backend")
		}
		if c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database user and name are required for the gorm backend")
		}
	}
	if c.RateLimit.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required for the redis backend")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	// Hashing client IPs with an empty key defeats the point of the
	// salt, so a release build refuses to start without one.
	if c.Server.Mode == "release" && c.RateLimit.HashSalt == "" {
		return fmt.Errorf("rate limit hash salt is required in release mode")
	}
	return nil
}

// GetDSN returns the Postgres connection string.
func (c *DatabaseConfig) GetDSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslmode,
	)
}
