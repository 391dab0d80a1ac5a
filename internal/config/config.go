// Package config loads service configuration from YAML with environment
// overrides.
//
// Loading order:
//  1. built-in defaults
//  2. YAML file (optional)
//  3. TENANTGATE_* environment variables
//  4. validation
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tenantgate.org/internal/auth"
)

const envPrefix = "TENANTGATE_"

type Config struct {
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	RabbitMQ    RabbitMQConfig  `yaml:"rabbitmq"`
	JWT         JWTConfig       `yaml:"jwt"`
	Throttle    ThrottleConfig  `yaml:"throttle"`
	Recovery    RecoveryConfig  `yaml:"recovery"`
	Authz       AuthzConfig     `yaml:"authz"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Logger      LoggerConfig    `yaml:"logger"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig selects the credential store. An empty DSN keeps everything
// in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RabbitMQConfig enables broker delivery of recovery messages when URL is set.
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

type JWTConfig struct {
	AccessSecret  string        `yaml:"access_secret"`
	RefreshSecret string        `yaml:"refresh_secret"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
}

// ThrottleConfig chooses where failed-login counters live: "memory" or "redis".
type ThrottleConfig struct {
	Backend       string        `yaml:"backend"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BlockDuration time.Duration `yaml:"block_duration"`
	Window        time.Duration `yaml:"window"`
}

// RecoveryConfig.MinResponse pads forgot-password responses to a fixed
// minimum so known and unknown accounts answer in the same time.
type RecoveryConfig struct {
	TokenTTL    time.Duration `yaml:"token_ttl"`
	MinResponse time.Duration `yaml:"min_response"`
}

// AuthzConfig.AdminDenyOverride lets explicit denials bind tenant admins too.
type AuthzConfig struct {
	AdminDenyOverride bool `yaml:"admin_deny_override"`
}

// RateLimitConfig bounds per-IP request rate on credential endpoints.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// LoggerConfig.Format is "json" or "console"; empty follows the environment.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing else is supplied.
func Default() *Config {
	return &Config{
		Environment: "dev",
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		RabbitMQ: RabbitMQConfig{
			Exchange:   "tenantgate.notifications",
			RoutingKey: "recovery.issued",
		},
		JWT: JWTConfig{
			AccessTTL:  time.Hour,
			RefreshTTL: 30 * 24 * time.Hour,
		},
		Throttle: ThrottleConfig{
			Backend:       "memory",
			MaxAttempts:   5,
			BlockDuration: 15 * time.Minute,
			Window:        15 * time.Minute,
		},
		Recovery: RecoveryConfig{
			TokenTTL:    time.Hour,
			MinResponse: 250 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 1,
			Burst:     10,
		},
		Logger: LoggerConfig{
			Level: "info",
		},
	}
}

// Load reads path (when non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	str("ENV", &cfg.Environment)
	str("HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("GRPC_ADDR", &cfg.Server.GRPCAddr)
	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok && v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	str("PG_DSN", &cfg.Database.DSN)
	num("PG_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)
	str("RABBITMQ_URL", &cfg.RabbitMQ.URL)
	str("RABBITMQ_EXCHANGE", &cfg.RabbitMQ.Exchange)
	str("JWT_ACCESS_SECRET", &cfg.JWT.AccessSecret)
	str("JWT_REFRESH_SECRET", &cfg.JWT.RefreshSecret)
	dur("JWT_ACCESS_TTL", &cfg.JWT.AccessTTL)
	dur("JWT_REFRESH_TTL", &cfg.JWT.RefreshTTL)
	str("THROTTLE_BACKEND", &cfg.Throttle.Backend)
	num("THROTTLE_MAX_ATTEMPTS", &cfg.Throttle.MaxAttempts)
	dur("THROTTLE_BLOCK_DURATION", &cfg.Throttle.BlockDuration)
	dur("RECOVERY_TOKEN_TTL", &cfg.Recovery.TokenTTL)
	dur("RECOVERY_MIN_RESPONSE", &cfg.Recovery.MinResponse)
	flag("AUTHZ_ADMIN_DENY_OVERRIDE", &cfg.Authz.AdminDenyOverride)
	str("LOG_LEVEL", &cfg.Logger.Level)
	str("LOG_FORMAT", &cfg.Logger.Format)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks startup preconditions. Every problem found is reported.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case "dev", "test", "staging", "prod":
	default:
		errs = append(errs, fmt.Errorf("environment %q is not one of dev, test, staging, prod", c.Environment))
	}
	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	if err := auth.ValidateSecrets(c.JWT.AccessSecret, c.JWT.RefreshSecret); err != nil {
		errs = append(errs, fmt.Errorf("jwt: %w", err))
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		errs = append(errs, errors.New("jwt ttls must be positive"))
	}
	switch c.Throttle.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("throttle backend redis requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("throttle.backend %q must be memory or redis", c.Throttle.Backend))
	}
	if c.Throttle.MaxAttempts < 1 {
		errs = append(errs, errors.New("throttle.max_attempts must be at least 1"))
	}
	if c.Recovery.TokenTTL <= 0 {
		errs = append(errs, errors.New("recovery.token_ttl must be positive"))
	}
	if c.Recovery.MinResponse < 0 {
		errs = append(errs, errors.New("recovery.min_response must not be negative"))
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	return errors.Join(errs...)
}

// IsDev reports whether the service runs in local development mode.
func (c *Config) IsDev() bool { return c.Environment == "dev" }
