package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Matching modes. Strict pairs equal amounts and tenors at the midpoint rate,
// flexible pairs any crossing orders at the supply rate.
const (
	ModeStrict   = "strict"
	ModeFlexible = "flexible"
)

// Settlement forms.
const (
	SettlementAuthority = "authority"
	SettlementDirect    = "direct"
)

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	// RateLimit is a limiter rate such as "100-M" applied per client IP to authenticated routes.
	RateLimit string `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// DatabaseConfig points at the indexed read store (the ledger projection).
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver" yaml:"driver"` // postgres or sqlite
	DSN             string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"` // seconds
	AutoMigrate     bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// LedgerConfig configures the ledger write client.
type LedgerConfig struct {
	// URL of the ledger JSON API, or "memory" for the in-process ledger.
	URL           string        `mapstructure:"url" yaml:"url"`
	ApplicationID string        `mapstructure:"application_id" yaml:"application_id"`
	PlatformParty string        `mapstructure:"platform_party" yaml:"platform_party"`
	Token         string        `mapstructure:"token" yaml:"token"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// MatchingConfig tunes the matching scheduler.
type MatchingConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Mode          string        `mapstructure:"mode" yaml:"mode"`
	Settlement    string        `mapstructure:"settlement" yaml:"settlement"` // empty picks the mode default
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	RatePrecision int32         `mapstructure:"rate_precision" yaml:"rate_precision"`
	Concurrency   int           `mapstructure:"concurrency" yaml:"concurrency"`
}

// ResolverConfig tunes identifier resolution.
type ResolverConfig struct {
	DefaultPrefix string `mapstructure:"default_prefix" yaml:"default_prefix"`
	SuffixLength  int    `mapstructure:"suffix_length" yaml:"suffix_length"`
}

// ConsistencyConfig tunes read-after-write retries against the read store.
type ConsistencyConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
}

// RedisConfig enables the cross-replica matching lock when Address is set.
type RedisConfig struct {
	Address  string        `mapstructure:"address" yaml:"address"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	LockKey  string        `mapstructure:"lock_key" yaml:"lock_key"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// KafkaConfig enables match event publication when Brokers is non-empty.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// AuthConfig holds the bearer token verification secret.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	AdminRole string `mapstructure:"admin_role" yaml:"admin_role"`
}

// TelemetryConfig switches on the OpenTelemetry stdout exporters.
type TelemetryConfig struct {
	Tracing bool `mapstructure:"tracing" yaml:"tracing"`
	Metrics bool `mapstructure:"metrics" yaml:"metrics"`
}

// Config represents the application configuration
type Config struct {
	LogLevel    string            `mapstructure:"log_level" yaml:"log_level"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Ledger      LedgerConfig      `mapstructure:"ledger" yaml:"ledger"`
	Matching    MatchingConfig    `mapstructure:"matching" yaml:"matching"`
	Resolver    ResolverConfig    `mapstructure:"resolver" yaml:"resolver"`
	Consistency ConsistencyConfig `mapstructure:"consistency" yaml:"consistency"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka" yaml:"kafka"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
}

// SettlementForm returns the configured settlement form, falling back to the
// mode's default (strict settles through the authority, flexible directly).
func (m MatchingConfig) SettlementForm() string {
	if m.Settlement != "" {
		return m.Settlement
	}
	if m.Mode == ModeStrict {
		return SettlementAuthority
	}
	return SettlementDirect
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.rate_limit", "600-M")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=pqs password=pqs dbname=pqs port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("ledger.url", "memory")
	v.SetDefault("ledger.application_id", "denver-backend")
	v.SetDefault("ledger.platform_party", "platform::1220")
	v.SetDefault("ledger.token", "")
	v.SetDefault("ledger.write_timeout", 10*time.Second)

	v.SetDefault("matching.enabled", true)
	v.SetDefault("matching.mode", ModeFlexible)
	v.SetDefault("matching.settlement", "")
	v.SetDefault("matching.interval", 2*time.Second)
	v.SetDefault("matching.rate_precision", 4)
	v.SetDefault("matching.concurrency", 1)

	v.SetDefault("resolver.default_prefix", "1")
	v.SetDefault("resolver.suffix_length", 64)

	v.SetDefault("consistency.max_attempts", 3)
	v.SetDefault("consistency.initial_delay", 500*time.Millisecond)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_key", "denver:matching:lock")
	v.SetDefault("redis.lock_ttl", 30*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "denver.matches")
	v.SetDefault("kafka.write_timeout", 5*time.Second)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.admin_role", "admin")

	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.metrics", false)
}

// LoadConfig merges every existing YAML file among paths over the defaults,
// then overlays DENVER_* environment variables.
func LoadConfig(logger *zap.Logger, paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix("DENVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if len(paths) == 0 {
		paths = []string{"./config.yaml", "./configs/config.yaml", "/etc/denver/config.yaml"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			logger.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		logger.Info("Loaded configuration file", zap.String("path", path))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Matching.Mode {
	case ModeStrict, ModeFlexible:
	default:
		return fmt.Errorf("matching.mode must be %q or %q, got %q", ModeStrict, ModeFlexible, c.Matching.Mode)
	}
	switch c.Matching.Settlement {
	case "", SettlementAuthority, SettlementDirect:
	default:
		return fmt.Errorf("matching.settlement must be %q or %q, got %q", SettlementAuthority, SettlementDirect, c.Matching.Settlement)
	}
	if c.Matching.Interval <= 0 {
		return fmt.Errorf("matching.interval must be positive")
	}
	if c.Matching.RatePrecision < 0 {
		return fmt.Errorf("matching.rate_precision must not be negative")
	}
	if c.Matching.Concurrency < 1 {
		return fmt.Errorf("matching.concurrency must be at least 1")
	}
	if c.Resolver.SuffixLength < 1 {
		return fmt.Errorf("resolver.suffix_length must be at least 1")
	}
	if c.Consistency.MaxAttempts < 0 {
		return fmt.Errorf("consistency.max_attempts must not be negative")
	}
	if c.Ledger.PlatformParty == "" {
		return fmt.Errorf("ledger.platform_party is required")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	return nil
}
