package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// REFUNDSCOUT_SCAN_MAX_FETCH.
const EnvPrefix = "REFUNDSCOUT"

// LogConfig controls the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`

	// Development switches to the human readable console encoder.
	Development bool `mapstructure:"development" yaml:"development"`
}

// DatabaseConfig selects and configures the store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// Path is the SQLite database file.
	Path string `mapstructure:"path" yaml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `mapstructure:"dsn" yaml:"dsn"`

	MaxConns int32 `mapstructure:"max_conns" yaml:"max_conns"`
}

// VaultConfig holds the source of the credential vault secret.
type VaultConfig struct {
	// Secret is used as is when set.
	Secret string `mapstructure:"secret" yaml:"secret"`

	// UseKeyring loads the secret from the OS keyring, generating it on
	// first use, when Secret is empty.
	UseKeyring bool `mapstructure:"use_keyring" yaml:"use_keyring"`
}

// ScanConfig tunes a single mailbox scan.
type ScanConfig struct {
	LookbackDays int `mapstructure:"lookback_days" yaml:"lookback_days"`

	// MaxFetch caps how many of the most recent matches are fetched.
	MaxFetch int `mapstructure:"max_fetch" yaml:"max_fetch"`

	// FallbackThreshold keeps every fetched message when no more than this
	// many were found, skipping the priority domain filter.
	FallbackThreshold int `mapstructure:"fallback_threshold" yaml:"fallback_threshold"`

	DialTimeout    time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	LogoutTimeout  time.Duration `mapstructure:"logout_timeout" yaml:"logout_timeout"`

	// Timeout bounds a whole scan including persistence.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// PollerConfig controls scheduled scans.
type PollerConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`

	// StaleAfter releases connections left in syncing by a crashed process.
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

type CatalogConfig struct {
	// Path to a YAML catalog. Empty uses the built-in catalog.
	Path string `mapstructure:"path" yaml:"path"`
}

// ClassifierConfig points at the classification service.
type ClassifierConfig struct {
	Endpoint      string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	MinConfidence float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
}

// EventsConfig configures the AMQP publisher. An empty URL disables it.
type EventsConfig struct {
	AMQPURL  string `mapstructure:"amqp_url" yaml:"amqp_url"`
	Exchange string `mapstructure:"exchange" yaml:"exchange"`
}

// RedisConfig configures the cross-process scan lock. An empty Addr
// disables it.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint used by serve.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// ProviderServer overrides the IMAP server of a provider key.
type ProviderServer struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	// UserID owns connections linked from this installation.
	UserID string `mapstructure:"user_id" yaml:"user_id"`

	Log        LogConfig                 `mapstructure:"log" yaml:"log"`
	Database   DatabaseConfig            `mapstructure:"database" yaml:"database"`
	Vault      VaultConfig               `mapstructure:"vault" yaml:"vault"`
	Scan       ScanConfig                `mapstructure:"scan" yaml:"scan"`
	Poller     PollerConfig              `mapstructure:"poller" yaml:"poller"`
	Catalog    CatalogConfig             `mapstructure:"catalog" yaml:"catalog"`
	Classifier ClassifierConfig          `mapstructure:"classifier" yaml:"classifier"`
	Events     EventsConfig              `mapstructure:"events" yaml:"events"`
	Redis      RedisConfig               `mapstructure:"redis" yaml:"redis"`
	Metrics    MetricsConfig             `mapstructure:"metrics" yaml:"metrics"`
	Providers  map[string]ProviderServer `mapstructure:"providers" yaml:"providers"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/refundscout/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// DefaultDatabasePath returns ~/.config/refundscout/refundscout.db.
func DefaultDatabasePath() string {
	return filepath.Join(configDir(), "refundscout.db")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "refundscout")
}

// defaults lists every key so environment overrides resolve during
// Unmarshal.
func defaults() map[string]any {
	return map[string]any{
		"user_id":                   "local",
		"log.level":                 "info",
		"log.development":           false,
		"database.driver":           "sqlite",
		"database.path":             DefaultDatabasePath(),
		"database.dsn":              "",
		"database.max_conns":        int32(10),
		"vault.secret":              "",
		"vault.use_keyring":         true,
		"scan.lookback_days":        30,
		"scan.max_fetch":            50,
		"scan.fallback_threshold":   20,
		"scan.dial_timeout":         15 * time.Second,
		"scan.command_timeout":      30 * time.Second,
		"scan.logout_timeout":       5 * time.Second,
		"scan.timeout":              3 * time.Minute,
		"scan.insecure_skip_verify": false,
		"poller.interval":           30 * time.Minute,
		"poller.concurrency":        4,
		"poller.stale_after":        15 * time.Minute,
		"catalog.path":              "",
		"classifier.endpoint":       "",
		"classifier.timeout":        30 * time.Second,
		"classifier.batch_size":     25,
		"classifier.min_confidence": 0.7,
		"classifier.interval":       5 * time.Minute,
		"events.amqp_url":           "",
		"events.exchange":           "refundscout.events",
		"redis.addr":                "",
		"redis.password":            "",
		"redis.db":                  0,
		"redis.lock_ttl":            5 * time.Minute,
		"metrics.addr":              ":9090",
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper,
// then applies REFUNDSCOUT_* environment overrides. A missing file is not
// an error.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for k, val := range defaults() {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderServer{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a scan.
func (c *AppConfig) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, postgres", c.Database.Driver)
	}
	if c.Scan.LookbackDays <= 0 {
		return errors.New("scan.lookback_days must be positive")
	}
	if c.Scan.MaxFetch <= 0 {
		return errors.New("scan.max_fetch must be positive")
	}
	if c.Scan.FallbackThreshold < 0 {
		return errors.New("scan.fallback_threshold must not be negative")
	}
	if c.Poller.Concurrency <= 0 {
		return errors.New("poller.concurrency must be positive")
	}
	if c.Classifier.MinConfidence <= 0 || c.Classifier.MinConfidence > 1 {
		return errors.New("classifier.min_confidence must be within (0, 1]")
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed. The vault secret is never written.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	vault := cfg.Vault
	vault.Secret = ""

	v.Set("user_id", cfg.UserID)
	v.Set("log", cfg.Log)
	v.Set("database", cfg.Database)
	v.Set("vault", vault)
	v.Set("scan", cfg.Scan)
	v.Set("poller", cfg.Poller)
	v.Set("catalog", cfg.Catalog)
	v.Set("classifier", cfg.Classifier)
	v.Set("events", cfg.Events)
	v.Set("redis", cfg.Redis)
	v.Set("metrics", cfg.Metrics)
	v.Set("providers", cfg.Providers)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
