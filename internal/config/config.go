package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	environmentVariablePrefix = "ESCROW"
	configName                = "escrow"
	configType                = "yaml"
)

var environmentVariableReplace = strings.NewReplacer(".", "_")

// Config is the process configuration for the escrow kernel.
type Config struct {
	Env       string          `mapstructure:"env"`
	SecretKey string          `mapstructure:"secret_key"`
	DataDir   string          `mapstructure:"data_dir"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	DB        DBConfig        `mapstructure:"db"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Payments  PaymentsConfig  `mapstructure:"payments"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Skill     SkillConfig     `mapstructure:"skill"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr          string   `mapstructure:"addr"`
	CORSOrigins   []string `mapstructure:"cors_origins"`
	PublicBaseURL string   `mapstructure:"public_base_url"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"` // duckdb, sqlite, pgx or memory
	DSN    string `mapstructure:"dsn"`
}

type LedgerConfig struct {
	FeePercent string `mapstructure:"fee_percent"`
}

type WebhookConfig struct {
	RequireSecret bool          `mapstructure:"require_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	MaxAge        time.Duration `mapstructure:"max_age"`
}

type PaymentsConfig struct {
	// An empty BaseURL selects the in-process simulated backend.
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Currency   string        `mapstructure:"currency"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type JobsConfig struct {
	// DefaultWorkerTimeout is the deadline of worker jobs whose worker
	// reports no p90 completion time.
	DefaultWorkerTimeout time.Duration `mapstructure:"default_worker_timeout"`
}

type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Workers  int           `mapstructure:"workers"`
}

type SkillConfig struct {
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	BackupDir       string        `mapstructure:"backup_dir"`
	MaxForEachItems int           `mapstructure:"max_foreach_items"`
}

type RateLimitConfig struct {
	// An empty RedisAddr selects the in-process limiter.
	RedisAddr     string `mapstructure:"redis_addr"`
	JobsPerMinute int    `mapstructure:"jobs_per_minute"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	dataDir := filepath.Join(homeDir(), ".aule-escrow")

	v.SetDefault("env", "development")
	v.SetDefault("secret_key", "")
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.public_base_url", "http://localhost:8080")
	v.SetDefault("db.driver", "duckdb")
	v.SetDefault("db.dsn", filepath.Join(dataDir, "escrow.duckdb"))
	v.SetDefault("ledger.fee_percent", "10")
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.max_retries", 2)
	v.SetDefault("webhook.max_age", 5*time.Minute)
	v.SetDefault("payments.base_url", "")
	v.SetDefault("payments.api_key", "")
	v.SetDefault("payments.currency", "usd")
	v.SetDefault("payments.timeout", 15*time.Second)
	v.SetDefault("payments.max_retries", 2)
	v.SetDefault("jobs.default_worker_timeout", 24*time.Hour)
	v.SetDefault("sweep.interval", time.Minute)
	v.SetDefault("sweep.workers", 4)
	v.SetDefault("skill.default_timeout", 5*time.Minute)
	v.SetDefault("skill.backup_dir", filepath.Join(dataDir, "backups"))
	v.SetDefault("skill.max_foreach_items", 1000)
	v.SetDefault("ratelimit.redis_addr", "")
	v.SetDefault("ratelimit.jobs_per_minute", 30)
	v.SetDefault("log.level", "info")
}

// Load reads configuration from defaults, an optional YAML file and ESCROW_*
// environment variables, in increasing precedence. An empty path searches the
// working directory and ~/.aule-escrow for escrow.yaml; a missing file is
// only an error when path is given explicitly.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(environmentVariablePrefix)
	v.SetEnvKeyReplacer(environmentVariableReplace)
	v.SetTypeByDefaultValue(true)
	setDefaults(v)
	// No default: whether it was set decides the environment-based fallback.
	if err := v.BindEnv("webhook.require_secret"); err != nil {
		return Config{}, err
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(homeDir(), ".aule-escrow"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if !v.IsSet("webhook.require_secret") {
		cfg.Webhook.RequireSecret = cfg.IsProduction()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate rejects values the kernel cannot start with.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "duckdb", "sqlite", "pgx", "memory":
	default:
		return fmt.Errorf("db.driver %q: want duckdb, sqlite, pgx or memory", c.DB.Driver)
	}
	if c.DB.Driver != "memory" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required for driver %s", c.DB.Driver)
	}
	if _, err := c.FeePercent(); err != nil {
		return err
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	return nil
}

// FeePercent parses ledger.fee_percent. It must be in [0, 100).
func (c Config) FeePercent() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Ledger.FeePercent)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger.fee_percent %q: %w", c.Ledger.FeePercent, err)
	}
	if err := ValidateFeePercent(d); err != nil {
		return decimal.Zero, fmt.Errorf("ledger.fee_percent: %w", err)
	}
	return d, nil
}

func (c Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// ValidateFeePercent accepts [0, 100).
func ValidateFeePercent(d decimal.Decimal) error {
	if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("fee percent %s out of range [0, 100)", d.String())
	}
	return nil
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return h
	}
	return os.TempDir()
}
