package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/quantfold/marketbias/internal/factors/ingest"
	"github.com/quantfold/marketbias/internal/infrastructure/db"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	BearerToken    string        `yaml:"bearer_token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RedisConfig holds the KV backend settings. Disabled falls back to the
// in-process store, which loses state on restart.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProvidersConfig holds external data provider credentials.
type ProvidersConfig struct {
	FREDAPIKey string `yaml:"fred_api_key"`
}

// BiasConfig holds the composite engine settings.
type BiasConfig struct {
	// FactorTablePath overrides the built-in factor table when set.
	FactorTablePath string `yaml:"factor_table_path"`

	// Manual carries the hand-maintained inputs (sell-side indicator,
	// CAPE) that have no API.
	Manual ingest.ManualValues `yaml:"manual"`
}

// ScannerConfig holds the signal scanner settings.
type ScannerConfig struct {
	// Cooldown suppresses duplicate signals per symbol and type.
	Cooldown time.Duration `yaml:"cooldown"`

	// CryptoEnabled adds the 24/7 crypto scan loop.
	CryptoEnabled bool `yaml:"crypto_enabled"`
}

// ScheduleConfig holds the cron specs, all in Eastern time.
type ScheduleConfig struct {
	IntradayFactors string `yaml:"intraday_factors"`
	SwingFactors    string `yaml:"swing_factors"`
	MacroFactors    string `yaml:"macro_factors"`
	Scan            string `yaml:"scan"`
	CryptoScan      string `yaml:"crypto_scan"`
	Outcomes        string `yaml:"outcomes"`
	Heartbeat       string `yaml:"heartbeat"`
}

// LogConfig holds the logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the full application configuration: YAML file with
// environment overrides for secrets.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  db.Config       `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
	Bias      BiasConfig      `yaml:"bias"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8090",
			RequestTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Database: db.DefaultConfig(),
		Scanner: ScannerConfig{
			Cooldown: 4 * time.Hour,
		},
		Schedule: ScheduleConfig{
			IntradayFactors: "*/5 9-16 * * 1-5",
			SwingFactors:    "45 9 * * 1-5",
			MacroFactors:    "50 9 * * 1-5",
			Scan:            "*/15 9-16 * * 1-5",
			CryptoScan:      "*/30 * * * *",
			Outcomes:        "5 * * * *",
			Heartbeat:       "*/5 * * * *",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in precedence order: defaults, then the YAML
// file when path is non-empty, then environment variables. A .env file
// in the working directory is folded into the environment first.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv folds secret-bearing environment variables over the file
// values. Only settings that belong in the environment are mapped.
func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "MB_ADDR")
	setString(&c.Server.BearerToken, "MB_BEARER_TOKEN")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setBool(&c.Redis.Enabled, "REDIS_ENABLED")
	setInt(&c.Redis.DB, "REDIS_DB")
	setString(&c.Database.DSN, "PG_DSN")
	setBool(&c.Database.Enabled, "PG_ENABLED")
	setString(&c.Providers.FREDAPIKey, "FRED_API_KEY")
	setString(&c.Log.Level, "MB_LOG_LEVEL")
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when the database is enabled")
	}
	if c.Scanner.Cooldown < 0 {
		return fmt.Errorf("scanner.cooldown cannot be negative")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
