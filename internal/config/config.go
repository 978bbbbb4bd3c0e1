// Package config loads service configuration from an optional YAML file,
// a .env file and DEFI_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: server.http_addr is DEFI_SERVER_HTTP_ADDR.
const EnvPrefix = "DEFI"

// Backend names.
const (
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendRedis      = "redis"
	BackendClickhouse = "clickhouse"
	BackendNone       = "none"

	ClockSystem = "system"
	ClockChain  = "chain"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Clickhouse ClickhouseConfig `mapstructure:"clickhouse"`
	Solana     SolanaConfig     `mapstructure:"solana"`
	Clock      ClockConfig      `mapstructure:"clock"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type LedgerConfig struct {
	ProgramID   string `mapstructure:"program_id"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// StorageConfig selects the backends.
type StorageConfig struct {
	Accounts string `mapstructure:"accounts"` // memory | postgres | redis
	Activity string `mapstructure:"activity"` // memory | clickhouse | none
}

type PostgresConfig struct {
	DSN            string        `mapstructure:"dsn"`
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type ClickhouseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SolanaConfig struct {
	RPCURL     string        `mapstructure:"rpc_url"`
	WSURL      string        `mapstructure:"ws_url"`
	Commitment string        `mapstructure:"commitment"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type ClockConfig struct {
	Source string `mapstructure:"source"` // system | chain
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Spec    string `mapstructure:"spec"`
}

// Load reads configuration. An empty path skips the YAML file.
// A .env file in the working directory is loaded if present.
func Load(path string) (Config, error) {
	// best-effort: real environment wins over .env
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Every key needs a default for AutomaticEnv to reach it through Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)

	v.SetDefault("ledger.program_id", "CdH2ymLMr7RyYcd1nyDZm59DRv6JgrtzuAxoH7STFvnm")
	v.SetDefault("ledger.max_attempts", 3)

	v.SetDefault("storage.accounts", BackendMemory)
	v.SetDefault("storage.activity", BackendMemory)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 0)
	v.SetDefault("postgres.connect_timeout", "5s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "defi")

	v.SetDefault("clickhouse.dsn", "")

	v.SetDefault("solana.rpc_url", "https://api.devnet.solana.com")
	v.SetDefault("solana.ws_url", "wss://api.devnet.solana.com")
	v.SetDefault("solana.commitment", "confirmed")
	v.SetDefault("solana.timeout", "30s")

	v.SetDefault("clock.source", ClockSystem)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "defi-tools")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.spec", "0 */5 * * * *")
}

// Validate checks backend names and the settings each backend requires.
func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Accounts {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required for postgres accounts"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.accounts %q", c.Storage.Accounts))
	}

	switch c.Storage.Activity {
	case BackendMemory, BackendNone:
	case BackendClickhouse:
		if c.Clickhouse.DSN == "" {
			errs = append(errs, errors.New("clickhouse.dsn is required for clickhouse activity"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.activity %q", c.Storage.Activity))
	}

	switch c.Clock.Source {
	case ClockSystem:
	case ClockChain:
		if c.Solana.RPCURL == "" {
			errs = append(errs, errors.New("solana.rpc_url is required for the chain clock"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown clock.source %q", c.Clock.Source))
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 bytes"))
	}
	if c.Ledger.MaxAttempts < 1 {
		errs = append(errs, errors.New("ledger.max_attempts must be positive"))
	}

	return errors.Join(errs...)
}
