package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"

	BackendSolana = "solana"
	BackendMemory = "memory"
)

// Config captures application runtime configuration loaded from environment
// variables, optionally layered over the file named by CONFIG_FILE.
type Config struct {
	AppName        string        `mapstructure:"app_name"`
	AppEnv         string        `mapstructure:"app_env"`
	Port           string        `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	DatabaseURL    string        `mapstructure:"database_url"`
	RedisURL       string        `mapstructure:"redis_url"`
	NATSURL        string        `mapstructure:"nats_url"`
	ShutdownPeriod time.Duration `mapstructure:"shutdown_timeout"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`

	SettlementBackend string        `mapstructure:"settlement_backend"`
	SettlementTimeout time.Duration `mapstructure:"settlement_timeout"`
	SolanaRPCURL      string        `mapstructure:"solana_rpc_url"`
	SolanaProgramID   string        `mapstructure:"solana_program_id"`
	SolanaTreasuryKey string        `mapstructure:"solana_treasury_keypair"`
	SolanaCommitment  string        `mapstructure:"solana_commitment"`

	ReconcileInterval   time.Duration `mapstructure:"reconcile_interval"`
	ReconcileGrace      time.Duration `mapstructure:"reconcile_grace"`
	LeaderboardCacheTTL time.Duration `mapstructure:"leaderboard_cache_ttl"`
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.SettlementBackend = strings.ToLower(cfg.SettlementBackend)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "custody-ledger")
	v.SetDefault("app_env", EnvDevelopment)
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("idempotency_ttl", 24*time.Hour)

	v.SetDefault("settlement_backend", BackendSolana)
	v.SetDefault("settlement_timeout", 30*time.Second)
	v.SetDefault("solana_commitment", "finalized")

	v.SetDefault("reconcile_interval", time.Minute)
	v.SetDefault("reconcile_grace", 5*time.Minute)
	v.SetDefault("leaderboard_cache_ttl", 30*time.Second)

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{"database_url", "redis_url", "nats_url", "solana_rpc_url", "solana_program_id", "solana_treasury_keypair"} {
		v.SetDefault(key, "")
	}
}

func (c Config) validate() error {
	var errs []error
	if !c.IsDev() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL must be set"))
		}
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL must be set"))
		}
	}
	switch c.SettlementBackend {
	case BackendMemory:
		if !c.IsDev() {
			errs = append(errs, errors.New("SETTLEMENT_BACKEND=memory is only allowed in development"))
		}
	case BackendSolana:
		if c.SolanaRPCURL == "" {
			errs = append(errs, errors.New("SOLANA_RPC_URL must be set"))
		}
		if c.SolanaProgramID == "" {
			errs = append(errs, errors.New("SOLANA_PROGRAM_ID must be set"))
		}
		if c.SolanaTreasuryKey == "" {
			errs = append(errs, errors.New("SOLANA_TREASURY_KEYPAIR must be set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SETTLEMENT_BACKEND %q", c.SettlementBackend))
	}
	if c.SettlementTimeout <= 0 {
		errs = append(errs, errors.New("SETTLEMENT_TIMEOUT must be positive"))
	}
	if c.ReconcileGrace <= c.SettlementTimeout {
		errs = append(errs, errors.New("RECONCILE_GRACE must be longer than SETTLEMENT_TIMEOUT"))
	}
	return errors.Join(errs...)
}

// IsDev reports whether the process runs in development mode.
func (c Config) IsDev() bool {
	return c.AppEnv == EnvDevelopment || c.AppEnv == "dev"
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}
