// Package config loads the exchange client configuration.
//
// Values come from, in increasing priority: built-in defaults, an optional
// YAML file, a .env file and SE_-prefixed environment variables. Nested keys
// map to variables by replacing dots with underscores, so chain.rpc_url is
// read from SE_CHAIN_RPC_URL.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"stockexchange/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "SE"

// DefaultContract is the deployed exchange on Sepolia.
const DefaultContract = "0x592823B2270ACD6f61727B375A762aD0F6453FFD"

// Config is the full client configuration.
type Config struct {
	Chain  ChainConfig  `mapstructure:"chain"`
	Wallet WalletConfig `mapstructure:"wallet"`
	Timing TimingConfig `mapstructure:"timing"`
	Tokens TokenConfig  `mapstructure:"tokens"`
	Log    LogConfig    `mapstructure:"log"`
	Health HealthConfig `mapstructure:"health"`
}

type ChainConfig struct {
	RPCURL   string `mapstructure:"rpc_url" validate:"required,url"`
	WSURL    string `mapstructure:"ws_url" validate:"omitempty,url"`
	ChainID  int64  `mapstructure:"chain_id" validate:"required,gt=0"`
	Contract string `mapstructure:"contract" validate:"required,eth_addr"`
}

type WalletConfig struct {
	// PrivateKeys are hex keys, the first one active. Never logged.
	PrivateKeys []string `mapstructure:"private_keys" validate:"required,min=1,dive,required"`

	// AutoApprove skips the interactive account prompt.
	AutoApprove bool `mapstructure:"auto_approve"`
}

type TimingConfig struct {
	QuietPeriod          time.Duration `mapstructure:"quiet_period" validate:"gt=0"`
	PriceRequestInterval time.Duration `mapstructure:"price_request_interval" validate:"gt=0"`
	DelayedRefresh       time.Duration `mapstructure:"delayed_refresh" validate:"gt=0"`
	ChainPollInterval    time.Duration `mapstructure:"chain_poll_interval" validate:"gt=0"`
	DirectoryConcurrency int           `mapstructure:"directory_concurrency" validate:"gt=0,lte=64"`
}

type TokenConfig struct {
	Backend string      `mapstructure:"backend" validate:"oneof=file redis"`
	File    string      `mapstructure:"file" validate:"required_if=Backend file"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Key      string `mapstructure:"key"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type HealthConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

var validate = validator.New()

// keys lists every setting so that each one can be bound to its variable.
var keys = []string{
	"chain.rpc_url", "chain.ws_url", "chain.chain_id", "chain.contract",
	"wallet.private_keys", "wallet.auto_approve",
	"timing.quiet_period", "timing.price_request_interval", "timing.delayed_refresh",
	"timing.chain_poll_interval", "timing.directory_concurrency",
	"tokens.backend", "tokens.file",
	"tokens.redis.addr", "tokens.redis.password", "tokens.redis.db", "tokens.redis.key",
	"log.level", "health.addr",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chain.rpc_url", "https://ethereum-sepolia-rpc.publicnode.com")
	v.SetDefault("chain.ws_url", "")
	v.SetDefault("chain.chain_id", model.SepoliaChainID)
	v.SetDefault("chain.contract", DefaultContract)

	v.SetDefault("wallet.private_keys", []string{})
	v.SetDefault("wallet.auto_approve", false)

	v.SetDefault("timing.quiet_period", 3*time.Second)
	v.SetDefault("timing.price_request_interval", 30*time.Second)
	v.SetDefault("timing.delayed_refresh", 10*time.Second)
	v.SetDefault("timing.chain_poll_interval", 12*time.Second)
	v.SetDefault("timing.directory_concurrency", 8)

	v.SetDefault("tokens.backend", "file")
	v.SetDefault("tokens.file", "sepolia-custom-tokens.json")
	v.SetDefault("tokens.redis.addr", "localhost:6379")
	v.SetDefault("tokens.redis.password", "")
	v.SetDefault("tokens.redis.db", 0)
	v.SetDefault("tokens.redis.key", "stockexchange:tokens")

	v.SetDefault("log.level", "info")
	v.SetDefault("health.addr", "")
}

// Load reads the configuration. path names an optional YAML file; envFiles
// are optional .env files, ".env" when none is given.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			log.Debug().Str("file", f).Msg("no env file, using process environment")
		}
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Tokens.Backend == "redis" && c.Tokens.Redis.Addr == "" {
		return errors.New("invalid config: tokens.redis.addr is required for the redis backend")
	}
	if c.Chain.ChainID != model.SepoliaChainID {
		return fmt.Errorf("invalid config: chain id %d is not supported, only Sepolia (%d)", c.Chain.ChainID, model.SepoliaChainID)
	}
	return nil
}

// ZerologLevel returns the configured level.
func (c *Config) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// MarshalZerologObject logs the configuration with secrets masked.
func (c *Config) MarshalZerologObject(e *zerolog.Event) {
	e.Str("rpc_url", c.Chain.RPCURL).
		Str("ws_url", c.Chain.WSURL).
		Int64("chain_id", c.Chain.ChainID).
		Str("contract", c.Chain.Contract).
		Int("keys", len(c.Wallet.PrivateKeys)).
		Bool("auto_approve", c.Wallet.AutoApprove).
		Dur("quiet_period", c.Timing.QuietPeriod).
		Dur("price_request_interval", c.Timing.PriceRequestInterval).
		Dur("delayed_refresh", c.Timing.DelayedRefresh).
		Str("token_backend", c.Tokens.Backend).
		Str("redis_addr", c.Tokens.Redis.Addr).
		Str("redis_password", mask(c.Tokens.Redis.Password)).
		Str("log_level", c.Log.Level).
		Str("health_addr", c.Health.Addr)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}
