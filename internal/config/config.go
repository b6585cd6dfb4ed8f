// Package config defines all configuration for the chain engine and keeper.
// Config is built from Defaults(), an optional YAML file and CHAIN_*
// environment variables, plus the plain PORT, DATABASE_URL and REDIS_URL
// variables most deployments already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/chain-engine/internal/model"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Keeper   KeeperConfig   `mapstructure:"keeper"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API.
//
//   - RateLimit: sustained requests per second per client IP on mutating routes.
//   - RateBurst: token bucket size for the same limiter.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// DatabaseConfig selects PostgreSQL. An empty URL runs the in-memory store.
type DatabaseConfig struct {
	URL           string `mapstructure:"url"`
	MaxConns      int    `mapstructure:"max_conns"`
	RunMigrations bool   `mapstructure:"run_migrations"`
}

// RedisConfig enables the trade-history cache and the event publisher.
// An empty URL disables both.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Channel  string        `mapstructure:"channel"`
	Stream   string        `mapstructure:"stream"`
}

// ProtocolConfig holds the protocol constants, fixed at deploy. Rates are in
// basis points; FixedFee is a decimal string in base-token units.
// Resolvers are accounts allowed to resolve any opportunity besides its creator.
type ProtocolConfig struct {
	LTV                int64    `mapstructure:"ltv_bps"`
	FixedFee           string   `mapstructure:"fixed_fee"`
	Hysteresis         int64    `mapstructure:"hysteresis_bps"`
	LiquidationPenalty int64    `mapstructure:"liquidation_penalty_bps"`
	ProtocolFeeRate    int64    `mapstructure:"protocol_fee_rate_bps"`
	LPRewardRate       int64    `mapstructure:"lp_reward_rate_bps"`
	InterestRate       int64    `mapstructure:"interest_rate_bps"`
	BaseToken          string   `mapstructure:"base_token"`
	Resolvers          []string `mapstructure:"resolvers"`
}

// KeeperConfig tunes the external liquidator.
//
//   - APIURL: base URL of the engine server, e.g. http://localhost:8080.
//   - Account: hex address the keeper acts as (receives liquidation rewards).
//   - MinPenalty: skip chains whose previewed funded penalty is below this amount.
//   - RateLimit: max API calls per second.
type KeeperConfig struct {
	APIURL       string        `mapstructure:"api_url"`
	Account      string        `mapstructure:"account"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MinPenalty   string        `mapstructure:"min_penalty"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	Retries      int           `mapstructure:"retries"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Defaults returns the built-in configuration, including the deployed
// protocol constants.
func Defaults() Config {
	p := model.DefaultParams()
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
		},
		Database: DatabaseConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: 30 * time.Second,
			Channel:  "chain-engine:events",
			Stream:   "chain-engine:events:stream",
		},
		Protocol: ProtocolConfig{
			LTV:                p.LTV,
			FixedFee:           p.FixedFee.String(),
			Hysteresis:         p.Hysteresis,
			LiquidationPenalty: p.LiquidationPenalty,
			ProtocolFeeRate:    p.ProtocolFeeRate,
			LPRewardRate:       p.LPRewardRate,
			InterestRate:       p.InterestRate,
			BaseToken:          p.BaseToken,
			Resolvers:          []string{},
		},
		Keeper: KeeperConfig{
			APIURL:       "http://localhost:8080",
			PollInterval: 15 * time.Second,
			MinPenalty:   "0",
			RateLimit:    5,
			Retries:      3,
			Timeout:      10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads config from an optional YAML file with env var overrides.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	// Silently ignore a missing .env.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, Defaults())
	v.SetEnvPrefix("CHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Plain deployment variables win over CHAIN_*.
	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.Server.Port = n
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("database.run_migrations", d.Database.RunMigrations)

	v.SetDefault("redis.url", d.Redis.URL)
	v.SetDefault("redis.cache_ttl", d.Redis.CacheTTL)
	v.SetDefault("redis.channel", d.Redis.Channel)
	v.SetDefault("redis.stream", d.Redis.Stream)

	v.SetDefault("protocol.ltv_bps", d.Protocol.LTV)
	v.SetDefault("protocol.fixed_fee", d.Protocol.FixedFee)
	v.SetDefault("protocol.hysteresis_bps", d.Protocol.Hysteresis)
	v.SetDefault("protocol.liquidation_penalty_bps", d.Protocol.LiquidationPenalty)
	v.SetDefault("protocol.protocol_fee_rate_bps", d.Protocol.ProtocolFeeRate)
	v.SetDefault("protocol.lp_reward_rate_bps", d.Protocol.LPRewardRate)
	v.SetDefault("protocol.interest_rate_bps", d.Protocol.InterestRate)
	v.SetDefault("protocol.base_token", d.Protocol.BaseToken)
	v.SetDefault("protocol.resolvers", d.Protocol.Resolvers)

	v.SetDefault("keeper.api_url", d.Keeper.APIURL)
	v.SetDefault("keeper.account", d.Keeper.Account)
	v.SetDefault("keeper.poll_interval", d.Keeper.PollInterval)
	v.SetDefault("keeper.min_penalty", d.Keeper.MinPenalty)
	v.SetDefault("keeper.rate_limit", d.Keeper.RateLimit)
	v.SetDefault("keeper.retries", d.Keeper.Retries)
	v.SetDefault("keeper.timeout", d.Keeper.Timeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate checks value ranges for the server and protocol sections.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535"))
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst <= 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit and server.rate_burst must be > 0"))
	}
	if err := c.Protocol.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text"))
	}
	return errors.Join(errs...)
}

// Validate checks the protocol constants.
func (p ProtocolConfig) Validate() error {
	var errs []error
	if p.LTV <= 0 || p.LTV > 10000 {
		errs = append(errs, fmt.Errorf("protocol.ltv_bps must be in 1..10000"))
	}
	fee, err := decimal.NewFromString(p.FixedFee)
	if err != nil || fee.IsNegative() {
		errs = append(errs, fmt.Errorf("protocol.fixed_fee must be a non-negative decimal"))
	}
	if p.Hysteresis < 0 || p.Hysteresis >= 10000 {
		errs = append(errs, fmt.Errorf("protocol.hysteresis_bps must be in 0..9999"))
	}
	for name, v := range map[string]int64{
		"liquidation_penalty_bps": p.LiquidationPenalty,
		"protocol_fee_rate_bps":   p.ProtocolFeeRate,
		"lp_reward_rate_bps":      p.LPRewardRate,
		"interest_rate_bps":       p.InterestRate,
	} {
		if v < 0 || v > 10000 {
			errs = append(errs, fmt.Errorf("protocol.%s must be in 0..10000", name))
		}
	}
	if p.ProtocolFeeRate+p.LPRewardRate > 10000 {
		errs = append(errs, fmt.Errorf("protocol fee and LP reward together exceed the losing pool"))
	}
	if strings.TrimSpace(p.BaseToken) == "" {
		errs = append(errs, fmt.Errorf("protocol.base_token is required"))
	}
	for _, r := range p.Resolvers {
		if !common.IsHexAddress(r) {
			errs = append(errs, fmt.Errorf("protocol.resolvers: %q is not a hex address", r))
		}
	}
	return errors.Join(errs...)
}

// Params converts the protocol section to engine parameters. Call Validate first.
func (p ProtocolConfig) Params() model.Params {
	fee, _ := decimal.NewFromString(p.FixedFee)
	return model.Params{
		LTV:                p.LTV,
		FixedFee:           fee,
		Hysteresis:         p.Hysteresis,
		LiquidationPenalty: p.LiquidationPenalty,
		ProtocolFeeRate:    p.ProtocolFeeRate,
		LPRewardRate:       p.LPRewardRate,
		InterestRate:       p.InterestRate,
		BaseToken:          p.BaseToken,
	}
}

// ResolverAddresses returns the configured resolvers as addresses.
func (p ProtocolConfig) ResolverAddresses() []model.Address {
	out := make([]model.Address, 0, len(p.Resolvers))
	for _, r := range p.Resolvers {
		out = append(out, common.HexToAddress(r))
	}
	return out
}
