// Package config loads oracled settings from .env files and PROPHETIA_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/phenomenon0/prophetia/pkg/eth"
	"github.com/phenomenon0/prophetia/pkg/oracle/rewards"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Prefix is prepended to every environment key.
const Prefix = "PROPHETIA_"

// Config holds all daemon configuration.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	DatabaseURL  string
	RedisURL     string
	RedisChannel string

	ResolverURL   string
	ResolverWSURL string
	// Resolvers is the comma separated allow-list of attestation signers.
	// It must be set while RequireAttestation is on.
	Resolvers          string
	ChainID            int64
	RequireAttestation bool
	ReceiptSecret      string

	BonusMode    rewards.BonusMode
	PollInterval time.Duration
	Policy       string // "default" or "tight"

	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int

	// StreamBacklog events are replayed to new WebSocket subscribers.
	StreamBacklog   int
	StreamHeartbeat time.Duration

	PoolMaxExposurePct decimal.Decimal
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		HTTPAddr:           ":8080",
		LogLevel:           "info",
		RedisChannel:       "prophetia:events",
		ChainID:            eth.DefaultChainID,
		RequireAttestation: true,
		BonusMode:          rewards.BonusInformational,
		PollInterval:       30 * time.Second,
		Policy:             "default",
		RateLimitRPS:       20,
		RateLimitBurst:     40,
		StreamBacklog:      32,
		StreamHeartbeat:    30 * time.Second,
		PoolMaxExposurePct: decimal.NewFromInt(10),
	}
}

// Load reads .env files (default ".env") into the environment and then
// applies PROPHETIA_* variables over the defaults. A missing .env file is
// not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		log.Warn().Msg(".env file not found, relying on actual environment variables")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	cfg := Default()
	p := &parser{}

	cfg.HTTPAddr = p.str("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = p.str("LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = p.boolean("LOG_PRETTY", cfg.LogPretty)

	cfg.DatabaseURL = p.str("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = p.str("REDIS_URL", cfg.RedisURL)
	cfg.RedisChannel = p.str("REDIS_CHANNEL", cfg.RedisChannel)

	cfg.ResolverURL = p.str("RESOLVER_URL", cfg.ResolverURL)
	cfg.ResolverWSURL = p.str("RESOLVER_WS_URL", cfg.ResolverWSURL)
	cfg.Resolvers = p.str("RESOLVERS", cfg.Resolvers)
	cfg.ChainID = p.int64("CHAIN_ID", cfg.ChainID)
	cfg.RequireAttestation = p.boolean("REQUIRE_ATTESTATION", cfg.RequireAttestation)
	cfg.ReceiptSecret = p.str("RECEIPT_SECRET", cfg.ReceiptSecret)

	if raw, ok := lookup("BONUS_MODE"); ok {
		mode, err := rewards.ParseBonusMode(raw)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%sBONUS_MODE: %w", Prefix, err))
		}
		cfg.BonusMode = mode
	}
	cfg.PollInterval = p.duration("POLL_INTERVAL", cfg.PollInterval)
	cfg.Policy = strings.ToLower(p.str("POLICY", cfg.Policy))

	if raw, ok := lookup("CORS_ORIGINS"); ok {
		cfg.CORSOrigins = splitList(raw)
	}
	cfg.RateLimitRPS = p.float("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = int(p.int64("RATE_LIMIT_BURST", int64(cfg.RateLimitBurst)))
	cfg.StreamBacklog = int(p.int64("STREAM_BACKLOG", int64(cfg.StreamBacklog)))
	cfg.StreamHeartbeat = p.duration("STREAM_HEARTBEAT", cfg.StreamHeartbeat)
	cfg.PoolMaxExposurePct = p.decimal("POOL_MAX_EXPOSURE_PCT", cfg.PoolMaxExposurePct)

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.Policy != "default" && c.Policy != "tight" {
		errs = append(errs, fmt.Errorf("unknown policy %q", c.Policy))
	}
	if c.PoolMaxExposurePct.IsNegative() || c.PoolMaxExposurePct.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("pool max exposure %s must be between 0 and 100", c.PoolMaxExposurePct))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("rate limit burst must be at least 1"))
	}
	if c.StreamBacklog < 0 {
		errs = append(errs, errors.New("stream backlog must not be negative"))
	}
	if c.Resolvers != "" {
		if _, err := eth.ParseAddresses(c.Resolvers); err != nil {
			errs = append(errs, fmt.Errorf("resolvers: %w", err))
		}
	} else if c.RequireAttestation {
		errs = append(errs, fmt.Errorf("attestations are required but no resolvers are configured: set %sRESOLVERS or %sREQUIRE_ATTESTATION=false", Prefix, Prefix))
	}
	return errors.Join(errs...)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(Prefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects malformed values instead of silently falling back.
type parser struct {
	errs []error
}

func (p *parser) fail(key, raw string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s%s=%q: %w", Prefix, key, raw, err))
}

func (p *parser) str(key, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

func (p *parser) boolean(key string, def bool) bool {
	raw, ok := lookup(key)
	if !ok {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) int64(key string, def int64) int64 {
	raw, ok := lookup(key)
	if !ok {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	raw, ok := lookup(key)
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw, ok := lookup(key)
	if !ok {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) decimal(key string, def decimal.Decimal) decimal.Decimal {
	raw, ok := lookup(key)
	if !ok {
		return def
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}
