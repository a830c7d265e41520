package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/phenomenon0/prophetia/pkg/oracle/rewards"
	"github.com/shopspring/decimal"
)

const testResolver = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

// validConfig is Default with the resolver allow-list every deployment
// that requires attestations must set.
func validConfig() *Config {
	cfg := Default()
	cfg.Resolvers = testResolver
	return cfg
}

func TestDefaults(t *testing.T) {
	t.Setenv("PROPHETIA_RESOLVERS", testResolver)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.BonusMode != rewards.BonusInformational {
		t.Errorf("Expected informational bonus mode, got %s", cfg.BonusMode)
	}
	if cfg.ChainID != 137 {
		t.Errorf("Expected chain 137, got %d", cfg.ChainID)
	}
	if !cfg.RequireAttestation {
		t.Error("Expected attestations to be required by default")
	}
	if cfg.StreamBacklog != 32 || cfg.StreamHeartbeat != 30*time.Second {
		t.Errorf("Unexpected stream defaults %d %v", cfg.StreamBacklog, cfg.StreamHeartbeat)
	}
}

func TestFromEnv_RequireAttestationNeedsResolvers(t *testing.T) {
	t.Setenv("PROPHETIA_RESOLVERS", "")
	_, err := FromEnv()
	if err == nil || !strings.Contains(err.Error(), "RESOLVERS") {
		t.Fatalf("Expected missing resolvers error, got %v", err)
	}

	t.Setenv("PROPHETIA_REQUIRE_ATTESTATION", "false")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("Unsigned mode should load without resolvers: %v", err)
	}
	if cfg.RequireAttestation {
		t.Error("Expected attestations to be optional")
	}
}

func TestFromEnv_NegativeBacklog(t *testing.T) {
	t.Setenv("PROPHETIA_STREAM_BACKLOG", "-1")
	if _, err := FromEnv(); err == nil || !strings.Contains(err.Error(), "backlog") {
		t.Errorf("Expected backlog error, got %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PROPHETIA_HTTP_ADDR", ":9090")
	t.Setenv("PROPHETIA_LOG_PRETTY", "true")
	t.Setenv("PROPHETIA_BONUS_MODE", "pool_funded")
	t.Setenv("PROPHETIA_POLL_INTERVAL", "5s")
	t.Setenv("PROPHETIA_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("PROPHETIA_RATE_LIMIT_RPS", "2.5")
	t.Setenv("PROPHETIA_POOL_MAX_EXPOSURE_PCT", "25")
	t.Setenv("PROPHETIA_RESOLVERS", testResolver)
	t.Setenv("PROPHETIA_POLICY", "TIGHT")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || !cfg.LogPretty {
		t.Errorf("Unexpected http/log config %+v", cfg)
	}
	if cfg.BonusMode != rewards.BonusPoolFunded {
		t.Errorf("Expected pool_funded, got %s", cfg.BonusMode)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("Expected 5s, got %v", cfg.PollInterval)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("Unexpected origins %v", cfg.CORSOrigins)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Errorf("Expected 2.5 rps, got %v", cfg.RateLimitRPS)
	}
	if !cfg.PoolMaxExposurePct.Equal(decimal.NewFromInt(25)) {
		t.Errorf("Expected 25, got %s", cfg.PoolMaxExposurePct)
	}
	if cfg.Policy != "tight" {
		t.Errorf("Expected tight policy, got %s", cfg.Policy)
	}
}

func TestFromEnv_Malformed(t *testing.T) {
	t.Setenv("PROPHETIA_LOG_PRETTY", "maybe")
	t.Setenv("PROPHETIA_CHAIN_ID", "polygon")
	t.Setenv("PROPHETIA_BONUS_MODE", "double")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("Expected error for malformed values")
	}
	for _, key := range []string{"LOG_PRETTY", "CHAIN_ID", "BONUS_MODE"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("Expected error to mention %s: %v", key, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero poll", func(c *Config) { c.PollInterval = 0 }},
		{"bad policy", func(c *Config) { c.Policy = "loose" }},
		{"exposure", func(c *Config) { c.PoolMaxExposurePct = decimal.NewFromInt(120) }},
		{"burst", func(c *Config) { c.RateLimitBurst = 0 }},
		{"resolvers", func(c *Config) { c.Resolvers = "not-an-address" }},
		{"unsigned", func(c *Config) { c.Resolvers = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	if err := validConfig().Validate(); err != nil {
		t.Errorf("Defaults with resolvers should validate: %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("PROPHETIA_REDIS_CHANNEL=custom:events\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PROPHETIA_RESOLVERS", testResolver)
	// godotenv does not override existing variables; register cleanup first.
	t.Setenv("PROPHETIA_REDIS_CHANNEL", "")
	os.Unsetenv("PROPHETIA_REDIS_CHANNEL")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RedisChannel != "custom:events" {
		t.Errorf("Expected channel from .env, got %s", cfg.RedisChannel)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Missing .env should not fail: %v", err)
	}
}
