package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const payTo = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PAY_TO_ADDRESS", payTo)
	t.Setenv("ADMIN_KEY", "admin-secret")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 4402 {
		t.Fatalf("default port: %d", cfg.Port)
	}
	if cfg.Network != "base-sepolia" {
		t.Fatalf("default network: %s", cfg.Network)
	}
	if cfg.ReplayTTL != 5*time.Minute {
		t.Fatalf("default replay ttl: %s", cfg.ReplayTTL)
	}
	if cfg.RateLimitPerMin != 100 {
		t.Fatalf("default rate limit: %f", cfg.RateLimitPerMin)
	}
	if cfg.Domain() != "" {
		t.Fatalf("domain should be empty until configured: %s", cfg.Domain())
	}
}

func TestAdminKeyOptional(t *testing.T) {
	t.Setenv("PAY_TO_ADDRESS", payTo)
	t.Setenv("ADMIN_KEY", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load without admin key: %v", err)
	}
	if cfg.AdminEnabled() {
		t.Fatalf("empty admin key must disable the admin surface")
	}
	t.Setenv("ADMIN_KEY", "admin-secret")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.AdminEnabled() {
		t.Fatalf("admin key set, surface should be enabled")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("BASE_NETWORK", "base")
	t.Setenv("REPLAY_TTL_MS", "60000")
	t.Setenv("RATE_LIMIT_PER_MIN", "10")
	t.Setenv("SKIP_X402_PROBE", "true")
	t.Setenv("GATEWAY_DOMAIN", "gw.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9000 || cfg.Network != "base" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ReplayTTL != time.Minute {
		t.Fatalf("replay ttl: %s", cfg.ReplayTTL)
	}
	if !cfg.SkipX402Probe {
		t.Fatalf("bool override not applied")
	}
	if cfg.Domain() != "gw.example.com" {
		t.Fatalf("domain: %s", cfg.Domain())
	}
}

func TestLoadYAMLThenEnvWins(t *testing.T) {
	setBaseEnv(t)
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	doc := "port: 8000\nnetwork: base\nrateLimitPerMin: 50\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GATEWAY_CONFIG", path)
	t.Setenv("PORT", "8001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8001 {
		t.Fatalf("env should beat file, port=%d", cfg.Port)
	}
	if cfg.Network != "base" || cfg.RateLimitPerMin != 50 {
		t.Fatalf("file values dropped: %+v", cfg)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing pay-to", func(c *Config) { c.PayToAddress = "" }},
		{"bad pay-to", func(c *Config) { c.PayToAddress = "not-an-address" }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"bad facilitator url", func(c *Config) { c.FacilitatorURL = "::::" }},
		{"zero replay ttl", func(c *Config) { c.ReplayTTL = 0 }},
		{"reputation without contract", func(c *Config) {
			c.ReputationRPCURL = "https://rpc.example.com"
			c.ReputationContract = ""
		}},
	}
	for _, tc := range cases {
		cfg := defaults()
		cfg.PayToAddress = payTo
		cfg.AdminKey = "admin-secret"
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
