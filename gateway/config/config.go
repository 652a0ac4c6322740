// Package config assembles the gateway configuration from an optional
// YAML file and environment variable overrides.
package config

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of one gateway process.
type Config struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`

	FacilitatorURL string `yaml:"facilitatorUrl"`
	PayToAddress   string `yaml:"payToAddress"`
	Network        string `yaml:"network"`
	GatewayDomain  string `yaml:"gatewayDomain"`

	AdminKey string `yaml:"adminKey"`

	RoutesFile        string `yaml:"routesFile"`
	RoutesFilePersist bool   `yaml:"routesFilePersist"`
	SkipX402Probe     bool   `yaml:"skipX402Probe"`

	ReplayTTL    time.Duration `yaml:"replayTtl"`
	ReplayDBPath string        `yaml:"replayDbPath"`

	RateLimitPerMin float64 `yaml:"rateLimitPerMin"`
	MaxBodyBytes    int64   `yaml:"maxBodyBytes"`

	ReputationRPCURL   string `yaml:"reputationRpcUrl"`
	ReputationContract string `yaml:"reputationContract"`
	ReputationMinScore int64  `yaml:"reputationMinScore"`

	ReceiptSigningKey string `yaml:"receiptSigningKey"`
	LogFile           string `yaml:"logFile"`
}

func defaults() Config {
	return Config{
		Port:            4402,
		Env:             "dev",
		Network:         "base-sepolia",
		ReplayTTL:       5 * time.Minute,
		RateLimitPerMin: 100,
		MaxBodyBytes:    1 << 20,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// GATEWAY_CONFIG if present, then environment overrides, then
// validation.
func Load() (Config, error) {
	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("GATEWAY_CONFIG")); path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = isTruthy(v)
		}
	}

	if v, ok := os.LookupEnv("PORT"); ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Port = port
	}
	setString("GATEWAY_ENV", &cfg.Env)
	setString("FACILITATOR_URL", &cfg.FacilitatorURL)
	setString("PAY_TO_ADDRESS", &cfg.PayToAddress)
	setString("BASE_NETWORK", &cfg.Network)
	setString("GATEWAY_DOMAIN", &cfg.GatewayDomain)
	setString("ADMIN_KEY", &cfg.AdminKey)
	setString("ROUTES_FILE", &cfg.RoutesFile)
	setBool("ROUTES_FILE_PERSIST", &cfg.RoutesFilePersist)
	setBool("SKIP_X402_PROBE", &cfg.SkipX402Probe)
	if v, ok := os.LookupEnv("REPLAY_TTL_MS"); ok {
		ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("REPLAY_TTL_MS: %w", err)
		}
		cfg.ReplayTTL = time.Duration(ms) * time.Millisecond
	}
	setString("REPLAY_DB_PATH", &cfg.ReplayDBPath)
	if v, ok := os.LookupEnv("RATE_LIMIT_PER_MIN"); ok {
		limit, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_PER_MIN: %w", err)
		}
		cfg.RateLimitPerMin = limit
	}
	if v, ok := os.LookupEnv("MAX_BODY_BYTES"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_BODY_BYTES: %w", err)
		}
		cfg.MaxBodyBytes = n
	}
	setString("REPUTATION_RPC_URL", &cfg.ReputationRPCURL)
	setString("REPUTATION_CONTRACT", &cfg.ReputationContract)
	if v, ok := os.LookupEnv("REPUTATION_MIN_SCORE"); ok {
		score, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("REPUTATION_MIN_SCORE: %w", err)
		}
		cfg.ReputationMinScore = score
	}
	setString("RECEIPT_SIGNING_KEY", &cfg.ReceiptSigningKey)
	setString("LOG_FILE", &cfg.LogFile)
	return nil
}

// Validate checks cross-field consistency. It is called by Load but
// exported so tests and tools can re-check mutated configs.
func (cfg *Config) Validate() error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if strings.TrimSpace(cfg.PayToAddress) == "" {
		return fmt.Errorf("PAY_TO_ADDRESS is required")
	}
	if !common.IsHexAddress(cfg.PayToAddress) {
		return fmt.Errorf("PAY_TO_ADDRESS %q is not a hex address", cfg.PayToAddress)
	}
	if cfg.FacilitatorURL != "" {
		if _, err := url.ParseRequestURI(cfg.FacilitatorURL); err != nil {
			return fmt.Errorf("FACILITATOR_URL: %w", err)
		}
	}
	if cfg.ReplayTTL <= 0 {
		return fmt.Errorf("replay TTL must be positive")
	}
	if cfg.RateLimitPerMin <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if cfg.ReputationRPCURL != "" && !common.IsHexAddress(cfg.ReputationContract) {
		return fmt.Errorf("REPUTATION_CONTRACT %q is not a hex address", cfg.ReputationContract)
	}
	return nil
}

// ReputationEnabled reports whether the reputation oracle should be
// wired.
func (cfg Config) ReputationEnabled() bool {
	return strings.TrimSpace(cfg.ReputationRPCURL) != ""
}

// MinScore returns the configured reputation floor.
func (cfg Config) MinScore() *big.Int {
	return big.NewInt(cfg.ReputationMinScore)
}

// AdminEnabled reports whether the admin surface should be served. No
// key means no admin endpoints at all.
func (cfg Config) AdminEnabled() bool {
	return strings.TrimSpace(cfg.AdminKey) != ""
}

// Domain returns the configured merchant identity for intent mandates.
// Empty means callers fall back to the per-request Host.
func (cfg Config) Domain() string {
	return strings.TrimSpace(cfg.GatewayDomain)
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
