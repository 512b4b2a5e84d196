// Package config handles YAML configuration loading with environment
// variable expansion, validation, and hot reload. The active config is an
// immutable snapshot behind an atomic pointer; SIGHUP swaps in a fresh one.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/guardrail"
	"github.com/AlfredDev/alfred/internal/router"
	"github.com/AlfredDev/alfred/internal/wallet"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	Wallet     WalletConfig    `yaml:"wallet"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Cache      CacheConfig     `yaml:"cache"`
	Guardrails GuardrailConfig `yaml:"guardrails"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Providers  []ProviderEntry `yaml:"providers"`
	Router     RouterConfig    `yaml:"router"`
	Wallets    []WalletEntry   `yaml:"wallets"`
	Keys       []KeyEntry      `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// WalletConfig holds credit engine policy. Credit amounts are written as
// whole credits in YAML and converted to fixed point on load.
type WalletConfig struct {
	ReservationTTL   time.Duration `yaml:"reservation_ttl"`
	TransferDailyCap float64       `yaml:"transfer_daily_cap"` // credits per user per day, 0 = unlimited
	TransferCooldown time.Duration `yaml:"transfer_cooldown"`
	RolloverPct      int           `yaml:"rollover_pct"`   // unused leaf balance moved to org reserve
	USDPerCredit     float64       `yaml:"usd_per_credit"` // USD conversion applied at response edges
}

// EngineConfig converts the YAML policy into wallet engine config, filling
// defaults for unset fields.
func (w WalletConfig) EngineConfig() wallet.Config {
	cfg := wallet.DefaultConfig()
	if w.ReservationTTL > 0 {
		cfg.ReservationTTL = w.ReservationTTL
	}
	if w.TransferDailyCap > 0 {
		cfg.TransferDailyCap = gateway.CreditsFromFloat(w.TransferDailyCap)
	}
	if w.TransferCooldown > 0 {
		cfg.TransferCooldown = w.TransferCooldown
	}
	if w.RolloverPct > 0 {
		cfg.RolloverPct = w.RolloverPct
	}
	return cfg
}

// RateLimitConfig holds the default limits applied when an API key carries
// none of its own. Zero means unlimited.
type RateLimitConfig struct {
	DefaultRPM int64         `yaml:"default_rpm"`
	DefaultTPM int64         `yaml:"default_tpm"`
	EvictAfter time.Duration `yaml:"evict_after"` // idle limiter eviction age
}

// CacheConfig holds semantic cache settings.
type CacheConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Threshold      float64       `yaml:"threshold"`        // min cosine similarity for a hit
	TTL            time.Duration `yaml:"ttl"`              // stored response lifetime
	EmbedTimeout   time.Duration `yaml:"embed_timeout"`    // embedding call bound
	TenantMaxBytes int64         `yaml:"tenant_max_bytes"` // per-tenant byte budget
	HitFee         float64       `yaml:"hit_fee"`          // flat credits per cache hit
	EmbedProvider  string        `yaml:"embed_provider"`   // provider serving cache embeddings
	EmbedModel     string        `yaml:"embed_model"`
}

// GuardrailConfig bounds streamed output. Values apply to every stream and
// are hot-reloadable; a route's own output cap still overrides the token cap.
type GuardrailConfig struct {
	NGramBytes      int   `yaml:"ngram_bytes"`       // repetition window size
	LoopThreshold   int   `yaml:"loop_threshold"`    // occurrences before the loop trips
	MaxOutputTokens int   `yaml:"max_output_tokens"` // 0 = uncapped
	MaxOutputBytes  int64 `yaml:"max_output_bytes"`
}

// GuardConfig converts the YAML limits into guardrail config, filling
// defaults for unset fields.
func (g GuardrailConfig) GuardConfig() guardrail.Config {
	cfg := guardrail.DefaultConfig()
	if g.NGramBytes > 0 {
		cfg.NGramBytes = g.NGramBytes
	}
	if g.LoopThreshold > 0 {
		cfg.LoopThreshold = g.LoopThreshold
	}
	if g.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = g.MaxOutputTokens
	}
	if g.MaxOutputBytes > 0 {
		cfg.MaxOutputBytes = g.MaxOutputBytes
	}
	return cfg
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	Name      string     `yaml:"name"`
	Type      string     `yaml:"type"` // openai, anthropic, gemini, ollama
	BaseURL   string     `yaml:"base_url"`
	APIKey    string     `yaml:"api_key"`
	Enabled   *bool      `yaml:"enabled"`
	TimeoutMs int        `yaml:"timeout_ms"`
	Hosting   string     `yaml:"hosting"` // "", "azure", "vertex", "bedrock"
	Region    string     `yaml:"region"`  // cloud region for vertex/bedrock
	Project   string     `yaml:"project"` // GCP project ID for Vertex AI
	Auth      *AuthEntry `yaml:"auth"`    // explicit auth; inferred from hosting when absent
}

// AuthEntry configures provider authentication.
type AuthEntry struct {
	Type   string `yaml:"type"`    // "api_key", "gcp_oauth", "aws_sigv4"
	APIKey string `yaml:"api_key"` // explicit key (overrides top-level api_key)
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedType returns Type if set, otherwise falls back to Name.
func (p ProviderEntry) ResolvedType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// ResolvedAuthType returns the auth type, inferring from hosting when Auth
// is nil: Vertex uses GCP OAuth, Bedrock uses SigV4, everything else an
// API key.
func (p ProviderEntry) ResolvedAuthType() string {
	if p.Auth != nil && p.Auth.Type != "" {
		return p.Auth.Type
	}
	switch p.Hosting {
	case "vertex":
		return "gcp_oauth"
	case "bedrock":
		return "aws_sigv4"
	default:
		return "api_key"
	}
}

// ResolvedAPIKey returns the API key, preferring Auth.APIKey over the
// top-level APIKey.
func (p ProviderEntry) ResolvedAPIKey() string {
	if p.Auth != nil && p.Auth.APIKey != "" {
		return p.Auth.APIKey
	}
	return p.APIKey
}

// RouterConfig holds the routing rule set and the model-to-family map that
// scopes cache namespaces and rule matching.
type RouterConfig struct {
	Families   map[string]string `yaml:"families"`    // model alias -> capability family
	Rules      []router.Rule     `yaml:"rules"`
	MaxRetries int               `yaml:"max_retries"` // extra failover targets per request, 0 = default
}

// WalletEntry seeds a wallet on first run. Amounts are whole credits.
type WalletEntry struct {
	ID           string  `yaml:"id"`
	ParentID     string  `yaml:"parent_id"`
	Kind         string  `yaml:"kind"` // org, team, user
	Limit        float64 `yaml:"limit"`
	HardCap      bool    `yaml:"hard_cap"`
	OverdraftBPS int     `yaml:"overdraft_bps"`
	CycleDays    int     `yaml:"cycle_days"` // billing cycle length, default 30
}

// KeyEntry seeds an API key on first run. The plaintext is hashed at
// bootstrap and never stored.
type KeyEntry struct {
	Name          string `yaml:"name"`
	Key           string `yaml:"key"`
	OrgID         string `yaml:"org_id"`
	TeamID        string `yaml:"team_id"`
	UserID        string `yaml:"user_id"`
	WalletID      string `yaml:"wallet_id"`
	Role          string `yaml:"role"`
	RPM           int64  `yaml:"rpm"`
	TPM           int64  `yaml:"tpm"`
	PrivacyStrict bool   `yaml:"privacy_strict"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
// Unset variables are left as-is so validation can surface them.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying defaults, then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second, // long enough for slow streams
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "alfred.db",
		},
		Wallet: WalletConfig{
			USDPerCredit: 0.01,
		},
		RateLimits: RateLimitConfig{
			DefaultRPM: 60,
			DefaultTPM: 100_000,
			EvictAfter: time.Hour,
		},
		Cache: CacheConfig{
			Enabled:        true,
			Threshold:      0.95,
			TTL:            10 * time.Minute,
			EmbedTimeout:   200 * time.Millisecond,
			TenantMaxBytes: 16 << 20,
		},
	}
}

// Validate checks cross-references: routing chains must point at declared
// providers, keys at declared wallets, and wallet parents must exist.
func (c *Config) Validate() error {
	if err := router.Validate(c.Router.Rules); err != nil {
		return err
	}
	if c.Router.MaxRetries < 0 {
		return fmt.Errorf("config: router.max_retries must not be negative")
	}

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if providers[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		providers[p.Name] = true
	}
	for _, rule := range c.Router.Rules {
		for _, t := range rule.Chain {
			if !providers[t.Provider] {
				return fmt.Errorf("config: rule %q references unknown provider %q", rule.Name, t.Provider)
			}
		}
	}

	wallets := make(map[string]bool, len(c.Wallets))
	for _, w := range c.Wallets {
		if w.ID == "" {
			return fmt.Errorf("config: wallet with empty id")
		}
		if wallets[w.ID] {
			return fmt.Errorf("config: duplicate wallet %q", w.ID)
		}
		wallets[w.ID] = true
	}
	for _, w := range c.Wallets {
		if w.ParentID != "" && !wallets[w.ParentID] {
			return fmt.Errorf("config: wallet %q references unknown parent %q", w.ID, w.ParentID)
		}
	}
	for _, k := range c.Keys {
		if k.WalletID != "" && !wallets[k.WalletID] {
			return fmt.Errorf("config: key %q references unknown wallet %q", k.Name, k.WalletID)
		}
	}

	if c.Cache.Enabled && c.Cache.EmbedProvider != "" && !providers[c.Cache.EmbedProvider] {
		return fmt.Errorf("config: cache embed provider %q not declared", c.Cache.EmbedProvider)
	}
	return nil
}
