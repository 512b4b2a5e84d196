package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleConfig = `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
providers:
  - name: openai
    base_url: https://api.openai.com/v1
    api_key: sk-test
guardrails:
  loop_threshold: 8
  max_output_tokens: 2048
router:
  max_retries: 1
  families:
    gpt-4o: chat-default
  rules:
    - name: default-chat
      priority: 10
      match:
        family: chat-default
      chain:
        - provider: openai
          model: gpt-4o
          in_rate: 2.5
          out_rate: 10
wallets:
  - id: wal-org-1
    kind: org
    limit: 1000
  - id: wal-user-1
    parent_id: wal-org-1
    kind: user
    limit: 100
keys:
  - name: dev
    key: alf_devkey1234567890
    org_id: org-1
    wallet_id: wal-user-1
    rpm: 120
`

func TestLoad(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("read timeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if len(cfg.Router.Rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(cfg.Router.Rules))
	}
	chain := cfg.Router.Rules[0].Chain
	if len(chain) != 1 || chain[0].Provider != "openai" {
		t.Fatalf("chain = %+v", chain)
	}
	if chain[0].InRate != gateway.CreditsFromFloat(2.5) {
		t.Errorf("in_rate = %v, want 2.5 credits fixed point", chain[0].InRate)
	}
	if cfg.Router.Families["gpt-4o"] != "chat-default" {
		t.Errorf("family map = %v", cfg.Router.Families)
	}
	if len(cfg.Wallets) != 2 || cfg.Wallets[1].ParentID != "wal-org-1" {
		t.Errorf("wallets = %+v", cfg.Wallets)
	}
	if cfg.Keys[0].RPM != 120 {
		t.Errorf("key rpm = %d", cfg.Keys[0].RPM)
	}
	if cfg.Router.MaxRetries != 1 {
		t.Errorf("max_retries = %d, want 1", cfg.Router.MaxRetries)
	}
	guard := cfg.Guardrails.GuardConfig()
	if guard.LoopThreshold != 8 || guard.MaxOutputTokens != 2048 {
		t.Errorf("guardrails = %+v", guard)
	}
	// Unset guardrail fields keep package defaults.
	if guard.NGramBytes != 24 || guard.MaxOutputBytes != 4<<20 {
		t.Errorf("guardrail defaults = %+v", guard)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q", cfg.Server.Addr)
	}
	if cfg.Database.DSN != "alfred.db" {
		t.Errorf("default dsn = %q", cfg.Database.DSN)
	}
	if cfg.RateLimits.DefaultRPM != 60 || cfg.RateLimits.DefaultTPM != 100_000 {
		t.Errorf("default limits = %+v", cfg.RateLimits)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Threshold != 0.95 {
		t.Errorf("default cache = %+v", cfg.Cache)
	}
	if cfg.Cache.EmbedTimeout != 200*time.Millisecond {
		t.Errorf("embed timeout = %v", cfg.Cache.EmbedTimeout)
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv.
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	result := expandEnv([]byte("key: ${TEST_API_KEY} and ${UNSET_VAR_XYZ}"))
	want := "key: sk-secret-123 and ${UNSET_VAR_XYZ}"
	if string(result) != want {
		t.Errorf("expandEnv = %q, want %q", result, want)
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	t.Parallel()
	body := `
router:
  rules:
    - name: bad
      chain:
        - provider: ghost
          model: gpt-4o
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Error("chain referencing undeclared provider should fail validation")
	}
}

func TestValidateRejectsNegativeMaxRetries(t *testing.T) {
	t.Parallel()
	body := `
router:
  max_retries: -1
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Error("negative max_retries should fail validation")
	}
}

func TestValidateRejectsUnknownWalletParent(t *testing.T) {
	t.Parallel()
	body := `
wallets:
  - id: wal-user-1
    parent_id: wal-missing
    kind: user
    limit: 10
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Error("wallet with unknown parent should fail validation")
	}
}

func TestValidateRejectsKeyWithUnknownWallet(t *testing.T) {
	t.Parallel()
	body := `
keys:
  - name: dev
    key: alf_x
    wallet_id: wal-missing
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Error("key referencing unknown wallet should fail validation")
	}
}

func TestProviderEntryResolvedAuthType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry ProviderEntry
		want  string
	}{
		{"no auth, no hosting", ProviderEntry{APIKey: "key"}, "api_key"},
		{"vertex infers gcp_oauth", ProviderEntry{Hosting: "vertex"}, "gcp_oauth"},
		{"bedrock infers aws_sigv4", ProviderEntry{Hosting: "bedrock"}, "aws_sigv4"},
		{"explicit overrides inference", ProviderEntry{Hosting: "vertex", Auth: &AuthEntry{Type: "api_key"}}, "api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.entry.ResolvedAuthType(); got != tt.want {
				t.Errorf("ResolvedAuthType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProviderEntryResolvedAPIKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry ProviderEntry
		want  string
	}{
		{"top-level key", ProviderEntry{APIKey: "top"}, "top"},
		{"auth key overrides", ProviderEntry{APIKey: "top", Auth: &AuthEntry{APIKey: "override"}}, "override"},
		{"auth empty falls back", ProviderEntry{APIKey: "top", Auth: &AuthEntry{}}, "top"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.entry.ResolvedAPIKey(); got != tt.want {
				t.Errorf("ResolvedAPIKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWalletEngineConfig(t *testing.T) {
	t.Parallel()

	w := WalletConfig{
		ReservationTTL:   time.Minute,
		TransferDailyCap: 250,
	}
	cfg := w.EngineConfig()
	if cfg.ReservationTTL != time.Minute {
		t.Errorf("ttl = %v", cfg.ReservationTTL)
	}
	if cfg.TransferDailyCap != gateway.CreditsFromFloat(250) {
		t.Errorf("cap = %v", cfg.TransferDailyCap)
	}
	// Unset fields keep engine defaults.
	if cfg.RolloverPct == 0 {
		t.Error("rollover pct should default")
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `server: {addr: ":1111"}`)

	m, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Current().Server.Addr != ":1111" {
		t.Fatalf("addr = %q", m.Current().Server.Addr)
	}

	if err := os.WriteFile(path, []byte(`server: {addr: ":2222"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(); err != nil {
		t.Fatal(err)
	}
	if m.Current().Server.Addr != ":2222" {
		t.Errorf("addr after reload = %q", m.Current().Server.Addr)
	}

	// A broken file keeps the last good snapshot.
	if err := os.WriteFile(path, []byte(`server: [not a map`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(); err == nil {
		t.Error("broken config should fail to reload")
	}
	if m.Current().Server.Addr != ":2222" {
		t.Errorf("addr after failed reload = %q, want previous snapshot", m.Current().Server.Addr)
	}
}
