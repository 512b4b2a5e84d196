package router

import (
	"testing"
	"time"

	gateway "github.com/AlfredDev/alfred/internal"
)

func boolPtr(b bool) *bool { return &b }

func testRules() []Rule {
	return []Rule{
		{
			Name:     "interactive-chat",
			Priority: 10,
			Match:    Conditions{Family: "chat", Priority: "interactive"},
			Chain: []Target{
				{Provider: "openai", Model: "gpt-4o", Tokenizer: "cl100k", InRate: 50, OutRate: 100},
				{Provider: "anthropic", Model: "claude-sonnet", Tokenizer: "claude", InRate: 40, OutRate: 90},
			},
			MaxOutputTokens: 4096,
		},
		{
			Name:     "eu-only",
			Priority: 20,
			Match:    Conditions{Model: "gpt-4o"},
			Chain: []Target{
				{Provider: "openai", Model: "gpt-4o", Region: "us-east", Tokenizer: "cl100k"},
				{Provider: "openai-eu", Model: "gpt-4o", Region: "eu-west", Tokenizer: "cl100k", ZeroRetention: true},
			},
		},
		{
			Name:     "chat-default",
			Priority: 100,
			Match:    Conditions{Family: "chat"},
			Chain: []Target{
				{Provider: "ollama", Model: "llama3", Tokenizer: "llama", ZeroRetention: true},
			},
			CacheTTL: 5 * time.Minute,
		},
	}
}

func testFamilies() map[string]string {
	return map[string]string{"gpt-4o": "chat", "claude-sonnet": "chat", "llama3": "chat"}
}

func TestResolve_PicksLowestPriorityMatch(t *testing.T) {
	t.Parallel()
	r := New()
	r.Swap(testRules(), testFamilies())

	req := &gateway.ChatRequest{Model: "gpt-4o"}
	req.Metadata.Priority = "interactive"

	d, err := r.Resolve(req, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Rule != "interactive-chat" {
		t.Fatalf("rule = %q, want interactive-chat", d.Rule)
	}
	if len(d.Chain) != 2 || d.Chain[0].Provider != "openai" || d.Chain[1].Provider != "anthropic" {
		t.Fatalf("chain = %+v, want openai then anthropic", d.Chain)
	}
	if d.MaxOutputTokens != 4096 {
		t.Fatalf("max output tokens = %d, want 4096", d.MaxOutputTokens)
	}
}

func TestResolve_FallsThroughToFamilyDefault(t *testing.T) {
	t.Parallel()
	r := New()
	r.Swap(testRules(), testFamilies())

	req := &gateway.ChatRequest{Model: "claude-sonnet"}
	d, err := r.Resolve(req, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Rule != "chat-default" {
		t.Fatalf("rule = %q, want chat-default", d.Rule)
	}
	if d.CacheTTL != 5*time.Minute {
		t.Fatalf("cache ttl = %v, want 5m", d.CacheTTL)
	}
}

func TestResolve_ResidencyFiltersChain(t *testing.T) {
	t.Parallel()
	r := New()
	r.Swap(testRules(), testFamilies())

	req := &gateway.ChatRequest{Model: "gpt-4o"}
	req.Metadata.ResidencyRegion = "eu-west"

	d, err := r.Resolve(req, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Rule != "eu-only" {
		t.Fatalf("rule = %q, want eu-only", d.Rule)
	}
	if len(d.Chain) != 1 || d.Chain[0].Provider != "openai-eu" {
		t.Fatalf("chain = %+v, want only the eu-west target", d.Chain)
	}
}

func TestResolve_PrivacyStrictRequiresZeroRetention(t *testing.T) {
	t.Parallel()
	r := New()
	r.Swap(testRules(), testFamilies())

	req := &gateway.ChatRequest{Model: "claude-sonnet"}
	req.Metadata.PrivacyStrict = true

	// interactive-chat's targets retain data; the default chain's ollama
	// target is zero-retention.
	req.Metadata.Priority = "interactive"
	d, err := r.Resolve(req, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Rule != "chat-default" || d.Chain[0].Provider != "ollama" {
		t.Fatalf("decision = %+v, want zero-retention fallback", d)
	}
}

func TestResolve_NoRouteIsNotFound(t *testing.T) {
	t.Parallel()
	r := New()
	r.Swap(testRules(), testFamilies())

	_, err := r.Resolve(&gateway.ChatRequest{Model: "unknown-model"}, nil)
	if !gateway.Is(err, gateway.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestResolve_PrivacyStrictConditionGates(t *testing.T) {
	t.Parallel()
	r := New()
	r.Swap([]Rule{
		{
			Name:     "strict-only",
			Priority: 1,
			Match:    Conditions{PrivacyStrict: boolPtr(true)},
			Chain:    []Target{{Provider: "ollama", Model: "llama3", ZeroRetention: true}},
		},
	}, nil)

	if _, err := r.Resolve(&gateway.ChatRequest{Model: "anything"}, nil); err == nil {
		t.Fatal("non-strict request must not match a strict-only rule")
	}

	req := &gateway.ChatRequest{Model: "anything"}
	req.Metadata.PrivacyStrict = true
	if _, err := r.Resolve(req, nil); err != nil {
		t.Fatalf("strict request should match: %v", err)
	}
}

func TestSwap_BumpsVersionAndDropsCache(t *testing.T) {
	t.Parallel()
	r := New()
	v1 := r.Swap(testRules(), testFamilies())

	req := &gateway.ChatRequest{Model: "gpt-4o"}
	d, err := r.Resolve(req, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Version != v1 {
		t.Fatalf("decision version = %d, want %d", d.Version, v1)
	}

	v2 := r.Swap([]Rule{
		{
			Name:     "replacement",
			Priority: 1,
			Chain:    []Target{{Provider: "gemini", Model: "gemini-pro"}},
		},
	}, nil)
	if v2 <= v1 {
		t.Fatalf("version must increase: %d then %d", v1, v2)
	}

	d, err = r.Resolve(req, nil)
	if err != nil {
		t.Fatalf("Resolve after swap: %v", err)
	}
	if d.Rule != "replacement" || d.Version != v2 {
		t.Fatalf("decision = %+v, want post-swap rule at version %d", d, v2)
	}
}

func TestResolve_BlockRuleRefuses(t *testing.T) {
	t.Parallel()
	r := New()
	r.Swap([]Rule{
		{
			Name:     "retire-legacy",
			Priority: 1,
			Match:    Conditions{Model: "gpt-3.5-turbo"},
			Action:   Action{Type: ActionBlock, Reason: "model retired"},
		},
		{
			Name:  "catch-all",
			Chain: []Target{{Provider: "openai", Model: "gpt-4o"}},
		},
	}, nil)

	_, err := r.Resolve(&gateway.ChatRequest{Model: "gpt-3.5-turbo"}, nil)
	if !gateway.Is(err, gateway.KindForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}

	if _, err := r.Resolve(&gateway.ChatRequest{Model: "gpt-4o"}, nil); err != nil {
		t.Fatalf("unblocked model should route: %v", err)
	}
}

func TestResolve_RerouteFamilyRestartsMatching(t *testing.T) {
	t.Parallel()
	r := New()
	r.Swap([]Rule{
		{
			Name:     "demote-batch",
			Priority: 1,
			Match:    Conditions{Family: "frontier", Priority: "batch"},
			Action:   Action{Type: ActionRerouteFamily, Family: "workhorse"},
		},
		{
			Name:     "frontier",
			Priority: 10,
			Match:    Conditions{Family: "frontier"},
			Chain:    []Target{{Provider: "openai", Model: "gpt-4o"}},
		},
		{
			Name:     "workhorse",
			Priority: 20,
			Match:    Conditions{Family: "workhorse"},
			Chain:    []Target{{Provider: "ollama", Model: "llama3"}},
		},
	}, map[string]string{"gpt-4o": "frontier"})

	req := &gateway.ChatRequest{Model: "gpt-4o"}
	req.Metadata.Priority = "batch"
	d, err := r.Resolve(req, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Rule != "workhorse" {
		t.Fatalf("rule = %q, want workhorse after reroute", d.Rule)
	}

	req2 := &gateway.ChatRequest{Model: "gpt-4o"}
	req2.Metadata.Priority = "interactive"
	d, err = r.Resolve(req2, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Rule != "frontier" {
		t.Fatalf("rule = %q, want frontier without reroute", d.Rule)
	}
}

func TestResolve_TagProjectLabelsDecision(t *testing.T) {
	t.Parallel()
	r := New()
	r.Swap([]Rule{
		{
			Name:     "tag-research",
			Priority: 1,
			Match:    Conditions{Model: "gpt-4o"},
			Action:   Action{Type: ActionTagProject, Project: "research"},
		},
		{
			Name:  "catch-all",
			Chain: []Target{{Provider: "openai", Model: "gpt-4o"}},
		},
	}, nil)

	d, err := r.Resolve(&gateway.ChatRequest{Model: "gpt-4o"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Rule != "catch-all" || d.Project != "research" {
		t.Fatalf("decision = %+v, want catch-all tagged research", d)
	}
}

func TestResolve_IdentityConditions(t *testing.T) {
	t.Parallel()
	r := New()
	r.Swap([]Rule{
		{
			Name:     "research-lane",
			Priority: 1,
			Match:    Conditions{OrgID: "acme", TeamID: "research"},
			Chain:    []Target{{Provider: "openai", Model: "gpt-4o"}},
		},
		{
			Name:  "catch-all",
			Chain: []Target{{Provider: "ollama", Model: "llama3"}},
		},
	}, nil)

	req := &gateway.ChatRequest{Model: "gpt-4o"}
	d, err := r.Resolve(req, &gateway.Identity{OrgID: "acme", TeamID: "research"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Rule != "research-lane" {
		t.Fatalf("rule = %q, want research-lane", d.Rule)
	}

	// Another team in the same org falls past the scoped rule.
	d, err = r.Resolve(req, &gateway.Identity{OrgID: "acme", TeamID: "support"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Rule != "catch-all" {
		t.Fatalf("rule = %q, want catch-all", d.Rule)
	}

	// Anonymous resolution never matches identity-scoped rules.
	d, err = r.Resolve(req, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Rule != "catch-all" {
		t.Fatalf("rule = %q, want catch-all for nil identity", d.Rule)
	}
}

func TestResolve_HoursWindow(t *testing.T) {
	t.Parallel()
	r := New()
	r.Swap([]Rule{
		{
			Name:     "night-batch",
			Priority: 1,
			Match:    Conditions{Hours: "22:00-06:00"},
			Chain:    []Target{{Provider: "ollama", Model: "llama3"}},
		},
		{
			Name:  "daytime",
			Chain: []Target{{Provider: "openai", Model: "gpt-4o"}},
		},
	}, nil)

	at := func(hour int) {
		r.now = func() time.Time {
			return time.Date(2026, 3, 1, hour, 30, 0, 0, time.UTC)
		}
		r.cache.InvalidateAll()
	}

	at(23)
	d, err := r.Resolve(&gateway.ChatRequest{Model: "gpt-4o"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Rule != "night-batch" {
		t.Fatalf("rule = %q at 23:30, want night-batch", d.Rule)
	}

	at(2) // wraps past midnight
	d, err = r.Resolve(&gateway.ChatRequest{Model: "gpt-4o"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Rule != "night-batch" {
		t.Fatalf("rule = %q at 02:30, want night-batch", d.Rule)
	}

	at(9)
	d, err = r.Resolve(&gateway.ChatRequest{Model: "gpt-4o"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Rule != "daytime" {
		t.Fatalf("rule = %q at 09:30, want daytime", d.Rule)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate(testRules()); err != nil {
		t.Fatalf("valid rules rejected: %v", err)
	}
	if err := Validate([]Rule{{Name: "empty"}}); err == nil {
		t.Fatal("empty chain must be rejected")
	}
	if err := Validate([]Rule{{Name: "bad", Chain: []Target{{Provider: "openai"}}}}); err == nil {
		t.Fatal("target without model must be rejected")
	}
	if err := Validate([]Rule{{Name: "block", Action: Action{Type: ActionBlock}}}); err != nil {
		t.Fatalf("block rule needs no chain: %v", err)
	}
	if err := Validate([]Rule{{Name: "reroute", Action: Action{Type: ActionRerouteFamily}}}); err == nil {
		t.Fatal("reroute without family must be rejected")
	}
	if err := Validate([]Rule{{Name: "odd", Action: Action{Type: "require_mfa"}}}); err == nil {
		t.Fatal("unknown action must be rejected")
	}
	if err := Validate([]Rule{{
		Name:  "bad-hours",
		Match: Conditions{Hours: "22-06"},
		Chain: []Target{{Provider: "openai", Model: "gpt-4o"}},
	}}); err == nil {
		t.Fatal("malformed hours window must be rejected")
	}
}
