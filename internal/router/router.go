// Package router selects the provider failover chain for a request by
// evaluating routing rules against the model, capability family, and request
// metadata. The active rule set is an immutable snapshot swapped atomically
// on config reload; resolved decisions are cached to keep rule evaluation
// off the hot path.
package router

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/AlfredDev/alfred/internal"
)

// Target is one provider/model pair in a failover chain, carrying the
// pricing and tokenizer used to meter requests sent to it.
type Target struct {
	Provider      string          `yaml:"provider" json:"provider"`
	Model         string          `yaml:"model" json:"model"`
	Region        string          `yaml:"region,omitempty" json:"region,omitempty"`
	Tokenizer     string          `yaml:"tokenizer,omitempty" json:"tokenizer,omitempty"`
	InRate        gateway.Credits `yaml:"in_rate" json:"in_rate"`   // credits per 1K prompt tokens
	OutRate       gateway.Credits `yaml:"out_rate" json:"out_rate"` // credits per 1K completion tokens
	ZeroRetention bool            `yaml:"zero_retention,omitempty" json:"zero_retention,omitempty"`
}

// Conditions gate a rule. Empty fields match anything. Hours is a UTC
// time-of-day window "HH:MM-HH:MM"; an end before the start wraps past
// midnight.
type Conditions struct {
	Model         string `yaml:"model,omitempty" json:"model,omitempty"`
	Family        string `yaml:"family,omitempty" json:"family,omitempty"`
	Priority      string `yaml:"priority,omitempty" json:"priority,omitempty"`
	PrivacyStrict *bool  `yaml:"privacy_strict,omitempty" json:"privacy_strict,omitempty"`
	OrgID         string `yaml:"org_id,omitempty" json:"org_id,omitempty"`
	TeamID        string `yaml:"team_id,omitempty" json:"team_id,omitempty"`
	Hours         string `yaml:"hours,omitempty" json:"hours,omitempty"`

	winStart, winEnd int // minutes since midnight UTC, parsed from Hours in Swap
}

// Action types for matched rules.
const (
	ActionRoute         = "route"
	ActionBlock         = "block"
	ActionRerouteFamily = "reroute_family"
	ActionTagProject    = "tag_project"
)

// Action is what a matched rule does with the request. The zero value routes
// from the rule's chain. "block" refuses the request with Reason,
// "reroute_family" restarts matching under Family, "tag_project" labels the
// request with Project and keeps evaluating.
type Action struct {
	Type    string `yaml:"type,omitempty" json:"type,omitempty"`
	Reason  string `yaml:"reason,omitempty" json:"reason,omitempty"`
	Family  string `yaml:"family,omitempty" json:"family,omitempty"`
	Project string `yaml:"project,omitempty" json:"project,omitempty"`
}

func (a *Action) kind() string {
	if a.Type == "" {
		return ActionRoute
	}
	return a.Type
}

// Rule maps matching requests to an action, usually a failover chain with
// per-route limits. Lower Priority evaluates first; ties break by declaration
// order.
type Rule struct {
	Name            string        `yaml:"name" json:"name"`
	Priority        int           `yaml:"priority" json:"priority"`
	Match           Conditions    `yaml:"match" json:"match"`
	Action          Action        `yaml:"action,omitempty" json:"action,omitempty"`
	Chain           []Target      `yaml:"chain,omitempty" json:"chain,omitempty"`
	MaxOutputTokens int           `yaml:"max_output_tokens,omitempty" json:"max_output_tokens,omitempty"`
	CacheTTL        time.Duration `yaml:"cache_ttl,omitempty" json:"cache_ttl,omitempty"`
}

// Snapshot is an immutable, fully resolved rule set. Swapped as a whole on
// reload; in-flight requests keep the snapshot they resolved against.
type Snapshot struct {
	Version  uint64
	Rules    []Rule            // sorted by Priority, stable
	Families map[string]string // model alias -> capability family
}

// Decision is the routing outcome for one request.
type Decision struct {
	Rule            string
	Chain           []Target
	MaxOutputTokens int
	CacheTTL        time.Duration
	Project         string // set by a tag_project rule on the way to the route
	Version         uint64
}

const decisionCacheTTL = 10 * time.Second

// Router evaluates routing rules against requests.
type Router struct {
	snap    atomic.Pointer[Snapshot]
	version atomic.Uint64
	cache   *otter.Cache[string, *Decision]
	now     func() time.Time
}

// New returns a Router with an empty rule set. Call Swap before serving.
func New() *Router {
	r := &Router{
		cache: otter.Must(&otter.Options[string, *Decision]{
			MaximumSize:      1024,
			ExpiryCalculator: otter.ExpiryWriting[string, *Decision](decisionCacheTTL),
		}),
		now: time.Now,
	}
	r.snap.Store(&Snapshot{})
	return r
}

// Swap installs a new rule set and returns its version. The decision cache
// is dropped so stale chains never outlive a reload by more than one lookup.
func (r *Router) Swap(rules []Rule, families map[string]string) uint64 {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	slices.SortStableFunc(sorted, func(a, b Rule) int { return a.Priority - b.Priority })
	for i := range sorted {
		c := &sorted[i].Match
		c.winStart, c.winEnd, _ = parseWindow(c.Hours)
	}

	v := r.version.Add(1)
	r.snap.Store(&Snapshot{Version: v, Rules: sorted, Families: families})
	r.cache.InvalidateAll()
	return v
}

// Current returns the active snapshot version.
func (r *Router) Current() uint64 {
	return r.snap.Load().Version
}

// Family returns the capability family for a model alias, or "" when the
// model is not mapped. Families scope cache namespaces and rule matching.
func (r *Router) Family(model string) string {
	return r.snap.Load().Families[model]
}

// maxReroutes bounds reroute_family hops so a rule set can never loop.
const maxReroutes = 2

// Resolve evaluates the rule set for a request and the identity it arrived
// under. Route rules pick the failover chain, filtered by the request's
// residency region and privacy mode; an empty chain after filtering is a
// routing failure, not a silent fallback. Block rules refuse the request;
// tag and reroute rules feed the rules that follow them.
func (r *Router) Resolve(req *gateway.ChatRequest, id *gateway.Identity) (*Decision, error) {
	meta := req.Metadata
	key := cacheKey(req.Model, &meta, id)
	if d, ok := r.cache.GetIfPresent(key); ok {
		return d, nil
	}

	snap := r.snap.Load()
	family := snap.Families[req.Model]
	minute := minuteOfDay(r.now())

	var project string
	reroutes := 0
	for i := 0; i < len(snap.Rules); i++ {
		rule := &snap.Rules[i]
		if !rule.Match.matches(req.Model, family, &meta, id, minute) {
			continue
		}
		switch rule.Action.kind() {
		case ActionBlock:
			reason := rule.Action.Reason
			if reason == "" {
				reason = "refused by policy"
			}
			return nil, gateway.Ef(gateway.KindForbidden, "rule %q: %s", rule.Name, reason).
				With("rule", rule.Name)
		case ActionTagProject:
			if project == "" {
				project = rule.Action.Project
			}
		case ActionRerouteFamily:
			if reroutes < maxReroutes {
				reroutes++
				family = rule.Action.Family
				i = -1 // restart matching under the new family
			}
		default:
			chain := filterChain(rule.Chain, &meta)
			if len(chain) == 0 {
				continue // a later rule may still satisfy the constraints
			}
			d := &Decision{
				Rule:            rule.Name,
				Chain:           chain,
				MaxOutputTokens: rule.MaxOutputTokens,
				CacheTTL:        rule.CacheTTL,
				Project:         project,
				Version:         snap.Version,
			}
			r.cache.Set(key, d)
			return d, nil
		}
	}

	return nil, gateway.Ef(gateway.KindNotFound, "no route for model %q", req.Model).
		With("model", req.Model).
		With("family", family)
}

func (c *Conditions) matches(model, family string, meta *gateway.RequestMetadata, id *gateway.Identity, minute int) bool {
	if c.Model != "" && c.Model != model {
		return false
	}
	if c.Family != "" && c.Family != family {
		return false
	}
	if c.Priority != "" && c.Priority != meta.Priority {
		return false
	}
	if c.PrivacyStrict != nil && *c.PrivacyStrict != meta.PrivacyStrict {
		return false
	}
	if c.OrgID != "" && (id == nil || c.OrgID != id.OrgID) {
		return false
	}
	if c.TeamID != "" && (id == nil || c.TeamID != id.TeamID) {
		return false
	}
	if c.Hours != "" && !inWindow(minute, c.winStart, c.winEnd) {
		return false
	}
	return true
}

// minuteOfDay is the UTC minute index used for time-of-day conditions.
func minuteOfDay(t time.Time) int {
	t = t.UTC()
	return t.Hour()*60 + t.Minute()
}

// inWindow reports whether m falls in [start, end); start > end wraps past
// midnight.
func inWindow(m, start, end int) bool {
	if start <= end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// parseWindow parses "HH:MM-HH:MM" into minute-of-day bounds. An empty input
// yields a zero window; malformed input is rejected by Validate.
func parseWindow(s string) (start, end int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("hours %q: want HH:MM-HH:MM", s)
	}
	if start, err = parseClock(from); err != nil {
		return 0, 0, fmt.Errorf("hours %q: %v", s, err)
	}
	if end, err = parseClock(to); err != nil {
		return 0, 0, fmt.Errorf("hours %q: %v", s, err)
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// filterChain drops targets the request metadata forbids, preserving order.
func filterChain(chain []Target, meta *gateway.RequestMetadata) []Target {
	out := make([]Target, 0, len(chain))
	for _, t := range chain {
		if meta.ResidencyRegion != "" && t.Region != "" && t.Region != meta.ResidencyRegion {
			continue
		}
		if meta.PrivacyStrict && !t.ZeroRetention {
			continue
		}
		out = append(out, t)
	}
	return out
}

func cacheKey(model string, meta *gateway.RequestMetadata, id *gateway.Identity) string {
	var b strings.Builder
	b.WriteString(model)
	b.WriteByte('|')
	b.WriteString(meta.Priority)
	b.WriteByte('|')
	b.WriteString(meta.ResidencyRegion)
	if id != nil {
		b.WriteByte('|')
		b.WriteString(id.OrgID)
		b.WriteByte('|')
		b.WriteString(id.TeamID)
	}
	if meta.PrivacyStrict {
		b.WriteString("|strict")
	}
	return b.String()
}

// Validate rejects rule sets that cannot serve traffic: every rule needs a
// name, route rules need a non-empty chain with provider and model per
// target, and the other action types need their operand.
func Validate(rules []Rule) error {
	for i := range rules {
		rule := &rules[i]
		if rule.Name == "" {
			return fmt.Errorf("router: rule %d has no name", i)
		}
		if _, _, err := parseWindow(rule.Match.Hours); err != nil {
			return fmt.Errorf("router: rule %q: %v", rule.Name, err)
		}
		switch rule.Action.kind() {
		case ActionRoute:
			if len(rule.Chain) == 0 {
				return fmt.Errorf("router: rule %q has an empty chain", rule.Name)
			}
			for j, t := range rule.Chain {
				if t.Provider == "" || t.Model == "" {
					return fmt.Errorf("router: rule %q target %d missing provider or model", rule.Name, j)
				}
			}
		case ActionBlock:
			// Reason is optional.
		case ActionRerouteFamily:
			if rule.Action.Family == "" {
				return fmt.Errorf("router: rule %q reroutes to an empty family", rule.Name)
			}
		case ActionTagProject:
			if rule.Action.Project == "" {
				return fmt.Errorf("router: rule %q tags an empty project", rule.Name)
			}
		default:
			return fmt.Errorf("router: rule %q has unknown action %q", rule.Name, rule.Action.Type)
		}
	}
	return nil
}
