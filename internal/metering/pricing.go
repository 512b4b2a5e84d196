package metering

import (
	gateway "github.com/AlfredDev/alfred/internal"
)

// Price holds per-model rates expressed as fixed-point credits per 1000 tokens.
type Price struct {
	InRate  gateway.Credits // credits per 1K prompt tokens
	OutRate gateway.Credits // credits per 1K completion tokens
}

// Cost computes the credit cost of a token count pair. All arithmetic is
// integer fixed point; division rounds half away from zero per unit.
func (p Price) Cost(promptTokens, completionTokens int) gateway.Credits {
	in := roundDiv(int64(promptTokens)*int64(p.InRate), 1000)
	out := roundDiv(int64(completionTokens)*int64(p.OutRate), 1000)
	return gateway.Credits(in + out)
}

// roundDiv divides n by d rounding half away from zero. d must be positive.
func roundDiv(n, d int64) int64 {
	if n >= 0 {
		return (n + d/2) / d
	}
	return (n - d/2) / d
}

// WithinTolerance reports whether the local token count agrees with the
// provider count within one percent. When it does not, the provider count
// wins at settlement.
func WithinTolerance(local, provider int) bool {
	if provider == 0 {
		return local == 0
	}
	diff := local - provider
	if diff < 0 {
		diff = -diff
	}
	return diff*100 <= provider
}
