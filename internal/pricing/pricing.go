// Package pricing computes per-request USD cost from token usage and
// per-million model rates.
package pricing

import (
	plexus "github.com/plexushq/plexus/internal"
)

const million = 1_000_000

// Cost returns the USD cost of a request. Cached input tokens are billed at
// the cached rate (falling back to the input rate when unset); reasoning
// tokens at the reasoning rate (falling back to the output rate). Reasoning
// tokens are already included in output tokens upstream, so they bill the
// rate delta only when a distinct reasoning rate exists. A provider discount
// d in (0,1] scales the total by (1-d).
func Cost(p *plexus.Pricing, u plexus.Usage, discount float64) float64 {
	if p == nil {
		return 0
	}

	freshInput := u.InputTokens - u.CachedTokens
	if freshInput < 0 {
		freshInput = 0
	}
	cachedRate := p.CachedInputPerM
	if cachedRate == 0 {
		cachedRate = p.InputPerM
	}

	total := float64(freshInput) * p.InputPerM / million
	total += float64(u.CachedTokens) * cachedRate / million
	total += float64(u.OutputTokens) * p.OutputPerM / million
	if p.ReasoningPerM > 0 {
		total += float64(u.ReasoningTokens) * (p.ReasoningPerM - p.OutputPerM) / million
	}

	if discount > 0 && discount <= 1 {
		total *= 1 - discount
	}
	if total < 0 {
		return 0
	}
	return total
}
