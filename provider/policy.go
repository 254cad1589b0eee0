package provider

import (
	"math/rand/v2"
	"time"

	"github.com/samber/lo"
)

// Policy names a selection algorithm for policy-routed execution.
type Policy string

const (
	// PolicyFirstAvailable picks the first eligible strategy by
	// registration order.
	PolicyFirstAvailable Policy = "first_available"
	// PolicyRoundRobin rotates fairly over the eligible set.
	PolicyRoundRobin Policy = "round_robin"
	// PolicyWeightedRoundRobin rotates proportionally to configured
	// weights.
	PolicyWeightedRoundRobin Policy = "weighted_round_robin"
	// PolicyLeastConnections picks the strategy with the fewest in-flight
	// operations.
	PolicyLeastConnections Policy = "least_connections"
	// PolicyFastestResponse picks the lowest average latency.
	PolicyFastestResponse Policy = "fastest_response"
	// PolicyHighestSuccessRate picks the highest success rate.
	PolicyHighestSuccessRate Policy = "highest_success_rate"
	// PolicyCapabilityBased filters further by features requested in the
	// operation context.
	PolicyCapabilityBased Policy = "capability_based"
	// PolicyHealthBased prefers recently healthy strategies with few
	// failures.
	PolicyHealthBased Policy = "health_based"
	// PolicyRandom picks uniformly at random.
	PolicyRandom Policy = "random"
	// PolicyPerformanceBased combines success rate and inverse latency.
	PolicyPerformanceBased Policy = "performance_based"
)

var knownPolicies = []Policy{
	PolicyFirstAvailable,
	PolicyRoundRobin,
	PolicyWeightedRoundRobin,
	PolicyLeastConnections,
	PolicyFastestResponse,
	PolicyHighestSuccessRate,
	PolicyCapabilityBased,
	PolicyHealthBased,
	PolicyRandom,
	PolicyPerformanceBased,
}

func (p Policy) Known() bool {
	return lo.Contains(knownPolicies, p)
}

// selectEntry applies the configured policy to a non-empty eligible set.
// Eligibility filtering already happened; no policy may substitute an
// ineligible strategy.
func (m *Manager) selectEntry(op Operation, eligible []*entry) *entry {
	switch m.config.Policy {
	case PolicyRoundRobin:
		return m.selectRoundRobin(eligible)
	case PolicyWeightedRoundRobin:
		return m.selectWeightedRoundRobin(eligible)
	case PolicyLeastConnections:
		return selectBy(eligible, func(e *entry) float64 {
			return -float64(e.inflight.Load())
		})
	case PolicyFastestResponse:
		return selectBy(eligible, func(e *entry) float64 {
			return -e.metrics.snapshot().AverageLatency.Seconds()
		})
	case PolicyHighestSuccessRate:
		return selectBy(eligible, func(e *entry) float64 {
			return e.metrics.snapshot().SuccessRate
		})
	case PolicyCapabilityBased:
		return selectCapabilityBased(op, eligible)
	case PolicyHealthBased:
		return selectHealthBased(eligible)
	case PolicyRandom:
		return eligible[rand.IntN(len(eligible))]
	case PolicyPerformanceBased:
		return selectBy(eligible, performanceScore)
	default: // PolicyFirstAvailable
		return eligible[0]
	}
}

// selectRoundRobin advances a shared cursor over the eligible set. The
// cursor is global rather than per-set so rotation stays fair even as
// eligibility fluctuates.
func (m *Manager) selectRoundRobin(eligible []*entry) *entry {
	cursor := m.rrCursor.Add(1) - 1
	return eligible[cursor%uint64(len(eligible))]
}

// selectWeightedRoundRobin implements smooth weighted round-robin: each
// pick raises every candidate's running weight by its configured weight,
// takes the highest, and debits the winner by the total. Long-run pick
// counts converge to the weight ratio without bursts.
func (m *Manager) selectWeightedRoundRobin(eligible []*entry) *entry {
	m.wrrMu.Lock()
	defer m.wrrMu.Unlock()

	total := 0
	var selected *entry
	for _, e := range eligible {
		m.wrrCurrent[e.name] += e.weight
		total += e.weight
		if selected == nil || m.wrrCurrent[e.name] > m.wrrCurrent[selected.name] {
			selected = e
		}
	}
	m.wrrCurrent[selected.name] -= total
	return selected
}

// selectBy returns the entry with the highest score, ties broken by
// registration order.
func selectBy(eligible []*entry, score func(*entry) float64) *entry {
	selected := eligible[0]
	best := score(selected)
	for _, e := range eligible[1:] {
		if s := score(e); s > best {
			selected, best = e, s
		}
	}
	return selected
}

// selectCapabilityBased keeps only strategies exposing every feature flag
// requested by the operation, falling back to registration order when no
// strategy matches them all.
func selectCapabilityBased(op Operation, eligible []*entry) *entry {
	features := op.RequestedFeatures()
	if len(features) == 0 {
		return eligible[0]
	}

	matching := lo.Filter(eligible, func(e *entry, _ int) bool {
		capabilities := e.strategy.Capabilities()
		return lo.EveryBy(features, capabilities.HasFeature)
	})
	if len(matching) == 0 {
		return eligible[0]
	}
	return matching[0]
}

// selectHealthBased prefers the most recently healthy strategy with the
// lowest breaker failure count. Strategies never probed sort last among
// the healthy-or-unknown group.
func selectHealthBased(eligible []*entry) *entry {
	type ranked struct {
		e        *entry
		healthy  bool
		failures int
		checked  time.Time
	}

	candidates := lo.Map(eligible, func(e *entry, _ int) ranked {
		e.healthMu.Lock()
		health := e.lastHealth
		e.healthMu.Unlock()
		return ranked{e: e, healthy: health.Healthy, failures: e.breaker.Failures(), checked: health.CheckedAt}
	})

	selected := candidates[0]
	for _, c := range candidates[1:] {
		if c.healthy != selected.healthy {
			if c.healthy {
				selected = c
			}
			continue
		}
		if c.failures != selected.failures {
			if c.failures < selected.failures {
				selected = c
			}
			continue
		}
		if c.checked.After(selected.checked) {
			selected = c
		}
	}
	return selected.e
}

// performanceScore blends success rate with inverse latency: a perfect
// success rate at zero latency scores 1.0, and every second of average
// latency halves the latency component's contribution.
func performanceScore(e *entry) float64 {
	m := e.metrics.snapshot()
	return m.SuccessRate * (1.0 / (1.0 + m.AverageLatency.Seconds()))
}
