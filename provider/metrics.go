package provider

import (
	"sync"
	"time"
)

// Metrics is a point-in-time snapshot of one strategy's counters.
// SuccessfulOperations + FailedOperations == TotalOperations always holds.
type Metrics struct {
	TotalOperations      uint64        `json:"total_operations"`
	SuccessfulOperations uint64        `json:"successful_operations"`
	FailedOperations     uint64        `json:"failed_operations"`
	SuccessRate          float64       `json:"success_rate"`
	AverageLatency       time.Duration `json:"average_latency"`
	HealthCheckCount     uint64        `json:"health_check_count"`
}

// metricsTracker accumulates per-strategy counters. A single mutex keeps
// the success/failure/total triplet consistent under concurrent updates.
type metricsTracker struct {
	mu           sync.Mutex
	successful   uint64
	failed       uint64
	totalLatency time.Duration
	healthChecks uint64
}

func (t *metricsTracker) record(success bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if success {
		t.successful += 1
	} else {
		t.failed += 1
	}
	t.totalLatency += latency
}

func (t *metricsTracker) recordHealthCheck() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.healthChecks += 1
}

func (t *metricsTracker) snapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := t.successful + t.failed
	m := Metrics{
		TotalOperations:      total,
		SuccessfulOperations: t.successful,
		FailedOperations:     t.failed,
		HealthCheckCount:     t.healthChecks,
	}
	if total > 0 {
		m.SuccessRate = float64(t.successful) / float64(total)
		m.AverageLatency = t.totalLatency / time.Duration(total)
	} else {
		// No data yet: assume the best so fresh strategies are not starved
		// by rate-based selection policies.
		m.SuccessRate = 1.0
	}
	return m
}
