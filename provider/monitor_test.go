package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorProbesEveryStrategy(t *testing.T) {
	m := newTestManager(t, Config{})
	registerInitialized(t, m, Registration{Name: "alpha"})
	registerInitialized(t, m, Registration{Name: "bravo"})

	var mu sync.Mutex
	seen := map[string]HealthStatus{}

	monitor := NewMonitor(m, MonitorConfig{
		Logger:   quietLogger(),
		Interval: time.Hour, // only the initial round runs
		OnStatus: func(name string, status HealthStatus) {
			mu.Lock()
			seen[name] = status
			mu.Unlock()
		},
	})

	go monitor.Run()
	monitor.Shutdown()
	monitor.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.True(t, seen["alpha"].Healthy)
	assert.True(t, seen["bravo"].Healthy)

	for name, metrics := range m.AllMetrics() {
		assert.EqualValues(t, 1, metrics.HealthCheckCount, "strategy %s", name)
	}
}

func TestMonitorFeedsUnhealthyIntoBreaker(t *testing.T) {
	m := newTestManager(t, Config{
		Breaker: BreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Hour},
	})
	sick := registerInitialized(t, m, Registration{Name: "alpha"})
	sick.health = func(ctx context.Context) HealthStatus {
		return Unhealthy("api unreachable")
	}

	monitor := NewMonitor(m, MonitorConfig{
		Logger:      quietLogger(),
		Interval:    time.Hour,
		FeedBreaker: true,
	})

	go monitor.Run()
	monitor.Shutdown()
	monitor.Wait()

	snapshot, err := m.BreakerSnapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, snapshot.State)

	// Synthetic failures never touch operation counters
	metrics, err := m.StrategyMetrics("alpha")
	require.NoError(t, err)
	assert.Zero(t, metrics.TotalOperations)
	assert.EqualValues(t, 1, metrics.HealthCheckCount)
}

func TestMonitorWithoutFeedLeavesBreakerAlone(t *testing.T) {
	m := newTestManager(t, Config{
		Breaker: BreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Hour},
	})
	sick := registerInitialized(t, m, Registration{Name: "alpha"})
	sick.health = func(ctx context.Context) HealthStatus {
		return Unhealthy("api unreachable")
	}

	monitor := NewMonitor(m, MonitorConfig{Logger: quietLogger(), Interval: time.Hour})
	go monitor.Run()
	monitor.Shutdown()
	monitor.Wait()

	snapshot, err := m.BreakerSnapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, snapshot.State)
}

func TestMonitorToleratesHealthCheckPanic(t *testing.T) {
	m := newTestManager(t, Config{})
	sick := registerInitialized(t, m, Registration{Name: "alpha"})
	sick.health = func(ctx context.Context) HealthStatus {
		panic("probe exploded")
	}

	monitor := NewMonitor(m, MonitorConfig{Logger: quietLogger(), Interval: time.Hour})

	assert.NotPanics(t, func() {
		go monitor.Run()
		monitor.Shutdown()
		monitor.Wait()
	})

	status, err := m.CheckHealth(context.Background(), "alpha")
	require.NoError(t, err)
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Message, "panicked")
}
