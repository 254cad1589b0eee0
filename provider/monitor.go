package provider

import (
	"context"
	"log/slog"
	"time"
)

// MonitorConfig tunes a Monitor.
type MonitorConfig struct {
	Logger *slog.Logger
	// Interval between health check rounds.
	Interval time.Duration
	// FeedBreaker records an unhealthy probe as a synthetic failure in the
	// strategy's circuit breaker, so health-based and breaker-gated
	// selection react to degradation between operations.
	FeedBreaker bool
	// OnStatus, when set, is called after every probe. Used by the serving
	// front-end to publish per-strategy health.
	OnStatus func(name string, status HealthStatus)
}

// Monitor periodically drives Manager.CheckHealth for every registered
// strategy. It owns no health logic itself, only the probing loop.
type Monitor struct {
	manager *Manager
	config  MonitorConfig
	log     *slog.Logger

	stop chan any
	done chan any
}

func NewMonitor(manager *Manager, config MonitorConfig) *Monitor {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}

	return &Monitor{
		manager: manager,
		config:  config,
		log:     config.Logger,

		stop: make(chan any),
		done: make(chan any),
	}
}

// Run blocks in the monitoring loop until Shutdown is called. An initial
// round runs immediately so serving status is populated before the first
// interval elapses.
func (mon *Monitor) Run() {
	defer close(mon.done)

	ticker := time.NewTicker(mon.config.Interval)
	defer ticker.Stop()

	mon.log.Info("Health monitor is running", "interval", mon.config.Interval)
	mon.round()

	for {
		select {
		case <-ticker.C:
			mon.round()
		case <-mon.stop:
			mon.log.Info("Health monitor is stopping")
			return
		}
	}
}

// Shutdown signals the monitoring loop to stop.
func (mon *Monitor) Shutdown() {
	close(mon.stop)
}

// Wait blocks until the loop has fully stopped. It must not return before
// Shutdown has been called.
func (mon *Monitor) Wait() {
	<-mon.done
}

func (mon *Monitor) round() {
	ctx, cancel := context.WithTimeout(context.Background(), mon.config.Interval)
	defer cancel()

	for _, name := range mon.manager.AvailableStrategies() {
		status, err := mon.manager.CheckHealth(ctx, name)
		if err != nil {
			// Strategy was removed between listing and probing
			continue
		}

		if !status.Healthy {
			mon.log.Warn("Provider strategy is unhealthy", "strategy", name, "message", status.Message)
			if mon.config.FeedBreaker {
				mon.feedBreaker(name)
			}
		} else {
			mon.log.Debug("Provider strategy is healthy", "strategy", name)
		}

		if mon.config.OnStatus != nil {
			mon.config.OnStatus(name, status)
		}
	}
}

// feedBreaker records the unhealthy probe as a breaker failure without
// touching operation metrics, preserving the successful+failed==total
// invariant.
func (mon *Monitor) feedBreaker(name string) {
	mon.manager.mu.RLock()
	e, ok := mon.manager.byName[name]
	mon.manager.mu.RUnlock()

	if ok {
		e.breaker.RecordFailure()
	}
}
