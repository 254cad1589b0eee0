package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

var (
	// ErrDuplicateStrategy is returned when registering a name twice.
	ErrDuplicateStrategy = errors.New("strategy name already registered")
	// ErrUnknownStrategy is returned when addressing an unregistered name.
	ErrUnknownStrategy = errors.New("strategy not registered")
	// ErrNoStrategiesInitialized is returned by Initialize when not a single
	// strategy came up, including the empty-registry case.
	ErrNoStrategiesInitialized = errors.New("no strategies initialized")
)

// Registration carries the per-instance settings a strategy is registered
// with, sourced from the provider manifest.
type Registration struct {
	// Name uniquely identifies the instance. Defaults to the strategy type.
	Name string
	// Weight biases weighted round-robin selection. Defaults to 1.
	Weight int
	// Priority orders instances for reporting. Lower is more preferred.
	Priority int
}

// Config tunes a Manager.
type Config struct {
	Logger *slog.Logger
	// Policy is the selection policy for policy-routed execution.
	// Defaults to PolicyFirstAvailable.
	Policy Policy
	// Breaker is the circuit breaker configuration applied to every
	// registered strategy.
	Breaker BreakerConfig
}

// entry bundles a registered strategy with its guard rails. The breaker and
// metrics are created at registration time and live as long as the entry.
type entry struct {
	name     string
	weight   int
	priority int
	order    int
	strategy Strategy

	breaker *CircuitBreaker
	metrics *metricsTracker

	// execMu serializes calls into the strategy itself; calls targeting
	// other strategies are not affected.
	execMu   sync.Mutex
	inflight atomic.Int64

	healthMu   sync.Mutex
	lastHealth HealthStatus
}

// Manager owns the registry of named strategy instances and routes
// operations to them. It is the only shared mutable resource of this layer;
// all methods are safe for concurrent use.
//
// Execution paths never return an error: every outcome, including circuit
// rejections and strategy panics, is a Result.
type Manager struct {
	config Config
	log    *slog.Logger

	mu      sync.RWMutex
	entries []*entry // registration order
	byName  map[string]*entry
	current string // single-active mode, empty when unset

	rrCursor   atomic.Uint64
	wrrMu      sync.Mutex
	wrrCurrent map[string]int
}

func NewManager(config Config) *Manager {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Policy == "" {
		config.Policy = PolicyFirstAvailable
	}
	if config.Breaker == (BreakerConfig{}) {
		config.Breaker = DefaultBreakerConfig()
	}

	return &Manager{
		config:     config,
		log:        config.Logger,
		byName:     make(map[string]*entry),
		wrrCurrent: make(map[string]int),
	}
}

// Register stores a strategy under a unique name together with a fresh
// circuit breaker and zeroed metrics. It does not initialize the strategy.
func (m *Manager) Register(strategy Strategy, reg Registration) error {
	if strategy == nil {
		return errors.New("strategy must not be nil")
	}
	if reg.Name == "" {
		reg.Name = strategy.Type()
	}
	if reg.Weight <= 0 {
		reg.Weight = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[reg.Name]; exists {
		return fmt.Errorf("%w: '%s'", ErrDuplicateStrategy, reg.Name)
	}

	e := &entry{
		name:     reg.Name,
		weight:   reg.Weight,
		priority: reg.Priority,
		order:    len(m.entries),
		strategy: strategy,
		breaker:  NewCircuitBreaker(m.config.Breaker),
		metrics:  &metricsTracker{},
	}
	m.entries = append(m.entries, e)
	m.byName[reg.Name] = e

	m.log.Info("Registered provider strategy", "strategy", reg.Name, "type", strategy.Type(), "weight", reg.Weight)
	return nil
}

// Initialize brings up every registered strategy. A strategy that fails to
// initialize is logged and excluded from eligibility but does not abort the
// loop. Returns ErrNoStrategiesInitialized if zero strategies came up.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.RLock()
	entries := lo.Slice(m.entries, 0, len(m.entries))
	m.mu.RUnlock()

	initialized := 0
	for _, e := range entries {
		if err := m.initializeStrategy(ctx, e); err != nil {
			m.log.Warn("Provider strategy failed to initialize", "strategy", e.name, "error", err)
			continue
		}
		m.log.Info("Provider strategy initialized", "strategy", e.name)
		initialized += 1
	}

	if initialized == 0 {
		return ErrNoStrategiesInitialized
	}
	return nil
}

// initializeStrategy shields the manager from a strategy that panics during
// initialization.
func (m *Manager) initializeStrategy(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panicked during initialization: %v", r)
		}
	}()
	return e.strategy.Initialize(ctx)
}

// SetStrategy pins all policy-routed execution to a single registered,
// initialized strategy.
func (m *Manager) SetStrategy(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: '%s'", ErrUnknownStrategy, name)
	}
	if !e.strategy.Initialized() {
		return fmt.Errorf("strategy '%s' is not initialized", name)
	}

	m.current = name
	m.log.Info("Pinned provider strategy", "strategy", name)
	return nil
}

// CurrentStrategy returns the pinned strategy name, if any.
func (m *Manager) CurrentStrategy() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.current != ""
}

// ClearCurrentStrategy restores policy routing.
func (m *Manager) ClearCurrentStrategy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = ""
}

// AvailableStrategies returns all registered names in registration order.
func (m *Manager) AvailableStrategies() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Map(m.entries, func(e *entry, _ int) string { return e.name })
}

// Clear removes every registration and resets routing state. Meant for
// shutdown and test isolation.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.byName = make(map[string]*entry)
	m.current = ""
	m.rrCursor.Store(0)

	m.wrrMu.Lock()
	m.wrrCurrent = make(map[string]int)
	m.wrrMu.Unlock()
}

// Execute routes an operation through the configured selection policy, or
// to the pinned strategy when one is set. It never returns an error; every
// failure mode is a failed Result.
func (m *Manager) Execute(ctx context.Context, op Operation) Result {
	if !op.Type.Known() {
		return m.reject(op, fmt.Sprintf("unsupported operation '%s'", op.Type))
	}

	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()

	if current != "" {
		return m.ExecuteWith(ctx, current, op)
	}

	eligible := m.eligibleEntries(op)
	if len(eligible) == 0 {
		return m.reject(op, fmt.Sprintf("no available provider for operation '%s'", op.Type))
	}

	selected := m.selectEntry(op, eligible)
	return m.executeEntry(ctx, selected, op)
}

// ExecuteWith routes an operation to a specific strategy by name. The
// strategy's circuit breaker applies exactly as on the policy-routed path.
func (m *Manager) ExecuteWith(ctx context.Context, name string, op Operation) Result {
	if !op.Type.Known() {
		return m.reject(op, fmt.Sprintf("unsupported operation '%s'", op.Type))
	}

	m.mu.RLock()
	e, ok := m.byName[name]
	m.mu.RUnlock()

	if !ok {
		return m.reject(op, fmt.Sprintf("unknown provider '%s'", name))
	}
	if !e.strategy.Initialized() {
		return m.reject(op, fmt.Sprintf("provider '%s' is not initialized", name))
	}

	return m.executeEntry(ctx, e, op)
}

// executeEntry is the single funnel for strategy invocation: breaker check,
// per-strategy critical section, panic containment, timing, and recording.
func (m *Manager) executeEntry(ctx context.Context, e *entry, op Operation) Result {
	if err := e.breaker.Allow(); err != nil {
		m.log.Warn("Rejected operation, circuit breaker is open", "strategy", e.name, "operation", op.Type)
		result := Failure(fmt.Sprintf("provider '%s': %s", e.name, err))
		result.Metadata = ResultMetadata{Provider: e.name, DryRun: op.DryRun()}
		return result
	}

	e.inflight.Add(1)
	defer e.inflight.Add(-1)

	e.execMu.Lock()
	started := time.Now()
	result, err := m.invokeStrategy(ctx, e, op)
	elapsed := time.Since(started)
	e.execMu.Unlock()

	if err != nil {
		result = Failure(err.Error())
	}

	e.metrics.record(result.Success, elapsed)
	if result.Success {
		e.breaker.RecordSuccess()
	} else {
		e.breaker.RecordFailure()
		m.log.Warn("Provider operation failed",
			"strategy", e.name, "operation", op.Type, "error", result.ErrorMessage, "duration", elapsed)
	}

	result.Metadata = ResultMetadata{
		Provider:        e.name,
		DryRun:          op.DryRun(),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	return result
}

// invokeStrategy contains a misbehaving strategy: a panic inside Execute is
// converted to an error at this boundary.
func (m *Manager) invokeStrategy(ctx context.Context, e *entry, op Operation) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider '%s' panicked: %v", e.name, r)
		}
	}()
	return e.strategy.Execute(ctx, op)
}

// CheckHealth probes a strategy, caches the outcome for health-based
// selection, and counts the probe in the strategy's metrics.
func (m *Manager) CheckHealth(ctx context.Context, name string) (HealthStatus, error) {
	m.mu.RLock()
	e, ok := m.byName[name]
	m.mu.RUnlock()

	if !ok {
		return HealthStatus{}, fmt.Errorf("%w: '%s'", ErrUnknownStrategy, name)
	}

	status := m.probeStrategy(ctx, e)
	if status.CheckedAt.IsZero() {
		status.CheckedAt = time.Now()
	}

	e.healthMu.Lock()
	e.lastHealth = status
	e.healthMu.Unlock()

	e.metrics.recordHealthCheck()
	return status, nil
}

func (m *Manager) probeStrategy(ctx context.Context, e *entry) (status HealthStatus) {
	defer func() {
		if r := recover(); r != nil {
			status = Unhealthy(fmt.Sprintf("health check panicked: %v", r))
		}
	}()
	return e.strategy.CheckHealth(ctx)
}

// StrategyCapabilities returns the capabilities reported by a strategy.
func (m *Manager) StrategyCapabilities(name string) (Capabilities, error) {
	m.mu.RLock()
	e, ok := m.byName[name]
	m.mu.RUnlock()

	if !ok {
		return Capabilities{}, fmt.Errorf("%w: '%s'", ErrUnknownStrategy, name)
	}
	return e.strategy.Capabilities(), nil
}

// StrategyMetrics returns a metrics snapshot for one strategy.
func (m *Manager) StrategyMetrics(name string) (Metrics, error) {
	m.mu.RLock()
	e, ok := m.byName[name]
	m.mu.RUnlock()

	if !ok {
		return Metrics{}, fmt.Errorf("%w: '%s'", ErrUnknownStrategy, name)
	}
	return e.metrics.snapshot(), nil
}

// AllMetrics returns metrics snapshots for every registered strategy.
func (m *Manager) AllMetrics() map[string]Metrics {
	m.mu.RLock()
	entries := lo.Slice(m.entries, 0, len(m.entries))
	m.mu.RUnlock()

	return lo.SliceToMap(entries, func(e *entry) (string, Metrics) {
		return e.name, e.metrics.snapshot()
	})
}

// BreakerSnapshot returns the breaker state for one strategy.
func (m *Manager) BreakerSnapshot(name string) (BreakerSnapshot, error) {
	m.mu.RLock()
	e, ok := m.byName[name]
	m.mu.RUnlock()

	if !ok {
		return BreakerSnapshot{}, fmt.Errorf("%w: '%s'", ErrUnknownStrategy, name)
	}
	return e.breaker.Snapshot(), nil
}

// eligibleEntries returns strategies that may service the operation:
// initialized, capability-matching, and not circuit-broken. Registration
// order is preserved.
func (m *Manager) eligibleEntries(op Operation) []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return lo.Filter(m.entries, func(e *entry, _ int) bool {
		return e.strategy.Initialized() &&
			e.breaker.State() != BreakerOpen &&
			e.strategy.Capabilities().Supports(op.Type)
	})
}

// reject builds the failed Result for operations that never reach a
// strategy. Metadata is stamped on this path too.
func (m *Manager) reject(op Operation, message string) Result {
	m.log.Warn("Rejected operation", "operation", op.Type, "reason", message)
	result := Failure(message)
	result.Metadata = ResultMetadata{DryRun: op.DryRun()}
	return result
}
