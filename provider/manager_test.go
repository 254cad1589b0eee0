package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock strategy ---

type mockStrategy struct {
	typ         string
	initErr     error
	initialized atomic.Bool
	caps        Capabilities

	execute func(ctx context.Context, op Operation) (Result, error)
	health  func(ctx context.Context) HealthStatus

	calls atomic.Int64
}

func newMockStrategy(typ string, ops ...OperationType) *mockStrategy {
	if len(ops) == 0 {
		ops = knownOperations
	}
	return &mockStrategy{
		typ:  typ,
		caps: Capabilities{SupportedOperations: ops},
	}
}

func (s *mockStrategy) Type() string { return s.typ }

func (s *mockStrategy) Initialize(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	s.initialized.Store(true)
	return nil
}

func (s *mockStrategy) Initialized() bool { return s.initialized.Load() }

func (s *mockStrategy) Capabilities() Capabilities { return s.caps }

func (s *mockStrategy) Execute(ctx context.Context, op Operation) (Result, error) {
	s.calls.Add(1)
	if s.execute != nil {
		return s.execute(ctx, op)
	}
	return Succeed(nil), nil
}

func (s *mockStrategy) CheckHealth(ctx context.Context) HealthStatus {
	if s.health != nil {
		return s.health(ctx)
	}
	return Healthy("ok")
}

// --- Helpers ---

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestManager(t *testing.T, config Config) *Manager {
	t.Helper()
	if config.Logger == nil {
		config.Logger = quietLogger()
	}
	if config.Breaker == (BreakerConfig{}) {
		// Most tests don't exercise the breaker; keep it out of the way
		config.Breaker = BreakerConfig{Enabled: false}
	}
	return NewManager(config)
}

func mustRegister(t *testing.T, m *Manager, s Strategy, reg Registration) {
	t.Helper()
	require.NoError(t, m.Register(s, reg))
}

func createOp() Operation {
	return Operation{Type: OpCreateInstances}
}

// --- Registration ---

func TestRegisterUniqueNames(t *testing.T) {
	m := newTestManager(t, Config{})

	for _, name := range []string{"alpha", "bravo", "charlie"} {
		mustRegister(t, m, newMockStrategy("mock"), Registration{Name: name})
	}

	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, m.AvailableStrategies())
}

func TestRegisterDuplicateNameRejected(t *testing.T) {
	m := newTestManager(t, Config{})

	first := newMockStrategy("mock")
	mustRegister(t, m, first, Registration{Name: "alpha"})
	require.NoError(t, m.Initialize(context.Background()))

	err := m.Register(newMockStrategy("mock"), Registration{Name: "alpha"})
	require.ErrorIs(t, err, ErrDuplicateStrategy)

	// The original registration is untouched
	assert.Equal(t, []string{"alpha"}, m.AvailableStrategies())
	result := m.ExecuteWith(context.Background(), "alpha", createOp())
	assert.True(t, result.Success)
	assert.EqualValues(t, 1, first.calls.Load())
}

func TestRegisterDefaultsNameToType(t *testing.T) {
	m := newTestManager(t, Config{})
	mustRegister(t, m, newMockStrategy("openstack"), Registration{})
	assert.Equal(t, []string{"openstack"}, m.AvailableStrategies())
}

func TestClearRemovesAllRegistrations(t *testing.T) {
	m := newTestManager(t, Config{})
	mustRegister(t, m, newMockStrategy("mock"), Registration{Name: "alpha"})
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.SetStrategy("alpha"))

	m.Clear()
	assert.Empty(t, m.AvailableStrategies())
	_, pinned := m.CurrentStrategy()
	assert.False(t, pinned)
}

// --- Initialization ---

func TestInitializeEmptyRegistryFails(t *testing.T) {
	m := newTestManager(t, Config{})
	assert.ErrorIs(t, m.Initialize(context.Background()), ErrNoStrategiesInitialized)
}

func TestInitializeAllStrategiesFail(t *testing.T) {
	m := newTestManager(t, Config{})

	failing := newMockStrategy("mock")
	failing.initErr = errors.New("no credentials")
	mustRegister(t, m, failing, Registration{Name: "alpha"})

	assert.ErrorIs(t, m.Initialize(context.Background()), ErrNoStrategiesInitialized)
}

func TestInitializeToleratesPartialFailure(t *testing.T) {
	m := newTestManager(t, Config{})

	failing := newMockStrategy("mock")
	failing.initErr = errors.New("no credentials")
	working := newMockStrategy("mock")
	mustRegister(t, m, failing, Registration{Name: "broken"})
	mustRegister(t, m, working, Registration{Name: "working"})

	require.NoError(t, m.Initialize(context.Background()))

	// The failed strategy is excluded from routing
	result := m.Execute(context.Background(), createOp())
	assert.True(t, result.Success)
	assert.Equal(t, "working", result.Metadata.Provider)
	assert.EqualValues(t, 0, failing.calls.Load())
}

func TestInitializeToleratesPanic(t *testing.T) {
	m := newTestManager(t, Config{})
	mustRegister(t, m, &panickyInitStrategy{}, Registration{Name: "bad"})
	mustRegister(t, m, newMockStrategy("mock"), Registration{Name: "good"})

	assert.NoError(t, m.Initialize(context.Background()))
}

type panickyInitStrategy struct{ mockStrategy }

func (s *panickyInitStrategy) Initialize(ctx context.Context) error {
	panic("boom")
}

// --- Execution paths ---

func TestExecuteRoutesToEligibleStrategy(t *testing.T) {
	m := newTestManager(t, Config{})
	s := newMockStrategy("mock")
	mustRegister(t, m, s, Registration{Name: "alpha"})
	require.NoError(t, m.Initialize(context.Background()))

	result := m.Execute(context.Background(), createOp())
	require.True(t, result.Success)
	assert.Equal(t, "alpha", result.Metadata.Provider)
	assert.False(t, result.Metadata.DryRun)
}

func TestExecuteUnsupportedOperation(t *testing.T) {
	m := newTestManager(t, Config{})
	s := newMockStrategy("mock")
	mustRegister(t, m, s, Registration{Name: "alpha"})
	require.NoError(t, m.Initialize(context.Background()))

	result := m.Execute(context.Background(), Operation{Type: "dance"})
	require.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "unsupported operation")
	assert.EqualValues(t, 0, s.calls.Load())
}

func TestExecuteNoCapableProvider(t *testing.T) {
	m := newTestManager(t, Config{})
	s := newMockStrategy("mock", OpCreateInstances)
	mustRegister(t, m, s, Registration{Name: "alpha"})
	require.NoError(t, m.Initialize(context.Background()))

	result := m.Execute(context.Background(), Operation{Type: OpGetInstanceStatus})
	require.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "no available provider")
	assert.EqualValues(t, 0, s.calls.Load())
}

func TestExecuteNoProviderRegistered(t *testing.T) {
	m := newTestManager(t, Config{})
	result := m.Execute(context.Background(), createOp())
	require.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "no available provider")
}

func TestExecuteWithUnknownProvider(t *testing.T) {
	m := newTestManager(t, Config{})
	result := m.ExecuteWith(context.Background(), "ghost", createOp())
	require.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "unknown provider")
}

func TestExecuteWithUninitializedProvider(t *testing.T) {
	m := newTestManager(t, Config{})
	s := newMockStrategy("mock")
	mustRegister(t, m, s, Registration{Name: "alpha"})

	result := m.ExecuteWith(context.Background(), "alpha", createOp())
	require.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "not initialized")
	assert.EqualValues(t, 0, s.calls.Load())
}

func TestExecuteContainsStrategyPanic(t *testing.T) {
	m := newTestManager(t, Config{})
	s := newMockStrategy("mock")
	s.execute = func(ctx context.Context, op Operation) (Result, error) {
		panic("kaboom")
	}
	mustRegister(t, m, s, Registration{Name: "alpha"})
	require.NoError(t, m.Initialize(context.Background()))

	var result Result
	assert.NotPanics(t, func() {
		result = m.Execute(context.Background(), createOp())
	})
	require.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "panicked")
	assert.Contains(t, result.ErrorMessage, "kaboom")
}

func TestExecuteWrapsStrategyError(t *testing.T) {
	m := newTestManager(t, Config{})
	s := newMockStrategy("mock")
	s.execute = func(ctx context.Context, op Operation) (Result, error) {
		return Result{}, errors.New("quota exceeded")
	}
	mustRegister(t, m, s, Registration{Name: "alpha"})
	require.NoError(t, m.Initialize(context.Background()))

	result := m.Execute(context.Background(), createOp())
	require.False(t, result.Success)
	assert.Equal(t, "quota exceeded", result.ErrorMessage)
}

func TestExecuteStampsMetadataOnEveryPath(t *testing.T) {
	m := newTestManager(t, Config{})
	s := newMockStrategy("mock")
	s.execute = func(ctx context.Context, op Operation) (Result, error) {
		time.Sleep(2 * time.Millisecond)
		return Succeed(map[string]any{"instances": 1}), nil
	}
	mustRegister(t, m, s, Registration{Name: "alpha"})
	require.NoError(t, m.Initialize(context.Background()))

	op := createOp()
	op.Context = map[string]any{ContextDryRun: true}

	result := m.Execute(context.Background(), op)
	require.True(t, result.Success)
	assert.Equal(t, "alpha", result.Metadata.Provider)
	assert.True(t, result.Metadata.DryRun)
	assert.GreaterOrEqual(t, result.Metadata.ExecutionTimeMs, int64(2))

	// Rejection paths are stamped too
	rejected := m.Execute(context.Background(), Operation{Type: "dance", Context: map[string]any{ContextDryRun: true}})
	assert.True(t, rejected.Metadata.DryRun)
}

func TestSetStrategyPinsRouting(t *testing.T) {
	m := newTestManager(t, Config{})
	a := newMockStrategy("mock")
	b := newMockStrategy("mock")
	mustRegister(t, m, a, Registration{Name: "alpha"})
	mustRegister(t, m, b, Registration{Name: "bravo"})
	require.NoError(t, m.Initialize(context.Background()))

	require.NoError(t, m.SetStrategy("bravo"))
	current, pinned := m.CurrentStrategy()
	require.True(t, pinned)
	assert.Equal(t, "bravo", current)

	for range 3 {
		result := m.Execute(context.Background(), createOp())
		assert.Equal(t, "bravo", result.Metadata.Provider)
	}
	assert.EqualValues(t, 0, a.calls.Load())

	m.ClearCurrentStrategy()
	result := m.Execute(context.Background(), createOp())
	assert.Equal(t, "alpha", result.Metadata.Provider)
}

func TestSetStrategyValidation(t *testing.T) {
	m := newTestManager(t, Config{})
	mustRegister(t, m, newMockStrategy("mock"), Registration{Name: "alpha"})

	assert.ErrorIs(t, m.SetStrategy("ghost"), ErrUnknownStrategy)
	assert.ErrorContains(t, m.SetStrategy("alpha"), "not initialized")
}

// --- Circuit breaking on execution paths ---

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	m := newTestManager(t, Config{
		Breaker: BreakerConfig{Enabled: true, FailureThreshold: 3, RecoveryTimeout: time.Hour},
	})
	s := newMockStrategy("mock")
	s.execute = func(ctx context.Context, op Operation) (Result, error) {
		return Failure("backend down"), nil
	}
	mustRegister(t, m, s, Registration{Name: "alpha"})
	require.NoError(t, m.Initialize(context.Background()))

	for range 3 {
		result := m.ExecuteWith(context.Background(), "alpha", createOp())
		assert.False(t, result.Success)
	}

	snapshot, err := m.BreakerSnapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, snapshot.State)

	// Fourth call fails fast without invoking the strategy
	result := m.ExecuteWith(context.Background(), "alpha", createOp())
	require.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "circuit breaker is open")
	assert.EqualValues(t, 3, s.calls.Load())
}

func TestBreakerAppliesToPolicyRoutedPath(t *testing.T) {
	m := newTestManager(t, Config{
		Breaker: BreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Hour},
	})
	s := newMockStrategy("mock")
	s.execute = func(ctx context.Context, op Operation) (Result, error) {
		return Failure("backend down"), nil
	}
	mustRegister(t, m, s, Registration{Name: "alpha"})
	require.NoError(t, m.Initialize(context.Background()))

	m.Execute(context.Background(), createOp())

	// Breaker is open, the strategy is no longer eligible
	result := m.Execute(context.Background(), createOp())
	require.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "no available provider")
	assert.EqualValues(t, 1, s.calls.Load())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	m := newTestManager(t, Config{
		Breaker: BreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: 30 * time.Millisecond, HalfOpenMaxCalls: 1},
	})

	var failing atomic.Bool
	failing.Store(true)
	s := newMockStrategy("mock")
	s.execute = func(ctx context.Context, op Operation) (Result, error) {
		if failing.Load() {
			return Failure("backend down"), nil
		}
		return Succeed(nil), nil
	}
	mustRegister(t, m, s, Registration{Name: "alpha"})
	require.NoError(t, m.Initialize(context.Background()))

	m.ExecuteWith(context.Background(), "alpha", createOp())
	snapshot, _ := m.BreakerSnapshot("alpha")
	require.Equal(t, BreakerOpen, snapshot.State)

	time.Sleep(40 * time.Millisecond)

	// Failing trial sends the breaker straight back to open
	result := m.ExecuteWith(context.Background(), "alpha", createOp())
	assert.False(t, result.Success)
	assert.EqualValues(t, 2, s.calls.Load())
	snapshot, _ = m.BreakerSnapshot("alpha")
	assert.Equal(t, BreakerOpen, snapshot.State)

	time.Sleep(40 * time.Millisecond)
	failing.Store(false)

	// Successful trial closes the breaker and resets the failure count
	result = m.ExecuteWith(context.Background(), "alpha", createOp())
	assert.True(t, result.Success)
	snapshot, _ = m.BreakerSnapshot("alpha")
	assert.Equal(t, BreakerClosed, snapshot.State)
	assert.Zero(t, snapshot.Failures)
}

// --- Metrics ---

func TestMetricsInvariantHolds(t *testing.T) {
	m := newTestManager(t, Config{})

	flaky := newMockStrategy("mock")
	var n atomic.Int64
	flaky.execute = func(ctx context.Context, op Operation) (Result, error) {
		if n.Add(1)%3 == 0 {
			return Failure("transient"), nil
		}
		return Succeed(nil), nil
	}
	mustRegister(t, m, flaky, Registration{Name: "alpha"})
	mustRegister(t, m, newMockStrategy("mock"), Registration{Name: "bravo"})
	require.NoError(t, m.Initialize(context.Background()))

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		name := []string{"alpha", "bravo"}[i%2]
		go func() {
			defer wg.Done()
			m.ExecuteWith(context.Background(), name, createOp())
		}()
	}
	wg.Wait()

	for name, metrics := range m.AllMetrics() {
		assert.Equal(t, metrics.TotalOperations, metrics.SuccessfulOperations+metrics.FailedOperations, "strategy %s", name)
		assert.EqualValues(t, 20, metrics.TotalOperations, "strategy %s", name)
	}

	metrics, err := m.StrategyMetrics("alpha")
	require.NoError(t, err)
	assert.InDelta(t, float64(metrics.SuccessfulOperations)/float64(metrics.TotalOperations), metrics.SuccessRate, 1e-9)
}

func TestHealthCheckUpdatesMetricsAndCache(t *testing.T) {
	m := newTestManager(t, Config{})
	s := newMockStrategy("mock")
	s.health = func(ctx context.Context) HealthStatus {
		return Unhealthy("api unreachable")
	}
	mustRegister(t, m, s, Registration{Name: "alpha"})
	require.NoError(t, m.Initialize(context.Background()))

	status, err := m.CheckHealth(context.Background(), "alpha")
	require.NoError(t, err)
	assert.False(t, status.Healthy)
	assert.Equal(t, "api unreachable", status.Message)
	assert.False(t, status.CheckedAt.IsZero())

	metrics, err := m.StrategyMetrics("alpha")
	require.NoError(t, err)
	assert.EqualValues(t, 1, metrics.HealthCheckCount)
	assert.Zero(t, metrics.TotalOperations)

	_, err = m.CheckHealth(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestStrategyCapabilitiesSnapshot(t *testing.T) {
	m := newTestManager(t, Config{})
	s := newMockStrategy("mock", OpCreateInstances, OpListInstances)
	s.caps.Features = []string{"keypair-injection"}
	mustRegister(t, m, s, Registration{Name: "alpha"})

	caps, err := m.StrategyCapabilities("alpha")
	require.NoError(t, err)
	assert.True(t, caps.Supports(OpCreateInstances))
	assert.False(t, caps.Supports(OpTerminateInstances))
	assert.True(t, caps.HasFeature("keypair-injection"))

	_, err = m.StrategyCapabilities("ghost")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestConcurrentRegistrationAndExecution(t *testing.T) {
	m := newTestManager(t, Config{Policy: PolicyRoundRobin})
	for i := range 4 {
		s := newMockStrategy("mock")
		s.initialized.Store(true)
		mustRegister(t, m, s, Registration{Name: fmt.Sprintf("s%d", i)})
	}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				result := m.Execute(context.Background(), createOp())
				assert.True(t, result.Success)
			}
		}()
		if i == 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s := newMockStrategy("mock")
				s.initialized.Store(true)
				_ = m.Register(s, Registration{Name: "late"})
			}()
		}
	}
	wg.Wait()

	total := uint64(0)
	for _, metrics := range m.AllMetrics() {
		assert.Equal(t, metrics.TotalOperations, metrics.SuccessfulOperations+metrics.FailedOperations)
		total += metrics.TotalOperations
	}
	assert.EqualValues(t, 400, total)
}
