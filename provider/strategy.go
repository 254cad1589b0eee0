package provider

import (
	"context"
	"time"

	"github.com/samber/lo"
)

// Strategy is the contract every compute backend implements. The
// orchestrator is responsible for catching anything a strategy does wrong:
// an Execute error (or panic) never reaches the orchestrator's callers.
type Strategy interface {
	// Type identifies the backend kind ("openstack", "local", ...).
	Type() string
	// Initialize prepares the backend for use (authentication, clients).
	Initialize(ctx context.Context) error
	// Initialized reports whether Initialize completed successfully.
	Initialized() bool
	// Capabilities describes what the backend supports. Stable after
	// initialization.
	Capabilities() Capabilities
	// Execute performs one operation. May block on backend I/O; must honor
	// cancellation carried in ctx.
	Execute(ctx context.Context, op Operation) (Result, error)
	// CheckHealth probes the backend.
	CheckHealth(ctx context.Context) HealthStatus
}

// Capabilities describes what a backend supports, reported once at
// initialization time.
type Capabilities struct {
	SupportedOperations []OperationType    `json:"supported_operations"`
	Features            []string           `json:"features,omitempty"`
	Limitations         map[string]any     `json:"limitations,omitempty"`
	Performance         map[string]float64 `json:"performance,omitempty"`
}

func (c Capabilities) Supports(t OperationType) bool {
	return lo.Contains(c.SupportedOperations, t)
}

func (c Capabilities) HasFeature(feature string) bool {
	return lo.Contains(c.Features, feature)
}

// HealthStatus is the outcome of a single health probe.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

func Healthy(message string) HealthStatus {
	return HealthStatus{Healthy: true, Message: message, CheckedAt: time.Now()}
}

func Unhealthy(message string) HealthStatus {
	return HealthStatus{Healthy: false, Message: message, CheckedAt: time.Now()}
}
