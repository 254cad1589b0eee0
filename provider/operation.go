package provider

import "github.com/samber/lo"

type OperationType string

const (
	OpCreateInstances    OperationType = "create_instances"
	OpTerminateInstances OperationType = "terminate_instances"
	OpGetInstanceStatus  OperationType = "get_instance_status"
	OpListInstances      OperationType = "list_instances"
	OpCheckCapacity      OperationType = "check_capacity"
)

// knownOperations is the closed set of operation kinds the broker routes.
// A kind outside this set fails before any strategy is consulted.
var knownOperations = []OperationType{
	OpCreateInstances,
	OpTerminateInstances,
	OpGetInstanceStatus,
	OpListInstances,
	OpCheckCapacity,
}

func (t OperationType) Known() bool {
	return lo.Contains(knownOperations, t)
}

// Context keys understood by the orchestrator. Everything else in the
// context bag is passed through to the strategy untouched.
const (
	ContextDryRun   = "dry_run"
	ContextFeatures = "features"
)

// Operation is a single provisioning request. Parameters are opaque to the
// orchestrator; Context carries cross-cutting call options such as dry_run.
type Operation struct {
	Type       OperationType  `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// DryRun reports whether the operation carries the dry_run flag.
func (op Operation) DryRun() bool {
	dryRun, _ := op.Context[ContextDryRun].(bool)
	return dryRun
}

// RequestedFeatures returns the feature flags requested in the operation
// context, used by the capability-based selection policy.
func (op Operation) RequestedFeatures() []string {
	switch features := op.Context[ContextFeatures].(type) {
	case []string:
		return features
	case []any:
		return lo.FilterMap(features, func(f any, _ int) (string, bool) {
			s, ok := f.(string)
			return s, ok
		})
	default:
		return nil
	}
}

// ResultMetadata is stamped by the orchestrator on every result, including
// rejections where no strategy was invoked.
type ResultMetadata struct {
	Provider        string `json:"provider"`
	DryRun          bool   `json:"dry_run"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// Result is the uniform outcome of an operation. Execution paths always
// return a Result, never an error: failures are carried in ErrorMessage.
type Result struct {
	Success      bool           `json:"success"`
	Data         map[string]any `json:"data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     ResultMetadata `json:"metadata"`
}

// Failure builds a failed Result with the given message.
func Failure(message string) Result {
	return Result{Success: false, ErrorMessage: message}
}

// Succeed builds a successful Result carrying the given data.
func Succeed(data map[string]any) Result {
	return Result{Success: true, Data: data}
}
