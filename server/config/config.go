package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/gammadia/quartermaster/provider"
)

// ProviderTypes lists the strategy types this server can construct.
var ProviderTypes = []string{"local", "openstack"}

// Duration wraps time.Duration with YAML support for values like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Manifest is the provider configuration file loaded at startup.
type Manifest struct {
	Policy    provider.Policy    `yaml:"policy"`
	Breaker   Breaker            `yaml:"breaker"`
	Monitor   Monitor            `yaml:"monitor"`
	Providers []ProviderInstance `yaml:"providers"`
}

type Breaker struct {
	Enabled          *bool    `yaml:"enabled"`
	FailureThreshold int      `yaml:"failure-threshold"`
	RecoveryTimeout  Duration `yaml:"recovery-timeout"`
	HalfOpenMaxCalls int      `yaml:"half-open-max-calls"`
}

type Monitor struct {
	Interval    Duration `yaml:"interval"`
	FeedBreaker bool     `yaml:"feed-breaker"`
}

// ProviderInstance describes one strategy instance. Instances are
// constructed once at startup and registered under their unique name.
type ProviderInstance struct {
	Name         string         `yaml:"name"`
	Type         string         `yaml:"type"`
	Enabled      *bool          `yaml:"enabled"`
	Weight       int            `yaml:"weight"`
	Priority     int            `yaml:"priority"`
	Capabilities []string       `yaml:"capabilities"`
	Config       map[string]any `yaml:"config"`
}

// IsEnabled treats a missing enabled key as true.
func (p ProviderInstance) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// BreakerConfig converts the manifest breaker section into the provider
// layer's configuration, falling back to defaults for missing values.
func (m Manifest) BreakerConfig() provider.BreakerConfig {
	config := provider.DefaultBreakerConfig()
	if m.Breaker.Enabled != nil {
		config.Enabled = *m.Breaker.Enabled
	}
	if m.Breaker.FailureThreshold > 0 {
		config.FailureThreshold = m.Breaker.FailureThreshold
	}
	if m.Breaker.RecoveryTimeout > 0 {
		config.RecoveryTimeout = m.Breaker.RecoveryTimeout.Std()
	}
	if m.Breaker.HalfOpenMaxCalls > 0 {
		config.HalfOpenMaxCalls = m.Breaker.HalfOpenMaxCalls
	}
	return config
}

// Load reads and validates a manifest file.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes. Unknown keys are rejected to
// catch typos early.
func Parse(data []byte) (Manifest, error) {
	var manifest Manifest
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&manifest); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if err := Validate(manifest); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

func Validate(manifest Manifest) error {
	if manifest.Policy != "" && !manifest.Policy.Known() {
		return fmt.Errorf("unknown selection policy '%s'", manifest.Policy)
	}

	if len(manifest.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := map[string]bool{}
	for i, instance := range manifest.Providers {
		if instance.Name == "" {
			return fmt.Errorf("provider #%d has no name", i+1)
		}
		if seen[instance.Name] {
			return fmt.Errorf("duplicate provider name '%s'", instance.Name)
		}
		seen[instance.Name] = true

		if !lo.Contains(ProviderTypes, instance.Type) {
			return fmt.Errorf("provider '%s' has unknown type '%s'", instance.Name, instance.Type)
		}
		if instance.Weight < 0 {
			return fmt.Errorf("provider '%s' has negative weight %d", instance.Name, instance.Weight)
		}
	}

	return nil
}
