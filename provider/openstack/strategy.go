package openstack

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"

	"github.com/gammadia/quartermaster/namegen"
	"github.com/gammadia/quartermaster/provider"
	"github.com/gammadia/quartermaster/internal"
)

// metadataKey tags every server booted by this strategy so that listing and
// capacity checks only see our own instances.
const metadataKey = "quartermaster-broker"

// Strategy provisions instances as OpenStack compute servers.
type Strategy struct {
	name   namegen.ID
	config Config
	log    *slog.Logger

	client      *gophercloud.ServiceClient
	keyName     string
	privateKey  ssh.Signer
	initialized atomic.Bool
}

// Strategy implements provider.Strategy
var _ provider.Strategy = (*Strategy)(nil)

func NewStrategy(config Config) *Strategy {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxInstances <= 0 {
		config.MaxInstances = 10
	}

	name := namegen.Get()
	return &Strategy{
		name:    name,
		config:  config,
		log:     config.Logger,
		keyName: fmt.Sprintf("quartermaster-%s", name),
	}
}

func (s *Strategy) Type() string {
	return "openstack"
}

// Initialize authenticates against the OpenStack API from OS_* environment
// variables and creates the keypair injected into every booted instance.
func (s *Strategy) Initialize(ctx context.Context) error {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return fmt.Errorf("failed to get auth options from env: %w", err)
	}

	authenticated, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return fmt.Errorf("failed to get authenticated client: %w", err)
	}

	client, err := openstack.NewComputeV2(authenticated, gophercloud.EndpointOpts{
		Region: os.Getenv("OS_REGION_NAME"),
	})
	if err != nil {
		return fmt.Errorf("failed to get compute client: %w", err)
	}
	s.client = client

	keypair, err := keypairs.Create(client, keypairs.CreateOpts{Name: s.keyName}).Extract()
	if err != nil {
		return fmt.Errorf("failed to create keypair: %w", err)
	}
	s.privateKey, err = ssh.ParsePrivateKey([]byte(keypair.PrivateKey))
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	s.initialized.Store(true)
	s.log.Debug("OpenStack strategy ready",
		"broker", s.name, "keypair", s.keyName, "fingerprint", ssh.FingerprintSHA256(s.privateKey.PublicKey()))
	return nil
}

func (s *Strategy) Initialized() bool {
	return s.initialized.Load()
}

func (s *Strategy) Capabilities() provider.Capabilities {
	capabilities := provider.Capabilities{
		SupportedOperations: []provider.OperationType{
			provider.OpCreateInstances,
			provider.OpTerminateInstances,
			provider.OpGetInstanceStatus,
			provider.OpListInstances,
			provider.OpCheckCapacity,
		},
		Features: append([]string{"keypair-injection", "server-metadata", "security-groups"}, s.config.ExtraFeatures...),
		Limitations: map[string]any{
			"max_instances": s.config.MaxInstances,
		},
	}
	if s.privateKey != nil {
		capabilities.Performance = map[string]float64{
			// Empirical time for a server to reach ACTIVE on our clouds
			"typical_boot_seconds": 90,
		}
	}
	return capabilities
}

func (s *Strategy) Execute(ctx context.Context, op provider.Operation) (provider.Result, error) {
	switch op.Type {
	case provider.OpCreateInstances:
		return s.createInstances(ctx, op)
	case provider.OpTerminateInstances:
		return s.terminateInstances(ctx, op)
	case provider.OpGetInstanceStatus:
		return s.getInstanceStatus(ctx, op)
	case provider.OpListInstances:
		return s.listInstances(ctx, op)
	case provider.OpCheckCapacity:
		return s.checkCapacity(ctx, op)
	default:
		return provider.Result{}, fmt.Errorf("operation '%s' not supported by openstack strategy", op.Type)
	}
}

// CheckHealth performs a cheap authenticated API call: fetching our own
// keypair proves both connectivity and valid credentials.
func (s *Strategy) CheckHealth(ctx context.Context) provider.HealthStatus {
	if !s.initialized.Load() {
		return provider.Unhealthy("not initialized")
	}
	if _, err := keypairs.Get(s.client, s.keyName, nil).Extract(); err != nil {
		return provider.Unhealthy(fmt.Sprintf("compute API unreachable: %s", err))
	}
	return provider.Healthy("compute API is up")
}

// Shutdown releases the keypair created at initialization.
func (s *Strategy) Shutdown() {
	if s.client == nil {
		return
	}
	if err := keypairs.Delete(s.client, s.keyName, nil).ExtractErr(); err != nil {
		s.log.Warn("Failed to delete keypair", "keypair", s.keyName, "error", err)
	}
}

func (s *Strategy) createInstances(ctx context.Context, op provider.Operation) (provider.Result, error) {
	count := internal.IntParam(op.Parameters, "count", 1)
	if count < 1 {
		return provider.Result{}, fmt.Errorf("count must be at least 1, got %d", count)
	}

	existing, err := s.ownServers()
	if err != nil {
		return provider.Result{}, err
	}
	if len(existing)+count > s.config.MaxInstances {
		return provider.Result{}, fmt.Errorf(
			"would exceed instance limit: %d running + %d requested > %d max",
			len(existing), count, s.config.MaxInstances)
	}

	names := lo.Times(count, func(int) string { return namegen.Prefixed("qm") })

	if op.DryRun() {
		return provider.Succeed(map[string]any{
			"would_create": names,
			"image":        s.config.Image,
			"flavor":       s.config.Flavor,
		}), nil
	}

	instances := make([]map[string]any, 0, count)
	for _, name := range names {
		server, err := internal.RetryResult(ctx, 3, func() (*servers.Server, error) {
			return servers.Create(s.client, keypairs.CreateOptsExt{
				CreateOptsBuilder: servers.CreateOpts{
					Name:           name,
					ImageRef:       s.config.Image,
					FlavorRef:      s.config.Flavor,
					Networks:       s.config.Networks,
					SecurityGroups: s.config.SecurityGroups,
					Metadata: map[string]string{
						metadataKey:                  s.name.String(),
						"quartermaster-provisioned": time.Now().Format(time.RFC3339),
					},
				},
				KeyName: s.keyName,
			}).Extract()
		})
		if err != nil {
			return provider.Result{}, fmt.Errorf("failed to create server '%s': %w", name, err)
		}

		s.log.Info("Created instance", "instance", name, "server", server.ID)
		instances = append(instances, map[string]any{"id": server.ID, "name": name})
	}

	return provider.Succeed(map[string]any{"instances": instances}), nil
}

func (s *Strategy) terminateInstances(ctx context.Context, op provider.Operation) (provider.Result, error) {
	ids := internal.StringSliceParam(op.Parameters, "instance_ids")
	if len(ids) == 0 {
		return provider.Result{}, fmt.Errorf("instance_ids parameter is required")
	}

	if op.DryRun() {
		return provider.Succeed(map[string]any{"would_terminate": ids}), nil
	}

	for _, id := range ids {
		err := internal.Retry(ctx, 3, func() error {
			return servers.Delete(s.client, id).ExtractErr()
		})
		if err != nil {
			return provider.Result{}, fmt.Errorf("failed to delete server '%s': %w", id, err)
		}
		s.log.Info("Terminated instance", "server", id)
	}

	return provider.Succeed(map[string]any{"terminated": ids}), nil
}

func (s *Strategy) getInstanceStatus(ctx context.Context, op provider.Operation) (provider.Result, error) {
	id := internal.StringParam(op.Parameters, "instance_id")
	if id == "" {
		return provider.Result{}, fmt.Errorf("instance_id parameter is required")
	}

	server, err := servers.Get(s.client, id).Extract()
	if err != nil {
		if _, notFound := err.(gophercloud.ErrDefault404); notFound {
			return provider.Failure(fmt.Sprintf("instance '%s' not found", id)), nil
		}
		return provider.Result{}, fmt.Errorf("failed to get server '%s': %w", id, err)
	}

	return provider.Succeed(map[string]any{
		"id":      server.ID,
		"name":    server.Name,
		"status":  server.Status,
		"running": server.Status == "ACTIVE",
	}), nil
}

func (s *Strategy) listInstances(ctx context.Context, op provider.Operation) (provider.Result, error) {
	owned, err := s.ownServers()
	if err != nil {
		return provider.Result{}, err
	}

	instances := lo.Map(owned, func(server servers.Server, _ int) map[string]any {
		return map[string]any{"id": server.ID, "name": server.Name, "status": server.Status}
	})

	return provider.Succeed(map[string]any{"instances": instances}), nil
}

func (s *Strategy) checkCapacity(ctx context.Context, op provider.Operation) (provider.Result, error) {
	owned, err := s.ownServers()
	if err != nil {
		return provider.Result{}, err
	}

	return provider.Succeed(map[string]any{
		"max_instances": s.config.MaxInstances,
		"in_use":        len(owned),
		"available":     s.config.MaxInstances - len(owned),
	}), nil
}

// ownServers lists the servers tagged with this broker's metadata.
func (s *Strategy) ownServers() ([]servers.Server, error) {
	pages, err := servers.List(s.client, servers.ListOpts{}).AllPages()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	all, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract servers: %w", err)
	}

	return lo.Filter(all, func(server servers.Server, _ int) bool {
		return server.Metadata[metadataKey] == s.name.String()
	}), nil
}
