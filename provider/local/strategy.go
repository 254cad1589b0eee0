package local

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/alessio/shellescape"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/samber/lo"

	"github.com/gammadia/quartermaster/namegen"
	"github.com/gammadia/quartermaster/provider"
	"github.com/gammadia/quartermaster/internal"
)

// brokerLabel marks every container created by this strategy so that
// listing and capacity checks only see our own instances.
const brokerLabel = "quartermaster-broker"

// Strategy provisions instances as containers on the local Docker daemon.
// Mostly useful for development and CI of the broker itself.
type Strategy struct {
	name   namegen.ID
	config Config
	log    *slog.Logger

	docker      *client.Client
	initialized atomic.Bool
}

// Strategy implements provider.Strategy
var _ provider.Strategy = (*Strategy)(nil)

func NewStrategy(config Config) *Strategy {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Image == "" {
		config.Image = "alpine:3"
	}
	if len(config.Bootstrap) == 0 {
		config.Bootstrap = []string{"sleep", "infinity"}
	}
	if config.MaxInstances <= 0 {
		config.MaxInstances = (runtime.NumCPU() + 1) / 2
	}

	return &Strategy{
		name:   namegen.Get(),
		config: config,
		log:    config.Logger,
	}
}

func (s *Strategy) Type() string {
	return "local"
}

func (s *Strategy) Initialize(ctx context.Context) error {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to init docker client: %w", err)
	}
	if _, err := docker.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach docker daemon: %w", err)
	}

	s.docker = docker
	s.initialized.Store(true)
	s.log.Debug("Local strategy ready", "broker", s.name)
	return nil
}

func (s *Strategy) Initialized() bool {
	return s.initialized.Load()
}

func (s *Strategy) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportedOperations: []provider.OperationType{
			provider.OpCreateInstances,
			provider.OpTerminateInstances,
			provider.OpGetInstanceStatus,
			provider.OpListInstances,
			provider.OpCheckCapacity,
		},
		Features: append([]string{"containers", "instant-boot"}, s.config.ExtraFeatures...),
		Limitations: map[string]any{
			"max_instances":  s.config.MaxInstances,
			"single_machine": true,
		},
	}
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
		return provider.Result{}, fmt.Errorf("operation '%s' not supported by local strategy", op.Type)
	}
}

func (s *Strategy) CheckHealth(ctx context.Context) provider.HealthStatus {
	if !s.initialized.Load() {
		return provider.Unhealthy("not initialized")
	}
	if _, err := s.docker.Ping(ctx); err != nil {
		return provider.Unhealthy(fmt.Sprintf("docker daemon unreachable: %s", err))
	}
	return provider.Healthy("docker daemon is up")
}

func (s *Strategy) createInstances(ctx context.Context, op provider.Operation) (provider.Result, error) {
	count := internal.IntParam(op.Parameters, "count", 1)
	if count < 1 {
		return provider.Result{}, fmt.Errorf("count must be at least 1, got %d", count)
	}

	running, err := s.ownContainers(ctx)
	if err != nil {
		return provider.Result{}, err
	}
	if len(running)+count > s.config.MaxInstances {
		return provider.Result{}, fmt.Errorf(
			"would exceed instance limit: %d running + %d requested > %d max",
			len(running), count, s.config.MaxInstances)
	}

	names := lo.Times(count, func(int) string { return namegen.Prefixed("qm") })

	if op.DryRun() {
		return provider.Succeed(map[string]any{
			"would_create": names,
			"image":        s.config.Image,
		}), nil
	}

	// The shell indirection lets operators configure the bootstrap as a
	// single string in the manifest without worrying about quoting
	command := []string{"/bin/sh", "-c", "exec " + shellescape.QuoteCommand(s.config.Bootstrap)}

	instances := make([]map[string]any, 0, count)
	for _, name := range names {
		created, err := internal.RetryResult(ctx, 3, func() (container.CreateResponse, error) {
			return s.docker.ContainerCreate(
				ctx,
				&container.Config{
					Image:  s.config.Image,
					Cmd:    command,
					Labels: map[string]string{brokerLabel: s.name.String()},
				},
				&container.HostConfig{AutoRemove: false},
				nil, nil, name,
			)
		})
		if err != nil {
			return provider.Result{}, fmt.Errorf("failed to create container '%s': %w", name, err)
		}

		if err := s.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
			return provider.Result{}, fmt.Errorf("failed to start container '%s': %w", name, err)
		}

		s.log.Info("Created instance", "instance", name, "container", created.ID)
		instances = append(instances, map[string]any{"id": created.ID, "name": name})
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
			return s.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
		})
		if err != nil && !client.IsErrNotFound(err) {
			return provider.Result{}, fmt.Errorf("failed to remove container '%s': %w", id, err)
		}
		s.log.Info("Terminated instance", "container", id)
	}

	return provider.Succeed(map[string]any{"terminated": ids}), nil
}

func (s *Strategy) getInstanceStatus(ctx context.Context, op provider.Operation) (provider.Result, error) {
	id := internal.StringParam(op.Parameters, "instance_id")
	if id == "" {
		return provider.Result{}, fmt.Errorf("instance_id parameter is required")
	}

	info, err := s.docker.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return provider.Failure(fmt.Sprintf("instance '%s' not found", id)), nil
		}
		return provider.Result{}, fmt.Errorf("failed to inspect container '%s': %w", id, err)
	}

	return provider.Succeed(map[string]any{
		"id":      info.ID,
		"name":    strings.TrimPrefix(info.Name, "/"),
		"status":  info.State.Status,
		"running": info.State.Running,
	}), nil
}

func (s *Strategy) listInstances(ctx context.Context, op provider.Operation) (provider.Result, error) {
	containers, err := s.ownContainers(ctx)
	if err != nil {
		return provider.Result{}, err
	}

	instances := lo.Map(containers, func(c container.Summary, _ int) map[string]any {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		return map[string]any{"id": c.ID, "name": name, "status": c.State}
	})

	return provider.Succeed(map[string]any{"instances": instances}), nil
}

func (s *Strategy) checkCapacity(ctx context.Context, op provider.Operation) (provider.Result, error) {
	containers, err := s.ownContainers(ctx)
	if err != nil {
		return provider.Result{}, err
	}

	return provider.Succeed(map[string]any{
		"max_instances": s.config.MaxInstances,
		"in_use":        len(containers),
		"available":     s.config.MaxInstances - len(containers),
	}), nil
}

func (s *Strategy) ownContainers(ctx context.Context) ([]container.Summary, error) {
	containers, err := s.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", brokerLabel, s.name))),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return containers, nil
}
