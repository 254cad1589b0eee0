package main

import (
	"fmt"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"

	"github.com/gammadia/quartermaster/provider"
	"github.com/gammadia/quartermaster/internal"
	"github.com/gammadia/quartermaster/provider/local"
	"github.com/gammadia/quartermaster/provider/openstack"
	"github.com/gammadia/quartermaster/server/config"
	"github.com/gammadia/quartermaster/server/log"
)

// shutdowner is implemented by strategies holding external resources that
// must be released on server exit.
type shutdowner interface {
	Shutdown()
}

// buildManager constructs the provider manager from the manifest, along with
// the cleanup hooks of the strategies that have any.
func buildManager(manifest config.Manifest) (*provider.Manager, []func(), error) {
	manager := provider.NewManager(provider.Config{
		Logger:  log.Base.With("component", "provider"),
		Policy:  manifest.Policy,
		Breaker: manifest.BreakerConfig(),
	})

	var cleanups []func()
	for _, instance := range manifest.Providers {
		if !instance.IsEnabled() {
			log.Info("Skipping disabled provider", "provider", instance.Name)
			continue
		}

		strategy, err := buildStrategy(instance)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build provider '%s': %w", instance.Name, err)
		}

		err = manager.Register(strategy, provider.Registration{
			Name:     instance.Name,
			Weight:   instance.Weight,
			Priority: instance.Priority,
		})
		if err != nil {
			return nil, nil, err
		}

		if s, ok := strategy.(shutdowner); ok {
			cleanups = append(cleanups, s.Shutdown)
		}
	}

	return manager, cleanups, nil
}

func buildStrategy(instance config.ProviderInstance) (provider.Strategy, error) {
	logger := log.Base.With("component", "provider", "provider", instance.Name)

	switch instance.Type {
	case "local":
		return local.NewStrategy(local.Config{
			Logger:        logger,
			Image:         internal.StringParam(instance.Config, "image"),
			Bootstrap:     internal.StringSliceParam(instance.Config, "bootstrap"),
			MaxInstances:  internal.IntParam(instance.Config, "max-instances", 0),
			ExtraFeatures: instance.Capabilities,
		}), nil

	case "openstack":
		networks := lo.Map(
			internal.StringSliceParam(instance.Config, "networks"),
			func(uuid string, _ int) servers.Network {
				return servers.Network{UUID: uuid}
			})

		return openstack.NewStrategy(openstack.Config{
			Logger:         logger,
			Image:          internal.StringParam(instance.Config, "image"),
			Flavor:         internal.StringParam(instance.Config, "flavor"),
			Networks:       networks,
			SecurityGroups: internal.StringSliceParam(instance.Config, "security-groups"),
			MaxInstances:   internal.IntParam(instance.Config, "max-instances", 0),
			ExtraFeatures:  instance.Capabilities,
		}), nil

	default:
		return nil, fmt.Errorf("unknown provider type '%s'", instance.Type)
	}
}
