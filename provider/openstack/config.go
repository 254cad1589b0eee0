package openstack

import (
	"log/slog"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
)

type Config struct {
	// Logger to use
	Logger *slog.Logger
	// Image to boot instances from
	Image string
	// Flavor sizing the instances
	Flavor string
	// Networks attached to the instances
	Networks []servers.Network
	// SecurityGroups defined for the instances
	SecurityGroups []string
	// MaxInstances caps how many servers this strategy will keep at once
	MaxInstances int
	// ExtraFeatures are manifest-level capability tags advertised on top of
	// the built-in ones
	ExtraFeatures []string
}
