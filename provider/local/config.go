package local

import "log/slog"

type Config struct {
	// Logger to use
	Logger *slog.Logger
	// Image run by provisioned instances
	Image string
	// Bootstrap is the command executed in each instance container
	Bootstrap []string
	// MaxInstances caps how many containers this strategy will run at once.
	// Zero means a CPU-derived default.
	MaxInstances int
	// ExtraFeatures are manifest-level capability tags advertised on top of
	// the built-in ones
	ExtraFeatures []string
}
