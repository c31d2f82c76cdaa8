// Package sysproxy points the operating system's proxy settings at the
// local intercepting proxy, preferring PAC-based configuration with a
// manual host/port fallback.
package sysproxy

import (
	"context"
	"os/exec"
	"strings"
)

// Configurator manages the OS proxy configuration
type Configurator interface {
	// Enable routes matching traffic through host:port
	Enable(ctx context.Context, host string, port int) error

	// Disable restores direct connections
	Disable(ctx context.Context) error

	// IsEnabled reports whether the OS proxy currently points at us
	IsEnabled(ctx context.Context) (bool, error)
}

// commandRunner executes an external command and returns its combined
// output. Swapped out in tests.
type commandRunner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
