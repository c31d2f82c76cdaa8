//go:build darwin

package sysproxy

import (
	"context"
	"time"
)

// CurrentOSInfo reads the macOS product version via sw_vers
func CurrentOSInfo() OSInfo {
	info := OSInfo{Category: "Darwin", Name: "macOS"}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if out, err := execRunner(ctx, "sw_vers", "-productVersion"); err == nil && out != "" {
		info.Version = out
	}
	return info
}
