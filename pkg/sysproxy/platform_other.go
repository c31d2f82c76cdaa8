//go:build !windows

package sysproxy

import (
	"runtime"

	"github.com/warpgate/warpgate/pkg/logger"
)

// ForPlatform returns the proxy configurator for the current OS
func ForPlatform(log *logger.Logger, dataDir string) Configurator {
	if runtime.GOOS == "darwin" {
		return NewDarwin(log, dataDir)
	}
	return NewLinux(log, dataDir)
}
