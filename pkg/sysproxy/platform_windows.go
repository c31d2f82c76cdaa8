//go:build windows

package sysproxy

import "github.com/warpgate/warpgate/pkg/logger"

// ForPlatform returns the proxy configurator for the current OS
func ForPlatform(log *logger.Logger, dataDir string) Configurator {
	return NewWindows(log, dataDir)
}
