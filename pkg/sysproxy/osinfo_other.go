//go:build !linux && !darwin && !windows

package sysproxy

import "runtime"

// CurrentOSInfo falls back to the Go runtime identity
func CurrentOSInfo() OSInfo {
	return OSInfo{Category: "Linux", Name: runtime.GOOS}
}
