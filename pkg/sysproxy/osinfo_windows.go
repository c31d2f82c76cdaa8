//go:build windows

package sysproxy

import (
	"fmt"

	"golang.org/x/sys/windows/registry"
)

// CurrentOSInfo reads the Windows product identity from the registry
func CurrentOSInfo() OSInfo {
	info := OSInfo{Category: "Windows", Name: "Windows"}

	key, err := registry.OpenKey(registry.LOCAL_MACHINE,
		`SOFTWARE\Microsoft\Windows NT\CurrentVersion`, registry.QUERY_VALUE)
	if err != nil {
		return info
	}
	defer key.Close()

	if name, _, err := key.GetStringValue("ProductName"); err == nil && name != "" {
		info.Name = name
	}
	if ver, _, err := key.GetStringValue("DisplayVersion"); err == nil && ver != "" {
		info.Version = ver
	} else if build, _, err := key.GetStringValue("CurrentBuildNumber"); err == nil {
		info.Version = fmt.Sprintf("build %s", build)
	}
	return info
}
