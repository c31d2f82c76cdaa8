//go:build linux

package sysproxy

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// CurrentOSInfo reads the kernel identity via uname(2)
func CurrentOSInfo() OSInfo {
	info := OSInfo{Category: "Linux", Name: "Linux"}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		info.Version = charsToString(uts.Release[:])
		if name := charsToString(uts.Sysname[:]); name != "" {
			info.Name = name
		}
	}
	return info
}

func charsToString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
