package sysproxy

import (
	"fmt"
	"os"
	"path/filepath"
)

// PacFileName is the file name of the generated PAC script
const PacFileName = "warpgate.pac"

// PacScript renders a proxy auto-config script that routes Warp traffic
// through the local proxy and everything else directly.
func PacScript(host string, port int) string {
	return fmt.Sprintf(`function FindProxyForURL(url, host) {
    if (host == "warp.dev" ||
        shExpMatch(host, "*.warp.dev") ||
        shExpMatch(host, "*.dataplane.rudderstack.com")) {
        return "PROXY %s:%d";
    }
    return "DIRECT";
}
`, host, port)
}

// WritePacFile writes the PAC script into dir and returns its path
func WritePacFile(dir, host string, port int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create PAC directory: %w", err)
	}
	path := filepath.Join(dir, PacFileName)
	if err := os.WriteFile(path, []byte(PacScript(host, port)), 0o644); err != nil {
		return "", fmt.Errorf("failed to write PAC file: %w", err)
	}
	return path, nil
}

// RemovePacFile deletes the generated PAC script. A missing file is fine.
func RemovePacFile(dir string) error {
	if err := os.Remove(filepath.Join(dir, PacFileName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PacURL converts a PAC file path into the file:// URL handed to the OS
func PacURL(path string) string {
	return "file://" + filepath.ToSlash(path)
}
