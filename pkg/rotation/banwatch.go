package rotation

import (
	"os"
	"path/filepath"
	"strings"
)

// BanFileName is the marker file the addon script drops when the backend
// reports the active account as banned. The content is "email|unixts".
const BanFileName = "ban_notification.tmp"

// readBanNotification consumes the ban marker file if present. The file
// is deleted after a successful read so each ban is handled once.
func readBanNotification(dir string) (email string, ok bool) {
	path := filepath.Join(dir, BanFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	os.Remove(path)

	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", false
	}
	email = content
	if i := strings.Index(content, "|"); i >= 0 {
		email = content[:i]
	}
	if email == "" {
		return "", false
	}
	return email, true
}
