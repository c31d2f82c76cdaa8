package rotation

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TriggerFileName is the marker file the addon script watches to learn
// that the active account changed.
const TriggerFileName = "account_change_trigger.tmp"

// WriteAccountChangeTrigger drops the marker file carrying the current
// unix timestamp into dir.
func WriteAccountChangeTrigger(dir string) error {
	path := filepath.Join(dir, TriggerFileName)
	content := fmt.Sprintf("%d", time.Now().Unix())
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write account change trigger: %w", err)
	}
	return nil
}
