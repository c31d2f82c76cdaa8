package mitm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/warpgate/warpgate/pkg/logger"
)

// killStray hunts down mitmdump processes carrying our port argument when
// the supervised handle was lost, e.g. after a daemon restart.
func killStray(ctx context.Context, log *logger.Logger, port int) int {
	if runtime.GOOS == "windows" {
		out, err := exec.CommandContext(ctx, "taskkill", "/F", "/IM", "mitmdump.exe").CombinedOutput()
		if err != nil {
			log.Debug("taskkill: %s: %v", strings.TrimSpace(string(out)), err)
			return 0
		}
		return 1
	}

	pattern := fmt.Sprintf("mitmdump.*-p %d", port)
	out, err := exec.CommandContext(ctx, "pgrep", "-f", pattern).Output()
	if err != nil {
		return 0 // no matches
	}

	killed := 0
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := proc.Signal(syscall.SIGTERM); err == nil {
			log.Info("terminated stray mitmdump process %d", pid)
			killed++
		}
	}
	return killed
}

// terminate asks a supervised process to exit gracefully
func terminate(p *os.Process) error {
	if runtime.GOOS == "windows" {
		return p.Kill()
	}
	return p.Signal(syscall.SIGTERM)
}
