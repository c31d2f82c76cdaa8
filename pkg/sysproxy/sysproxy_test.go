package sysproxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/warpgate/warpgate/pkg/logger"
)

func TestParseNetworkServices(t *testing.T) {
	output := `An asterisk (*) denotes that a network service is disabled.
(1) Thunderbolt Bridge
(Hardware Port: Thunderbolt Bridge, Device: bridge0)
(2) Wi-Fi
(Hardware Port: Wi-Fi, Device: en0)
(3) Bluetooth PAN
(Hardware Port: Bluetooth PAN, Device: en4)
`
	if got := parseNetworkServices(output); got != "Wi-Fi" {
		t.Errorf("parseNetworkServices = %q, want Wi-Fi", got)
	}
}

func TestParseNetworkServicesSkipsDisabled(t *testing.T) {
	output := `(*) Wi-Fi
(1) Ethernet
`
	if got := parseNetworkServices(output); got != "Ethernet" {
		t.Errorf("parseNetworkServices = %q, want Ethernet", got)
	}
}

func TestParseNetworkServicesEmpty(t *testing.T) {
	if got := parseNetworkServices("An asterisk (*) denotes disabled.\n"); got != "" {
		t.Errorf("parseNetworkServices = %q, want empty", got)
	}
}

// fakeRunner records gsettings invocations and scripts their results
type fakeRunner struct {
	calls  []string
	fail   map[string]bool
	output map[string]string
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) (string, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	for pattern := range f.fail {
		if strings.Contains(call, pattern) {
			return "", fmt.Errorf("command failed")
		}
	}
	for pattern, out := range f.output {
		if strings.Contains(call, pattern) {
			return out, nil
		}
	}
	return "", nil
}

func newTestLinux(t *testing.T) (*linuxConfigurator, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{fail: map[string]bool{}, output: map[string]string{}}
	c := &linuxConfigurator{
		log:     logger.NewDefault("test"),
		dataDir: t.TempDir(),
		run:     runner.run,
	}
	return c, runner
}

func TestLinuxEnablePrefersPAC(t *testing.T) {
	c, runner := newTestLinux(t)

	if err := c.Enable(context.Background(), "127.0.0.1", 18080); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	joined := strings.Join(runner.calls, "\n")
	if !strings.Contains(joined, "autoconfig-url") {
		t.Error("expected PAC autoconfig-url to be set")
	}
	if !strings.Contains(joined, "mode 'auto'") {
		t.Error("expected proxy mode auto")
	}
	if strings.Contains(joined, "mode 'manual'") {
		t.Error("manual fallback should not run when PAC succeeds")
	}
}

func TestLinuxEnableFallsBackToManual(t *testing.T) {
	c, runner := newTestLinux(t)
	runner.fail["autoconfig-url"] = true

	if err := c.Enable(context.Background(), "127.0.0.1", 18080); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	joined := strings.Join(runner.calls, "\n")
	if !strings.Contains(joined, "mode 'manual'") {
		t.Error("expected manual fallback")
	}
	if !strings.Contains(joined, ".http host 127.0.0.1") || !strings.Contains(joined, ".http port 18080") {
		t.Errorf("manual host/port not set:\n%s", joined)
	}
}

func TestLinuxDisable(t *testing.T) {
	c, runner := newTestLinux(t)

	if err := c.Enable(context.Background(), "127.0.0.1", 18080); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	pacPath := filepath.Join(c.dataDir, PacFileName)
	if _, err := os.Stat(pacPath); err != nil {
		t.Fatalf("PAC file missing after Enable: %v", err)
	}

	if err := c.Disable(context.Background()); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if !strings.Contains(strings.Join(runner.calls, "\n"), "mode 'none'") {
		t.Error("expected proxy mode none")
	}
	if _, err := os.Stat(pacPath); !os.IsNotExist(err) {
		t.Error("PAC file should be removed on Disable")
	}

	// a second Disable with no PAC file left is still clean
	if err := c.Disable(context.Background()); err != nil {
		t.Fatalf("repeated Disable failed: %v", err)
	}
}

func TestLinuxIsEnabled(t *testing.T) {
	c, runner := newTestLinux(t)

	runner.output["get org.gnome.system.proxy mode"] = "'auto'"
	enabled, err := c.IsEnabled(context.Background())
	if err != nil || !enabled {
		t.Errorf("expected enabled for auto mode, got %v %v", enabled, err)
	}

	runner.output["get org.gnome.system.proxy mode"] = "'none'"
	enabled, err = c.IsEnabled(context.Background())
	if err != nil || enabled {
		t.Errorf("expected disabled for none mode, got %v %v", enabled, err)
	}
}
