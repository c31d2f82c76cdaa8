package sysproxy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/warpgate/warpgate/pkg/logger"
)

// darwinConfigurator drives macOS network services via networksetup
type darwinConfigurator struct {
	log     *logger.Logger
	dataDir string
	run     commandRunner
}

// NewDarwin creates a networksetup-based proxy configurator
func NewDarwin(log *logger.Logger, dataDir string) Configurator {
	return &darwinConfigurator{log: log, dataDir: dataDir, run: execRunner}
}

// primaryService returns the first usable network service name
func (c *darwinConfigurator) primaryService(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "networksetup", "-listnetworkserviceorder")
	if err != nil {
		return "", fmt.Errorf("failed to list network services: %w", err)
	}
	service := parseNetworkServices(out)
	if service == "" {
		return "", fmt.Errorf("no usable network service found")
	}
	return service, nil
}

// parseNetworkServices picks the first ordered service that is not a
// Bluetooth or Thunderbolt pseudo-interface.
func parseNetworkServices(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "(") {
			continue
		}
		end := strings.Index(line, ")")
		if end < 0 {
			continue
		}
		order := line[1:end]
		if order == "*" || order == "" {
			continue // disabled service
		}
		if _, err := strconv.Atoi(order); err != nil {
			continue
		}
		name := strings.TrimSpace(line[end+1:])
		if name == "" {
			continue
		}
		if strings.Contains(name, "Bluetooth") || strings.Contains(name, "Thunderbolt") {
			continue
		}
		return name
	}
	return ""
}

func (c *darwinConfigurator) Enable(ctx context.Context, host string, port int) error {
	service, err := c.primaryService(ctx)
	if err != nil {
		return err
	}

	pacPath, err := WritePacFile(c.dataDir, host, port)
	if err != nil {
		return err
	}

	if _, err := c.run(ctx, "networksetup", "-setautoproxyurl", service, PacURL(pacPath)); err == nil {
		if _, err := c.run(ctx, "networksetup", "-setautoproxystate", service, "on"); err == nil {
			c.log.Info("system proxy enabled via PAC on %q", service)
			return nil
		}
	}

	c.log.Warn("PAC proxy mode failed on %q, falling back to manual settings", service)
	portStr := strconv.Itoa(port)
	if out, err := c.run(ctx, "networksetup", "-setwebproxy", service, host, portStr); err != nil {
		return fmt.Errorf("setwebproxy failed: %s: %w", out, err)
	}
	if out, err := c.run(ctx, "networksetup", "-setsecurewebproxy", service, host, portStr); err != nil {
		return fmt.Errorf("setsecurewebproxy failed: %s: %w", out, err)
	}
	c.log.Info("system proxy enabled manually on %q: %s:%d", service, host, port)
	return nil
}

func (c *darwinConfigurator) Disable(ctx context.Context) error {
	service, err := c.primaryService(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, args := range [][]string{
		{"-setautoproxystate", service, "off"},
		{"-setwebproxystate", service, "off"},
		{"-setsecurewebproxystate", service, "off"},
	} {
		if out, err := c.run(ctx, "networksetup", args...); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("networksetup %s failed: %s: %w", args[0], out, err)
		}
	}
	if firstErr != nil {
		return firstErr
	}
	if err := RemovePacFile(c.dataDir); err != nil {
		c.log.Warn("could not remove PAC file: %v", err)
	}
	c.log.Info("system proxy disabled on %q", service)
	return nil
}

func (c *darwinConfigurator) IsEnabled(ctx context.Context) (bool, error) {
	service, err := c.primaryService(ctx)
	if err != nil {
		return false, err
	}

	for _, flag := range []string{"-getautoproxyurl", "-getwebproxy"} {
		out, err := c.run(ctx, "networksetup", flag, service)
		if err != nil {
			continue
		}
		if strings.Contains(out, "Enabled: Yes") {
			return true, nil
		}
	}
	return false, nil
}
