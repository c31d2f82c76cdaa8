package sysproxy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/warpgate/warpgate/pkg/logger"
)

const gnomeProxySchema = "org.gnome.system.proxy"

// linuxConfigurator drives the GNOME proxy settings via gsettings
type linuxConfigurator struct {
	log     *logger.Logger
	dataDir string
	run     commandRunner
}

// NewLinux creates a GNOME gsettings proxy configurator
func NewLinux(log *logger.Logger, dataDir string) Configurator {
	return &linuxConfigurator{log: log, dataDir: dataDir, run: execRunner}
}

func (c *linuxConfigurator) Enable(ctx context.Context, host string, port int) error {
	pacPath, err := WritePacFile(c.dataDir, host, port)
	if err != nil {
		return err
	}

	if _, err := c.run(ctx, "gsettings", "set", gnomeProxySchema, "autoconfig-url", PacURL(pacPath)); err == nil {
		if _, err := c.run(ctx, "gsettings", "set", gnomeProxySchema, "mode", "'auto'"); err == nil {
			c.log.Info("system proxy enabled via PAC: %s", pacPath)
			return nil
		}
	}

	// PAC mode unavailable, fall back to manual host/port
	c.log.Warn("PAC proxy mode failed, falling back to manual settings")
	portStr := strconv.Itoa(port)
	steps := [][]string{
		{"set", gnomeProxySchema + ".http", "host", host},
		{"set", gnomeProxySchema + ".http", "port", portStr},
		{"set", gnomeProxySchema + ".https", "host", host},
		{"set", gnomeProxySchema + ".https", "port", portStr},
		{"set", gnomeProxySchema, "mode", "'manual'"},
	}
	for _, args := range steps {
		if out, err := c.run(ctx, "gsettings", args...); err != nil {
			return fmt.Errorf("gsettings %s failed: %s: %w", strings.Join(args, " "), out, err)
		}
	}
	c.log.Info("system proxy enabled manually: %s:%d", host, port)
	return nil
}

func (c *linuxConfigurator) Disable(ctx context.Context) error {
	if out, err := c.run(ctx, "gsettings", "set", gnomeProxySchema, "mode", "'none'"); err != nil {
		return fmt.Errorf("failed to disable system proxy: %s: %w", out, err)
	}
	if err := RemovePacFile(c.dataDir); err != nil {
		c.log.Warn("could not remove PAC file: %v", err)
	}
	c.log.Info("system proxy disabled")
	return nil
}

func (c *linuxConfigurator) IsEnabled(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "gsettings", "get", gnomeProxySchema, "mode")
	if err != nil {
		return false, fmt.Errorf("failed to read proxy mode: %w", err)
	}
	mode := strings.Trim(out, "'\" ")
	return mode == "auto" || mode == "manual", nil
}
