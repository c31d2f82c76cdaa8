//go:build windows

package sysproxy

import (
	"context"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"github.com/warpgate/warpgate/pkg/logger"
)

const internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

const (
	internetOptionSettingsChanged = 39
	internetOptionRefresh         = 37
)

// windowsConfigurator drives the per-user WinINET proxy settings plus the
// machine WinHTTP proxy used by services.
type windowsConfigurator struct {
	log     *logger.Logger
	dataDir string
	run     commandRunner
}

// NewWindows creates a registry-backed proxy configurator
func NewWindows(log *logger.Logger, dataDir string) Configurator {
	return &windowsConfigurator{log: log, dataDir: dataDir, run: execRunner}
}

func (c *windowsConfigurator) openKey(access uint32) (registry.Key, error) {
	return registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, access)
}

func (c *windowsConfigurator) Enable(ctx context.Context, host string, port int) error {
	key, err := c.openKey(registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open Internet Settings key: %w", err)
	}
	defer key.Close()

	pacPath, err := WritePacFile(c.dataDir, host, port)
	if err != nil {
		return err
	}

	if err := key.SetStringValue("AutoConfigURL", PacURL(pacPath)); err != nil {
		c.log.Warn("PAC registration failed, falling back to manual settings: %v", err)
		if err := key.SetDWordValue("ProxyEnable", 1); err != nil {
			return fmt.Errorf("failed to enable proxy: %w", err)
		}
		if err := key.SetStringValue("ProxyServer", fmt.Sprintf("%s:%d", host, port)); err != nil {
			return fmt.Errorf("failed to set proxy server: %w", err)
		}
	}

	// services resolving through WinHTTP need a separate setting
	if out, err := c.run(ctx, "netsh", "winhttp", "set", "proxy", fmt.Sprintf("%s:%d", host, port)); err != nil {
		c.log.Warn("netsh winhttp set proxy failed: %s: %v", out, err)
	}

	refreshWinINET()
	c.log.Info("system proxy enabled: %s:%d", host, port)
	return nil
}

func (c *windowsConfigurator) Disable(ctx context.Context) error {
	key, err := c.openKey(registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open Internet Settings key: %w", err)
	}
	defer key.Close()

	key.DeleteValue("AutoConfigURL")
	if err := key.SetDWordValue("ProxyEnable", 0); err != nil {
		return fmt.Errorf("failed to disable proxy: %w", err)
	}

	if out, err := c.run(ctx, "netsh", "winhttp", "reset", "proxy"); err != nil {
		c.log.Warn("netsh winhttp reset proxy failed: %s: %v", out, err)
	}
	if err := RemovePacFile(c.dataDir); err != nil {
		c.log.Warn("could not remove PAC file: %v", err)
	}

	refreshWinINET()
	c.log.Info("system proxy disabled")
	return nil
}

func (c *windowsConfigurator) IsEnabled(ctx context.Context) (bool, error) {
	key, err := c.openKey(registry.QUERY_VALUE)
	if err != nil {
		return false, fmt.Errorf("failed to open Internet Settings key: %w", err)
	}
	defer key.Close()

	if url, _, err := key.GetStringValue("AutoConfigURL"); err == nil && url != "" {
		return true, nil
	}
	if enabled, _, err := key.GetIntegerValue("ProxyEnable"); err == nil && enabled == 1 {
		return true, nil
	}
	return false, nil
}

// refreshWinINET tells running applications the proxy settings changed
func refreshWinINET() {
	wininet := windows.NewLazySystemDLL("wininet.dll")
	proc := wininet.NewProc("InternetSetOptionW")
	if proc.Find() != nil {
		return
	}
	proc.Call(0, internetOptionSettingsChanged, 0, 0)
	proc.Call(0, internetOptionRefresh, 0, 0)
}
