// Package certtrust installs the proxy's CA certificate into the OS trust
// stores so intercepted TLS connections verify cleanly.
package certtrust

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/warpgate/warpgate/pkg/logger"
)

// Installer pushes a CA certificate into the platform trust store. A
// non-empty warning means the install succeeded with caveats.
type Installer interface {
	Install(ctx context.Context, certPath string) (warning string, err error)
}

// commandRunner executes an external command, swapped out in tests
type commandRunner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// NewInstaller returns the trust-store installer for the current OS
func NewInstaller(log *logger.Logger) Installer {
	switch runtime.GOOS {
	case "windows":
		return &windowsInstaller{log: log, run: execRunner}
	case "darwin":
		return &darwinInstaller{log: log, run: execRunner}
	default:
		return &linuxInstaller{log: log, run: execRunner}
	}
}

// windowsInstaller uses certutil against the machine root store, falling
// back to the per-user store when elevation is unavailable.
type windowsInstaller struct {
	log *logger.Logger
	run commandRunner
}

func (i *windowsInstaller) Install(ctx context.Context, certPath string) (string, error) {
	if out, err := i.run(ctx, "certutil", "-addstore", "root", certPath); err == nil {
		i.log.Info("CA certificate added to the machine root store")
		return "", nil
	} else {
		i.log.Debug("machine root store rejected the certificate: %s: %v", out, err)
	}

	out, err := i.run(ctx, "certutil", "-user", "-addstore", "root", certPath)
	if err != nil {
		return "", fmt.Errorf("certutil failed for both machine and user stores: %s: %w", out, err)
	}
	return "installed into the user store only; services running as other users will not trust the proxy", nil
}

// darwinInstaller uses the security tool against the system keychain,
// falling back to the login keychain.
type darwinInstaller struct {
	log *logger.Logger
	run commandRunner
}

func (i *darwinInstaller) Install(ctx context.Context, certPath string) (string, error) {
	if out, err := i.run(ctx, "security", "add-trusted-cert", "-d", "-r", "trustRoot",
		"-k", "/Library/Keychains/System.keychain", certPath); err == nil {
		i.log.Info("CA certificate trusted in the system keychain")
		return "", i.verify(ctx, certPath)
	} else {
		i.log.Debug("system keychain rejected the certificate: %s: %v", out, err)
	}

	login := filepath.Join(os.Getenv("HOME"), "Library/Keychains/login.keychain-db")
	if out, err := i.run(ctx, "security", "add-cert", "-k", login, certPath); err != nil {
		i.log.Debug("add-cert into login keychain: %s: %v", out, err)
	}
	if out, err := i.run(ctx, "security", "add-trusted-cert", "-r", "trustRoot", "-k", login, certPath); err != nil {
		return "", fmt.Errorf("failed to trust certificate in the login keychain: %s: %w", out, err)
	}

	if err := i.verify(ctx, certPath); err != nil {
		if repairErr := i.repair(ctx, certPath, login); repairErr != nil {
			return "", fmt.Errorf("certificate verification failed and repair did not help: %w", err)
		}
	}
	return "trusted for the current user only", nil
}

// verify checks the certificate chains to a trusted root
func (i *darwinInstaller) verify(ctx context.Context, certPath string) error {
	out, err := i.run(ctx, "security", "verify-cert", "-c", certPath)
	if err != nil {
		return fmt.Errorf("verify-cert failed: %s: %w", out, err)
	}
	return nil
}

// repair removes a stale copy of the certificate and re-imports it
func (i *darwinInstaller) repair(ctx context.Context, certPath, keychain string) error {
	i.run(ctx, "security", "delete-certificate", "-c", "mitmproxy", keychain)
	if out, err := i.run(ctx, "security", "add-trusted-cert", "-r", "trustRoot", "-k", keychain, certPath); err != nil {
		return fmt.Errorf("re-import failed: %s: %w", out, err)
	}
	return i.verify(ctx, certPath)
}

// linuxInstaller covers both the system CA bundle and the NSS database
// used by Chromium-family browsers. Either one succeeding is enough.
type linuxInstaller struct {
	log *logger.Logger
	run commandRunner
}

func (i *linuxInstaller) Install(ctx context.Context, certPath string) (string, error) {
	systemOK := i.installSystem(ctx, certPath)
	nssOK := i.installNSS(ctx, certPath)

	switch {
	case systemOK && nssOK:
		return "", nil
	case systemOK:
		return "system bundle updated but the NSS database was not; Chromium-family browsers may still warn", nil
	case nssOK:
		return "NSS database updated but the system bundle was not; command-line tools may still warn", nil
	default:
		return "", fmt.Errorf("could not install the certificate into any trust store")
	}
}

func (i *linuxInstaller) installSystem(ctx context.Context, certPath string) bool {
	data, err := os.ReadFile(certPath)
	if err != nil {
		i.log.Debug("cannot read certificate: %v", err)
		return false
	}

	dir := filepath.Join(os.Getenv("HOME"), ".local/share/ca-certificates")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	target := filepath.Join(dir, "mitmproxy-ca.crt")
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return false
	}

	if out, err := i.run(ctx, "update-ca-certificates"); err != nil {
		i.log.Debug("update-ca-certificates failed: %s: %v", out, err)
		return false
	}
	i.log.Info("CA certificate added to the system bundle")
	return true
}

func (i *linuxInstaller) installNSS(ctx context.Context, certPath string) bool {
	nssdb := filepath.Join(os.Getenv("HOME"), ".pki/nssdb")
	if _, err := os.Stat(nssdb); err != nil {
		return false
	}

	out, err := i.run(ctx, "certutil", "-A", "-n", "mitmproxy-ca", "-t", "TC,C,T",
		"-i", certPath, "-d", "sql:"+nssdb)
	if err != nil {
		i.log.Debug("NSS certutil failed: %s: %v", out, err)
		return false
	}
	i.log.Info("CA certificate added to the NSS database")
	return true
}
