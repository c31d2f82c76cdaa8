package certtrust

import (
	"context"
	"fmt"
	"os"

	"github.com/warpgate/warpgate/pkg/logger"
	"github.com/warpgate/warpgate/pkg/storage/repositories"
)

// Bootstrapper makes sure the proxy CA is trusted before interception
// starts. Once trust is confirmed the approval is persisted and the
// installer is never invoked again.
type Bootstrapper struct {
	settings  *repositories.SettingsRepository
	installer Installer
	certPath  string
	log       *logger.Logger
}

// NewBootstrapper creates a trust bootstrapper for the CA at certPath
func NewBootstrapper(settings *repositories.SettingsRepository, installer Installer, certPath string, log *logger.Logger) *Bootstrapper {
	return &Bootstrapper{
		settings:  settings,
		installer: installer,
		certPath:  certPath,
		log:       log,
	}
}

// CertPath returns the path of the CA certificate being trusted
func (b *Bootstrapper) CertPath() string {
	return b.certPath
}

// EnsureTrusted installs the CA certificate if it was not approved yet.
// trusted=false with a nil error means automatic installation failed and
// the user has to follow the manual instructions, then approve.
func (b *Bootstrapper) EnsureTrusted(ctx context.Context) (trusted bool, err error) {
	if b.settings.CertificateApproved() {
		return true, nil
	}

	if _, err := os.Stat(b.certPath); err != nil {
		return false, fmt.Errorf("CA certificate not found at %s: %w", b.certPath, err)
	}

	warning, err := b.installer.Install(ctx, b.certPath)
	if err != nil {
		b.log.Warn("automatic certificate install failed: %v", err)
		b.log.Info("manual steps:\n%s", ManualInstructions(b.certPath))
		return false, nil
	}
	if warning != "" {
		b.log.Warn("certificate installed with caveats: %s", warning)
	}

	if err := b.settings.SetCertificateApproved(true); err != nil {
		return false, fmt.Errorf("failed to persist certificate approval: %w", err)
	}
	b.log.Info("CA certificate trusted")
	return true, nil
}

// Approve records that the user installed the certificate manually
func (b *Bootstrapper) Approve() error {
	return b.settings.SetCertificateApproved(true)
}

// Approved reports whether trust was already confirmed
func (b *Bootstrapper) Approved() bool {
	return b.settings.CertificateApproved()
}
