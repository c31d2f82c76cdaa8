package certtrust

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/warpgate/warpgate/pkg/logger"
	"github.com/warpgate/warpgate/pkg/storage/repositories"
)

type fakeInstaller struct {
	calls   int
	warning string
	err     error
}

func (f *fakeInstaller) Install(ctx context.Context, certPath string) (string, error) {
	f.calls++
	return f.warning, f.err
}

func setupBootstrapper(t *testing.T, installer Installer) *Bootstrapper {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	settings := repositories.NewSettingsRepository(db)

	certPath := filepath.Join(t.TempDir(), "mitmproxy-ca-cert.cer")
	if err := os.WriteFile(certPath, []byte("fake pem"), 0o644); err != nil {
		t.Fatalf("failed to write fake certificate: %v", err)
	}

	return NewBootstrapper(settings, installer, certPath, logger.NewDefault("test"))
}

func TestEnsureTrustedInstallsOnce(t *testing.T) {
	installer := &fakeInstaller{}
	b := setupBootstrapper(t, installer)

	trusted, err := b.EnsureTrusted(context.Background())
	if err != nil || !trusted {
		t.Fatalf("first EnsureTrusted = (%v, %v)", trusted, err)
	}

	trusted, err = b.EnsureTrusted(context.Background())
	if err != nil || !trusted {
		t.Fatalf("second EnsureTrusted = (%v, %v)", trusted, err)
	}
	if installer.calls != 1 {
		t.Errorf("installer ran %d times, want 1", installer.calls)
	}
}

func TestEnsureTrustedInstallFailure(t *testing.T) {
	installer := &fakeInstaller{err: fmt.Errorf("no permission")}
	b := setupBootstrapper(t, installer)

	trusted, err := b.EnsureTrusted(context.Background())
	if err != nil {
		t.Fatalf("install failure should not be a hard error: %v", err)
	}
	if trusted {
		t.Error("trust should not be reported after a failed install")
	}
	if b.Approved() {
		t.Error("approval must not be persisted after a failed install")
	}

	// manual approval unblocks subsequent calls without reinstalling
	if err := b.Approve(); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	trusted, err = b.EnsureTrusted(context.Background())
	if err != nil || !trusted {
		t.Fatalf("EnsureTrusted after approval = (%v, %v)", trusted, err)
	}
	if installer.calls != 1 {
		t.Errorf("installer ran %d times, want 1", installer.calls)
	}
}

func TestEnsureTrustedMissingCertificate(t *testing.T) {
	b := setupBootstrapper(t, &fakeInstaller{})
	b.certPath = filepath.Join(t.TempDir(), "missing.cer")

	if _, err := b.EnsureTrusted(context.Background()); err == nil {
		t.Error("expected error for missing certificate file")
	}
}

func TestManualInstructionsMentionCertPath(t *testing.T) {
	path := "/tmp/ca.cer"
	if got := ManualInstructions(path); !strings.Contains(got, path) {
		t.Errorf("instructions do not mention the certificate path:\n%s", got)
	}
}
