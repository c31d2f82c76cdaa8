package rotation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/warpgate/warpgate/pkg/logger"
	"github.com/warpgate/warpgate/pkg/models"
	"github.com/warpgate/warpgate/pkg/storage/repositories"
	"github.com/warpgate/warpgate/pkg/warpapi"
)

type fakeClient struct {
	refreshErr   error
	refreshCalls int
	quota        *warpapi.QuotaInfo
	quotaByToken map[string]*warpapi.QuotaInfo
	quotaErr     error
}

func (f *fakeClient) RefreshToken(ctx context.Context, apiKey, refreshToken string) (*warpapi.Token, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &warpapi.Token{
		AccessToken:  "fresh-" + refreshToken,
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeClient) QueryQuota(ctx context.Context, accessToken string) (*warpapi.QuotaInfo, error) {
	if f.quotaErr != nil {
		return nil, f.quotaErr
	}
	if q, ok := f.quotaByToken[accessToken]; ok {
		return q, nil
	}
	if f.quota != nil {
		return f.quota, nil
	}
	return &warpapi.QuotaInfo{Used: 0, Limit: 150}, nil
}

type testEnv struct {
	accounts *repositories.AccountRepository
	settings *repositories.SettingsRepository
	session  *Session
	client   *fakeClient
	ctrl     *Controller
	dir      string
	events   []string
}

func setupController(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	env := &testEnv{
		accounts: repositories.NewAccountRepository(db),
		settings: repositories.NewSettingsRepository(db),
		client:   &fakeClient{quotaByToken: map[string]*warpapi.QuotaInfo{}},
		dir:      t.TempDir(),
	}
	env.session = NewSession(env.settings)
	env.ctrl = NewController(env.accounts, env.session, env.client, env.dir, logger.NewDefault("test"))
	env.ctrl.Publish = func(event string, payload any) {
		env.events = append(env.events, event)
	}
	return env
}

func (e *testEnv) addAccount(t *testing.T, email, limit string, expiresIn time.Duration) {
	t.Helper()
	err := e.accounts.AddOrUpdate(&models.Account{
		Email:        email,
		AccessToken:  "tok-" + email,
		RefreshToken: "ref-" + email,
		APIKey:       "key",
		ExpiresAt:    time.Now().Add(expiresIn),
	})
	if err != nil {
		t.Fatalf("AddOrUpdate failed: %v", err)
	}
	if limit != "" {
		if err := e.accounts.UpdateLimitInfo(email, limit); err != nil {
			t.Fatalf("UpdateLimitInfo failed: %v", err)
		}
	}
}

func (e *testEnv) sawEvent(event string) bool {
	for _, got := range e.events {
		if got == event {
			return true
		}
	}
	return false
}

func TestBulkRefreshRenewsAccounts(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "stale@example.com", "", 10*time.Second)
	env.addAccount(t, "fresh@example.com", "", time.Hour)
	env.client.quota = &warpapi.QuotaInfo{Used: 7, Limit: 150}

	env.ctrl.BulkRefresh(context.Background())

	if env.client.refreshCalls != 1 {
		t.Errorf("refresh called %d times, want 1", env.client.refreshCalls)
	}
	stale, err := env.accounts.Get("stale@example.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stale.AccessToken != "fresh-ref-stale@example.com" {
		t.Errorf("expiring token not rotated: %q", stale.AccessToken)
	}
	fresh, _ := env.accounts.Get("fresh@example.com")
	if fresh.AccessToken != "tok-fresh@example.com" {
		t.Errorf("valid token should be left alone: %q", fresh.AccessToken)
	}
	for _, acc := range []*models.Account{stale, fresh} {
		if acc.LimitInfo != "7/150" {
			t.Errorf("limit info of %s = %q", acc.Email, acc.LimitInfo)
		}
	}
	if !env.sawEvent("accounts_changed") {
		t.Error("accounts_changed event not published")
	}
}

func TestBulkRefreshSkipsBanned(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "banned@example.com", "", 10*time.Second)
	env.accounts.UpdateHealth("banned@example.com", models.HealthBanned)

	env.ctrl.BulkRefresh(context.Background())
	if env.client.refreshCalls != 0 {
		t.Errorf("banned account was refreshed %d times", env.client.refreshCalls)
	}
}

func TestTriggerBulkRefreshBusy(t *testing.T) {
	env := setupController(t)

	env.ctrl.bulkBusy.Store(true)
	if err := env.ctrl.TriggerBulkRefresh(); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	env.ctrl.bulkBusy.Store(false)

	if err := env.ctrl.TriggerBulkRefresh(); err != nil {
		t.Errorf("idle trigger failed: %v", err)
	}
}

func TestTriggerBulkRefreshRunsDetached(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "a@example.com", "", 10*time.Second)

	if err := env.ctrl.TriggerBulkRefresh(); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.ctrl.bulkBusy.Load() {
		if time.Now().After(deadline) {
			t.Fatal("triggered refresh did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if env.client.refreshCalls != 1 {
		t.Errorf("refresh called %d times, want 1", env.client.refreshCalls)
	}
}

func TestSpawnSkipsWhileBusy(t *testing.T) {
	env := setupController(t)
	var busy atomic.Bool
	release := make(chan struct{})
	started := make(chan struct{})
	env.ctrl.spawn(&busy, func() {
		close(started)
		<-release
	})
	<-started

	calls := make(chan struct{}, 1)
	env.ctrl.spawn(&busy, func() { calls <- struct{}{} })
	select {
	case <-calls:
		t.Fatal("second job ran while the first was still going")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for busy.Load() {
		if time.Now().After(deadline) {
			t.Fatal("busy flag never cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
	env.ctrl.spawn(&busy, func() { calls <- struct{}{} })
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run after the first finished")
	}
}

func TestRefreshFailureMarksUnhealthy(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "a@example.com", "", 10*time.Second)
	env.client.refreshErr = fmt.Errorf("TOKEN_EXPIRED")

	env.ctrl.BulkRefresh(context.Background())

	acc, err := env.accounts.Get("a@example.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if acc.HealthStatus != models.HealthUnhealthy {
		t.Errorf("health = %q, want unhealthy", acc.HealthStatus)
	}
}

func TestQuotaUnauthorizedMarksUnhealthy(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "a@example.com", "", time.Hour)
	env.client.quotaErr = warpapi.ErrUnauthorized

	env.ctrl.BulkRefresh(context.Background())

	acc, _ := env.accounts.Get("a@example.com")
	if acc.HealthStatus != models.HealthUnhealthy {
		t.Errorf("health = %q, want unhealthy", acc.HealthStatus)
	}
}

func TestQuotaFailureMarksUnhealthy(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "a@example.com", "5/150", time.Hour)
	env.client.quotaErr = fmt.Errorf("upstream returned 500")

	env.ctrl.BulkRefresh(context.Background())

	acc, _ := env.accounts.Get("a@example.com")
	if acc.HealthStatus != models.HealthUnhealthy {
		t.Errorf("health = %q, want unhealthy", acc.HealthStatus)
	}
	if acc.LimitInfo != models.LimitUnknown {
		t.Errorf("limit info = %q, want %q", acc.LimitInfo, models.LimitUnknown)
	}
}

func TestSweepRefreshesOnlyExpiring(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "fresh@example.com", "", time.Hour)
	env.addAccount(t, "stale@example.com", "", 10*time.Second)

	env.ctrl.Sweep(context.Background())

	if env.client.refreshCalls != 1 {
		t.Errorf("refresh called %d times, want 1", env.client.refreshCalls)
	}
	stale, _ := env.accounts.Get("stale@example.com")
	if stale.AccessToken != "fresh-ref-stale@example.com" {
		t.Errorf("expiring account was not renewed: %q", stale.AccessToken)
	}
}

func TestCheckExhaustionRotates(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "spent@example.com", "150/150", time.Hour)
	env.addAccount(t, "next@example.com", "10/150", time.Hour)
	env.session.SetProxying(true)
	env.session.SetActive("spent@example.com")

	env.ctrl.CheckExhaustion(context.Background())

	if _, err := env.accounts.Get("spent@example.com"); !errors.Is(err, repositories.ErrNotFound) {
		t.Error("exhausted account should be deleted")
	}
	active, ok := env.session.Active()
	if !ok || active != "next@example.com" {
		t.Errorf("active = %q ok=%v, want next@example.com", active, ok)
	}
	if _, err := os.Stat(filepath.Join(env.dir, TriggerFileName)); err != nil {
		t.Error("trigger file was not written")
	}
	if !env.sawEvent("account_activated") {
		t.Error("account_activated event not published")
	}
}

func TestCheckExhaustionIdempotent(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "spent@example.com", "150/150", time.Hour)
	env.addAccount(t, "next@example.com", "10/150", time.Hour)
	env.session.SetProxying(true)
	env.session.SetActive("spent@example.com")

	env.ctrl.CheckExhaustion(context.Background())
	env.ctrl.CheckExhaustion(context.Background())

	active, ok := env.session.Active()
	if !ok || active != "next@example.com" {
		t.Errorf("second check changed the outcome: %q ok=%v", active, ok)
	}
	if n, _ := env.accounts.Count(); n != 1 {
		t.Errorf("account count = %d, want 1", n)
	}
}

func TestCheckExhaustionNoReplacement(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "spent@example.com", "150/150", time.Hour)
	env.session.SetProxying(true)
	env.session.SetActive("spent@example.com")

	env.ctrl.CheckExhaustion(context.Background())

	if _, ok := env.session.Active(); ok {
		t.Error("active pointer should be cleared with no replacement")
	}
	if !env.sawEvent("no_usable_account") {
		t.Error("no_usable_account event not published")
	}
}

func TestCheckExhaustionIgnoresUnlimited(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "free@example.com", "Unlimited", time.Hour)
	env.session.SetProxying(true)
	env.session.SetActive("free@example.com")

	env.ctrl.CheckExhaustion(context.Background())

	if _, err := env.accounts.Get("free@example.com"); err != nil {
		t.Error("unlimited account must never be deleted")
	}
}

func TestCheckExhaustionKeepsZeroTotal(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "zero@example.com", "0/0", time.Hour)
	env.session.SetProxying(true)
	env.session.SetActive("zero@example.com")

	env.ctrl.CheckExhaustion(context.Background())

	if _, err := env.accounts.Get("zero@example.com"); err != nil {
		t.Error("zero-total account must not be deleted")
	}
	if active, ok := env.session.Active(); !ok || active != "zero@example.com" {
		t.Errorf("active = %q ok=%v, want zero@example.com", active, ok)
	}
}

func TestCheckExhaustionStartsProxyWhenDown(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "spent@example.com", "150/150", time.Hour)
	env.addAccount(t, "next@example.com", "10/150", time.Hour)
	env.session.SetActive("spent@example.com")

	started := ""
	env.ctrl.StartProxyAndActivate = func(email string) error {
		started = email
		return nil
	}

	env.ctrl.CheckExhaustion(context.Background())

	if started != "next@example.com" {
		t.Errorf("StartProxyAndActivate got %q, want next@example.com", started)
	}
}

func TestPollBanFileMarksAndRotates(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "victim@example.com", "10/150", time.Hour)
	env.addAccount(t, "backup@example.com", "20/150", time.Hour)
	env.session.SetProxying(true)
	env.session.SetActive("victim@example.com")

	banFile := filepath.Join(env.dir, BanFileName)
	content := fmt.Sprintf("victim@example.com|%d", time.Now().Unix())
	if err := os.WriteFile(banFile, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write ban file: %v", err)
	}

	env.ctrl.PollBanFile(context.Background())

	acc, _ := env.accounts.Get("victim@example.com")
	if acc.HealthStatus != models.HealthBanned {
		t.Errorf("health = %q, want banned", acc.HealthStatus)
	}
	active, ok := env.session.Active()
	if !ok || active != "backup@example.com" {
		t.Errorf("active = %q ok=%v, want backup@example.com", active, ok)
	}
	if _, err := os.Stat(banFile); !os.IsNotExist(err) {
		t.Error("ban file should be consumed")
	}
	if !env.sawEvent("account_banned") {
		t.Error("account_banned event not published")
	}
}

func TestPollBanFileInactiveAccount(t *testing.T) {
	env := setupController(t)
	env.addAccount(t, "victim@example.com", "10/150", time.Hour)
	env.addAccount(t, "active@example.com", "20/150", time.Hour)
	env.session.SetProxying(true)
	env.session.SetActive("active@example.com")

	banFile := filepath.Join(env.dir, BanFileName)
	os.WriteFile(banFile, []byte("victim@example.com|123"), 0o644)

	env.ctrl.PollBanFile(context.Background())

	active, ok := env.session.Active()
	if !ok || active != "active@example.com" {
		t.Errorf("active account should be untouched, got %q ok=%v", active, ok)
	}
}

func TestPollBanFileAbsent(t *testing.T) {
	env := setupController(t)
	env.ctrl.PollBanFile(context.Background())
	if len(env.events) != 0 {
		t.Errorf("unexpected events: %v", env.events)
	}
}

func TestSessionClearsActiveOnStop(t *testing.T) {
	env := setupController(t)
	env.session.SetProxying(true)
	env.session.SetActive("a@example.com")

	env.session.SetProxying(false)

	if _, ok := env.session.Active(); ok {
		t.Error("active pointer should be cleared when interception stops")
	}
	if env.session.Proxying() {
		t.Error("session still reports proxying")
	}
}
