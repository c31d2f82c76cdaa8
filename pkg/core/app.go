// Package core ties the daemon together: proxy lifecycle, OS proxy
// settings, account management and rotation.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/warpgate/warpgate/pkg/certtrust"
	"github.com/warpgate/warpgate/pkg/config"
	"github.com/warpgate/warpgate/pkg/logger"
	"github.com/warpgate/warpgate/pkg/mitm"
	"github.com/warpgate/warpgate/pkg/models"
	"github.com/warpgate/warpgate/pkg/rotation"
	"github.com/warpgate/warpgate/pkg/storage"
	"github.com/warpgate/warpgate/pkg/sysproxy"
)

const watchdogInterval = 5 * time.Second

// ProxySupervisor is the slice of the mitm supervisor the app drives
type ProxySupervisor interface {
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
	Port() int
	ProxyURL() string
	Logs() *mitm.LogBuffer
}

// Trust is the slice of the certificate bootstrapper the app exposes
type Trust interface {
	Approve() error
	Approved() bool
	CertPath() string
}

// Status is the daemon state snapshot served by the API
type Status struct {
	Version             string `json:"version"`
	ProxyRunning        bool   `json:"proxy_running"`
	ProxyURL            string `json:"proxy_url,omitempty"`
	SystemProxyEnabled  bool   `json:"system_proxy_enabled"`
	ActiveAccount       string `json:"active_account,omitempty"`
	AccountCount        int    `json:"account_count"`
	CertificateApproved bool   `json:"certificate_approved"`
}

// CertificateInfo describes the proxy CA and how to trust it by hand
type CertificateInfo struct {
	Path         string `json:"path"`
	Approved     bool   `json:"approved"`
	Instructions string `json:"instructions"`
}

// Options collects the wired components of the app
type Options struct {
	Config     *config.Config
	Logger     *logger.Logger
	Store      storage.Storage
	Supervisor ProxySupervisor
	ProxyCfg   sysproxy.Configurator
	Trust      Trust
	Session    *rotation.Session
	Rotation   *rotation.Controller

	// Publish, when set, receives app events for the UI feed
	Publish func(event string, payload any)
}

// App is the daemon facade the API server talks to
type App struct {
	cfg        *config.Config
	log        *logger.Logger
	store      storage.Storage
	supervisor ProxySupervisor
	proxyCfg   sysproxy.Configurator
	trust      Trust
	session    *rotation.Session
	rotation   *rotation.Controller
	publishFn  func(event string, payload any)
}

// New wires an App and hooks the rotation controller's start callback
func New(opts Options) *App {
	a := &App{
		cfg:        opts.Config,
		log:        opts.Logger,
		store:      opts.Store,
		supervisor: opts.Supervisor,
		proxyCfg:   opts.ProxyCfg,
		trust:      opts.Trust,
		session:    opts.Session,
		rotation:   opts.Rotation,
		publishFn:  opts.Publish,
	}
	if a.rotation != nil {
		a.rotation.StartProxyAndActivate = a.StartProxyAndActivate
	}
	return a
}

// StartProxy brings interception up: launches the proxy, points the OS
// at it and arms the active-account refresh. Already-running is a no-op.
func (a *App) StartProxy(ctx context.Context) error {
	if a.session.Proxying() && a.supervisor.IsRunning() {
		return nil
	}

	if err := a.supervisor.Start(ctx); err != nil {
		return err
	}

	if err := a.proxyCfg.Enable(ctx, "127.0.0.1", a.supervisor.Port()); err != nil {
		// leave no half-configured state behind
		a.supervisor.Stop()
		return fmt.Errorf("failed to configure the system proxy: %w", err)
	}

	a.session.SetProxying(true)
	if a.rotation != nil {
		a.rotation.Arm()
	}
	a.log.Info("interception started on %s", a.supervisor.ProxyURL())
	a.publishStatus(ctx)
	return nil
}

// StopProxy tears interception down and clears the active account
func (a *App) StopProxy(ctx context.Context) error {
	if a.rotation != nil {
		a.rotation.Disarm()
	}

	if err := a.proxyCfg.Disable(ctx); err != nil {
		a.log.Warn("failed to restore the system proxy settings: %v", err)
	}
	if err := a.supervisor.Stop(); err != nil {
		a.log.Warn("proxy stop reported: %v", err)
	}

	a.session.SetProxying(false)
	a.log.Info("interception stopped")
	a.publishStatus(ctx)
	return nil
}

// Activate makes an account the one whose credential is injected.
// Interception is started first when it is not live yet.
func (a *App) Activate(ctx context.Context, email string) error {
	acc, err := a.store.AccountRepo().Get(email)
	if err != nil {
		return err
	}
	if acc.Banned() {
		return fmt.Errorf("account %s is banned", email)
	}

	if !a.session.Proxying() {
		if err := a.StartProxy(ctx); err != nil {
			return err
		}
	}
	return a.rotation.ActivateAccount(email)
}

// StartProxyAndActivate is the rotation controller's path for bringing
// the proxy up on behalf of a replacement account.
func (a *App) StartProxyAndActivate(email string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := a.StartProxy(ctx); err != nil {
		return err
	}
	return a.rotation.ActivateAccount(email)
}

// Deactivate clears the active account while keeping interception live
func (a *App) Deactivate(ctx context.Context) error {
	if err := a.session.ClearActive(); err != nil {
		return err
	}
	a.publish("account_deactivated", nil)
	return nil
}

// AddAccount imports a Firebase auth export as a stored account
func (a *App) AddAccount(ctx context.Context, data []byte) (*models.Account, error) {
	acc, err := models.ParseAccountExport(data)
	if err != nil {
		return nil, err
	}
	if err := a.store.AccountRepo().AddOrUpdate(acc); err != nil {
		return nil, err
	}
	a.log.Info("account %s imported", acc.Email)
	a.publish("accounts_changed", nil)
	return acc, nil
}

// DeleteAccount removes an account; deleting the active one clears the
// active pointer.
func (a *App) DeleteAccount(ctx context.Context, email string) error {
	if _, err := a.store.AccountRepo().Get(email); err != nil {
		return err
	}
	if err := a.store.AccountRepo().Delete(email); err != nil {
		return err
	}
	a.publish("accounts_changed", nil)
	return nil
}

// ListAccounts returns all stored accounts, newest first
func (a *App) ListAccounts() ([]*models.Account, error) {
	return a.store.AccountRepo().List()
}

// RefreshAll kicks off a background refresh of every account. The run is
// detached from ctx so it survives the request that triggered it.
func (a *App) RefreshAll(ctx context.Context) error {
	return a.rotation.TriggerBulkRefresh()
}

// Status snapshots the daemon state
func (a *App) Status(ctx context.Context) Status {
	st := Status{
		Version:             a.cfg.Version,
		ProxyRunning:        a.supervisor.IsRunning(),
		ProxyURL:            a.supervisor.ProxyURL(),
		CertificateApproved: a.trust.Approved(),
	}
	if email, ok := a.session.Active(); ok {
		st.ActiveAccount = email
	}
	if n, err := a.store.AccountRepo().Count(); err == nil {
		st.AccountCount = n
	}
	if enabled, err := a.proxyCfg.IsEnabled(ctx); err == nil {
		st.SystemProxyEnabled = enabled
	}
	return st
}

// Certificate describes the proxy CA for the API
func (a *App) Certificate() CertificateInfo {
	return CertificateInfo{
		Path:         a.trust.CertPath(),
		Approved:     a.trust.Approved(),
		Instructions: certtrust.ManualInstructions(a.trust.CertPath()),
	}
}

// ApproveCertificate records a manual trust confirmation
func (a *App) ApproveCertificate() error {
	if err := a.trust.Approve(); err != nil {
		return err
	}
	a.publish("certificate_approved", nil)
	return nil
}

// ProxyLogs returns the buffered proxy output
func (a *App) ProxyLogs() []mitm.Entry {
	return a.supervisor.Logs().Entries()
}

// RecoverState reconciles persisted state with reality after a daemon
// restart: a dangling active pointer without an enabled OS proxy means
// the previous run died mid-flight.
func (a *App) RecoverState(ctx context.Context) {
	if _, ok := a.session.Active(); !ok {
		return
	}
	enabled, err := a.proxyCfg.IsEnabled(ctx)
	if err == nil && !enabled {
		a.log.Warn("clearing stale active account from a previous run")
		a.session.ClearActive()
	}
}

// RunWatchdog detects the proxy dying underneath us and cleans up so
// the OS is never left pointing at a dead listener.
func (a *App) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkProxyAlive(ctx)
		}
	}
}

func (a *App) checkProxyAlive(ctx context.Context) {
	if !a.session.Proxying() || a.supervisor.IsRunning() {
		return
	}

	a.log.Error("proxy process died unexpectedly, cleaning up")
	if a.rotation != nil {
		a.rotation.Disarm()
	}
	if err := a.proxyCfg.Disable(ctx); err != nil {
		a.log.Warn("failed to restore the system proxy settings: %v", err)
	}
	a.session.SetProxying(false)
	a.publish("proxy_stopped_unexpectedly", nil)
	a.publishStatus(ctx)
}

func (a *App) publish(event string, payload any) {
	if a.publishFn != nil {
		a.publishFn(event, payload)
	}
}

func (a *App) publishStatus(ctx context.Context) {
	a.publish("status", a.Status(ctx))
}
