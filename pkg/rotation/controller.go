// Package rotation keeps stored accounts fresh and swaps the active one
// out when it is exhausted or banned.
package rotation

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/warpgate/warpgate/pkg/logger"
	"github.com/warpgate/warpgate/pkg/models"
	"github.com/warpgate/warpgate/pkg/storage/repositories"
	"github.com/warpgate/warpgate/pkg/warpapi"
)

const (
	sweepInterval         = time.Minute
	activeRefreshInterval = time.Minute
	banPollInterval       = time.Second

	// tokens are renewed this long before they actually expire
	expiryLead = time.Minute

	// a triggered bulk refresh outlives the API request that started it
	bulkRefreshTimeout = 10 * time.Minute
)

// ErrBusy means a bulk refresh is already in progress
var ErrBusy = errors.New("a refresh is already in progress")

// WarpClient is the slice of the API client the controller needs
type WarpClient interface {
	RefreshToken(ctx context.Context, apiKey, refreshToken string) (*warpapi.Token, error)
	QueryQuota(ctx context.Context, accessToken string) (*warpapi.QuotaInfo, error)
}

// Controller runs the periodic maintenance loops: the credential sweep,
// the active-account refresh, and the ban-file watch.
type Controller struct {
	accounts  *repositories.AccountRepository
	session   *Session
	client    WarpClient
	markerDir string
	log       *logger.Logger

	// Publish, when set, receives rotation events for the UI feed
	Publish func(event string, payload any)

	// StartProxyAndActivate, when set, lets an exhaustion check bring
	// the proxy up for the replacement account.
	StartProxyAndActivate func(email string) error

	bulkBusy   atomic.Bool
	sweepBusy  atomic.Bool
	activeBusy atomic.Bool
	banBusy    atomic.Bool
	armed      atomic.Bool
}

// NewController creates a rotation controller. markerDir is where the
// addon script exchanges its marker files.
func NewController(accounts *repositories.AccountRepository, session *Session, client WarpClient, markerDir string, log *logger.Logger) *Controller {
	return &Controller{
		accounts:  accounts,
		session:   session,
		client:    client,
		markerDir: markerDir,
		log:       log,
	}
}

// Run drives the periodic loops until the context is cancelled. Each job
// runs in its own goroutine so a slow sweep cannot stall the ban poll;
// a tick that fires while the previous run is still going is skipped.
func (c *Controller) Run(ctx context.Context) {
	sweep := time.NewTicker(sweepInterval)
	active := time.NewTicker(activeRefreshInterval)
	ban := time.NewTicker(banPollInterval)
	defer sweep.Stop()
	defer active.Stop()
	defer ban.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			c.spawn(&c.sweepBusy, func() { c.Sweep(ctx) })
		case <-active.C:
			c.spawn(&c.activeBusy, func() { c.RefreshActive(ctx) })
		case <-ban.C:
			c.spawn(&c.banBusy, func() { c.PollBanFile(ctx) })
		}
	}
}

// spawn runs job in the background unless its previous run is still going
func (c *Controller) spawn(busy *atomic.Bool, job func()) {
	if !busy.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer busy.Store(false)
		job()
	}()
}

// Arm enables the active-account refresh loop. It only runs while
// interception is live.
func (c *Controller) Arm() {
	c.armed.Store(true)
}

// Disarm stops the active-account refresh loop
func (c *Controller) Disarm() {
	c.armed.Store(false)
}

// TriggerBulkRefresh starts a refresh of every account in the background.
// A second trigger while one is running returns ErrBusy. The run gets its
// own context; the caller's request may be long gone before it finishes.
func (c *Controller) TriggerBulkRefresh() error {
	if !c.bulkBusy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	go func() {
		defer c.bulkBusy.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), bulkRefreshTimeout)
		defer cancel()
		c.BulkRefresh(ctx)
	}()
	return nil
}

// BulkRefresh re-queries every non-banned account's quota, renewing the
// credential first when it is close to expiry.
func (c *Controller) BulkRefresh(ctx context.Context) {
	accounts, err := c.accounts.List()
	if err != nil {
		c.log.Error("bulk refresh could not list accounts: %v", err)
		return
	}

	renewed := 0
	for _, acc := range accounts {
		if acc.Banned() {
			continue
		}
		if err := c.refreshAccount(ctx, acc); err != nil {
			c.log.Warn("refresh of %s failed: %v", acc.Email, err)
			continue
		}
		renewed++
	}
	c.log.Info("renewed %d/%d accounts", renewed, len(accounts))
	c.publish("accounts_changed", nil)
}

// Sweep renews accounts whose tokens are close to expiry
func (c *Controller) Sweep(ctx context.Context) {
	accounts, err := c.accounts.List()
	if err != nil {
		c.log.Error("sweep could not list accounts: %v", err)
		return
	}

	due := 0
	renewed := 0
	for _, acc := range accounts {
		if acc.Banned() || !expiring(acc) {
			continue
		}
		due++
		if err := c.refreshAccount(ctx, acc); err != nil {
			c.log.Warn("sweep refresh of %s failed: %v", acc.Email, err)
			continue
		}
		renewed++
	}
	if due > 0 {
		c.log.Info("renewed %d/%d expiring accounts", renewed, due)
		c.publish("accounts_changed", nil)
	}
}

// RefreshActive renews the active account's quota (and token when due)
// and runs the exhaustion check. Only armed sessions with live
// interception do any work.
func (c *Controller) RefreshActive(ctx context.Context) {
	if !c.armed.Load() || !c.session.Proxying() {
		return
	}

	email, ok := c.session.Active()
	if !ok {
		return
	}
	acc, err := c.accounts.Get(email)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			c.session.ClearActive()
		}
		return
	}

	if err := c.refreshAccount(ctx, acc); err != nil {
		c.log.Warn("active account refresh failed: %v", err)
	}
	c.CheckExhaustion(ctx)
}

// refreshAccount renews the token when it is close to expiry, then always
// refetches the quota. Failures mark the account unhealthy.
func (c *Controller) refreshAccount(ctx context.Context, acc *models.Account) error {
	if expiring(acc) {
		tok, err := c.client.RefreshToken(ctx, acc.APIKey, acc.RefreshToken)
		if err != nil {
			c.accounts.UpdateHealth(acc.Email, models.HealthUnhealthy)
			return err
		}
		if err := c.accounts.UpdateCredential(acc.Email, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
			return err
		}
		acc.AccessToken = tok.AccessToken
	}

	quota, err := c.client.QueryQuota(ctx, acc.AccessToken)
	if err != nil {
		c.accounts.UpdateHealth(acc.Email, models.HealthUnhealthy)
		c.accounts.UpdateLimitInfo(acc.Email, models.LimitUnknown)
		return err
	}

	if err := c.accounts.UpdateLimitInfo(acc.Email, quota.String()); err != nil {
		return err
	}
	return c.accounts.UpdateHealth(acc.Email, models.HealthHealthy)
}

// CheckExhaustion removes the active account once its quota is used up
// and activates the best replacement. Running it twice is harmless: the
// deleted account is simply gone on the second pass.
func (c *Controller) CheckExhaustion(ctx context.Context) {
	email, ok := c.session.Active()
	if !ok {
		return
	}
	acc, err := c.accounts.Get(email)
	if err != nil {
		return
	}

	if !acc.Exhausted() {
		return
	}

	c.log.Info("account %s exhausted its quota, rotating", email)
	if err := c.accounts.Delete(email); err != nil {
		c.log.Error("failed to delete exhausted account %s: %v", email, err)
		return
	}
	c.publish("accounts_changed", nil)

	c.rotateToNext(ctx)
}

// PollBanFile consumes a ban notification dropped by the addon script
func (c *Controller) PollBanFile(ctx context.Context) {
	email, ok := readBanNotification(c.markerDir)
	if !ok {
		return
	}

	c.log.Warn("account %s was banned", email)
	if err := c.accounts.UpdateHealth(email, models.HealthBanned); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		c.log.Error("failed to mark %s banned: %v", email, err)
	}
	c.publish("account_banned", email)

	if active, ok := c.session.Active(); ok && active == email {
		c.rotateToNext(ctx)
	}
}

// rotateToNext activates the best usable account or clears the active
// pointer when none is left.
func (c *Controller) rotateToNext(ctx context.Context) {
	accounts, err := c.accounts.List()
	if err != nil {
		c.log.Error("rotation could not list accounts: %v", err)
		return
	}

	next, err := PickUsable(accounts)
	if err != nil {
		c.session.ClearActive()
		c.log.Warn("no usable account left")
		c.publish("no_usable_account", nil)
		return
	}

	if c.session.Proxying() {
		if err := c.ActivateAccount(next.Email); err != nil {
			c.log.Error("failed to activate %s: %v", next.Email, err)
		}
		return
	}
	if c.StartProxyAndActivate != nil {
		if err := c.StartProxyAndActivate(next.Email); err != nil {
			c.log.Error("failed to start proxy for %s: %v", next.Email, err)
		}
	}
}

// ActivateAccount points the session at an account and signals the addon
// script via the trigger file.
func (c *Controller) ActivateAccount(email string) error {
	if err := c.session.SetActive(email); err != nil {
		return err
	}
	if err := WriteAccountChangeTrigger(c.markerDir); err != nil {
		c.log.Warn("could not signal the addon script: %v", err)
	}
	c.log.Info("account %s activated", email)
	c.publish("account_activated", email)
	return nil
}

func (c *Controller) publish(event string, payload any) {
	if c.Publish != nil {
		c.Publish(event, payload)
	}
}

// expiring reports whether the token needs renewal soon
func expiring(acc *models.Account) bool {
	return time.Until(acc.ExpiresAt) < expiryLead
}
