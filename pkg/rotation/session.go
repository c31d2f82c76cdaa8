package rotation

import (
	"sync"

	"github.com/warpgate/warpgate/pkg/storage/repositories"
)

// Session tracks whether interception is live and which account is
// active. The active pointer is written through to the settings store and
// is always cleared when interception stops.
type Session struct {
	mu       sync.Mutex
	settings *repositories.SettingsRepository
	proxying bool
}

// NewSession creates a session backed by the settings store
func NewSession(settings *repositories.SettingsRepository) *Session {
	return &Session{settings: settings}
}

// Proxying reports whether interception is live
func (s *Session) Proxying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxying
}

// SetProxying flips the interception flag. Turning it off clears the
// active account so a stale pointer can never survive a proxy stop.
func (s *Session) SetProxying(on bool) error {
	s.mu.Lock()
	s.proxying = on
	s.mu.Unlock()

	if !on {
		return s.settings.ClearActiveAccount()
	}
	return nil
}

// Active returns the email of the active account, if any
func (s *Session) Active() (string, bool) {
	return s.settings.ActiveAccount()
}

// SetActive records the active account
func (s *Session) SetActive(email string) error {
	return s.settings.SetActiveAccount(email)
}

// ClearActive removes the active-account pointer
func (s *Session) ClearActive() error {
	return s.settings.ClearActiveAccount()
}
