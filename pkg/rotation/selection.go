package rotation

import (
	"errors"
	"math"

	"github.com/warpgate/warpgate/pkg/models"
)

// ErrNoUsableAccount means every stored account is banned or none exist
var ErrNoUsableAccount = errors.New("no usable account available")

// PickUsable selects the next account to activate. Banned accounts are
// never considered. Accounts with known quota win by largest remaining
// quota (unlimited counts as infinite); when no quota is known the first
// healthy account in list order wins, then any non-banned one. Ties keep
// list order, so callers passing a newest-first list get newest-first
// rotation.
func PickUsable(accounts []*models.Account) (*models.Account, error) {
	var best *models.Account
	bestRemaining := 0

	for _, acc := range accounts {
		if acc.Banned() {
			continue
		}
		remaining, unlimited, known := acc.RemainingQuota()
		if !known {
			continue
		}
		if unlimited {
			remaining = math.MaxInt
		}
		if remaining <= 0 {
			continue
		}
		if best == nil || remaining > bestRemaining {
			best = acc
			bestRemaining = remaining
		}
	}
	if best != nil {
		return best, nil
	}

	for _, acc := range accounts {
		if !acc.Banned() && acc.HealthStatus == models.HealthHealthy {
			return acc, nil
		}
	}
	for _, acc := range accounts {
		if !acc.Banned() {
			return acc, nil
		}
	}
	return nil, ErrNoUsableAccount
}
