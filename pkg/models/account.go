package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Account health states
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthBanned    = "banned"
)

// LimitUnknown marks an account whose quota has not been fetched yet
const LimitUnknown = "N/A"

// Account represents a stored Warp account credential
type Account struct {
	Email        string    `json:"email" gorm:"type:varchar(255);primaryKey"`
	AccessToken  string    `json:"-" gorm:"type:text"`
	RefreshToken string    `json:"-" gorm:"type:text"`
	APIKey       string    `json:"-" gorm:"type:varchar(128)"`
	ExpiresAt    time.Time `json:"expires_at"`
	HealthStatus string    `json:"health_status" gorm:"type:varchar(16)"`
	LimitInfo    string    `json:"limit_info" gorm:"type:varchar(64)"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (Account) TableName() string {
	return "accounts"
}

// Banned reports whether the account is marked banned
func (a *Account) Banned() bool {
	return a.HealthStatus == HealthBanned
}

// RemainingQuota returns the remaining request quota. known is false when
// the limit info has never been fetched or cannot be parsed. Unlimited
// accounts report a negative remaining with unlimited set.
func (a *Account) RemainingQuota() (remaining int, unlimited, known bool) {
	used, limit, unlimited, known := ParseLimitInfo(a.LimitInfo)
	if !known {
		return 0, false, false
	}
	if unlimited {
		return -1, true, true
	}
	return limit - used, false, true
}

// Exhausted reports whether a finite quota has been fully consumed. A
// zero-total limit is not a spent quota, just an account with nothing
// granted yet.
func (a *Account) Exhausted() bool {
	used, limit, unlimited, known := ParseLimitInfo(a.LimitInfo)
	return known && !unlimited && limit > 0 && used >= limit
}

// ParseLimitInfo parses a "used/limit" quota string. "Unlimited" is a valid
// value; anything else unparsable is reported as unknown.
func ParseLimitInfo(info string) (used, limit int, unlimited, known bool) {
	info = strings.TrimSpace(info)
	if info == "" || info == LimitUnknown {
		return 0, 0, false, false
	}
	if strings.EqualFold(info, "unlimited") {
		return 0, 0, true, true
	}
	if _, err := fmt.Sscanf(info, "%d/%d", &used, &limit); err != nil {
		return 0, 0, false, false
	}
	return used, limit, false, true
}

// stsTokenManager mirrors the token block of a Firebase auth export
type stsTokenManager struct {
	AccessToken    string `json:"accessToken"`
	RefreshToken   string `json:"refreshToken"`
	ExpirationTime int64  `json:"expirationTime"` // unix millis
}

type accountExport struct {
	Email           string          `json:"email"`
	APIKey          string          `json:"apiKey"`
	StsTokenManager stsTokenManager `json:"stsTokenManager"`

	// flat fallback shape
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// ParseAccountExport decodes a Firebase auth user export into an Account.
// Both the nested stsTokenManager shape and a flat token shape are accepted.
func ParseAccountExport(data []byte) (*Account, error) {
	var export accountExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("invalid account export: %w", err)
	}

	if export.Email == "" {
		return nil, fmt.Errorf("account export is missing an email")
	}

	acc := &Account{
		Email:        export.Email,
		APIKey:       export.APIKey,
		AccessToken:  export.StsTokenManager.AccessToken,
		RefreshToken: export.StsTokenManager.RefreshToken,
		HealthStatus: HealthHealthy,
		LimitInfo:    LimitUnknown,
	}
	if export.StsTokenManager.ExpirationTime > 0 {
		acc.ExpiresAt = time.UnixMilli(export.StsTokenManager.ExpirationTime)
	}

	if acc.AccessToken == "" {
		acc.AccessToken = export.AccessToken
	}
	if acc.RefreshToken == "" {
		acc.RefreshToken = export.RefreshToken
	}

	if acc.RefreshToken == "" {
		return nil, fmt.Errorf("account export for %s has no refresh token", export.Email)
	}

	return acc, nil
}
