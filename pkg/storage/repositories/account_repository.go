package repositories

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/warpgate/warpgate/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	db.AutoMigrate(&models.Account{})
	return &AccountRepository{db: db}
}

// AddOrUpdate inserts an account or replaces the credential of an existing
// one keyed by email. Health and quota info of an existing row survive.
func (r *AccountRepository) AddOrUpdate(acc *models.Account) error {
	if acc.Email == "" {
		return fmt.Errorf("account email cannot be empty")
	}
	if acc.HealthStatus == "" {
		acc.HealthStatus = models.HealthHealthy
	}
	if acc.LimitInfo == "" {
		acc.LimitInfo = models.LimitUnknown
	}

	var existing models.Account
	err := r.db.Where("email = ?", acc.Email).First(&existing).Error
	if err == nil {
		updates := map[string]any{
			"access_token":  acc.AccessToken,
			"refresh_token": acc.RefreshToken,
			"api_key":       acc.APIKey,
			"expires_at":    acc.ExpiresAt,
		}
		return r.db.Model(&models.Account{}).Where("email = ?", acc.Email).Updates(updates).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return r.db.Create(acc).Error
}

// List returns all accounts, newest first
func (r *AccountRepository) List() ([]*models.Account, error) {
	var accounts []*models.Account
	if err := r.db.Order("created_at DESC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// Get returns a single account by email
func (r *AccountRepository) Get(email string) (*models.Account, error) {
	var acc models.Account
	if err := r.db.Where("email = ?", email).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// UpdateHealth sets the health status of an account
func (r *AccountRepository) UpdateHealth(email, status string) error {
	return r.update(email, map[string]any{"health_status": status})
}

// UpdateCredential replaces the token material of an account
func (r *AccountRepository) UpdateCredential(email, accessToken, refreshToken string, expiresAt time.Time) error {
	updates := map[string]any{
		"access_token": accessToken,
		"expires_at":   expiresAt,
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return r.update(email, updates)
}

// UpdateLimitInfo stores the latest quota description for an account
func (r *AccountRepository) UpdateLimitInfo(email, info string) error {
	return r.update(email, map[string]any{"limit_info": info})
}

func (r *AccountRepository) update(email string, updates map[string]any) error {
	res := r.db.Model(&models.Account{}).Where("email = ?", email).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an account. The active-account pointer is cleared when it
// references the deleted email so it can never dangle.
func (r *AccountRepository) Delete(email string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("email = ?", email).Delete(&models.Account{}).Error; err != nil {
			return err
		}
		return tx.Where("key = ? AND value = ?", models.SettingActiveAccount, email).
			Delete(&models.Setting{}).Error
	})
}

func (r *AccountRepository) Count() (int, error) {
	var count int64
	if err := r.db.Model(&models.Account{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}
