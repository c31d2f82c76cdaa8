package repositories

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/warpgate/warpgate/pkg/models"
)

type SettingsRepository struct {
	db *gorm.DB
}

func NewSettingsRepository(db *gorm.DB) *SettingsRepository {
	db.AutoMigrate(&models.Setting{})
	return &SettingsRepository{db: db}
}

// Get returns the value for a key, or ErrNotFound
func (r *SettingsRepository) Get(key string) (string, error) {
	var setting models.Setting
	if err := r.db.Where("key = ?", key).First(&setting).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return setting.Value, nil
}

// Set creates or replaces a key/value pair
func (r *SettingsRepository) Set(key, value string) error {
	setting := models.Setting{Key: key, Value: value}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&setting).Error
}

// Delete removes a key. Missing keys are not an error.
func (r *SettingsRepository) Delete(key string) error {
	return r.db.Where("key = ?", key).Delete(&models.Setting{}).Error
}

// ActiveAccount returns the email of the active account, if any
func (r *SettingsRepository) ActiveAccount() (string, bool) {
	email, err := r.Get(models.SettingActiveAccount)
	if err != nil || email == "" {
		return "", false
	}
	return email, true
}

// SetActiveAccount records the email of the active account
func (r *SettingsRepository) SetActiveAccount(email string) error {
	return r.Set(models.SettingActiveAccount, email)
}

// ClearActiveAccount removes the active-account pointer
func (r *SettingsRepository) ClearActiveAccount() error {
	return r.Delete(models.SettingActiveAccount)
}

// CertificateApproved reports whether the proxy CA was confirmed trusted
func (r *SettingsRepository) CertificateApproved() bool {
	value, err := r.Get(models.SettingCertificateApproved)
	return err == nil && value == "true"
}

// SetCertificateApproved records the CA trust confirmation
func (r *SettingsRepository) SetCertificateApproved(approved bool) error {
	if approved {
		return r.Set(models.SettingCertificateApproved, "true")
	}
	return r.Delete(models.SettingCertificateApproved)
}
