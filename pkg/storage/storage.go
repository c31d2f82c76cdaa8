package storage

import (
	"gorm.io/gorm"

	"github.com/warpgate/warpgate/pkg/storage/repositories"
)

// Storage is the database storage interface
type Storage interface {
	// DB returns the underlying GORM database instance
	DB() *gorm.DB

	AccountRepo() *repositories.AccountRepository
	SettingsRepo() *repositories.SettingsRepository

	Close() error
}
