package database

import (
	"fmt"

	"gorm.io/gorm"
)

// Migrate creates or updates every table used by the relay.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}
	if err := db.AutoMigrate(&ConnectionRecord{}); err != nil {
		return fmt.Errorf("migrate connection_records: %w", err)
	}
	return nil
}
