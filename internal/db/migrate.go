package db

import (
	"fmt"

	"github.com/voyantlabs/concourse/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.QueueMessage{},
		&models.Payment{},
		&models.Booking{},
		&models.AgentState{},
		&models.WorkflowRun{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Reset drops all tables and re-creates them.
func Reset(db *gorm.DB) error {
	for _, m := range AllModels() {
		if err := db.Migrator().DropTable(m); err != nil {
			return fmt.Errorf("db: reset: %w", err)
		}
	}
	return AutoMigrate(db)
}
