package database

import (
	"fmt"

	"github.com/quantdesk/trade-api/internal/database/migrations"
	"github.com/quantdesk/trade-api/internal/guard"
	"github.com/quantdesk/trade-api/internal/lease"
	"github.com/quantdesk/trade-api/internal/runs"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddOrderLedger(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&runs.TradeRun{},
		&guard.State{},
		&lease.Lease{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
