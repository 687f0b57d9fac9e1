package migrations

import (
	"github.com/quantdesk/trade-api/internal/types"
	"gorm.io/gorm"
)

// AddOrderLedger creates the order and fill tables. Fills get the
// (order_id, exec_id) unique index that makes reconciliation idempotent
// against at-least-once event delivery.
func AddOrderLedger(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Order{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.Fill{}); err != nil {
		return err
	}

	return nil
}
