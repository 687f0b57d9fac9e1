package orders

import (
	"errors"

	"github.com/quantdesk/trade-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GormDB exposes the underlying connection for cross-package transactions.
func (d *Database) GormDB() *gorm.DB {
	return d.db
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrderByClientID(clientOrderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("client_order_id = ?", clientOrderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrdersByRun(runID uint) ([]types.Order, error) {
	var out []types.Order
	if err := d.db.Where("run_id = ?", runID).Order("id asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Database) SaveOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

func (d *Database) GetFillsByOrder(orderID uint) ([]types.Fill, error) {
	var out []types.Fill
	if err := d.db.Where("order_id = ?", orderID).Order("filled_at asc, id asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// GetFillByExecID looks up a fill by its dedup key.
func (d *Database) GetFillByExecID(orderID uint, execID string) (*types.Fill, error) {
	var fill types.Fill
	if err := d.db.Where("order_id = ? AND exec_id = ?", orderID, execID).First(&fill).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &fill, nil
}

// SaveFillTx persists a fill and the updated order state in one transaction
// so a crash between the two writes cannot desync filled quantity from the
// fill rows.
func (d *Database) SaveFillTx(order *types.Order, fill *types.Fill) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(fill).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Save(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}
