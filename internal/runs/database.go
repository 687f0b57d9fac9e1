package runs

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// ActiveKeyFor renders the non-terminal uniqueness key.
func ActiveKeyFor(decisionRef, mode, tradeDay string) string {
	return fmt.Sprintf("%s:%s:%s", decisionRef, mode, tradeDay)
}

func (d *Database) GetRun(runID uint) (*TradeRun, error) {
	var run TradeRun
	if err := d.db.First(&run, runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// GetActiveRun finds the non-terminal run for a (decision, mode, day)
// scope via its active key.
func (d *Database) GetActiveRun(decisionRef, mode, tradeDay string) (*TradeRun, error) {
	var run TradeRun
	key := ActiveKeyFor(decisionRef, mode, tradeDay)
	if err := d.db.Where("active_key = ?", key).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

func (d *Database) CreateRun(run *TradeRun) error {
	return d.db.Create(run).Error
}

func (d *Database) SaveRun(run *TradeRun) error {
	return d.db.Save(run).Error
}

// MarkRunning refreshes a run's progress timestamp and keeps it running,
// but only while the row is still non-terminal. A recompute that read the
// orders before a concurrent one finished the run must not resurrect it.
func (d *Database) MarkRunning(runID uint, at time.Time) (bool, error) {
	res := d.db.Model(&TradeRun{}).
		Where("id = ? AND status NOT IN ?", runID, terminalRunStatuses).
		Updates(map[string]interface{}{
			"status":      StatusRunning,
			"progress_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FinishRun moves a run to a terminal status and clears its active key,
// conditionally on the row not being terminal already, so two racing
// finishers settle on exactly one terminal transition.
func (d *Database) FinishRun(runID uint, status, reason string, at time.Time) (bool, error) {
	res := d.db.Model(&TradeRun{}).
		Where("id = ? AND status NOT IN ?", runID, terminalRunStatuses).
		Updates(map[string]interface{}{
			"status":        status,
			"status_reason": reason,
			"active_key":    nil,
			"ended_at":      at,
			"progress_at":   at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
