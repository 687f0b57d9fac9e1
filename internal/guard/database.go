package guard

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetState(project, tradeDay, mode string) (*State, error) {
	var state State
	err := d.db.Where("project = ? AND trade_day = ? AND mode = ?", project, tradeDay, mode).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// GetOrCreateState returns today's state row, seeding a fresh active one
// when the scope has not been observed yet. Losing the unique-index race
// to a concurrent creator falls back to reading their row.
func (d *Database) GetOrCreateState(project, tradeDay, mode string, dayStartEquity float64) (*State, error) {
	state, err := d.GetState(project, tradeDay, mode)
	if err != nil || state != nil {
		return state, err
	}

	fresh := State{
		Project:        project,
		TradeDay:       tradeDay,
		Mode:           mode,
		Status:         StatusActive,
		DayStartEquity: dayStartEquity,
		PeakEquity:     dayStartEquity,
		LastEquity:     dayStartEquity,
	}
	if err := d.db.Create(&fresh).Error; err != nil {
		if existing, lookupErr := d.GetState(project, tradeDay, mode); lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return &fresh, nil
}

// UpdateCounters persists the read-mostly fields without touching the
// version column, so telemetry writes never contend with status CAS.
func (d *Database) UpdateCounters(state *State) error {
	return d.db.Model(&State{}).Where("id = ?", state.ID).
		Updates(map[string]interface{}{
			"risk_triggers":    state.RiskTriggers,
			"order_failures":   state.OrderFailures,
			"data_errors":      state.DataErrors,
			"day_start_equity": state.DayStartEquity,
			"peak_equity":      state.PeakEquity,
			"last_equity":      state.LastEquity,
			"equity_source":    state.EquitySource,
		}).Error
}

// CompareAndSetStatus transitions the guard status only if the caller saw
// the current version. Returns false when another instance got there first.
func (d *Database) CompareAndSetStatus(state *State, newStatus string, reason *string, cooldownUntil *time.Time) (bool, error) {
	res := d.db.Model(&State{}).
		Where("id = ? AND version = ?", state.ID, state.Version).
		Updates(map[string]interface{}{
			"status":         newStatus,
			"halt_reason":    reason,
			"cooldown_until": cooldownUntil,
			"version":        state.Version + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	state.Status = newStatus
	state.HaltReason = reason
	state.CooldownUntil = cooldownUntil
	state.Version++
	return true, nil
}
