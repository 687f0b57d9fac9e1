package guard

import (
	"time"

	"gorm.io/gorm"
)

// Guard statuses.
const (
	StatusActive   = "active"
	StatusHalted   = "halted"
	StatusCooldown = "cooldown"
)

// Equity sources, recorded so an operator can tell a live reading from a
// stale fallback.
const (
	EquitySourceLive     = "live"
	EquitySourceSnapshot = "snapshot"
)

// State is the intraday guard singleton per (project, trading day, mode).
// It is versioned: every status transition is a compare-and-set on Version,
// so concurrent server instances agree on a single halt decision.
type State struct {
	gorm.Model
	Project        string     `gorm:"uniqueIndex:idx_guard_scope" json:"project"`
	TradeDay       string     `gorm:"uniqueIndex:idx_guard_scope" json:"trade_day"` // YYYY-MM-DD, UTC
	Mode           string     `gorm:"uniqueIndex:idx_guard_scope" json:"mode"`
	Status         string     `json:"status"`
	Version        int        `json:"version"`
	RiskTriggers   int        `json:"risk_triggers"`
	OrderFailures  int        `json:"order_failures"`
	DataErrors     int        `json:"data_errors"`
	DayStartEquity float64    `json:"day_start_equity"`
	PeakEquity     float64    `json:"peak_equity"`
	LastEquity     float64    `json:"last_equity"`
	EquitySource   string     `json:"equity_source"`
	HaltReason     *string    `json:"halt_reason,omitempty"`
	CooldownUntil  *time.Time `json:"cooldown_until,omitempty"`
}
