package runs

import (
	"time"

	"github.com/quantdesk/trade-api/internal/risk"
	"github.com/quantdesk/trade-api/internal/types"
	"gorm.io/gorm"
)

// Run modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// DefaultProject is the guard scope runs fall into when the request names
// none. The background guard processor evaluates this scope, so a run
// without an explicit project is still drawdown-protected.
const DefaultProject = "default"

// Run statuses. done, partial, failed, blocked and terminated are terminal.
const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusDone       = "done"
	StatusPartial    = "partial"
	StatusFailed     = "failed"
	StatusBlocked    = "blocked"
	StatusTerminated = "terminated"
)

var terminalRunStatuses = []string{
	StatusDone, StatusPartial, StatusFailed, StatusBlocked, StatusTerminated,
}

// RunTerminal reports whether a run status is terminal.
func RunTerminal(status string) bool {
	for _, s := range terminalRunStatuses {
		if status == s {
			return true
		}
	}
	return false
}

// ConfirmLivePhrase is the sentinel an operator must supply, verbatim,
// both when creating and when executing a live-mode run. It is a friction
// gate, not a credential, which is why it is never stored: a run created
// with it still needs it again at execution time.
const ConfirmLivePhrase = "CONFIRM-LIVE-TRADING"

// TradeRun is one batch-level attempt to realize a decision snapshot as
// orders. ActiveKey backs the at-most-one-non-terminal-run invariant: it
// holds "<decision>:<mode>:<day>" while the run is live and is cleared on
// terminal transition, so the unique index only bites concurrent creators.
type TradeRun struct {
	gorm.Model
	Project         string     `json:"project"`
	DecisionRef     string     `gorm:"index" json:"decision_ref"`
	Mode            string     `json:"mode"`
	TradeDay        string     `json:"trade_day"` // YYYY-MM-DD, UTC
	ActiveKey       *string    `gorm:"uniqueIndex" json:"-"`
	Status          string     `json:"status"`
	StatusReason    string     `json:"status_reason,omitempty"`
	RiskSnapshot    string     `json:"risk_snapshot,omitempty"` // effective limits, JSON, for audit
	WeightsJSON     string     `json:"-"`                       // immutable decision snapshot
	PricesJSON      string     `json:"-"`                       // prices captured at creation
	PortfolioValue  float64    `json:"portfolio_value"`
	CashBufferRatio float64    `json:"cash_buffer_ratio"`
	DroppedEntries  int        `json:"dropped_entries"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ProgressAt      time.Time  `json:"progress_at"` // stall detection
}

// CreateRunRequest is the inbound payload for create-or-fetch.
type CreateRunRequest struct {
	Project         string                `json:"project"`
	DecisionRef     string                `json:"decision_ref" binding:"required"`
	Mode            string                `json:"mode" binding:"required"`
	Weights         []types.DecisionEntry `json:"weights"`
	Prices          map[string]float64    `json:"prices"`
	PortfolioValue  float64               `json:"portfolio_value"`
	CashBufferRatio float64               `json:"cash_buffer_ratio"`
	RiskOverride    *risk.Override        `json:"risk_override,omitempty"`
	ConfirmPhrase   string                `json:"confirm_phrase,omitempty"`
}

// ExecuteRunRequest carries the re-confirmation for live runs.
type ExecuteRunRequest struct {
	ConfirmPhrase string `json:"confirm_phrase,omitempty"`
}

// AdHocOrderRequest places a single order outside any run.
type AdHocOrderRequest struct {
	Symbol     string   `json:"symbol" binding:"required"`
	Side       string   `json:"side" binding:"required"`
	Quantity   float64  `json:"quantity" binding:"required"`
	OrderType  string   `json:"order_type"`
	LimitPrice *float64 `json:"limit_price,omitempty"`
	RefPrice   float64  `json:"ref_price"`
}
