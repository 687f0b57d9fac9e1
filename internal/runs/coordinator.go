package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quantdesk/trade-api/internal/builder"
	"github.com/quantdesk/trade-api/internal/config"
	"github.com/quantdesk/trade-api/internal/dispatch"
	"github.com/quantdesk/trade-api/internal/guard"
	"github.com/quantdesk/trade-api/internal/lease"
	"github.com/quantdesk/trade-api/internal/orders"
	"github.com/quantdesk/trade-api/internal/risk"
	"github.com/quantdesk/trade-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	// ErrRunNotFound is the programmer-facing contract violation for
	// operating on a nonexistent run.
	ErrRunNotFound = errors.New("trade run not found")
	// ErrConfirmationRequired blocks live runs without the confirm phrase.
	ErrConfirmationRequired = errors.New("live mode requires explicit confirmation")
	// ErrExecutionBusy means another instance holds the execution lease.
	ErrExecutionBusy = errors.New("another execution is in progress for this scope")
)

// Coordinator owns the trade-run lifecycle: create-or-fetch idempotency,
// the single-instance execution lease, order building, the pre-trade risk
// gate, dispatch, and run-level status aggregation.
type Coordinator struct {
	db         *Database
	ledger     *orders.Ledger
	dispatcher *dispatch.Dispatcher
	guard      *guard.Service
	leases     *lease.Manager
	riskCfg    config.RiskConfig
	leaseTTL   time.Duration
	owner      string // this process's lease owner id
}

func NewCoordinator(
	gormDB *gorm.DB,
	ledger *orders.Ledger,
	dispatcher *dispatch.Dispatcher,
	guardSvc *guard.Service,
	leases *lease.Manager,
	riskCfg config.RiskConfig,
	leaseTTL time.Duration,
) *Coordinator {
	return &Coordinator{
		db:         NewDatabase(gormDB),
		ledger:     ledger,
		dispatcher: dispatcher,
		guard:      guardSvc,
		leases:     leases,
		riskCfg:    riskCfg,
		leaseTTL:   leaseTTL,
		owner:      uuid.New().String(),
	}
}

func (c *Coordinator) DB() *Database {
	return c.db
}

// CreateRun is create-or-fetch: the same (decision, mode, day) always
// returns the same run. Lookup-then-insert is made effectively atomic by
// the unique index on the run's active key plus a retry on conflict.
func (c *Coordinator) CreateRun(req CreateRunRequest) (*TradeRun, error) {
	logger := log.With().
		Str("component", "run_coordinator").
		Str("decision_ref", req.DecisionRef).
		Str("mode", req.Mode).
		Logger()

	if req.Mode != ModePaper && req.Mode != ModeLive {
		return nil, fmt.Errorf("unknown mode %q", req.Mode)
	}
	if req.Mode == ModeLive && req.ConfirmPhrase != ConfirmLivePhrase {
		return nil, ErrConfirmationRequired
	}
	if req.Project == "" {
		req.Project = DefaultProject
	}

	if err := c.guard.Allowed(req.Project, req.Mode); err != nil {
		return nil, err
	}

	tradeDay := guard.TradeDay(time.Now())
	if existing, err := c.db.GetActiveRun(req.DecisionRef, req.Mode, tradeDay); err != nil {
		return nil, err
	} else if existing != nil {
		logger.Info().Uint("run_id", existing.ID).Msg("returning existing active run")
		return existing, nil
	}

	limits := risk.Merge(c.riskCfg, req.RiskOverride)
	limitsJSON, err := json.Marshal(limits)
	if err != nil {
		return nil, err
	}
	weightsJSON, err := json.Marshal(req.Weights)
	if err != nil {
		return nil, err
	}
	pricesJSON, err := json.Marshal(req.Prices)
	if err != nil {
		return nil, err
	}

	key := ActiveKeyFor(req.DecisionRef, req.Mode, tradeDay)
	run := &TradeRun{
		Project:         req.Project,
		DecisionRef:     req.DecisionRef,
		Mode:            req.Mode,
		TradeDay:        tradeDay,
		ActiveKey:       &key,
		Status:          StatusQueued,
		RiskSnapshot:    string(limitsJSON),
		WeightsJSON:     string(weightsJSON),
		PricesJSON:      string(pricesJSON),
		PortfolioValue:  req.PortfolioValue,
		CashBufferRatio: req.CashBufferRatio,
		ProgressAt:      time.Now().UTC(),
	}

	if err := c.db.CreateRun(run); err != nil {
		// Lost the insert race: a concurrent creator holds the active key.
		if existing, lookupErr := c.db.GetActiveRun(req.DecisionRef, req.Mode, tradeDay); lookupErr == nil && existing != nil {
			logger.Info().Uint("run_id", existing.ID).Msg("create conflicted, returning winner's run")
			return existing, nil
		}
		return nil, err
	}

	logger.Info().Uint("run_id", run.ID).Msg("trade run created")
	return run, nil
}

// ExecuteRun drives a run through build → risk gate → dispatch. The mutate
// phase runs under the scope's execution lease; the external runtime calls
// do not. Pattern: acquire, decide, release, call out, re-acquire to record
// the outcome.
func (c *Coordinator) ExecuteRun(ctx context.Context, runID uint, confirmPhrase string) (*TradeRun, error) {
	logger := log.With().
		Str("component", "run_coordinator").
		Uint("run_id", runID).
		Logger()

	run, err := c.db.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	if RunTerminal(run.Status) {
		logger.Debug().Str("status", run.Status).Msg("run already terminal")
		return run, nil
	}

	// Confirmation is checked independently at creation and execution; a
	// run created earlier is not executable later without it.
	if run.Mode == ModeLive && confirmPhrase != ConfirmLivePhrase {
		return nil, ErrConfirmationRequired
	}

	if err := c.guard.Allowed(run.Project, run.Mode); err != nil {
		if errors.Is(err, guard.ErrHalted) && run.Status == StatusQueued {
			c.finishRun(run, StatusTerminated, err.Error())
			return run, err
		}
		return nil, err
	}

	leaseKey := fmt.Sprintf("run_exec:%s:%s", run.Project, run.Mode)
	got, err := c.leases.Acquire(leaseKey, c.owner, c.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !got {
		return nil, ErrExecutionBusy
	}

	// Decide under the lease: materialize orders and run the risk gate.
	toDispatch, run, err := c.prepare(run)
	releaseErr := c.leases.Release(leaseKey, c.owner)
	if releaseErr != nil && !errors.Is(releaseErr, lease.ErrNotHeld) {
		logger.Warn().Err(releaseErr).Msg("lease release failed")
	}
	if err != nil || len(toDispatch) == 0 {
		return run, err
	}

	// External calls happen lease-free.
	failures := 0
	for _, order := range toDispatch {
		if dispatchErr := c.dispatcher.Dispatch(ctx, order); dispatchErr != nil {
			failures++
			if guardErr := c.guard.RecordOrderFailure(run.Project, run.Mode); guardErr != nil {
				logger.Error().Err(guardErr).Msg("failed to record order failure with guard")
			}
		}
	}
	if failures > 0 {
		logger.Warn().Int("failures", failures).Int("dispatched", len(toDispatch)).Msg("dispatch completed with failures")
	}

	// Re-acquire to record the outcome.
	if got, err = c.leases.Acquire(leaseKey, c.owner, c.leaseTTL); err == nil && got {
		defer func() {
			if err := c.leases.Release(leaseKey, c.owner); err != nil && !errors.Is(err, lease.ErrNotHeld) {
				logger.Warn().Err(err).Msg("lease release failed")
			}
		}()
	} else {
		logger.Warn().Err(err).Bool("acquired", got).
			Msg("could not re-acquire execution lease, recording outcome without it")
	}
	if err := c.RecomputeStatus(runID); err != nil {
		return nil, err
	}
	return c.db.GetRun(runID)
}

// prepare materializes a queued run's orders: size the decision snapshot,
// evaluate the risk gate, and persist the batch. Runs that already have
// orders skip straight to collecting what is still NEW (crash recovery
// for a half-dispatched run).
func (c *Coordinator) prepare(run *TradeRun) ([]types.Order, *TradeRun, error) {
	logger := log.With().
		Str("component", "run_coordinator").
		Uint("run_id", run.ID).
		Logger()

	existing, err := c.ledger.DB().GetOrdersByRun(run.ID)
	if err != nil {
		return nil, run, err
	}
	if len(existing) > 0 {
		var fresh []types.Order
		for _, o := range existing {
			if o.Status == types.OrderStatusNew {
				fresh = append(fresh, o)
			}
		}
		return fresh, run, nil
	}

	var weights []types.DecisionEntry
	if err := json.Unmarshal([]byte(run.WeightsJSON), &weights); err != nil {
		return nil, run, fmt.Errorf("corrupt decision snapshot: %w", err)
	}
	var prices map[string]float64
	if err := json.Unmarshal([]byte(run.PricesJSON), &prices); err != nil {
		return nil, run, fmt.Errorf("corrupt price snapshot: %w", err)
	}

	built := builder.Build(weights, builder.Params{
		PortfolioValue:  run.PortfolioValue,
		CashBufferRatio: run.CashBufferRatio,
		LotSize:         c.riskCfg.LotSize,
		Prices:          prices,
	})
	run.DroppedEntries = built.Dropped

	var limits risk.Limits
	if err := json.Unmarshal([]byte(run.RiskSnapshot), &limits); err != nil {
		return nil, run, fmt.Errorf("corrupt risk snapshot: %w", err)
	}

	verdict := risk.Evaluate(risk.Input{
		Intents:         built.Intents,
		PortfolioValue:  run.PortfolioValue,
		CashBufferRatio: run.CashBufferRatio,
	}, limits)
	if !verdict.Passed {
		// Fail closed: nothing from a violating batch is dispatched.
		reasons, _ := json.Marshal(verdict.Reasons())
		c.finishRun(run, StatusBlocked, string(reasons))
		logger.Warn().Strs("reasons", verdict.Reasons()).Msg("run blocked by risk gate")
		return nil, run, nil
	}

	for i := range built.Intents {
		built.Intents[i].ClientOrderID = orders.RunOrderKey(run.ID, i)
	}
	created, err := c.ledger.CreateBatch(run.ID, built.Intents)
	if err != nil {
		return nil, run, err
	}

	now := time.Now().UTC()
	run.Status = StatusRunning
	run.StartedAt = &now
	run.ProgressAt = now
	if err := c.db.SaveRun(run); err != nil {
		return nil, run, err
	}

	logger.Info().Int("orders", len(created)).Msg("run orders materialized")
	return created, run, nil
}

// RecomputeStatus re-aggregates a run's status from its orders. The
// mapping is total: every combination of terminal order states lands on
// exactly one run status.
func (c *Coordinator) RecomputeStatus(runID uint) error {
	run, err := c.db.GetRun(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrRunNotFound
	}
	if RunTerminal(run.Status) {
		return nil
	}

	orderRows, err := c.ledger.DB().GetOrdersByRun(runID)
	if err != nil {
		return err
	}
	if len(orderRows) == 0 {
		return nil // still queued, nothing to aggregate
	}

	filled, rejected, expectedCancels, unexpectedCancels := 0, 0, 0, 0
	for _, o := range orderRows {
		switch o.Status {
		case types.OrderStatusFilled:
			filled++
		case types.OrderStatusRejected:
			rejected++
		case types.OrderStatusCanceled:
			if o.CancelWanted {
				expectedCancels++
			} else {
				unexpectedCancels++
			}
		default:
			// Any non-terminal order keeps the run running. Conditional, so
			// a recompute working from a stale order read cannot overwrite a
			// concurrent finisher's terminal status.
			_, err := c.db.MarkRunning(runID, time.Now().UTC())
			return err
		}
	}

	var status, reason string
	switch {
	case rejected == 0 && unexpectedCancels == 0:
		status = StatusDone
	case filled > 0:
		status = StatusPartial
		reason = fmt.Sprintf("%d filled, %d rejected, %d canceled", filled, rejected, expectedCancels+unexpectedCancels)
	default:
		status = StatusFailed
		reason = fmt.Sprintf("0 filled, %d rejected, %d canceled", rejected, expectedCancels+unexpectedCancels)
	}

	c.finishRun(run, status, reason)

	log.Info().
		Str("component", "run_coordinator").
		Uint("run_id", runID).
		Str("status", status).
		Msg("run reached terminal status")
	return nil
}

// finishRun moves a run to a terminal status, clearing its active key so
// the (decision, mode, day) scope frees up for a follow-up run. The write
// is conditional on the row still being non-terminal; losing that race
// means someone else already finished the run.
func (c *Coordinator) finishRun(run *TradeRun, status, reason string) {
	now := time.Now().UTC()
	ok, err := c.db.FinishRun(run.ID, status, reason, now)
	if err != nil {
		log.Error().Err(err).
			Uint("run_id", run.ID).
			Str("status", status).
			Msg("failed to persist terminal run status")
		return
	}
	if !ok {
		log.Debug().
			Uint("run_id", run.ID).
			Str("status", status).
			Msg("run already terminal, finish skipped")
		return
	}
	run.Status = status
	run.StatusReason = reason
	run.ActiveKey = nil
	run.EndedAt = &now
	run.ProgressAt = now
}
