package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quantdesk/trade-api/internal/config"
	"github.com/quantdesk/trade-api/internal/dispatch"
	"github.com/quantdesk/trade-api/internal/guard"
	"github.com/quantdesk/trade-api/internal/lease"
	"github.com/quantdesk/trade-api/internal/orders"
	"github.com/quantdesk/trade-api/internal/types"
)

// scriptedRuntime acknowledges every submission unless the symbol is
// scripted to fail, and remembers what it was asked to place.
type scriptedRuntime struct {
	mu        sync.Mutex
	submitted []types.OrderIntent
	failFor   map[string]error
	nextID    int
}

func (r *scriptedRuntime) SubmitOrder(ctx context.Context, intent types.OrderIntent) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failFor[intent.Symbol]; ok {
		return "", err
	}
	r.nextID++
	r.submitted = append(r.submitted, intent)
	return fmt.Sprintf("BRK-%d", r.nextID), nil
}

func (r *scriptedRuntime) CancelOrder(ctx context.Context, clientOrderID string) error {
	return nil
}

func (r *scriptedRuntime) AccountEquity(ctx context.Context) (float64, error) {
	return 100_000, nil
}

type coordinatorFixture struct {
	coordinator *Coordinator
	ledger      *orders.Ledger
	guard       *guard.Service
	leases      *lease.Manager
	runtime     *scriptedRuntime
}

func setupCoordinator(t *testing.T, riskCfg config.RiskConfig, guardCfg config.GuardConfig) *coordinatorFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Order{}, &types.Fill{}, &TradeRun{}, &guard.State{}, &lease.Lease{}))

	rt := &scriptedRuntime{failFor: map[string]error{}}
	ledger := orders.NewLedger(db)
	dispatcher := dispatch.NewDispatcher(rt, ledger, time.Second)
	guardSvc := guard.NewService(db, rt, guardCfg, time.Second)
	leases := lease.NewManager(db)

	return &coordinatorFixture{
		coordinator: NewCoordinator(db, ledger, dispatcher, guardSvc, leases, riskCfg, 30*time.Second),
		ledger:      ledger,
		guard:       guardSvc,
		leases:      leases,
		runtime:     rt,
	}
}

func paperRunRequest(decisionRef string) CreateRunRequest {
	return CreateRunRequest{
		Project:        "default",
		DecisionRef:    decisionRef,
		Mode:           ModePaper,
		Weights:        []types.DecisionEntry{{Symbol: "AAA", Weight: "0.2"}},
		Prices:         map[string]float64{"AAA": 50},
		PortfolioValue: 10_000,
	}
}

func TestCreateRunIsCreateOrFetch(t *testing.T) {
	f := setupCoordinator(t, config.RiskConfig{LotSize: 1}, config.GuardConfig{})

	first, err := f.coordinator.CreateRun(paperRunRequest("68"))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, first.Status)
	require.NotNil(t, first.ActiveKey)

	second, err := f.coordinator.CreateRun(paperRunRequest("68"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, f.coordinator.DB().db.Model(&TradeRun{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// A different decision is a different scope.
	third, err := f.coordinator.CreateRun(paperRunRequest("69"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCreateRunDefaultsProjectToEvaluatedScope(t *testing.T) {
	f := setupCoordinator(t, config.RiskConfig{LotSize: 1}, config.GuardConfig{MaxOrderFailures: 1, Cooldown: time.Hour})

	req := paperRunRequest("68")
	req.Project = ""
	run, err := f.coordinator.CreateRun(req)
	require.NoError(t, err)
	assert.Equal(t, DefaultProject, run.Project)

	// A halt recorded against the default scope covers the run.
	require.NoError(t, f.guard.RecordOrderFailure(DefaultProject, ModePaper))
	_, err = f.coordinator.ExecuteRun(context.Background(), run.ID, "")
	assert.ErrorIs(t, err, guard.ErrHalted)
}

func TestCreateRunRejectsUnknownMode(t *testing.T) {
	f := setupCoordinator(t, config.RiskConfig{LotSize: 1}, config.GuardConfig{})

	req := paperRunRequest("68")
	req.Mode = "dry-run"
	_, err := f.coordinator.CreateRun(req)
	assert.Error(t, err)
}

func TestLiveModeRequiresConfirmationTwice(t *testing.T) {
	f := setupCoordinator(t, config.RiskConfig{LotSize: 1}, config.GuardConfig{})

	req := paperRunRequest("68")
	req.Mode = ModeLive
	_, err := f.coordinator.CreateRun(req)
	assert.ErrorIs(t, err, ErrConfirmationRequired)

	req.ConfirmPhrase = ConfirmLivePhrase
	run, err := f.coordinator.CreateRun(req)
	require.NoError(t, err)

	// Creation-time confirmation does not carry over to execution.
	_, err = f.coordinator.ExecuteRun(context.Background(), run.ID, "")
	assert.ErrorIs(t, err, ErrConfirmationRequired)

	run, err = f.coordinator.ExecuteRun(context.Background(), run.ID, ConfirmLivePhrase)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
}

func TestExecuteRunMaterializesAndDispatchesOrders(t *testing.T) {
	f := setupCoordinator(t, config.RiskConfig{LotSize: 1}, config.GuardConfig{})

	run, err := f.coordinator.CreateRun(paperRunRequest("68"))
	require.NoError(t, err)

	run, err = f.coordinator.ExecuteRun(context.Background(), run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	require.NotNil(t, run.StartedAt)

	// 0.2 weight of a 10k portfolio at 50 is 40 shares.
	require.Len(t, f.runtime.submitted, 1)
	assert.Equal(t, "AAA", f.runtime.submitted[0].Symbol)
	assert.Equal(t, 40.0, f.runtime.submitted[0].Quantity)

	rows, err := f.ledger.DB().GetOrdersByRun(run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, orders.RunOrderKey(run.ID, 0), rows[0].ClientOrderID)
	assert.Equal(t, types.OrderStatusSubmitted, rows[0].Status)
}

func TestFullFillCompletesRunAndFreesScope(t *testing.T) {
	f := setupCoordinator(t, config.RiskConfig{LotSize: 1}, config.GuardConfig{})

	run, err := f.coordinator.CreateRun(paperRunRequest("68"))
	require.NoError(t, err)
	_, err = f.coordinator.ExecuteRun(context.Background(), run.ID, "")
	require.NoError(t, err)

	tag := orders.RunOrderKey(run.ID, 0)
	execID := "BRK-1-F0"
	require.NoError(t, f.ledger.ApplyFill(tag, &execID, 40, 50.5, 0.1, time.Now(), "{}"))
	require.NoError(t, f.coordinator.RecomputeStatus(run.ID))

	run2, err := f.coordinator.DB().GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, run2.Status)
	assert.Nil(t, run2.ActiveKey)
	require.NotNil(t, run2.EndedAt)

	// The scope is free again: the same decision creates a fresh run.
	followUp, err := f.coordinator.CreateRun(paperRunRequest("68"))
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, followUp.ID)
	assert.Equal(t, StatusQueued, followUp.Status)
}

func TestRiskGateBlocksRunBeforeDispatch(t *testing.T) {
	f := setupCoordinator(t, config.RiskConfig{LotSize: 1, MaxOrderNotional: 5_000}, config.GuardConfig{})

	req := CreateRunRequest{
		Project:     "default",
		DecisionRef: "68",
		Mode:        ModePaper,
		Weights: []types.DecisionEntry{
			{Symbol: "AAA", Weight: "0.5"},
			{Symbol: "BBB", Weight: "0.5"},
		},
		Prices:         map[string]float64{"AAA": 50, "BBB": 60},
		PortfolioValue: 12_000,
	}
	run, err := f.coordinator.CreateRun(req)
	require.NoError(t, err)

	run, err = f.coordinator.ExecuteRun(context.Background(), run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, run.Status)
	assert.Contains(t, run.StatusReason, "max_order_notional:AAA")
	assert.Contains(t, run.StatusReason, "max_order_notional:BBB")
	assert.Nil(t, run.ActiveKey)

	// Fail closed: nothing from the violating batch reached the runtime.
	assert.Empty(t, f.runtime.submitted)
	rows, err := f.ledger.DB().GetOrdersByRun(run.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAllDispatchFailuresFailTheRun(t *testing.T) {
	f := setupCoordinator(t, config.RiskConfig{LotSize: 1}, config.GuardConfig{})
	f.runtime.failFor["AAA"] = errors.New("session offline")

	run, err := f.coordinator.CreateRun(paperRunRequest("68"))
	require.NoError(t, err)

	run, err = f.coordinator.ExecuteRun(context.Background(), run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Contains(t, run.StatusReason, "0 filled, 1 rejected")

	rows, err := f.ledger.DB().GetOrdersByRun(run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.OrderStatusRejected, rows[0].Status)
	require.NotNil(t, rows[0].RejectReason)
	assert.Contains(t, *rows[0].RejectReason, "dispatch_failed")
}

func TestMixedOutcomeIsPartial(t *testing.T) {
	f := setupCoordinator(t, config.RiskConfig{LotSize: 1}, config.GuardConfig{})
	f.runtime.failFor["BBB"] = errors.New("symbol not tradable")

	req := paperRunRequest("68")
	req.Weights = []types.DecisionEntry{
		{Symbol: "AAA", Weight: "0.2"},
		{Symbol: "BBB", Weight: "0.2"},
	}
	req.Prices = map[string]float64{"AAA": 50, "BBB": 40}
	run, err := f.coordinator.CreateRun(req)
	require.NoError(t, err)

	run, err = f.coordinator.ExecuteRun(context.Background(), run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status) // AAA still live

	tag := orders.RunOrderKey(run.ID, 0)
	execID := "BRK-1-F0"
	require.NoError(t, f.ledger.ApplyFill(tag, &execID, 40, 50, 0, time.Now(), "{}"))
	require.NoError(t, f.coordinator.RecomputeStatus(run.ID))

	run2, err := f.coordinator.DB().GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, run2.Status)
	assert.Contains(t, run2.StatusReason, "1 filled, 1 rejected")
}

func TestTerminalRunCannotRegress(t *testing.T) {
	f := setupCoordinator(t, config.RiskConfig{LotSize: 1}, config.GuardConfig{})

	run, err := f.coordinator.CreateRun(paperRunRequest("68"))
	require.NoError(t, err)
	_, err = f.coordinator.ExecuteRun(context.Background(), run.ID, "")
	require.NoError(t, err)

	tag := orders.RunOrderKey(run.ID, 0)
	execID := "BRK-1-F0"
	require.NoError(t, f.ledger.ApplyFill(tag, &execID, 40, 50, 0, time.Now(), "{}"))
	require.NoError(t, f.coordinator.RecomputeStatus(run.ID))

	// A recompute that read the orders before the finisher ran would try to
	// keep the run running; the conditional write must not let it.
	ok, err := f.coordinator.DB().MarkRunning(run.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)

	// A second finisher loses the same way.
	ok, err = f.coordinator.DB().FinishRun(run.ID, StatusFailed, "late", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)

	run2, err := f.coordinator.DB().GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, run2.Status)
	assert.Nil(t, run2.ActiveKey)
}

func TestGuardHaltTerminatesQueuedRun(t *testing.T) {
	f := setupCoordinator(t, config.RiskConfig{LotSize: 1}, config.GuardConfig{MaxOrderFailures: 1, Cooldown: time.Hour})

	run, err := f.coordinator.CreateRun(paperRunRequest("68"))
	require.NoError(t, err)

	require.NoError(t, f.guard.RecordOrderFailure("default", ModePaper))

	_, err = f.coordinator.ExecuteRun(context.Background(), run.ID, "")
	assert.ErrorIs(t, err, guard.ErrHalted)

	run2, err := f.coordinator.DB().GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, run2.Status)
	assert.Nil(t, run2.ActiveKey)

	// Creation is refused for the same scope while the halt stands.
	_, err = f.coordinator.CreateRun(paperRunRequest("70"))
	assert.ErrorIs(t, err, guard.ErrHalted)
}

func TestExecuteRunContendsOnLease(t *testing.T) {
	f := setupCoordinator(t, config.RiskConfig{LotSize: 1}, config.GuardConfig{})

	run, err := f.coordinator.CreateRun(paperRunRequest("68"))
	require.NoError(t, err)

	got, err := f.leases.Acquire("run_exec:default:paper", "another-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, got)

	_, err = f.coordinator.ExecuteRun(context.Background(), run.ID, "")
	assert.ErrorIs(t, err, ErrExecutionBusy)

	require.NoError(t, f.leases.Release("run_exec:default:paper", "another-instance"))
	run, err = f.coordinator.ExecuteRun(context.Background(), run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
}

func TestExecuteRunIsIdempotentOnTerminalRun(t *testing.T) {
	f := setupCoordinator(t, config.RiskConfig{LotSize: 1}, config.GuardConfig{})
	f.runtime.failFor["AAA"] = errors.New("session offline")

	run, err := f.coordinator.CreateRun(paperRunRequest("68"))
	require.NoError(t, err)
	run, err = f.coordinator.ExecuteRun(context.Background(), run.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, run.Status)

	// Re-executing a terminal run changes nothing and calls nothing.
	delete(f.runtime.failFor, "AAA")
	again, err := f.coordinator.ExecuteRun(context.Background(), run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, again.Status)
	assert.Empty(t, f.runtime.submitted)
}
