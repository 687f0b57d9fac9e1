package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quantdesk/trade-api/internal/config"
)

type stubProber struct {
	equity float64
	err    error
}

func (p *stubProber) AccountEquity(ctx context.Context) (float64, error) {
	return p.equity, p.err
}

func setupGuard(t *testing.T, prober EquityProber, cfg config.GuardConfig) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&State{}))
	return NewService(db, prober, cfg, time.Second)
}

func TestEvaluateTracksDayStartAndPeak(t *testing.T) {
	prober := &stubProber{equity: 100_000}
	svc := setupGuard(t, prober, config.GuardConfig{MaxDayDrawdown: 0.05, Cooldown: time.Hour})

	state, err := svc.Evaluate(context.Background(), "default", "paper")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, state.Status)
	assert.Equal(t, 100_000.0, state.DayStartEquity)
	assert.Equal(t, 100_000.0, state.PeakEquity)
	assert.Equal(t, EquitySourceLive, state.EquitySource)

	prober.equity = 104_000
	state, err = svc.Evaluate(context.Background(), "default", "paper")
	require.NoError(t, err)
	assert.Equal(t, 100_000.0, state.DayStartEquity)
	assert.Equal(t, 104_000.0, state.PeakEquity)

	require.NoError(t, svc.Allowed("default", "paper"))
}

func TestDayDrawdownTripsGuard(t *testing.T) {
	prober := &stubProber{equity: 100_000}
	svc := setupGuard(t, prober, config.GuardConfig{MaxDayDrawdown: 0.05, Cooldown: time.Hour})

	_, err := svc.Evaluate(context.Background(), "default", "live")
	require.NoError(t, err)

	// A 7% loss against the day start breaches the 5% limit.
	prober.equity = 93_000
	state, err := svc.Evaluate(context.Background(), "default", "live")
	require.NoError(t, err)
	assert.Equal(t, 1, state.RiskTriggers)

	err = svc.Allowed("default", "live")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHalted)
	assert.Contains(t, err.Error(), "day_drawdown:0.0700")

	// Other scopes are untouched.
	assert.NoError(t, svc.Allowed("default", "paper"))
}

func TestPeakDrawdownTripsGuard(t *testing.T) {
	prober := &stubProber{equity: 100_000}
	svc := setupGuard(t, prober, config.GuardConfig{MaxPeakDrawdown: 0.05, Cooldown: time.Hour})

	_, err := svc.Evaluate(context.Background(), "default", "paper")
	require.NoError(t, err)

	prober.equity = 110_000
	_, err = svc.Evaluate(context.Background(), "default", "paper")
	require.NoError(t, err)

	// Still above day start, but 6.4% off the 110k peak.
	prober.equity = 103_000
	_, err = svc.Evaluate(context.Background(), "default", "paper")
	require.NoError(t, err)

	err = svc.Allowed("default", "paper")
	assert.ErrorIs(t, err, ErrHalted)
	assert.True(t, strings.Contains(err.Error(), "peak_drawdown:"))
}

func TestProbeFailureFallsBackToSnapshot(t *testing.T) {
	prober := &stubProber{equity: 100_000}
	svc := setupGuard(t, prober, config.GuardConfig{MaxDayDrawdown: 0.05, Cooldown: time.Hour})

	_, err := svc.Evaluate(context.Background(), "default", "paper")
	require.NoError(t, err)

	prober.err = errors.New("broker gateway unreachable")
	state, err := svc.Evaluate(context.Background(), "default", "paper")
	require.NoError(t, err)
	assert.Equal(t, EquitySourceSnapshot, state.EquitySource)
	assert.Equal(t, 100_000.0, state.LastEquity)
	assert.Equal(t, 1, state.DataErrors)

	// A stale reading must not trip the guard on its own.
	require.NoError(t, svc.Allowed("default", "paper"))
}

func TestOrderFailuresTripGuard(t *testing.T) {
	svc := setupGuard(t, &stubProber{equity: 100_000}, config.GuardConfig{MaxOrderFailures: 3, Cooldown: time.Hour})

	require.NoError(t, svc.RecordOrderFailure("default", "paper"))
	require.NoError(t, svc.RecordOrderFailure("default", "paper"))
	require.NoError(t, svc.Allowed("default", "paper"))

	require.NoError(t, svc.RecordOrderFailure("default", "paper"))
	err := svc.Allowed("default", "paper")
	assert.ErrorIs(t, err, ErrHalted)
	assert.Contains(t, err.Error(), "order_failures:3")
}

func TestResetReenablesTrading(t *testing.T) {
	svc := setupGuard(t, &stubProber{equity: 100_000}, config.GuardConfig{MaxOrderFailures: 1, Cooldown: time.Hour})

	require.NoError(t, svc.RecordOrderFailure("default", "paper"))
	require.ErrorIs(t, svc.Allowed("default", "paper"), ErrHalted)

	_, err := svc.Reset("default", "paper")
	require.NoError(t, err)
	assert.NoError(t, svc.Allowed("default", "paper"))

	// Resetting an absent scope is an error, not a silent create.
	_, err = svc.Reset("other", "paper")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestCooldownExpiryReenablesTrading(t *testing.T) {
	svc := setupGuard(t, &stubProber{equity: 100_000}, config.GuardConfig{MaxOrderFailures: 1, Cooldown: -time.Second})

	require.NoError(t, svc.RecordOrderFailure("default", "paper"))

	// The cooldown is already in the past, so the next check flips the
	// guard back to active instead of refusing.
	require.NoError(t, svc.Allowed("default", "paper"))
	require.NoError(t, svc.Allowed("default", "paper"))
}
