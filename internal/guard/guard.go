package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantdesk/trade-api/internal/config"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrHalted is returned by Allowed when the guard has tripped for the
// requested scope. Callers surface it as a deliberate halt, not a failure.
var ErrHalted = errors.New("trading halted by intraday guard")

// EquityProber supplies the current account equity. The live execution
// runtime implements it; probes carry their own timeout and are never made
// while a run lease is held.
type EquityProber interface {
	AccountEquity(ctx context.Context) (float64, error)
}

// Service is the intraday risk monitor. It watches account equity against
// the day-start value and the running peak, counts order failures, and
// trips a persistent, versioned halt flag that every dispatch decision
// point consults.
type Service struct {
	db     *Database
	prober EquityProber
	cfg    config.GuardConfig
	probeT time.Duration
}

func NewService(gormDB *gorm.DB, prober EquityProber, cfg config.GuardConfig, probeTimeout time.Duration) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		prober: prober,
		cfg:    cfg,
		probeT: probeTimeout,
	}
}

// TradeDay renders a timestamp as the guard's day key, always in UTC so
// state rows compare correctly across server instances.
func TradeDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Evaluate refreshes the guard state for (project, today, mode): reads
// equity from the most reliable available source, updates the peak, and
// trips the halt when a drawdown threshold is breached.
func (s *Service) Evaluate(ctx context.Context, project, mode string) (*State, error) {
	logger := log.With().
		Str("component", "intraday_guard").
		Str("project", project).
		Str("mode", mode).
		Logger()

	equity, source, probeErr := s.currentEquity(ctx)

	state, err := s.db.GetOrCreateState(project, TradeDay(time.Now()), mode, equity)
	if err != nil {
		return nil, err
	}

	if probeErr != nil {
		state.DataErrors++
		if state.LastEquity > 0 {
			// Fall back to the last persisted observation.
			equity = state.LastEquity
			source = EquitySourceSnapshot
		}
		logger.Warn().Err(probeErr).
			Str("equity_source", source).
			Msg("live equity probe failed")
	}

	if state.DayStartEquity <= 0 && equity > 0 {
		state.DayStartEquity = equity
	}
	if equity > state.PeakEquity {
		state.PeakEquity = equity
	}
	state.LastEquity = equity
	state.EquitySource = source

	if err := s.db.UpdateCounters(state); err != nil {
		return nil, err
	}

	if state.Status != StatusActive {
		return state, nil
	}

	if reason := s.breach(state, equity); reason != "" {
		state.RiskTriggers++
		if err := s.db.UpdateCounters(state); err != nil {
			return nil, err
		}
		if err := s.trip(state, reason); err != nil {
			return nil, err
		}
		logger.Warn().
			Str("reason", reason).
			Float64("equity", equity).
			Float64("day_start", state.DayStartEquity).
			Float64("peak", state.PeakEquity).
			Msg("intraday guard tripped")
	}

	return state, nil
}

func (s *Service) currentEquity(ctx context.Context) (float64, string, error) {
	if s.prober == nil {
		return 0, EquitySourceSnapshot, errors.New("no equity prober configured")
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.probeT)
	defer cancel()
	equity, err := s.prober.AccountEquity(probeCtx)
	if err != nil {
		return 0, EquitySourceSnapshot, err
	}
	return equity, EquitySourceLive, nil
}

func (s *Service) breach(state *State, equity float64) string {
	if equity <= 0 {
		return ""
	}
	if s.cfg.MaxDayDrawdown > 0 && state.DayStartEquity > 0 {
		dd := (state.DayStartEquity - equity) / state.DayStartEquity
		if dd > s.cfg.MaxDayDrawdown {
			return fmt.Sprintf("day_drawdown:%.4f", dd)
		}
	}
	if s.cfg.MaxPeakDrawdown > 0 && state.PeakEquity > 0 {
		dd := (state.PeakEquity - equity) / state.PeakEquity
		if dd > s.cfg.MaxPeakDrawdown {
			return fmt.Sprintf("peak_drawdown:%.4f", dd)
		}
	}
	if s.cfg.MaxOrderFailures > 0 && state.OrderFailures >= s.cfg.MaxOrderFailures {
		return fmt.Sprintf("order_failures:%d", state.OrderFailures)
	}
	return ""
}

func (s *Service) trip(state *State, reason string) error {
	until := time.Now().UTC().Add(s.cfg.Cooldown)
	ok, err := s.db.CompareAndSetStatus(state, StatusHalted, &reason, &until)
	if err != nil {
		return err
	}
	if !ok {
		// Another instance tripped it first, which is the outcome we wanted.
		log.Debug().Str("project", state.Project).Msg("guard halt lost CAS race")
	}
	return nil
}

// RecordOrderFailure bumps the failure counter for the scope and trips the
// guard once the configured threshold is reached.
func (s *Service) RecordOrderFailure(project, mode string) error {
	state, err := s.db.GetOrCreateState(project, TradeDay(time.Now()), mode, 0)
	if err != nil {
		return err
	}
	state.OrderFailures++
	if err := s.db.UpdateCounters(state); err != nil {
		return err
	}
	if state.Status == StatusActive {
		if reason := s.breach(state, state.LastEquity); reason != "" {
			return s.trip(state, reason)
		}
		if s.cfg.MaxOrderFailures > 0 && state.OrderFailures >= s.cfg.MaxOrderFailures {
			return s.trip(state, fmt.Sprintf("order_failures:%d", state.OrderFailures))
		}
	}
	return nil
}

// Allowed reports whether new runs may be created or executed for the
// scope. A halted guard whose cooldown has lapsed flips back to active
// here; an unexpired halt returns ErrHalted with the structured reason.
func (s *Service) Allowed(project, mode string) error {
	state, err := s.db.GetState(project, TradeDay(time.Now()), mode)
	if err != nil {
		return err
	}
	if state == nil || state.Status == StatusActive {
		return nil
	}

	if state.CooldownUntil != nil && time.Now().UTC().After(*state.CooldownUntil) {
		if _, err := s.db.CompareAndSetStatus(state, StatusActive, nil, nil); err != nil {
			return err
		}
		log.Info().
			Str("project", project).
			Str("mode", mode).
			Msg("guard cooldown expired, trading re-enabled")
		return nil
	}

	reason := "unspecified"
	if state.HaltReason != nil {
		reason = *state.HaltReason
	}
	return fmt.Errorf("%w: %s", ErrHalted, reason)
}

// Reset is the explicit operator action that re-arms a halted guard.
func (s *Service) Reset(project, mode string) (*State, error) {
	state, err := s.db.GetState(project, TradeDay(time.Now()), mode)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, gorm.ErrRecordNotFound
	}
	if state.Status == StatusActive {
		return state, nil
	}
	if _, err := s.db.CompareAndSetStatus(state, StatusActive, nil, nil); err != nil {
		return nil, err
	}
	log.Info().
		Str("project", project).
		Str("mode", mode).
		Msg("guard reset by operator")
	return state, nil
}
