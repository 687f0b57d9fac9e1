// Package runtime provides a simulated execution runtime so the whole
// order loop can run end to end in paper mode without broker connectivity.
package runtime

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quantdesk/trade-api/internal/types"
	"github.com/rs/zerolog/log"
)

// Venue models one simulated execution venue.
type Venue struct {
	ID          string
	MinLatency  int // milliseconds
	MaxLatency  int
	SuccessRate float64 // probability the submission is accepted
	PartialRate float64 // probability a fill arrives split in two
	FeeRate     float64
}

var defaultVenue = Venue{
	ID:          "SIM1",
	MinLatency:  5,
	MaxLatency:  40,
	SuccessRate: 0.97,
	PartialRate: 0.30,
	FeeRate:     0.001,
}

// Simulator accepts order intents and emits asynchronous execution events
// on its Events channel, mimicking the acknowledgment/fill/reject contract
// of a real execution runtime.
type Simulator struct {
	venue  Venue
	events chan types.ExecutionEvent

	mu      sync.Mutex
	equity  float64
	pending map[string]types.OrderIntent // acked but not yet terminal
}

func NewSimulator(equity float64) *Simulator {
	return &Simulator{
		venue:   defaultVenue,
		events:  make(chan types.ExecutionEvent, 256),
		equity:  equity,
		pending: make(map[string]types.OrderIntent),
	}
}

// Events is the feed the reconciler consumes.
func (s *Simulator) Events() <-chan types.ExecutionEvent {
	return s.events
}

// SubmitOrder acknowledges the intent synchronously and schedules fills
// asynchronously, like a broker gateway would.
func (s *Simulator) SubmitOrder(ctx context.Context, intent types.OrderIntent) (string, error) {
	logger := log.With().
		Str("component", "sim_runtime").
		Str("client_order_id", intent.ClientOrderID).
		Str("symbol", intent.Symbol).
		Logger()

	latency := time.Duration(rand.Intn(s.venue.MaxLatency-s.venue.MinLatency+1)+s.venue.MinLatency) * time.Millisecond
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(latency):
	}

	if rand.Float64() > s.venue.SuccessRate {
		logger.Warn().Msg("simulated venue rejected submission")
		return "", fmt.Errorf("venue %s rejected order", s.venue.ID)
	}

	brokerID := fmt.Sprintf("SIM-%d", rand.Int63())

	s.mu.Lock()
	s.pending[intent.ClientOrderID] = intent
	s.mu.Unlock()

	s.emit(types.ExecutionEvent{
		Tag:           intent.ClientOrderID,
		Kind:          types.EventSubmitted,
		BrokerOrderID: brokerID,
		At:            time.Now().UTC(),
	})

	go s.fill(intent, brokerID)

	logger.Debug().Str("broker_order_id", brokerID).Msg("order acknowledged")
	return brokerID, nil
}

// fill emits one or two fill events with a small price variance around the
// intent's reference price.
func (s *Simulator) fill(intent types.OrderIntent, brokerID string) {
	time.Sleep(time.Duration(rand.Intn(50)+10) * time.Millisecond)

	s.mu.Lock()
	_, live := s.pending[intent.ClientOrderID]
	s.mu.Unlock()
	if !live {
		return // cancelled before the fill landed
	}

	price := intent.RefPrice * (1 + (rand.Float64()*0.004 - 0.002))
	parts := []float64{intent.Quantity}
	if rand.Float64() < s.venue.PartialRate && intent.Quantity > 1 {
		half := intent.Quantity / 2
		parts = []float64{half, intent.Quantity - half}
	}

	for i, qty := range parts {
		s.emit(types.ExecutionEvent{
			Tag:        intent.ClientOrderID,
			Kind:       types.EventFilled,
			ExecID:     fmt.Sprintf("%s-F%d", brokerID, i),
			Quantity:   qty,
			Price:      price,
			Commission: qty * price * s.venue.FeeRate,
			At:         time.Now().UTC(),
		})
	}

	s.mu.Lock()
	delete(s.pending, intent.ClientOrderID)
	s.mu.Unlock()
}

// CancelOrder emits a canceled event for a still-pending order.
func (s *Simulator) CancelOrder(ctx context.Context, clientOrderID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	_, live := s.pending[clientOrderID]
	delete(s.pending, clientOrderID)
	s.mu.Unlock()

	if !live {
		return fmt.Errorf("no open order for %s", clientOrderID)
	}

	s.emit(types.ExecutionEvent{
		Tag:    clientOrderID,
		Kind:   types.EventCanceled,
		Reason: "canceled by request",
		At:     time.Now().UTC(),
	})
	return nil
}

// AccountEquity answers the guard's equity probe.
func (s *Simulator) AccountEquity(ctx context.Context) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.equity, nil
}

// SetEquity lets the simulation driver move the account around.
func (s *Simulator) SetEquity(v float64) {
	s.mu.Lock()
	s.equity = v
	s.mu.Unlock()
}

func (s *Simulator) emit(ev types.ExecutionEvent) {
	select {
	case s.events <- ev:
	default:
		log.Error().
			Str("tag", ev.Tag).
			Str("kind", ev.Kind).
			Msg("simulator event buffer full, event dropped")
	}
}
