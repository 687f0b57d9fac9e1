package guard

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor periodically re-evaluates the guard for a fixed set of scopes.
// Evaluation is also reachable through the internal API; the processor
// just keeps it happening when no operator is watching.
type Processor struct {
	service  *Service
	interval time.Duration
	project  string
	modes    []string
}

func NewProcessor(service *Service, interval time.Duration, project string, modes []string) *Processor {
	return &Processor{
		service:  service,
		interval: interval,
		project:  project,
		modes:    modes,
	}
}

// Start begins the evaluation loop and blocks until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "guard_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting guard processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down guard processor")
			return
		case <-ticker.C:
			for _, mode := range p.modes {
				if _, err := p.service.Evaluate(ctx, p.project, mode); err != nil {
					logger.Error().Err(err).
						Str("mode", mode).
						Msg("guard evaluation failed")
				}
			}
		}
	}
}
