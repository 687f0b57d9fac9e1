package reconcile

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quantdesk/trade-api/internal/types"
	"github.com/rs/zerolog/log"
)

// StreamSource consumes execution events from an external runtime's
// websocket feed and applies them through the reconciler. The feed is
// at-least-once, so reconnecting and replaying is always safe.
type StreamSource struct {
	url        string
	reconciler *Reconciler
	backoff    time.Duration
}

func NewStreamSource(url string, r *Reconciler) *StreamSource {
	return &StreamSource{
		url:        url,
		reconciler: r,
		backoff:    5 * time.Second,
	}
}

// Run dials the feed and pumps events until ctx is cancelled, redialing
// on any read or connect error.
func (s *StreamSource) Run(ctx context.Context) {
	logger := log.With().
		Str("component", "event_stream").
		Str("url", s.url).
		Logger()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down event stream")
			return
		default:
		}

		if err := s.consume(ctx); err != nil {
			logger.Warn().Err(err).
				Dur("backoff", s.backoff).
				Msg("event stream disconnected, will redial")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.backoff):
		}
	}
}

func (s *StreamSource) consume(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info().Str("component", "event_stream").Msg("connected to execution event feed")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev types.ExecutionEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		// Malformed events are logged by Apply; a bad payload must not
		// take the stream down.
		_ = s.reconciler.Apply(ev)
	}
}
