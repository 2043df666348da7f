package matching

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultReapInterval is how often the reaper looks for expired sessions.
	DefaultReapInterval = 30 * time.Second
	// DefaultMaxSessionAge is how long a session may live.
	DefaultMaxSessionAge = 2 * time.Hour
)

// StartReaper runs a background loop that force-closes sessions older than
// maxAge. It blocks until ctx is cancelled.
func StartReaper(ctx context.Context, svc *Service, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxSessionAge
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Str("component", "reaper").
		Dur("interval", interval).
		Dur("max_age", maxAge).
		Msg("reaper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "reaper").Msg("reaper stopped")
			return
		case <-ticker.C:
			if n := svc.ReapExpired(maxAge); n > 0 {
				log.Info().Str("component", "reaper").Int("closed", n).Msg("expired sessions closed")
			}
		}
	}
}
