package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper periodically removes sessions past the retention window. Expiry is
// enforced out of band rather than by the clients, so a stalled client can
// never keep a dead session alive.
type Sweeper struct {
	service   *SessionService
	interval  time.Duration
	retention time.Duration
	log       zerolog.Logger
}

func NewSweeper(service *SessionService, interval, retention time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{service: service, interval: interval, retention: retention, log: log}
}

// Run sweeps once immediately, then on every tick until ctx is canceled.
func (w *Sweeper) Run(ctx context.Context) {
	w.sweep(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	if _, err := w.service.SweepExpiredSessions(ctx, w.retention); err != nil {
		w.log.Warn().Err(err).Msg("sweep run failed")
	}
}
