package upload

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Janitor expires upload sessions that have been idle longer than the
// configured TTL, reclaiming disk from abandoned uploads.
type Janitor struct {
	store    *FileStore
	ttl      time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

func NewJanitor(store *FileStore, ttl time.Duration, logger zerolog.Logger) *Janitor {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Janitor{store: store, ttl: ttl, interval: interval, logger: logger}
}

// Run sweeps until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	sessions, err := j.store.List(ctx)
	if err != nil {
		j.logger.Warn().Err(err).Msg("upload: janitor list failed")
		return
	}
	cutoff := time.Now().Add(-j.ttl)
	for _, sess := range sessions {
		if sess.CreatedAt.After(cutoff) {
			continue
		}
		if err := j.store.Delete(ctx, sess.ID); err != nil {
			j.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("upload: janitor delete failed")
			continue
		}
		j.logger.Info().Str("session_id", sess.ID).Msg("upload: expired stale session")
	}
}
