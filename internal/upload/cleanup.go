package upload

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beamdrop/beamdrop/internal/storage"
)

// CleanupStats summarizes one full cleanup pass.
type CleanupStats struct {
	SessionsExpired int
	ExpireErrors    int
	Reconcile       ReconcileStats
}

// RunCleanup performs one cleanup pass: expire sessions idle beyond the TTL,
// deleting the session row and its storage entry together, then reconcile
// storage against metadata. Failures are logged and retried on the next
// sweep rather than treated as fatal.
func (e *Engine) RunCleanup(ctx context.Context) CleanupStats {
	stats := CleanupStats{}

	cutoff := time.Now().UTC().Add(-e.cfg.SessionTTL)
	for _, sess := range e.store.StaleBefore(cutoff) {
		select {
		case <-ctx.Done():
			return stats
		default:
		}

		// Storage entry first; the row is only removed once its storage
		// counterpart is gone, never one without the other.
		if err := e.backend.Cancel(sess.StorageHandle); err != nil && !errors.Is(err, storage.ErrHandleNotFound) {
			log.Warn().Err(err).Str("session", sess.ID).Msg("cleanup: failed to delete storage entry, will retry")
			stats.ExpireErrors++
			continue
		}
		if err := e.store.Delete(sess.ID); err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Msg("cleanup: failed to delete session row, will retry")
			stats.ExpireErrors++
			continue
		}
		e.dropLock(sess.ID)

		stats.SessionsExpired++
		if e.metrics != nil {
			e.metrics.SessionsExpired.Inc()
			e.metrics.SessionsInProgress.Dec()
		}
		log.Info().
			Str("session", sess.ID).
			Str("file", sess.FileName).
			Time("last_updated", sess.LastUpdatedAt).
			Msg("cleanup: expired stale upload session")
	}

	stats.Reconcile = e.Reconcile(ctx)
	return stats
}

// StartPeriodicCleanup runs RunCleanup on the configured interval until ctx
// is cancelled. An initial pass runs immediately so the service self-heals
// at startup.
func (e *Engine) StartPeriodicCleanup(ctx context.Context) {
	go func() {
		interval := e.cfg.SweepInterval
		if interval <= 0 {
			interval = time.Hour
		}

		e.logCleanup(e.RunCleanup(ctx))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.logCleanup(e.RunCleanup(ctx))
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) logCleanup(stats CleanupStats) {
	if stats.SessionsExpired == 0 && stats.ExpireErrors == 0 &&
		stats.Reconcile.OrphansDeleted == 0 &&
		stats.Reconcile.SessionsFailed == 0 && stats.Reconcile.Errors == 0 {
		log.Debug().Msg("cleanup sweep: nothing to do")
		return
	}
	log.Info().
		Int("expired", stats.SessionsExpired).
		Int("orphans_deleted", stats.Reconcile.OrphansDeleted).
		Int("sessions_failed", stats.Reconcile.SessionsFailed).
		Int("errors", stats.ExpireErrors+stats.Reconcile.Errors).
		Msg("cleanup sweep finished")
}
