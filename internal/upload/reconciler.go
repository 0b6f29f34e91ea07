package upload

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beamdrop/beamdrop/internal/storage"
)

// ReconcileStats summarizes one reconciliation sweep.
type ReconcileStats struct {
	OrphansDeleted int // pending storage entries with no referencing session
	SessionsFailed int // sessions whose storage entry vanished
	Errors         int // failures that will be retried on the next sweep
}

// Reconcile repairs divergence between the storage backend and the session
// store in both directions:
//
//  1. Storage -> metadata: pending entries whose handle is not referenced by
//     any live session are orphans and are deleted.
//  2. Metadata -> storage: in-progress sessions whose storage entry no longer
//     exists cannot be resumed and are marked failed.
//
// A pending entry referenced by a live session is never deleted here, no
// matter how stale the session looks; staleness is the TTL sweep's business.
func (e *Engine) Reconcile(ctx context.Context) ReconcileStats {
	stats := ReconcileStats{}

	// Storage is enumerated before the live-handle snapshot: a session
	// created in between then shows up in the live set instead of looking
	// like an orphan.
	pending, pendErr := e.backend.ListPending()

	live := make(map[string]bool)
	for _, sess := range e.store.ListInProgress() {
		live[sess.StorageHandle] = true
	}

	if pendErr != nil {
		log.Warn().Err(pendErr).Msg("reconcile: cannot enumerate pending storage entries")
		stats.Errors++
	} else {
		for _, entry := range pending {
			select {
			case <-ctx.Done():
				return stats
			default:
			}
			if live[entry.Handle] {
				continue
			}
			// The placeholder is allocated before its session row exists,
			// so a just-born entry is not yet proof of an orphan.
			if e.cfg.OrphanGrace > 0 && time.Since(entry.CreatedAt) < e.cfg.OrphanGrace {
				continue
			}
			// Last-moment re-check against the store itself, in case the
			// session landed after the live snapshot.
			if _, err := e.store.ByHandle(entry.Handle); err == nil {
				continue
			}
			if err := e.backend.Cancel(entry.Handle); err != nil && !errors.Is(err, storage.ErrHandleNotFound) {
				log.Warn().Err(err).Str("handle", entry.Handle).Msg("reconcile: failed to delete orphaned entry")
				stats.Errors++
				continue
			}
			stats.OrphansDeleted++
			if e.metrics != nil {
				e.metrics.OrphansDeleted.Inc()
			}
			log.Info().
				Str("handle", entry.Handle).
				Str("file", entry.FileName).
				Msg("reconcile: deleted orphaned storage entry")
		}
	}

	for _, sess := range e.store.ListInProgress() {
		select {
		case <-ctx.Done():
			return stats
		default:
		}
		_, err := e.backend.Size(sess.StorageHandle)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrHandleNotFound) {
			log.Warn().Err(err).Str("session", sess.ID).Msg("reconcile: cannot verify storage entry")
			stats.Errors++
			continue
		}
		e.failSession(sess, "storage entry vanished")
		stats.SessionsFailed++
		if e.metrics != nil {
			e.metrics.SessionsFailed.Inc()
		}
	}

	return stats
}
