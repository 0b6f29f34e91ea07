// Package upload implements the resumable upload protocol engine.
//
// The engine is the only writer of upload session state. Progress is
// acknowledged write-then-report: a byte is only credited to a session after
// the storage backend has durably accepted it, which is what makes
// resumption after a crash safe.
package upload

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/beamdrop/beamdrop/internal/event"
	"github.com/beamdrop/beamdrop/internal/session"
	"github.com/beamdrop/beamdrop/internal/storage"
	"github.com/beamdrop/beamdrop/pkg/proto"
)

// Config holds upload policy for the engine.
type Config struct {
	AllowedExtensions []string      // lowercase, without dot; empty allows everything
	MaxFileSize       int64         // bytes, 0 = unlimited
	SessionTTL        time.Duration // idle sessions older than this are expired by the sweep
	SweepInterval     time.Duration // cleanup scheduler period
	ActivityWindow    time.Duration // how recently a session must have moved to count as active
	OrphanGrace       time.Duration // minimum age before an unreferenced storage entry counts as orphaned
}

// Engine implements the resumable upload protocol against the session store
// and the storage backend.
type Engine struct {
	store   *session.Store
	backend storage.Backend
	bus     *event.Bus
	cfg     Config
	metrics *Metrics

	mu        sync.Mutex
	locks     map[string]*sync.Mutex // per-session append serialization
	appending string                 // session id with an append in flight
}

// NewEngine creates a protocol engine. metrics may be nil.
func NewEngine(store *session.Store, backend storage.Backend, bus *event.Bus, cfg Config, metrics *Metrics) *Engine {
	e := &Engine{
		store:   store,
		backend: backend,
		bus:     bus,
		cfg:     cfg,
		metrics: metrics,
		locks:   make(map[string]*sync.Mutex),
	}
	if metrics != nil {
		metrics.SessionsInProgress.Set(float64(len(store.ListInProgress())))
	}
	return e
}

// Capabilities reports the supported protocol version and feature set. It is
// stateless and never requires the shared secret.
func (e *Engine) Capabilities() proto.Capabilities {
	return proto.Capabilities{
		Version:     proto.ProtocolVersion,
		Extensions:  []string{"creation", "offset-query", "expiration"},
		MaxFileSize: e.cfg.MaxFileSize,
	}
}

// validate applies filename/type/size policy to a create request.
func (e *Engine) validate(req proto.CreateUploadRequest) error {
	if req.FileName == "" {
		return fmt.Errorf("%w: file name required", ErrValidation)
	}
	if req.Size <= 0 {
		return fmt.Errorf("%w: declared size must be positive", ErrValidation)
	}
	if e.cfg.MaxFileSize > 0 && req.Size > e.cfg.MaxFileSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrValidation, req.Size, e.cfg.MaxFileSize)
	}
	if len(e.cfg.AllowedExtensions) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(req.FileName), "."))
		allowed := false
		for _, a := range e.cfg.AllowedExtensions {
			if ext == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: file type %q not allowed", ErrValidation, ext)
		}
	}
	return nil
}

// reserveCreate claims the transfer slot for a session about to be created,
// so two concurrent creates cannot both pass the busy check. A session with
// an append in flight, or one updated within the activity window, counts as
// active; stale in-progress sessions (an interrupted transfer awaiting
// resume) do not, and do not block new creates.
func (e *Engine) reserveCreate(id string) error {
	e.mu.Lock()
	if e.appending != "" {
		active := e.appending
		e.mu.Unlock()
		return fmt.Errorf("%w: session %s", ErrBusy, active)
	}
	e.appending = id
	e.mu.Unlock()

	// The slot is already claimed, so a racing create fails above even
	// while this scan runs outside the lock.
	cutoff := time.Now().UTC().Add(-e.cfg.ActivityWindow)
	for _, sess := range e.store.ListInProgress() {
		if sess.LastUpdatedAt.After(cutoff) {
			e.endAppend(id)
			return fmt.Errorf("%w: session %s", ErrBusy, sess.ID)
		}
	}
	return nil
}

// Create opens a new upload session: allocates the storage placeholder and
// inserts the session row atomically (the placeholder is cancelled if the
// row cannot be written).
func (e *Engine) Create(req proto.CreateUploadRequest) (*session.Session, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if err := e.reserveCreate(id); err != nil {
		return nil, err
	}
	defer e.endAppend(id)

	handle, err := e.backend.CreatePending(req.FileName, req.MimeType)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidName) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, fmt.Errorf("allocate storage: %w", err)
	}

	now := time.Now().UTC()
	sess := &session.Session{
		ID:            id,
		FileName:      filepath.Base(req.FileName),
		MimeType:      req.MimeType,
		ExpectedSize:  req.Size,
		BytesReceived: 0,
		StorageHandle: handle,
		Status:        session.StatusInProgress,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if err := e.store.Create(sess); err != nil {
		_ = e.backend.Cancel(handle)
		return nil, fmt.Errorf("record session: %w", err)
	}

	if e.metrics != nil {
		e.metrics.SessionsInProgress.Inc()
	}
	e.bus.Publish(event.Event{
		Type:     event.TypeUploadStarted,
		UploadID: sess.ID,
		FileName: sess.FileName,
		Size:     sess.ExpectedSize,
	})
	log.Info().
		Str("session", sess.ID).
		Str("file", sess.FileName).
		Int64("size", sess.ExpectedSize).
		Msg("upload session created")

	return sess, nil
}

// Offset returns the current durable offset for a session. The figure is
// derived from the storage backend, never from a cached counter, so it is
// correct immediately after an abrupt restart. Session metadata that
// disagrees with storage is reconciled on the spot.
func (e *Engine) Offset(id string) (int64, error) {
	sess, err := e.store.Get(id)
	if err != nil {
		return 0, ErrNotFound
	}

	switch sess.Status {
	case session.StatusCompleted:
		return sess.ExpectedSize, nil
	case session.StatusFailed:
		return 0, ErrNotResumable
	case session.StatusCancelled:
		return 0, ErrNotFound
	}

	durable, err := e.backend.Size(sess.StorageHandle)
	if err != nil {
		if errors.Is(err, storage.ErrHandleNotFound) {
			e.failSession(sess, "storage entry vanished")
			return 0, ErrNotResumable
		}
		return 0, fmt.Errorf("read durable size: %w", err)
	}

	if durable != sess.BytesReceived {
		if err := e.store.SyncProgress(id, durable); err != nil {
			return 0, fmt.Errorf("reconcile progress: %w", err)
		}
	}
	return durable, nil
}

// Append writes a chunk at the given offset. The offset must exactly equal
// the session's durable byte count: no gaps, no overlap, no reordering.
// Returns the new durable offset and whether the upload completed.
func (e *Engine) Append(id string, offset int64, r io.Reader) (int64, bool, error) {
	lk := e.sessionLock(id)
	lk.Lock()
	defer lk.Unlock()

	if err := e.beginAppend(id); err != nil {
		return 0, false, err
	}
	defer e.endAppend(id)

	sess, err := e.store.Get(id)
	if err != nil {
		return 0, false, ErrNotFound
	}

	switch sess.Status {
	case session.StatusCompleted:
		// A duplicate resume attempt for bytes that are already durable is
		// a success, not an error.
		if offset == sess.ExpectedSize {
			return sess.ExpectedSize, true, nil
		}
		return 0, false, &OffsetError{Expected: sess.ExpectedSize, Got: offset}
	case session.StatusFailed:
		return 0, false, ErrNotResumable
	case session.StatusCancelled:
		return 0, false, ErrNotFound
	}

	durable, err := e.backend.Size(sess.StorageHandle)
	if err != nil {
		if errors.Is(err, storage.ErrHandleNotFound) {
			e.failSession(sess, "storage entry vanished")
			return 0, false, ErrNotResumable
		}
		return 0, false, fmt.Errorf("read durable size: %w", err)
	}
	if durable != sess.BytesReceived {
		if err := e.store.SyncProgress(id, durable); err != nil {
			return 0, false, fmt.Errorf("reconcile progress: %w", err)
		}
	}

	if offset != durable {
		return durable, false, &OffsetError{Expected: durable, Got: offset}
	}

	remaining := sess.ExpectedSize - durable
	written, writeErr := e.backend.Append(sess.StorageHandle, io.LimitReader(r, remaining))
	newOffset := durable + written

	if written > 0 {
		// Credit only what storage durably accepted, before acknowledging.
		if err := e.store.UpdateProgress(id, newOffset); err != nil {
			return newOffset, false, fmt.Errorf("record progress: %w", err)
		}
		if e.metrics != nil {
			e.metrics.BytesReceived.Add(float64(written))
		}
		e.bus.Publish(event.Event{
			Type:          event.TypeUploadProgress,
			UploadID:      sess.ID,
			FileName:      sess.FileName,
			BytesReceived: newOffset,
			Size:          sess.ExpectedSize,
		})
	}
	if writeErr != nil {
		// No credit for unacknowledged bytes; the client retries from the
		// durable offset.
		return newOffset, false, fmt.Errorf("append chunk: %w", writeErr)
	}

	if newOffset == sess.ExpectedSize {
		if err := e.finalize(sess.ID); err != nil {
			// Session stays in progress; finalize is retried by the next
			// append (or duplicate resume) at the full offset.
			return newOffset, false, err
		}
		return newOffset, true, nil
	}
	return newOffset, false, nil
}

// finalize commits the pending storage entry and completes the session. If
// the visibility commit fails the session remains in progress rather than
// reporting success.
func (e *Engine) finalize(id string) error {
	sess, err := e.store.Get(id)
	if err != nil {
		return ErrNotFound
	}

	path, err := e.backend.Finalize(sess.StorageHandle)
	if err != nil {
		return fmt.Errorf("commit storage entry: %w", err)
	}

	if err := e.store.SetStatus(id, session.StatusCompleted); err != nil {
		// Storage is committed; the sweep will fail this session once it
		// notices the handle is gone, so surface the inconsistency loudly.
		log.Error().Err(err).Str("session", id).Msg("storage committed but session not marked completed")
		return fmt.Errorf("mark session completed: %w", err)
	}
	e.dropLock(id)

	if e.metrics != nil {
		e.metrics.SessionsInProgress.Dec()
		e.metrics.FilesFinalized.Inc()
	}
	e.bus.Publish(event.Event{
		Type:          event.TypeUploadFinalized,
		UploadID:      sess.ID,
		FileName:      sess.FileName,
		Path:          path,
		BytesReceived: sess.ExpectedSize,
		Size:          sess.ExpectedSize,
	})
	log.Info().
		Str("session", sess.ID).
		Str("path", path).
		Msg("upload finalized")

	return nil
}

// Cancel deletes the storage placeholder and marks the session cancelled.
// Cancelling an already-terminal session is a no-op, not an error.
func (e *Engine) Cancel(id string) error {
	lk := e.sessionLock(id)
	lk.Lock()
	defer lk.Unlock()

	sess, err := e.store.Get(id)
	if err != nil {
		return ErrNotFound
	}
	if sess.Status.Terminal() {
		return nil
	}

	if err := e.backend.Cancel(sess.StorageHandle); err != nil && !errors.Is(err, storage.ErrHandleNotFound) {
		// The placeholder survives for now; the orphan sweep will retry.
		log.Warn().Err(err).Str("session", id).Msg("failed to delete storage placeholder on cancel")
	}
	if err := e.store.SetStatus(id, session.StatusCancelled); err != nil {
		return fmt.Errorf("mark session cancelled: %w", err)
	}
	e.dropLock(id)

	if e.metrics != nil {
		e.metrics.SessionsInProgress.Dec()
	}
	e.bus.Publish(event.Event{
		Type:     event.TypeUploadCancelled,
		UploadID: sess.ID,
		FileName: sess.FileName,
	})
	log.Info().Str("session", id).Msg("upload cancelled")

	return nil
}

// failSession marks a session failed because it can no longer be resumed.
func (e *Engine) failSession(sess *session.Session, reason string) {
	if err := e.store.SetStatus(sess.ID, session.StatusFailed); err != nil {
		log.Warn().Err(err).Str("session", sess.ID).Msg("failed to mark session failed")
		return
	}
	e.dropLock(sess.ID)
	if e.metrics != nil {
		e.metrics.SessionsInProgress.Dec()
	}
	e.bus.Publish(event.Event{
		Type:     event.TypeUploadFailed,
		UploadID: sess.ID,
		FileName: sess.FileName,
	})
	log.Warn().Str("session", sess.ID).Str("reason", reason).Msg("upload session failed")
}

// Info returns a snapshot of a session's metadata.
func (e *Engine) Info(id string) (*session.Session, error) {
	sess, err := e.store.Get(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ListIncomplete returns the resumable in-progress sessions, oldest first.
func (e *Engine) ListIncomplete() []*session.Session {
	return e.store.ListInProgress()
}

// ActiveCount returns the number of in-progress sessions.
func (e *Engine) ActiveCount() int {
	return len(e.store.ListInProgress())
}

// sessionLock returns the per-session append lock, creating it on demand.
func (e *Engine) sessionLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lk, ok := e.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		e.locks[id] = lk
	}
	return lk
}

// dropLock forgets the append lock of a terminal session.
func (e *Engine) dropLock(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, id)
}

// beginAppend claims the single append slot. Appends to different sessions
// never run concurrently; appends to the same session are additionally
// serialized by the per-session lock.
func (e *Engine) beginAppend(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.appending != "" && e.appending != id {
		return fmt.Errorf("%w: session %s", ErrBusy, e.appending)
	}
	e.appending = id
	return nil
}

func (e *Engine) endAppend(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.appending == id {
		e.appending = ""
	}
}
