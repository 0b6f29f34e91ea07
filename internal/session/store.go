package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Session store error types.
var (
	ErrNotFound          = errors.New("session not found")
	ErrDuplicateID       = errors.New("session id already exists")
	ErrDuplicateHandle   = errors.New("storage handle already referenced by a live session")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrProgressInvalid   = errors.New("invalid progress update")
)

// Store is the durable session store. One JSON row per session on disk,
// loaded into memory at start. Reads are safe concurrently with the single
// per-session writer; the cleanup sweep and listing endpoints only take read
// locks.
type Store struct {
	dir      string
	mu       sync.RWMutex
	sessions map[string]*Session
	byHandle map[string]string // storage handle -> session id, non-terminal only
}

// NewStore opens (or creates) a session store rooted at dir and loads any
// persisted rows.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	s := &Store{
		dir:      dir,
		sessions: make(map[string]*Session),
		byHandle: make(map[string]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read session dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("unreadable session row, skipping")
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("corrupt session row, skipping")
			continue
		}
		s.sessions[sess.ID] = &sess
		if !sess.Status.Terminal() {
			s.byHandle[sess.StorageHandle] = sess.ID
		}
	}

	log.Debug().Int("sessions", len(s.sessions)).Str("dir", s.dir).Msg("session store loaded")
	return nil
}

func (s *Store) rowPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// persist writes a session row with fsync. Caller must hold the write lock.
func (s *Store) persist(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	f, err := os.OpenFile(s.rowPath(sess.ID), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open session row: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write session row: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync session row: %w", err)
	}
	return nil
}

// Create inserts a new session row. The storage handle must not be referenced
// by any other live session.
func (s *Store) Create(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return ErrDuplicateID
	}
	if _, exists := s.byHandle[sess.StorageHandle]; exists {
		return ErrDuplicateHandle
	}
	if sess.BytesReceived < 0 || sess.BytesReceived > sess.ExpectedSize {
		return fmt.Errorf("%w: %d of %d bytes", ErrProgressInvalid, sess.BytesReceived, sess.ExpectedSize)
	}

	row := sess.clone()
	if err := s.persist(row); err != nil {
		return err
	}
	s.sessions[row.ID] = row
	if !row.Status.Terminal() {
		s.byHandle[row.StorageHandle] = row.ID
	}
	return nil
}

// Get returns a copy of the session with the given id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.clone(), nil
}

// ByHandle returns a copy of the live session referencing the storage handle.
func (s *Store) ByHandle(handle string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHandle[handle]
	if !ok {
		return nil, ErrNotFound
	}
	return s.sessions[id].clone(), nil
}

// ListInProgress returns copies of all in-progress sessions, oldest first.
func (s *Store) ListInProgress() []*Session {
	return s.list(func(sess *Session) bool { return sess.Status == StatusInProgress })
}

// ListAll returns copies of every session, oldest first.
func (s *Store) ListAll() []*Session {
	return s.list(func(*Session) bool { return true })
}

func (s *Store) list(keep func(*Session) bool) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, sess.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateProgress advances a session's received byte count. Progress must be
// monotonically non-decreasing and never exceed the expected size.
func (s *Store) UpdateProgress(id string, bytesReceived int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.Status != StatusInProgress {
		return fmt.Errorf("%w: session is %s", ErrInvalidTransition, sess.Status)
	}
	if bytesReceived < sess.BytesReceived || bytesReceived > sess.ExpectedSize {
		return fmt.Errorf("%w: %d (have %d of %d)",
			ErrProgressInvalid, bytesReceived, sess.BytesReceived, sess.ExpectedSize)
	}

	updated := sess.clone()
	updated.BytesReceived = bytesReceived
	updated.LastUpdatedAt = time.Now().UTC()
	if err := s.persist(updated); err != nil {
		return err
	}
	*sess = *updated
	return nil
}

// SyncProgress forces a session's received byte count to the storage
// backend's durable figure. Unlike UpdateProgress this may move the count in
// either direction: on disagreement the backend is authoritative, since
// metadata can lag a crash.
func (s *Store) SyncProgress(id string, bytesReceived int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if bytesReceived < 0 || bytesReceived > sess.ExpectedSize {
		return fmt.Errorf("%w: %d of %d bytes", ErrProgressInvalid, bytesReceived, sess.ExpectedSize)
	}
	if bytesReceived == sess.BytesReceived {
		return nil
	}

	log.Warn().
		Str("session", id).
		Int64("recorded", sess.BytesReceived).
		Int64("durable", bytesReceived).
		Msg("session progress out of sync with storage, adopting storage figure")

	updated := sess.clone()
	updated.BytesReceived = bytesReceived
	updated.LastUpdatedAt = time.Now().UTC()
	if err := s.persist(updated); err != nil {
		return err
	}
	*sess = *updated
	return nil
}

// SetStatus transitions a session to a new status. Terminal states are final.
func (s *Store) SetStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !sess.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Status, status)
	}

	updated := sess.clone()
	updated.Status = status
	updated.LastUpdatedAt = time.Now().UTC()
	if err := s.persist(updated); err != nil {
		return err
	}
	*sess = *updated
	if status.Terminal() {
		delete(s.byHandle, sess.StorageHandle)
	}
	return nil
}

// Delete removes a session row entirely. Callers must ensure the storage
// counterpart is removed or finalized first.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}

	if err := os.Remove(s.rowPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session row: %w", err)
	}
	delete(s.sessions, id)
	delete(s.byHandle, sess.StorageHandle)
	return nil
}

// StaleBefore returns copies of in-progress sessions whose last update is
// before the cutoff. The caller decides what to do with them; this is a
// read-only query.
func (s *Store) StaleBefore(cutoff time.Time) []*Session {
	return s.list(func(sess *Session) bool {
		return sess.Status == StatusInProgress && sess.LastUpdatedAt.Before(cutoff)
	})
}
