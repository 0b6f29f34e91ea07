package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(id, handle string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:            id,
		FileName:      "vid.mp4",
		MimeType:      "video/mp4",
		ExpectedSize:  1000,
		BytesReceived: 0,
		StorageHandle: handle,
		Status:        StatusInProgress,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusInProgress.CanTransition(StatusCompleted))
	assert.True(t, StatusInProgress.CanTransition(StatusFailed))
	assert.True(t, StatusInProgress.CanTransition(StatusCancelled))

	// Terminal states are final
	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, terminal.Terminal())
		for _, next := range []Status{StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled} {
			assert.False(t, terminal.CanTransition(next), "%s -> %s", terminal, next)
		}
	}

	assert.False(t, StatusInProgress.CanTransition(StatusInProgress))
	assert.False(t, StatusInProgress.Terminal())
}

func TestStoreCreateAndGet(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	sess := newTestSession("s1", "h1")
	require.NoError(t, store.Create(sess))

	got, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "vid.mp4", got.FileName)
	assert.Equal(t, StatusInProgress, got.Status)

	// Returned value is a copy
	got.BytesReceived = 999
	again, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.BytesReceived)
}

func TestStoreGetNotFound(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreDuplicateHandle(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Create(newTestSession("s1", "h1")))
	assert.ErrorIs(t, store.Create(newTestSession("s2", "h1")), ErrDuplicateHandle)

	// Handle is freed once the owning session is terminal
	require.NoError(t, store.SetStatus("s1", StatusCancelled))
	assert.NoError(t, store.Create(newTestSession("s2", "h1")))
}

func TestStoreUpdateProgress(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Create(newTestSession("s1", "h1")))

	require.NoError(t, store.UpdateProgress("s1", 500))

	got, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.BytesReceived)

	// Monotonic: regression rejected
	assert.ErrorIs(t, store.UpdateProgress("s1", 400), ErrProgressInvalid)
	// Never beyond expected size
	assert.ErrorIs(t, store.UpdateProgress("s1", 1001), ErrProgressInvalid)
	// Unchanged after rejected updates
	got, err = store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.BytesReceived)
}

func TestStoreSyncProgressMovesBothWays(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Create(newTestSession("s1", "h1")))
	require.NoError(t, store.UpdateProgress("s1", 500))

	// Storage is authoritative, even downwards
	require.NoError(t, store.SyncProgress("s1", 300))
	got, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.BytesReceived)

	require.NoError(t, store.SyncProgress("s1", 800))
	got, err = store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), got.BytesReceived)
}

func TestStoreSetStatusTerminalIsFinal(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Create(newTestSession("s1", "h1")))

	require.NoError(t, store.SetStatus("s1", StatusCompleted))
	assert.ErrorIs(t, store.SetStatus("s1", StatusFailed), ErrInvalidTransition)
	assert.ErrorIs(t, store.UpdateProgress("s1", 600), ErrInvalidTransition)
}

func TestStoreListInProgress(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	a := newTestSession("a", "ha")
	a.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	b := newTestSession("b", "hb")
	b.CreatedAt = time.Now().UTC().Add(-1 * time.Hour)
	require.NoError(t, store.Create(a))
	require.NoError(t, store.Create(b))
	require.NoError(t, store.SetStatus("b", StatusCancelled))

	live := store.ListInProgress()
	require.Len(t, live, 1)
	assert.Equal(t, "a", live[0].ID)

	assert.Len(t, store.ListAll(), 2)
}

func TestStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Create(newTestSession("s1", "h1")))
	require.NoError(t, store.UpdateProgress("s1", 250))

	// Reopen from disk
	reopened, err := NewStore(dir)
	require.NoError(t, err)

	got, err := reopened.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), got.BytesReceived)
	assert.Equal(t, StatusInProgress, got.Status)

	byHandle, err := reopened.ByHandle("h1")
	require.NoError(t, err)
	assert.Equal(t, "s1", byHandle.ID)
}

func TestStoreDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Create(newTestSession("s1", "h1")))

	require.NoError(t, store.Delete("s1"))
	_, err = store.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.ByHandle("h1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.Delete("s1"), ErrNotFound)
}

func TestStoreStaleBefore(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	old := newTestSession("old", "h-old")
	old.LastUpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	fresh := newTestSession("fresh", "h-fresh")
	require.NoError(t, store.Create(old))
	require.NoError(t, store.Create(fresh))

	stale := store.StaleBefore(time.Now().UTC().Add(-24 * time.Hour))
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}
