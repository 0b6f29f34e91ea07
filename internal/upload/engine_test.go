package upload

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamdrop/beamdrop/internal/event"
	"github.com/beamdrop/beamdrop/internal/session"
	"github.com/beamdrop/beamdrop/internal/storage"
	"github.com/beamdrop/beamdrop/pkg/proto"
)

func testConfig() Config {
	return Config{
		AllowedExtensions: []string{"mp4", "mov", "jpg"},
		MaxFileSize:       10 << 20,
		SessionTTL:        time.Hour,
		SweepInterval:     time.Hour,
		// Zero window: only an in-flight append counts as active, so tests
		// can create several sessions without tripping the busy check.
		ActivityWindow: 0,
	}
}

type testEnv struct {
	engine   *Engine
	store    *session.Store
	backend  *storage.DirBackend
	bus      *event.Bus
	fs       billy.Filesystem
	stateDir string
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	fs := memfs.New()
	backend, err := storage.NewDirBackend(fs)
	require.NoError(t, err)

	stateDir := t.TempDir()
	store, err := session.NewStore(stateDir)
	require.NoError(t, err)

	bus := event.NewBus()
	return &testEnv{
		engine:   NewEngine(store, backend, bus, cfg, nil),
		store:    store,
		backend:  backend,
		bus:      bus,
		fs:       fs,
		stateDir: stateDir,
	}
}

// restart rebuilds the store and engine over the same directories, the way a
// process restart would.
func (env *testEnv) restart(t *testing.T, cfg Config) {
	t.Helper()
	store, err := session.NewStore(env.stateDir)
	require.NoError(t, err)
	env.store = store
	env.engine = NewEngine(store, env.backend, env.bus, cfg, nil)
}

func drainEvents(sub *event.Subscriber) []event.Event {
	var out []event.Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEngineCapabilities(t *testing.T) {
	env := newTestEnv(t, testConfig())

	caps := env.engine.Capabilities()
	assert.Equal(t, proto.ProtocolVersion, caps.Version)
	assert.Contains(t, caps.Extensions, "creation")
	assert.Contains(t, caps.Extensions, "offset-query")
	assert.Equal(t, int64(10<<20), caps.MaxFileSize)
}

func TestEngineCreateValidation(t *testing.T) {
	env := newTestEnv(t, testConfig())

	tests := []struct {
		name string
		req  proto.CreateUploadRequest
	}{
		{"empty file name", proto.CreateUploadRequest{FileName: "", Size: 100}},
		{"zero size", proto.CreateUploadRequest{FileName: "a.mp4", Size: 0}},
		{"negative size", proto.CreateUploadRequest{FileName: "a.mp4", Size: -5}},
		{"over size limit", proto.CreateUploadRequest{FileName: "a.mp4", Size: 11 << 20}},
		{"disallowed extension", proto.CreateUploadRequest{FileName: "a.exe", Size: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Create(tt.req)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	// Nothing leaked into storage for rejected creates.
	pending, err := env.backend.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEngineFullUpload(t *testing.T) {
	env := newTestEnv(t, testConfig())
	sub := env.bus.Subscribe(16)
	defer env.bus.Unsubscribe(sub)

	payload := bytes.Repeat([]byte("beam"), 256) // 1024 bytes
	sess, err := env.engine.Create(proto.CreateUploadRequest{
		FileName: "clip.mp4",
		MimeType: "video/mp4",
		Size:     int64(len(payload)),
	})
	require.NoError(t, err)
	assert.Equal(t, session.StatusInProgress, sess.Status)

	off, err := env.engine.Offset(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)

	newOff, done, err := env.engine.Append(sess.ID, 0, bytes.NewReader(payload[:512]))
	require.NoError(t, err)
	assert.Equal(t, int64(512), newOff)
	assert.False(t, done)

	newOff, done, err = env.engine.Append(sess.ID, 512, bytes.NewReader(payload[512:]))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), newOff)
	assert.True(t, done)

	got, err := env.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)

	// File is visible under its original name with the right content.
	f, err := env.fs.Open("clip.mp4")
	require.NoError(t, err)
	defer f.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(f)
	require.NoError(t, err)
	assert.Equal(t, payload, buf.Bytes())

	// Exactly one finalized event, after started and progress.
	events := drainEvents(sub)
	var finalized int
	for _, ev := range events {
		if ev.Type == event.TypeUploadFinalized {
			finalized++
			assert.Equal(t, "clip.mp4", ev.FileName)
			assert.Equal(t, int64(len(payload)), ev.BytesReceived)
			assert.NotEmpty(t, ev.Path)
		}
	}
	assert.Equal(t, 1, finalized)
}

func TestEngineResumeAfterRestart(t *testing.T) {
	cfg := testConfig()
	env := newTestEnv(t, cfg)

	payload := bytes.Repeat([]byte("x"), 2000)
	sess, err := env.engine.Create(proto.CreateUploadRequest{FileName: "movie.mov", Size: 2000})
	require.NoError(t, err)

	_, done, err := env.engine.Append(sess.ID, 0, bytes.NewReader(payload[:700]))
	require.NoError(t, err)
	require.False(t, done)

	// Simulated crash: new store and engine over the same state.
	env.restart(t, cfg)

	off, err := env.engine.Offset(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), off)

	newOff, done, err := env.engine.Append(sess.ID, 700, bytes.NewReader(payload[700:]))
	require.NoError(t, err)
	assert.Equal(t, int64(2000), newOff)
	assert.True(t, done)
}

func TestEngineOffsetAuthoritativeFromStorage(t *testing.T) {
	env := newTestEnv(t, testConfig())

	sess, err := env.engine.Create(proto.CreateUploadRequest{FileName: "pic.jpg", Size: 1000})
	require.NoError(t, err)

	// Bytes land in storage but the metadata write is lost, as after a
	// crash between the write and the acknowledgement.
	_, err = env.backend.Append(sess.StorageHandle, strings.NewReader(strings.Repeat("z", 300)))
	require.NoError(t, err)

	off, err := env.engine.Offset(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), off)

	// Metadata was reconciled to match.
	got, err := env.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.BytesReceived)
}

func TestEngineAppendOffsetMismatch(t *testing.T) {
	env := newTestEnv(t, testConfig())

	sess, err := env.engine.Create(proto.CreateUploadRequest{FileName: "clip.mp4", Size: 1000})
	require.NoError(t, err)

	_, _, err = env.engine.Append(sess.ID, 0, strings.NewReader(strings.Repeat("a", 400)))
	require.NoError(t, err)

	// Stale offset: retransmission of an already-durable range.
	_, _, err = env.engine.Append(sess.ID, 0, strings.NewReader("dup"))
	require.ErrorIs(t, err, ErrOffsetMismatch)
	var offErr *OffsetError
	require.ErrorAs(t, err, &offErr)
	assert.Equal(t, int64(400), offErr.Expected)
	assert.Equal(t, int64(0), offErr.Got)

	// Future offset: a gap.
	_, _, err = env.engine.Append(sess.ID, 900, strings.NewReader("gap"))
	require.ErrorIs(t, err, ErrOffsetMismatch)

	// Neither rejected append moved the durable offset.
	off, err := env.engine.Offset(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), off)
}

func TestEngineDuplicateResumeAfterCompletion(t *testing.T) {
	env := newTestEnv(t, testConfig())
	sub := env.bus.Subscribe(16)
	defer env.bus.Unsubscribe(sub)

	sess, err := env.engine.Create(proto.CreateUploadRequest{FileName: "clip.mp4", Size: 10})
	require.NoError(t, err)
	_, done, err := env.engine.Append(sess.ID, 0, strings.NewReader("0123456789"))
	require.NoError(t, err)
	require.True(t, done)
	drainEvents(sub)

	// A client that missed the final acknowledgement retries at the full
	// offset; the engine reports success without touching the file.
	off, done, err := env.engine.Append(sess.ID, 10, strings.NewReader("0123456789"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, int64(10), off)

	// No second finalize event, no second file.
	assert.Empty(t, drainEvents(sub))
	_, err = env.fs.Stat("clip (1).mp4")
	assert.Error(t, err)

	// A mismatched offset after completion is still a conflict.
	_, _, err = env.engine.Append(sess.ID, 5, strings.NewReader("xxxxx"))
	require.ErrorIs(t, err, ErrOffsetMismatch)
}

func TestEngineBusyRejectsSecondUpload(t *testing.T) {
	cfg := testConfig()
	cfg.ActivityWindow = time.Minute
	env := newTestEnv(t, cfg)

	first, err := env.engine.Create(proto.CreateUploadRequest{FileName: "one.mp4", Size: 100})
	require.NoError(t, err)

	// The first session moved within the window, so a second create is
	// refused outright.
	_, err = env.engine.Create(proto.CreateUploadRequest{FileName: "two.mp4", Size: 100})
	require.ErrorIs(t, err, ErrBusy)

	// Once the first finishes, the slot frees up.
	_, done, err := env.engine.Append(first.ID, 0, strings.NewReader(strings.Repeat("b", 100)))
	require.NoError(t, err)
	require.True(t, done)

	second, err := env.engine.Create(proto.CreateUploadRequest{FileName: "two.mp4", Size: 100})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestEngineConcurrentCreatesAdmitOne(t *testing.T) {
	cfg := testConfig()
	cfg.ActivityWindow = time.Minute
	env := newTestEnv(t, cfg)

	// Simultaneous creates race for the transfer slot; exactly one may win.
	const attempts = 8
	var wg sync.WaitGroup
	var won, refused atomic.Int32
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Create(proto.CreateUploadRequest{FileName: "race.mp4", Size: 100})
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrBusy):
				refused.Add(1)
			default:
				t.Errorf("unexpected create error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(attempts-1), refused.Load())
	assert.Equal(t, 1, env.engine.ActiveCount())

	pending, err := env.backend.ListPending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEngineStaleSessionDoesNotBlockCreate(t *testing.T) {
	cfg := testConfig()
	cfg.ActivityWindow = 50 * time.Millisecond
	env := newTestEnv(t, cfg)

	_, err := env.engine.Create(proto.CreateUploadRequest{FileName: "one.mp4", Size: 100})
	require.NoError(t, err)

	// An interrupted transfer waiting for a resume must not wedge the
	// receiver forever.
	require.Eventually(t, func() bool {
		_, err := env.engine.Create(proto.CreateUploadRequest{FileName: "two.mp4", Size: 100})
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestEngineCancel(t *testing.T) {
	env := newTestEnv(t, testConfig())

	sess, err := env.engine.Create(proto.CreateUploadRequest{FileName: "clip.mp4", Size: 1000})
	require.NoError(t, err)
	_, _, err = env.engine.Append(sess.ID, 0, strings.NewReader("partial"))
	require.NoError(t, err)

	require.NoError(t, env.engine.Cancel(sess.ID))

	got, err := env.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, got.Status)

	// Placeholder is gone.
	_, err = env.backend.Size(sess.StorageHandle)
	require.ErrorIs(t, err, storage.ErrHandleNotFound)

	// Cancel is idempotent; the offset of a cancelled upload is gone too.
	require.NoError(t, env.engine.Cancel(sess.ID))
	_, err = env.engine.Offset(sess.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, _, err = env.engine.Append(sess.ID, 7, strings.NewReader("more"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngineCancelUnknownSession(t *testing.T) {
	env := newTestEnv(t, testConfig())
	err := env.engine.Cancel("no-such-session")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngineVanishedStorageFailsSession(t *testing.T) {
	env := newTestEnv(t, testConfig())

	sess, err := env.engine.Create(proto.CreateUploadRequest{FileName: "clip.mp4", Size: 1000})
	require.NoError(t, err)

	// Someone deleted the placeholder out from under the session.
	require.NoError(t, env.backend.Cancel(sess.StorageHandle))

	_, err = env.engine.Offset(sess.ID)
	require.ErrorIs(t, err, ErrNotResumable)

	got, err := env.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, got.Status)

	// Failed stays failed.
	_, _, err = env.engine.Append(sess.ID, 0, strings.NewReader("data"))
	require.ErrorIs(t, err, ErrNotResumable)
}

func TestEngineAppendClampsOversizedChunk(t *testing.T) {
	env := newTestEnv(t, testConfig())

	sess, err := env.engine.Create(proto.CreateUploadRequest{FileName: "clip.mp4", Size: 10})
	require.NoError(t, err)

	// Client sends more than the declared size; only the declared bytes
	// are taken and the upload completes.
	off, done, err := env.engine.Append(sess.ID, 0, strings.NewReader("0123456789EXTRA"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), off)
	assert.True(t, done)

	f, err := env.fs.Open("clip.mp4")
	require.NoError(t, err)
	defer f.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(f)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", buf.String())
}

func TestEngineAppendPartialWriteCreditsDurableBytes(t *testing.T) {
	env := newTestEnv(t, testConfig())

	sess, err := env.engine.Create(proto.CreateUploadRequest{FileName: "clip.mp4", Size: 1000})
	require.NoError(t, err)

	// The connection dies mid-chunk: 200 bytes arrive, then a read error.
	r := io.MultiReader(strings.NewReader(strings.Repeat("d", 200)), iotest.ErrReader(errors.New("peer reset")))
	off, done, err := env.engine.Append(sess.ID, 0, r)
	require.Error(t, err)
	assert.False(t, done)
	assert.Equal(t, int64(200), off)

	// The durable bytes were credited; the client resumes from 200.
	got, err := env.engine.Offset(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got)
}

func TestEngineActiveCount(t *testing.T) {
	env := newTestEnv(t, testConfig())
	assert.Equal(t, 0, env.engine.ActiveCount())

	sess, err := env.engine.Create(proto.CreateUploadRequest{FileName: "clip.mp4", Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, env.engine.ActiveCount())

	require.NoError(t, env.engine.Cancel(sess.ID))
	assert.Equal(t, 0, env.engine.ActiveCount())
}
