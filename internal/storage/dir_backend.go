package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// pendingDir is the hidden namespace for incomplete entries inside the media
// directory. Dot-prefixed so media indexers skip it.
const pendingDir = ".pending"

// DirBackend implements Backend on a directory tree.
// Layout:
//
//	{mediaDir}/
//	  {file}               # finalized, visible files
//	  .pending/
//	    {handle}           # pending payload, grown by appends
//	    {handle}.meta.json # entry metadata sidecar
//
// The backend operates through a billy.Filesystem so tests can run against
// an in-memory filesystem.
type DirBackend struct {
	fs       billy.Filesystem
	diskPath string // real path for volume stats, empty when not disk-backed
}

// NewDirBackend creates a backend over the given filesystem.
func NewDirBackend(fs billy.Filesystem) (*DirBackend, error) {
	if err := fs.MkdirAll(pendingDir, 0755); err != nil {
		return nil, fmt.Errorf("create pending dir: %w", err)
	}
	return &DirBackend{fs: fs}, nil
}

// NewOSBackend creates a disk-backed backend rooted at mediaDir.
func NewOSBackend(mediaDir string) (*DirBackend, error) {
	if err := os.MkdirAll(mediaDir, 0755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	b, err := NewDirBackend(osfs.New(mediaDir))
	if err != nil {
		return nil, err
	}
	b.diskPath = mediaDir
	return b, nil
}

// validateFileName rejects names that could escape the media directory.
func validateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: null byte", ErrInvalidName)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, sep := range []string{"/", "\\"} {
		for _, part := range strings.Split(name, sep) {
			if part == ".." {
				return fmt.Errorf("%w: path traversal", ErrInvalidName)
			}
		}
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return fmt.Errorf("%w: absolute path", ErrInvalidName)
	}
	return nil
}

func (b *DirBackend) partPath(handle string) string {
	return b.fs.Join(pendingDir, handle)
}

func (b *DirBackend) metaPath(handle string) string {
	return b.fs.Join(pendingDir, handle+".meta.json")
}

// writeSynced writes data to path and syncs it when the filesystem supports
// it (the in-memory test filesystem does not).
func (b *DirBackend) writeSynced(path string, data []byte) error {
	f, err := b.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return err
	}
	syncFile(f)
	return nil
}

func syncFile(f billy.File) {
	if s, ok := f.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}

// CreatePending allocates a hidden placeholder for fileName.
func (b *DirBackend) CreatePending(fileName, mimeType string) (string, error) {
	if err := validateFileName(fileName); err != nil {
		return "", err
	}

	handle := uuid.NewString()

	meta := PendingEntry{
		Handle:    handle,
		FileName:  filepath.Base(fileName),
		MimeType:  mimeType,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal pending meta: %w", err)
	}
	if err := b.writeSynced(b.metaPath(handle), data); err != nil {
		return "", fmt.Errorf("write pending meta: %w", err)
	}

	f, err := b.fs.OpenFile(b.partPath(handle), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		_ = b.fs.Remove(b.metaPath(handle))
		return "", fmt.Errorf("create pending payload: %w", err)
	}
	_ = f.Close()

	return handle, nil
}

// Append writes bytes from r to the end of the pending entry.
func (b *DirBackend) Append(handle string, r io.Reader) (int64, error) {
	f, err := b.fs.OpenFile(b.partPath(handle), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrHandleNotFound
		}
		return 0, fmt.Errorf("open pending payload: %w", err)
	}
	defer func() { _ = f.Close() }()

	n, err := io.Copy(f, r)
	syncFile(f)
	if err != nil {
		if isNoSpace(err) {
			return n, fmt.Errorf("%w: %v", ErrNoSpace, err)
		}
		return n, fmt.Errorf("append pending payload: %w", err)
	}
	return n, nil
}

// Size returns the durable byte count for a pending entry.
func (b *DirBackend) Size(handle string) (int64, error) {
	info, err := b.fs.Stat(b.partPath(handle))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrHandleNotFound
		}
		return 0, fmt.Errorf("stat pending payload: %w", err)
	}
	return info.Size(), nil
}

// Finalize renames the pending payload to its visible name and removes the
// sidecar. Name collisions get a " (n)" suffix before the extension.
func (b *DirBackend) Finalize(handle string) (string, error) {
	meta, err := b.readMeta(handle)
	if err != nil {
		return "", err
	}
	if _, err := b.fs.Stat(b.partPath(handle)); err != nil {
		if os.IsNotExist(err) {
			return "", ErrHandleNotFound
		}
		return "", fmt.Errorf("stat pending payload: %w", err)
	}

	name, err := b.visibleName(meta.FileName)
	if err != nil {
		return "", err
	}

	if err := b.fs.Rename(b.partPath(handle), name); err != nil {
		return "", fmt.Errorf("commit pending payload: %w", err)
	}
	if err := b.fs.Remove(b.metaPath(handle)); err != nil {
		// Payload is committed; a stale sidecar is cleaned by the next sweep.
		log.Warn().Err(err).Str("handle", handle).Msg("failed to remove pending sidecar")
	}

	return b.fs.Join(b.fs.Root(), name), nil
}

// visibleName picks an unused file name in the media directory.
func (b *DirBackend) visibleName(fileName string) (string, error) {
	ext := filepath.Ext(fileName)
	stem := strings.TrimSuffix(fileName, ext)

	name := fileName
	for i := 1; ; i++ {
		if _, err := b.fs.Stat(name); err != nil {
			if os.IsNotExist(err) {
				return name, nil
			}
			return "", fmt.Errorf("stat visible name: %w", err)
		}
		name = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
}

// Cancel deletes the pending entry.
func (b *DirBackend) Cancel(handle string) error {
	partErr := b.fs.Remove(b.partPath(handle))
	metaErr := b.fs.Remove(b.metaPath(handle))

	if partErr != nil && metaErr != nil && os.IsNotExist(partErr) {
		return ErrHandleNotFound
	}
	if partErr != nil && !os.IsNotExist(partErr) {
		return fmt.Errorf("remove pending payload: %w", partErr)
	}
	return nil
}

// ListPending enumerates all pending entries.
func (b *DirBackend) ListPending() ([]PendingEntry, error) {
	infos, err := b.fs.ReadDir(pendingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pending dir: %w", err)
	}

	var entries []PendingEntry
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".meta.json") {
			continue
		}
		handle := strings.TrimSuffix(info.Name(), ".meta.json")
		meta, err := b.readMeta(handle)
		if err != nil {
			log.Warn().Err(err).Str("handle", handle).Msg("unreadable pending sidecar, skipping")
			continue
		}
		if size, err := b.Size(handle); err == nil {
			meta.Size = size
		}
		entries = append(entries, *meta)
	}
	return entries, nil
}

func (b *DirBackend) readMeta(handle string) (*PendingEntry, error) {
	f, err := b.fs.Open(b.metaPath(handle))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrHandleNotFound
		}
		return nil, fmt.Errorf("open pending meta: %w", err)
	}
	defer func() { _ = f.Close() }()

	var meta PendingEntry
	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode pending meta: %w", err)
	}
	return &meta, nil
}

// FreeBytes reports the available bytes on the backing volume. ok is false
// when the backend is not disk-backed (e.g. in tests).
func (b *DirBackend) FreeBytes() (free int64, ok bool) {
	if b.diskPath == "" {
		return 0, false
	}
	_, _, available, err := GetVolumeStats(b.diskPath)
	if err != nil {
		log.Warn().Err(err).Str("path", b.diskPath).Msg("volume stats unavailable")
		return 0, false
	}
	return available, true
}
