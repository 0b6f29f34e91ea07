// Package storage provides the pending-write content store for beamdrop.
//
// Incoming files are written as hidden pending entries and only become
// visible to the rest of the application once finalized. This mirrors the
// pending/visible pattern of host media stores: other consumers never see a
// partially written file.
package storage

import (
	"errors"
	"io"
	"time"
)

// Storage error types.
var (
	ErrHandleNotFound = errors.New("pending entry not found")
	ErrInvalidName    = errors.New("invalid file name")
	ErrNoSpace        = errors.New("storage full")
)

// PendingEntry describes a hidden placeholder awaiting more bytes.
type PendingEntry struct {
	Handle    string    `json:"handle"`
	FileName  string    `json:"file_name"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"` // durably written bytes
	CreatedAt time.Time `json:"created_at"`
}

// Backend is the pending-write storage abstraction. A pending entry is
// created hidden, grown by appends, and either finalized (made visible) or
// cancelled (deleted). Size reports the durable byte count and is the
// authoritative progress figure for resumption.
type Backend interface {
	// CreatePending allocates a hidden placeholder and returns its handle.
	CreatePending(fileName, mimeType string) (string, error)

	// Append writes bytes from r to the end of the pending entry and
	// returns the number of bytes durably written.
	Append(handle string, r io.Reader) (int64, error)

	// Size returns the durable byte count for a pending entry.
	Size(handle string) (int64, error)

	// Finalize makes the entry visible under its original file name and
	// returns the final path. The handle is no longer valid afterwards.
	Finalize(handle string) (string, error)

	// Cancel deletes the pending entry.
	Cancel(handle string) error

	// ListPending enumerates all pending entries in the backend's namespace.
	ListPending() ([]PendingEntry, error)
}
