// Package proto defines shared protocol messages for beamdrop.
package proto

import "time"

// ProtocolVersion is the resumable upload protocol version advertised by
// capability discovery.
const ProtocolVersion = "1.0"

// Header names used by the upload protocol.
const (
	HeaderSecret = "X-Upload-Secret" // PIN on mutating calls when the gate is enabled
	HeaderOffset = "Upload-Offset"   // starting byte offset of an append
	HeaderLength = "Upload-Length"   // declared total upload length
)

// Capabilities is returned by capability discovery. It never requires the
// shared secret and never touches session state.
type Capabilities struct {
	Version     string   `json:"version"`
	Extensions  []string `json:"extensions"`
	MaxFileSize int64    `json:"max_file_size"` // bytes, 0 = unlimited
	PINRequired bool     `json:"pin_required"`
}

// CreateUploadRequest is sent to open a new upload session.
type CreateUploadRequest struct {
	FileName string `json:"file_name"`
	Size     int64  `json:"size"` // declared total size in bytes
	MimeType string `json:"mime_type"`
}

// CreateUploadResponse is returned after a session is created.
type CreateUploadResponse struct {
	ID       string `json:"id"`
	Offset   int64  `json:"offset"` // always 0 for a fresh session
	Location string `json:"location"`
}

// AppendResponse reports progress after a successful chunk append.
type AppendResponse struct {
	Offset    int64 `json:"offset"`
	Completed bool  `json:"completed"`
}

// UploadInfo describes a session for the incomplete-uploads listing.
type UploadInfo struct {
	ID            string    `json:"id"`
	FileName      string    `json:"file_name"`
	MimeType      string    `json:"mime_type"`
	Size          int64     `json:"size"`
	BytesReceived int64     `json:"bytes_received"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// UploadListResponse contains the resumable sessions.
type UploadListResponse struct {
	Uploads []UploadInfo `json:"uploads"`
}

// ServerStatus describes the running receiver.
type ServerStatus struct {
	Running          bool   `json:"running"`
	Version          string `json:"version"`
	Protocol         string `json:"protocol"`
	Port             int    `json:"port"`
	ActiveUploads    int    `json:"active_uploads"`
	StorageAvailable bool   `json:"storage_available"`
	FreeBytes        int64  `json:"free_bytes"` // 0 when unknown
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

// ErrorResponse represents an API error. Code is machine-readable so clients
// can decide whether to retry, resume, or start over.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// Offset conflict detail, present on offset_mismatch errors.
	ExpectedOffset *int64 `json:"expected_offset,omitempty"`
	ActualOffset   *int64 `json:"actual_offset,omitempty"`
}

// Machine-readable error codes.
const (
	CodeBindConflict   = "bind_conflict"
	CodeBusy           = "busy"
	CodeAuthRequired   = "auth_required"
	CodeAuthFailed     = "auth_failed"
	CodeValidation     = "validation_error"
	CodeOffsetMismatch = "offset_mismatch"
	CodeNotFound       = "not_found"
	CodeStorageFull    = "storage_full"
	CodeInternalIO     = "internal_io"
	CodeNotResumable   = "not_resumable"
)

// Event is a protocol event streamed to observers (status UI, notification
// updater) over the events endpoint.
type Event struct {
	Type          string    `json:"type"`
	UploadID      string    `json:"upload_id,omitempty"`
	FileName      string    `json:"file_name,omitempty"`
	Path          string    `json:"path,omitempty"` // finalized file path
	BytesReceived int64     `json:"bytes_received,omitempty"`
	Size          int64     `json:"size,omitempty"`
	Time          time.Time `json:"time"`
}
