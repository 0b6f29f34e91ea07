// Package session provides the durable upload session store for beamdrop.
package session

import (
	"time"
)

// Status is the lifecycle state of an upload session.
type Status string

// Session statuses. Once a session leaves StatusInProgress it is terminal.
const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal returns true if the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving from s to next is a legal transition.
// Transitions are monotonic: terminal states are final, and in-progress may
// only move to a terminal state.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return false
	}
	return s == StatusInProgress && next.Terminal()
}

// Session is the durable record of one upload attempt.
type Session struct {
	ID            string    `json:"id"`
	FileName      string    `json:"file_name"`
	MimeType      string    `json:"mime_type"`
	ExpectedSize  int64     `json:"expected_size"`
	BytesReceived int64     `json:"bytes_received"`
	StorageHandle string    `json:"storage_handle"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Progress returns the received fraction in [0, 1].
func (s *Session) Progress() float64 {
	if s.ExpectedSize <= 0 {
		return 0
	}
	return float64(s.BytesReceived) / float64(s.ExpectedSize)
}

// clone returns a copy so callers cannot mutate store-owned state.
func (s *Session) clone() *Session {
	c := *s
	return &c
}
