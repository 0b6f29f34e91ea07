package upload

import (
	"errors"
	"fmt"
)

// Upload engine error types.
var (
	ErrBusy           = errors.New("another upload is active")
	ErrNotFound       = errors.New("upload not found")
	ErrOffsetMismatch = errors.New("upload offset mismatch")
	ErrValidation     = errors.New("upload rejected")
	ErrNotResumable   = errors.New("upload not resumable")
)

// OffsetError carries the conflict detail a client needs to resume correctly.
type OffsetError struct {
	Expected int64 // server-known durable offset
	Got      int64 // offset the client declared
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("upload offset mismatch: expected %d, got %d", e.Expected, e.Got)
}

func (e *OffsetError) Unwrap() error { return ErrOffsetMismatch }
