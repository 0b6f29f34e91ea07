// Package auth implements the shared-secret access gate for mutating upload
// operations.
package auth

import (
	"errors"
	"sync"
)

// Gate error types.
var (
	ErrAuthRequired = errors.New("upload secret required")
	ErrAuthFailed   = errors.New("upload secret incorrect")
)

// Gate checks the shared secret (PIN) on mutating requests. An empty secret
// disables the gate entirely. The secret may be rotated at any time, which
// immediately invalidates previously issued values.
type Gate struct {
	mu     sync.RWMutex
	secret string
}

// NewGate creates a gate with the given secret. Empty disables the gate.
func NewGate(secret string) *Gate {
	return &Gate{secret: secret}
}

// Enabled reports whether the gate is currently checking secrets.
func (g *Gate) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.secret != ""
}

// Rotate replaces the active secret. Empty disables the gate.
func (g *Gate) Rotate(secret string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.secret = secret
}

// Check validates a presented secret. Returns nil when the gate is disabled,
// ErrAuthRequired when no secret was presented, and ErrAuthFailed on
// mismatch.
func (g *Gate) Check(presented string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.secret == "" {
		return nil
	}
	if presented == "" {
		return ErrAuthRequired
	}
	if presented != g.secret {
		return ErrAuthFailed
	}
	return nil
}
