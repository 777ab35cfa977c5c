package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAnimationNotFound reports a (group, index) pair missing from the
	// bound catalog. The active playback is left untouched.
	ErrAnimationNotFound = errors.New("animation not found")
	// ErrExpressionNotFound reports an expression index outside the bound
	// catalog.
	ErrExpressionNotFound = errors.New("expression not found")
	// ErrSuperseded is returned by a load that was replaced by a newer load
	// for the same surface before it could commit.
	ErrSuperseded = errors.New("load superseded")
	// ErrNoActiveModel reports an operation that needs a bound model when
	// none is loaded.
	ErrNoActiveModel = errors.New("no active model")
)

// Load pipeline stages, recorded on LoadError.
const (
	StageFetch    = "fetch"
	StageDecode   = "decode"
	StageRegister = "register"
)

// LoadError wraps a fetch or decode failure. Loads that fail this way are
// retryable; the coordinator records the description and clears it on the
// next attempt.
type LoadError struct {
	ModelID string
	Stage   string
	Err     error
}

// Error implements error.
func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s failed at %s: %v", e.ModelID, e.Stage, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *LoadError) Unwrap() error {
	return e.Err
}
