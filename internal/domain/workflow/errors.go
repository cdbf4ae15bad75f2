package workflow

import "errors"

var (
	// ErrInvalidTransition means the trigger is not configured for the current state
	ErrInvalidTransition = errors.New("transition not allowed from current expense state")

	// ErrInvalidState means the value is not a lifecycle state
	ErrInvalidState = errors.New("unknown expense state")

	// ErrGuardFailed means every guarded transition for the trigger refused
	ErrGuardFailed = errors.New("transition guard refused")
)
