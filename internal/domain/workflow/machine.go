package workflow

import "context"

// StateMachine tracks the current state of one expense and validates transitions
type StateMachine interface {
	// State returns the current state
	State() State

	// CanFire reports whether the trigger would succeed now, guards included
	CanFire(ctx context.Context, trigger Trigger) bool

	// Fire executes the trigger and returns the transition that happened
	Fire(ctx context.Context, trigger Trigger) (Transition, error)

	// PermittedTriggers returns the triggers configured for the current state, sorted
	PermittedTriggers() []Trigger
}

// Transition describes one fired trigger
type Transition struct {
	From    State
	To      State
	Trigger Trigger
}
