package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors callers dispatch on with errors.Is.
var (
	// ErrInvalidTransition means the operation is not legal from the
	// entity's current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflictingRequest means an unresolved interaction already holds
	// the bid.
	ErrConflictingRequest = errors.New("conflicting request pending")
	// ErrExternalDependency wraps a failure of the payment gateway or the
	// number carrier on a path that must not proceed without it.
	ErrExternalDependency = errors.New("external dependency failed")
	// ErrAmountOutOfRange means a bid amount falls outside the mission's
	// bounds or under the type minimum.
	ErrAmountOutOfRange = errors.New("amount out of range")
	// ErrNotCounterparty means the actor is not the party this operation
	// belongs to.
	ErrNotCounterparty = errors.New("not the counterparty")
	// ErrEditWindowClosed means the review's edit window has elapsed.
	ErrEditWindowClosed = errors.New("edit window closed")
)

func invalidTransition(from, to any) error {
	return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, from, to)
}

func externalFailure(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrExternalDependency, what, err)
}
