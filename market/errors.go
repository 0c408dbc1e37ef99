/*
errors.go - Centralized error taxonomy for the engine

Four families, per the propagation policy:
 1. Validation rejections - caller attempted a transition or refund
    outside its preconditions. No state mutated.
 2. Policy-undecidable - gate/trigger/stage combination unrecognized.
    Hard failure; never silently defaulted to allow or deny.
 3. Consistency preconditions - referenced entity not visible/active in
    the expected context. Retriable after the data is fixed.
 4. Not-found - referenced entity does not exist at all.

Every rejection carries a stable machine code so calling layers can render
specific guidance. Use errors.Is against the sentinels; structured types
add context and Unwrap to their sentinel.
*/
package market

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrInvalidTransition is returned when an entity is not in a state
	// that permits the requested transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrQtyExceedsRemaining is returned when a reservation or refund asks
	// for more quantity than is available.
	ErrQtyExceedsRemaining = errors.New("quantity exceeds remaining")

	// ErrPolicyUndecidable is returned when the shipping-refund gate sees
	// an unrecognized trigger or cooling stage.
	ErrPolicyUndecidable = errors.New("refund policy undecidable")

	// ErrOfferNotFoundForDeal is returned when a reservation's offer is not
	// resolvable under its deal: a data-consistency precondition, not a
	// validation failure.
	ErrOfferNotFoundForDeal = errors.New("offer not visible under deal")

	// ErrAlreadyTerminal is returned when the entity has already reached a
	// terminal state.
	ErrAlreadyTerminal = errors.New("entity already terminal")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")
)

// Code returns the stable machine code for an engine error, or "" for
// errors outside the taxonomy.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrQtyExceedsRemaining):
		return "QTY_EXCEEDS_REMAINING"
	case errors.Is(err, ErrPolicyUndecidable):
		return "POLICY_UNDECIDABLE"
	case errors.Is(err, ErrOfferNotFoundForDeal):
		return "OFFER_NOT_FOUND_FOR_DEAL"
	case errors.Is(err, ErrAlreadyTerminal):
		return "ALREADY_TERMINAL"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	default:
		return ""
	}
}

// IsRejection reports whether err is a synchronous validation rejection
// (safe to surface to the caller as client error).
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrQtyExceedsRemaining) ||
		errors.Is(err, ErrAlreadyTerminal)
}

// IsNotFound reports whether err indicates a missing entity.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// TransitionError details a rejected lifecycle transition.
type TransitionError struct {
	Entity string // "deal", "offer", "reservation"
	ID     string
	From   string
	Event  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s from status %s", e.Entity, e.ID, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CapacityError details a quantity rejection.
type CapacityError struct {
	OfferID   OfferID
	Requested int64
	Remaining int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("offer %s: requested %d exceeds remaining %d", e.OfferID, e.Requested, e.Remaining)
}

func (e *CapacityError) Unwrap() error { return ErrQtyExceedsRemaining }

// NotFoundError details a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
