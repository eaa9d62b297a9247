// Package apperr defines the error taxonomy shared by the contract, milestone,
// time log, and payment services. Callers match with errors.Is and handlers
// map to HTTP status codes via Status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound means the entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the caller lacks the role or relationship for the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState means the operation is not valid for the entity's current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrBadRequest means the input is missing or invalid.
	ErrBadRequest = errors.New("bad request")
	// ErrAlreadyFunded means a non-failed, non-refunded escrow payment already
	// references the milestone.
	ErrAlreadyFunded = errors.New("milestone already funded")
	// ErrAlreadyPaid means a non-failed, non-refunded payment already
	// references the time log.
	ErrAlreadyPaid = errors.New("time log already paid")
	// ErrNoFundedEscrow means a release was attempted without a completed
	// escrow payment for the milestone.
	ErrNoFundedEscrow = errors.New("no funded escrow")
)

// E wraps a sentinel with an actionable message, preserving errors.Is matching.
func E(sentinel error, msg string) error {
	return fmt.Errorf("%w: %s", sentinel, msg)
}

// Ef is E with formatting.
func Ef(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// Status maps an error to an HTTP status code. Unrecognized errors map to 500.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrAlreadyFunded),
		errors.Is(err, ErrAlreadyPaid),
		errors.Is(err, ErrNoFundedEscrow):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
