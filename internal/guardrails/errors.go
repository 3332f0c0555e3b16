package guardrails

import (
	"errors"

	"github.com/nugget/loopguard/internal/looptrace"
)

var (
	// ErrInvalidStatus is returned when a completion does not report a
	// finished reflection.
	ErrInvalidStatus = errors.New("reflection status must be done")
	// ErrReviewMissing is returned when no reviewer output exists for
	// the completed loop.
	ErrReviewMissing = errors.New("reviewer output missing")
	// ErrInvalidLoopID is returned for an empty loop ID, or a rerun ID
	// where a root ID is required.
	ErrInvalidLoopID = errors.New("invalid loop id")
	// ErrContention is returned when a family kept changing underneath
	// a completion through every commit attempt.
	ErrContention = errors.New("family contention")
)

// IsValidation reports whether err was caused by caller input rather
// than by the store or by contention. Validation failures never mutate
// state.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrReviewMissing) ||
		errors.Is(err, ErrInvalidLoopID) ||
		errors.Is(err, looptrace.ErrInvalidReview)
}
