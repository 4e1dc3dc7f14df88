package browser

import (
	"fmt"

	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
)

// staleIndex reports that a handle predates the page's current element
// numbering. Callers recover by taking a fresh snapshot; retrying the same
// handle can never succeed, so the error is not retryable.
func staleIndex(index int, have, current uint64) error {
	return apperrors.New(apperrors.ErrCodeStaleIndex,
		fmt.Sprintf("element %d belongs to generation %d, page is at %d", index, have, current)).
		WithContext("index", index).
		WithContext("generation", have).
		WithContext("current", current)
}

// unknownIndex reports an index that was never assigned in the current
// generation.
func unknownIndex(index int, generation uint64) error {
	return apperrors.New(apperrors.ErrCodeStaleIndex,
		fmt.Sprintf("no element %d in generation %d", index, generation)).
		WithContext("index", index).
		WithContext("generation", generation)
}

// notInteractable reports an element that exists but cannot receive the
// command right now (zero-size, covered, off-screen mid-layout). These
// conditions are frequently transient, so the error is retryable.
func notInteractable(index int, reason string) error {
	return apperrors.New(apperrors.ErrCodeNotInteractable,
		fmt.Sprintf("element %d not interactable: %s", index, reason)).
		WithContext("index", index).
		WithContext("reason", reason).
		WithRetryable(true)
}

// invalidOp reports a command that is wrong for its subject regardless of
// timing, e.g. selecting an option on a non-select element.
func invalidOp(format string, args ...any) error {
	return apperrors.New(apperrors.ErrCodeInvalidOperation, fmt.Sprintf(format, args...))
}

// evalFailed wraps a script exception.
func evalFailed(message string) error {
	return apperrors.New(apperrors.ErrCodeEvaluation, message)
}

// IsStaleIndex reports whether err means the caller's element handle is
// from an older snapshot generation.
func IsStaleIndex(err error) bool {
	return apperrors.IsCode(err, apperrors.ErrCodeStaleIndex)
}

// IsNotInteractable reports whether err means the element could not accept
// the command at this moment.
func IsNotInteractable(err error) bool {
	return apperrors.IsCode(err, apperrors.ErrCodeNotInteractable)
}

// IsTransportClosed reports whether err means the browser connection is
// gone.
func IsTransportClosed(err error) bool {
	return apperrors.IsCode(err, apperrors.ErrCodeTransportClosed)
}
