// ABOUTME: Error categories surfaced by the conversation engine
// ABOUTME: Each failed turn returns one of these wrapped around its cause

package conversation

import "errors"

var (
	// ErrStorageUnavailable indicates the thread store failed. Retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrTurnLoopExceeded indicates the generation/tool cycle cap was hit.
	ErrTurnLoopExceeded = errors.New("turn loop exceeded")

	// ErrThreadBusy indicates another turn holds the thread. Retryable.
	ErrThreadBusy = errors.New("thread busy")

	// ErrGenerationUnavailable indicates the generator errored or timed out.
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrTurnCancelled indicates the caller cancelled the turn.
	ErrTurnCancelled = errors.New("turn cancelled")

	// ErrInvalidThreadID indicates a nil or malformed thread id.
	ErrInvalidThreadID = errors.New("invalid thread id")

	// ErrEmptyContent indicates a turn was submitted without text.
	ErrEmptyContent = errors.New("content is required")
)

// ErrorCode names the category of a turn error for metrics and API clients.
// A nil error is "complete".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "complete"
	case errors.Is(err, ErrTurnCancelled):
		return "cancelled"
	case errors.Is(err, ErrTurnLoopExceeded):
		return "loop_exceeded"
	case errors.Is(err, ErrGenerationUnavailable):
		return "generation_unavailable"
	case errors.Is(err, ErrThreadBusy):
		return "conflict"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrInvalidThreadID), errors.Is(err, ErrEmptyContent):
		return "invalid_request"
	default:
		return "error"
	}
}
