package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRoomNotFound is returned when no room has the given id.
	ErrRoomNotFound = errors.New("room not found")
	// ErrPlayerNotInRoom is returned when a user acts in a room they never joined.
	ErrPlayerNotInRoom = errors.New("player not in room")
	// ErrPermissionDenied is returned when a non-host issues a host-only action.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidState is returned when the operation does not fit the room's status or cursor.
	ErrInvalidState = errors.New("invalid room state")
	// ErrNotEnoughPlayers is an InvalidState raised by start_game in multiplayer.
	ErrNotEnoughPlayers = fmt.Errorf("%w: not enough players", ErrInvalidState)
	// ErrAlreadyAnswered is returned for a second submission on the same question.
	ErrAlreadyAnswered = errors.New("already answered")
	// ErrInvalidAnswer indicates an answer index outside the options.
	ErrInvalidAnswer = errors.New("invalid answer index")
	// ErrQuestionGenerationFailed wraps question provider failures.
	ErrQuestionGenerationFailed = errors.New("question generation failed")
	// ErrConcurrencyConflict is a lost compare-and-swap; resync before retrying.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrTimeout is returned when a collaborator call exceeded its bound.
	ErrTimeout = errors.New("timeout")
	// ErrNoQuestions is returned by question banks that cannot fill a request.
	ErrNoQuestions = errors.New("no questions available")
	// ErrInvalidArgument flags a malformed request.
	ErrInvalidArgument = errors.New("invalid argument")
)

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrQuestionGenerationFailed) || errors.Is(err, ErrTimeout)
}

// NeedsResync reports whether the caller's view is stale.
func NeedsResync(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrInvalidState)
}

// Code is a stable identifier for transports.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrPlayerNotInRoom):
		return "player_not_in_room"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrAlreadyAnswered):
		return "already_answered"
	case errors.Is(err, ErrInvalidAnswer):
		return "invalid_answer"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrQuestionGenerationFailed):
		return "question_generation_failed"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}

// StoreError maps a context deadline to ErrTimeout and passes other errors through.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}
