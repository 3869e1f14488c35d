package errors

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrClaimLost is returned when another caller won the atomic claim race.
	// Benign: counted as a skip, never surfaced as a failure.
	ErrClaimLost = errors.New("claim lost to concurrent caller")
	// ErrScoring is returned when the scoring call failed or timed out.
	ErrScoring = errors.New("scoring call failed")
	// ErrBackendUnavailable is returned when a single review-queue backend is down.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrStorage is returned when every review-queue backend failed the same call.
	ErrStorage = errors.New("storage error: all backends failed")
	// ErrNotFound is returned for a review action on an absent or non-pending record.
	ErrNotFound = errors.New("record not found or not pending")
	// ErrSplitState is returned when the queue transition committed but the
	// interaction-store mutation failed; the stores are now inconsistent.
	ErrSplitState = errors.New("split state: stores are inconsistent")
	// ErrLockNotAcquired is returned when the distributed lock could not be
	// acquired within the caller's timeout.
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// ValidationError describes a malformed record field. Records failing
// validation are rejected before any persistence attempt and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidation creates a ValidationError for the given field.
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Tag attaches a sentinel to err so both survive errors.Is checks.
func Tag(sentinel, err error) error {
	if err == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

type contextKey string

// RequestIDKey carries the request id through contexts for error logging.
const RequestIDKey = contextKey("request_id")

// LogWithError logs the error with context and returns a wrapped error. Use this for standardized error logging across services.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID, ok := ctx.Value(RequestIDKey).(string); ok && reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}
