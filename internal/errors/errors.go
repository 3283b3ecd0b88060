package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a taskmem error code.
type ErrorCode string

const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"    // 400
	ErrNotFound         ErrorCode = "NOT_FOUND"          // 404
	ErrAlreadyExists    ErrorCode = "ALREADY_EXISTS"     // 409
	ErrConflict         ErrorCode = "CONFLICT"           // 409
	ErrBusy             ErrorCode = "BUSY"               // 423, retryable
	ErrCorrupted        ErrorCode = "CORRUPTED"          // 422
	ErrIOFailure        ErrorCode = "IO_FAILURE"         // 500
	ErrNothingToCompact ErrorCode = "NOTHING_TO_COMPACT" // signal, not a failure
	ErrSizeWarning      ErrorCode = "SIZE_WARNING"       // signal, not a failure
	ErrInternal         ErrorCode = "INTERNAL"           // 500
)

// exitCodes maps each code to a stable CLI exit code.
var exitCodes = map[ErrorCode]int{
	ErrInternal:         1,
	ErrInvalidRequest:   2,
	ErrNotFound:         3,
	ErrAlreadyExists:    4,
	ErrBusy:             5,
	ErrCorrupted:        6,
	ErrIOFailure:        7,
	ErrConflict:         8,
	ErrNothingToCompact: 0,
	ErrSizeWarning:      0,
}

// MemError represents a structured error with code, status, and details.
type MemError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *MemError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *MemError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller is expected to retry the operation.
func (e *MemError) Retryable() bool {
	return e.Code == ErrBusy
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *MemError {
	return &MemError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for an unknown task id.
func NewNotFound(taskID string) *MemError {
	return &MemError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("task memory not found: %s", taskID),
		Details: map[string]any{"task_id": taskID},
	}
}

// NewFileNotFound creates a 404 error for a missing import/export file.
func NewFileNotFound(path string) *MemError {
	return &MemError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewAlreadyExists creates a 409 error when a memory already exists for the task.
func NewAlreadyExists(taskID, state string) *MemError {
	return &MemError{
		Code:    ErrAlreadyExists,
		Status:  409,
		Message: fmt.Sprintf("task memory already exists: %s (%s)", taskID, state),
		Details: map[string]any{"task_id": taskID, "state": state},
	}
}

// NewConflict creates a 409 error for operations invalid in the current state.
func NewConflict(msg string) *MemError {
	return &MemError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewBusy creates a retryable error for lock contention.
func NewBusy(resource string) *MemError {
	return &MemError{
		Code:    ErrBusy,
		Status:  423,
		Message: fmt.Sprintf("resource is busy, retry later: %s", resource),
		Details: map[string]any{"resource": resource},
	}
}

// NewCorrupted creates an error for a memory or manifest that fails its integrity check.
func NewCorrupted(path string, cause error) *MemError {
	msg := fmt.Sprintf("integrity check failed: %s", path)
	if cause != nil {
		msg = fmt.Sprintf("integrity check failed: %s: %v", path, cause)
	}
	return &MemError{
		Code:    ErrCorrupted,
		Status:  422,
		Message: msg,
		Details: map[string]any{"path": path},
		Err:     cause,
	}
}

// NewIOFailure wraps a file-system error. The cause is surfaced verbatim.
func NewIOFailure(op string, cause error) *MemError {
	return &MemError{
		Code:    ErrIOFailure,
		Status:  500,
		Message: fmt.Sprintf("%s: %v", op, cause),
		Details: map[string]any{"op": op},
		Err:     cause,
	}
}

// NewNothingToCompact signals that a memory's content is already minimal.
// An empty taskID is allowed for content that is not yet tied to a task.
func NewNothingToCompact(taskID string) *MemError {
	if taskID == "" {
		return &MemError{Code: ErrNothingToCompact, Status: 200, Message: "nothing to compact"}
	}
	return &MemError{
		Code:    ErrNothingToCompact,
		Status:  200,
		Message: fmt.Sprintf("nothing to compact: %s", taskID),
		Details: map[string]any{"task_id": taskID},
	}
}

// NewSizeWarning describes a memory that exceeds the size threshold.
func NewSizeWarning(taskID string, size, threshold int) *MemError {
	return &MemError{
		Code:    ErrSizeWarning,
		Status:  200,
		Message: fmt.Sprintf("task memory %s is %d bytes (threshold %d)", taskID, size, threshold),
		Details: map[string]any{"task_id": taskID, "size_bytes": size, "threshold": threshold},
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *MemError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &MemError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		Err:     err,
	}
}

// As returns the MemError in err's chain, if any.
func As(err error) (*MemError, bool) {
	var mErr *MemError
	if stderrors.As(err, &mErr) {
		return mErr, true
	}
	return nil, false
}

// Is checks if an error is a MemError with the given code.
func Is(err error, code ErrorCode) bool {
	if mErr, ok := As(err); ok {
		return mErr.Code == code
	}
	return false
}

// ExitCode returns the CLI exit code for err. Nil maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if mErr, ok := As(err); ok {
		if code, ok := exitCodes[mErr.Code]; ok {
			return code
		}
	}
	return exitCodes[ErrInternal]
}

// Wrap converts any error into a MemError, keeping existing MemErrors intact.
func Wrap(err error) *MemError {
	if err == nil {
		return nil
	}
	if mErr, ok := As(err); ok {
		return mErr
	}
	return NewInternal(err)
}
