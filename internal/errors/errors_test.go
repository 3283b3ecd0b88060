package errors

import (
	stderrors "errors"
	"fmt"
	"os"
	"testing"
)

func TestMemError_Error(t *testing.T) {
	err := &MemError{
		Code:    ErrNotFound,
		Status:  404,
		Message: "task memory not found",
	}

	expected := "NOT_FOUND: task memory not found"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewNotFound(t *testing.T) {
	err := NewNotFound("T1")

	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Status != 404 {
		t.Errorf("Status = %d, want 404", err.Status)
	}
	if err.Details["task_id"] != "T1" {
		t.Errorf("Details[task_id] = %v, want %q", err.Details["task_id"], "T1")
	}
}

func TestNewAlreadyExists(t *testing.T) {
	err := NewAlreadyExists("T1", "active")

	if err.Code != ErrAlreadyExists {
		t.Errorf("Code = %q, want %q", err.Code, ErrAlreadyExists)
	}
	if err.Details["state"] != "active" {
		t.Errorf("Details[state] = %v, want %q", err.Details["state"], "active")
	}
}

func TestNewBusy_Retryable(t *testing.T) {
	err := NewBusy("T1")

	if !err.Retryable() {
		t.Error("Retryable() = false, want true")
	}
	if NewNotFound("T1").Retryable() {
		t.Error("NOT_FOUND must not be retryable")
	}
}

func TestNewIOFailure_Unwraps(t *testing.T) {
	err := NewIOFailure("write memory", os.ErrPermission)

	if !stderrors.Is(err, os.ErrPermission) {
		t.Error("IO failure should unwrap to its cause")
	}
	if err.Code != ErrIOFailure {
		t.Errorf("Code = %q, want %q", err.Code, ErrIOFailure)
	}
}

func TestNewSizeWarning(t *testing.T) {
	err := NewSizeWarning("T1", 30000, 25600)

	if err.Details["size_bytes"] != 30000 {
		t.Errorf("Details[size_bytes] = %v, want 30000", err.Details["size_bytes"])
	}
	if err.Details["threshold"] != 25600 {
		t.Errorf("Details[threshold] = %v, want 25600", err.Details["threshold"])
	}
}

func TestIs_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("handle transition: %w", NewBusy("T1"))

	if !Is(wrapped, ErrBusy) {
		t.Error("Is should see through fmt.Errorf wrapping")
	}
	if Is(wrapped, ErrNotFound) {
		t.Error("Is matched the wrong code")
	}
	if Is(stderrors.New("plain"), ErrInternal) {
		t.Error("plain errors carry no code")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"invalid", NewInvalidRequest("bad"), 2},
		{"not found", NewNotFound("T1"), 3},
		{"already exists", NewAlreadyExists("T1", "active"), 4},
		{"busy", NewBusy("T1"), 5},
		{"corrupted", NewCorrupted("x.md", nil), 6},
		{"io", NewIOFailure("write", os.ErrPermission), 7},
		{"conflict", NewConflict("archived"), 8},
		{"nothing to compact", NewNothingToCompact("T1"), 0},
		{"plain error", stderrors.New("boom"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitCodes_DistinctForFailures(t *testing.T) {
	seen := map[int]ErrorCode{}
	for code, exit := range exitCodes {
		if exit == 0 {
			continue
		}
		if other, dup := seen[exit]; dup {
			t.Errorf("exit code %d shared by %s and %s", exit, code, other)
		}
		seen[exit] = code
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}

	orig := NewNotFound("T1")
	if Wrap(orig) != orig {
		t.Error("Wrap should keep MemErrors intact")
	}

	wrapped := Wrap(stderrors.New("boom"))
	if wrapped.Code != ErrInternal {
		t.Errorf("Code = %q, want %q", wrapped.Code, ErrInternal)
	}
}
