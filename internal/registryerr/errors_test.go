package registryerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsMatchSentinels(t *testing.T) {
	tests := []struct {
		err      error
		sentinel error
		kind     string
	}{
		{NotFound("token", "abc"), ErrNotFound, "not_found"},
		{&DuplicateTokenError{ID: "abc"}, ErrDuplicateToken, "duplicate_token"},
		{InvalidTransition("token", "abc", "Redeemed", "Active"), ErrInvalidTransition, "invalid_transition"},
		{&OwnershipMismatchError{ID: "abc", Claimed: "x", Recorded: "y"}, ErrOwnershipMismatch, "ownership_mismatch"},
		{&CascadeViolationError{ParentID: "P1", ActiveTokens: 2}, ErrCascadeViolation, "cascade_violation"},
		{MalformedProof("path length %d", 3), ErrMalformedProof, "malformed_proof"},
		{&InconsistentIndexError{Index: "owner", Detail: "x"}, ErrInconsistentIndex, "inconsistent_index"},
		{StorageUnavailable("put", errors.New("disk")), ErrStorageUnavailable, "storage_unavailable"},
		{Validation("face_value", "must be positive"), ErrValidation, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, sentinel) = false", tt.err)
			}
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("wrapped error lost its kind")
			}
			if got := Kind(wrapped); got != tt.kind {
				t.Errorf("Kind() = %q, want %q", got, tt.kind)
			}
			if got := Retryable(tt.err); got != (tt.sentinel == ErrStorageUnavailable) {
				t.Errorf("Retryable() = %v", got)
			}
		})
	}
}

func TestStorageUnavailableUnwraps(t *testing.T) {
	cause := errors.New("badger: closed")
	err := StorageUnavailable("commit", cause)
	if !errors.Is(err, cause) {
		t.Error("StorageUnavailable should unwrap to its cause")
	}
	if StorageUnavailable("commit", nil) != nil {
		t.Error("StorageUnavailable(nil) should be nil")
	}
}

func TestKindUnknown(t *testing.T) {
	if got := Kind(errors.New("boom")); got != "internal" {
		t.Errorf("Kind(unknown) = %q, want internal", got)
	}
	if got := Kind(nil); got != "" {
		t.Errorf("Kind(nil) = %q, want empty", got)
	}
}
