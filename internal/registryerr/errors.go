// Package registryerr defines the error kinds returned by the registry
// services. Every concrete error matches a sentinel through errors.Is, so
// callers can branch on the kind without a type switch:
//
//	if errors.Is(err, registryerr.ErrNotFound) { ... }
package registryerr

import (
	"errors"
	"fmt"
)

// Sentinels, one per error kind.
var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateToken     = errors.New("duplicate token")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrOwnershipMismatch  = errors.New("ownership mismatch")
	ErrCascadeViolation   = errors.New("cascade violation")
	ErrMalformedProof     = errors.New("malformed proof")
	ErrInconsistentIndex  = errors.New("inconsistent index")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrValidation         = errors.New("validation failed")
)

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Kind string // "token", "parent", "version", "tree", "composite"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// DuplicateTokenError reports an insert of an id that is already registered.
type DuplicateTokenError struct {
	ID string
}

func (e *DuplicateTokenError) Error() string {
	return fmt.Sprintf("token %s already registered", e.ID)
}

func (e *DuplicateTokenError) Is(target error) bool { return target == ErrDuplicateToken }

// InvalidTransitionError reports a state change the state machine forbids.
type InvalidTransitionError struct {
	Entity string // "token" or "version"
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// InvalidTransition builds an InvalidTransitionError.
func InvalidTransition(entity, id, from, to string) error {
	return &InvalidTransitionError{Entity: entity, ID: id, From: from, To: to}
}

// OwnershipMismatchError reports a transfer whose claimed owner is not the
// current owner.
type OwnershipMismatchError struct {
	ID       string
	Claimed  string
	Recorded string
}

func (e *OwnershipMismatchError) Error() string {
	return fmt.Sprintf("token %s: owner is %s, not %s", e.ID, e.Recorded, e.Claimed)
}

func (e *OwnershipMismatchError) Is(target error) bool { return target == ErrOwnershipMismatch }

// CascadeViolationError reports an attempt to retire a parent that still
// has active children.
type CascadeViolationError struct {
	ParentID     string
	ActiveTokens int
}

func (e *CascadeViolationError) Error() string {
	return fmt.Sprintf("parent %s has %d active tokens", e.ParentID, e.ActiveTokens)
}

func (e *CascadeViolationError) Is(target error) bool { return target == ErrCascadeViolation }

// MalformedProofError reports a proof that is structurally invalid or was
// requested for a leaf outside the tree.
type MalformedProofError struct {
	Reason string
}

func (e *MalformedProofError) Error() string {
	return "malformed proof: " + e.Reason
}

func (e *MalformedProofError) Is(target error) bool { return target == ErrMalformedProof }

// MalformedProof builds a MalformedProofError.
func MalformedProof(format string, args ...any) error {
	return &MalformedProofError{Reason: fmt.Sprintf(format, args...)}
}

// InconsistentIndexError reports a secondary index that disagrees with the
// primary one.
type InconsistentIndexError struct {
	Index  string
	Detail string
}

func (e *InconsistentIndexError) Error() string {
	return fmt.Sprintf("index %s inconsistent: %s", e.Index, e.Detail)
}

func (e *InconsistentIndexError) Is(target error) bool { return target == ErrInconsistentIndex }

// StorageUnavailableError wraps a persistence failure. It is the only
// retryable kind.
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

func (e *StorageUnavailableError) Is(target error) bool { return target == ErrStorageUnavailable }

// StorageUnavailable wraps err. A nil err yields nil.
func StorageUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageUnavailableError{Op: op, Err: err}
}

// ValidationError reports input that fails domain rules.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Retryable reports whether the operation that produced err may succeed
// if attempted again.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// Kind returns a short stable name for the error kind, or "internal" when
// err does not belong to the taxonomy.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateToken):
		return "duplicate_token"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrOwnershipMismatch):
		return "ownership_mismatch"
	case errors.Is(err, ErrCascadeViolation):
		return "cascade_violation"
	case errors.Is(err, ErrMalformedProof):
		return "malformed_proof"
	case errors.Is(err, ErrInconsistentIndex):
		return "inconsistent_index"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}
