package core

import (
	"errors"
	"fmt"
)

// Error classes. Typed errors below match these through errors.Is.
var (
	ErrValidation       = errors.New("validation failed")
	ErrInvalidKey       = errors.New("invalid key name")
	ErrNotFound         = errors.New("key not found")
	ErrTypeMismatch     = errors.New("key type mismatch")
	ErrPermissionDenied = errors.New("permission denied")
	ErrProtectedKey     = errors.New("key is protected")
	ErrAuth             = errors.New("authentication failed")
	ErrTransport        = errors.New("transport failure")
	ErrMergeConflict    = errors.New("merge conflict")
	ErrStale            = errors.New("stale write")
	ErrTimeout          = errors.New("timed out")
	ErrClosed           = errors.New("closed")
)

// ValidationError reports a malformed key name, unknown key type or bad value.
type ValidationError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: key %q: %s", e.Key, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || (e.Err != nil && errors.Is(e.Err, target))
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PermissionError reports an operation the caller is not allowed to perform.
type PermissionError struct {
	Key    string
	Op     string
	Reason string
}

func (e *PermissionError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("permission denied: %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("permission denied: %s %q: %s", e.Op, e.Key, e.Reason)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// ProtectedKeyError is returned when deleting or clearing the value of a protected key.
type ProtectedKeyError struct {
	Key string
	Op  string
}

func (e *ProtectedKeyError) Error() string {
	return fmt.Sprintf("key %q is protected: %s rejected", e.Key, e.Op)
}

func (e *ProtectedKeyError) Is(target error) bool {
	return target == ErrProtectedKey || target == ErrPermissionDenied
}

// AuthCode is the machine-readable reason of an authentication failure.
type AuthCode string

const (
	AuthInvalidKey       AuthCode = "INVALID_KEY"
	AuthExpired          AuthCode = "EXPIRED"
	AuthNoAccess         AuthCode = "NO_ACCESS"
	AuthInstanceNotFound AuthCode = "INSTANCE_NOT_FOUND"
)

// AuthError is fatal for the session that receives it.
type AuthError struct {
	Code   AuthCode
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("auth: %s", e.Code)
	}
	return fmt.Sprintf("auth: %s: %s", e.Code, e.Reason)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

// TransportError wraps a network failure. It drives reconnection rather than
// surfacing from individual operations.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error { return e.Err }

// MergeConflictError signals an internal invariant violation while merging
// document operations. Convergent replicas never produce it.
type MergeConflictError struct {
	Key string
	Err error
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on %q: %v", e.Key, e.Err)
}

func (e *MergeConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}

func (e *MergeConflictError) Unwrap() error { return e.Err }

// ValidateKey checks a key name supplied by a writer.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return &ValidationError{Reason: "key name is empty", Err: ErrInvalidKey}
	case IsVirtual(key):
		return &ValidationError{Key: key, Reason: "keys starting with $ are reserved", Err: ErrInvalidKey}
	}
	for _, r := range key {
		if r == '\n' || r == '\r' {
			return &ValidationError{Key: key, Reason: "key name contains a line break", Err: ErrInvalidKey}
		}
	}
	return nil
}
