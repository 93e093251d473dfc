package protocol

import (
	"errors"
	"fmt"

	"github.com/aretw0/mindcache/pkg/core"
)

// Code is the machine-readable reason carried by an error frame.
type Code string

const (
	CodeValidation       Code = "VALIDATION"
	CodeTypeMismatch     Code = "TYPE_MISMATCH"
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeProtected        Code = "PROTECTED"
	CodeMalformed        Code = "MALFORMED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeStale            Code = "STALE"
	CodeNotAuthenticated Code = "NOT_AUTHENTICATED"
	CodeInternal         Code = "INTERNAL"
)

// ErrRateLimited is returned when a session exceeds its inbound frame budget.
var ErrRateLimited = errors.New("rate limited")

// CodeFor maps an error from the store or session to its wire code.
func CodeFor(err error) Code {
	switch {
	case errors.Is(err, ErrMalformed):
		return CodeMalformed
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, core.ErrProtectedKey):
		return CodeProtected
	case errors.Is(err, core.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, core.ErrStale):
		return CodeStale
	case errors.Is(err, core.ErrTypeMismatch):
		return CodeTypeMismatch
	case errors.Is(err, core.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, core.ErrValidation):
		return CodeValidation
	case errors.Is(err, core.ErrAuth):
		return CodeNotAuthenticated
	}
	return CodeInternal
}

// ErrorFrame builds the error frame answering ref.
func ErrorFrame(err error, ref string) *Error {
	return &Error{Error: err.Error(), Code: CodeFor(err), Ref: ref}
}

// Err turns a received error frame back into a taxonomy error for key.
func (e *Error) Err(key string) error {
	switch e.Code {
	case CodeProtected:
		return &core.ProtectedKeyError{Key: key, Op: "write"}
	case CodePermissionDenied:
		return &core.PermissionError{Key: key, Op: "write", Reason: e.Error}
	case CodeTypeMismatch:
		return &core.ValidationError{Key: key, Reason: e.Error, Err: core.ErrTypeMismatch}
	case CodeNotFound:
		return &core.ValidationError{Key: key, Reason: e.Error, Err: core.ErrNotFound}
	case CodeValidation:
		return &core.ValidationError{Key: key, Reason: e.Error}
	case CodeStale:
		return fmt.Errorf("%w: %s", core.ErrStale, e.Error)
	case CodeMalformed:
		return fmt.Errorf("%w: %s", ErrMalformed, e.Error)
	case CodeRateLimited:
		return fmt.Errorf("%w: %s", ErrRateLimited, e.Error)
	case CodeNotAuthenticated:
		return &core.AuthError{Code: core.AuthInvalidKey, Reason: e.Error}
	}
	return fmt.Errorf("server error %s: %s", e.Code, e.Error)
}

// AuthErr turns an auth_error frame into a core.AuthError.
func (e *AuthError) AuthErr() error {
	return &core.AuthError{Code: e.Code, Reason: e.Error}
}
