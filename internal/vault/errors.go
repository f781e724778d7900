package vault

import (
	"errors"
	"fmt"
)

// Kind classifies vault failures for callers.
type Kind string

const (
	KindInitialization Kind = "INITIALIZATION"
	KindAuthorization  Kind = "AUTHORIZATION"
	KindDelegation     Kind = "DELEGATION"
	KindValidation     Kind = "VALIDATION"
)

// Error is a tagged vault failure. Sentinels below are *Error values, so
// errors.Is matches the reason and KindOf recovers the class.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

// ErrorKind returns the class name, used as a metrics label.
func (e *Error) ErrorKind() string {
	return string(e.Kind)
}

// Initialization errors.
var (
	ErrAlreadyInitialized  = &Error{KindInitialization, "vault already initialized"}
	ErrEmptyProjectSet     = &Error{KindInitialization, "project set is empty"}
	ErrTooManyProjects     = &Error{KindInitialization, "too many projects"}
	ErrUnauthorizedSigner  = &Error{KindInitialization, "owner did not sign"}
	ErrUnsupportedProtocol = &Error{KindInitialization, "unsupported protocol"}
	ErrFundingFailed       = &Error{KindInitialization, "owner cannot fund vault account"}
)

// Authorization errors.
var (
	ErrWrongVaultAuthority = &Error{KindAuthorization, "wrong vault authority"}
	ErrMissingSignature    = &Error{KindAuthorization, "payer did not sign"}
)

// Delegation errors.
var (
	ErrDelegationRejected = &Error{KindDelegation, "protocol rejected delegation"}
)

// Validation errors.
var (
	ErrVaultNotFound  = &Error{KindValidation, "vault not found"}
	ErrCorruptRecord  = &Error{KindValidation, "corrupt vault record"}
	ErrInvalidAmount  = &Error{KindValidation, "amount must be positive"}
	ErrUnknownProject = &Error{KindValidation, "project not in vault project set"}
	ErrMintMismatch   = &Error{KindValidation, "token account mint does not match vault mint"}
	ErrInvalidParams  = &Error{KindValidation, "invalid parameters"}
)

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries a vault error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// wrap attaches a cause to a sentinel, keeping both matchable with errors.Is.
func wrap(sentinel *Error, cause error) error {
	return fmt.Errorf("%w: %w", sentinel, cause)
}
