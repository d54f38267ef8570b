package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an engine error for callers that need to decide between
// retrying, reconciling, or surfacing the failure verbatim.
type Kind string

const (
	// KindTransport marks network or upstream 5xx failures. Safe to retry.
	KindTransport Kind = "transport"
	// KindNotFound marks an external 404 handled as a domain outcome.
	KindNotFound Kind = "not_found"
	// KindConflict marks an idempotency violation, such as results that were
	// already recorded. Never retried, never swallowed.
	KindConflict Kind = "conflict"
	// KindValidation marks a malformed precondition detected before any
	// external side effect.
	KindValidation Kind = "validation"
	// KindCredentialExpired marks an irrecoverable token refresh failure that
	// aborts the whole workflow invocation.
	KindCredentialExpired Kind = "credential_expired"
	// KindInternal marks everything else, including storage failures.
	KindInternal Kind = "internal"
)

// Error carries a machine-checkable reason code alongside the affected entity
// identifiers so an operator can reconcile partial external side effects.
type Error struct {
	kind      Kind
	code      string
	entityIDs []string
	err       error
}

// New builds a coded error. The code is "<operation>.<reason>" so log searches
// and API consumers can match on it.
func New(kind Kind, operation, reason string, cause error) *Error {
	return &Error{
		kind: kind,
		code: fmt.Sprintf("%s.%s", operation, reason),
		err:  cause,
	}
}

// Transport builds a retryable transport error.
func Transport(operation, reason string, cause error) *Error {
	return New(KindTransport, operation, reason, cause)
}

// NotFound builds a not-found domain outcome.
func NotFound(operation, reason string, cause error) *Error {
	return New(KindNotFound, operation, reason, cause)
}

// Conflict builds an idempotency violation error.
func Conflict(operation, reason string, cause error) *Error {
	return New(KindConflict, operation, reason, cause)
}

// Validation builds a failed-precondition error.
func Validation(operation, reason string, cause error) *Error {
	return New(KindValidation, operation, reason, cause)
}

// CredentialExpired builds an irrecoverable credential error.
func CredentialExpired(operation, reason string, cause error) *Error {
	return New(KindCredentialExpired, operation, reason, cause)
}

// Internal builds an internal error.
func Internal(operation, reason string, cause error) *Error {
	return New(KindInternal, operation, reason, cause)
}

// WithEntities attaches the affected entity identifiers and returns the error.
func (e *Error) WithEntities(ids ...string) *Error {
	e.entityIDs = append(e.entityIDs, ids...)
	return e
}

func (e *Error) Error() string {
	parts := []string{e.code}
	if len(e.entityIDs) > 0 {
		parts = append(parts, "["+strings.Join(e.entityIDs, ", ")+"]")
	}
	if e.err != nil {
		parts = append(parts, e.err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind reports the classification of the error.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code reports the machine-checkable reason code.
func (e *Error) Code() string {
	return e.code
}

// EntityIDs reports the entity identifiers affected by the failure.
func (e *Error) EntityIDs() []string {
	return append([]string(nil), e.entityIDs...)
}

// KindOf extracts the Kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.kind
	}
	return KindInternal
}

// CodeOf extracts the reason code from an error chain, or "" when untyped.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.code
	}
	return ""
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransport
}
