// Package rmkerr defines the kernel's error taxonomy. Every user-visible
// failure maps to exactly one Kind; callers classify with KindOf or errors.Is
// against the sentinel errors rather than matching message strings.
package rmkerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for transport mapping and degradation decisions.
type Kind int

const (
	// KindInternal is the zero value: an unexpected failure.
	KindInternal Kind = iota
	// KindInvalidInput covers malformed requests, unknown namespaces and
	// out-of-range parameters.
	KindInvalidInput
	// KindUnauthorized means missing or invalid credentials.
	KindUnauthorized
	// KindForbidden means a policy DENY or missing workspace membership.
	KindForbidden
	// KindNotFound means the resource does not exist.
	KindNotFound
	// KindConflict means a uniqueness or state-machine violation.
	KindConflict
	// KindOverloaded means the ingestion queue is full or a limit was hit.
	KindOverloaded
	// KindStoreUnavailable means store retries were exhausted.
	KindStoreUnavailable
	// KindStoreReject means the store refused a write on a type or
	// constraint violation. Not retryable.
	KindStoreReject
	// KindLLMUnavailable means a provider call failed with no fallback.
	KindLLMUnavailable
	// KindPartial means a consultation returned before synthesis because
	// the deadline fired.
	KindPartial
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindOverloaded:
		return "overloaded"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindStoreReject:
		return "store_reject"
	case KindLLMUnavailable:
		return "llm_unavailable"
	case KindPartial:
		return "partial"
	default:
		return "internal"
	}
}

// Error carries a Kind, a user-safe message, and an optional wrapped cause.
// The cause is for logs only; Message never includes store addresses or
// provider payloads.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Kind.String() + ": " + e.Message
	}
	return e.Kind.String()
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches either another *Error with the same Kind or one of the
// package sentinels.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New constructs an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and user-safe message to an underlying cause.
// Wrapping nil returns nil.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// A nil error has no kind; any non-taxonomy error is KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Sentinels for errors.Is checks. Each is an *Error with an empty message,
// so errors.Is(err, ErrForbidden) matches any Error of that kind.
var (
	ErrInvalidInput     = &Error{Kind: KindInvalidInput}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
	ErrForbidden        = &Error{Kind: KindForbidden}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrOverloaded       = &Error{Kind: KindOverloaded}
	ErrStoreUnavailable = &Error{Kind: KindStoreUnavailable}
	ErrStoreReject      = &Error{Kind: KindStoreReject}
	ErrLLMUnavailable   = &Error{Kind: KindLLMUnavailable}
	ErrPartial          = &Error{Kind: KindPartial}
	ErrInternal         = &Error{Kind: KindInternal}
)

// ExitCode maps a kind to the CLI exit code convention.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindInvalidInput:
		return 64
	case KindConflict, KindNotFound:
		return 65
	case KindStoreUnavailable, KindLLMUnavailable, KindOverloaded:
		return 69
	case KindForbidden, KindUnauthorized:
		return 77
	default:
		return 1
	}
}
