// Package loxerr defines the engine's single error sum type and the stable
// error-kind taxonomy from SPEC_FULL.md §7. Every fallible function in this
// repo returns (T, error) where the error, if non-nil, either *is* a *loxerr.Error
// or wraps one; there are no panics on expected error paths. Adapted from the
// base codebase's internal/mcp structured-error idiom (self-describing codes,
// retry hints) but generalized from MCP-response shaping to the engine's own
// internal error currency — cmd/loxone-mcp hands these errors to the MCP SDK
// at the process boundary.
package loxerr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind is a stable error-kind identifier, carried in every Error and exposed
// to callers so they can decide whether/how to retry.
type Kind string

const (
	KindConfigMissing Kind = "ConfigMissing"
	KindConfigInvalid Kind = "ConfigInvalid"

	KindAuthInvalidCredentials Kind = "AuthInvalidCredentials"
	KindAuthExpired            Kind = "AuthExpired"
	KindAuthProtocolError      Kind = "AuthProtocolError"
	KindCryptoFailure          Kind = "CryptoFailure"
	KindUnsupportedHashAlg     Kind = "UnsupportedHashAlg"
	KindAuthNetworkError       Kind = "AuthNetworkError"

	KindHTTPNetwork      Kind = "HttpNetwork"
	KindHTTPTimeout      Kind = "HttpTimeout"
	KindHTTPStatus       Kind = "HttpStatus"
	KindHTTPDecode       Kind = "HttpDecode"
	KindNotAuthenticated Kind = "NotAuthenticated"
	KindWsClosed         Kind = "WsClosed"
	KindWsFrameError     Kind = "WsFrameError"
	KindWsOutOfService   Kind = "WsOutOfService"
	KindCircuitOpen      Kind = "CircuitOpen"

	KindInvalidInput Kind = "InvalidInput"
	KindNotFound     Kind = "NotFound"
	KindAmbiguous    Kind = "Ambiguous"

	KindRateLimited          Kind = "RateLimited"
	KindCanceledAfterDispatch Kind = "CanceledAfterDispatch"
	KindBatchCycle           Kind = "BatchCycle"
	KindBatchPartial         Kind = "BatchPartial"
	KindUnsupported          Kind = "Unsupported"

	KindInternal Kind = "Internal"
)

// Error is the engine's single error sum type.
type Error struct {
	Kind       Kind
	Message    string
	Field      string        // populated for ConfigInvalid / InvalidInput
	StatusCode int           // populated for HttpStatus
	RetryAfter float64       // seconds; populated for RateLimited / CircuitOpen
	Cause      error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind-equality, so errors.Is(err, loxerr.New(KindNotFound, "")) works
// regardless of message/field/cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithField sets the Field on a copy of the error.
func (e *Error) WithField(field string) *Error {
	c := *e
	c.Field = field
	return &c
}

// WithRetryAfter sets RetryAfter (seconds) on a copy of the error.
func (e *Error) WithRetryAfter(seconds float64) *Error {
	c := *e
	c.RetryAfter = seconds
	return &c
}

// WithStatusCode sets StatusCode on a copy of the error.
func (e *Error) WithStatusCode(code int) *Error {
	c := *e
	c.StatusCode = code
	return &c
}

// KindOf extracts the Kind from err if it is, or wraps, a *loxerr.Error.
// Returns KindInternal for unrecognized errors — internal errors are logged
// in full and exposed to callers only as an opaque id (SPEC_FULL.md §7).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Internal wraps cause in an opaque-id Error. The full cause should be logged
// by the caller before this is returned up the stack; only the opaque id
// crosses the trust boundary into tool/resource results (SPEC_FULL.md §7).
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: uuid.NewString(), Cause: cause}
}

// Retryable reports whether the given error kind is one the caller may retry
// without changing its input (network/timeout/rate-limit/circuit classes).
func Retryable(kind Kind) bool {
	switch kind {
	case KindHTTPNetwork, KindHTTPTimeout, KindAuthNetworkError, KindRateLimited, KindCircuitOpen:
		return true
	default:
		return false
	}
}
