// ABOUTME: Error taxonomy for tool invocations
// ABOUTME: Every pipeline failure is a *Error carrying a kind, a machine reason, and optional detail

package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/toolgate/internal/tools"
)

// Kind classifies invocation failures.
type Kind string

const (
	KindAuth          Kind = "auth"
	KindRateLimit     Kind = "rate_limit"
	KindNotFound      Kind = "not_found"
	KindAuthorization Kind = "authorization"
	KindValidation    Kind = "validation"
	KindUpstream      Kind = "upstream"
)

// Reasons attached to each kind.
const (
	ReasonInvalidKey        = "invalid_key"
	ReasonKeyLookupFailed   = "key_lookup_failed"
	ReasonRateLimited       = "rate_limited"
	ReasonUnknownTool       = "unknown_tool"
	ReasonMissingPermission = "missing_permission"
	ReasonInvalidParameters = "invalid_parameters"
	ReasonExecutorFailed    = "executor_failed"
	ReasonExecutorPanicked  = "executor_panicked"
	ReasonExecutorCanceled  = "canceled"
)

// Sentinel errors, one per kind, for errors.Is.
var (
	ErrInvalidKey        = errors.New("invalid api key")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrUnknownTool       = errors.New("unknown tool")
	ErrMissingPermission = errors.New("missing permission")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrUpstream          = errors.New("upstream failure")
)

var sentinels = map[Kind]error{
	KindAuth:          ErrInvalidKey,
	KindRateLimit:     ErrRateLimited,
	KindNotFound:      ErrUnknownTool,
	KindAuthorization: ErrMissingPermission,
	KindValidation:    ErrInvalidParameters,
	KindUpstream:      ErrUpstream,
}

// Error is a structured invocation failure.
type Error struct {
	Kind    Kind
	Reason  string
	Message string

	// RetryAfter is set for KindRateLimit.
	RetryAfter time.Duration
	// Violations is set for KindValidation.
	Violations []tools.Violation
	// Cause is the underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
}

// Unwrap exposes both the kind's sentinel and the cause.
func (e *Error) Unwrap() []error {
	var errs []error
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var gerr *Error
	ok := errors.As(err, &gerr)
	return gerr, ok
}

func authError(cause error) *Error {
	if cause != nil {
		return &Error{Kind: KindAuth, Reason: ReasonKeyLookupFailed, Message: "could not verify api key", Cause: cause}
	}
	return &Error{Kind: KindAuth, Reason: ReasonInvalidKey, Message: "invalid or revoked api key"}
}

func rateLimitError(retryAfter time.Duration, limit int) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Reason:     ReasonRateLimited,
		Message:    fmt.Sprintf("rate limit of %d requests per window exceeded", limit),
		RetryAfter: retryAfter,
	}
}

func notFoundError(tool string) *Error {
	return &Error{Kind: KindNotFound, Reason: ReasonUnknownTool, Message: fmt.Sprintf("unknown tool %q", tool)}
}

func authorizationError(tool, required string) *Error {
	return &Error{
		Kind:    KindAuthorization,
		Reason:  ReasonMissingPermission,
		Message: fmt.Sprintf("tool %q requires permission %q", tool, required),
	}
}

func validationError(violations []tools.Violation) *Error {
	return &Error{
		Kind:       KindValidation,
		Reason:     ReasonInvalidParameters,
		Message:    fmt.Sprintf("%d invalid parameter(s)", len(violations)),
		Violations: violations,
	}
}

func upstreamError(reason string, cause error) *Error {
	return &Error{Kind: KindUpstream, Reason: reason, Message: "executor failed", Cause: cause}
}
