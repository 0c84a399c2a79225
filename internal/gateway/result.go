// ABOUTME: Tool invocation result, its stages, and its JSON wire form
// ABOUTME: Exactly one of payload and error is populated on every result

package gateway

import (
	"encoding/json"
	"math"
	"time"

	"github.com/2389/toolgate/internal/tools"
)

// Stage is a step of the invocation pipeline.
type Stage string

const (
	StageReceived      Stage = "received"
	StageAuthenticated Stage = "authenticated"
	StageRateChecked   Stage = "rate_checked"
	StageAuthorized    Stage = "authorized"
	StageValidated     Stage = "validated"
	StageDispatched    Stage = "dispatched"
	StageCompleted     Stage = "completed"
	StageFailed        Stage = "failed"
)

// Status is the outcome of an invocation.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Result is the outcome of Gateway.Invoke. It is never persisted.
type Result struct {
	RequestID string
	Tool      string
	Status    Status
	Payload   any
	Err       *Error

	// Reached is the last pipeline stage passed before the terminal state.
	Reached  Stage
	KeyID    string
	Duration time.Duration
}

// OK reports whether the invocation completed.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Terminal returns StageCompleted or StageFailed.
func (r Result) Terminal() Stage {
	if r.OK() {
		return StageCompleted
	}
	return StageFailed
}

// ErrorBody is the wire form of an Error.
type ErrorBody struct {
	Kind              Kind              `json:"kind"`
	Reason            string            `json:"reason"`
	Message           string            `json:"message"`
	RetryAfterSeconds int               `json:"retry_after_seconds,omitempty"`
	Violations        []tools.Violation `json:"violations,omitempty"`
}

// Body returns the wire form of e.
func (e *Error) Body() ErrorBody {
	return ErrorBody{
		Kind:              e.Kind,
		Reason:            e.Reason,
		Message:           e.Message,
		RetryAfterSeconds: RetryAfterSeconds(e.RetryAfter),
		Violations:        e.Violations,
	}
}

// RetryAfterSeconds rounds d up to whole seconds, with a floor of one second
// for any positive duration.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

type resultJSON struct {
	Status    Status     `json:"status"`
	Tool      string     `json:"tool"`
	RequestID string     `json:"request_id,omitempty"`
	Result    any        `json:"result,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

// MarshalJSON encodes the result as {"status","tool","result"} on success or
// {"status","tool","error"} on failure.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Status:    r.Status,
		Tool:      r.Tool,
		RequestID: r.RequestID,
	}
	if r.Err != nil {
		body := r.Err.Body()
		out.Error = &body
	} else {
		out.Result = r.Payload
		if out.Result == nil {
			out.Result = struct{}{}
		}
	}
	return json.Marshal(out)
}
