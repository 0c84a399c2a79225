// ABOUTME: Tests for the invocation result wire form
// ABOUTME: Checks that exactly one of result and error is encoded

package gateway

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/tools"
)

func TestResult_MarshalOK(t *testing.T) {
	r := Result{RequestID: "req-1", Tool: "send_message", Status: StatusOK, Payload: map[string]string{"message_id": "$e"}}

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","tool":"send_message","request_id":"req-1","result":{"message_id":"$e"}}`, string(data))
}

func TestResult_MarshalNilPayload(t *testing.T) {
	data, err := json.Marshal(Result{Tool: "delete_message", Status: StatusOK})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","tool":"delete_message","result":{}}`, string(data))
}

func TestResult_MarshalError(t *testing.T) {
	r := Result{
		Tool:   "send_message",
		Status: StatusError,
		Err:    rateLimitError(1500*time.Millisecond, 2),
	}

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"status":"error",
		"tool":"send_message",
		"error":{
			"kind":"rate_limit",
			"reason":"rate_limited",
			"message":"rate limit of 2 requests per window exceeded",
			"retry_after_seconds":2
		}
	}`, string(data))
}

func TestResult_MarshalValidation(t *testing.T) {
	r := Result{
		Tool:   "get_messages",
		Status: StatusError,
		Err:    validationError([]tools.Violation{{Field: "channel_id", Reason: "is required"}}),
	}

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded struct {
		Error ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindValidation, decoded.Error.Kind)
	assert.Equal(t, []tools.Violation{{Field: "channel_id", Reason: "is required"}}, decoded.Error.Violations)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 0, RetryAfterSeconds(0))
	assert.Equal(t, 0, RetryAfterSeconds(-time.Second))
	assert.Equal(t, 1, RetryAfterSeconds(time.Millisecond))
	assert.Equal(t, 50, RetryAfterSeconds(50*time.Second))
	assert.Equal(t, 51, RetryAfterSeconds(50*time.Second+time.Nanosecond))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := upstreamError(ReasonExecutorFailed, cause)

	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrInvalidKey)
	assert.Contains(t, err.Error(), "boom")
}
