// ABOUTME: Action executor interface the gateway dispatches validated tool calls to
// ABOUTME: Also provides a function adapter and a dry-run executor for local use

package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedTool is returned when an executor has no handler for a tool.
var ErrUnsupportedTool = errors.New("unsupported tool")

// Executor performs the real action behind a tool. params is the validated
// parameter struct produced by the tool's descriptor (a pointer to one of the
// tools.*Params types). Implementations own their timeout and retry policy.
type Executor interface {
	Execute(ctx context.Context, tool string, params any) (any, error)
	Name() string
}

// Pinger is implemented by executors that can report upstream reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, tool string, params any) (any, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, tool string, params any) (any, error) {
	return f(ctx, tool, params)
}

// Name identifies function executors.
func (f Func) Name() string {
	return "func"
}

// DryRun echoes validated calls back without performing them. It lets the
// gateway run end to end without chat credentials.
type DryRun struct {
	now func() time.Time
}

// NewDryRun creates a dry-run executor.
func NewDryRun() *DryRun {
	return &DryRun{now: time.Now}
}

// DryRunResult is the payload returned by DryRun.
type DryRunResult struct {
	DryRun     bool      `json:"dry_run"`
	Tool       string    `json:"tool"`
	Parameters any       `json:"parameters"`
	ReceivedAt time.Time `json:"received_at"`
}

// Execute returns the call it would have made.
func (d *DryRun) Execute(ctx context.Context, tool string, params any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dry run %s: %w", tool, err)
	}
	return DryRunResult{
		DryRun:     true,
		Tool:       tool,
		Parameters: params,
		ReceivedAt: d.now().UTC(),
	}, nil
}

// Name returns "dry-run".
func (d *DryRun) Name() string {
	return "dry-run"
}
