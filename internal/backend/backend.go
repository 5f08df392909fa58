// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package backend defines the execution backend contract shared by the
// subprocess, in-process model, and gateway implementations.
package backend

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Status is the terminal outcome of one backend execution.
type Status string

const (
	// StatusDone means the backend produced usable output.
	StatusDone Status = "done"
	// StatusFailed means the backend errored or its output was rejected.
	StatusFailed Status = "failed"
	// StatusCancelled means execution was aborted by an external signal.
	StatusCancelled Status = "cancelled"
)

// Sentinel cancellation causes. Executors cancel the per-task context with
// one of these so backends can tell a deadline from a server abort.
var (
	// ErrTimeout marks expiry of the per-task execution cap.
	ErrTimeout = errors.New("task timeout exceeded")
	// ErrServerAbort marks a coordinator heartbeat verdict of abort.
	ErrServerAbort = errors.New("server requested abort")
	// ErrShutdown marks local runner shutdown.
	ErrShutdown = errors.New("runner shutting down")
)

// Request is the backend-facing view of one claimed task. Fields are
// flattened from the task packet so backends stay decoupled from packet
// parsing.
type Request struct {
	TaskID   string
	TaskType string
	StreamID string
	ThreadID string

	// Input is the raw task input, which some backends mine for routing
	// hints.
	Input string

	// Prompt is the fully rendered prompt text.
	Prompt string

	// Model is the optional backend-specific model id.
	Model string

	// AllowedTools restricts tool use for backends that support it.
	AllowedTools []string

	// OutputSchemaJSON, when non-empty, is a JSON schema the output must
	// satisfy for the execution to count as done.
	OutputSchemaJSON string

	// Timeout is the resolved per-task cap. The executor enforces it; it is
	// surfaced here so backends can shape failure messages.
	Timeout time.Duration
}

// Result is the outcome of one backend execution.
type Result struct {
	Status Status

	// Output is the product of a done execution, or a failure summary
	// otherwise.
	Output string

	// Detail optionally carries backend diagnostics (exit codes, stop
	// reasons, validation paths).
	Detail string

	// TokensUsed and CostUSD are usage metrics when the backend reports
	// them, zero otherwise. They flow into the completion report as-is.
	TokensUsed int
	CostUSD    float64
}

// Backend executes claimed tasks. Implementations must honor ctx
// cancellation promptly and map the cancellation cause to the right
// terminal status.
type Backend interface {
	// ID is the canonical backend name.
	ID() string

	// CanExecute reports whether the backend is currently usable (binary
	// present, credentials resolvable, connection up).
	CanExecute(ctx context.Context) bool

	// Execute runs one task to completion. Errors are reserved for faults
	// the executor should report as failed with the error text; expected
	// outcomes, including cancellation, come back as a Result.
	Execute(ctx context.Context, req Request) (*Result, error)
}

// CancelStatus maps a context cancellation cause to a terminal status and
// message. Used by backends after ctx.Done fires.
func CancelStatus(ctx context.Context, timeout time.Duration) (Status, string) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTimeout):
		return StatusFailed, TimeoutMessage(timeout)
	case errors.Is(cause, ErrServerAbort):
		return StatusCancelled, "cancelled by coordinator"
	case errors.Is(cause, ErrShutdown):
		return StatusCancelled, "cancelled by runner shutdown"
	default:
		return StatusCancelled, "cancelled"
	}
}

// TimeoutMessage is the canonical failure text for a deadline expiry.
func TimeoutMessage(timeout time.Duration) string {
	ms := timeout.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return "timed out after " + strconv.FormatInt(ms, 10) + "ms"
}
