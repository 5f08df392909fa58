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

package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fluxkit/flux/internal/backend"
	internallog "github.com/fluxkit/flux/internal/log"
	"github.com/fluxkit/flux/internal/wire"
)

// MinHeartbeatInterval is the floor for heartbeat cadence regardless of
// configuration.
const MinHeartbeatInterval = 10 * time.Second

// completeTimeout bounds the terminal report so a dying coordinator cannot
// wedge shutdown.
const completeTimeout = 30 * time.Second

// EffectiveHeartbeat floors a configured heartbeat cadence so a
// misconfigured runner cannot hammer the coordinator.
func EffectiveHeartbeat(configured time.Duration) time.Duration {
	if configured < MinHeartbeatInterval {
		return MinHeartbeatInterval
	}
	return configured
}

// ApprovalSubstrings mark failure output that stems from a pending human
// approval. Matching gateway failures are escalated after completion.
var ApprovalSubstrings = []string{"approval", "operator.approvals", "exec.approval"}

// gatewayBackendID is the backend whose failures are screened for
// approval escalation.
const gatewayBackendID = "gateway"

// cancelledOutput is the canonical completion output for cancelled tasks.
const cancelledOutput = "Cancelled by user request"

// Coordinator is the slice of the wire client the executor needs.
type Coordinator interface {
	Claim(ctx context.Context, taskID string) (*wire.ClaimResult, error)
	Heartbeat(ctx context.Context, taskID string, req wire.HeartbeatRequest) (*wire.HeartbeatResult, error)
	Complete(ctx context.Context, taskID string, report wire.CompletionReport) error
	Escalate(ctx context.Context, taskID string, req wire.EscalationRequest) error
}

// Resolver selects a backend by name.
type Resolver interface {
	Resolve(name string) (backend.Backend, error)
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Coordinator Coordinator
	Backends    Resolver
	Dispatch    *DispatchContext

	// DefaultBackend is the runner-level backend used when the packet names
	// none.
	DefaultBackend string

	// HeartbeatInterval is the heartbeat cadence. Production callers floor
	// it with EffectiveHeartbeat; zero means the floor.
	HeartbeatInterval time.Duration

	Logger *slog.Logger

	// OnOutcome, when set, observes every terminal report. Used for
	// metrics.
	OnOutcome func(backendID string, status wire.CompletionStatus, duration time.Duration)
}

// Executor drives one claimed task through claim, execution, heartbeats,
// and exactly one terminal report.
type Executor struct {
	cfg    ExecutorConfig
	logger *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = MinHeartbeatInterval
	}
	return &Executor{
		cfg:    cfg,
		logger: internallog.WithComponent(cfg.Logger, "executor"),
	}
}

// Run claims one task and starts its execution. listed is the raw packet
// from the task listing, used when the claim response carries none. The
// claim, packet parse, and backend resolution happen on the caller's
// goroutine so per-page claim races settle in dispatch order; execution
// and its heartbeat then run on a task goroutine of their own, so a long
// task never holds up the next dispatch. A claim conflict means another
// runner got there first and is not an error. Run returns only faults the
// caller may want to back off on; per-task failures are reported to the
// coordinator, not returned.
func (e *Executor) Run(ctx context.Context, taskID string, listed json.RawMessage) error {
	if !e.cfg.Dispatch.TryBegin(taskID) {
		return nil
	}

	claim, err := e.cfg.Coordinator.Claim(ctx, taskID)
	if err != nil {
		e.cfg.Dispatch.Finish(taskID)
		if wire.IsConflict(err) {
			// A peer won the race; the task is in good hands.
			e.logger.Debug("task already claimed",
				internallog.String(internallog.TaskIDKey, taskID))
			return nil
		}
		e.logger.Warn("claim failed",
			internallog.String(internallog.TaskIDKey, taskID),
			internallog.Error(err))
		return err
	}

	logger := internallog.WithTaskContext(e.logger, taskID, claim.SessionID)

	raw := claim.Packet
	if len(raw) == 0 {
		raw = listed
	}
	packet, err := ParsePacket(raw)
	if err != nil {
		logger.Error("unusable task packet", internallog.Error(err))
		e.complete(ctx, taskID, claim.SessionID, "", wire.CompletionReport{
			SessionID: claim.SessionID,
			Status:    wire.StatusFailed,
			Output:    "invalid task packet: " + err.Error(),
		}, logger)
		e.cfg.Dispatch.Finish(taskID)
		return nil
	}

	backendID := packet.BackendName(e.cfg.DefaultBackend)
	b, err := e.cfg.Backends.Resolve(backendID)
	if err != nil {
		logger.Error("no backend for task",
			internallog.String(internallog.BackendKey, backendID))
		e.complete(ctx, taskID, claim.SessionID, backendID, wire.CompletionReport{
			SessionID: claim.SessionID,
			Status:    wire.StatusFailed,
			Output:    err.Error(),
		}, logger)
		e.cfg.Dispatch.Finish(taskID)
		return nil
	}

	logger.Info("executing task",
		internallog.String(internallog.BackendKey, backendID),
		internallog.String("task_type", packet.Type))

	go func() {
		defer e.cfg.Dispatch.Finish(taskID)

		start := time.Now()
		result := e.execute(ctx, taskID, claim.SessionID, packet, b, logger)
		duration := time.Since(start)

		output := result.Output
		if output == "" {
			output = "(empty response)"
		}
		report := wire.CompletionReport{
			SessionID:  claim.SessionID,
			Status:     completionStatus(result.Status),
			Output:     output,
			Detail:     result.Detail,
			TokensUsed: result.TokensUsed,
			CostUSD:    result.CostUSD,
			DurationMS: duration.Milliseconds(),
		}
		e.complete(ctx, taskID, claim.SessionID, backendID, report, logger)

		logger.Info("task finished",
			internallog.String("status", string(report.Status)),
			internallog.Duration("duration", duration.Milliseconds()))
	}()
	return nil
}

// execute runs the backend under the per-task deadline with heartbeats.
func (e *Executor) execute(ctx context.Context, taskID, sessionID string, packet *Packet, b backend.Backend, logger *slog.Logger) *backend.Result {
	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	e.cfg.Dispatch.SetCancel(taskID, cancel)

	timeout := packet.Timeout()
	timer := time.AfterFunc(timeout, func() { cancel(backend.ErrTimeout) })
	defer timer.Stop()

	stopHeartbeat := func() {}
	if packet.HeartbeatRequired() {
		hbDone := make(chan struct{})
		go e.heartbeat(execCtx, taskID, sessionID, cancel, hbDone, logger)
		stopHeartbeat = func() { <-hbDone }
	}

	result, err := b.Execute(execCtx, backend.Request{
		TaskID:           packet.TaskID,
		TaskType:         packet.Type,
		StreamID:         packet.StreamID,
		ThreadID:         packet.ThreadID,
		Input:            packet.Input,
		Prompt:           packet.RenderPrompt(),
		Model:            packet.Model(),
		AllowedTools:     packet.AllowedTools(),
		OutputSchemaJSON: packet.OutputSchemaJSON(),
		Timeout:          timeout,
	})
	cause := context.Cause(execCtx)
	cancel(nil)
	stopHeartbeat()

	switch {
	case result != nil:
		return e.finalize(result, cause, timeout)
	case err != nil && cause != nil:
		// The backend surfaced the cancellation as an error; classify it by
		// cause.
		status, msg := backend.CancelStatus(execCtx, timeout)
		return e.finalize(&backend.Result{Status: status, Output: msg}, cause, timeout)
	case err != nil:
		return &backend.Result{Status: backend.StatusFailed, Output: err.Error()}
	default:
		return &backend.Result{Status: backend.StatusFailed, Output: "backend returned no result"}
	}
}

// finalize rewrites a backend result into the coordinator-facing outcome:
// a successful run stands even if the deadline fired while it was being
// reported, a timeout fails with the canonical prefix, and any other
// cancellation completes with the canonical cancelled output.
func (e *Executor) finalize(result *backend.Result, cause error, timeout time.Duration) *backend.Result {
	if result.Status == backend.StatusDone {
		return result
	}
	if errors.Is(cause, backend.ErrTimeout) {
		return &backend.Result{
			Status: backend.StatusFailed,
			Output: timeoutOutput(timeout),
			Detail: result.Output,
		}
	}
	if result.Status == backend.StatusCancelled {
		detail := result.Detail
		if detail == "" {
			detail = result.Output
		}
		return &backend.Result{
			Status: backend.StatusCancelled,
			Output: cancelledOutput,
			Detail: detail,
		}
	}
	return result
}

// timeoutOutput is the canonical completion output for a deadline expiry.
func timeoutOutput(timeout time.Duration) string {
	secs := int64(timeout / time.Second)
	return fmt.Sprintf("Timeout: task exceeded %ds limit", secs)
}

// heartbeat reports liveness until execCtx ends. An abort or
// cancel-pending verdict cancels execution with the server-abort cause;
// transport errors are logged and the next tick tries again.
func (e *Executor) heartbeat(execCtx context.Context, taskID, sessionID string, cancel context.CancelCauseFunc, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-execCtx.Done():
			return
		case <-ticker.C:
		}

		res, err := e.cfg.Coordinator.Heartbeat(execCtx, taskID, wire.HeartbeatRequest{
			SessionID: sessionID,
			Phase:     "executing",
		})
		if err != nil {
			if execCtx.Err() != nil {
				return
			}
			logger.Warn("heartbeat failed", internallog.Error(err))
			continue
		}
		if res.ShouldAbort || res.CancelPending {
			logger.Info("coordinator requested abort",
				internallog.Bool("cancel_pending", res.CancelPending),
				internallog.String("reason", res.CancelReason))
			cancel(backend.ErrServerAbort)
			return
		}
	}
}

// complete sends exactly one terminal report, then escalates
// approval-shaped failures. The report uses a detached context so shutdown
// cancellation cannot orphan a claimed task.
func (e *Executor) complete(ctx context.Context, taskID, sessionID, backendID string, report wire.CompletionReport, logger *slog.Logger) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()

	if err := e.cfg.Coordinator.Complete(reportCtx, taskID, report); err != nil {
		logger.Error("completion report failed", internallog.Error(err))
	}

	if e.cfg.OnOutcome != nil {
		e.cfg.OnOutcome(backendID, report.Status, time.Duration(report.DurationMS)*time.Millisecond)
	}

	if report.Status == wire.StatusFailed && backendID == gatewayBackendID && NeedsApproval(report.Output) {
		if err := e.cfg.Coordinator.Escalate(reportCtx, taskID, wire.EscalationRequest{
			SessionID:       sessionID,
			Reason:          "approval required",
			SuggestedAction: "review pending approvals",
		}); err != nil {
			logger.Warn("escalation failed", internallog.Error(err))
		} else {
			logger.Info("escalated approval-blocked task")
		}
	}
}

// NeedsApproval reports whether failure output indicates a pending human
// approval.
func NeedsApproval(output string) bool {
	lowered := strings.ToLower(output)
	for _, hint := range ApprovalSubstrings {
		if strings.Contains(lowered, hint) {
			return true
		}
	}
	return false
}

func completionStatus(s backend.Status) wire.CompletionStatus {
	switch s {
	case backend.StatusDone:
		return wire.StatusDone
	case backend.StatusCancelled:
		return wire.StatusCancelled
	default:
		return wire.StatusFailed
	}
}
