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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxkit/flux/internal/backend"
	"github.com/fluxkit/flux/internal/wire"
)

type fakeCoordinator struct {
	mu sync.Mutex

	claimErr    error
	claimPacket json.RawMessage

	claims      int
	heartbeats  int
	completes   []wire.CompletionReport
	escalations []wire.EscalationRequest

	abortAfter  int // heartbeat count after which ShouldAbort is returned
	cancelAfter int // heartbeat count after which CancelPending is returned
}

func (f *fakeCoordinator) Claim(ctx context.Context, taskID string) (*wire.ClaimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return &wire.ClaimResult{SessionID: "S-" + taskID, Packet: f.claimPacket}, nil
}

func (f *fakeCoordinator) Heartbeat(ctx context.Context, taskID string, req wire.HeartbeatRequest) (*wire.HeartbeatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if f.abortAfter > 0 && f.heartbeats >= f.abortAfter {
		return &wire.HeartbeatResult{ShouldAbort: true, CancelReason: "user"}, nil
	}
	if f.cancelAfter > 0 && f.heartbeats >= f.cancelAfter {
		return &wire.HeartbeatResult{CancelPending: true, CancelReason: "queued"}, nil
	}
	return &wire.HeartbeatResult{}, nil
}

func (f *fakeCoordinator) Complete(ctx context.Context, taskID string, report wire.CompletionReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, report)
	return nil
}

func (f *fakeCoordinator) Escalate(ctx context.Context, taskID string, req wire.EscalationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalations = append(f.escalations, req)
	return nil
}

func (f *fakeCoordinator) snapshot() fakeCoordinator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeCoordinator{
		claims:      f.claims,
		heartbeats:  f.heartbeats,
		completes:   append([]wire.CompletionReport(nil), f.completes...),
		escalations: append([]wire.EscalationRequest(nil), f.escalations...),
	}
}

type fakeBackend struct {
	id      string
	execute func(ctx context.Context, req backend.Request) (*backend.Result, error)
	calls   atomic.Int32
}

func (f *fakeBackend) ID() string                          { return f.id }
func (f *fakeBackend) CanExecute(ctx context.Context) bool { return true }
func (f *fakeBackend) Execute(ctx context.Context, req backend.Request) (*backend.Result, error) {
	f.calls.Add(1)
	return f.execute(ctx, req)
}

type singleResolver struct{ b backend.Backend }

func (r singleResolver) Resolve(name string) (backend.Backend, error) {
	if backend.Normalize(name) != r.b.ID() {
		return nil, fmt.Errorf("no backend registered for %q", name)
	}
	return r.b, nil
}

func newExecutor(t *testing.T, coord *fakeCoordinator, b backend.Backend, heartbeat time.Duration) *Executor {
	t.Helper()
	return NewExecutor(ExecutorConfig{
		Coordinator:       coord,
		Backends:          singleResolver{b},
		Dispatch:          NewDispatchContext(),
		DefaultBackend:    b.ID(),
		HeartbeatInterval: heartbeat,
	})
}

func packetJSON(t *testing.T, p Packet) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return data
}

// waitIdle blocks until every started task has reported its outcome.
func waitIdle(t *testing.T, e *Executor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, e.cfg.Dispatch.Wait(ctx), "tasks did not settle")
}

func TestRunHappyPath(t *testing.T) {
	coord := &fakeCoordinator{
		claimPacket: packetJSON(t, Packet{
			TaskID: "T1",
			Type:   "conductor-chat",
			Prompt: &PromptSpec{Rendered: "hello"},
		}),
	}
	b := &fakeBackend{
		id: "claude-cli",
		execute: func(ctx context.Context, req backend.Request) (*backend.Result, error) {
			assert.Equal(t, "hello", req.Prompt)
			assert.Equal(t, "T1", req.TaskID)
			return &backend.Result{
				Status:     backend.StatusDone,
				Output:     "answer",
				TokensUsed: 1234,
				CostUSD:    0.07,
			}, nil
		},
	}

	e := newExecutor(t, coord, b, time.Hour)
	require.NoError(t, e.Run(context.Background(), "T1", nil))
	waitIdle(t, e)

	got := coord.snapshot()
	require.Len(t, got.completes, 1)
	assert.Equal(t, wire.StatusDone, got.completes[0].Status)
	assert.Equal(t, "answer", got.completes[0].Output)
	assert.Equal(t, "S-T1", got.completes[0].SessionID)
	assert.Equal(t, 1234, got.completes[0].TokensUsed)
	assert.Equal(t, 0.07, got.completes[0].CostUSD)
	assert.GreaterOrEqual(t, got.completes[0].DurationMS, int64(0))
	assert.Empty(t, got.escalations)
	assert.EqualValues(t, 1, b.calls.Load())
}

func TestRunClaimConflictIsSilent(t *testing.T) {
	coord := &fakeCoordinator{claimErr: &wire.APIError{Status: 409, Code: "already_claimed"}}
	b := &fakeBackend{id: "claude-cli"}

	e := newExecutor(t, coord, b, time.Hour)
	require.NoError(t, e.Run(context.Background(), "T1", nil))

	got := coord.snapshot()
	assert.Empty(t, got.completes, "nothing reported for a lost race")
	assert.Zero(t, b.calls.Load())
}

func TestRunClaimTransportErrorReturned(t *testing.T) {
	coord := &fakeCoordinator{claimErr: errors.New("connection refused")}
	b := &fakeBackend{id: "claude-cli"}

	e := newExecutor(t, coord, b, time.Hour)
	assert.Error(t, e.Run(context.Background(), "T1", nil))
	assert.Empty(t, coord.snapshot().completes)
}

func TestRunFallsBackToListedPacket(t *testing.T) {
	coord := &fakeCoordinator{} // claim response carries no packet
	b := &fakeBackend{
		id: "claude-cli",
		execute: func(ctx context.Context, req backend.Request) (*backend.Result, error) {
			return &backend.Result{Status: backend.StatusDone, Output: "ok"}, nil
		},
	}

	e := newExecutor(t, coord, b, time.Hour)
	listed := packetJSON(t, Packet{TaskID: "T9", Prompt: &PromptSpec{Rendered: "p"}})
	require.NoError(t, e.Run(context.Background(), "T9", listed))
	waitIdle(t, e)

	got := coord.snapshot()
	require.Len(t, got.completes, 1)
	assert.Equal(t, wire.StatusDone, got.completes[0].Status)
}

func TestRunInvalidPacketCompletesFailed(t *testing.T) {
	coord := &fakeCoordinator{claimPacket: json.RawMessage(`{"goal":"no id"}`)}
	b := &fakeBackend{id: "claude-cli"}

	e := newExecutor(t, coord, b, time.Hour)
	require.NoError(t, e.Run(context.Background(), "T1", nil))

	got := coord.snapshot()
	require.Len(t, got.completes, 1)
	assert.Equal(t, wire.StatusFailed, got.completes[0].Status)
	assert.Contains(t, got.completes[0].Output, "invalid task packet")
	assert.Zero(t, b.calls.Load())
}

func TestRunUnknownBackendCompletesFailed(t *testing.T) {
	coord := &fakeCoordinator{
		claimPacket: packetJSON(t, Packet{
			TaskID:    "T1",
			Execution: &ExecutionSpec{Backend: "mystery"},
		}),
	}
	b := &fakeBackend{id: "claude-cli"}

	e := newExecutor(t, coord, b, time.Hour)
	require.NoError(t, e.Run(context.Background(), "T1", nil))

	got := coord.snapshot()
	require.Len(t, got.completes, 1)
	assert.Equal(t, wire.StatusFailed, got.completes[0].Status)
	assert.Contains(t, got.completes[0].Output, "mystery")
}

func TestRunServerAbortCancelsExecution(t *testing.T) {
	coord := &fakeCoordinator{
		abortAfter: 1,
		claimPacket: packetJSON(t, Packet{
			TaskID: "T1",
			Prompt: &PromptSpec{Rendered: "p"},
		}),
	}
	b := &fakeBackend{
		id: "claude-cli",
		execute: func(ctx context.Context, req backend.Request) (*backend.Result, error) {
			<-ctx.Done()
			status, msg := backend.CancelStatus(ctx, req.Timeout)
			return &backend.Result{Status: status, Output: msg}, nil
		},
	}

	e := newExecutor(t, coord, b, 20*time.Millisecond)
	require.NoError(t, e.Run(context.Background(), "T1", nil))
	waitIdle(t, e)

	got := coord.snapshot()
	require.Len(t, got.completes, 1)
	assert.Equal(t, wire.StatusCancelled, got.completes[0].Status)
	assert.Equal(t, "Cancelled by user request", got.completes[0].Output)
	assert.Equal(t, "cancelled by coordinator", got.completes[0].Detail)
	assert.GreaterOrEqual(t, got.heartbeats, 1)
}

func TestRunCancelPendingCancelsExecution(t *testing.T) {
	coord := &fakeCoordinator{
		cancelAfter: 1,
		claimPacket: packetJSON(t, Packet{
			TaskID: "T1",
			Prompt: &PromptSpec{Rendered: "p"},
		}),
	}
	b := &fakeBackend{
		id: "claude-cli",
		execute: func(ctx context.Context, req backend.Request) (*backend.Result, error) {
			<-ctx.Done()
			status, msg := backend.CancelStatus(ctx, req.Timeout)
			return &backend.Result{Status: status, Output: msg}, nil
		},
	}

	e := newExecutor(t, coord, b, 20*time.Millisecond)
	require.NoError(t, e.Run(context.Background(), "T1", nil))
	waitIdle(t, e)

	got := coord.snapshot()
	require.Len(t, got.completes, 1)
	assert.Equal(t, wire.StatusCancelled, got.completes[0].Status,
		"a queued cancel tears execution down just like an abort")
	assert.Equal(t, "Cancelled by user request", got.completes[0].Output)
	assert.GreaterOrEqual(t, got.heartbeats, 1)
}

func TestRunTimeoutCompletesFailed(t *testing.T) {
	coord := &fakeCoordinator{
		claimPacket: packetJSON(t, Packet{
			TaskID:    "T1",
			Execution: &ExecutionSpec{TimeoutSec: 1},
			Policy:    &PolicySpec{HeartbeatRequired: boolPtr(false)},
		}),
	}
	b := &fakeBackend{
		id: "claude-cli",
		execute: func(ctx context.Context, req backend.Request) (*backend.Result, error) {
			<-ctx.Done()
			status, msg := backend.CancelStatus(ctx, req.Timeout)
			return &backend.Result{Status: status, Output: msg}, nil
		},
	}

	e := newExecutor(t, coord, b, time.Hour)
	require.NoError(t, e.Run(context.Background(), "T1", nil))
	waitIdle(t, e)

	got := coord.snapshot()
	require.Len(t, got.completes, 1)
	assert.Equal(t, wire.StatusFailed, got.completes[0].Status)
	assert.Equal(t, "Timeout: task exceeded 1s limit", got.completes[0].Output)
	assert.Equal(t, "timed out after 1000ms", got.completes[0].Detail)
	assert.Zero(t, got.heartbeats, "policy disabled heartbeats")
}

func TestRunEscalatesGatewayApprovalFailureAfterComplete(t *testing.T) {
	coord := &fakeCoordinator{
		claimPacket: packetJSON(t, Packet{
			TaskID:    "T1",
			Execution: &ExecutionSpec{Backend: "gateway"},
			Prompt:    &PromptSpec{Rendered: "p"},
		}),
	}
	b := &fakeBackend{
		id: "gateway",
		execute: func(ctx context.Context, req backend.Request) (*backend.Result, error) {
			return &backend.Result{
				Status: backend.StatusFailed,
				Output: "operator.approvals: consent required",
			}, nil
		},
	}

	e := newExecutor(t, coord, b, time.Hour)
	require.NoError(t, e.Run(context.Background(), "T1", nil))
	waitIdle(t, e)

	got := coord.snapshot()
	require.Len(t, got.completes, 1, "complete is sent exactly once, before escalation")
	assert.Equal(t, wire.StatusFailed, got.completes[0].Status)
	require.Len(t, got.escalations, 1)
	assert.Equal(t, "approval required", got.escalations[0].Reason)
	assert.Equal(t, "S-T1", got.escalations[0].SessionID)
}

func TestRunApprovalFailureOnOtherBackendsNotEscalated(t *testing.T) {
	coord := &fakeCoordinator{
		claimPacket: packetJSON(t, Packet{TaskID: "T1", Prompt: &PromptSpec{Rendered: "p"}}),
	}
	b := &fakeBackend{
		id: "claude-cli",
		execute: func(ctx context.Context, req backend.Request) (*backend.Result, error) {
			return &backend.Result{
				Status: backend.StatusFailed,
				Output: "blocked: operator.approvals required",
			}, nil
		},
	}

	e := newExecutor(t, coord, b, time.Hour)
	require.NoError(t, e.Run(context.Background(), "T1", nil))
	waitIdle(t, e)

	got := coord.snapshot()
	require.Len(t, got.completes, 1)
	assert.Empty(t, got.escalations, "only gateway failures are screened for approval")
}

func TestRunBackendErrorCompletesFailed(t *testing.T) {
	coord := &fakeCoordinator{
		claimPacket: packetJSON(t, Packet{TaskID: "T1", Prompt: &PromptSpec{Rendered: "p"}}),
	}
	b := &fakeBackend{
		id: "claude-cli",
		execute: func(ctx context.Context, req backend.Request) (*backend.Result, error) {
			return nil, errors.New("binary exploded")
		},
	}

	e := newExecutor(t, coord, b, time.Hour)
	require.NoError(t, e.Run(context.Background(), "T1", nil))
	waitIdle(t, e)

	got := coord.snapshot()
	require.Len(t, got.completes, 1)
	assert.Equal(t, wire.StatusFailed, got.completes[0].Status)
	assert.Equal(t, "binary exploded", got.completes[0].Output)
	assert.Empty(t, got.escalations)
}

func TestRunBusyTaskIsNotReclaimed(t *testing.T) {
	coord := &fakeCoordinator{
		claimPacket: packetJSON(t, Packet{TaskID: "T1", Prompt: &PromptSpec{Rendered: "p"}}),
	}
	started := make(chan struct{})
	release := make(chan struct{})
	b := &fakeBackend{
		id: "claude-cli",
		execute: func(ctx context.Context, req backend.Request) (*backend.Result, error) {
			close(started)
			<-release
			return &backend.Result{Status: backend.StatusDone, Output: "ok"}, nil
		},
	}

	e := newExecutor(t, coord, b, time.Hour)
	require.NoError(t, e.Run(context.Background(), "T1", nil))
	<-started

	// Second dispatch of the same id is a no-op while the first runs.
	require.NoError(t, e.Run(context.Background(), "T1", nil))
	assert.Equal(t, 1, coord.snapshot().claims)

	close(release)
	waitIdle(t, e)
	assert.Len(t, coord.snapshot().completes, 1)
}

func TestRunDistinctTasksExecuteConcurrently(t *testing.T) {
	coord := &fakeCoordinator{} // claim responses carry no packet; use listed
	hold := make(chan struct{})
	var running, peak atomic.Int32
	b := &fakeBackend{
		id: "claude-cli",
		execute: func(ctx context.Context, req backend.Request) (*backend.Result, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-hold
			running.Add(-1)
			return &backend.Result{Status: backend.StatusDone, Output: "ok"}, nil
		},
	}

	e := newExecutor(t, coord, b, time.Hour)
	ctx := context.Background()
	require.NoError(t, e.Run(ctx, "T1", packetJSON(t, Packet{TaskID: "T1", Prompt: &PromptSpec{Rendered: "a"}})))
	require.NoError(t, e.Run(ctx, "T2", packetJSON(t, Packet{TaskID: "T2", Prompt: &PromptSpec{Rendered: "b"}})))

	require.Eventually(t, func() bool { return running.Load() == 2 },
		5*time.Second, 5*time.Millisecond,
		"the second task must not wait for the first to finish")
	close(hold)
	waitIdle(t, e)

	assert.GreaterOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, coord.snapshot().completes, 2)
}

func TestNeedsApproval(t *testing.T) {
	assert.True(t, NeedsApproval("waiting on Exec.Approval gate"))
	assert.True(t, NeedsApproval("operator.approvals queue is full"))
	assert.True(t, NeedsApproval("needs APPROVAL from a human"))
	assert.False(t, NeedsApproval("disk full"))
	assert.False(t, NeedsApproval(""))
}

func TestEffectiveHeartbeat(t *testing.T) {
	assert.Equal(t, MinHeartbeatInterval, EffectiveHeartbeat(0))
	assert.Equal(t, MinHeartbeatInterval, EffectiveHeartbeat(3*time.Second))
	assert.Equal(t, 45*time.Second, EffectiveHeartbeat(45*time.Second))
}

func boolPtr(b bool) *bool { return &b }
