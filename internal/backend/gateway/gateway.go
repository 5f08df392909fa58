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

// Package gateway adapts the remote agent gateway into an execution
// backend. Its main responsibility is deriving a stable session key from
// the task shape so related tasks land in the same conversation context.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fluxkit/flux/internal/backend"
	gw "github.com/fluxkit/flux/internal/gateway"
	internallog "github.com/fluxkit/flux/internal/log"
)

// ID is the canonical backend name.
const ID = "gateway"

const (
	defaultAgentID = "main"
	emptyResponse  = "(empty response)"
)

// Caller is the slice of the gateway client this backend needs.
type Caller interface {
	EnsureConnected(ctx context.Context) error
	Agent(ctx context.Context, params gw.AgentParams) (*gw.AgentResult, error)
}

// Config configures the gateway backend.
type Config struct {
	// Client is the shared gateway connection.
	Client Caller

	// OrgID scopes session keys to the coordinator organization.
	OrgID string

	// AgentID selects the remote agent. Empty means "main".
	AgentID string

	Logger *slog.Logger
}

// Backend executes tasks against a remote agent over the gateway.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

// New creates the gateway backend.
func New(cfg Config) *Backend {
	if cfg.AgentID == "" {
		cfg.AgentID = defaultAgentID
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Backend{
		cfg:    cfg,
		logger: internallog.WithComponent(cfg.Logger, "backend.gateway"),
	}
}

func (b *Backend) ID() string { return ID }

// CanExecute reports whether the gateway connection is up or can be
// brought up.
func (b *Backend) CanExecute(ctx context.Context) bool {
	if err := b.cfg.Client.EnsureConnected(ctx); err != nil {
		internallog.Trace(b.logger, "gateway unavailable", internallog.Error(err))
		return false
	}
	return true
}

// Execute invokes the remote agent and maps its reply to a terminal
// result. The pending request is raced against ctx by the client, so a
// server abort or timeout settles promptly.
func (b *Backend) Execute(ctx context.Context, req backend.Request) (*backend.Result, error) {
	if err := b.cfg.Client.EnsureConnected(ctx); err != nil {
		return nil, fmt.Errorf("gateway connect: %w", err)
	}

	key := b.SessionKey(req)
	b.logger.Debug("invoking remote agent",
		internallog.String("task_id", req.TaskID),
		internallog.String("session_key", key))

	res, err := b.cfg.Client.Agent(ctx, gw.AgentParams{
		Message:    req.Prompt,
		SessionKey: key,
		AgentID:    b.cfg.AgentID,
		Timeout:    int(req.Timeout / time.Second),
		ThreadID:   req.ThreadID,
	})
	if err != nil {
		if ctx.Err() != nil {
			status, msg := backend.CancelStatus(ctx, req.Timeout)
			return &backend.Result{Status: status, Output: msg}, nil
		}
		return &backend.Result{Status: backend.StatusFailed, Output: err.Error()}, nil
	}

	output, hadError := joinPayloads(res.Payloads)
	if output == "" {
		output = emptyResponse
	}

	status := backend.StatusDone
	switch {
	case hadError:
		status = backend.StatusFailed
	case res.Aborted:
		status = backend.StatusCancelled
		if ctx.Err() != nil {
			status, output = backend.CancelStatus(ctx, req.Timeout)
		}
	}

	return &backend.Result{
		Status:     status,
		Output:     output,
		Detail:     resultDetail(res),
		TokensUsed: res.TotalTokens,
		CostUSD:    res.CostUSD,
	}, nil
}

// SessionKey derives the conversation key for a task. Chat tasks key on
// their thread, cadence tasks on their cadence identity, and everything
// else shares a per-stream task context.
func (b *Backend) SessionKey(req backend.Request) string {
	stream := req.StreamID
	if stream == "" {
		stream = "unknown-stream"
	}
	base := fmt.Sprintf("agent:%s:flux:org:%s:stream:%s", b.cfg.AgentID, b.cfg.OrgID, stream)

	switch req.TaskType {
	case "conductor-chat":
		thread := req.ThreadID
		if thread == "" {
			thread = "main"
		}
		return base + ":thread:" + thread
	case "cadence":
		return base + ":cadence:" + cadenceKey(req.Input)
	default:
		return base + ":task"
	}
}

// cadenceKey extracts the cadence identity from the task input, falling
// back to "tick" when the input carries none.
func cadenceKey(input string) string {
	var body struct {
		CadenceKey string `json:"cadenceKey"`
	}
	if err := json.Unmarshal([]byte(input), &body); err == nil && body.CadenceKey != "" {
		return body.CadenceKey
	}
	return "tick"
}

// joinPayloads concatenates non-empty payload texts with blank lines and
// reports whether any payload was flagged as an error.
func joinPayloads(payloads []gw.AgentPayload) (string, bool) {
	var parts []string
	hadError := false
	for _, p := range payloads {
		if p.IsError {
			hadError = true
		}
		if text := strings.TrimSpace(p.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), hadError
}

func resultDetail(res *gw.AgentResult) string {
	var parts []string
	if res.Model != "" {
		parts = append(parts, "model "+res.Model)
	}
	if res.Provider != "" {
		parts = append(parts, "provider "+res.Provider)
	}
	if res.DurationMS > 0 {
		parts = append(parts, fmt.Sprintf("%dms", res.DurationMS))
	}
	return strings.Join(parts, ", ")
}
