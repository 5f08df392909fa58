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

// Package task defines the coordinator task packet and the per-task
// execution state machine.
package task

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/fluxkit/flux/internal/backend"
)

// DefaultTimeout is the hard per-task cap when neither the packet nor its
// policy specifies one.
const DefaultTimeout = 600 * time.Second

// DefaultBackendName is the backend of last resort.
const DefaultBackendName = "claude-cli"

// PromptSpec carries a pre-rendered prompt.
type PromptSpec struct {
	Rendered string `json:"rendered,omitempty"`
	Backend  string `json:"backend,omitempty"`
}

// PromptPlan is the fallback prompt synthesis input.
type PromptPlan struct {
	Template string         `json:"template,omitempty"`
	Vars     map[string]any `json:"vars,omitempty"`
}

// ExecutionSpec carries backend selection and execution constraints.
type ExecutionSpec struct {
	Backend          string   `json:"backend,omitempty"`
	Model            string   `json:"model,omitempty"`
	TimeoutSec       int      `json:"timeoutSec,omitempty"`
	OutputSchemaJSON string   `json:"outputSchemaJson,omitempty"`
	AllowedTools     []string `json:"allowedTools,omitempty"`
}

// PolicySpec carries coordinator policy for a task.
type PolicySpec struct {
	HeartbeatRequired  *bool `json:"heartbeatRequired,omitempty"`
	TaskTimeoutSeconds int   `json:"taskTimeoutSeconds,omitempty"`
}

// Packet is the immutable task descriptor received from the coordinator.
type Packet struct {
	TaskID   string `json:"taskId"`
	Type     string `json:"type,omitempty"`
	StreamID string `json:"streamId,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
	Goal     string `json:"goal,omitempty"`
	Input    string `json:"input,omitempty"`

	Prompt     *PromptSpec    `json:"prompt,omitempty"`
	PromptPlan *PromptPlan    `json:"promptPlan,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Execution  *ExecutionSpec `json:"execution,omitempty"`
	Policy     *PolicySpec    `json:"policy,omitempty"`
}

// ErrNoTaskID marks a packet that carries no task identity in either shape.
var ErrNoTaskID = errors.New("packet carries no taskId")

// ParsePacket decodes a raw coordinator packet. Identity and context fields
// may appear nested under a "task" sub-structure or at the top level; the
// nested shape wins field by field, with top-level values as fallback.
func ParsePacket(raw json.RawMessage) (*Packet, error) {
	var top Packet
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, err
	}
	var envelope struct {
		Task *Packet `json:"task,omitempty"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}

	p := &top
	if envelope.Task != nil {
		merged := *envelope.Task
		fillMissing(&merged, &top)
		p = &merged
	}
	if p.TaskID == "" {
		return nil, ErrNoTaskID
	}
	return p, nil
}

// fillMissing copies top-level values into the nested packet for any field
// the nested shape left empty.
func fillMissing(dst, src *Packet) {
	if dst.TaskID == "" {
		dst.TaskID = src.TaskID
	}
	if dst.Type == "" {
		dst.Type = src.Type
	}
	if dst.StreamID == "" {
		dst.StreamID = src.StreamID
	}
	if dst.ThreadID == "" {
		dst.ThreadID = src.ThreadID
	}
	if dst.Goal == "" {
		dst.Goal = src.Goal
	}
	if dst.Input == "" {
		dst.Input = src.Input
	}
	if dst.Prompt == nil {
		dst.Prompt = src.Prompt
	}
	if dst.PromptPlan == nil {
		dst.PromptPlan = src.PromptPlan
	}
	if dst.Context == nil {
		dst.Context = src.Context
	}
	if dst.Execution == nil {
		dst.Execution = src.Execution
	}
	if dst.Policy == nil {
		dst.Policy = src.Policy
	}
}

// BackendName resolves the preferred backend for the packet. Precedence:
// execution.backend, then prompt.backend, then the runner default, then
// "claude-cli". The result is alias-normalized.
func (p *Packet) BackendName(runnerDefault string) string {
	name := ""
	if p.Execution != nil && p.Execution.Backend != "" {
		name = p.Execution.Backend
	} else if p.Prompt != nil && p.Prompt.Backend != "" {
		name = p.Prompt.Backend
	} else if runnerDefault != "" {
		name = runnerDefault
	} else {
		name = DefaultBackendName
	}
	return NormalizeBackend(name)
}

// NormalizeBackend folds known backend aliases, case-insensitively.
func NormalizeBackend(name string) string {
	return backend.Normalize(name)
}

// RenderPrompt produces the prompt text for the packet. A pre-rendered
// prompt is used verbatim; otherwise the prompt-plan template, its vars,
// the context, and the task shape are concatenated with blank lines.
func (p *Packet) RenderPrompt() string {
	if p.Prompt != nil && p.Prompt.Rendered != "" {
		return p.Prompt.Rendered
	}

	var parts []string
	if p.PromptPlan != nil && p.PromptPlan.Template != "" {
		parts = append(parts, p.PromptPlan.Template)
	}
	if p.PromptPlan != nil && len(p.PromptPlan.Vars) > 0 {
		if data, err := json.Marshal(p.PromptPlan.Vars); err == nil {
			parts = append(parts, string(data))
		}
	}
	if len(p.Context) > 0 {
		if data, err := json.Marshal(p.Context); err == nil {
			parts = append(parts, string(data))
		}
	}
	shape := map[string]any{
		"taskId":   p.TaskID,
		"type":     p.Type,
		"streamId": p.StreamID,
		"threadId": p.ThreadID,
		"goal":     p.Goal,
		"input":    p.Input,
	}
	if data, err := json.Marshal(shape); err == nil {
		parts = append(parts, string(data))
	}
	return strings.Join(parts, "\n\n")
}

// Timeout resolves the per-task execution cap: execution.timeoutSec, then
// policy.taskTimeoutSeconds, then the hard default.
func (p *Packet) Timeout() time.Duration {
	if p.Execution != nil && p.Execution.TimeoutSec > 0 {
		return time.Duration(p.Execution.TimeoutSec) * time.Second
	}
	if p.Policy != nil && p.Policy.TaskTimeoutSeconds > 0 {
		return time.Duration(p.Policy.TaskTimeoutSeconds) * time.Second
	}
	return DefaultTimeout
}

// HeartbeatRequired reports whether the heartbeat timer runs during
// execution. Default true; only an explicit policy false suppresses it.
func (p *Packet) HeartbeatRequired() bool {
	if p.Policy != nil && p.Policy.HeartbeatRequired != nil {
		return *p.Policy.HeartbeatRequired
	}
	return true
}

// Model returns the backend-specific model id, when set.
func (p *Packet) Model() string {
	if p.Execution != nil {
		return p.Execution.Model
	}
	return ""
}

// AllowedTools returns the tool whitelist passed to subprocess backends.
func (p *Packet) AllowedTools() []string {
	if p.Execution != nil {
		return p.Execution.AllowedTools
	}
	return nil
}

// OutputSchemaJSON returns the optional JSON schema applied to successful
// output.
func (p *Packet) OutputSchemaJSON() string {
	if p.Execution != nil {
		return p.Execution.OutputSchemaJSON
	}
	return ""
}
