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

package wire

import "encoding/json"

// Identity carries the runner metadata attached to handshake, claim, and
// ticket requests.
type Identity struct {
	RunnerType       string `json:"runnerType"`
	RunnerVersion    string `json:"runnerVersion"`
	MachineID        string `json:"machineId"`
	RunnerInstanceID string `json:"runnerInstanceId"`
	OrgID            string `json:"orgId,omitempty"`
}

// WhoAmI is the response of GET /whoami.
type WhoAmI struct {
	Agent struct {
		ID   string `json:"id"`
		Slug string `json:"slug"`
		Name string `json:"name"`
	} `json:"agent"`
	Server struct {
		Version string `json:"version"`
	} `json:"server"`
}

// HandshakeRequest is the body of POST /handshake.
type HandshakeRequest struct {
	RunnerType       string `json:"runnerType"`
	RunnerVersion    string `json:"runnerVersion"`
	MachineID        string `json:"machineId"`
	RunnerInstanceID string `json:"runnerInstanceId"`
	Backend          string `json:"backend,omitempty"`
}

// PushConfig describes how the coordinator wants to deliver task nudges.
type PushConfig struct {
	// WSURL is the push websocket URL. Nil or empty means polling only.
	WSURL *string `json:"wsUrl"`
	// Mode is "websocket" or "polling".
	Mode string `json:"mode"`
}

// HandshakeConfig is the optional config block of the handshake response.
type HandshakeConfig struct {
	Push *PushConfig `json:"push,omitempty"`
}

// HandshakeResponse is the response of POST /handshake.
type HandshakeResponse struct {
	AgentID   string           `json:"agentId"`
	AgentName string           `json:"agentName"`
	Config    *HandshakeConfig `json:"config,omitempty"`
}

// TaskFilters restrict task listing.
type TaskFilters struct {
	StreamID  string
	Backend   string
	CostClass string
}

// ListTasksParams are the query parameters of GET /tasks.
type ListTasksParams struct {
	Status  string
	Limit   int
	Mode    string
	Format  string
	Filters TaskFilters
}

// TaskPage is one page of GET /tasks results. Task packets are kept raw;
// the executor owns packet interpretation.
type TaskPage struct {
	Tasks           []json.RawMessage `json:"tasks"`
	NextPollSeconds int               `json:"nextPollSeconds,omitempty"`
}

// ClaimResult is the response of POST /tasks/{id}/claim.
type ClaimResult struct {
	SessionID string          `json:"sessionId"`
	Packet    json.RawMessage `json:"packet,omitempty"`
}

// HeartbeatRequest is the body of POST /tasks/{id}/heartbeat.
type HeartbeatRequest struct {
	SessionID string `json:"sessionId"`
	Phase     string `json:"phase,omitempty"`
	Progress  any    `json:"progress,omitempty"`
}

// HeartbeatResult is the response of POST /tasks/{id}/heartbeat.
type HeartbeatResult struct {
	ShouldAbort   bool   `json:"shouldAbort"`
	CancelPending bool   `json:"cancelPending,omitempty"`
	CancelReason  string `json:"cancelReason,omitempty"`
}

// CompletionStatus is the terminal status reported to the coordinator.
type CompletionStatus string

const (
	StatusDone      CompletionStatus = "done"
	StatusFailed    CompletionStatus = "failed"
	StatusCancelled CompletionStatus = "cancelled"
)

// CompletionReport is the body of POST /tasks/{id}/complete.
type CompletionReport struct {
	SessionID  string           `json:"sessionId"`
	Status     CompletionStatus `json:"status"`
	Output     string           `json:"output"`
	Detail     string           `json:"detail,omitempty"`
	TokensUsed int              `json:"tokensUsed,omitempty"`
	CostUSD    float64          `json:"costUsd,omitempty"`
	DurationMS int64            `json:"durationMs,omitempty"`
}

// EscalationRequest is the body of POST /tasks/{id}/escalate.
type EscalationRequest struct {
	SessionID       string `json:"sessionId"`
	Reason          string `json:"reason"`
	SuggestedAction string `json:"suggestedAction,omitempty"`
}

// TicketRequest is the body of the push-ticket mint call.
type TicketRequest struct {
	Identity
	StreamID  string `json:"streamId,omitempty"`
	Backend   string `json:"backend,omitempty"`
	CostClass string `json:"costClass,omitempty"`
}

// Stream is one entry of GET /streams.
type Stream struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// AccessGrant is the response of POST /access/redeem.
type AccessGrant struct {
	Token string `json:"token"`
	OrgID string `json:"orgId,omitempty"`
}
