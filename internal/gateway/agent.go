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

package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// minAgentTimeout is the floor on the client-side deadline for agent
// calls.
const minAgentTimeout = 30 * time.Second

// AgentParams describe one remote agent invocation.
type AgentParams struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId,omitempty"`

	// Timeout is the server-side execution limit in seconds.
	Timeout int `json:"timeout,omitempty"`

	Deliver   string `json:"deliver,omitempty"`
	Channel   string `json:"channel,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`

	// IdempotencyKey deduplicates retried invocations. Filled in by Agent
	// when empty.
	IdempotencyKey string `json:"idempotencyKey"`
}

// AgentPayload is one output payload of an agent reply.
type AgentPayload struct {
	Text    string
	IsError bool
}

// AgentResult is the defensively-extracted result of an agent call.
type AgentResult struct {
	Payloads   []AgentPayload
	Model      string
	Provider   string
	DurationMS int64

	// TotalTokens and CostUSD are the gateway's usage report, zero when
	// it sends none.
	TotalTokens int
	CostUSD     float64

	// Aborted is set when the gateway reports the run was aborted.
	Aborted bool
}

// Agent invokes a remote agent and waits for its final response. The
// client-side deadline is the server budget plus slack, never under thirty
// seconds; intermediate "accepted" acknowledgements are skipped.
func (c *Client) Agent(ctx context.Context, params AgentParams) (*AgentResult, error) {
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = uuid.NewString()
	}

	timeout := minAgentTimeout
	if budget := time.Duration(params.Timeout)*time.Second + 30*time.Second; budget > timeout {
		timeout = budget
	}

	payload, err := c.Call(ctx, "agent", params, timeout, true)
	if err != nil {
		return nil, err
	}
	return parseAgentResult(payload), nil
}

// parseAgentResult extracts the agent reply without trusting its shape:
// every field is independently type-checked, and anything unrecognized is
// dropped rather than fatal.
func parseAgentResult(payload json.RawMessage) *AgentResult {
	res := &AgentResult{}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return res
	}

	var status string
	if raw, ok := top["status"]; ok {
		_ = json.Unmarshal(raw, &status)
	}
	res.Aborted = status == "aborted"

	raw, ok := top["result"]
	if !ok {
		return res
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(raw, &result); err != nil {
		return res
	}

	if raw, ok := result["payloads"]; ok {
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &items); err == nil {
			for _, item := range items {
				var p AgentPayload
				if raw, ok := item["text"]; ok {
					_ = json.Unmarshal(raw, &p.Text)
				}
				if raw, ok := item["isError"]; ok {
					_ = json.Unmarshal(raw, &p.IsError)
				}
				res.Payloads = append(res.Payloads, p)
			}
		}
	}
	if raw, ok := result["model"]; ok {
		_ = json.Unmarshal(raw, &res.Model)
	}
	if raw, ok := result["provider"]; ok {
		_ = json.Unmarshal(raw, &res.Provider)
	}
	if raw, ok := result["durationMs"]; ok {
		var ms float64
		if err := json.Unmarshal(raw, &ms); err == nil {
			res.DurationMS = int64(ms)
		}
	}
	if raw, ok := result["usage"]; ok {
		var usage struct {
			TotalTokens float64 `json:"totalTokens"`
			Cost        struct {
				Total float64 `json:"total"`
			} `json:"cost"`
		}
		if err := json.Unmarshal(raw, &usage); err == nil {
			res.TotalTokens = int(usage.TotalTokens)
			res.CostUSD = usage.Cost.Total
		}
	}
	if raw, ok := result["aborted"]; ok {
		var aborted bool
		if err := json.Unmarshal(raw, &aborted); err == nil && aborted {
			res.Aborted = true
		}
	}
	return res
}
