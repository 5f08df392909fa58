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
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePacketTopLevel(t *testing.T) {
	p, err := ParsePacket(json.RawMessage(`{
		"taskId": "T1",
		"type": "conductor-chat",
		"streamId": "s1",
		"goal": "summarize"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "T1", p.TaskID)
	assert.Equal(t, "conductor-chat", p.Type)
	assert.Equal(t, "s1", p.StreamID)
	assert.Equal(t, "summarize", p.Goal)
}

func TestParsePacketNestedWinsFieldByField(t *testing.T) {
	p, err := ParsePacket(json.RawMessage(`{
		"taskId": "outer",
		"streamId": "s-outer",
		"goal": "outer goal",
		"task": {
			"taskId": "inner",
			"threadId": "th-inner"
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "inner", p.TaskID, "nested identity wins")
	assert.Equal(t, "th-inner", p.ThreadID)
	assert.Equal(t, "s-outer", p.StreamID, "top-level fills nested gaps")
	assert.Equal(t, "outer goal", p.Goal)
}

func TestParsePacketNoTaskID(t *testing.T) {
	_, err := ParsePacket(json.RawMessage(`{"goal":"adrift"}`))
	assert.ErrorIs(t, err, ErrNoTaskID)
}

func TestParsePacketInvalidJSON(t *testing.T) {
	_, err := ParsePacket(json.RawMessage(`{nope`))
	assert.Error(t, err)
}

func TestBackendNamePrecedence(t *testing.T) {
	tests := []struct {
		name          string
		packet        Packet
		runnerDefault string
		want          string
	}{
		{
			name: "execution wins over prompt",
			packet: Packet{
				Execution: &ExecutionSpec{Backend: "codex"},
				Prompt:    &PromptSpec{Backend: "claude"},
			},
			runnerDefault: "pi",
			want:          "codex-cli",
		},
		{
			name:          "prompt wins over runner default",
			packet:        Packet{Prompt: &PromptSpec{Backend: "PI"}},
			runnerDefault: "claude-cli",
			want:          "pi",
		},
		{
			name:          "runner default",
			runnerDefault: "claude-code",
			want:          "claude-cli",
		},
		{
			name: "hard default",
			want: "claude-cli",
		},
		{
			name:   "unknown backend passes through lowered",
			packet: Packet{Execution: &ExecutionSpec{Backend: " Gateway "}},
			want:   "gateway",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.packet.BackendName(tt.runnerDefault))
		})
	}
}

func TestNormalizeBackendAliases(t *testing.T) {
	assert.Equal(t, "claude-cli", NormalizeBackend("Claude"))
	assert.Equal(t, "claude-cli", NormalizeBackend("claude-code"))
	assert.Equal(t, "codex-cli", NormalizeBackend("CODEX"))
	assert.Equal(t, "pi", NormalizeBackend("PI"))
	assert.Equal(t, "gateway", NormalizeBackend("gateway"))
}

func TestRenderPromptPrefersRendered(t *testing.T) {
	p := Packet{
		TaskID: "T1",
		Prompt: &PromptSpec{Rendered: "do the thing"},
		PromptPlan: &PromptPlan{
			Template: "ignored",
		},
	}
	assert.Equal(t, "do the thing", p.RenderPrompt())
}

func TestRenderPromptSynthesized(t *testing.T) {
	p := Packet{
		TaskID: "T2",
		Goal:   "ship it",
		PromptPlan: &PromptPlan{
			Template: "You are a runner.",
			Vars:     map[string]any{"repo": "flux"},
		},
		Context: map[string]any{"branch": "main"},
	}
	got := p.RenderPrompt()

	parts := strings.Split(got, "\n\n")
	require.Len(t, parts, 4)
	assert.Equal(t, "You are a runner.", parts[0])
	assert.Contains(t, parts[1], `"repo":"flux"`)
	assert.Contains(t, parts[2], `"branch":"main"`)
	assert.Contains(t, parts[3], `"taskId":"T2"`)
	assert.Contains(t, parts[3], `"goal":"ship it"`)
}

func TestTimeoutResolution(t *testing.T) {
	assert.Equal(t, DefaultTimeout, (&Packet{}).Timeout())

	p := &Packet{Policy: &PolicySpec{TaskTimeoutSeconds: 120}}
	assert.Equal(t, 2*time.Minute, p.Timeout())

	p.Execution = &ExecutionSpec{TimeoutSec: 30}
	assert.Equal(t, 30*time.Second, p.Timeout(), "execution cap wins over policy")
}

func TestHeartbeatRequired(t *testing.T) {
	assert.True(t, (&Packet{}).HeartbeatRequired())

	off := false
	p := &Packet{Policy: &PolicySpec{HeartbeatRequired: &off}}
	assert.False(t, p.HeartbeatRequired())

	on := true
	p.Policy.HeartbeatRequired = &on
	assert.True(t, p.HeartbeatRequired())
}
