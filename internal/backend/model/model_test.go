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

package model

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxkit/flux/internal/backend"
	"github.com/fluxkit/flux/internal/llm"
)

type fakeProvider struct {
	name     string
	complete func(ctx context.Context, req llm.Request) (*llm.Completion, error)
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	return f.complete(ctx, req)
}

func newBackend(p llm.Provider) *Backend {
	return New(Config{
		DefaultModel: "anthropic/claude-sonnet-4",
		NewProvider: func(ctx context.Context, provider string) (llm.Provider, error) {
			return p, nil
		},
	})
}

func TestExecuteDone(t *testing.T) {
	var gotReq llm.Request
	b := newBackend(&fakeProvider{
		name: "anthropic",
		complete: func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
			gotReq = req
			return &llm.Completion{
				Text:         "  the answer \n",
				StopReason:   "end_turn",
				InputTokens:  100,
				OutputTokens: 28,
			}, nil
		},
	})

	res, err := b.Execute(context.Background(), backend.Request{
		TaskID: "T1",
		Prompt: "compute",
	})
	require.NoError(t, err)
	assert.Equal(t, backend.StatusDone, res.Status)
	assert.Equal(t, "the answer", res.Output)
	assert.Contains(t, res.Detail, "end_turn")
	assert.Equal(t, 128, res.TokensUsed, "input and output tokens are summed")
	assert.Equal(t, "claude-sonnet-4", gotReq.Model, "provider prefix stripped")
	assert.Equal(t, "compute", gotReq.Prompt)
	assert.NotEmpty(t, gotReq.System)
}

func TestExecutePacketModelOverridesDefault(t *testing.T) {
	var gotReq llm.Request
	b := newBackend(&fakeProvider{
		name: "openai",
		complete: func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
			gotReq = req
			return &llm.Completion{Text: "ok", StopReason: "stop"}, nil
		},
	})

	_, err := b.Execute(context.Background(), backend.Request{
		TaskID: "T1",
		Prompt: "p",
		Model:  "openai/gpt-4o",
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", gotReq.Model)
}

func TestExecuteTruncatedIsFailed(t *testing.T) {
	b := newBackend(&fakeProvider{
		name: "anthropic",
		complete: func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
			return &llm.Completion{Text: "partial", StopReason: "max_tokens"}, nil
		},
	})

	res, err := b.Execute(context.Background(), backend.Request{TaskID: "T1", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, backend.StatusFailed, res.Status)
	assert.Contains(t, res.Output, "truncated")
	assert.Contains(t, res.Output, "max_tokens")
	assert.Equal(t, "partial", res.Detail)
}

func TestExecuteTimeoutMessage(t *testing.T) {
	b := newBackend(&fakeProvider{
		name: "anthropic",
		complete: func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	ctx, cancel := context.WithCancelCause(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, func() { cancel(backend.ErrTimeout) })
	defer timer.Stop()
	defer cancel(nil)

	res, err := b.Execute(ctx, backend.Request{
		TaskID:  "T1",
		Prompt:  "p",
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, backend.StatusFailed, res.Status)
	assert.Equal(t, "timed out after 50ms", res.Output)
}

func TestExecuteExternalCancelIsCancelled(t *testing.T) {
	b := newBackend(&fakeProvider{
		name: "anthropic",
		complete: func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	ctx, cancel := context.WithCancelCause(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, func() { cancel(backend.ErrServerAbort) })
	defer timer.Stop()
	defer cancel(nil)

	res, err := b.Execute(ctx, backend.Request{TaskID: "T1", Prompt: "p", Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCancelled, res.Status)
	assert.Equal(t, "cancelled by coordinator", res.Output)
}

func TestExecuteProviderErrorIsFailed(t *testing.T) {
	b := newBackend(&fakeProvider{
		name: "anthropic",
		complete: func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
			return nil, errors.New("rate limited")
		},
	})

	res, err := b.Execute(context.Background(), backend.Request{TaskID: "T1", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, backend.StatusFailed, res.Status)
	assert.Equal(t, "rate limited", res.Output)
}

const addressSchema = `{
	"type": "object",
	"required": ["city", "zip"],
	"properties": {
		"city": {"type": "string"},
		"zip": {"type": "string"}
	}
}`

func TestExecuteSchemaValidation(t *testing.T) {
	reply := `{"city": "Berlin", "zip": "10115"}`
	b := newBackend(&fakeProvider{
		name: "anthropic",
		complete: func(ctx context.Context, req llm.Request) (*llm.Completion, error) {
			assert.Contains(t, req.System, "schema")
			return &llm.Completion{Text: reply, StopReason: "end_turn"}, nil
		},
	})

	res, err := b.Execute(context.Background(), backend.Request{
		TaskID:           "T1",
		Prompt:           "p",
		OutputSchemaJSON: addressSchema,
	})
	require.NoError(t, err)
	assert.Equal(t, backend.StatusDone, res.Status)
	assert.Equal(t, reply, res.Output)

	reply = `{"city": 7}`
	res, err = b.Execute(context.Background(), backend.Request{
		TaskID:           "T1",
		Prompt:           "p",
		OutputSchemaJSON: addressSchema,
	})
	require.NoError(t, err)
	assert.Equal(t, backend.StatusFailed, res.Status)
	assert.Contains(t, res.Output, "validation failed")
	assert.Equal(t, `{"city": 7}`, res.Detail)
}

func TestValidateOutput(t *testing.T) {
	assert.Empty(t, ValidateOutput(`{"city":"x","zip":"1"}`, addressSchema))

	got := ValidateOutput(`not json`, addressSchema)
	assert.Contains(t, got, "output is not valid JSON")

	got = ValidateOutput(`{"city":1}`, addressSchema)
	assert.True(t, strings.HasPrefix(got, "Output validation failed"), got)

	got = ValidateOutput(`{}`, `{bad schema`)
	assert.Contains(t, got, "schema is not valid JSON")
}

func TestValidateOutputCapsErrorPaths(t *testing.T) {
	schema := `{
		"type": "object",
		"properties": {
			"a": {"type": "string"},
			"b": {"type": "string"},
			"c": {"type": "string"},
			"d": {"type": "string"},
			"e": {"type": "string"}
		}
	}`
	got := ValidateOutput(`{"a":1,"b":2,"c":3,"d":4,"e":5}`, schema)
	require.NotEmpty(t, got)
	// At most three offending paths are named.
	assert.LessOrEqual(t, strings.Count(got, "/"), maxErrorPaths)
}
