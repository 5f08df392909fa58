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

// Package model executes tasks in process against a hosted model, with no
// agent CLI in the path.
package model

import (
	"context"
	"log/slog"
	"strings"

	"github.com/fluxkit/flux/internal/backend"
	"github.com/fluxkit/flux/internal/llm"
	internallog "github.com/fluxkit/flux/internal/log"
)

// ID is the canonical backend name.
const ID = "pi"

// defaultSystem frames single-shot task execution for the model.
const defaultSystem = "You are a task runner. Complete the task described below and reply with the result only."

// Config configures the model backend.
type Config struct {
	// ConfigDir is where provider credentials are resolved from.
	ConfigDir string

	// DefaultModel is used when the packet names none, e.g.
	// "anthropic/claude-sonnet-4-20250514".
	DefaultModel string

	// DefaultProvider resolves bare model names. Empty means "anthropic".
	DefaultProvider string

	Logger *slog.Logger

	// NewProvider overrides provider construction, for tests. The default
	// resolves credentials from ConfigDir and builds the real SDK client.
	NewProvider func(ctx context.Context, provider string) (llm.Provider, error)
}

// Backend runs tasks directly against a hosted model.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

// New creates the model backend.
func New(cfg Config) *Backend {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
	b := &Backend{
		cfg:    cfg,
		logger: internallog.WithComponent(cfg.Logger, ID),
	}
	if b.cfg.NewProvider == nil {
		b.cfg.NewProvider = b.buildProvider
	}
	return b
}

// ID returns "pi".
func (b *Backend) ID() string { return ID }

// CanExecute reports whether the default provider is usable with the
// credentials currently on disk or in the environment.
func (b *Backend) CanExecute(ctx context.Context) bool {
	provider, _ := llm.ParseModelRef(b.cfg.DefaultModel, b.cfg.DefaultProvider)
	if !llm.RequiresAPIKey(provider, "") {
		return true
	}
	creds, err := llm.ResolveCredentials(b.cfg.ConfigDir, provider)
	if err != nil {
		return false
	}
	return creds.APIKey != "" || llm.IsLoopback(creds.BaseURL)
}

// Execute runs one completion, applies the optional output schema, and
// maps stop reasons to a terminal status.
func (b *Backend) Execute(ctx context.Context, req backend.Request) (*backend.Result, error) {
	ref := req.Model
	if ref == "" {
		ref = b.cfg.DefaultModel
	}
	providerName, modelID := llm.ParseModelRef(ref, b.cfg.DefaultProvider)

	provider, err := b.cfg.NewProvider(ctx, providerName)
	if err != nil {
		return &backend.Result{Status: backend.StatusFailed, Output: err.Error()}, nil
	}

	system := defaultSystem
	if req.OutputSchemaJSON != "" {
		system += " Reply with a single JSON document matching the required output schema."
	}

	completion, err := provider.Complete(ctx, llm.Request{
		Model:  modelID,
		System: system,
		Prompt: req.Prompt,
	})
	if err != nil {
		if ctx.Err() != nil {
			status, msg := backend.CancelStatus(ctx, req.Timeout)
			return &backend.Result{Status: status, Output: msg}, nil
		}
		return &backend.Result{Status: backend.StatusFailed, Output: err.Error()}, nil
	}

	if truncated(completion.StopReason) {
		return &backend.Result{
			Status: backend.StatusFailed,
			Output: "model output truncated (stop reason " + completion.StopReason + ")",
			Detail: completion.Text,
		}, nil
	}

	output := strings.TrimSpace(completion.Text)
	if req.OutputSchemaJSON != "" {
		if verr := ValidateOutput(output, req.OutputSchemaJSON); verr != "" {
			return &backend.Result{
				Status: backend.StatusFailed,
				Output: verr,
				Detail: output,
			}, nil
		}
	}

	return &backend.Result{
		Status:     backend.StatusDone,
		Output:     output,
		Detail:     "stop reason " + completion.StopReason,
		TokensUsed: completion.InputTokens + completion.OutputTokens,
	}, nil
}

func (b *Backend) buildProvider(ctx context.Context, provider string) (llm.Provider, error) {
	creds, err := llm.ResolveCredentials(b.cfg.ConfigDir, provider)
	if err != nil {
		return nil, err
	}
	return llm.NewProvider(ctx, provider, creds, b.cfg.Logger)
}

// truncated reports whether a stop reason means the answer was cut short.
func truncated(stopReason string) bool {
	switch strings.ToLower(stopReason) {
	case "max_tokens", "length":
		return true
	default:
		return false
	}
}
