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

// Package llm provides a provider-agnostic interface for hosted model
// completions, backed by the Anthropic, OpenAI-compatible, and Bedrock
// SDKs.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultMaxTokens bounds a completion when the caller does not.
const DefaultMaxTokens = 4096

// Request is one single-turn completion request.
type Request struct {
	// Model is the provider-specific model identifier.
	Model string

	// System is the optional system prompt.
	System string

	// Prompt is the user turn.
	Prompt string

	// MaxTokens limits the response length. Zero means DefaultMaxTokens.
	MaxTokens int
}

// Completion is the accumulated result of one streamed completion.
type Completion struct {
	// Text is the concatenated assistant output.
	Text string

	// StopReason is the provider's stop reason, normalized to its string
	// form (e.g. "end_turn", "max_tokens", "stop").
	StopReason string

	// InputTokens and OutputTokens are usage counts when the provider
	// reports them, zero otherwise.
	InputTokens  int
	OutputTokens int
}

// Provider is a hosted model capable of single-turn completions. All
// implementations stream internally and honor ctx cancellation mid-stream.
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai",
	// "bedrock").
	Name() string

	// Complete runs one completion to the end of the stream.
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// ParseModelRef splits a "provider/model" reference. A bare model name
// maps to the default provider; a leading provider segment is recognized
// only when it names a known provider, so model ids containing slashes
// still resolve.
func ParseModelRef(ref, defaultProvider string) (provider, model string) {
	provider = defaultProvider
	model = strings.TrimSpace(ref)
	if provider == "" {
		provider = "anthropic"
	}
	before, after, found := strings.Cut(model, "/")
	if !found {
		return provider, model
	}
	switch strings.ToLower(before) {
	case "anthropic", "openai", "bedrock":
		return strings.ToLower(before), after
	default:
		return provider, model
	}
}

// NewProvider builds the named provider from resolved credentials.
func NewProvider(ctx context.Context, name string, creds *Credentials, logger *slog.Logger) (Provider, error) {
	switch strings.ToLower(name) {
	case "anthropic":
		return NewAnthropic(creds, logger)
	case "openai":
		return NewOpenAI(creds, logger)
	case "bedrock":
		return NewBedrock(ctx, logger)
	default:
		return nil, fmt.Errorf("unknown model provider %q", name)
	}
}
