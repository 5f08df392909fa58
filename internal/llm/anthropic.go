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

package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	internallog "github.com/fluxkit/flux/internal/log"
)

// Anthropic is the Messages API provider.
type Anthropic struct {
	client sdk.Client
	logger *slog.Logger
}

// NewAnthropic creates the Anthropic provider from credentials. A key is
// mandatory unless the base URL points at a local server.
func NewAnthropic(creds *Credentials, logger *slog.Logger) (*Anthropic, error) {
	if creds == nil {
		creds = &Credentials{}
	}
	if creds.APIKey == "" && RequiresAPIKey("anthropic", creds.BaseURL) {
		return nil, errors.New("anthropic: API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var opts []option.RequestOption
	if creds.APIKey != "" {
		opts = append(opts, option.WithAPIKey(creds.APIKey))
	}
	if creds.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(creds.BaseURL))
	}
	return &Anthropic{
		client: sdk.NewClient(opts...),
		logger: internallog.WithComponent(logger, "llm.anthropic"),
	}, nil
}

// Name returns "anthropic".
func (a *Anthropic) Name() string { return "anthropic" }

// Complete streams one Messages request and accumulates the text.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     sdk.Model(req.Model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text strings.Builder
		out  Completion
	)
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok {
				text.WriteString(delta.Text)
			}
		case sdk.MessageDeltaEvent:
			out.StopReason = string(ev.Delta.StopReason)
			out.InputTokens = int(ev.Usage.InputTokens)
			out.OutputTokens = int(ev.Usage.OutputTokens)
		case sdk.MessageStopEvent:
			// Terminal event; the iterator ends after this.
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	out.Text = text.String()
	internallog.Trace(a.logger, "completion finished",
		internallog.String("stop_reason", out.StopReason),
		internallog.Int("output_tokens", out.OutputTokens))
	return &out, nil
}
