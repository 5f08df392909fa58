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
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	internallog "github.com/fluxkit/flux/internal/log"
)

// OpenAI is the Chat Completions provider. With a loopback base URL it
// also fronts local OpenAI-compatible servers, which need no API key.
type OpenAI struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAI creates the OpenAI provider from credentials.
func NewOpenAI(creds *Credentials, logger *slog.Logger) (*OpenAI, error) {
	if creds == nil {
		creds = &Credentials{}
	}
	if creds.APIKey == "" && RequiresAPIKey("openai", creds.BaseURL) {
		return nil, errors.New("openai: API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := openai.DefaultConfig(creds.APIKey)
	if creds.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(creds.BaseURL, "/")
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		logger: internallog.WithComponent(logger, "llm.openai"),
	}, nil
}

// Name returns "openai".
func (o *OpenAI) Name() string { return "openai" }

// Complete streams one chat completion and accumulates the text.
func (o *OpenAI) Complete(ctx context.Context, req Request) (*Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var (
		text strings.Builder
		out  Completion
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		text.WriteString(choice.Delta.Content)
		if choice.FinishReason != "" {
			out.StopReason = string(choice.FinishReason)
		}
	}

	out.Text = text.String()
	internallog.Trace(o.logger, "completion finished",
		internallog.String("stop_reason", out.StopReason))
	return &out, nil
}
