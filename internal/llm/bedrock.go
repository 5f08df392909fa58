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
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	internallog "github.com/fluxkit/flux/internal/log"
)

// Bedrock is the AWS Converse provider. Authentication rides the standard
// AWS credential chain; no API key is involved.
type Bedrock struct {
	runtime *bedrockruntime.Client
	logger  *slog.Logger
}

// NewBedrock creates the Bedrock provider using the default AWS config.
func NewBedrock(ctx context.Context, logger *slog.Logger) (*Bedrock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}
	return &Bedrock{
		runtime: bedrockruntime.NewFromConfig(cfg),
		logger:  internallog.WithComponent(logger, "llm.bedrock"),
	}, nil
}

// Name returns "bedrock".
func (b *Bedrock) Name() string { return "bedrock" }

// Complete streams one Converse request and accumulates the text.
func (b *Bedrock) Complete(ctx context.Context, req Request) (*Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(req.Model),
		Messages: []brtypes.Message{{
			Role: brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: req.Prompt},
			},
		}},
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokens)),
		},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}

	out, err := b.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, err
	}
	stream := out.GetStream()
	defer stream.Close()

	var (
		text   strings.Builder
		result Completion
	)
	for event := range stream.Events() {
		switch ev := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			if delta, ok := ev.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); ok {
				text.WriteString(delta.Value)
			}
		case *brtypes.ConverseStreamOutputMemberMessageStop:
			result.StopReason = string(ev.Value.StopReason)
		case *brtypes.ConverseStreamOutputMemberMetadata:
			if usage := ev.Value.Usage; usage != nil {
				if usage.InputTokens != nil {
					result.InputTokens = int(*usage.InputTokens)
				}
				if usage.OutputTokens != nil {
					result.OutputTokens = int(*usage.OutputTokens)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	result.Text = text.String()
	internallog.Trace(b.logger, "completion finished",
		internallog.String("stop_reason", result.StopReason),
		internallog.Int("output_tokens", result.OutputTokens))
	return &result, nil
}
