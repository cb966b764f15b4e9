// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.llm")

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultMaxTokens      = 1024
)

// anthropicMessages is the subset of the SDK messages service in use.
type anthropicMessages interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
	NewStreaming(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropicsdk.MessageStreamEventUnion]
}

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	msgs        anthropicMessages
	model       anthropicsdk.Model
	maxTokens   int
	temperature float64
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates an Anthropic-backed Provider.
//
// # Inputs
//
//   - cfg: APIKey is required. Model, MaxTokens and BaseURL fall back to
//     defaults when empty.
//
// # Outputs
//
//   - *AnthropicProvider: safe for concurrent use.
//   - error: when the API key is missing.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		slog.Warn("Anthropic API Key is missing.")
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is missing")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropicsdk.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
		slog.Info("Anthropic model not set, defaulting", "model", model)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicProvider{
		msgs:        &client.Messages,
		model:       anthropicsdk.Model(model),
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (a *AnthropicProvider) Name() string { return "anthropic" }

// Generate issues a non-streaming Messages call.
func (a *AnthropicProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := startGenerateSpan(ctx, a.Name(), string(a.model), req)
	defer span.End()

	params, err := a.buildParams(req)
	if err != nil {
		endSpanWithError(span, err)
		return nil, err
	}
	msg, err := a.msgs.New(ctx, params)
	if err != nil {
		endSpanWithError(span, err)
		return nil, fmt.Errorf("anthropic messages call failed: %w", err)
	}
	resp := convertAnthropicMessage(msg)
	setGenerateSpanResult(span, resp)
	return resp, nil
}

// GenerateStream issues a streaming Messages call and forwards text deltas.
func (a *AnthropicProvider) GenerateStream(ctx context.Context, req *Request, callback StreamCallback) error {
	if callback == nil {
		return errors.New("stream callback required")
	}
	ctx, span := startGenerateSpan(ctx, a.Name(), string(a.model), req)
	defer span.End()

	params, err := a.buildParams(req)
	if err != nil {
		endSpanWithError(span, err)
		return err
	}
	stream := a.msgs.NewStreaming(ctx, params)
	if stream == nil {
		err := errors.New("anthropic stream not available")
		endSpanWithError(span, err)
		return err
	}
	defer stream.Close()

	var final anthropicsdk.Message
	for stream.Next() {
		event := stream.Current()
		if err := final.Accumulate(event); err != nil {
			endSpanWithError(span, err)
			return fmt.Errorf("accumulate stream: %w", err)
		}
		if ev, ok := event.AsAny().(anthropicsdk.ContentBlockDeltaEvent); ok {
			if text := ev.Delta.AsTextDelta().Text; text != "" {
				if err := callback(StreamEvent{Type: StreamEventToken, Content: text}); err != nil {
					return err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		endSpanWithError(span, err)
		return fmt.Errorf("anthropic stream failed: %w", err)
	}

	resp := convertAnthropicMessage(&final)
	setGenerateSpanResult(span, resp)
	return callback(StreamEvent{Type: StreamEventDone, Response: resp})
}

func (a *AnthropicProvider) buildParams(req *Request) (anthropicsdk.MessageNewParams, error) {
	if req == nil {
		return anthropicsdk.MessageNewParams{}, errors.New("nil request")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	params := anthropicsdk.MessageNewParams{
		Model:     a.model,
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return anthropicsdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	// An explicit temperature is sent even when zero; the provider default
	// only applies when neither the request nor the config set one.
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	} else if a.temperature > 0 {
		params.Temperature = param.NewOpt(a.temperature)
	}
	return params, nil
}

func toAnthropicMessages(msgs []Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		var blocks []anthropicsdk.ContentBlockParamUnion
		for _, result := range msg.ToolResults {
			blocks = append(blocks, anthropicsdk.NewToolResultBlock(result.ToolCallID, result.Content, result.IsError))
		}
		if strings.TrimSpace(msg.Content) != "" {
			blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			input := call.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			blocks = append(blocks, anthropicsdk.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(blocks) == 0 {
			blocks = append(blocks, anthropicsdk.NewTextBlock("."))
		}
		role := anthropicsdk.MessageParamRoleUser
		if msg.Role == RoleAssistant {
			role = anthropicsdk.MessageParamRoleAssistant
		}
		out = append(out, anthropicsdk.MessageParam{Role: role, Content: blocks})
	}
	return out
}

func toAnthropicTools(specs []ToolSpec) ([]anthropicsdk.ToolUnionParam, error) {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		schema, err := encodeAnthropicSchema(spec.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", spec.Name, err)
		}
		tool := anthropicsdk.ToolParam{
			Name:        spec.Name,
			InputSchema: schema,
		}
		if spec.Description != "" {
			tool.Description = anthropicsdk.String(spec.Description)
		}
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &tool})
	}
	return out, nil
}

func encodeAnthropicSchema(raw map[string]any) (anthropicsdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return anthropicsdk.ToolInputSchemaParam{Type: "object"}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, err
	}
	var schema anthropicsdk.ToolInputSchemaParam
	if err := json.Unmarshal(data, &schema); err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, err
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return schema, nil
}

func convertAnthropicMessage(msg *anthropicsdk.Message) *Response {
	resp := &Response{
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input := json.RawMessage(block.Input)
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	resp.Text = text.String()
	return resp
}

// ===== Tracing helpers =====

func startGenerateSpan(ctx context.Context, provider, model string, req *Request) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	}
	if req != nil {
		attrs = append(attrs,
			attribute.Int("llm.messages", len(req.Messages)),
			attribute.Int("llm.tools", len(req.Tools)),
		)
	}
	return tracer.Start(ctx, "Provider.Generate", trace.WithAttributes(attrs...))
}

func setGenerateSpanResult(span trace.Span, resp *Response) {
	span.SetAttributes(
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
		attribute.String("llm.stop_reason", resp.StopReason),
		attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
	)
}

func endSpanWithError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
