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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider talks to the OpenAI chat completions API.
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
}

var _ Provider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		slog.Error("OPENAI_API_KEY environment variable not set and secret not found")
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
		slog.Warn("OpenAI model not set, defaulting", "model", model)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIProvider{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (o *OpenAIProvider) Name() string { return "openai" }

// Generate issues a non-streaming chat completion.
func (o *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := startGenerateSpan(ctx, o.Name(), o.model, req)
	defer span.End()

	chatReq, err := o.buildRequest(req)
	if err != nil {
		endSpanWithError(span, err)
		return nil, err
	}
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		endSpanWithError(span, err)
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		err := errors.New("OpenAI returned no choices")
		endSpanWithError(span, err)
		return nil, err
	}
	choice := resp.Choices[0]
	out := &Response{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: rawArguments(call.Function.Arguments),
		})
	}
	setGenerateSpanResult(span, out)
	return out, nil
}

// GenerateStream streams a chat completion. Tool call fragments are
// reassembled by index before the done event.
func (o *OpenAIProvider) GenerateStream(ctx context.Context, req *Request, callback StreamCallback) error {
	if callback == nil {
		return errors.New("stream callback required")
	}
	ctx, span := startGenerateSpan(ctx, o.Name(), o.model, req)
	defer span.End()

	chatReq, err := o.buildRequest(req)
	if err != nil {
		endSpanWithError(span, err)
		return err
	}
	chatReq.Stream = true
	stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		endSpanWithError(span, err)
		return fmt.Errorf("OpenAI stream failed: %w", err)
	}
	defer stream.Close()

	var (
		text         strings.Builder
		finishReason string
		partial      = map[int]*partialToolCall{}
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			endSpanWithError(span, err)
			return fmt.Errorf("OpenAI stream failed: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		for _, frag := range choice.Delta.ToolCalls {
			idx := 0
			if frag.Index != nil {
				idx = *frag.Index
			}
			p, ok := partial[idx]
			if !ok {
				p = &partialToolCall{}
				partial[idx] = p
			}
			if frag.ID != "" {
				p.id = frag.ID
			}
			if frag.Function.Name != "" {
				p.name = frag.Function.Name
			}
			p.args.WriteString(frag.Function.Arguments)
		}
		if choice.Delta.Content == "" {
			continue
		}
		text.WriteString(choice.Delta.Content)
		if err := callback(StreamEvent{Type: StreamEventToken, Content: choice.Delta.Content}); err != nil {
			return err
		}
	}

	resp := &Response{Text: text.String(), StopReason: finishReason}
	resp.ToolCalls = assembleToolCalls(partial)
	setGenerateSpanResult(span, resp)
	return callback(StreamEvent{Type: StreamEventDone, Response: resp})
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

func assembleToolCalls(partial map[int]*partialToolCall) []ToolCall {
	if len(partial) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(partial))
	for idx := range partial {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	calls := make([]ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		p := partial[idx]
		calls = append(calls, ToolCall{ID: p.id, Name: p.name, Input: rawArguments(p.args.String())})
	}
	return calls
}

func (o *OpenAIProvider) buildRequest(req *Request) (openai.ChatCompletionRequest, error) {
	if req == nil {
		return openai.ChatCompletionRequest{}, errors.New("nil request")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.maxTokens
	}
	out := openai.ChatCompletionRequest{
		Model:               o.model,
		Messages:            toOpenAIMessages(req.System, req.Messages),
		MaxCompletionTokens: maxTokens,
	}
	if req.Temperature != nil {
		out.Temperature = openAITemperature(*req.Temperature)
	} else if o.temperature > 0 {
		out.Temperature = float32(o.temperature)
	}
	for _, spec := range req.Tools {
		schema := spec.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}
	return out, nil
}

// openAITemperature maps a requested temperature onto go-openai's field,
// which is omitempty: an exact zero would be dropped and the API would fall
// back to 1.0, so zero is sent as the smallest positive float32.
func openAITemperature(t float64) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

// toOpenAIMessages flattens tool results into role=tool messages, which the
// chat completions API requires to follow the assistant tool-call turn.
func toOpenAIMessages(system string, msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range msgs {
		for _, result := range msg.ToolResults {
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result.Content,
				ToolCallID: result.ToolCallID,
			})
		}
		if len(msg.ToolResults) > 0 && strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if msg.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		m := openai.ChatCompletionMessage{Role: role, Content: msg.Content}
		for _, call := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Input),
				},
			})
		}
		out = append(out, m)
	}
	return out
}

func rawArguments(args string) []byte {
	if strings.TrimSpace(args) == "" {
		return []byte(`{}`)
	}
	return []byte(args)
}
