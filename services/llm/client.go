// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm adapts hosted text-generation backends to one Provider
// interface with tool-calling support.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoProvider is returned when no backend is configured.
var ErrNoProvider = errors.New("llm: no provider configured")

// Role names a conversation participant as seen by the backend.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one provider-facing turn. An assistant turn may carry tool
// calls; a user turn may carry the results for those calls.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is a model's request to run a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolSpec advertises a tool to the backend.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is a single generation call.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature *float64
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the outcome of a generation call. Text and ToolCalls may both
// be set.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// WantsTools reports whether the backend asked for tool execution.
func (r *Response) WantsTools() bool {
	return r != nil && len(r.ToolCalls) > 0
}

type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventDone  StreamEventType = "done"
)

// StreamEvent is delivered to a StreamCallback. The final event has type
// StreamEventDone and carries the assembled Response.
type StreamEvent struct {
	Type     StreamEventType
	Content  string
	Response *Response
}

// StreamCallback receives streaming events. Returning an error aborts the
// stream and GenerateStream returns that error.
type StreamCallback func(event StreamEvent) error

// Provider is a text-generation backend.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
	GenerateStream(ctx context.Context, req *Request, callback StreamCallback) error
}

// Config selects and configures a backend.
type Config struct {
	Backend     string  `yaml:"backend"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"-"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// NewProvider builds the backend named by cfg.Backend. An empty backend
// yields ErrNoProvider so callers can run without generation.
func NewProvider(cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "none":
		return nil, ErrNoProvider
	case "anthropic", "claude":
		if cfg.APIKey == "" {
			cfg.APIKey = ReadSecret("ANTHROPIC_API_KEY", "anthropic_api_key")
		}
		return NewAnthropicProvider(cfg)
	case "openai":
		if cfg.APIKey == "" {
			cfg.APIKey = ReadSecret("OPENAI_API_KEY", "openai_api_key")
		}
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
}

// secretsDir is where container secrets are mounted.
var secretsDir = "/run/secrets"

// ReadSecret returns the value of envKey, falling back to the mounted secret
// file of the same purpose. It returns "" when neither is present.
func ReadSecret(envKey, secretName string) string {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	content, err := os.ReadFile(filepath.Join(secretsDir, secretName))
	if err != nil {
		return ""
	}
	slog.Info("Read API key from mounted secret", "secret", secretName)
	return strings.TrimSpace(string(content))
}
