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
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mock Server Helpers
// =============================================================================

// newMockOpenAIServer serves /v1/chat/completions with the given handler and
// records every decoded request body.
func newMockOpenAIServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var bodies []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server, &bodies
}

func newTestOpenAIProvider(t *testing.T, server *httptest.Server) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(Config{APIKey: "test-key", Model: "gpt-test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)
	return p
}

// =============================================================================
// OpenAI
// =============================================================================

func TestOpenAIProvider_GenerateToolCalls(t *testing.T) {
	server, bodies := newMockOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-test",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "get_mood_trends", "arguments": "{\"days\":7}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`)
	})
	p := newTestOpenAIProvider(t, server)

	resp, err := p.Generate(context.Background(), &Request{
		System:   "be kind",
		Messages: []Message{{Role: RoleUser, Content: "how was my week?"}},
		Tools: []ToolSpec{{
			Name:        "get_mood_trends",
			Description: "mood",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	require.True(t, resp.WantsTools())
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "get_mood_trends", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"days":7}`, string(resp.ToolCalls[0].Input))
	assert.Equal(t, 12, resp.Usage.InputTokens)

	require.Len(t, *bodies, 1)
	sent := (*bodies)[0]
	assert.Equal(t, "gpt-test", sent["model"])
	msgs := sent["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Len(t, sent["tools"], 1)
}

func TestOpenAIProvider_ZeroTemperatureIsSent(t *testing.T) {
	server, bodies := newMockOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	})
	p := newTestOpenAIProvider(t, server)

	zero := 0.0
	_, err := p.Generate(context.Background(), &Request{
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
		Temperature: &zero,
	})
	require.NoError(t, err)

	require.Len(t, *bodies, 1)
	got, ok := (*bodies)[0]["temperature"].(float64)
	require.True(t, ok, "an explicit zero must not be dropped by omitempty")
	assert.Greater(t, got, 0.0)
	assert.Less(t, got, 1e-6)
}

func TestOpenAITemperature(t *testing.T) {
	assert.Equal(t, float32(math.SmallestNonzeroFloat32), openAITemperature(0))
	assert.Equal(t, float32(0.4), openAITemperature(0.4))
}

func TestOpenAIProvider_GenerateAPIError(t *testing.T) {
	server, _ := newMockOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "bad key", "type": "invalid_request_error"}}`)
	})
	p := newTestOpenAIProvider(t, server)

	_, err := p.Generate(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OpenAI API call failed")
}

func TestOpenAIProvider_GenerateStream(t *testing.T) {
	chunks := []string{
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"get_sleep_patterns","arguments":""}}]}}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"days\":"}}]}}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"14}"}}]},"finish_reason":"tool_calls"}]}`,
	}
	server, _ := newMockOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	p := newTestOpenAIProvider(t, server)

	var tokens []string
	var final *Response
	err := p.GenerateStream(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}},
		func(ev StreamEvent) error {
			switch ev.Type {
			case StreamEventToken:
				tokens = append(tokens, ev.Content)
			case StreamEventDone:
				final = ev.Response
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, tokens)
	require.NotNil(t, final)
	assert.Equal(t, "Hello", final.Text)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, "call_9", final.ToolCalls[0].ID)
	assert.JSONEq(t, `{"days":14}`, string(final.ToolCalls[0].Input))
	assert.Equal(t, "tool_calls", final.StopReason)
}

func TestToOpenAIMessages_ToolRoundTrip(t *testing.T) {
	msgs := toOpenAIMessages("sys", []Message{
		{Role: RoleUser, Content: "how did I sleep?"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "t1", Name: "get_sleep_patterns", Input: json.RawMessage(`{}`)}}},
		{Role: RoleUser, ToolResults: []ToolResult{{ToolCallID: "t1", Content: `{"average_hours":5.5}`}}},
	})
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[2].Role)
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "get_sleep_patterns", msgs[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "tool", msgs[3].Role)
	assert.Equal(t, "t1", msgs[3].ToolCallID)
}

// =============================================================================
// Anthropic
// =============================================================================

func TestAnthropicProvider_Generate(t *testing.T) {
	var sent map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&sent)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_1", "name": "get_known_triggers", "input": {}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 20, "output_tokens": 7}
		}`)
	}))
	defer server.Close()

	p, err := NewAnthropicProvider(Config{APIKey: "test-key", Model: "claude-test", BaseURL: server.URL})
	require.NoError(t, err)

	resp, err := p.Generate(context.Background(), &Request{
		System:   "be kind",
		Messages: []Message{{Role: RoleUser, Content: "what sets me off?"}},
		Tools:    []ToolSpec{{Name: "get_known_triggers", Description: "triggers"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Let me check.", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, 7, resp.Usage.OutputTokens)

	require.NotNil(t, sent)
	assert.Equal(t, "claude-test", sent["model"])
	assert.NotEmpty(t, sent["system"])
	assert.Len(t, sent["tools"], 1)
}

// newMockAnthropicServer answers every Messages call with a short text reply
// and records the decoded request bodies.
func newMockAnthropicServer(t *testing.T) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var bodies []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	t.Cleanup(server.Close)
	return server, &bodies
}

func TestAnthropicProvider_Temperature(t *testing.T) {
	zero, warm := 0.0, 0.3
	tests := []struct {
		name      string
		config    float64
		requested *float64
		want      any
	}{
		{"explicit zero is sent", 0.7, &zero, 0.0},
		{"explicit value wins over config", 0.7, &warm, 0.3},
		{"config used when not requested", 0.7, nil, 0.7},
		{"omitted when neither is set", 0, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, bodies := newMockAnthropicServer(t)
			p, err := NewAnthropicProvider(Config{
				APIKey: "test-key", Model: "claude-test", BaseURL: server.URL, Temperature: tt.config,
			})
			require.NoError(t, err)

			_, err = p.Generate(context.Background(), &Request{
				Messages:    []Message{{Role: RoleUser, Content: "hi"}},
				Temperature: tt.requested,
			})
			require.NoError(t, err)
			require.Len(t, *bodies, 1)

			got, ok := (*bodies)[0]["temperature"]
			if tt.want == nil {
				assert.False(t, ok, "temperature should be left to the API default")
				return
			}
			require.True(t, ok, "temperature missing from request")
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestNewAnthropicProvider_MissingKey(t *testing.T) {
	_, err := NewAnthropicProvider(Config{})
	require.Error(t, err)
}

func TestToAnthropicMessages_ToolBlocks(t *testing.T) {
	out := toAnthropicMessages([]Message{
		{Role: RoleAssistant, Content: "checking", ToolCalls: []ToolCall{{ID: "t1", Name: "get_mood_trends"}}},
		{Role: RoleUser, ToolResults: []ToolResult{{ToolCallID: "t1", Content: "no data", IsError: true}}},
		{Role: RoleUser},
	})
	require.Len(t, out, 3)
	require.Len(t, out[0].Content, 2)
	require.NotNil(t, out[0].Content[1].OfToolUse)
	assert.Equal(t, "t1", out[0].Content[1].OfToolUse.ID)
	require.NotNil(t, out[1].Content[0].OfToolResult)
	assert.Equal(t, "t1", out[1].Content[0].OfToolResult.ToolUseID)
	require.NotNil(t, out[2].Content[0].OfText)
	assert.Equal(t, ".", out[2].Content[0].OfText.Text)
}

// =============================================================================
// Provider selection
// =============================================================================

func TestNewProvider(t *testing.T) {
	t.Run("empty backend", func(t *testing.T) {
		_, err := NewProvider(Config{})
		assert.ErrorIs(t, err, ErrNoProvider)
	})
	t.Run("unknown backend", func(t *testing.T) {
		_, err := NewProvider(Config{Backend: "carrier-pigeon"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoProvider)
	})
	t.Run("openai with explicit key", func(t *testing.T) {
		p, err := NewProvider(Config{Backend: "openai", APIKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, "openai", p.Name())
	})
}

func TestReadSecret(t *testing.T) {
	dir := t.TempDir()
	old := secretsDir
	secretsDir = dir
	t.Cleanup(func() { secretsDir = old })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "care_test_key"), []byte("from-file\n"), 0o600))

	t.Setenv("CARE_TEST_KEY", "")
	assert.Equal(t, "from-file", ReadSecret("CARE_TEST_KEY", "care_test_key"))

	t.Setenv("CARE_TEST_KEY", "from-env")
	assert.Equal(t, "from-env", ReadSecret("CARE_TEST_KEY", "care_test_key"))

	assert.Equal(t, "", ReadSecret("CARE_TEST_MISSING", "missing"))
}
