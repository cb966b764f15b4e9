// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCare/pkg/observability"
	"github.com/AleutianAI/AleutianCare/services/conversation"
	"github.com/AleutianAI/AleutianCare/services/llm"
	"github.com/AleutianAI/AleutianCare/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCare/services/risk"
	"github.com/AleutianAI/AleutianCare/services/subject"
	"github.com/AleutianAI/AleutianCare/services/tools"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

const crisisMessage = "I'm going to kill myself tonight"

// =============================================================================
// Test doubles
// =============================================================================

// echoProvider always answers "I hear you." and records each request.
type echoProvider struct {
	mu       sync.Mutex
	requests []*llm.Request
	fail     bool
}

func (p *echoProvider) Name() string { return "echo" }

func (p *echoProvider) record(req *llm.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.fail {
		return errors.New("backend unavailable")
	}
	return nil
}

func (p *echoProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *echoProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	if err := p.record(req); err != nil {
		return nil, err
	}
	return &llm.Response{Text: "I hear you.", StopReason: "end_turn"}, nil
}

func (p *echoProvider) GenerateStream(_ context.Context, req *llm.Request, callback llm.StreamCallback) error {
	if err := p.record(req); err != nil {
		return err
	}
	for _, tok := range []string{"I ", "hear ", "you."} {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	return callback(llm.StreamEvent{
		Type:     llm.StreamEventDone,
		Response: &llm.Response{Text: "I hear you.", StopReason: "end_turn"},
	})
}

type memHistory struct {
	mu    sync.Mutex
	convs map[string][]conversation.Message
}

func newMemHistory() *memHistory {
	return &memHistory{convs: make(map[string][]conversation.Message)}
}

func (m *memHistory) Append(_ context.Context, id string, msgs ...conversation.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[id] = append(m.convs[id], msgs...)
	return nil
}

func (m *memHistory) Load(_ context.Context, id string, limit int) ([]conversation.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.convs[id]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]conversation.Message{}, msgs...), nil
}

func (m *memHistory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, id)
	return nil
}

func (m *memHistory) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msgs := range m.convs {
		n += len(msgs)
	}
	return n
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *recordingSink) Notify(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) all() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert{}, s.alerts...)
}

type fixture struct {
	provider *echoProvider
	history  *memHistory
	sink     *recordingSink
	locker   *conversation.LocalTurnLocker
	router   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reader := subject.NewMemoryReader()
	reader.Put(subject.Record{Profile: subject.Profile{SubjectID: "s-1", FirstName: "Maya", PreferredLanguage: "en"}})

	rules, err := risk.DefaultRuleSet()
	require.NoError(t, err)
	classifier := risk.NewClassifier(rules)

	f := &fixture{
		provider: &echoProvider{},
		history:  newMemHistory(),
		sink:     &recordingSink{},
		locker:   conversation.NewLocalTurnLocker(),
	}
	engine, err := conversation.New(conversation.Config{
		Classifier: classifier,
		Provider:   f.provider,
		Tools:      tools.NewRegistry(reader),
		Profiles:   reader,
		Locker:     f.locker,
		Now:        func() time.Time { return testNow },
	})
	require.NoError(t, err)

	h := NewChatHandler(ChatHandlerConfig{
		Engine:  engine,
		History: f.history,
		Alerts:  f.sink,
		Now:     func() time.Time { return testNow },
	})

	f.router = gin.New()
	f.router.POST("/v1/chat", h.HandleChat)
	f.router.POST("/v1/chat/stream", h.HandleChatStream)
	f.router.GET("/v1/chat/ws", h.HandleChatWebSocket)
	f.router.POST("/v1/risk/classify", HandleClassify(classifier))
	f.router.GET("/v1/conversations/:id/history", h.HandleGetHistory)
	f.router.DELETE("/v1/conversations/:id/history", h.HandleDeleteHistory)
	return f
}

func (f *fixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// POST /v1/chat
// =============================================================================

func TestHandleChat_Reply(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/chat", datatypes.ChatRequest{Message: "Work was long today", SubjectID: "s-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "I hear you.", resp.Reply)
	assert.False(t, resp.RiskAlert)
	assert.Nil(t, resp.Risk)
	assert.NotEmpty(t, resp.ConversationID)
	assert.Contains(t, rec.Body.String(), `"risk":null`)

	stored, err := f.history.Load(context.Background(), resp.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, conversation.RoleUser, stored[0].Role)
	assert.Equal(t, "Work was long today", stored[0].Content)
	assert.Equal(t, "I hear you.", stored[1].Content)
	assert.Empty(t, f.sink.all())
}

func TestHandleChat_CrisisRaisesAlert(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/chat", datatypes.ChatRequest{Message: crisisMessage, SubjectID: "s-1", ConversationID: "c-9"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.RiskAlert)
	require.NotNil(t, resp.Risk)
	assert.Equal(t, risk.LevelCritical, resp.Risk.Level)
	assert.Equal(t, conversation.CrisisText(risk.LevelCritical), resp.Reply)
	assert.Equal(t, 0, f.provider.calls(), "crisis never reaches the provider")

	alerts := f.sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, "s-1", alerts[0].SubjectID)
	assert.Equal(t, "c-9", alerts[0].ConversationID)
	assert.Equal(t, risk.LevelCritical, alerts[0].Verdict.Level)
	assert.Equal(t, 2, f.history.count())
}

func TestHandleChat_SubjectNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/chat", datatypes.ChatRequest{Message: "hello", SubjectID: "nobody"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, conversation.FallbackText(), resp.Reply)
	assert.Equal(t, 0, f.history.count())
}

func TestHandleChat_TurnInProgress(t *testing.T) {
	f := newFixture(t)
	release, err := f.locker.Acquire(context.Background(), "c-busy")
	require.NoError(t, err)
	defer release()

	rec := f.post(t, "/v1/chat", datatypes.ChatRequest{Message: "hello", SubjectID: "s-1", ConversationID: "c-busy"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 0, f.provider.calls())
}

func TestHandleChat_ProviderFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	f.provider.fail = true

	rec := f.post(t, "/v1/chat", datatypes.ChatRequest{Message: "hello", SubjectID: "s-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, conversation.FallbackText(), resp.Reply)
}

func TestHandleChat_BadRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "not json", body: "{", want: "invalid request body"},
		{name: "missing subject", body: `{"message":"hi"}`, want: "subject_id is required"},
		{name: "unknown kind", body: `{"message":"hi","subject_id":"s-1","conversation_kind":"triage"}`, want: "conversation_kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
	assert.Equal(t, 0, f.provider.calls())
}

func TestHandleChat_LoadsStoredHistory(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.history.Append(context.Background(), "c-1",
		conversation.Message{Role: conversation.RoleUser, Content: "earlier question"},
		conversation.Message{Role: conversation.RoleAssistant, Content: "earlier answer"},
	))

	rec := f.post(t, "/v1/chat", datatypes.ChatRequest{Message: "follow up", SubjectID: "s-1", ConversationID: "c-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, 1, f.provider.calls())
	msgs := f.provider.requests[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "earlier question", msgs[0].Content)
	assert.Equal(t, "follow up", msgs[2].Content)
	assert.Equal(t, 4, f.history.count())
}

// =============================================================================
// POST /v1/chat/stream
// =============================================================================

func eventTypes(envs []Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = string(e.Type)
	}
	return out
}

func TestHandleChatStream_Reply(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/chat/stream", datatypes.ChatRequest{Message: "Work was long today", SubjectID: "s-1", ConversationID: "c-2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	envs, _ := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{
		"risk_check", "text_delta", "text_delta", "text_delta", "message_complete", "metadata",
	}, eventTypes(envs))
	assert.Equal(t, -1, VerifyChain(envs))

	var complete conversation.MessageCompletePayload
	require.NoError(t, json.Unmarshal(envs[4].Data, &complete))
	assert.Equal(t, "I hear you.", complete.Content)
	assert.Nil(t, complete.Risk)

	var meta conversation.MetadataPayload
	require.NoError(t, json.Unmarshal(envs[5].Data, &meta))
	assert.Equal(t, "c-2", meta.ConversationID)
	assert.False(t, meta.RiskAlert)

	assert.Equal(t, 2, f.history.count())
}

func TestHandleChatStream_Crisis(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/chat/stream", datatypes.ChatRequest{Message: crisisMessage, SubjectID: "s-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	envs, _ := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"risk_check", "text_delta", "message_complete", "metadata"}, eventTypes(envs))

	var check conversation.RiskCheckPayload
	require.NoError(t, json.Unmarshal(envs[0].Data, &check))
	assert.Equal(t, risk.LevelCritical, check.Level)
	require.NotNil(t, check.Category)

	assert.Len(t, f.sink.all(), 1)
	assert.Equal(t, 0, f.provider.calls())
}

func TestHandleChatStream_RejectedTurnReportedInBand(t *testing.T) {
	f := newFixture(t)
	release, err := f.locker.Acquire(context.Background(), "c-busy")
	require.NoError(t, err)
	defer release()

	rec := f.post(t, "/v1/chat/stream", datatypes.ChatRequest{Message: "hello", SubjectID: "s-1", ConversationID: "c-busy"})
	require.Equal(t, http.StatusOK, rec.Code)

	envs, _ := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"error", "message_complete", "metadata"}, eventTypes(envs))
	assert.Equal(t, 0, f.history.count())
}

func TestHandleChatStream_ValidationBeforeStream(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/chat/stream", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEqual(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

// failingWriter accepts the headers but fails every body write, as a
// departed client does.
// toolRoundEngine streams a turn whose first generate call asked for a tool
// before the final reply.
type toolRoundEngine struct {
	reply string
}

func (e toolRoundEngine) Respond(context.Context, conversation.Request) (*conversation.Result, error) {
	return &conversation.Result{Reply: e.reply, Outcome: conversation.OutcomeReply}, nil
}

func (e toolRoundEngine) StreamWithResult(_ context.Context, req conversation.Request, done func(*conversation.Result, error)) <-chan conversation.Event {
	out := make(chan conversation.Event)
	go func() {
		defer close(out)
		for _, ev := range []conversation.Event{
			{Type: conversation.EventTextDelta, Data: conversation.TextDeltaPayload{Text: "Let me look that up. "}},
			{Type: conversation.EventToolStart, Data: conversation.ToolStartPayload{ToolID: "t-1", Name: tools.NameSleepPatterns}},
			{Type: conversation.EventToolEnd, Data: conversation.ToolEndPayload{ToolID: "t-1", Name: tools.NameSleepPatterns}},
			{Type: conversation.EventTextDelta, Data: conversation.TextDeltaPayload{Text: e.reply}},
			{Type: conversation.EventMessageComplete, Data: conversation.MessageCompletePayload{Content: e.reply}},
		} {
			out <- ev
		}
		done(&conversation.Result{ConversationID: req.ConversationID, Reply: e.reply, Outcome: conversation.OutcomeReply}, nil)
	}()
	return out
}

func TestStreamTurn_ReplyHashCoversFinalContent(t *testing.T) {
	acc, err := NewReplyAccumulator()
	if err != nil {
		t.Skipf("secure memory unavailable: %v", err)
	}
	acc.Destroy()
	const reply = "You slept about five hours a night."
	h := NewChatHandler(ChatHandlerConfig{Engine: toolRoundEngine{reply: reply}})

	summary := h.streamTurn(context.Background(),
		conversation.Request{Message: "How did I sleep?", SubjectID: "s-1", ConversationID: "c-9"},
		observability.EndpointSSE,
		func(conversation.Event) error { return nil })

	sum := sha256.Sum256([]byte(reply))
	assert.Equal(t, hex.EncodeToString(sum[:]), summary.replyHash)
	assert.Equal(t, 5, summary.events)
	assert.False(t, summary.clientGone)
}

type failingWriter struct {
	*httptest.ResponseRecorder
}

func (w failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func (w failingWriter) WriteString(string) (int, error) { return 0, errors.New("broken pipe") }

func TestHandleChatStream_ClientGoneSkipsPersistence(t *testing.T) {
	f := newFixture(t)

	body, err := json.Marshal(datatypes.ChatRequest{Message: crisisMessage, SubjectID: "s-1"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", bytes.NewReader(body))
	f.router.ServeHTTP(failingWriter{httptest.NewRecorder()}, req)

	assert.Equal(t, 0, f.history.count(), "undelivered exchange is not persisted")
	assert.Len(t, f.sink.all(), 1, "crisis alert survives the disconnect")
}

// =============================================================================
// Risk and history endpoints
// =============================================================================

func TestHandleClassify(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/risk/classify", datatypes.ClassifyRequest{Text: crisisMessage})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp datatypes.ClassifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, risk.LevelCritical, resp.Verdict.Level)
	assert.NotEmpty(t, resp.RuleFingerprint)
	assert.Empty(t, f.sink.all(), "classification alone raises no alert")

	bad := f.post(t, "/v1/risk/classify", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.post(t, "/v1/chat", datatypes.ChatRequest{Message: "one", SubjectID: "s-1", ConversationID: "c-3"}).Code)
	require.Equal(t, http.StatusOK, f.post(t, "/v1/chat", datatypes.ChatRequest{Message: "two", SubjectID: "s-1", ConversationID: "c-3"}).Code)

	get := func(query string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/c-3/history"+query, nil))
		return rec
	}

	rec := get("")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp datatypes.HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "c-3", resp.ConversationID)
	require.Len(t, resp.Messages, 4)
	require.NotNil(t, resp.Messages[0].RiskLevel)
	assert.Equal(t, risk.LevelLow, *resp.Messages[0].RiskLevel)

	rec = get("?limit=1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "I hear you.", resp.Messages[0].Content)

	assert.Equal(t, http.StatusBadRequest, get("?limit=zero").Code)

	del := httptest.NewRecorder()
	f.router.ServeHTTP(del, httptest.NewRequest(http.MethodDelete, "/v1/conversations/c-3/history", nil))
	assert.Equal(t, http.StatusNoContent, del.Code)

	rec = get("")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Messages)
}

func TestHistoryEndpoints_NoStore(t *testing.T) {
	h := NewChatHandler(ChatHandlerConfig{Engine: &conversation.Orchestrator{}})
	router := gin.New()
	router.GET("/v1/conversations/:id/history", h.HandleGetHistory)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/c-1/history", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewChatHandler_RequiresEngine(t *testing.T) {
	assert.Panics(t, func() { NewChatHandler(ChatHandlerConfig{}) })
}
