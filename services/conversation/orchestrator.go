// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCare/pkg/observability"
	"github.com/AleutianAI/AleutianCare/services/llm"
	"github.com/AleutianAI/AleutianCare/services/risk"
	"github.com/AleutianAI/AleutianCare/services/subject"
	"github.com/AleutianAI/AleutianCare/services/tools"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.conversation")

const (
	// DefaultMaxIterations bounds generate calls per turn, tool rounds
	// included.
	DefaultMaxIterations = 5
	// DefaultHistoryWindow is how many past messages are sent to the model.
	DefaultHistoryWindow = 20
	defaultReplyTokens   = 1024
)

// RiskClassifier classifies one inbound message. Implementations never fail;
// degraded classifications are still verdicts.
type RiskClassifier interface {
	Classify(ctx context.Context, text string) risk.Verdict
}

// ToolExecutor advertises and runs context tools.
type ToolExecutor interface {
	Specs() []llm.ToolSpec
	ExecuteAll(ctx context.Context, subjectID string, invs []tools.Invocation) []tools.Result
}

// Config wires an Orchestrator. Classifier, Tools and Profiles are required.
// A nil Provider is allowed: every non-crisis turn then gets the fallback
// reply.
type Config struct {
	Classifier RiskClassifier
	Provider   llm.Provider
	Tools      ToolExecutor
	Profiles   subject.Reader
	Locker     TurnLocker
	Logger     *slog.Logger
	Now        func() time.Time

	MaxIterations int
	HistoryWindow int
	MaxTokens     int
	Temperature   *float64
}

// Orchestrator runs conversation turns.
type Orchestrator struct {
	classifier    RiskClassifier
	provider      llm.Provider
	tools         ToolExecutor
	profiles      subject.Reader
	locker        TurnLocker
	logger        *slog.Logger
	now           func() time.Time
	maxIterations int
	historyWindow int
	maxTokens     int
	temperature   *float64
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Classifier == nil:
		return nil, errors.New("conversation: classifier is required")
	case cfg.Tools == nil:
		return nil, errors.New("conversation: tool executor is required")
	case cfg.Profiles == nil:
		return nil, errors.New("conversation: subject reader is required")
	}
	o := &Orchestrator{
		classifier:    cfg.Classifier,
		provider:      cfg.Provider,
		tools:         cfg.Tools,
		profiles:      cfg.Profiles,
		locker:        cfg.Locker,
		logger:        cfg.Logger,
		now:           cfg.Now,
		maxIterations: cfg.MaxIterations,
		historyWindow: cfg.HistoryWindow,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.maxIterations <= 0 {
		o.maxIterations = DefaultMaxIterations
	}
	if o.historyWindow <= 0 {
		o.historyWindow = DefaultHistoryWindow
	}
	if o.maxTokens <= 0 {
		o.maxTokens = defaultReplyTokens
	}
	return o, nil
}

// Respond runs one turn to completion.
//
// # Description
//
// The inbound message is classified first. HIGH and CRITICAL verdicts get
// the fixed crisis text without any provider call. Otherwise the provider
// is called with the kind's system prompt, the history window and the
// context tools, for at most MaxIterations calls.
//
// # Outputs
//
//   - *Result: set whenever a reply was produced, including the fallback.
//   - error: ErrSubjectNotFound alongside a fallback Result; ErrTurnInProgress
//     or a validation error with a nil Result.
func (o *Orchestrator) Respond(ctx context.Context, req Request) (*Result, error) {
	return o.run(ctx, req, turnSink{emit: discard})
}

// turn carries the per-request state of run.
type turn struct {
	req    Request
	sink   turnSink
	result *Result
	span   trace.Span
}

func (o *Orchestrator) run(ctx context.Context, req Request, sink turnSink) (result *Result, err error) {
	start := o.now()
	kind, err := ParseKind(string(req.Kind))
	if err != nil {
		o.abort(sink, req.ConversationID, "invalid request")
		return nil, err
	}
	req.Kind = kind
	if strings.TrimSpace(req.Message) == "" {
		o.abort(sink, req.ConversationID, "invalid request")
		return nil, errors.New("conversation: message is required")
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	if o.locker != nil {
		release, lockErr := o.locker.Acquire(ctx, req.ConversationID)
		if lockErr != nil {
			o.abort(sink, req.ConversationID, "a reply is already being prepared for this conversation")
			return nil, fmt.Errorf("acquire turn %s: %w", req.ConversationID, lockErr)
		}
		defer release()
	}

	ctx, span := tracer.Start(ctx, "conversation.Orchestrator.run",
		trace.WithAttributes(
			attribute.String("conversation.id", req.ConversationID),
			attribute.String("conversation.kind", string(req.Kind)),
			attribute.Bool("conversation.streaming", sink.streaming),
		),
	)
	t := &turn{
		req:    req,
		sink:   sink,
		span:   span,
		result: &Result{ConversationID: req.ConversationID},
	}
	defer func() {
		if result != nil {
			span.SetAttributes(
				attribute.String("conversation.outcome", string(result.Outcome)),
				attribute.Int("conversation.iterations", result.Iterations),
				attribute.Int("conversation.tool_calls", result.ToolCalls),
			)
			observability.DefaultMetrics.RecordTurn(string(req.Kind), string(result.Outcome), result.Iterations)
			o.logger.Info("turn complete",
				"conversation_id", req.ConversationID,
				"kind", req.Kind,
				"outcome", result.Outcome,
				"risk_level", result.RiskCheck.Level.String(),
				"iterations", result.Iterations,
				"tool_calls", result.ToolCalls,
				"duration", o.now().Sub(start),
			)
		}
		span.End()
	}()

	// RiskCheck
	verdict := o.classifier.Classify(ctx, req.Message)
	t.result.RiskCheck = verdict
	t.result.RiskAlert = verdict.IsCrisis()
	_ = sink.emit(riskCheckEvent(verdict))

	if verdict.IsCrisis() {
		return o.crisisOverride(t, verdict), nil
	}

	profile, err := o.profiles.Profile(ctx, req.SubjectID)
	if err != nil {
		if errors.Is(err, subject.ErrNotFound) {
			o.logger.Warn("subject not found", "conversation_id", req.ConversationID, "subject_id", req.SubjectID)
			return o.fallback(t, OutcomeSubjectMissing, "subject not found"), ErrSubjectNotFound
		}
		span.RecordError(err)
		o.logger.Error("subject profile lookup failed", "conversation_id", req.ConversationID, "error", err)
		return o.fallback(t, OutcomeFallback, "subject profile unavailable"), nil
	}

	if o.provider == nil {
		return o.fallback(t, OutcomeFallback, "text generation is unavailable"), nil
	}

	convCtx := Context{
		SubjectID: req.SubjectID,
		Kind:      req.Kind,
		History:   window(req.History, o.historyWindow),
		Facts:     factsFromProfile(profile.FirstName, profile.PreferredLanguage),
	}
	return o.generate(ctx, t, convCtx)
}

// crisisOverride answers with the fixed crisis text for the verdict level.
func (o *Orchestrator) crisisOverride(t *turn, verdict risk.Verdict) *Result {
	text := CrisisText(verdict.Level)
	surfaced := verdict
	t.result.Reply = text
	t.result.Verdict = &surfaced
	t.result.Outcome = OutcomeCrisis

	observability.DefaultMetrics.RecordAlert(verdict.Level.String())
	o.logger.Warn("crisis override",
		"conversation_id", t.req.ConversationID,
		"risk_level", verdict.Level.String(),
		"risk_category", string(verdict.Category),
	)

	_ = t.sink.emit(textDeltaEvent(text))
	_ = t.sink.emit(messageCompleteEvent(text, t.result.Verdict))
	_ = t.sink.emit(metadataEvent(t.result.ConversationID, true))
	return t.result
}

// fallback closes the turn with the fixed fallback reply. The surfaced
// verdict is always nil; RiskCheck is kept.
func (o *Orchestrator) fallback(t *turn, outcome Outcome, reason string) *Result {
	t.result.Reply = FallbackText()
	t.result.Verdict = nil
	t.result.Outcome = outcome
	t.span.SetStatus(codes.Error, reason)

	_ = t.sink.emit(errorEvent(reason))
	_ = t.sink.emit(messageCompleteEvent(t.result.Reply, nil))
	_ = t.sink.emit(metadataEvent(t.result.ConversationID, t.result.RiskAlert))
	return t.result
}

// abort reports a turn that was rejected before it started.
func (o *Orchestrator) abort(sink turnSink, conversationID, reason string) {
	_ = sink.emit(errorEvent(reason))
	_ = sink.emit(messageCompleteEvent(FallbackText(), nil))
	_ = sink.emit(metadataEvent(conversationID, false))
}

// generate runs the Generate and ToolLoop states.
func (o *Orchestrator) generate(ctx context.Context, t *turn, convCtx Context) (*Result, error) {
	system, err := SystemPrompt(convCtx.Kind, convCtx.Facts)
	if err != nil {
		return nil, err
	}
	llmReq := &llm.Request{
		System:      system,
		Messages:    providerMessages(convCtx.History, t.req.Message),
		Tools:       o.tools.Specs(),
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	}

	var resp *llm.Response
	for i := 1; i <= o.maxIterations; i++ {
		t.result.Iterations = i
		resp, err = o.callProvider(ctx, t.sink, llmReq)
		if err != nil {
			if ctx.Err() != nil {
				o.logger.Info("turn cancelled by caller", "conversation_id", t.req.ConversationID, "iteration", i)
			} else {
				t.span.RecordError(err)
				observability.DefaultMetrics.RecordProviderError(o.provider.Name())
				o.logger.Error("text generation failed",
					"conversation_id", t.req.ConversationID,
					"provider", o.provider.Name(),
					"iteration", i,
					"error", err,
				)
			}
			return o.fallback(t, OutcomeFallback, "text generation failed"), nil
		}
		observability.DefaultMetrics.RecordTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens, o.provider.Name())

		if !resp.WantsTools() {
			return o.complete(t, resp.Text, OutcomeReply), nil
		}
		if i == o.maxIterations {
			o.logger.Warn("tool loop hit iteration cap",
				"conversation_id", t.req.ConversationID,
				"iterations", i,
			)
			return o.complete(t, resp.Text, OutcomeIterationCap), nil
		}

		results := o.runTools(ctx, t, resp.ToolCalls)
		llmReq.Messages = append(llmReq.Messages,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls},
			llm.Message{Role: llm.RoleUser, ToolResults: results},
		)
	}
	// maxIterations is always positive, so the loop returns.
	return o.complete(t, resp.Text, OutcomeIterationCap), nil
}

// runTools executes one round of tool calls and returns the results in
// call order.
func (o *Orchestrator) runTools(ctx context.Context, t *turn, calls []llm.ToolCall) []llm.ToolResult {
	invs := make([]tools.Invocation, len(calls))
	for i, call := range calls {
		invs[i] = tools.Invocation{ToolID: call.ID, Name: call.Name, Input: call.Input}
		_ = t.sink.emit(toolStartEvent(call.ID, call.Name))
	}
	t.result.ToolCalls += len(invs)

	executed := o.tools.ExecuteAll(ctx, t.req.SubjectID, invs)

	out := make([]llm.ToolResult, len(executed))
	for i, res := range executed {
		_ = t.sink.emit(toolEndEvent(res.ToolID, res.Name, res.Content, res.IsError))
		out[i] = llm.ToolResult{ToolCallID: res.ToolID, Content: res.Content, IsError: res.IsError}
	}
	return out
}

func (o *Orchestrator) complete(t *turn, reply string, outcome Outcome) *Result {
	t.result.Reply = reply
	t.result.Verdict = t.result.RiskCheck.Surfaced()
	t.result.Outcome = outcome

	_ = t.sink.emit(messageCompleteEvent(reply, t.result.Verdict))
	_ = t.sink.emit(metadataEvent(t.result.ConversationID, t.result.RiskAlert))
	return t.result
}

// window returns the last n user and assistant messages with content.
func window(history []Message, n int) []Message {
	kept := make([]Message, 0, len(history))
	for _, m := range history {
		if (m.Role == RoleUser || m.Role == RoleAssistant) && strings.TrimSpace(m.Content) != "" {
			kept = append(kept, m)
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return kept
}

func providerMessages(history []Message, message string) []llm.Message {
	out := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return append(out, llm.Message{Role: llm.RoleUser, Content: message})
}
