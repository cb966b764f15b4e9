// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers of the care orchestrator.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianCare/services/conversation"
	"github.com/AleutianAI/AleutianCare/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultHistoryLimit is how many stored messages are loaded per turn.
const DefaultHistoryLimit = 50

// =============================================================================
// Collaborators
// =============================================================================

// Engine runs conversation turns.
type Engine interface {
	Respond(ctx context.Context, req conversation.Request) (*conversation.Result, error)
	StreamWithResult(ctx context.Context, req conversation.Request, done func(*conversation.Result, error)) <-chan conversation.Event
}

// HistoryStore persists conversation messages, oldest first.
type HistoryStore interface {
	Append(ctx context.Context, conversationID string, msgs ...conversation.Message) error
	Load(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)
	Delete(ctx context.Context, conversationID string) error
}

var _ Engine = (*conversation.Orchestrator)(nil)

// ChatHandlerConfig wires a ChatHandler. History and Alerts are optional.
type ChatHandlerConfig struct {
	Engine         Engine
	History        HistoryStore
	Alerts         AlertSink
	Logger         *slog.Logger
	HistoryLimit   int
	AllowedOrigins []string
	Now            func() time.Time
}

// ChatHandler serves the synchronous, SSE and WebSocket chat endpoints.
//
// # Description
//
// The handler owns the edges of a turn that the engine leaves to its
// caller: loading stored history when the client sent none, persisting the
// user and assistant messages, and handing crisis verdicts to the AlertSink.
//
// # Thread Safety
//
// Safe for concurrent use.
type ChatHandler struct {
	engine       Engine
	history      HistoryStore
	alerts       AlertSink
	logger       *slog.Logger
	historyLimit int
	origins      map[string]bool
	now          func() time.Time
	tracer       trace.Tracer
}

// NewChatHandler panics when cfg.Engine is nil.
func NewChatHandler(cfg ChatHandlerConfig) *ChatHandler {
	if cfg.Engine == nil {
		panic("NewChatHandler: engine must not be nil")
	}
	h := &ChatHandler{
		engine:       cfg.Engine,
		history:      cfg.History,
		alerts:       cfg.Alerts,
		logger:       cfg.Logger,
		historyLimit: cfg.HistoryLimit,
		now:          cfg.Now,
		tracer:       otel.Tracer("aleutian.orchestrator.handlers"),
	}
	if h.alerts == nil {
		h.alerts = &LogAlertSink{Logger: cfg.Logger}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.historyLimit <= 0 {
		h.historyLimit = DefaultHistoryLimit
	}
	if h.now == nil {
		h.now = time.Now
	}
	if len(cfg.AllowedOrigins) > 0 {
		h.origins = make(map[string]bool, len(cfg.AllowedOrigins))
		for _, o := range cfg.AllowedOrigins {
			h.origins[o] = true
		}
	}
	return h
}

// =============================================================================
// POST /v1/chat
// =============================================================================

// HandleChat runs one turn and answers with a ChatResponse.
//
// # Outputs
//
//   - 200: ChatResponse, including crisis replies.
//   - 400: malformed or invalid body.
//   - 404: unknown subject; the body still carries the fallback reply.
//   - 409: another turn of the conversation is running.
//   - 500: the engine rejected a request that passed validation.
func (h *ChatHandler) HandleChat(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChat")
	defer span.End()

	var req datatypes.ChatRequest
	if !h.bindChatRequest(c, span, &req) {
		return
	}

	engineReq, err := h.prepare(ctx, &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
		return
	}

	result, err := h.engine.Respond(ctx, engineReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
	}
	switch {
	case errors.Is(err, conversation.ErrTurnInProgress):
		c.JSON(http.StatusConflict, datatypes.ErrorResponse{Error: err.Error()})
		return
	case errors.Is(err, conversation.ErrSubjectNotFound):
		h.afterTurn(ctx, engineReq, result, err)
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: err.Error(), Reply: result.Reply})
		return
	case err != nil || result == nil:
		h.logger.Error("Turn failed", "error", err, "subject_id", req.SubjectID)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: sanitizeErrorForClient(err)})
		return
	}

	span.SetAttributes(
		attribute.String("conversation.id", result.ConversationID),
		attribute.String("turn.outcome", string(result.Outcome)),
		attribute.Bool("risk.alert", result.RiskAlert),
	)
	h.afterTurn(ctx, engineReq, result, nil)

	c.JSON(http.StatusOK, datatypes.ChatResponse{
		Reply:          result.Reply,
		RiskAlert:      result.RiskAlert,
		ConversationID: result.ConversationID,
		Risk:           result.Verdict,
	})
}

// =============================================================================
// Turn plumbing shared by all transports
// =============================================================================

func (h *ChatHandler) bindChatRequest(c *gin.Context, span trace.Span, req *datatypes.ChatRequest) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		h.logger.Warn("Failed to parse chat request", "error", err)
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return false
	}
	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: datatypes.DescribeValidation(err)})
		return false
	}
	return true
}

// prepare converts req into an engine request, loading stored history when
// the client sent none. A failed load is logged and the turn runs without
// history.
func (h *ChatHandler) prepare(ctx context.Context, req *datatypes.ChatRequest) (conversation.Request, error) {
	var stored []conversation.Message
	if len(req.History) == 0 && req.ConversationID != "" && h.history != nil {
		msgs, err := h.history.Load(ctx, req.ConversationID, h.historyLimit)
		if err != nil {
			h.logger.Warn("Failed to load conversation history",
				"conversation_id", req.ConversationID,
				"error", err,
			)
		} else {
			stored = msgs
		}
	}
	return req.ToEngineRequest(stored)
}

// afterTurn persists the exchange and raises the alert. It runs detached
// from the request context so a departed client cannot suppress an alert.
func (h *ChatHandler) afterTurn(ctx context.Context, req conversation.Request, result *conversation.Result, turnErr error) {
	if result == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	now := h.now()

	if result.RiskAlert {
		h.notify(ctx, req, result)
	}

	if h.history == nil || errors.Is(turnErr, conversation.ErrSubjectNotFound) {
		return
	}
	user := req.UserMessage(now)
	level := result.RiskCheck.Level
	user.RiskLevel = &level
	if err := h.history.Append(ctx, result.ConversationID, user, result.AssistantMessage(now)); err != nil {
		h.logger.Error("Failed to persist conversation turn",
			"conversation_id", result.ConversationID,
			"error", err,
		)
	}
}

// sanitizeErrorForClient hides internal error detail from clients. The
// full error is logged by the caller.
func sanitizeErrorForClient(err error) string {
	if err != nil {
		slog.Debug("Sanitizing error for client", "original_error", err.Error())
	}
	return "An error occurred while processing your request"
}
