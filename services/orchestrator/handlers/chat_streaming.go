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
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianCare/pkg/observability"
	"github.com/AleutianAI/AleutianCare/services/conversation"
	"github.com/AleutianAI/AleutianCare/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// heartbeatInterval keeps idle SSE connections open through proxies with a
// 60s idle timeout.
var heartbeatInterval = 15 * time.Second

// =============================================================================
// POST /v1/chat/stream
// =============================================================================

// HandleChatStream runs one turn and streams its events as SSE.
//
// # Description
//
// Request errors found before the stream opens are answered with a JSON
// body and a 4xx status. Once the stream is open every outcome, including
// a rejected turn, is reported in-band: error, message_complete with the
// fallback text, then metadata.
func (h *ChatHandler) HandleChatStream(c *gin.Context) {
	endpoint := observability.EndpointSSE
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	var req datatypes.ChatRequest
	if !h.bindChatRequest(c, span, &req) {
		observability.DefaultMetrics.RecordStreamError(endpoint, observability.ErrorCodeValidation)
		return
	}
	engineReq, err := h.prepare(ctx, &req)
	if err != nil {
		observability.DefaultMetrics.RecordStreamError(endpoint, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
		return
	}

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		observability.DefaultMetrics.RecordStreamError(endpoint, observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Streaming not supported"})
		return
	}

	observability.DefaultMetrics.StreamStarted(endpoint)
	defer observability.DefaultMetrics.StreamEnded(endpoint)

	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(ctx, writer, endpoint, heartbeatDone)
	summary := h.streamTurn(ctx, engineReq, endpoint, writer.WriteEvent)
	close(heartbeatDone)

	span.SetAttributes(
		attribute.Int("stream.event_count", summary.events),
		attribute.Bool("stream.client_gone", summary.clientGone),
	)
	if summary.result != nil {
		span.SetAttributes(attribute.String("turn.outcome", string(summary.result.Outcome)))
	}
	h.logger.Info("SSE stream finished",
		"conversation_id", summary.conversationID(),
		"events", summary.events,
		"chain_head", writer.LastHash(),
		"reply_sha256", summary.replyHash,
		"client_gone", summary.clientGone,
	)
}

// =============================================================================
// Shared streaming loop
// =============================================================================

// streamSummary describes a finished streamed turn.
type streamSummary struct {
	result     *conversation.Result
	err        error
	events     int
	clientGone bool
	replyHash  string
}

func (s streamSummary) conversationID() string {
	if s.result == nil {
		return ""
	}
	return s.result.ConversationID
}

// streamTurn forwards every event of one turn to send.
//
// # Description
//
// When send fails the client is treated as gone: the turn context is
// cancelled and the remaining events are drained without forwarding. The
// message_complete content is collected in a ReplyAccumulator so its hash
// can be logged without logging the text. Persistence and alerting run after
// the turn as for the synchronous endpoint, except that a turn abandoned
// by its client is not persisted.
func (h *ChatHandler) streamTurn(
	parent context.Context,
	req conversation.Request,
	endpoint observability.Endpoint,
	send func(conversation.Event) error,
) streamSummary {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	acc, accErr := NewReplyAccumulator()
	if accErr != nil {
		h.logger.Debug("Reply accumulator unavailable", "error", accErr)
	} else {
		defer acc.Destroy()
	}

	var summary streamSummary
	start := time.Now()
	firstDelta := true

	// The hook runs on the turn goroutine before the channel closes, so
	// summary is complete once the range loop ends.
	events := h.engine.StreamWithResult(ctx, req, func(result *conversation.Result, err error) {
		summary.result = result
		summary.err = err
	})
	for ev := range events {
		if summary.clientGone {
			continue
		}
		switch ev.Type {
		case conversation.EventTextDelta:
			if firstDelta {
				firstDelta = false
				observability.DefaultMetrics.RecordTimeToFirstToken(endpoint, time.Since(start).Seconds())
			}
		case conversation.EventMessageComplete:
			// Deltas also carry the preamble of tool rounds; the final
			// content is what the client keeps and what gets persisted.
			if acc != nil {
				if complete, ok := ev.Data.(conversation.MessageCompletePayload); ok {
					_ = acc.Write(complete.Content)
				}
			}
		}
		if err := send(ev); err != nil {
			h.logger.Info("Client disconnected during stream", "error", err)
			observability.DefaultMetrics.RecordClientDisconnect(endpoint)
			observability.DefaultMetrics.RecordStreamError(endpoint, observability.ErrorCodeClientDisconnect)
			summary.clientGone = true
			cancel()
			continue
		}
		summary.events++
	}

	if acc != nil {
		if _, sum, err := acc.Finalize(); err == nil {
			summary.replyHash = sum
		}
	}

	switch {
	case errors.Is(summary.err, conversation.ErrTurnInProgress):
		observability.DefaultMetrics.RecordStreamError(endpoint, observability.ErrorCodeTurnInProgress)
	case errors.Is(summary.err, conversation.ErrSubjectNotFound):
		observability.DefaultMetrics.RecordStreamError(endpoint, observability.ErrorCodeSubjectNotFound)
	case summary.err != nil:
		observability.DefaultMetrics.RecordStreamError(endpoint, observability.ErrorCodeValidation)
	case summary.result != nil && summary.result.Outcome == conversation.OutcomeFallback:
		observability.DefaultMetrics.RecordStreamError(endpoint, observability.ErrorCodeGeneration)
	}

	if summary.clientGone {
		// The exchange was never delivered in full: alert, do not persist.
		if summary.result != nil && summary.result.RiskAlert {
			h.notify(parent, req, summary.result)
		}
		return summary
	}
	h.afterTurn(parent, req, summary.result, summary.err)
	return summary
}

func (h *ChatHandler) notify(ctx context.Context, req conversation.Request, result *conversation.Result) {
	alert := Alert{
		SubjectID:      req.SubjectID,
		ConversationID: result.ConversationID,
		Verdict:        result.RiskCheck,
		RaisedAt:       h.now(),
	}
	if err := h.alerts.Notify(context.WithoutCancel(ctx), alert); err != nil {
		h.logger.Error("Alert sink failed",
			"conversation_id", result.ConversationID,
			"level", result.RiskCheck.Level.String(),
			"error", err,
		)
	}
}

// runHeartbeat writes SSE keepalives until done is closed or ctx ends.
func (h *ChatHandler) runHeartbeat(ctx context.Context, writer SSEWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				h.logger.Debug("Failed to write keepalive", "error", err)
				return
			}
			observability.DefaultMetrics.RecordKeepAlive(endpoint)
		}
	}
}
