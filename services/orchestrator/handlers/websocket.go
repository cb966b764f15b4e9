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
	"github.com/gorilla/websocket"
)

const (
	wsReadLimit    = 1024 * 1024
	wsWriteTimeout = 10 * time.Second
)

// upgrader returns the WebSocket upgrader for this handler. Without an
// allow-list every origin is accepted.
func (h *ChatHandler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			if h.origins == nil {
				return true
			}
			return h.origins[r.Header.Get("Origin")]
		},
	}
}

// HandleChatWebSocket serves GET /v1/chat/ws.
//
// # Description
//
// Each text frame from the client is one ChatRequest. The turn's events
// are written back one JSON conversation.Event per frame. Turns on one
// connection run one after another; a frame that fails validation is
// answered with an error event and the connection stays open.
func (h *ChatHandler) HandleChatWebSocket(c *gin.Context) {
	endpoint := observability.EndpointWebSocket
	ws, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(wsReadLimit)

	observability.DefaultMetrics.StreamStarted(endpoint)
	defer observability.DefaultMetrics.StreamEnded(endpoint)

	ctx := c.Request.Context()
	send := func(ev conversation.Event) error {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteJSON(ev)
	}

	for {
		var req datatypes.ChatRequest
		if err := ws.ReadJSON(&req); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				h.logger.Debug("Websocket read ended", "error", err)
			}
			return
		}
		if !h.serveFrame(ctx, &req, endpoint, send) {
			return
		}
	}
}

// serveFrame runs one turn for a WebSocket frame. It returns false when the
// connection should close.
func (h *ChatHandler) serveFrame(ctx context.Context, req *datatypes.ChatRequest, endpoint observability.Endpoint, send func(conversation.Event) error) bool {
	ctx, span := h.tracer.Start(ctx, "HandleChatWebSocket.turn")
	defer span.End()

	if err := req.Validate(); err != nil {
		observability.DefaultMetrics.RecordStreamError(endpoint, observability.ErrorCodeValidation)
		return send(conversation.Event{
			Type: conversation.EventError,
			Data: conversation.ErrorPayload{Message: datatypes.DescribeValidation(err)},
		}) == nil
	}
	engineReq, err := h.prepare(ctx, req)
	if err != nil {
		observability.DefaultMetrics.RecordStreamError(endpoint, observability.ErrorCodeValidation)
		return send(conversation.Event{
			Type: conversation.EventError,
			Data: conversation.ErrorPayload{Message: err.Error()},
		}) == nil
	}

	summary := h.streamTurn(ctx, engineReq, endpoint, send)
	h.logger.Info("Websocket turn finished",
		"conversation_id", summary.conversationID(),
		"events", summary.events,
		"reply_sha256", summary.replyHash,
	)
	return !summary.clientGone
}
