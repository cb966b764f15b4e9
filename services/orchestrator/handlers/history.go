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
	"net/http"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianCare/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
)

func (h *ChatHandler) conversationParam(c *gin.Context) (string, bool) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{Error: "history store not configured"})
		return "", false
	}
	id := c.Param("id")
	if id == "" || len(id) > 128 || strings.Contains(id, "/") {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid conversation id"})
		return "", false
	}
	return id, true
}

// HandleGetHistory serves GET /v1/conversations/:id/history?limit=N.
// Unknown conversations return an empty list.
func (h *ChatHandler) HandleGetHistory(c *gin.Context) {
	id, ok := h.conversationParam(c)
	if !ok {
		return
	}
	limit := h.historyLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	msgs, err := h.history.Load(c.Request.Context(), id, limit)
	if err != nil {
		h.logger.Error("Failed to load history", "conversation_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: sanitizeErrorForClient(err)})
		return
	}
	c.JSON(http.StatusOK, datatypes.HistoryResponse{ConversationID: id, Messages: msgs})
}

// HandleDeleteHistory serves DELETE /v1/conversations/:id/history.
func (h *ChatHandler) HandleDeleteHistory(c *gin.Context) {
	id, ok := h.conversationParam(c)
	if !ok {
		return
	}
	if err := h.history.Delete(c.Request.Context(), id); err != nil {
		h.logger.Error("Failed to delete history", "conversation_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: sanitizeErrorForClient(err)})
		return
	}
	c.Status(http.StatusNoContent)
}
