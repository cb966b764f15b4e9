// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/AleutianCare/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianCare/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies are the handlers and middleware state the routes need.
// Limiter may be nil to disable rate limiting.
type Dependencies struct {
	Chat       *handlers.ChatHandler
	Classifier handlers.Classifier
	Limiter    *middleware.Limiter
}

// SetupRoutes registers every endpoint on router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		chat := v1.Group("/chat", middleware.RateLimit(deps.Limiter, "chat"))
		{
			chat.POST("", deps.Chat.HandleChat)
			chat.POST("/stream", deps.Chat.HandleChatStream)
			chat.GET("/ws", deps.Chat.HandleChatWebSocket)
		}

		v1.POST("/risk/classify", middleware.RateLimit(deps.Limiter, "classify"), handlers.HandleClassify(deps.Classifier))

		conversations := v1.Group("/conversations")
		{
			conversations.GET("/:id/history", deps.Chat.HandleGetHistory)
			conversations.DELETE("/:id/history", deps.Chat.HandleDeleteHistory)
		}
	}
}
