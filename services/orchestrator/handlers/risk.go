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
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianCare/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCare/services/risk"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Classifier classifies text and exposes the rule table it runs.
type Classifier interface {
	Classify(ctx context.Context, text string) risk.Verdict
	Rules() *risk.RuleSet
}

var _ Classifier = (*risk.Classifier)(nil)

// HandleClassify serves POST /v1/risk/classify. It classifies the text
// without running a turn, so nothing is persisted and no alert is raised.
func HandleClassify(classifier Classifier) gin.HandlerFunc {
	tracer := otel.Tracer("aleutian.orchestrator.handlers")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleClassify")
		defer span.End()

		var req datatypes.ClassifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: datatypes.DescribeValidation(err)})
			return
		}

		start := time.Now()
		verdict := classifier.Classify(ctx, req.Text)
		span.SetAttributes(
			attribute.String("risk.level", verdict.Level.String()),
			attribute.Int64("risk.duration_ms", time.Since(start).Milliseconds()),
		)

		rules := classifier.Rules()
		c.JSON(http.StatusOK, datatypes.ClassifyResponse{
			Verdict:         verdict,
			RuleVersion:     rules.Version(),
			RuleFingerprint: rules.Fingerprint(),
		})
	}
}
