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
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCare/services/risk"
)

// Alert is raised once per turn whose inbound message classified HIGH or
// CRITICAL.
type Alert struct {
	SubjectID      string
	ConversationID string
	Verdict        risk.Verdict
	RaisedAt       time.Time
}

// AlertSink receives crisis alerts. Delivery and deduplication belong to the
// implementation.
type AlertSink interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogAlertSink writes alerts to the structured log. The trigger snippet is
// message text and is left out.
type LogAlertSink struct {
	Logger *slog.Logger
}

var _ AlertSink = (*LogAlertSink)(nil)

func (s *LogAlertSink) Notify(_ context.Context, alert Alert) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("Risk alert",
		"subject_id", alert.SubjectID,
		"conversation_id", alert.ConversationID,
		"level", alert.Verdict.Level.String(),
		"category", string(alert.Verdict.Category),
		"confidence", alert.Verdict.Confidence,
		"raised_at", alert.RaisedAt.UTC().Format(time.RFC3339),
	)
	return nil
}
