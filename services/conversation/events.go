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
	"unicode/utf8"

	"github.com/AleutianAI/AleutianCare/services/risk"
)

// EventType names a streaming event.
type EventType string

const (
	EventRiskCheck       EventType = "risk_check"
	EventTextDelta       EventType = "text_delta"
	EventToolStart       EventType = "tool_start"
	EventToolEnd         EventType = "tool_end"
	EventMessageComplete EventType = "message_complete"
	EventMetadata        EventType = "metadata"
	EventError           EventType = "error"
)

// Event is one element of a streamed turn. Data holds the payload struct
// matching Type.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type RiskCheckPayload struct {
	Level risk.Level `json:"level"`
	// Category is null for LOW verdicts.
	Category *risk.Category `json:"category"`
}

type TextDeltaPayload struct {
	Text string `json:"text"`
}

type ToolStartPayload struct {
	ToolID string `json:"tool_id"`
	Name   string `json:"name"`
}

type ToolEndPayload struct {
	ToolID        string `json:"tool_id"`
	Name          string `json:"name"`
	ResultPreview string `json:"result_preview"`
	IsError       bool   `json:"is_error,omitempty"`
}

// MessageCompletePayload closes the reply. Risk is nil for LOW verdicts and
// for fallback replies.
type MessageCompletePayload struct {
	Content string        `json:"content"`
	Risk    *risk.Verdict `json:"risk"`
}

type MetadataPayload struct {
	ConversationID string `json:"conversation_id"`
	RiskAlert      bool   `json:"risk_alert"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

const maxResultPreview = 200

func riskCheckEvent(v risk.Verdict) Event {
	payload := RiskCheckPayload{Level: v.Level}
	if v.Level != risk.LevelLow && v.Category != risk.CategoryNone {
		category := v.Category
		payload.Category = &category
	}
	return Event{Type: EventRiskCheck, Data: payload}
}

func textDeltaEvent(text string) Event {
	return Event{Type: EventTextDelta, Data: TextDeltaPayload{Text: text}}
}

func toolStartEvent(id, name string) Event {
	return Event{Type: EventToolStart, Data: ToolStartPayload{ToolID: id, Name: name}}
}

func toolEndEvent(id, name, content string, isError bool) Event {
	return Event{Type: EventToolEnd, Data: ToolEndPayload{
		ToolID:        id,
		Name:          name,
		ResultPreview: preview(content, maxResultPreview),
		IsError:       isError,
	}}
}

func messageCompleteEvent(content string, verdict *risk.Verdict) Event {
	return Event{Type: EventMessageComplete, Data: MessageCompletePayload{Content: content, Risk: verdict}}
}

func metadataEvent(conversationID string, alert bool) Event {
	return Event{Type: EventMetadata, Data: MetadataPayload{ConversationID: conversationID, RiskAlert: alert}}
}

func errorEvent(message string) Event {
	return Event{Type: EventError, Data: ErrorPayload{Message: message}}
}

// preview cuts s to at most n characters without splitting a rune.
func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
