// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation turns one inbound chat message into a safe reply.
//
// # Description
//
// A turn moves through fixed states: RiskCheck, then either CrisisOverride
// (HIGH or CRITICAL, no text generation) or Generate followed by at most
// five rounds of tool use, then Complete. Respond runs a turn to completion;
// Stream runs the same turn and reports it as a sequence of events.
//
// # Thread Safety
//
// Orchestrator is safe for concurrent use across conversations. Turns of
// one conversation are serialized by the configured TurnLocker.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCare/services/risk"
)

var (
	// ErrSubjectNotFound means the request named a subject with no profile.
	// The turn still produced the fallback reply.
	ErrSubjectNotFound = errors.New("subject not found: cannot serve this request")

	// ErrTurnInProgress means another turn of the same conversation is running.
	ErrTurnInProgress = errors.New("a turn is already in progress for this conversation")
)

// Kind selects the system prompt.
type Kind string

const (
	KindSupportive Kind = "supportive"
	KindPreVisit   Kind = "pre_visit"
)

// ParseKind accepts the kind names case-insensitively. Empty means
// supportive.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "supportive":
		return KindSupportive, nil
	case "pre_visit", "previsit", "pre-visit":
		return KindPreVisit, nil
	default:
		return "", fmt.Errorf("unknown conversation kind %q", s)
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one persisted conversation turn.
type Message struct {
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	RiskLevel *risk.Level `json:"risk_level,omitempty"`
}

// EssentialFacts are the only subject facts pushed into every prompt.
type EssentialFacts struct {
	FirstName         string
	PreferredLanguage string
}

// Context is built fresh for each request and never mutated by the engine.
type Context struct {
	SubjectID string
	Kind      Kind
	History   []Message
	Facts     EssentialFacts
}

// Request is one inbound user message.
type Request struct {
	Message        string
	ConversationID string
	SubjectID      string
	Kind           Kind
	// History is the persisted conversation, oldest first.
	History []Message
}

// Outcome labels how a turn ended.
type Outcome string

const (
	OutcomeReply          Outcome = "reply"
	OutcomeCrisis         Outcome = "crisis"
	OutcomeFallback       Outcome = "fallback"
	OutcomeSubjectMissing Outcome = "subject_missing"
	OutcomeIterationCap   Outcome = "iteration_cap"
)

// Result is the outcome of one turn.
type Result struct {
	ConversationID string
	Reply          string
	// Verdict is the verdict surfaced with the reply: nil for LOW and for
	// fallback replies.
	Verdict *risk.Verdict
	// RiskCheck is the classification of the inbound message, kept even when
	// generation failed so callers can still alert on it.
	RiskCheck  risk.Verdict
	RiskAlert  bool
	Outcome    Outcome
	Iterations int
	ToolCalls  int
}

// AssistantMessage builds the reply message for the caller to persist.
func (r *Result) AssistantMessage(now time.Time) Message {
	msg := Message{Role: RoleAssistant, Content: r.Reply, Timestamp: now}
	if r.Verdict != nil {
		level := r.Verdict.Level
		msg.RiskLevel = &level
	}
	return msg
}

// UserMessage builds the inbound message for the caller to persist.
func (r Request) UserMessage(now time.Time) Message {
	return Message{Role: RoleUser, Content: r.Message, Timestamp: now}
}
