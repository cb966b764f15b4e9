// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the request and response bodies of the
// orchestrator HTTP API.
package datatypes

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCare/services/conversation"
	"github.com/AleutianAI/AleutianCare/services/risk"
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	MaxMessageContentBytes = 32 * 1024

	// MaxHistoryMessages is the maximum number of history messages a client
	// may send inline.
	MaxHistoryMessages = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	// Report fields by their JSON names.
	chatValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Chat
// =============================================================================

// HistoryMessage is one prior turn supplied by the client.
type HistoryMessage struct {
	Role      string      `json:"role" validate:"required,oneof=user assistant"`
	Content   string      `json:"content" validate:"required,maxbytes"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
	RiskLevel *risk.Level `json:"risk_level,omitempty"`
}

// ChatRequest is the body of POST /v1/chat, POST /v1/chat/stream and each
// WebSocket frame.
//
// # Description
//
// ConversationID is optional; the server assigns one when it is missing.
// History is optional; when it is absent the server loads the stored
// history of ConversationID.
type ChatRequest struct {
	Message          string           `json:"message" validate:"required,maxbytes"`
	ConversationID   string           `json:"conversation_id,omitempty" validate:"omitempty,max=128,excludesall=/"`
	SubjectID        string           `json:"subject_id" validate:"required,max=128"`
	ConversationKind string           `json:"conversation_kind,omitempty" validate:"omitempty,oneof=supportive pre_visit"`
	History          []HistoryMessage `json:"history,omitempty" validate:"max=100,dive"`
}

// Validate runs the struct tags and rejects whitespace-only messages.
func (r *ChatRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return err
	}
	if strings.TrimSpace(r.Message) == "" {
		return errors.New("message must not be blank")
	}
	return nil
}

// ToEngineRequest converts the body into an engine request. stored is used
// as history when the client sent none.
func (r *ChatRequest) ToEngineRequest(stored []conversation.Message) (conversation.Request, error) {
	kind, err := conversation.ParseKind(r.ConversationKind)
	if err != nil {
		return conversation.Request{}, err
	}
	history := stored
	if len(r.History) > 0 {
		history = make([]conversation.Message, len(r.History))
		for i, m := range r.History {
			history[i] = conversation.Message{
				Role:      conversation.Role(m.Role),
				Content:   m.Content,
				Timestamp: m.Timestamp,
				RiskLevel: m.RiskLevel,
			}
		}
	}
	return conversation.Request{
		Message:        r.Message,
		ConversationID: r.ConversationID,
		SubjectID:      r.SubjectID,
		Kind:           kind,
		History:        history,
	}, nil
}

// ChatResponse is the synchronous reply. Risk is null for LOW verdicts and
// fallback replies.
type ChatResponse struct {
	Reply          string        `json:"reply"`
	RiskAlert      bool          `json:"risk_alert"`
	ConversationID string        `json:"conversation_id"`
	Risk           *risk.Verdict `json:"risk"`
}

// ErrorResponse is returned for every non-2xx status. Reply carries the
// fallback text when the engine still produced one.
type ErrorResponse struct {
	Error string `json:"error"`
	Reply string `json:"reply,omitempty"`
}

// =============================================================================
// Risk
// =============================================================================

// ClassifyRequest is the body of POST /v1/risk/classify.
type ClassifyRequest struct {
	Text string `json:"text" validate:"required,maxbytes"`
}

func (r *ClassifyRequest) Validate() error {
	return chatValidate.Struct(r)
}

// ClassifyResponse reports a verdict with the rule table that produced it.
type ClassifyResponse struct {
	Verdict         risk.Verdict `json:"verdict"`
	RuleVersion     string       `json:"rule_version"`
	RuleFingerprint string       `json:"rule_fingerprint"`
}

// =============================================================================
// History
// =============================================================================

type HistoryResponse struct {
	ConversationID string                 `json:"conversation_id"`
	Messages       []conversation.Message `json:"messages"`
}

// DescribeValidation turns validator errors into a client-safe message.
func DescribeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "maxbytes":
		return fmt.Sprintf("%s exceeds %d bytes", field, MaxMessageContentBytes)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "excludesall":
		return fmt.Sprintf("%s contains invalid characters", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
