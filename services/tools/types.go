// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools exposes read-only context lookups a language model may call
// while composing a reply.
//
// # Description
//
// The set of tools is closed. Each tool name maps to one Operation type;
// model-supplied input is decoded into that type and validated before any
// data is read. Every failure, including a panic inside a tool, is turned
// into an error Result the model can read, so a broken lookup never aborts
// the conversation turn.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
package tools

import (
	"encoding/json"
)

// Tool names, as advertised to the model.
const (
	NameMoodTrends          = "get_mood_trends"
	NameSleepPatterns       = "get_sleep_patterns"
	NameAssessmentResults   = "get_assessment_results"
	NameCopingStrategies    = "get_coping_strategies"
	NameKnownTriggers       = "get_known_triggers"
	NameConversationSummary = "get_recent_conversation_summary"
)

// NotRecorded is reported for profile notes that were never filled in.
const NotRecorded = "not recorded"

const (
	defaultDays          = 7
	maxDays              = 30
	assessmentWindowDays = 90
	defaultSummaryLimit  = 3
	maxSummaryLimit      = 5
	maxRecentNotes       = 2
	trendDeadBand        = 0.5
	shortSleepHours      = 6.0
)

// Descriptor advertises one tool: its name, what it does and the JSON schema
// of its input.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Invocation is a model's request to run a tool. ToolID is the model-issued
// id that correlates the Result.
type Invocation struct {
	ToolID string          `json:"tool_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// Result is the outcome of one Invocation. Content is JSON text on success
// and a human-readable message when IsError is set.
type Result struct {
	ToolID  string `json:"tool_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
