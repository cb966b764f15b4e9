// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ErrUnknownTool is returned by Decode for a name outside the closed set.
var ErrUnknownTool = errors.New("unknown tool")

// Operation is one decoded, validated tool request. The set of
// implementations is closed; the unexported method keeps it that way.
type Operation interface {
	ToolName() string
	operation()
}

type MoodTrendsOp struct {
	Days int `json:"days" validate:"min=1,max=30"`
}

type SleepPatternsOp struct {
	Days int `json:"days" validate:"min=1,max=30"`
}

type AssessmentResultsOp struct {
	Type string `json:"type" validate:"oneof=PHQ9 GAD7 PCL5 all"`
}

type CopingStrategiesOp struct{}

type KnownTriggersOp struct{}

type ConversationSummaryOp struct {
	Limit int `json:"limit" validate:"min=1,max=5"`
}

func (MoodTrendsOp) ToolName() string          { return NameMoodTrends }
func (SleepPatternsOp) ToolName() string       { return NameSleepPatterns }
func (AssessmentResultsOp) ToolName() string   { return NameAssessmentResults }
func (CopingStrategiesOp) ToolName() string    { return NameCopingStrategies }
func (KnownTriggersOp) ToolName() string       { return NameKnownTriggers }
func (ConversationSummaryOp) ToolName() string { return NameConversationSummary }

func (MoodTrendsOp) operation()          {}
func (SleepPatternsOp) operation()       {}
func (AssessmentResultsOp) operation()   {}
func (CopingStrategiesOp) operation()    {}
func (KnownTriggersOp) operation()       {}
func (ConversationSummaryOp) operation() {}

// Decode turns a tool name and raw JSON input into a validated Operation.
//
// Absent or zero numeric fields take their defaults; out-of-range values
// are rejected rather than clamped so the model learns the bounds.
func Decode(name string, input json.RawMessage) (Operation, error) {
	var op Operation
	var err error
	switch name {
	case NameMoodTrends:
		var o MoodTrendsOp
		err = unmarshalInput(input, &o)
		if o.Days == 0 {
			o.Days = defaultDays
		}
		op = o
	case NameSleepPatterns:
		var o SleepPatternsOp
		err = unmarshalInput(input, &o)
		if o.Days == 0 {
			o.Days = defaultDays
		}
		op = o
	case NameAssessmentResults:
		var o AssessmentResultsOp
		err = unmarshalInput(input, &o)
		o.Type = normalizeAssessmentType(o.Type)
		op = o
	case NameCopingStrategies:
		op = CopingStrategiesOp{}
	case NameKnownTriggers:
		op = KnownTriggersOp{}
	case NameConversationSummary:
		var o ConversationSummaryOp
		err = unmarshalInput(input, &o)
		if o.Limit == 0 {
			o.Limit = defaultSummaryLimit
		}
		op = o
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid input for %s: %w", name, err)
	}
	if err := validate.Struct(op); err != nil {
		return nil, fmt.Errorf("invalid input for %s: %s", name, describeValidation(err))
	}
	return op, nil
}

func unmarshalInput(input json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, dst)
}

func normalizeAssessmentType(t string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	t = strings.NewReplacer("-", "", " ", "").Replace(t)
	if t == "" || t == "ALL" {
		return "all"
	}
	return t
}

// describeValidation renders validator errors as a sentence the model can
// act on.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "min":
			parts = append(parts, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of %s", field, fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
