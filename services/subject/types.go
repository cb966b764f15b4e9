// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package subject defines the read-only view of a care subject's records
// that the conversation engine may consult.
package subject

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no profile exists for a subject id.
var ErrNotFound = errors.New("subject not found")

// Profile holds the subject's essential facts and free-text notes.
type Profile struct {
	SubjectID         string `json:"subject_id" yaml:"subject_id" bson:"subject_id"`
	FirstName         string `json:"first_name" yaml:"first_name" bson:"first_name"`
	PreferredLanguage string `json:"preferred_language" yaml:"preferred_language" bson:"preferred_language"`
	CopingStrategies  string `json:"coping_strategies,omitempty" yaml:"coping_strategies" bson:"coping_strategies,omitempty"`
	KnownTriggers     string `json:"known_triggers,omitempty" yaml:"known_triggers" bson:"known_triggers,omitempty"`
}

// MoodEntry is one self-reported mood score on a 1-10 scale.
type MoodEntry struct {
	RecordedAt time.Time `json:"recorded_at" yaml:"recorded_at" bson:"recorded_at"`
	Score      float64   `json:"score" yaml:"score" bson:"score"`
	Note       string    `json:"note,omitempty" yaml:"note" bson:"note,omitempty"`
}

// SleepEntry is one night of sleep. Quality is on a 1-5 scale.
type SleepEntry struct {
	Night   time.Time `json:"night" yaml:"night" bson:"night"`
	Hours   float64   `json:"hours" yaml:"hours" bson:"hours"`
	Quality float64   `json:"quality" yaml:"quality" bson:"quality"`
}

// AssessmentType names a standardized questionnaire.
type AssessmentType string

const (
	AssessmentPHQ9 AssessmentType = "PHQ9"
	AssessmentGAD7 AssessmentType = "GAD7"
	AssessmentPCL5 AssessmentType = "PCL5"
)

// AssessmentTypes lists every supported questionnaire in report order.
var AssessmentTypes = []AssessmentType{AssessmentPHQ9, AssessmentGAD7, AssessmentPCL5}

// AssessmentResult is one completed questionnaire.
type AssessmentResult struct {
	Type        AssessmentType `json:"type" yaml:"type" bson:"type"`
	Score       int            `json:"score" yaml:"score" bson:"score"`
	Severity    string         `json:"severity,omitempty" yaml:"severity" bson:"severity,omitempty"`
	Flags       []string       `json:"flags,omitempty" yaml:"flags" bson:"flags,omitempty"`
	CompletedAt time.Time      `json:"completed_at" yaml:"completed_at" bson:"completed_at"`
}

// SeverityLabel returns the stored severity or derives it from the score
// using the published cut-offs of each questionnaire.
func (a AssessmentResult) SeverityLabel() string {
	if a.Severity != "" {
		return a.Severity
	}
	switch a.Type {
	case AssessmentPHQ9:
		switch {
		case a.Score >= 20:
			return "severe"
		case a.Score >= 15:
			return "moderately severe"
		case a.Score >= 10:
			return "moderate"
		case a.Score >= 5:
			return "mild"
		default:
			return "minimal"
		}
	case AssessmentGAD7:
		switch {
		case a.Score >= 15:
			return "severe"
		case a.Score >= 10:
			return "moderate"
		case a.Score >= 5:
			return "mild"
		default:
			return "minimal"
		}
	case AssessmentPCL5:
		if a.Score >= 33 {
			return "probable PTSD"
		}
		return "below threshold"
	default:
		return "unknown"
	}
}

// ConversationSummary is a short recap of a past conversation.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id" yaml:"conversation_id" bson:"conversation_id"`
	Summary        string    `json:"summary" yaml:"summary" bson:"summary"`
	EndedAt        time.Time `json:"ended_at" yaml:"ended_at" bson:"ended_at"`
}

// Reader is the read-only data access the engine is given. There are no
// write methods; tools cannot mutate subject records.
//
// Range queries return entries recorded at or after since, newest first.
// Every method returns ErrNotFound (possibly wrapped) for an unknown
// subject.
type Reader interface {
	Profile(ctx context.Context, subjectID string) (*Profile, error)
	MoodEntries(ctx context.Context, subjectID string, since time.Time) ([]MoodEntry, error)
	SleepEntries(ctx context.Context, subjectID string, since time.Time) ([]SleepEntry, error)
	Assessments(ctx context.Context, subjectID string, since time.Time) ([]AssessmentResult, error)
	ConversationSummaries(ctx context.Context, subjectID string, limit int) ([]ConversationSummary, error)
}
