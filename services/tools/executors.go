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
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCare/services/subject"
)

// ===== Content shapes =====

type moodTrendsContent struct {
	Days        int      `json:"days"`
	Count       int      `json:"count"`
	Average     float64  `json:"average,omitempty"`
	Min         float64  `json:"min,omitempty"`
	Max         float64  `json:"max,omitempty"`
	Trend       string   `json:"trend,omitempty"`
	RecentNotes []string `json:"recent_notes,omitempty"`
	Message     string   `json:"message,omitempty"`
}

type sleepPatternsContent struct {
	Days           int     `json:"days"`
	Nights         int     `json:"nights"`
	AverageHours   float64 `json:"average_hours,omitempty"`
	AverageQuality float64 `json:"average_quality,omitempty"`
	NightsBelow6h  int     `json:"nights_below_6h"`
	Message        string  `json:"message,omitempty"`
}

type assessmentEntry struct {
	Type        string   `json:"type"`
	Score       int      `json:"score"`
	Severity    string   `json:"severity"`
	Flags       []string `json:"flags,omitempty"`
	CompletedOn string   `json:"completed_on"`
	When        string   `json:"when"`
}

type assessmentResultsContent struct {
	WindowDays int               `json:"window_days"`
	Results    []assessmentEntry `json:"results"`
	Message    string            `json:"message,omitempty"`
}

type profileNoteContent struct {
	CopingStrategies *string `json:"coping_strategies,omitempty"`
	KnownTriggers    *string `json:"known_triggers,omitempty"`
}

type summaryEntry struct {
	When    string `json:"when"`
	Summary string `json:"summary"`
}

type conversationSummaryContent struct {
	Summaries []summaryEntry `json:"summaries"`
	Message   string         `json:"message,omitempty"`
}

// ===== Executors =====

func (r *Registry) moodTrends(ctx context.Context, subjectID string, op MoodTrendsOp) (any, error) {
	now := r.now()
	entries, err := r.reader.MoodEntries(ctx, subjectID, now.AddDate(0, 0, -op.Days))
	if err != nil {
		return nil, err
	}
	out := moodTrendsContent{Days: op.Days, Count: len(entries)}
	if len(entries) == 0 {
		out.Message = fmt.Sprintf("no mood entries recorded in the last %d days", op.Days)
		return out, nil
	}

	// Reader returns newest first; the trend needs chronological order.
	scores := make([]float64, len(entries))
	minScore, maxScore := math.Inf(1), math.Inf(-1)
	for i, e := range entries {
		scores[len(entries)-1-i] = e.Score
		minScore = math.Min(minScore, e.Score)
		maxScore = math.Max(maxScore, e.Score)
	}
	out.Average = round1(mean(scores))
	out.Min = minScore
	out.Max = maxScore
	out.Trend = trendOf(scores)

	for _, e := range entries {
		if len(out.RecentNotes) == maxRecentNotes {
			break
		}
		if note := strings.TrimSpace(e.Note); note != "" {
			out.RecentNotes = append(out.RecentNotes, note)
		}
	}
	return out, nil
}

// trendOf compares the mean of the later half of chronological scores with
// the earlier half. Differences within the dead band are stable.
func trendOf(scores []float64) string {
	if len(scores) < 2 {
		return "stable"
	}
	half := len(scores) / 2
	diff := mean(scores[half:]) - mean(scores[:half])
	switch {
	case diff > trendDeadBand:
		return "improving"
	case diff < -trendDeadBand:
		return "declining"
	default:
		return "stable"
	}
}

func (r *Registry) sleepPatterns(ctx context.Context, subjectID string, op SleepPatternsOp) (any, error) {
	entries, err := r.reader.SleepEntries(ctx, subjectID, r.now().AddDate(0, 0, -op.Days))
	if err != nil {
		return nil, err
	}
	out := sleepPatternsContent{Days: op.Days, Nights: len(entries)}
	if len(entries) == 0 {
		out.Message = fmt.Sprintf("no sleep entries recorded in the last %d days", op.Days)
		return out, nil
	}
	hours := make([]float64, len(entries))
	quality := make([]float64, len(entries))
	for i, e := range entries {
		hours[i] = e.Hours
		quality[i] = e.Quality
		if e.Hours < shortSleepHours {
			out.NightsBelow6h++
		}
	}
	out.AverageHours = round1(mean(hours))
	out.AverageQuality = round1(mean(quality))
	return out, nil
}

func (r *Registry) assessmentResults(ctx context.Context, subjectID string, op AssessmentResultsOp) (any, error) {
	now := r.now()
	results, err := r.reader.Assessments(ctx, subjectID, now.AddDate(0, 0, -assessmentWindowDays))
	if err != nil {
		return nil, err
	}
	latest := make(map[subject.AssessmentType]subject.AssessmentResult)
	for _, a := range results {
		if op.Type != "all" && string(a.Type) != op.Type {
			continue
		}
		if prev, ok := latest[a.Type]; !ok || a.CompletedAt.After(prev.CompletedAt) {
			latest[a.Type] = a
		}
	}

	out := assessmentResultsContent{WindowDays: assessmentWindowDays, Results: []assessmentEntry{}}
	for _, t := range subject.AssessmentTypes {
		a, ok := latest[t]
		if !ok {
			continue
		}
		out.Results = append(out.Results, assessmentEntry{
			Type:        string(a.Type),
			Score:       a.Score,
			Severity:    a.SeverityLabel(),
			Flags:       a.Flags,
			CompletedOn: a.CompletedAt.UTC().Format(time.DateOnly),
			When:        RelativeLabel(now, a.CompletedAt),
		})
	}
	if len(out.Results) == 0 {
		out.Message = fmt.Sprintf("no %s assessments in the last %d days", assessmentLabel(op.Type), assessmentWindowDays)
	}
	return out, nil
}

func assessmentLabel(t string) string {
	if t == "all" {
		return "completed"
	}
	return t
}

func (r *Registry) copingStrategies(ctx context.Context, subjectID string) (any, error) {
	profile, err := r.reader.Profile(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	note := orNotRecorded(profile.CopingStrategies)
	return profileNoteContent{CopingStrategies: &note}, nil
}

func (r *Registry) knownTriggers(ctx context.Context, subjectID string) (any, error) {
	profile, err := r.reader.Profile(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	note := orNotRecorded(profile.KnownTriggers)
	return profileNoteContent{KnownTriggers: &note}, nil
}

func (r *Registry) conversationSummary(ctx context.Context, subjectID string, op ConversationSummaryOp) (any, error) {
	summaries, err := r.reader.ConversationSummaries(ctx, subjectID, op.Limit)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := conversationSummaryContent{Summaries: []summaryEntry{}}
	for i, s := range summaries {
		if i == op.Limit {
			break
		}
		out.Summaries = append(out.Summaries, summaryEntry{
			When:    RelativeLabel(now, s.EndedAt),
			Summary: s.Summary,
		})
	}
	if len(out.Summaries) == 0 {
		out.Message = "no previous conversations"
	}
	return out, nil
}

// ===== Helpers =====

// RelativeLabel renders when t happened relative to now in calendar days:
// "today", "yesterday", "N days ago" under a week, then "N weeks ago".
func RelativeLabel(now, t time.Time) string {
	y1, m1, d1 := now.UTC().Date()
	y2, m2, d2 := t.UTC().Date()
	today := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	then := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	days := int(today.Sub(then).Hours() / 24)
	switch {
	case days <= 0:
		return "today"
	case days == 1:
		return "yesterday"
	case days < 7:
		return fmt.Sprintf("%d days ago", days)
	case days < 14:
		return "1 week ago"
	default:
		return fmt.Sprintf("%d weeks ago", days/7)
	}
}

func orNotRecorded(s string) string {
	if strings.TrimSpace(s) == "" {
		return NotRecorded
	}
	return strings.TrimSpace(s)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}
