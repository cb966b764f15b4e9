// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package subject

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Record is everything stored about one subject.
type Record struct {
	Profile     Profile               `yaml:"profile"`
	Mood        []MoodEntry           `yaml:"mood"`
	Sleep       []SleepEntry          `yaml:"sleep"`
	Assessments []AssessmentResult    `yaml:"assessments"`
	Summaries   []ConversationSummary `yaml:"summaries"`
}

// MemoryReader serves subject records from memory. It backs tests and local
// runs loaded from a YAML fixture file.
type MemoryReader struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Reader = (*MemoryReader)(nil)

func NewMemoryReader() *MemoryReader {
	return &MemoryReader{records: make(map[string]Record)}
}

// Put stores rec under its profile's subject id. Put belongs to the fixture,
// not to Reader.
func (m *MemoryReader) Put(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Profile.SubjectID] = rec
}

type fixtureFile struct {
	Subjects []Record `yaml:"subjects"`
}

// LoadFixtures reads a YAML file of subject records.
//
// Relative dates are not supported; fixture timestamps are absolute RFC 3339
// values.
func LoadFixtures(path string) (*MemoryReader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subject fixtures: %w", err)
	}
	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse subject fixtures: %w", err)
	}
	reader := NewMemoryReader()
	for i, rec := range file.Subjects {
		if rec.Profile.SubjectID == "" {
			return nil, fmt.Errorf("subject fixture %d has no subject_id", i)
		}
		reader.Put(rec)
	}
	return reader, nil
}

func (m *MemoryReader) record(subjectID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[subjectID]
	if !ok {
		return Record{}, fmt.Errorf("subject %q: %w", subjectID, ErrNotFound)
	}
	return rec, nil
}

func (m *MemoryReader) Profile(_ context.Context, subjectID string) (*Profile, error) {
	rec, err := m.record(subjectID)
	if err != nil {
		return nil, err
	}
	p := rec.Profile
	return &p, nil
}

func (m *MemoryReader) MoodEntries(_ context.Context, subjectID string, since time.Time) ([]MoodEntry, error) {
	rec, err := m.record(subjectID)
	if err != nil {
		return nil, err
	}
	var out []MoodEntry
	for _, e := range rec.Mood {
		if !e.RecordedAt.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	return out, nil
}

func (m *MemoryReader) SleepEntries(_ context.Context, subjectID string, since time.Time) ([]SleepEntry, error) {
	rec, err := m.record(subjectID)
	if err != nil {
		return nil, err
	}
	var out []SleepEntry
	for _, e := range rec.Sleep {
		if !e.Night.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Night.After(out[j].Night) })
	return out, nil
}

func (m *MemoryReader) Assessments(_ context.Context, subjectID string, since time.Time) ([]AssessmentResult, error) {
	rec, err := m.record(subjectID)
	if err != nil {
		return nil, err
	}
	var out []AssessmentResult
	for _, a := range rec.Assessments {
		if !a.CompletedAt.Before(since) {
			a.Flags = append([]string(nil), a.Flags...)
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	return out, nil
}

func (m *MemoryReader) ConversationSummaries(_ context.Context, subjectID string, limit int) ([]ConversationSummary, error) {
	rec, err := m.record(subjectID)
	if err != nil {
		return nil, err
	}
	out := append([]ConversationSummary(nil), rec.Summaries...)
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
