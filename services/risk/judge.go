// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/AleutianAI/AleutianCare/services/llm"
)

// judgePromptTemplate asks for a single JSON object. The message under
// review is sent as the user turn, never interpolated into the prompt.
const judgePromptTemplate = `You are a clinical safety reviewer for a mental-health support service.
Assess the risk expressed in the user's message. The message may be in any language.

Levels:
- LOW: no risk indicators.
- MEDIUM: hopelessness, passive wishes not to exist, fear of persecution, distress without intent.
- HIGH: active suicidal ideation, self-harm, or wish to harm others.
- CRITICAL: stated intent, plan, means or timing for suicide or violence.

Categories: {{range $i, $c := .Categories}}{{if $i}}, {{end}}{{$c}}{{end}}, or null when LOW.

Respond with ONLY valid JSON (no markdown, no preamble):
{"level":"LOW|MEDIUM|HIGH|CRITICAL","category":"name or null","confidence":0.0-1.0,"rationale":"one short sentence"}`

var judgeCategories = []Category{
	CategorySelfHarm, CategorySuicidal, CategoryViolence, CategoryPersecution, CategoryOther,
}

const (
	defaultJudgeTimeout   = 10 * time.Second
	judgeMaxTokens        = 200
	judgeTemperature      = 0.0
	maxRationaleRuneCount = 300
)

// ErrUnparsableJudgment is returned when the provider reply holds no usable
// JSON judgment.
var ErrUnparsableJudgment = errors.New("unparsable risk judgment")

// ModelJudge is the model stage of the classifier.
//
// Description:
//
//	Sends the message to a text-generation provider with a fixed reviewer
//	prompt and parses the structured judgment out of the reply.
//
// Thread Safety: This type is safe for concurrent use after initialization.
type ModelJudge struct {
	provider llm.Provider
	system   string
	timeout  time.Duration
}

// NewModelJudge creates a judge backed by provider.
//
// Inputs:
//
//	provider - Text-generation backend. Must not be nil.
//	timeout - Upper bound for one judgment. Zero uses the default.
//
// Outputs:
//
//	*ModelJudge - Ready-to-use judge.
//	error - If provider is nil or the prompt fails to render.
func NewModelJudge(provider llm.Provider, timeout time.Duration) (*ModelJudge, error) {
	if provider == nil {
		return nil, llm.ErrNoProvider
	}
	tmpl, err := template.New("judge").Parse(judgePromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("compile judge prompt: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Categories []Category }{judgeCategories}); err != nil {
		return nil, fmt.Errorf("render judge prompt: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultJudgeTimeout
	}
	return &ModelJudge{provider: provider, system: buf.String(), timeout: timeout}, nil
}

// Judge asks the provider for a verdict on text.
func (j *ModelJudge) Judge(ctx context.Context, text string) (Verdict, error) {
	reqCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	temperature := judgeTemperature
	resp, err := j.provider.Generate(reqCtx, &llm.Request{
		System:      j.system,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: text}},
		MaxTokens:   judgeMaxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("llm call: %w", err)
	}
	return ParseJudgment(resp.Text)
}

type judgment struct {
	Level      string   `json:"level"`
	Category   *string  `json:"category"`
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

// ParseJudgment extracts a verdict from a provider reply. The reply may wrap
// the JSON object in prose or a code fence; the outermost braces are used.
func ParseJudgment(raw string) (Verdict, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("%w: no JSON object", ErrUnparsableJudgment)
	}
	var j judgment
	if err := json.Unmarshal([]byte(raw[start:end+1]), &j); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnparsableJudgment, err)
	}
	level, ok := ParseLevel(j.Level)
	if !ok {
		return Verdict{}, fmt.Errorf("%w: level %q", ErrUnparsableJudgment, j.Level)
	}
	v := Verdict{Level: level, Rationale: truncateRunes(strings.TrimSpace(j.Rationale), maxRationaleRuneCount)}
	if j.Category != nil {
		v.Category = ParseCategory(*j.Category)
	}
	if level == LevelLow {
		v.Category = CategoryNone
	}
	if j.Confidence != nil {
		v.Confidence = clampConfidence(*j.Confidence)
	} else {
		v.Confidence = maxDegradedConfidence
	}
	return v, nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
