// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package risk classifies a single utterance into a risk verdict.
//
// # Description
//
// Classification runs in two escalate-only stages. The rule stage evaluates
// an embedded, multilingual pattern table in fixed priority order
// (CRITICAL, HIGH, MEDIUM). The model stage asks a text-generation provider
// for a structured judgment when the rule stage found nothing actionable.
// The two verdicts are folded with Merge, which never lowers a level.
//
// # Thread Safety
//
// Classifier and RuleSet are immutable after construction and safe for
// concurrent use.
package risk

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level is the severity of a verdict. Levels are totally ordered.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (l Level) String() string {
	if l < LevelLow || l > LevelCritical {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel accepts the upper- or lower-case level name.
func ParseLevel(s string) (Level, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, name := range levelNames {
		if name == s {
			return Level(i), true
		}
	}
	return LevelLow, false
}

// IsCrisis reports whether the level bypasses text generation.
func (l Level) IsCrisis() bool {
	return l >= LevelHigh
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, ok := ParseLevel(string(text))
	if !ok {
		return fmt.Errorf("invalid risk level: %q", string(text))
	}
	*l = parsed
	return nil
}

// MaxLevel returns the higher of two levels.
func MaxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// Category tags what kind of risk a verdict describes. The zero value means
// no category.
type Category string

const (
	CategoryNone        Category = ""
	CategorySelfHarm    Category = "self_harm"
	CategorySuicidal    Category = "suicidal_ideation"
	CategoryViolence    Category = "violence"
	CategoryPersecution Category = "persecution_fear"
	CategoryOther       Category = "other"
)

// ParseCategory normalizes a category name. Unknown non-empty names map to
// CategoryOther so a model judgment is never dropped for a spelling variant.
func ParseCategory(s string) Category {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	switch normalized {
	case "", "none", "null":
		return CategoryNone
	case "self_harm", "selfharm":
		return CategorySelfHarm
	case "suicidal_ideation", "suicidal", "suicide":
		return CategorySuicidal
	case "violence", "violent":
		return CategoryViolence
	case "persecution_fear", "persecution", "paranoia":
		return CategoryPersecution
	default:
		return CategoryOther
	}
}

// Verdict is the immutable result of classifying one inbound message.
type Verdict struct {
	Level          Level    `json:"level"`
	Category       Category `json:"category,omitempty"`
	Confidence     float64  `json:"confidence"`
	TriggerSnippet string   `json:"trigger_snippet,omitempty"`
	Rationale      string   `json:"rationale,omitempty"`
}

// IsCrisis reports whether the verdict bypasses text generation.
func (v Verdict) IsCrisis() bool {
	return v.Level.IsCrisis()
}

// Surfaced returns the verdict worth showing to callers: nil for LOW.
func (v Verdict) Surfaced() *Verdict {
	if v.Level == LevelLow {
		return nil
	}
	out := v
	return &out
}

func (v Verdict) String() string {
	data, err := json.Marshal(v)
	if err != nil {
		return v.Level.String()
	}
	return string(data)
}

// Merge folds a model-stage verdict into a rule-stage verdict.
//
// # Description
//
// The merged level is max(rule, model). When the model escalates, its
// category, confidence and rationale win. On a tie the rule category and
// trigger snippet are kept, because they point at concrete text; the model
// rationale fills in when the rule verdict has none.
func Merge(rule, model Verdict) Verdict {
	switch {
	case model.Level > rule.Level:
		merged := model
		merged.TriggerSnippet = ""
		if merged.Category == CategoryNone {
			merged.Category = CategoryOther
		}
		merged.Confidence = clampConfidence(merged.Confidence)
		return merged
	case model.Level == rule.Level:
		merged := rule
		if merged.Category == CategoryNone {
			merged.Category = model.Category
		}
		if merged.Rationale == "" {
			merged.Rationale = model.Rationale
		}
		if model.Confidence > merged.Confidence {
			merged.Confidence = model.Confidence
		}
		merged.Confidence = clampConfidence(merged.Confidence)
		return merged
	default:
		rule.Confidence = clampConfidence(rule.Confidence)
		return rule
	}
}

// degraded returns the rule verdict with its confidence capped, used when
// the model stage could not produce a judgment.
func degraded(rule Verdict, reason string) Verdict {
	rule.Confidence = clampConfidence(rule.Confidence)
	if rule.Confidence > maxDegradedConfidence {
		rule.Confidence = maxDegradedConfidence
	}
	if rule.Rationale == "" {
		rule.Rationale = "model stage unavailable: " + reason
	}
	return rule
}

const maxDegradedConfidence = 0.5

func clampConfidence(c float64) float64 {
	switch {
	case c != c: // NaN
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
