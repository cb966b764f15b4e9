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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianCare/services/risk/enforcement"
	"gopkg.in/yaml.v3"
)

// SupportedLanguages lists the languages every CRITICAL and HIGH tier of the
// pattern table must cover.
var SupportedLanguages = []string{"en", "es", "fr", "de", "zh", "ja"}

const (
	// noMatchConfidence is reported when non-empty text matched no pattern.
	// Absence of a pattern is weaker evidence than a match.
	noMatchConfidence = 0.7

	maxSnippetBytes = 120
)

// patternFile mirrors the layout of risk_patterns.yaml.
type patternFile struct {
	Version string         `yaml:"version"`
	Groups  []PatternGroup `yaml:"groups"`
}

// PatternGroup is a set of patterns sharing one level, category and language.
type PatternGroup struct {
	ID          string           `yaml:"id"`
	Level       Level            `yaml:"level"`
	Category    Category         `yaml:"category"`
	Language    string           `yaml:"language"`
	Confidence  float64          `yaml:"confidence"`
	Description string           `yaml:"description"`
	Patterns    []string         `yaml:"patterns"`
	compiled    []*regexp.Regexp `yaml:"-"`
}

func (l *Level) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return l.UnmarshalText([]byte(s))
}

func (c *Category) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch incoming := Category(s); incoming {
	case CategorySelfHarm, CategorySuicidal, CategoryViolence, CategoryPersecution, CategoryOther:
		*c = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for category: %q", s)
	}
}

// RuleSet is the compiled rule stage of the classifier.
type RuleSet struct {
	version     string
	fingerprint string
	// tiers holds the groups for CRITICAL, HIGH and MEDIUM in evaluation order.
	tiers [3][]PatternGroup
}

// DefaultRuleSet compiles the pattern table embedded in the binary.
func DefaultRuleSet() (*RuleSet, error) {
	return NewRuleSet(enforcement.RiskPatterns)
}

// NewRuleSet parses, validates and compiles a pattern table.
//
// # Description
//
// Every pattern is compiled case-insensitively. Groups keep their file
// order inside a level. The table is rejected when a group is malformed,
// when a pattern does not compile, or when a CRITICAL or HIGH tier misses
// one of SupportedLanguages.
//
// # Inputs
//
//   - data: YAML bytes in the risk_patterns.yaml layout.
//
// # Outputs
//
//   - *RuleSet: ready for concurrent Evaluate calls.
//   - error: non-nil when the table is invalid.
func NewRuleSet(data []byte) (*RuleSet, error) {
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the risk pattern table: %w", err)
	}
	if len(file.Groups) == 0 {
		return nil, fmt.Errorf("risk pattern table has no groups")
	}

	sum := sha256.Sum256(data)
	rs := &RuleSet{
		version:     file.Version,
		fingerprint: hex.EncodeToString(sum[:]),
	}

	seen := make(map[string]bool, len(file.Groups))
	coverage := map[Level]map[string]bool{
		LevelCritical: {},
		LevelHigh:     {},
	}
	for _, group := range file.Groups {
		if err := group.validate(); err != nil {
			return nil, err
		}
		if seen[group.ID] {
			return nil, fmt.Errorf("duplicate pattern group id %q", group.ID)
		}
		seen[group.ID] = true

		for _, p := range group.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("failed to compile pattern %q in group %s: %w", p, group.ID, err)
			}
			group.compiled = append(group.compiled, re)
		}
		if langs, ok := coverage[group.Level]; ok {
			langs[group.Language] = true
		}
		idx := tierIndex(group.Level)
		rs.tiers[idx] = append(rs.tiers[idx], group)
	}

	for _, level := range []Level{LevelCritical, LevelHigh} {
		for _, lang := range SupportedLanguages {
			if !coverage[level][lang] {
				return nil, fmt.Errorf("risk pattern table has no %s patterns for language %q", level, lang)
			}
		}
	}
	return rs, nil
}

func (g PatternGroup) validate() error {
	switch {
	case g.ID == "":
		return fmt.Errorf("pattern group without id")
	case g.Level < LevelMedium:
		return fmt.Errorf("pattern group %s: level must be MEDIUM or above, got %s", g.ID, g.Level)
	case g.Category == CategoryNone:
		return fmt.Errorf("pattern group %s: category is required", g.ID)
	case g.Language == "":
		return fmt.Errorf("pattern group %s: language is required", g.ID)
	case g.Confidence <= 0 || g.Confidence > 1:
		return fmt.Errorf("pattern group %s: confidence %v outside (0,1]", g.ID, g.Confidence)
	case len(g.Patterns) == 0:
		return fmt.Errorf("pattern group %s: no patterns", g.ID)
	}
	return nil
}

func tierIndex(l Level) int {
	return int(LevelCritical - l)
}

// Evaluate runs the rule stage against text.
//
// Tiers are checked CRITICAL, HIGH, MEDIUM; the first matching group wins
// and categories are never combined. Empty text is LOW with full confidence.
func (r *RuleSet) Evaluate(text string) Verdict {
	if strings.TrimSpace(text) == "" {
		return Verdict{Level: LevelLow, Confidence: 1.0}
	}
	for _, tier := range r.tiers {
		for _, group := range tier {
			for _, re := range group.compiled {
				loc := re.FindStringIndex(text)
				if loc == nil {
					continue
				}
				return Verdict{
					Level:          group.Level,
					Category:       group.Category,
					Confidence:     clampConfidence(group.Confidence),
					TriggerSnippet: snippet(text[loc[0]:loc[1]]),
					Rationale:      "matched pattern group " + group.ID,
				}
			}
		}
	}
	return Verdict{Level: LevelLow, Confidence: noMatchConfidence}
}

// Fingerprint is the hex sha256 of the source table.
func (r *RuleSet) Fingerprint() string {
	return r.fingerprint
}

func (r *RuleSet) Version() string {
	return r.version
}

// Coverage reports, per level, the sorted languages the table covers.
func (r *RuleSet) Coverage() map[Level][]string {
	out := make(map[Level][]string, len(r.tiers))
	for _, tier := range r.tiers {
		langs := map[string]bool{}
		var level Level
		for _, group := range tier {
			level = group.Level
			langs[group.Language] = true
		}
		if len(langs) == 0 {
			continue
		}
		list := make([]string, 0, len(langs))
		for lang := range langs {
			list = append(list, lang)
		}
		sort.Strings(list)
		out[level] = list
	}
	return out
}

// GroupCount returns the number of pattern groups in the table.
func (r *RuleSet) GroupCount() int {
	n := 0
	for _, tier := range r.tiers {
		n += len(tier)
	}
	return n
}

func snippet(match string) string {
	match = strings.TrimSpace(match)
	if len(match) <= maxSnippetBytes {
		return match
	}
	cut := maxSnippetBytes
	for cut > 0 && !utf8.RuneStart(match[cut]) {
		cut--
	}
	return match[:cut]
}
