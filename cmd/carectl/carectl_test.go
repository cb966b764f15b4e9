// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianCare/services/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs a fresh command tree and returns stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func exitCode(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return -1
}

// =============================================================================
// classify
// =============================================================================

func TestClassify_CrisisText(t *testing.T) {
	out, err := execute(t, "", "classify", "I'm going to kill myself tonight")
	require.NoError(t, err)

	assert.Contains(t, out, "level:       CRITICAL")
	assert.Contains(t, out, "crisis:      yes")
}

func TestClassify_LowText(t *testing.T) {
	out, err := execute(t, "", "classify", "I", "feel", "okay", "today")
	require.NoError(t, err)

	assert.Contains(t, out, "level:       LOW")
	assert.NotContains(t, out, "crisis:")
}

func TestClassify_JSONFromStdin(t *testing.T) {
	out, err := execute(t, "I'm going to kill myself tonight\n", "classify", "--json")
	require.NoError(t, err)

	var got classifyOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, risk.LevelCritical, got.Verdict.Level)
	assert.NotEmpty(t, got.RuleFingerprint)
}

func TestClassify_DashReadsStdin(t *testing.T) {
	out, err := execute(t, "just tired", "classify", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "LOW")
}

func TestClassify_FailAt(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		failAt   string
		wantCode int
	}{
		{"critical above high", "I'm going to kill myself tonight", "high", 1},
		{"critical at critical", "I'm going to kill myself tonight", "CRITICAL", 1},
		{"low below medium", "I feel okay today", "medium", 0},
		{"low at low", "I feel okay today", "low", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, "", "classify", "--fail-at", tt.failAt, tt.text)
			if tt.wantCode == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, exitCode(err))
		})
	}
}

func TestClassify_Errors(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		_, err := execute(t, "   ", "classify")
		require.Error(t, err)
		assert.Equal(t, -1, exitCode(err))
		assert.Contains(t, err.Error(), "nothing to classify")
	})
	t.Run("bad threshold", func(t *testing.T) {
		_, err := execute(t, "", "classify", "--fail-at", "severe", "hello")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--fail-at")
	})
	t.Run("unknown backend", func(t *testing.T) {
		_, err := execute(t, "", "classify", "--backend", "mystery", "hello")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model stage")
	})
}

func TestIsTerminal_PipesAreNotTerminals(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	assert.False(t, isTerminal(r))
	assert.False(t, isTerminal(strings.NewReader("text")))
}

// =============================================================================
// rules verify
// =============================================================================

func TestRulesVerify_EmbeddedTable(t *testing.T) {
	rules, err := risk.DefaultRuleSet()
	require.NoError(t, err)

	out, err := execute(t, "", "rules", "verify")
	require.NoError(t, err)

	assert.Contains(t, out, "fingerprint:  "+rules.Fingerprint())
	assert.Contains(t, out, "CRITICAL")
	assert.Contains(t, out, "HIGH")
	assert.Contains(t, out, "MEDIUM")
}

func TestRulesVerify_JSONReportsFullCrisisCoverage(t *testing.T) {
	out, err := execute(t, "", "rules", "verify", "--json")
	require.NoError(t, err)

	var report rulesReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Coverage, 3)
	for _, row := range report.Coverage[:2] {
		assert.Empty(t, row.Missing, "%s must cover every supported language", row.Level)
		assert.ElementsMatch(t, risk.SupportedLanguages, row.Languages)
	}
	assert.Equal(t, "MEDIUM", report.Coverage[2].Level)
}

func TestRulesVerify_ExpectFingerprint(t *testing.T) {
	rules, err := risk.DefaultRuleSet()
	require.NoError(t, err)

	_, err = execute(t, "", "rules", "verify", "--expect-fingerprint", strings.ToUpper(rules.Fingerprint()))
	assert.NoError(t, err, "comparison is case-insensitive")

	_, err = execute(t, "", "rules", "verify", "--expect-fingerprint", "deadbeef")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, err.Error(), "fingerprint mismatch")
}

func TestRulesVerify_InvalidRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("groups: [unterminated"), 0o600))

	_, err := execute(t, "", "--rules", path, "rules", "verify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestRulesVerify_MissingRulesFile(t *testing.T) {
	_, err := execute(t, "", "--rules", filepath.Join(t.TempDir(), "absent.yaml"), "rules", "verify")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// =============================================================================
// tools
// =============================================================================

const toolFixtures = `subjects:
  - profile:
      subject_id: s-1
      first_name: Maya
      preferred_language: en
      coping_strategies: Box breathing
`

func writeToolFixtures(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subjects.yaml")
	require.NoError(t, os.WriteFile(path, []byte(toolFixtures), 0o600))
	return path
}

func TestToolsList_PrintsCatalogue(t *testing.T) {
	out, err := execute(t, "", "tools", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "get_mood_trends")
	assert.Contains(t, out, "input: days (integer)")
	assert.Contains(t, out, "get_recent_conversation_summary")
}

func TestToolsList_JSONMatchesRegistry(t *testing.T) {
	out, err := execute(t, "", "tools", "list", "--json")
	require.NoError(t, err)

	var descs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &descs))
	require.Len(t, descs, 6)
	assert.Equal(t, "get_mood_trends", descs[0]["name"])
	assert.NotNil(t, descs[0]["input_schema"])
}

func TestToolsRun(t *testing.T) {
	fixtures := writeToolFixtures(t)

	t.Run("profile text", func(t *testing.T) {
		out, err := execute(t, "", "tools", "run", "--fixtures", fixtures, "--subject", "s-1", "get_coping_strategies")
		require.NoError(t, err)
		assert.Contains(t, out, "Box breathing")
	})
	t.Run("not recorded", func(t *testing.T) {
		out, err := execute(t, "", "tools", "run", "--fixtures", fixtures, "--subject", "s-1", "get_known_triggers", "{}")
		require.NoError(t, err)
		assert.Contains(t, out, "not recorded")
	})
	t.Run("input out of bounds", func(t *testing.T) {
		_, err := execute(t, "", "tools", "run", "--fixtures", fixtures, "--subject", "s-1",
			"get_mood_trends", `{"days":90}`)
		require.Error(t, err)
		assert.Equal(t, 1, exitCode(err))
	})
	t.Run("unknown tool", func(t *testing.T) {
		_, err := execute(t, "", "tools", "run", "--fixtures", fixtures, "--subject", "s-1", "get_weather")
		require.Error(t, err)
		assert.Equal(t, 1, exitCode(err))
	})
	t.Run("malformed input", func(t *testing.T) {
		_, err := execute(t, "", "tools", "run", "--fixtures", fixtures, "--subject", "s-1",
			"get_mood_trends", "{days")
		require.Error(t, err)
		assert.Equal(t, -1, exitCode(err))
	})
	t.Run("missing fixtures flag", func(t *testing.T) {
		_, err := execute(t, "", "tools", "run", "--subject", "s-1", "get_known_triggers")
		require.Error(t, err)
	})
}

// =============================================================================
// serve
// =============================================================================

func TestServe_BadConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "care.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: not-a-number\n"), 0o600))

	_, err := execute(t, "", "serve", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestServe_RejectsArguments(t *testing.T) {
	_, err := execute(t, "", "serve", "extra")
	require.Error(t, err)
}
