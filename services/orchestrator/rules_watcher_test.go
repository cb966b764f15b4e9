// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCare/services/risk"
	"github.com/AleutianAI/AleutianCare/services/risk/enforcement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withVersion rewrites the embedded table's version line.
func withVersion(t *testing.T, version string) []byte {
	t.Helper()
	rules, err := risk.DefaultRuleSet()
	require.NoError(t, err)
	old := []byte(`version: "` + rules.Version() + `"`)
	require.True(t, bytes.Contains(enforcement.RiskPatterns, old))
	return bytes.Replace(enforcement.RiskPatterns, old, []byte(`version: "`+version+`"`), 1)
}

func newWatchedClassifier(t *testing.T) (string, *risk.Classifier, *rulesWatcher) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, withVersion(t, "watch-1"), 0o600))

	rules, err := loadRules(path)
	require.NoError(t, err)
	classifier := risk.NewClassifier(rules)

	w, err := newRulesWatcher(path, classifier, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	return path, classifier, w
}

func TestRulesWatcher_ReloadsChangedTable(t *testing.T) {
	path, classifier, w := newWatchedClassifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.run(ctx)

	require.NoError(t, os.WriteFile(path, withVersion(t, "watch-2"), 0o600))

	assert.Eventually(t, func() bool {
		return classifier.Rules().Version() == "watch-2"
	}, 5*time.Second, 20*time.Millisecond)

	verdict := classifier.Classify(context.Background(), "I'm going to kill myself tonight")
	assert.Equal(t, risk.LevelCritical, verdict.Level)
}

func TestRulesWatcher_KeepsPreviousTableOnBadEdit(t *testing.T) {
	path, classifier, w := newWatchedClassifier(t)
	defer w.watcher.Close()
	before := classifier.Rules()

	require.NoError(t, os.WriteFile(path, []byte("groups: [unterminated"), 0o600))
	w.reload()
	assert.Same(t, before, classifier.Rules())

	require.NoError(t, os.Remove(path))
	w.reload()
	assert.Same(t, before, classifier.Rules())
}

func TestRulesWatcher_IgnoresUnchangedContent(t *testing.T) {
	_, classifier, w := newWatchedClassifier(t)
	defer w.watcher.Close()
	before := classifier.Rules()

	w.reload()
	assert.Same(t, before, classifier.Rules(), "same fingerprint keeps the compiled table")
}

func TestRulesWatcher_MissingDirectory(t *testing.T) {
	rules, err := risk.DefaultRuleSet()
	require.NoError(t, err)

	_, err = newRulesWatcher(filepath.Join(t.TempDir(), "absent", "rules.yaml"),
		risk.NewClassifier(rules), slog.Default())
	assert.Error(t, err)
}
