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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianCare/services/risk"
	"github.com/fsnotify/fsnotify"
)

// defaultRulesDebounce collapses the write bursts editors produce on save.
const defaultRulesDebounce = 250 * time.Millisecond

// rulesWatcher reloads an external pattern table into a running classifier.
//
// # Description
//
// The parent directory is watched rather than the file itself, because
// editors and config management replace files by rename and a watch on the
// old inode goes silent. A table that fails to compile is logged and the
// previous one stays active, so a bad edit never disables the rule stage.
//
// # Thread Safety
//
// run must be called once. The classifier swap is atomic.
type rulesWatcher struct {
	path       string
	classifier *risk.Classifier
	logger     *slog.Logger
	debounce   time.Duration
	watcher    *fsnotify.Watcher
}

func newRulesWatcher(path string, classifier *risk.Classifier, logger *slog.Logger) (*rulesWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve rules file: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &rulesWatcher{
		path:       abs,
		classifier: classifier,
		logger:     logger,
		debounce:   defaultRulesDebounce,
		watcher:    watcher,
	}, nil
}

// run processes events until ctx is cancelled, then closes the watcher.
func (w *rulesWatcher) run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Rules watcher error", "error", err)
		}
	}
}

// reload compiles the file and swaps it in when it changed.
func (w *rulesWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		// A rename-replace briefly leaves no file; the Create that follows
		// triggers another reload.
		w.logger.Warn("Keeping previous risk pattern table", "path", w.path, "error", err)
		return
	}
	rules, err := risk.NewRuleSet(data)
	if err != nil {
		w.logger.Error("Rejected risk pattern table, keeping previous one",
			"path", w.path,
			"error", err)
		return
	}

	previous := w.classifier.Rules()
	if previous != nil && previous.Fingerprint() == rules.Fingerprint() {
		return
	}
	w.classifier.SetRules(rules)
	w.logger.Info("Reloaded risk pattern table",
		"path", w.path,
		"rule_version", rules.Version(),
		"rule_fingerprint", rules.Fingerprint(),
		"pattern_groups", rules.GroupCount())
}
