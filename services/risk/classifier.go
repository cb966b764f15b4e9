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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianCare/pkg/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.risk")

// Stage labels for metrics and spans.
const (
	stageRule     = "rule"
	stageModel    = "model"
	stageDegraded = "degraded"
)

// Judge produces a model-stage verdict. *ModelJudge implements it.
type Judge interface {
	Judge(ctx context.Context, text string) (Verdict, error)
}

// Classifier runs the rule stage and, when it found nothing actionable, the
// model stage.
type Classifier struct {
	rules  atomic.Pointer[RuleSet]
	judge  Judge
	logger *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithJudge enables the model stage.
func WithJudge(j Judge) Option {
	return func(c *Classifier) { c.judge = j }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// NewClassifier creates a classifier over rules. Without WithJudge only the
// rule stage runs.
func NewClassifier(rules *RuleSet, opts ...Option) *Classifier {
	c := &Classifier{logger: slog.Default()}
	c.rules.Store(rules)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the verdict for one inbound message.
//
// # Description
//
// CRITICAL and HIGH rule matches return immediately. Otherwise the model
// stage, when configured, may escalate the level but never lower it. A
// model failure keeps the rule verdict with confidence capped at 0.5.
//
// # Outputs
//
//   - Verdict: always populated. Classify never returns an error and
//     recovers any panic raised below it; a panic before the rule stage
//     finished yields a MEDIUM verdict with zero confidence rather than LOW.
//
// # Thread Safety
//
// Safe for concurrent use.
func (c *Classifier) Classify(ctx context.Context, text string) (verdict Verdict) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "risk.Classifier.Classify",
		trace.WithAttributes(attribute.Int("risk.text_length", len(text))),
	)
	stage := stageRule
	ruleDone := false
	var rule Verdict

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("risk classification panicked", "panic", fmt.Sprint(r), "stage", stage)
			if ruleDone {
				verdict = degraded(rule, "internal error")
			} else {
				verdict = Verdict{
					Level:      LevelMedium,
					Category:   CategoryOther,
					Confidence: 0,
					Rationale:  "classification failed",
				}
			}
			stage = stageDegraded
		}
		verdict.Confidence = clampConfidence(verdict.Confidence)
		span.SetAttributes(
			attribute.String("risk.level", verdict.Level.String()),
			attribute.String("risk.category", string(verdict.Category)),
			attribute.String("risk.stage", stage),
			attribute.Float64("risk.confidence", verdict.Confidence),
		)
		span.End()
		observability.DefaultMetrics.RecordVerdict(stage, verdict.Level.String())
		observability.DefaultMetrics.RecordClassifyDuration(time.Since(start).Seconds())
	}()

	rule = c.rules.Load().Evaluate(text)
	ruleDone = true
	if rule.IsCrisis() || c.judge == nil {
		return rule
	}
	if strings.TrimSpace(text) == "" {
		return rule
	}

	stage = stageModel
	model, err := c.judge.Judge(ctx, text)
	if err != nil {
		stage = stageDegraded
		span.RecordError(err)
		c.logger.Warn("risk model stage failed, using rule verdict",
			"error", err,
			"rule_level", rule.Level.String(),
		)
		reason := "provider error"
		if errors.Is(err, ErrUnparsableJudgment) {
			reason = "unparsable judgment"
		}
		return degraded(rule, reason)
	}
	return Merge(rule, model)
}

// Rules exposes the compiled rule stage.
func (c *Classifier) Rules() *RuleSet {
	return c.rules.Load()
}

// SetRules swaps the rule stage. Classifications already running finish
// on the table they started with. A nil table is ignored.
func (c *Classifier) SetRules(rules *RuleSet) {
	if rules == nil {
		return
	}
	c.rules.Store(rules)
}
