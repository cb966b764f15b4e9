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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/AleutianAI/AleutianCare/pkg/observability"
	"github.com/AleutianAI/AleutianCare/services/llm"
	"github.com/AleutianAI/AleutianCare/services/subject"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("aleutian.tools")

const (
	defaultMaxConcurrent = 4
	defaultToolTimeout   = 10 * time.Second
)

// Registry executes context tools against a read-only subject store.
type Registry struct {
	reader        subject.Reader
	now           func() time.Time
	maxConcurrent int
	timeout       time.Duration
	logger        *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now, for deterministic windows and labels.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithMaxConcurrent bounds how many tools of one batch run at once.
func WithMaxConcurrent(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxConcurrent = n
		}
	}
}

// WithToolTimeout bounds a single tool execution.
func WithToolTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry reading through reader.
func NewRegistry(reader subject.Reader, opts ...RegistryOption) *Registry {
	r := &Registry{
		reader:        reader,
		now:           time.Now,
		maxConcurrent: defaultMaxConcurrent,
		timeout:       defaultToolTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Descriptors returns the static tool catalogue.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(descriptors))
	copy(out, descriptors)
	return out
}

// Specs returns the catalogue in the provider's tool format.
func (r *Registry) Specs() []llm.ToolSpec {
	catalogue := r.Descriptors()
	specs := make([]llm.ToolSpec, 0, len(catalogue))
	for _, d := range catalogue {
		specs = append(specs, llm.ToolSpec{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return specs
}

// Execute runs one invocation for subjectID.
//
// # Description
//
// Decodes and validates the input, dispatches on the Operation type and
// marshals the outcome as JSON text. Decode errors, data-access errors and
// panics all come back as a Result with IsError set; Execute itself never
// fails.
//
// # Inputs
//
//   - ctx: Bounds the lookup together with the registry's tool timeout.
//   - subjectID: Whose records to read.
//   - inv: The model's request.
//
// # Outputs
//
//   - Result: ToolID and Name always echo inv.
func (r *Registry) Execute(ctx context.Context, subjectID string, inv Invocation) (result Result) {
	result = Result{ToolID: inv.ToolID, Name: inv.Name}

	ctx, span := tracer.Start(ctx, "tools.Registry.Execute",
		trace.WithAttributes(
			attribute.String("tool.name", inv.Name),
			attribute.String("tool.id", inv.ToolID),
		),
	)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked",
				"tool", inv.Name,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			result.Content = fmt.Sprintf("The %s tool failed unexpectedly. Continue without this information.", inv.Name)
			result.IsError = true
		}
		if result.IsError {
			span.SetStatus(codes.Error, "tool error")
		}
		span.SetAttributes(attribute.Bool("tool.is_error", result.IsError))
		span.End()
		observability.DefaultMetrics.RecordToolCall(inv.Name, result.IsError)
	}()

	op, err := Decode(inv.Name, inv.Input)
	if err != nil {
		result.Content = err.Error()
		result.IsError = true
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	content, err := r.dispatch(ctx, subjectID, op)
	if err != nil {
		span.RecordError(err)
		r.logger.Warn("tool execution failed", "tool", inv.Name, "error", err)
		result.Content = describeError(inv.Name, err)
		result.IsError = true
		return result
	}
	data, err := json.Marshal(content)
	if err != nil {
		result.Content = fmt.Sprintf("The %s tool produced an unreadable result.", inv.Name)
		result.IsError = true
		return result
	}
	result.Content = string(data)
	return result
}

func (r *Registry) dispatch(ctx context.Context, subjectID string, op Operation) (any, error) {
	switch o := op.(type) {
	case MoodTrendsOp:
		return r.moodTrends(ctx, subjectID, o)
	case SleepPatternsOp:
		return r.sleepPatterns(ctx, subjectID, o)
	case AssessmentResultsOp:
		return r.assessmentResults(ctx, subjectID, o)
	case CopingStrategiesOp:
		return r.copingStrategies(ctx, subjectID)
	case KnownTriggersOp:
		return r.knownTriggers(ctx, subjectID)
	case ConversationSummaryOp:
		return r.conversationSummary(ctx, subjectID, o)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTool, op)
	}
}

func describeError(name string, err error) string {
	switch {
	case errors.Is(err, subject.ErrNotFound):
		return "No records were found for this person."
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("The %s lookup timed out. Continue without this information.", name)
	default:
		return fmt.Sprintf("The %s lookup failed. Continue without this information.", name)
	}
}

// ExecuteAll runs invocations concurrently and returns results in the same
// order as invs.
//
// The batch runs on a context detached from the caller's cancellation, so a
// client that goes away mid-turn does not interrupt lookups already started.
// Each lookup is still bounded by the tool timeout.
func (r *Registry) ExecuteAll(ctx context.Context, subjectID string, invs []Invocation) []Result {
	results := make([]Result, len(invs))
	if len(invs) == 0 {
		return results
	}
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(r.maxConcurrent)
	for i, inv := range invs {
		i, inv := i, inv
		g.Go(func() error {
			results[i] = r.Execute(detached, subjectID, inv)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
