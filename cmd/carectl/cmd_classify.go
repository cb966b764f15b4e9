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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCare/services/llm"
	"github.com/AleutianAI/AleutianCare/services/risk"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

type classifyOptions struct {
	*rootOptions
	json         bool
	failAt       string
	backend      string
	model        string
	judgeTimeout time.Duration
}

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

func newClassifyCmd(root *rootOptions) *cobra.Command {
	opts := &classifyOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "classify [text...]",
		Short: "Classify a message with the risk classifier",
		Long: `Classify one message and print the verdict.

The message is taken from the arguments, or from stdin when no arguments
are given or the only argument is "-". By default only the rule stage runs;
--backend adds the model stage using the named text-generation provider.

Examples:
  carectl classify "I don't see the point anymore"
  carectl classify --json < message.txt
  carectl classify --fail-at high "..."   # exit 1 on HIGH or CRITICAL
  carectl classify --backend anthropic "..."`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(cmd, opts, args)
		},
	}
	cmd.Flags().BoolVar(&opts.json, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&opts.failAt, "fail-at", "",
		"Exit 1 when the verdict is at or above: low, medium, high, critical")
	cmd.Flags().StringVar(&opts.backend, "backend", "",
		"LLM backend for the model stage: anthropic, openai")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model for the model stage")
	cmd.Flags().DurationVar(&opts.judgeTimeout, "judge-timeout", 0,
		"Upper bound for the model judgment")
	return cmd
}

// classifyOutput is the --json shape.
type classifyOutput struct {
	Verdict         risk.Verdict `json:"verdict"`
	RuleVersion     string       `json:"rule_version"`
	RuleFingerprint string       `json:"rule_fingerprint"`
}

// =============================================================================
// IMPLEMENTATION
// =============================================================================

func runClassify(cmd *cobra.Command, opts *classifyOptions, args []string) error {
	var threshold risk.Level
	if opts.failAt != "" {
		lvl, ok := risk.ParseLevel(opts.failAt)
		if !ok {
			return fmt.Errorf("invalid --fail-at %q: want low, medium, high or critical", opts.failAt)
		}
		threshold = lvl
	}

	text, err := classifyInput(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	rules, err := opts.rules()
	if err != nil {
		return err
	}
	classifier, err := newCLIClassifier(rules, opts)
	if err != nil {
		return err
	}

	verdict := classifier.Classify(cmd.Context(), text)
	if err := printVerdict(cmd.OutOrStdout(), opts.json, classifyOutput{
		Verdict:         verdict,
		RuleVersion:     rules.Version(),
		RuleFingerprint: rules.Fingerprint(),
	}); err != nil {
		return err
	}

	if opts.failAt != "" && verdict.Level >= threshold {
		return &exitError{code: 1, msg: fmt.Sprintf("risk %s is at or above %s", verdict.Level, threshold)}
	}
	return nil
}

func newCLIClassifier(rules *risk.RuleSet, opts *classifyOptions) (*risk.Classifier, error) {
	// Classifier logs are dropped so they never mix with the verdict.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	classifierOpts := []risk.Option{risk.WithLogger(logger)}

	if opts.backend != "" {
		provider, err := llm.NewProvider(llm.Config{Backend: opts.backend, Model: opts.model})
		if err != nil {
			return nil, fmt.Errorf("model stage: %w", err)
		}
		judge, err := risk.NewModelJudge(provider, opts.judgeTimeout)
		if err != nil {
			return nil, fmt.Errorf("model stage: %w", err)
		}
		classifierOpts = append(classifierOpts, risk.WithJudge(judge))
	}
	return risk.NewClassifier(rules, classifierOpts...), nil
}

func classifyInput(stdin io.Reader, args []string) (string, error) {
	var text string
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		if len(args) == 0 && isTerminal(stdin) {
			return "", errors.New("nothing to classify: pass text as arguments or pipe it on stdin")
		}
		data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	} else {
		text = strings.Join(args, " ")
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("nothing to classify: pass text as arguments or pipe it on stdin")
	}
	return text, nil
}

// isTerminal reports whether r is an interactive terminal, where reading
// would wait for the user instead of a pipe.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func printVerdict(w io.Writer, asJSON bool, out classifyOutput) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	v := out.Verdict
	fmt.Fprintf(w, "level:       %s\n", v.Level)
	if v.Category != risk.CategoryNone {
		fmt.Fprintf(w, "category:    %s\n", v.Category)
	}
	fmt.Fprintf(w, "confidence:  %.2f\n", v.Confidence)
	if v.TriggerSnippet != "" {
		fmt.Fprintf(w, "trigger:     %q\n", v.TriggerSnippet)
	}
	if v.Rationale != "" {
		fmt.Fprintf(w, "rationale:   %s\n", v.Rationale)
	}
	if v.IsCrisis() {
		fmt.Fprintln(w, "crisis:      yes (text generation would be bypassed)")
	}
	fmt.Fprintf(w, "rules:       %s (%s)\n", out.RuleVersion, shortFingerprint(out.RuleFingerprint))
	return nil
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
