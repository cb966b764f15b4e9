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
	"fmt"
	"io"
	"strings"

	"github.com/AleutianAI/AleutianCare/services/risk"
	"github.com/spf13/cobra"
)

func newRulesCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the risk pattern table",
	}
	cmd.AddCommand(newRulesVerifyCmd(root))
	return cmd
}

type verifyOptions struct {
	*rootOptions
	json              bool
	expectFingerprint string
}

func newRulesVerifyCmd(root *rootOptions) *cobra.Command {
	opts := &verifyOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compile the pattern table and print its fingerprint and coverage",
		Long: `Compile the pattern table and print its version, fingerprint and
per-level language coverage. Languages missing from a level are listed, so
uneven MEDIUM coverage stays visible.

With --expect-fingerprint the command exits 1 when the table differs from
the reviewed one, for use in deployment checks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesVerify(cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.json, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&opts.expectFingerprint, "expect-fingerprint", "",
		"Fail unless the table's sha256 fingerprint matches")
	return cmd
}

// levelCoverage is one row of the coverage report.
type levelCoverage struct {
	Level     string   `json:"level"`
	Languages []string `json:"languages"`
	Missing   []string `json:"missing,omitempty"`
}

type rulesReport struct {
	Version     string          `json:"version"`
	Fingerprint string          `json:"fingerprint"`
	Groups      int             `json:"groups"`
	Coverage    []levelCoverage `json:"coverage"`
}

func runRulesVerify(w io.Writer, opts *verifyOptions) error {
	rules, err := opts.rules()
	if err != nil {
		return err
	}
	report := buildRulesReport(rules)

	if opts.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w, "version:      %s\n", report.Version)
		fmt.Fprintf(w, "fingerprint:  %s\n", report.Fingerprint)
		fmt.Fprintf(w, "groups:       %d\n", report.Groups)
		fmt.Fprintln(w, "coverage:")
		for _, row := range report.Coverage {
			fmt.Fprintf(w, "  %-9s %s", row.Level, strings.Join(row.Languages, " "))
			if len(row.Missing) > 0 {
				fmt.Fprintf(w, "  (missing: %s)", strings.Join(row.Missing, " "))
			}
			fmt.Fprintln(w)
		}
	}

	if opts.expectFingerprint != "" && !strings.EqualFold(opts.expectFingerprint, report.Fingerprint) {
		return &exitError{code: 1, msg: fmt.Sprintf("fingerprint mismatch: table is %s, expected %s",
			report.Fingerprint, opts.expectFingerprint)}
	}
	return nil
}

func buildRulesReport(rules *risk.RuleSet) rulesReport {
	coverage := rules.Coverage()
	report := rulesReport{
		Version:     rules.Version(),
		Fingerprint: rules.Fingerprint(),
		Groups:      rules.GroupCount(),
	}
	for _, level := range []risk.Level{risk.LevelCritical, risk.LevelHigh, risk.LevelMedium} {
		langs := coverage[level]
		covered := make(map[string]bool, len(langs))
		for _, l := range langs {
			covered[l] = true
		}
		var missing []string
		for _, l := range risk.SupportedLanguages {
			if !covered[l] {
				missing = append(missing, l)
			}
		}
		report.Coverage = append(report.Coverage, levelCoverage{
			Level:     level.String(),
			Languages: append([]string{}, langs...),
			Missing:   missing,
		})
	}
	return report
}
