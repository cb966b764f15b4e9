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
	"fmt"
	"os"

	"github.com/AleutianAI/AleutianCare/pkg/logging"
	"github.com/AleutianAI/AleutianCare/services/orchestrator"
	"github.com/AleutianAI/AleutianCare/services/risk"
	"github.com/spf13/cobra"
)

// rootOptions are shared by every subcommand.
type rootOptions struct {
	rulesFile string
}

// rules loads the pattern table named by --rules, or the embedded one.
func (o *rootOptions) rules() (*risk.RuleSet, error) {
	if o.rulesFile == "" {
		return risk.DefaultRuleSet()
	}
	data, err := os.ReadFile(o.rulesFile)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	rules, err := risk.NewRuleSet(data)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", o.rulesFile, err)
	}
	return rules, nil
}

// newRootCmd builds the command tree. Tests build a fresh tree per case.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "carectl",
		Short: "Run and inspect the Aleutian care conversation engine",
		Long: `carectl serves the care conversation engine over HTTP and runs the
risk classifier offline, for checking messages and pattern tables without
a running service.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.rulesFile, "rules", "",
		"Risk pattern table to use instead of the embedded one")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newClassifyCmd(opts))
	root.AddCommand(newRulesCmd(opts))
	root.AddCommand(newToolsCmd())
	return root
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(root *rootOptions) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the care orchestrator HTTP service",
		Long: `Start the care orchestrator HTTP service.

Configuration is read from --config (or CARE_CONFIG), then overridden by
environment variables. Secrets are read from the environment or /run/secrets.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("CARE_CONFIG")
			}
			return runServe(configPath, root.rulesFile)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	return cmd
}

func runServe(configPath, rulesFile string) error {
	cfg, err := orchestrator.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if rulesFile != "" {
		cfg.Risk.RulesFile = rulesFile
	}

	logger := logging.New(cfg.Logging)
	defer logger.Close()
	logger.SetDefault()
	cfg.Logger = logger.Slog()

	logger.Info("Starting care orchestrator",
		"port", cfg.Port,
		"llm_backend", cfg.LLM.Backend,
		"subjects", cfg.Subjects.Source,
		"history", cfg.History.Backend,
		"lock", cfg.Lock.Backend,
	)

	svc, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}
	return svc.Run()
}
