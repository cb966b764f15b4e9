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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianCare/services/subject"
	"github.com/AleutianAI/AleutianCare/services/tools"
	"github.com/spf13/cobra"
)

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and run the context tools offered to the model",
	}
	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsRunCmd())
	return cmd
}

// quietRegistry builds a registry whose logs never mix with command output.
func quietRegistry(reader subject.Reader) *tools.Registry {
	return tools.NewRegistry(reader,
		tools.WithRegistryLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

// =============================================================================
// tools list
// =============================================================================

func newToolsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the tool catalogue with input schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printCatalogue(cmd.OutOrStdout(), quietRegistry(subject.NewMemoryReader()).Descriptors(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func printCatalogue(w io.Writer, descs []tools.Descriptor, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(descs)
	}
	for _, d := range descs {
		fmt.Fprintf(w, "%s\n  %s\n", d.Name, d.Description)
		if params := schemaParams(d.InputSchema); params != "" {
			fmt.Fprintf(w, "  input: %s\n", params)
		}
	}
	return nil
}

// schemaParams renders the schema's properties as "name (type)" pairs.
func schemaParams(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		typ := "any"
		if p, ok := props[name].(map[string]any); ok {
			if t, ok := p["type"].(string); ok {
				typ = t
			}
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", name, typ))
	}
	return strings.Join(parts, ", ")
}

// =============================================================================
// tools run
// =============================================================================

type toolsRunOptions struct {
	fixtures  string
	subjectID string
}

func newToolsRunCmd() *cobra.Command {
	opts := &toolsRunOptions{}
	cmd := &cobra.Command{
		Use:   "run <tool> [input-json]",
		Short: "Run one tool against a subject fixtures file",
		Long: `Run one tool the way the model would invoke it and print the content
it returns. The input defaults to {}. Exits 1 when the tool reports an error.

Example:
  carectl tools run --fixtures subjects.yaml --subject s-1 get_mood_trends '{"days":14}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTool(cmd.Context(), cmd.OutOrStdout(), opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.fixtures, "fixtures", "", "Subject fixtures YAML file")
	cmd.Flags().StringVar(&opts.subjectID, "subject", "", "Subject id to read")
	_ = cmd.MarkFlagRequired("fixtures")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func runTool(ctx context.Context, w io.Writer, opts *toolsRunOptions, args []string) error {
	input := json.RawMessage(`{}`)
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return errors.New("tool input must be a JSON object")
		}
		input = json.RawMessage(args[1])
	}

	reader, err := subject.LoadFixtures(opts.fixtures)
	if err != nil {
		return err
	}
	result := quietRegistry(reader).Execute(ctx, opts.subjectID, tools.Invocation{
		ToolID: "cli",
		Name:   args[0],
		Input:  input,
	})
	if result.IsError {
		return &exitError{code: 1, msg: result.Content}
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, []byte(result.Content), "", "  "); err != nil {
		fmt.Fprintln(w, result.Content)
		return nil
	}
	fmt.Fprintln(w, pretty.String())
	return nil
}
