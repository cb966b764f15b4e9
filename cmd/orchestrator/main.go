// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the care orchestrator HTTP server.
//
// This is the main entry point for the containerized service. It reads the
// YAML file named by CARE_CONFIG (optional), applies environment overrides
// and starts the server. carectl serve does the same from a shell.
//
// # Environment Variables
//
//   - CARE_CONFIG: path to the YAML configuration file (optional)
//   - CARE_PORT: HTTP server port (default: 12310)
//   - LLM_BACKEND_TYPE: anthropic, openai or none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//   - MONGO_URI, REDIS_URL: secrets for the mongo subject source and redis lock
//
// See orchestrator.LoadConfig for the full list.
//
// # Usage
//
//	# Build
//	go build -o orchestrator ./cmd/orchestrator
//
//	# Run
//	CARE_CONFIG=care.yaml ./orchestrator
package main

import (
	"log"
	"os"

	"github.com/AleutianAI/AleutianCare/pkg/logging"
	"github.com/AleutianAI/AleutianCare/services/orchestrator"
)

func main() {
	cfg, err := orchestrator.LoadConfig(os.Getenv("CARE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Containers log JSON to stdout for the collector.
	cfg.Logging.JSON = true
	cfg.Logging.Output = os.Stdout
	logger := logging.New(cfg.Logging)
	logger.SetDefault()
	cfg.Logger = logger.Slog()

	logger.Info("Starting orchestrator",
		"port", cfg.Port,
		"llm_backend", cfg.LLM.Backend,
		"subjects", cfg.Subjects.Source,
		"history", cfg.History.Backend,
		"lock", cfg.Lock.Backend,
	)

	svc, err := orchestrator.New(cfg)
	if err != nil {
		logger.Error("Failed to create orchestrator", "error", err)
		logger.Close()
		os.Exit(1)
	}

	// Run blocks until SIGINT/SIGTERM and shuts down gracefully.
	if err := svc.Run(); err != nil {
		logger.Error("Orchestrator error", "error", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}
