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

// descriptors is the static catalogue advertised to the model. Schema bounds
// match the validate tags on the Operation types.
var descriptors = []Descriptor{
	{
		Name: NameMoodTrends,
		Description: "Summarize the person's self-reported mood (1-10) over recent days: " +
			"count, average, min, max, trend (improving, declining or stable) and the latest notes.",
		InputSchema: objectSchema(map[string]any{
			"days": map[string]any{
				"type":        "integer",
				"description": "How many days to look back.",
				"minimum":     1,
				"maximum":     maxDays,
				"default":     defaultDays,
			},
		}),
	},
	{
		Name:        NameSleepPatterns,
		Description: "Summarize recent sleep: average hours, average quality (1-5) and nights under 6 hours.",
		InputSchema: objectSchema(map[string]any{
			"days": map[string]any{
				"type":        "integer",
				"description": "How many nights to look back.",
				"minimum":     1,
				"maximum":     maxDays,
				"default":     defaultDays,
			},
		}),
	},
	{
		Name: NameAssessmentResults,
		Description: "Most recent standardized assessment per type within the last 90 days " +
			"(PHQ-9 depression, GAD-7 anxiety, PCL-5 trauma) with score, severity and flags.",
		InputSchema: objectSchema(map[string]any{
			"type": map[string]any{
				"type":        "string",
				"description": "Which assessment to return.",
				"enum":        []string{"PHQ9", "GAD7", "PCL5", "all"},
				"default":     "all",
			},
		}),
	},
	{
		Name:        NameCopingStrategies,
		Description: "Coping strategies the person has said work for them.",
		InputSchema: objectSchema(map[string]any{}),
	},
	{
		Name:        NameKnownTriggers,
		Description: "Situations the person has identified as triggers.",
		InputSchema: objectSchema(map[string]any{}),
	},
	{
		Name:        NameConversationSummary,
		Description: "Short summaries of the most recent past conversations, newest first, with when they happened.",
		InputSchema: objectSchema(map[string]any{
			"limit": map[string]any{
				"type":        "integer",
				"description": "How many summaries to return.",
				"minimum":     1,
				"maximum":     maxSummaryLimit,
				"default":     defaultSummaryLimit,
			},
		}),
	},
}

func objectSchema(properties map[string]any) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
}
