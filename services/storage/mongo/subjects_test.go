// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCare/services/subject"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

var day = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)

func profileDoc(id, name string) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "subject_id", Value: id},
		{Key: "first_name", Value: name},
		{Key: "preferred_language", Value: "es"},
	}
}

func TestSubjectReader(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("profile", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.profiles", mtest.FirstBatch, profileDoc("s-1", "Lucía")))

		profile, err := NewSubjectReader(mt.DB).Profile(ctx, "s-1")
		require.NoError(mt, err)
		assert.Equal(mt, "Lucía", profile.FirstName)
		assert.Equal(mt, "es", profile.PreferredLanguage)
	})

	mt.Run("profile not found", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.profiles", mtest.FirstBatch))

		_, err := NewSubjectReader(mt.DB).Profile(ctx, "missing")
		assert.ErrorIs(mt, err, subject.ErrNotFound)
	})

	mt.Run("mood entries", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "db.profiles", mtest.FirstBatch, bson.D{{Key: "_id", Value: "s-1"}}),
			mtest.CreateCursorResponse(0, "db.mood_entries", mtest.FirstBatch,
				bson.D{{Key: "subject_id", Value: "s-1"}, {Key: "recorded_at", Value: day}, {Key: "score", Value: 6.0}, {Key: "note", Value: "walk"}},
				bson.D{{Key: "subject_id", Value: "s-1"}, {Key: "recorded_at", Value: day.AddDate(0, 0, -1)}, {Key: "score", Value: 4.0}},
			),
		)

		entries, err := NewSubjectReader(mt.DB).MoodEntries(ctx, "s-1", day.AddDate(0, 0, -7))
		require.NoError(mt, err)
		require.Len(mt, entries, 2)
		assert.Equal(mt, 6.0, entries[0].Score)
		assert.Equal(mt, "walk", entries[0].Note)
		assert.True(mt, entries[0].RecordedAt.Equal(day))

		started := mt.GetAllStartedEvents()
		require.Len(mt, started, 2)
		assert.Equal(mt, "find", started[1].CommandName)
		assert.Equal(mt, MoodCollection, started[1].Command.Lookup("find").StringValue())
	})

	mt.Run("range query for unknown subject", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.profiles", mtest.FirstBatch))

		_, err := NewSubjectReader(mt.DB).SleepEntries(ctx, "missing", day)
		assert.ErrorIs(mt, err, subject.ErrNotFound)
	})

	mt.Run("empty range is not nil", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "db.profiles", mtest.FirstBatch, bson.D{{Key: "_id", Value: "s-1"}}),
			mtest.CreateCursorResponse(0, "db.assessments", mtest.FirstBatch),
		)

		results, err := NewSubjectReader(mt.DB).Assessments(ctx, "s-1", day)
		require.NoError(mt, err)
		assert.NotNil(mt, results)
		assert.Empty(mt, results)
	})

	mt.Run("summaries honor limit", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "db.profiles", mtest.FirstBatch, bson.D{{Key: "_id", Value: "s-1"}}),
			mtest.CreateCursorResponse(0, "db.conversation_summaries", mtest.FirstBatch,
				bson.D{{Key: "conversation_id", Value: "c-2"}, {Key: "summary", Value: "Sleep routine"}, {Key: "ended_at", Value: day}},
			),
		)

		summaries, err := NewSubjectReader(mt.DB).ConversationSummaries(ctx, "s-1", 3)
		require.NoError(mt, err)
		require.Len(mt, summaries, 1)
		assert.Equal(mt, "Sleep routine", summaries[0].Summary)

		started := mt.GetAllStartedEvents()
		require.Len(mt, started, 2)
		limit, ok := started[1].Command.Lookup("limit").AsInt64OK()
		require.True(mt, ok)
		assert.Equal(mt, int64(3), limit)
	})

	mt.Run("server error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Name: "BadValue", Message: "bad filter"}))

		_, err := NewSubjectReader(mt.DB).Profile(ctx, "s-1")
		require.Error(mt, err)
		assert.NotErrorIs(mt, err, subject.ErrNotFound)
	})
}
