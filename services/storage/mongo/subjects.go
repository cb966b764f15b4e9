// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mongo reads subject records from MongoDB.
//
// Each record kind lives in its own collection keyed by subject_id. The
// reader never writes; EnsureIndexes is the only call that changes the
// database, and it only adds indexes.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCare/services/subject"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	ProfilesCollection    = "profiles"
	MoodCollection        = "mood_entries"
	SleepCollection       = "sleep_entries"
	AssessmentsCollection = "assessments"
	SummariesCollection   = "conversation_summaries"
)

// Connect dials uri and verifies the connection with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// SubjectReader implements subject.Reader over one database.
type SubjectReader struct {
	profiles    *mongo.Collection
	mood        *mongo.Collection
	sleep       *mongo.Collection
	assessments *mongo.Collection
	summaries   *mongo.Collection
}

var _ subject.Reader = (*SubjectReader)(nil)

func NewSubjectReader(db *mongo.Database) *SubjectReader {
	return &SubjectReader{
		profiles:    db.Collection(ProfilesCollection),
		mood:        db.Collection(MoodCollection),
		sleep:       db.Collection(SleepCollection),
		assessments: db.Collection(AssessmentsCollection),
		summaries:   db.Collection(SummariesCollection),
	}
}

// EnsureIndexes creates the lookup indexes. Failures are logged, not
// returned, so a read-only user can still serve requests.
func (r *SubjectReader) EnsureIndexes(ctx context.Context, logger *slog.Logger) {
	r.createIndex(ctx, logger, r.profiles, bson.D{{Key: "subject_id", Value: 1}}, true)
	r.createIndex(ctx, logger, r.mood, bson.D{{Key: "subject_id", Value: 1}, {Key: "recorded_at", Value: -1}}, false)
	r.createIndex(ctx, logger, r.sleep, bson.D{{Key: "subject_id", Value: 1}, {Key: "night", Value: -1}}, false)
	r.createIndex(ctx, logger, r.assessments, bson.D{{Key: "subject_id", Value: 1}, {Key: "completed_at", Value: -1}}, false)
	r.createIndex(ctx, logger, r.summaries, bson.D{{Key: "subject_id", Value: 1}, {Key: "ended_at", Value: -1}}, false)
}

func (r *SubjectReader) createIndex(ctx context.Context, logger *slog.Logger, coll *mongo.Collection, keys bson.D, unique bool) {
	opts := options.Index().SetUnique(unique)
	if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys, Options: opts}); err != nil {
		logger.Warn("failed to create index", "collection", coll.Name(), "error", err)
	}
}

func (r *SubjectReader) Profile(ctx context.Context, subjectID string) (*subject.Profile, error) {
	var profile subject.Profile
	err := r.profiles.FindOne(ctx, bson.M{"subject_id": subjectID}).Decode(&profile)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", subject.ErrNotFound, subjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("find profile: %w", err)
	}
	return &profile, nil
}

// exists distinguishes an unknown subject from one with no entries.
func (r *SubjectReader) exists(ctx context.Context, subjectID string) error {
	opts := options.FindOne().SetProjection(bson.M{"_id": 1})
	err := r.profiles.FindOne(ctx, bson.M{"subject_id": subjectID}, opts).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s", subject.ErrNotFound, subjectID)
	}
	if err != nil {
		return fmt.Errorf("find profile: %w", err)
	}
	return nil
}

// findSince loads entries of one subject with field >= since, newest first.
func findSince[T any](ctx context.Context, r *SubjectReader, coll *mongo.Collection, subjectID, field string, since time.Time) ([]T, error) {
	if err := r.exists(ctx, subjectID); err != nil {
		return nil, err
	}
	filter := bson.M{"subject_id": subjectID, field: bson.M{"$gte": since}}
	opts := options.Find().SetSort(bson.D{{Key: field, Value: -1}})

	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", coll.Name(), err)
	}
	defer cursor.Close(ctx)

	out := []T{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", coll.Name(), err)
	}
	return out, nil
}

func (r *SubjectReader) MoodEntries(ctx context.Context, subjectID string, since time.Time) ([]subject.MoodEntry, error) {
	return findSince[subject.MoodEntry](ctx, r, r.mood, subjectID, "recorded_at", since)
}

func (r *SubjectReader) SleepEntries(ctx context.Context, subjectID string, since time.Time) ([]subject.SleepEntry, error) {
	return findSince[subject.SleepEntry](ctx, r, r.sleep, subjectID, "night", since)
}

func (r *SubjectReader) Assessments(ctx context.Context, subjectID string, since time.Time) ([]subject.AssessmentResult, error) {
	return findSince[subject.AssessmentResult](ctx, r, r.assessments, subjectID, "completed_at", since)
}

func (r *SubjectReader) ConversationSummaries(ctx context.Context, subjectID string, limit int) ([]subject.ConversationSummary, error) {
	if err := r.exists(ctx, subjectID); err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "ended_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := r.summaries.Find(ctx, bson.M{"subject_id": subjectID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find summaries: %w", err)
	}
	defer cursor.Close(ctx)

	out := []subject.ConversationSummary{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode summaries: %w", err)
	}
	return out, nil
}
