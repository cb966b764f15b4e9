// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redis serializes conversation turns across engine replicas.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCare/services/conversation"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL    = 2 * time.Minute
	releaseTimeout    = 2 * time.Second
	defaultLockPrefix = "aleutian:turn:"
)

// releaseScript deletes the lock only if it still holds our token, so a
// turn that outlived its TTL cannot free a newer turn's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TurnLocker is a conversation.TurnLocker backed by SET NX with a TTL.
//
// The TTL bounds how long a crashed replica can block a conversation. It
// must exceed the longest turn: five generate calls plus tool lookups.
type TurnLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

var _ conversation.TurnLocker = (*TurnLocker)(nil)

// NewTurnLocker creates a locker. A ttl of zero uses two minutes.
func NewTurnLocker(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *TurnLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnLocker{client: client, ttl: ttl, prefix: defaultLockPrefix, logger: logger}
}

func (l *TurnLocker) key(conversationID string) string {
	return l.prefix + conversationID
}

// Acquire returns conversation.ErrTurnInProgress when another replica or
// goroutine holds the lock.
func (l *TurnLocker) Acquire(ctx context.Context, conversationID string) (func(), error) {
	key := l.key(conversationID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire turn lock: %w", err)
	}
	if !ok {
		return nil, conversation.ErrTurnInProgress
	}

	return func() {
		// The turn's context may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("failed to release turn lock", "conversation_id", conversationID, "error", err)
		}
	}, nil
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
