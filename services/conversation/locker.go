// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"sync"
)

// TurnLocker serializes turns of one conversation.
//
// # Description
//
// Acquire does not wait: when a turn for conversationID is already running
// it returns ErrTurnInProgress. On success the caller must call release
// exactly once when the turn ends.
type TurnLocker interface {
	Acquire(ctx context.Context, conversationID string) (release func(), err error)
}

// LocalTurnLocker is an in-process TurnLocker keyed by conversation id.
type LocalTurnLocker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewLocalTurnLocker() *LocalTurnLocker {
	return &LocalTurnLocker{active: make(map[string]struct{})}
}

func (l *LocalTurnLocker) Acquire(_ context.Context, conversationID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[conversationID]; busy {
		return nil, ErrTurnInProgress
	}
	l.active[conversationID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, conversationID)
			l.mu.Unlock()
		})
	}, nil
}

var _ TurnLocker = (*LocalTurnLocker)(nil)
