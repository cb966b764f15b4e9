// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCare/services/conversation"
	"github.com/AleutianAI/AleutianCare/services/risk"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	store, err := NewHistoryStore(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		db.Close()
	})
	return store
}

func TestOpen_InMemory(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("key"), []byte("value"))
	})
	require.NoError(t, err)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_PersistentWithGC(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = 10 * time.Millisecond

	db, err := Open(cfg)
	require.NoError(t, err)
	store, err := NewHistoryStore(db)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "c-1", conversation.Message{Role: conversation.RoleUser, Content: "hello"}))
	require.NoError(t, store.Close())
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, db.Close())

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()
	store2, err := NewHistoryStore(db2)
	require.NoError(t, err)
	defer store2.Close()

	msgs, err := store2.Load(ctx, "c-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestHistoryStore_AppendAndLoad(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	medium := risk.LevelMedium

	require.NoError(t, store.Append(ctx, "c-1",
		conversation.Message{Role: conversation.RoleUser, Content: "first", Timestamp: ts},
		conversation.Message{Role: conversation.RoleAssistant, Content: "second", Timestamp: ts, RiskLevel: &medium},
	))
	require.NoError(t, store.Append(ctx, "c-2", conversation.Message{Role: conversation.RoleUser, Content: "other"}))
	require.NoError(t, store.Append(ctx, "c-1", conversation.Message{Role: conversation.RoleUser, Content: "third"}))

	msgs, err := store.Load(ctx, "c-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "third", msgs[2].Content)
	require.NotNil(t, msgs[1].RiskLevel)
	assert.Equal(t, risk.LevelMedium, *msgs[1].RiskLevel)
	assert.True(t, msgs[0].Timestamp.Equal(ts))
}

func TestHistoryStore_LoadLimitKeepsNewest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		require.NoError(t, store.Append(ctx, "c-1", conversation.Message{Role: conversation.RoleUser, Content: fmt.Sprintf("m%d", i)}))
	}

	msgs, err := store.Load(ctx, "c-1", 20)
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	assert.Equal(t, "m5", msgs[0].Content)
	assert.Equal(t, "m24", msgs[19].Content)
}

func TestHistoryStore_UnknownConversation(t *testing.T) {
	store := openTestStore(t)

	msgs, err := store.Load(context.Background(), "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NotNil(t, msgs)
}

func TestHistoryStore_PrefixIsolation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "c-1", conversation.Message{Content: "one"}))
	require.NoError(t, store.Append(ctx, "c-10", conversation.Message{Content: "ten"}))

	msgs, err := store.Load(ctx, "c-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "one", msgs[0].Content)

	assert.ErrorIs(t, store.Append(ctx, "a/b", conversation.Message{Content: "x"}), ErrInvalidConversationID)
	assert.Error(t, store.Append(ctx, "", conversation.Message{Content: "x"}))
}

func TestHistoryStore_Delete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "c-1", conversation.Message{Content: "a"}, conversation.Message{Content: "b"}))
	require.NoError(t, store.Append(ctx, "c-2", conversation.Message{Content: "keep"}))

	require.NoError(t, store.Delete(ctx, "c-1"))

	msgs, err := store.Load(ctx, "c-1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	msgs, err = store.Load(ctx, "c-2", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestHistoryStore_ConcurrentAppends(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Append(ctx, fmt.Sprintf("c-%d", i), conversation.Message{Content: "x"}))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		msgs, err := store.Load(ctx, fmt.Sprintf("c-%d", i), 0)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	}
}

func TestHistoryStore_CancelledContext(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, store.Append(ctx, "c-1", conversation.Message{Content: "x"}))
	_, err := store.Load(ctx, "c-1", 0)
	assert.Error(t, err)
}
