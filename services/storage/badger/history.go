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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianCare/services/conversation"
	"github.com/dgraph-io/badger/v4"
)

// ErrInvalidConversationID is returned for empty ids and ids containing "/".
var ErrInvalidConversationID = errors.New("invalid conversation id")

const (
	historyPrefix = "hist/"
	sequenceKey   = "seq/history"
	sequenceLease = 128
)

// HistoryStore persists conversation messages in arrival order.
//
// Keys are hist/<conversation id>/<8-byte big-endian sequence>, so a prefix
// scan returns one conversation oldest first.
//
// Thread Safety: Safe for concurrent use.
type HistoryStore struct {
	db  *DB
	seq *badger.Sequence

	closeOnce sync.Once
}

// NewHistoryStore leases a sequence from db. Close releases it.
func NewHistoryStore(db *DB) (*HistoryStore, error) {
	seq, err := db.GetSequence([]byte(sequenceKey), sequenceLease)
	if err != nil {
		return nil, fmt.Errorf("lease history sequence: %w", err)
	}
	return &HistoryStore{db: db, seq: seq}, nil
}

// Close returns unused sequence numbers. It does not close the database.
func (s *HistoryStore) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.seq.Release() })
	return err
}

// validID rejects ids that would make one conversation's prefix a prefix of
// another's.
func validID(conversationID string) error {
	if conversationID == "" || strings.Contains(conversationID, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidConversationID, conversationID)
	}
	return nil
}

func conversationPrefix(conversationID string) []byte {
	return []byte(historyPrefix + conversationID + "/")
}

func messageKey(conversationID string, n uint64) []byte {
	key := conversationPrefix(conversationID)
	return binary.BigEndian.AppendUint64(key, n)
}

// Append stores msgs after any existing messages of the conversation.
//
// Description:
//
//	All messages are written in one transaction. When the database has a
//	Retention set, every entry expires after it.
func (s *HistoryStore) Append(ctx context.Context, conversationID string, msgs ...conversation.Message) error {
	if err := validID(conversationID); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	return s.db.withTxn(ctx, func(txn *badger.Txn) error {
		for _, msg := range msgs {
			n, err := s.seq.Next()
			if err != nil {
				return fmt.Errorf("next history sequence: %w", err)
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("encode message: %w", err)
			}
			entry := badger.NewEntry(messageKey(conversationID, n), data)
			if s.db.cfg.Retention > 0 {
				entry = entry.WithTTL(s.db.cfg.Retention)
			}
			if err := txn.SetEntry(entry); err != nil {
				return fmt.Errorf("store message: %w", err)
			}
		}
		return nil
	})
}

// Load returns up to limit of the newest messages, oldest first. A limit of
// zero or less returns the whole conversation. Unknown conversations yield
// an empty slice.
func (s *HistoryStore) Load(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	if err := validID(conversationID); err != nil {
		return nil, err
	}
	prefix := conversationPrefix(conversationID)
	var out []conversation.Message

	err := s.db.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) == limit {
				break
			}
			var msg conversation.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return fmt.Errorf("decode message %x: %w", it.Item().Key(), err)
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []conversation.Message{}
	}
	return out, nil
}

// Delete removes every message of the conversation.
func (s *HistoryStore) Delete(ctx context.Context, conversationID string) error {
	prefix := conversationPrefix(conversationID)
	return s.db.withTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete message: %w", err)
			}
		}
		return nil
	})
}
