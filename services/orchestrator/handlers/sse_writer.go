// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCare/services/conversation"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes conversation events as Server-Sent Events.
//
// # Description
//
// Each event is wrapped in an Envelope that carries an id, a creation time
// and a SHA-256 hash chained to the previous event, so an audit log of a
// stream can be checked for gaps or edits.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The keepalive ticker
// writes from its own goroutine.
type SSEWriter interface {
	// WriteEvent writes one event in the form "event: {type}\ndata: {json}\n\n"
	// and flushes.
	WriteEvent(event conversation.Event) error

	// WriteKeepAlive sends an SSE comment. Comments do not extend the chain.
	WriteKeepAlive() error

	// LastHash returns the hash of the last event written, empty before the
	// first event.
	LastHash() string
}

// Envelope is the JSON body of every SSE data line.
type Envelope struct {
	ID        string                 `json:"id"`
	CreatedAt int64                  `json:"created_at"`
	PrevHash  string                 `json:"prev_hash,omitempty"`
	Hash      string                 `json:"hash"`
	Type      conversation.EventType `json:"type"`
	Data      json.RawMessage        `json:"data"`
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// # Limitations
//
//   - Cannot be reused across requests
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	now      func() time.Time
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter wraps w. The caller must have called SetSSEHeaders.
//
// # Outputs
//
//   - error: Non-nil if w does not implement http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher, now: time.Now}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *sseWriter) WriteEvent(event conversation.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	env := Envelope{
		ID:        uuid.New().String(),
		CreatedAt: w.now().UnixMilli(),
		PrevHash:  w.prevHash,
		Type:      event.Type,
		Data:      data,
	}
	env.Hash = ComputeEnvelopeHash(env)
	w.prevHash = env.Hash

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", env.Type, body); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// ComputeEnvelopeHash hashes the metadata and payload of env. The Hash
// field itself is not part of the input.
func ComputeEnvelopeHash(env Envelope) string {
	input := fmt.Sprintf("%s|%s|%d|%s|%s",
		env.ID,
		env.Type,
		env.CreatedAt,
		env.PrevHash,
		env.Data,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that every envelope hashes correctly and links to its
// predecessor. It returns the index of the first broken envelope, or -1.
func VerifyChain(envs []Envelope) int {
	prev := ""
	for i, env := range envs {
		if env.PrevHash != prev || ComputeEnvelopeHash(env) != env.Hash {
			return i
		}
		prev = env.Hash
	}
	return -1
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.prevHash
}

// =============================================================================
// Helpers
// =============================================================================

// SetSSEHeaders sets the headers required for an SSE response.
//
// # Description
//
// X-Accel-Buffering disables nginx proxy buffering so events reach the
// client as they are written.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
