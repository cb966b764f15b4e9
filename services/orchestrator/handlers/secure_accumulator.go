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
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// ReplyBufferSize bounds the streamed reply text held for one turn.
	ReplyBufferSize = 64 * 1024

	// MinMlockLimitKB is the mlock limit needed for locked reply buffers.
	MinMlockLimitKB = 64

	insecureMemoryEnv = "ALEUTIAN_INSECURE_MEMORY"
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// =============================================================================
// Interfaces
// =============================================================================

// ReplyAccumulator collects the text_delta chunks of one streamed reply.
//
// # Description
//
// Replies can carry health details about the subject, so the text is kept
// in mlocked memory while the turn runs and wiped afterwards. The content
// is hashed incrementally; the hash goes to the audit log, the text does not.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
//
// # Examples
//
//	acc, err := NewReplyAccumulator()
//	if err != nil {
//	    return err
//	}
//	defer acc.Destroy()
//	_ = acc.Write("Hello ")
//	text, sum, _ := acc.Finalize()
type ReplyAccumulator interface {
	// Write appends a chunk. It fails after Finalize, Destroy or overflow.
	Write(chunk string) error

	// Finalize returns the text and its hex SHA-256 hash and wipes the buffer.
	Finalize() (text string, sum string, err error)

	// Destroy wipes the buffer. Safe to call more than once.
	Destroy()

	ID() string
	CreatedAt() time.Time
}

// replyAccumulator backs its buffer with a memguard LockedBuffer, or with
// plain heap memory when locked is nil.
type replyAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	locked    *memguard.LockedBuffer
	buf       []byte
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// NewReplyAccumulator allocates a locked accumulator.
//
// # Description
//
// When the process mlock limit is below MinMlockLimitKB the constructor
// fails, unless ALEUTIAN_INSECURE_MEMORY=true, in which case a heap-backed
// accumulator is returned and a warning is logged.
func NewReplyAccumulator() (ReplyAccumulator, error) {
	initMemguard()
	if !mlockSufficient {
		if os.Getenv(insecureMemoryEnv) == "true" {
			return newInsecureReplyAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB; raise the limit or set %s=true",
			currentMlockLimitKB, MinMlockLimitKB, insecureMemoryEnv,
		)
	}

	locked := memguard.NewBuffer(ReplyBufferSize)
	if locked == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", ReplyBufferSize)
	}
	locked.Melt()

	acc := &replyAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		locked:    locked,
		buf:       locked.Bytes(),
		hasher:    sha256.New(),
	}
	slog.Debug("Created secure reply accumulator", "accumulator_id", acc.id)
	return acc, nil
}

func newInsecureReplyAccumulator() *replyAccumulator {
	acc := &replyAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buf:       make([]byte, ReplyBufferSize),
		hasher:    sha256.New(),
	}
	slog.Warn("Created INSECURE reply accumulator - data may be swapped to disk",
		"accumulator_id", acc.id,
	)
	return acc
}

// =============================================================================
// Methods
// =============================================================================

func (a *replyAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("reply buffer overflow - reply too large")
	}
	if a.offset+len(chunk) > len(a.buf) {
		a.overflow = true
		return fmt.Errorf("reply buffer overflow: need %d bytes, have %d remaining",
			len(chunk), len(a.buf)-a.offset)
	}
	n := copy(a.buf[a.offset:], chunk)
	a.hasher.Write(a.buf[a.offset : a.offset+n])
	a.offset += n
	return nil
}

func (a *replyAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}
	text := string(a.buf[:a.offset])
	sum := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return text, sum, nil
}

func (a *replyAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *replyAccumulator) ID() string { return a.id }

func (a *replyAccumulator) CreatedAt() time.Time { return a.createdAt }

func (a *replyAccumulator) wipe() {
	if a.locked != nil {
		a.locked.Destroy()
	} else {
		memguard.WipeBytes(a.buf)
	}
	a.buf = nil
	a.destroyed = true
}

// =============================================================================
// Memguard Setup
// =============================================================================

// initMemguard checks the mlock limit once. memguard.CatchInterrupt is not
// installed: the service owns SIGINT for graceful shutdown and purges
// secure memory in its cleanup.
func initMemguard() {
	memguardInitOnce.Do(func() {
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
			return
		}
		slog.Warn("mlock limit insufficient for secure memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"insecure_override", os.Getenv(insecureMemoryEnv) == "true",
		)
	})
}

// checkMlockLimit returns whether RLIMIT_MEMLOCK covers MinMlockLimitKB and
// the limit in KB (-1 when unlimited or unknown).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// IsMlockAvailable reports whether locked reply buffers can be allocated.
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeAllSecureMemory wipes every memguard allocation. Called on shutdown.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
