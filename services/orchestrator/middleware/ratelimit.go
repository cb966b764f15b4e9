// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Rate Limiting
//
// Chat routes call a paid text-generation provider, so each client address
// gets a token bucket. Buckets idle for longer than the eviction window are
// dropped by a background sweep.
//
//	Request
//	   │
//	   ▼
//	RateLimit ──► bucket(client IP).Allow()
//	   │                 │
//	   │                 └─ false ─► 429 + Retry-After
//	   ▼
//	Handler
package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCare/pkg/observability"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client limits.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate. Zero disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// Burst is the bucket size. Defaults to RequestsPerMinute/6, at least 1.
	Burst int `yaml:"burst"`
	// IdleEviction drops buckets not used for this long. Default 10m.
	IdleEviction time.Duration `yaml:"idle_eviction"`
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per client key.
//
// # Thread Safety
//
// Safe for concurrent use.
type Limiter struct {
	cfg     RateLimitConfig
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter returns nil when cfg.RequestsPerMinute is zero.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, cfg.RequestsPerMinute/6)
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = 10 * time.Minute
	}
	return &Limiter{cfg: cfg, now: time.Now, buckets: make(map[string]*bucket)}
}

// Reserve takes a token for key. When no token is available it returns
// false and how long until one is.
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		perSecond := rate.Limit(float64(l.cfg.RequestsPerMinute) / 60)
		b = &bucket{limiter: rate.NewLimiter(perSecond, l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Duration(math.MaxInt64)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Sweep drops idle buckets and returns how many it removed.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.cfg.IdleEviction)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.IdleEviction)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// RateLimit rejects requests over the client's budget with 429. A nil
// limiter passes every request through.
func RateLimit(l *Limiter, route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		ok, wait := l.Reserve(c.ClientIP())
		if !ok {
			observability.DefaultMetrics.RecordRateLimited(route)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
