// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestNewLimiter_DisabledWhenZero(t *testing.T) {
	assert.Nil(t, NewLimiter(RateLimitConfig{}))
}

func TestLimiter_BurstThenReject(t *testing.T) {
	l := NewLimiter(RateLimitConfig{RequestsPerMinute: 60, Burst: 2})
	require.NotNil(t, l)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ok, _ := l.Reserve("10.0.0.1")
	assert.True(t, ok)
	ok, _ = l.Reserve("10.0.0.1")
	assert.True(t, ok)
	ok, wait := l.Reserve("10.0.0.1")
	assert.False(t, ok)
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.01)

	ok, _ = l.Reserve("10.0.0.2")
	assert.True(t, ok, "buckets are per client")

	now = now.Add(time.Second)
	ok, _ = l.Reserve("10.0.0.1")
	assert.True(t, ok, "one token refills per second")
}

func TestLimiter_Sweep(t *testing.T) {
	l := NewLimiter(RateLimitConfig{RequestsPerMinute: 60, IdleEviction: time.Minute})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Reserve("a")
	now = now.Add(30 * time.Second)
	l.Reserve("b")
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 0, l.Sweep())
}

func TestRateLimit_Middleware(t *testing.T) {
	l := NewLimiter(RateLimitConfig{RequestsPerMinute: 6, Burst: 1})
	router := gin.New()
	router.POST("/v1/chat", RateLimit(l, "chat"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/v1/chat", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/v1/chat", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestRateLimit_NilLimiterPasses(t *testing.T) {
	router := gin.New()
	router.GET("/x", RateLimit(nil, "x"), func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
