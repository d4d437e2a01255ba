// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fetchkit/internal/fetcher/breaker"
	"fetchkit/internal/fetcher/errkind"
)

// TestDo_RetriesServerErrorsThenSucceeds verifies transient 5xx responses are
// retried with backoff until the origin recovers.
func TestDo_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer ts.Close()

	e, _ := newTestEngine(t, breaker.Strategy{FailureThreshold: 10}, nil)
	out := e.Do(context.Background(), Request{URL: ts.URL + "/x", MaxRetries: 5})

	if !out.OK() {
		t.Fatalf("outcome = %s (%s), want success after retries", out.Type, out.Message())
	}
	if out.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", out.Attempts)
	}
	if hits.Load() != 3 {
		t.Errorf("server hits = %d, want 3", hits.Load())
	}
}

// TestDo_SurfacesFinalErrorAtMaxRetries verifies the last outcome is returned
// once attempts are exhausted.
func TestDo_SurfacesFinalErrorAtMaxRetries(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	e, _ := newTestEngine(t, breaker.Strategy{FailureThreshold: 10}, nil)
	out := e.Do(context.Background(), Request{URL: ts.URL + "/x", MaxRetries: 3})

	if out.Type != OutcomeNetwork || out.Kind != errkind.Server5xx {
		t.Fatalf("outcome = %s kind = %q, want network/server_5xx", out.Type, out.Kind)
	}
	if out.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", out.Attempts)
	}
	if hits.Load() != 3 {
		t.Errorf("server hits = %d, want 3", hits.Load())
	}
}

// TestDo_FailFastOutcomes verifies validation and 4xx outcomes are never
// retried.
func TestDo_FailFastOutcomes(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	e, _ := newTestEngine(t, breaker.DefaultStrategy(), nil)

	out := e.Do(context.Background(), Request{URL: "ftp://nope", MaxRetries: 5})
	if out.Type != OutcomeValidation || out.Attempts != 1 {
		t.Errorf("validation outcome = %s attempts = %d, want validation/1", out.Type, out.Attempts)
	}

	out = e.Do(context.Background(), Request{URL: ts.URL + "/x", MaxRetries: 5})
	if out.Kind != errkind.Client4xx || out.Attempts != 1 {
		t.Errorf("4xx outcome kind = %q attempts = %d, want client_4xx/1", out.Kind, out.Attempts)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
}

// TestDo_RateLimitedWaitsOutThePause verifies a 429 retry succeeds only
// after the Retry-After pause window has been respected by the limiter.
func TestDo_RateLimitedWaitsOutThePause(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	e, reg := newTestEngine(t, breaker.DefaultStrategy(), nil)
	start := time.Now()
	out := e.Do(context.Background(), Request{URL: ts.URL + "/x", MaxRetries: 3, Timeout: 10 * time.Second})

	if !out.OK() {
		t.Fatalf("outcome = %s (%s), want success", out.Type, out.Message())
	}
	if out.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", out.Attempts)
	}
	elapsed := time.Since(start)
	if elapsed < time.Second {
		t.Errorf("sequence took %v, want at least the 1s Retry-After pause", elapsed)
	}
	if elapsed > 5*time.Second {
		t.Errorf("sequence took %v, want well under the unpaused acquire bound", elapsed)
	}

	snap := reg.GetBucket(hostOf(t, ts.URL)).Snapshot()
	if snap.SuccessStreak == 0 {
		t.Error("SuccessStreak = 0, want the recovery success recorded")
	}
}

// TestDoWithBudget_StopsWhenExhausted verifies the shared budget bounds
// retries across requests.
func TestDoWithBudget_StopsWhenExhausted(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	e, _ := newTestEngine(t, breaker.Strategy{FailureThreshold: 100}, nil)
	budget := NewBudget(1)
	out := e.DoWithBudget(context.Background(), Request{URL: ts.URL + "/x", MaxRetries: 5}, budget)

	if out.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (one initial, one budgeted retry)", out.Attempts)
	}
	if got := budget.Remaining(); got != 0 {
		t.Errorf("budget Remaining() = %d, want 0", got)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", hits.Load())
	}
}

// TestBudget_SpendIsAtomic verifies concurrent spenders never overdraw.
func TestBudget_SpendIsAtomic(t *testing.T) {
	budget := NewBudget(10)
	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if budget.Spend() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := granted.Load(); got != 10 {
		t.Errorf("granted = %d, want exactly 10", got)
	}
	if budget.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", budget.Remaining())
	}
}

// TestComputeBackoff verifies the doubling schedule, the Retry-After
// override, the cap, and the jitter bound.
func TestComputeBackoff(t *testing.T) {
	e, _ := newTestEngine(t, breaker.DefaultStrategy(), func(c *Config) {
		c.BaseBackoff = 500 * time.Millisecond
		c.MaxBackoff = 30 * time.Second
		c.JitterFactor = 0.3
	})
	maxJitter := time.Duration(0.3 * float64(500*time.Millisecond))

	tests := []struct {
		attempt    int
		retryAfter time.Duration
		base       time.Duration
	}{
		{1, 0, 500 * time.Millisecond},
		{2, 0, time.Second},
		{3, 0, 2 * time.Second},
		{4, 0, 4 * time.Second},
		{10, 0, 30 * time.Second},               // 2^9 * 500ms caps at 30s
		{1, 10 * time.Second, 10 * time.Second}, // Retry-After wins
		{1, time.Minute, 30 * time.Second},      // Retry-After capped
	}
	for _, tt := range tests {
		got := e.computeBackoff(tt.attempt, tt.retryAfter)
		if got < tt.base || got > tt.base+maxJitter {
			t.Errorf("computeBackoff(%d, %v) = %v, want in [%v, %v]",
				tt.attempt, tt.retryAfter, got, tt.base, tt.base+maxJitter)
		}
	}
}

// TestParseRetryAfter verifies both header forms and the absent sentinel.
func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 10, 12, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"absent", "", -1},
		{"seconds", "5", 5 * time.Second},
		{"zero seconds", "0", 0},
		{"negative seconds", "-3", -1},
		{"http date future", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"http date past", now.Add(-time.Hour).Format(http.TimeFormat), 0},
		{"garbage", "soon", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.value, now); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
