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

package robots

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

// countingFetch returns a FetchFunc that serves a fixed response and counts
// calls.
func countingFetch(status int, body string, err error, calls *int64) FetchFunc {
	return func(ctx context.Context, robotsURL string) (int, []byte, error) {
		atomic.AddInt64(calls, 1)
		return status, []byte(body), err
	}
}

// TestCache_DisallowBlocksPath verifies that a Disallow rule blocks matching
// paths, other paths stay allowed, and the parsed document is served from
// cache on repeat lookups.
func TestCache_DisallowBlocksPath(t *testing.T) {
	var calls int64
	body := "User-agent: *\nDisallow: /private/\n"
	c := NewCache(countingFetch(200, body, nil, &calls), CacheConfig{Agent: "fetchkit"})

	ctx := context.Background()
	if got := c.Allowed(ctx, mustParse(t, "https://example.com/private/report")); got {
		t.Errorf("Allowed(/private/report) = true, want false")
	}
	if got := c.Allowed(ctx, mustParse(t, "https://example.com/public")); !got {
		t.Errorf("Allowed(/public) = false, want true")
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("fetch calls = %d, want 1 (second lookup should hit cache)", got)
	}
}

// TestCache_AgentGroupPreferred verifies that a group matching the configured
// agent wins over the wildcard group.
func TestCache_AgentGroupPreferred(t *testing.T) {
	var calls int64
	body := "User-agent: fetchkit\nDisallow: /staging/\n\nUser-agent: *\nDisallow: /api/\n"
	c := NewCache(countingFetch(200, body, nil, &calls), CacheConfig{Agent: "fetchkit"})

	ctx := context.Background()
	if got := c.Allowed(ctx, mustParse(t, "https://example.com/staging/x")); got {
		t.Errorf("Allowed(/staging/x) = true, want false for agent group")
	}
	// The wildcard group's rule does not apply once the agent group matched.
	if got := c.Allowed(ctx, mustParse(t, "https://example.com/api/users")); !got {
		t.Errorf("Allowed(/api/users) = false, want true")
	}
}

// TestCache_FailOpen verifies that fetch errors, 5xx responses, and missing
// robots.txt all allow fetching.
func TestCache_FailOpen(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
	}{
		{"fetch error", 0, errors.New("dial tcp: connection refused")},
		{"server error", 503, nil},
		{"not found", 404, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int64
			c := NewCache(countingFetch(tt.status, "", tt.err, &calls), CacheConfig{})
			if got := c.Allowed(context.Background(), mustParse(t, "https://example.com/anything")); !got {
				t.Errorf("Allowed() = false, want true (fail open)")
			}
		})
	}
}

// TestCache_NegativeCaching verifies that a failed fetch is not retried until
// the negative TTL elapses, and is retried after.
func TestCache_NegativeCaching(t *testing.T) {
	var calls int64
	c := NewCache(countingFetch(0, "", errors.New("boom"), &calls), CacheConfig{
		NegativeTTL: 30 * time.Millisecond,
	})

	ctx := context.Background()
	u := mustParse(t, "https://example.com/a")
	c.Allowed(ctx, u)
	c.Allowed(ctx, u)
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("fetch calls before negative TTL = %d, want 1", got)
	}

	time.Sleep(50 * time.Millisecond)
	c.Allowed(ctx, u)
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Errorf("fetch calls after negative TTL = %d, want 2", got)
	}
}

// TestCache_ExpiryRefetches verifies that successful entries are refreshed
// after the positive TTL.
func TestCache_ExpiryRefetches(t *testing.T) {
	var calls int64
	c := NewCache(countingFetch(200, "User-agent: *\nAllow: /\n", nil, &calls), CacheConfig{
		TTL: 20 * time.Millisecond,
	})

	ctx := context.Background()
	u := mustParse(t, "https://example.com/")
	c.Allowed(ctx, u)
	time.Sleep(40 * time.Millisecond)
	c.Allowed(ctx, u)
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Errorf("fetch calls = %d, want 2 after TTL expiry", got)
	}
}

// TestCache_SingleFlight verifies that concurrent lookups for the same origin
// share one fetch.
func TestCache_SingleFlight(t *testing.T) {
	var calls int64
	slow := func(ctx context.Context, robotsURL string) (int, []byte, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return 200, []byte("User-agent: *\nDisallow:\n"), nil
	}
	c := NewCache(slow, CacheConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Allowed(context.Background(), mustParse(t, "https://example.com/x")) {
				t.Errorf("Allowed() = false, want true")
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("fetch calls = %d, want 1 for concurrent lookups", got)
	}
}

// TestCache_ContextCanceledFailsOpen verifies that a caller whose context is
// cancelled while a fetch is in flight gets "allow" instead of blocking.
func TestCache_ContextCanceledFailsOpen(t *testing.T) {
	release := make(chan struct{})
	blocked := func(ctx context.Context, robotsURL string) (int, []byte, error) {
		<-release
		return 200, []byte("User-agent: *\nDisallow: /\n"), nil
	}
	c := NewCache(blocked, CacheConfig{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		done <- c.Allowed(ctx, mustParse(t, "https://example.com/x"))
	}()
	select {
	case got := <-done:
		if !got {
			t.Errorf("Allowed() = false, want true on cancelled context")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Allowed() did not return after context cancellation")
	}
}

// TestCache_NilCacheAllows verifies the nil-receiver convenience used when
// robots checking is disabled.
func TestCache_NilCacheAllows(t *testing.T) {
	var c *Cache
	if !c.Allowed(context.Background(), mustParse(t, "https://example.com/x")) {
		t.Error("nil cache Allowed() = false, want true")
	}
}
