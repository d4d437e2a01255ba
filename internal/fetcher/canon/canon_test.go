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

package canon

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"fetchkit"
	"fetchkit/internal/fetcher/core"
	"fetchkit/internal/fetcher/engine"
	"fetchkit/internal/fetcher/errkind"
	"fetchkit/internal/fetcher/robots"
)

// fakeOrigin answers requests from a status table without any network.
// Unlisted URLs return 404.
type fakeOrigin struct {
	mu        sync.Mutex
	calls     []string
	responses map[string]int // "METHOD url" -> status
}

func (f *fakeOrigin) RoundTrip(r *http.Request) (*http.Response, error) {
	key := r.Method + " " + r.URL.String()
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()
	status, ok := f.responses[key]
	if !ok {
		status = http.StatusNotFound
	}
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    r,
	}, nil
}

func (f *fakeOrigin) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestCanonicalizer(t *testing.T, origin *fakeOrigin, rc *robots.Cache) *Canonicalizer {
	t.Helper()
	reg := core.NewRegistry(core.RegistryConfig{
		DefaultProfile: fetchkit.Profile{InitialRPS: 1000, MaxRPS: 2000, MinRPS: 1, Burst: 1000},
	})
	t.Cleanup(reg.CloseAll)
	eng := engine.New(reg, engine.Config{Transport: origin})
	return New(eng, rc, Config{Backoff: []time.Duration{time.Millisecond}})
}

// TestVariants_OrderAndDeduplication verifies the documented variant order
// and that duplicates collapse preserving first occurrence.
func TestVariants_OrderAndDeduplication(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "plain http host",
			in:   "http://example.com/path?q=1",
			want: []string{
				"https://example.com/path?q=1",
				"https://www.example.com/path?q=1",
				"https://example.com/path/?q=1",
				"https://www.example.com/path/?q=1",
				"http://example.com/path?q=1",
			},
		},
		{
			name: "www host keeps original scheme variant",
			in:   "http://www.example.com/a",
			want: []string{
				"https://www.example.com/a",
				"https://www.example.com/a/",
				"http://example.com/a",
				"https://example.com/a",
				"http://www.example.com/a",
			},
		},
		{
			name: "already canonical collapses",
			in:   "https://www.example.com/a/",
			want: []string{
				"https://www.example.com/a/",
				"https://example.com/a/",
			},
		},
		{
			name: "empty path gains slash",
			in:   "http://example.com",
			want: []string{
				"https://example.com",
				"https://www.example.com",
				"https://example.com/",
				"https://www.example.com/",
				"http://example.com",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Variants(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("Variants(%q) = %v (%d entries), want %v", tt.in, got, len(got), tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Variants(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
				}
			}
		})
	}
}

// TestVariants_UnparseableURL verifies garbage input degrades to the
// original alone.
func TestVariants_UnparseableURL(t *testing.T) {
	got := Variants("ht tp://broken")
	if len(got) != 1 || got[0] != "ht tp://broken" {
		t.Errorf("Variants = %v, want just the original", got)
	}
}

// TestResolve_FirstHealthyVariantWins verifies probing stops at the first
// 2xx/3xx variant and records every attempt before it.
func TestResolve_FirstHealthyVariantWins(t *testing.T) {
	origin := &fakeOrigin{responses: map[string]int{
		"HEAD https://www.example.com/old": http.StatusOK,
	}}
	c := newTestCanonicalizer(t, origin, nil)

	res := c.Resolve(context.Background(), "http://example.com/old", "job-1")

	if !res.Success {
		t.Fatalf("Resolve success = false, want true: %+v", res)
	}
	if res.ResolvedURL != "https://www.example.com/old" {
		t.Errorf("ResolvedURL = %q, want the www https variant", res.ResolvedURL)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2 (first variant 404, second wins)", len(res.Attempts))
	}
	if res.Attempts[0].Status != http.StatusNotFound {
		t.Errorf("attempt[0] status = %d, want 404", res.Attempts[0].Status)
	}
	if res.Attempts[1].Status != http.StatusOK {
		t.Errorf("attempt[1] status = %d, want 200", res.Attempts[1].Status)
	}
	if res.ErrorKind != "" {
		t.Errorf("ErrorKind = %q, want empty on success", res.ErrorKind)
	}
}

// TestResolve_HeadFallsBackToGet verifies a 405 on HEAD retries the same
// variant with GET inside a single attempt.
func TestResolve_HeadFallsBackToGet(t *testing.T) {
	origin := &fakeOrigin{responses: map[string]int{
		"HEAD https://example.com/x": http.StatusMethodNotAllowed,
		"GET https://example.com/x":  http.StatusOK,
	}}
	c := newTestCanonicalizer(t, origin, nil)

	res := c.Resolve(context.Background(), "http://example.com/x", "job-1")

	if !res.Success {
		t.Fatalf("Resolve success = false, want true: %+v", res)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Status != http.StatusOK {
		t.Fatalf("attempts = %+v, want one attempt ending 200", res.Attempts)
	}
	if got := origin.calls[:2]; got[0] != "HEAD https://example.com/x" || got[1] != "GET https://example.com/x" {
		t.Errorf("calls = %v, want HEAD then GET on the same variant", got)
	}
}

// TestResolve_AllVariantsFail verifies exhaustion surfaces client_4xx with
// the full attempt list and is not memoized.
func TestResolve_AllVariantsFail(t *testing.T) {
	origin := &fakeOrigin{}
	c := newTestCanonicalizer(t, origin, nil)

	in := "http://example.com/gone"
	res := c.Resolve(context.Background(), in, "job-1")

	if res.Success {
		t.Fatal("Resolve success = true, want false when every variant 404s")
	}
	if res.ErrorKind != errkind.Client4xx {
		t.Errorf("ErrorKind = %q, want client_4xx", res.ErrorKind)
	}
	if want := len(Variants(in)); len(res.Attempts) != want {
		t.Errorf("attempts = %d, want %d (all variants probed)", len(res.Attempts), want)
	}

	before := origin.callCount()
	c.Resolve(context.Background(), in, "job-1")
	if origin.callCount() == before {
		t.Error("failed run was memoized; want re-probing on the next call")
	}
}

// TestResolve_MemoizesWinners verifies a successful run is served from the
// memo within the TTL.
func TestResolve_MemoizesWinners(t *testing.T) {
	origin := &fakeOrigin{responses: map[string]int{
		"HEAD https://example.com/old": http.StatusOK,
	}}
	c := newTestCanonicalizer(t, origin, nil)

	first := c.Resolve(context.Background(), "http://example.com/old", "job-1")
	if !first.Success || first.FromCache {
		t.Fatalf("first run = %+v, want fresh success", first)
	}
	before := origin.callCount()

	second := c.Resolve(context.Background(), "http://example.com/old", "job-2")
	if !second.Success || !second.FromCache {
		t.Errorf("second run FromCache = %v, want memo hit", second.FromCache)
	}
	if second.ResolvedURL != first.ResolvedURL {
		t.Errorf("memoized ResolvedURL = %q, want %q", second.ResolvedURL, first.ResolvedURL)
	}
	if origin.callCount() != before {
		t.Error("memo hit still reached the network")
	}
}

// TestResolve_RobotsBlockedShortCircuits verifies a disallowed path never
// probes any variant.
func TestResolve_RobotsBlockedShortCircuits(t *testing.T) {
	rc := robots.NewCache(func(ctx context.Context, robotsURL string) (int, []byte, error) {
		return 200, []byte("User-agent: *\nDisallow: /private/\n"), nil
	}, robots.CacheConfig{})
	origin := &fakeOrigin{}
	c := newTestCanonicalizer(t, origin, rc)

	res := c.Resolve(context.Background(), "http://example.com/private/page", "job-1")

	if res.Success {
		t.Fatal("Resolve success = true, want false for a robots-blocked path")
	}
	if res.ErrorKind != errkind.RobotsBlocked {
		t.Errorf("ErrorKind = %q, want robots_blocked", res.ErrorKind)
	}
	if len(res.Attempts) != 0 {
		t.Errorf("attempts = %d, want 0", len(res.Attempts))
	}
	if origin.callCount() != 0 {
		t.Errorf("origin calls = %d, want 0", origin.callCount())
	}
}

// TestResolve_EmitsEvent verifies the job sink sees one canonicalization
// event per run.
func TestResolve_EmitsEvent(t *testing.T) {
	origin := &fakeOrigin{responses: map[string]int{
		"HEAD https://example.com/old": http.StatusOK,
	}}
	c := newTestCanonicalizer(t, origin, nil)
	sink := &canonSink{}
	c = c.WithJob(nil, sink)

	c.Resolve(context.Background(), "http://example.com/old", "job-9")

	if sink.events != 1 {
		t.Fatalf("events = %d, want 1", sink.events)
	}
	if !sink.lastSuccess || sink.lastResolved != "https://example.com/old" {
		t.Errorf("event = success=%v resolved=%q, want successful resolution", sink.lastSuccess, sink.lastResolved)
	}
}

type canonSink struct {
	events       int
	lastResolved string
	lastSuccess  bool
}

func (s *canonSink) Canonicalization(correlationID, host, originalURL, resolvedURL string, attempts int, success bool, elapsed time.Duration) {
	s.events++
	s.lastResolved = resolvedURL
	s.lastSuccess = success
}
