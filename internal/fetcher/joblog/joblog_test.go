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

package joblog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fetchkit/internal/fetcher/errkind"
)

// TestLogger_WritesNDJSONEvents verifies one parseable JSON object per line
// with the always-present fields and per-type extras.
func TestLogger_WritesNDJSONEvents(t *testing.T) {
	dir := t.TempDir()
	l, err := New("job-1", Config{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Request("corr-1", "req-1", "a.example", "https://a.example/x")
	l.Response("corr-1", "req-1", "a.example", "https://a.example/x", 200, 120*time.Millisecond)
	l.Error("corr-1", "req-2", "b.example", "https://b.example/y", errkind.Timeout, "request timed out", 30*time.Second)
	if _, err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, err := ReadEvents(filepath.Join(dir, "job-1.log"))
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	// request, response, error, summary
	if len(events) != 4 {
		t.Fatalf("event count = %d, want 4", len(events))
	}
	for i, ev := range events {
		if ev["timestamp"] == nil || ev["jobId"] != "job-1" || ev["eventType"] == nil {
			t.Errorf("event %d missing required fields: %v", i, ev)
		}
	}
	if events[1]["eventType"] != EventResponse {
		t.Errorf("event 1 type = %v, want response", events[1]["eventType"])
	}
	if events[1]["status"] != float64(200) || events[1]["elapsedMs"] != float64(120) {
		t.Errorf("response event fields = %v", events[1])
	}
	errEv := events[2]
	if errEv["errorKind"] != "timeout" || errEv["severity"] != "warn" {
		t.Errorf("error event kind/severity = %v/%v", errEv["errorKind"], errEv["severity"])
	}
	if events[3]["eventType"] != EventSummary {
		t.Errorf("last event type = %v, want summary", events[3]["eventType"])
	}
}

// TestLogger_SummaryAggregates verifies counts, per-kind tallies, and the
// interpolated percentiles in the summary file.
func TestLogger_SummaryAggregates(t *testing.T) {
	dir := t.TempDir()
	l, err := New("job-2", Config{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Request("c", "r1", "a.example", "https://a.example/1")
	l.Request("c", "r2", "a.example", "https://a.example/2")
	l.Request("c", "r3", "a.example", "https://a.example/3")
	l.Response("c", "r1", "a.example", "https://a.example/1", 200, 100*time.Millisecond)
	l.Response("c", "r2", "a.example", "https://a.example/2", 200, 200*time.Millisecond)
	l.Error("c", "r3", "a.example", "https://a.example/3", errkind.Timeout, "deadline", time.Second)

	s, err := l.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.TotalRequests != 3 || s.SuccessfulRequests != 2 || s.FailedRequests != 1 {
		t.Fatalf("summary counts = %+v", s)
	}
	if s.ErrorKinds["timeout"] != 1 {
		t.Errorf("summary timeout count = %d, want 1", s.ErrorKinds["timeout"])
	}
	// Two samples at 100 and 200: p50 interpolates to 150, p95 to 195.
	if s.P50ResponseMs != 150 {
		t.Errorf("p50 = %v, want 150", s.P50ResponseMs)
	}
	if s.P95ResponseMs != 195 {
		t.Errorf("p95 = %v, want 195", s.P95ResponseMs)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "job-2.summary.json"))
	if err != nil {
		t.Fatalf("summary file: %v", err)
	}
	var byJob map[string]Summary
	if err := json.Unmarshal(raw, &byJob); err != nil {
		t.Fatalf("summary file is not valid JSON: %v", err)
	}
	if got := byJob["job-2"]; got.TotalRequests != 3 {
		t.Errorf("summary file totals = %+v", got)
	}
}

// TestRotatingSink_RotatesAtCap verifies the byte cap moves the active file
// aside and that no events are lost across the boundary.
func TestRotatingSink_RotatesAtCap(t *testing.T) {
	dir := t.TempDir()
	l, err := New("job-3", Config{Dir: dir, MaxLogBytes: 512})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		l.Request("c", "r", "a.example", "https://a.example/page")
	}
	if _, err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	base := filepath.Join(dir, "job-3.log")
	if _, err := os.Stat(base + ".1"); err != nil {
		t.Fatalf("expected rotated file %s.1: %v", base, err)
	}

	total := 0
	matches, _ := filepath.Glob(base + "*")
	for _, m := range matches {
		events, err := ReadEvents(m)
		if err != nil {
			t.Fatalf("ReadEvents(%s): %v", m, err)
		}
		total += len(events)
	}
	// n requests plus the summary event.
	if total != n+1 {
		t.Fatalf("events across rotated files = %d, want %d", total, n+1)
	}
}

// TestPercentile pins the interpolation behavior on the edges.
func TestPercentile(t *testing.T) {
	if got := percentile(nil, 95); got != 0 {
		t.Errorf("percentile(nil) = %v, want 0", got)
	}
	if got := percentile([]float64{42}, 50); got != 42 {
		t.Errorf("percentile(single) = %v, want 42", got)
	}
	sorted := []float64{10, 20, 30, 40}
	if got := percentile(sorted, 0); got != 10 {
		t.Errorf("p0 = %v, want 10", got)
	}
	if got := percentile(sorted, 100); got != 40 {
		t.Errorf("p100 = %v, want 40", got)
	}
	if got := percentile(sorted, 50); got != 25 {
		t.Errorf("p50 = %v, want 25", got)
	}
}

// TestLogger_GeneratesJobID covers the empty-ID path.
func TestLogger_GeneratesJobID(t *testing.T) {
	l, err := New("", Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.JobID() == "" {
		t.Fatalf("JobID() is empty, want generated UUID")
	}
	if _, err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
