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

// Package core owns the process-wide per-host state of the fetching core.
// This file carries the shared event counters used by the state snapshot
// and the end-of-run summary. These are kept lightweight and use atomic
// counters to avoid allocation and locks on the hot path. Prometheus export
// lives in the telemetry package; these totals exist so snapshots and
// summaries work with telemetry disabled.
package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	attempts          atomic.Int64
	successes         atomic.Int64
	failures          atomic.Int64
	retries           atomic.Int64
	rateLimitPauses   atomic.Int64
	circuitRejections atomic.Int64
	evictedBuckets    atomic.Int64
	evictedCircuits   atomic.Int64

	// thresholds holds human-readable configuration knobs captured at
	// runtime for the final summary printout.
	thresholdsMu sync.RWMutex
	thresholds   = make(map[string]string)
)

// RecordAttempt counts one issued fetch attempt, retries included.
func RecordAttempt() { attempts.Add(1) }

// RecordSuccess counts one attempt that produced a 2xx/3xx response.
func RecordSuccess() { successes.Add(1) }

// RecordFailure counts one attempt that surfaced a classified failure.
func RecordFailure() { failures.Add(1) }

// RecordRetry counts one scheduled re-attempt.
func RecordRetry() { retries.Add(1) }

// RecordRateLimitPause counts one 429-driven pause of a host bucket.
func RecordRateLimitPause() { rateLimitPauses.Add(1) }

// RecordCircuitRejection counts one request failed fast by an open breaker.
func RecordCircuitRejection() { circuitRejections.Add(1) }

// RecordEviction counts registry entries removed by the sweeper.
func RecordEviction(buckets, circuits int64) {
	if buckets > 0 {
		evictedBuckets.Add(buckets)
	}
	if circuits > 0 {
		evictedCircuits.Add(circuits)
	}
}

// SetThreshold captures a runtime knob for the final summary.
func SetThreshold(name string, value string) {
	thresholdsMu.Lock()
	thresholds[name] = value
	thresholdsMu.Unlock()
}

func SetThresholdInt(name string, v int) { SetThreshold(name, fmt.Sprintf("%d", v)) }
func SetThresholdDuration(name string, d time.Duration) { SetThreshold(name, d.String()) }
func SetThresholdFloat64(name string, f float64) { SetThreshold(name, fmt.Sprintf("%g", f)) }
func SetThresholdBool(name string, b bool) { SetThreshold(name, fmt.Sprintf("%t", b)) }

// EventTotals is a snapshot of the process-level counters.
type EventTotals struct {
	Attempts          int64
	Successes         int64
	Failures          int64
	Retries           int64
	RateLimitPauses   int64
	CircuitRejections int64
	EvictedBuckets    int64
	EvictedCircuits   int64
}

// Totals returns the current counter values.
func Totals() EventTotals {
	return EventTotals{
		Attempts:          attempts.Load(),
		Successes:         successes.Load(),
		Failures:          failures.Load(),
		Retries:           retries.Load(),
		RateLimitPauses:   rateLimitPauses.Load(),
		CircuitRejections: circuitRejections.Load(),
		EvictedBuckets:    evictedBuckets.Load(),
		EvictedCircuits:   evictedCircuits.Load(),
	}
}

// ThresholdSnapshot returns a copy of the captured knobs for stable
// iteration when printing.
func ThresholdSnapshot() map[string]string {
	thresholdsMu.RLock()
	defer thresholdsMu.RUnlock()
	out := make(map[string]string, len(thresholds))
	for k, v := range thresholds {
		out[k] = v
	}
	return out
}

// PrintFinalTotals prints a single end-of-process summary of the event
// counters and the captured configuration knobs. Called once at shutdown by
// the batch binary.
func PrintFinalTotals() {
	t := Totals()
	th := ThresholdSnapshot()
	keys := make([]string, 0, len(th))
	for k := range th {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	yellow := "\x1b[33m"
	reset := "\x1b[0m"
	now := time.Now().Format(time.RFC3339)

	sep := strings.Repeat("-", 60)
	fmt.Printf("%s[%s] Final fetch metrics\n", yellow, now)
	fmt.Println(sep)
	fmt.Printf("%-22s %12s\n", "Metric", "Value")
	fmt.Println(sep)
	fmt.Printf("%-22s %12d\n", "Attempts", t.Attempts)
	fmt.Printf("%-22s %12d\n", "Successes", t.Successes)
	fmt.Printf("%-22s %12d\n", "Failures", t.Failures)
	fmt.Printf("%-22s %12d\n", "Retries", t.Retries)
	fmt.Printf("%-22s %12d\n", "Rate-limit pauses", t.RateLimitPauses)
	fmt.Printf("%-22s %12d\n", "Circuit rejections", t.CircuitRejections)
	fmt.Printf("%-22s %12d\n", "Evicted buckets", t.EvictedBuckets)
	fmt.Printf("%-22s %12d\n", "Evicted circuits", t.EvictedCircuits)
	fmt.Println(sep)

	if len(keys) > 0 {
		fmt.Printf("Configured knobs\n")
		fmt.Println(sep)
		fmt.Printf("%-30s %24s\n", "Name", "Value")
		fmt.Println(sep)
		for _, k := range keys {
			fmt.Printf("%-30s %24s\n", k, th[k])
		}
		fmt.Println(sep)
	}
	fmt.Print(reset)
}

// resetEventTotals resets counters to zero. Intended for tests only.
func resetEventTotals() {
	attempts.Store(0)
	successes.Store(0)
	failures.Store(0)
	retries.Store(0)
	rateLimitPauses.Store(0)
	circuitRejections.Store(0)
	evictedBuckets.Store(0)
	evictedCircuits.Store(0)
}
