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

// Package core contains focused unit tests for Sweeper internals.
package core

import (
	"sync/atomic"
	"testing"
	"time"
)

// ageBucket backdates a host's bucket so it looks idle to the sweeper.
func ageBucket(r *Registry, host string, age time.Duration) {
	old := time.Now().Add(-age).UnixNano()
	r.forEachBucket(func(h string, m *managedBucket) {
		if h == host {
			atomic.StoreInt64(&m.lastAccessed, old)
		}
	})
}

func ageCircuit(r *Registry, host string, age time.Duration) {
	old := time.Now().Add(-age).UnixNano()
	r.forEachCircuit(func(h string, m *managedCircuit) {
		if h == host {
			atomic.StoreInt64(&m.lastAccessed, old)
		}
	})
}

// TestSweeper_EvictsIdleState verifies idle buckets and circuits are removed
// after their TTLs while fresh entries survive, and that an evicted bucket is
// stopped.
func TestSweeper_EvictsIdleState(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	s := NewSweeper(r, SweeperConfig{
		BucketTTL:  50 * time.Millisecond,
		CircuitTTL: 20 * time.Millisecond,
	})

	stale := r.GetBucket("stale.example")
	r.GetBucket("fresh.example")
	r.GetCircuit("stale.example")
	r.GetCircuit("fresh.example")

	ageBucket(r, "stale.example", time.Hour)
	ageCircuit(r, "stale.example", time.Hour)

	s.runSweepCycle()

	buckets, circuits := r.Counts()
	if buckets != 1 || circuits != 1 {
		t.Fatalf("counts after sweep = (%d, %d), want (1, 1)", buckets, circuits)
	}
	if !stale.Stopped() {
		t.Fatalf("evicted bucket should be stopped")
	}
	if r.GetBucket("fresh.example").Stopped() {
		t.Fatalf("fresh bucket must survive the sweep")
	}
}

// TestSweeper_SkipsBucketsWithInFlightWork verifies graceful eviction: a
// bucket holding reservations is left alone until they are released.
func TestSweeper_SkipsBucketsWithInFlightWork(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	s := NewSweeper(r, SweeperConfig{BucketTTL: 10 * time.Millisecond})

	b := r.GetBucket("busy.example")
	if !b.TryConsume() {
		t.Fatalf("TryConsume on a fresh bucket should succeed")
	}

	ageBucket(r, "busy.example", time.Hour)
	s.runSweepCycle()
	if buckets, _ := r.Counts(); buckets != 1 {
		t.Fatalf("bucket with in-flight work was evicted")
	}

	b.Release()
	s.runSweepCycle()
	if buckets, _ := r.Counts(); buckets != 0 {
		t.Fatalf("idle bucket survived after its reservation was released")
	}
}

// TestSweeper_StopDrainsInFlight verifies Stop waits for reservations before
// closing the registry, and that calling Stop twice is safe.
func TestSweeper_StopDrainsInFlight(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	s := NewSweeper(r, SweeperConfig{
		Interval:     time.Hour,
		DrainTimeout: time.Second,
	})
	s.Start()

	b := r.GetBucket("slow.example")
	if !b.TryConsume() {
		t.Fatalf("TryConsume on a fresh bucket should succeed")
	}

	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		b.Release()
		close(released)
	}()

	s.Stop()
	select {
	case <-released:
	default:
		t.Fatalf("Stop returned before in-flight work was released")
	}
	if r.InFlight() != 0 {
		t.Fatalf("InFlight after Stop = %d, want 0", r.InFlight())
	}
	if !b.Stopped() {
		t.Fatalf("buckets should be closed after Stop")
	}

	s.Stop() // must be a no-op
}

// TestSweeper_StopGivesUpAfterDrainTimeout verifies the drain is bounded.
func TestSweeper_StopGivesUpAfterDrainTimeout(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	s := NewSweeper(r, SweeperConfig{
		Interval:     time.Hour,
		DrainTimeout: 60 * time.Millisecond,
	})
	s.Start()

	b := r.GetBucket("stuck.example")
	if !b.TryConsume() {
		t.Fatalf("TryConsume on a fresh bucket should succeed")
	}
	// Never released.

	start := time.Now()
	s.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Stop blocked %v, want bounded by the 60ms drain timeout", elapsed)
	}
	if !b.Stopped() {
		t.Fatalf("buckets should be closed even when the drain times out")
	}
}
