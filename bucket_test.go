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

package fetchkit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fastProfile returns a profile with waits short enough for tests.
func fastProfile() Profile {
	return Profile{
		InitialRPS:         50,
		MaxRPS:             100,
		MinRPS:             10,
		Burst:              2,
		BackoffMultiplier:  0.5,
		RecoveryMultiplier: 2,
		RecoveryThreshold:  3,
		Cooldown:           50 * time.Millisecond,
	}
}

// TestBucket_TryConsume verifies the non-blocking path:
//   - a fresh bucket holds Burst tokens and hands them out one by one,
//   - an empty bucket refuses without waiting,
//   - elapsed time refills tokens at the current rate up to Burst.
func TestBucket_TryConsume(t *testing.T) {
	b := NewBucket(fastProfile())
	defer b.Close()

	for i := 0; i < 2; i++ {
		if !b.TryConsume() {
			t.Fatalf("TryConsume() #%d = false, want true (burst=2)", i+1)
		}
	}
	if b.TryConsume() {
		t.Fatal("TryConsume() on empty bucket = true, want false")
	}

	// 50 rps refills one token in 20ms; wait a little longer.
	time.Sleep(40 * time.Millisecond)
	if !b.TryConsume() {
		t.Fatal("TryConsume() after refill window = false, want true")
	}
}

// TestBucket_AcquireWaitsForRefill verifies that Acquire blocks for roughly
// (1 - tokens)/rps when the bucket is empty and then succeeds.
func TestBucket_AcquireWaitsForRefill(t *testing.T) {
	b := NewBucket(fastProfile())
	defer b.Close()

	ctx := context.Background()
	// Drain the burst.
	for i := 0; i < 2; i++ {
		if err := b.Acquire(ctx, time.Second); err != nil {
			t.Fatalf("Acquire() #%d error: %v", i+1, err)
		}
	}

	start := time.Now()
	if err := b.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("Acquire() on empty bucket error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("Acquire() returned after %v, want >= ~20ms wait", elapsed)
	}
}

// TestBucket_AcquireWaitExceeded verifies that a projected wait beyond the
// caller's bound fails fast with ErrWaitExceeded instead of sleeping.
func TestBucket_AcquireWaitExceeded(t *testing.T) {
	p := fastProfile()
	p.InitialRPS = 10 // 1 token per 100ms once drained
	p.MinRPS = 10
	b := NewBucket(p)
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := b.Acquire(ctx, time.Second); err != nil {
			t.Fatalf("Acquire() #%d error: %v", i+1, err)
		}
	}

	start := time.Now()
	err := b.Acquire(ctx, 20*time.Millisecond)
	if !errors.Is(err, ErrWaitExceeded) {
		t.Fatalf("Acquire() error = %v, want ErrWaitExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("Acquire() took %v to reject, want immediate", elapsed)
	}
}

// TestBucket_AcquireContextCancel verifies that cancelling the context wakes
// a sleeping acquirer with the context error.
func TestBucket_AcquireContextCancel(t *testing.T) {
	p := fastProfile()
	p.InitialRPS = 10
	p.MinRPS = 10
	b := NewBucket(p)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 2; i++ {
		if err := b.Acquire(ctx, time.Second); err != nil {
			t.Fatalf("Acquire() #%d error: %v", i+1, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Acquire(ctx, time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Acquire() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire() did not return after cancel")
	}
}

// TestBucket_CloseWakesWaiters verifies that Close rejects a pending
// reservation with ErrStopped and that later acquisitions fail the same way.
func TestBucket_CloseWakesWaiters(t *testing.T) {
	p := fastProfile()
	p.InitialRPS = 10
	p.MinRPS = 10
	b := NewBucket(p)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := b.Acquire(ctx, time.Second); err != nil {
			t.Fatalf("Acquire() #%d error: %v", i+1, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Acquire(ctx, time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("pending Acquire() error = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending Acquire() did not return after Close")
	}

	if err := b.Acquire(ctx, time.Second); !errors.Is(err, ErrStopped) {
		t.Fatalf("Acquire() after Close error = %v, want ErrStopped", err)
	}
	if b.TryConsume() {
		t.Fatal("TryConsume() after Close = true, want false")
	}
	// Close must stay idempotent.
	b.Close()
}

// TestBucket_NoOversubscription verifies under concurrency that no more than
// Burst tokens are handed out from a full bucket before any refill window.
func TestBucket_NoOversubscription(t *testing.T) {
	p := fastProfile()
	p.InitialRPS = 0.5 // negligible refill during the test window
	p.MinRPS = 0.5
	p.Burst = 5
	b := NewBucket(p)
	defer b.Close()

	const goroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	got := 0
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.TryConsume() {
				mu.Lock()
				got++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got != 5 {
		t.Fatalf("concurrent TryConsume granted %d tokens, want exactly 5 (burst)", got)
	}
}

// TestBucket_ReleaseTracksInFlight verifies the reservation counter used by
// the registry drain: Acquire/TryConsume increment, Release decrements.
func TestBucket_ReleaseTracksInFlight(t *testing.T) {
	b := NewBucket(fastProfile())
	defer b.Close()

	if !b.TryConsume() {
		t.Fatal("TryConsume() = false, want true")
	}
	if err := b.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if got := b.InFlight(); got != 2 {
		t.Fatalf("InFlight() = %d, want 2", got)
	}
	b.Release()
	b.Release()
	if got := b.InFlight(); got != 0 {
		t.Fatalf("InFlight() after releases = %d, want 0", got)
	}
}
