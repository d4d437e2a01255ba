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

// Package fetchkit provides the per-host politeness primitive of the fetching
// core: an adaptive token bucket whose refill rate learns from server
// feedback (429s, Retry-After hints, server-error streaks) inside a
// configured profile envelope.
package fetchkit

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxWait bounds how long Acquire blocks for a token when the caller
// does not supply its own bound.
const DefaultMaxWait = 30 * time.Second

// adjustmentHistorySize is the fixed capacity of the per-bucket ring of
// applied rate adjustments.
const adjustmentHistorySize = 100

var (
	// ErrWaitExceeded is returned by Acquire when the projected wait for a
	// token exceeds the caller's bound.
	ErrWaitExceeded = errors.New("fetchkit: rate limit wait exceeded")

	// ErrStopped is returned to pending and future acquirers once a bucket
	// has been closed (eviction or process shutdown).
	ErrStopped = errors.New("fetchkit: bucket stopped")
)

// Bucket is a thread-safe token bucket with adaptive refill. Tokens are only
// mutated under the mutex; readers of the snapshot may observe stale but
// never inconsistent values.
type Bucket struct {
	mu sync.Mutex

	profile Profile

	// rps is the current adaptive rate; rps ∈ [profile.MinRPS, profile.MaxRPS].
	rps float64
	// tokens ∈ [0, burst]; refill is min(burst, tokens + elapsed*rps).
	tokens     float64
	lastRefill time.Time

	// adaptive state fed by ObserveStatus
	successStreak   int
	errorStreak     int
	serverErrStreak int
	lastRateLimited time.Time
	pauseUntil      time.Time

	// bounded ring of applied adjustments
	history     []RateAdjustment
	historyNext int

	// reservations handed out by Acquire/TryConsume and not yet released
	inFlight atomic.Int64

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewBucket creates a bucket from the given profile. Zero profile fields fall
// back to DefaultProfile values.
func NewBucket(p Profile) *Bucket {
	p = p.withDefaults()
	now := time.Now()
	return &Bucket{
		profile:    p,
		rps:        p.InitialRPS,
		tokens:     float64(p.Burst),
		lastRefill: now,
		history:    make([]RateAdjustment, 0, adjustmentHistorySize),
		stopCh:     make(chan struct{}),
	}
}

// Acquire blocks until a token has been deducted or the bound is exceeded.
// maxWait <= 0 uses DefaultMaxWait. It returns ErrWaitExceeded when the
// projected wait passes the bound, ErrStopped when the bucket is closed, or
// the context error on cancellation. Callers must Acquire before opening any
// connection and call Release once the request completes.
func (b *Bucket) Acquire(ctx context.Context, maxWait time.Duration) error {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	deadline := time.Now().Add(maxWait)
	for {
		select {
		case <-b.stopCh:
			return ErrStopped
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, wait, paused := b.acquireStep()
		if ok {
			return nil
		}
		if time.Now().Add(wait).After(deadline) {
			return ErrWaitExceeded
		}
		if !paused {
			wait += acquireJitter(wait)
		}
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
		// Another waiter may win the token after the sleep; loop and retry.
	}
}

// acquireStep performs one refill-and-consume attempt. It returns either a
// deducted token (ok) or the duration the caller must sleep before retrying,
// flagging whether that sleep is an adaptive pause window.
func (b *Bucket) acquireStep() (ok bool, wait time.Duration, paused bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	// An adaptive pause (429 feedback) must fully elapse before refilling.
	if p := b.pauseUntil.Sub(now); p > 0 {
		return false, p, true
	}
	b.refillLocked(now)
	if b.tokens >= 1 {
		b.tokens--
		b.inFlight.Add(1)
		return true, 0, false
	}
	ms := math.Ceil((1 - b.tokens) / b.rps * 1000)
	return false, time.Duration(ms) * time.Millisecond, false
}

// TryConsume deducts a token without waiting. It returns false when the
// bucket is closed, paused, or empty.
func (b *Bucket) TryConsume() bool {
	select {
	case <-b.stopCh:
		return false
	default:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if now.Before(b.pauseUntil) {
		return false
	}
	b.refillLocked(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	b.inFlight.Add(1)
	return true
}

// Release returns a reservation slot once the request it covered completes.
func (b *Bucket) Release() {
	b.inFlight.Add(-1)
}

// InFlight reports reservations handed out and not yet released.
func (b *Bucket) InFlight() int64 {
	return b.inFlight.Load()
}

// ObserveStatus feeds a response status back into the adaptive state.
// retryAfter carries a parsed Retry-After hint for 429s; pass a negative
// duration when the header was absent. When the observation changed the
// current rate, the adjustment is returned so callers can surface it.
func (b *Bucket) ObserveStatus(status int, retryAfter time.Duration) *RateAdjustment {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	switch {
	case status == http.StatusTooManyRequests:
		b.errorStreak++
		b.successStreak = 0
		b.serverErrStreak = 0
		b.lastRateLimited = now
		pause := retryAfter
		if pause < 0 {
			shift := b.errorStreak
			if shift > 6 {
				shift = 6
			}
			pause = time.Second << shift
			if pause > b.profile.Cooldown {
				pause = b.profile.Cooldown
			}
		}
		b.pauseUntil = now.Add(pause)
		return b.adjustLocked(now, b.rps*b.profile.BackoffMultiplier, "rate_limited")
	case status >= 200 && status < 300:
		if b.errorStreak > 0 {
			b.errorStreak--
		}
		b.serverErrStreak = 0
		b.successStreak++
		if b.successStreak >= b.profile.RecoveryThreshold &&
			now.Sub(b.lastRateLimited) > b.profile.Cooldown {
			adj := b.adjustLocked(now, b.rps*b.profile.RecoveryMultiplier, "recovery")
			b.successStreak = 0
			return adj
		}
	case status >= 500:
		b.serverErrStreak++
		b.successStreak = 0
		if b.serverErrStreak > 3 {
			return b.adjustLocked(now, b.rps*0.9, "server_errors")
		}
	}
	return nil
}

// adjustLocked clamps the target into the profile envelope and records the
// change in the ring. No-op targets (already at a bound) are not recorded
// and return nil.
func (b *Bucket) adjustLocked(now time.Time, target float64, reason string) *RateAdjustment {
	clamped := math.Max(b.profile.MinRPS, math.Min(b.profile.MaxRPS, target))
	if clamped == b.rps {
		return nil
	}
	adj := RateAdjustment{At: now, From: b.rps, To: clamped, Reason: reason}
	if len(b.history) < adjustmentHistorySize {
		b.history = append(b.history, adj)
	} else {
		b.history[b.historyNext] = adj
	}
	b.historyNext = (b.historyNext + 1) % adjustmentHistorySize
	b.rps = clamped
	return &adj
}

// refillLocked advances tokens by elapsed time at the current rate.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(float64(b.profile.Burst), b.tokens+elapsed*b.rps)
	b.lastRefill = now
}

// sleep waits for d, the bucket close, or the context, whichever first.
func (b *Bucket) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopCh:
		return ErrStopped
	}
}

// acquireJitter returns a uniform jitter in [0, min(wait/10, 100ms)) to
// de-synchronize concurrent waiters on the same host.
func acquireJitter(wait time.Duration) time.Duration {
	limit := wait / 10
	if limit > 100*time.Millisecond {
		limit = 100 * time.Millisecond
	}
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

// BucketSnapshot is a point-in-time view for observability.
type BucketSnapshot struct {
	CurrentRPS     float64
	Tokens         float64
	Burst          int
	PauseRemaining time.Duration
	SuccessStreak  int
	ErrorStreak    int
	InFlight       int64
	Adjustments    int
}

// Snapshot reports the current adaptive state. Values are consistent with
// each other at the instant of the call.
func (b *Bucket) Snapshot() BucketSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	pause := b.pauseUntil.Sub(now)
	if pause < 0 {
		pause = 0
	}
	return BucketSnapshot{
		CurrentRPS:     b.rps,
		Tokens:         b.tokens,
		Burst:          b.profile.Burst,
		PauseRemaining: pause,
		SuccessStreak:  b.successStreak,
		ErrorStreak:    b.errorStreak,
		InFlight:       b.inFlight.Load(),
		Adjustments:    len(b.history),
	}
}

// AdjustmentHistory returns the recorded adjustments oldest-first. The result
// is a copy; the ring itself is never exposed.
func (b *Bucket) AdjustmentHistory() []RateAdjustment {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RateAdjustment, 0, len(b.history))
	if len(b.history) < adjustmentHistorySize {
		out = append(out, b.history...)
		return out
	}
	out = append(out, b.history[b.historyNext:]...)
	out = append(out, b.history[:b.historyNext]...)
	return out
}

// CurrentRPS reports the adaptive rate.
func (b *Bucket) CurrentRPS() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rps
}

// Stopped reports whether Close has been called.
func (b *Bucket) Stopped() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}

// Close stops the bucket. Pending Acquire calls wake with ErrStopped and all
// future acquisitions fail. It is safe to call multiple times.
func (b *Bucket) Close() {
	b.closeOnce.Do(func() {
		close(b.stopCh)
	})
}
