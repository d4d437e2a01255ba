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
	"sync/atomic"
	"time"

	"fetchkit/internal/fetcher/core"
	"fetchkit/internal/fetcher/telemetry"
)

// Budget caps extra attempts shared across many requests, typically one
// budget per batch. A nil *Budget never runs out.
type Budget struct {
	remaining int64
}

// NewBudget allows n retries in total across all requests sharing it.
func NewBudget(n int64) *Budget {
	return &Budget{remaining: n}
}

// Spend takes one retry from the budget, reporting false when exhausted.
func (b *Budget) Spend() bool {
	if b == nil {
		return true
	}
	for {
		cur := atomic.LoadInt64(&b.remaining)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.remaining, cur, cur-1) {
			return true
		}
	}
}

// Remaining reports retries left in the budget.
func (b *Budget) Remaining() int64 {
	if b == nil {
		return 0
	}
	return atomic.LoadInt64(&b.remaining)
}

// Do runs FetchOnce with bounded retries and no shared budget.
func (e *Engine) Do(ctx context.Context, req Request) Outcome {
	return e.DoWithBudget(ctx, req, nil)
}

// DoWithBudget retries retriable outcomes up to the request's MaxRetries,
// spending from budget for every retry. Rate-limited attempts honor the
// server's Retry-After within the backoff cap. Circuit-open, validation,
// and parse outcomes return immediately, as do non-retriable error kinds.
func (e *Engine) DoWithBudget(ctx context.Context, req Request, budget *Budget) Outcome {
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}
	attempt := 1
	for {
		// Each attempt gets a fresh request ID; the correlation ID minted
		// on the first attempt carries across the whole sequence.
		out := e.FetchOnce(ctx, req)
		out.Attempts = attempt
		req.CorrelationID = out.CorrelationID

		var retryAfter time.Duration
		switch out.Type {
		case OutcomeRateLimited:
			retryAfter = out.RetryAfter
		case OutcomeNetwork, OutcomeTimeout:
			if !out.Kind.Retriable() {
				return out
			}
		default:
			return out
		}

		if attempt >= maxRetries || !budget.Spend() {
			return out
		}
		delay := e.computeBackoff(attempt, retryAfter)
		core.RecordRetry()
		telemetry.ObserveRetry()
		if err := sleepCtx(ctx, delay); err != nil {
			return out
		}
		attempt++
	}
}

// computeBackoff doubles the base delay per attempt, honoring a server
// Retry-After hint when present, capping the result and adding jitter
// proportional to the base.
func (e *Engine) computeBackoff(attempt int, retryAfter time.Duration) time.Duration {
	d := retryAfter
	if d <= 0 {
		shift := attempt - 1
		if shift > 20 {
			shift = 20
		}
		d = e.cfg.BaseBackoff << shift
	}
	if d > e.cfg.MaxBackoff {
		d = e.cfg.MaxBackoff
	}
	return d + jitter(e.cfg.BaseBackoff, e.cfg.JitterFactor)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
