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

// Package canon recovers from 404s by probing an ordered set of URL
// variants: https upgrades, www toggles, and trailing slashes, with the
// original URL as the last resort. Winning resolutions are memoized.
package canon

import (
	"context"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"fetchkit/internal/fetcher/core"
	"fetchkit/internal/fetcher/engine"
	"fetchkit/internal/fetcher/errkind"
	"fetchkit/internal/fetcher/robots"
	"fetchkit/internal/fetcher/telemetry"
)

const (
	// DefaultMemoTTL bounds how long a winning variant is remembered.
	DefaultMemoTTL = 30 * time.Minute
	// DefaultPreflightTimeout caps each variant probe.
	DefaultPreflightTimeout = 5 * time.Second

	maxMemoEntries = 512
)

// defaultBackoff spaces variant probes; the last value repeats.
var defaultBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Attempt records one probed variant.
type Attempt struct {
	Variant string
	Status  int
	Kind    errkind.Kind
	Elapsed time.Duration
}

// Result reports one canonicalization run.
type Result struct {
	OriginalURL string
	// ResolvedURL is the final URL of the winning variant, empty on failure.
	ResolvedURL   string
	Success       bool
	Attempts      []Attempt
	RedirectChain []engine.Hop
	TotalElapsed  time.Duration
	// ErrorKind is robots_blocked when robots.txt forbade the path, or
	// client_4xx when every variant failed.
	ErrorKind errkind.Kind
	FromCache bool
}

// EventSink receives one event per completed run. *joblog.Logger satisfies
// it.
type EventSink interface {
	Canonicalization(correlationID, host, originalURL, resolvedURL string, attempts int, success bool, elapsed time.Duration)
}

// Config tunes a Canonicalizer.
type Config struct {
	MemoTTL          time.Duration
	PreflightTimeout time.Duration
	// Backoff overrides the spacing between variant probes, mainly for
	// tests.
	Backoff []time.Duration
	Logger  *zap.Logger
}

type memoStore struct {
	mu      sync.Mutex
	entries map[string]memoEntry
}

type memoEntry struct {
	result  Result
	savedAt time.Time
}

// Canonicalizer probes URL variants through the fetch engine. Safe for
// concurrent use; WithJob clones share the memo.
type Canonicalizer struct {
	eng    *engine.Engine
	robots *robots.Cache
	cfg    Config
	log    *zap.Logger
	events EventSink
	memo   *memoStore
}

// New builds a Canonicalizer over the engine. rc may be nil to skip robots
// checks.
func New(eng *engine.Engine, rc *robots.Cache, cfg Config) *Canonicalizer {
	if cfg.MemoTTL <= 0 {
		cfg.MemoTTL = DefaultMemoTTL
	}
	if cfg.PreflightTimeout <= 0 {
		cfg.PreflightTimeout = DefaultPreflightTimeout
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Canonicalizer{
		eng:    eng,
		robots: rc,
		cfg:    cfg,
		log:    cfg.Logger,
		memo:   &memoStore{entries: make(map[string]memoEntry)},
	}
}

// WithJob returns a copy bound to a job's engine and event sink. The memo
// stays shared with the original.
func (c *Canonicalizer) WithJob(eng *engine.Engine, sink EventSink) *Canonicalizer {
	clone := *c
	if eng != nil {
		clone.eng = eng
	}
	clone.events = sink
	return &clone
}

// Resolve probes the variants of rawURL in order and returns the first that
// answers 2xx/3xx. Runs are memoized by the original URL for the memo TTL.
func (c *Canonicalizer) Resolve(ctx context.Context, rawURL, correlationID string) Result {
	start := time.Now()
	if cached, ok := c.lookup(rawURL); ok {
		cached.FromCache = true
		telemetry.ObserveCanonicalResolution("cached")
		return cached
	}

	res := Result{OriginalURL: rawURL}
	host := ""
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = core.HostKey(u)
		if !c.robots.Allowed(ctx, u) {
			res.ErrorKind = errkind.RobotsBlocked
			res.TotalElapsed = time.Since(start)
			c.emit(correlationID, host, res)
			return res
		}
	}

	for i, variant := range Variants(rawURL) {
		if i > 0 {
			if err := sleepCtx(ctx, c.backoffFor(i-1)); err != nil {
				break
			}
		}
		out := c.preflight(ctx, variant, correlationID)
		res.Attempts = append(res.Attempts, Attempt{
			Variant: variant,
			Status:  out.Status,
			Kind:    out.Kind,
			Elapsed: out.Elapsed,
		})
		if out.OK() {
			res.Success = true
			res.ResolvedURL = out.FinalURL
			res.RedirectChain = out.RedirectChain
			res.TotalElapsed = time.Since(start)
			c.store(rawURL, res)
			c.log.Info("canonicalized url",
				zap.String("original", rawURL),
				zap.String("resolved", res.ResolvedURL),
				zap.Int("attempts", len(res.Attempts)))
			c.emit(correlationID, host, res)
			return res
		}
		if ctx.Err() != nil {
			break
		}
	}

	res.ErrorKind = errkind.Client4xx
	res.TotalElapsed = time.Since(start)
	c.emit(correlationID, host, res)
	return res
}

// preflight probes one variant with HEAD, retrying once with GET when the
// origin does not support HEAD.
func (c *Canonicalizer) preflight(ctx context.Context, variant, correlationID string) engine.Outcome {
	req := engine.Request{
		URL:           variant,
		Method:        "HEAD",
		Timeout:       c.cfg.PreflightTimeout,
		CorrelationID: correlationID,
	}
	out := c.eng.FetchOnce(ctx, req)
	if out.Status == 405 || out.Status == 501 {
		req.Method = "GET"
		out = c.eng.FetchOnce(ctx, req)
	}
	return out
}

func (c *Canonicalizer) backoffFor(step int) time.Duration {
	if step >= len(c.cfg.Backoff) {
		step = len(c.cfg.Backoff) - 1
	}
	return c.cfg.Backoff[step]
}

func (c *Canonicalizer) emit(correlationID, host string, res Result) {
	result := "failed"
	if res.Success {
		result = "resolved"
	}
	telemetry.ObserveCanonicalResolution(result)
	if c.events == nil {
		return
	}
	c.events.Canonicalization(correlationID, host, res.OriginalURL, res.ResolvedURL,
		len(res.Attempts), res.Success, res.TotalElapsed)
}

func (c *Canonicalizer) lookup(rawURL string) (Result, bool) {
	c.memo.mu.Lock()
	defer c.memo.mu.Unlock()
	e, ok := c.memo.entries[rawURL]
	if !ok || time.Since(e.savedAt) >= c.cfg.MemoTTL {
		return Result{}, false
	}
	return e.result, true
}

func (c *Canonicalizer) store(rawURL string, res Result) {
	c.memo.mu.Lock()
	defer c.memo.mu.Unlock()
	if len(c.memo.entries) >= maxMemoEntries {
		c.evictLocked()
	}
	c.memo.entries[rawURL] = memoEntry{result: res, savedAt: time.Now()}
}

// evictLocked drops expired memo entries, then the oldest if still full.
func (c *Canonicalizer) evictLocked() {
	now := time.Now()
	for k, e := range c.memo.entries {
		if now.Sub(e.savedAt) >= c.cfg.MemoTTL {
			delete(c.memo.entries, k)
		}
	}
	if len(c.memo.entries) < maxMemoEntries {
		return
	}
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.memo.entries {
		if oldestKey == "" || e.savedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.savedAt
		}
	}
	delete(c.memo.entries, oldestKey)
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
