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

// Package robots answers "may this path be fetched?" from cached robots.txt
// data, keyed by origin.
//
// The cache fails open: fetch errors, 5xx responses, and unparseable bodies
// all mean "allow", with failed origins retried on a shorter TTL. Lookups
// for the same origin are collapsed into a single fetch.
package robots

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL keeps parsed robots.txt data for an hour.
	DefaultTTL = time.Hour
	// DefaultNegativeTTL retries failed origins after ten minutes.
	DefaultNegativeTTL = 10 * time.Minute

	maxEntries = 1024
)

// FetchFunc retrieves a robots.txt document. The engine injects one that
// rides its own limiter and breaker gates; tests inject fakes.
type FetchFunc func(ctx context.Context, robotsURL string) (status int, body []byte, err error)

// CacheConfig tunes a Cache.
type CacheConfig struct {
	// Agent is the product stem matched against User-agent groups before
	// falling back to "*".
	Agent string
	// TTL bounds the age of successfully fetched entries. Zero means
	// DefaultTTL.
	TTL time.Duration
	// NegativeTTL bounds the age of failed-fetch entries. Zero means
	// DefaultNegativeTTL.
	NegativeTTL time.Duration
}

type entry struct {
	// data is nil for "allow everything": missing robots.txt, fetch
	// failure, or parse failure.
	data      *robotstxt.RobotsData
	fetchedAt time.Time
	failed    bool
}

// Cache is the process-wide robots.txt cache. Safe for concurrent use.
type Cache struct {
	fetch  FetchFunc
	agent  string
	ttl    time.Duration
	negTTL time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	sf      singleflight.Group
}

// NewCache creates a cache that retrieves robots.txt documents via fetch.
func NewCache(fetch FetchFunc, cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}
	return &Cache{
		fetch:   fetch,
		agent:   cfg.Agent,
		ttl:     cfg.TTL,
		negTTL:  cfg.NegativeTTL,
		entries: make(map[string]*entry),
	}
}

// Allowed reports whether u's path may be fetched for the configured agent.
// A nil cache allows everything, as does a context cancelled mid-fetch.
func (c *Cache) Allowed(ctx context.Context, u *url.URL) bool {
	if c == nil || u == nil || u.Host == "" {
		return true
	}
	origin := strings.ToLower(u.Scheme + "://" + u.Host)

	e := c.lookup(origin)
	if e == nil {
		ch := c.sf.DoChan(origin, func() (interface{}, error) {
			// Another waiter may have refreshed while we queued.
			if cached := c.lookup(origin); cached != nil {
				return cached, nil
			}
			return c.refresh(ctx, origin), nil
		})
		select {
		case res := <-ch:
			e = res.Val.(*entry)
		case <-ctx.Done():
			return true
		}
	}

	if e.data == nil {
		return true
	}
	group := e.data.FindGroup(c.agent)
	if group == nil {
		group = e.data.FindGroup("*")
	}
	if group == nil {
		return true
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}

// lookup returns the live entry for an origin, or nil when absent/expired.
func (c *Cache) lookup(origin string) *entry {
	c.mu.RLock()
	e := c.entries[origin]
	c.mu.RUnlock()
	if e == nil {
		return nil
	}
	ttl := c.ttl
	if e.failed {
		ttl = c.negTTL
	}
	if time.Since(e.fetchedAt) >= ttl {
		return nil
	}
	return e
}

// refresh fetches and parses robots.txt for an origin and stores the entry.
func (c *Cache) refresh(ctx context.Context, origin string) *entry {
	e := &entry{fetchedAt: time.Now()}
	status, body, err := c.fetch(ctx, origin+"/robots.txt")
	switch {
	case err != nil:
		e.failed = true
	case status >= 200 && status < 300:
		if data, perr := robotstxt.FromBytes(body); perr == nil {
			e.data = data
		}
	case status >= 500:
		e.failed = true
	default:
		// 4xx: the origin has no robots.txt. Allow on the full TTL.
	}
	c.store(origin, e)
	return e
}

func (c *Cache) store(origin string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxEntries {
		c.evictLocked()
	}
	c.entries[origin] = e
}

// evictLocked drops expired entries, then the oldest one if the map is
// still full.
func (c *Cache) evictLocked() {
	now := time.Now()
	for origin, e := range c.entries {
		ttl := c.ttl
		if e.failed {
			ttl = c.negTTL
		}
		if now.Sub(e.fetchedAt) >= ttl {
			delete(c.entries, origin)
		}
	}
	if len(c.entries) < maxEntries {
		return
	}
	var oldestKey string
	var oldestAt time.Time
	for origin, e := range c.entries {
		if oldestKey == "" || e.fetchedAt.Before(oldestAt) {
			oldestKey, oldestAt = origin, e.fetchedAt
		}
	}
	delete(c.entries, oldestKey)
}

// Len reports the number of cached origins.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
