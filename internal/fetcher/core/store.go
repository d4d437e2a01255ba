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
// This file handles the in-memory registry of token buckets and circuit
// breakers, keyed by host key.
package core

import (
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fetchkit"
	"fetchkit/internal/fetcher/breaker"
)

// HostKey derives the registry key from a parsed URL: the lower-cased
// host, including the port when one is present.
func HostKey(u *url.URL) string {
	return strings.ToLower(u.Host)
}

// managedBucket wraps a bucket with the metadata the sweeper needs.
//
// lastAccessed is updated on every hot-path access and drives eviction; it
// is stored as UnixNano so it can be read atomically across goroutines.
type managedBucket struct {
	instance     *fetchkit.Bucket
	lastAccessed int64
}

// managedCircuit is the breaker counterpart of managedBucket.
type managedCircuit struct {
	instance     *breaker.Breaker
	lastAccessed int64
}

// RegistryConfig seeds a Registry. Zero fields fall back to the package
// defaults, so the zero value is usable.
type RegistryConfig struct {
	// DefaultProfile applies to hosts without a tuned entry.
	DefaultProfile fetchkit.Profile
	// DefaultStrategy applies to hosts without a tuned entry.
	DefaultStrategy breaker.Strategy
	// HostProfiles maps host keys (or bare hosts without "www.") to tuned
	// rate profiles.
	HostProfiles map[string]fetchkit.Profile
	// HostStrategies maps host keys to tuned breaker strategies.
	HostStrategies map[string]breaker.Strategy
}

// Registry manages the per-host buckets and circuit breakers shared by
// every component of the fetching core. It is safe for concurrent use and
// optimized for the common case where the host already exists.
type Registry struct {
	buckets  sync.Map
	circuits sync.Map

	defaultProfile  fetchkit.Profile
	defaultStrategy breaker.Strategy
	hostProfiles    map[string]fetchkit.Profile
	hostStrategies  map[string]breaker.Strategy
}

// NewRegistry creates a registry from cfg. The host maps are copied so the
// caller cannot mutate lookup behavior afterwards.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		defaultProfile:  cfg.DefaultProfile,
		defaultStrategy: cfg.DefaultStrategy,
		hostProfiles:    make(map[string]fetchkit.Profile, len(cfg.HostProfiles)),
		hostStrategies:  make(map[string]breaker.Strategy, len(cfg.HostStrategies)),
	}
	if r.defaultProfile == (fetchkit.Profile{}) {
		r.defaultProfile = fetchkit.DefaultProfile()
	}
	if r.defaultStrategy == (breaker.Strategy{}) {
		r.defaultStrategy = breaker.DefaultStrategy()
	}
	for k, v := range cfg.HostProfiles {
		r.hostProfiles[strings.ToLower(k)] = v
	}
	for k, v := range cfg.HostStrategies {
		r.hostStrategies[strings.ToLower(k)] = v
	}
	return r
}

// ProfileFor resolves the rate profile for a host key: exact match first,
// then the bare host without a "www." prefix, then the default.
func (r *Registry) ProfileFor(host string) fetchkit.Profile {
	if p, ok := r.hostProfiles[host]; ok {
		return p
	}
	if bare := strings.TrimPrefix(host, "www."); bare != host {
		if p, ok := r.hostProfiles[bare]; ok {
			return p
		}
	}
	return r.defaultProfile
}

// StrategyFor resolves the breaker strategy for a host key with the same
// precedence as ProfileFor.
func (r *Registry) StrategyFor(host string) breaker.Strategy {
	if s, ok := r.hostStrategies[host]; ok {
		return s
	}
	if bare := strings.TrimPrefix(host, "www."); bare != host {
		if s, ok := r.hostStrategies[bare]; ok {
			return s
		}
	}
	return r.defaultStrategy
}

// GetBucket returns the token bucket for a host key, creating it from the
// host's profile on first use, and touches its last-accessed timestamp.
//
// Optimization: avoid allocating on the common case where the host already
// exists. We first try a plain Load (no allocation); only on a miss do we
// construct the bucket and attempt a LoadOrStore. When another goroutine
// wins the race the loser's fresh bucket is closed and discarded.
func (r *Registry) GetBucket(host string) *fetchkit.Bucket {
	if actual, ok := r.buckets.Load(host); ok {
		managed := actual.(*managedBucket)
		atomic.StoreInt64(&managed.lastAccessed, time.Now().UnixNano())
		return managed.instance
	}

	now := time.Now().UnixNano()
	inst := fetchkit.NewBucket(r.ProfileFor(host))
	newManaged := &managedBucket{instance: inst, lastAccessed: now}

	if actual, loaded := r.buckets.LoadOrStore(host, newManaged); loaded {
		inst.Close()
		managed := actual.(*managedBucket)
		atomic.StoreInt64(&managed.lastAccessed, now)
		return managed.instance
	}
	return newManaged.instance
}

// GetCircuit returns the circuit breaker for a host key, creating it from
// the host's strategy on first use.
func (r *Registry) GetCircuit(host string) *breaker.Breaker {
	if actual, ok := r.circuits.Load(host); ok {
		managed := actual.(*managedCircuit)
		atomic.StoreInt64(&managed.lastAccessed, time.Now().UnixNano())
		return managed.instance
	}

	now := time.Now().UnixNano()
	inst := breaker.New(r.StrategyFor(host))
	newManaged := &managedCircuit{instance: inst, lastAccessed: now}

	if actual, loaded := r.circuits.LoadOrStore(host, newManaged); loaded {
		managed := actual.(*managedCircuit)
		atomic.StoreInt64(&managed.lastAccessed, now)
		return managed.instance
	}
	return newManaged.instance
}

// ResetCircuit force-closes the breaker for a host key. Returns false when
// the host has no breaker.
func (r *Registry) ResetCircuit(host string) bool {
	actual, ok := r.circuits.Load(host)
	if !ok {
		return false
	}
	actual.(*managedCircuit).instance.Reset()
	return true
}

// forEachBucket iterates all managed buckets. Used by the sweeper and the
// state snapshot.
func (r *Registry) forEachBucket(f func(host string, m *managedBucket)) {
	r.buckets.Range(func(key, value interface{}) bool {
		f(key.(string), value.(*managedBucket))
		return true
	})
}

// forEachCircuit iterates all managed circuits.
func (r *Registry) forEachCircuit(f func(host string, m *managedCircuit)) {
	r.circuits.Range(func(key, value interface{}) bool {
		f(key.(string), value.(*managedCircuit))
		return true
	})
}

// DeleteBucket removes a host's bucket and stops it, waking any pending
// reservations with a typed error.
func (r *Registry) DeleteBucket(host string) {
	if v, ok := r.buckets.LoadAndDelete(host); ok {
		v.(*managedBucket).instance.Close()
	}
}

// DeleteCircuit removes a host's breaker.
func (r *Registry) DeleteCircuit(host string) {
	r.circuits.LoadAndDelete(host)
}

// CloseAll stops every bucket in the registry. Call at shutdown, after
// in-flight work has drained.
func (r *Registry) CloseAll() {
	r.forEachBucket(func(_ string, m *managedBucket) {
		m.instance.Close()
	})
}

// Counts returns the number of tracked buckets and circuits.
func (r *Registry) Counts() (buckets, circuits int) {
	r.forEachBucket(func(string, *managedBucket) { buckets++ })
	r.forEachCircuit(func(string, *managedCircuit) { circuits++ })
	return buckets, circuits
}

// InFlight sums the in-flight reservations across all buckets.
func (r *Registry) InFlight() int64 {
	var n int64
	r.forEachBucket(func(_ string, m *managedBucket) {
		n += m.instance.InFlight()
	})
	return n
}

// HostState is the observable state of one host. Hosts seen only by the
// breaker (or only by the limiter) have the missing half zeroed or nil.
type HostState struct {
	Bucket  fetchkit.BucketSnapshot
	Circuit *breaker.Snapshot
}

// StateSnapshot is the registry-wide view polled by monitors and served by
// the operations API.
type StateSnapshot struct {
	Hosts   map[string]HostState
	Metrics EventTotals
	TakenAt time.Time
}

// Snapshot assembles a point-in-time view of every tracked host.
func (r *Registry) Snapshot() StateSnapshot {
	snap := StateSnapshot{
		Hosts:   make(map[string]HostState),
		Metrics: Totals(),
		TakenAt: time.Now(),
	}
	r.forEachBucket(func(host string, m *managedBucket) {
		hs := snap.Hosts[host]
		hs.Bucket = m.instance.Snapshot()
		snap.Hosts[host] = hs
	})
	r.forEachCircuit(func(host string, m *managedCircuit) {
		hs := snap.Hosts[host]
		cs := m.instance.Snapshot()
		hs.Circuit = &cs
		snap.Hosts[host] = hs
	})
	return snap
}
