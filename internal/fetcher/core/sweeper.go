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
// This file implements the background sweeper responsible for evicting idle
// host state and draining the registry at shutdown.
package core

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fetchkit/internal/fetcher/telemetry"
)

// Default sweeper tuning. Buckets live longer than circuits because an idle
// bucket still encodes a learned rate, while a stale breaker should start
// from a clean slate.
const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultBucketTTL     = 30 * time.Minute
	DefaultCircuitTTL    = 15 * time.Minute
	DefaultDrainTimeout  = 30 * time.Second

	drainPollInterval = 50 * time.Millisecond
)

// SweeperConfig tunes a Sweeper. Zero fields fall back to the package
// defaults; a nil Logger disables logging.
type SweeperConfig struct {
	Interval     time.Duration
	BucketTTL    time.Duration
	CircuitTTL   time.Duration
	DrainTimeout time.Duration
	Logger       *zap.Logger
}

// Sweeper periodically evicts registry entries that have not been touched
// within their TTL and performs the graceful drain at shutdown.
type Sweeper struct {
	registry     *Registry
	interval     time.Duration
	bucketTTL    time.Duration
	circuitTTL   time.Duration
	drainTimeout time.Duration
	log          *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewSweeper creates a sweeper over registry.
func NewSweeper(registry *Registry, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.BucketTTL <= 0 {
		cfg.BucketTTL = DefaultBucketTTL
	}
	if cfg.CircuitTTL <= 0 {
		cfg.CircuitTTL = DefaultCircuitTTL
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Sweeper{
		registry:     registry,
		interval:     cfg.Interval,
		bucketTTL:    cfg.BucketTTL,
		circuitTTL:   cfg.CircuitTTL,
		drainTimeout: cfg.DrainTimeout,
		log:          cfg.Logger,
		stopChan:     make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop()
	}()
}

// Stop halts the sweep loop, waits up to the drain timeout for in-flight
// reservations to finish, then stops every bucket so pending waiters fail
// with a typed error. Safe to call more than once.
func (s *Sweeper) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	s.drain()
}

func (s *Sweeper) sweepLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runSweepCycle()
		case <-s.stopChan:
			return
		}
	}
}

// runSweepCycle finds and removes stale per-host entries.
func (s *Sweeper) runSweepCycle() {
	now := time.Now()

	var staleBuckets []string
	s.registry.forEachBucket(func(host string, m *managedBucket) {
		last := atomic.LoadInt64(&m.lastAccessed)
		if now.Sub(time.Unix(0, last)) > s.bucketTTL {
			staleBuckets = append(staleBuckets, host)
		}
	})

	var evictedB int64
	for _, host := range staleBuckets {
		// Re-check before evicting: the host may have been touched, or
		// may still hold in-flight reservations. Those wait for the
		// next cycle.
		actual, ok := s.registry.buckets.Load(host)
		if !ok {
			continue
		}
		managed := actual.(*managedBucket)
		last := atomic.LoadInt64(&managed.lastAccessed)
		if time.Since(time.Unix(0, last)) <= s.bucketTTL {
			continue
		}
		if managed.instance.InFlight() > 0 {
			continue
		}
		s.registry.DeleteBucket(host)
		evictedB++
	}

	var staleCircuits []string
	s.registry.forEachCircuit(func(host string, m *managedCircuit) {
		last := atomic.LoadInt64(&m.lastAccessed)
		if now.Sub(time.Unix(0, last)) > s.circuitTTL {
			staleCircuits = append(staleCircuits, host)
		}
	})

	var evictedC int64
	for _, host := range staleCircuits {
		actual, ok := s.registry.circuits.Load(host)
		if !ok {
			continue
		}
		managed := actual.(*managedCircuit)
		last := atomic.LoadInt64(&managed.lastAccessed)
		if time.Since(time.Unix(0, last)) <= s.circuitTTL {
			continue
		}
		s.registry.DeleteCircuit(host)
		evictedC++
	}

	if evictedB > 0 || evictedC > 0 {
		RecordEviction(evictedB, evictedC)
		s.log.Info("evicted stale host state",
			zap.Int64("buckets", evictedB),
			zap.Int64("circuits", evictedC))
	}
	buckets, circuits := s.registry.Counts()
	telemetry.ObserveRegistrySize(buckets, circuits)
}

// drain waits for in-flight reservations to complete, bounded by the drain
// timeout, then closes all buckets.
func (s *Sweeper) drain() {
	deadline := time.Now().Add(s.drainTimeout)
	for time.Now().Before(deadline) {
		if s.registry.InFlight() == 0 {
			break
		}
		time.Sleep(drainPollInterval)
	}
	if n := s.registry.InFlight(); n > 0 {
		s.log.Warn("drain timeout with reservations still in flight",
			zap.Int64("inFlight", n))
	}
	s.registry.CloseAll()
}
