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

// Package benchmarks contains the performance tests for the fetching hot
// path: the per-host adaptive token bucket and the registry that shards it.
package benchmarks

import (
	"strconv"
	"testing"

	"fetchkit"
	"fetchkit/internal/fetcher/core"
)

// fastProfile refills quickly enough that benchmarks measure the operation
// cost rather than token starvation.
var fastProfile = fetchkit.Profile{
	InitialRPS: 1_000_000,
	MaxRPS:     1_000_000,
	Burst:      1_000_000,
}

// BenchmarkBucket_TryConsume_Uncontended measures the raw cost of the
// non-blocking admission check from a single goroutine. This is the
// baseline overhead every fetch pays before touching the network.
func BenchmarkBucket_TryConsume_Uncontended(b *testing.B) {
	bucket := fetchkit.NewBucket(fastProfile)
	defer bucket.Close()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bucket.TryConsume()
	}
}

// BenchmarkBucket_TryConsume_Concurrent stresses the bucket's mutex with
// many goroutines admitting against the same host, the shape of a batch
// hammering one origin.
func BenchmarkBucket_TryConsume_Concurrent(b *testing.B) {
	bucket := fetchkit.NewBucket(fastProfile)
	defer bucket.Close()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			bucket.TryConsume()
		}
	})
}

// BenchmarkBucket_ObserveStatus_Success measures the per-response
// bookkeeping on the success path: streak tracking plus the gradual rate
// recovery check. Every completed fetch pays this once.
func BenchmarkBucket_ObserveStatus_Success(b *testing.B) {
	bucket := fetchkit.NewBucket(fastProfile)
	defer bucket.Close()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bucket.ObserveStatus(200, 0)
	}
}

// BenchmarkFloorLimiter_Allow provides a baseline comparison against the
// cheapest possible admission gate. It is faster than the adaptive bucket
// because it does nothing else: no refill clock, no rate adjustments, no
// pause windows. The gap is the price of adaptivity.
func BenchmarkFloorLimiter_Allow(b *testing.B) {
	l := newFloorLimiter(int64(b.N) + 1)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = l.allow()
		}
	})
}

// BenchmarkRegistry_GetBucket_Concurrent measures bucket lookup under
// concurrent access across many hosts. This simulates a batch spread over
// a large URL list where every item resolves its host's bucket first.
func BenchmarkRegistry_GetBucket_Concurrent(b *testing.B) {
	reg := core.NewRegistry(core.RegistryConfig{DefaultProfile: fastProfile})
	defer reg.CloseAll()

	numHosts := 1000
	hosts := make([]string, numHosts)
	for i := 0; i < numHosts; i++ {
		hosts[i] = "host-" + strconv.Itoa(i) + ".example.com"
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			// Cycle through the hosts to simulate a mixed workload.
			reg.GetBucket(hosts[i%numHosts]).TryConsume()
			i++
		}
	})
}
