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

import "time"

// Profile configures a Bucket's politeness envelope. Well-known hosts carry
// tuned profiles; everything else uses DefaultProfile. The current rate of a
// bucket never leaves [MinRPS, MaxRPS].
type Profile struct {
	// InitialRPS is the starting refill rate in requests per second.
	// 0 uses the default (1 rps).
	InitialRPS float64

	// MaxRPS caps the rate after recovery growth. 0 uses the default (2 rps).
	MaxRPS float64

	// MinRPS floors the rate under 429/5xx backoff. 0 uses the default (0.1 rps).
	MinRPS float64

	// Burst is the token capacity, i.e. the largest instantaneous surge the
	// bucket allows. 0 uses the default (3).
	Burst int

	// BackoffMultiplier scales the rate down on each 429. Must be < 1;
	// 0 uses the default (0.5).
	BackoffMultiplier float64

	// RecoveryMultiplier scales the rate back up once RecoveryThreshold
	// consecutive successes accumulate outside the cooldown window. Must be
	// > 1; 0 uses the default (1.25).
	RecoveryMultiplier float64

	// RecoveryThreshold is the number of consecutive 2xx responses required
	// before a recovery step is considered. 0 uses the default (10).
	RecoveryThreshold int

	// Cooldown bounds both the synthesized 429 pause (when no Retry-After is
	// present) and the quiet period after the last 429 before any recovery
	// step. 0 uses the default (60s).
	Cooldown time.Duration
}

// DefaultProfile returns the profile applied to hosts without a tuned entry.
func DefaultProfile() Profile {
	return Profile{
		InitialRPS:         1,
		MaxRPS:             2,
		MinRPS:             0.1,
		Burst:              3,
		BackoffMultiplier:  0.5,
		RecoveryMultiplier: 1.25,
		RecoveryThreshold:  10,
		Cooldown:           60 * time.Second,
	}
}

// withDefaults fills zero or out-of-range fields and repairs inverted bounds
// so that a Bucket always starts inside its own envelope.
func (p Profile) withDefaults() Profile {
	def := DefaultProfile()
	if p.InitialRPS <= 0 {
		p.InitialRPS = def.InitialRPS
	}
	if p.MaxRPS <= 0 {
		p.MaxRPS = def.MaxRPS
	}
	if p.MinRPS <= 0 {
		p.MinRPS = def.MinRPS
	}
	if p.MinRPS > p.MaxRPS {
		p.MinRPS = p.MaxRPS
	}
	if p.InitialRPS < p.MinRPS {
		p.InitialRPS = p.MinRPS
	}
	if p.InitialRPS > p.MaxRPS {
		p.InitialRPS = p.MaxRPS
	}
	if p.Burst <= 0 {
		p.Burst = def.Burst
	}
	if p.BackoffMultiplier <= 0 || p.BackoffMultiplier >= 1 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if p.RecoveryMultiplier <= 1 {
		p.RecoveryMultiplier = def.RecoveryMultiplier
	}
	if p.RecoveryThreshold <= 0 {
		p.RecoveryThreshold = def.RecoveryThreshold
	}
	if p.Cooldown <= 0 {
		p.Cooldown = def.Cooldown
	}
	return p
}

// RateAdjustment is one applied change to a bucket's current rate. Buckets
// keep the most recent adjustments in a bounded ring for diagnostics.
type RateAdjustment struct {
	At     time.Time
	From   float64
	To     float64
	Reason string
}
