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
	"testing"
	"time"
)

// TestProfile_ZeroValueGetsDefaults verifies that a zero Profile produces a
// bucket running on DefaultProfile numbers.
func TestProfile_ZeroValueGetsDefaults(t *testing.T) {
	b := NewBucket(Profile{})
	defer b.Close()

	snap := b.Snapshot()
	def := DefaultProfile()
	if snap.CurrentRPS != def.InitialRPS {
		t.Errorf("CurrentRPS = %v, want default %v", snap.CurrentRPS, def.InitialRPS)
	}
	if snap.Burst != def.Burst {
		t.Errorf("Burst = %d, want default %d", snap.Burst, def.Burst)
	}
	if snap.Tokens != float64(def.Burst) {
		t.Errorf("Tokens = %v, want full burst %d", snap.Tokens, def.Burst)
	}
}

// TestProfile_RepairsInvertedBounds verifies that MinRPS > MaxRPS collapses
// to MaxRPS and the initial rate lands inside the envelope.
func TestProfile_RepairsInvertedBounds(t *testing.T) {
	b := NewBucket(Profile{InitialRPS: 10, MaxRPS: 2, MinRPS: 5})
	defer b.Close()

	if got := b.CurrentRPS(); got != 2 {
		t.Fatalf("CurrentRPS = %v, want clamped 2", got)
	}
}

// TestProfile_RejectsDegenerateMultipliers verifies that multipliers outside
// their legal ranges fall back to defaults instead of freezing or inverting
// the adaptive direction.
func TestProfile_RejectsDegenerateMultipliers(t *testing.T) {
	p := Profile{
		InitialRPS:         2,
		MaxRPS:             4,
		MinRPS:             1,
		BackoffMultiplier:  1.5, // must be < 1
		RecoveryMultiplier: 0.5, // must be > 1
		Cooldown:           time.Millisecond,
	}
	b := NewBucket(p)
	defer b.Close()

	b.ObserveStatus(429, -1)
	if got := b.CurrentRPS(); got >= 2 {
		t.Fatalf("CurrentRPS after 429 = %v, want a decrease", got)
	}
}
