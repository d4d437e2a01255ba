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

// Package breaker implements the per-host circuit breaker of the fetching
// core.
//
// The breaker and the fetch engine depend on each other's outcomes, so the
// package deliberately performs no I/O of its own. Interaction is a two-step
// protocol:
//
//  1. Before a request, the caller asks for a Gate via CallGate. The gate
//     says proceed, proceed-as-probe (rewrite the attempt to the configured
//     probe path), or reject with the remaining open window.
//  2. After the request, the caller hands the gate back together with the
//     classified outcome via Report.
//
// Every gate whose Decision is not Reject must be reported exactly once;
// half-open slots and the recovery probe are accounted against outstanding
// gates.
package breaker

import (
	"sync"
	"time"

	"fetchkit/internal/fetcher/errkind"
	"fetchkit/internal/fetcher/telemetry"
)

// halfOpenSuccesses is the number of consecutive half-open successes
// required before the breaker closes again.
const halfOpenSuccesses = 2

// State is the breaker position. The zero value is Closed.
type State int

const (
	// Closed lets every request through.
	Closed State = iota
	// HalfOpen lets a bounded number of concurrent probe requests through.
	HalfOpen
	// Open fails every request fast.
	Open
)

// String returns the stable form used in logs and snapshots.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Strategy tunes a breaker. Hosts with known failure behavior carry tuned
// strategies; everything else uses DefaultStrategy.
type Strategy struct {
	// FailureThreshold is the number of consecutive counted failures that
	// opens a closed breaker.
	FailureThreshold int

	// InitialReset is the open window after the first opening.
	InitialReset time.Duration

	// MaxReset caps the open window regardless of repeated openings.
	MaxReset time.Duration

	// BackoffMultiplier (>= 1) stretches the open window on every
	// re-opening: reset = min(MaxReset, reset * BackoffMultiplier).
	BackoffMultiplier float64

	// ProbeRequestPath, when non-empty, gates the open -> half-open
	// transition on a successful HEAD to {origin}{ProbeRequestPath}. The
	// caller performs the probe: CallGate hands out a proceed-as-probe
	// gate once the window has elapsed, and the reported outcome decides
	// the transition. Empty means the breaker goes half-open on elapsed
	// time alone.
	ProbeRequestPath string

	// HalfOpenProbeLimit bounds concurrent half-open requests.
	HalfOpenProbeLimit int

	// MaxResetAttempts bounds consecutive openings. Beyond it the breaker
	// stays open, ignoring elapsed time, until Reset is called.
	MaxResetAttempts int

	// Count4xx also counts client_4xx outcomes (never 429) toward opening.
	// Off by default; some deployments want the stricter behavior.
	Count4xx bool
}

// DefaultStrategy returns the strategy applied to hosts without a tuned
// entry.
func DefaultStrategy() Strategy {
	return Strategy{
		FailureThreshold:   5,
		InitialReset:       30 * time.Second,
		MaxReset:           5 * time.Minute,
		BackoffMultiplier:  2.0,
		ProbeRequestPath:   "/robots.txt",
		HalfOpenProbeLimit: 1,
		MaxResetAttempts:   6,
	}
}

// withDefaults fills zero or out-of-range fields so a partially populated
// Strategy is always safe to run.
func (s Strategy) withDefaults() Strategy {
	d := DefaultStrategy()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.InitialReset <= 0 {
		s.InitialReset = d.InitialReset
	}
	if s.MaxReset <= 0 {
		s.MaxReset = d.MaxReset
	}
	if s.MaxReset < s.InitialReset {
		s.MaxReset = s.InitialReset
	}
	if s.BackoffMultiplier < 1 {
		s.BackoffMultiplier = d.BackoffMultiplier
	}
	if s.HalfOpenProbeLimit <= 0 {
		s.HalfOpenProbeLimit = d.HalfOpenProbeLimit
	}
	if s.MaxResetAttempts <= 0 {
		s.MaxResetAttempts = d.MaxResetAttempts
	}
	return s
}

// Decision is what a Gate tells the caller to do.
type Decision int

const (
	// Proceed runs the request as asked.
	Proceed Decision = iota
	// ProceedAsProbe runs the attempt as a HEAD against Gate.ProbePath on
	// the same origin. The reported outcome decides whether the breaker
	// goes half-open.
	ProceedAsProbe
	// Reject fails the request fast with circuit_open.
	Reject
)

// Gate is the breaker's pre-request decision. Gates with a Decision other
// than Reject hold breaker-internal accounting and must be passed to Report
// exactly once.
type Gate struct {
	Decision Decision

	// Remaining is the time left in the open window. Set on Reject; zero
	// when the rejection comes from exhausted half-open slots or the
	// manual-reset cap.
	Remaining time.Duration

	// ProbePath is the path to probe. Set only for ProceedAsProbe.
	ProbePath string

	gen  uint64
	slot slotKind
}

type slotKind int

const (
	slotNone slotKind = iota
	slotClosed
	slotHalfOpen
	slotPreflight
)

// Breaker is a single host's circuit breaker. All methods are safe for
// concurrent use.
type Breaker struct {
	mu       sync.Mutex
	strategy Strategy

	state State
	// gen increments on every transition; reports carrying a stale gen
	// are dropped rather than applied to the wrong state.
	gen                 uint64
	consecutiveFailures int
	consecutiveOpenings int
	halfOpenCalls       int
	successStreak       int
	currentReset        time.Duration
	openedAt            time.Time
	lastSuccess         time.Time
	probeInFlight       bool
}

// New constructs a closed breaker using strategy, with zero fields replaced
// by defaults.
func New(strategy Strategy) *Breaker {
	s := strategy.withDefaults()
	return &Breaker{
		strategy:     s,
		state:        Closed,
		currentReset: s.InitialReset,
	}
}

// CallGate decides whether a request to this host may run now.
func (b *Breaker) CallGate() Gate {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()

	switch b.state {
	case Closed:
		return Gate{Decision: Proceed, gen: b.gen, slot: slotClosed}

	case Open:
		remaining := b.remainingLocked(now)
		if b.consecutiveOpenings >= b.strategy.MaxResetAttempts {
			// Hard cap reached: only Reset reopens this host.
			return Gate{Decision: Reject, Remaining: remaining}
		}
		if remaining > 0 {
			return Gate{Decision: Reject, Remaining: remaining}
		}
		if b.strategy.ProbeRequestPath != "" {
			if b.probeInFlight {
				return Gate{Decision: Reject}
			}
			b.probeInFlight = true
			return Gate{
				Decision:  ProceedAsProbe,
				ProbePath: b.strategy.ProbeRequestPath,
				gen:       b.gen,
				slot:      slotPreflight,
			}
		}
		// No probe path configured: elapsed time alone moves the breaker
		// to half-open, and this caller takes the first slot.
		b.transitionLocked(HalfOpen, now)
		b.halfOpenCalls = 1
		return Gate{Decision: Proceed, gen: b.gen, slot: slotHalfOpen}

	default: // HalfOpen
		if b.halfOpenCalls >= b.strategy.HalfOpenProbeLimit {
			return Gate{Decision: Reject}
		}
		b.halfOpenCalls++
		return Gate{Decision: Proceed, gen: b.gen, slot: slotHalfOpen}
	}
}

// Report feeds the outcome of a gated request back into the state machine.
// kind is the classified failure kind (ignored on success) and status the
// HTTP status, zero when the request never produced one. Reports for stale
// gates are dropped. The resulting state is returned along with whether the
// report moved the machine; a re-armed open window counts as a move.
func (b *Breaker) Report(g Gate, kind errkind.Kind, status int) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g.Decision == Reject || g.slot == slotNone || g.gen != b.gen {
		return b.state, false
	}
	preGen := b.gen
	now := time.Now()
	success := status >= 200 && status < 400

	switch g.slot {
	case slotPreflight:
		b.probeInFlight = false
		if success {
			b.transitionLocked(HalfOpen, now)
		} else {
			// Probe failed. Any non-2xx/3xx outcome re-arms the window,
			// a rate-limited probe included: the host has not recovered.
			b.rearmLocked(now)
		}

	case slotHalfOpen:
		switch {
		case success:
			b.halfOpenCalls--
			b.successStreak++
			b.lastSuccess = now
			if b.successStreak >= halfOpenSuccesses {
				b.transitionLocked(Closed, now)
			}
		case b.countsLocked(kind):
			b.rearmLocked(now)
		default:
			// Uncounted outcome (429, plain 4xx, validation): release
			// the slot and restart the streak without re-opening.
			b.halfOpenCalls--
			b.successStreak = 0
		}

	case slotClosed:
		if success {
			b.consecutiveFailures = 0
			b.lastSuccess = now
		} else if b.countsLocked(kind) {
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.strategy.FailureThreshold {
				b.transitionLocked(Open, now)
			}
		}
	}
	return b.state, b.gen != preGen
}

// Reset force-closes the breaker, clearing the opening history and the
// manual-reset cap. Exposed through the operations API.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(Closed, time.Now())
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time copy of the breaker for monitors and the
// operations API.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	ConsecutiveOpenings int
	HalfOpenCalls       int
	SuccessStreak       int
	CurrentReset        time.Duration
	Remaining           time.Duration
	OpenedAt            time.Time
	LastSuccess         time.Time
}

// Snapshot returns the current state under the lock.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		ConsecutiveOpenings: b.consecutiveOpenings,
		HalfOpenCalls:       b.halfOpenCalls,
		SuccessStreak:       b.successStreak,
		CurrentReset:        b.currentReset,
		OpenedAt:            b.openedAt,
		LastSuccess:         b.lastSuccess,
	}
	if b.state == Open {
		snap.Remaining = b.remainingLocked(time.Now())
	}
	return snap
}

// ---- internal transitions ----

// transitionLocked moves the machine to a new state and resets the counters
// that belong to the state being left. Callers hold b.mu.
func (b *Breaker) transitionLocked(to State, now time.Time) {
	b.gen++
	b.state = to
	b.probeInFlight = false
	b.halfOpenCalls = 0
	b.successStreak = 0
	switch to {
	case Open:
		b.openedAt = now
		b.consecutiveOpenings++
	case Closed:
		b.consecutiveFailures = 0
		b.consecutiveOpenings = 0
		b.currentReset = b.strategy.InitialReset
	}
	telemetry.ObserveCircuitTransition(to.String())
}

// rearmLocked stretches the reset window and (re-)opens the breaker. Used on
// half-open counted failures and on failed recovery probes.
func (b *Breaker) rearmLocked(now time.Time) {
	next := time.Duration(float64(b.currentReset) * b.strategy.BackoffMultiplier)
	if next > b.strategy.MaxReset {
		next = b.strategy.MaxReset
	}
	b.currentReset = next
	b.transitionLocked(Open, now)
}

func (b *Breaker) remainingLocked(now time.Time) time.Duration {
	remaining := b.openedAt.Add(b.currentReset).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Breaker) countsLocked(kind errkind.Kind) bool {
	if kind.CountsTowardCircuit() {
		return true
	}
	return b.strategy.Count4xx && kind == errkind.Client4xx
}
