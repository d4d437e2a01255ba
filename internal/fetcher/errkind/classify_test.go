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

package errkind

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"fetchkit"
)

// TestClassify_ExplicitKindWins verifies that an attached kind always takes
// precedence over type and substring resolution.
func TestClassify_ExplicitKindWins(t *testing.T) {
	err := New(RobotsBlocked, "canonicalize", "https://a.example/x", "disallowed by robots.txt")
	if got := Classify(err); got != RobotsBlocked {
		t.Fatalf("Classify() = %q, want %q", got, RobotsBlocked)
	}
	// Also through wrapping.
	wrapped := fmt.Errorf("attempt 2: %w", err)
	if got := Classify(wrapped); got != RobotsBlocked {
		t.Fatalf("Classify(wrapped) = %q, want %q", got, RobotsBlocked)
	}
}

// TestClassify_PlatformErrors verifies the platform-type resolution step for
// the error shapes the transport actually produces.
func TestClassify_PlatformErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, Timeout},
		{"canceled", context.Canceled, Timeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "x.invalid"}, DNS},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, Network},
		{"reset", syscall.ECONNRESET, Network},
		{"wait exceeded", fetchkit.ErrWaitExceeded, RateLimited},
		{"stopped", fetchkit.ErrStopped, Unknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

// TestClassify_SubstringFallback verifies the last-resort message heuristics
// used for errors thrown by injected downstream processors.
func TestClassify_SubstringFallback(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"blocked by robots.txt policy", RobotsBlocked},
		{"circuit breaker is open for host", CircuitOpen},
		{"too many consecutive errors, aborting", ConsecutiveErrors},
		{"upstream said 429", RateLimited},
		{"request timed out after 30s", Timeout},
		{"lookup failed: no such host", DNS},
		{"x509: certificate signed by unknown authority", SSL},
		{"read tcp: connection reset by peer", Network},
		{"invalid url: missing scheme", Validation},
		{"failed to parse listing page", Parse},
		{"something inexplicable", Unknown},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %q, want %q", tc.msg, got, tc.want)
		}
	}
}

// TestClassify_TotalOnNil verifies classification never panics, including on
// nil input.
func TestClassify_TotalOnNil(t *testing.T) {
	if got := Classify(nil); got != Unknown {
		t.Fatalf("Classify(nil) = %q, want %q", got, Unknown)
	}
}

// TestClassifyStatus verifies the HTTP status mapping.
func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{429, RateLimited},
		{500, Server5xx},
		{503, Server5xx},
		{404, Client4xx},
		{403, Client4xx},
		{200, Unknown},
		{301, Unknown},
	}
	for _, tc := range cases {
		if got := ClassifyStatus(tc.status); got != tc.want {
			t.Errorf("ClassifyStatus(%d) = %q, want %q", tc.status, got, tc.want)
		}
	}
}

// TestKind_Tables verifies the closed severity/retriable/circuit tables on
// the kinds with load-bearing behavior.
func TestKind_Tables(t *testing.T) {
	if RateLimited.CountsTowardCircuit() {
		t.Error("rate_limited must never count toward the circuit")
	}
	if Client4xx.CountsTowardCircuit() {
		t.Error("client_4xx must never count toward the circuit")
	}
	for _, k := range []Kind{Network, Timeout, Server5xx, DNS, SSL} {
		if !k.CountsTowardCircuit() {
			t.Errorf("%s must count toward the circuit", k)
		}
	}
	for _, k := range []Kind{Validation, Parse, CircuitOpen, RobotsBlocked, Client4xx} {
		if k.Retriable() {
			t.Errorf("%s must not be retriable", k)
		}
	}
	if !RateLimited.Retriable() || !Timeout.Retriable() {
		t.Error("rate_limited and timeout must be retriable")
	}
	if RobotsBlocked.Severity() != SeverityInfo {
		t.Errorf("robots_blocked severity = %q, want info", RobotsBlocked.Severity())
	}
}
