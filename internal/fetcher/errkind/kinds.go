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

// Package errkind defines the closed error taxonomy of the fetching core and
// the classifier that maps raw failures into it. The kind strings are stable:
// they appear in NDJSON logs, error reports, and metrics labels.
package errkind

import "fmt"

// Kind is one of the closed set of error categories.
type Kind string

const (
	Network           Kind = "network"
	Timeout           Kind = "timeout"
	RateLimited       Kind = "rate_limited"
	CircuitOpen       Kind = "circuit_open"
	Client4xx         Kind = "client_4xx"
	Server5xx         Kind = "server_5xx"
	Validation        Kind = "validation"
	Parse             Kind = "parse"
	RobotsBlocked     Kind = "robots_blocked"
	DNS               Kind = "dns"
	SSL               Kind = "ssl"
	ConsecutiveErrors Kind = "consecutive_errors"
	Unknown           Kind = "unknown"
)

// Severity tags a kind for reporting.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Severity returns the reporting severity of the kind.
func (k Kind) Severity() Severity {
	switch k {
	case RobotsBlocked:
		return SeverityInfo
	case Timeout, RateLimited, CircuitOpen, Client4xx, Validation:
		return SeverityWarn
	default:
		return SeverityError
	}
}

// Retriable reports whether the retry scheduler may re-attempt this kind.
// Fail-fast kinds (validation, parse, circuit_open, robots_blocked) and
// deterministic failures (client_4xx, ssl) are never retried.
func (k Kind) Retriable() bool {
	switch k {
	case Network, Timeout, RateLimited, Server5xx, DNS:
		return true
	default:
		return false
	}
}

// CountsTowardCircuit reports whether the kind increments a circuit's
// consecutive-failure counter. Rate limiting and caller errors never do;
// dns/ssl count as transport failures.
func (k Kind) CountsTowardCircuit() bool {
	switch k {
	case Network, Timeout, Server5xx, DNS, SSL:
		return true
	default:
		return false
	}
}

// Valid reports whether k is a member of the closed set.
func (k Kind) Valid() bool {
	switch k {
	case Network, Timeout, RateLimited, CircuitOpen, Client4xx, Server5xx,
		Validation, Parse, RobotsBlocked, DNS, SSL, ConsecutiveErrors, Unknown:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// Error is a classified failure with enough context for reports and logs.
type Error struct {
	Kind    Kind
	Status  int    // HTTP status when one was observed, else 0
	URL     string // the URL being fetched, when known
	Op      string // short operation name ("fetch", "canonicalize", ...)
	Message string // human-readable summary
	Err     error  // wrapped cause, may be nil
}

// New builds a classified error.
func New(kind Kind, op, url, message string) *Error {
	return &Error{Kind: kind, Op: op, URL: url, Message: message}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, op, url string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Op: op, URL: url, Message: msg, Err: err}
}

// WithStatus attaches the observed HTTP status and returns the same error.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

func (e *Error) Error() string {
	if e.Message == "" {
		if e.Status != 0 {
			return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Kind, e.Status)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
