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

package engine

import (
	"net/http"
	"strconv"
	"time"

	"fetchkit/internal/fetcher/errkind"
)

// OutcomeType discriminates the result of a fetch attempt.
type OutcomeType int

const (
	// OutcomeSuccess covers 2xx and terminal 3xx responses.
	OutcomeSuccess OutcomeType = iota
	// OutcomeRateLimited covers 429 responses and limiter wait exhaustion.
	OutcomeRateLimited
	// OutcomeNetwork covers transport errors and 4xx/5xx responses.
	OutcomeNetwork
	// OutcomeTimeout covers attempts aborted by their total deadline.
	OutcomeTimeout
	// OutcomeCircuitOpen means the host breaker rejected the attempt.
	OutcomeCircuitOpen
	// OutcomeValidation means the URL never reached the network.
	OutcomeValidation
	// OutcomeParse is reserved for downstream processors.
	OutcomeParse
)

func (t OutcomeType) String() string {
	switch t {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeNetwork:
		return "network"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCircuitOpen:
		return "circuit_open"
	case OutcomeValidation:
		return "validation"
	case OutcomeParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Hop is one redirect followed while resolving a request. Status is the
// redirect status returned by URL.
type Hop struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
}

// Request describes one logical fetch. Zero fields take engine defaults.
type Request struct {
	URL    string
	Method string // default GET
	// Header carries caller overrides. They are applied after the engine's
	// standard set, so a caller can replace User-Agent or Accept.
	Header http.Header
	Body   []byte
	// Timeout bounds the whole attempt: limiter wait, redirects, and body
	// read included.
	Timeout    time.Duration
	MaxRetries int
	// CorrelationID identifies the logical job; minted when empty.
	CorrelationID string
	// RequestID identifies a single attempt; minted per attempt when empty.
	RequestID string
}

// Outcome reports one fetch attempt. Type discriminates which fields are
// meaningful.
type Outcome struct {
	Type OutcomeType

	// Status is the final HTTP status, 0 when no response was received.
	Status int
	// Header is the final response's header set, kept for all responses so
	// callers can read cache-control, content-type, server, content-length.
	Header http.Header
	// Body is the decoded response body, populated on success only.
	Body []byte
	// FinalURL is the URL that produced the final response.
	FinalURL string
	// RedirectChain lists every redirect followed, in order.
	RedirectChain []Hop

	// RetryAfter is the parsed Retry-After hint on rate-limited outcomes.
	// Zero means the server sent none.
	RetryAfter time.Duration

	// Kind and Err describe failures. Kind is empty on success.
	Kind errkind.Kind
	Err  error
	// Reason is a short human explanation for validation failures.
	Reason string

	// Remaining is how long the breaker stays open on circuit rejections.
	Remaining time.Duration

	Elapsed       time.Duration
	CorrelationID string
	RequestID     string
	// Attempts is filled by the retry scheduler: total attempts made.
	Attempts int
}

// OK reports whether the attempt produced a usable response.
func (o *Outcome) OK() bool { return o.Type == OutcomeSuccess }

// ContentType returns the final response's Content-Type, if any.
func (o *Outcome) ContentType() string { return o.Header.Get("Content-Type") }

// CacheControl returns the final response's Cache-Control, if any.
func (o *Outcome) CacheControl() string { return o.Header.Get("Cache-Control") }

// Server returns the final response's Server header, if any.
func (o *Outcome) Server() string { return o.Header.Get("Server") }

// ContentLength returns the declared body length, or -1 when unknown.
func (o *Outcome) ContentLength() int64 {
	v := o.Header.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// Message renders a short description for logs and error reports.
func (o *Outcome) Message() string {
	switch {
	case o.Err != nil:
		return o.Err.Error()
	case o.Reason != "":
		return o.Reason
	case o.Status != 0:
		return "status " + strconv.Itoa(o.Status)
	default:
		return o.Type.String()
	}
}
