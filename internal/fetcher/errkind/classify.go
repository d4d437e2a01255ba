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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
	"syscall"

	"fetchkit"
)

// Classify maps a raw failure into a Kind. Resolution order: an explicit
// kind on the error, known platform error types, then substring heuristics.
// It is pure and total: any input, including nil, yields a valid Kind.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	// 1) Explicit kind attached by a component.
	var ke *Error
	if errors.As(err, &ke) && ke.Kind.Valid() {
		return ke.Kind
	}

	// 2) Limiter sentinels.
	if errors.Is(err, fetchkit.ErrWaitExceeded) {
		return RateLimited
	}
	if errors.Is(err, fetchkit.ErrStopped) {
		return Unknown
	}

	// 3) Platform error types.
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Timeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return DNS
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return SSL
	}
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return SSL
	}
	var unkAuth x509.UnknownAuthorityError
	if errors.As(err, &unkAuth) {
		return SSL
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return SSL
	}
	var certInv x509.CertificateInvalidError
	if errors.As(err, &certInv) {
		return SSL
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return Network
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Network
	}

	// 4) Substring heuristics, last resort.
	return classifyMessage(err.Error())
}

// classifyMessage inspects a failure message for known markers. Downstream
// processors surface plain errors, so this path stays deliberately broad.
func classifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "robots"):
		return RobotsBlocked
	case strings.Contains(m, "circuit"):
		return CircuitOpen
	case strings.Contains(m, "consecutive"):
		return ConsecutiveErrors
	case strings.Contains(m, "too many requests"), strings.Contains(m, "429"),
		strings.Contains(m, "rate limit"):
		return RateLimited
	case strings.Contains(m, "timeout"), strings.Contains(m, "timed out"),
		strings.Contains(m, "deadline"):
		return Timeout
	case strings.Contains(m, "no such host"), strings.Contains(m, "dns"),
		strings.Contains(m, "name resolution"):
		return DNS
	case strings.Contains(m, "certificate"), strings.Contains(m, "x509"),
		strings.Contains(m, "tls"), strings.Contains(m, "ssl"):
		return SSL
	case strings.Contains(m, "connection refused"),
		strings.Contains(m, "connection reset"),
		strings.Contains(m, "broken pipe"),
		strings.Contains(m, "eof"),
		strings.Contains(m, "network"):
		return Network
	case strings.Contains(m, "invalid url"), strings.Contains(m, "unsupported protocol"),
		strings.Contains(m, "malformed"):
		return Validation
	case strings.Contains(m, "parse"):
		return Parse
	default:
		return Unknown
	}
}

// ClassifyStatus maps an HTTP status code into a Kind. Statuses outside the
// error ranges yield Unknown; callers treat 2xx/3xx as success before asking.
func ClassifyStatus(status int) Kind {
	switch {
	case status == 429:
		return RateLimited
	case status >= 500 && status < 600:
		return Server5xx
	case status >= 400 && status < 500:
		return Client4xx
	default:
		return Unknown
	}
}
