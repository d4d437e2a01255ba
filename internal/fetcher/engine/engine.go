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

// Package engine performs single polite fetch attempts and bounded retries.
//
// Every attempt runs the same pipeline: validate the URL, gate the host
// circuit, acquire a rate-limit token, shape headers, follow redirects
// manually, then classify the result and feed it back to the breaker and
// the adaptive limiter. The engine never consults robots.txt itself; that
// belongs to the callers that decide whether a URL should be fetched at all.
package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"fetchkit"
	"fetchkit/internal/fetcher/breaker"
	"fetchkit/internal/fetcher/core"
	"fetchkit/internal/fetcher/errkind"
	"fetchkit/internal/fetcher/telemetry"
)

const (
	// DefaultUserAgent identifies the toolkit to origins and to robots.txt
	// group matching.
	DefaultUserAgent = "fetchkit/0.3 (+https://github.com/etalazz/fetchkit)"

	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxRedirects   = 10
	DefaultMaxBodyBytes   = 8 << 20
	DefaultMaxRetries     = 3
	DefaultBaseBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultJitterFactor   = 0.3

	// probeTimeout caps circuit probe attempts regardless of the request's
	// own budget.
	probeTimeout = 5 * time.Second

	maxURLLength = 2048

	defaultAccept         = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	defaultAcceptLanguage = "en-US,en;q=0.9"

	headerCorrelationID = "X-Correlation-ID"
	headerRequestID     = "X-Request-ID"
)

// Config tunes an Engine. Zero values take the documented defaults.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	// Referers maps a host (exact, or bare without www.) to the Referer
	// value sent when fetching it.
	Referers map[string]string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// RequestTimeout is the per-attempt total budget used when a Request
	// carries none.
	RequestTimeout time.Duration
	MaxRedirects   int
	MaxBodyBytes   int64

	// GlobalRPS adds a process-wide limiter tier in front of the per-host
	// buckets. Zero disables it.
	GlobalRPS float64
	// MaxAcquireWait bounds the per-host token wait.
	MaxAcquireWait time.Duration

	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	JitterFactor float64

	// Transport overrides the built-in transport. Tests inject fakes here.
	Transport http.RoundTripper
	Logger    *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = defaultAcceptLanguage
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = DefaultJitterFactor
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// EventSink receives one event per request attempt. *joblog.Logger
// satisfies it; a nil sink drops events.
type EventSink interface {
	Request(correlationID, requestID, host, url string)
	Response(correlationID, requestID, host, url string, status int, elapsed time.Duration)
	Error(correlationID, requestID, host, url string, kind errkind.Kind, msg string, elapsed time.Duration)
	Phase(correlationID, name string, fields ...zap.Field)
}

// Engine drives fetch attempts against the shared per-host state in a
// Registry. Safe for concurrent use.
type Engine struct {
	registry *core.Registry
	cfg      Config
	client   *http.Client
	global   *rate.Limiter
	log      *zap.Logger
	events   EventSink
	now      func() time.Time
}

// New builds an Engine over the given registry.
func New(registry *core.Registry, cfg Config) *Engine {
	cfg.applyDefaults()
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.ReadTimeout,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		}
	}
	var global *rate.Limiter
	if cfg.GlobalRPS > 0 {
		burst := int(cfg.GlobalRPS)
		if burst < 1 {
			burst = 1
		}
		global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	return &Engine{
		registry: registry,
		cfg:      cfg,
		client: &http.Client{
			Transport: transport,
			// Redirects are followed manually so the chain is observable.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		global: global,
		log:    cfg.Logger,
		now:    time.Now,
	}
}

// WithEvents returns a copy of the engine bound to a per-job event sink.
// The client, registry, and limiter are shared with the original.
func (e *Engine) WithEvents(sink EventSink) *Engine {
	clone := *e
	clone.events = sink
	return &clone
}

// Registry exposes the shared per-host state, for snapshots and controls.
func (e *Engine) Registry() *core.Registry { return e.registry }

// RobotsFetch returns a fetch func for the robots cache. Robots traffic
// flows through the same limiter and breaker gates as content.
func (e *Engine) RobotsFetch() func(ctx context.Context, robotsURL string) (status int, body []byte, err error) {
	return func(ctx context.Context, robotsURL string) (int, []byte, error) {
		out := e.FetchOnce(ctx, Request{URL: robotsURL, Timeout: 10 * time.Second})
		switch out.Type {
		case OutcomeSuccess:
			return out.Status, out.Body, nil
		case OutcomeNetwork:
			if out.Status != 0 {
				return out.Status, nil, nil
			}
			return 0, nil, out.Err
		default:
			if out.Err != nil {
				return 0, nil, out.Err
			}
			return 0, nil, errkind.New(out.Kind, "robots", robotsURL, out.Message())
		}
	}
}

// FetchOnce performs a single attempt. It always reports the circuit gate
// outcome and releases the rate-limit slot it acquired.
func (e *Engine) FetchOnce(ctx context.Context, req Request) Outcome {
	start := e.now()
	core.RecordAttempt()
	telemetry.ObserveAttempt()

	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	u, reason := validateURL(req.URL)
	if reason != "" {
		out := Outcome{
			Type:          OutcomeValidation,
			Kind:          errkind.Validation,
			Reason:        reason,
			CorrelationID: req.CorrelationID,
			RequestID:     requestID,
		}
		e.finishFailure(&out, "", req.URL, false)
		return out
	}
	host := core.HostKey(u)
	if e.events != nil {
		e.events.Request(req.CorrelationID, requestID, host, req.URL)
	}

	cb := e.registry.GetCircuit(host)
	gate := cb.CallGate()
	if gate.Decision == breaker.Reject {
		core.RecordCircuitRejection()
		telemetry.ObserveCircuitRejection()
		out := Outcome{
			Type:          OutcomeCircuitOpen,
			Kind:          errkind.CircuitOpen,
			Remaining:     gate.Remaining,
			Err:           errkind.New(errkind.CircuitOpen, "fetch", req.URL, fmt.Sprintf("circuit open for %s, retry in %s", host, gate.Remaining.Round(time.Millisecond))),
			CorrelationID: req.CorrelationID,
			RequestID:     requestID,
		}
		e.finishFailure(&out, host, req.URL, false)
		return out
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	body := req.Body
	target := u
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.RequestTimeout
	}
	if gate.Decision == breaker.ProceedAsProbe {
		method = http.MethodHead
		body = nil
		target = &url.URL{Scheme: u.Scheme, Host: u.Host, Path: gate.ProbePath}
		if timeout > probeTimeout {
			timeout = probeTimeout
		}
		e.log.Info("probing host recovery",
			zap.String("host", host),
			zap.String("probe", target.String()))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bucket := e.registry.GetBucket(host)
	acquireStart := e.now()
	if err := e.acquire(ctx, bucket); err != nil {
		out := e.acquireOutcome(req, requestID, err)
		e.reportGate(cb, gate, out.Kind, 0, host, req.CorrelationID)
		e.finishFailure(&out, host, req.URL, false)
		return out
	}
	telemetry.ObserveAcquireWait(e.now().Sub(acquireStart))
	defer bucket.Release()

	resp, chain, err := e.follow(ctx, method, target, body, req, requestID)
	elapsed := e.now().Sub(start)

	if err != nil {
		kind := errkind.Classify(err)
		if ctx.Err() != nil {
			kind = errkind.Timeout
		}
		out := Outcome{
			Kind:          kind,
			Err:           err,
			RedirectChain: chain,
			Elapsed:       elapsed,
			CorrelationID: req.CorrelationID,
			RequestID:     requestID,
		}
		if kind == errkind.Timeout {
			out.Type = OutcomeTimeout
		} else {
			out.Type = OutcomeNetwork
		}
		e.reportGate(cb, gate, kind, 0, host, req.CorrelationID)
		e.finishFailure(&out, host, req.URL, true)
		return out
	}

	status := resp.StatusCode
	out := Outcome{
		Status:        status,
		Header:        resp.Header,
		FinalURL:      resp.Request.URL.String(),
		RedirectChain: chain,
		CorrelationID: req.CorrelationID,
		RequestID:     requestID,
	}

	switch {
	case status < 400:
		payload, readErr := e.readBody(resp)
		out.Elapsed = e.now().Sub(start)
		if readErr != nil {
			kind := errkind.Classify(readErr)
			if ctx.Err() != nil {
				kind = errkind.Timeout
			}
			out.Kind = kind
			out.Err = errkind.Wrap(kind, "read", req.URL, readErr)
			if kind == errkind.Timeout {
				out.Type = OutcomeTimeout
			} else {
				out.Type = OutcomeNetwork
			}
			e.reportGate(cb, gate, kind, 0, host, req.CorrelationID)
			e.finishFailure(&out, host, req.URL, true)
			return out
		}
		out.Type = OutcomeSuccess
		out.Body = payload
		if status < 300 {
			e.observeRate(bucket, host, status, -1)
		}
		e.reportGate(cb, gate, "", status, host, req.CorrelationID)
		core.RecordSuccess()
		telemetry.ObserveSuccess(out.Elapsed)
		if e.events != nil {
			e.events.Response(req.CorrelationID, requestID, host, req.URL, status, out.Elapsed)
		}
		return out

	case status == http.StatusTooManyRequests:
		drainClose(resp)
		out.Type = OutcomeRateLimited
		out.Kind = errkind.RateLimited
		out.Elapsed = e.now().Sub(start)
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), e.now())
		if retryAfter > 0 {
			out.RetryAfter = retryAfter
		}
		out.Err = errkind.New(errkind.RateLimited, "fetch", req.URL, "429 too many requests").WithStatus(status)
		core.RecordRateLimitPause()
		telemetry.ObserveRatePause()
		e.observeRate(bucket, host, status, retryAfter)
		e.reportGate(cb, gate, errkind.RateLimited, status, host, req.CorrelationID)
		e.finishFailure(&out, host, req.URL, true)
		return out

	default:
		drainClose(resp)
		kind := errkind.ClassifyStatus(status)
		out.Type = OutcomeNetwork
		out.Kind = kind
		out.Elapsed = e.now().Sub(start)
		out.Err = errkind.New(kind, "fetch", req.URL, fmt.Sprintf("status %d", status)).WithStatus(status)
		if status >= 500 {
			e.observeRate(bucket, host, status, -1)
		}
		e.reportGate(cb, gate, kind, status, host, req.CorrelationID)
		e.finishFailure(&out, host, req.URL, true)
		return out
	}
}

// acquire takes the global limiter tier and the host bucket, in that order.
func (e *Engine) acquire(ctx context.Context, bucket *fetchkit.Bucket) error {
	if e.global != nil {
		if err := e.global.Wait(ctx); err != nil {
			return err
		}
	}
	return bucket.Acquire(ctx, e.cfg.MaxAcquireWait)
}

// acquireOutcome maps a limiter failure to an outcome. Wait exhaustion is
// rate-limited and retriable; a stopped bucket means shutdown and fails fast.
func (e *Engine) acquireOutcome(req Request, requestID string, err error) Outcome {
	out := Outcome{
		Err:           err,
		CorrelationID: req.CorrelationID,
		RequestID:     requestID,
	}
	switch {
	case errors.Is(err, fetchkit.ErrWaitExceeded):
		out.Type = OutcomeRateLimited
		out.Kind = errkind.RateLimited
	case errors.Is(err, fetchkit.ErrStopped):
		out.Type = OutcomeNetwork
		out.Kind = errkind.Unknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		out.Type = OutcomeTimeout
		out.Kind = errkind.Timeout
	default:
		out.Type = OutcomeNetwork
		out.Kind = errkind.Classify(err)
	}
	return out
}

// observeRate feeds a status into the host's adaptive state and surfaces any
// rate adjustment.
func (e *Engine) observeRate(bucket *fetchkit.Bucket, host string, status int, retryAfter time.Duration) {
	adj := bucket.ObserveStatus(status, retryAfter)
	if adj == nil {
		return
	}
	telemetry.ObserveRateAdjustment(adj.Reason)
	e.log.Info("adjusted host rate",
		zap.String("host", host),
		zap.Float64("fromRps", adj.From),
		zap.Float64("toRps", adj.To),
		zap.String("reason", adj.Reason))
}

// reportGate closes out the breaker protocol for this attempt and surfaces
// state changes.
func (e *Engine) reportGate(cb *breaker.Breaker, gate breaker.Gate, kind errkind.Kind, status int, host, correlationID string) {
	state, moved := cb.Report(gate, kind, status)
	if !moved {
		return
	}
	e.log.Info("circuit state change",
		zap.String("host", host),
		zap.String("state", state.String()))
	if e.events != nil {
		e.events.Phase(correlationID, "circuit",
			zap.String("host", host),
			zap.String("state", state.String()))
	}
}

// finishFailure applies the shared failure bookkeeping: counters, duration
// when the attempt reached the network, and the error event.
func (e *Engine) finishFailure(out *Outcome, host, rawURL string, reachedNetwork bool) {
	core.RecordFailure()
	if reachedNetwork {
		telemetry.ObserveFailure(out.Kind.String(), out.Elapsed)
	} else {
		telemetry.ObserveFailure(out.Kind.String(), 0)
	}
	if e.events != nil {
		e.events.Error(out.CorrelationID, out.RequestID, host, rawURL, out.Kind, out.Message(), out.Elapsed)
	}
}

// follow issues the request and walks redirects manually, recording each hop.
// The final (non-redirect or Location-less) response is returned unread.
func (e *Engine) follow(ctx context.Context, method string, target *url.URL, body []byte, req Request, requestID string) (*http.Response, []Hop, error) {
	var chain []Hop
	current := target
	for {
		var reader io.Reader
		if len(body) > 0 {
			reader = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, current.String(), reader)
		if err != nil {
			return nil, chain, errkind.Wrap(errkind.Validation, "request", current.String(), err)
		}
		e.shapeHeaders(httpReq.Header, req, requestID, core.HostKey(current))

		resp, err := e.client.Do(httpReq)
		if err != nil {
			return nil, chain, err
		}
		if !isRedirect(resp.StatusCode) || resp.Header.Get("Location") == "" {
			return resp, chain, nil
		}

		chain = append(chain, Hop{URL: current.String(), Status: resp.StatusCode})
		loc := resp.Header.Get("Location")
		drainClose(resp)
		if len(chain) > e.cfg.MaxRedirects {
			return nil, chain, errkind.New(errkind.Network, "fetch", req.URL, fmt.Sprintf("stopped after %d redirects", e.cfg.MaxRedirects))
		}
		next, err := current.Parse(loc)
		if err != nil {
			return nil, chain, errkind.Wrap(errkind.Network, "redirect", loc, err)
		}
		// 303 always downgrades to GET; 301/302 do so for non-idempotent
		// methods, matching browser behavior.
		if resp.StatusCode == http.StatusSeeOther ||
			((resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound) &&
				method != http.MethodGet && method != http.MethodHead) {
			method = http.MethodGet
			body = nil
		}
		current = next
	}
}

// shapeHeaders applies the standard header set, then caller overrides.
func (e *Engine) shapeHeaders(h http.Header, req Request, requestID, host string) {
	h.Set("User-Agent", e.cfg.UserAgent)
	h.Set("Accept", defaultAccept)
	h.Set("Accept-Language", e.cfg.AcceptLanguage)
	h.Set("Accept-Encoding", "gzip")
	h.Set(headerCorrelationID, req.CorrelationID)
	h.Set(headerRequestID, requestID)
	if ref := e.refererFor(host); ref != "" {
		h.Set("Referer", ref)
	}
	for k, vs := range req.Header {
		h.Del(k)
		for _, v := range vs {
			h.Add(k, v)
		}
	}
}

func (e *Engine) refererFor(host string) string {
	if len(e.cfg.Referers) == 0 {
		return ""
	}
	if ref, ok := e.cfg.Referers[host]; ok {
		return ref
	}
	return e.cfg.Referers[strings.TrimPrefix(host, "www.")]
}

// readBody decodes and reads the final body, truncating at the configured
// cap. It always closes the response body.
func (e *Engine) readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	var r io.Reader = resp.Body
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Encoding")), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	payload, err := io.ReadAll(io.LimitReader(r, e.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > e.cfg.MaxBodyBytes {
		e.log.Debug("response body truncated",
			zap.String("url", resp.Request.URL.String()),
			zap.Int64("cap", e.cfg.MaxBodyBytes))
		payload = payload[:e.cfg.MaxBodyBytes]
	}
	return payload, nil
}

// validateURL enforces the fetchable-URL contract and returns a reason on
// failure.
func validateURL(raw string) (*url.URL, string) {
	if raw == "" {
		return nil, "empty url"
	}
	if len(raw) > maxURLLength {
		return nil, fmt.Sprintf("url exceeds %d characters", maxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "unparseable url"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "scheme must be http or https"
	}
	host := u.Hostname()
	if host == "" {
		return nil, "missing hostname"
	}
	if strings.Contains(host, "..") || strings.Contains(host, "//") {
		return nil, "malformed hostname"
	}
	return u, ""
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// parseRetryAfter reads integer seconds or an HTTP-date. Absent or
// unparseable values return -1, the "no hint" sentinel the adaptive
// limiter expects.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return -1
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return -1
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return -1
}

// drainClose consumes a little of the body before closing so the connection
// can be reused.
func drainClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func jitter(base time.Duration, factor float64) time.Duration {
	if factor <= 0 || base <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * factor * float64(base))
}
