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

// Package joblog writes the per-job NDJSON event stream and the end-of-job
// summary.
//
// Every fetch produces one event, every batch phase produces one event, and
// a job writes a JSON summary on completion. Events go to a single
// append-only file "{jobId}.log" that rotates on a byte cap; the summary is
// a sibling "{jobId}.summary.json". Event encoding is zap's JSON encoder,
// one object per line, with the severity level derived from the error kind.
package joblog

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fetchkit/internal/fetcher/errkind"
)

// DefaultMaxLogBytes caps a job log file before rotation.
const DefaultMaxLogBytes = 32 << 20 // 32MiB

// Event types, stable strings in the NDJSON stream.
const (
	EventRequest          = "request"
	EventResponse         = "response"
	EventError            = "error"
	EventCanonicalization = "canonicalization"
	EventPagination       = "pagination"
	EventPhase            = "phase"
	EventSummary          = "summary"
)

// Config tunes a job logger.
type Config struct {
	// Dir receives "{jobId}.log" and "{jobId}.summary.json". Empty means
	// the current directory.
	Dir string
	// MaxLogBytes caps the log file before rotation. Zero means
	// DefaultMaxLogBytes; negative disables rotation.
	MaxLogBytes int64
}

// Logger is the per-job event writer. All methods are safe for concurrent
// use; file writes are serialized by the sink.
type Logger struct {
	jobID string
	dir   string
	log   *zap.Logger
	sink  *rotatingSink

	mu         sync.Mutex
	startedAt  time.Time
	total      int64
	succeeded  int64
	failed     int64
	kinds      map[string]int64
	responseMs []float64
}

// New opens the event stream for a job. An empty jobID gets a generated
// UUID; the ID is attached to every event.
func New(jobID string, cfg Config) (*Logger, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	// Job IDs come from callers; keep them path-safe.
	jobID = strings.NewReplacer("/", "-", "\\", "-").Replace(jobID)

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, err
		}
	}
	maxBytes := cfg.MaxLogBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxLogBytes
	}

	sink, err := newRotatingSink(filepath.Join(cfg.Dir, jobID+".log"), maxBytes)
	if err != nil {
		return nil, err
	}

	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "severity",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, sink, zapcore.InfoLevel)

	return &Logger{
		jobID:     jobID,
		dir:       cfg.Dir,
		log:       zap.New(core).With(zap.String("jobId", jobID)),
		sink:      sink,
		startedAt: time.Now(),
		kinds:     make(map[string]int64),
	}, nil
}

// JobID returns the identifier attached to every event.
func (l *Logger) JobID() string { return l.jobID }

// Request records one issued attempt.
func (l *Logger) Request(correlationID, requestID, host, url string) {
	l.mu.Lock()
	l.total++
	l.mu.Unlock()
	l.log.Info("request issued",
		zap.String("eventType", EventRequest),
		zap.String("correlationId", correlationID),
		zap.String("requestId", requestID),
		zap.String("host", host),
		zap.String("url", url),
	)
}

// Response records a 2xx/3xx outcome.
func (l *Logger) Response(correlationID, requestID, host, url string, status int, elapsed time.Duration) {
	ms := durationMs(elapsed)
	l.mu.Lock()
	l.succeeded++
	l.responseMs = append(l.responseMs, float64(ms))
	l.mu.Unlock()
	l.log.Info("response received",
		zap.String("eventType", EventResponse),
		zap.String("correlationId", correlationID),
		zap.String("requestId", requestID),
		zap.String("host", host),
		zap.String("url", url),
		zap.Int("status", status),
		zap.Int64("elapsedMs", ms),
	)
}

// Error records a classified failure at the severity the kind carries.
func (l *Logger) Error(correlationID, requestID, host, url string, kind errkind.Kind, msg string, elapsed time.Duration) {
	l.mu.Lock()
	l.failed++
	l.kinds[string(kind)]++
	l.mu.Unlock()

	fields := []zap.Field{
		zap.String("eventType", EventError),
		zap.String("correlationId", correlationID),
		zap.String("requestId", requestID),
		zap.String("host", host),
		zap.String("url", url),
		zap.String("errorKind", string(kind)),
		zap.String("category", string(kind)),
		zap.Int64("elapsedMs", durationMs(elapsed)),
	}
	switch kind.Severity() {
	case errkind.SeverityInfo:
		l.log.Info(msg, fields...)
	case errkind.SeverityWarn:
		l.log.Warn(msg, fields...)
	default:
		l.log.Error(msg, fields...)
	}
}

// Canonicalization records the outcome of a variant walk.
func (l *Logger) Canonicalization(correlationID, host, originalURL, resolvedURL string, attempts int, success bool, elapsed time.Duration) {
	l.log.Info("canonicalization finished",
		zap.String("eventType", EventCanonicalization),
		zap.String("correlationId", correlationID),
		zap.String("host", host),
		zap.String("url", originalURL),
		zap.String("resolvedUrl", resolvedURL),
		zap.Int("attempts", attempts),
		zap.Bool("success", success),
		zap.Int64("elapsedMs", durationMs(elapsed)),
	)
}

// Pagination records the outcome of a discovery walk.
func (l *Logger) Pagination(correlationID, host, baseURL, mode string, pages int, elapsed time.Duration) {
	l.log.Info("pagination finished",
		zap.String("eventType", EventPagination),
		zap.String("correlationId", correlationID),
		zap.String("host", host),
		zap.String("url", baseURL),
		zap.String("mode", mode),
		zap.Int("pages", pages),
		zap.Int64("elapsedMs", durationMs(elapsed)),
	)
}

// Phase records batch lifecycle and state-machine changes (phases, pause and
// resume, circuit transitions observed by the engine). Extra structured
// context rides along as fields.
func (l *Logger) Phase(correlationID, name string, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("eventType", EventPhase),
		zap.String("correlationId", correlationID),
		zap.String("phase", name),
	}
	l.log.Info("phase", append(base, fields...)...)
}

// Summary carries the end-of-job aggregates.
type Summary struct {
	TotalRequests      int64            `json:"totalRequests"`
	SuccessfulRequests int64            `json:"successfulRequests"`
	FailedRequests     int64            `json:"failedRequests"`
	ErrorKinds         map[string]int64 `json:"errorKinds"`
	P50ResponseMs      float64          `json:"p50ResponseMs"`
	P95ResponseMs      float64          `json:"p95ResponseMs"`
	DurationMs         int64            `json:"durationMs"`
}

// snapshotSummary computes the aggregates under the lock.
func (l *Logger) snapshotSummary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	sorted := make([]float64, len(l.responseMs))
	copy(sorted, l.responseMs)
	sort.Float64s(sorted)

	kinds := make(map[string]int64, len(l.kinds))
	for k, v := range l.kinds {
		kinds[k] = v
	}
	return Summary{
		TotalRequests:      l.total,
		SuccessfulRequests: l.succeeded,
		FailedRequests:     l.failed,
		ErrorKinds:         kinds,
		P50ResponseMs:      percentile(sorted, 50),
		P95ResponseMs:      percentile(sorted, 95),
		DurationMs:         time.Since(l.startedAt).Milliseconds(),
	}
}

// Close emits the summary event, writes "{jobId}.summary.json", and closes
// the stream. The summary is returned for callers that print it.
func (l *Logger) Close() (Summary, error) {
	s := l.snapshotSummary()

	l.log.Info("job finished",
		zap.String("eventType", EventSummary),
		zap.Int64("totalRequests", s.TotalRequests),
		zap.Int64("successfulRequests", s.SuccessfulRequests),
		zap.Int64("failedRequests", s.FailedRequests),
		zap.Float64("p50ResponseMs", s.P50ResponseMs),
		zap.Float64("p95ResponseMs", s.P95ResponseMs),
		zap.Int64("elapsedMs", s.DurationMs),
	)

	// The summary file is a single object keyed by job ID so downstream
	// collectors can merge files blindly.
	payload, err := json.MarshalIndent(map[string]Summary{l.jobID: s}, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(l.dir, l.jobID+".summary.json"), payload, 0o644)
	}
	if syncErr := l.sink.Sync(); err == nil {
		err = syncErr
	}
	if closeErr := l.sink.Close(); err == nil {
		err = closeErr
	}
	return s, err
}

// percentile interpolates linearly between the two nearest ranks of an
// ascending sample. p is in [0, 100].
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := (p / 100) * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	weight := pos - float64(lo)
	return sorted[lo]*(1-weight) + sorted[hi]*weight
}

func durationMs(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return d.Milliseconds()
}
