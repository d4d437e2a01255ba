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

// Package batch orchestrates polite bulk fetching in three phases:
// validate/dedupe, chunked worker-pool processing, and outcome compilation
// with an error report. Pause, resume and stop are observable to workers
// within one poll interval.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fetchkit/internal/fetcher/archive"
	"fetchkit/internal/fetcher/breaker"
	"fetchkit/internal/fetcher/core"
	"fetchkit/internal/fetcher/errkind"
	"fetchkit/internal/fetcher/telemetry"
)

// Defaults for Config fields left zero.
const (
	DefaultConcurrency     = 5
	DefaultDelayPerItem    = 250 * time.Millisecond
	DefaultItemTimeout     = 30 * time.Second
	DefaultChunkSize       = 100
	DefaultMaxURLs         = 1500
	DefaultReportErrors    = 20
	DefaultReportPatterns  = 10
	DefaultMonitorInterval = 5 * time.Second
	DefaultPausePoll       = 200 * time.Millisecond
)

// ErrTooManyURLs rejects a batch before validation even starts.
var ErrTooManyURLs = errors.New("batch exceeds the url cap")

// ErrBusy is returned when a control or run overlaps an in-flight batch.
var ErrBusy = errors.New("batch already running")

// State is the orchestrator position. States move validating → processing →
// paused/stopped/completed; every transition is emitted as an event.
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
	StateStopped    State = "stopped"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// Item is one validated batch entry handed to the processor.
type Item struct {
	OriginalIndex int    `json:"originalIndex"`
	RawURL        string `json:"rawUrl"`
	URL           string `json:"url"` // normalized
	CorrelationID string `json:"correlationId,omitempty"`
}

// ItemStatus tags a result slot.
type ItemStatus string

const (
	StatusSuccess   ItemStatus = "success"
	StatusFailed    ItemStatus = "failed"
	StatusInvalid   ItemStatus = "invalid"
	StatusDuplicate ItemStatus = "duplicate"
	StatusSkipped   ItemStatus = "skipped" // stopped before the item ran
)

// ItemResult is the per-input slot. Results always have one slot per input
// URL, in original order.
type ItemResult struct {
	OriginalIndex        int           `json:"originalIndex"`
	URL                  string        `json:"url"`
	NormalizedURL        string        `json:"normalizedUrl,omitempty"`
	Status               ItemStatus    `json:"status"`
	HTTPStatus           int           `json:"httpStatus,omitempty"`
	FinalURL             string        `json:"finalUrl,omitempty"`
	CanonicalURL         string        `json:"canonicalUrl,omitempty"`
	Kind                 errkind.Kind  `json:"kind,omitempty"`
	Message              string        `json:"message,omitempty"`
	FirstOccurrenceIndex int           `json:"firstOccurrenceIndex"`
	Elapsed              time.Duration `json:"elapsed,omitempty"`
}

// InvalidURL records a Phase 1 rejection.
type InvalidURL struct {
	OriginalIndex int    `json:"originalIndex"`
	URL           string `json:"url"`
	Reason        string `json:"reason"`
}

// Duplicate records a later occurrence of an already seen normalized URL.
type Duplicate struct {
	OriginalIndex        int    `json:"originalIndex"`
	URL                  string `json:"url"`
	FirstOccurrenceIndex int    `json:"firstOccurrenceIndex"`
}

// RetryItem is a deferred item, queued for an explicit RetryFailed call.
type RetryItem struct {
	Item   Item   `json:"item"`
	Reason string `json:"reason"`
}

// Stats aggregates a finished batch.
type Stats struct {
	Total     int           `json:"total"`
	Valid     int           `json:"valid"`
	Invalid   int           `json:"invalid"`
	Duplicate int           `json:"duplicate"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	WallTime  time.Duration `json:"wallTime"`
	AvgItem   time.Duration `json:"avgItem"`
}

// Outcome is the compiled result of one Run.
type Outcome struct {
	JobID       string       `json:"jobId"`
	State       State        `json:"state"`
	Results     []ItemResult `json:"results"`
	InvalidURLs []InvalidURL `json:"invalidUrls,omitempty"`
	Duplicates  []Duplicate  `json:"duplicates,omitempty"`
	Report      ErrorReport  `json:"report"`
	Stats       Stats        `json:"stats"`
	RetryQueue  []RetryItem  `json:"retryQueue,omitempty"`
}

// ProcessResult is what a Processor returns for one item.
type ProcessResult struct {
	Status       int
	FinalURL     string
	CanonicalURL string
}

// Processor handles one normalized URL. It must be safe to call
// concurrently up to the configured concurrency. Returned errors are
// classified into the result slot; circuit-open errors also queue the item
// for retry.
type Processor interface {
	Process(ctx context.Context, item Item) (ProcessResult, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, item Item) (ProcessResult, error)

func (f ProcessorFunc) Process(ctx context.Context, item Item) (ProcessResult, error) {
	return f(ctx, item)
}

// Progress is a point-in-time view of a running batch.
type Progress struct {
	Done      int
	Total     int
	Succeeded int
	Failed    int
	Chunk     int
	Chunks    int
}

// ProgressSink receives typed orchestration events. Implementations must be
// safe for concurrent calls.
type ProgressSink interface {
	StateChange(jobID string, from, to State)
	Progress(jobID string, p Progress)
}

// EventSink receives phase events for the NDJSON job log. *joblog.Logger
// satisfies it.
type EventSink interface {
	Phase(correlationID, name string, fields ...zap.Field)
}

// Config tunes an Orchestrator. Zero values take the defaults above.
type Config struct {
	// JobID pins the identifier attached to every run. Empty mints a fresh
	// UUID per Run, which is what callers running several batches want.
	JobID string

	Concurrency            int
	DelayPerItem           time.Duration
	ItemTimeout            time.Duration
	ChunkSize              int
	MaxURLs                int
	ReportMaxErrors        int
	ReportMaxPatterns      int
	MonitorInterval        time.Duration
	PausePoll              time.Duration
	AutoPauseOnCircuitOpen bool
	MemoryOptimization     bool
	Logger                 *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Concurrency < 1 {
		c.Concurrency = DefaultConcurrency
	}
	if c.DelayPerItem < 0 {
		c.DelayPerItem = 0
	} else if c.DelayPerItem == 0 {
		c.DelayPerItem = DefaultDelayPerItem
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = DefaultItemTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxURLs <= 0 {
		c.MaxURLs = DefaultMaxURLs
	}
	if c.ReportMaxErrors <= 0 {
		c.ReportMaxErrors = DefaultReportErrors
	}
	if c.ReportMaxPatterns <= 0 {
		c.ReportMaxPatterns = DefaultReportPatterns
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.PausePoll <= 0 {
		c.PausePoll = DefaultPausePoll
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Orchestrator runs batches through a Processor with pause/resume/stop
// controls. One batch at a time; configure sinks before Run.
type Orchestrator struct {
	proc     Processor
	registry *core.Registry
	arch     archive.Archiver
	cfg      Config
	log      *zap.Logger
	events   EventSink
	progress ProgressSink

	mu          sync.Mutex
	state       State
	jobID       string
	retryQ      []RetryItem
	resumeTimer *time.Timer

	paused      atomic.Bool
	manualPause atomic.Bool
	stopped     atomic.Bool

	done      atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	curChunk  atomic.Int64

	totalItems int
	numChunks  int
}

// New builds an Orchestrator. registry may be nil when auto-pause is off.
func New(proc Processor, registry *core.Registry, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		proc:     proc,
		registry: registry,
		cfg:      cfg,
		log:      cfg.Logger,
		state:    StateIdle,
	}
}

// WithArchiver sets the memory-cleanup sink. Configure before Run.
func (o *Orchestrator) WithArchiver(a archive.Archiver) *Orchestrator {
	o.arch = a
	return o
}

// WithEvents sets the NDJSON phase sink. Configure before Run.
func (o *Orchestrator) WithEvents(sink EventSink) *Orchestrator {
	o.events = sink
	return o
}

// WithProgress sets the typed progress sink. Configure before Run.
func (o *Orchestrator) WithProgress(sink ProgressSink) *Orchestrator {
	o.progress = sink
	return o
}

// State returns the current orchestrator state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// JobID returns the identifier of the current (or last) run.
func (o *Orchestrator) JobID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobID
}

// Run executes one batch. Results hold one slot per input URL in original
// order, filled exactly once as success, failed, invalid, duplicate or
// skipped.
func (o *Orchestrator) Run(ctx context.Context, urls []string) (*Outcome, error) {
	if len(urls) > o.cfg.MaxURLs {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyURLs, len(urls), o.cfg.MaxURLs)
	}

	o.mu.Lock()
	if o.state == StateValidating || o.state == StateProcessing || o.state == StatePaused {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.jobID = o.cfg.JobID
	if o.jobID == "" {
		o.jobID = uuid.NewString()
	}
	jobID := o.jobID
	o.retryQ = nil
	o.mu.Unlock()

	o.paused.Store(false)
	o.manualPause.Store(false)
	o.stopped.Store(false)
	o.done.Store(0)
	o.succeeded.Store(0)
	o.failed.Store(0)
	o.curChunk.Store(0)

	start := time.Now()
	results := make([]ItemResult, len(urls))

	if len(urls) == 0 {
		o.setState(StateCompleted)
		return &Outcome{
			JobID:   jobID,
			State:   StateCompleted,
			Results: results,
			Report:  buildReport(nil, o.cfg.ReportMaxErrors, o.cfg.ReportMaxPatterns),
		}, nil
	}

	o.setState(StateValidating)
	items, invalid, dups := o.validate(urls, results)

	o.setState(StateProcessing)
	monCtx, monCancel := context.WithCancel(ctx)
	defer monCancel()
	if o.cfg.AutoPauseOnCircuitOpen && o.registry != nil {
		go o.monitor(monCtx)
	}

	chunks := o.chunk(items)
	o.totalItems = len(items)
	o.numChunks = len(chunks)

	for ci, ch := range chunks {
		if o.stopped.Load() || ctx.Err() != nil {
			break
		}
		o.curChunk.Store(int64(ci + 1))
		if o.events != nil {
			o.events.Phase(jobID, "processing",
				zap.Int("chunk", ci+1),
				zap.Int("chunks", len(chunks)),
				zap.Int("items", len(ch)))
		}
		o.runPool(ctx, jobID, ch, func(i int, res ItemResult) {
			results[ch[i].OriginalIndex] = res
		})
		if len(chunks) > 1 && ci < len(chunks)-1 {
			o.memoryCleanup(ctx, jobID, ci, ch, results)
		}
	}
	monCancel()
	o.cancelScheduledResume()

	wall := time.Since(start)
	finalState := StateCompleted
	if o.stopped.Load() || ctx.Err() != nil {
		finalState = StateStopped
	}
	o.setState(finalState)

	out := o.compile(jobID, finalState, urls, results, invalid, dups, wall)
	if o.events != nil {
		o.events.Phase(jobID, "batch_summary",
			zap.Int("total", out.Stats.Total),
			zap.Int("succeeded", out.Stats.Succeeded),
			zap.Int("failed", out.Stats.Failed),
			zap.Int("invalid", out.Stats.Invalid),
			zap.Int("duplicate", out.Stats.Duplicate),
			zap.Duration("wall", wall))
	}
	return out, nil
}

// validate runs Phase 1, filling the result slots for invalid and duplicate
// inputs as it goes.
func (o *Orchestrator) validate(urls []string, results []ItemResult) ([]Item, []InvalidURL, []Duplicate) {
	items := make([]Item, 0, len(urls))
	var invalid []InvalidURL
	var dups []Duplicate
	first := make(map[string]int, len(urls))

	for i, raw := range urls {
		norm, err := Normalize(raw)
		if err != nil {
			invalid = append(invalid, InvalidURL{OriginalIndex: i, URL: raw, Reason: err.Error()})
			results[i] = ItemResult{
				OriginalIndex:        i,
				URL:                  raw,
				Status:               StatusInvalid,
				Kind:                 errkind.Validation,
				Message:              err.Error(),
				FirstOccurrenceIndex: -1,
			}
			telemetry.ObserveBatchItem("invalid")
			continue
		}
		if fi, seen := first[norm]; seen {
			dups = append(dups, Duplicate{OriginalIndex: i, URL: raw, FirstOccurrenceIndex: fi})
			results[i] = ItemResult{
				OriginalIndex:        i,
				URL:                  raw,
				NormalizedURL:        norm,
				Status:               StatusDuplicate,
				FirstOccurrenceIndex: fi,
			}
			telemetry.ObserveBatchItem("duplicate")
			continue
		}
		first[norm] = i
		items = append(items, Item{OriginalIndex: i, RawURL: raw, URL: norm})
	}
	return items, invalid, dups
}

// chunk splits items for Phase 2. Memory optimization off, or a batch that
// fits in one chunk, runs as a single pool.
func (o *Orchestrator) chunk(items []Item) [][]Item {
	if len(items) == 0 {
		return nil
	}
	if !o.cfg.MemoryOptimization || len(items) <= o.cfg.ChunkSize {
		return [][]Item{items}
	}
	var chunks [][]Item
	for start := 0; start < len(items); start += o.cfg.ChunkSize {
		end := min(start+o.cfg.ChunkSize, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// runPool drains items through Concurrency workers sharing an atomic index.
// Workers honor pause and stop between items; a concurrency of 1 is
// strictly sequential.
func (o *Orchestrator) runPool(ctx context.Context, jobID string, items []Item, assign func(i int, res ItemResult)) {
	var next atomic.Int64
	workers := min(o.cfg.Concurrency, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for {
				if gctx.Err() != nil || o.stopped.Load() {
					return nil
				}
				if err := o.waitWhilePaused(gctx); err != nil {
					return nil
				}
				if o.stopped.Load() {
					return nil
				}
				i := int(next.Add(1)) - 1
				if i >= len(items) {
					return nil
				}
				assign(i, o.processItem(gctx, jobID, items[i]))
				o.done.Add(1)
				o.emitProgress(jobID)
				if i < len(items)-1 {
					_ = sleepCtx(gctx, o.cfg.DelayPerItem)
				}
			}
		})
	}
	_ = g.Wait()
}

// processItem runs one item through the processor under the per-item
// timeout and classifies the outcome.
func (o *Orchestrator) processItem(ctx context.Context, jobID string, it Item) ItemResult {
	it.CorrelationID = jobID
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, o.cfg.ItemTimeout)
	pr, err := o.proc.Process(pctx, it)
	cancel()
	elapsed := time.Since(start)

	res := ItemResult{
		OriginalIndex:        it.OriginalIndex,
		URL:                  it.RawURL,
		NormalizedURL:        it.URL,
		FirstOccurrenceIndex: -1,
		Elapsed:              elapsed,
	}
	if err == nil {
		res.Status = StatusSuccess
		res.HTTPStatus = pr.Status
		res.FinalURL = pr.FinalURL
		res.CanonicalURL = pr.CanonicalURL
		o.succeeded.Add(1)
		telemetry.ObserveBatchItem("success")
		return res
	}

	kind, status, msg := classifyItemError(err)
	res.Status = StatusFailed
	res.Kind = kind
	res.HTTPStatus = status
	res.Message = msg
	o.failed.Add(1)
	telemetry.ObserveBatchItem("failed")

	if kind == errkind.CircuitOpen {
		o.mu.Lock()
		o.retryQ = append(o.retryQ, RetryItem{Item: it, Reason: "circuit_open"})
		o.mu.Unlock()
	}
	return res
}

func classifyItemError(err error) (errkind.Kind, int, string) {
	var fe *errkind.Error
	if errors.As(err, &fe) {
		return fe.Kind, fe.Status, fe.Message
	}
	return errkind.Classify(err), 0, err.Error()
}

// waitWhilePaused polls the pause flag. Returns when unpaused, stopped, or
// the context ends.
func (o *Orchestrator) waitWhilePaused(ctx context.Context) error {
	for o.paused.Load() && !o.stopped.Load() {
		if err := sleepCtx(ctx, o.cfg.PausePoll); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// memoryCleanup archives the finished chunk's results. Advisory: failures
// are logged and the batch continues.
func (o *Orchestrator) memoryCleanup(ctx context.Context, jobID string, chunkIdx int, items []Item, results []ItemResult) {
	if o.events != nil {
		o.events.Phase(jobID, "cleanup",
			zap.Int("chunk", chunkIdx+1),
			zap.Int("items", len(items)))
	}
	if o.arch == nil {
		return
	}
	chunkResults := make([]ItemResult, 0, len(items))
	for _, it := range items {
		chunkResults = append(chunkResults, results[it.OriginalIndex])
	}
	payload, err := json.Marshal(chunkResults)
	if err != nil {
		o.log.Warn("memory cleanup: marshal failed", zap.Error(err))
		return
	}
	if err := o.arch.Archive(ctx, jobID, chunkIdx, payload); err != nil {
		o.log.Warn("memory cleanup: archive failed", zap.Int("chunk", chunkIdx), zap.Error(err))
	}
}

// compile runs Phase 3.
func (o *Orchestrator) compile(jobID string, state State, urls []string, results []ItemResult, invalid []InvalidURL, dups []Duplicate, wall time.Duration) *Outcome {
	var errs []ItemError
	stats := Stats{Total: len(results), WallTime: wall}
	var processedTime time.Duration
	processed := 0

	for i := range results {
		r := &results[i]
		if r.Status == "" {
			// Valid item never dequeued (stop or cancel).
			r.OriginalIndex = i
			r.URL = urls[i]
			r.Status = StatusSkipped
			r.FirstOccurrenceIndex = -1
		}
		switch r.Status {
		case StatusSuccess:
			stats.Succeeded++
			stats.Valid++
			processedTime += r.Elapsed
			processed++
		case StatusFailed:
			stats.Failed++
			stats.Valid++
			processedTime += r.Elapsed
			processed++
			errs = append(errs, ItemError{
				OriginalIndex: r.OriginalIndex,
				URL:           r.NormalizedURL,
				Kind:          r.Kind,
				Status:        r.HTTPStatus,
				Message:       r.Message,
			})
		case StatusInvalid:
			stats.Invalid++
		case StatusDuplicate:
			stats.Duplicate++
		case StatusSkipped:
			stats.Skipped++
			stats.Valid++
		}
	}
	if processed > 0 {
		stats.AvgItem = processedTime / time.Duration(processed)
	}

	o.mu.Lock()
	rq := append([]RetryItem(nil), o.retryQ...)
	o.mu.Unlock()

	return &Outcome{
		JobID:       jobID,
		State:       state,
		Results:     results,
		InvalidURLs: invalid,
		Duplicates:  dups,
		Report:      buildReport(errs, o.cfg.ReportMaxErrors, o.cfg.ReportMaxPatterns),
		Stats:       stats,
		RetryQueue:  rq,
	}
}

// Pause suspends processing. Manual pauses stay paused until Resume.
func (o *Orchestrator) Pause() {
	o.manualPause.Store(true)
	o.pause()
}

func (o *Orchestrator) pause() {
	if o.paused.Swap(true) {
		return
	}
	o.mu.Lock()
	processing := o.state == StateProcessing
	o.mu.Unlock()
	if processing {
		o.setState(StatePaused)
	}
}

// Resume lifts a pause, manual or automatic.
func (o *Orchestrator) Resume() {
	o.manualPause.Store(false)
	o.cancelScheduledResume()
	o.resume()
}

func (o *Orchestrator) resume() {
	if !o.paused.Swap(false) {
		return
	}
	o.mu.Lock()
	wasPaused := o.state == StatePaused
	o.mu.Unlock()
	if wasPaused {
		o.setState(StateProcessing)
	}
}

// Stop aborts the batch. In-flight items run to their own deadlines; no new
// items are dequeued.
func (o *Orchestrator) Stop() {
	if o.stopped.Swap(true) {
		return
	}
	o.log.Info("batch stop requested", zap.String("job", o.JobID()))
}

// Reset returns a finished orchestrator to idle, clearing the retry queue.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateValidating || o.state == StateProcessing || o.state == StatePaused {
		return ErrBusy
	}
	o.state = StateIdle
	o.jobID = ""
	o.retryQ = nil
	return nil
}

// RetryQueue returns a copy of the queued retry items.
func (o *Orchestrator) RetryQueue() []RetryItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]RetryItem(nil), o.retryQ...)
}

// RetryFailed re-runs the queued items through the pool. New circuit-open
// failures queue again; everything else lands in the returned results.
func (o *Orchestrator) RetryFailed(ctx context.Context) ([]ItemResult, error) {
	o.mu.Lock()
	if o.state == StateValidating || o.state == StateProcessing || o.state == StatePaused {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	queue := o.retryQ
	o.retryQ = nil
	jobID := o.jobID
	o.mu.Unlock()

	if len(queue) == 0 {
		return nil, nil
	}
	o.stopped.Store(false)
	o.paused.Store(false)

	items := make([]Item, len(queue))
	for i, q := range queue {
		items[i] = q.Item
	}
	if o.events != nil {
		o.events.Phase(jobID, "retry", zap.Int("items", len(items)))
	}
	results := make([]ItemResult, len(items))
	o.runPool(ctx, jobID, items, func(i int, res ItemResult) {
		results[i] = res
	})
	return results, nil
}

// setState transitions the state machine and emits both event streams.
func (o *Orchestrator) setState(to State) {
	o.mu.Lock()
	from := o.state
	if from == to {
		o.mu.Unlock()
		return
	}
	o.state = to
	jobID := o.jobID
	o.mu.Unlock()

	o.log.Info("batch state change",
		zap.String("job", jobID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if o.progress != nil {
		o.progress.StateChange(jobID, from, to)
	}
	if o.events != nil {
		o.events.Phase(jobID, "state",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
}

func (o *Orchestrator) emitProgress(jobID string) {
	if o.progress == nil {
		return
	}
	o.progress.Progress(jobID, Progress{
		Done:      int(o.done.Load()),
		Total:     o.totalItems,
		Succeeded: int(o.succeeded.Load()),
		Failed:    int(o.failed.Load()),
		Chunk:     int(o.curChunk.Load()),
		Chunks:    o.numChunks,
	})
}

// monitor auto-pauses processing while any host circuit is open or
// half-open, scheduling a resume just past the earliest reset. Manual
// pauses are never auto-resumed.
func (o *Orchestrator) monitor(ctx context.Context) {
	t := time.NewTicker(o.cfg.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if o.stopped.Load() || o.paused.Load() {
			continue
		}
		snap := o.registry.Snapshot()
		tripped := false
		var minRemaining time.Duration
		for _, hs := range snap.Hosts {
			c := hs.Circuit
			if c == nil || c.State == breaker.Closed {
				continue
			}
			tripped = true
			if c.Remaining > 0 && (minRemaining == 0 || c.Remaining < minRemaining) {
				minRemaining = c.Remaining
			}
		}
		if !tripped {
			continue
		}
		resumeIn := minRemaining + time.Second
		o.log.Info("auto-pausing batch on open circuit",
			zap.String("job", o.JobID()),
			zap.Duration("resume_in", resumeIn))
		o.pause()
		o.scheduleResume(resumeIn)
	}
}

func (o *Orchestrator) scheduleResume(after time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resumeTimer != nil {
		o.resumeTimer.Stop()
	}
	o.resumeTimer = time.AfterFunc(after, func() {
		if o.manualPause.Load() || o.stopped.Load() {
			return
		}
		o.resume()
	})
}

func (o *Orchestrator) cancelScheduledResume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resumeTimer != nil {
		o.resumeTimer.Stop()
		o.resumeTimer = nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
