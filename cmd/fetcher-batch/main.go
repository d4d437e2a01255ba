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

// Package main provides the fetcher-batch command, the batch front door for
// the fetchkit polite fetching core.
//
// The command reads a list of URLs, fetches each one through the shared
// engine (per-host adaptive rate limiting, circuit breaking, retries with
// jittered backoff), and writes a full audit trail per job: an NDJSON log,
// a summary JSON, and the batch outcome with its error report.
//
// This file is responsible for orchestrating the run:
// 1. Loading configuration from the environment and flags.
// 2. Wiring the host registry, engine, robots cache and canonicalizer.
// 3. Serving the operations API while the batch runs.
// 4. Rendering live progress and writing the job artifacts.
// 5. Managing graceful shutdown so in-flight fetches drain cleanly.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fetchkit/internal/fetcher/api"
	"fetchkit/internal/fetcher/archive"
	"fetchkit/internal/fetcher/batch"
	"fetchkit/internal/fetcher/breaker"
	"fetchkit/internal/fetcher/canon"
	"fetchkit/internal/fetcher/config"
	"fetchkit/internal/fetcher/core"
	"fetchkit/internal/fetcher/engine"
	"fetchkit/internal/fetcher/joblog"
	"fetchkit/internal/fetcher/paginate"
	"fetchkit/internal/fetcher/robots"
	"fetchkit/internal/fetcher/telemetry"
)

func main() {
	// --- What this is ---
	// This command fetches a list of URLs the way a considerate crawler
	// would. Every host gets its own token bucket and circuit breaker:
	//   - A 429 or 503 from a host immediately halves its request rate and
	//     honors Retry-After.
	//   - A sustained run of server errors opens the host's circuit, and the
	//     whole batch can pause until the host recovers.
	//   - A 404 is retried against canonical URL variants (https, www,
	//     trailing slash) before we give up on the item.
	// While the batch runs, an operations API exposes per-host limiter and
	// breaker state plus Prometheus metrics, and every request lands in an
	// NDJSON job log you can replay later.
	//
	// How to try it quickly:
	//   1) Start the bundled origin simulator in another terminal:
	//        go run ./tools/origin-sim -listen :9090
	//   2) Put a few URLs in a file and run the batch:
	//        go run ./cmd/fetcher-batch -urls urls.txt -out out
	//   3) Watch the live host state while it runs:
	//        curl http://localhost:8080/hosts
	//
	// Artifacts land in the -out directory: {jobId}.log (NDJSON, one event
	// per request), {jobId}.summary.json (percentiles and error kinds) and
	// {jobId}.result.json (per-item outcomes and the error report).

	// 1. Load environment configuration; the flags below override it per
	// run, so env vars set the fleet-wide defaults and flags tune one job.
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// - urls: the input file, one URL per line ("#" starts a comment)
	// - out: directory for the job log, summary and result artifacts
	// - listen: operations API address; empty disables the server
	// - rate: process-wide requests/sec cap on top of per-host pacing
	// - archive: where finished chunks go when memory optimization is on
	urlsFile := flag.String("urls", "", "File with one URL per line; lines starting with # are comments")
	outDir := flag.String("out", "out", "Directory for job artifacts (log, summary, result)")
	listenAddr := flag.String("listen", ":8080", "Operations API listen address (e.g., :8080); empty disables")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	concurrency := flag.Int("concurrency", cfg.Batch.Concurrency, "Worker pool size for the batch")
	rate := flag.Float64("rate", cfg.GlobalRPS, "Process-wide requests/sec across all hosts; 0 disables the global cap")
	retries := flag.Int("retries", cfg.MaxRetries, "Fetch attempts per URL, the first try included")
	delay := flag.Duration("delay", cfg.Batch.Delay, "Pause between items within one worker; 0 disables")
	itemTimeout := flag.Duration("item_timeout", cfg.Batch.Timeout, "Budget for one URL including retries")
	chunkSize := flag.Int("chunk_size", cfg.Batch.ChunkSize, "URLs per chunk when memory optimization is on")
	maxURLs := flag.Int("max_urls", cfg.Batch.MaxURLsPerBatch, "Reject batches larger than this")
	hostLimits := flag.String("host_limits", cfg.HostLimitsPath, "YAML file with per-host rate profiles")
	archiveBackend := flag.String("archive", "none", "Chunk archive backend: none, file, redis or mock")
	archivePath := flag.String("archive_path", "", "JSONL path for the file archive backend (default {out}/{jobId}.archive.jsonl)")
	redisAddr := flag.String("redis_addr", "", "Redis address for the redis archive backend (e.g., 127.0.0.1:6379)")
	doPaginate := flag.Bool("paginate", false, "Discover each seed URL's pagination and fetch the pages too")
	doCanonicalize := flag.Bool("canonicalize", true, "Probe canonical URL variants when a fetch 404s")
	autoPause := flag.Bool("auto_pause", cfg.Batch.AutoPauseOnCircuitOpen, "Pause the whole batch while a host circuit is open")
	memoryOpt := flag.Bool("memory_opt", cfg.Batch.EnableMemoryOptimization, "Process in chunks and archive finished chunks")
	userAgent := flag.String("user_agent", "", "Override the default User-Agent header")
	noProgress := flag.Bool("no_progress", false, "Disable the live progress line (useful in CI)")
	flag.Parse()

	if *urlsFile == "" {
		log.Fatalf("the -urls flag is required (a file with one URL per line)")
	}

	// Fold the flag overrides back into the config so Validate covers the
	// effective values, not just the environment.
	cfg.GlobalRPS = *rate
	cfg.MaxRetries = *retries
	cfg.Batch.Concurrency = *concurrency
	cfg.Batch.Delay = *delay
	cfg.Batch.Timeout = *itemTimeout
	cfg.Batch.ChunkSize = *chunkSize
	cfg.Batch.MaxURLsPerBatch = *maxURLs
	cfg.Batch.AutoPauseOnCircuitOpen = *autoPause
	cfg.Batch.EnableMemoryOptimization = *memoryOpt
	if *hostLimits != "" && *hostLimits != cfg.HostLimitsPath {
		cfg.HostLimitsPath = *hostLimits
		if cfg.HostLimits, err = config.LoadHostLimits(*hostLimits); err != nil {
			log.Fatalf("host limits: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// Capture the effective knobs for the final metrics printout.
	core.SetThresholdInt("concurrency", cfg.Batch.Concurrency)
	core.SetThresholdFloat64("global_rps", cfg.GlobalRPS)
	core.SetThresholdInt("max_retries", cfg.MaxRetries)
	core.SetThresholdDuration("delay_per_item", cfg.Batch.Delay)
	core.SetThresholdDuration("item_timeout", cfg.Batch.Timeout)
	core.SetThresholdInt("chunk_size", cfg.Batch.ChunkSize)
	core.SetThresholdInt("max_urls", cfg.Batch.MaxURLsPerBatch)
	core.SetThreshold("archive_backend", *archiveBackend)
	core.SetThresholdBool("auto_pause", cfg.Batch.AutoPauseOnCircuitOpen)
	core.SetThresholdBool("memory_opt", cfg.Batch.EnableMemoryOptimization)

	// 2. Structured logging goes to stderr so the progress line on stdout
	// stays readable. Telemetry counters are cheap, so they are always on;
	// -metrics_addr additionally serves them standalone.
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	telemetry.Enable(telemetry.Config{Enabled: true, MetricsAddr: *metricsAddr})

	// 3. Read the URL list up front so an unreadable file fails before any
	// network wiring happens.
	urls, err := readURLList(*urlsFile)
	if err != nil {
		log.Fatalf("read urls: %v", err)
	}
	if len(urls) == 0 {
		log.Fatalf("no URLs found in %s", *urlsFile)
	}

	// 4. Wire the fetching core: one registry of per-host buckets and
	// breakers, one engine on top, then robots and canonicalization.
	reg := core.NewRegistry(core.RegistryConfig{
		HostProfiles: cfg.HostLimits,
		DefaultStrategy: breaker.Strategy{
			FailureThreshold:   cfg.BreakerThreshold,
			InitialReset:       cfg.BreakerReset,
			HalfOpenProbeLimit: cfg.BreakerHalfOpenMaxCalls,
		},
	})
	eng := engine.New(reg, engine.Config{
		UserAgent:      *userAgent,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		GlobalRPS:      cfg.GlobalRPS,
		MaxRetries:     cfg.MaxRetries,
		BaseBackoff:    cfg.BaseBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		JitterFactor:   cfg.JitterFactor,
		Logger:         logger,
	})

	// 5. Every run is one job: the job log names its files after the job ID
	// and the orchestrator stamps the same ID on every event, so the NDJSON
	// log, the summary and the result file all correlate.
	jobID := uuid.NewString()
	jlog, err := joblog.New(jobID, joblog.Config{Dir: *outDir})
	if err != nil {
		log.Fatalf("job log: %v", err)
	}
	eng = eng.WithEvents(jlog)

	rc := robots.NewCache(eng.RobotsFetch(), robots.CacheConfig{Agent: "fetchkit"})
	var cz *canon.Canonicalizer
	if *doCanonicalize {
		cz = canon.New(eng, rc, canon.Config{Logger: logger}).WithJob(nil, jlog)
	}

	// 6. Chunk archive. The file backend defaults next to the other job
	// artifacts; redis needs an explicit address.
	archPath := *archivePath
	if archPath == "" {
		archPath = filepath.Join(*outDir, jobID+".archive.jsonl")
	}
	arch, err := archive.BuildArchiver(*archiveBackend, archive.Options{Path: archPath, RedisAddr: *redisAddr})
	if err != nil {
		log.Fatalf("archive: %v", err)
	}

	// 7. The orchestrator owns the worker pool, pause/resume and the error
	// report. It shares the registry with the engine so auto-pause sees the
	// same circuits the fetches trip.
	delayVal := cfg.Batch.Delay
	if delayVal == 0 {
		delayVal = -1
	}
	proc := batch.NewFetchProcessor(eng, cz, rc)
	orch := batch.New(proc, reg, batch.Config{
		JobID:                  jobID,
		Concurrency:            cfg.Batch.Concurrency,
		DelayPerItem:           delayVal,
		ItemTimeout:            cfg.Batch.Timeout,
		ChunkSize:              cfg.Batch.ChunkSize,
		MaxURLs:                cfg.Batch.MaxURLsPerBatch,
		ReportMaxErrors:        cfg.Batch.ErrorReportSize,
		MonitorInterval:        cfg.Batch.CircuitMonitoringInterval,
		AutoPauseOnCircuitOpen: cfg.Batch.AutoPauseOnCircuitOpen,
		MemoryOptimization:     cfg.Batch.EnableMemoryOptimization,
		Logger:                 logger,
	}).WithEvents(jlog).WithArchiver(arch)
	if !*noProgress {
		orch = orch.WithProgress(newConsoleProgress(os.Stdout))
	}

	// 8. Operations API in a separate goroutine so it doesn't block. The
	// http.Server is built here in main so shutdown stays in our hands.
	var httpServer *http.Server
	if *listenAddr != "" {
		httpServer = api.NewServer(reg, logger).HTTPServer(*listenAddr)
		go func() {
			fmt.Printf("operations API listening on %s\n", *listenAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("could not listen on %s: %v", *listenAddr, err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 9. Optional pagination pass: walk each seed's pagination space and
	// add the discovered pages to the batch before it starts.
	if *doPaginate {
		urls = expandPagination(ctx, eng, jlog, logger, jobID, urls, cfg.Batch.MaxURLsPerBatch)
	}

	// 10. Run the batch in its own goroutine and wait for either completion
	// or an OS signal. Retries across the whole batch share one budget so a
	// broken origin cannot multiply the request count unchecked.
	proc.WithBudget(engine.NewBudget(int64(cfg.MaxRetries) * int64(len(urls))))
	fmt.Printf("job %s: fetching %d URLs with %d workers\n", jobID, len(urls), cfg.Batch.Concurrency)
	done := make(chan struct{})
	var outcome *batch.Outcome
	var runErr error
	go func() {
		outcome, runErr = orch.Run(ctx, urls)
		close(done)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-done:
	case sig := <-stop:
		// 11. On the first signal, stop accepting new items and let
		// in-flight fetches drain. A stuck drain gets cut off after 30s.
		fmt.Printf("\n%s received, draining in-flight fetches...\n", sig)
		orch.Stop()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			fmt.Println("drain deadline exceeded, abandoning in-flight fetches")
			cancel()
			<-done
		}
	}

	exitCode := 0
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "batch failed: %v\n", runErr)
		exitCode = 1
	}
	if outcome != nil {
		if path, werr := writeOutcome(*outDir, outcome); werr != nil {
			log.Printf("write result: %v", werr)
			exitCode = 1
		} else {
			fmt.Printf("result written to %s\n", path)
		}
		printOutcome(outcome)
		if outcome.Stats.Failed > 0 || outcome.State == batch.StateError {
			exitCode = 1
		}
	}

	// 12. Close the job log last among the artifacts; Close flushes the
	// NDJSON sink and writes {jobId}.summary.json.
	if sum, cerr := jlog.Close(); cerr != nil {
		log.Printf("job log close: %v", cerr)
	} else {
		fmt.Printf("job log: %d requests (%d ok, %d failed), p50 %.0fms p95 %.0fms, artifacts in %s\n",
			sum.TotalRequests, sum.SuccessfulRequests, sum.FailedRequests,
			sum.P50ResponseMs, sum.P95ResponseMs, *outDir)
	}
	if cerr := arch.Close(); cerr != nil {
		log.Printf("archive close: %v", cerr)
	}

	// 13. Now gracefully shut down the operations API with a timeout.
	if httpServer != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}
	reg.CloseAll()
	core.PrintFinalTotals()
	_ = logger.Sync()
	os.Exit(exitCode)
}

// readURLList loads one URL per line. Blank lines and lines starting with
// "#" are skipped so list files can carry comments.
func readURLList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, sc.Err()
}

// expandPagination walks each seed URL's pagination space and appends the
// discovered pages, capped at max URLs total. Seeds keep their position so
// batch results stay aligned with the input file.
func expandPagination(ctx context.Context, eng *engine.Engine, jlog *joblog.Logger, logger *zap.Logger, jobID string, seeds []string, max int) []string {
	d := paginate.New(eng, paginate.Config{Logger: logger}).WithJob(nil, jlog)
	seen := make(map[string]bool, len(seeds))
	for _, u := range seeds {
		seen[u] = true
	}
	out := seeds
	for _, u := range seeds {
		if len(out) >= max {
			break
		}
		res := d.Discover(ctx, u, jobID)
		for _, p := range res.Pages {
			if len(out) >= max {
				break
			}
			if seen[p.URL] {
				continue
			}
			seen[p.URL] = true
			out = append(out, p.URL)
		}
	}
	if n := len(out) - len(seeds); n > 0 {
		fmt.Printf("pagination discovery added %d page(s), %d URLs total\n", n, len(out))
	}
	return out
}

// writeOutcome dumps the full batch outcome, including per-item results and
// the error report, next to the job log.
func writeOutcome(dir string, o *batch.Outcome) (string, error) {
	path := filepath.Join(dir, o.JobID+".result.json")
	buf, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return "", err
	}
	return path, os.WriteFile(path, buf, 0o644)
}

// printOutcome writes the end-of-run summary a human actually reads: the
// counters, the operator hints derived from error patterns, and whether
// anything is still waiting on an open circuit.
func printOutcome(o *batch.Outcome) {
	st := o.Stats
	fmt.Printf("batch %s: %d succeeded, %d failed, %d invalid, %d duplicate, %d skipped (%d URLs in %s)\n",
		o.State, st.Succeeded, st.Failed, st.Invalid, st.Duplicate, st.Skipped,
		st.Total, st.WallTime.Round(time.Millisecond))
	for _, rec := range o.Report.Recommendations {
		fmt.Printf("  hint [%s]: %s\n", rec.Severity, rec.Message)
	}
	if len(o.RetryQueue) > 0 {
		fmt.Printf("  %d item(s) hit an open circuit and were queued; re-run them once the hosts recover\n", len(o.RetryQueue))
	}
}
