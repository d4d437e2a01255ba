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

// Package api implements the operations HTTP server for the fetcher. It
// exposes per-host limiter and breaker state, a manual circuit reset, a
// health probe, and the Prometheus metrics endpoint.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"fetchkit/internal/fetcher/core"
	"fetchkit/internal/fetcher/telemetry"
)

// Server handles the operations endpoints over a shared host registry.
type Server struct {
	registry *core.Registry
	log      *zap.Logger
}

// NewServer creates and configures a new operations server.
func NewServer(registry *core.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{registry: registry, log: logger}
}

// RegisterRoutes sets up the HTTP routes for the server on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /hosts", s.handleHosts)
	mux.HandleFunc("POST /hosts/{host}/reset", s.handleReset)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", telemetry.Handler())
}

// circuitView is the JSON shape of one host's breaker state.
type circuitView struct {
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	ConsecutiveOpenings int        `json:"consecutiveOpenings"`
	RemainingMS         int64      `json:"remainingMs"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
}

// rateView is the JSON shape of one host's adaptive bucket state.
type rateView struct {
	CurrentRPS   float64 `json:"currentRps"`
	Tokens       float64 `json:"tokens"`
	Burst        int     `json:"burst"`
	PauseUntilMS int64   `json:"pauseUntilMs"`
	InFlight     int64   `json:"inFlight"`
	Adjustments  int     `json:"adjustments"`
}

type metricsView struct {
	Attempts          int64 `json:"attempts"`
	Successes         int64 `json:"successes"`
	Failures          int64 `json:"failures"`
	Retries           int64 `json:"retries"`
	RateLimitPauses   int64 `json:"rateLimitPauses"`
	CircuitRejections int64 `json:"circuitRejections"`
	EvictedBuckets    int64 `json:"evictedBuckets"`
	EvictedCircuits   int64 `json:"evictedCircuits"`
}

type hostsResponse struct {
	Circuits   map[string]circuitView `json:"circuits"`
	RateLimits map[string]rateView    `json:"rateLimits"`
	Metrics    metricsView            `json:"metrics"`
	TakenAt    time.Time              `json:"takenAt"`
}

// handleHosts serves the full per-host state snapshot.
func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()

	resp := hostsResponse{
		Circuits:   make(map[string]circuitView),
		RateLimits: make(map[string]rateView),
		Metrics: metricsView{
			Attempts:          snap.Metrics.Attempts,
			Successes:         snap.Metrics.Successes,
			Failures:          snap.Metrics.Failures,
			Retries:           snap.Metrics.Retries,
			RateLimitPauses:   snap.Metrics.RateLimitPauses,
			CircuitRejections: snap.Metrics.CircuitRejections,
			EvictedBuckets:    snap.Metrics.EvictedBuckets,
			EvictedCircuits:   snap.Metrics.EvictedCircuits,
		},
		TakenAt: snap.TakenAt,
	}
	for host, hs := range snap.Hosts {
		if hs.Circuit != nil {
			cv := circuitView{
				State:               hs.Circuit.State.String(),
				ConsecutiveFailures: hs.Circuit.ConsecutiveFailures,
				ConsecutiveOpenings: hs.Circuit.ConsecutiveOpenings,
				RemainingMS:         hs.Circuit.Remaining.Milliseconds(),
			}
			if !hs.Circuit.OpenedAt.IsZero() {
				opened := hs.Circuit.OpenedAt
				cv.OpenedAt = &opened
			}
			resp.Circuits[host] = cv
		}
		if hs.Bucket.Burst > 0 {
			resp.RateLimits[host] = rateView{
				CurrentRPS:   hs.Bucket.CurrentRPS,
				Tokens:       hs.Bucket.Tokens,
				Burst:        hs.Bucket.Burst,
				PauseUntilMS: hs.Bucket.PauseRemaining.Milliseconds(),
				InFlight:     hs.Bucket.InFlight,
				Adjustments:  hs.Bucket.Adjustments,
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleReset closes a host's breaker and clears its backoff schedule. The
// operator escape hatch for hosts stuck past the reopen cap.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	if host == "" {
		http.Error(w, "host is required", http.StatusBadRequest)
		return
	}
	if !s.registry.ResetCircuit(host) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown host"})
		return
	}
	s.log.Info("circuit manually reset", zap.String("host", host))
	s.writeJSON(w, http.StatusOK, map[string]string{"host": host, "state": "closed"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("state api encode failed", zap.Error(err))
	}
}

// HTTPServer builds the standard server around the registered routes so the
// caller owns startup and Shutdown.
func (s *Server) HTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// ListenAndServe starts the HTTP server on the specified address.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info("state api listening", zap.String("addr", addr))
	return s.HTTPServer(addr).ListenAndServe()
}
