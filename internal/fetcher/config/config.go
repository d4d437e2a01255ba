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

// Package config loads fetcher settings from the environment plus an
// optional YAML host-limits file. Durations travel as integer milliseconds
// in the environment, matching the variable names.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fetchkit"
)

// Environment variable names recognized by FromEnv.
const (
	EnvMaxConcurrency          = "MAX_CONCURRENCY"
	EnvRateLimitPerSec         = "RATE_LIMIT_PER_SEC"
	EnvMaxRetries              = "MAX_RETRIES"
	EnvBaseBackoffMS           = "BASE_BACKOFF_MS"
	EnvMaxBackoffMS            = "MAX_BACKOFF_MS"
	EnvJitterFactor            = "JITTER_FACTOR"
	EnvConnectTimeoutMS        = "CONNECT_TIMEOUT_MS"
	EnvReadTimeoutMS           = "READ_TIMEOUT_MS"
	EnvBreakerThreshold        = "CIRCUIT_BREAKER_THRESHOLD"
	EnvBreakerResetMS          = "CIRCUIT_BREAKER_RESET_MS"
	EnvBreakerHalfOpenMaxCalls = "CIRCUIT_BREAKER_HALF_OPEN_MAX_CALLS"
	EnvHostLimits              = "HOST_LIMITS"
	EnvInterRequestDelayMS     = "INTER_REQUEST_DELAY_MS"
)

// Config collects the fetch-policy, breaker and batch settings. Zero values
// are not meaningful; start from Default or FromEnv.
type Config struct {
	// MaxConcurrency bounds the batch worker pool.
	MaxConcurrency int
	// GlobalRPS adds a process-wide limiter tier. 0 disables it.
	GlobalRPS float64

	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	BreakerThreshold        int
	BreakerReset            time.Duration
	BreakerHalfOpenMaxCalls int

	// InterRequestDelay spaces items within one worker.
	InterRequestDelay time.Duration

	// HostLimitsPath points at the YAML profile-override file; empty means
	// every host runs the default profile. HostLimits carries the loaded
	// overrides.
	HostLimitsPath string
	HostLimits     map[string]fetchkit.Profile

	Batch BatchOptions
}

// BatchOptions are the per-batch tunables.
type BatchOptions struct {
	Concurrency               int
	Delay                     time.Duration
	Timeout                   time.Duration
	ChunkSize                 int
	MaxURLsPerBatch           int
	ErrorReportSize           int
	CircuitMonitoringInterval time.Duration
	AutoPauseOnCircuitOpen    bool
	EnableMemoryOptimization  bool
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		MaxConcurrency:          5,
		GlobalRPS:               0,
		MaxRetries:              3,
		BaseBackoff:             500 * time.Millisecond,
		MaxBackoff:              30 * time.Second,
		JitterFactor:            0.3,
		ConnectTimeout:          10 * time.Second,
		ReadTimeout:             30 * time.Second,
		BreakerThreshold:        5,
		BreakerReset:            30 * time.Second,
		BreakerHalfOpenMaxCalls: 1,
		InterRequestDelay:       250 * time.Millisecond,
		Batch: BatchOptions{
			Concurrency:               5,
			Delay:                     250 * time.Millisecond,
			Timeout:                   30 * time.Second,
			ChunkSize:                 100,
			MaxURLsPerBatch:           1500,
			ErrorReportSize:           20,
			CircuitMonitoringInterval: 5 * time.Second,
			AutoPauseOnCircuitOpen:    true,
			EnableMemoryOptimization:  true,
		},
	}
}

// FromEnv returns Default overridden by any recognized environment
// variables. A set HOST_LIMITS file is loaded eagerly so a bad path fails
// here rather than on the first fetch.
func FromEnv() (Config, error) {
	c := Default()
	p := &parser{}

	p.intVar(&c.MaxConcurrency, EnvMaxConcurrency)
	p.floatVar(&c.GlobalRPS, EnvRateLimitPerSec)
	p.intVar(&c.MaxRetries, EnvMaxRetries)
	p.msVar(&c.BaseBackoff, EnvBaseBackoffMS)
	p.msVar(&c.MaxBackoff, EnvMaxBackoffMS)
	p.floatVar(&c.JitterFactor, EnvJitterFactor)
	p.msVar(&c.ConnectTimeout, EnvConnectTimeoutMS)
	p.msVar(&c.ReadTimeout, EnvReadTimeoutMS)
	p.intVar(&c.BreakerThreshold, EnvBreakerThreshold)
	p.msVar(&c.BreakerReset, EnvBreakerResetMS)
	p.intVar(&c.BreakerHalfOpenMaxCalls, EnvBreakerHalfOpenMaxCalls)
	p.msVar(&c.InterRequestDelay, EnvInterRequestDelayMS)
	if p.err != nil {
		return c, p.err
	}
	c.Batch.Delay = c.InterRequestDelay
	c.Batch.Concurrency = c.MaxConcurrency

	if path := os.Getenv(EnvHostLimits); path != "" {
		c.HostLimitsPath = path
		limits, err := LoadHostLimits(path)
		if err != nil {
			return c, err
		}
		c.HostLimits = limits
	}
	return c, nil
}

// parser applies environment overrides, keeping the first parse error.
type parser struct {
	err error
}

func (p *parser) intVar(dst *int, name string) {
	v := os.Getenv(name)
	if v == "" || p.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %q is not an integer", name, v)
		return
	}
	*dst = n
}

func (p *parser) floatVar(dst *float64, name string) {
	v := os.Getenv(name)
	if v == "" || p.err != nil {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = fmt.Errorf("%s: %q is not a number", name, v)
		return
	}
	*dst = f
}

func (p *parser) msVar(dst *time.Duration, name string) {
	v := os.Getenv(name)
	if v == "" || p.err != nil {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("%s: %q is not integer milliseconds", name, v)
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}

// Validate reports the first out-of-range setting.
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrency < 1:
		return fmt.Errorf("%s must be >= 1, got %d", EnvMaxConcurrency, c.MaxConcurrency)
	case c.GlobalRPS < 0:
		return fmt.Errorf("%s must be >= 0, got %g", EnvRateLimitPerSec, c.GlobalRPS)
	case c.MaxRetries < 1:
		return fmt.Errorf("%s must be >= 1, got %d", EnvMaxRetries, c.MaxRetries)
	case c.BaseBackoff <= 0:
		return fmt.Errorf("%s must be positive", EnvBaseBackoffMS)
	case c.MaxBackoff < c.BaseBackoff:
		return fmt.Errorf("%s must be >= %s", EnvMaxBackoffMS, EnvBaseBackoffMS)
	case c.JitterFactor < 0 || c.JitterFactor > 1:
		return fmt.Errorf("%s must be within [0, 1], got %g", EnvJitterFactor, c.JitterFactor)
	case c.ConnectTimeout <= 0:
		return fmt.Errorf("%s must be positive", EnvConnectTimeoutMS)
	case c.ReadTimeout <= 0:
		return fmt.Errorf("%s must be positive", EnvReadTimeoutMS)
	case c.BreakerThreshold < 1:
		return fmt.Errorf("%s must be >= 1, got %d", EnvBreakerThreshold, c.BreakerThreshold)
	case c.BreakerReset <= 0:
		return fmt.Errorf("%s must be positive", EnvBreakerResetMS)
	case c.BreakerHalfOpenMaxCalls < 1:
		return fmt.Errorf("%s must be >= 1, got %d", EnvBreakerHalfOpenMaxCalls, c.BreakerHalfOpenMaxCalls)
	case c.InterRequestDelay < 0:
		return fmt.Errorf("%s must be >= 0", EnvInterRequestDelayMS)
	}
	b := c.Batch
	switch {
	case b.Concurrency < 1:
		return fmt.Errorf("batch concurrency must be >= 1, got %d", b.Concurrency)
	case b.Delay < 0:
		return fmt.Errorf("batch delay must be >= 0")
	case b.Timeout <= 0:
		return fmt.Errorf("batch timeout must be positive")
	case b.ChunkSize < 1:
		return fmt.Errorf("batch chunk size must be >= 1, got %d", b.ChunkSize)
	case b.MaxURLsPerBatch < 1:
		return fmt.Errorf("batch url cap must be >= 1, got %d", b.MaxURLsPerBatch)
	case b.ErrorReportSize < 1:
		return fmt.Errorf("batch error report size must be >= 1, got %d", b.ErrorReportSize)
	case b.CircuitMonitoringInterval <= 0:
		return fmt.Errorf("batch circuit monitoring interval must be positive")
	}
	return nil
}

// hostLimitsFile is the YAML shape:
//
//	hosts:
//	  api.example.com:
//	    rps: 1.5
//	    burst: 3
//	    maxRps: 3
//	    minRps: 0.2
//	    backoffMultiplier: 0.5
//	    recoveryMultiplier: 1.25
//	    recoveryThreshold: 10
//	    cooldownMs: 60000
//
// Omitted fields fall back to the per-field bucket defaults.
type hostLimitsFile struct {
	Hosts map[string]hostLimit `yaml:"hosts"`
}

type hostLimit struct {
	RPS                float64 `yaml:"rps"`
	Burst              int     `yaml:"burst"`
	MaxRPS             float64 `yaml:"maxRps"`
	MinRPS             float64 `yaml:"minRps"`
	BackoffMultiplier  float64 `yaml:"backoffMultiplier"`
	RecoveryMultiplier float64 `yaml:"recoveryMultiplier"`
	RecoveryThreshold  int     `yaml:"recoveryThreshold"`
	CooldownMS         int64   `yaml:"cooldownMs"`
}

// LoadHostLimits reads per-host profile overrides from a YAML file. Host
// keys are lowercased.
func LoadHostLimits(path string) (map[string]fetchkit.Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("host limits: %w", err)
	}
	var file hostLimitsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("host limits %s: %w", path, err)
	}
	if len(file.Hosts) == 0 {
		return nil, fmt.Errorf("host limits %s: no hosts entry", path)
	}
	limits := make(map[string]fetchkit.Profile, len(file.Hosts))
	for host, hl := range file.Hosts {
		key := strings.ToLower(strings.TrimSpace(host))
		if key == "" {
			continue
		}
		limits[key] = fetchkit.Profile{
			InitialRPS:         hl.RPS,
			MaxRPS:             hl.MaxRPS,
			MinRPS:             hl.MinRPS,
			Burst:              hl.Burst,
			BackoffMultiplier:  hl.BackoffMultiplier,
			RecoveryMultiplier: hl.RecoveryMultiplier,
			RecoveryThreshold:  hl.RecoveryThreshold,
			Cooldown:           time.Duration(hl.CooldownMS) * time.Millisecond,
		}
	}
	return limits, nil
}
