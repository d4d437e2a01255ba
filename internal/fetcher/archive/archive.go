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

// Package archive offloads completed batch chunks to an external sink so
// long runs can release result memory early. Writes are idempotent per
// (jobID, chunk): re-archiving an already archived chunk is a no-op, which
// lets the memory hook retry safely.
package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Archiver persists one chunk of batch results. Implementations must treat
// (jobID, chunk) as an idempotency key.
type Archiver interface {
	Archive(ctx context.Context, jobID string, chunk int, payload []byte) error
	Close() error
}

// Options holds the knobs for BuildArchiver.
type Options struct {
	// Path is the JSONL file for the "file" backend.
	Path string
	// RedisAddr is the address for the "redis" backend, e.g. "127.0.0.1:6379".
	RedisAddr string
	// RedisTTL bounds the lifetime of archived chunks and their idempotency
	// markers in Redis. Zero means the 24h default.
	RedisTTL time.Duration
}

// BuildArchiver constructs an Archiver from a string selector.
// Supported backends:
//   - "none": discard everything (default; archiving off)
//   - "file": buffered JSONL appender at opts.Path
//   - "redis": idempotent Redis adapter; requires opts.RedisAddr
//   - "mock": in-memory recorder for tests and demos
//
// "redis" without an address is an error rather than a silent no-op so real
// data never vanishes into an unconfigured backend.
func BuildArchiver(backend string, opts Options) (Archiver, error) {
	switch backend {
	case "", "none":
		return NopArchiver{}, nil
	case "file":
		if opts.Path == "" {
			return nil, errors.New("file archiver requires a path")
		}
		return NewFileArchiver(opts.Path)
	case "redis":
		if opts.RedisAddr == "" {
			return nil, errors.New("redis archiver requires an address")
		}
		return NewRedisArchiver(NewRedisClient(opts.RedisAddr), opts.RedisTTL), nil
	case "mock":
		return NewMockArchiver(), nil
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", backend)
	}
}

// NopArchiver discards all chunks.
type NopArchiver struct{}

func (NopArchiver) Archive(context.Context, string, int, []byte) error { return nil }
func (NopArchiver) Close() error                                       { return nil }

// MockArchiver records chunks in memory. Safe for concurrent use.
type MockArchiver struct {
	mu     sync.Mutex
	chunks map[string][]byte
}

func NewMockArchiver() *MockArchiver {
	return &MockArchiver{chunks: make(map[string][]byte)}
}

func (m *MockArchiver) Archive(ctx context.Context, jobID string, chunk int, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s:%d", jobID, chunk)
	if _, ok := m.chunks[key]; ok {
		return nil
	}
	m.chunks[key] = append([]byte(nil), payload...)
	return nil
}

func (m *MockArchiver) Close() error { return nil }

// Len reports the number of distinct chunks archived.
func (m *MockArchiver) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks)
}

// Payload returns the archived bytes for (jobID, chunk), if any.
func (m *MockArchiver) Payload(jobID string, chunk int) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.chunks[fmt.Sprintf("%s:%d", jobID, chunk)]
	return p, ok
}
