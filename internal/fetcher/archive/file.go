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

package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Record is one archived chunk as stored in the JSONL file.
type Record struct {
	JobID      string          `json:"jobId"`
	Chunk      int             `json:"chunk"`
	ArchivedAt time.Time       `json:"archivedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// FileArchiver is a buffered JSONL archiver. It is safe for concurrent use
// and optimized for append-only workloads. Idempotency markers are held in
// memory, so dedupe spans one process; replay readers dedupe across runs.
type FileArchiver struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
	seen map[string]struct{}

	lastFlush time.Time
}

// NewFileArchiver opens (or creates) the file at path in append mode with a
// buffered writer. Call Close() when done.
func NewFileArchiver(path string) (*FileArchiver, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	a := &FileArchiver{
		f:         f,
		w:         bufio.NewWriterSize(f, 1<<20 /*1MiB*/),
		path:      path,
		seen:      make(map[string]struct{}),
		lastFlush: time.Now(),
	}
	return a, nil
}

// Archive writes the chunk as one JSON line.
func (a *FileArchiver) Archive(ctx context.Context, jobID string, chunk int, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	key := fmt.Sprintf("%s:%d", jobID, chunk)
	if _, ok := a.seen[key]; ok {
		return nil
	}
	rec := Record{JobID: jobID, Chunk: chunk, ArchivedAt: time.Now().UTC(), Payload: payload}
	enc := json.NewEncoder(a.w)
	if err := enc.Encode(&rec); err != nil {
		// best effort: on error, try to flush and retry once
		_ = a.w.Flush()
		if err := enc.Encode(&rec); err != nil {
			return fmt.Errorf("archive write job=%s chunk=%d: %w", jobID, chunk, err)
		}
	}
	a.seen[key] = struct{}{}
	// Flush periodically to bound data loss on crash and for replay visibility.
	if time.Since(a.lastFlush) > 100*time.Millisecond {
		_ = a.w.Flush()
		a.lastFlush = time.Now()
	}
	return nil
}

// Flush forces buffered data to be written to disk.
func (a *FileArchiver) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastFlush = time.Now()
	return a.w.Flush()
}

// Close flushes and closes the underlying file.
func (a *FileArchiver) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.w.Flush()
	return a.f.Close()
}

// ReadArchiveFile reads an archive file back as records, keeping the first
// occurrence of each (jobId, chunk). Intended for replay and e2e checks.
func ReadArchiveFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Record
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1<<20)
	scanner.Buffer(buf, 1<<26)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		key := fmt.Sprintf("%s:%d", rec.JobID, rec.Chunk)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
