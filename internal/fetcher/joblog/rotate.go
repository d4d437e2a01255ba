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

package joblog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	sinkBufferSize = 1 << 20 // 1MiB
	flushEvery     = 100 * time.Millisecond
)

// rotatingSink is a buffered append-only writer that rotates its file when a
// byte cap is exceeded. It is safe for concurrent use and satisfies
// zapcore.WriteSyncer.
//
// Rotation renames the active file to "<path>.<n>" with n increasing, then
// reopens a fresh file at path, so the un-suffixed path always holds the
// newest events.
type rotatingSink struct {
	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	path     string
	maxBytes int64
	written  int64
	rotated  int

	lastFlush time.Time
}

// newRotatingSink opens (or creates) the file at path in append mode. A
// maxBytes of zero or less disables rotation.
func newRotatingSink(path string, maxBytes int64) (*rotatingSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rotatingSink{
		f:         f,
		w:         bufio.NewWriterSize(f, sinkBufferSize),
		path:      path,
		maxBytes:  maxBytes,
		written:   st.Size(),
		lastFlush: time.Now(),
	}, nil
}

// Write appends one encoded event line.
func (s *rotatingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxBytes > 0 && s.written > 0 && s.written+int64(len(p)) > s.maxBytes {
		if err := s.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := s.w.Write(p)
	s.written += int64(n)
	if err != nil {
		return n, err
	}
	// Flush periodically to bound data loss on crash and so tail -f keeps up.
	if time.Since(s.lastFlush) > flushEvery {
		if err := s.w.Flush(); err != nil {
			return n, err
		}
		s.lastFlush = time.Now()
	}
	return n, nil
}

// rotateLocked closes the active file, renames it aside, and reopens path.
func (s *rotatingSink) rotateLocked() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	s.rotated++
	if err := os.Rename(s.path, fmt.Sprintf("%s.%d", s.path, s.rotated)); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.f = f
	s.w = bufio.NewWriterSize(f, sinkBufferSize)
	s.written = 0
	s.lastFlush = time.Now()
	return nil
}

// Sync forces buffered data to disk.
func (s *rotatingSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = time.Now()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

// Close flushes and closes the underlying file.
func (s *rotatingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.f.Close()
}

// ReadEvents reads an NDJSON event file back as generic records. Lines that
// fail to parse are skipped. Intended for tests and offline replay.
func ReadEvents(path string) ([]map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []map[string]interface{}
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1<<20)
	scanner.Buffer(buf, 1<<26)
	for scanner.Scan() {
		var rec map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out, scanner.Err()
}
