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

package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"fetchkit/internal/fetcher/batch"
)

// ANSI fragments for the live progress line. Colors are best-effort: when
// the terminal says no (NO_COLOR set, TERM empty or dumb) we render plain
// text instead.
const (
	ansiReset = "\x1b[0m"
	ansiGreen = "\x1b[32m"
	ansiRed   = "\x1b[31m"
	ansiCyan  = "\x1b[36m"
)

// consoleProgress renders batch progress as a single line that overwrites
// itself with a carriage return. It satisfies batch.ProgressSink.
type consoleProgress struct {
	mu      sync.Mutex
	w       io.Writer
	color   bool
	prevLen int
	state   batch.State
	last    batch.Progress
	drawn   bool
}

func newConsoleProgress(w io.Writer) *consoleProgress {
	return &consoleProgress{w: w, color: colorEnabled(), state: batch.StateIdle}
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	term := os.Getenv("TERM")
	if term == "" || term == "dumb" {
		return false
	}
	return true
}

// StateChange updates the label at the end of the line. Pauses redraw
// immediately so the operator sees them without waiting for the next item;
// terminal states drop a newline so the shell prompt does not land on top
// of the last render.
func (c *consoleProgress) StateChange(jobID string, from, to batch.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = to
	switch to {
	case batch.StateCompleted, batch.StateStopped, batch.StateError:
		if c.drawn {
			fmt.Fprintln(c.w)
			c.drawn = false
			c.prevLen = 0
		}
	default:
		if c.drawn {
			c.redraw()
		}
	}
}

// Progress redraws the line in place, padding with spaces so a shrinking
// line leaves no tail from the previous render.
func (c *consoleProgress) Progress(jobID string, p batch.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = p
	c.redraw()
}

func (c *consoleProgress) redraw() {
	line := c.format(c.last)
	pad := 0
	if n := printableLen(line); n < c.prevLen {
		pad = c.prevLen - n
	}
	fmt.Fprintf(c.w, "\r%s%s", line, strings.Repeat(" ", pad))
	c.prevLen = printableLen(line)
	c.drawn = true
}

func (c *consoleProgress) format(p batch.Progress) string {
	ok := fmt.Sprintf("%d ok", p.Succeeded)
	bad := fmt.Sprintf("%d failed", p.Failed)
	if c.color {
		ok = ansiGreen + ok + ansiReset
		if p.Failed > 0 {
			bad = ansiRed + bad + ansiReset
		}
	}
	line := fmt.Sprintf("fetched %d/%d (%s, %s)", p.Done, p.Total, ok, bad)
	if p.Chunks > 1 {
		line += fmt.Sprintf(" chunk %d/%d", p.Chunk, p.Chunks)
	}
	state := string(c.state)
	if c.color {
		state = ansiCyan + state + ansiReset
	}
	return line + " [" + state + "]"
}

// printableLen measures the visible width of a line by skipping ANSI escape
// sequences.
func printableLen(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b {
			for i < len(s) && s[i] != 'm' {
				i++
			}
			continue
		}
		n++
	}
	return n
}
