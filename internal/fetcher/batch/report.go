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

package batch

import (
	"sort"

	"fetchkit/internal/fetcher/errkind"
)

// patternExamples caps the example URLs kept per (kind, status) pattern.
const patternExamples = 5

// ItemError is one failed item as carried into the error report.
type ItemError struct {
	OriginalIndex int          `json:"originalIndex"`
	URL           string       `json:"url"`
	Kind          errkind.Kind `json:"kind"`
	Status        int          `json:"status,omitempty"`
	Message       string       `json:"message,omitempty"`
}

// Pattern is a (kind, status) bucket counted across the batch.
type Pattern struct {
	Kind     errkind.Kind `json:"kind"`
	Status   int          `json:"status,omitempty"`
	Count    int          `json:"count"`
	Examples []string     `json:"examples,omitempty"`
}

// Recommendation is an operator hint derived from pattern thresholds.
type Recommendation struct {
	Severity errkind.Severity `json:"severity"`
	Message  string           `json:"message"`
}

// ErrorReport summarizes a batch's failures for embedding in downstream
// UIs. Errors and Patterns are truncated to the configured caps; Truncated
// flags when either list was cut.
type ErrorReport struct {
	Total           int                  `json:"total"`
	ByKind          map[errkind.Kind]int `json:"byKind,omitempty"`
	Patterns        []Pattern            `json:"patterns,omitempty"`
	Recommendations []Recommendation     `json:"recommendations,omitempty"`
	Errors          []ItemError          `json:"errors,omitempty"`
	Truncated       bool                 `json:"truncated,omitempty"`
}

// buildReport groups errors by kind and by (kind, status) pattern, sorts
// patterns by count, and derives recommendations. errs must already be in
// original-index order.
func buildReport(errs []ItemError, maxErrors, maxPatterns int) ErrorReport {
	rep := ErrorReport{Total: len(errs)}
	if len(errs) == 0 {
		return rep
	}

	rep.ByKind = make(map[errkind.Kind]int)
	type patKey struct {
		kind   errkind.Kind
		status int
	}
	pats := make(map[patKey]*Pattern)
	for _, e := range errs {
		rep.ByKind[e.Kind]++
		k := patKey{e.Kind, e.Status}
		p := pats[k]
		if p == nil {
			p = &Pattern{Kind: e.Kind, Status: e.Status}
			pats[k] = p
		}
		p.Count++
		if len(p.Examples) < patternExamples {
			p.Examples = append(p.Examples, e.URL)
		}
	}

	patterns := make([]Pattern, 0, len(pats))
	for _, p := range pats {
		patterns = append(patterns, *p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		if patterns[i].Kind != patterns[j].Kind {
			return patterns[i].Kind < patterns[j].Kind
		}
		return patterns[i].Status < patterns[j].Status
	})

	rep.Recommendations = recommend(rep.ByKind)

	if len(patterns) > maxPatterns {
		patterns = patterns[:maxPatterns]
		rep.Truncated = true
	}
	rep.Patterns = patterns
	if len(errs) > maxErrors {
		errs = errs[:maxErrors]
		rep.Truncated = true
	}
	rep.Errors = errs
	return rep
}

// recommend maps kind counts to operator hints. Thresholds are deliberately
// low: one rate-limit or circuit rejection already changes how the next run
// should be tuned.
func recommend(byKind map[errkind.Kind]int) []Recommendation {
	var recs []Recommendation
	if byKind[errkind.Timeout] >= 3 {
		recs = append(recs, Recommendation{
			Severity: errkind.SeverityError,
			Message:  "many timeouts: raise the per-item timeout or lower concurrency",
		})
	}
	if byKind[errkind.RateLimited] > 0 {
		recs = append(recs, Recommendation{
			Severity: errkind.SeverityWarn,
			Message:  "429s observed: increase the delay between requests",
		})
	}
	if byKind[errkind.CircuitOpen] > 0 {
		recs = append(recs, Recommendation{
			Severity: errkind.SeverityWarn,
			Message:  "a host circuit opened: wait for recovery, then retry the queued items",
		})
	}
	if byKind[errkind.DNS] > 0 {
		recs = append(recs, Recommendation{
			Severity: errkind.SeverityInfo,
			Message:  "dns failures: check the affected urls for typos or dead hosts",
		})
	}
	if byKind[errkind.SSL] > 0 {
		recs = append(recs, Recommendation{
			Severity: errkind.SeverityInfo,
			Message:  "tls failures: the affected hosts may need certificate fixes",
		})
	}
	return recs
}
