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
	"context"
	"net/http"
	"net/url"

	"fetchkit/internal/fetcher/canon"
	"fetchkit/internal/fetcher/engine"
	"fetchkit/internal/fetcher/errkind"
	"fetchkit/internal/fetcher/robots"
)

// FetchProcessor is the default batch processor: robots check, fetch
// through the retry scheduler, and canonicalization when the final answer
// is a 404. A 404 only surfaces as client_4xx after every canonical
// variant failed.
type FetchProcessor struct {
	eng    *engine.Engine
	canon  *canon.Canonicalizer
	robots *robots.Cache
	budget *engine.Budget
}

// NewFetchProcessor builds the default processor. canonicalizer and
// robotsCache may be nil to disable those steps.
func NewFetchProcessor(eng *engine.Engine, canonicalizer *canon.Canonicalizer, robotsCache *robots.Cache) *FetchProcessor {
	return &FetchProcessor{eng: eng, canon: canonicalizer, robots: robotsCache}
}

// WithBudget caps retries shared across every item this processor runs.
// Size it per batch, typically maxRetries times the item count; nil leaves
// retries bounded only per item.
func (p *FetchProcessor) WithBudget(b *engine.Budget) *FetchProcessor {
	p.budget = b
	return p
}

func (p *FetchProcessor) Process(ctx context.Context, it Item) (ProcessResult, error) {
	u, err := url.Parse(it.URL)
	if err != nil || u.Host == "" {
		return ProcessResult{}, errkind.New(errkind.Validation, "process", it.URL, "unparseable url")
	}
	if p.robots != nil && !p.robots.Allowed(ctx, u) {
		return ProcessResult{}, errkind.New(errkind.RobotsBlocked, "process", it.URL, "disallowed by robots.txt")
	}

	out := p.eng.DoWithBudget(ctx, engine.Request{URL: it.URL, CorrelationID: it.CorrelationID}, p.budget)
	if out.OK() {
		return ProcessResult{Status: out.Status, FinalURL: out.FinalURL}, nil
	}
	if out.Status == http.StatusNotFound && p.canon != nil {
		if res := p.canon.Resolve(ctx, it.URL, it.CorrelationID); res.Success {
			resolved := p.eng.DoWithBudget(ctx, engine.Request{URL: res.ResolvedURL, CorrelationID: it.CorrelationID}, p.budget)
			if resolved.OK() {
				return ProcessResult{
					Status:       resolved.Status,
					FinalURL:     resolved.FinalURL,
					CanonicalURL: res.ResolvedURL,
				}, nil
			}
			return ProcessResult{}, outcomeError(resolved)
		}
	}
	return ProcessResult{}, outcomeError(out)
}

// outcomeError converts a failed fetch outcome into the typed error the
// orchestrator classifies.
func outcomeError(out engine.Outcome) error {
	if out.Err != nil {
		return out.Err
	}
	return errkind.New(out.Kind, "fetch", out.FinalURL, out.Message()).WithStatus(out.Status)
}
