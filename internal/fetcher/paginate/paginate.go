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

// Package paginate walks paginated listings. Auto mode inspects the base
// page for pagination links and picks a numeric template; when none exists
// it falls back to a letter index walk. Every fetch flows through the
// engine, so rate limits, breakers, and retries all apply.
package paginate

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"fetchkit/internal/fetcher/core"
	"fetchkit/internal/fetcher/engine"
	"fetchkit/internal/fetcher/errkind"
	"fetchkit/internal/fetcher/telemetry"
)

// Mode selects the discovery strategy.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeNumeric Mode = "numeric"
	ModeLetter  Mode = "letter"
	// ModeMixed marks results where a letter walk found numeric pages
	// inside letters.
	ModeMixed Mode = "mixed"
)

const (
	DefaultMaxPages         = 50
	Default404Threshold     = 5
	DefaultPerLetterCap     = 10
	DefaultLetter404Streak  = 3
	DefaultAlphabet         = "abcdefghijklmnopqrstuvwxyz0123456789"
	DefaultLetterSentinel   = "all"
	DefaultAttemptPause     = 200 * time.Millisecond
	DefaultLetterPause      = 500 * time.Millisecond
	defaultPageQueryKey     = "page"
	defaultDiscoveryTimeout = 15 * time.Second
)

// Page is one visited page in discovery order.
type Page struct {
	URL     string
	Page    int
	Letter  string
	Status  int
	Elapsed time.Duration
}

// PageError records a failed page fetch without stopping the walk.
type PageError struct {
	URL     string
	Status  int
	Kind    errkind.Kind
	Message string
}

// Result reports one discovery run.
type Result struct {
	BaseURL      string
	Mode         Mode
	Pages        []Page
	Errors       []PageError
	TotalElapsed time.Duration
}

// EventSink receives one event per completed run. *joblog.Logger satisfies
// it.
type EventSink interface {
	Pagination(correlationID, host, baseURL, mode string, pages int, elapsed time.Duration)
}

// Config tunes a Discoverer. Zero values take the defaults above.
type Config struct {
	Mode            Mode
	MaxPages        int
	Consecutive404  int
	PerLetterCap    int
	Letter404Streak int
	Alphabet        string
	LetterSentinel  string
	AttemptPause    time.Duration
	LetterPause     time.Duration
	Timeout         time.Duration
	Logger          *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeAuto
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.Consecutive404 <= 0 {
		c.Consecutive404 = Default404Threshold
	}
	if c.PerLetterCap <= 0 {
		c.PerLetterCap = DefaultPerLetterCap
	}
	if c.Letter404Streak <= 0 {
		c.Letter404Streak = DefaultLetter404Streak
	}
	if c.Alphabet == "" {
		c.Alphabet = DefaultAlphabet
	}
	if c.LetterSentinel == "" {
		c.LetterSentinel = DefaultLetterSentinel
	}
	if c.AttemptPause <= 0 {
		c.AttemptPause = DefaultAttemptPause
	}
	if c.LetterPause <= 0 {
		c.LetterPause = DefaultLetterPause
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultDiscoveryTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Discoverer walks paginated listings through the fetch engine. Safe for
// concurrent use.
type Discoverer struct {
	eng    *engine.Engine
	cfg    Config
	log    *zap.Logger
	events EventSink
}

// New builds a Discoverer over the engine.
func New(eng *engine.Engine, cfg Config) *Discoverer {
	cfg.applyDefaults()
	return &Discoverer{eng: eng, cfg: cfg, log: cfg.Logger}
}

// WithJob returns a copy bound to a job's engine and event sink.
func (d *Discoverer) WithJob(eng *engine.Engine, sink EventSink) *Discoverer {
	clone := *d
	if eng != nil {
		clone.eng = eng
	}
	clone.events = sink
	return &clone
}

// Discover walks the pagination space of baseURL according to the
// configured mode.
func (d *Discoverer) Discover(ctx context.Context, baseURL, correlationID string) Result {
	start := time.Now()
	res := Result{BaseURL: baseURL, Mode: d.cfg.Mode}

	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		res.Errors = append(res.Errors, PageError{URL: baseURL, Kind: errkind.Validation, Message: "unparseable base url"})
		res.TotalElapsed = time.Since(start)
		return res
	}

	switch d.cfg.Mode {
	case ModeNumeric:
		d.numericFromBase(ctx, base, correlationID, &res)
	case ModeLetter:
		d.letterWalk(ctx, base, correlationID, &res)
	default:
		d.auto(ctx, base, correlationID, &res)
	}

	res.TotalElapsed = time.Since(start)
	telemetry.ObservePaginationPages(len(res.Pages))
	if d.events != nil {
		d.events.Pagination(correlationID, core.HostKey(base), baseURL, string(res.Mode), len(res.Pages), res.TotalElapsed)
	}
	return res
}

// auto fetches the base page, looks for a numeric template in its links,
// and picks the walk accordingly.
func (d *Discoverer) auto(ctx context.Context, base *url.URL, correlationID string, res *Result) {
	out := d.fetch(ctx, base.String(), correlationID)
	if !out.OK() {
		res.Errors = append(res.Errors, pageError(base.String(), out))
		return
	}

	final := base
	if u, err := url.Parse(out.FinalURL); err == nil && u.Host != "" {
		final = u
	}
	if tmpl, ok := findTemplate(out.Body, final); ok {
		res.Mode = ModeNumeric
		res.Pages = append(res.Pages, Page{URL: base.String(), Page: 1, Status: out.Status, Elapsed: out.Elapsed})
		d.numericWalk(ctx, tmpl, "", 2, d.cfg.MaxPages, d.cfg.Consecutive404, correlationID, res)
		return
	}

	// The base fetch was inspection only; letter results carry (letter, page)
	// entries exclusively.
	res.Mode = ModeLetter
	d.letterPages(ctx, base, correlationID, res)
}

// numericFromBase runs an explicit numeric walk, inferring the template from
// the base URL itself and counting the base as page 1.
func (d *Discoverer) numericFromBase(ctx context.Context, base *url.URL, correlationID string, res *Result) {
	out := d.fetch(ctx, base.String(), correlationID)
	if out.OK() {
		res.Pages = append(res.Pages, Page{URL: base.String(), Page: 1, Status: out.Status, Elapsed: out.Elapsed})
	} else {
		res.Errors = append(res.Errors, pageError(base.String(), out))
	}
	tmpl, ok := inferTemplate(base)
	if !ok {
		tmpl = queryTemplate(base, defaultPageQueryKey)
	}
	d.numericWalk(ctx, tmpl, "", 2, d.cfg.MaxPages, d.cfg.Consecutive404, correlationID, res)
}

// letterWalk runs an explicit letter walk.
func (d *Discoverer) letterWalk(ctx context.Context, base *url.URL, correlationID string, res *Result) {
	d.letterPages(ctx, base, correlationID, res)
}

// letterPages visits each letter of the alphabet in order, walking numeric
// pages inside each letter. Mode is upgraded to mixed when any letter
// paginates past its first page.
func (d *Discoverer) letterPages(ctx context.Context, base *url.URL, correlationID string, res *Result) {
	mixed := false
	for i, letter := range strings.Split(d.cfg.Alphabet, "") {
		if i > 0 {
			if err := sleepCtx(ctx, d.cfg.LetterPause); err != nil {
				return
			}
		}
		letterBase := substituteLetter(base, d.cfg.LetterSentinel, letter)

		out := d.fetch(ctx, letterBase.String(), correlationID)
		if out.Status == 404 {
			continue
		}
		if !out.OK() {
			res.Errors = append(res.Errors, pageError(letterBase.String(), out))
			continue
		}
		res.Pages = append(res.Pages, Page{URL: letterBase.String(), Page: 1, Letter: letter, Status: out.Status, Elapsed: out.Elapsed})

		tmpl, ok := inferTemplate(letterBase)
		if !ok {
			tmpl = queryTemplate(letterBase, defaultPageQueryKey)
		}
		before := len(res.Pages)
		d.numericWalk(ctx, tmpl, letter, 2, d.cfg.PerLetterCap, d.cfg.Letter404Streak, correlationID, res)
		if len(res.Pages) > before {
			mixed = true
		}
		if ctx.Err() != nil {
			return
		}
	}
	if mixed {
		res.Mode = ModeMixed
	}
}

// numericWalk fetches pages from first..limit, stopping on a 404 streak.
// Successes reset the streak; other errors are recorded without resetting
// it.
func (d *Discoverer) numericWalk(ctx context.Context, tmpl template, letter string, first, limit, streakCap int, correlationID string, res *Result) {
	streak := 0
	for page := first; page <= limit; page++ {
		if err := sleepCtx(ctx, d.cfg.AttemptPause); err != nil {
			return
		}
		pageURL := tmpl.render(page)
		out := d.fetch(ctx, pageURL, correlationID)
		switch {
		case out.OK():
			streak = 0
			res.Pages = append(res.Pages, Page{URL: pageURL, Page: page, Letter: letter, Status: out.Status, Elapsed: out.Elapsed})
		case out.Status == 404:
			streak++
			if streak >= streakCap {
				d.log.Debug("stopping walk on 404 streak",
					zap.String("url", pageURL),
					zap.Int("streak", streak))
				return
			}
		default:
			// Counted errors leave the 404 streak untouched.
			res.Errors = append(res.Errors, pageError(pageURL, out))
			if out.Type == engine.OutcomeCircuitOpen {
				return
			}
		}
	}
}

func (d *Discoverer) fetch(ctx context.Context, rawURL, correlationID string) engine.Outcome {
	return d.eng.Do(ctx, engine.Request{
		URL:           rawURL,
		Timeout:       d.cfg.Timeout,
		CorrelationID: correlationID,
	})
}

func pageError(rawURL string, out engine.Outcome) PageError {
	return PageError{URL: rawURL, Status: out.Status, Kind: out.Kind, Message: out.Message()}
}

// substituteLetter replaces the sentinel path segment with the letter, or
// appends the letter as a segment when the sentinel is absent.
func substituteLetter(base *url.URL, sentinel, letter string) *url.URL {
	u := *base
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	replaced := false
	for i, seg := range segs {
		if seg == sentinel {
			segs[i] = letter
			replaced = true
		}
	}
	if !replaced {
		if len(segs) == 1 && segs[0] == "" {
			segs[0] = letter
		} else {
			segs = append(segs, letter)
		}
	}
	u.Path = "/" + strings.Join(segs, "/")
	return &u
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// findTemplate scans the document's pagination links in priority order and
// returns the first numeric template found.
func findTemplate(body []byte, base *url.URL) (template, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return template{}, false
	}
	selectors := []string{
		`a[rel="next"]`,
		`link[rel="next"]`,
		`a[aria-label*="Next"]`,
		`a[aria-label*="next"]`,
		`a[href*="page"]`,
	}
	for _, sel := range selectors {
		var tmpl template
		found := false
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href, ok := s.Attr("href")
			if !ok || href == "" {
				return true
			}
			ref, err := base.Parse(href)
			if err != nil {
				return true
			}
			if t, ok := inferTemplate(ref); ok {
				tmpl = t
				found = true
				return false
			}
			return true
		})
		if found {
			return tmpl, true
		}
		// A next link without a page number still means the site paginates;
		// fall back to the conventional page query on the base URL.
		if sel != `a[href*="page"]` && doc.Find(sel).Length() > 0 {
			return queryTemplate(base, defaultPageQueryKey), true
		}
	}
	return template{}, false
}
