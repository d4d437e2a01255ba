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

package canon

import (
	"net/url"
	"strings"
)

// Variants returns the recovery candidates for raw in probe order, the
// original URL generated last. Duplicates are removed preserving first
// occurrence, so an already-canonical input collapses to a single entry.
// Query and fragment are carried through every variant.
func Variants(raw string) []string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return []string{raw}
	}

	candidates := []string{
		apply(u, forceHTTPS),
		apply(u, forceHTTPS, addWWW),
		apply(u, forceHTTPS, trailingSlash),
		apply(u, forceHTTPS, addWWW, trailingSlash),
		apply(u, dropWWW),
		apply(u, forceHTTPS, dropWWW),
		raw,
	}

	seen := make(map[string]struct{}, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func apply(u *url.URL, mods ...func(*url.URL)) string {
	c := *u
	for _, mod := range mods {
		mod(&c)
	}
	return c.String()
}

func forceHTTPS(u *url.URL) { u.Scheme = "https" }

func addWWW(u *url.URL) {
	if !strings.HasPrefix(u.Host, "www.") {
		u.Host = "www." + u.Host
	}
}

func dropWWW(u *url.URL) { u.Host = strings.TrimPrefix(u.Host, "www.") }

func trailingSlash(u *url.URL) {
	if u.Path == "" {
		u.Path = "/"
		return
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
}
