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

package paginate

import (
	"net/url"
	"strconv"
	"strings"
)

type templateStyle int

const (
	stylePath templateStyle = iota
	styleQuery
)

// template renders page URLs by substituting the page number into the slot
// observed on a real pagination link: a /page/N path segment or a numeric
// query parameter.
type template struct {
	style templateStyle
	base  url.URL
	// seg is the numeric path segment index for stylePath.
	seg int
	// key is the query parameter for styleQuery.
	key string
}

// pageQueryKeys are the parameter names recognized as page indicators, in
// match order.
var pageQueryKeys = []string{"page", "p", "pg"}

// inferTemplate recognizes a page-number slot in u.
func inferTemplate(u *url.URL) (template, bool) {
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 1; i < len(segs); i++ {
		if strings.EqualFold(segs[i-1], "page") && isDigits(segs[i]) {
			return template{style: stylePath, base: *u, seg: i}, true
		}
	}
	q := u.Query()
	for _, key := range pageQueryKeys {
		if isDigits(q.Get(key)) {
			return template{style: styleQuery, base: *u, key: key}, true
		}
	}
	return template{}, false
}

// queryTemplate builds the conventional ?page=N template over u, used when
// no slot could be observed.
func queryTemplate(u *url.URL, key string) template {
	return template{style: styleQuery, base: *u, key: key}
}

func (t template) render(page int) string {
	u := t.base
	switch t.style {
	case stylePath:
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		segs[t.seg] = strconv.Itoa(page)
		u.Path = "/" + strings.Join(segs, "/")
	case styleQuery:
		q := u.Query()
		q.Set(t.key, strconv.Itoa(page))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
