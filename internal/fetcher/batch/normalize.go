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
	"errors"
	"net/url"
	"strings"
)

// trackingParams are dropped during normalization. utm_* is matched by
// prefix; these are exact.
var trackingParams = map[string]struct{}{
	"gclid":   {},
	"fbclid":  {},
	"msclkid": {},
	"dclid":   {},
	"ref":     {},
	"source":  {},
	"_ga":     {},
	"_gid":    {},
	"_utm":    {},
}

// Normalize canonicalizes an input URL for dedupe: scheme and host
// lowercased, fragment stripped, tracking query parameters removed.
// Normalizing an already normalized URL returns it unchanged. The error
// text is the validation reason surfaced to the batch report.
func Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("malformed")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", errors.New("malformed")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", errors.New("unsupported scheme")
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if strings.HasPrefix(key, "utm_") {
				q.Del(key)
				continue
			}
			if _, drop := trackingParams[key]; drop {
				q.Del(key)
			}
		}
		// Encode sorts keys, which makes normalization idempotent.
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
