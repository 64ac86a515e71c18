package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CalculateTTL derives the storage TTL and absolute expiry for a
// cacheable response, per §4.3's precedence:
//
//  1. Cache-Control: s-maxage=N
//  2. Cache-Control: max-age=N
//  3. Expires: <HTTP-date>  (ttl = parse(Expires) - now)
//  4. otherwise ttl = 0 (not stored)
//
// grace (the "serve_when_stale" extension) is added to the TTL handed
// to the store so an entry can be served WARM after it goes stale, but
// never to the absolute expiry — per §4.3 and §9's open question, the
// expiry index always reflects now+ttl. Negative results clamp to 0.
// A malformed Expires value degrades silently to ttl=0 (§7 kind 5).
func CalculateTTL(res *Response, now time.Time, grace time.Duration) (ttl time.Duration, storeTTL time.Duration, expiresAt time.Time) {
	directives := parseCacheControlDirectives(res.Headers.Get("Cache-Control"))

	if raw, ok := directives["s-maxage"]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			ttl = time.Duration(n) * time.Second
		}
	} else if raw, ok := directives["max-age"]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			ttl = time.Duration(n) * time.Second
		}
	} else if expires := res.Headers.Get("Expires"); expires != "" {
		if at, err := http.ParseTime(expires); err == nil {
			ttl = at.Sub(now)
		}
	}

	if ttl < 0 {
		ttl = 0
	}
	expiresAt = now.Add(ttl)

	storeTTL = ttl + grace
	if storeTTL < 0 {
		storeTTL = 0
	}
	return ttl, storeTTL, expiresAt
}

// parseCacheControlDirectives splits a Cache-Control header into a
// directive map, lower-casing keys and unquoting bare values. Unlike
// the Oracle's literal whole-value match, TTL precedence genuinely
// needs directive-list parsing to pull s-maxage/max-age out of a
// multi-directive value such as "max-age=600, s-maxage=1200".
func parseCacheControlDirectives(value string) map[string]string {
	directives := make(map[string]string)
	if value == "" {
		return directives
	}
	for _, segment := range strings.Split(value, ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		parts := strings.SplitN(segment, "=", 2)
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		if len(parts) == 2 {
			directives[key] = strings.Trim(strings.TrimSpace(parts[1]), `"`)
		} else {
			directives[key] = ""
		}
	}
	return directives
}
