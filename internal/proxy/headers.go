package proxy

import (
	"net/http"
	"strings"

	"github.com/relaycache/relaycache/internal/cache"
)

// hopHeaders are stripped in both directions per RFC 2616 §13.5.1: they
// describe this one connection, not the cached resource.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// singleJoiningSlash joins a and b with exactly one slash between them,
// mirroring httputil.NewSingleHostReverseProxy's path-joining rule.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// toCacheHeaders copies an http.Header into a *cache.HeaderMap,
// dropping hop-by-hop headers.
func toCacheHeaders(h http.Header) *cache.HeaderMap {
	out := cache.NewHeaderMap()
	for k, vs := range h {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			out.Set(k, v)
		}
	}
	return out
}

// writeCacheHeaders copies a *cache.HeaderMap into an http.ResponseWriter's
// header set, dropping hop-by-hop headers.
func writeCacheHeaders(dst http.Header, src *cache.HeaderMap) {
	if src == nil {
		return
	}
	src.Range(func(display, value string) {
		if isHopHeader(display) {
			return
		}
		dst.Set(display, value)
	})
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
