// Package cache implements the cache-state engine and response pipeline:
// the decision machinery that classifies a request's interaction with a
// shared cache, fetches or revalidates against an origin, computes
// storage TTLs from Cache-Control/Expires, and fires a small set of
// named lifecycle events plugins can hook into.
//
// The package only models the hard part. The HTTP listener, the
// upstream transport, the key/value store client, and configuration
// loading are external collaborators wired in by internal/proxy,
// internal/redisstore and internal/config.
package cache

import (
	"net/http"
	"time"
)

// CacheState classifies a request's interaction with the cache. The
// ordering is load-bearing: HOT and WARM count as a "HIT" for X-Cache,
// SUBZERO and COLD as a "MISS" (see Engine.setHeaders).
type CacheState int

const (
	// cacheStateNone is the zero value: the engine never classified
	// this response (FETCH-ONLY / origin-5xx passthrough paths).
	cacheStateNone CacheState = iota
	SUBZERO
	COLD
	WARM
	HOT
)

func (s CacheState) String() string {
	switch s {
	case SUBZERO:
		return "SUBZERO"
	case COLD:
		return "COLD"
	case WARM:
		return "WARM"
	case HOT:
		return "HOT"
	default:
		return "NONE"
	}
}

// Request is the inbound HTTP transaction the engine decides over.
type Request struct {
	Method      string
	URIFull     string // scheme+host+path+query; the expiry-index member
	URIRelative string // path+query, forwarded to the upstream
	Host        string
	Headers     *HeaderMap
	Body        []byte

	// RemoteAddr is the client's "ip:port", as seen on the listening
	// connection (http.Request.RemoteAddr). It is never part of the
	// cache key or the Oracle's decisions; internal/proxy's Upstream
	// uses it only to build the X-Forwarded-For chain.
	RemoteAddr string
}

// Response is the outbound HTTP transaction, either served from cache,
// from the origin, or passed through untouched. State is transient and
// is never persisted to the store.
type Response struct {
	Status  int
	Headers *HeaderMap
	Body    []byte
	State   CacheState

	// ttl is the storage TTL computed for this response by the TTL
	// Calculator. It is set whenever a cacheable response is produced
	// (cache hit or cacheable origin fetch) so response_ready handlers
	// can inspect it via TTL(), matching the X-TTL test hook in §6.
	ttl    time.Duration
	ttlSet bool
}

// TTL returns the computed storage TTL for this response. It returns
// (0, false) if no TTL has been computed (non-cacheable response, or a
// response that never reached the TTL Calculator).
func (r *Response) TTL() (time.Duration, bool) {
	return r.ttl, r.ttlSet
}

// SetTTL is used by the Fetcher and the Store adapter to record the
// computed or stored TTL on a Response.
func (r *Response) SetTTL(d time.Duration) {
	r.ttl = d
	r.ttlSet = true
}

// NewResponse returns a Response with an initialized, empty Header Map.
func NewResponse() *Response {
	return &Response{Headers: NewHeaderMap()}
}

// isGet reports whether the request uses the only cacheable method
// recognized by the covered Oracle subset.
func (r *Request) isGet() bool {
	return r.Method == http.MethodGet
}
