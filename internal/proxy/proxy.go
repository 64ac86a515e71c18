// Package proxy is the thin HTTP-facing adapter around internal/cache's
// state engine: it translates an *http.Request into a cache.Request,
// drives cache.Engine.Handle, and writes the resulting cache.Response
// back to the client. Load balancing, the admission queue, health
// checks and request-ID/Loki logging are ambient infrastructure kept
// from the original proxy and wired around the engine rather than
// inside it.
package proxy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/relaycache/relaycache/internal/cache"
	applog "github.com/relaycache/relaycache/internal/log"
	imetrics "github.com/relaycache/relaycache/internal/metrics"
)

// ReverseProxy is the engine-backed HTTP adapter. A single instance is
// shared by all requests; store is a long-lived handle passed into
// every Engine.Handle call (go-redis's client already pools physical
// connections, so there is no separate per-request acquisition step).
type ReverseProxy struct {
	engine *cache.Engine
	store  cache.Store

	targets             []*url.URL
	balancer            Balancer
	lbStrategy          string
	healthChecksEnabled bool

	allowedMethods map[string]struct{}
	handler        http.Handler
}

// NewReverseProxy builds a ReverseProxy fronting targets (one or more
// backend replicas behind the same logical proxy_location) through
// engine, using store for every request's cache lookups/writes. It
// installs the balancer-backed Upstream on engine.Fetcher, so
// ProxyLocation is expected to be empty: the balancer resolves the
// physical host per request, and URIRelative supplies the path+query.
func NewReverseProxy(targets []*url.URL, engine *cache.Engine, store cache.Store) *ReverseProxy {
	rp := &ReverseProxy{
		engine:              engine,
		store:               store,
		targets:             append([]*url.URL{}, targets...),
		lbStrategy:          "round_robin",
		healthChecksEnabled: true,
	}
	rp.balancer = newBalancer(rp.lbStrategy, rp.targets, rp.healthChecksEnabled)
	rp.engine.Fetcher.Upstream = newHTTPUpstream(rp.balancer)
	rp.handler = http.HandlerFunc(rp.serveCache)
	return rp
}

// WithQueue wraps the serving path with a bounded admission queue and
// concurrency limiter. Returns rp for chaining.
func (rp *ReverseProxy) WithQueue(cfg QueueConfig) *ReverseProxy {
	rp.handler = WithQueue(http.HandlerFunc(rp.serveCache), cfg)
	return rp
}

// SetAllowedMethods restricts the methods ServeHTTP will forward; any
// other method is rejected with 405. A nil/empty list allows everything.
func (rp *ReverseProxy) SetAllowedMethods(methods []string) {
	if len(methods) == 0 {
		rp.allowedMethods = nil
		return
	}
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}
	rp.allowedMethods = set
}

func (rp *ReverseProxy) methodAllowed(method string) bool {
	if rp.allowedMethods == nil {
		return true
	}
	_, ok := rp.allowedMethods[strings.ToUpper(method)]
	return ok
}

// ServeHTTP rejects non-standard HTTP verbs outright, enforces the
// configured allowed-method list, and delegates to the (possibly
// queue-wrapped) cache-serving handler.
func (rp *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !cache.StandardMethod(r.Method) {
		http.Error(w, "unsupported method", http.StatusBadRequest)
		return
	}
	if !rp.methodAllowed(r.Method) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rp.handler.ServeHTTP(w, r)
}

// serveCache is the request's actual path through the engine.
func (rp *ReverseProxy) serveCache(w http.ResponseWriter, r *http.Request) {
	req := toCacheRequest(r)
	key := buildCacheKey(req)

	res, err := rp.engine.Handle(r.Context(), rp.store, key, req)
	if err != nil {
		var fault *cache.Fault
		if errors.As(err, &fault) {
			switch fault.Kind {
			case cache.FaultStore:
				applog.LogStoreFault(key, fault.Err)
			case cache.FaultHandler:
				applog.LogHandlerFault(string(fault.Event), fault.Err)
				imetrics.IncEventHandlerError(string(fault.Event))
			}
		}
		applog.LogProxyError(http.StatusInternalServerError, "NONE", "unknown", r, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeCacheResponse(w, res)
	if res.State >= cache.SUBZERO {
		imetrics.ObserveCacheState(res.State.String(), req.Method)
	}
	if ttl, ok := res.TTL(); ok && res.State == cache.SUBZERO && ttl > 0 {
		imetrics.ObserveCacheTTL(ttl)
	}
}

// toCacheRequest builds a cache.Request from the inbound HTTP request,
// reading and restoring the body so downstream handlers still see it.
func toCacheRequest(r *http.Request) *cache.Request {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	uriRelative := r.URL.RequestURI()
	uriFull := scheme + "://" + r.Host + uriRelative

	return &cache.Request{
		Method:      r.Method,
		URIFull:     uriFull,
		URIRelative: uriRelative,
		Host:        r.Host,
		Headers:     toCacheHeaders(r.Header),
		Body:        body,
		RemoteAddr:  r.RemoteAddr,
	}
}

// writeCacheResponse copies a cache.Response onto the client
// connection. Content-Length is recomputed from the actual body so a
// served-from-cache body whose length differs from whatever the
// origin originally reported never desyncs the wire framing.
func writeCacheResponse(w http.ResponseWriter, res *cache.Response) {
	writeCacheHeaders(w.Header(), res.Headers)
	w.Header().Del("Content-Length")
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(res.Body) > 0 {
		_, _ = w.Write(res.Body)
	}
}

// buildCacheKey derives the store key from the request's method and
// full URI. GET is the only cacheable method (§4.2), so the method is
// folded in mainly to keep the key space self-describing.
func buildCacheKey(req *cache.Request) string {
	sum := sha256.Sum256([]byte(req.Method + " " + req.URIFull))
	return "ledge:entity:" + hex.EncodeToString(sum[:])
}

// ConfigureBalancer switches balancing strategy at runtime, rebuilding
// the Upstream the Fetcher calls into so the new balancer takes effect
// on the next request.
func (rp *ReverseProxy) ConfigureBalancer(strategy string) {
	rp.lbStrategy = strategy
	rp.balancer = newBalancer(rp.lbStrategy, rp.targets, rp.healthChecksEnabled)
	rp.engine.Fetcher.Upstream = newHTTPUpstream(rp.balancer)
}

// SetHealthCheckEnabled toggles active health checks in the load
// balancer at runtime.
func (rp *ReverseProxy) SetHealthCheckEnabled(enabled bool) {
	rp.healthChecksEnabled = enabled
	rp.balancer = newBalancer(rp.lbStrategy, rp.targets, rp.healthChecksEnabled)
	rp.engine.Fetcher.Upstream = newHTTPUpstream(rp.balancer)
}
