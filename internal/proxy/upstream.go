package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relaycache/relaycache/internal/cache"
	imetrics "github.com/relaycache/relaycache/internal/metrics"
)

var errNoHealthyUpstream = errors.New("proxy: no healthy upstream targets")

// httpUpstream is the cache.Upstream implementation the Origin Fetcher
// calls into. It resolves the physical backend through the existing
// Balancer (round-robin or least-connections, with the same on-demand
// health probing) rather than a single static address, so proxy_location
// (§6) names the logical upstream while the balancer picks among its
// replicas. The Fetcher is configured with an empty ProxyLocation and
// target is just req.URIRelative; httpUpstream joins it onto the
// balancer-selected backend.
type httpUpstream struct {
	transport *http.Transport
	balancer  Balancer
}

// NewUpstreamForTargets builds a cache.Upstream backed by a fresh
// balancer over targets, for callers (such as cmd/revalidator) that
// need the Fetcher's HTTP transport without standing up a full
// ReverseProxy.
func NewUpstreamForTargets(targets []*url.URL, strategy string) cache.Upstream {
	return newHTTPUpstream(newBalancer(strategy, targets, true))
}

func newHTTPUpstream(balancer Balancer) *httpUpstream {
	return &httpUpstream{
		transport: &http.Transport{
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 50,
			IdleConnTimeout:     90 * time.Second,
		},
		balancer: balancer,
	}
}

// Do implements cache.Upstream.
func (u *httpUpstream) Do(ctx context.Context, req *cache.Request, target string) (int, *cache.HeaderMap, []byte, error) {
	backend := u.balancer.Pick(false)
	if backend == nil {
		return 0, nil, nil, errNoHealthyUpstream
	}
	release := u.balancer.Acquire(backend)
	defer release()

	dest := *backend
	dest.Path = singleJoiningSlash(backend.Path, pathOf(target))
	dest.RawQuery = queryOf(target, backend.RawQuery)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, dest.String(), body)
	if err != nil {
		return 0, nil, nil, err
	}
	if req.Headers != nil {
		req.Headers.Range(func(display, value string) {
			if isHopHeader(display) {
				return
			}
			httpReq.Header.Add(display, value)
		})
	}
	setForwardedHeaders(httpReq, req)
	httpReq.Header.Set("X-Upstream", backend.Host)

	imetrics.IncProxyUpstreamInflight(backend.Host)
	defer imetrics.DecProxyUpstreamInflight(backend.Host)

	start := time.Now()
	httpResp, err := u.transport.RoundTrip(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	imetrics.ObserveProxyUpstreamResponse(backend.Host, req.Method, httpResp.StatusCode, time.Since(start))

	respHeaders := toCacheHeaders(httpResp.Header)
	respHeaders.Set("X-Upstream", backend.Host)
	return httpResp.StatusCode, respHeaders, respBody, nil
}

// setForwardedHeaders mirrors the teacher's directRequest: it appends
// the client's IP to X-Forwarded-For (starting a new chain if none was
// already present) and sets X-Forwarded-Proto/X-Forwarded-Host from the
// original inbound request, so the origin can still tell a client's
// real address and scheme apart from the proxy's own.
func setForwardedHeaders(httpReq *http.Request, req *cache.Request) {
	if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil && clientIP != "" {
		if xff := httpReq.Header.Get("X-Forwarded-For"); xff != "" {
			httpReq.Header.Set("X-Forwarded-For", xff+", "+clientIP)
		} else {
			httpReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	httpReq.Header.Set("X-Forwarded-Proto", schemeOf(req))
	httpReq.Header.Set("X-Forwarded-Host", req.Host)
}

// schemeOf recovers the scheme toCacheRequest folded into URIFull,
// since cache.Request doesn't carry a separate scheme field.
func schemeOf(req *cache.Request) string {
	if scheme, _, ok := strings.Cut(req.URIFull, "://"); ok {
		return scheme
	}
	return "http"
}

// pathOf and queryOf split a "path?query" relative target back into its
// two parts; req.URIRelative already carries both.
func pathOf(target string) string {
	path, _, _ := strings.Cut(target, "?")
	return path
}

func queryOf(target, fallback string) string {
	if _, query, ok := strings.Cut(target, "?"); ok {
		return query
	}
	return fallback
}
