package cache_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycache/relaycache/internal/cache"
)

// memStore is a minimal in-process Store used to exercise the Engine
// without a real Redis instance, mirroring the teacher's httptest-based
// fakes rather than a mock-generator.
type memStore struct {
	mu      sync.Mutex
	entries map[string]*cache.Response
	ttl     map[string]time.Time
	published []string
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]*cache.Response), ttl: make(map[string]time.Time)}
}

func (s *memStore) Read(_ context.Context, key string) (*cache.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.ttl[key]
	if !ok || time.Now().After(expiry) {
		return nil, nil
	}
	stored := s.entries[key]
	clone := &cache.Response{Status: stored.Status, Headers: stored.Headers.Clone(), Body: append([]byte(nil), stored.Body...)}
	return clone, nil
}

func (s *memStore) Write(_ context.Context, key string, _ *cache.Request, res *cache.Response, ttl time.Duration, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &cache.Response{Status: res.Status, Headers: res.Headers.Clone(), Body: append([]byte(nil), res.Body...)}
	s.ttl[key] = time.Now().Add(ttl)
	return nil
}

func (s *memStore) Publish(_ context.Context, _ string, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, uri)
	return nil
}

// fakeUpstream lets each test script a sequence of canned responses.
type fakeUpstream struct {
	mu    sync.Mutex
	calls int
	fn    func(req *cache.Request, target string) (int, *cache.HeaderMap, []byte, error)
}

func (u *fakeUpstream) Do(_ context.Context, req *cache.Request, target string) (int, *cache.HeaderMap, []byte, error) {
	u.mu.Lock()
	u.calls++
	u.mu.Unlock()
	return u.fn(req, target)
}

func newEngine(t *testing.T, up *fakeUpstream) *cache.Engine {
	t.Helper()
	bus := cache.NewEventBus()
	fetcher := &cache.Fetcher{Bus: bus, Upstream: up, ProxyLocation: "http://origin"}
	return cache.NewEngine(bus, fetcher, "proxy.example", nil)
}

func getReq(uri string) *cache.Request {
	return &cache.Request{Method: http.MethodGet, URIFull: uri, URIRelative: "/", Host: "client.example", Headers: cache.NewHeaderMap()}
}

func TestEngine_ColdMissThenHotHit(t *testing.T) {
	up := &fakeUpstream{fn: func(_ *cache.Request, _ string) (int, *cache.HeaderMap, []byte, error) {
		h := cache.NewHeaderMap()
		h.Set("Cache-Control", "max-age=600")
		return 200, h, []byte("hello"), nil
	}}
	e := newEngine(t, up)
	store := newMemStore()

	res1, err := e.Handle(context.Background(), store, "k1", getReq("http://client.example/"))
	require.NoError(t, err)
	assert.Equal(t, "MISS", res1.Headers.Get("X-Cache"))
	assert.Equal(t, "SUBZERO", res1.Headers.Get("X-Cache-State"))
	assert.Equal(t, "hello", string(res1.Body))

	res2, err := e.Handle(context.Background(), store, "k1", getReq("http://client.example/"))
	require.NoError(t, err)
	assert.Equal(t, "HIT", res2.Headers.Get("X-Cache"))
	assert.Equal(t, "HOT", res2.Headers.Get("X-Cache-State"))
	assert.Equal(t, "hello", string(res2.Body))
	assert.Equal(t, 1, up.calls, "second request must be served from cache, not the origin")
}

func TestEngine_ViaChaining(t *testing.T) {
	up := &fakeUpstream{fn: func(_ *cache.Request, _ string) (int, *cache.HeaderMap, []byte, error) {
		h := cache.NewHeaderMap()
		h.Set("Via", "1.0 upstream")
		return 200, h, nil, nil
	}}
	e := newEngine(t, up)
	res, err := e.Handle(context.Background(), newMemStore(), "k", getReq("http://client.example/"))
	require.NoError(t, err)
	assert.Equal(t, "1.1 proxy.example, 1.0 upstream", res.Headers.Get("Via"))
}

func TestEngine_TTLPluginHook(t *testing.T) {
	up := &fakeUpstream{fn: func(_ *cache.Request, _ string) (int, *cache.HeaderMap, []byte, error) {
		h := cache.NewHeaderMap()
		h.Set("Cache-Control", "max-age=600, s-maxage=1200")
		h.Set("Expires", time.Now().Add(300*time.Second).Format(http.TimeFormat))
		return 200, h, nil, nil
	}}
	bus := cache.NewEventBus()
	fetcher := &cache.Fetcher{Bus: bus, Upstream: up, ProxyLocation: "http://origin"}
	e := cache.NewEngine(bus, fetcher, "proxy.example", nil)

	var observedTTL time.Duration
	bus.On(cache.EventResponseReady, func(_ *cache.Request, res *cache.Response) error {
		ttl, ok := res.TTL()
		require.True(t, ok)
		observedTTL = ttl
		res.Headers.Set("X-TTL", ttl.String())
		return nil
	})

	res, err := e.Handle(context.Background(), newMemStore(), "k", getReq("http://client.example/"))
	require.NoError(t, err)
	assert.Equal(t, 1200*time.Second, observedTTL)
	assert.Equal(t, observedTTL.String(), res.Headers.Get("X-TTL"))
}

func TestEngine_HeaderCaseInsensitivityAcrossHandlers(t *testing.T) {
	up := &fakeUpstream{fn: func(_ *cache.Request, _ string) (int, *cache.HeaderMap, []byte, error) {
		h := cache.NewHeaderMap()
		h.Set("X-Test", "1")
		return 200, h, nil, nil
	}}
	bus := cache.NewEventBus()
	fetcher := &cache.Fetcher{Bus: bus, Upstream: up, ProxyLocation: "http://origin"}
	e := cache.NewEngine(bus, fetcher, "proxy.example", nil)

	bus.On(cache.EventOriginFetched, func(_ *cache.Request, res *cache.Response) error {
		if res.Headers.Get("X_tesT") == "1" {
			res.Headers.Set("x-TESt", "2")
		}
		return nil
	})
	bus.On(cache.EventOriginFetched, func(_ *cache.Request, res *cache.Response) error {
		if res.Headers.Get("X-TEST") == "2" {
			res.Headers.Set("x_test", "3")
		}
		return nil
	})

	res, err := e.Handle(context.Background(), newMemStore(), "k", getReq("http://client.example/"))
	require.NoError(t, err)
	assert.Equal(t, "3", res.Headers.Get("X-Test"))
}

func TestEngine_Origin5xxSuppressesResponseReady(t *testing.T) {
	up := &fakeUpstream{fn: func(_ *cache.Request, _ string) (int, *cache.HeaderMap, []byte, error) {
		return 503, cache.NewHeaderMap(), []byte("down"), nil
	}}
	bus := cache.NewEventBus()
	fetcher := &cache.Fetcher{Bus: bus, Upstream: up, ProxyLocation: "http://origin"}
	e := cache.NewEngine(bus, fetcher, "proxy.example", nil)

	fired := false
	bus.On(cache.EventResponseReady, func(_ *cache.Request, _ *cache.Response) error {
		fired = true
		return nil
	})

	res, err := e.Handle(context.Background(), newMemStore(), "k", getReq("http://client.example/"))
	require.NoError(t, err)
	assert.Equal(t, 503, res.Status)
	assert.False(t, fired, "response_ready must not fire on an origin 5xx passthrough")
	assert.Empty(t, res.Headers.Get("X-Cache"), "no diagnostic headers on passthrough")
}

func TestEngine_NonCacheableRequestBypassesStore(t *testing.T) {
	up := &fakeUpstream{fn: func(_ *cache.Request, _ string) (int, *cache.HeaderMap, []byte, error) {
		return 200, cache.NewHeaderMap(), []byte("posted"), nil
	}}
	e := newEngine(t, up)
	store := newMemStore()

	req := &cache.Request{Method: http.MethodPost, URIFull: "http://client.example/", URIRelative: "/", Headers: cache.NewHeaderMap()}
	res, err := e.Handle(context.Background(), store, "k", req)
	require.NoError(t, err)
	assert.Equal(t, "posted", string(res.Body))
	assert.Empty(t, store.entries)
}

func TestEngine_EventHandlerErrorIsFault(t *testing.T) {
	up := &fakeUpstream{fn: func(_ *cache.Request, _ string) (int, *cache.HeaderMap, []byte, error) {
		return 200, cache.NewHeaderMap(), nil, nil
	}}
	bus := cache.NewEventBus()
	fetcher := &cache.Fetcher{Bus: bus, Upstream: up, ProxyLocation: "http://origin"}
	e := cache.NewEngine(bus, fetcher, "proxy.example", nil)

	boom := assert.AnError
	bus.On(cache.EventOriginFetched, func(_ *cache.Request, _ *cache.Response) error {
		return boom
	})

	_, err := e.Handle(context.Background(), newMemStore(), "k", getReq("http://client.example/"))
	require.Error(t, err)
	var fault *cache.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, cache.FaultHandler, fault.Kind)
}
