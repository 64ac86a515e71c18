package proxy_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/relaycache/relaycache/internal/cache"
	"github.com/relaycache/relaycache/internal/proxy"
	"github.com/relaycache/relaycache/internal/redisstore"
)

func startUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		case "/cachehit":
			hits++
			w.Header().Set("Cache-Control", "max-age=60")
			w.Header().Set("X-Hit-Count", http.MethodGet)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("cached payload"))
		case "/nocache":
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("fresh every time"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestAdapter(t *testing.T, up *httptest.Server) *proxy.ReverseProxy {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := redisstore.New(redisstore.Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tgt, err := url.Parse(up.URL)
	require.NoError(t, err)

	bus := cache.NewEventBus()
	fetcher := &cache.Fetcher{Bus: bus}
	engine := cache.NewEngine(bus, fetcher, "proxy.test", nil)
	return proxy.NewReverseProxy([]*url.URL{tgt}, engine, store)
}

func TestIntegration_CacheableRouteMissThenHit(t *testing.T) {
	up := startUpstream(t)
	rp := newTestAdapter(t, up)

	w1 := httptest.NewRecorder()
	rp.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/cachehit", nil))
	require.Equal(t, http.StatusOK, w1.Code)
	require.Equal(t, "MISS", w1.Header().Get("X-Cache"))
	body1, _ := io.ReadAll(w1.Result().Body)
	require.Equal(t, "cached payload", string(body1))

	w2 := httptest.NewRecorder()
	rp.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/cachehit", nil))
	require.Equal(t, http.StatusOK, w2.Code)
	require.Equal(t, "HIT", w2.Header().Get("X-Cache"))
	body2, _ := io.ReadAll(w2.Result().Body)
	require.Equal(t, "cached payload", string(body2))
}

func TestIntegration_NoCacheRouteNeverHits(t *testing.T) {
	up := startUpstream(t)
	rp := newTestAdapter(t, up)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		rp.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nocache", nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "MISS", w.Header().Get("X-Cache"))
	}
}

func TestIntegration_NonStandardMethodRejected(t *testing.T) {
	up := startUpstream(t)
	rp := newTestAdapter(t, up)

	w := httptest.NewRecorder()
	rp.ServeHTTP(w, httptest.NewRequest("PURGE", "/cachehit", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIntegration_DisallowedMethodRejected(t *testing.T) {
	up := startUpstream(t)
	rp := newTestAdapter(t, up)
	rp.SetAllowedMethods([]string{http.MethodGet})

	w := httptest.NewRecorder()
	rp.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/cachehit", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
