package proxy_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/relaycache/relaycache/internal/cache"
	"github.com/relaycache/relaycache/internal/proxy"
)

// loadTestStore is a trivial no-op cache.Store: every read misses.
// Sufficient here since the upstream under test never sets a
// Cache-Control/Expires header, so nothing is ever written.
type loadTestStore struct{}

func (loadTestStore) Read(ctx context.Context, key string) (*cache.Response, error) { return nil, nil }
func (loadTestStore) Write(ctx context.Context, key string, req *cache.Request, res *cache.Response, ttl time.Duration, expiresAt time.Time) error {
	return nil
}
func (loadTestStore) Publish(ctx context.Context, channel, uri string) error { return nil }

// This is a stress-style test to exercise high volume under queueing.
func TestHighVolume(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(200)
	}))
	t.Cleanup(up.Close)

	tgt, _ := url.Parse(up.URL)
	bus := cache.NewEventBus()
	fetcher := &cache.Fetcher{Bus: bus}
	engine := cache.NewEngine(bus, fetcher, "proxy.test", nil)

	rp := proxy.NewReverseProxy([]*url.URL{tgt}, engine, loadTestStore{}).WithQueue(proxy.QueueConfig{
		MaxQueue:       20,
		MaxConcurrent:  5,
		EnqueueTimeout: time.Second,
	})

	const N = 200
	var wg sync.WaitGroup
	codes := make(chan int, N)

	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			rp.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
			codes <- w.Code
		}()
	}
	wg.Wait()
	close(codes)

	var ok, rejected, other int
	for c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			rejected++
		default:
			other++
		}
	}

	if other != 0 {
		t.Fatalf("unexpected statuses seen: %d", other)
	}
	if ok == 0 {
		t.Fatalf("no successful responses; expected some to pass through")
	}
}
