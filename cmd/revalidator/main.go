// Command revalidator is the out-of-process background worker (§4.6,
// §4.7): it subscribes to the revalidate pub/sub channel the engine's
// StalePolicy publishes to through its RevalidationPublisher, and for
// each uri_full it re-fetches the
// origin and re-stores the response, independent of any in-flight
// request's lifetime.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"net/url"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/joho/godotenv"

	"github.com/relaycache/relaycache/internal/cache"
	"github.com/relaycache/relaycache/internal/config"
	applog "github.com/relaycache/relaycache/internal/log"
	"github.com/relaycache/relaycache/internal/proxy"
	"github.com/relaycache/relaycache/internal/redisstore"
)

// workerCount is the number of concurrent revalidations this process
// will run at once; a slow origin should not stall the whole queue.
const workerCount = 8

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file (%v), using system environment variables", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	store, err := redisstore.New(redisstore.Config{
		Address:      cfg.Redis.Address(),
		Network:      redisNetwork(cfg),
		SocketPath:   cfg.Redis.Socket,
		DB:           cfg.Redis.Database,
		PoolSize:     cfg.Redis.KeepAlive.PoolSize,
		DialTimeout:  cfg.Redis.Timeout,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})
	if err != nil {
		log.Fatalf("redis store: %v", err)
	}
	defer store.Close()

	bus := cache.NewEventBus()
	fetcher := &cache.Fetcher{
		Bus:           bus,
		Upstream:      proxy.NewUpstreamForTargets(cfg.TargetURLs, cfg.LoadBalancerStrategy),
		ProxyLocation: cfg.ProxyLocation,
		Grace:         cfg.Grace,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub := store.Subscribe(ctx, cache.RevalidateChannel)
	defer sub.Close()
	msgs := sub.Channel()

	jobs := make(chan string, workerCount*4)
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case uriFull, ok := <-jobs:
					if !ok {
						return nil
					}
					revalidate(groupCtx, fetcher, store, uriFull)
				}
			}
		})
	}

	log.Printf("revalidator listening on channel %q with %d workers", cache.RevalidateChannel, workerCount)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case m, ok := <-msgs:
			if !ok {
				break loop
			}
			jobs <- m.Payload
		}
	}
	close(jobs)
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("revalidator worker error: %v", err)
	}
}

// revalidate re-fetches uriFull from the origin and re-stores it,
// mirroring the key derivation internal/proxy uses for live requests so
// the refreshed entry lands under the same store key.
func revalidate(ctx context.Context, fetcher *cache.Fetcher, store cache.Store, uriFull string) {
	u, err := url.Parse(uriFull)
	if err != nil {
		applog.LogStoreFault(uriFull, err)
		return
	}

	req := &cache.Request{
		Method:      "GET",
		URIFull:     uriFull,
		URIRelative: relativeOf(u),
		Host:        u.Host,
		Headers:     cache.NewHeaderMap(),
	}
	key := revalidationKey(req)

	res := cache.NewResponse()
	res.State = cache.SUBZERO
	if _, err := fetcher.FetchAndStore(ctx, store, key, req, res); err != nil {
		var fault *cache.Fault
		if errors.As(err, &fault) && fault.Kind == cache.FaultHandler {
			applog.LogHandlerFault(string(fault.Event), fault.Err)
			return
		}
		applog.LogStoreFault(uriFull, err)
	}
}

func relativeOf(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

// revalidationKey mirrors internal/proxy's buildCacheKey so a
// background refresh overwrites the same entry a live request would
// have read.
func revalidationKey(req *cache.Request) string {
	sum := sha256.Sum256([]byte(req.Method + " " + req.URIFull))
	return "ledge:entity:" + hex.EncodeToString(sum[:])
}

func redisNetwork(cfg *config.Config) string {
	if cfg.Redis.Socket != "" {
		return "unix"
	}
	return "tcp"
}
