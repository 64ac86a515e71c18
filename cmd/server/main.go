package main

import (
	"log"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaycache/relaycache/internal/cache"
	"github.com/relaycache/relaycache/internal/config"
	applog "github.com/relaycache/relaycache/internal/log"
	"github.com/relaycache/relaycache/internal/proxy"
	"github.com/relaycache/relaycache/internal/redisstore"
)

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
		ProxyLocation: cfg.ProxyLocation,
		Grace:         cfg.Grace,
	}

	var stale *cache.StalePolicy
	if cfg.StaleRevalidation {
		stale = &cache.StalePolicy{
			Publisher: &cache.RevalidationPublisher{
				Store: store,
				OnError: func(uriFull string, err error) {
					applog.LogStoreFault(uriFull, err)
				},
			},
		}
	}

	engine := cache.NewEngine(bus, fetcher, applog.MustHostname(), stale)

	rp := proxy.NewReverseProxy(cfg.TargetURLs, engine, store)
	rp.SetAllowedMethods(cfg.AllowedMethods)
	rp.ConfigureBalancer(cfg.LoadBalancerStrategy)
	rp = rp.WithQueue(cfg.Queue)

	mux := http.NewServeMux()
	mux.Handle("/", rp)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	root := withServerHeaders(applog.WithRequestLogging(applog.WithRequestID(mux)))

	log.Printf("Listening on %s, proxying to %v, lb=%s, queue max=%d concurrent=%d",
		cfg.ListenAddr, cfg.TargetURLs, cfg.LoadBalancerStrategy, cfg.Queue.MaxQueue, cfg.Queue.MaxConcurrent)

	if err := startServer(cfg, root); err != nil {
		log.Fatal(err)
	}
}

func redisNetwork(cfg *config.Config) string {
	if cfg.Redis.Socket != "" {
		return "unix"
	}
	return "tcp"
}

// withServerHeaders adds the proxy's own identifying header to every response.
func withServerHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "relaycache/0.1")
		next.ServeHTTP(w, r)
	})
}
