// Package redisstore is the concrete, Redis-backed implementation of
// cache.Store: it encodes a Response as a hash, writes it and its
// expiry-index membership atomically, and answers pub/sub publishes for
// the Revalidation Publisher. Grounded on the pack's go-redis/v9 usage
// (wudi-gateway's internal/cache, YaCodeDev/yacache) rather than the
// redigo-based httpcache adapters, since the engine needs a single
// atomic multi-key transaction per write that redigo's pool model does
// not give us as directly.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaycache/relaycache/internal/cache"
	imetrics "github.com/relaycache/relaycache/internal/metrics"
)

// Config holds the connection parameters for the Redis-backed Store.
type Config struct {
	// Address is host:port for a TCP connection. Ignored if Network is
	// "unix".
	Address string
	// Network is "tcp" (default) or "unix".
	Network string
	// SocketPath is the unix socket path, used when Network is "unix".
	SocketPath string
	Password   string
	DB         int
	PoolSize   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

const (
	fieldStatus = "status"
	fieldBody   = "body"
	fieldURI    = "uri"
	headerPrefix = "h:"
)

// Store wraps a *redis.Client to implement cache.Store and
// cache.FreshChecker.
type Store struct {
	client *redis.Client
}

// New dials Redis eagerly (a failed Ping surfaces at startup, not on the
// first request) and returns a ready Store.
func New(cfg Config) (*Store, error) {
	network := cfg.Network
	if network == "" {
		network = "tcp"
	}
	addr := cfg.Address
	if network == "unix" {
		addr = cfg.SocketPath
	}

	client := redis.NewClient(&redis.Options{
		Network:      network,
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: connect to %s: %w", addr, err)
	}
	return &Store{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Read implements cache.Store.Read as one pipelined TTL+HGetAll round
// trip (§4.4, §5): a negative TTL is a clean miss; a positive TTL with
// an incomplete hash is a *cache.PartialEntryError.
func (s *Store) Read(ctx context.Context, key string) (*cache.Response, error) {
	start := time.Now()
	defer func() { imetrics.ObserveStoreOpDuration("read", time.Since(start)) }()

	pipe := s.client.Pipeline()
	ttlCmd := pipe.TTL(ctx, key)
	hashCmd := pipe.HGetAll(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	ttl := ttlCmd.Val()
	if ttl <= 0 {
		return nil, nil
	}

	fields := hashCmd.Val()
	if len(fields) == 0 {
		return nil, &cache.PartialEntryError{Key: key, Missing: []string{fieldStatus, fieldBody}}
	}
	status, ok := fields[fieldStatus]
	if !ok {
		return nil, &cache.PartialEntryError{Key: key, Missing: []string{fieldStatus}}
	}
	body := fields[fieldBody]

	statusCode, err := strconv.Atoi(status)
	if err != nil {
		return nil, &cache.PartialEntryError{Key: key, Missing: []string{fieldStatus}}
	}

	res := cache.NewResponse()
	res.Status = statusCode
	res.Body = []byte(body)
	for k, v := range fields {
		if name, ok := strings.CutPrefix(k, headerPrefix); ok {
			res.Headers.Set(name, v)
		}
	}
	res.SetTTL(ttl)
	return res, nil
}

// Write implements cache.Store.Write as a single atomic transaction
// (§4.4): replace the hash, set its TTL, and record uri_full's absolute
// expiry in the shared sorted-set index so out-of-process workers can
// scan for stale entries.
func (s *Store) Write(ctx context.Context, key string, req *cache.Request, res *cache.Response, ttl time.Duration, expiresAt time.Time) error {
	start := time.Now()
	defer func() { imetrics.ObserveStoreOpDuration("write", time.Since(start)) }()

	fields := map[string]any{
		fieldStatus: strconv.Itoa(res.Status),
		fieldBody:   res.Body,
		fieldURI:    req.URIFull,
	}
	res.Headers.Range(func(display, value string) {
		fields[headerPrefix+display] = value
	})

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
		pipe.ZAdd(ctx, cache.ExpiryIndexKey, redis.Z{
			Score:  float64(expiresAt.Unix()),
			Member: req.URIFull,
		})
		return nil
	})
	return err
}

// Publish implements cache.Store.Publish.
func (s *Store) Publish(ctx context.Context, channel, uri string) error {
	start := time.Now()
	defer func() { imetrics.ObserveStoreOpDuration("publish", time.Since(start)) }()
	return s.client.Publish(ctx, channel, uri).Err()
}

// FreshUntil implements cache.FreshChecker by reading uriFull's score
// from the expiry index — the absolute epoch second past which the
// entry is stale-but-within-grace (WARM), independent of the hash's
// physical TTL.
func (s *Store) FreshUntil(ctx context.Context, uriFull string) (time.Time, bool, error) {
	score, err := s.client.ZScore(ctx, cache.ExpiryIndexKey, uriFull).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(int64(score), 0), true, nil
}

// Subscribe opens a pub/sub subscription on channel, used by
// cmd/revalidator to receive uri_full values published by the
// Revalidation Publisher.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, channel)
}
