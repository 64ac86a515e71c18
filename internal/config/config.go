// Package config resolves the proxy's configuration from, in order:
// a best-effort .env file (the caller loads this via godotenv before
// calling Load), the process environment, and an optional YAML overlay
// for the nested redis.* and proxy.* keys. Flat keys are read straight
// from the environment; CONFIG_FILE (or configs/config.yaml|yml if unset)
// supplies the redis.* nesting, proxy.tls.*, and proxy.listen/proxy.target
// as fallbacks when PROXY_LISTEN/PROXY_TARGET are unset.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaycache/relaycache/internal/proxy"
)

// Config is the fully resolved proxy configuration.
type Config struct {
	ListenAddr           string     // Example: ":8080"
	TargetURL            *url.URL   // first (primary) target, kept for single-target callers
	TargetURLs           []*url.URL // all targets (>=1), used by the balancer
	Queue                proxy.QueueConfig
	AllowedMethods       []string
	LoadBalancerStrategy string // "round_robin" (default) or "least_connections"
	TLS                  TLSConfig
	Redis                RedisConfig
	Upstream             UpstreamConfig
	ProxyLocation        string
	Grace                time.Duration // stale-serving grace added to the store TTL
	StaleRevalidation    bool          // wire cache.StalePolicy into the Engine
}

// TLSConfig controls whether cmd/server terminates HTTPS directly.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// RedisConfig is the §6 external interface's redis.* key group.
type RedisConfig struct {
	Host      string
	Port      string
	Socket    string
	Timeout   time.Duration
	KeepAlive RedisKeepAlive
	Database  int
	// QlessDatabase is read from redis_qless_database (default 1), per
	// the nginx/lua original's split; cmd/server and cmd/revalidator
	// both connect with Database, and nothing here reads this field.
	QlessDatabase int
}

// RedisKeepAlive is the §6 redis.keepalive.* nested pair.
type RedisKeepAlive struct {
	MaxIdleTimeout time.Duration
	PoolSize       int
}

// UpstreamConfig holds upstream_host/upstream_port, defaulting to the
// primary target's host and port. The Fetcher does not read it: the
// backend is picked per request by the balancer over TargetURLs.
type UpstreamConfig struct {
	Host string
	Port string
}

const (
	defaultListen              = ":8080"
	defaultQueueMax            = 1000
	defaultQueueMaxConcurrent  = 100
	defaultQueueEnqueueTimeout = 2 * time.Second
	defaultQueueWaitHeader     = true
	defaultAllowedMethods      = "GET,HEAD,POST,PUT,PATCH,DELETE"
	defaultLBStrategy          = "round_robin"
	defaultRedisTimeout        = 1000 * time.Millisecond
	defaultRedisKeepAlivePool  = 100
	defaultRedisKeepAliveIdle  = 5 * time.Minute
	defaultGrace               = 0
)

// yamlOverlay is the subset of configs/config.yaml|yml this package
// reads: the nested redis.* group, the proxy.tls.* group, and
// proxy.listen/proxy.target (used only when the matching environment
// variables are unset). Everything else is environment-only.
type yamlOverlay struct {
	Proxy struct {
		Listen string `yaml:"listen"`
		Target string `yaml:"target"`
		TLS    struct {
			Enabled  bool   `yaml:"enabled"`
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"tls"`
	} `yaml:"proxy"`
	Redis struct {
		Host      string `yaml:"host"`
		Port      string `yaml:"port"`
		Socket    string `yaml:"socket"`
		TimeoutMS int    `yaml:"timeout"`
		KeepAlive struct {
			MaxIdleTimeoutMS int `yaml:"max_idle_timeout"`
			PoolSize         int `yaml:"pool_size"`
		} `yaml:"keepalive"`
	} `yaml:"redis"`
}

func loadYAMLOverlay() yamlOverlay {
	var overlay yamlOverlay
	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		for _, candidate := range []string{"configs/config.yaml", "configs/config.yml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return overlay
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return overlay
	}
	_ = yaml.Unmarshal(b, &overlay)
	return overlay
}

// Load resolves the full Config from .env/environment/YAML overlay.
func Load() (*Config, error) {
	overlay := loadYAMLOverlay()

	listen := getEnv("PROXY_LISTEN", "")
	if listen == "" {
		listen = strings.TrimSpace(overlay.Proxy.Listen)
	}
	if listen == "" {
		listen = defaultListen
	}

	targets, err := resolveTargets(overlay)
	if err != nil {
		return nil, err
	}
	primary := targets[0]

	q := proxy.QueueConfig{
		MaxQueue:        getEnvInt("RP_MAX_QUEUE", defaultQueueMax),
		MaxConcurrent:   getEnvInt("RP_MAX_CONCURRENT", defaultQueueMaxConcurrent),
		EnqueueTimeout:  getEnvDuration("RP_ENQUEUE_TIMEOUT", defaultQueueEnqueueTimeout),
		QueueWaitHeader: getEnvBool("RP_QUEUE_WAIT_HEADER", defaultQueueWaitHeader),
	}

	allowed := parseMethods(getEnv("ALOW_REQUEST_TYPE", defaultAllowedMethods))

	lbStrategy := getEnv("PROXY_LB_STRATEGY", defaultLBStrategy)

	tlsCfg := TLSConfig{
		Enabled:  overlay.Proxy.TLS.Enabled,
		CertFile: overlay.Proxy.TLS.CertFile,
		KeyFile:  overlay.Proxy.TLS.KeyFile,
	}
	if v := strings.TrimSpace(os.Getenv("PROXY_TLS_ENABLED")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			tlsCfg.Enabled = b
		}
	}

	redisCfg := resolveRedisConfig(overlay)

	return &Config{
		ListenAddr:           listen,
		TargetURL:            primary,
		TargetURLs:           targets,
		Queue:                q,
		AllowedMethods:       allowed,
		LoadBalancerStrategy: lbStrategy,
		TLS:                  tlsCfg,
		Redis:                redisCfg,
		Upstream: UpstreamConfig{
			Host: getEnv("upstream_host", primary.Hostname()),
			Port: getEnv("upstream_port", primary.Port()),
		},
		ProxyLocation:     getEnv("proxy_location", ""),
		Grace:             getEnvDuration("CACHE_GRACE", defaultGrace),
		StaleRevalidation: getEnvBool("CACHE_STALE_REVALIDATION", false),
	}, nil
}

func resolveTargets(overlay yamlOverlay) ([]*url.URL, error) {
	rawTargets := strings.TrimSpace(os.Getenv("PROXY_TARGETS"))
	if rawTargets != "" {
		var targets []*url.URL
		for _, p := range strings.Split(rawTargets, ",") {
			pt := strings.TrimSpace(p)
			if pt == "" {
				continue
			}
			u, err := url.Parse(pt)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return nil, fmt.Errorf("invalid entry in PROXY_TARGETS: %q", pt)
			}
			targets = append(targets, u)
		}
		if len(targets) == 0 {
			return nil, errors.New("PROXY_TARGETS provided but no valid URLs parsed")
		}
		return targets, nil
	}

	rawTarget := strings.TrimSpace(os.Getenv("PROXY_TARGET"))
	if rawTarget == "" {
		rawTarget = strings.TrimSpace(overlay.Proxy.Target)
	}
	if rawTarget == "" {
		return nil, errors.New("PROXY_TARGET or PROXY_TARGETS must be defined (e.g., http://localhost:9000)")
	}
	u, err := url.Parse(rawTarget)
	if err != nil {
		return nil, fmt.Errorf("invalid PROXY_TARGET: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("PROXY_TARGET must include scheme and host (e.g., http://localhost:9000)")
	}
	return []*url.URL{u}, nil
}

func resolveRedisConfig(overlay yamlOverlay) RedisConfig {
	timeout := defaultRedisTimeout
	if overlay.Redis.TimeoutMS > 0 {
		timeout = time.Duration(overlay.Redis.TimeoutMS) * time.Millisecond
	}
	if ms := getEnvInt("redis_timeout", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	poolSize := defaultRedisKeepAlivePool
	if overlay.Redis.KeepAlive.PoolSize > 0 {
		poolSize = overlay.Redis.KeepAlive.PoolSize
	}
	if v := getEnvInt("redis_keepalive_pool_size", 0); v > 0 {
		poolSize = v
	}

	maxIdle := defaultRedisKeepAliveIdle
	if overlay.Redis.KeepAlive.MaxIdleTimeoutMS > 0 {
		maxIdle = time.Duration(overlay.Redis.KeepAlive.MaxIdleTimeoutMS) * time.Millisecond
	}
	if ms := getEnvInt("redis_keepalive_max_idle_timeout", 0); ms > 0 {
		maxIdle = time.Duration(ms) * time.Millisecond
	}

	host := getEnv("redis_host", overlay.Redis.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := getEnv("redis_port", overlay.Redis.Port)
	if port == "" {
		port = "6379"
	}

	return RedisConfig{
		Host:      host,
		Port:      port,
		Socket:    getEnv("redis_socket", overlay.Redis.Socket),
		Timeout:   timeout,
		KeepAlive: RedisKeepAlive{MaxIdleTimeout: maxIdle, PoolSize: poolSize},
		Database:  getEnvInt("redis_database", 0),
		QlessDatabase: getEnvInt("redis_qless_database", 1),
	}
}

// Address returns the host:port pair to dial. It returns host:port even
// when Socket is set; redisstore.New ignores it for a "unix" network.
func (r RedisConfig) Address() string {
	return r.Host + ":" + r.Port
}

// getEnv retrieves an environment variable, trying key as given first
// and then its upper-cased form, falling back to def.
func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(strings.ToUpper(key))); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// parseMethods converts a comma-separated method list to an
// upper-cased, de-duplicated slice.
func parseMethods(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		m := strings.ToUpper(strings.TrimSpace(p))
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
