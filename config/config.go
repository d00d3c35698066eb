// Package config loads the settings the cachesync CLI wires its collaborators
// from: a YAML file, an optional .env file and CACHESYNC_* environment
// overrides, applied in that order over Default().
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/itellico/cachesync"
	"github.com/itellico/cachesync/codec"
)

const envPrefix = "CACHESYNC_"

type Config struct {
	Log struct {
		Level   string `yaml:"level"`  // debug | info | warn | error
		Format  string `yaml:"format"` // console | json
		Service string `yaml:"service"`
	} `yaml:"log"`

	Redis struct {
		Addrs       []string `yaml:"addrs"` // more than one => cluster client
		DB          int      `yaml:"db"`
		Username    string   `yaml:"username"`
		Password    string   `yaml:"password"`
		ScanCount   int64    `yaml:"scan_count"`
		DeleteChunk int      `yaml:"delete_chunk"`
	} `yaml:"redis"`

	Postgres struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"postgres"`

	NATS struct {
		URL  string `yaml:"url"`
		Name string `yaml:"name"`
	} `yaml:"nats"`

	Realtime struct {
		Transport      string        `yaml:"transport"` // redis | nats | memory
		Codec          string        `yaml:"codec"`     // json | msgpack | cbor | protobuf
		Prefix         string        `yaml:"prefix"`
		HandlerTimeout time.Duration `yaml:"handler_timeout"`
	} `yaml:"realtime"`

	Coordinator struct {
		Runtime      string        `yaml:"runtime"` // auto | server | client
		LayerTimeout time.Duration `yaml:"layer_timeout"`
		ScanWorkers  int           `yaml:"scan_workers"`
	} `yaml:"coordinator"`

	Changes struct {
		StoreTimeout time.Duration `yaml:"store_timeout"`
	} `yaml:"changes"`

	RenderCache struct {
		Namespace  string        `yaml:"namespace"`
		Provider   string        `yaml:"provider"` // ristretto | bigcache | redis
		DefaultTTL time.Duration `yaml:"default_ttl"`
		MaxCostMB  int64         `yaml:"max_cost_mb"`
		GenTTL     time.Duration `yaml:"gen_ttl"`
	} `yaml:"render_cache"`

	Breaker struct {
		Enabled          bool          `yaml:"enabled"`
		FailureThreshold float64       `yaml:"failure_threshold"`
		MinRequests      uint32        `yaml:"min_requests"`
		Timeout          time.Duration `yaml:"timeout"`
	} `yaml:"breaker"`

	Metrics struct {
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`
}

func Default() *Config {
	var c Config
	c.Log.Level = "info"
	c.Log.Format = "console"
	c.Log.Service = "cachesync"
	c.Redis.Addrs = []string{"localhost:6379"}
	c.Redis.ScanCount = 500
	c.Redis.DeleteChunk = 500
	c.Postgres.MaxConns = 8
	c.NATS.URL = "nats://localhost:4222"
	c.NATS.Name = "cachesync"
	c.Realtime.Transport = "redis"
	c.Realtime.Codec = codec.NameJSON
	c.Realtime.HandlerTimeout = 30 * time.Second
	c.Coordinator.Runtime = "server"
	c.Coordinator.LayerTimeout = 5 * time.Second
	c.Coordinator.ScanWorkers = 4
	c.Changes.StoreTimeout = 10 * time.Second
	c.RenderCache.Namespace = "cachesync"
	c.RenderCache.Provider = "redis"
	c.RenderCache.DefaultTTL = 5 * time.Minute
	c.RenderCache.MaxCostMB = 256
	c.RenderCache.GenTTL = 30 * 24 * time.Hour
	c.Breaker.Enabled = true
	c.Breaker.FailureThreshold = 0.5
	c.Breaker.MinRequests = 5
	c.Breaker.Timeout = 30 * time.Second
	c.Metrics.Namespace = "cachesync"
	return &c
}

// Load reads path (may be empty) over Default, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := c.decode(bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := c.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: %s: %s", field, fmt.Sprintf(format, args...)))
	}
	if _, err := cachesync.ParseRuntime(c.Coordinator.Runtime); err != nil {
		bad("coordinator.runtime", "%q is not auto, server or client", c.Coordinator.Runtime)
	}
	if c.Coordinator.LayerTimeout < 0 {
		bad("coordinator.layer_timeout", "must not be negative")
	}
	if c.Coordinator.ScanWorkers < 0 {
		bad("coordinator.scan_workers", "must not be negative")
	}
	if c.Changes.StoreTimeout < 0 {
		bad("changes.store_timeout", "must not be negative")
	}
	switch c.Realtime.Transport {
	case "redis", "nats", "memory":
	default:
		bad("realtime.transport", "%q is not redis, nats or memory", c.Realtime.Transport)
	}
	if _, err := codec.ByName[struct{}](c.Realtime.Codec); err != nil {
		bad("realtime.codec", "%v", err)
	}
	switch c.RenderCache.Provider {
	case "ristretto", "bigcache", "redis":
	default:
		bad("render_cache.provider", "%q is not ristretto, bigcache or redis", c.RenderCache.Provider)
	}
	if c.RenderCache.Namespace == "" {
		bad("render_cache.namespace", "required")
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.FailureThreshold > 1 {
		bad("breaker.failure_threshold", "must be within [0,1]")
	}
	if len(c.Redis.Addrs) == 0 && (c.Realtime.Transport == "redis" || c.RenderCache.Provider == "redis") {
		bad("redis.addrs", "required by the redis transport or provider")
	}
	if c.Realtime.Transport == "nats" && c.NATS.URL == "" {
		bad("nats.url", "required by the nats transport")
	}
	return errors.Join(errs...)
}

// ---- env overrides ----

func getEnvStr(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (c *Config) applyEnvOverrides() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := getEnvStr(key); ok {
			*dst = v
		}
	}
	num := func(key string, set func(int64)) {
		if v, ok := getEnvStr(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, key, err))
				return
			}
			set(n)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := getEnvStr(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := getEnvStr("REDIS_ADDRS"); ok {
		c.Redis.Addrs = splitCSV(v)
	}
	num("REDIS_DB", func(n int64) { c.Redis.DB = int(n) })
	str("REDIS_USERNAME", &c.Redis.Username)
	str("REDIS_PASSWORD", &c.Redis.Password)

	str("POSTGRES_DSN", &c.Postgres.DSN)
	num("POSTGRES_MAX_CONNS", func(n int64) { c.Postgres.MaxConns = int32(n) })

	str("NATS_URL", &c.NATS.URL)

	str("REALTIME_TRANSPORT", &c.Realtime.Transport)
	str("REALTIME_CODEC", &c.Realtime.Codec)
	str("REALTIME_PREFIX", &c.Realtime.Prefix)

	str("COORDINATOR_RUNTIME", &c.Coordinator.Runtime)
	dur("COORDINATOR_LAYER_TIMEOUT", &c.Coordinator.LayerTimeout)
	num("COORDINATOR_SCAN_WORKERS", func(n int64) { c.Coordinator.ScanWorkers = int(n) })

	dur("CHANGES_STORE_TIMEOUT", &c.Changes.StoreTimeout)

	str("RENDER_CACHE_NAMESPACE", &c.RenderCache.Namespace)
	str("RENDER_CACHE_PROVIDER", &c.RenderCache.Provider)
	dur("RENDER_CACHE_DEFAULT_TTL", &c.RenderCache.DefaultTTL)

	if v, ok := getEnvStr("BREAKER_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %sBREAKER_ENABLED: %w", envPrefix, err))
		} else {
			c.Breaker.Enabled = b
		}
	}
	return errors.Join(errs...)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
