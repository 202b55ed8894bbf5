package ensemble

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EntityCacheConfig bounds the per-type entity caches.
type EntityCacheConfig struct {
	TTL             time.Duration `toml:"ttl"`
	MaxEntries      int           `toml:"max_entries"`
	CleanupInterval time.Duration `toml:"cleanup_interval"`
}

// RequestsConfig bounds the pending-request tables.
type RequestsConfig struct {
	TTL             time.Duration `toml:"ttl"`
	MaxEntries      int           `toml:"max_entries"`
	CleanupInterval time.Duration `toml:"cleanup_interval"`
}

// StoreConfig selects the entity backing store.
type StoreConfig struct {
	// Kind is one of memory, sqlite or postgres.
	Kind string `toml:"kind"`
	// Path is the SQLite database file.
	Path string `toml:"path"`
	DSN  string `toml:"dsn"`
}

// ClusterMapConfig selects the distributed map implementation.
type ClusterMapConfig struct {
	// Kind is memory (single process) or postgres.
	Kind string `toml:"kind"`
	DSN  string `toml:"dsn"`
}

// Config is the node configuration, usually read from a TOML file.
type Config struct {
	NodeID     string            `toml:"node_id"`
	Workers    int               `toml:"workers"`
	ListenAddr string            `toml:"listen_addr"`
	AdminAddr  string            `toml:"admin_addr"`
	Peers      map[string]string `toml:"peers"`
	LogLevel   string            `toml:"log_level"`
	LogFormat  string            `toml:"log_format"`

	EntityCache        EntityCacheConfig `toml:"entity_cache"`
	Requests           RequestsConfig    `toml:"requests"`
	PersistInterval    time.Duration     `toml:"persist_interval"`
	PersistConcurrency int               `toml:"persist_concurrency"`
	TickInterval       time.Duration     `toml:"tick_interval"`
	SlowInvocation     time.Duration     `toml:"slow_invocation"`
	IOTimeout          time.Duration     `toml:"io_timeout"`
	NearCacheSize      int               `toml:"near_cache_size"`

	Store      StoreConfig      `toml:"store"`
	ClusterMap ClusterMapConfig `toml:"cluster_map"`
}

// DefaultConfig returns a single-node, in-memory configuration.
func DefaultConfig() Config {
	return Config{
		NodeID:     "node-1",
		Workers:    runtime.GOMAXPROCS(0),
		ListenAddr: ":7400",
		LogLevel:   "info",
		LogFormat:  "json",
		EntityCache: EntityCacheConfig{
			TTL:             10 * time.Minute,
			MaxEntries:      100_000,
			CleanupInterval: 60 * time.Second,
		},
		Requests: RequestsConfig{
			TTL:             60 * time.Second,
			MaxEntries:      100_000,
			CleanupInterval: 10 * time.Second,
		},
		PersistInterval:    3 * time.Second,
		PersistConcurrency: 32,
		TickInterval:       400 * time.Millisecond,
		SlowInvocation:     100 * time.Millisecond,
		IOTimeout:          10 * time.Second,
		NearCacheSize:      100_000,
		Store:              StoreConfig{Kind: "memory"},
		ClusterMap:         ClusterMapConfig{Kind: "memory"},
	}
}

// Option adjusts a Config.
type Option func(*Config)

func WithNodeID(id string) Option {
	return func(c *Config) {
		c.NodeID = id
	}
}

func WithWorkers(n int) Option {
	return func(c *Config) {
		c.Workers = n
	}
}

func WithEntityCache(ttl time.Duration, maxEntries int, cleanup time.Duration) Option {
	return func(c *Config) {
		c.EntityCache = EntityCacheConfig{TTL: ttl, MaxEntries: maxEntries, CleanupInterval: cleanup}
	}
}

func WithRequestTable(ttl time.Duration, maxEntries int, cleanup time.Duration) Option {
	return func(c *Config) {
		c.Requests = RequestsConfig{TTL: ttl, MaxEntries: maxEntries, CleanupInterval: cleanup}
	}
}

func WithPersistInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PersistInterval = d
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(c *Config) {
		c.TickInterval = d
	}
}

func WithSlowInvocation(d time.Duration) Option {
	return func(c *Config) {
		c.SlowInvocation = d
	}
}

func WithAdminAddr(addr string) Option {
	return func(c *Config) {
		c.AdminAddr = addr
	}
}

func WithLogLevel(level string) Option {
	return func(c *Config) {
		c.LogLevel = level
	}
}

// NewConfig applies opts over DefaultConfig.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// LoadConfig reads a TOML file over DefaultConfig, applies opts and
// validates the result. Keys missing from the file keep their defaults.
func LoadConfig(path string, opts ...Option) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown keys %v", path, undecoded)
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration can start a node.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("config missing node_id")
	}
	if c.Workers < 1 {
		return fmt.Errorf("config workers must be at least 1, got %d", c.Workers)
	}
	if c.EntityCache.TTL <= 0 || c.EntityCache.MaxEntries <= 0 || c.EntityCache.CleanupInterval <= 0 {
		return fmt.Errorf("%w: entity_cache needs positive ttl, max_entries and cleanup_interval", ErrInvalidCacheConfig)
	}
	if c.Requests.TTL <= 0 || c.Requests.MaxEntries <= 0 || c.Requests.CleanupInterval <= 0 {
		return fmt.Errorf("%w: requests needs positive ttl, max_entries and cleanup_interval", ErrInvalidCacheConfig)
	}
	if c.PersistInterval <= 0 || c.TickInterval <= 0 {
		return fmt.Errorf("config persist_interval and tick_interval must be positive")
	}
	if c.IOTimeout <= 0 {
		return fmt.Errorf("config io_timeout must be positive")
	}
	switch c.Store.Kind {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("config store.path required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config store.dsn required for postgres")
		}
	default:
		return fmt.Errorf("config store.kind %q not supported", c.Store.Kind)
	}
	switch c.ClusterMap.Kind {
	case "memory":
	case "postgres":
		if c.ClusterMap.DSN == "" {
			return fmt.Errorf("config cluster_map.dsn required for postgres")
		}
	default:
		return fmt.Errorf("config cluster_map.kind %q not supported", c.ClusterMap.Kind)
	}
	for id, addr := range c.Peers {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("config peer %s has no address", id)
		}
	}
	return nil
}

func (c Config) runtimeConfig() RuntimeConfig {
	return RuntimeConfig{
		EntityTTL:             c.EntityCache.TTL,
		EntityMaxEntries:      c.EntityCache.MaxEntries,
		EntityCleanupInterval: c.EntityCache.CleanupInterval,
		PersistInterval:       c.PersistInterval,
		PersistConcurrency:    c.PersistConcurrency,
		TickInterval:          c.TickInterval,
		SlowInvocation:        c.SlowInvocation,
		IOTimeout:             c.IOTimeout,
	}
}

func (c Config) correlatorConfig() CorrelatorConfig {
	return CorrelatorConfig{
		TTL:             c.Requests.TTL,
		MaxEntries:      c.Requests.MaxEntries,
		CleanupInterval: c.Requests.CleanupInterval,
	}
}
