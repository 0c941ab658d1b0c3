package cache

import (
	"time"

	"github.com/telcobill/go-cache/compress"
)

// Default configuration values shared across layers.
const (
	DefaultTTL                  = 5 * time.Minute
	DefaultQueryTTL             = 10 * time.Minute
	DefaultCleanupInterval      = time.Minute
	DefaultMetricsInterval      = time.Minute
	DefaultQueryTimeout         = 5 * time.Second
	DefaultCompressionThreshold = 1024
	DefaultPrefetchInterval     = 5 * time.Minute
	DefaultPrefetchLimit        = 10
	DefaultPrefetchThreshold    = 2.0
	DefaultPipelineBatchSize    = 50
	DefaultPipelineFlushDelay   = 10 * time.Millisecond
	DefaultMaxEntries           = 10_000
	DefaultMaxQueryEntries      = 1_000
	DefaultMaxQueryLength       = 4_096
	DefaultMaxResultKB          = 512
)

// EvictionPolicy selects how L1 picks a victim at capacity.
type EvictionPolicy string

const (
	EvictLRU  EvictionPolicy = "lru"
	EvictLFU  EvictionPolicy = "lfu"
	EvictFIFO EvictionPolicy = "fifo"
)

// MemoryConfig configures the in-process L1 layer. Zero values take the
// documented defaults; invalid values fail construction with
// ErrConfiguration.
type MemoryConfig struct {
	// MaxSize bounds the number of entries. Default 10000.
	MaxSize int
	// DefaultTTL applies when a set carries no TTL. Default 5m.
	DefaultTTL time.Duration
	// CleanupInterval is the expired-entry sweep period. Default 60s.
	CleanupInterval time.Duration
	// MetricsInterval is the period of the metrics snapshot event. Default 1m.
	MetricsInterval time.Duration
	// EvictionPolicy is lru (default), lfu, or fifo.
	EvictionPolicy EvictionPolicy

	// CompressionEnabled turns on compression for values larger than
	// CompressionThreshold (default 1024 bytes) using CompressionCodec
	// (gzip default, zstd available).
	CompressionEnabled   bool
	CompressionThreshold int
	CompressionCodec     compress.Codec

	// EncryptionEnabled turns on AES-256-GCM for stored payloads.
	// EncryptionKey is a 64-char hex key or a passphrase.
	EncryptionEnabled bool
	EncryptionKey     string

	// PrefetchEnabled turns on the periodic hot-key scoring pass. Candidates
	// are emitted as prefetch events; the layer never fetches data itself.
	PrefetchEnabled   bool
	PrefetchInterval  time.Duration
	PrefetchThreshold float64
	PrefetchLimit     int
}

func (c *MemoryConfig) validate() error {
	if c.MaxSize < 0 {
		return configErrorf("max size cannot be negative: %d", c.MaxSize)
	}
	if c.DefaultTTL < 0 {
		return configErrorf("default TTL cannot be negative: %s", c.DefaultTTL)
	}
	if c.CleanupInterval < 0 {
		return configErrorf("cleanup interval cannot be negative: %s", c.CleanupInterval)
	}
	if c.CompressionThreshold < 0 {
		return configErrorf("compression threshold cannot be negative: %d", c.CompressionThreshold)
	}
	if c.EncryptionEnabled && c.EncryptionKey == "" {
		return configErrorf("encryption enabled without an encryption key")
	}
	switch c.EvictionPolicy {
	case "", EvictLRU, EvictLFU, EvictFIFO:
	default:
		return configErrorf("unknown eviction policy: %q", c.EvictionPolicy)
	}
	if c.MaxSize == 0 {
		c.MaxSize = DefaultMaxEntries
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	if c.EvictionPolicy == "" {
		c.EvictionPolicy = EvictLRU
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = DefaultCompressionThreshold
	}
	if c.PrefetchInterval == 0 {
		c.PrefetchInterval = DefaultPrefetchInterval
	}
	if c.PrefetchThreshold == 0 {
		c.PrefetchThreshold = DefaultPrefetchThreshold
	}
	if c.PrefetchLimit == 0 {
		c.PrefetchLimit = DefaultPrefetchLimit
	}
	return nil
}

// SentinelConfig names a sentinel-monitored replica set.
type SentinelConfig struct {
	// Master is the sentinel master name.
	Master string
	// Addrs are the sentinel addresses.
	Addrs []string
}

// RedisConfig configures the shared L2 layer. A deployment may set Addr,
// ClusterNodes, and Sentinel simultaneously; client selection priority is
// cluster, then sentinel, then single node.
type RedisConfig struct {
	// Addr is the single-node address, e.g. "localhost:6379".
	Addr     string
	Username string
	Password string
	DB       int

	// ClusterNodes, when non-empty, selects a cluster client.
	ClusterNodes []string
	// Sentinel, when set, selects a sentinel failover client.
	Sentinel SentinelConfig

	// KeyPrefix namespaces all keys, tag sets, and channels.
	KeyPrefix string

	// DefaultTTL applies when a set carries no TTL. Default 5m.
	DefaultTTL time.Duration
	// QueryTimeout bounds every remote operation. Default 5s.
	QueryTimeout time.Duration
	// MetricsInterval is the period of the metrics snapshot event. Default 1m.
	MetricsInterval time.Duration

	// PipelineBatchSize flushes the auto-batching pipeline when this many
	// operations are queued. Default 50.
	PipelineBatchSize int
	// PipelineFlushDelay is the debounce window before a partial batch is
	// flushed. Default 10ms.
	PipelineFlushDelay time.Duration

	CompressionEnabled   bool
	CompressionThreshold int
	CompressionCodec     compress.Codec

	EncryptionEnabled bool
	EncryptionKey     string
}

func (c *RedisConfig) validate() error {
	if c.Addr == "" && len(c.ClusterNodes) == 0 && c.Sentinel.Master == "" {
		return configErrorf("no redis topology configured: need addr, cluster nodes, or sentinel")
	}
	if c.Sentinel.Master != "" && len(c.Sentinel.Addrs) == 0 {
		return configErrorf("sentinel master %q configured without sentinel addresses", c.Sentinel.Master)
	}
	if c.DefaultTTL < 0 {
		return configErrorf("default TTL cannot be negative: %s", c.DefaultTTL)
	}
	if c.QueryTimeout < 0 {
		return configErrorf("query timeout cannot be negative: %s", c.QueryTimeout)
	}
	if c.PipelineBatchSize < 0 {
		return configErrorf("pipeline batch size cannot be negative: %d", c.PipelineBatchSize)
	}
	if c.CompressionThreshold < 0 {
		return configErrorf("compression threshold cannot be negative: %d", c.CompressionThreshold)
	}
	if c.EncryptionEnabled && c.EncryptionKey == "" {
		return configErrorf("encryption enabled without an encryption key")
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	if c.PipelineBatchSize == 0 {
		c.PipelineBatchSize = DefaultPipelineBatchSize
	}
	if c.PipelineFlushDelay == 0 {
		c.PipelineFlushDelay = DefaultPipelineFlushDelay
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = DefaultCompressionThreshold
	}
	return nil
}

// QueryConfig configures the L3 query-result layer.
type QueryConfig struct {
	// Patterns is the allow-list of regular expressions a normalized SELECT
	// must match to be cacheable. Compiled case-insensitively. Defaults
	// target the hot billing lookups.
	Patterns []string
	// Tables are the table names used for automatic tag derivation.
	Tables []string
	// MaxQueryLength rejects queries longer than this. Default 4096.
	MaxQueryLength int
	// MaxResultKB rejects results whose serialized size exceeds this many
	// kilobytes. Default 512.
	MaxResultKB int
	// MaxSize bounds the number of cached results; at capacity the oldest
	// 10% are evicted in bulk. Default 1000.
	MaxSize int
	// DefaultTTL applies when a set carries no TTL. Default 10m.
	DefaultTTL time.Duration
	// CleanupInterval is the expired-entry sweep period. Default 60s.
	CleanupInterval time.Duration
	// MetricsInterval is the period of the metrics snapshot event. Default 1m.
	MetricsInterval time.Duration
}

// DefaultQueryPatterns is the built-in allow-list: customer lookups by id,
// subscriptions by customer, and voucher lookups by status.
var DefaultQueryPatterns = []string{
	`SELECT.*FROM.*customers.*WHERE.*id`,
	`SELECT.*FROM.*subscriptions.*WHERE.*customer_id`,
	`SELECT.*FROM.*vouchers.*WHERE.*status`,
}

// DefaultQueryTables are the table names recognized for auto-tagging.
var DefaultQueryTables = []string{
	"customers", "subscriptions", "invoices", "payments", "vouchers",
	"plans", "devices", "sessions", "tickets", "users",
}

func (c *QueryConfig) validate() error {
	if c.MaxQueryLength < 0 {
		return configErrorf("max query length cannot be negative: %d", c.MaxQueryLength)
	}
	if c.MaxResultKB < 0 {
		return configErrorf("max result size cannot be negative: %d", c.MaxResultKB)
	}
	if c.MaxSize < 0 {
		return configErrorf("max size cannot be negative: %d", c.MaxSize)
	}
	if c.DefaultTTL < 0 {
		return configErrorf("default TTL cannot be negative: %s", c.DefaultTTL)
	}
	if len(c.Patterns) == 0 {
		c.Patterns = DefaultQueryPatterns
	}
	if len(c.Tables) == 0 {
		c.Tables = DefaultQueryTables
	}
	if c.MaxQueryLength == 0 {
		c.MaxQueryLength = DefaultMaxQueryLength
	}
	if c.MaxResultKB == 0 {
		c.MaxResultKB = DefaultMaxResultKB
	}
	if c.MaxSize == 0 {
		c.MaxSize = DefaultMaxQueryEntries
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultQueryTTL
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	return nil
}
