package cache

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/telcobill/go-cache/compress"
)

// Config bundles the per-layer configuration as loaded from a YAML file.
type Config struct {
	Memory MemoryConfig
	Redis  RedisConfig
	Query  QueryConfig
}

// duration accepts human-readable strings like "90s", "10m", or "1h30m".
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Value == "" {
		*d = 0
		return nil
	}
	v, err := str2duration.ParseDuration(node.Value)
	if err != nil {
		return configErrorf("invalid duration %q: %v", node.Value, err)
	}
	*d = duration(v)
	return nil
}

type memoryFile struct {
	MaxSize              int            `yaml:"max_size"`
	DefaultTTL           duration       `yaml:"default_ttl"`
	CleanupInterval      duration       `yaml:"cleanup_interval"`
	MetricsInterval      duration       `yaml:"metrics_interval"`
	EvictionPolicy       EvictionPolicy `yaml:"eviction_policy"`
	CompressionEnabled   bool           `yaml:"compression_enabled"`
	CompressionThreshold int            `yaml:"compression_threshold"`
	CompressionCodec     string         `yaml:"compression_codec"`
	EncryptionEnabled    bool           `yaml:"encryption_enabled"`
	EncryptionKey        string         `yaml:"encryption_key"`
	PrefetchEnabled      bool           `yaml:"prefetch_enabled"`
	PrefetchInterval     duration       `yaml:"prefetch_interval"`
	PrefetchThreshold    float64        `yaml:"prefetch_threshold"`
	PrefetchLimit        int            `yaml:"prefetch_limit"`
}

type sentinelFile struct {
	Master string   `yaml:"master"`
	Addrs  []string `yaml:"addrs"`
}

type redisFile struct {
	Addr                 string       `yaml:"addr"`
	Username             string       `yaml:"username"`
	Password             string       `yaml:"password"`
	DB                   int          `yaml:"db"`
	ClusterNodes         []string     `yaml:"cluster_nodes"`
	Sentinel             sentinelFile `yaml:"sentinel"`
	KeyPrefix            string       `yaml:"key_prefix"`
	DefaultTTL           duration     `yaml:"default_ttl"`
	QueryTimeout         duration     `yaml:"query_timeout"`
	MetricsInterval      duration     `yaml:"metrics_interval"`
	PipelineBatchSize    int          `yaml:"pipeline_batch_size"`
	PipelineFlushDelay   duration     `yaml:"pipeline_flush_delay"`
	CompressionEnabled   bool         `yaml:"compression_enabled"`
	CompressionThreshold int          `yaml:"compression_threshold"`
	CompressionCodec     string       `yaml:"compression_codec"`
	EncryptionEnabled    bool         `yaml:"encryption_enabled"`
	EncryptionKey        string       `yaml:"encryption_key"`
}

type queryFile struct {
	Patterns        []string `yaml:"patterns"`
	Tables          []string `yaml:"tables"`
	MaxQueryLength  int      `yaml:"max_query_length"`
	MaxResultKB     int      `yaml:"max_result_kb"`
	MaxSize         int      `yaml:"max_size"`
	DefaultTTL      duration `yaml:"default_ttl"`
	CleanupInterval duration `yaml:"cleanup_interval"`
	MetricsInterval duration `yaml:"metrics_interval"`
}

type configFile struct {
	Memory memoryFile `yaml:"memory"`
	Redis  redisFile  `yaml:"redis"`
	Query  queryFile  `yaml:"query"`
}

// LoadConfig reads a YAML configuration file covering all three layers.
// Durations are human-readable strings ("60s", "10m"). Missing values take
// the layer defaults; validation happens at layer construction.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(buf)
}

// ParseConfig parses YAML configuration bytes. See LoadConfig.
func ParseConfig(buf []byte) (*Config, error) {
	var f configFile
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return nil, configErrorf("failed to parse config: %v", err)
	}
	cfg := &Config{
		Memory: MemoryConfig{
			MaxSize:              f.Memory.MaxSize,
			DefaultTTL:           time.Duration(f.Memory.DefaultTTL),
			CleanupInterval:      time.Duration(f.Memory.CleanupInterval),
			MetricsInterval:      time.Duration(f.Memory.MetricsInterval),
			EvictionPolicy:       f.Memory.EvictionPolicy,
			CompressionEnabled:   f.Memory.CompressionEnabled,
			CompressionThreshold: f.Memory.CompressionThreshold,
			CompressionCodec:     compress.Codec(f.Memory.CompressionCodec),
			EncryptionEnabled:    f.Memory.EncryptionEnabled,
			EncryptionKey:        f.Memory.EncryptionKey,
			PrefetchEnabled:      f.Memory.PrefetchEnabled,
			PrefetchInterval:     time.Duration(f.Memory.PrefetchInterval),
			PrefetchThreshold:    f.Memory.PrefetchThreshold,
			PrefetchLimit:        f.Memory.PrefetchLimit,
		},
		Redis: RedisConfig{
			Addr:         f.Redis.Addr,
			Username:     f.Redis.Username,
			Password:     f.Redis.Password,
			DB:           f.Redis.DB,
			ClusterNodes: f.Redis.ClusterNodes,
			Sentinel: SentinelConfig{
				Master: f.Redis.Sentinel.Master,
				Addrs:  f.Redis.Sentinel.Addrs,
			},
			KeyPrefix:            f.Redis.KeyPrefix,
			DefaultTTL:           time.Duration(f.Redis.DefaultTTL),
			QueryTimeout:         time.Duration(f.Redis.QueryTimeout),
			MetricsInterval:      time.Duration(f.Redis.MetricsInterval),
			PipelineBatchSize:    f.Redis.PipelineBatchSize,
			PipelineFlushDelay:   time.Duration(f.Redis.PipelineFlushDelay),
			CompressionEnabled:   f.Redis.CompressionEnabled,
			CompressionThreshold: f.Redis.CompressionThreshold,
			CompressionCodec:     compress.Codec(f.Redis.CompressionCodec),
			EncryptionEnabled:    f.Redis.EncryptionEnabled,
			EncryptionKey:        f.Redis.EncryptionKey,
		},
		Query: QueryConfig{
			Patterns:        f.Query.Patterns,
			Tables:          f.Query.Tables,
			MaxQueryLength:  f.Query.MaxQueryLength,
			MaxResultKB:     f.Query.MaxResultKB,
			MaxSize:         f.Query.MaxSize,
			DefaultTTL:      time.Duration(f.Query.DefaultTTL),
			CleanupInterval: time.Duration(f.Query.CleanupInterval),
			MetricsInterval: time.Duration(f.Query.MetricsInterval),
		},
	}
	return cfg, nil
}
