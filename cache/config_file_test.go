package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telcobill/go-cache/compress"
)

const testConfigYAML = `
memory:
  max_size: 5000
  default_ttl: 90s
  cleanup_interval: 30s
  eviction_policy: lfu
  compression_enabled: true
  compression_threshold: 2048
  compression_codec: zstd
  prefetch_enabled: true
  prefetch_interval: 2m
  prefetch_threshold: 3.5
redis:
  addr: redis.internal:6379
  key_prefix: billing
  default_ttl: 10m
  query_timeout: 2s
  pipeline_batch_size: 100
  pipeline_flush_delay: 5ms
  sentinel:
    master: billing-master
    addrs: ["s1:26379", "s2:26379"]
query:
  max_result_kb: 256
  default_ttl: 1h30m
  patterns:
    - SELECT.*FROM.*invoices.*WHERE.*customer_id
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Memory.MaxSize)
	assert.Equal(t, 90*time.Second, cfg.Memory.DefaultTTL)
	assert.Equal(t, 30*time.Second, cfg.Memory.CleanupInterval)
	assert.Equal(t, EvictLFU, cfg.Memory.EvictionPolicy)
	assert.True(t, cfg.Memory.CompressionEnabled)
	assert.Equal(t, compress.CodecZstd, cfg.Memory.CompressionCodec)
	assert.True(t, cfg.Memory.PrefetchEnabled)
	assert.Equal(t, 2*time.Minute, cfg.Memory.PrefetchInterval)
	assert.Equal(t, 3.5, cfg.Memory.PrefetchThreshold)

	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "billing", cfg.Redis.KeyPrefix)
	assert.Equal(t, 10*time.Minute, cfg.Redis.DefaultTTL)
	assert.Equal(t, 2*time.Second, cfg.Redis.QueryTimeout)
	assert.Equal(t, 100, cfg.Redis.PipelineBatchSize)
	assert.Equal(t, 5*time.Millisecond, cfg.Redis.PipelineFlushDelay)
	assert.Equal(t, "billing-master", cfg.Redis.Sentinel.Master)
	assert.Len(t, cfg.Redis.Sentinel.Addrs, 2)

	assert.Equal(t, 256, cfg.Query.MaxResultKB)
	assert.Equal(t, 90*time.Minute, cfg.Query.DefaultTTL)
	assert.Equal(t, []string{"SELECT.*FROM.*invoices.*WHERE.*customer_id"}, cfg.Query.Patterns)
}

func TestParseConfigBadDuration(t *testing.T) {
	_, err := ParseConfig([]byte("memory:\n  default_ttl: soon\n"))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestParseConfigBadYAML(t *testing.T) {
	_, err := ParseConfig([]byte("{not yaml"))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "billing", cfg.Redis.KeyPrefix)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
