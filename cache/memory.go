package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/telcobill/go-cache/logger"
)

// degradedMemoryBytes is the internal memory usage above which the layer
// reports itself degraded.
const degradedMemoryBytes = 500 * 1024 * 1024

// degradedHitRate is the hit rate below which the layer reports itself
// degraded, once it has seen at least one lookup.
const degradedHitRate = 0.5

// Health is the result of a layer health check.
type Health struct {
	Status      string
	HitRate     float64
	MemoryUsage int64
	Entries     int
	// SystemMemoryUsedPercent is the host's memory utilization, when
	// available.
	SystemMemoryUsedPercent float64
}

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

type memoryEntry struct {
	entry Entry
	elem  *list.Element
}

// Memory is the bounded in-process L1 store. Reads and writes go through
// the compress/encrypt pipeline; capacity is enforced by entry count with a
// pluggable eviction policy (LRU default). A background goroutine sweeps
// expired entries, emits periodic metrics snapshots, and, when enabled,
// runs the prefetch scoring pass.
type Memory struct {
	notifier

	cfg     MemoryConfig
	log     logger.Logger
	metrics *metrics
	pipe    *pipeline

	mu      sync.Mutex
	entries map[string]*memoryEntry
	lru     *list.List // front = most recently used
	tags    tagIndex
	tracker *accessTracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMemory constructs the L1 layer. Configuration is validated once here;
// invalid bounds fail with ErrConfiguration.
func NewMemory(parent context.Context, log logger.Logger, cfg MemoryConfig) (*Memory, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &metrics{}
	encKey := ""
	if cfg.EncryptionEnabled {
		encKey = cfg.EncryptionKey
	}
	pipe, err := newPipeline(cfg.CompressionEnabled, cfg.CompressionThreshold, cfg.CompressionCodec, encKey, m)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Memory{
		notifier: notifier{layer: "l1"},
		cfg:      cfg,
		log:      log.With(map[string]interface{}{"component": "cache.memory"}),
		metrics:  m,
		pipe:     pipe,
		entries:  make(map[string]*memoryEntry),
		lru:      list.New(),
		tags:     newTagIndex(),
		tracker:  newAccessTracker(),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.wg.Add(1)
	go c.run()
	return c, nil
}

// Get returns the cached value for key. A miss is (false, nil, nil);
// corruption-class failures (decrypt, decompress, unmarshal) return an
// error marked ErrCorrupted instead of masquerading as misses.
func (c *Memory) Get(ctx context.Context, key string) (bool, any, error) {
	start := time.Now()
	defer c.metrics.observe(start)

	c.mu.Lock()
	me, ok := c.entries[key]
	if ok && me.entry.Expired(start) {
		c.removeLocked(key, me)
		c.mu.Unlock()
		c.emitType(EventExpire, key)
		c.miss(key, start)
		return false, nil, nil
	}
	if !ok {
		c.mu.Unlock()
		c.miss(key, start)
		return false, nil, nil
	}
	me.entry.AccessCount++
	if c.cfg.EvictionPolicy == EvictLRU {
		c.lru.MoveToFront(me.elem)
	}
	c.tracker.record(key, start)
	entry := me.entry
	c.mu.Unlock()

	val, err := c.pipe.unpack(&entry)
	if err != nil {
		c.metrics.errors.Add(1)
		c.emitError(err)
		c.log.Error("corrupted entry for key %s: %v", key, err)
		return false, nil, err
	}
	c.metrics.hits.Add(1)
	c.emitType(EventHit, key)
	return true, val, nil
}

func (c *Memory) miss(key string, now time.Time) {
	c.mu.Lock()
	c.tracker.record(key, now)
	c.mu.Unlock()
	c.metrics.misses.Add(1)
	c.emitType(EventMiss, key)
}

// Set stores a value under key. It returns false when the value cannot be
// processed or the cache rejects it; set failures are never errors to the
// caller.
func (c *Memory) Set(ctx context.Context, key string, val any, opts ...SetOption) bool {
	start := time.Now()
	defer c.metrics.observe(start)
	o := applySetOptions(c.cfg.DefaultTTL, opts)

	data, compressed, encrypted, err := c.pipe.pack(val)
	if err != nil {
		c.metrics.errors.Add(1)
		c.emitError(err)
		c.log.Warn("failed to process value for key %s: %v", key, err)
		return false
	}
	entry := Entry{
		Value:      data,
		CreatedAt:  start,
		TTL:        o.ttl,
		Tags:       o.tags,
		Compressed: compressed,
		Encrypted:  encrypted,
		Size:       len(data),
	}

	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		c.removeLocked(key, existing)
	}
	for len(c.entries) >= c.cfg.MaxSize {
		if !c.evictLocked() {
			c.mu.Unlock()
			return false
		}
	}
	me := &memoryEntry{entry: entry}
	me.elem = c.lru.PushFront(key)
	c.entries[key] = me
	c.tags.add(key, entry.Tags)
	c.tracker.record(key, start)
	c.metrics.memoryUsage.Add(int64(entry.Size))
	c.mu.Unlock()

	c.metrics.sets.Add(1)
	c.emitType(EventSet, key)
	return true
}

// Delete removes key, reporting whether it was present.
func (c *Memory) Delete(ctx context.Context, key string) bool {
	c.mu.Lock()
	me, ok := c.entries[key]
	if ok {
		c.removeLocked(key, me)
	}
	c.mu.Unlock()
	if ok {
		c.metrics.deletes.Add(1)
		c.emitType(EventDelete, key)
	}
	return ok
}

// Has reports whether key is present and unexpired, without counting a hit.
func (c *Memory) Has(ctx context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	me, ok := c.entries[key]
	return ok && !me.entry.Expired(time.Now())
}

// MGet returns the present values for keys. Corruption errors abort.
func (c *Memory) MGet(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		found, val, err := c.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			out[key] = val
		}
	}
	return out, nil
}

// MSet stores all values; returns false if any store was rejected.
func (c *Memory) MSet(ctx context.Context, values map[string]any, opts ...SetOption) bool {
	ok := true
	for key, val := range values {
		if !c.Set(ctx, key, val, opts...) {
			ok = false
		}
	}
	return ok
}

// MDel removes keys, returning how many were present.
func (c *Memory) MDel(ctx context.Context, keys []string) int {
	var count int
	for _, key := range keys {
		if c.Delete(ctx, key) {
			count++
		}
	}
	return count
}

// InvalidateTag removes every entry carrying tag, returning the count.
func (c *Memory) InvalidateTag(ctx context.Context, tag string) int {
	c.mu.Lock()
	keys := c.tags.keys(tag)
	for _, key := range keys {
		if me, ok := c.entries[key]; ok {
			c.removeLocked(key, me)
		}
	}
	c.mu.Unlock()
	if len(keys) > 0 {
		c.log.Debug("invalidated %d entries for tag %s", len(keys), tag)
	}
	c.emit(Event{Type: EventInvalidateTag, Tag: tag, Count: len(keys)})
	return len(keys)
}

// InvalidatePattern removes every entry whose key matches the shell glob
// pattern, returning the count.
func (c *Memory) InvalidatePattern(ctx context.Context, pattern string) int {
	c.mu.Lock()
	var matched []string
	for key := range c.entries {
		if matchKey(pattern, key) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		c.removeLocked(key, c.entries[key])
	}
	c.mu.Unlock()
	c.emit(Event{Type: EventInvalidatePattern, Pattern: pattern, Count: len(matched)})
	return len(matched)
}

// Clear drops every entry and the access history.
func (c *Memory) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]*memoryEntry)
	c.lru.Init()
	c.tags = newTagIndex()
	c.tracker = newAccessTracker()
	c.metrics.memoryUsage.Store(0)
	c.mu.Unlock()
}

// Stats returns a snapshot of the layer's metrics.
func (c *Memory) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()
	return c.metrics.snapshot(entries)
}

// HealthCheck reports degraded when the hit rate is below 50% (after at
// least one lookup) or internal memory usage exceeds 500MB.
func (c *Memory) HealthCheck(ctx context.Context) Health {
	stats := c.Stats()
	h := Health{
		Status:      StatusHealthy,
		HitRate:     stats.HitRate,
		MemoryUsage: stats.MemoryUsage,
		Entries:     stats.Entries,
	}
	if vmStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.SystemMemoryUsedPercent = vmStat.UsedPercent
	}
	lookups := stats.Hits + stats.Misses
	if (lookups > 0 && stats.HitRate < degradedHitRate) || stats.MemoryUsage > degradedMemoryBytes {
		h.Status = StatusDegraded
	}
	return h
}

// Close stops the background goroutine. Idempotent.
func (c *Memory) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
	return nil
}

// removeLocked deletes an entry and its tag index membership. Caller holds
// the mutex.
func (c *Memory) removeLocked(key string, me *memoryEntry) {
	delete(c.entries, key)
	c.lru.Remove(me.elem)
	c.tags.remove(key, me.entry.Tags)
	c.metrics.memoryUsage.Add(-int64(me.entry.Size))
}

// evictLocked removes one victim per the configured policy. Caller holds
// the mutex.
func (c *Memory) evictLocked() bool {
	var key string
	switch c.cfg.EvictionPolicy {
	case EvictLFU:
		var victim *memoryEntry
		for k, me := range c.entries {
			if victim == nil || me.entry.AccessCount < victim.entry.AccessCount {
				victim = me
				key = k
			}
		}
		if victim == nil {
			return false
		}
	default:
		// LRU moves accessed entries to the front; FIFO never does, so the
		// back of the list is the right victim for both.
		elem := c.lru.Back()
		if elem == nil {
			return false
		}
		key = elem.Value.(string)
	}
	me, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(key, me)
	c.metrics.evictions.Add(1)
	c.emitType(EventEvict, key)
	return true
}

func (c *Memory) run() {
	defer c.wg.Done()
	cleanup := time.NewTicker(c.cfg.CleanupInterval)
	defer cleanup.Stop()
	metricsTick := time.NewTicker(c.cfg.MetricsInterval)
	defer metricsTick.Stop()

	var prefetchC <-chan time.Time
	if c.cfg.PrefetchEnabled {
		prefetch := time.NewTicker(c.cfg.PrefetchInterval)
		defer prefetch.Stop()
		prefetchC = prefetch.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-cleanup.C:
			c.sweep()
		case <-metricsTick.C:
			stats := c.Stats()
			c.emit(Event{Type: EventMetrics, Stats: &stats})
		case <-prefetchC:
			c.prefetchPass()
		}
	}
}

// sweep removes expired entries and prunes access history.
func (c *Memory) sweep() {
	now := time.Now()
	c.mu.Lock()
	var expired []string
	for key, me := range c.entries {
		if me.entry.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeLocked(key, c.entries[key])
	}
	c.tracker.prune(now)
	c.mu.Unlock()
	for _, key := range expired {
		c.emitType(EventExpire, key)
	}
}

// prefetchPass emits prefetch hints for hot keys that are no longer cached.
// The layer never fetches data itself; the coordinator repopulates.
func (c *Memory) prefetchPass() {
	now := time.Now()
	c.mu.Lock()
	cands := c.tracker.candidates(now, c.cfg.PrefetchThreshold, c.cfg.PrefetchLimit, func(key string) bool {
		_, ok := c.entries[key]
		return ok
	})
	c.mu.Unlock()
	for _, cand := range cands {
		c.log.Trace("prefetch candidate %s (score %.2f)", cand.key, cand.score)
		c.emitType(EventPrefetch, cand.key)
	}
}
