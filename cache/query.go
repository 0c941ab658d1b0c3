package cache

import (
	"context"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/telcobill/go-cache/logger"
)

// bulkEvictFraction is the share of entries dropped, oldest first, when the
// query cache reaches capacity. Bulk eviction amortizes the cost compared
// to evicting one entry per insert.
const bulkEvictFraction = 0.1

// Structural hints derived from the SQL shape, used as auto-tags.
var (
	reSingleRecord = regexp.MustCompile(`(?i)WHERE\s+.*\bid\s*=`)
	reCountQuery   = regexp.MustCompile(`(?i)SELECT\s+COUNT\s*\(`)
	reAggregate    = regexp.MustCompile(`(?i)\b(SUM|AVG|MAX|MIN)\s*\(`)
	reOrderBy      = regexp.MustCompile(`(?i)\bORDER\s+BY\b`)
	reLimit        = regexp.MustCompile(`(?i)\bLIMIT\b`)
	reTimeBased    = regexp.MustCompile(`(?i)\b(created_at|updated_at)\b`)
	reWordSplit    = regexp.MustCompile(`[^a-z0-9_]+`)
)

type queryEntry struct {
	entry Entry
	sql   string
}

// QueryCache is the L3 result cache for expensive SELECTs, keyed by a
// fingerprint of the normalized SQL plus its bound parameters. Only queries
// passing the allow-list gate are ever cached; everything else is a
// guaranteed miss, so unvetted queries can never be served stale.
type QueryCache struct {
	notifier

	cfg      QueryConfig
	log      logger.Logger
	metrics  *metrics
	patterns []*regexp.Regexp

	mu      sync.Mutex
	entries map[string]*queryEntry
	tags    tagIndex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// QueryOption customizes a single query-cache set.
type QueryOption func(*queryOptions)

type queryOptions struct {
	ttl             time.Duration
	tags            []string
	executionTimeMs int64
}

// WithQueryTTL overrides the default result TTL.
func WithQueryTTL(d time.Duration) QueryOption {
	return func(o *queryOptions) { o.ttl = d }
}

// WithQueryTags supplies explicit invalidation tags, disabling auto-tagging.
func WithQueryTags(tags ...string) QueryOption {
	return func(o *queryOptions) { o.tags = tags }
}

// WithExecutionTime records how long the query took to execute, for logging
// the value of a cache hit.
func WithExecutionTime(ms int64) QueryOption {
	return func(o *queryOptions) { o.executionTimeMs = ms }
}

// NewQueryCache constructs the L3 layer. Allow-list patterns are compiled
// case-insensitively; a pattern that does not compile fails construction
// with ErrConfiguration.
func NewQueryCache(parent context.Context, log logger.Logger, cfg QueryConfig) (*QueryCache, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, configErrorf("invalid allow-list pattern %q: %v", p, err)
		}
		patterns = append(patterns, re)
	}
	ctx, cancel := context.WithCancel(parent)
	c := &QueryCache{
		notifier: notifier{layer: "l3"},
		cfg:      cfg,
		log:      log.With(map[string]interface{}{"component": "cache.query"}),
		metrics:  &metrics{},
		patterns: patterns,
		entries:  make(map[string]*queryEntry),
		tags:     newTagIndex(),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.wg.Add(1)
	go c.run()
	return c, nil
}

// normalizeSQL collapses all whitespace runs to single spaces.
func normalizeSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// ShouldCache reports whether a query passes the eligibility gate:
// a read-only SELECT, within the length bound, matching the allow-list.
func (c *QueryCache) ShouldCache(sql string) bool {
	norm := normalizeSQL(sql)
	if len(norm) == 0 || len(norm) > c.cfg.MaxQueryLength {
		return false
	}
	if !strings.HasPrefix(strings.ToUpper(norm), "SELECT") {
		return false
	}
	for _, re := range c.patterns {
		if re.MatchString(norm) {
			return true
		}
	}
	return false
}

// Fingerprint derives the 128-bit cache key for a query: two seeded 64-bit
// digests over the normalized SQL and its serialized parameters. Identical
// SQL and parameter lists always produce the same key.
func Fingerprint(sql string, params []any) string {
	norm := normalizeSQL(sql)
	paramBytes, _ := msgpack.Marshal(params)

	var buf []byte
	buf = append(buf, norm...)
	buf = append(buf, '|')
	buf = append(buf, paramBytes...)

	var out [16]byte
	d := xxhash.New()
	d.WriteString(norm)
	sum1 := d.Sum64()
	sum2 := xxhash.Sum64(buf)
	for i := 0; i < 8; i++ {
		out[i] = byte(sum1 >> (56 - 8*i))
		out[8+i] = byte(sum2 >> (56 - 8*i))
	}
	return hex.EncodeToString(out[:])
}

// autoTags derives invalidation tags from the SQL text: every known table
// name present, plus structural hints about the query shape.
func (c *QueryCache) autoTags(norm string) []string {
	var tags []string
	words := make(map[string]struct{})
	for _, w := range reWordSplit.Split(strings.ToLower(norm), -1) {
		if w != "" {
			words[w] = struct{}{}
		}
	}
	for _, table := range c.cfg.Tables {
		if _, ok := words[strings.ToLower(table)]; ok {
			tags = append(tags, table)
		}
	}
	if reSingleRecord.MatchString(norm) {
		tags = append(tags, "single_record")
	}
	if reCountQuery.MatchString(norm) {
		tags = append(tags, "count_query")
	}
	if reAggregate.MatchString(norm) {
		tags = append(tags, "aggregate_query")
	}
	if reOrderBy.MatchString(norm) && reLimit.MatchString(norm) {
		tags = append(tags, "paginated_query")
	}
	if reTimeBased.MatchString(norm) {
		tags = append(tags, "time_based_query")
	}
	return normalizeTags(tags)
}

// Get returns the cached rows for a query, or (false, nil, nil) on a miss.
// Ineligible queries always miss.
func (c *QueryCache) Get(ctx context.Context, sql string, params []any) (bool, any, error) {
	start := time.Now()
	defer c.metrics.observe(start)
	if !c.ShouldCache(sql) {
		c.metrics.misses.Add(1)
		return false, nil, nil
	}
	hash := Fingerprint(sql, params)

	c.mu.Lock()
	qe, ok := c.entries[hash]
	if ok && qe.entry.Expired(start) {
		c.removeLocked(hash, qe)
		ok = false
		c.mu.Unlock()
		c.emitType(EventExpire, hash)
	} else {
		if ok {
			qe.entry.AccessCount++
		}
		c.mu.Unlock()
	}
	if !ok {
		c.metrics.misses.Add(1)
		c.emitType(EventMiss, hash)
		return false, nil, nil
	}

	var rows any
	if err := msgpack.Unmarshal(qe.entry.Value, &rows); err != nil {
		err = corruptedError(err, "unmarshal")
		c.metrics.errors.Add(1)
		c.emitError(err)
		return false, nil, err
	}
	c.metrics.hits.Add(1)
	c.emitType(EventHit, hash)
	return true, rows, nil
}

// Set caches a query result. It returns false when the query fails the
// eligibility gate or the serialized result exceeds the size bound.
func (c *QueryCache) Set(ctx context.Context, sql string, params []any, rows any, opts ...QueryOption) bool {
	start := time.Now()
	defer c.metrics.observe(start)
	if !c.ShouldCache(sql) {
		return false
	}
	o := queryOptions{ttl: c.cfg.DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = c.cfg.DefaultTTL
	}

	data, err := msgpack.Marshal(rows)
	if err != nil {
		c.metrics.errors.Add(1)
		c.emitError(err)
		return false
	}
	if len(data) > c.cfg.MaxResultKB*1024 {
		c.log.Debug("result too large to cache: %d bytes", len(data))
		return false
	}

	norm := normalizeSQL(sql)
	tags := o.tags
	if len(tags) == 0 {
		tags = c.autoTags(norm)
	} else {
		tags = normalizeTags(tags)
	}
	hash := Fingerprint(sql, params)
	entry := Entry{
		Value:     data,
		CreatedAt: start,
		TTL:       o.ttl,
		Tags:      tags,
		Size:      len(data),
	}

	c.mu.Lock()
	if existing, ok := c.entries[hash]; ok {
		c.removeLocked(hash, existing)
	}
	if len(c.entries) >= c.cfg.MaxSize {
		c.evictOldestLocked()
	}
	c.entries[hash] = &queryEntry{entry: entry, sql: norm}
	c.tags.add(hash, tags)
	c.metrics.memoryUsage.Add(int64(len(data)))
	c.mu.Unlock()

	c.metrics.sets.Add(1)
	c.emitType(EventSet, hash)
	if o.executionTimeMs > 0 {
		c.log.Trace("cached query (%dms to execute): %s", o.executionTimeMs, norm)
	}
	return true
}

// InvalidateTag removes every cached result carrying tag.
func (c *QueryCache) InvalidateTag(ctx context.Context, tag string) int {
	c.mu.Lock()
	hashes := c.tags.keys(tag)
	for _, h := range hashes {
		if qe, ok := c.entries[h]; ok {
			c.removeLocked(h, qe)
		}
	}
	c.mu.Unlock()
	c.emit(Event{Type: EventInvalidateTag, Tag: tag, Count: len(hashes)})
	return len(hashes)
}

// InvalidatePattern removes every cached result carrying a tag that matches
// the shell glob pattern.
func (c *QueryCache) InvalidatePattern(ctx context.Context, pattern string) int {
	c.mu.Lock()
	seen := make(map[string]struct{})
	for _, tag := range c.tags.matchTags(pattern) {
		for _, h := range c.tags.keys(tag) {
			seen[h] = struct{}{}
		}
	}
	for h := range seen {
		if qe, ok := c.entries[h]; ok {
			c.removeLocked(h, qe)
		}
	}
	c.mu.Unlock()
	c.emit(Event{Type: EventInvalidatePattern, Pattern: pattern, Count: len(seen)})
	return len(seen)
}

// InvalidateQueries removes specific results by fingerprint.
func (c *QueryCache) InvalidateQueries(ctx context.Context, hashes []string) int {
	var count int
	c.mu.Lock()
	for _, h := range hashes {
		if qe, ok := c.entries[h]; ok {
			c.removeLocked(h, qe)
			count++
		}
	}
	c.mu.Unlock()
	c.metrics.deletes.Add(int64(count))
	return count
}

// Cleanup removes expired results now, returning the count removed.
func (c *QueryCache) Cleanup() int {
	now := time.Now()
	c.mu.Lock()
	var expired []string
	for h, qe := range c.entries {
		if qe.entry.Expired(now) {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		c.removeLocked(h, c.entries[h])
	}
	c.mu.Unlock()
	for _, h := range expired {
		c.emitType(EventExpire, h)
	}
	return len(expired)
}

// Clear drops every cached result.
func (c *QueryCache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]*queryEntry)
	c.tags = newTagIndex()
	c.metrics.memoryUsage.Store(0)
	c.mu.Unlock()
}

// Stats returns a snapshot of the layer's metrics.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()
	return c.metrics.snapshot(entries)
}

// HealthCheck mirrors the L1 thresholds.
func (c *QueryCache) HealthCheck(ctx context.Context) Health {
	stats := c.Stats()
	h := Health{
		Status:      StatusHealthy,
		HitRate:     stats.HitRate,
		MemoryUsage: stats.MemoryUsage,
		Entries:     stats.Entries,
	}
	lookups := stats.Hits + stats.Misses
	if (lookups > 0 && stats.HitRate < degradedHitRate) || stats.MemoryUsage > degradedMemoryBytes {
		h.Status = StatusDegraded
	}
	return h
}

// Close stops the background sweep. Idempotent.
func (c *QueryCache) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
	return nil
}

func (c *QueryCache) removeLocked(hash string, qe *queryEntry) {
	delete(c.entries, hash)
	c.tags.remove(hash, qe.entry.Tags)
	c.metrics.memoryUsage.Add(-int64(qe.entry.Size))
}

// evictOldestLocked drops the oldest tenth of entries by insertion time.
// Caller holds the mutex.
func (c *QueryCache) evictOldestLocked() {
	n := int(float64(len(c.entries)) * bulkEvictFraction)
	if n < 1 {
		n = 1
	}
	type aged struct {
		hash    string
		created time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for h, qe := range c.entries {
		all = append(all, aged{hash: h, created: qe.entry.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].created.Before(all[j].created) })
	for i := 0; i < n && i < len(all); i++ {
		h := all[i].hash
		c.removeLocked(h, c.entries[h])
		c.metrics.evictions.Add(1)
		c.emitType(EventEvict, h)
	}
}

func (c *QueryCache) run() {
	defer c.wg.Done()
	cleanup := time.NewTicker(c.cfg.CleanupInterval)
	defer cleanup.Stop()
	metricsTick := time.NewTicker(c.cfg.MetricsInterval)
	defer metricsTick.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-cleanup.C:
			if n := c.Cleanup(); n > 0 {
				c.log.Debug("swept %d expired query results", n)
			}
		case <-metricsTick.C:
			stats := c.Stats()
			c.emit(Event{Type: EventMetrics, Stats: &stats})
		}
	}
}
