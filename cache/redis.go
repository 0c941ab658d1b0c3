package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/telcobill/go-cache/logger"
)

// invalidateChannel is the pub/sub channel (under the key prefix) used for
// cross-process invalidation broadcast.
const invalidateChannel = "invalidate"

// Redis is the shared L2 store. It speaks to a single node, a cluster, or a
// sentinel-monitored replica set, runs values through the same
// compress/encrypt pipeline as L1, batches MGet/MSet into pipelined round
// trips, and broadcasts invalidations over pub/sub.
//
// Every method recovers from backend failures internally: the errors
// counter is incremented, an error event is emitted, and a safe zero value
// is returned. A nil result does not distinguish "absent" from
// "unavailable" — subscribe to error events if the difference matters.
// Corruption-class errors from the pipeline are the exception and
// propagate.
type Redis struct {
	notifier

	cfg     RedisConfig
	log     logger.Logger
	metrics *metrics
	pipe    *pipeline
	client  redis.UniversalClient
	ownsClient bool

	// id identifies this instance in invalidation broadcasts so it can
	// ignore its own messages.
	id string

	batchCh chan *batchOp

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRedis constructs the L2 layer, selecting the client topology from the
// configuration: cluster when cluster nodes are named, then sentinel, then
// single node.
func NewRedis(parent context.Context, log logger.Logger, cfg RedisConfig) (*Redis, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c, err := newRedis(parent, log, cfg)
	if err != nil {
		return nil, err
	}
	c.client = c.dialClient()
	c.ownsClient = true
	c.start()
	return c, nil
}

// NewRedisWithClient constructs the L2 layer over a caller-owned client.
// Close will not close the client.
func NewRedisWithClient(parent context.Context, log logger.Logger, cfg RedisConfig, client redis.UniversalClient) (*Redis, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c, err := newRedis(parent, log, cfg)
	if err != nil {
		return nil, err
	}
	c.client = client
	c.start()
	return c, nil
}

func newRedis(parent context.Context, log logger.Logger, cfg RedisConfig) (*Redis, error) {
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
	return &Redis{
		notifier: notifier{layer: "l2"},
		cfg:      cfg,
		log:      log.With(map[string]interface{}{"component": "cache.redis"}),
		metrics:  m,
		pipe:     pipe,
		id:       uuid.NewString(),
		batchCh:  make(chan *batchOp, cfg.PipelineBatchSize*2),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (c *Redis) start() {
	c.wg.Add(2)
	go c.run()
	go c.runBatcher()
}

// dialClient picks the topology: cluster first, then sentinel, then single
// node. Connection establishment is surfaced as a connection event.
func (c *Redis) dialClient() redis.UniversalClient {
	onConnect := func(ctx context.Context, cn *redis.Conn) error {
		c.emit(Event{Type: EventConnection, State: "connect"})
		return nil
	}
	switch {
	case len(c.cfg.ClusterNodes) > 0:
		c.log.Debug("using cluster topology with %d nodes", len(c.cfg.ClusterNodes))
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:     c.cfg.ClusterNodes,
			Username:  c.cfg.Username,
			Password:  c.cfg.Password,
			OnConnect: onConnect,
		})
	case c.cfg.Sentinel.Master != "":
		c.log.Debug("using sentinel topology, master %s", c.cfg.Sentinel.Master)
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    c.cfg.Sentinel.Master,
			SentinelAddrs: c.cfg.Sentinel.Addrs,
			Username:      c.cfg.Username,
			Password:      c.cfg.Password,
			DB:            c.cfg.DB,
			OnConnect:     onConnect,
		})
	default:
		return redis.NewClient(&redis.Options{
			Addr:      c.cfg.Addr,
			Username:  c.cfg.Username,
			Password:  c.cfg.Password,
			DB:        c.cfg.DB,
			OnConnect: onConnect,
		})
	}
}

func (c *Redis) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.QueryTimeout)
}

func (c *Redis) key(k string) string {
	if c.cfg.KeyPrefix == "" {
		return k
	}
	return c.cfg.KeyPrefix + ":" + k
}

func (c *Redis) stripKey(k string) string {
	if c.cfg.KeyPrefix == "" {
		return k
	}
	return k[len(c.cfg.KeyPrefix)+1:]
}

func (c *Redis) tagKey(tag string) string {
	return c.key("tag:" + tag)
}

// fail records a backend failure: errors counter, error event, log line.
func (c *Redis) fail(op string, err error) {
	err = errors.Mark(errors.Wrapf(err, "redis %s failed", op), ErrBackendUnavailable)
	c.metrics.errors.Add(1)
	c.emitError(err)
	c.emit(Event{Type: EventConnection, State: "error"})
	c.log.Warn("%v", err)
}

// Get returns the cached value for key, or (false, nil, nil) when absent or
// the backend is unavailable. Corruption errors propagate.
func (c *Redis) Get(ctx context.Context, key string) (bool, any, error) {
	found, val, err := c.GetStrict(ctx, key)
	if err != nil && !IsCorrupted(err) {
		return false, nil, nil
	}
	return found, val, err
}

// GetStrict is Get without the backend-failure recovery: unavailability
// surfaces as an error marked ErrBackendUnavailable. The coordinator uses
// it to feed its circuit breaker; most callers want Get.
func (c *Redis) GetStrict(ctx context.Context, key string) (bool, any, error) {
	start := time.Now()
	defer c.metrics.observe(start)
	spanCtx, span := tracer.Start(ctx, "cache.redis.Get", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	qctx, cancel := c.queryCtx(spanCtx)
	defer cancel()
	k := c.key(key)
	data, err := c.client.HGet(qctx, k, "v").Bytes()
	if err == redis.Nil {
		c.metrics.misses.Add(1)
		c.emitType(EventMiss, key)
		return false, nil, nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.fail("get", err)
		c.metrics.misses.Add(1)
		return false, nil, errors.Mark(err, ErrBackendUnavailable)
	}
	// Hit counter update is fire-and-forget; a failure never fails the Get.
	c.client.HIncrBy(qctx, k, "h", 1)

	val, err := c.decodeEntry(data)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, nil, err
	}
	c.metrics.hits.Add(1)
	c.emitType(EventHit, key)
	return true, val, nil
}

// decodeEntry unmarshals a stored Entry and reverses the pipeline.
// Failures are corruption-class: they propagate, recorded but not swallowed.
func (c *Redis) decodeEntry(data []byte) (any, error) {
	var entry Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		err = corruptedError(err, "unmarshal")
		c.metrics.errors.Add(1)
		c.emitError(err)
		return nil, err
	}
	val, err := c.pipe.unpack(&entry)
	if err != nil {
		c.metrics.errors.Add(1)
		c.emitError(err)
		return nil, err
	}
	return val, nil
}

// encodeEntry runs a value through the pipeline and marshals the Entry.
func (c *Redis) encodeEntry(val any, o setOptions, now time.Time) ([]byte, error) {
	data, compressed, encrypted, err := c.pipe.pack(val)
	if err != nil {
		return nil, err
	}
	entry := Entry{
		Value:      data,
		CreatedAt:  now,
		TTL:        o.ttl,
		Tags:       o.tags,
		Compressed: compressed,
		Encrypted:  encrypted,
		Size:       len(data),
	}
	return msgpack.Marshal(&entry)
}

// Set stores a value under key with the remote store's native expiry.
func (c *Redis) Set(ctx context.Context, key string, val any, opts ...SetOption) bool {
	return c.SetStrict(ctx, key, val, opts...) == nil
}

// SetStrict is Set with backend failures surfaced as errors marked
// ErrBackendUnavailable, for the coordinator's circuit breaker.
func (c *Redis) SetStrict(ctx context.Context, key string, val any, opts ...SetOption) error {
	start := time.Now()
	defer c.metrics.observe(start)
	spanCtx, span := tracer.Start(ctx, "cache.redis.Set", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	o := applySetOptions(c.cfg.DefaultTTL, opts)
	payload, err := c.encodeEntry(val, o, start)
	if err != nil {
		c.metrics.errors.Add(1)
		c.emitError(err)
		c.log.Warn("failed to process value for key %s: %v", key, err)
		return err
	}

	qctx, cancel := c.queryCtx(spanCtx)
	defer cancel()
	k := c.key(key)
	pipe := c.client.Pipeline()
	pipe.HSet(qctx, k, "v", payload, "h", 0)
	pipe.Expire(qctx, k, o.ttl)
	for _, tag := range o.tags {
		pipe.SAdd(qctx, c.tagKey(tag), key)
	}
	if _, err := pipe.Exec(qctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.fail("set", err)
		return errors.Mark(err, ErrBackendUnavailable)
	}
	c.metrics.sets.Add(1)
	c.emitType(EventSet, key)
	return nil
}

// Delete removes key, reporting whether it was present.
func (c *Redis) Delete(ctx context.Context, key string) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Del(qctx, c.key(key)).Result()
	if err != nil {
		c.fail("delete", err)
		return false
	}
	if n > 0 {
		c.metrics.deletes.Add(1)
		c.emitType(EventDelete, key)
	}
	return n > 0
}

// Has reports whether key exists.
func (c *Redis) Has(ctx context.Context, key string) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Exists(qctx, c.key(key)).Result()
	if err != nil {
		c.fail("has", err)
		return false
	}
	return n > 0
}

// Expire updates a key's TTL.
func (c *Redis) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	ok, err := c.client.Expire(qctx, c.key(key), ttl).Result()
	if err != nil {
		c.fail("expire", err)
		return false
	}
	return ok
}

// TTL returns a key's remaining TTL. The bool is false when the key does
// not exist or the backend is unavailable.
func (c *Redis) TTL(ctx context.Context, key string) (time.Duration, bool) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	d, err := c.client.TTL(qctx, c.key(key)).Result()
	if err != nil {
		c.fail("ttl", err)
		return 0, false
	}
	if d < 0 {
		return 0, false
	}
	return d, true
}

// HSet sets a field in a raw hash. Structure operations bypass the value
// pipeline; they exist for collaborators that use the shared store for
// counters and small lookup structures.
func (c *Redis) HSet(ctx context.Context, key, field, value string) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.HSet(qctx, c.key(key), field, value).Err(); err != nil {
		c.fail("hset", err)
		return false
	}
	return true
}

// HGet returns a field from a raw hash.
func (c *Redis) HGet(ctx context.Context, key, field string) (string, bool) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	v, err := c.client.HGet(qctx, c.key(key), field).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.fail("hget", err)
		return "", false
	}
	return v, true
}

// HGetAll returns all fields of a raw hash.
func (c *Redis) HGetAll(ctx context.Context, key string) map[string]string {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	m, err := c.client.HGetAll(qctx, c.key(key)).Result()
	if err != nil {
		c.fail("hgetall", err)
		return map[string]string{}
	}
	return m
}

// LPush prepends values to a list.
func (c *Redis) LPush(ctx context.Context, key string, values ...string) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := c.client.LPush(qctx, c.key(key), args...).Err(); err != nil {
		c.fail("lpush", err)
		return false
	}
	return true
}

// RPop pops the last element of a list.
func (c *Redis) RPop(ctx context.Context, key string) (string, bool) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	v, err := c.client.RPop(qctx, c.key(key)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.fail("rpop", err)
		return "", false
	}
	return v, true
}

// SAdd adds members to a set.
func (c *Redis) SAdd(ctx context.Context, key string, members ...string) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.client.SAdd(qctx, c.key(key), args...).Err(); err != nil {
		c.fail("sadd", err)
		return false
	}
	return true
}

// SMembers returns the members of a set.
func (c *Redis) SMembers(ctx context.Context, key string) []string {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	members, err := c.client.SMembers(qctx, c.key(key)).Result()
	if err != nil {
		c.fail("smembers", err)
		return nil
	}
	return members
}

// Incr atomically increments a counter. The TTL is applied only when the
// increment created the key.
func (c *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, bool) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Incr(qctx, c.key(key)).Result()
	if err != nil {
		c.fail("incr", err)
		return 0, false
	}
	if n == 1 && ttl > 0 {
		if err := c.client.Expire(qctx, c.key(key), ttl).Err(); err != nil {
			c.fail("incr expire", err)
		}
	}
	return n, true
}

// Keys returns the keys matching a redis glob pattern, using SCAN so the
// server is never blocked the way KEYS would. This walks the whole keyspace
// and is intended for administrative use only.
func (c *Redis) Keys(ctx context.Context, pattern string) []string {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var out []string
	iter := c.client.Scan(qctx, 0, c.key(pattern), 100).Iterator()
	for iter.Next(qctx) {
		out = append(out, c.stripKey(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		c.fail("keys", err)
		return nil
	}
	return out
}

// InvalidatePattern deletes every key matching a redis glob pattern and
// broadcasts the invalidation. Like Keys, this scans the keyspace and is an
// administrative operation; tag invalidation is the supported hot path.
func (c *Redis) InvalidatePattern(ctx context.Context, pattern string) int {
	keys := c.Keys(ctx, pattern)
	if len(keys) == 0 {
		c.emit(Event{Type: EventInvalidatePattern, Pattern: pattern, Count: 0})
		return 0
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	n, err := c.client.Del(qctx, full...).Result()
	if err != nil {
		c.fail("invalidate pattern", err)
		return 0
	}
	c.emit(Event{Type: EventInvalidatePattern, Pattern: pattern, Count: int(n)})
	c.broadcast(ctx, invalidation{Origin: c.id, Pattern: pattern})
	return int(n)
}

// InvalidateTag deletes every key carrying tag, in O(tag-size), and
// broadcasts the invalidation to other processes.
func (c *Redis) InvalidateTag(ctx context.Context, tag string) int {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	members, err := c.client.SMembers(qctx, c.tagKey(tag)).Result()
	if err != nil {
		c.fail("invalidate tag", err)
		return 0
	}
	var count int
	if len(members) > 0 {
		full := make([]string, len(members))
		for i, k := range members {
			full[i] = c.key(k)
		}
		n, err := c.client.Del(qctx, full...).Result()
		if err != nil {
			c.fail("invalidate tag", err)
			return 0
		}
		count = int(n)
	}
	if err := c.client.Del(qctx, c.tagKey(tag)).Err(); err != nil {
		c.fail("invalidate tag", err)
	}
	c.emit(Event{Type: EventInvalidateTag, Tag: tag, Count: count})
	c.broadcast(ctx, invalidation{Origin: c.id, Tag: tag})
	return count
}

// Clear removes every key under the prefix.
func (c *Redis) Clear(ctx context.Context) {
	c.InvalidatePattern(ctx, "*")
}

// invalidation is the broadcast payload for cross-process invalidation.
type invalidation struct {
	Origin  string `msgpack:"origin"`
	Tag     string `msgpack:"tag,omitempty"`
	Pattern string `msgpack:"pattern,omitempty"`
}

func (c *Redis) broadcast(ctx context.Context, msg invalidation) {
	payload, err := msgpack.Marshal(&msg)
	if err != nil {
		c.emitError(err)
		return
	}
	if !c.Publish(ctx, invalidateChannel, payload) {
		c.log.Warn("failed to broadcast invalidation")
	}
}

// Publish sends a message on a channel under the key prefix.
func (c *Redis) Publish(ctx context.Context, channel string, data []byte) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.Publish(qctx, c.key(channel), data).Err(); err != nil {
		c.fail("publish", err)
		return false
	}
	return true
}

// Subscription is a handle on an active pub/sub subscription.
type Subscription struct {
	pubsub *redis.PubSub
}

// Close stops the subscription.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Subscribe registers a callback for messages on a channel under the key
// prefix. The callback runs on the subscription's goroutine.
func (c *Redis) Subscribe(ctx context.Context, channel string, fn func(data []byte)) (*Subscription, error) {
	pubsub := c.client.Subscribe(ctx, c.key(channel))
	// Force the subscription to be established before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		err = errors.Mark(errors.Wrap(err, "subscribe failed"), ErrBackendUnavailable)
		c.metrics.errors.Add(1)
		c.emitError(err)
		return nil, err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case <-c.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn([]byte(msg.Payload))
			}
		}
	}()
	return &Subscription{pubsub: pubsub}, nil
}

// SubscribeInvalidations delivers tag and pattern invalidations broadcast
// by other processes. Broadcasts originated by this instance are dropped.
func (c *Redis) SubscribeInvalidations(ctx context.Context, fn func(tag, pattern string)) (*Subscription, error) {
	return c.Subscribe(ctx, invalidateChannel, func(data []byte) {
		var msg invalidation
		if err := msgpack.Unmarshal(data, &msg); err != nil {
			c.emitError(err)
			return
		}
		if msg.Origin == c.id {
			return
		}
		fn(msg.Tag, msg.Pattern)
	})
}

// Stats returns a snapshot of the layer's metrics. The entry count is the
// remote database size, best effort.
func (c *Redis) Stats() Stats {
	qctx, cancel := c.queryCtx(c.ctx)
	defer cancel()
	var entries int
	if n, err := c.client.DBSize(qctx).Result(); err == nil {
		entries = int(n)
	}
	return c.metrics.snapshot(entries)
}

// HealthCheck pings the backend; unreachable means degraded.
func (c *Redis) HealthCheck(ctx context.Context) Health {
	stats := c.Stats()
	h := Health{
		Status:      StatusHealthy,
		HitRate:     stats.HitRate,
		MemoryUsage: stats.MemoryUsage,
		Entries:     stats.Entries,
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.Ping(qctx).Err(); err != nil {
		h.Status = StatusDegraded
	}
	return h
}

// Close stops background goroutines and, when this layer dialed its own
// client, closes it. Idempotent.
func (c *Redis) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
		if c.ownsClient {
			err = c.client.Close()
		}
	})
	return err
}

func (c *Redis) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			stats := c.Stats()
			c.emit(Event{Type: EventMetrics, Stats: &stats})
			pool := c.client.PoolStats()
			c.log.Trace("pool stats: hits=%d misses=%d timeouts=%d total=%d idle=%d",
				pool.Hits, pool.Misses, pool.Timeouts, pool.TotalConns, pool.IdleConns)
		}
	}
}
