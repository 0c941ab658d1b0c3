package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// batchOp is one queued operation in the auto-batching pipeline. Reads and
// writes share the queue so a flush preserves submission order within one
// round trip.
type batchOp struct {
	key   string
	set   bool
	value []byte   // set only: marshaled Entry
	ttl   time.Duration
	tags  []string
	reply chan batchResult
}

type batchResult struct {
	data  []byte
	found bool
	err   error
}

// runBatcher drains the batch queue, flushing one pipelined round trip when
// the queue reaches PipelineBatchSize or PipelineFlushDelay after the first
// queued operation. Pending operations are flushed on shutdown so no caller
// is left waiting.
func (c *Redis) runBatcher() {
	defer c.wg.Done()
	pending := make([]*batchOp, 0, c.cfg.PipelineBatchSize)
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	flush := func() {
		stopTimer()
		if len(pending) == 0 {
			return
		}
		c.flushBatch(pending)
		pending = pending[:0]
	}

	for {
		select {
		case <-c.ctx.Done():
			// Drain anything already queued, then flush and exit.
			for {
				select {
				case op := <-c.batchCh:
					pending = append(pending, op)
					continue
				default:
				}
				break
			}
			flush()
			return
		case op := <-c.batchCh:
			pending = append(pending, op)
			if len(pending) >= c.cfg.PipelineBatchSize {
				flush()
			} else if timerC == nil {
				timer = time.NewTimer(c.cfg.PipelineFlushDelay)
				timerC = timer.C
			}
		case <-timerC:
			timer = nil
			timerC = nil
			flush()
		}
	}
}

// flushBatch executes all pending operations in a single pipelined round
// trip and distributes the results.
func (c *Redis) flushBatch(ops []*batchOp) {
	qctx, cancel := context.WithTimeout(context.Background(), c.cfg.QueryTimeout)
	defer cancel()

	pipe := c.client.Pipeline()
	gets := make(map[*batchOp]*redis.StringCmd, len(ops))
	sets := make(map[*batchOp]*redis.IntCmd, len(ops))
	for _, op := range ops {
		k := c.key(op.key)
		if op.set {
			sets[op] = pipe.HSet(qctx, k, "v", op.value, "h", 0)
			pipe.Expire(qctx, k, op.ttl)
			for _, tag := range op.tags {
				pipe.SAdd(qctx, c.tagKey(tag), op.key)
			}
		} else {
			gets[op] = pipe.HGet(qctx, k, "v")
		}
	}
	// Exec reports redis.Nil when any queued read missed; per-command
	// errors are what matters here.
	if _, err := pipe.Exec(qctx); err != nil && err != redis.Nil {
		c.fail("pipeline flush", err)
	}

	for _, op := range ops {
		if op.set {
			op.reply <- batchResult{err: sets[op].Err()}
			continue
		}
		cmd := gets[op]
		data, err := cmd.Bytes()
		switch {
		case err == redis.Nil:
			op.reply <- batchResult{found: false}
		case err != nil:
			op.reply <- batchResult{err: err}
		default:
			op.reply <- batchResult{data: data, found: true}
		}
	}
}

// MGet fetches several keys through the batching pipeline. Absent and
// unavailable keys are simply missing from the result; corruption errors
// abort.
func (c *Redis) MGet(ctx context.Context, keys []string) (map[string]any, error) {
	start := time.Now()
	defer c.metrics.observe(start)

	replies := make([]chan batchResult, len(keys))
	for i, key := range keys {
		reply := make(chan batchResult, 1)
		replies[i] = reply
		c.batchCh <- &batchOp{key: key, reply: reply}
	}

	out := make(map[string]any, len(keys))
	for i, key := range keys {
		res := <-replies[i]
		if res.err != nil {
			c.metrics.misses.Add(1)
			continue
		}
		if !res.found {
			c.metrics.misses.Add(1)
			c.emitType(EventMiss, key)
			continue
		}
		val, err := c.decodeEntry(res.data)
		if err != nil {
			return nil, err
		}
		c.metrics.hits.Add(1)
		c.emitType(EventHit, key)
		out[key] = val
	}
	return out, nil
}

// MSet stores several values through the batching pipeline. The call
// returns only after its writes have been flushed, so an immediate MGet of
// the same keys observes them.
func (c *Redis) MSet(ctx context.Context, values map[string]any, opts ...SetOption) bool {
	start := time.Now()
	defer c.metrics.observe(start)
	o := applySetOptions(c.cfg.DefaultTTL, opts)

	type pendingReply struct {
		key   string
		reply chan batchResult
	}
	pending := make([]pendingReply, 0, len(values))
	ok := true
	for key, val := range values {
		payload, err := c.encodeEntry(val, o, start)
		if err != nil {
			c.metrics.errors.Add(1)
			c.emitError(err)
			ok = false
			continue
		}
		reply := make(chan batchResult, 1)
		pending = append(pending, pendingReply{key: key, reply: reply})
		c.batchCh <- &batchOp{key: key, set: true, value: payload, ttl: o.ttl, tags: o.tags, reply: reply}
	}
	for _, p := range pending {
		res := <-p.reply
		if res.err != nil {
			ok = false
			continue
		}
		c.metrics.sets.Add(1)
		c.emitType(EventSet, p.key)
	}
	return ok
}

// MDel removes several keys, returning how many were present.
func (c *Redis) MDel(ctx context.Context, keys []string) int {
	if len(keys) == 0 {
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
		c.fail("mdel", err)
		return 0
	}
	c.metrics.deletes.Add(int64(n))
	return int(n)
}
