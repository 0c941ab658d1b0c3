package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/telcobill/go-cache/logger"
	"github.com/telcobill/go-cache/resilience"
)

// Loader produces a value for a key from the source of truth. The bool
// reports whether a value exists; returning false caches nothing.
type Loader func(ctx context.Context, key string) (any, bool, error)

// QueryExecutor runs a query against the source of truth and returns its
// rows.
type QueryExecutor func(ctx context.Context) (any, error)

// Coordinator orchestrates read-through and write-through across the cache
// hierarchy: L1 first, then L2 behind a circuit breaker, then the caller's
// loader, collapsed through singleflight so one key is loaded once no
// matter how many goroutines miss at the same time. It also subscribes to
// L2's cross-process invalidation broadcast and replays it against the
// local tiers, and fulfills L1 prefetch hints through the loader.
//
// The layers are owned by the caller; Close stops only the coordinator's
// own subscription.
type Coordinator struct {
	l1     *Memory
	l2     *Redis
	l3     *QueryCache
	log    logger.Logger
	loader Loader

	breaker *resilience.Breaker
	group   singleflight.Group
	sub     *Subscription
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLoader supplies the source-of-truth loader used on full misses and
// for prefetch repopulation.
func WithLoader(loader Loader) CoordinatorOption {
	return func(c *Coordinator) { c.loader = loader }
}

// WithBreaker overrides the circuit breaker guarding L2.
func WithBreaker(b *resilience.Breaker) CoordinatorOption {
	return func(c *Coordinator) { c.breaker = b }
}

// NewCoordinator wires the tiers together. Any tier may be nil and is then
// skipped. When L1 is present its prefetch hints are fulfilled through the
// loader; when L2 is present its invalidation broadcasts are replayed
// against L1 and L3.
func NewCoordinator(ctx context.Context, log logger.Logger, l1 *Memory, l2 *Redis, l3 *QueryCache, opts ...CoordinatorOption) (*Coordinator, error) {
	c := &Coordinator{
		l1:      l1,
		l2:      l2,
		l3:      l3,
		log:     log.With(map[string]interface{}{"component": "cache.coordinator"}),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerConfig()),
	}
	for _, opt := range opts {
		opt(c)
	}

	if l2 != nil {
		sub, err := l2.SubscribeInvalidations(ctx, func(tag, pattern string) {
			c.applyRemoteInvalidation(ctx, tag, pattern)
		})
		if err != nil {
			// The broadcast channel is an optimization; local invalidation
			// still works without it.
			c.log.Warn("invalidation broadcast unavailable: %v", err)
		} else {
			c.sub = sub
		}
	}
	if l1 != nil && c.loader != nil {
		l1.OnEvent(func(ev Event) {
			if ev.Type == EventPrefetch {
				go c.repopulate(ctx, ev.Key)
			}
		})
	}
	return c, nil
}

func (c *Coordinator) applyRemoteInvalidation(ctx context.Context, tag, pattern string) {
	switch {
	case tag != "":
		if c.l1 != nil {
			c.l1.InvalidateTag(ctx, tag)
		}
		if c.l3 != nil {
			c.l3.InvalidateTag(ctx, tag)
		}
	case pattern != "":
		if c.l1 != nil {
			c.l1.InvalidatePattern(ctx, pattern)
		}
	}
}

// repopulate fulfills a prefetch hint by loading the key and writing it
// back through the hierarchy.
func (c *Coordinator) repopulate(ctx context.Context, key string) {
	val, found, err := c.loader(ctx, key)
	if err != nil || !found {
		return
	}
	c.log.Trace("prefetched %s", key)
	c.Set(ctx, key, val)
}

// Get reads through the hierarchy: L1, then L2 (backfilling L1 on a hit),
// then the loader (backfilling both). Corruption errors propagate.
func (c *Coordinator) Get(ctx context.Context, key string) (bool, any, error) {
	if c.l1 != nil {
		found, val, err := c.l1.Get(ctx, key)
		if err != nil {
			return false, nil, err
		}
		if found {
			return true, val, nil
		}
	}

	if c.l2 != nil {
		var val any
		var found bool
		var corrupt error
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			found, val, err = c.l2.GetStrict(ctx, key)
			if IsCorrupted(err) {
				// Corruption is the caller's problem, not the breaker's.
				corrupt = err
				return nil
			}
			return err
		})
		if corrupt != nil {
			return false, nil, corrupt
		}
		if err == nil && found {
			if c.l1 != nil {
				c.l1.Set(ctx, key, val)
			}
			return true, val, nil
		}
	}

	if c.loader == nil {
		return false, nil, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		val, found, err := c.loader(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		c.Set(ctx, key, val)
		return val, nil
	})
	if err != nil {
		return false, nil, err
	}
	if res == nil {
		return false, nil, nil
	}
	return true, res, nil
}

// Set writes through every tier.
func (c *Coordinator) Set(ctx context.Context, key string, val any, opts ...SetOption) bool {
	ok := true
	if c.l1 != nil && !c.l1.Set(ctx, key, val, opts...) {
		ok = false
	}
	if c.l2 != nil {
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.l2.SetStrict(ctx, key, val, opts...)
		})
		if err != nil {
			ok = false
		}
	}
	return ok
}

// Delete removes the key from every tier.
func (c *Coordinator) Delete(ctx context.Context, key string) bool {
	var removed bool
	if c.l1 != nil && c.l1.Delete(ctx, key) {
		removed = true
	}
	if c.l2 != nil && c.l2.Delete(ctx, key) {
		removed = true
	}
	return removed
}

// InvalidateTag fans the invalidation out to every tier. L2 additionally
// broadcasts it to other processes.
func (c *Coordinator) InvalidateTag(ctx context.Context, tag string) int {
	var count int
	if c.l1 != nil {
		count += c.l1.InvalidateTag(ctx, tag)
	}
	if c.l2 != nil {
		count += c.l2.InvalidateTag(ctx, tag)
	}
	if c.l3 != nil {
		count += c.l3.InvalidateTag(ctx, tag)
	}
	return count
}

// Query reads a SQL result through L3. On a miss the executor runs and an
// eligible result is cached with the given options.
func (c *Coordinator) Query(ctx context.Context, sql string, params []any, exec QueryExecutor, opts ...QueryOption) (any, error) {
	if c.l3 != nil {
		found, rows, err := c.l3.Get(ctx, sql, params)
		if err != nil {
			return nil, err
		}
		if found {
			return rows, nil
		}
	}
	start := time.Now()
	rows, err := exec(ctx)
	if err != nil {
		return nil, err
	}
	if c.l3 != nil {
		opts = append(opts, WithExecutionTime(time.Since(start).Milliseconds()))
		c.l3.Set(ctx, sql, params, rows, opts...)
	}
	return rows, nil
}

// BreakerState exposes the L2 circuit breaker state for health reporting.
func (c *Coordinator) BreakerState() resilience.State {
	return c.breaker.State()
}

// Close stops the coordinator's broadcast subscription. The tiers remain
// open; their lifecycle belongs to the caller.
func (c *Coordinator) Close() error {
	if c.sub != nil {
		return c.sub.Close()
	}
	return nil
}
