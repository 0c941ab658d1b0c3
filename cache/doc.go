// Package cache implements the multi-tier cache hierarchy behind the
// billing and operations backend: a bounded in-process tier, a shared
// Redis-backed tier, and a query-result tier, plus the coordinator that
// reads and writes through them.
//
// # Tiers
//
//   - [Memory] (L1) — bounded in-process store with pluggable eviction
//     (LRU default), a tag index for group invalidation, optional
//     compression and AES-256-GCM encryption of stored payloads, lazy and
//     periodic TTL expiry, and a prefetch scoring pass that flags hot keys
//     for repopulation without ever fetching data itself.
//
//   - [Redis] (L2) — shared store over a single node, cluster, or
//     sentinel-monitored replica set, selected in that priority order at
//     construction. Values pass through the same compress/encrypt pipeline
//     as L1, configured independently. MGet/MSet are auto-batched into
//     pipelined round trips; TTL uses the store's native expiry; tag
//     membership lives in Redis sets so invalidation is O(tag-size) and
//     shared across processes; invalidations are broadcast over pub/sub.
//
//   - [QueryCache] (L3) — result cache for expensive SELECTs, keyed by a
//     fingerprint of the normalized SQL plus bound parameters. Only
//     queries matching a configured allow-list are ever cached; tags are
//     derived automatically from referenced tables and query shape, so a
//     write to a table can invalidate every cached query that touched it.
//
//   - [Coordinator] — read-through L1→L2→loader and write-through fan-out,
//     with L2 behind a circuit breaker and loads collapsed via
//     singleflight. Subscribes to L2's invalidation broadcast and replays
//     it locally, and fulfills L1 prefetch hints through the loader.
//
// # Values
//
// Values are serialized with msgpack on the way in and decoded generically
// on the way out, so structs come back as map[string]interface{} and
// integers as int64. Caches are droppable at any time: nothing here is
// durable state.
//
// # Events and errors
//
// Each tier exposes OnEvent for hit/miss/set/delete/expire/evict/
// invalidation/error/metrics notifications (plus prefetch on L1 and
// connection on L2). Listeners run synchronously on the emitting
// goroutine: they must not block and must not call back into the layer.
//
// Failures split into two classes. Backend unavailability (L2) is
// recovered internally: the method returns a safe zero value, the errors
// counter is incremented, and an error event fires — a nil result does not
// distinguish "absent" from "unavailable". Corruption (decrypt,
// decompress, or unmarshal failure of a stored payload) always propagates,
// marked [ErrCorrupted]: serving or hiding corrupt data would be worse
// than failing.
package cache
