package cache

import (
	"time"
)

// Entry is the stored form of a cached value, shared by all layers. The
// Value bytes are the msgpack serialization of the original value, possibly
// compressed and/or encrypted as indicated by the flags.
type Entry struct {
	Value       []byte        `msgpack:"value"`
	CreatedAt   time.Time     `msgpack:"created_at"`
	TTL         time.Duration `msgpack:"ttl"`
	Tags        []string      `msgpack:"tags"`
	AccessCount int64         `msgpack:"access_count"`
	Compressed  bool          `msgpack:"compressed"`
	Encrypted   bool          `msgpack:"encrypted"`
	Size        int           `msgpack:"size"`
}

// Expired reports whether the entry's TTL has elapsed at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(e.TTL))
}

// defaultTags is applied when a set supplies no tags, so every entry is
// reachable by at least one invalidation label.
var defaultTags = []string{"general"}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return defaultTags
	}
	seen := make(map[string]struct{}, len(tags))
	out := tags[:0]
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return defaultTags
	}
	return out
}

// SetOption customizes a single set operation.
type SetOption func(*setOptions)

type setOptions struct {
	ttl  time.Duration
	tags []string
}

// WithTTL overrides the layer's default TTL for this entry.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

// WithTags attaches invalidation tags to this entry.
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) { o.tags = tags }
}

func applySetOptions(defaultTTL time.Duration, opts []SetOption) setOptions {
	o := setOptions{ttl: defaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = defaultTTL
	}
	o.tags = normalizeTags(o.tags)
	return o
}
