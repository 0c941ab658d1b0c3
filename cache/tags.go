package cache

import (
	"path"
)

// tagIndex maps tags to the set of keys carrying them. It is kept
// symmetric with Entry.Tags: a key is a member of index[t] exactly while
// its entry holds tag t. Not self-locking — the owning layer's mutex
// guards all access.
type tagIndex map[string]map[string]struct{}

func newTagIndex() tagIndex {
	return make(tagIndex)
}

func (ti tagIndex) add(key string, tags []string) {
	for _, t := range tags {
		bucket, ok := ti[t]
		if !ok {
			bucket = make(map[string]struct{})
			ti[t] = bucket
		}
		bucket[key] = struct{}{}
	}
}

func (ti tagIndex) remove(key string, tags []string) {
	for _, t := range tags {
		bucket, ok := ti[t]
		if !ok {
			continue
		}
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(ti, t)
		}
	}
}

// keys returns the keys carrying the given tag.
func (ti tagIndex) keys(tag string) []string {
	bucket, ok := ti[tag]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(bucket))
	for k := range bucket {
		out = append(out, k)
	}
	return out
}

// matchTags returns the tags matching a shell glob pattern.
func (ti tagIndex) matchTags(pattern string) []string {
	var out []string
	for t := range ti {
		if ok, err := path.Match(pattern, t); err == nil && ok {
			out = append(out, t)
		}
	}
	return out
}

// matchKey reports whether key matches the shell glob pattern.
func matchKey(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}
