package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagIndex(t *testing.T) {
	ti := newTagIndex()
	ti.add("k1", []string{"a", "b"})
	ti.add("k2", []string{"a"})

	assert.ElementsMatch(t, []string{"k1", "k2"}, ti.keys("a"))
	assert.ElementsMatch(t, []string{"k1"}, ti.keys("b"))
	assert.Empty(t, ti.keys("missing"))

	ti.remove("k1", []string{"a", "b"})
	assert.ElementsMatch(t, []string{"k2"}, ti.keys("a"))
	// Emptied tag buckets are dropped entirely.
	assert.NotContains(t, ti, "b")
}

func TestTagIndexMatchTags(t *testing.T) {
	ti := newTagIndex()
	ti.add("k1", []string{"region:north"})
	ti.add("k2", []string{"region:south"})
	ti.add("k3", []string{"other"})

	assert.ElementsMatch(t, []string{"region:north", "region:south"}, ti.matchTags("region:*"))
	assert.Empty(t, ti.matchTags("nope:*"))
}

func TestMatchKey(t *testing.T) {
	assert.True(t, matchKey("customer:*", "customer:42"))
	assert.True(t, matchKey("customer:4?", "customer:42"))
	assert.False(t, matchKey("customer:*", "voucher:42"))
	// A malformed pattern never matches.
	assert.False(t, matchKey("[", "anything"))
}
