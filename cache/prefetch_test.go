package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccessTrackerScore(t *testing.T) {
	tr := newAccessTracker()
	now := time.Now()

	// Five accesses within the last hour.
	for i := 0; i < 5; i++ {
		tr.record("hot", now.Add(-time.Duration(i)*time.Minute))
	}
	// One access twelve hours ago.
	tr.record("stale", now.Add(-12*time.Hour))

	hot := tr.score(tr.history["hot"], now)
	stale := tr.score(tr.history["stale"], now)
	assert.Greater(t, hot, stale)
	// 0.5*5 recent + 0.3*5 total, last access just now.
	assert.InDelta(t, 4.0, hot, 0.01)
	// 0.3*1 total minus half a day of age penalty.
	assert.InDelta(t, 0.2, stale, 0.01)
}

func TestAccessTrackerCandidates(t *testing.T) {
	tr := newAccessTracker()
	now := time.Now()

	for i := 0; i < 10; i++ {
		tr.record("busy", now)
	}
	for i := 0; i < 6; i++ {
		tr.record("warm", now)
	}
	tr.record("quiet", now)
	for i := 0; i < 8; i++ {
		tr.record("cached", now)
	}

	cands := tr.candidates(now, 2.0, 10, func(key string) bool {
		return key == "cached"
	})
	// Ordered best first; quiet scores below the threshold and cached keys
	// are skipped outright.
	assert.Len(t, cands, 2)
	assert.Equal(t, "busy", cands[0].key)
	assert.Equal(t, "warm", cands[1].key)

	cands = tr.candidates(now, 2.0, 1, func(string) bool { return false })
	assert.Len(t, cands, 1)
	assert.Equal(t, "busy", cands[0].key)
}

func TestAccessTrackerPrune(t *testing.T) {
	tr := newAccessTracker()
	now := time.Now()

	tr.record("old", now.Add(-25*time.Hour))
	tr.record("mixed", now.Add(-25*time.Hour))
	tr.record("mixed", now)

	tr.prune(now)
	assert.NotContains(t, tr.history, "old")
	assert.Len(t, tr.history["mixed"].recent, 1)
	// Lifetime totals survive pruning.
	assert.Equal(t, int64(2), tr.history["mixed"].total)
}
