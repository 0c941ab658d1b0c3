package cache

import (
	"sort"
	"time"
)

// accessTracker records per-key access history for prefetch scoring. It is
// bookkeeping only: it never affects correctness, and its history survives
// the eviction or expiry of the entries it describes — that is the point,
// since prefetch candidates are keys that are hot but no longer cached.
type accessTracker struct {
	history map[string]*accessLog
}

type accessLog struct {
	// recent holds access timestamps within the retention window.
	recent []time.Time
	total  int64
	last   time.Time
}

// accessRetention is how far back access timestamps are kept.
const accessRetention = 24 * time.Hour

func newAccessTracker() *accessTracker {
	return &accessTracker{history: make(map[string]*accessLog)}
}

func (t *accessTracker) record(key string, now time.Time) {
	log, ok := t.history[key]
	if !ok {
		log = &accessLog{}
		t.history[key] = log
	}
	log.recent = append(log.recent, now)
	log.total++
	log.last = now
}

// prune drops timestamps older than the retention window and forgets keys
// with no recent activity.
func (t *accessTracker) prune(now time.Time) {
	cutoff := now.Add(-accessRetention)
	for key, log := range t.history {
		i := 0
		for i < len(log.recent) && log.recent[i].Before(cutoff) {
			i++
		}
		log.recent = log.recent[i:]
		if len(log.recent) == 0 {
			delete(t.history, key)
		}
	}
}

// candidate is a key the scoring pass predicts will be requested soon.
type candidate struct {
	key   string
	score float64
}

// score ranks a key by recency-weighted access frequency:
// half weight on accesses in the last hour, a third on lifetime accesses,
// minus a penalty growing with days since the last access.
func (t *accessTracker) score(log *accessLog, now time.Time) float64 {
	hourAgo := now.Add(-time.Hour)
	var recentHour int
	for i := len(log.recent) - 1; i >= 0; i-- {
		if log.recent[i].Before(hourAgo) {
			break
		}
		recentHour++
	}
	ageDays := now.Sub(log.last).Hours() / 24
	return 0.5*float64(recentHour) + 0.3*float64(log.total) - 0.2*ageDays
}

// candidates returns up to limit keys scoring above threshold, best first.
// Keys for which cached reports true are skipped — they need no prefetch.
func (t *accessTracker) candidates(now time.Time, threshold float64, limit int, cached func(string) bool) []candidate {
	var out []candidate
	for key, log := range t.history {
		if cached(key) {
			continue
		}
		if s := t.score(log, now); s > threshold {
			out = append(out, candidate{key: key, score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
