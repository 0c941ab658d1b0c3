package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// responseWindowSize is the number of samples in the rolling response-time
// window used to derive AvgResponseTime.
const responseWindowSize = 100

// Stats is a point-in-time snapshot of a layer's metrics.
type Stats struct {
	Hits            int64
	Misses          int64
	Sets            int64
	Deletes         int64
	Evictions       int64
	Compressions    int64
	Encryptions     int64
	Errors          int64
	Entries         int
	HitRate         float64
	MemoryUsage     int64
	AvgResponseTime time.Duration
}

// metrics holds a layer's monotonic counters plus the rolling response-time
// window. Counters are atomic; the window has its own lock so recording a
// sample never contends with the layer mutex.
type metrics struct {
	hits         atomic.Int64
	misses       atomic.Int64
	sets         atomic.Int64
	deletes      atomic.Int64
	evictions    atomic.Int64
	compressions atomic.Int64
	encryptions  atomic.Int64
	errors       atomic.Int64
	memoryUsage  atomic.Int64

	mu      sync.Mutex
	window  [responseWindowSize]time.Duration
	samples int
	next    int
}

// observe records the elapsed time of one operation into the rolling window.
func (m *metrics) observe(start time.Time) {
	elapsed := time.Since(start)
	m.mu.Lock()
	m.window[m.next] = elapsed
	m.next = (m.next + 1) % responseWindowSize
	if m.samples < responseWindowSize {
		m.samples++
	}
	m.mu.Unlock()
}

func (m *metrics) avgResponseTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.samples == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < m.samples; i++ {
		total += m.window[i]
	}
	return total / time.Duration(m.samples)
}

func (m *metrics) hitRate() float64 {
	hits := m.hits.Load()
	total := hits + m.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (m *metrics) snapshot(entries int) Stats {
	return Stats{
		Hits:            m.hits.Load(),
		Misses:          m.misses.Load(),
		Sets:            m.sets.Load(),
		Deletes:         m.deletes.Load(),
		Evictions:       m.evictions.Load(),
		Compressions:    m.compressions.Load(),
		Encryptions:     m.encryptions.Load(),
		Errors:          m.errors.Load(),
		Entries:         entries,
		HitRate:         m.hitRate(),
		MemoryUsage:     m.memoryUsage.Load(),
		AvgResponseTime: m.avgResponseTime(),
	}
}
