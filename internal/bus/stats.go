package bus

import (
	"sort"
	"sync"
	"time"

	"github.com/windmark/tradewind/internal/schema"
)

// latencySamples bounds the per-kind reservoir used for the p99 estimate.
const latencySamples = 256

// KindStats aggregates delivery outcomes for one event kind.
type KindStats struct {
	Published  uint64
	Delivered  uint64
	Dropped    uint64
	Errors     uint64
	AvgLatency time.Duration
	P99Latency time.Duration
}

// StatsSnapshot is a point-in-time copy of the bus counters.
type StatsSnapshot struct {
	Kinds      map[schema.EventKind]KindStats
	QueueDepth int
}

type kindCounters struct {
	published  uint64
	delivered  uint64
	dropped    uint64
	errors     uint64
	latencySum time.Duration
	samples    []time.Duration
	sampleIdx  int
}

type statistics struct {
	mu    sync.Mutex
	kinds map[schema.EventKind]*kindCounters
}

func newStatistics() *statistics {
	return &statistics{kinds: make(map[schema.EventKind]*kindCounters)}
}

func (s *statistics) counters(kind schema.EventKind) *kindCounters {
	c, ok := s.kinds[kind]
	if !ok {
		c = &kindCounters{samples: make([]time.Duration, 0, latencySamples)}
		s.kinds[kind] = c
	}
	return c
}

func (s *statistics) published(kind schema.EventKind) {
	s.mu.Lock()
	s.counters(kind).published++
	s.mu.Unlock()
}

func (s *statistics) delivered(kind schema.EventKind, latency time.Duration) {
	s.mu.Lock()
	c := s.counters(kind)
	c.delivered++
	c.latencySum += latency
	if len(c.samples) < latencySamples {
		c.samples = append(c.samples, latency)
	} else {
		c.samples[c.sampleIdx] = latency
		c.sampleIdx = (c.sampleIdx + 1) % latencySamples
	}
	s.mu.Unlock()
}

func (s *statistics) dropped(kind schema.EventKind, n uint64) {
	s.mu.Lock()
	s.counters(kind).dropped += n
	s.mu.Unlock()
}

func (s *statistics) failed(kind schema.EventKind) {
	s.mu.Lock()
	s.counters(kind).errors++
	s.mu.Unlock()
}

func (s *statistics) snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatsSnapshot{Kinds: make(map[schema.EventKind]KindStats, len(s.kinds))}
	for kind, c := range s.kinds {
		stats := KindStats{
			Published: c.published,
			Delivered: c.delivered,
			Dropped:   c.dropped,
			Errors:    c.errors,
		}
		if c.delivered > 0 {
			stats.AvgLatency = c.latencySum / time.Duration(c.delivered)
		}
		if len(c.samples) > 0 {
			sorted := make([]time.Duration, len(c.samples))
			copy(sorted, c.samples)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			idx := (len(sorted)*99 + 99) / 100
			if idx >= len(sorted) {
				idx = len(sorted) - 1
			}
			stats.P99Latency = sorted[idx]
		}
		out.Kinds[kind] = stats
	}
	return out
}
