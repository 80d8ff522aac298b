// Package memory implements the storage contract with in-process buffers.
// It backs tests and dry-run mode, where durability is not required.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/windmark/tradewind/internal/storage"
)

// Backend opens one in-memory store per pair.
type Backend struct {
	mu     sync.Mutex
	opened int
}

// NewBackend constructs the backend.
func NewBackend() *Backend { return &Backend{} }

// Open creates an empty store for the pair.
func (b *Backend) Open(_ context.Context, key storage.PairKey) (storage.PairStore, error) {
	b.mu.Lock()
	b.opened++
	b.mu.Unlock()
	return &store{key: key}, nil
}

// Opened reports how many stores the backend has created.
func (b *Backend) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

type store struct {
	key storage.PairKey

	mu      sync.RWMutex
	ticks   []storage.Tick
	candles map[string][]storage.Candle
	flows   []storage.OrderFlow
	profile []storage.ProfileLevel
	zones   []storage.Zone
	gaps    []storage.Gap
	closed  bool
}

func (s *store) AppendTick(_ context.Context, tick storage.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, tick)
	return nil
}

func (s *store) AppendCandle(_ context.Context, candle storage.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candles == nil {
		s.candles = make(map[string][]storage.Candle)
	}
	s.candles[candle.Interval] = append(s.candles[candle.Interval], candle)
	return nil
}

func (s *store) AppendOrderFlow(_ context.Context, flow storage.OrderFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = append(s.flows, flow)
	return nil
}

func (s *store) ReplaceProfile(_ context.Context, levels []storage.ProfileLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = append([]storage.ProfileLevel(nil), levels...)
	return nil
}

func (s *store) ReplaceZones(_ context.Context, zones []storage.Zone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones = append([]storage.Zone(nil), zones...)
	return nil
}

func (s *store) ReplaceGaps(_ context.Context, gaps []storage.Gap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gaps = append([]storage.Gap(nil), gaps...)
	return nil
}

func (s *store) RecentTicks(_ context.Context, since time.Time) ([]storage.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Tick, 0, len(s.ticks))
	for _, tick := range s.ticks {
		if !tick.TradeTime.Before(since) {
			out = append(out, tick)
		}
	}
	return out, nil
}

func (s *store) RecentCandles(_ context.Context, interval string, since time.Time) ([]storage.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.candles[interval]
	out := make([]storage.Candle, 0, len(series))
	for _, candle := range series {
		if !candle.CloseTime.Before(since) {
			out = append(out, candle)
		}
	}
	return out, nil
}

func (s *store) RecentOrderFlow(_ context.Context, since time.Time) ([]storage.OrderFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.OrderFlow, 0, len(s.flows))
	for _, flow := range s.flows {
		if !flow.WindowEnd.Before(since) {
			out = append(out, flow)
		}
	}
	return out, nil
}

func (s *store) Profile(_ context.Context) ([]storage.ProfileLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.ProfileLevel(nil), s.profile...), nil
}

func (s *store) Zones(_ context.Context) ([]storage.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.Zone(nil), s.zones...), nil
}

func (s *store) Gaps(_ context.Context) ([]storage.Gap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.Gap(nil), s.gaps...), nil
}

func (s *store) Sweep(_ context.Context, retention storage.Retention) error {
	retention = retention.Normalize()
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	tickCutoff := now.Add(-retention.TickWindow)
	kept := s.ticks[:0]
	for _, tick := range s.ticks {
		if tick.TradeTime.After(tickCutoff) {
			kept = append(kept, tick)
		}
	}
	s.ticks = kept

	for interval, series := range s.candles {
		cutoff := now.Add(-retention.Window(interval))
		keptCandles := series[:0]
		for _, candle := range series {
			if candle.CloseTime.After(cutoff) {
				keptCandles = append(keptCandles, candle)
			}
		}
		s.candles[interval] = keptCandles
	}

	flowCutoff := now.Add(-retention.CandleWindow)
	keptFlows := s.flows[:0]
	for _, flow := range s.flows {
		if flow.WindowEnd.After(flowCutoff) {
			keptFlows = append(keptFlows, flow)
		}
	}
	s.flows = keptFlows

	structureCutoff := now.Add(-retention.StructureWindow)
	keptZones := s.zones[:0]
	for _, zone := range s.zones {
		if zone.DetectedAt.After(structureCutoff) {
			keptZones = append(keptZones, zone)
		}
	}
	s.zones = keptZones

	keptGaps := s.gaps[:0]
	for _, gap := range s.gaps {
		if !gap.Filled && gap.CreatedAt.After(structureCutoff) {
			keptGaps = append(keptGaps, gap)
		}
	}
	s.gaps = keptGaps
	return nil
}

func (s *store) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
