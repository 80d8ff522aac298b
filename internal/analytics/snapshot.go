// Package analytics derives per-pair market features from the tick and
// candle streams and publishes them as immutable snapshots.
package analytics

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Feature names the builder computes. The snapshot schema is open: consumers
// ask for features by name and treat absence as "not computed".
const (
	FeatureLastPrice          = "last_price"
	FeatureCVD                = "cvd"
	FeatureOrderFlowImbalance = "order_flow_imbalance"
	FeaturePointOfControl     = "point_of_control"
	FeatureVolumeSurge        = "volume_surge"
	FeaturePriceChangePercent = "price_change_pct"
	FeatureTrendAlignment     = "trend_alignment"
	FeatureNearestSupport     = "nearest_support"
	FeatureNearestResistance  = "nearest_resistance"
)

// Snapshot is an immutable bag of derived values for one (exchange, symbol).
type Snapshot struct {
	Exchange string
	Symbol   string
	Price    decimal.Decimal
	Computed time.Time

	features map[string]decimal.Decimal
}

// NewSnapshot copies features into an immutable snapshot.
func NewSnapshot(exchange, symbol string, price decimal.Decimal, features map[string]decimal.Decimal) *Snapshot {
	copied := make(map[string]decimal.Decimal, len(features))
	for name, value := range features {
		copied[name] = value
	}
	return &Snapshot{
		Exchange: exchange,
		Symbol:   symbol,
		Price:    price,
		Computed: time.Now().UTC(),
		features: copied,
	}
}

// Feature returns the named value and whether it was computed.
func (s *Snapshot) Feature(name string) (decimal.Decimal, bool) {
	value, ok := s.features[name]
	return value, ok
}

// FeatureNames lists the computed feature names, sorted.
func (s *Snapshot) FeatureNames() []string {
	names := make([]string, 0, len(s.features))
	for name := range s.features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cache holds the latest snapshot per (exchange, symbol). Replacement is
// atomic per key: readers observe either the old or the new snapshot.
type Cache struct {
	mu    sync.RWMutex
	byKey map[string]*Snapshot
}

// NewCache constructs an empty snapshot cache.
func NewCache() *Cache {
	return &Cache{byKey: make(map[string]*Snapshot)}
}

func cacheKey(exchange, symbol string) string { return exchange + "|" + symbol }

// Put supersedes the snapshot for the pair.
func (c *Cache) Put(snap *Snapshot) {
	c.mu.Lock()
	c.byKey[cacheKey(snap.Exchange, snap.Symbol)] = snap
	c.mu.Unlock()
}

// Get returns the current snapshot for the pair, if any.
func (c *Cache) Get(exchange, symbol string) (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.byKey[cacheKey(exchange, symbol)]
	return snap, ok
}

// Len reports how many pairs have a cached snapshot.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}
