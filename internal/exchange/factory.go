package exchange

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/windmark/tradewind/internal/errs"
)

// DefaultConnectTimeout bounds lazy Connect on first acquisition.
const DefaultConnectTimeout = 10 * time.Second

// Builder constructs an unconnected adapter for a venue key.
type Builder func(key Key) (Adapter, error)

// Key identifies a cached adapter instance.
type Key struct {
	Name    string
	Market  MarketType
	Testnet bool
}

// Factory caches at most one connected adapter per (name, market, testnet)
// triple. Connect happens lazily on first acquisition; CloseAll disconnects
// everything on shutdown.
type Factory struct {
	logger         *log.Logger
	connectTimeout time.Duration

	mu       sync.Mutex
	builders map[string]Builder
	cache    map[Key]*cached
}

type cached struct {
	adapter   Adapter
	connected bool
}

// NewFactory constructs an empty adapter factory.
func NewFactory(logger *log.Logger) *Factory {
	if logger == nil {
		logger = log.Default()
	}
	return &Factory{
		logger:         logger,
		connectTimeout: DefaultConnectTimeout,
		builders:       make(map[string]Builder),
		cache:          make(map[Key]*cached),
	}
}

// Register associates a venue name with its adapter builder.
func (f *Factory) Register(name string, builder Builder) {
	f.mu.Lock()
	f.builders[name] = builder
	f.mu.Unlock()
}

// Acquire returns the adapter for key, building and connecting it on first
// use. Concurrent acquires for the same key return the same instance.
func (f *Factory) Acquire(ctx context.Context, key Key) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.cache[key]
	if !ok {
		builder, registered := f.builders[key.Name]
		if !registered {
			return nil, errs.New(key.Name, errs.CodeInvalid, errs.WithMessage("no adapter registered"))
		}
		adapter, err := builder(key)
		if err != nil {
			return nil, err
		}
		entry = &cached{adapter: adapter}
		f.cache[key] = entry
	}

	if !entry.connected {
		connectCtx, cancel := context.WithTimeout(ctx, f.connectTimeout)
		defer cancel()
		if err := entry.adapter.Connect(connectCtx); err != nil {
			return nil, errs.Wrap(key.Name, err)
		}
		entry.connected = true
		f.logger.Printf("exchange: connected adapter name=%s market=%s testnet=%v", key.Name, key.Market, key.Testnet)
	}
	return entry.adapter, nil
}

// CloseAll disconnects and forgets every cached adapter.
func (f *Factory) CloseAll(ctx context.Context) {
	f.mu.Lock()
	entries := make([]*cached, 0, len(f.cache))
	keys := make([]Key, 0, len(f.cache))
	for key, entry := range f.cache {
		entries = append(entries, entry)
		keys = append(keys, key)
		delete(f.cache, key)
	}
	f.mu.Unlock()

	for i, entry := range entries {
		if !entry.connected {
			continue
		}
		if err := entry.adapter.Disconnect(ctx); err != nil {
			f.logger.Printf("exchange: disconnect failed name=%s err=%v", keys[i].Name, err)
		}
	}
}
