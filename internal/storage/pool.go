package storage

import (
	"container/list"
	"context"
	"log"
	"sync"

	"github.com/windmark/tradewind/internal/errs"
)

// DefaultMaxOpen bounds simultaneously open pair stores.
const DefaultMaxOpen = 200

// PoolConfig sizes the store pool.
type PoolConfig struct {
	MaxOpen int
	Logger  *log.Logger
}

// Pool bounds the number of open pair stores and evicts the least-recently
// used unheld store when full. Concurrent acquires for the same key share one
// handle.
type Pool struct {
	backend Backend
	maxOpen int
	logger  *log.Logger

	mu      sync.Mutex
	entries map[PairKey]*poolEntry
	idle    *list.List // unheld entries, least-recently released at front
	closed  bool
}

type poolEntry struct {
	key   PairKey
	store PairStore
	refs  int
	elem  *list.Element // non-nil iff refs == 0
}

// Handle is one acquisition of a pair store. Release returns it to the pool;
// releasing twice is a no-op.
type Handle struct {
	pool  *Pool
	entry *poolEntry
	once  sync.Once
}

// Store exposes the acquired pair store.
func (h *Handle) Store() PairStore { return h.entry.store }

// Key identifies the pair this handle holds open.
func (h *Handle) Key() PairKey { return h.entry.key }

// Release marks the store evictable again.
func (h *Handle) Release() {
	h.once.Do(func() { h.pool.release(h.entry) })
}

// NewPool constructs a pool over the backend.
func NewPool(cfg PoolConfig, backend Backend) *Pool {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = DefaultMaxOpen
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Pool{
		backend: backend,
		maxOpen: cfg.MaxOpen,
		logger:  cfg.Logger,
		entries: make(map[PairKey]*poolEntry),
		idle:    list.New(),
	}
}

// Acquire opens (or reuses) the store for key. It fails when the pool is at
// capacity and every open store is held.
func (p *Pool) Acquire(ctx context.Context, key PairKey) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errs.New("storage", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	if entry, ok := p.entries[key]; ok {
		if entry.elem != nil {
			p.idle.Remove(entry.elem)
			entry.elem = nil
		}
		entry.refs++
		return &Handle{pool: p, entry: entry}, nil
	}

	if len(p.entries) >= p.maxOpen {
		if err := p.evictLocked(ctx); err != nil {
			return nil, err
		}
	}

	store, err := p.backend.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	entry := &poolEntry{key: key, store: store, refs: 1}
	p.entries[key] = entry
	return &Handle{pool: p, entry: entry}, nil
}

// evictLocked closes the least-recently-used unheld store. Caller holds p.mu.
func (p *Pool) evictLocked(ctx context.Context) error {
	front := p.idle.Front()
	if front == nil {
		return errs.New("storage", errs.CodeUnavailable,
			errs.WithMessage("pool at capacity with every store held"))
	}
	entry := front.Value.(*poolEntry)
	p.idle.Remove(front)
	delete(p.entries, entry.key)
	if err := entry.store.Close(ctx); err != nil {
		p.logger.Printf("storage: close evicted store %s: %v", entry.key, err)
	}
	return nil
}

func (p *Pool) release(entry *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry.refs--
	if entry.refs > 0 || p.closed {
		return
	}
	// Most-recently released at the back; eviction takes the front.
	entry.elem = p.idle.PushBack(entry)
}

// OpenKeys snapshots the keys of currently open stores.
func (p *Pool) OpenKeys() []PairKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]PairKey, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	return keys
}

// Len reports the number of open stores.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close closes every open store and refuses further acquires.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := make([]*poolEntry, 0, len(p.entries))
	for key, entry := range p.entries {
		entries = append(entries, entry)
		delete(p.entries, key)
	}
	p.idle.Init()
	p.mu.Unlock()

	var firstErr error
	for _, entry := range entries {
		if err := entry.store.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
