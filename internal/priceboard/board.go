// Package priceboard is the Price Cache & Event Bus (PCB): a process-wide
// in-memory map from symbol to the latest price snapshot, plus a per-symbol
// pub/sub so the Chase and Momentum engines react to ticks without polling.
//
// The Exchange Connector is the single writer (Update); everyone else reads
// or subscribes. Handler invocation for a given symbol is cooperative-serial
// — two ticks for the same symbol never run their handlers concurrently —
// but there is no ordering guarantee across different symbols.
package priceboard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-gateway/pkg/types"
)

const (
	cacheWriteThrottle = 500 * time.Millisecond
	eventEmitThrottle  = 50 * time.Millisecond
)

// CacheWriter persists the latest snapshot to an external store (redis),
// throttled to one write per symbol per cacheWriteThrottle.
type CacheWriter interface {
	WritePrice(ctx context.Context, snapshot types.PriceSnapshot) error
}

// Handler receives a price snapshot for the symbol it subscribed to.
type Handler func(types.PriceSnapshot)

// Board is the Price Cache & Event Bus.
type Board struct {
	mu        sync.RWMutex
	snapshots map[string]*types.PriceSnapshot

	subMu  sync.Mutex
	subs   map[string]map[int]Handler
	nextID map[string]int

	invokeMu    sync.Mutex
	invokeLocks map[string]*sync.Mutex

	cacheWriter CacheWriter
	logger      *slog.Logger
}

// New creates an empty Price Cache & Event Bus. cacheWriter may be nil, in
// which case the external-cache write is skipped entirely.
func New(cacheWriter CacheWriter, logger *slog.Logger) *Board {
	return &Board{
		snapshots:   make(map[string]*types.PriceSnapshot),
		subs:        make(map[string]map[int]Handler),
		nextID:      make(map[string]int),
		invokeLocks: make(map[string]*sync.Mutex),
		cacheWriter: cacheWriter,
		logger:      logger.With("component", "priceboard"),
	}
}

// Update records a new tick for symbol. Any zero-valued field (mark/bid/ask)
// is treated as "unchanged" rather than overwriting the prior value, since
// markPrice and bookTicker arrive as separate stream events. The external
// cache write and the subscriber fanout are each independently throttled.
func (b *Board) Update(ctx context.Context, symbol string, mark, bid, ask decimal.Decimal, tickTime time.Time) {
	now := time.Now()

	b.mu.Lock()
	snap, ok := b.snapshots[symbol]
	if !ok {
		snap = &types.PriceSnapshot{Symbol: symbol}
		b.snapshots[symbol] = snap
	}
	if !mark.IsZero() {
		snap.Mark = mark
	}
	if !bid.IsZero() {
		snap.Bid = bid
	}
	if !ask.IsZero() {
		snap.Ask = ask
	}
	snap.LastTick = tickTime

	shouldWriteCache := now.Sub(snap.LastCacheWrite) >= cacheWriteThrottle
	shouldEmit := now.Sub(snap.LastEventEmit) >= eventEmitThrottle
	if shouldWriteCache {
		snap.LastCacheWrite = now
	}
	if shouldEmit {
		snap.LastEventEmit = now
	}
	out := *snap
	b.mu.Unlock()

	if shouldWriteCache && b.cacheWriter != nil {
		go func() {
			if err := b.cacheWriter.WritePrice(ctx, out); err != nil {
				b.logger.Warn("price cache write failed", "symbol", symbol, "error", err)
			}
		}()
	}
	if shouldEmit {
		b.dispatch(symbol, out)
	}
}

// Snapshot returns the latest known snapshot for symbol.
func (b *Board) Snapshot(symbol string) (types.PriceSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.snapshots[symbol]
	if !ok {
		return types.PriceSnapshot{}, false
	}
	return *s, true
}

// IsStale reports whether symbol's last tick is older than maxAge, or has
// never ticked at all.
func (b *Board) IsStale(symbol string, maxAge time.Duration) bool {
	snap, ok := b.Snapshot(symbol)
	if !ok {
		return true
	}
	return time.Since(snap.LastTick) > maxAge
}

// Subscribe registers handler for every future price event on symbol.
// Multiple handlers per symbol are allowed. The returned function
// unsubscribes.
func (b *Board) Subscribe(symbol string, handler Handler) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if b.subs[symbol] == nil {
		b.subs[symbol] = make(map[int]Handler)
	}
	id := b.nextID[symbol]
	b.nextID[symbol]++
	b.subs[symbol][id] = handler

	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		delete(b.subs[symbol], id)
	}
}

func (b *Board) dispatch(symbol string, snap types.PriceSnapshot) {
	b.subMu.Lock()
	handlers := make([]Handler, 0, len(b.subs[symbol]))
	for _, h := range b.subs[symbol] {
		handlers = append(handlers, h)
	}
	b.subMu.Unlock()

	if len(handlers) == 0 {
		return
	}

	lock := b.lockFor(symbol)
	lock.Lock()
	defer lock.Unlock()
	for _, h := range handlers {
		h(snap)
	}
}

func (b *Board) lockFor(symbol string) *sync.Mutex {
	b.invokeMu.Lock()
	defer b.invokeMu.Unlock()
	l, ok := b.invokeLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		b.invokeLocks[symbol] = l
	}
	return l
}
