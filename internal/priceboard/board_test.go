package priceboard

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-gateway/pkg/types"
)

type fakeCacheWriter struct {
	mu     sync.Mutex
	writes []types.PriceSnapshot
}

func (f *fakeCacheWriter) WritePrice(ctx context.Context, snap types.PriceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, snap)
	return nil
}

func (f *fakeCacheWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func newTestBoard(cw CacheWriter) *Board {
	return New(cw, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestUpdateThenSnapshot(t *testing.T) {
	t.Parallel()
	b := newTestBoard(nil)

	now := time.Now()
	b.Update(context.Background(), "BTC-USDT-PERP", decimal.NewFromInt(65000), decimal.NewFromInt(64999), decimal.NewFromInt(65001), now)

	snap, ok := b.Snapshot("BTC-USDT-PERP")
	if !ok {
		t.Fatal("expected a snapshot after Update")
	}
	if !snap.Mark.Equal(decimal.NewFromInt(65000)) {
		t.Errorf("Mark = %v, want 65000", snap.Mark)
	}
	if !snap.Bid.Equal(decimal.NewFromInt(64999)) || !snap.Ask.Equal(decimal.NewFromInt(65001)) {
		t.Errorf("Bid/Ask = %v/%v", snap.Bid, snap.Ask)
	}
}

func TestSnapshotUnknownSymbol(t *testing.T) {
	t.Parallel()
	b := newTestBoard(nil)

	_, ok := b.Snapshot("ETH-USDT-PERP")
	if ok {
		t.Error("expected no snapshot for a symbol that never ticked")
	}
}

func TestUpdateZeroFieldsDoNotOverwrite(t *testing.T) {
	t.Parallel()
	b := newTestBoard(nil)

	b.Update(context.Background(), "BTC-USDT-PERP", decimal.NewFromInt(65000), decimal.NewFromInt(64999), decimal.NewFromInt(65001), time.Now())
	b.Update(context.Background(), "BTC-USDT-PERP", decimal.Zero, decimal.NewFromInt(65010), decimal.Zero, time.Now())

	snap, _ := b.Snapshot("BTC-USDT-PERP")
	if !snap.Mark.Equal(decimal.NewFromInt(65000)) {
		t.Errorf("Mark changed on zero-valued update: %v", snap.Mark)
	}
	if !snap.Bid.Equal(decimal.NewFromInt(65010)) {
		t.Errorf("Bid = %v, want updated value 65010", snap.Bid)
	}
	if !snap.Ask.Equal(decimal.NewFromInt(65001)) {
		t.Errorf("Ask changed on zero-valued update: %v", snap.Ask)
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	b := newTestBoard(nil)

	if !b.IsStale("BTC-USDT-PERP", time.Second) {
		t.Error("expected a never-ticked symbol to be stale")
	}

	b.Update(context.Background(), "BTC-USDT-PERP", decimal.NewFromInt(65000), decimal.Zero, decimal.Zero, time.Now().Add(-time.Hour))
	if !b.IsStale("BTC-USDT-PERP", time.Minute) {
		t.Error("expected an hour-old tick to be stale against a 1-minute threshold")
	}

	b.Update(context.Background(), "BTC-USDT-PERP", decimal.NewFromInt(65000), decimal.Zero, decimal.Zero, time.Now())
	if b.IsStale("BTC-USDT-PERP", time.Minute) {
		t.Error("expected a fresh tick not to be stale")
	}
}

func TestSubscribeReceivesDispatch(t *testing.T) {
	t.Parallel()
	b := newTestBoard(nil)

	received := make(chan types.PriceSnapshot, 1)
	unsub := b.Subscribe("BTC-USDT-PERP", func(p types.PriceSnapshot) {
		received <- p
	})
	defer unsub()

	b.Update(context.Background(), "BTC-USDT-PERP", decimal.NewFromInt(65000), decimal.Zero, decimal.Zero, time.Now())

	select {
	case p := <-received:
		if !p.Mark.Equal(decimal.NewFromInt(65000)) {
			t.Errorf("dispatched Mark = %v, want 65000", p.Mark)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber dispatch")
	}
}

func TestUnsubscribeStopsDispatch(t *testing.T) {
	t.Parallel()
	b := newTestBoard(nil)

	calls := 0
	unsub := b.Subscribe("BTC-USDT-PERP", func(p types.PriceSnapshot) {
		calls++
	})
	unsub()

	b.Update(context.Background(), "BTC-USDT-PERP", decimal.NewFromInt(65000), decimal.Zero, decimal.Zero, time.Now())
	time.Sleep(10 * time.Millisecond)

	if calls != 0 {
		t.Errorf("calls = %d, want 0 after unsubscribe", calls)
	}
}

func TestUpdateWritesThroughCacheWriterOnFirstTick(t *testing.T) {
	t.Parallel()
	cw := &fakeCacheWriter{}
	b := newTestBoard(cw)

	b.Update(context.Background(), "BTC-USDT-PERP", decimal.NewFromInt(65000), decimal.Zero, decimal.Zero, time.Now())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cw.count() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cw.count() == 0 {
		t.Fatal("expected the first tick to write through to the cache writer")
	}
}

func TestUpdateThrottlesCacheWrite(t *testing.T) {
	t.Parallel()
	cw := &fakeCacheWriter{}
	b := newTestBoard(cw)

	for i := 0; i < 5; i++ {
		b.Update(context.Background(), "BTC-USDT-PERP", decimal.NewFromInt(int64(65000+i)), decimal.Zero, decimal.Zero, time.Now())
	}
	time.Sleep(50 * time.Millisecond)

	if cw.count() > 1 {
		t.Errorf("cache writes = %d, want at most 1 within the throttle window", cw.count())
	}
}
