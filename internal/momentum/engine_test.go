package momentum

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-gateway/internal/chase"
	"perp-gateway/internal/events"
	"perp-gateway/internal/priceboard"
	"perp-gateway/pkg/types"
)

type fakeChaseStarter struct {
	mu      sync.Mutex
	started []chase.Spec
	nextID  int
	err     error
}

func (f *fakeChaseStarter) Start(ctx context.Context, spec chase.Spec) (*chase.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	f.started = append(f.started, spec)
	return &chase.Handle{ID: decimal.NewFromInt(int64(f.nextID)).String()}, nil
}

func (f *fakeChaseStarter) Cancel(ctx context.Context, id string) {}

type fakeSymbols struct{ sym types.Symbol }

func (f fakeSymbols) ByCanonical(canonical string) (types.Symbol, bool) { return f.sym, true }

type fakePrices struct {
	snap      types.PriceSnapshot
	handlers  map[string][]priceboard.Handler
}

func newFakePrices(snap types.PriceSnapshot) *fakePrices {
	return &fakePrices{snap: snap, handlers: make(map[string][]priceboard.Handler)}
}

func (f *fakePrices) Snapshot(symbol string) (types.PriceSnapshot, bool) { return f.snap, true }
func (f *fakePrices) Subscribe(symbol string, handler priceboard.Handler) func() {
	f.handlers[symbol] = append(f.handlers[symbol], handler)
	return func() {}
}
func (f *fakePrices) push(symbol string, mark decimal.Decimal) {
	snap := types.PriceSnapshot{Symbol: symbol, Mark: mark, Bid: mark, Ask: mark, LastTick: time.Now()}
	for _, h := range f.handlers[symbol] {
		h(snap)
	}
}

type fakeSnapStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeSnapStore() *fakeSnapStore { return &fakeSnapStore{blobs: make(map[string][]byte)} }

func (f *fakeSnapStore) PutMomentum(ctx context.Context, id string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[id] = value
	return nil
}
func (f *fakeSnapStore) GetMomentum(ctx context.Context, id string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.blobs[id]
	return v, ok, nil
}
func (f *fakeSnapStore) DeleteMomentum(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, id)
	return nil
}
func (f *fakeSnapStore) ListMomentumIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.blobs))
	for id := range f.blobs {
		ids = append(ids, id)
	}
	return ids, nil
}

func newTestEngine(t *testing.T, chases *fakeChaseStarter, prices *fakePrices) (*Engine, *fakeSnapStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.New(logger)
	snaps := newFakeSnapStore()
	sym := types.Symbol{Canonical: "BTC-USDT-PERP", MinQty: decimal.NewFromFloat(0.001)}
	e := New(100, chases, fakeSymbols{sym: sym}, prices, snaps, bus, logger)
	return e, snaps
}

func TestStartRejectsAtCapacity(t *testing.T) {
	t.Parallel()
	chases := &fakeChaseStarter{}
	prices := newFakePrices(types.PriceSnapshot{Symbol: "BTC-USDT-PERP", Mark: decimal.NewFromInt(60000)})
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.New(logger)
	snaps := newFakeSnapStore()
	sym := types.Symbol{Canonical: "BTC-USDT-PERP", MinQty: decimal.NewFromFloat(0.001)}
	e := New(0, chases, fakeSymbols{sym: sym}, prices, snaps, bus, logger)

	_, err := e.Start(context.Background(), Spec{SubAccount: "a", Symbol: "BTC-USDT-PERP", Side: types.Long, MaxNotional: decimal.NewFromInt(10000)})
	if err == nil {
		t.Fatal("expected capacity error")
	}
}

func TestStartRejectsWhenNoPrice(t *testing.T) {
	t.Parallel()
	chases := &fakeChaseStarter{}
	prices := newFakePrices(types.PriceSnapshot{})
	e, _ := newTestEngine(t, chases, prices)

	_, err := e.Start(context.Background(), Spec{SubAccount: "a", Symbol: "BTC-USDT-PERP", Side: types.Long, MaxNotional: decimal.NewFromInt(10000)})
	if err == nil {
		t.Fatal("expected price-unavailable error")
	}
}

func TestStartPersistsSnapshotAndPublishes(t *testing.T) {
	t.Parallel()
	chases := &fakeChaseStarter{}
	prices := newFakePrices(types.PriceSnapshot{Symbol: "BTC-USDT-PERP", Mark: decimal.NewFromInt(60000)})
	e, snaps := newTestEngine(t, chases, prices)

	id, err := e.Start(context.Background(), Spec{SubAccount: "a", Symbol: "BTC-USDT-PERP", Side: types.Long, MaxNotional: decimal.NewFromInt(10000)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := snaps.GetMomentum(context.Background(), id); !ok {
		t.Fatal("expected a persisted snapshot after start")
	}
}

func TestCancelRemovesStateAndSnapshot(t *testing.T) {
	t.Parallel()
	chases := &fakeChaseStarter{}
	prices := newFakePrices(types.PriceSnapshot{Symbol: "BTC-USDT-PERP", Mark: decimal.NewFromInt(60000)})
	e, snaps := newTestEngine(t, chases, prices)

	id, err := e.Start(context.Background(), Spec{SubAccount: "a", Symbol: "BTC-USDT-PERP", Side: types.Long, MaxNotional: decimal.NewFromInt(10000)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.Cancel(context.Background(), id)

	if _, ok, _ := snaps.GetMomentum(context.Background(), id); ok {
		t.Fatal("expected snapshot removed after cancel")
	}
	e.mu.RLock()
	_, stillActive := e.states[id]
	e.mu.RUnlock()
	if stillActive {
		t.Fatal("expected state removed after cancel")
	}
}

func TestTickTransitionsIdleToArmedOnAmplitude(t *testing.T) {
	t.Parallel()
	chases := &fakeChaseStarter{}
	prices := newFakePrices(types.PriceSnapshot{Symbol: "BTC-USDT-PERP", Mark: decimal.NewFromInt(1)})
	e, _ := newTestEngine(t, chases, prices)

	id, err := e.Start(context.Background(), Spec{
		SubAccount: "a", Symbol: "BTC-USDT-PERP", Side: types.Long,
		MaxNotional: decimal.NewFromInt(10000), ProfileName: "small_cap",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// LONG tracks the low-water mark; small_cap activates at 3% amplitude,
	// so a 5% drop should arm it.
	prices.push("BTC-USDT-PERP", decimal.NewFromFloat(0.95))
	time.Sleep(600 * time.Millisecond)

	e.mu.RLock()
	st := e.states[id]
	e.mu.RUnlock()
	st.mu.Lock()
	gotState := st.snap.State
	st.mu.Unlock()
	if gotState != types.MomentumArmed {
		t.Fatalf("expected ARMED after crossing activation amplitude, got %s", gotState)
	}
}

func TestTickTransitionsIdleToArmedOnAmplitudeShort(t *testing.T) {
	t.Parallel()
	chases := &fakeChaseStarter{}
	prices := newFakePrices(types.PriceSnapshot{Symbol: "BTC-USDT-PERP", Mark: decimal.NewFromInt(1)})
	e, _ := newTestEngine(t, chases, prices)

	id, err := e.Start(context.Background(), Spec{
		SubAccount: "a", Symbol: "BTC-USDT-PERP", Side: types.Short,
		MaxNotional: decimal.NewFromInt(10000), ProfileName: "small_cap",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// SHORT tracks the high-water mark; a climb past the activation
	// amplitude should arm it.
	prices.push("BTC-USDT-PERP", decimal.NewFromFloat(1.04))
	time.Sleep(600 * time.Millisecond)

	e.mu.RLock()
	st := e.states[id]
	e.mu.RUnlock()
	st.mu.Lock()
	gotState := st.snap.State
	st.mu.Unlock()
	if gotState != types.MomentumArmed {
		t.Fatalf("expected ARMED after crossing activation amplitude, got %s", gotState)
	}
}

func TestGateBreachedThenRevertedEntersStepWait(t *testing.T) {
	t.Parallel()
	chases := &fakeChaseStarter{}
	prices := newFakePrices(types.PriceSnapshot{Symbol: "BTC-USDT-PERP", Mark: decimal.NewFromInt(1)})
	e, _ := newTestEngine(t, chases, prices)

	id, err := e.Start(context.Background(), Spec{
		SubAccount: "a", Symbol: "BTC-USDT-PERP", Side: types.Long,
		MaxNotional: decimal.NewFromInt(10000), ProfileName: "small_cap",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// LONG tracks the low-water mark; small_cap: MinActivationAmp=3%, TrailPct=2%.
	prices.push("BTC-USDT-PERP", decimal.NewFromFloat(0.95)) // ARMED, extreme=0.95, gate(ceiling)=0.969
	time.Sleep(600 * time.Millisecond)
	prices.push("BTC-USDT-PERP", decimal.NewFromFloat(0.97)) // GATED (rises above ceiling gate)
	time.Sleep(600 * time.Millisecond)
	prices.push("BTC-USDT-PERP", decimal.NewFromFloat(0.96)) // reverts back below gate -> STEP_WAIT, spawns entry chase
	time.Sleep(600 * time.Millisecond)

	e.mu.RLock()
	st := e.states[id]
	e.mu.RUnlock()
	st.mu.Lock()
	gotState := st.snap.State
	st.mu.Unlock()
	if gotState != types.MomentumStepWait {
		t.Fatalf("expected STEP_WAIT after gate reversion, got %s", gotState)
	}

	chases.mu.Lock()
	defer chases.mu.Unlock()
	if len(chases.started) == 0 {
		t.Fatal("expected an entry chase to be started on gate reversion")
	}
}

func TestCleanupStaleStopsIdleInstances(t *testing.T) {
	t.Parallel()
	chases := &fakeChaseStarter{}
	prices := newFakePrices(types.PriceSnapshot{Symbol: "BTC-USDT-PERP", Mark: decimal.NewFromInt(60000)})
	e, snaps := newTestEngine(t, chases, prices)

	id, err := e.Start(context.Background(), Spec{SubAccount: "a", Symbol: "BTC-USDT-PERP", Side: types.Long, MaxNotional: decimal.NewFromInt(10000)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.mu.RLock()
	st := e.states[id]
	e.mu.RUnlock()
	st.mu.Lock()
	st.snap.LastTickAt = time.Now().Add(-10 * time.Minute)
	st.mu.Unlock()

	e.cleanupStale(context.Background())

	if _, ok, _ := snaps.GetMomentum(context.Background(), id); ok {
		t.Fatal("expected stale instance's snapshot removed")
	}
}
