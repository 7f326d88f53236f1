package chase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-gateway/internal/events"
	"perp-gateway/internal/exchange"
	"perp-gateway/internal/priceboard"
	"perp-gateway/pkg/types"
)

type fakeGateway struct {
	mu        sync.Mutex
	placed    []exchange.OrderRequest
	nextID    int
	cancelErr error
	fetchResp *exchange.OrderResult
	fetchErr  error
}

func (f *fakeGateway) PlaceLimitOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.placed = append(f.placed, req)
	return &exchange.OrderResult{ExchangeOrderID: fmt.Sprintf("order-%d", f.nextID), Symbol: req.Symbol, Status: "NEW", Price: req.Price}, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return f.cancelErr
}

func (f *fakeGateway) FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (*exchange.OrderResult, error) {
	if f.fetchResp != nil {
		return f.fetchResp, f.fetchErr
	}
	return &exchange.OrderResult{Status: "NEW"}, f.fetchErr
}

type fakeSymbols struct{ sym types.Symbol }

func (f fakeSymbols) ByCanonical(canonical string) (types.Symbol, bool) { return f.sym, true }
func (f fakeSymbols) PriceToPrecision(canonical string, x decimal.Decimal, mode types.PrecisionMode) (decimal.Decimal, error) {
	return x, nil
}

type fakePrices struct {
	snap types.PriceSnapshot
}

func (f fakePrices) Snapshot(symbol string) (types.PriceSnapshot, bool) { return f.snap, true }
func (f fakePrices) Subscribe(symbol string, handler priceboard.Handler) func() {
	return func() {}
}

type fakePendingStore struct{ mu sync.Mutex; created []types.PendingOrder }

func (f *fakePendingStore) CreatePendingOrder(ctx context.Context, o types.PendingOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, o)
	return nil
}
func (f *fakePendingStore) UpdateExchangeOrderID(ctx context.Context, id, exchangeOrderID string) error {
	return nil
}
func (f *fakePendingStore) MarkCancelled(ctx context.Context, id string) error { return nil }

type fakeSnapStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeSnapStore() *fakeSnapStore { return &fakeSnapStore{blobs: make(map[string][]byte)} }

func (f *fakeSnapStore) PutChase(ctx context.Context, id string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[id] = value
	return nil
}
func (f *fakeSnapStore) GetChase(ctx context.Context, id string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.blobs[id]
	return v, ok, nil
}
func (f *fakeSnapStore) DeleteChase(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, id)
	return nil
}
func (f *fakeSnapStore) ListChaseIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.blobs))
	for id := range f.blobs {
		ids = append(ids, id)
	}
	return ids, nil
}

type fakeFillProcessor struct{ calls int }

func (f *fakeFillProcessor) ProcessChaseOrderFill(ctx context.Context, exchangeOrderID, subAccount, symbol string, fillPrice, fillQty decimal.Decimal) error {
	f.calls++
	return nil
}

func newTestEngine(t *testing.T, gw *fakeGateway, prices fakePrices) (*Engine, *fakeSnapStore, *fakeFillProcessor) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.New(logger)
	snaps := newFakeSnapStore()
	fills := &fakeFillProcessor{}
	sym := types.Symbol{Canonical: "BTC-USDT-PERP", PriceTick: decimal.NewFromFloat(0.1), AmountStep: decimal.NewFromFloat(0.001)}
	e := New(500, gw, fakeSymbols{sym: sym}, prices, &fakePendingStore{}, snaps, fills, bus, logger)
	return e, snaps, fills
}

func basePrices() fakePrices {
	return fakePrices{snap: types.PriceSnapshot{Symbol: "BTC-USDT-PERP", Mark: decimal.NewFromInt(60000), Bid: decimal.NewFromInt(59990), Ask: decimal.NewFromInt(60010), LastTick: time.Now()}}
}

func TestStartValidatesQuantity(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, &fakeGateway{}, basePrices())
	_, err := e.Start(context.Background(), Spec{SubAccount: "a", Symbol: "BTC-USDT-PERP", Side: types.Buy, Quantity: decimal.Zero, Leverage: 10})
	if err == nil {
		t.Fatal("expected validation error for zero quantity")
	}
}

func TestStartPlacesInitialOrder(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	e, snaps, _ := newTestEngine(t, gw, basePrices())
	h, err := e.Start(context.Background(), Spec{
		SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Buy,
		Quantity: decimal.NewFromFloat(0.01), Leverage: 10, StalkMode: types.StalkNone,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.ID == "" {
		t.Fatal("expected non-empty chase id")
	}
	if len(gw.placed) != 1 {
		t.Fatalf("expected one order placed, got %d", len(gw.placed))
	}
	if _, ok, _ := snaps.GetChase(context.Background(), h.ID); !ok {
		t.Fatal("expected a persisted snapshot after start")
	}
}

func TestStartRejectsWhenNoPrice(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, &fakeGateway{}, fakePrices{})
	_, err := e.Start(context.Background(), Spec{SubAccount: "a", Symbol: "BTC-USDT-PERP", Side: types.Buy, Quantity: decimal.NewFromInt(1), Leverage: 10})
	if err == nil {
		t.Fatal("expected PriceUnavailable error")
	}
}

func TestCancelRemovesStateAndSnapshot(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	e, snaps, _ := newTestEngine(t, gw, basePrices())
	h, err := e.Start(context.Background(), Spec{
		SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Buy,
		Quantity: decimal.NewFromFloat(0.01), Leverage: 10, StalkMode: types.StalkNone,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.Cancel(context.Background(), h.ID)

	if _, ok, _ := snaps.GetChase(context.Background(), h.ID); ok {
		t.Fatal("expected snapshot removed after cancel")
	}
	e.mu.RLock()
	_, stillActive := e.states[h.ID]
	e.mu.RUnlock()
	if stillActive {
		t.Fatal("expected state removed after cancel")
	}
}

func TestHandleFillDebouncesRepeatCalls(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	e, _, fills := newTestEngine(t, gw, basePrices())
	h, err := e.Start(context.Background(), Spec{
		SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Buy,
		Quantity: decimal.NewFromFloat(0.01), Leverage: 10, StalkMode: types.StalkNone,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// re-insert the state directly since handleFill deletes on first call;
	// simulate a duplicate fill notification racing the first.
	e.mu.Lock()
	e.states[h.ID] = &state{snap: types.ChaseSnapshot{ID: h.ID, Status: types.ChaseActive}}
	e.mu.Unlock()

	e.handleFill(context.Background(), h.ID, decimal.NewFromInt(60000), decimal.NewFromFloat(0.01))
	e.mu.Lock()
	e.states[h.ID] = &state{snap: types.ChaseSnapshot{ID: h.ID, Status: types.ChaseActive}, processedAt: time.Now()}
	e.mu.Unlock()
	e.handleFill(context.Background(), h.ID, decimal.NewFromInt(60000), decimal.NewFromFloat(0.01))

	if fills.calls != 1 {
		t.Fatalf("expected exactly one fill processed call, got %d", fills.calls)
	}
}

func TestShouldRepriceTrailNeverMovesAway(t *testing.T) {
	t.Parallel()
	// LONG trail: only reprice when target increases (moves toward market).
	if shouldReprice(types.StalkTrail, types.Buy, decimal.NewFromInt(100), decimal.NewFromInt(99)) {
		t.Fatal("trail should not reprice away from the market for a long")
	}
	if !shouldReprice(types.StalkTrail, types.Buy, decimal.NewFromInt(100), decimal.NewFromInt(101)) {
		t.Fatal("trail should reprice toward the market for a long")
	}
}

func TestComputeTargetNoneUsesBestQuote(t *testing.T) {
	t.Parallel()
	bid, ask := decimal.NewFromInt(100), decimal.NewFromInt(101)
	if got := computeTarget(types.StalkNone, types.Buy, bid, ask, decimal.Zero); !got.Equal(bid) {
		t.Fatalf("expected bid %s, got %s", bid, got)
	}
	if got := computeTarget(types.StalkNone, types.Sell, bid, ask, decimal.Zero); !got.Equal(ask) {
		t.Fatalf("expected ask %s, got %s", ask, got)
	}
}
