package reconciler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-gateway/internal/events"
	"perp-gateway/internal/exchange"
	"perp-gateway/internal/ledger"
	"perp-gateway/pkg/types"
)

type fakeGateway struct {
	resp *exchange.OrderResult
	err  error
}

func (f *fakeGateway) FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (*exchange.OrderResult, error) {
	return f.resp, f.err
}

type fakeLedger struct {
	mu             sync.Mutex
	openPositions  map[string]types.Position // key: subAccount|symbol|side
	pendingByExch  map[string]types.PendingOrder
	latestChase    map[string]types.PendingOrder // key: subAccount|symbol
	filled         []string
	cancelled      []string
	expired        []string
	averaged       []decimal.Decimal
	partialClosed  []string
	executions     []types.TradeExecution
	pollBatch      []types.PendingOrder
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		openPositions: make(map[string]types.Position),
		pendingByExch: make(map[string]types.PendingOrder),
		latestChase:   make(map[string]types.PendingOrder),
	}
}

func (f *fakeLedger) GetOpenPosition(ctx context.Context, subAccount, symbol string, side types.PositionSide) (*types.Position, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.openPositions[subAccount+"|"+symbol+"|"+string(side)]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}
func (f *fakeLedger) ListOpenPositions(ctx context.Context) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Position, 0, len(f.openPositions))
	for _, p := range f.openPositions {
		out = append(out, p)
	}
	return out, nil
}
func (f *fakeLedger) OpenOrAverage(ctx context.Context, subAccount, symbol string, side types.PositionSide, fillPrice, fillQty decimal.Decimal, leverage int) (*types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.averaged = append(f.averaged, fillQty)
	p := types.Position{ID: "pos-new", SubAccount: subAccount, Symbol: symbol, Side: side, EntryPrice: fillPrice, Quantity: fillQty}
	f.openPositions[subAccount+"|"+symbol+"|"+string(side)] = p
	return &p, nil
}
func (f *fakeLedger) PartialClose(ctx context.Context, positionID string, fraction, closePrice decimal.Decimal) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partialClosed = append(f.partialClosed, positionID)
	return decimal.NewFromInt(1), nil
}
func (f *fakeLedger) GetPendingOrder(ctx context.Context, id string) (*types.PendingOrder, error) {
	return nil, ledger.ErrNotFound
}
func (f *fakeLedger) FindPendingOrderByExchangeID(ctx context.Context, subAccount, exchangeOrderID string) (*types.PendingOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pendingByExch[subAccount+"|"+exchangeOrderID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &p, nil
}
func (f *fakeLedger) FindLatestPendingChase(ctx context.Context, subAccount, symbol string) (*types.PendingOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.latestChase[subAccount+"|"+symbol]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &p, nil
}
func (f *fakeLedger) UpdateExchangeOrderID(ctx context.Context, id, exchangeOrderID string) error {
	return nil
}
func (f *fakeLedger) MarkFilled(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filled = append(f.filled, id)
	return nil
}
func (f *fakeLedger) MarkCancelled(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}
func (f *fakeLedger) MarkExpired(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, id)
	return nil
}
func (f *fakeLedger) ListPendingForPoll(ctx context.Context, batchSize int) ([]types.PendingOrder, error) {
	return f.pollBatch, nil
}
func (f *fakeLedger) RecordTradeExecution(ctx context.Context, exec types.TradeExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions = append(f.executions, exec)
	return nil
}

type fakePositionSource struct{ live map[string]bool }

func (f fakePositionSource) HasLivePosition(ctx context.Context, symbol string) (bool, error) {
	return f.live[symbol], nil
}

type fakeLockStore struct {
	mu        sync.Mutex
	held      map[string]bool
	recent    map[string]bool
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{held: make(map[string]bool), recent: make(map[string]bool)}
}
func (f *fakeLockStore) AcquireReconcileLock(ctx context.Context, symbol string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[symbol] {
		return false, nil
	}
	f.held[symbol] = true
	return true, nil
}
func (f *fakeLockStore) MarkRecentlyReconciled(ctx context.Context, symbol string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent[symbol] = true
	return nil
}
func (f *fakeLockStore) WasRecentlyReconciled(ctx context.Context, symbol string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent[symbol], nil
}

func newTestReconciler(gw OrderGateway, ledgerStore *fakeLedger, positions fakePositionSource, locks *fakeLockStore) *Reconciler {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.New(logger)
	return New(gw, ledgerStore, positions, locks, bus, logger)
}

func TestHandleExchangeOrderUpdateOpensPosition(t *testing.T) {
	t.Parallel()
	fl := newFakeLedger()
	fl.pendingByExch["acct-1|ex-1"] = types.PendingOrder{ID: "po-1", SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Buy, Type: types.OrderLimit}
	r := newTestReconciler(&fakeGateway{}, fl, fakePositionSource{}, newFakeLockStore())

	err := r.HandleExchangeOrderUpdate(context.Background(), OrderUpdate{
		SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", OrderID: "ex-1", Status: "FILLED",
		AvgPrice: decimal.NewFromInt(50), FilledQty: decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fl.averaged) != 1 {
		t.Fatalf("expected one open/average call, got %d", len(fl.averaged))
	}
	if len(fl.filled) != 1 {
		t.Fatalf("expected pending order marked filled, got %d", len(fl.filled))
	}
}

func TestHandleExchangeOrderUpdateClosesOppositePosition(t *testing.T) {
	t.Parallel()
	fl := newFakeLedger()
	fl.pendingByExch["acct-1|ex-1"] = types.PendingOrder{ID: "po-1", SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Sell, Type: types.OrderLimit}
	fl.openPositions["acct-1|BTC-USDT-PERP|LONG"] = types.Position{ID: "pos-1", SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Long, Quantity: decimal.NewFromInt(5), EntryPrice: decimal.NewFromInt(48)}
	r := newTestReconciler(&fakeGateway{}, fl, fakePositionSource{}, newFakeLockStore())

	err := r.HandleExchangeOrderUpdate(context.Background(), OrderUpdate{
		SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", OrderID: "ex-1", Status: "FILLED",
		AvgPrice: decimal.NewFromInt(50), FilledQty: decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fl.partialClosed) != 1 {
		t.Fatalf("expected one partial close call, got %d", len(fl.partialClosed))
	}
}

func TestHandleExchangeOrderUpdateDedupesWithinWindow(t *testing.T) {
	t.Parallel()
	fl := newFakeLedger()
	fl.pendingByExch["acct-1|ex-1"] = types.PendingOrder{ID: "po-1", SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Buy, Type: types.OrderLimit}
	r := newTestReconciler(&fakeGateway{}, fl, fakePositionSource{}, newFakeLockStore())

	upd := OrderUpdate{SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", OrderID: "ex-1", Status: "FILLED", AvgPrice: decimal.NewFromInt(50), FilledQty: decimal.NewFromInt(2)}
	if err := r.HandleExchangeOrderUpdate(context.Background(), upd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.HandleExchangeOrderUpdate(context.Background(), upd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(fl.averaged) != 1 {
		t.Fatalf("expected duplicate event within dedup window to be a no-op, got %d open/average calls", len(fl.averaged))
	}
}

func TestProcessChaseOrderFillFallsBackToLatestPendingChase(t *testing.T) {
	t.Parallel()
	fl := newFakeLedger()
	fl.latestChase["acct-1|BTC-USDT-PERP"] = types.PendingOrder{ID: "po-2", SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Buy, Type: types.OrderChaseLimit}
	r := newTestReconciler(&fakeGateway{}, fl, fakePositionSource{}, newFakeLockStore())

	err := r.ProcessChaseOrderFill(context.Background(), "stale-ex-id", "acct-1", "BTC-USDT-PERP", decimal.NewFromInt(100), decimal.NewFromFloat(0.01))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fl.averaged) != 1 {
		t.Fatalf("expected fallback lookup to apply the fill, got %d open/average calls", len(fl.averaged))
	}
}

func TestSweepOrphansReconcilesMissingExchangePosition(t *testing.T) {
	t.Parallel()
	fl := newFakeLedger()
	fl.openPositions["acct-1|BTC-USDT-PERP|LONG"] = types.Position{ID: "pos-1", SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Long, EntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	locks := newFakeLockStore()
	r := newTestReconciler(&fakeGateway{}, fl, fakePositionSource{live: map[string]bool{}}, locks)

	r.sweepOrphans(context.Background())

	if len(fl.partialClosed) != 1 {
		t.Fatalf("expected orphaned position to be reconciled, got %d partial closes", len(fl.partialClosed))
	}
	if !locks.recent["BTC-USDT-PERP"] {
		t.Fatal("expected symbol marked recently reconciled")
	}
}

func TestPollAppliesFillFromExchangeStatus(t *testing.T) {
	t.Parallel()
	fl := newFakeLedger()
	fl.pollBatch = []types.PendingOrder{
		{ID: "po-3", SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Buy, Type: types.OrderLimit, ExchangeOrderID: "ex-3", CreatedAt: time.Now()},
	}
	gw := &fakeGateway{resp: &exchange.OrderResult{ExchangeOrderID: "ex-3", Status: "FILLED", AvgPrice: decimal.NewFromInt(50), FilledQty: decimal.NewFromInt(1)}}
	r := newTestReconciler(gw, fl, fakePositionSource{}, newFakeLockStore())

	r.poll(context.Background())

	if len(fl.averaged) != 1 {
		t.Fatalf("expected poll to apply the exchange fill, got %d open/average calls", len(fl.averaged))
	}
}

func TestPollExpiresOldUnknownOrders(t *testing.T) {
	t.Parallel()
	fl := newFakeLedger()
	fl.pollBatch = []types.PendingOrder{
		{ID: "po-4", SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Buy, Type: types.OrderLimit, ExchangeOrderID: "ex-4", CreatedAt: time.Now().Add(-2 * time.Minute)},
	}
	gw := &fakeGateway{err: exchange.Classify(exchange.APIError{Code: -2011, Msg: "Unknown order sent."})}
	r := newTestReconciler(gw, fl, fakePositionSource{}, newFakeLockStore())

	r.poll(context.Background())

	if len(fl.expired) != 1 {
		t.Fatalf("expected order older than the unknown-order grace period to expire, got %d", len(fl.expired))
	}
}

func TestSweepOrphansSkipsLivePositions(t *testing.T) {
	t.Parallel()
	fl := newFakeLedger()
	fl.openPositions["acct-1|BTC-USDT-PERP|LONG"] = types.Position{ID: "pos-1", SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Long, EntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	r := newTestReconciler(&fakeGateway{}, fl, fakePositionSource{live: map[string]bool{"BTC-USDT-PERP": true}}, newFakeLockStore())

	r.sweepOrphans(context.Background())

	if len(fl.partialClosed) != 0 {
		t.Fatalf("expected live position to be skipped, got %d partial closes", len(fl.partialClosed))
	}
}
