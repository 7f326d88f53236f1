package chase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perp-gateway/internal/events"
	"perp-gateway/internal/exchange"
	"perp-gateway/internal/priceboard"
	"perp-gateway/internal/xerr"
	"perp-gateway/pkg/types"
)

const (
	repriceThrottle  = 500 * time.Millisecond
	progressThrottle = 1 * time.Second
	snapshotThrottle = 1 * time.Second
	epsilonFilter    = 1e-5
	fillDebounce     = 30 * time.Second
	probeInterval    = 5 * time.Second
	sweepInterval    = 30 * time.Second
	clientQuoteTolerancePct = 5
)

// OrderGateway is the subset of *exchange.Client the Chase Engine needs.
type OrderGateway interface {
	PlaceLimitOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (*exchange.OrderResult, error)
}

// BatchOrderGateway is optionally implemented by the order gateway to let
// StartBatch hand every order of a batch over in one call.
type BatchOrderGateway interface {
	PlaceBatchOrders(ctx context.Context, reqs []exchange.OrderRequest) ([]*exchange.OrderResult, []error)
}

// SymbolSource is the subset of *exchange.SymbolCache the engine needs for
// tick/step rounding and filter clamping.
type SymbolSource interface {
	ByCanonical(canonical string) (types.Symbol, bool)
	PriceToPrecision(canonical string, x decimal.Decimal, mode types.PrecisionMode) (decimal.Decimal, error)
}

// PriceSource is the subset of *priceboard.Board the engine needs.
type PriceSource interface {
	Snapshot(symbol string) (types.PriceSnapshot, bool)
	Subscribe(symbol string, handler priceboard.Handler) func()
}

// PendingOrderStore is the subset of *ledger.Store the engine needs.
type PendingOrderStore interface {
	CreatePendingOrder(ctx context.Context, o types.PendingOrder) error
	UpdateExchangeOrderID(ctx context.Context, id, exchangeOrderID string) error
	MarkCancelled(ctx context.Context, id string) error
}

// SnapshotStore is the subset of *snapshotstore.Store the engine needs.
type SnapshotStore interface {
	PutChase(ctx context.Context, id string, value []byte) error
	GetChase(ctx context.Context, id string) ([]byte, bool, error)
	DeleteChase(ctx context.Context, id string) error
	ListChaseIDs(ctx context.Context) ([]string, error)
}

// FillProcessor is the Order Reconciler's chase-specific entry point:
// handles the ledger/position effects of a chase fill, idempotently by
// exchange order id.
type FillProcessor interface {
	ProcessChaseOrderFill(ctx context.Context, exchangeOrderID, subAccount, symbol string, fillPrice, fillQty decimal.Decimal) error
}

// Engine owns every live chase and drives its reprice loop from price
// ticks. Callers never touch state directly — start/cancel/startBatch are
// the only entry points (plus FillObserved for the reconciler's fast path).
type Engine struct {
	maxActive int

	orders  OrderGateway
	symbols SymbolSource
	prices  PriceSource
	pending PendingOrderStore
	snaps   SnapshotStore
	fills   FillProcessor
	bus     *events.Bus
	logger  *slog.Logger

	mu     sync.RWMutex
	states map[string]*state
}

// New constructs the Chase Engine.
func New(maxActive int, orders OrderGateway, symbols SymbolSource, prices PriceSource, pending PendingOrderStore, snaps SnapshotStore, fills FillProcessor, bus *events.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		maxActive: maxActive,
		orders:    orders,
		symbols:   symbols,
		prices:    prices,
		pending:   pending,
		snaps:     snaps,
		fills:     fills,
		bus:       bus,
		logger:    logger.With("component", "chase"),
		states:    make(map[string]*state),
	}
}

// Run starts the background probe and sweep loops until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	probe := time.NewTicker(probeInterval)
	sweep := time.NewTicker(sweepInterval)
	defer probe.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probe.C:
			e.probeFills(ctx)
		case <-sweep.C:
			e.probeFills(ctx) // same mechanism, coarser safety-net cadence
		}
	}
}

// Start validates spec, places the initial limit order, and registers a new
// chase. See SPEC_FULL §4.3.
func (e *Engine) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	e.mu.RLock()
	active := len(e.states)
	e.mu.RUnlock()
	if active >= e.maxActive {
		return nil, xerr.New(xerr.CapacityExceeded, "chase engine at global capacity")
	}

	snap, ok := e.prices.Snapshot(spec.Symbol)
	if !ok || snap.Bid.IsZero() || snap.Ask.IsZero() {
		return nil, xerr.New(xerr.PriceUnavailable, "no price available for symbol")
	}

	bid, ask := snap.Bid, snap.Ask
	if !spec.ClientBid.IsZero() && withinTolerance(spec.ClientBid, bid, decimal.NewFromInt(clientQuoteTolerancePct)) {
		bid = spec.ClientBid
	}
	if !spec.ClientAsk.IsZero() && withinTolerance(spec.ClientAsk, ask, decimal.NewFromInt(clientQuoteTolerancePct)) {
		ask = spec.ClientAsk
	}

	sym, ok := e.symbols.ByCanonical(spec.Symbol)
	if !ok {
		return nil, xerr.New(xerr.ExchangeRejected, "unknown symbol")
	}

	raw := computeTarget(spec.StalkMode, spec.Side, bid, ask, spec.StalkOffsetPct)
	price, err := e.symbols.PriceToPrecision(spec.Symbol, raw, types.RoundNearest)
	if err != nil {
		return nil, xerr.Wrap(xerr.ExchangeRejected, err)
	}
	price = exchange.ClampToFilters(sym, price, snap.Mark)

	result, err := e.orders.PlaceLimitOrder(ctx, exchange.OrderRequest{
		Symbol:     spec.Symbol,
		Side:       spec.Side,
		Price:      price,
		Quantity:   spec.Quantity,
		ReduceOnly: spec.ReduceOnly,
	})
	if err != nil {
		return nil, wrapExchangeErr(err)
	}

	id := uuid.NewString()
	now := time.Now()

	po := types.PendingOrder{
		ID:              id,
		SubAccount:      spec.SubAccount,
		Symbol:          spec.Symbol,
		Side:            spec.Side,
		Type:            spec.OrderType,
		Price:           price,
		Quantity:        spec.Quantity,
		Leverage:        spec.Leverage,
		ReduceOnly:      spec.ReduceOnly,
		Status:          types.OrderPending,
		ExchangeOrderID: result.ExchangeOrderID,
		CreatedAt:       now,
	}
	if err := e.pending.CreatePendingOrder(ctx, po); err != nil {
		e.logger.Error("failed to persist pending order for new chase", "chase_id", id, "error", err)
	}

	st := &state{
		snap: types.ChaseSnapshot{
			ID:                     id,
			SubAccount:             spec.SubAccount,
			Symbol:                 spec.Symbol,
			Side:                   spec.Side,
			Quantity:               spec.Quantity,
			Leverage:               spec.Leverage,
			StalkOffsetPct:         spec.StalkOffsetPct,
			StalkMode:              spec.StalkMode,
			MaxDistancePct:         spec.MaxDistancePct,
			CurrentExchangeOrderID: result.ExchangeOrderID,
			InitialPrice:           price,
			LastOrderPrice:         price,
			Status:                 types.ChaseActive,
			StartedAt:              now,
			Internal:               spec.Internal,
			ParentMomentumID:       spec.ParentMomentumID,
			ReduceOnly:             spec.ReduceOnly,
		},
		onFill: spec.OnFill,
	}

	e.mu.Lock()
	e.states[id] = st
	e.mu.Unlock()

	st.unsubscribe = e.prices.Subscribe(spec.Symbol, func(p types.PriceSnapshot) {
		e.onTick(ctx, id, p)
	})

	e.persistSnapshot(ctx, st)
	e.bus.Publish(events.Event{
		Type:         events.OrderPlaced,
		SubAccountID: spec.SubAccount,
		Symbol:       spec.Symbol,
		Payload: map[string]interface{}{
			"chase_id": id,
			"price":    price.String(),
		},
	})

	return &Handle{ID: id, Cancel: func() { e.Cancel(context.Background(), id) }}, nil
}

// StartBatch submits up to 5 specs for the same symbol through one
// PlaceBatchOrders call when the gateway implements BatchOrderGateway (and
// through Start, one spec at a time, when it does not), then registers one
// state per successful sub-order.
func (e *Engine) StartBatch(ctx context.Context, specs []Spec) ([]*Handle, []error) {
	handles := make([]*Handle, len(specs))
	errs := make([]error, len(specs))

	if len(specs) == 0 {
		return handles, errs
	}
	if len(specs) > 5 {
		for i := range specs {
			errs[i] = fmt.Errorf("batch size %d exceeds limit of 5", len(specs))
		}
		return handles, errs
	}

	batcher, ok := e.orders.(BatchOrderGateway)
	if !ok {
		for i, spec := range specs {
			h, err := e.Start(ctx, spec)
			handles[i], errs[i] = h, err
		}
		return handles, errs
	}

	reqs := make([]exchange.OrderRequest, len(specs))
	for i, spec := range specs {
		snap, ok := e.prices.Snapshot(spec.Symbol)
		if !ok {
			errs[i] = xerr.New(xerr.PriceUnavailable, "no price available for symbol")
			continue
		}
		sym, ok := e.symbols.ByCanonical(spec.Symbol)
		if !ok {
			errs[i] = xerr.New(xerr.ExchangeRejected, "unknown symbol")
			continue
		}
		raw := computeTarget(spec.StalkMode, spec.Side, snap.Bid, snap.Ask, spec.StalkOffsetPct)
		price, err := e.symbols.PriceToPrecision(spec.Symbol, raw, types.RoundNearest)
		if err != nil {
			errs[i] = xerr.Wrap(xerr.ExchangeRejected, err)
			continue
		}
		price = exchange.ClampToFilters(sym, price, snap.Mark)
		reqs[i] = exchange.OrderRequest{Symbol: spec.Symbol, Side: spec.Side, Price: price, Quantity: spec.Quantity, ReduceOnly: spec.ReduceOnly}
	}

	results, placeErrs := batcher.PlaceBatchOrders(ctx, reqs)

	var wg sync.WaitGroup
	for i, spec := range specs {
		if errs[i] != nil {
			continue
		}
		if placeErrs[i] != nil {
			errs[i] = wrapExchangeErr(placeErrs[i])
			continue
		}
		result := results[i]
		id := uuid.NewString()
		now := time.Now()
		st := &state{
			snap: types.ChaseSnapshot{
				ID:                     id,
				SubAccount:             spec.SubAccount,
				Symbol:                 spec.Symbol,
				Side:                   spec.Side,
				Quantity:               spec.Quantity,
				Leverage:               spec.Leverage,
				StalkOffsetPct:         spec.StalkOffsetPct,
				StalkMode:              spec.StalkMode,
				MaxDistancePct:         spec.MaxDistancePct,
				CurrentExchangeOrderID: result.ExchangeOrderID,
				InitialPrice:           reqs[i].Price,
				LastOrderPrice:         reqs[i].Price,
				Status:                 types.ChaseActive,
				StartedAt:              now,
				Internal:               spec.Internal,
				ParentMomentumID:       spec.ParentMomentumID,
				ReduceOnly:             spec.ReduceOnly,
			},
			onFill: spec.OnFill,
		}
		e.mu.Lock()
		e.states[id] = st
		e.mu.Unlock()
		st.unsubscribe = e.prices.Subscribe(spec.Symbol, func(p types.PriceSnapshot) {
			e.onTick(ctx, id, p)
		})
		handles[i] = &Handle{ID: id, Cancel: func() { e.Cancel(context.Background(), id) }}

		// DB writes run concurrently post-registration (§4.3).
		wg.Add(1)
		go func(st *state, spec Spec) {
			defer wg.Done()
			po := types.PendingOrder{
				ID: st.snap.ID, SubAccount: spec.SubAccount, Symbol: spec.Symbol, Side: spec.Side,
				Type: spec.OrderType, Price: st.snap.InitialPrice, Quantity: spec.Quantity,
				Leverage: spec.Leverage, ReduceOnly: spec.ReduceOnly, Status: types.OrderPending,
				ExchangeOrderID: st.snap.CurrentExchangeOrderID, CreatedAt: now,
			}
			if err := e.pending.CreatePendingOrder(ctx, po); err != nil {
				e.logger.Error("failed to persist pending order for batch chase", "chase_id", st.snap.ID, "error", err)
			}
			e.persistSnapshot(ctx, st)
		}(st, spec)
	}
	wg.Wait()

	return handles, errs
}

// Cancel transitions a chase to cancelled, blocks any in-flight reprice from
// completing, and cancels the outstanding exchange order.
func (e *Engine) Cancel(ctx context.Context, id string) {
	e.mu.Lock()
	st, ok := e.states[id]
	if ok {
		delete(e.states, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.dead = true
	st.snap.Status = types.ChaseCancelled
	exchOrderID := st.snap.CurrentExchangeOrderID
	symbol := st.snap.Symbol
	subAccount := st.snap.SubAccount
	st.mu.Unlock()

	if st.unsubscribe != nil {
		st.unsubscribe()
	}
	if err := e.orders.CancelOrder(ctx, symbol, exchOrderID); err != nil && !exchange.IsUnknownOrder(err) {
		e.logger.Warn("cancel order failed", "chase_id", id, "error", err)
	}
	if err := e.pending.MarkCancelled(ctx, id); err != nil {
		e.logger.Error("failed to mark pending order cancelled", "chase_id", id, "error", err)
	}
	if err := e.snaps.DeleteChase(ctx, id); err != nil {
		e.logger.Warn("failed to delete chase snapshot", "chase_id", id, "error", err)
	}

	e.bus.Publish(events.Event{Type: events.ChaseCancelled, SubAccountID: subAccount, Symbol: symbol, Payload: map[string]interface{}{"chase_id": id}})
}

// onTick is the 8-step reprice loop, invoked per price tick for the chase's
// symbol (§4.3).
func (e *Engine) onTick(ctx context.Context, id string, tick types.PriceSnapshot) {
	e.mu.RLock()
	st, ok := e.states[id]
	e.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if st.snap.Status != types.ChaseActive || st.dead || st.repricing || time.Since(st.lastRepriceAt) < repriceThrottle {
		st.mu.Unlock()
		return
	}
	st.lastRepriceAt = time.Now()
	symbol := st.snap.Symbol
	side := st.snap.Side
	mode := st.snap.StalkMode
	offset := st.snap.StalkOffsetPct
	initialPrice := st.snap.InitialPrice
	lastOrderPrice := st.snap.LastOrderPrice
	maxDistancePct := st.snap.MaxDistancePct
	currentExchangeOrderID := st.snap.CurrentExchangeOrderID
	quantity := st.snap.Quantity
	reduceOnly := st.snap.ReduceOnly
	subAccount := st.snap.SubAccount
	st.mu.Unlock()

	if tick.Bid.IsZero() || tick.Ask.IsZero() {
		return
	}

	currentQuote := tick.Bid
	if side == types.Sell {
		currentQuote = tick.Ask
	}
	if !maxDistancePct.IsZero() && !initialPrice.IsZero() {
		distancePct := currentQuote.Sub(initialPrice).Abs().Div(initialPrice).Mul(decimal.NewFromInt(100))
		if distancePct.GreaterThan(maxDistancePct) {
			e.finishDistanceBreached(ctx, id, st)
			return
		}
	}

	sym, ok := e.symbols.ByCanonical(symbol)
	if !ok {
		return
	}
	raw := computeTarget(mode, side, tick.Bid, tick.Ask, offset)
	newTarget, err := e.symbols.PriceToPrecision(symbol, raw, types.RoundNearest)
	if err != nil {
		return
	}
	newTarget = exchange.ClampToFilters(sym, newTarget, tick.Mark)

	if !lastOrderPrice.IsZero() {
		delta := newTarget.Sub(lastOrderPrice).Abs().Div(lastOrderPrice)
		if delta.LessThan(decimal.NewFromFloat(epsilonFilter)) {
			return
		}
	}

	if !shouldReprice(mode, side, lastOrderPrice, newTarget) {
		e.maybeBroadcastProgress(st, subAccount, symbol)
		return
	}

	st.mu.Lock()
	st.repricing = true
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		st.repricing = false
		st.mu.Unlock()
	}()

	if err := e.orders.CancelOrder(ctx, symbol, currentExchangeOrderID); err != nil {
		if exchange.IsUnknownOrder(err) {
			probed, perr := e.orders.FetchOrder(ctx, symbol, currentExchangeOrderID)
			if perr == nil && probed.Status == "FILLED" {
				e.handleFill(ctx, id, probed.AvgPrice, probed.FilledQty)
				return
			}
		} else {
			e.logger.Warn("reprice cancel failed, continuing", "chase_id", id, "error", err)
		}
	}

	result, err := e.orders.PlaceLimitOrder(ctx, exchange.OrderRequest{
		Symbol: symbol, Side: side, Price: newTarget, Quantity: quantity, ReduceOnly: reduceOnly,
	})
	if err != nil {
		e.handleRepriceError(ctx, id, st, err)
		return
	}

	st.mu.Lock()
	if st.dead || st.snap.Status != types.ChaseActive {
		st.mu.Unlock()
		if cerr := e.orders.CancelOrder(ctx, symbol, result.ExchangeOrderID); cerr != nil {
			e.logger.Warn("failed to cancel orphaned reprice order", "chase_id", id, "error", cerr)
		}
		return
	}
	st.snap.CurrentExchangeOrderID = result.ExchangeOrderID
	st.snap.LastOrderPrice = newTarget
	st.snap.RepriceCount++
	st.mu.Unlock()

	if err := e.pending.UpdateExchangeOrderID(ctx, id, result.ExchangeOrderID); err != nil {
		e.logger.Warn("failed to update pending order exchange id", "chase_id", id, "error", err)
	}
	e.persistSnapshotThrottled(ctx, st)
	e.broadcastProgress(st, subAccount, symbol)
}

func (e *Engine) handleRepriceError(ctx context.Context, id string, st *state, err error) {
	switch {
	case exchange.IsTerminalMargin(err):
		st.mu.Lock()
		st.snap.Status = types.ChaseError
		st.dead = true
		subAccount, symbol := st.snap.SubAccount, st.snap.Symbol
		st.mu.Unlock()
		e.cleanupTerminal(ctx, id, st)
		e.bus.Publish(events.Event{Type: events.ChaseCancelled, SubAccountID: subAccount, Symbol: symbol, Payload: map[string]interface{}{"chase_id": id, "reason": "insufficient_margin"}})
	case exchange.IsTransientPriceFilter(err):
		// transient: skip to the next tick, state remains active.
	default:
		e.logger.Warn("reprice placement failed, staying active", "chase_id", id, "error", err)
	}
}

func (e *Engine) finishDistanceBreached(ctx context.Context, id string, st *state) {
	st.mu.Lock()
	st.snap.Status = types.ChaseDistanceBreached
	st.dead = true
	subAccount, symbol := st.snap.SubAccount, st.snap.Symbol
	st.mu.Unlock()
	e.cleanupTerminal(ctx, id, st)
	e.bus.Publish(events.Event{Type: events.ChaseCancelled, SubAccountID: subAccount, Symbol: symbol, Payload: map[string]interface{}{"chase_id": id, "reason": "distance_breached"}})
}

func (e *Engine) cleanupTerminal(ctx context.Context, id string, st *state) {
	e.mu.Lock()
	delete(e.states, id)
	e.mu.Unlock()
	if st.unsubscribe != nil {
		st.unsubscribe()
	}
	if err := e.snaps.DeleteChase(ctx, id); err != nil {
		e.logger.Warn("failed to delete chase snapshot", "chase_id", id, "error", err)
	}
}

// handleFill is the single entry point for all three fill-observation
// sources (user-stream event, in-chase probe, cleanup sweep). Debounced 30s.
func (e *Engine) handleFill(ctx context.Context, id string, fillPrice, fillQty decimal.Decimal) {
	e.mu.RLock()
	st, ok := e.states[id]
	e.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if !st.processedAt.IsZero() && time.Since(st.processedAt) < fillDebounce {
		st.mu.Unlock()
		return
	}
	st.processedAt = time.Now()
	st.snap.Status = types.ChaseFilled
	exchOrderID := st.snap.CurrentExchangeOrderID
	subAccount := st.snap.SubAccount
	symbol := st.snap.Symbol
	onFill := st.onFill
	internal := st.snap.Internal
	st.mu.Unlock()

	e.cleanupTerminal(ctx, id, st)

	if e.fills != nil {
		if err := e.fills.ProcessChaseOrderFill(ctx, exchOrderID, subAccount, symbol, fillPrice, fillQty); err != nil {
			e.logger.Error("chase fill reconciliation failed", "chase_id", id, "error", err)
		}
	}

	if onFill != nil {
		onFill(fillPrice, fillQty)
	}

	e.bus.Publish(events.Event{
		Type:          events.ChaseFilled,
		SubAccountID:  subAccount,
		Symbol:        symbol,
		SuppressToast: internal,
		Payload: map[string]interface{}{
			"chase_id":   id,
			"fill_price": fillPrice.String(),
			"fill_qty":   fillQty.String(),
		},
	})
}

// FillObserved is the reconciler's fast-path hook: a user-stream order
// update routed to this chase's current exchange order id.
func (e *Engine) FillObserved(ctx context.Context, exchangeOrderID string, fillPrice, fillQty decimal.Decimal) {
	e.mu.RLock()
	var match string
	for id, st := range e.states {
		st.mu.Lock()
		if st.snap.CurrentExchangeOrderID == exchangeOrderID {
			match = id
		}
		st.mu.Unlock()
		if match != "" {
			break
		}
	}
	e.mu.RUnlock()
	if match == "" {
		return
	}
	e.handleFill(ctx, match, fillPrice, fillQty)
}

// probeFills polls every active chase's current exchange order for a
// terminal fill, the 5s in-chase probe and 30s cleanup sweep's shared
// mechanism.
func (e *Engine) probeFills(ctx context.Context) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		e.mu.RLock()
		st, ok := e.states[id]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		st.mu.Lock()
		symbol, exchOrderID, active := st.snap.Symbol, st.snap.CurrentExchangeOrderID, st.snap.Status == types.ChaseActive
		st.mu.Unlock()
		if !active || exchOrderID == "" {
			continue
		}
		result, err := e.orders.FetchOrder(ctx, symbol, exchOrderID)
		if err != nil {
			continue
		}
		if result.Status == "FILLED" {
			e.handleFill(ctx, id, result.AvgPrice, result.FilledQty)
		}
	}
}

// RestartRecover lists every durable chase snapshot, probes the exchange for
// its current order status, and either discards terminal snapshots or
// rehydrates active ones.
func (e *Engine) RestartRecover(ctx context.Context) error {
	ids, err := e.snaps.ListChaseIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		raw, ok, err := e.snaps.GetChase(ctx, id)
		if err != nil || !ok {
			continue
		}
		var snap types.ChaseSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			e.logger.Warn("failed to unmarshal chase snapshot", "chase_id", id, "error", err)
			continue
		}

		result, err := e.orders.FetchOrder(ctx, snap.Symbol, snap.CurrentExchangeOrderID)
		if err == nil && (result.Status == "FILLED" || result.Status == "CANCELED" || result.Status == "EXPIRED" || result.Status == "REJECTED") {
			if err := e.snaps.DeleteChase(ctx, id); err != nil {
				e.logger.Warn("failed to delete terminal chase snapshot on recovery", "chase_id", id, "error", err)
			}
			continue
		}

		st := &state{snap: snap}
		e.mu.Lock()
		e.states[id] = st
		e.mu.Unlock()
		st.unsubscribe = e.prices.Subscribe(snap.Symbol, func(p types.PriceSnapshot) {
			e.onTick(ctx, id, p)
		})
		e.persistSnapshot(ctx, st)
		e.logger.Info("restored chase from snapshot", "chase_id", id, "symbol", snap.Symbol)
	}
	return nil
}

func (e *Engine) maybeBroadcastProgress(st *state, subAccount, symbol string) {
	st.mu.Lock()
	if time.Since(st.lastProgressAt) < progressThrottle {
		st.mu.Unlock()
		return
	}
	st.lastProgressAt = time.Now()
	st.mu.Unlock()
	e.broadcastProgress(st, subAccount, symbol)
}

func (e *Engine) broadcastProgress(st *state, subAccount, symbol string) {
	st.mu.Lock()
	id := st.snap.ID
	price := st.snap.LastOrderPrice
	count := st.snap.RepriceCount
	st.mu.Unlock()
	e.bus.Publish(events.Event{
		Type:         events.ChaseProgress,
		SubAccountID: subAccount,
		Symbol:       symbol,
		Payload: map[string]interface{}{
			"chase_id":      id,
			"price":         price.String(),
			"reprice_count": count,
		},
	})
}

func (e *Engine) persistSnapshot(ctx context.Context, st *state) {
	st.mu.Lock()
	st.lastSnapshotAt = time.Now()
	snap := st.snap
	st.mu.Unlock()
	blob, err := json.Marshal(snap)
	if err != nil {
		e.logger.Warn("failed to marshal chase snapshot", "chase_id", snap.ID, "error", err)
		return
	}
	if err := e.snaps.PutChase(ctx, snap.ID, blob); err != nil {
		e.logger.Warn("failed to persist chase snapshot", "chase_id", snap.ID, "error", err)
	}
}

func (e *Engine) persistSnapshotThrottled(ctx context.Context, st *state) {
	st.mu.Lock()
	due := time.Since(st.lastSnapshotAt) >= snapshotThrottle
	st.mu.Unlock()
	if !due {
		return
	}
	e.persistSnapshot(ctx, st)
}

func validateSpec(spec Spec) error {
	if spec.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("quantity must be positive")
	}
	if spec.Leverage < 1 || spec.Leverage > 125 {
		return fmt.Errorf("leverage must be between 1 and 125")
	}
	if spec.StalkOffsetPct.LessThan(decimal.Zero) || spec.StalkOffsetPct.GreaterThan(decimal.NewFromInt(10)) {
		return fmt.Errorf("stalkOffsetPct must be between 0 and 10")
	}
	if spec.MaxDistancePct.LessThan(decimal.Zero) || spec.MaxDistancePct.GreaterThan(decimal.NewFromInt(50)) {
		return fmt.Errorf("maxDistancePct must be between 0 and 50")
	}
	return nil
}

func wrapExchangeErr(err error) error {
	if _, ok := err.(*xerr.GatewayError); ok {
		return err
	}
	return xerr.Wrap(xerr.ExchangeRejected, err)
}
