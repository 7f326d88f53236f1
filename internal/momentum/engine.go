package momentum

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perp-gateway/internal/chase"
	"perp-gateway/internal/events"
	"perp-gateway/internal/exchange"
	"perp-gateway/internal/priceboard"
	"perp-gateway/pkg/types"
)

const (
	tickThrottle         = 500 * time.Millisecond
	momentumSnapshotThrottle = 2 * time.Second
	liveLogInterval      = 10 * time.Second
	staleTimeout         = 5 * time.Minute
	cleanupInterval      = 60 * time.Second
	deleverageOffsetBps  = 40
	deleverageFraction   = 0.30
	deleverageExitFraction = 0.90
)

// ChaseStarter is the subset of *chase.Engine the momentum engine drives
// child chases with.
type ChaseStarter interface {
	Start(ctx context.Context, spec chase.Spec) (*chase.Handle, error)
	Cancel(ctx context.Context, id string)
}

// SymbolSource supplies the minimum order quantity for a symbol.
type SymbolSource interface {
	ByCanonical(canonical string) (types.Symbol, bool)
}

// PriceSource is the subset of *priceboard.Board the engine needs.
type PriceSource interface {
	Snapshot(symbol string) (types.PriceSnapshot, bool)
	Subscribe(symbol string, handler priceboard.Handler) func()
}

// SnapshotStore is the subset of *snapshotstore.Store the engine needs.
type SnapshotStore interface {
	PutMomentum(ctx context.Context, id string, value []byte) error
	GetMomentum(ctx context.Context, id string) ([]byte, bool, error)
	DeleteMomentum(ctx context.Context, id string) error
	ListMomentumIDs(ctx context.Context) ([]string, error)
}

// Engine owns every live momentum instance.
type Engine struct {
	maxActive int

	chases  ChaseStarter
	symbols SymbolSource
	prices  PriceSource
	snaps   SnapshotStore
	bus     *events.Bus
	logger  *slog.Logger

	mu     sync.RWMutex
	states map[string]*state

	fillTimes map[string][]time.Time // instance id -> recent fill timestamps, for the rate limiter
}

// New constructs the Momentum Engine.
func New(maxActive int, chases ChaseStarter, symbols SymbolSource, prices PriceSource, snaps SnapshotStore, bus *events.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		maxActive: maxActive,
		chases:    chases,
		symbols:   symbols,
		prices:    prices,
		snaps:     snaps,
		bus:       bus,
		logger:    logger.With("component", "momentum"),
		states:    make(map[string]*state),
		fillTimes: make(map[string][]time.Time),
	}
}

// Run starts the periodic staleness cleanup until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	ch, unsubscribe := e.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cleanupStale(ctx)
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type == events.ChaseCancelled {
				e.handleScalpCancelled(evt)
			}
		}
	}
}

// handleScalpCancelled rolls an outstanding scalp's quantity back into core
// when its chase is cancelled (expired, distance-breached, or margin
// rejected) rather than filled. The entry chase and the deleverage chase
// are tracked separately and are not routed through this path.
func (e *Engine) handleScalpCancelled(evt events.Event) {
	chaseID, _ := evt.Payload["chase_id"].(string)
	if chaseID == "" {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, st := range e.states {
		st.mu.Lock()
		_, tracked := st.scalpChases[chaseID]
		st.mu.Unlock()
		if tracked {
			e.onScalpCancelled(st, chaseID)
			return
		}
	}
}

// Start registers a new momentum instance.
func (e *Engine) Start(ctx context.Context, spec Spec) (string, error) {
	e.mu.RLock()
	active := len(e.states)
	e.mu.RUnlock()
	if active >= e.maxActive {
		return "", fmt.Errorf("momentum engine at capacity (%d active)", e.maxActive)
	}

	snap, ok := e.prices.Snapshot(spec.Symbol)
	if !ok || snap.Mark.IsZero() {
		return "", fmt.Errorf("no price available for %s", spec.Symbol)
	}

	var profile Profile
	if spec.ProfileName != "" {
		p, ok := ProfileByName(spec.ProfileName)
		if !ok {
			return "", fmt.Errorf("unknown momentum profile %q", spec.ProfileName)
		}
		profile = p
	} else {
		profile = DetectProfile(spec.Symbol, snap.Mark)
	}

	id := uuid.NewString()
	now := time.Now()
	st := &state{
		snap: types.MomentumSnapshot{
			ID: id, SubAccount: spec.SubAccount, Symbol: spec.Symbol, Side: spec.Side,
			Leverage: spec.Leverage, MaxNotional: spec.MaxNotional, ProfileName: profile.Name,
			State: types.MomentumIdle, StartPrice: snap.Mark, Extreme: snap.Mark,
			StartedAt: now, LastTickAt: now,
		},
		profile:     profile,
		scalpChases: make(map[string]scalpRecord),
	}

	e.mu.Lock()
	e.states[id] = st
	e.mu.Unlock()

	st.unsubscribe = e.prices.Subscribe(spec.Symbol, func(p types.PriceSnapshot) {
		e.onTick(ctx, id, p)
	})

	e.persistSnapshot(ctx, st)
	e.bus.Publish(events.Event{Type: events.PumpChaserProgress, SubAccountID: spec.SubAccount, Symbol: spec.Symbol, Payload: map[string]interface{}{"momentum_id": id, "state": string(types.MomentumIdle)}})

	return id, nil
}

// RestartRecover reloads every momentum instance snapshot and resumes its
// tick subscription. Outstanding scalp and deleverage chases resume
// independently through the Chase Engine's own recovery and settle through
// the Order Reconciler; their fill/cancel callbacks into this instance are
// not restored, since the closures Start wired them through don't survive a
// process restart. CoreQty/CoreVWAP come back from the snapshot as they were
// last persisted, so a scalp fill missed across the restart window is a
// known gap rather than a silent one.
func (e *Engine) RestartRecover(ctx context.Context) error {
	ids, err := e.snaps.ListMomentumIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		raw, ok, err := e.snaps.GetMomentum(ctx, id)
		if err != nil || !ok {
			continue
		}
		var snap types.MomentumSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			e.logger.Warn("failed to unmarshal momentum snapshot", "momentum_id", id, "error", err)
			continue
		}
		if snap.State == types.MomentumStopped {
			if err := e.snaps.DeleteMomentum(ctx, id); err != nil {
				e.logger.Warn("failed to delete terminal momentum snapshot on recovery", "momentum_id", id, "error", err)
			}
			continue
		}

		profile, ok := ProfileByName(snap.ProfileName)
		if !ok {
			profile = DetectProfile(snap.Symbol, snap.StartPrice)
		}
		st := &state{snap: snap, profile: profile, scalpChases: make(map[string]scalpRecord)}

		e.mu.Lock()
		e.states[id] = st
		e.mu.Unlock()

		st.unsubscribe = e.prices.Subscribe(snap.Symbol, func(p types.PriceSnapshot) {
			e.onTick(ctx, id, p)
		})
		e.persistSnapshot(ctx, st)
		e.logger.Info("restored momentum instance from snapshot", "momentum_id", id, "symbol", snap.Symbol, "state", string(snap.State))
	}
	return nil
}

// Cancel stops a momentum instance, cancelling its child chases.
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
	e.stopInstance(ctx, st, "cancelled")
}

func (e *Engine) stopInstance(ctx context.Context, st *state, reason string) {
	st.mu.Lock()
	st.stopped = true
	st.snap.State = types.MomentumStopped
	subAccount, symbol, id := st.snap.SubAccount, st.snap.Symbol, st.snap.ID
	deleverageChase := st.deleverageChase
	scalps := make([]string, 0, len(st.scalpChases))
	for chaseID := range st.scalpChases {
		scalps = append(scalps, chaseID)
	}
	st.mu.Unlock()

	if st.unsubscribe != nil {
		st.unsubscribe()
	}
	if deleverageChase != "" {
		e.chases.Cancel(ctx, deleverageChase)
	}
	for _, chaseID := range scalps {
		e.chases.Cancel(ctx, chaseID)
	}
	if err := e.snaps.DeleteMomentum(ctx, id); err != nil {
		e.logger.Warn("failed to delete momentum snapshot", "momentum_id", id, "error", err)
	}

	e.bus.Publish(events.Event{Type: events.PumpChaserStopped, SubAccountID: subAccount, Symbol: symbol, Payload: map[string]interface{}{"momentum_id": id, "reason": reason}})
}

// onTick drives the state machine for one momentum instance.
func (e *Engine) onTick(ctx context.Context, id string, tick types.PriceSnapshot) {
	e.mu.RLock()
	st, ok := e.states[id]
	e.mu.RUnlock()
	if !ok || tick.Mark.IsZero() {
		return
	}

	st.mu.Lock()
	if st.stopped || st.processing || time.Since(st.lastTickProcessedAt) < tickThrottle {
		st.mu.Unlock()
		return
	}
	st.processing = true
	st.lastTickProcessedAt = time.Now()
	st.snap.LastTickAt = time.Now()
	st.pushRecentPrice(tick.Mark, time.Now())
	current := st.snap.State
	side := st.snap.Side
	profile := st.profile
	price := tick.Mark
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		st.processing = false
		st.mu.Unlock()
	}()

	if current == types.MomentumPaused || current == types.MomentumStopped {
		return
	}

	switch current {
	case types.MomentumIdle:
		e.evaluateIdle(ctx, st, side, profile, price)
	case types.MomentumArmed:
		e.evaluateArmed(ctx, st, side, profile, price)
	case types.MomentumGated:
		e.evaluateGated(ctx, st, side, profile, price)
	case types.MomentumStepWait:
		e.evaluateStepWait(ctx, st, side, profile, price)
	case types.MomentumDeleveraging:
		e.evaluateDeleveraging(ctx, st, price)
	}

	e.persistSnapshotThrottled(ctx, st)
	e.maybeLiveLog(st)
}

func (e *Engine) evaluateIdle(ctx context.Context, st *state, side types.PositionSide, profile Profile, price decimal.Decimal) {
	st.mu.Lock()
	newExtreme, accepted := acceptExtreme(side, st.snap.Extreme, price, profile.HWMJumpMax)
	if accepted {
		st.snap.Extreme = newExtreme
	}
	amp := amplitude(st.snap.StartPrice, st.snap.Extreme)
	armed := amp.GreaterThanOrEqual(profile.MinActivationAmp)
	if armed {
		st.snap.State = types.MomentumArmed
		st.snap.Gate = computeGate(side, st.snap.Extreme, profile.TrailPct)
	}
	st.mu.Unlock()
	if armed {
		e.broadcastProgress(st)
	}
}

func (e *Engine) evaluateArmed(ctx context.Context, st *state, side types.PositionSide, profile Profile, price decimal.Decimal) {
	st.mu.Lock()
	newExtreme, accepted := acceptExtreme(side, st.snap.Extreme, price, profile.HWMJumpMax)
	if accepted {
		st.snap.Extreme = newExtreme
		st.snap.Gate = computeGate(side, st.snap.Extreme, profile.TrailPct)
	}
	delever := !st.snap.CoreQty.IsZero() && st.snap.CoreQty.Mul(price).GreaterThanOrEqual(st.snap.MaxNotional)
	gated := !delever && gateBreached(side, price, st.snap.Gate)
	if delever {
		st.snap.State = types.MomentumDeleveraging
	} else if gated {
		st.snap.State = types.MomentumGated
	}
	st.mu.Unlock()

	if delever {
		e.startDeleverage(ctx, st)
	}
}

func (e *Engine) evaluateGated(ctx context.Context, st *state, side types.PositionSide, profile Profile, price decimal.Decimal) {
	st.mu.Lock()
	stillGated := gateBreached(side, price, st.snap.Gate)
	st.mu.Unlock()
	if stillGated {
		return
	}

	st.mu.Lock()
	st.snap.State = types.MomentumStepWait
	amp := amplitude(st.snap.StartPrice, st.snap.Extreme)
	maxNotional := st.snap.MaxNotional
	coreNotional := st.snap.CoreNotional
	fillCount := st.snap.FillCount
	volOffsetBps := st.profile.VolOffsetBps
	vol := st.volatility()
	id := st.snap.ID
	subAccount, symbol := st.snap.SubAccount, st.snap.Symbol
	minQty := st.minQty(e.symbols)
	st.mu.Unlock()

	if !e.fillRateAllows(id, profile.MaxFillsPerHour) {
		return
	}

	remaining := maxNotional.Sub(coreNotional)
	total, scalpQty, _ := sizeFill(profile, amp, remaining, price, minQty)
	if total.IsZero() {
		return
	}

	offsetPct := dynamicOffset(volOffsetBps, vol, fillCount)
	entrySpec := chase.Spec{
		SubAccount: subAccount, Symbol: symbol, Side: side.EntrySide(),
		Quantity: total, Leverage: 0, StalkMode: types.StalkTrail,
		StalkOffsetPct: offsetPct, OrderType: types.OrderSurfLimit, Internal: true,
		ParentMomentumID: id,
		OnFill: func(fillPrice, fillQty decimal.Decimal) {
			e.onEntryFill(ctx, st, fillPrice, fillQty, scalpQty, total)
		},
	}
	if _, err := e.chases.Start(ctx, entrySpec); err != nil {
		e.logger.Warn("failed to start momentum entry chase", "momentum_id", id, "error", err)
	}
	e.recordFill(id)
}

func (e *Engine) evaluateStepWait(ctx context.Context, st *state, side types.PositionSide, profile Profile, price decimal.Decimal) {
	st.mu.Lock()
	reference := st.snap.StartPrice
	pct := profile.MinActivationAmp
	if st.snap.FillCount > 0 {
		reference = st.snap.LastFillPrice
		pct = profile.StepPct
	}
	crossed := stepThresholdCrossed(side, price, reference, pct)
	if crossed {
		st.snap.State = types.MomentumArmed
		st.snap.Extreme = price
		st.snap.Gate = computeGate(side, price, profile.TrailPct)
	}
	st.mu.Unlock()
}

func (e *Engine) evaluateDeleveraging(ctx context.Context, st *state, price decimal.Decimal) {
	st.mu.Lock()
	maxNotional := st.snap.MaxNotional
	coreQty := st.snap.CoreQty
	done := coreQty.Mul(price).LessThan(maxNotional.Mul(decimal.NewFromFloat(deleverageExitFraction)))
	deleverageChase := st.deleverageChase
	if done {
		st.snap.State = types.MomentumStepWait
		st.deleverageChase = ""
	}
	st.mu.Unlock()
	if done && deleverageChase != "" {
		e.chases.Cancel(ctx, deleverageChase)
	}
}

// onEntryFill routes a momentum entry chase's fill into the core bucket and,
// if the scalp leg clears the min-notional floor, spawns the reduce-only
// scalp chase (§4.4 Per-fill routing).
func (e *Engine) onEntryFill(ctx context.Context, st *state, fillPrice, fillQty, plannedScalpQty, plannedTotal decimal.Decimal) {
	// Fills may arrive partial; apportion by the planned scalp/core ratio.
	ratio := decimal.NewFromInt(1)
	if !plannedTotal.IsZero() {
		ratio = fillQty.Div(plannedTotal)
	}
	scalpQty := roundToStep(plannedScalpQty.Mul(ratio), fillQty)
	coreQty := fillQty.Sub(scalpQty)

	st.mu.Lock()
	newNotional := st.snap.CoreNotional.Add(coreQty.Mul(fillPrice))
	newQty := st.snap.CoreQty.Add(coreQty)
	if !newQty.IsZero() {
		st.snap.CoreVWAP = newNotional.Div(newQty)
	}
	st.snap.CoreQty = newQty
	st.snap.CoreNotional = newNotional
	st.snap.LastFillPrice = fillPrice
	st.snap.FillCount++
	side := st.snap.Side
	subAccount, symbol, id := st.snap.SubAccount, st.snap.Symbol, st.snap.ID
	spreadOffsetPct := st.profile.SpreadOffsetPct
	st.mu.Unlock()

	e.bus.Publish(events.Event{Type: events.PumpChaserFill, SubAccountID: subAccount, Symbol: symbol, Payload: map[string]interface{}{
		"momentum_id": id, "fill_price": fillPrice.String(), "core_qty": coreQty.String(), "scalp_qty": scalpQty.String(),
	}})

	if scalpQty.IsZero() {
		return
	}

	factor := spreadOffsetPct.Div(decimal.NewFromInt(100))
	scalpExit := fillPrice.Mul(decimal.NewFromInt(1).Add(factor))
	if side == types.Short {
		scalpExit = fillPrice.Mul(decimal.NewFromInt(1).Sub(factor))
	}

	var chaseID string
	scalpSpec := chase.Spec{
		SubAccount: subAccount, Symbol: symbol, Side: side.EntrySide().Opposite(),
		Quantity: scalpQty, ReduceOnly: true, StalkMode: types.StalkNone,
		OrderType: types.OrderSurfScalp, Internal: true, ParentMomentumID: id,
		ClientBid: scalpIf(side == types.Long, scalpExit),
		ClientAsk: scalpIf(side == types.Short, scalpExit),
		OnFill: func(exitPrice, _ decimal.Decimal) {
			e.onScalpFilled(st, chaseID, exitPrice)
		},
	}
	handle, err := e.chases.Start(ctx, scalpSpec)
	if err != nil {
		// scalp leg failed to start: roll its quantity back into core.
		st.mu.Lock()
		st.snap.CoreQty = st.snap.CoreQty.Add(scalpQty)
		st.snap.CoreNotional = st.snap.CoreNotional.Add(scalpQty.Mul(fillPrice))
		st.mu.Unlock()
		return
	}
	chaseID = handle.ID

	st.mu.Lock()
	st.scalpChases[handle.ID] = scalpRecord{entryPrice: fillPrice, qty: scalpQty}
	st.mu.Unlock()
}

func scalpIf(cond bool, v decimal.Decimal) decimal.Decimal {
	if cond {
		return v
	}
	return decimal.Zero
}

// onScalpFilled credits round-trip profit to ScalpProfit. Called by the
// orchestrator when a scalp child chase reports filled.
func (e *Engine) onScalpFilled(st *state, chaseID string, exitPrice decimal.Decimal) {
	st.mu.Lock()
	rec, ok := st.scalpChases[chaseID]
	if ok {
		delete(st.scalpChases, chaseID)
		profit := exitPrice.Sub(rec.entryPrice).Mul(rec.qty).Mul(decimal.NewFromInt(int64(st.snap.Side.SideSign())))
		st.snap.ScalpProfit = st.snap.ScalpProfit.Add(profit)
	}
	st.mu.Unlock()
}

// onScalpCancelled rolls the scalp quantity back into core (§4.4).
func (e *Engine) onScalpCancelled(st *state, chaseID string) {
	st.mu.Lock()
	rec, ok := st.scalpChases[chaseID]
	if ok {
		delete(st.scalpChases, chaseID)
		st.snap.CoreQty = st.snap.CoreQty.Add(rec.qty)
		st.snap.CoreNotional = st.snap.CoreNotional.Add(rec.qty.Mul(rec.entryPrice))
	}
	st.mu.Unlock()
}

func (e *Engine) startDeleverage(ctx context.Context, st *state) {
	st.mu.Lock()
	if st.deleverageChase != "" {
		st.mu.Unlock()
		return
	}
	side := st.snap.Side
	subAccount, symbol, id := st.snap.SubAccount, st.snap.Symbol, st.snap.ID
	coreQty := st.snap.CoreQty
	minQty := st.minQty(e.symbols)
	st.mu.Unlock()

	qty := roundToStep(coreQty.Mul(decimal.NewFromFloat(deleverageFraction)), minQty)
	if qty.LessThan(minQty) {
		qty = minQty
	}

	spec := chase.Spec{
		SubAccount: subAccount, Symbol: symbol, Side: side.EntrySide().Opposite(),
		Quantity: qty, ReduceOnly: true, StalkMode: types.StalkTrail,
		StalkOffsetPct: decimal.NewFromFloat(deleverageOffsetBps).Div(decimal.NewFromInt(100)),
		OrderType: types.OrderSurfDeleverage, Internal: true, ParentMomentumID: id,
		OnFill: func(fillPrice, fillQty decimal.Decimal) {
			e.onDeleverageFill(st, fillPrice, fillQty)
		},
	}
	handle, err := e.chases.Start(ctx, spec)
	if err != nil {
		if exchange.IsGhostReduceOnly(err) {
			e.healGhostCore(st)
		}
		return
	}
	st.mu.Lock()
	st.deleverageChase = handle.ID
	st.snap.DeleverageChaseID = handle.ID
	st.mu.Unlock()

	e.bus.Publish(events.Event{Type: events.PumpChaserDeleverage, SubAccountID: subAccount, Symbol: symbol, Payload: map[string]interface{}{"momentum_id": id, "qty": qty.String()}})
}

func (e *Engine) onDeleverageFill(st *state, fillPrice, fillQty decimal.Decimal) {
	st.mu.Lock()
	st.snap.CoreQty = st.snap.CoreQty.Sub(fillQty)
	st.snap.CoreNotional = st.snap.CoreNotional.Sub(fillQty.Mul(fillPrice))
	if st.snap.CoreQty.IsZero() {
		st.snap.CoreVWAP = decimal.Zero
	}
	st.deleverageChase = ""
	st.snap.DeleverageChaseID = ""
	st.mu.Unlock()
}

// healGhostCore zeroes internal core state when the exchange rejects the
// deleverage reduce-only order because the live position no longer exists.
func (e *Engine) healGhostCore(st *state) {
	st.mu.Lock()
	st.snap.CoreQty = decimal.Zero
	st.snap.CoreNotional = decimal.Zero
	st.snap.CoreVWAP = decimal.Zero
	st.snap.State = types.MomentumStepWait
	st.deleverageChase = ""
	st.snap.DeleverageChaseID = ""
	st.mu.Unlock()
}

func (s *state) minQty(symbols SymbolSource) decimal.Decimal {
	sym, ok := symbols.ByCanonical(s.snap.Symbol)
	if !ok {
		return decimal.NewFromFloat(0.0001)
	}
	return sym.MinQty
}

func (e *Engine) fillRateAllows(id string, maxPerHour int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().Add(-time.Hour)
	times := e.fillTimes[id]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.fillTimes[id] = kept
	return len(kept) < maxPerHour
}

func (e *Engine) recordFill(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fillTimes[id] = append(e.fillTimes[id], time.Now())
}

func (e *Engine) cleanupStale(ctx context.Context) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.states))
	for id, st := range e.states {
		st.mu.Lock()
		stale := time.Since(st.snap.LastTickAt) > staleTimeout
		st.mu.Unlock()
		if stale {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range ids {
		e.mu.Lock()
		st, ok := e.states[id]
		if ok {
			delete(e.states, id)
		}
		e.mu.Unlock()
		if ok {
			e.stopInstance(ctx, st, "stale")
		}
	}
}

func (e *Engine) broadcastProgress(st *state) {
	st.mu.Lock()
	subAccount, symbol, id, stateName := st.snap.SubAccount, st.snap.Symbol, st.snap.ID, st.snap.State
	st.mu.Unlock()
	e.bus.Publish(events.Event{Type: events.PumpChaserProgress, SubAccountID: subAccount, Symbol: symbol, Payload: map[string]interface{}{"momentum_id": id, "state": string(stateName)}})
}

func (e *Engine) maybeLiveLog(st *state) {
	st.mu.Lock()
	if time.Since(st.lastLiveLogAt) < liveLogInterval {
		st.mu.Unlock()
		return
	}
	st.lastLiveLogAt = time.Now()
	id, stateName, coreQty := st.snap.ID, st.snap.State, st.snap.CoreQty
	st.mu.Unlock()
	e.logger.Info("momentum live", "momentum_id", id, "state", stateName, "core_qty", coreQty.String())
}

func (e *Engine) persistSnapshot(ctx context.Context, st *state) {
	st.mu.Lock()
	st.lastSnapshotAt = time.Now()
	snap := st.snap
	st.mu.Unlock()
	blob, err := json.Marshal(snap)
	if err != nil {
		e.logger.Warn("failed to marshal momentum snapshot", "momentum_id", snap.ID, "error", err)
		return
	}
	if err := e.snaps.PutMomentum(ctx, snap.ID, blob); err != nil {
		e.logger.Warn("failed to persist momentum snapshot", "momentum_id", snap.ID, "error", err)
	}
}

func (e *Engine) persistSnapshotThrottled(ctx context.Context, st *state) {
	st.mu.Lock()
	due := time.Since(st.lastSnapshotAt) >= momentumSnapshotThrottle
	st.mu.Unlock()
	if !due {
		return
	}
	e.persistSnapshot(ctx, st)
}
