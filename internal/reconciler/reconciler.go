// Package reconciler implements the Order Reconciler (§4.5): the bridge that
// turns exchange order events — a fast user-stream path and a slow periodic
// poll — into idempotent updates of the Position Ledger, including
// averaging, partial close, and orphan detection against the live exchange.
package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perp-gateway/internal/events"
	"perp-gateway/internal/exchange"
	"perp-gateway/internal/ledger"
	"perp-gateway/pkg/types"
)

const (
	pollInterval          = 5 * time.Minute
	pollBatchSize         = 10
	unknownOrderGrace     = 60 * time.Second
	noExchangeIDExpiry    = 48 * time.Hour
	sweepInterval         = 60 * time.Second
	reconcileLockTTL      = 30 * time.Second
	recentlyReconciledTTL = 30 * time.Second
	dedupWindow           = 30 * time.Second
)

// OrderGateway is the subset of *exchange.Client the reconciler needs.
type OrderGateway interface {
	FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (*exchange.OrderResult, error)
}

// LedgerStore is the subset of *ledger.Store the reconciler needs.
type LedgerStore interface {
	GetOpenPosition(ctx context.Context, subAccount, symbol string, side types.PositionSide) (*types.Position, bool, error)
	ListOpenPositions(ctx context.Context) ([]types.Position, error)
	OpenOrAverage(ctx context.Context, subAccount, symbol string, side types.PositionSide, fillPrice, fillQty decimal.Decimal, leverage int) (*types.Position, error)
	PartialClose(ctx context.Context, positionID string, fraction, closePrice decimal.Decimal) (decimal.Decimal, error)
	GetPendingOrder(ctx context.Context, id string) (*types.PendingOrder, error)
	FindPendingOrderByExchangeID(ctx context.Context, subAccount, exchangeOrderID string) (*types.PendingOrder, error)
	FindLatestPendingChase(ctx context.Context, subAccount, symbol string) (*types.PendingOrder, error)
	UpdateExchangeOrderID(ctx context.Context, id, exchangeOrderID string) error
	MarkFilled(ctx context.Context, id string) error
	MarkCancelled(ctx context.Context, id string) error
	MarkExpired(ctx context.Context, id string) error
	ListPendingForPoll(ctx context.Context, batchSize int) ([]types.PendingOrder, error)
	RecordTradeExecution(ctx context.Context, exec types.TradeExecution) error
}

// PositionSource reports whether a live exchange position exists for a
// symbol, used by the orphan-reconciliation sweep.
type PositionSource interface {
	HasLivePosition(ctx context.Context, symbol string) (bool, error)
}

// ReconcileLockStore is the subset of *snapshotstore.Store the orphan sweep
// uses to serialize against stream-driven reconciliation.
type ReconcileLockStore interface {
	AcquireReconcileLock(ctx context.Context, symbol string, ttl time.Duration) (bool, error)
	MarkRecentlyReconciled(ctx context.Context, symbol string, ttl time.Duration) error
	WasRecentlyReconciled(ctx context.Context, symbol string) (bool, error)
}

var terminalFillStatuses = map[string]bool{"FILLED": true, "CLOSED": true}
var terminalDeadStatuses = map[string]bool{"CANCELED": true, "CANCELLED": true, "EXPIRED": true, "REJECTED": true}

// OrderUpdate is the normalized shape of a user-stream order event.
type OrderUpdate struct {
	SubAccount string
	Symbol     string
	OrderID    string // exchange order id
	Status     string
	AvgPrice   decimal.Decimal
	Price      decimal.Decimal
	FilledQty  decimal.Decimal
}

// Reconciler owns both reconciliation paths and the orphan sweep.
type Reconciler struct {
	orders   OrderGateway
	ledger   LedgerStore
	positions PositionSource
	locks    ReconcileLockStore
	bus      *events.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	seen    map[string]time.Time // dedup key -> last processed time
}

// New constructs an Order Reconciler.
func New(orders OrderGateway, ledgerStore LedgerStore, positions PositionSource, locks ReconcileLockStore, bus *events.Bus, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		orders:    orders,
		ledger:    ledgerStore,
		positions: positions,
		locks:     locks,
		bus:       bus,
		logger:    logger.With("component", "reconciler"),
		seen:      make(map[string]time.Time),
	}
}

// Run starts the slow-path poll and the orphan sweep until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	pollTicker := time.NewTicker(pollInterval)
	sweepTicker := time.NewTicker(sweepInterval)
	defer pollTicker.Stop()
	defer sweepTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			r.poll(ctx)
		case <-sweepTicker.C:
			r.sweepOrphans(ctx)
		}
	}
}

func (r *Reconciler) dedupKey(parts ...string) string {
	return strings.Join(parts, "|")
}

// alreadyProcessed reports whether key was processed within dedupWindow, and
// records it if not (a combined check-and-set under the reconciler's lock).
func (r *Reconciler) alreadyProcessed(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for k, at := range r.seen {
		if now.Sub(at) > dedupWindow {
			delete(r.seen, k)
		}
	}
	if at, ok := r.seen[key]; ok && now.Sub(at) <= dedupWindow {
		return true
	}
	r.seen[key] = now
	return false
}

// HandleExchangeOrderUpdate is the fast path: a user-stream order event for
// a non-CHASE_LIMIT pending order (§4.5).
func (r *Reconciler) HandleExchangeOrderUpdate(ctx context.Context, upd OrderUpdate) error {
	status := normalizeStatus(upd.Status)
	if !terminalFillStatuses[status] && !terminalDeadStatuses[status] {
		return nil
	}

	key := r.dedupKey(upd.SubAccount, upd.OrderID, status)
	if r.alreadyProcessed(key) {
		return nil
	}

	pending, err := r.ledger.FindPendingOrderByExchangeID(ctx, upd.SubAccount, upd.OrderID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		return err
	}

	if terminalDeadStatuses[status] {
		return r.ledger.MarkCancelled(ctx, pending.ID)
	}

	return r.applyFill(ctx, *pending, upd.AvgPrice, upd.FilledQty)
}

// ProcessChaseOrderFill is the Chase Engine's dedicated fill entry point
// (§4.5), satisfying chase.FillProcessor. Primary lookup is by
// exchangeOrderId+subAccount+type=CHASE_LIMIT+status=PENDING; fallback is
// the most-recent pending chase for the symbol, since the ledger row's
// exchangeOrderId may be stale after a reprice.
func (r *Reconciler) ProcessChaseOrderFill(ctx context.Context, exchangeOrderID, subAccount, symbol string, fillPrice, fillQty decimal.Decimal) error {
	pending, err := r.ledger.FindPendingOrderByExchangeID(ctx, subAccount, exchangeOrderID)
	if err != nil || pending.Type != types.OrderChaseLimit {
		pending, err = r.ledger.FindLatestPendingChase(ctx, subAccount, symbol)
		if err != nil {
			return err
		}
		if err := r.ledger.UpdateExchangeOrderID(ctx, pending.ID, exchangeOrderID); err != nil {
			r.logger.Warn("failed to upsert latest exchange order id", "pending_order_id", pending.ID, "error", err)
		}
	}

	key := r.dedupKey(subAccount, exchangeOrderID, "chase-fill")
	if r.alreadyProcessed(key) {
		return nil
	}
	return r.applyFill(ctx, *pending, fillPrice, fillQty)
}

// applyFill decides close-vs-open, applies it to the ledger, records the
// TradeExecution, updates the pending order, and broadcasts.
func (r *Reconciler) applyFill(ctx context.Context, pending types.PendingOrder, fillPrice, fillQty decimal.Decimal) error {
	opposite := pending.Side.Opposite()
	closeSide := sideFromOrder(opposite)

	existing, ok, err := r.ledger.GetOpenPosition(ctx, pending.SubAccount, pending.Symbol, closeSide)
	if err != nil {
		return err
	}

	var realizedPnl decimal.Decimal
	if ok {
		fraction := fillQty.Div(existing.Quantity)
		if fraction.GreaterThan(decimal.NewFromInt(1)) {
			fraction = decimal.NewFromInt(1)
		}
		realizedPnl, err = r.ledger.PartialClose(ctx, existing.ID, fraction, fillPrice)
		if err != nil {
			return err
		}
	} else {
		openSide := sideFromOrder(pending.Side)
		if _, err := r.ledger.OpenOrAverage(ctx, pending.SubAccount, pending.Symbol, openSide, fillPrice, fillQty, pending.Leverage); err != nil {
			return err
		}
	}

	exec := types.TradeExecution{
		ID: uuid.NewString(), SubAccount: pending.SubAccount, Symbol: pending.Symbol,
		Side: pending.Side, Type: pending.Type, Price: fillPrice, Quantity: fillQty,
		RealizedPnl: realizedPnl, OrderID: pending.ID, ExchangeOrderID: pending.ExchangeOrderID,
		IdempotencySignature: idempotencySignature(pending.SubAccount, pending.Type, pending.ExchangeOrderID, time.Now()),
		CreatedAt:            time.Now(),
	}
	if err := r.ledger.RecordTradeExecution(ctx, exec); err != nil {
		r.logger.Warn("failed to record trade execution", "pending_order_id", pending.ID, "error", err)
	}

	if err := r.ledger.MarkFilled(ctx, pending.ID); err != nil {
		return err
	}

	evType := events.OrderFilled
	if ok {
		if fillQty.GreaterThanOrEqual(existing.Quantity) {
			evType = events.PositionClosed
		} else {
			evType = events.PositionReduced
		}
	}
	r.bus.Publish(events.Event{
		Type: evType, SubAccountID: pending.SubAccount, Symbol: pending.Symbol,
		SuppressToast: pending.Type.IsAlgoManaged(),
		Payload: map[string]interface{}{
			"order_id": pending.ID, "fill_price": fillPrice.String(), "fill_qty": fillQty.String(),
			"realized_pnl": realizedPnl.String(),
		},
	})
	return nil
}

// poll is the slow path (§4.5): every 5 minutes, fetch non-chase pending
// orders oldest-first in batches of 10 and reconcile each against the
// exchange.
func (r *Reconciler) poll(ctx context.Context) {
	pending, err := r.ledger.ListPendingForPoll(ctx, pollBatchSize)
	if err != nil {
		r.logger.Warn("poll: failed to list pending orders", "error", err)
		return
	}

	for _, order := range pending {
		if order.ExchangeOrderID == "" {
			if time.Since(order.CreatedAt) > noExchangeIDExpiry {
				if err := r.ledger.MarkExpired(ctx, order.ID); err != nil {
					r.logger.Warn("poll: failed to expire order without exchange id", "pending_order_id", order.ID, "error", err)
				}
			}
			continue
		}

		result, err := r.orders.FetchOrder(ctx, order.Symbol, order.ExchangeOrderID)
		if err != nil {
			if exchange.IsUnknownOrder(err) && time.Since(order.CreatedAt) > unknownOrderGrace {
				if err := r.ledger.MarkExpired(ctx, order.ID); err != nil {
					r.logger.Warn("poll: failed to expire unknown order", "pending_order_id", order.ID, "error", err)
				}
			}
			continue
		}

		status := normalizeStatus(result.Status)
		switch {
		case terminalFillStatuses[status]:
			if err := r.applyFill(ctx, order, result.AvgPrice, result.FilledQty); err != nil {
				r.logger.Warn("poll: failed to apply fill", "pending_order_id", order.ID, "error", err)
			}
		case terminalDeadStatuses[status]:
			if err := r.ledger.MarkCancelled(ctx, order.ID); err != nil {
				r.logger.Warn("poll: failed to mark cancelled", "pending_order_id", order.ID, "error", err)
			}
		}
	}
}

// sweepOrphans reconciles virtualized open positions against the live
// exchange every 60 s (§4.5 safety net).
func (r *Reconciler) sweepOrphans(ctx context.Context) {
	open, err := r.ledger.ListOpenPositions(ctx)
	if err != nil {
		r.logger.Warn("sweep: failed to list open positions", "error", err)
		return
	}

	seenSymbols := make(map[string]bool)
	for _, pos := range open {
		if seenSymbols[pos.Symbol] {
			continue
		}
		seenSymbols[pos.Symbol] = true

		live, err := r.positions.HasLivePosition(ctx, pos.Symbol)
		if err != nil || live {
			continue
		}

		recent, err := r.locks.WasRecentlyReconciled(ctx, pos.Symbol)
		if err != nil || recent {
			continue
		}
		acquired, err := r.locks.AcquireReconcileLock(ctx, pos.Symbol, reconcileLockTTL)
		if err != nil || !acquired {
			continue
		}

		if err := r.reconcilePosition(ctx, pos); err != nil {
			r.logger.Warn("sweep: failed to reconcile orphaned position", "symbol", pos.Symbol, "error", err)
		}
		if err := r.locks.MarkRecentlyReconciled(ctx, pos.Symbol, recentlyReconciledTTL); err != nil {
			r.logger.Warn("sweep: failed to mark recently reconciled", "symbol", pos.Symbol, "error", err)
		}
	}
}

// reconcilePosition closes an orphaned virtual position at its own entry
// price (no live exchange fill exists to price it against).
func (r *Reconciler) reconcilePosition(ctx context.Context, pos types.Position) error {
	_, err := r.ledger.PartialClose(ctx, pos.ID, decimal.NewFromInt(1), pos.EntryPrice)
	if err != nil {
		return err
	}
	r.bus.Publish(events.Event{
		Type: events.PositionClosed, SubAccountID: pos.SubAccount, Symbol: pos.Symbol,
		Payload: map[string]interface{}{"position_id": pos.ID, "reason": "orphaned"},
	})
	return nil
}

func sideFromOrder(side types.OrderSide) types.PositionSide {
	if side == types.Sell {
		return types.Short
	}
	return types.Long
}

func normalizeStatus(status string) string {
	return strings.ToUpper(strings.TrimSpace(status))
}

func idempotencySignature(subAccount string, orderType types.OrderType, exchangeOrderID string, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(subAccount))
	h.Write([]byte(string(orderType)))
	h.Write([]byte(exchangeOrderID))
	h.Write([]byte(ts.String()))
	h.Write([]byte(uuid.NewString()))
	return hex.EncodeToString(h.Sum(nil))
}
