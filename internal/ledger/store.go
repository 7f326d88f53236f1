package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"perp-gateway/pkg/types"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("ledger: not found")

// Store is the Position Ledger's transactional gorm-backed store.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New opens the ledger database and migrates its schema.
func New(dsn string, maxOpenConn int, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("ledger db handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConn)

	if err := db.AutoMigrate(&PositionRecord{}, &PendingOrderRecord{}, &TradeExecutionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "ledger")}, nil
}

// GetOpenPosition looks up the open position for (subAccount, symbol, side).
func (s *Store) GetOpenPosition(ctx context.Context, subAccount, symbol string, side types.PositionSide) (*types.Position, bool, error) {
	var rec PositionRecord
	err := s.db.WithContext(ctx).
		Where("sub_account = ? AND symbol = ? AND side = ? AND status = ?", subAccount, symbol, string(side), string(types.PositionOpen)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	p := positionFromRecord(rec)
	return &p, true, nil
}

// ListOpenPositions returns every open position across all accounts and
// symbols, used by the reconciler's orphan sweep.
func (s *Store) ListOpenPositions(ctx context.Context) ([]types.Position, error) {
	var recs []PositionRecord
	if err := s.db.WithContext(ctx).Where("status = ?", string(types.PositionOpen)).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(recs))
	for _, r := range recs {
		out = append(out, positionFromRecord(r))
	}
	return out, nil
}

// OpenOrAverage opens a new position, or averages a fill into the existing
// open (subAccount, symbol, side) position per the §3 averaging formula:
// new entry = (old_entry*old_qty + fill_price*fill_qty) / (old_qty+fill_qty).
// Row-locked within a transaction to serialize concurrent fills for the
// same position.
func (s *Store) OpenOrAverage(ctx context.Context, subAccount, symbol string, side types.PositionSide, fillPrice, fillQty decimal.Decimal, leverage int) (*types.Position, error) {
	var result types.Position
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec PositionRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("sub_account = ? AND symbol = ? AND side = ? AND status = ?", subAccount, symbol, string(side), string(types.PositionOpen)).
			First(&rec).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			p := types.Position{
				ID:         uuid.NewString(),
				SubAccount: subAccount,
				Symbol:     symbol,
				Side:       side,
				EntryPrice: fillPrice,
				Quantity:   fillQty,
				Leverage:   leverage,
				Status:     types.PositionOpen,
				CreatedAt:  time.Now(),
				UpdatedAt:  time.Now(),
			}
			p.Recompute()
			p.LiquidationPrice = estimateLiquidationPrice(p)
			rec = recordFromPosition(p)
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
			result = p
			return nil

		case err != nil:
			return err

		default:
			p := positionFromRecord(rec)
			newQty := p.Quantity.Add(fillQty)
			newEntry := p.EntryPrice.Mul(p.Quantity).Add(fillPrice.Mul(fillQty)).Div(newQty)
			p.EntryPrice = newEntry
			p.Quantity = newQty
			p.UpdatedAt = time.Now()
			p.Recompute()
			p.LiquidationPrice = estimateLiquidationPrice(p)
			rec = recordFromPosition(p)
			if err := tx.Save(&rec).Error; err != nil {
				return err
			}
			result = p
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// PartialClose reduces an open position's quantity by fraction (0,1) at
// closePrice, returning the realized PnL on the closed portion. A fraction
// of 1 fully closes the position.
func (s *Store) PartialClose(ctx context.Context, positionID string, fraction, closePrice decimal.Decimal) (decimal.Decimal, error) {
	var realized decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec PositionRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", positionID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		p := positionFromRecord(rec)

		closedQty := p.Quantity.Mul(fraction)
		realized = closePrice.Sub(p.EntryPrice).Mul(closedQty).Mul(decimal.NewFromInt(int64(p.Side.SideSign())))

		remaining := p.Quantity.Sub(closedQty)
		now := time.Now()
		if remaining.LessThanOrEqual(decimal.Zero) || fraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			p.Quantity = decimal.Zero
			p.Status = types.PositionClosed
			p.ClosedAt = &now
		} else {
			p.Quantity = remaining
		}
		p.UpdatedAt = now
		p.Recompute()
		if p.Status == types.PositionOpen {
			p.LiquidationPrice = estimateLiquidationPrice(p)
		}

		rec = recordFromPosition(p)
		return tx.Save(&rec).Error
	})
	if err != nil {
		return decimal.Zero, err
	}
	return realized, nil
}

// CreatePendingOrder inserts a new pending order row.
func (s *Store) CreatePendingOrder(ctx context.Context, o types.PendingOrder) error {
	rec := pendingOrderFromType(o)
	return s.db.WithContext(ctx).Create(&rec).Error
}

// GetPendingOrder fetches a pending order by id.
func (s *Store) GetPendingOrder(ctx context.Context, id string) (*types.PendingOrder, error) {
	var rec PendingOrderRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	o := pendingOrderFromRecord(rec)
	return &o, nil
}

// FindPendingOrderByExchangeID looks up a non-chase pending order by its
// exchange order id and account, excluding CHASE_LIMIT which uses its own
// entry point.
func (s *Store) FindPendingOrderByExchangeID(ctx context.Context, subAccount, exchangeOrderID string) (*types.PendingOrder, error) {
	var rec PendingOrderRecord
	err := s.db.WithContext(ctx).
		Where("sub_account = ? AND exchange_order_id = ? AND type <> ? AND status = ?", subAccount, exchangeOrderID, string(types.OrderChaseLimit), string(types.OrderPending)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o := pendingOrderFromRecord(rec)
	return &o, nil
}

// FindPendingOrderByExchangeIDAny looks up a non-chase pending order by
// exchange order id alone, across every sub-account. The account-level
// user-data stream carries no sub-account of its own (one exchange account
// backs every tenant), so the orchestrator resolves the owning sub-account
// this way before handing the update to the Order Reconciler's normal,
// account-scoped entry point.
func (s *Store) FindPendingOrderByExchangeIDAny(ctx context.Context, exchangeOrderID string) (*types.PendingOrder, error) {
	var rec PendingOrderRecord
	err := s.db.WithContext(ctx).
		Where("exchange_order_id = ? AND type <> ? AND status = ?", exchangeOrderID, string(types.OrderChaseLimit), string(types.OrderPending)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o := pendingOrderFromRecord(rec)
	return &o, nil
}

// FindLatestPendingChase is the chase fallback lookup: most recent pending
// CHASE_LIMIT order for (subAccount, symbol), used when the primary
// exchangeOrderId lookup misses because the order has since been repriced.
func (s *Store) FindLatestPendingChase(ctx context.Context, subAccount, symbol string) (*types.PendingOrder, error) {
	var rec PendingOrderRecord
	err := s.db.WithContext(ctx).
		Where("sub_account = ? AND symbol = ? AND type = ? AND status = ?", subAccount, symbol, string(types.OrderChaseLimit), string(types.OrderPending)).
		Order("created_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o := pendingOrderFromRecord(rec)
	return &o, nil
}

// UpdateExchangeOrderID rewrites a pending order's current exchange order
// id, used by the chase engine after every reprice.
func (s *Store) UpdateExchangeOrderID(ctx context.Context, id, exchangeOrderID string) error {
	return s.db.WithContext(ctx).Model(&PendingOrderRecord{}).Where("id = ?", id).Update("exchange_order_id", exchangeOrderID).Error
}

// MarkFilled transitions a pending order to FILLED.
func (s *Store) MarkFilled(ctx context.Context, id string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&PendingOrderRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":    string(types.OrderFilled),
		"filled_at": &now,
	}).Error
}

// MarkCancelled transitions a pending order to CANCELLED.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&PendingOrderRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       string(types.OrderCancelled),
		"cancelled_at": &now,
	}).Error
}

// MarkExpired transitions a pending order to EXPIRED (slow-path unknown-order
// aging).
func (s *Store) MarkExpired(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&PendingOrderRecord{}).Where("id = ?", id).Update("status", string(types.OrderExpired)).Error
}

// ListPendingForPoll returns non-chase pending orders oldest-first, batched,
// for the reconciler's slow-path poll.
func (s *Store) ListPendingForPoll(ctx context.Context, batchSize int) ([]types.PendingOrder, error) {
	var recs []PendingOrderRecord
	err := s.db.WithContext(ctx).
		Where("type <> ? AND status = ?", string(types.OrderChaseLimit), string(types.OrderPending)).
		Order("created_at ASC").
		Limit(batchSize).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.PendingOrder, 0, len(recs))
	for _, r := range recs {
		out = append(out, pendingOrderFromRecord(r))
	}
	return out, nil
}

// RecordTradeExecution inserts an append-only fill record. A duplicate
// idempotency signature is swallowed as a no-op rather than an error.
func (s *Store) RecordTradeExecution(ctx context.Context, exec types.TradeExecution) error {
	rec := TradeExecutionRecord{
		ID:                   exec.ID,
		SubAccount:           exec.SubAccount,
		Symbol:               exec.Symbol,
		Side:                 string(exec.Side),
		Type:                 string(exec.Type),
		Price:                exec.Price,
		Quantity:             exec.Quantity,
		RealizedPnl:          exec.RealizedPnl,
		OrderID:              exec.OrderID,
		ExchangeOrderID:      exec.ExchangeOrderID,
		IdempotencySignature: exec.IdempotencySignature,
		CreatedAt:            exec.CreatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_signature"}}, DoNothing: true}).Create(&rec).Error
	return err
}

func estimateLiquidationPrice(p types.Position) decimal.Decimal {
	if p.Leverage <= 0 {
		return decimal.Zero
	}
	maintenanceMarginRatio := decimal.NewFromFloat(0.004)
	leverageFrac := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(p.Leverage)))
	move := leverageFrac.Sub(maintenanceMarginRatio)
	if p.Side == types.Short {
		return p.EntryPrice.Mul(decimal.NewFromInt(1).Add(move))
	}
	return p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(move))
}

func positionFromRecord(r PositionRecord) types.Position {
	return types.Position{
		ID:                 r.ID,
		SubAccount:         r.SubAccount,
		Symbol:             r.Symbol,
		Side:               types.PositionSide(r.Side),
		EntryPrice:         r.EntryPrice,
		Quantity:           r.Quantity,
		Notional:           r.Notional,
		Leverage:           r.Leverage,
		Margin:             r.Margin,
		LiquidationPrice:   r.LiquidationPrice,
		Status:             types.PositionStatus(r.Status),
		BabysitterExcluded: r.BabysitterExcluded,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		ClosedAt:           r.ClosedAt,
	}
}

func recordFromPosition(p types.Position) PositionRecord {
	return PositionRecord{
		ID:                 p.ID,
		SubAccount:         p.SubAccount,
		Symbol:             p.Symbol,
		Side:               string(p.Side),
		EntryPrice:         p.EntryPrice,
		Quantity:           p.Quantity,
		Notional:           p.Notional,
		Leverage:           p.Leverage,
		Margin:             p.Margin,
		LiquidationPrice:   p.LiquidationPrice,
		Status:             string(p.Status),
		BabysitterExcluded: p.BabysitterExcluded,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		ClosedAt:           p.ClosedAt,
	}
}

func pendingOrderFromType(o types.PendingOrder) PendingOrderRecord {
	return PendingOrderRecord{
		ID:              o.ID,
		SubAccount:      o.SubAccount,
		Symbol:          o.Symbol,
		Side:            string(o.Side),
		Type:            string(o.Type),
		Price:           o.Price,
		Quantity:        o.Quantity,
		Leverage:        o.Leverage,
		ReduceOnly:      o.ReduceOnly,
		Status:          string(o.Status),
		ExchangeOrderID: o.ExchangeOrderID,
		CreatedAt:       o.CreatedAt,
		FilledAt:        o.FilledAt,
		CancelledAt:     o.CancelledAt,
	}
}

func pendingOrderFromRecord(r PendingOrderRecord) types.PendingOrder {
	return types.PendingOrder{
		ID:              r.ID,
		SubAccount:      r.SubAccount,
		Symbol:          r.Symbol,
		Side:            types.OrderSide(r.Side),
		Type:            types.OrderType(r.Type),
		Price:           r.Price,
		Quantity:        r.Quantity,
		Leverage:        r.Leverage,
		ReduceOnly:      r.ReduceOnly,
		Status:          types.OrderStatus(r.Status),
		ExchangeOrderID: r.ExchangeOrderID,
		CreatedAt:       r.CreatedAt,
		FilledAt:        r.FilledAt,
		CancelledAt:     r.CancelledAt,
	}
}
