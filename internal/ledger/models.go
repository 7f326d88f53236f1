// Package ledger is the Position Ledger (PL): the authoritative,
// transactional record of open positions, pending orders, and trade
// executions (§3), backed by Postgres via gorm.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionRecord is the gorm model backing types.Position.
type PositionRecord struct {
	ID                  string `gorm:"primaryKey"`
	SubAccount          string `gorm:"index:idx_position_account_symbol_side"`
	Symbol              string `gorm:"index:idx_position_account_symbol_side"`
	Side                string `gorm:"index:idx_position_account_symbol_side"`
	EntryPrice          decimal.Decimal `gorm:"type:numeric"`
	Quantity            decimal.Decimal `gorm:"type:numeric"`
	Notional            decimal.Decimal `gorm:"type:numeric"`
	Leverage            int
	Margin              decimal.Decimal `gorm:"type:numeric"`
	LiquidationPrice    decimal.Decimal `gorm:"type:numeric"`
	Status              string          `gorm:"index"`
	BabysitterExcluded  bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ClosedAt            *time.Time
}

// TableName pins the table name rather than relying on gorm's pluralizer.
func (PositionRecord) TableName() string { return "positions" }

// PendingOrderRecord is the gorm model backing types.PendingOrder.
type PendingOrderRecord struct {
	ID              string `gorm:"primaryKey"`
	SubAccount      string `gorm:"index:idx_pending_account_symbol"`
	Symbol          string `gorm:"index:idx_pending_account_symbol"`
	Side            string
	Type            string `gorm:"index"`
	Price           decimal.Decimal `gorm:"type:numeric"`
	Quantity        decimal.Decimal `gorm:"type:numeric"`
	Leverage        int
	ReduceOnly      bool
	Status          string `gorm:"index"`
	ExchangeOrderID string `gorm:"index"`
	CreatedAt       time.Time `gorm:"index"`
	FilledAt        *time.Time
	CancelledAt     *time.Time
}

func (PendingOrderRecord) TableName() string { return "pending_orders" }

// TradeExecutionRecord is the gorm model backing types.TradeExecution; an
// append-only audit record of every fill.
type TradeExecutionRecord struct {
	ID                   string `gorm:"primaryKey"`
	SubAccount           string `gorm:"index"`
	Symbol               string `gorm:"index"`
	Side                 string
	Type                 string
	Price                decimal.Decimal `gorm:"type:numeric"`
	Quantity             decimal.Decimal `gorm:"type:numeric"`
	RealizedPnl          decimal.Decimal `gorm:"type:numeric"`
	OrderID              string
	ExchangeOrderID      string
	IdempotencySignature string `gorm:"uniqueIndex"`
	CreatedAt            time.Time `gorm:"index"`
}

func (TradeExecutionRecord) TableName() string { return "trade_executions" }
