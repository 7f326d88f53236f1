// Package types defines the shared data model for the execution and
// reconciliation core — symbols, price snapshots, positions, pending orders,
// trade executions, and the serializable snapshots for the chase and
// momentum engines. It has no dependency on any other internal package so it
// can be imported from every layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an exchange order.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide is the direction of a held position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// SideSign returns -1 for SHORT, +1 for LONG, used in PnL sign conventions.
func (s PositionSide) SideSign() int {
	if s == Short {
		return -1
	}
	return 1
}

// EntrySide is the OrderSide that opens a position of this PositionSide.
func (s PositionSide) EntrySide() OrderSide {
	if s == Short {
		return Sell
	}
	return Buy
}

// OrderType enumerates the supported order lifecycles, including the
// algorithmically-managed ones driven by the chase and momentum engines.
type OrderType string

const (
	OrderMarket         OrderType = "MARKET"
	OrderLimit          OrderType = "LIMIT"
	OrderChaseLimit     OrderType = "CHASE_LIMIT"
	OrderSurfLimit      OrderType = "SURF_LIMIT"
	OrderSurfScalp      OrderType = "SURF_SCALP"
	OrderSurfDeleverage OrderType = "SURF_DELEVERAGE"
	OrderTwapSlice      OrderType = "TWAP_SLICE"
)

// IsAlgoManaged reports whether fills of this order type should suppress the
// client-facing toast notification (they are internal to an engine).
func (t OrderType) IsAlgoManaged() bool {
	switch t {
	case OrderChaseLimit, OrderSurfLimit, OrderTwapSlice:
		return true
	default:
		return false
	}
}

// OrderStatus is the lifecycle state of a PendingOrder.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
)

// PositionStatus is OPEN or CLOSED.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// StalkMode is the Chase Engine's price-tracking policy.
type StalkMode string

const (
	StalkNone     StalkMode = "none"
	StalkMaintain StalkMode = "maintain"
	StalkTrail    StalkMode = "trail"
)

// ChaseStatus is the lifecycle state of a ChaseState.
type ChaseStatus string

const (
	ChaseActive           ChaseStatus = "active"
	ChaseFilled           ChaseStatus = "filled"
	ChaseCancelled        ChaseStatus = "cancelled"
	ChaseDistanceBreached ChaseStatus = "distance_breached"
	ChaseError            ChaseStatus = "error"
)

// MomentumStateName is one of the Momentum Engine's state machine states.
type MomentumStateName string

const (
	MomentumIdle         MomentumStateName = "IDLE"
	MomentumArmed        MomentumStateName = "ARMED"
	MomentumStepWait     MomentumStateName = "STEP_WAIT"
	MomentumGated        MomentumStateName = "GATED"
	MomentumDeleveraging MomentumStateName = "DELEVERAGING"
	MomentumPaused       MomentumStateName = "PAUSED"
	MomentumStopped      MomentumStateName = "STOPPED"
)

// PrecisionMode selects the rounding direction for precision conversions.
type PrecisionMode string

const (
	RoundNearest PrecisionMode = "nearest"
	RoundFloor   PrecisionMode = "floor"
	RoundCeil    PrecisionMode = "ceil"
)

// Symbol carries everything the Exchange Connector knows about one tradeable
// perpetual-futures instrument: its canonical/exchange-raw forms, precision,
// and static plus dynamic price bounds.
type Symbol struct {
	Canonical string // e.g. "BTC-USDT-PERP"
	Raw       string // exchange wire form, e.g. "BTCUSDT"

	AmountStep decimal.Decimal // LOT_SIZE stepSize
	PriceTick  decimal.Decimal // PRICE_FILTER tickSize

	MinQty   decimal.Decimal
	MaxQty   decimal.Decimal
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal

	MinNotional decimal.Decimal

	// PERCENT_PRICE dynamic band: allowed price is within
	// [mark*MultiplierDown, mark*MultiplierUp].
	MultiplierUp   decimal.Decimal
	MultiplierDown decimal.Decimal
}

// PriceSnapshot is the latest known market state for one symbol.
type PriceSnapshot struct {
	Symbol string
	Mark   decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal

	LastTick       time.Time
	LastCacheWrite time.Time
	LastEventEmit  time.Time
}

// Mid returns (bid+ask)/2, false if either side is unset.
func (p PriceSnapshot) Mid() (decimal.Decimal, bool) {
	if p.Bid.IsZero() || p.Ask.IsZero() {
		return decimal.Zero, false
	}
	return p.Bid.Add(p.Ask).Div(decimal.NewFromInt(2)), true
}

// Position is an open or closed perpetual-futures position for one
// sub-account on one symbol and side.
type Position struct {
	ID                string
	SubAccount        string
	Symbol            string
	Side              PositionSide
	EntryPrice        decimal.Decimal
	Quantity          decimal.Decimal
	Notional          decimal.Decimal
	Leverage          int
	Margin            decimal.Decimal
	LiquidationPrice  decimal.Decimal
	Status            PositionStatus
	BabysitterExcluded bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ClosedAt          *time.Time
}

// Recompute refreshes Notional and Margin from EntryPrice/Quantity/Leverage.
func (p *Position) Recompute() {
	p.Notional = p.EntryPrice.Mul(p.Quantity)
	if p.Leverage > 0 {
		p.Margin = p.Notional.Div(decimal.NewFromInt(int64(p.Leverage)))
	}
}

// PendingOrder is a live or recently-terminal order tracked by the ledger.
// A CHASE_LIMIT order's ExchangeOrderID changes on every reprice; the chase
// engine keeps the ledger row's id in step via the ledger's
// UpdateExchangeOrderID.
type PendingOrder struct {
	ID              string
	SubAccount      string
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Leverage        int
	ReduceOnly      bool
	Status          OrderStatus
	ExchangeOrderID string
	CreatedAt       time.Time
	FilledAt        *time.Time
	CancelledAt     *time.Time
}

// TradeExecution is an append-only audit record of a single fill.
type TradeExecution struct {
	ID                   string
	SubAccount           string
	Symbol               string
	Side                 OrderSide
	Type                 OrderType
	Price                decimal.Decimal
	Quantity             decimal.Decimal
	RealizedPnl          decimal.Decimal
	OrderID              string
	ExchangeOrderID      string
	IdempotencySignature string
	CreatedAt            time.Time
}

// ChaseSnapshot is the durable, restart-resumable subset of a ChaseState.
type ChaseSnapshot struct {
	ID                   string
	SubAccount           string
	Symbol               string
	Side                 OrderSide
	Quantity             decimal.Decimal
	Leverage             int
	StalkOffsetPct       decimal.Decimal
	StalkMode            StalkMode
	MaxDistancePct       decimal.Decimal
	CurrentExchangeOrderID string
	InitialPrice         decimal.Decimal
	LastOrderPrice       decimal.Decimal
	RepriceCount         int
	Status               ChaseStatus
	StartedAt            time.Time
	Internal             bool
	ParentMomentumID     string
	ReduceOnly           bool
}

// MomentumSnapshot is the durable, restart-resumable subset of a
// MomentumState. Field names are the current names only, and the momentum
// package decodes snapshots with plain encoding/json: there are no migration
// shims, so historical field names (hwm, floor/ceiling, pendingBuys,
// totalBudget) in an older snapshot are ignored.
type MomentumSnapshot struct {
	ID         string
	SubAccount string
	Symbol     string
	Side       PositionSide
	Leverage   int
	MaxNotional decimal.Decimal
	ProfileName string

	State      MomentumStateName
	StartPrice decimal.Decimal
	Extreme    decimal.Decimal
	Gate       decimal.Decimal
	LastFillPrice decimal.Decimal

	CoreQty      decimal.Decimal
	CoreVWAP     decimal.Decimal
	CoreNotional decimal.Decimal

	ScalpProfit decimal.Decimal
	FillCount   int

	DeleverageChaseID string

	StartedAt    time.Time
	LastTickAt   time.Time
}
