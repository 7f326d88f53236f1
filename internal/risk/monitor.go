package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-gateway/internal/events"
	"perp-gateway/internal/priceboard"
	"perp-gateway/pkg/types"
)

const (
	monitorInterval = 5 * time.Second
	// marginWarningMultiple fires a soft warning once a position's margin ratio
	// crosses below this multiple of the configured liquidation threshold.
	marginWarningMultiple = 1.5
	// adlMultiple fires the ADL-pressure event once the ratio falls within this
	// multiple of the liquidation threshold, before the position is actually
	// at risk of forced closure.
	adlMultiple = 1.1
)

// PriceSource supplies the mark price a position is measured against.
type PriceSource interface {
	Snapshot(symbol string) (types.PriceSnapshot, bool)
}

var _ PriceSource = (*priceboard.Board)(nil)

// Monitor continuously watches every open position's margin ratio and
// escalates through margin_warning, adl_triggered, and full_liquidation
// events as the ratio deteriorates. It never cancels or closes positions
// itself; the events reach API subscribers through the hub, and no engine
// in this process acts on them.
type Monitor struct {
	cfg    decimal.Decimal // liquidation margin ratio threshold
	ledger PositionLister
	prices PriceSource
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	escalated map[string]events.Type // positionID -> highest event already fired
}

// NewMonitor builds the continuous margin-ratio monitor. liquidationRatio is
// the same threshold the pre-trade Gate enforces at entry time.
func NewMonitor(liquidationRatio float64, ledgerStore PositionLister, prices PriceSource, bus *events.Bus, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:       decimal.NewFromFloat(liquidationRatio),
		ledger:    ledgerStore,
		prices:    prices,
		bus:       bus,
		logger:    logger.With("component", "risk_monitor"),
		escalated: make(map[string]events.Type),
	}
}

// Run polls open positions on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	positions, err := m.ledger.ListOpenPositions(ctx)
	if err != nil {
		m.logger.Error("failed to list open positions for risk sweep", "error", err)
		return
	}

	live := make(map[string]bool, len(positions))
	for _, pos := range positions {
		live[pos.ID] = true
		m.evaluate(pos)
	}

	m.mu.Lock()
	for id := range m.escalated {
		if !live[id] {
			delete(m.escalated, id)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) evaluate(pos types.Position) {
	if pos.BabysitterExcluded {
		return
	}

	snap, ok := m.prices.Snapshot(pos.Symbol)
	if !ok || snap.Mark.IsZero() {
		return
	}

	ratio := marginRatio(pos, snap.Mark)
	warningLine := m.cfg.Mul(decimal.NewFromFloat(marginWarningMultiple))
	adlLine := m.cfg.Mul(decimal.NewFromFloat(adlMultiple))

	var target events.Type
	switch {
	case ratio.LessThanOrEqual(m.cfg):
		target = events.FullLiquidation
	case ratio.LessThanOrEqual(adlLine):
		target = events.AdlTriggered
	case ratio.LessThanOrEqual(warningLine):
		target = events.MarginWarning
	default:
		m.mu.Lock()
		delete(m.escalated, pos.ID)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	already := m.escalated[pos.ID]
	if already == target {
		m.mu.Unlock()
		return
	}
	m.escalated[pos.ID] = target
	m.mu.Unlock()

	m.logger.Warn("position margin ratio escalation",
		"position_id", pos.ID,
		"sub_account", pos.SubAccount,
		"symbol", pos.Symbol,
		"ratio", ratio.String(),
		"event", target,
	)

	m.bus.Publish(events.Event{
		Type:         target,
		SubAccountID: pos.SubAccount,
		Symbol:       pos.Symbol,
		Payload: map[string]interface{}{
			"position_id":   pos.ID,
			"margin_ratio":  ratio.String(),
			"mark_price":    snap.Mark.String(),
			"entry_price":   pos.EntryPrice.String(),
			"liquidation_price": pos.LiquidationPrice.String(),
		},
	})
}

// marginRatio estimates a position's current maintenance margin ratio as
// (margin + unrealized PnL) / notional at the mark price. It deteriorates
// toward zero as losses accumulate and trips the same threshold the Gate
// enforces at entry.
func marginRatio(pos types.Position, mark decimal.Decimal) decimal.Decimal {
	if pos.Notional.IsZero() {
		return decimal.Zero
	}
	priceDelta := mark.Sub(pos.EntryPrice)
	unrealized := priceDelta.Mul(pos.Quantity).Mul(decimal.NewFromInt(int64(pos.Side.SideSign())))
	equity := pos.Margin.Add(unrealized)
	markNotional := pos.Quantity.Mul(mark)
	if markNotional.IsZero() {
		return decimal.Zero
	}
	return equity.Div(markNotional)
}
