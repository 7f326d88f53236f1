package momentum

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-gateway/pkg/types"
)

// Spec describes a momentum instance to start.
type Spec struct {
	SubAccount  string
	Symbol      string
	Side        types.PositionSide
	Leverage    int
	MaxNotional decimal.Decimal
	ProfileName string // empty => auto-detect
}

// state is the live runtime record for one momentum instance. The durable
// subset is types.MomentumSnapshot.
type state struct {
	mu sync.Mutex

	snap    types.MomentumSnapshot
	profile Profile

	processing  bool
	lastTickProcessedAt time.Time
	lastSnapshotAt      time.Time
	lastLiveLogAt       time.Time

	recentPrices []recentPrice // rolling ~30s window for volatility

	// deleverageChase is non-empty while a deleverage reduce-only child is
	// outstanding; mirrors snap.DeleverageChaseID but kept here too so a
	// cancelled snapshot field doesn't desync mid-transaction.
	deleverageChase string

	scalpChases map[string]scalpRecord

	unsubscribe func()
	stopped     bool
}

type recentPrice struct {
	price decimal.Decimal
	at    time.Time
}

type scalpRecord struct {
	entryPrice decimal.Decimal
	qty        decimal.Decimal
}

const volatilityWindow = 30 * time.Second

func (s *state) pushRecentPrice(p decimal.Decimal, at time.Time) {
	s.recentPrices = append(s.recentPrices, recentPrice{price: p, at: at})
	cutoff := at.Add(-volatilityWindow)
	i := 0
	for i < len(s.recentPrices) && s.recentPrices[i].at.Before(cutoff) {
		i++
	}
	s.recentPrices = s.recentPrices[i:]
}

func (s *state) volatility() decimal.Decimal {
	prices := make([]decimal.Decimal, len(s.recentPrices))
	for i, rp := range s.recentPrices {
		prices[i] = rp.price
	}
	return volatilityMultiplier(prices)
}

// amplitude returns |extreme - startPrice| / startPrice * 100.
func amplitude(startPrice, extreme decimal.Decimal) decimal.Decimal {
	if startPrice.IsZero() {
		return decimal.Zero
	}
	return extreme.Sub(startPrice).Abs().Div(startPrice).Mul(decimal.NewFromInt(100))
}

// acceptExtreme applies the jump filter (§4.4): a new candidate extreme is
// accepted only if it moves by <= hwmJumpMax% from the current extreme.
// Extreme is the high-water mark for SHORT instances, low-water mark for
// LONG instances.
func acceptExtreme(side types.PositionSide, current, candidate, hwmJumpMax decimal.Decimal) (decimal.Decimal, bool) {
	better := candidate.LessThan(current)
	if side == types.Short {
		better = candidate.GreaterThan(current)
	}
	if !better {
		return current, false
	}
	if current.IsZero() {
		return candidate, true
	}
	jumpPct := candidate.Sub(current).Abs().Div(current).Mul(decimal.NewFromInt(100))
	if jumpPct.GreaterThan(hwmJumpMax) {
		return current, false
	}
	return candidate, true
}

// computeGate returns the pullback-detection gate trailing behind extreme:
// floor below extreme for SHORT (extreme is the run's high), ceiling above
// extreme for LONG (extreme is the run's low).
func computeGate(side types.PositionSide, extreme, trailPct decimal.Decimal) decimal.Decimal {
	factor := trailPct.Div(decimal.NewFromInt(100))
	if side == types.Short {
		return extreme.Mul(decimal.NewFromInt(1).Sub(factor))
	}
	return extreme.Mul(decimal.NewFromInt(1).Add(factor))
}

// gateBreached reports whether price has pulled back across the gate.
func gateBreached(side types.PositionSide, price, gate decimal.Decimal) bool {
	if side == types.Short {
		return price.LessThan(gate)
	}
	return price.GreaterThan(gate)
}

// stepThresholdCrossed reports whether price has moved beyond the next step
// trigger in the instance's direction, per the STEP_WAIT -> ARMED rule.
func stepThresholdCrossed(side types.PositionSide, price, reference, stepPct decimal.Decimal) bool {
	factor := stepPct.Div(decimal.NewFromInt(100))
	if side == types.Short {
		return price.GreaterThan(reference.Mul(decimal.NewFromInt(1).Add(factor)))
	}
	return price.LessThan(reference.Mul(decimal.NewFromInt(1).Sub(factor)))
}
