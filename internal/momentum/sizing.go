package momentum

import (
	"github.com/shopspring/decimal"
)

// bezierMultiplier evaluates the cubic Bezier fill-sizing curve at
// t = clamp(0,1, amplitude/bezierMaxPump), clamped to [1, maxMultiplier]:
// control points (0, 1.0), (1/3, 1.05), (2/3, 0.9*maxMultiplier), (1, maxMultiplier).
func bezierMultiplier(amplitude, bezierMaxPump, maxMultiplier decimal.Decimal) decimal.Decimal {
	if bezierMaxPump.IsZero() {
		return decimal.NewFromInt(1)
	}
	t := amplitude.Div(bezierMaxPump)
	t = clampDecimal(t, decimal.Zero, decimal.NewFromInt(1))

	p0 := decimal.NewFromFloat(1.0)
	p1 := decimal.NewFromFloat(1.05)
	p2 := maxMultiplier.Mul(decimal.NewFromFloat(0.9))
	p3 := maxMultiplier

	m := cubicBezier(t, p0, p1, p2, p3)
	return clampDecimal(m, decimal.NewFromInt(1), maxMultiplier)
}

// cubicBezier evaluates a 1-D cubic Bezier curve at parameter t.
func cubicBezier(t, p0, p1, p2, p3 decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	mt := one.Sub(t)
	mt2 := mt.Mul(mt)
	mt3 := mt2.Mul(mt)
	t2 := t.Mul(t)
	t3 := t2.Mul(t)

	three := decimal.NewFromInt(3)

	term0 := p0.Mul(mt3)
	term1 := p1.Mul(three).Mul(mt2).Mul(t)
	term2 := p2.Mul(three).Mul(mt).Mul(t2)
	term3 := p3.Mul(t3)

	return term0.Add(term1).Add(term2).Add(term3)
}

func clampDecimal(x, lo, hi decimal.Decimal) decimal.Decimal {
	if x.LessThan(lo) {
		return lo
	}
	if x.GreaterThan(hi) {
		return hi
	}
	return x
}

// roundToStep rounds x to the nearest multiple of step, used for fill-size
// quantization independent of the exchange's own precision cache (the
// momentum engine sizes before handing off to a Chase child, which applies
// exchange precision itself).
func roundToStep(x, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return x
	}
	return x.Div(step).Round(0).Mul(step)
}

const minNotionalUSD = 5

// sizeFill computes the total fill quantity for a trigger at the given
// amplitude, capped by remaining notional headroom, then splits it into
// scalp/core per the instance's scalpRatio (§4.4).
func sizeFill(profile Profile, amplitude, remainingNotional, chasePrice, minQty decimal.Decimal) (total, scalpQty, coreQty decimal.Decimal) {
	m := bezierMultiplier(amplitude, profile.BezierMaxPump, profile.MaxMultiplier)
	qty := roundToStep(profile.BaseQty.Mul(m), minQty)

	if !chasePrice.IsZero() && !remainingNotional.IsZero() {
		maxQty := remainingNotional.Div(chasePrice)
		if qty.GreaterThan(maxQty) {
			qty = roundToStep(maxQty, minQty)
		}
	}
	if qty.LessThan(minQty) {
		qty = minQty
	}
	if !chasePrice.IsZero() {
		notional := qty.Mul(chasePrice)
		if notional.LessThan(decimal.NewFromInt(minNotionalUSD)) {
			qty = decimal.NewFromInt(minNotionalUSD).Div(chasePrice)
			qty = roundToStep(qty, minQty)
		}
	}

	scalpQty = roundToStep(qty.Mul(profile.ScalpRatio), minQty)
	if !chasePrice.IsZero() && scalpQty.Mul(chasePrice).LessThan(decimal.NewFromInt(minNotionalUSD)) {
		scalpQty = decimal.Zero
	}
	coreQty = qty.Sub(scalpQty)
	return qty, scalpQty, coreQty
}

// dynamicOffset combines a configured base offset (bps), a recent-volatility
// multiplier (clamped 0.5-3.0), and a fill-count scaler (0.7 early, 1.5 late)
// into the stalkOffsetPct used for a momentum child chase.
func dynamicOffset(baseOffsetBps decimal.Decimal, volMultiplier decimal.Decimal, fillCount int) decimal.Decimal {
	volMultiplier = clampDecimal(volMultiplier, decimal.NewFromFloat(0.5), decimal.NewFromFloat(3.0))
	scaler := decimal.NewFromFloat(0.7)
	if fillCount >= 5 {
		scaler = decimal.NewFromFloat(1.5)
	}
	base := baseOffsetBps.Div(decimal.NewFromInt(100))
	return base.Mul(volMultiplier).Mul(scaler)
}

// volatilityMultiplier estimates recent volatility as (high-low)/midpoint
// over a window of recent prices, clamped by the caller.
func volatilityMultiplier(recent []decimal.Decimal) decimal.Decimal {
	if len(recent) < 2 {
		return decimal.NewFromInt(1)
	}
	high, low := recent[0], recent[0]
	for _, p := range recent[1:] {
		if p.GreaterThan(high) {
			high = p
		}
		if p.LessThan(low) {
			low = p
		}
	}
	mid := high.Add(low).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.NewFromInt(1)
	}
	return high.Sub(low).Div(mid)
}
