// Package chase implements the Chase Engine (§4.3): a per-order reprice
// state machine that keeps a working limit order at or near the best quote
// until it fills, is cancelled, breaches its distance cap, or errors
// terminally.
package chase

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-gateway/pkg/types"
)

// FillCallback is invoked once, exactly when a chase is first observed
// filled, with the final fill price/quantity. Used by the Momentum Engine
// to route child-chase fills back into its own sizing state.
type FillCallback func(fillPrice, fillQty decimal.Decimal)

// Spec is the caller-supplied description of a chase to start.
type Spec struct {
	SubAccount       string
	Symbol           string
	Side             types.OrderSide
	Quantity         decimal.Decimal
	Leverage         int
	StalkOffsetPct   decimal.Decimal
	StalkMode        types.StalkMode
	MaxDistancePct   decimal.Decimal
	ReduceOnly       bool
	OrderType        types.OrderType // CHASE_LIMIT, SURF_LIMIT, SURF_SCALP, SURF_DELEVERAGE
	Internal         bool
	ParentMomentumID string
	// ClientBid/ClientAsk let a caller (the Momentum Engine, mid-tick) supply
	// its own last-known quote; used only if within 5% of the server quote.
	ClientBid decimal.Decimal
	ClientAsk decimal.Decimal
	OnFill    FillCallback
}

// Handle is returned from Start/StartBatch.
type Handle struct {
	ID     string
	Cancel func()
}

// state is the live, mutable runtime record for one chase. The durable
// subset is types.ChaseSnapshot; state adds fields that never survive a
// restart (flags, callback, unsubscribe function).
type state struct {
	mu sync.Mutex

	snap types.ChaseSnapshot

	dead          bool
	repricing     bool
	lastRepriceAt time.Time
	lastProgressAt time.Time
	lastSnapshotAt time.Time

	onFill      FillCallback
	unsubscribe func()
	processedAt time.Time // fill-debounce marker
}

func (s *state) isTerminal() bool {
	switch s.snap.Status {
	case types.ChaseFilled, types.ChaseCancelled, types.ChaseDistanceBreached, types.ChaseError:
		return true
	default:
		return false
	}
}

// shouldReprice implements the three stalk-mode rules (§4.3).
func shouldReprice(mode types.StalkMode, side types.OrderSide, lastOrderPrice, newTarget decimal.Decimal) bool {
	switch mode {
	case types.StalkMaintain, types.StalkNone:
		return true
	case types.StalkTrail:
		if side == types.Buy {
			return newTarget.GreaterThan(lastOrderPrice)
		}
		return newTarget.LessThan(lastOrderPrice)
	default:
		return true
	}
}

// computeTarget derives the raw (unrounded, unclamped) chase target from
// the current quote, stalk mode, and offset.
func computeTarget(mode types.StalkMode, side types.OrderSide, bid, ask, offsetPct decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	switch mode {
	case types.StalkNone:
		if side == types.Buy {
			return bid
		}
		return ask
	default: // maintain, trail
		factor := offsetPct.Div(hundred)
		if side == types.Buy {
			return bid.Mul(decimal.NewFromInt(1).Sub(factor))
		}
		return ask.Mul(decimal.NewFromInt(1).Add(factor))
	}
}

// withinTolerance reports whether a client-supplied quote is within pct
// percent of the server quote, used to decide whether Start may trust it.
func withinTolerance(client, server decimal.Decimal, pct decimal.Decimal) bool {
	if client.IsZero() || server.IsZero() {
		return false
	}
	diff := client.Sub(server).Abs()
	limit := server.Mul(pct).Div(decimal.NewFromInt(100))
	return diff.LessThanOrEqual(limit)
}
