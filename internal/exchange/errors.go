// errors.go parses exchange REST error bodies (numeric code + message) into
// the closed structured taxonomy from SPEC_FULL.md §7. Unrecognized codes
// fall back to the EXCHANGE_REJECTED catch-all.
package exchange

import (
	"strings"

	"perp-gateway/internal/xerr"
)

// exchange error codes, as carried in the REST error body's numeric "code"
// field. These mirror the real perpetual-futures exchange's published error
// code space.
const (
	codeMinNotional        = -4164
	codeMarginInsufficient = -2019
	codePrecisionOverflow  = -1111
	codeInvalidOrder       = -2022
	codeQtyTooSmall        = -4003
	codePriceFilter        = -1013
	codeUnknownOrder       = -2011
)

// APIError is the wire shape of an exchange REST error body.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Classify maps a raw exchange error into the structured taxonomy.
func Classify(e APIError) *xerr.GatewayError {
	switch e.Code {
	case codeMinNotional:
		return xerr.New(xerr.ExchangeMinNotional, e.Msg)
	case codeMarginInsufficient:
		return xerr.New(xerr.ExchangeMarginInsufficient, e.Msg)
	case codePrecisionOverflow:
		return xerr.New(xerr.ExchangePrecision, e.Msg)
	case codeInvalidOrder:
		return xerr.New(xerr.ExchangeInvalidOrder, e.Msg)
	case codeQtyTooSmall:
		return xerr.New(xerr.ExchangeQtyTooSmall, e.Msg)
	case codePriceFilter:
		return xerr.New(xerr.ExchangePriceFilter, e.Msg)
	case codeUnknownOrder:
		return xerr.New(xerr.ExchangeUnknownOrder, e.Msg)
	}

	// Fall back to message-fragment matching for codes not in the closed
	// enum above (new exchange error codes show up faster than this map).
	lower := strings.ToLower(e.Msg)
	switch {
	case strings.Contains(lower, "notional"):
		return xerr.New(xerr.ExchangeMinNotional, e.Msg)
	case strings.Contains(lower, "margin is insufficient"):
		return xerr.New(xerr.ExchangeMarginInsufficient, e.Msg)
	case strings.Contains(lower, "unknown order"):
		return xerr.New(xerr.ExchangeUnknownOrder, e.Msg)
	}
	return xerr.New(xerr.ExchangeRejected, e.Msg)
}

// IsTerminalMargin reports whether err represents the specific
// "insufficient margin" condition that should fatally finish a chase.
func IsTerminalMargin(err error) bool {
	return xerr.Is(err, xerr.ExchangeMarginInsufficient)
}

// IsTransientPriceFilter reports whether err is a price-filter breach that
// should simply be skipped to the next tick.
func IsTransientPriceFilter(err error) bool {
	return xerr.Is(err, xerr.ExchangePriceFilter)
}

// IsUnknownOrder reports whether a cancel/probe failed because the exchange
// no longer recognizes the order id.
func IsUnknownOrder(err error) bool {
	return xerr.Is(err, xerr.ExchangeUnknownOrder)
}

// IsGhostReduceOnly reports whether the exchange rejected a reduce-only
// order because the referenced position no longer exists — the momentum
// engine's self-healing trigger.
func IsGhostReduceOnly(err error) bool {
	ge, ok := err.(*xerr.GatewayError)
	if !ok {
		return false
	}
	lower := strings.ToLower(ge.Message)
	return ge.Code == xerr.ExchangeInvalidOrder && (strings.Contains(lower, "reduceonly") || strings.Contains(lower, "position does not exist"))
}
