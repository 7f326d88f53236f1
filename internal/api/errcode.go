package api

import (
	"errors"
	"net/http"

	"perp-gateway/internal/xerr"
)

// statusForError maps a structured GatewayError's code to the HTTP status
// §7 specifies: 400 for input/pre-trade rejections, 404 for missing
// entities, 409 for conflicts, 429 for capacity limits, 500 otherwise.
func statusForError(err error) int {
	var ge *xerr.GatewayError
	if !errors.As(err, &ge) {
		return http.StatusInternalServerError
	}

	switch ge.Code {
	case xerr.AccountNotFound, xerr.PositionNotFound:
		return http.StatusNotFound
	case xerr.PositionClosed:
		return http.StatusConflict
	case xerr.CapacityExceeded:
		return http.StatusTooManyRequests
	case xerr.AccountFrozen, xerr.MaxLeverage, xerr.MaxNotional, xerr.MaxExposure,
		xerr.MarginRatioExceeded, xerr.InsufficientMargin, xerr.NoPrice,
		xerr.ExchangeMinNotional, xerr.ExchangePrecision, xerr.ExchangeInvalidOrder,
		xerr.ExchangeQtyTooSmall, xerr.ExchangePriceFilter:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
