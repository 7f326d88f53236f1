// Package xerr defines the closed error taxonomy shared by every component
// of the execution core: pre-trade rejections, exchange rejections, and
// infra faults. Each carries a stable Code so callers can dispatch on
// errors.As without parsing message strings.
package xerr

import "fmt"

// Code is a stable, closed taxonomy identifier.
type Code string

const (
	// Pre-trade (Risk Gate, §4.6)
	AccountNotFound      Code = "ACCOUNT_NOT_FOUND"
	AccountFrozen        Code = "ACCOUNT_FROZEN"
	MaxLeverage          Code = "MAX_LEVERAGE"
	MaxNotional          Code = "MAX_NOTIONAL"
	MaxExposure          Code = "MAX_EXPOSURE"
	MarginRatioExceeded  Code = "MARGIN_RATIO_EXCEEDED"
	InsufficientMargin   Code = "INSUFFICIENT_MARGIN"
	NoPrice              Code = "NO_PRICE"
	PositionNotFound     Code = "POSITION_NOT_FOUND"
	PositionClosed       Code = "POSITION_CLOSED"

	// Exchange (§4.1, §7)
	ExchangeMinNotional        Code = "EXCHANGE_MIN_NOTIONAL"
	ExchangeMarginInsufficient Code = "EXCHANGE_MARGIN_INSUFFICIENT"
	ExchangePrecision          Code = "EXCHANGE_PRECISION"
	ExchangeInvalidOrder       Code = "EXCHANGE_INVALID_ORDER"
	ExchangeQtyTooSmall        Code = "EXCHANGE_QTY_TOO_SMALL"
	ExchangeRejected           Code = "EXCHANGE_REJECTED"
	ExchangePriceFilter        Code = "EXCHANGE_PRICE_FILTER"
	ExchangeUnknownOrder       Code = "EXCHANGE_UNKNOWN_ORDER"

	// Infra
	SnapshotUnavailable Code = "SNAPSHOT_UNAVAILABLE"
	LockHeld            Code = "LOCK_HELD"
	StreamStale         Code = "STREAM_STALE"
	CircuitOpen         Code = "CIRCUIT_OPEN"

	// Engine-level
	PriceUnavailable  Code = "PRICE_UNAVAILABLE"
	CapacityExceeded  Code = "CAPACITY_EXCEEDED"
)

// GatewayError is the carrier type for every structured error in the system.
type GatewayError struct {
	Code    Code
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// New builds a GatewayError with a message.
func New(code Code, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// Wrap builds a GatewayError around an underlying error.
func Wrap(code Code, err error) *GatewayError {
	return &GatewayError{Code: code, Err: err}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var ge *GatewayError
	if !asGatewayError(err, &ge) {
		return false
	}
	return ge.Code == code
}

func asGatewayError(err error, target **GatewayError) bool {
	for err != nil {
		if ge, ok := err.(*GatewayError); ok {
			*target = ge
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
