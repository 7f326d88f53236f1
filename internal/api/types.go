package api

import (
	"github.com/shopspring/decimal"

	"perp-gateway/pkg/types"
)

// StartChaseRequest is the JSON body accepted by POST /v1/chases.
type StartChaseRequest struct {
	SubAccount     string          `json:"sub_account"`
	Symbol         string          `json:"symbol"`
	Side           types.OrderSide `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Leverage       int             `json:"leverage"`
	StalkOffsetPct decimal.Decimal `json:"stalk_offset_pct"`
	StalkMode      types.StalkMode `json:"stalk_mode"`
	MaxDistancePct decimal.Decimal `json:"max_distance_pct"`
	ReduceOnly     bool            `json:"reduce_only"`
	OrderType      types.OrderType `json:"order_type"`
}

// StartChaseResponse is returned on a successful chase start.
type StartChaseResponse struct {
	ID string `json:"id"`
}

// StartMomentumRequest is the JSON body accepted by POST /v1/momentum.
type StartMomentumRequest struct {
	SubAccount  string             `json:"sub_account"`
	Symbol      string             `json:"symbol"`
	Side        types.PositionSide `json:"side"`
	Leverage    int                `json:"leverage"`
	MaxNotional decimal.Decimal    `json:"max_notional"`
	ProfileName string             `json:"profile_name"`
}

// StartMomentumResponse is returned on a successful momentum start.
type StartMomentumResponse struct {
	ID string `json:"id"`
}

type errorBody struct {
	Error string `json:"error"`
}
