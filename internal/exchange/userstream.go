// userstream.go implements the listenKey-based user-data stream: the fast
// path that feeds order lifecycle events to the Order Reconciler ahead of
// the periodic REST poll (§4.3). One WebSocket carries every order update
// for the account; the listenKey backing it is refreshed on a fixed
// keepalive interval and re-issued on reconnect.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"perp-gateway/pkg/types"
)

const (
	listenKeyKeepalive = 30 * time.Minute
	userStreamReconnect = 3 * time.Second
)

// OrderUpdate is the normalized order-lifecycle event the user stream
// fans out, matching the Order Reconciler's handleExchangeOrderUpdate
// contract.
type OrderUpdate struct {
	ExchangeOrderID string
	Symbol          string
	Side            types.OrderSide
	Status          string
	Price           decimal.Decimal
	AvgPrice        decimal.Decimal
	FilledQty       decimal.Decimal
}

// OrderUpdateHandler receives every order update the user stream decodes.
type OrderUpdateHandler func(OrderUpdate)

// UserStream manages the account's order-update WebSocket.
type UserStream struct {
	futures futuresListenKeyService
	wsBase  string
	onEvent OrderUpdateHandler
	logger  *slog.Logger
}

// futuresListenKeyService is the narrow slice of the exchange SDK's account
// stream API the user stream depends on, named so the rest of this file
// reads independently of the concrete client wiring in client.go.
type futuresListenKeyService interface {
	StartUserStream(ctx context.Context) (string, error)
	KeepaliveUserStream(ctx context.Context, listenKey string) error
}

// NewUserStream creates a user-data stream manager.
func NewUserStream(svc futuresListenKeyService, wsBase string, onEvent OrderUpdateHandler, logger *slog.Logger) *UserStream {
	return &UserStream{
		futures: svc,
		wsBase:  wsBase,
		onEvent: onEvent,
		logger:  logger.With("component", "ws_user"),
	}
}

// Run obtains a listenKey, connects, and maintains the connection with
// reconnect-and-reissue on any failure. Blocks until ctx is cancelled.
func (u *UserStream) Run(ctx context.Context) error {
	for {
		err := u.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		u.logger.Warn("user stream disconnected, reconnecting", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(userStreamReconnect):
		}
	}
}

func (u *UserStream) connectAndRead(ctx context.Context) error {
	listenKey, err := u.futures.StartUserStream(ctx)
	if err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, fmt.Sprintf("%s/ws/%s", u.wsBase, listenKey), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	keepaliveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go u.keepaliveLoop(keepaliveCtx, listenKey)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		u.dispatch(msg)
	}
}

func (u *UserStream) keepaliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.futures.KeepaliveUserStream(ctx, listenKey); err != nil {
				u.logger.Warn("listenKey keepalive failed", "error", err)
			}
		}
	}
}

type userStreamEnvelope struct {
	EventType string          `json:"e"`
	Order     json.RawMessage `json:"o"`
}

type orderTradeUpdate struct {
	Symbol          string `json:"s"`
	Side            string `json:"S"`
	OrderStatus     string `json:"X"`
	OrderID         int64  `json:"i"`
	OriginalPrice   string `json:"p"`
	AveragePrice    string `json:"ap"`
	FilledAccumQty  string `json:"z"`
}

func (u *UserStream) dispatch(raw []byte) {
	var env userStreamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		u.logger.Debug("ignoring non-json user stream message")
		return
	}
	if env.EventType != "ORDER_TRADE_UPDATE" {
		return
	}

	var o orderTradeUpdate
	if err := json.Unmarshal(env.Order, &o); err != nil {
		u.logger.Error("unmarshal order trade update", "error", err)
		return
	}

	side := types.Buy
	if o.Side == "SELL" {
		side = types.Sell
	}

	update := OrderUpdate{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		Symbol:          canonicalize(o.Symbol),
		Side:            side,
		Status:          o.OrderStatus,
		Price:           parseDecimal(o.OriginalPrice),
		AvgPrice:        parseDecimal(o.AveragePrice),
		FilledQty:       parseDecimal(o.FilledAccumQty),
	}

	if u.onEvent != nil {
		u.onEvent(update)
	}
}
