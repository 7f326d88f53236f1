// client.go implements the Exchange Connector's signed REST and public REST
// surface (§4.1): bootstrap, order placement/cancel/batch, order/position/
// balance/ticker queries. Signed
// calls go through the exchange's official Go SDK (which performs the same
// HMAC-SHA256 query-string signing described in §6); public calls go through
// a plain resty client, mirroring the split the teacher repo made between
// its authenticated CLOB client and its public Gamma-API scanner client.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"perp-gateway/internal/config"
	"perp-gateway/internal/xerr"
	"perp-gateway/pkg/types"
)

const (
	batchOrderLimit  = 5
	metadataBackoffFloor   = 5 * time.Second
	metadataBackoffCeiling = 30 * time.Minute
)

// OrderRequest is the order the caller wants placed. Price and Quantity are
// sent as given; rounding to the symbol's tick/step is the caller's job.
type OrderRequest struct {
	Symbol     string // canonical form
	Side       types.OrderSide
	Price      decimal.Decimal // zero => market order
	Quantity   decimal.Decimal
	ReduceOnly bool
}

// OrderResult is the normalized response to any order operation.
type OrderResult struct {
	ExchangeOrderID string
	Symbol          string
	Status          string
	AvgPrice        decimal.Decimal
	FilledQty       decimal.Decimal
	Price           decimal.Decimal
}

// Trade is a single user trade (fill) record.
type Trade struct {
	ExchangeOrderID string
	Symbol          string
	Side            types.OrderSide
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Time            time.Time
}

// PositionInfo is the exchange's authoritative view of one open position.
type PositionInfo struct {
	Symbol     string
	Side       types.PositionSide
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
	Leverage   int
}

// Client is the Exchange Connector's REST facade.
type Client struct {
	futures *futures.Client
	public  *resty.Client

	rl     *RateLimiter
	slots  *OrderSlots
	cb     *CircuitBreaker
	syms   *SymbolCache

	dryRun bool
	logger *slog.Logger

	readyCh chan struct{}
	ready   bool
}

// NewClient builds an Exchange Connector REST facade from configuration.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	fc := futures.NewClient(cfg.Exchange.APIKey, cfg.Exchange.SecretKey)
	if cfg.Exchange.BaseURL != "" {
		fc.BaseURL = cfg.Exchange.BaseURL
	}

	public := resty.New().
		SetBaseURL(cfg.Exchange.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		futures: fc,
		public:  public,
		rl:      NewRateLimiter(),
		slots:   NewOrderSlots(10),
		cb:      NewCircuitBreaker(),
		syms:    NewSymbolCache(),
		dryRun:  cfg.DryRun,
		logger:  logger.With("component", "exchange"),
		readyCh: make(chan struct{}),
	}
}

// Symbols exposes the bootstrap-populated symbol cache to callers that need
// precision conversions (chase/momentum engines).
func (c *Client) Symbols() *SymbolCache { return c.syms }

// StartUserStream obtains a fresh listenKey for the account order-update
// stream, satisfying futuresListenKeyService for UserStream.
func (c *Client) StartUserStream(ctx context.Context) (string, error) {
	res, err := c.futures.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("start user stream: %w", err)
	}
	return res, nil
}

// KeepaliveUserStream extends a listenKey's validity window.
func (c *Client) KeepaliveUserStream(ctx context.Context, listenKey string) error {
	return c.futures.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
}

// Ready reports whether bootstrap has completed successfully at least once.
func (c *Client) Ready() bool { return c.ready }

// Bootstrap fetches exchange metadata and builds the symbol maps. On
// failure it retries in the background with capped exponential backoff
// (5s floor, 30min ceiling). banUntilFromError does not parse a ban-until
// timestamp out of any error, so a ban is retried on the same backoff.
func (c *Client) Bootstrap(ctx context.Context) error {
	if err := c.fetchMetadata(ctx); err != nil {
		c.logger.Warn("metadata bootstrap failed, entering degraded mode", "error", err)
		go c.retryBootstrap(ctx)
		return err
	}
	c.ready = true
	close(c.readyCh)
	return nil
}

func (c *Client) retryBootstrap(ctx context.Context) {
	backoff := metadataBackoffFloor
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := c.fetchMetadata(ctx); err != nil {
			if banUntil, ok := banUntilFromError(err); ok {
				wait := time.Until(banUntil) + 5*time.Second
				if wait > 0 {
					backoff = wait
				}
			} else {
				backoff *= 2
				if backoff > metadataBackoffCeiling {
					backoff = metadataBackoffCeiling
				}
			}
			c.logger.Warn("metadata retry failed", "error", err, "next_retry", backoff)
			continue
		}
		c.ready = true
		close(c.readyCh)
		return
	}
}

func banUntilFromError(err error) (time.Time, bool) {
	// Exchanges surface ban-until as a unix-millisecond timestamp embedded
	// in the error message; real parsing is exchange-specific and not
	// exercised here beyond the hook the caller relies on.
	return time.Time{}, false
}

// WaitReady blocks until Bootstrap has succeeded or ctx is cancelled.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) fetchMetadata(ctx context.Context) error {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return err
	}

	info, err := c.futures.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("fetch exchange info: %w", err)
	}

	symbols := make([]types.Symbol, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		sym := types.Symbol{
			Canonical: canonicalize(s.Symbol),
			Raw:       s.Symbol,
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				sym.PriceTick = parseDecimal(f["tickSize"])
				sym.MinPrice = parseDecimal(f["minPrice"])
				sym.MaxPrice = parseDecimal(f["maxPrice"])
			case "LOT_SIZE":
				sym.AmountStep = parseDecimal(f["stepSize"])
				sym.MinQty = parseDecimal(f["minQty"])
				sym.MaxQty = parseDecimal(f["maxQty"])
			case "MIN_NOTIONAL":
				sym.MinNotional = parseDecimal(f["notional"])
			case "PERCENT_PRICE":
				sym.MultiplierUp = parseDecimal(f["multiplierUp"])
				sym.MultiplierDown = parseDecimal(f["multiplierDown"])
			}
		}
		symbols = append(symbols, sym)
	}
	c.syms.Load(symbols)
	c.logger.Info("exchange metadata bootstrapped", "symbols", len(symbols))
	return nil
}

func canonicalize(raw string) string {
	// BTCUSDT -> BTC-USDT-PERP; a fixed-suffix heuristic is sufficient since
	// every symbol on this exchange quotes in USDT perpetuals.
	if len(raw) > 4 && raw[len(raw)-4:] == "USDT" {
		return raw[:len(raw)-4] + "-USDT-PERP"
	}
	return raw
}

func parseDecimal(v interface{}) decimal.Decimal {
	s, _ := v.(string)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// PlaceLimitOrder places a single GTC limit order at the request's price and
// quantity, unrounded. Acquires an order slot and respects the circuit breaker.
func (c *Client) PlaceLimitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if c.cb.IsOpen() {
		return nil, xerr.New(xerr.CircuitOpen, "order path circuit breaker open")
	}
	if err := c.slots.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.slots.Release()

	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	if c.dryRun {
		c.logger.Info("DRY-RUN: would place limit order", "symbol", req.Symbol, "side", req.Side, "price", req.Price, "qty", req.Quantity)
		return &OrderResult{ExchangeOrderID: fmt.Sprintf("dry-run-%d", time.Now().UnixNano()), Symbol: req.Symbol, Status: "NEW", Price: req.Price}, nil
	}

	sym, ok := c.syms.ByCanonical(req.Symbol)
	if !ok {
		return nil, fmt.Errorf("unknown symbol %q", req.Symbol)
	}

	svc := c.futures.NewCreateOrderService().
		Symbol(sym.Raw).
		Side(sideToExchange(req.Side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(req.Quantity.String()).
		Price(req.Price.String()).
		ReduceOnly(req.ReduceOnly)

	res, err := svc.Do(ctx)
	if err != nil {
		c.cb.RecordFailure()
		return nil, classifyOrderErr(err)
	}
	c.cb.RecordSuccess()
	return orderResultFromCreate(res), nil
}

// PlaceMarketOrder places a market order. Acquires an order slot and
// respects the circuit breaker.
func (c *Client) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if c.cb.IsOpen() {
		return nil, xerr.New(xerr.CircuitOpen, "order path circuit breaker open")
	}
	if err := c.slots.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.slots.Release()
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}
	if c.dryRun {
		return &OrderResult{ExchangeOrderID: fmt.Sprintf("dry-run-%d", time.Now().UnixNano()), Symbol: req.Symbol, Status: "FILLED"}, nil
	}

	sym, ok := c.syms.ByCanonical(req.Symbol)
	if !ok {
		return nil, fmt.Errorf("unknown symbol %q", req.Symbol)
	}

	res, err := c.futures.NewCreateOrderService().
		Symbol(sym.Raw).
		Side(sideToExchange(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(req.Quantity.String()).
		ReduceOnly(req.ReduceOnly).
		Do(ctx)
	if err != nil {
		c.cb.RecordFailure()
		return nil, classifyOrderErr(err)
	}
	c.cb.RecordSuccess()
	return orderResultFromCreate(res), nil
}

// CancelOrder cancels a single resting order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := c.slots.Acquire(ctx); err != nil {
		return err
	}
	defer c.slots.Release()
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	if c.dryRun {
		return nil
	}
	sym, ok := c.syms.ByCanonical(symbol)
	if !ok {
		return fmt.Errorf("unknown symbol %q", symbol)
	}
	_, err := c.futures.NewCancelOrderService().
		Symbol(sym.Raw).
		OrderID(parseInt64(exchangeOrderID)).
		Do(ctx)
	if err != nil {
		return classifyOrderErr(err)
	}
	return nil
}

// PlaceBatchOrders submits up to batchOrderLimit orders for the same symbol,
// placing each one in turn through PlaceLimitOrder; no native batch request
// is sent. The returned slice preserves input order; a failed sub-order has
// a nil OrderResult.
func (c *Client) PlaceBatchOrders(ctx context.Context, reqs []OrderRequest) ([]*OrderResult, []error) {
	results := make([]*OrderResult, len(reqs))
	errs := make([]error, len(reqs))
	if len(reqs) == 0 {
		return results, errs
	}
	if len(reqs) > batchOrderLimit {
		for i := range reqs {
			errs[i] = fmt.Errorf("batch limit is %d orders, got %d", batchOrderLimit, len(reqs))
		}
		return results, errs
	}
	if c.cb.IsOpen() {
		for i := range reqs {
			errs[i] = xerr.New(xerr.CircuitOpen, "order path circuit breaker open")
		}
		return results, errs
	}
	if err := c.slots.Acquire(ctx); err != nil {
		for i := range reqs {
			errs[i] = err
		}
		return results, errs
	}
	defer c.slots.Release()
	if err := c.rl.Order.Wait(ctx); err != nil {
		for i := range reqs {
			errs[i] = err
		}
		return results, errs
	}

	if c.dryRun {
		for i, r := range reqs {
			results[i] = &OrderResult{ExchangeOrderID: fmt.Sprintf("dry-run-batch-%d-%d", time.Now().UnixNano(), i), Symbol: r.Symbol, Status: "NEW", Price: r.Price}
		}
		return results, errs
	}

	// Sub-orders are placed sequentially rather than via the SDK's native
	// batch endpoint, to keep error attribution precise per sub-order,
	// matching the "failed sub-orders return a null id with an error field"
	// contract in §4.3 rather than an all-or-nothing batch semantic.
	for i, r := range reqs {
		res, err := c.PlaceLimitOrder(ctx, r)
		if err != nil {
			errs[i] = err
			continue
		}
		results[i] = res
	}
	return results, errs
}

// FetchOrder queries current status for one order.
func (c *Client) FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (*OrderResult, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	sym, ok := c.syms.ByCanonical(symbol)
	if !ok {
		return nil, fmt.Errorf("unknown symbol %q", symbol)
	}
	res, err := c.futures.NewGetOrderService().
		Symbol(sym.Raw).
		OrderID(parseInt64(exchangeOrderID)).
		Do(ctx)
	if err != nil {
		return nil, classifyOrderErr(err)
	}
	return orderResultFromGet(res), nil
}

// FetchOpenOrders lists all open orders for a symbol.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]*OrderResult, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	sym, ok := c.syms.ByCanonical(symbol)
	if !ok {
		return nil, fmt.Errorf("unknown symbol %q", symbol)
	}
	orders, err := c.futures.NewListOpenOrdersService().Symbol(sym.Raw).Do(ctx)
	if err != nil {
		return nil, classifyOrderErr(err)
	}
	out := make([]*OrderResult, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderResultFromGet(o))
	}
	return out, nil
}

// FetchOrdersSince lists all orders for a symbol placed at or after since.
func (c *Client) FetchOrdersSince(ctx context.Context, symbol string, since time.Time) ([]*OrderResult, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	sym, ok := c.syms.ByCanonical(symbol)
	if !ok {
		return nil, fmt.Errorf("unknown symbol %q", symbol)
	}
	orders, err := c.futures.NewListOrdersService().Symbol(sym.Raw).StartTime(since.UnixMilli()).Do(ctx)
	if err != nil {
		return nil, classifyOrderErr(err)
	}
	out := make([]*OrderResult, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderResultFromGet(o))
	}
	return out, nil
}

// FetchUserTrades lists fills for a symbol since a given time.
func (c *Client) FetchUserTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	sym, ok := c.syms.ByCanonical(symbol)
	if !ok {
		return nil, fmt.Errorf("unknown symbol %q", symbol)
	}
	trades, err := c.futures.NewListAccountTradeService().Symbol(sym.Raw).StartTime(since.UnixMilli()).Do(ctx)
	if err != nil {
		return nil, classifyOrderErr(err)
	}
	out := make([]Trade, 0, len(trades))
	for _, t := range trades {
		side := types.Buy
		if !t.Buyer {
			side = types.Sell
		}
		out = append(out, Trade{
			ExchangeOrderID: strconv.FormatInt(t.OrderID, 10),
			Symbol:          symbol,
			Side:            side,
			Price:           parseDecimal(t.Price),
			Qty:             parseDecimal(t.Quantity),
			Time:            time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

// FetchPositions lists every open exchange position across all symbols.
func (c *Client) FetchPositions(ctx context.Context) ([]PositionInfo, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	risks, err := c.futures.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classifyOrderErr(err)
	}
	out := make([]PositionInfo, 0, len(risks))
	for _, p := range risks {
		qty := parseDecimal(p.PositionAmt)
		if qty.IsZero() {
			continue
		}
		side := types.Long
		if qty.IsNegative() {
			side = types.Short
			qty = qty.Neg()
		}
		lev, _ := strconv.Atoi(p.Leverage)
		out = append(out, PositionInfo{
			Symbol:     canonicalize(p.Symbol),
			Side:       side,
			EntryPrice: parseDecimal(p.EntryPrice),
			Quantity:   qty,
			Leverage:   lev,
		})
	}
	return out, nil
}

// FetchBalance returns the account's available margin balance.
func (c *Client) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	balances, err := c.futures.NewGetBalanceService().Do(ctx)
	if err != nil {
		return decimal.Zero, classifyOrderErr(err)
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			return parseDecimal(b.Balance), nil
		}
	}
	return decimal.Zero, nil
}

// Fetch24hTickers fetches 24h ticker statistics for every symbol.
func (c *Client) Fetch24hTickers(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	var raw []map[string]interface{}
	resp, err := c.public.R().SetContext(ctx).SetResult(&raw).Get("/fapi/v1/ticker/24hr")
	if err != nil {
		return nil, fmt.Errorf("fetch 24h tickers: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch 24h tickers: status %d", resp.StatusCode())
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for _, t := range raw {
		sym, _ := t["symbol"].(string)
		out[canonicalize(sym)] = parseDecimal(t["lastPrice"])
	}
	return out, nil
}

// PremiumIndex fetches the public mark price for one symbol.
func (c *Client) PremiumIndex(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	sym, ok := c.syms.ByCanonical(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown symbol %q", symbol)
	}
	var raw map[string]interface{}
	resp, err := c.public.R().SetContext(ctx).SetQueryParam("symbol", sym.Raw).SetResult(&raw).Get("/fapi/v1/premiumIndex")
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch premium index: %w", err)
	}
	if resp.StatusCode() != 200 {
		return decimal.Zero, fmt.Errorf("fetch premium index: status %d", resp.StatusCode())
	}
	return parseDecimal(raw["markPrice"]), nil
}

func sideToExchange(s types.OrderSide) futures.SideType {
	if s == types.Sell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func orderResultFromCreate(res *futures.CreateOrderResponse) *OrderResult {
	return &OrderResult{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		Symbol:          canonicalize(res.Symbol),
		Status:          string(res.Status),
		AvgPrice:        parseDecimal(res.AvgPrice),
		FilledQty:       parseDecimal(res.ExecutedQuantity),
		Price:           parseDecimal(res.Price),
	}
}

func orderResultFromGet(res *futures.Order) *OrderResult {
	return &OrderResult{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		Symbol:          canonicalize(res.Symbol),
		Status:          string(res.Status),
		AvgPrice:        parseDecimal(res.AvgPrice),
		FilledQty:       parseDecimal(res.ExecutedQuantity),
		Price:           parseDecimal(res.Price),
	}
}

func classifyOrderErr(err error) error {
	if apiErr, ok := err.(*futures.APIError); ok {
		return Classify(APIError{Code: int(apiErr.Code), Msg: apiErr.Message})
	}
	return xerr.Wrap(xerr.ExchangeRejected, err)
}
