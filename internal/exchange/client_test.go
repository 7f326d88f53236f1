package exchange

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-gateway/internal/xerr"
	"perp-gateway/pkg/types"
)

func newDryRunClient() *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Client{
		dryRun: true,
		rl:     NewRateLimiter(),
		slots:  NewOrderSlots(10),
		cb:     NewCircuitBreaker(),
		syms:   NewSymbolCache(),
		logger: logger,
	}
}

func TestDryRunPlaceLimitOrder(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	res, err := c.PlaceLimitOrder(context.Background(), OrderRequest{
		Symbol:   "BTC-USDT-PERP",
		Side:     types.Buy,
		Price:    decimal.NewFromFloat(65000.5),
		Quantity: decimal.NewFromFloat(0.01),
	})
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	if res.Status != "NEW" {
		t.Errorf("Status = %q, want NEW", res.Status)
	}
	if res.ExchangeOrderID == "" {
		t.Error("expected a synthesized exchange order id")
	}
	if !res.Price.Equal(decimal.NewFromFloat(65000.5)) {
		t.Errorf("Price = %v, want 65000.5", res.Price)
	}
}

func TestDryRunPlaceMarketOrder(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	res, err := c.PlaceMarketOrder(context.Background(), OrderRequest{
		Symbol:   "BTC-USDT-PERP",
		Side:     types.Sell,
		Quantity: decimal.NewFromFloat(0.02),
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}
	if res.Status != "FILLED" {
		t.Errorf("Status = %q, want FILLED", res.Status)
	}
}

func TestDryRunCancelOrderNoop(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	if err := c.CancelOrder(context.Background(), "BTC-USDT-PERP", "123"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}

func TestDryRunPlaceBatchOrders(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	reqs := []OrderRequest{
		{Symbol: "BTC-USDT-PERP", Side: types.Buy, Price: decimal.NewFromInt(65000), Quantity: decimal.NewFromFloat(0.01)},
		{Symbol: "BTC-USDT-PERP", Side: types.Sell, Price: decimal.NewFromInt(65100), Quantity: decimal.NewFromFloat(0.01)},
	}

	results, errs := c.PlaceBatchOrders(context.Background(), reqs)
	if len(results) != 2 || len(errs) != 2 {
		t.Fatalf("expected 2 results and 2 errs, got %d/%d", len(results), len(errs))
	}
	for i, r := range results {
		if errs[i] != nil {
			t.Errorf("reqs[%d]: unexpected error %v", i, errs[i])
		}
		if r == nil || r.ExchangeOrderID == "" {
			t.Errorf("reqs[%d]: expected a synthesized order result", i)
		}
	}
}

func TestPlaceBatchOrdersRejectsOverLimit(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	reqs := make([]OrderRequest, batchOrderLimit+1)
	for i := range reqs {
		reqs[i] = OrderRequest{Symbol: "BTC-USDT-PERP", Side: types.Buy, Quantity: decimal.NewFromFloat(0.01)}
	}

	_, errs := c.PlaceBatchOrders(context.Background(), reqs)
	for i, err := range errs {
		if err == nil {
			t.Errorf("reqs[%d]: expected batch-limit error, got nil", i)
		}
	}
}

func TestPlaceLimitOrderRejectedWhileCircuitOpen(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()
	for i := 0; i < circuitBreakerThreshold; i++ {
		c.cb.RecordFailure()
	}

	_, err := c.PlaceLimitOrder(context.Background(), OrderRequest{
		Symbol:   "BTC-USDT-PERP",
		Side:     types.Buy,
		Price:    decimal.NewFromInt(65000),
		Quantity: decimal.NewFromFloat(0.01),
	})
	if !xerr.Is(err, xerr.CircuitOpen) {
		t.Fatalf("expected CircuitOpen error, got %v", err)
	}
}

func TestCanonicalize(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"BTCUSDT": "BTC-USDT-PERP",
		"ETHUSDT": "ETH-USDT-PERP",
		"INDEX":   "INDEX",
	}
	for raw, want := range cases {
		if got := canonicalize(raw); got != want {
			t.Errorf("canonicalize(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestParseDecimal(t *testing.T) {
	t.Parallel()
	if got := parseDecimal("0.001"); !got.Equal(decimal.NewFromFloat(0.001)) {
		t.Errorf("parseDecimal(0.001) = %v", got)
	}
	if got := parseDecimal(nil); !got.Equal(decimal.Zero) {
		t.Errorf("parseDecimal(nil) = %v, want zero", got)
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()
	c.readyCh = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := c.WaitReady(ctx); err == nil {
		t.Fatal("expected WaitReady to time out before Bootstrap closes readyCh")
	}
}
