package risk

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-gateway/internal/events"
	"perp-gateway/pkg/types"
)

type fakePriceSource struct{ snap types.PriceSnapshot }

func (f fakePriceSource) Snapshot(symbol string) (types.PriceSnapshot, bool) {
	return f.snap, true
}

func newTestMonitor(t *testing.T, positions []types.Position, mark decimal.Decimal, bus *events.Bus) *Monitor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	prices := fakePriceSource{snap: types.PriceSnapshot{Symbol: "BTC-USDT-PERP", Mark: mark, LastTick: time.Now()}}
	return NewMonitor(0.01, fakePositions{positions: positions}, prices, bus, logger)
}

func healthyPosition() types.Position {
	return types.Position{
		ID:         "pos-1",
		SubAccount: "acct-1",
		Symbol:     "BTC-USDT-PERP",
		Side:       types.Long,
		EntryPrice: decimal.NewFromInt(60000),
		Quantity:   decimal.NewFromInt(1),
		Notional:   decimal.NewFromInt(60000),
		Margin:     decimal.NewFromInt(6000),
	}
}

func TestEvaluateHealthyPositionNoEscalation(t *testing.T) {
	t.Parallel()
	bus := events.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	ch, unsub := bus.Subscribe()
	defer unsub()

	m := newTestMonitor(t, []types.Position{healthyPosition()}, decimal.NewFromInt(60000), bus)
	m.sweep(context.Background())

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for healthy position: %+v", ev)
	default:
	}
}

func TestEvaluateLiquidationEscalation(t *testing.T) {
	t.Parallel()
	bus := events.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	ch, unsub := bus.Subscribe()
	defer unsub()

	// mark price crashed so unrealized loss wipes out nearly all margin,
	// pushing the margin ratio below the 0.01 liquidation threshold.
	m := newTestMonitor(t, []types.Position{healthyPosition()}, decimal.NewFromInt(54100), bus)
	m.sweep(context.Background())

	select {
	case ev := <-ch:
		if ev.Type != events.FullLiquidation {
			t.Fatalf("expected full_liquidation, got %v", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an escalation event, got none")
	}
}

func TestEvaluateSkipsDuplicateEscalation(t *testing.T) {
	t.Parallel()
	bus := events.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))

	m := newTestMonitor(t, nil, decimal.NewFromInt(54100), bus)
	pos := healthyPosition()

	m.evaluate(pos) // first escalation recorded
	ch, unsub := bus.Subscribe()
	defer unsub()
	m.evaluate(pos) // same position, same ratio: no repeat publish

	select {
	case ev := <-ch:
		t.Fatalf("expected no repeat event, got %+v", ev)
	default:
	}
}
