// Package engine is the central orchestrator of the execution-and-
// reconciliation gateway.
//
// It wires together every subsystem:
//
//  1. The Exchange Connector streams market ticks and account order updates.
//  2. The Price Cache & Event Bus fans ticks out to the Chase and Momentum
//     engines and persists the latest snapshot to Redis.
//  3. The Chase and Momentum engines own every live reprice/SURF state
//     machine and place/cancel orders through the connector.
//  4. The Order Reconciler turns order updates (fast user-stream path, slow
//     REST poll, orphan sweep) into Position Ledger writes.
//  5. The Risk Gate validates every new chase/momentum instance before it is
//     allowed to start; the Risk Monitor continuously watches margin ratio
//     on open positions.
//  6. The API server exposes start/cancel endpoints and a WebSocket event
//     feed, backed by the same event bus.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perp-gateway/internal/api"
	"perp-gateway/internal/chase"
	"perp-gateway/internal/config"
	"perp-gateway/internal/events"
	"perp-gateway/internal/exchange"
	"perp-gateway/internal/ledger"
	"perp-gateway/internal/momentum"
	"perp-gateway/internal/priceboard"
	"perp-gateway/internal/reconciler"
	"perp-gateway/internal/risk"
	"perp-gateway/internal/snapshotstore"
)

// bootstrapTimeout bounds the context Start passes to the Exchange
// Connector's initial Bootstrap call. A failed bootstrap is logged and Start
// carries on in degraded mode rather than returning an error.
const bootstrapTimeout = 30 * time.Second

// fillStatus is the single exchange order status the user-stream fast path
// treats as a chase fill. Partial fills and terminal-but-not-filled
// statuses (CANCELED, EXPIRED, REJECTED) are left to the Chase Engine's own
// reprice loop and to the reconciler's REST poll / orphan sweep.
const fillStatus = "FILLED"

// Engine orchestrates every component of the gateway. It owns the lifecycle
// of all goroutines and is the only type cmd/gateway touches directly.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	client       *exchange.Client
	marketStream *exchange.MarketStream
	userStream   *exchange.UserStream

	snaps  *snapshotstore.Store
	ledger *ledger.Store
	prices *priceboard.Board
	bus    *events.Bus

	riskGate    *risk.Gate
	riskMonitor *risk.Monitor

	chases   *chase.Engine
	momentum *momentum.Engine
	recon    *reconciler.Reconciler

	hub       *api.Hub
	apiServer *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component together but starts nothing.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	client := exchange.NewClient(*cfg, logger)

	snaps := snapshotstore.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	ledgerStore, err := ledger.New(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConn, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	bus := events.New(logger)
	prices := priceboard.New(snaps, logger)

	accounts := &accountAdapter{}
	balances := &balanceAdapter{client: client}
	riskGate := risk.NewGate(cfg.Risk, ledgerStore, accounts, balances, logger)
	riskMonitor := risk.NewMonitor(cfg.Risk.LiquidationMarginRatio, ledgerStore, prices, bus, logger)

	positions := &positionSourceAdapter{client: client}
	recon := reconciler.New(client, ledgerStore, positions, snaps, bus, logger)

	chaseEngine := chase.New(cfg.Chase.MaxActive, client, client.Symbols(), prices, ledgerStore, snaps, recon, bus, logger)
	momentumEngine := momentum.New(cfg.Momentum.MaxActive, chaseEngine, client.Symbols(), prices, snaps, bus, logger)

	hub := api.NewHub(bus, logger)
	handlers := api.NewHandlers(chaseEngine, momentumEngine, riskGate, prices, hub, logger)
	apiServer := api.NewServer(cfg.API.Addr, handlers, hub, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:         cfg,
		logger:      logger.With("component", "engine"),
		client:      client,
		snaps:       snaps,
		ledger:      ledgerStore,
		prices:      prices,
		bus:         bus,
		riskGate:    riskGate,
		riskMonitor: riskMonitor,
		chases:      chaseEngine,
		momentum:    momentumEngine,
		recon:       recon,
		hub:         hub,
		apiServer:   apiServer,
		ctx:         ctx,
		cancel:      cancel,
	}

	e.marketStream = exchange.NewMarketStream(cfg.Exchange.WSBaseURL, client.Symbols(), e.onTick, logger)
	e.userStream = exchange.NewUserStream(client, cfg.Exchange.WSBaseURL, e.onOrderUpdate, logger)

	return e, nil
}

// Start brings the Exchange Connector up, resumes every chase/momentum
// instance from its durable snapshot, subscribes the configured trading
// universe, and launches every background goroutine.
func (e *Engine) Start() error {
	bootCtx, bootCancel := context.WithTimeout(e.ctx, bootstrapTimeout)
	if err := e.client.Bootstrap(bootCtx); err != nil {
		// Bootstrap already kicked off retryBootstrap in the background;
		// degraded mode is a running state, not a startup failure.
		e.logger.Warn("exchange connector starting in degraded mode", "error", err)
	}
	bootCancel()

	if err := e.chases.RestartRecover(e.ctx); err != nil {
		e.logger.Error("chase recovery failed", "error", err)
	}
	if err := e.momentum.RestartRecover(e.ctx); err != nil {
		e.logger.Error("momentum recovery failed", "error", err)
	}

	e.runGoroutine(func() { e.marketStream.Run(e.ctx) })
	e.runGoroutine(func() {
		if err := e.userStream.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("user stream stopped", "error", err)
		}
	})
	e.runGoroutine(func() { e.chases.Run(e.ctx) })
	e.runGoroutine(func() { e.momentum.Run(e.ctx) })
	e.runGoroutine(func() { e.recon.Run(e.ctx) })
	e.runGoroutine(func() { e.riskMonitor.Run(e.ctx) })
	e.runGoroutine(func() {
		if err := e.apiServer.Run(e.ctx); err != nil {
			e.logger.Error("api server stopped", "error", err)
		}
	})

	if err := e.marketStream.Subscribe(e.ctx, e.cfg.Symbols); err != nil {
		e.logger.Error("initial symbol subscription failed", "error", err)
	}

	e.logger.Info("gateway started", "symbols", e.cfg.Symbols, "dry_run", e.cfg.DryRun)
	return nil
}

// Stop cancels every background goroutine, shuts the API server down
// gracefully, and waits for everything to settle.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := e.apiServer.Stop(stopCtx); err != nil {
		e.logger.Error("api server shutdown error", "error", err)
	}
	stopCancel()

	e.cancel()
	e.wg.Wait()

	e.logger.Info("shutdown complete")
}

func (e *Engine) runGoroutine(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// onTick is the Exchange Connector's market-stream callback: every decoded
// tick is written into the Price Cache & Event Bus, which throttles the
// external cache write and the price-event emission itself.
func (e *Engine) onTick(t exchange.Tick) {
	e.prices.Update(e.ctx, t.Symbol, t.Mark, t.Bid, t.Ask, t.Time)
}

// onOrderUpdate is the Exchange Connector's user-stream callback. The
// account-wide order stream carries no sub-account of its own, so every
// update is routed down two independent paths: the Chase Engine's
// self-contained fast path (it matches by exchange order id against its own
// in-memory chases and safely no-ops otherwise), and the Order Reconciler's
// account-scoped path, reached by first resolving the owning sub-account
// from the ledger. A CHASE_LIMIT pending order is deliberately excluded
// from that ledger lookup (see FindPendingOrderByExchangeIDAny) since the
// chase path above already owns it.
func (e *Engine) onOrderUpdate(upd exchange.OrderUpdate) {
	if upd.Status == fillStatus {
		e.chases.FillObserved(e.ctx, upd.ExchangeOrderID, upd.AvgPrice, upd.FilledQty)
	}

	pending, err := e.ledger.FindPendingOrderByExchangeIDAny(e.ctx, upd.ExchangeOrderID)
	if err != nil {
		if err != ledger.ErrNotFound {
			e.logger.Error("resolve sub-account for order update", "error", err, "exchange_order_id", upd.ExchangeOrderID)
		}
		return
	}

	if err := e.recon.HandleExchangeOrderUpdate(e.ctx, reconciler.OrderUpdate{
		SubAccount: pending.SubAccount,
		Symbol:     upd.Symbol,
		OrderID:    upd.ExchangeOrderID,
		Status:     upd.Status,
		AvgPrice:   upd.AvgPrice,
		Price:      upd.Price,
		FilledQty:  upd.FilledQty,
	}); err != nil {
		e.logger.Error("handle exchange order update", "error", err, "exchange_order_id", upd.ExchangeOrderID)
	}
}
