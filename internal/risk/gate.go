// Package risk implements the Risk Gate (RG): pre-trade validation (§4.6)
// and the continuous liquidation-trigger monitor (§4.4 deleverage /
// position-close triggers).
package risk

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"perp-gateway/internal/config"
	"perp-gateway/internal/xerr"
	"perp-gateway/pkg/types"
)

// AccountChecker reports whether a sub-account is active and may trade.
type AccountChecker interface {
	IsActive(ctx context.Context, subAccount string) (bool, error)
}

// BalanceProvider reports the exchange-side available margin balance backing
// a sub-account.
type BalanceProvider interface {
	AvailableBalance(ctx context.Context, subAccount string) (decimal.Decimal, error)
}

// PositionLister supplies the open positions a sub-account currently holds,
// used to compute total exposure. Satisfied by *ledger.Store.
type PositionLister interface {
	ListOpenPositions(ctx context.Context) ([]types.Position, error)
}

// ValidateRequest is one proposed trade awaiting pre-trade approval.
type ValidateRequest struct {
	SubAccount     string
	Symbol         string
	Side           types.OrderSide
	Quantity       decimal.Decimal
	Leverage       int
	ReferencePrice decimal.Decimal
}

// Gate is the pre-trade validator.
type Gate struct {
	cfg      config.RiskConfig
	ledger   PositionLister
	accounts AccountChecker
	balances BalanceProvider
	logger   *slog.Logger
}

// NewGate constructs the pre-trade Risk Gate.
func NewGate(cfg config.RiskConfig, ledgerStore PositionLister, accounts AccountChecker, balances BalanceProvider, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:      cfg,
		ledger:   ledgerStore,
		accounts: accounts,
		balances: balances,
		logger:   logger.With("component", "risk_gate"),
	}
}

// Validate runs every pre-trade check in §4.6 order and returns the first
// structured violation, or nil if the trade may proceed.
func (g *Gate) Validate(ctx context.Context, req ValidateRequest) error {
	active, err := g.accounts.IsActive(ctx, req.SubAccount)
	if err != nil {
		return xerr.Wrap(xerr.AccountNotFound, err)
	}
	if !active {
		return xerr.New(xerr.AccountFrozen, "sub-account is frozen")
	}

	if req.Leverage < 1 || req.Leverage > g.cfg.MaxLeverage {
		return xerr.New(xerr.MaxLeverage, "leverage outside permitted range")
	}

	if req.ReferencePrice.IsZero() {
		return xerr.New(xerr.NoPrice, "no reference price available for symbol")
	}

	notional := req.Quantity.Mul(req.ReferencePrice)
	maxNotional := decimal.NewFromFloat(g.cfg.MaxNotionalPerTrade)
	if notional.GreaterThan(maxNotional) {
		return xerr.New(xerr.MaxNotional, "trade notional exceeds per-trade cap")
	}

	exposure, err := g.totalExposure(ctx, req.SubAccount)
	if err != nil {
		return xerr.Wrap(xerr.AccountNotFound, err)
	}
	maxExposure := decimal.NewFromFloat(g.cfg.MaxTotalExposure)
	if exposure.Add(notional).GreaterThan(maxExposure) {
		return xerr.New(xerr.MaxExposure, "post-trade exposure exceeds account cap")
	}

	leverageDec := decimal.NewFromInt(int64(req.Leverage))
	postTradeMarginRatio := decimal.NewFromInt(1).Div(leverageDec)
	liquidationThreshold := decimal.NewFromFloat(g.cfg.LiquidationMarginRatio)
	if postTradeMarginRatio.LessThan(liquidationThreshold) {
		return xerr.New(xerr.MarginRatioExceeded, "post-trade margin ratio breaches liquidation threshold")
	}

	requiredMargin := notional.Div(leverageDec)
	available, err := g.balances.AvailableBalance(ctx, req.SubAccount)
	if err != nil {
		return xerr.Wrap(xerr.AccountNotFound, err)
	}
	if available.LessThan(requiredMargin) {
		return xerr.New(xerr.InsufficientMargin, "available balance insufficient for required margin")
	}

	return nil
}

func (g *Gate) totalExposure(ctx context.Context, subAccount string) (decimal.Decimal, error) {
	positions, err := g.ledger.ListOpenPositions(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range positions {
		if p.SubAccount != subAccount {
			continue
		}
		total = total.Add(p.Notional)
	}
	return total, nil
}
