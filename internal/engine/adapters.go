package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"perp-gateway/internal/exchange"
)

// accountAdapter satisfies risk.AccountChecker. This gateway's single
// exchange API key backs every sub-account (§6), so there is no per-tenant
// active/frozen flag to check against the exchange itself; freezing a
// sub-account is an operational decision made outside this process (e.g. by
// simply not issuing it new chases/momentum instances). IsActive therefore
// always reports true — the exchange-side checks that follow it in
// Gate.Validate (leverage, notional, exposure, margin) are what actually
// gate the trade.
type accountAdapter struct{}

func (accountAdapter) IsActive(ctx context.Context, subAccount string) (bool, error) {
	return true, nil
}

// balanceAdapter satisfies risk.BalanceProvider. Every sub-account reads the
// same shared exchange margin balance, for the same single-account reason
// accountAdapter exists: the exchange has no concept of the gateway's
// sub-accounts.
type balanceAdapter struct {
	client *exchange.Client
}

func (a *balanceAdapter) AvailableBalance(ctx context.Context, subAccount string) (decimal.Decimal, error) {
	return a.client.FetchBalance(ctx)
}

// positionSourceAdapter satisfies reconciler.PositionSource: it reports
// whether the exchange currently carries a live position for a symbol, used
// by the orphan-reconciliation sweep.
type positionSourceAdapter struct {
	client *exchange.Client
}

func (a *positionSourceAdapter) HasLivePosition(ctx context.Context, symbol string) (bool, error) {
	positions, err := a.client.FetchPositions(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return true, nil
		}
	}
	return false, nil
}
