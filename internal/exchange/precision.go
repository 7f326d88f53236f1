// precision.go implements the symbol metadata cache and the two cached
// precision conversions (§4.1): amountToPrecision and priceToPrecision.
// Results are cached in a bounded, TTL-evicting LRU keyed by
// (symbol, value, mode) to avoid re-deriving the same rounding repeatedly
// under a hot reprice loop.
package exchange

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"time"

	"perp-gateway/pkg/types"
)

const (
	precisionCacheSize = 6000
	precisionCacheTTL  = 2 * time.Minute
)

// SymbolCache owns the bidirectional canonical/raw symbol maps and per-symbol
// metadata, plus the bounded-TTL precision result cache.
type SymbolCache struct {
	mu          sync.RWMutex
	byCanonical map[string]types.Symbol
	byRaw       map[string]types.Symbol

	precision *lru.LRU[string, decimal.Decimal]
}

// NewSymbolCache creates an empty symbol cache. Call Bootstrap (client.go) to
// populate it from exchange metadata.
func NewSymbolCache() *SymbolCache {
	return &SymbolCache{
		byCanonical: make(map[string]types.Symbol),
		byRaw:       make(map[string]types.Symbol),
		precision:   lru.NewLRU[string, decimal.Decimal](precisionCacheSize, nil, precisionCacheTTL),
	}
}

// Load replaces the symbol table wholesale, as done each time bootstrap (or
// its background retry) fetches exchange metadata.
func (c *SymbolCache) Load(symbols []types.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byCanonical = make(map[string]types.Symbol, len(symbols))
	c.byRaw = make(map[string]types.Symbol, len(symbols))
	for _, s := range symbols {
		c.byCanonical[s.Canonical] = s
		c.byRaw[s.Raw] = s
	}
}

// ByCanonical looks up a symbol by its canonical form.
func (c *SymbolCache) ByCanonical(canonical string) (types.Symbol, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byCanonical[canonical]
	return s, ok
}

// ByRaw looks up a symbol by its exchange wire form.
func (c *SymbolCache) ByRaw(raw string) (types.Symbol, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byRaw[raw]
	return s, ok
}

// AmountToPrecision rounds x to the symbol's amount step size. mode selects
// nearest/floor/ceil rounding; the result is cached.
func (c *SymbolCache) AmountToPrecision(canonical string, x decimal.Decimal, mode types.PrecisionMode) (decimal.Decimal, error) {
	sym, ok := c.ByCanonical(canonical)
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown symbol %q", canonical)
	}
	key := fmt.Sprintf("amt|%s|%s|%s", canonical, x.String(), mode)
	if v, ok := c.precision.Get(key); ok {
		return v, nil
	}
	v := roundToStep(x, sym.AmountStep, mode)
	c.precision.Add(key, v)
	return v, nil
}

// PriceToPrecision rounds x to the symbol's price tick size.
func (c *SymbolCache) PriceToPrecision(canonical string, x decimal.Decimal, mode types.PrecisionMode) (decimal.Decimal, error) {
	sym, ok := c.ByCanonical(canonical)
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown symbol %q", canonical)
	}
	key := fmt.Sprintf("px|%s|%s|%s", canonical, x.String(), mode)
	if v, ok := c.precision.Get(key); ok {
		return v, nil
	}
	v := roundToStep(x, sym.PriceTick, mode)
	c.precision.Add(key, v)
	return v, nil
}

// ClampToFilters clamps a price to the symbol's static PRICE_FILTER and
// dynamic PERCENT_PRICE band around the given mark price.
func ClampToFilters(sym types.Symbol, price, mark decimal.Decimal) decimal.Decimal {
	if !sym.MinPrice.IsZero() && price.LessThan(sym.MinPrice) {
		price = sym.MinPrice
	}
	if !sym.MaxPrice.IsZero() && price.GreaterThan(sym.MaxPrice) {
		price = sym.MaxPrice
	}
	if !mark.IsZero() {
		if !sym.MultiplierUp.IsZero() {
			upper := mark.Mul(sym.MultiplierUp)
			if price.GreaterThan(upper) {
				price = upper
			}
		}
		if !sym.MultiplierDown.IsZero() {
			lower := mark.Mul(sym.MultiplierDown)
			if price.LessThan(lower) {
				price = lower
			}
		}
	}
	return price
}

func roundToStep(x, step decimal.Decimal, mode types.PrecisionMode) decimal.Decimal {
	if step.IsZero() {
		return x
	}
	quotient := x.Div(step)
	var rounded decimal.Decimal
	switch mode {
	case types.RoundFloor:
		rounded = quotient.Floor()
	case types.RoundCeil:
		rounded = quotient.Ceil()
	default:
		rounded = quotient.Round(0)
	}
	return rounded.Mul(step)
}
