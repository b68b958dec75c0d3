package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// The filter cache is process-wide and read-mostly: concurrent readers
// take the RLock, refresh happens on miss or after the TTL.
const filtersTTL = time.Hour

// Filters returns the trading rules for a symbol, refreshing the cache
// on miss or expiry.
func (c *Client) Filters(ctx context.Context, symbol string) (SymbolFilters, error) {
	c.filtersMu.RLock()
	f, ok := c.filters[symbol]
	fresh := time.Since(c.filtersAt) < filtersTTL
	c.filtersMu.RUnlock()

	if ok && fresh {
		return f, nil
	}

	if err := c.RefreshFilters(ctx); err != nil {
		// Serve stale on refresh failure rather than blocking trading.
		if ok {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Filter refresh failed, serving cached")
			return f, nil
		}
		return SymbolFilters{}, err
	}

	c.filtersMu.RLock()
	defer c.filtersMu.RUnlock()
	f, ok = c.filters[symbol]
	if !ok {
		return SymbolFilters{}, fmt.Errorf("unknown symbol %s", symbol)
	}
	return f, nil
}

// RefreshFilters reloads exchangeInfo for all symbols.
func (c *Client) RefreshFilters(ctx context.Context) error {
	var raw struct {
		Symbols []struct {
			Symbol             string `json:"symbol"`
			PricePrecision     int    `json:"quotePrecision"`
			QtyPrecision       int    `json:"baseAssetPrecision"`
			Filters            []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.getJSON(ctx, "/api/v3/exchangeInfo", &raw); err != nil {
		return fmt.Errorf("exchangeInfo: %w", err)
	}

	next := make(map[string]SymbolFilters, len(raw.Symbols))
	for _, s := range raw.Symbols {
		f := SymbolFilters{
			Symbol:         s.Symbol,
			PricePrecision: s.PricePrecision,
			QtyPrecision:   s.QtyPrecision,
		}
		for _, fl := range s.Filters {
			switch fl.FilterType {
			case "PRICE_FILTER":
				f.PriceTick, _ = decimal.NewFromString(fl.TickSize)
			case "LOT_SIZE":
				f.QtyStep, _ = decimal.NewFromString(fl.StepSize)
			case "MIN_NOTIONAL", "NOTIONAL":
				f.MinNotional, _ = decimal.NewFromString(fl.MinNotional)
			}
		}
		next[s.Symbol] = f
	}

	c.filtersMu.Lock()
	c.filters = next
	c.filtersAt = time.Now()
	c.filtersMu.Unlock()

	log.Debug().Int("symbols", len(next)).Msg("Exchange filters refreshed")
	return nil
}

// SnapPrice floors a price to the symbol's tick size.
func (f SymbolFilters) SnapPrice(price decimal.Decimal) decimal.Decimal {
	if f.PriceTick.IsZero() {
		return price
	}
	return price.Div(f.PriceTick).Floor().Mul(f.PriceTick)
}

// SnapQty floors a quantity to the symbol's step size.
func (f SymbolFilters) SnapQty(qty decimal.Decimal) decimal.Decimal {
	if f.QtyStep.IsZero() {
		return qty
	}
	return qty.Div(f.QtyStep).Floor().Mul(f.QtyStep)
}

// Validate checks (symbol, price, quantity) against the exchange rules.
// The returned string names the violated filter, empty when conforming.
func (f SymbolFilters) Validate(price, qty decimal.Decimal) string {
	if !f.PriceTick.IsZero() && !price.Mod(f.PriceTick).IsZero() {
		return "PRICE_FILTER"
	}
	if !f.QtyStep.IsZero() && !qty.Mod(f.QtyStep).IsZero() {
		return "LOT_SIZE"
	}
	if !f.MinNotional.IsZero() && qty.Mul(price).LessThan(f.MinNotional) {
		return "MIN_NOTIONAL"
	}
	return ""
}
