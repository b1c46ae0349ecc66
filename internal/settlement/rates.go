package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// RateProvider quotes how many fiat units buy one token.
type RateProvider interface {
	Rate(ctx context.Context, currency, token string) (decimal.Decimal, error)
}

// FixedRates is a static RateProvider keyed by "CURRENCY/TOKEN". Suitable for
// demo mode and tests; production wires a market data feed behind the same
// interface.
type FixedRates struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

// NewFixedRates creates a provider from a rate table.
func NewFixedRates(rates map[string]decimal.Decimal) *FixedRates {
	cp := make(map[string]decimal.Decimal, len(rates))
	for k, v := range rates {
		cp[k] = v
	}
	return &FixedRates{rates: cp}
}

// DefaultRates returns the demo rate table.
func DefaultRates() *FixedRates {
	return NewFixedRates(map[string]decimal.Decimal{
		"KES/USDC": decimal.NewFromInt(134),
	})
}

func (f *FixedRates) Rate(ctx context.Context, currency, token string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rate, ok := f.rates[currency+"/"+token]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrNoRate, currency, token)
	}
	if rate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: %s/%s is not positive", ErrNoRate, currency, token)
	}
	return rate, nil
}

// Set updates a rate. Test hook.
func (f *FixedRates) Set(currency, token string, rate decimal.Decimal) {
	f.mu.Lock()
	f.rates[currency+"/"+token] = rate
	f.mu.Unlock()
}
