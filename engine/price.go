package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-executor/spike"
	"github.com/shopspring/decimal"
)

const (
	DefaultPriceStaleness     = time.Hour
	DefaultPriceCacheDuration = 10 * time.Second
)

// PriceFeed wraps a PriceOracle with request coalescing and the staleness bound.
// Prices older than the bound are reported as ErrStaleData and must not be acted on.
type PriceFeed struct {
	prices    *spike.Manager[common.Address, Price]
	staleness time.Duration
	now       func() time.Time
}

func NewPriceFeed(oracle PriceOracle, staleness, cacheDuration time.Duration) *PriceFeed {
	if staleness <= 0 {
		staleness = DefaultPriceStaleness
	}
	if cacheDuration <= 0 {
		cacheDuration = DefaultPriceCacheDuration
	}
	return &PriceFeed{
		prices:    spike.NewManager(oracle.PriceOf, cacheDuration),
		staleness: staleness,
		now:       time.Now,
	}
}

func (f *PriceFeed) PriceOf(ctx context.Context, token common.Address) (decimal.Decimal, error) {
	price, err := f.prices.GetResult(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	if age := f.now().Sub(price.AsOf); age > f.staleness {
		return decimal.Zero, fmt.Errorf("%w: price of %s is %s old", ErrStaleData, token.Hex(), age.Truncate(time.Second))
	}
	if !price.Value.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price for %s", ErrValidation, token.Hex())
	}
	return price.Value, nil
}
