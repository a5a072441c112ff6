// Package strategies contains the opportunity detectors the executor ships with.
// Strategies only reason about values and thresholds, everything protocol specific
// (pool quotes, positions, calldata) goes through the engine.ProtocolAdapter.
package strategies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/mev-executor/engine"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

var (
	ErrOpportunityGone = fmt.Errorf("%w: opportunity no longer exists", engine.ErrValidation)
	ErrInvalidPayload  = fmt.Errorf("%w: invalid opportunity payload", engine.ErrFatal)
	ErrInvalidConfig   = errors.New("invalid strategy config")
)

// adapter queries, answered by the protocol adapter service
const (
	QuoteMethod            = "adapter_quote"
	QuoteRouteMethod       = "adapter_quoteRoute"
	PositionsMethod        = "adapter_positions"
	PositionMethod         = "adapter_position"
	PoolPriceMethod        = "adapter_poolPrice"
	SimulateSandwichMethod = "adapter_simulateSandwich"
)

var weiPerEth = decimal.New(1, 18)

// Prices is implemented by engine.PriceFeed, values are in ETH per whole token
type Prices interface {
	PriceOf(ctx context.Context, token common.Address) (decimal.Decimal, error)
}

// Deps are the collaborators shared by all strategies
type Deps struct {
	Adapter engine.ProtocolAdapter
	Prices  Prices
}

// identity hashes the kind tag together with the target of an opportunity
func identity(tag string, parts ...[]byte) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(tag))
	for _, p := range parts {
		hasher.Write(p)
	}
	return common.BytesToHash(hasher.Sum(nil))
}

func encodePayload(v any) (hexutil.Bytes, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func decodePayload(opp *engine.Opportunity, v any) error {
	if err := json.Unmarshal(opp.Payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// valueInWei converts a raw token amount to wei using the token price in ETH
func valueInWei(amount *big.Int, decimals int32, price decimal.Decimal) *big.Int {
	return decimal.NewFromBigInt(amount, -decimals).Mul(price).Mul(weiPerEth).BigInt()
}

func toBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToInt()
}

// netProfit subtracts the gas cost of gasLimit under fee from gross
func netProfit(gross *big.Int, fee engine.FeeMarket, gasLimit uint64) *big.Int {
	return new(big.Int).Sub(gross, fee.GasCost(gasLimit))
}

// blockFee is the fee market seen by detection, block events carry the base fee only
func blockFee(ev *engine.Event) engine.FeeMarket {
	return engine.FeeMarket{BaseFee: ev.BaseFee}
}

// Executor is the part of every strategy config describing how transactions are sent
type Executor struct {
	// Contract receives every transaction of the strategy
	Contract common.Address `yaml:"contract"`
	GasLimit uint64         `yaml:"gas_limit"`
}

func (e Executor) validate(name string) error {
	if e.Contract == (common.Address{}) {
		return fmt.Errorf("%w: %s: contract is not set", ErrInvalidConfig, name)
	}
	if e.GasLimit == 0 {
		return fmt.Errorf("%w: %s: gas_limit is not set", ErrInvalidConfig, name)
	}
	return nil
}

// request asks the adapter for the calldata of a leg and wraps it into a transaction to the executor contract
func (e Executor) request(ctx context.Context, adapter engine.ProtocolAdapter, opp *engine.Opportunity, leg engine.Leg, value *big.Int) (*engine.TxRequest, error) {
	data, err := adapter.BuildCalldata(ctx, opp, leg)
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = new(big.Int)
	}
	return &engine.TxRequest{
		To:       e.Contract,
		Data:     data,
		Value:    value,
		GasLimit: e.GasLimit,
	}, nil
}
