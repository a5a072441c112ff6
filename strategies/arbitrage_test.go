package strategies

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/mev-executor/engine"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type rate struct{ num, den int64 }

// quoteHandler prices swaps as amountIn * num / den per pool and input token
func quoteHandler(rates map[common.Address]map[common.Address]rate) func(params []any) (any, error) {
	return func(params []any) (any, error) {
		pool := params[0].(common.Address)
		tokenIn := params[1].(common.Address)
		amountIn := params[3].(*hexutil.Big).ToInt()
		r := rates[pool][tokenIn]
		out := new(big.Int).Mul(amountIn, big.NewInt(r.num))
		return (*hexutil.Big)(out.Quo(out, big.NewInt(r.den))), nil
	}
}

func eth(v string) *big.Int {
	return decimal.RequireFromString(v).Mul(weiPerEth).BigInt()
}

func newTestArbitrage(t *testing.T) (*Arbitrage, *testAdapter, map[common.Address]map[common.Address]rate) {
	t.Helper()
	rates := map[common.Address]map[common.Address]rate{
		poolA: {tokenT: {2, 1}, tokenV: {1, 2}},
		poolB: {tokenT: {2, 1}, tokenV: {11, 20}},
	}
	adapter := newTestAdapter()
	adapter.handle(QuoteMethod, quoteHandler(rates))

	arb, err := NewArbitrage("weth-usdc", ArbitrageConfig{
		Executor: testExecutor(),
		Pairs: []ArbitragePair{{
			Name:     "T/V",
			Token:    tokenT,
			Decimals: 18,
			Via:      tokenV,
			PoolA:    poolA,
			PoolB:    poolB,
			Amount:   "10000000000000000000",
		}},
	}, Deps{Adapter: adapter, Prices: testPrices{tokenT: decimal.RequireFromString("0.5")}})
	require.NoError(t, err)
	return arb, adapter, rates
}

func TestNewArbitrage_InvalidConfig(t *testing.T) {
	_, err := NewArbitrage("arb", ArbitrageConfig{}, Deps{})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewArbitrage("arb", ArbitrageConfig{Executor: testExecutor(), Pairs: []ArbitragePair{{Name: "x", Amount: "-1"}}}, Deps{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestArbitrage_Detect(t *testing.T) {
	arb, adapter, _ := newTestArbitrage(t)
	ctx := context.Background()

	opps, err := arb.Detect(ctx, &engine.Event{Type: engine.EventBlock, BlockNumber: 10, BaseFee: big.NewInt(10_000_000_000)})
	require.NoError(t, err)
	require.Len(t, opps, 1)

	opp := opps[0]
	// 10 T in, 11 T out at 0.5 ETH, minus 200k gas at 10 gwei
	require.Equal(t, new(big.Int).Sub(eth("0.5"), eth("0.002")).String(), opp.EstimatedProfit.String())
	require.Equal(t, identity("weth-usdc", poolA.Bytes(), poolB.Bytes(), tokenT.Bytes(), tokenV.Bytes()), opp.Identity)

	var p arbitragePayload
	require.NoError(t, decodePayload(opp, &p))
	require.Equal(t, poolA, p.BuyPool)
	require.Equal(t, poolB, p.SellPool)

	// pending transactions only re-evaluate pairs of the touched pool
	calls := adapter.callCount(QuoteMethod)
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")
	opps, err = arb.Detect(ctx, &engine.Event{Type: engine.EventPendingTx, To: &other})
	require.NoError(t, err)
	require.Empty(t, opps)
	require.Equal(t, calls, adapter.callCount(QuoteMethod))

	opps, err = arb.Detect(ctx, &engine.Event{Type: engine.EventPendingTx, To: &poolB})
	require.NoError(t, err)
	require.Len(t, opps, 1)
	require.Equal(t, opp.Identity, opps[0].Identity)
}

func TestArbitrage_NoSpread(t *testing.T) {
	arb, _, rates := newTestArbitrage(t)
	rates[poolB][tokenV] = rate{1, 2}

	opps, err := arb.Detect(context.Background(), &engine.Event{Type: engine.EventBlock})
	require.NoError(t, err)
	require.Empty(t, opps)
}

func TestArbitrage_ValidateAndExecute(t *testing.T) {
	arb, _, rates := newTestArbitrage(t)
	ctx := context.Background()

	opps, err := arb.Detect(ctx, &engine.Event{Type: engine.EventBlock})
	require.NoError(t, err)
	require.Len(t, opps, 1)
	opp := opps[0]

	require.NoError(t, arb.Validate(ctx, opp))
	profit, err := arb.EstimateProfit(ctx, opp, engine.FeeMarket{BaseFee: big.NewInt(20_000_000_000), PriorityFee: big.NewInt(5_000_000_000)})
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Sub(eth("0.5"), eth("0.005")).String(), profit.String())

	req, err := arb.Execute(ctx, opp, engine.LegSingle)
	require.NoError(t, err)
	require.Equal(t, testContract, req.To)
	require.Equal(t, uint64(200_000), req.GasLimit)
	require.Equal(t, []byte{0xca, byte(engine.LegSingle)}, []byte(req.Data))
	require.NoError(t, req.Validate())

	// someone else took the spread
	rates[poolB][tokenV] = rate{1, 2}
	err = arb.Validate(ctx, opp)
	require.ErrorIs(t, err, ErrOpportunityGone)
	require.Equal(t, engine.ClassValidation, engine.Classify(err))

	_, err = arb.EstimateProfit(ctx, &engine.Opportunity{Payload: []byte("not json")}, engine.FeeMarket{})
	require.ErrorIs(t, err, ErrInvalidPayload)
	require.Equal(t, engine.ClassFatal, engine.Classify(err))
}
