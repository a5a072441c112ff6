package strategies

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/mev-executor/engine"
)

type ArbitragePair struct {
	Name string `yaml:"name"`
	// Token is bought and sold back, the spread is measured in it
	Token    common.Address `yaml:"token"`
	Decimals int32          `yaml:"decimals"`
	Via      common.Address `yaml:"via"`
	PoolA    common.Address `yaml:"pool_a"`
	PoolB    common.Address `yaml:"pool_b"`
	// Amount is the raw amount of Token put into the first pool
	Amount string `yaml:"amount"`

	amount *big.Int
}

type ArbitrageConfig struct {
	Executor Executor        `yaml:",inline"`
	Pairs    []ArbitragePair `yaml:"pairs"`
}

type arbitragePayload struct {
	Token    common.Address `json:"token"`
	Decimals int32          `json:"decimals"`
	Via      common.Address `json:"via"`
	BuyPool  common.Address `json:"buyPool"`
	SellPool common.Address `json:"sellPool"`
	AmountIn *hexutil.Big   `json:"amountIn"`
}

// Arbitrage captures price differences of the same pair on two pools
type Arbitrage struct {
	name string
	cfg  ArbitrageConfig
	deps Deps
}

func NewArbitrage(name string, cfg ArbitrageConfig, deps Deps) (*Arbitrage, error) {
	if err := cfg.Executor.validate(name); err != nil {
		return nil, err
	}
	for i := range cfg.Pairs {
		amount, ok := new(big.Int).SetString(cfg.Pairs[i].Amount, 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: %s: pair %s: invalid amount %q", ErrInvalidConfig, name, cfg.Pairs[i].Name, cfg.Pairs[i].Amount)
		}
		cfg.Pairs[i].amount = amount
	}
	return &Arbitrage{name: name, cfg: cfg, deps: deps}, nil
}

func (a *Arbitrage) Name() string { return a.name }

func (a *Arbitrage) Kind() engine.Kind { return engine.KindArbitrage }

// Detect evaluates every pair on new blocks and the pairs of the touched pool on pending transactions
func (a *Arbitrage) Detect(ctx context.Context, ev *engine.Event) ([]*engine.Opportunity, error) {
	var (
		res  []*engine.Opportunity
		errs []error
	)
	for _, pair := range a.cfg.Pairs {
		if ev.Type == engine.EventPendingTx && (ev.To == nil || (*ev.To != pair.PoolA && *ev.To != pair.PoolB)) {
			continue
		}
		opp, err := a.detectPair(ctx, ev, pair)
		if err != nil {
			errs = append(errs, fmt.Errorf("pair %s: %w", pair.Name, err))
			continue
		}
		if opp != nil {
			res = append(res, opp)
		}
	}
	return res, errors.Join(errs...)
}

func (a *Arbitrage) detectPair(ctx context.Context, ev *engine.Event, pair ArbitragePair) (*engine.Opportunity, error) {
	var (
		best       *arbitragePayload
		bestSpread *big.Int
	)
	for _, pools := range [][2]common.Address{{pair.PoolA, pair.PoolB}, {pair.PoolB, pair.PoolA}} {
		p := &arbitragePayload{
			Token:    pair.Token,
			Decimals: pair.Decimals,
			Via:      pair.Via,
			BuyPool:  pools[0],
			SellPool: pools[1],
			AmountIn: (*hexutil.Big)(pair.amount),
		}
		spread, err := a.spread(ctx, p)
		if err != nil {
			return nil, err
		}
		if spread.Sign() > 0 && (bestSpread == nil || spread.Cmp(bestSpread) > 0) {
			best, bestSpread = p, spread
		}
	}
	if best == nil {
		return nil, nil
	}

	gross, err := a.value(ctx, best, bestSpread)
	if err != nil {
		return nil, err
	}
	payload, err := encodePayload(best)
	if err != nil {
		return nil, err
	}
	return &engine.Opportunity{
		Identity:        identity(a.name, best.BuyPool.Bytes(), best.SellPool.Bytes(), best.Token.Bytes(), best.Via.Bytes()),
		Payload:         payload,
		EstimatedProfit: netProfit(gross, blockFee(ev), a.cfg.Executor.GasLimit),
	}, nil
}

// spread is the amount of Token gained by buying on BuyPool and selling back on SellPool
func (a *Arbitrage) spread(ctx context.Context, p *arbitragePayload) (*big.Int, error) {
	amountIn := toBig(p.AmountIn)
	mid, err := quote(ctx, a.deps.Adapter, p.BuyPool, p.Token, p.Via, amountIn)
	if err != nil {
		return nil, err
	}
	out, err := quote(ctx, a.deps.Adapter, p.SellPool, p.Via, p.Token, mid)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Sub(out, amountIn), nil
}

func (a *Arbitrage) value(ctx context.Context, p *arbitragePayload, spread *big.Int) (*big.Int, error) {
	price, err := a.deps.Prices.PriceOf(ctx, p.Token)
	if err != nil {
		return nil, err
	}
	return valueInWei(spread, p.Decimals, price), nil
}

func (a *Arbitrage) Validate(ctx context.Context, opp *engine.Opportunity) error {
	var p arbitragePayload
	if err := decodePayload(opp, &p); err != nil {
		return err
	}
	spread, err := a.spread(ctx, &p)
	if err != nil {
		return err
	}
	if spread.Sign() <= 0 {
		return fmt.Errorf("%w: spread %s", ErrOpportunityGone, spread)
	}
	return nil
}

func (a *Arbitrage) EstimateProfit(ctx context.Context, opp *engine.Opportunity, fee engine.FeeMarket) (*big.Int, error) {
	var p arbitragePayload
	if err := decodePayload(opp, &p); err != nil {
		return nil, err
	}
	spread, err := a.spread(ctx, &p)
	if err != nil {
		return nil, err
	}
	gross, err := a.value(ctx, &p, spread)
	if err != nil {
		return nil, err
	}
	return netProfit(gross, fee, a.cfg.Executor.GasLimit), nil
}

func (a *Arbitrage) Execute(ctx context.Context, opp *engine.Opportunity, leg engine.Leg) (*engine.TxRequest, error) {
	return a.cfg.Executor.request(ctx, a.deps.Adapter, opp, leg, nil)
}

// quote returns the amount of tokenOut the pool gives for amountIn of tokenIn
func quote(ctx context.Context, adapter engine.ProtocolAdapter, pool, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	var out hexutil.Big
	err := adapter.ReadState(ctx, QuoteMethod, &out, pool, tokenIn, tokenOut, (*hexutil.Big)(amountIn))
	if err != nil {
		return nil, err
	}
	return out.ToInt(), nil
}
