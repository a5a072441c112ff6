package strategies

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/mev-executor/engine"
	"github.com/shopspring/decimal"
)

const DefaultOrderTimeout = 12 * time.Second

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

type TimedOrderPair struct {
	Name     string         `yaml:"name"`
	Pool     common.Address `yaml:"pool"`
	Token    common.Address `yaml:"token"`
	Decimals int32          `yaml:"decimals"`
	// Size is the raw token amount of one order
	Size string `yaml:"size"`

	size *big.Int
}

type TimedOrderConfig struct {
	Executor Executor         `yaml:",inline"`
	Pairs    []TimedOrderPair `yaml:"pairs"`
	// Threshold is the minimal relative difference between pool and reference price, 0.005 is 0.5%
	Threshold float64 `yaml:"threshold"`
	// OrderTimeout is how long an order stays valid after detection
	OrderTimeout time.Duration `yaml:"order_timeout"`
}

type timedOrderPayload struct {
	Pool     common.Address `json:"pool"`
	Token    common.Address `json:"token"`
	Decimals int32          `json:"decimals"`
	Size     *hexutil.Big   `json:"size"`
	Side     OrderSide      `json:"side"`
}

// TimedOrder trades a pool towards the oracle reference price. Orders are short-lived,
// the gate drops them once OrderTimeout has passed since detection.
type TimedOrder struct {
	name      string
	cfg       TimedOrderConfig
	deps      Deps
	threshold decimal.Decimal
}

func NewTimedOrder(name string, cfg TimedOrderConfig, deps Deps) (*TimedOrder, error) {
	if err := cfg.Executor.validate(name); err != nil {
		return nil, err
	}
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		return nil, fmt.Errorf("%w: %s: threshold %f", ErrInvalidConfig, name, cfg.Threshold)
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultOrderTimeout
	}
	for i := range cfg.Pairs {
		size, ok := new(big.Int).SetString(cfg.Pairs[i].Size, 10)
		if !ok || size.Sign() <= 0 {
			return nil, fmt.Errorf("%w: %s: pair %s: invalid size %q", ErrInvalidConfig, name, cfg.Pairs[i].Name, cfg.Pairs[i].Size)
		}
		cfg.Pairs[i].size = size
	}
	return &TimedOrder{name: name, cfg: cfg, deps: deps, threshold: decimal.NewFromFloat(cfg.Threshold)}, nil
}

func (t *TimedOrder) Name() string { return t.name }

func (t *TimedOrder) Kind() engine.Kind { return engine.KindTimedOrder }

// ValidityWindow is the order timeout, it's enforced by the profitability gate
func (t *TimedOrder) ValidityWindow() time.Duration { return t.cfg.OrderTimeout }

func (t *TimedOrder) Detect(ctx context.Context, ev *engine.Event) ([]*engine.Opportunity, error) {
	var (
		res  []*engine.Opportunity
		errs []error
	)
	for _, pair := range t.cfg.Pairs {
		if ev.Type == engine.EventPendingTx && (ev.To == nil || *ev.To != pair.Pool) {
			continue
		}
		p := &timedOrderPayload{
			Pool:     pair.Pool,
			Token:    pair.Token,
			Decimals: pair.Decimals,
			Size:     (*hexutil.Big)(pair.size),
		}
		side, gross, err := t.edge(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("pair %s: %w", pair.Name, err))
			continue
		}
		if side == "" {
			continue
		}
		p.Side = side
		payload, err := encodePayload(p)
		if err != nil {
			return res, err
		}
		res = append(res, &engine.Opportunity{
			Identity:        identity(t.name, pair.Pool.Bytes(), pair.Token.Bytes(), []byte(side)),
			Payload:         payload,
			EstimatedProfit: netProfit(gross, blockFee(ev), t.cfg.Executor.GasLimit),
		})
	}
	return res, errors.Join(errs...)
}

// edge compares the pool price to the reference price. It returns the side to trade and the gross
// value of the price difference over the order size in wei, or an empty side if the difference is
// within the threshold.
func (t *TimedOrder) edge(ctx context.Context, p *timedOrderPayload) (OrderSide, *big.Int, error) {
	var poolPrice decimal.Decimal
	if err := t.deps.Adapter.ReadState(ctx, PoolPriceMethod, &poolPrice, p.Pool, p.Token); err != nil {
		return "", nil, err
	}
	reference, err := t.deps.Prices.PriceOf(ctx, p.Token)
	if err != nil {
		return "", nil, err
	}

	diff := reference.Sub(poolPrice)
	relative := diff.Div(reference)
	var side OrderSide
	switch {
	case relative.GreaterThan(t.threshold):
		side = SideBuy
	case relative.Neg().GreaterThan(t.threshold):
		side = SideSell
	default:
		return "", new(big.Int), nil
	}
	return side, valueInWei(toBig(p.Size), p.Decimals, diff.Abs()), nil
}

func (t *TimedOrder) Validate(ctx context.Context, opp *engine.Opportunity) error {
	var p timedOrderPayload
	if err := decodePayload(opp, &p); err != nil {
		return err
	}
	side, _, err := t.edge(ctx, &p)
	if err != nil {
		return err
	}
	if side != p.Side {
		return fmt.Errorf("%w: %s edge closed", ErrOpportunityGone, p.Side)
	}
	return nil
}

func (t *TimedOrder) EstimateProfit(ctx context.Context, opp *engine.Opportunity, fee engine.FeeMarket) (*big.Int, error) {
	var p timedOrderPayload
	if err := decodePayload(opp, &p); err != nil {
		return nil, err
	}
	side, gross, err := t.edge(ctx, &p)
	if err != nil {
		return nil, err
	}
	if side != p.Side {
		gross = new(big.Int)
	}
	return netProfit(gross, fee, t.cfg.Executor.GasLimit), nil
}

func (t *TimedOrder) Execute(ctx context.Context, opp *engine.Opportunity, leg engine.Leg) (*engine.TxRequest, error) {
	return t.cfg.Executor.request(ctx, t.deps.Adapter, opp, leg, nil)
}
