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

const bpsDenominator = 10_000

type BorrowToken struct {
	Token    common.Address `yaml:"token"`
	Decimals int32          `yaml:"decimals"`
	// Amount is the raw amount borrowed
	Amount string `yaml:"amount"`

	amount *big.Int
}

type FlashBorrowConfig struct {
	Executor Executor         `yaml:",inline"`
	Pools    []common.Address `yaml:"pools"`
	Tokens   []BorrowToken    `yaml:"tokens"`
	// FeeBps is the flash loan fee of the pools in basis points
	FeeBps int64 `yaml:"fee_bps"`
}

type flashBorrowPayload struct {
	Pool      common.Address `json:"pool"`
	Token     common.Address `json:"token"`
	Decimals  int32          `json:"decimals"`
	Principal *hexutil.Big   `json:"principal"`
}

// FlashBorrow borrows within a single transaction, routes the amount through the adapter's
// best route and repays principal and fee from the proceeds
type FlashBorrow struct {
	name string
	cfg  FlashBorrowConfig
	deps Deps
}

func NewFlashBorrow(name string, cfg FlashBorrowConfig, deps Deps) (*FlashBorrow, error) {
	if err := cfg.Executor.validate(name); err != nil {
		return nil, err
	}
	if cfg.FeeBps < 0 || cfg.FeeBps >= bpsDenominator {
		return nil, fmt.Errorf("%w: %s: fee_bps %d", ErrInvalidConfig, name, cfg.FeeBps)
	}
	for i := range cfg.Tokens {
		amount, ok := new(big.Int).SetString(cfg.Tokens[i].Amount, 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: %s: token %s: invalid amount %q", ErrInvalidConfig, name, cfg.Tokens[i].Token.Hex(), cfg.Tokens[i].Amount)
		}
		cfg.Tokens[i].amount = amount
	}
	return &FlashBorrow{name: name, cfg: cfg, deps: deps}, nil
}

func (f *FlashBorrow) Name() string { return f.name }

func (f *FlashBorrow) Kind() engine.Kind { return engine.KindFlashBorrow }

func (f *FlashBorrow) Detect(ctx context.Context, ev *engine.Event) ([]*engine.Opportunity, error) {
	if ev.Type != engine.EventBlock {
		return nil, nil
	}

	var (
		res  []*engine.Opportunity
		errs []error
	)
	for _, pool := range f.cfg.Pools {
		for _, token := range f.cfg.Tokens {
			p := &flashBorrowPayload{
				Pool:      pool,
				Token:     token.Token,
				Decimals:  token.Decimals,
				Principal: (*hexutil.Big)(token.amount),
			}
			gross, err := f.grossProfit(ctx, p)
			if err != nil {
				errs = append(errs, fmt.Errorf("pool %s token %s: %w", pool.Hex(), token.Token.Hex(), err))
				continue
			}
			if gross.Sign() <= 0 {
				continue
			}
			payload, err := encodePayload(p)
			if err != nil {
				return res, err
			}
			res = append(res, &engine.Opportunity{
				Identity:        identity(f.name, pool.Bytes(), token.Token.Bytes()),
				Payload:         payload,
				EstimatedProfit: netProfit(gross, blockFee(ev), f.cfg.Executor.GasLimit),
			})
		}
	}
	return res, errors.Join(errs...)
}

// surplus is the routed amount left after repaying principal and pool fee, in raw token units
func (f *FlashBorrow) surplus(ctx context.Context, p *flashBorrowPayload) (*big.Int, error) {
	principal := toBig(p.Principal)
	var routed hexutil.Big
	if err := f.deps.Adapter.ReadState(ctx, QuoteRouteMethod, &routed, p.Token, p.Principal); err != nil {
		return nil, err
	}
	fee := new(big.Int).Mul(principal, big.NewInt(f.cfg.FeeBps))
	fee.Quo(fee, big.NewInt(bpsDenominator))

	surplus := new(big.Int).Sub(routed.ToInt(), principal)
	return surplus.Sub(surplus, fee), nil
}

// grossProfit is the surplus in wei before gas, zero or negative if the route doesn't pay off
func (f *FlashBorrow) grossProfit(ctx context.Context, p *flashBorrowPayload) (*big.Int, error) {
	surplus, err := f.surplus(ctx, p)
	if err != nil {
		return nil, err
	}
	if surplus.Sign() <= 0 {
		return surplus, nil
	}
	price, err := f.deps.Prices.PriceOf(ctx, p.Token)
	if err != nil {
		return nil, err
	}
	return valueInWei(surplus, p.Decimals, price), nil
}

func (f *FlashBorrow) Validate(ctx context.Context, opp *engine.Opportunity) error {
	var p flashBorrowPayload
	if err := decodePayload(opp, &p); err != nil {
		return err
	}
	surplus, err := f.surplus(ctx, &p)
	if err != nil {
		return err
	}
	if surplus.Sign() <= 0 {
		return fmt.Errorf("%w: route surplus %s", ErrOpportunityGone, surplus)
	}
	return nil
}

func (f *FlashBorrow) EstimateProfit(ctx context.Context, opp *engine.Opportunity, fee engine.FeeMarket) (*big.Int, error) {
	var p flashBorrowPayload
	if err := decodePayload(opp, &p); err != nil {
		return nil, err
	}
	gross, err := f.grossProfit(ctx, &p)
	if err != nil {
		return nil, err
	}
	return netProfit(gross, fee, f.cfg.Executor.GasLimit), nil
}

func (f *FlashBorrow) Execute(ctx context.Context, opp *engine.Opportunity, leg engine.Leg) (*engine.TxRequest, error) {
	return f.cfg.Executor.request(ctx, f.deps.Adapter, opp, leg, nil)
}
