package strategies

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/mev-executor/engine"
	"github.com/shopspring/decimal"
)

const (
	DefaultLiquidationThreshold = 1.0
	DefaultLiquidationBonus     = 0.05
)

type LiquidationConfig struct {
	Executor  Executor         `yaml:",inline"`
	Protocols []common.Address `yaml:"protocols"`
	// Threshold is the health factor below which positions are liquidated
	Threshold float64 `yaml:"threshold"`
	// Bonus is the share of the repaid debt value paid to the liquidator
	Bonus float64 `yaml:"bonus"`
}

type Asset struct {
	Token    common.Address `json:"token"`
	Decimals int32          `json:"decimals"`
	Amount   *hexutil.Big   `json:"amount"`
}

// Position is a borrower position as reported by the adapter
type Position struct {
	Borrower   common.Address `json:"borrower"`
	Collateral []Asset        `json:"collateral"`
	Debt       []Asset        `json:"debt"`
}

type liquidationPayload struct {
	Protocol common.Address `json:"protocol"`
	Borrower common.Address `json:"borrower"`
	// DebtValue is the debt value in wei at detection
	DebtValue *hexutil.Big `json:"debtValue"`
}

// Liquidation repays undercollateralized debt for a share of the collateral
type Liquidation struct {
	name  string
	cfg   LiquidationConfig
	deps  Deps
	bonus decimal.Decimal
}

func NewLiquidation(name string, cfg LiquidationConfig, deps Deps) (*Liquidation, error) {
	if err := cfg.Executor.validate(name); err != nil {
		return nil, err
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultLiquidationThreshold
	}
	if cfg.Bonus <= 0 {
		cfg.Bonus = DefaultLiquidationBonus
	}
	if cfg.Bonus >= 1 {
		return nil, fmt.Errorf("%w: %s: bonus %f", ErrInvalidConfig, name, cfg.Bonus)
	}
	return &Liquidation{name: name, cfg: cfg, deps: deps, bonus: decimal.NewFromFloat(cfg.Bonus)}, nil
}

func (l *Liquidation) Name() string { return l.name }

func (l *Liquidation) Kind() engine.Kind { return engine.KindLiquidation }

// Detect scans the positions of every protocol once per block
func (l *Liquidation) Detect(ctx context.Context, ev *engine.Event) ([]*engine.Opportunity, error) {
	if ev.Type != engine.EventBlock {
		return nil, nil
	}

	var (
		res  []*engine.Opportunity
		errs []error
	)
	for _, protocol := range l.cfg.Protocols {
		var positions []Position
		if err := l.deps.Adapter.ReadState(ctx, PositionsMethod, &positions, protocol); err != nil {
			errs = append(errs, fmt.Errorf("protocol %s: %w", protocol.Hex(), err))
			continue
		}
		for i := range positions {
			opp, err := l.detectPosition(ctx, ev, protocol, &positions[i])
			if err != nil {
				errs = append(errs, fmt.Errorf("position %s: %w", positions[i].Borrower.Hex(), err))
				continue
			}
			if opp != nil {
				res = append(res, opp)
			}
		}
	}
	return res, errors.Join(errs...)
}

func (l *Liquidation) detectPosition(ctx context.Context, ev *engine.Event, protocol common.Address, pos *Position) (*engine.Opportunity, error) {
	health, debtValue, err := l.healthFactor(ctx, pos)
	if err != nil {
		return nil, err
	}
	if health >= l.cfg.Threshold {
		return nil, nil
	}
	payload, err := encodePayload(&liquidationPayload{
		Protocol:  protocol,
		Borrower:  pos.Borrower,
		DebtValue: (*hexutil.Big)(debtValue),
	})
	if err != nil {
		return nil, err
	}
	return &engine.Opportunity{
		Identity:        identity(l.name, protocol.Bytes(), pos.Borrower.Bytes()),
		Payload:         payload,
		EstimatedProfit: netProfit(l.reward(debtValue), blockFee(ev), l.cfg.Executor.GasLimit),
	}, nil
}

// healthFactor is the collateral value over the debt value, +Inf for positions without debt.
// It also returns the debt value in wei.
func (l *Liquidation) healthFactor(ctx context.Context, pos *Position) (float64, *big.Int, error) {
	collateral, err := l.totalValue(ctx, pos.Collateral)
	if err != nil {
		return 0, nil, err
	}
	debt, err := l.totalValue(ctx, pos.Debt)
	if err != nil {
		return 0, nil, err
	}
	if debt.Sign() == 0 {
		return math.Inf(1), debt, nil
	}
	health, _ := new(big.Rat).SetFrac(collateral, debt).Float64()
	return health, debt, nil
}

func (l *Liquidation) totalValue(ctx context.Context, assets []Asset) (*big.Int, error) {
	total := new(big.Int)
	for _, asset := range assets {
		amount := toBig(asset.Amount)
		if amount.Sign() == 0 {
			continue
		}
		price, err := l.deps.Prices.PriceOf(ctx, asset.Token)
		if err != nil {
			return nil, err
		}
		total.Add(total, valueInWei(amount, asset.Decimals, price))
	}
	return total, nil
}

func (l *Liquidation) reward(debtValue *big.Int) *big.Int {
	return decimal.NewFromBigInt(debtValue, 0).Mul(l.bonus).BigInt()
}

func (l *Liquidation) position(ctx context.Context, p *liquidationPayload) (*Position, error) {
	var pos Position
	if err := l.deps.Adapter.ReadState(ctx, PositionMethod, &pos, p.Protocol, p.Borrower); err != nil {
		return nil, err
	}
	return &pos, nil
}

// Validate re-reads the position, it may have been repaid, topped up or liquidated by someone else
func (l *Liquidation) Validate(ctx context.Context, opp *engine.Opportunity) error {
	var p liquidationPayload
	if err := decodePayload(opp, &p); err != nil {
		return err
	}
	pos, err := l.position(ctx, &p)
	if err != nil {
		return err
	}
	health, _, err := l.healthFactor(ctx, pos)
	if err != nil {
		return err
	}
	if health >= l.cfg.Threshold {
		return fmt.Errorf("%w: health factor %.4f", ErrOpportunityGone, health)
	}
	return nil
}

func (l *Liquidation) EstimateProfit(ctx context.Context, opp *engine.Opportunity, fee engine.FeeMarket) (*big.Int, error) {
	var p liquidationPayload
	if err := decodePayload(opp, &p); err != nil {
		return nil, err
	}
	pos, err := l.position(ctx, &p)
	if err != nil {
		return nil, err
	}
	debt, err := l.totalValue(ctx, pos.Debt)
	if err != nil {
		return nil, err
	}
	return netProfit(l.reward(debt), fee, l.cfg.Executor.GasLimit), nil
}

func (l *Liquidation) Execute(ctx context.Context, opp *engine.Opportunity, leg engine.Leg) (*engine.TxRequest, error) {
	return l.cfg.Executor.request(ctx, l.deps.Adapter, opp, leg, nil)
}
