package engine

import (
	"fmt"
	"math/big"
	"time"
)

var (
	ErrNoProfitEstimate      = fmt.Errorf("%w: no profit estimate", ErrValidation)
	ErrBelowMinProfit        = fmt.Errorf("%w: estimated profit at or below minimum", ErrValidation)
	ErrFeeCapExceeded        = fmt.Errorf("%w: network fee above cap", ErrTransient)
	ErrValidityWindowElapsed = fmt.Errorf("%w: opportunity validity window elapsed", ErrValidation)
)

type GateConfig struct {
	// MinProfit is exclusive, profit must be strictly greater
	MinProfit *big.Int
	// MaxFee caps base fee + priority fee per gas, nil disables the cap
	MaxFee *big.Int
	// ValidityWindows bounds the age of opportunities of time-bounded kinds
	ValidityWindows map[Kind]time.Duration
}

// ProfitabilityGate decides whether an opportunity is still worth submitting.
// It holds no state besides its configuration.
type ProfitabilityGate struct {
	cfg GateConfig
}

func NewProfitabilityGate(cfg GateConfig) *ProfitabilityGate {
	if cfg.MinProfit == nil {
		cfg.MinProfit = new(big.Int)
	}
	return &ProfitabilityGate{cfg: cfg}
}

// Check returns nil if the opportunity should be submitted.
// profit must be freshly estimated, the opportunity's cached estimate is ignored.
func (g *ProfitabilityGate) Check(opp *Opportunity, leg Leg, profit *big.Int, fee FeeMarket, now time.Time) error {
	if profit == nil {
		return ErrNoProfitEstimate
	}
	if profit.Cmp(g.cfg.MinProfit) <= 0 {
		return fmt.Errorf("%w: profit %s, minimum %s", ErrBelowMinProfit, profit, g.cfg.MinProfit)
	}
	if g.cfg.MaxFee != nil {
		if total := fee.Total(); total.Cmp(g.cfg.MaxFee) > 0 {
			return fmt.Errorf("%w: fee %s, cap %s", ErrFeeCapExceeded, total, g.cfg.MaxFee)
		}
	}
	// the trailing leg unwinds a position that is already open
	if leg == LegBackrun {
		return nil
	}
	if window, ok := g.cfg.ValidityWindows[opp.Kind]; ok && window > 0 {
		if age := opp.Age(now); age > window {
			return fmt.Errorf("%w: age %s, window %s", ErrValidityWindowElapsed, age, window)
		}
	}
	return nil
}

func (g *ProfitabilityGate) Accept(opp *Opportunity, leg Leg, profit *big.Int, fee FeeMarket, now time.Time) bool {
	return g.Check(opp, leg, profit, fee, now) == nil
}

// FeeCap is the max fee per gas to put on a transaction: 2 * base fee + priority fee, limited by MaxFee
func (g *ProfitabilityGate) FeeCap(fee FeeMarket) *big.Int {
	feeCap := new(big.Int)
	if fee.BaseFee != nil {
		feeCap.Mul(fee.BaseFee, big.NewInt(2))
	}
	if fee.PriorityFee != nil {
		feeCap.Add(feeCap, fee.PriorityFee)
	}
	if g.cfg.MaxFee != nil && feeCap.Cmp(g.cfg.MaxFee) > 0 {
		feeCap.Set(g.cfg.MaxFee)
	}
	return feeCap
}
