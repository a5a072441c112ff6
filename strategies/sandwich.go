package strategies

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/mev-executor/engine"
)

// DefaultSandwichWindow is about one slot, the victim is usually included in the next block
const DefaultSandwichWindow = 12 * time.Second

// swap selectors of the common router functions
var DefaultSwapSelectors = []string{
	"0x38ed1739", // swapExactTokensForTokens
	"0x7ff36ab5", // swapExactETHForTokens
	"0x18cbafe5", // swapExactTokensForETH
}

type SandwichConfig struct {
	Executor Executor         `yaml:",inline"`
	Routers  []common.Address `yaml:"routers"`
	// Selectors defaults to DefaultSwapSelectors
	Selectors []string `yaml:"selectors"`
	// MaxVictimFee skips victims that declare a higher max fee per gas (wei), empty disables the check
	MaxVictimFee string `yaml:"max_victim_fee"`
	// Tokens limits victims to swaps between these tokens, empty allows all
	Tokens []common.Address `yaml:"tokens"`
	// ValidityWindow is how long after detection the frontrun may still be sent
	ValidityWindow time.Duration `yaml:"validity_window"`
}

// VictimTx is sent to the adapter for simulation
type VictimTx struct {
	Hash  common.Hash    `json:"hash"`
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *hexutil.Big   `json:"value"`
}

// SandwichSimulation is the adapter's answer to a simulated frontrun, victim, backrun sequence
type SandwichSimulation struct {
	TokenIn  common.Address `json:"tokenIn"`
	TokenOut common.Address `json:"tokenOut"`
	// Profit is the gross profit of the sequence in wei
	Profit *hexutil.Big `json:"profit"`
	// FrontrunValue is the ETH value the frontrun leg has to carry
	FrontrunValue *hexutil.Big `json:"frontrunValue"`
}

type sandwichPayload struct {
	Victim     VictimTx           `json:"victim"`
	Simulation SandwichSimulation `json:"simulation"`
}

// Sandwich places a transaction right before and right after a pending swap. The victim
// transaction is the trigger of the opportunity and also its identity.
type Sandwich struct {
	name         string
	cfg          SandwichConfig
	deps         Deps
	routers      map[common.Address]struct{}
	tokens       map[common.Address]struct{}
	selectors    [][]byte
	maxVictimFee *big.Int
}

func NewSandwich(name string, cfg SandwichConfig, deps Deps) (*Sandwich, error) {
	if err := cfg.Executor.validate(name); err != nil {
		return nil, err
	}
	if len(cfg.Routers) == 0 {
		return nil, fmt.Errorf("%w: %s: no routers", ErrInvalidConfig, name)
	}
	if len(cfg.Selectors) == 0 {
		cfg.Selectors = DefaultSwapSelectors
	}
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = DefaultSandwichWindow
	}

	s := &Sandwich{
		name:    name,
		cfg:     cfg,
		deps:    deps,
		routers: make(map[common.Address]struct{}, len(cfg.Routers)),
		tokens:  make(map[common.Address]struct{}, len(cfg.Tokens)),
	}
	for _, router := range cfg.Routers {
		s.routers[router] = struct{}{}
	}
	for _, token := range cfg.Tokens {
		s.tokens[token] = struct{}{}
	}
	for _, sel := range cfg.Selectors {
		selector, err := hexutil.Decode(sel)
		if err != nil || len(selector) != 4 {
			return nil, fmt.Errorf("%w: %s: invalid selector %q", ErrInvalidConfig, name, sel)
		}
		s.selectors = append(s.selectors, selector)
	}
	if cfg.MaxVictimFee != "" {
		fee, ok := new(big.Int).SetString(cfg.MaxVictimFee, 10)
		if !ok {
			return nil, fmt.Errorf("%w: %s: invalid max_victim_fee %q", ErrInvalidConfig, name, cfg.MaxVictimFee)
		}
		s.maxVictimFee = fee
	}
	return s, nil
}

func (s *Sandwich) Name() string { return s.name }

func (s *Sandwich) Kind() engine.Kind { return engine.KindOrderingExploit }

// ValidityWindow bounds the age of the opportunity when the leading leg is sent
func (s *Sandwich) ValidityWindow() time.Duration { return s.cfg.ValidityWindow }

// candidate applies the cheap filters that don't need the adapter
func (s *Sandwich) candidate(ev *engine.Event) bool {
	if ev.Type != engine.EventPendingTx || ev.To == nil {
		return false
	}
	if _, ok := s.routers[*ev.To]; !ok {
		return false
	}
	if s.maxVictimFee != nil && ev.Fee != nil && ev.Fee.Cmp(s.maxVictimFee) > 0 {
		return false
	}
	selector := ev.Selector()
	if selector == nil {
		return false
	}
	for _, sel := range s.selectors {
		if bytes.Equal(sel, selector) {
			return true
		}
	}
	return false
}

func (s *Sandwich) allowedTokens(sim *SandwichSimulation) bool {
	if len(s.tokens) == 0 {
		return true
	}
	_, okIn := s.tokens[sim.TokenIn]
	_, okOut := s.tokens[sim.TokenOut]
	return okIn && okOut
}

func (s *Sandwich) Detect(ctx context.Context, ev *engine.Event) ([]*engine.Opportunity, error) {
	if !s.candidate(ev) {
		return nil, nil
	}

	victim := VictimTx{
		Hash:  ev.Hash,
		From:  ev.From,
		To:    *ev.To,
		Data:  ev.Data,
		Value: (*hexutil.Big)(ev.Value),
	}
	sim, err := s.simulate(ctx, victim)
	if err != nil {
		return nil, err
	}
	if toBig(sim.Profit).Sign() <= 0 || !s.allowedTokens(sim) {
		return nil, nil
	}

	payload, err := encodePayload(&sandwichPayload{Victim: victim, Simulation: *sim})
	if err != nil {
		return nil, err
	}
	trigger := ev.Hash
	return []*engine.Opportunity{{
		Identity:        ev.Hash,
		Payload:         payload,
		Trigger:         &trigger,
		EstimatedProfit: s.netProfit(toBig(sim.Profit), engine.FeeMarket{}),
	}}, nil
}

// simulate runs the frontrun, victim, backrun sequence against the current pool state
func (s *Sandwich) simulate(ctx context.Context, victim VictimTx) (*SandwichSimulation, error) {
	var sim SandwichSimulation
	if err := s.deps.Adapter.ReadState(ctx, SimulateSandwichMethod, &sim, victim); err != nil {
		return nil, fmt.Errorf("simulate %s: %w", victim.Hash.Hex(), err)
	}
	return &sim, nil
}

// netProfit subtracts the gas of both legs
func (s *Sandwich) netProfit(gross *big.Int, fee engine.FeeMarket) *big.Int {
	return netProfit(gross, fee, 2*s.cfg.Executor.GasLimit)
}

func (s *Sandwich) Validate(ctx context.Context, opp *engine.Opportunity) error {
	var p sandwichPayload
	if err := decodePayload(opp, &p); err != nil {
		return err
	}
	if opp.Trigger == nil || *opp.Trigger != p.Victim.Hash {
		return fmt.Errorf("%w: trigger does not match victim", ErrInvalidPayload)
	}
	sim, err := s.simulate(ctx, p.Victim)
	if err != nil {
		return err
	}
	if toBig(sim.Profit).Sign() <= 0 || !s.allowedTokens(sim) {
		return fmt.Errorf("%w: sandwich around %s", ErrOpportunityGone, p.Victim.Hash.Hex())
	}
	return nil
}

// EstimateProfit re-simulates the sequence and prices it under the current fees
func (s *Sandwich) EstimateProfit(ctx context.Context, opp *engine.Opportunity, fee engine.FeeMarket) (*big.Int, error) {
	var p sandwichPayload
	if err := decodePayload(opp, &p); err != nil {
		return nil, err
	}
	sim, err := s.simulate(ctx, p.Victim)
	if err != nil {
		return nil, err
	}
	return s.netProfit(toBig(sim.Profit), fee), nil
}

func (s *Sandwich) Execute(ctx context.Context, opp *engine.Opportunity, leg engine.Leg) (*engine.TxRequest, error) {
	var p sandwichPayload
	if err := decodePayload(opp, &p); err != nil {
		return nil, err
	}
	switch leg {
	case engine.LegFrontrun:
		return s.cfg.Executor.request(ctx, s.deps.Adapter, opp, leg, toBig(p.Simulation.FrontrunValue))
	case engine.LegBackrun:
		return s.cfg.Executor.request(ctx, s.deps.Adapter, opp, leg, nil)
	default:
		return nil, fmt.Errorf("%w: sandwich has no %s leg", engine.ErrFatal, leg)
	}
}
