package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/flashbots/mev-executor/metrics"
	"go.uber.org/zap"
)

var (
	ErrDuplicateStrategy = errors.New("duplicate strategy name")
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrStrategyPanic     = errors.New("strategy panicked")
)

// Strategy is one opportunity detector together with the logic to execute what it detects.
// Strategies never allocate nonces or send transactions, they return requests to the scheduler.
type Strategy interface {
	Name() string
	Kind() Kind
	// Detect inspects a single event. It must not depend on engine state.
	Detect(ctx context.Context, ev *Event) ([]*Opportunity, error)
	// Validate re-checks the opportunity preconditions, nil means it still holds
	Validate(ctx context.Context, opp *Opportunity) error
	// EstimateProfit returns the net profit in wei under the given fee market
	EstimateProfit(ctx context.Context, opp *Opportunity, fee FeeMarket) (*big.Int, error)
	// Execute builds the unsigned transaction for the given leg
	Execute(ctx context.Context, opp *Opportunity, leg Leg) (*TxRequest, error)
}

// StrategySet is the fixed set of strategies the engine runs with
type StrategySet struct {
	log        *zap.Logger
	strategies []Strategy
	byName     map[string]Strategy
}

func NewStrategySet(log *zap.Logger, strategies ...Strategy) (*StrategySet, error) {
	byName := make(map[string]Strategy, len(strategies))
	for _, s := range strategies {
		if _, ok := byName[s.Name()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStrategy, s.Name())
		}
		byName[s.Name()] = s
	}
	return &StrategySet{
		log:        log,
		strategies: strategies,
		byName:     byName,
	}, nil
}

func (s *StrategySet) Get(name string) (Strategy, bool) {
	strategy, ok := s.byName[name]
	return strategy, ok
}

func (s *StrategySet) Names() []string {
	names := make([]string, 0, len(s.strategies))
	for _, strategy := range s.strategies {
		names = append(names, strategy.Name())
	}
	return names
}

func (s *StrategySet) Len() int {
	return len(s.strategies)
}

// DetectAll runs every strategy on ev concurrently and returns all opportunities found.
// A failing or panicking strategy is logged and does not affect the others,
// opportunities it returned together with an error are kept.
// Returned opportunities have Strategy and Kind set from the detecting strategy.
func (s *StrategySet) DetectAll(ctx context.Context, ev *Event) []*Opportunity {
	results := make([][]*Opportunity, len(s.strategies))

	var wg sync.WaitGroup
	for i, strategy := range s.strategies {
		wg.Add(1)
		go func(i int, strategy Strategy) {
			defer wg.Done()

			detectCtx, cancel := context.WithTimeout(ctx, detectTimeout)
			defer cancel()

			opps, err := s.detect(detectCtx, strategy, ev)
			if err != nil {
				metrics.IncStrategyError(strategy.Name(), "detect")
				s.log.Warn("Strategy detection failed",
					zap.String("strategy", strategy.Name()),
					zap.Stringer("event", ev.Type),
					zap.Int("partial", len(opps)),
					zap.Error(err))
			}
			found := make([]*Opportunity, 0, len(opps))
			for _, opp := range opps {
				if opp == nil {
					continue
				}
				opp.Strategy = strategy.Name()
				opp.Kind = strategy.Kind()
				found = append(found, opp)
			}
			results[i] = found
		}(i, strategy)
	}
	wg.Wait()

	var res []*Opportunity
	for i, opps := range results {
		if len(opps) > 0 {
			metrics.AddOpportunitiesDetected(s.strategies[i].Name(), len(opps))
		}
		res = append(res, opps...)
	}
	return res
}

func (s *StrategySet) detect(ctx context.Context, strategy Strategy, ev *Event) (opps []*Opportunity, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStrategyPanic, r)
		}
	}()
	return strategy.Detect(ctx, ev)
}
