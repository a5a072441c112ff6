package strategies

import (
	"fmt"
	"os"
	"time"

	"github.com/flashbots/mev-executor/engine"
	"gopkg.in/yaml.v3"
)

const (
	TypeArbitrage   = "arbitrage"
	TypeLiquidation = "liquidation"
	TypeFlashBorrow = "flash_borrow"
	TypeTimedOrder  = "timed_order"
	TypeSandwich    = "sandwich"
)

// Config is the strategies file:
//
//	strategies:
//	  - name: weth-usdc
//	    type: arbitrage
//	    contract: 0x...
//	    gas_limit: 250000
//	    pairs: [...]
//	  - name: aave
//	    type: liquidation
//	    disabled: true
//	    ...
type Config struct {
	Strategies []yaml.Node `yaml:"strategies"`
}

type strategyHeader struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Disabled bool   `yaml:"disabled"`
}

// timeBounded strategies detect opportunities that are worthless after a window
type timeBounded interface {
	ValidityWindow() time.Duration
}

// Built is the result of building a strategies config
type Built struct {
	Strategies []engine.Strategy
	// ValidityWindows are the per kind windows for the profitability gate
	ValidityWindows map[engine.Kind]time.Duration
}

// LoadConfig parses a strategies config from a file
func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Build creates every enabled strategy of the config
func (c *Config) Build(deps Deps) (*Built, error) {
	res := &Built{
		ValidityWindows: make(map[engine.Kind]time.Duration),
	}
	for i := range c.Strategies {
		node := &c.Strategies[i]

		var header strategyHeader
		if err := node.Decode(&header); err != nil {
			return nil, fmt.Errorf("strategy %d: %w", i, err)
		}
		if header.Name == "" {
			return nil, fmt.Errorf("%w: strategy %d has no name", ErrInvalidConfig, i)
		}
		if header.Disabled {
			continue
		}

		strategy, err := build(header, node, deps)
		if err != nil {
			return nil, err
		}
		// strategies of one kind share the gate window, the shortest one wins
		if bounded, ok := strategy.(timeBounded); ok {
			window, set := res.ValidityWindows[strategy.Kind()]
			if !set || bounded.ValidityWindow() < window {
				res.ValidityWindows[strategy.Kind()] = bounded.ValidityWindow()
			}
		}
		res.Strategies = append(res.Strategies, strategy)
	}
	return res, nil
}

func build(header strategyHeader, node *yaml.Node, deps Deps) (engine.Strategy, error) {
	switch header.Type {
	case TypeArbitrage:
		var cfg ArbitrageConfig
		if err := node.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("strategy %s: %w", header.Name, err)
		}
		return NewArbitrage(header.Name, cfg, deps)
	case TypeLiquidation:
		var cfg LiquidationConfig
		if err := node.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("strategy %s: %w", header.Name, err)
		}
		return NewLiquidation(header.Name, cfg, deps)
	case TypeFlashBorrow:
		var cfg FlashBorrowConfig
		if err := node.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("strategy %s: %w", header.Name, err)
		}
		return NewFlashBorrow(header.Name, cfg, deps)
	case TypeTimedOrder:
		var cfg TimedOrderConfig
		if err := node.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("strategy %s: %w", header.Name, err)
		}
		return NewTimedOrder(header.Name, cfg, deps)
	case TypeSandwich:
		var cfg SandwichConfig
		if err := node.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("strategy %s: %w", header.Name, err)
		}
		return NewSandwich(header.Name, cfg, deps)
	default:
		return nil, fmt.Errorf("%w: strategy %s: unknown type %q", ErrInvalidConfig, header.Name, header.Type)
	}
}
