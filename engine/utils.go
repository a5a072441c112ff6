package engine

import (
	"bytes"
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	ethDivisor  = new(big.Float).SetUint64(params.Ether)
	gweiDivisor = new(big.Float).SetUint64(params.GWei)
)

func formatUnits(value *big.Int, unit string) string {
	if value == nil {
		return "<nil>"
	}
	float := new(big.Float).SetInt(value)
	switch unit {
	case "eth":
		return float.Quo(float, ethDivisor).String()
	case "gwei":
		return float.Quo(float, gweiDivisor).String()
	default:
		return ""
	}
}

func weiToEthFloat(value *big.Int) float64 {
	float := new(big.Float).SetInt(value)
	res, _ := float.Quo(float, ethDivisor).Float64()
	return res
}

func stateNamesOf(states []State) []string {
	res := make([]string, 0, len(states))
	for _, s := range states {
		res = append(res, s.String())
	}
	return res
}

func hexesOf(hashes []common.Hash) []string {
	res := make([]string, 0, len(hashes))
	for _, h := range hashes {
		res = append(res, h.Hex())
	}
	return res
}

func sortedHexes(running map[common.Hash]State) []string {
	keys := maps.Keys(running)
	slices.SortFunc(keys, func(a, b common.Hash) int {
		return bytes.Compare(a[:], b[:])
	})
	return hexesOf(keys)
}

// CachingFeeOracle serves the last fee market reading for up to maxAge.
// Base fee only changes once per block, maxAge should stay well below the block time.
type CachingFeeOracle struct {
	oracle FeeOracle
	maxAge time.Duration

	mu         sync.RWMutex
	fee        FeeMarket
	lastUpdate time.Time
	now        func() time.Time
}

func NewCachingFeeOracle(oracle FeeOracle, maxAge time.Duration) *CachingFeeOracle {
	return &CachingFeeOracle{
		oracle: oracle,
		maxAge: maxAge,
		now:    time.Now,
	}
}

func (c *CachingFeeOracle) CurrentFeeMarket(ctx context.Context) (FeeMarket, error) {
	c.mu.RLock()
	if !c.lastUpdate.IsZero() && c.now().Sub(c.lastUpdate) < c.maxAge {
		fee := c.fee
		c.mu.RUnlock()
		return fee, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// another caller may have refreshed it while we were waiting
	if !c.lastUpdate.IsZero() && c.now().Sub(c.lastUpdate) < c.maxAge {
		return c.fee, nil
	}

	fee, err := c.oracle.CurrentFeeMarket(ctx)
	if err != nil {
		return FeeMarket{}, err
	}
	c.fee = fee
	c.lastUpdate = c.now()
	return fee, nil
}
