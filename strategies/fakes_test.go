package strategies

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-executor/engine"
	"github.com/shopspring/decimal"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	tokenT       = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tokenV       = common.HexToAddress("0x2222222222222222222222222222222222222222")
	poolA        = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	poolB        = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

// testAdapter answers reads with per-method handlers, results go through JSON like they do on the wire
type testAdapter struct {
	mu       sync.Mutex
	handlers map[string]func(params []any) (any, error)
	calls    map[string]int
}

func newTestAdapter() *testAdapter {
	return &testAdapter{
		handlers: make(map[string]func(params []any) (any, error)),
		calls:    make(map[string]int),
	}
}

func (a *testAdapter) handle(method string, h func(params []any) (any, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[method] = h
}

func (a *testAdapter) callCount(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[method]
}

func (a *testAdapter) BuildCalldata(ctx context.Context, opp *engine.Opportunity, leg engine.Leg) ([]byte, error) {
	return []byte{0xca, byte(leg)}, nil
}

func (a *testAdapter) ReadState(ctx context.Context, query string, out any, params ...any) error {
	a.mu.Lock()
	h, ok := a.handlers[query]
	a.calls[query]++
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no handler for %s", engine.ErrFatal, query)
	}
	res, err := h(params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

type testPrices map[common.Address]decimal.Decimal

func (p testPrices) PriceOf(ctx context.Context, token common.Address) (decimal.Decimal, error) {
	price, ok := p[token]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", engine.ErrStaleData, token.Hex())
	}
	return price, nil
}

func testExecutor() Executor {
	return Executor{Contract: testContract, GasLimit: 200_000}
}
