package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/ybbus/jsonrpc/v3"
)

var (
	ErrSourceClosed    = errors.New("event source closed")
	ErrReceiptNotFound = errors.New("receipt not found")
)

const (
	BuildCalldataMethod = "adapter_buildCalldata"
	PriceOfMethod       = "oracle_priceOf"
)

// EventSource is the chain event stream. It is consumed by a single goroutine and cannot be restarted.
type EventSource interface {
	Next(ctx context.Context) (*Event, error)
}

type FeeOracle interface {
	CurrentFeeMarket(ctx context.Context) (FeeMarket, error)
}

type Price struct {
	Value decimal.Decimal
	AsOf  time.Time
}

type PriceOracle interface {
	PriceOf(ctx context.Context, token common.Address) (Price, error)
}

// ProtocolAdapter owns everything protocol specific: calldata encoding and contract state reads
type ProtocolAdapter interface {
	BuildCalldata(ctx context.Context, opp *Opportunity, leg Leg) ([]byte, error)
	ReadState(ctx context.Context, query string, out any, params ...any) error
}

type Submitter interface {
	SignAndSend(ctx context.Context, sub Submission) (common.Hash, error)
	// AwaitReceipt blocks until the transaction is included or ctx is done
	AwaitReceipt(ctx context.Context, hash common.Hash) (*Outcome, error)
	// TransactionOutcome returns ErrReceiptNotFound if the transaction is not included yet
	TransactionOutcome(ctx context.Context, hash common.Hash) (*Outcome, error)
}

// ExecutionSink receives one record per opportunity that reached a terminal state
type ExecutionSink interface {
	ExecutionFinished(ctx context.Context, rec *ExecutionRecord) error
}

// ExecutionMarker guards against executing the same identity twice across processes.
// MarkExecuting returns false if the identity was already marked.
type ExecutionMarker interface {
	MarkExecuting(ctx context.Context, identity common.Hash) (bool, error)
}

type ExecutionRecord struct {
	ID              uuid.UUID     `json:"id"`
	Identity        common.Hash   `json:"identity"`
	Kind            Kind          `json:"kind"`
	Strategy        string        `json:"strategy"`
	State           State         `json:"state"`
	AttemptCount    int           `json:"attemptCount"`
	EstimatedProfit *hexutil.Big  `json:"estimatedProfit,omitempty"`
	FeePaid         *hexutil.Big  `json:"feePaid,omitempty"`
	TxHashes        []common.Hash `json:"txHashes"`
	History         []State       `json:"history"`
	Error           string        `json:"error,omitempty"`
	DetectedAt      time.Time     `json:"detectedAt"`
	FinishedAt      time.Time     `json:"finishedAt"`
}

// rpcError keeps errors returned by the remote method as they are and tags transport errors as transient
func rpcError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return err
	}
	return withClass(err, ErrTransient)
}

type JSONRPCProtocolAdapter struct {
	client jsonrpc.RPCClient
}

func NewJSONRPCProtocolAdapter(url string) *JSONRPCProtocolAdapter {
	return &JSONRPCProtocolAdapter{
		client: jsonrpc.NewClient(url),
	}
}

func (a *JSONRPCProtocolAdapter) BuildCalldata(ctx context.Context, opp *Opportunity, leg Leg) ([]byte, error) {
	var result hexutil.Bytes
	err := a.client.CallFor(ctx, &result, BuildCalldataMethod, opp, leg)
	if err != nil {
		return nil, rpcError(err)
	}
	return result, nil
}

func (a *JSONRPCProtocolAdapter) ReadState(ctx context.Context, query string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	// params are always sent as an array, even a single struct argument
	return rpcError(a.client.CallFor(ctx, out, query, params))
}

type priceResponse struct {
	Price decimal.Decimal `json:"price"`
	AsOf  int64           `json:"asOf"`
}

type JSONRPCPriceOracle struct {
	client jsonrpc.RPCClient
}

func NewJSONRPCPriceOracle(url string) *JSONRPCPriceOracle {
	return &JSONRPCPriceOracle{
		client: jsonrpc.NewClient(url),
	}
}

func (o *JSONRPCPriceOracle) PriceOf(ctx context.Context, token common.Address) (Price, error) {
	var result priceResponse
	err := o.client.CallFor(ctx, &result, PriceOfMethod, []any{token})
	if err != nil {
		return Price{}, rpcError(err)
	}
	return Price{Value: result.Price, AsOf: time.Unix(result.AsOf, 0)}, nil
}

type RedisExecutionNotifier struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisExecutionNotifier(redisClient *redis.Client, pubChannel string) *RedisExecutionNotifier {
	return &RedisExecutionNotifier{
		client:     redisClient,
		pubChannel: pubChannel,
	}
}

func (b *RedisExecutionNotifier) ExecutionFinished(ctx context.Context, rec *ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.pubChannel, data).Err()
}

func bigOrNil(v *big.Int) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}
