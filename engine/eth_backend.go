package engine

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/flashbots/mev-executor/metrics"
	"go.uber.org/zap"
)

const (
	subscriptionBuffer    = 1024
	resubscribeMaxElapsed = time.Minute
	blockFetchTimeout     = 3 * time.Second
)

// EthEventSource streams new blocks and, if enabled, full pending transactions from a node.
// Subscriptions are created on the first Next call and re-created with backoff when they fail.
type EthEventSource struct {
	log     *zap.Logger
	client  *ethclient.Client
	gclient *gethclient.Client
	signer  types.Signer

	heads      chan *types.Header
	pending    chan *types.Transaction
	headSub    ethereum.Subscription
	pendingSub ethereum.Subscription

	done      chan struct{}
	closeOnce sync.Once
}

// NewEthEventSource creates a source on top of an rpc client, mempool enables the pending transaction stream
func NewEthEventSource(log *zap.Logger, rpcClient *rpc.Client, chainID *big.Int, mempool bool) *EthEventSource {
	s := &EthEventSource{
		log:     log.Named("event-source"),
		client:  ethclient.NewClient(rpcClient),
		signer:  types.LatestSignerForChainID(chainID),
		heads:   make(chan *types.Header, subscriptionBuffer),
		pending: make(chan *types.Transaction, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	if mempool {
		s.gclient = gethclient.New(rpcClient)
	}
	return s
}

func (s *EthEventSource) Next(ctx context.Context) (*Event, error) {
	for {
		select {
		case <-s.done:
			s.unsubscribe()
			return nil, ErrSourceClosed
		default:
		}

		if err := s.subscribe(ctx); err != nil {
			return nil, err
		}

		var pendingErrs <-chan error
		if s.pendingSub != nil {
			pendingErrs = s.pendingSub.Err()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			s.unsubscribe()
			return nil, ErrSourceClosed
		case header := <-s.heads:
			ev, err := s.blockEvent(ctx, header)
			if err != nil {
				s.log.Warn("Failed to fetch block", zap.Uint64("block", header.Number.Uint64()), zap.Error(err))
				continue
			}
			return ev, nil
		case tx := <-s.pending:
			return s.pendingEvent(tx), nil
		case err := <-s.headSub.Err():
			s.log.Warn("Head subscription failed", zap.Error(err))
			s.headSub.Unsubscribe()
			s.headSub = nil
		case err := <-pendingErrs:
			s.log.Warn("Pending transaction subscription failed", zap.Error(err))
			s.pendingSub.Unsubscribe()
			s.pendingSub = nil
		}
	}
}

func (s *EthEventSource) subscribe(ctx context.Context) error {
	needHeads := s.headSub == nil
	needPending := s.gclient != nil && s.pendingSub == nil
	if !needHeads && !needPending {
		return nil
	}

	back := backoff.NewExponentialBackOff()
	back.MaxElapsedTime = resubscribeMaxElapsed
	return backoff.Retry(func() error {
		if s.headSub == nil {
			sub, err := s.client.SubscribeNewHead(ctx, s.heads)
			if err != nil {
				metrics.IncEventSourceReconnects()
				return fmt.Errorf("subscribe new heads: %w", err)
			}
			s.headSub = sub
		}
		if s.gclient != nil && s.pendingSub == nil {
			sub, err := s.gclient.SubscribeFullPendingTransactions(ctx, s.pending)
			if err != nil {
				metrics.IncEventSourceReconnects()
				return fmt.Errorf("subscribe pending transactions: %w", err)
			}
			s.pendingSub = sub
		}
		return nil
	}, backoff.WithContext(back, ctx))
}

func (s *EthEventSource) unsubscribe() {
	if s.headSub != nil {
		s.headSub.Unsubscribe()
		s.headSub = nil
	}
	if s.pendingSub != nil {
		s.pendingSub.Unsubscribe()
		s.pendingSub = nil
	}
}

func (s *EthEventSource) blockEvent(ctx context.Context, header *types.Header) (*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, blockFetchTimeout)
	defer cancel()

	block, err := s.client.BlockByHash(ctx, header.Hash())
	if err != nil {
		return nil, err
	}
	txs := block.Transactions()
	hashes := make([]common.Hash, 0, len(txs))
	for _, tx := range txs {
		hashes = append(hashes, tx.Hash())
	}
	return &Event{
		Type:        EventBlock,
		BlockNumber: header.Number.Uint64(),
		Hash:        header.Hash(),
		BaseFee:     header.BaseFee,
		TxHashes:    hashes,
		ReceivedAt:  time.Now(),
	}, nil
}

func (s *EthEventSource) pendingEvent(tx *types.Transaction) *Event {
	from, err := types.Sender(s.signer, tx)
	if err != nil {
		s.log.Debug("Failed to recover sender", zap.String("tx", tx.Hash().Hex()), zap.Error(err))
	}
	return &Event{
		Type:       EventPendingTx,
		Hash:       tx.Hash(),
		From:       from,
		To:         tx.To(),
		Data:       tx.Data(),
		Value:      tx.Value(),
		Fee:        tx.GasFeeCap(),
		ReceivedAt: time.Now(),
	}
}

// Close stops the source, a blocked Next returns ErrSourceClosed
func (s *EthEventSource) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// EthClient is the part of ethclient.Client used by the oracle and the submitter
type EthClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type EthFeeOracle struct {
	client EthClient
}

func NewEthFeeOracle(client EthClient) *EthFeeOracle {
	return &EthFeeOracle{client: client}
}

func (o *EthFeeOracle) CurrentFeeMarket(ctx context.Context) (FeeMarket, error) {
	header, err := o.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeMarket{}, err
	}
	tip, err := o.client.SuggestGasTipCap(ctx)
	if err != nil {
		return FeeMarket{}, err
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	return FeeMarket{BaseFee: baseFee, PriorityFee: tip}, nil
}

// EthSubmitter signs dynamic fee transactions with a local key and tracks them through receipts
type EthSubmitter struct {
	log          *zap.Logger
	client       EthClient
	key          *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	signer       types.Signer
	pollInterval time.Duration
}

func NewEthSubmitter(log *zap.Logger, client EthClient, key *ecdsa.PrivateKey, chainID *big.Int, pollInterval time.Duration) *EthSubmitter {
	if pollInterval <= 0 {
		pollInterval = DefaultReceiptPollInterval
	}
	return &EthSubmitter{
		log:          log.Named("submitter"),
		client:       client,
		key:          key,
		address:      crypto.PubkeyToAddress(key.PublicKey),
		chainID:      chainID,
		signer:       types.LatestSignerForChainID(chainID),
		pollInterval: pollInterval,
	}
}

func (s *EthSubmitter) Address() common.Address {
	return s.address
}

func (s *EthSubmitter) SignAndSend(ctx context.Context, sub Submission) (common.Hash, error) {
	req := sub.Request
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     sub.Nonce,
		GasTipCap: sub.GasTipCap,
		GasFeeCap: sub.GasFeeCap,
		Gas:       req.GasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return common.Hash{}, withClass(err, ErrFatal)
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

func (s *EthSubmitter) TransactionOutcome(ctx context.Context, hash common.Hash) (*Outcome, error) {
	receipt, err := s.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	return outcomeFromReceipt(receipt), nil
}

func (s *EthSubmitter) AwaitReceipt(ctx context.Context, hash common.Hash) (*Outcome, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		outcome, err := s.TransactionOutcome(ctx, hash)
		if err == nil {
			return outcome, nil
		}
		if !errors.Is(err, ErrReceiptNotFound) {
			s.log.Debug("Failed to fetch receipt", zap.String("tx", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt of %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func outcomeFromReceipt(receipt *types.Receipt) *Outcome {
	outcome := &Outcome{
		TxHash:  receipt.TxHash,
		Success: receipt.Status == types.ReceiptStatusSuccessful,
		TxIndex: receipt.TransactionIndex,
		FeePaid: new(big.Int),
	}
	if receipt.BlockNumber != nil {
		outcome.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.EffectiveGasPrice != nil {
		outcome.FeePaid.Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	}
	return outcome
}
