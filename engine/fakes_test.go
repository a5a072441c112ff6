package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var testExecutorContract = common.HexToAddress("0x00000000000000000000000000000000000000ee")

type testStrategy struct {
	name string
	kind Kind

	detect   func(ctx context.Context, ev *Event) ([]*Opportunity, error)
	validate func(ctx context.Context, opp *Opportunity) error
	profit   *big.Int
}

func (s *testStrategy) Name() string { return s.name }

func (s *testStrategy) Kind() Kind { return s.kind }

func (s *testStrategy) Detect(ctx context.Context, ev *Event) ([]*Opportunity, error) {
	if s.detect == nil {
		return nil, nil
	}
	return s.detect(ctx, ev)
}

func (s *testStrategy) Validate(ctx context.Context, opp *Opportunity) error {
	if s.validate == nil {
		return nil
	}
	return s.validate(ctx, opp)
}

func (s *testStrategy) EstimateProfit(ctx context.Context, opp *Opportunity, fee FeeMarket) (*big.Int, error) {
	return new(big.Int).Set(s.profit), nil
}

func (s *testStrategy) Execute(ctx context.Context, opp *Opportunity, leg Leg) (*TxRequest, error) {
	return &TxRequest{
		To:       testExecutorContract,
		Data:     append([]byte{byte(leg)}, opp.Payload...),
		GasLimit: 100_000,
	}, nil
}

type testFeeOracle struct {
	fee   FeeMarket
	err   error
	calls atomic.Int32
}

func (o *testFeeOracle) CurrentFeeMarket(ctx context.Context) (FeeMarket, error) {
	o.calls.Add(1)
	return o.fee, o.err
}

// testSubmitter includes every sent transaction in block 10 in send order.
// included holds outcomes of foreign transactions such as triggers.
type testSubmitter struct {
	mu       sync.Mutex
	sendErrs []error
	sent     []Submission
	hashes   map[common.Hash]int
	included map[common.Hash]*Outcome
	revert   bool
	onSend   func(s *testSubmitter, n int)
}

func newTestSubmitter() *testSubmitter {
	return &testSubmitter{
		hashes:   make(map[common.Hash]int),
		included: make(map[common.Hash]*Outcome),
	}
}

func (s *testSubmitter) SignAndSend(ctx context.Context, sub Submission) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent = append(s.sent, sub)
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		return common.Hash{}, err
	}
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], sub.Nonce)
	hash := crypto.Keccak256Hash(nonce[:], sub.Request.Data)
	s.hashes[hash] = len(s.hashes)
	if s.onSend != nil {
		s.onSend(s, len(s.hashes))
	}
	return hash, nil
}

// include marks a foreign transaction as included, callers must hold mu or own s exclusively
func (s *testSubmitter) include(hash common.Hash, block uint64, index uint, success bool) {
	s.included[hash] = &Outcome{TxHash: hash, Success: success, BlockNumber: block, TxIndex: index, FeePaid: new(big.Int)}
}

func (s *testSubmitter) TransactionOutcome(ctx context.Context, hash common.Hash) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if outcome, ok := s.included[hash]; ok {
		return outcome, nil
	}
	if index, ok := s.hashes[hash]; ok {
		return &Outcome{TxHash: hash, Success: !s.revert, BlockNumber: 10, TxIndex: uint(index), FeePaid: big.NewInt(21_000)}, nil
	}
	return nil, ErrReceiptNotFound
}

func (s *testSubmitter) AwaitReceipt(ctx context.Context, hash common.Hash) (*Outcome, error) {
	for {
		outcome, err := s.TransactionOutcome(ctx, hash)
		if err == nil {
			return outcome, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *testSubmitter) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type testSink struct {
	records chan *ExecutionRecord
}

func newTestSink() *testSink {
	return &testSink{records: make(chan *ExecutionRecord, 16)}
}

func (s *testSink) ExecutionFinished(ctx context.Context, rec *ExecutionRecord) error {
	s.records <- rec
	return nil
}

func (s *testSink) next(t *testing.T) *ExecutionRecord {
	t.Helper()
	select {
	case rec := <-s.records:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("no execution record")
		return nil
	}
}

type testMarker struct {
	ok    bool
	err   error
	calls atomic.Int32
}

func (m *testMarker) MarkExecuting(ctx context.Context, identity common.Hash) (bool, error) {
	m.calls.Add(1)
	return m.ok, m.err
}

type testEnqueuer struct {
	mu         sync.Mutex
	identities []common.Hash
	err        error
}

func (e *testEnqueuer) Enqueue(identity common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identities = append(e.identities, identity)
	return e.err
}

// testSource returns its events in order and then ErrSourceClosed
type testSource struct {
	events []*Event
	err    error
}

func (s *testSource) Next(ctx context.Context) (*Event, error) {
	if len(s.events) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, ErrSourceClosed
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

var errConnectionRefused = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")

func testSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Slots:               2,
		QueueSize:           16,
		MaxRetries:          3,
		RetryInitialDelay:   time.Millisecond,
		RetryMaxDelay:       5 * time.Millisecond,
		ConfirmationTimeout: time.Second,
		TriggerTimeout:      time.Second,
		BackrunDeadline:     100 * time.Millisecond,
		SubmitRate:          rate.Inf,
		ShutdownGrace:       time.Second,
	}
}

func testOpportunity(id byte, kind Kind, strategy string) *Opportunity {
	opp := &Opportunity{
		Identity:        common.Hash{id},
		Kind:            kind,
		Strategy:        strategy,
		Payload:         []byte{id},
		EstimatedProfit: big.NewInt(120),
		DetectedAt:      time.Now(),
		DetectedBlock:   9,
	}
	if kind == KindOrderingExploit {
		trigger := common.Hash{0xff, id}
		opp.Trigger = &trigger
	}
	return opp
}

type schedulerFixture struct {
	scheduler *Scheduler
	cache     *OpportunityCache
	nonces    *NonceAllocator
	submitter *testSubmitter
	fees      *testFeeOracle
	sink      *testSink
}

func newSchedulerFixture(t *testing.T, cfg SchedulerConfig, gate GateConfig, marker ExecutionMarker, strategies ...Strategy) *schedulerFixture {
	t.Helper()
	set, err := NewStrategySet(zap.NewNop(), strategies...)
	require.NoError(t, err)

	f := &schedulerFixture{
		cache:     NewOpportunityCache(DefaultCacheConfig()),
		nonces:    NewNonceAllocator(0),
		submitter: newTestSubmitter(),
		fees:      &testFeeOracle{fee: FeeMarket{BaseFee: big.NewInt(0), PriorityFee: big.NewInt(0)}},
		sink:      newTestSink(),
	}
	f.scheduler = NewScheduler(zap.NewNop(), cfg, f.cache, set, NewProfitabilityGate(gate), f.nonces, f.fees, f.submitter, marker, f.sink)
	return f
}

// schedule puts opp into the cache and the queue
func (f *schedulerFixture) schedule(t *testing.T, opp *Opportunity) {
	t.Helper()
	require.True(t, f.cache.Upsert(opp))
	require.NoError(t, f.scheduler.Enqueue(opp.Identity))
}

// start runs the scheduler until the test ends
func (f *schedulerFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	wg := f.scheduler.Start(ctx)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}
