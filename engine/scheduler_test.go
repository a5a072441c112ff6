package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestScheduler_SingleLegCompletes(t *testing.T) {
	strategy := &testStrategy{name: "arb", kind: KindArbitrage, profit: big.NewInt(120)}
	f := newSchedulerFixture(t, testSchedulerConfig(), GateConfig{MinProfit: big.NewInt(40)}, nil, strategy)

	f.schedule(t, testOpportunity(1, KindArbitrage, "arb"))
	f.start(t)

	rec := f.sink.next(t)
	require.Equal(t, StateCompleted, rec.State)
	require.Equal(t, 0, rec.AttemptCount)
	require.Len(t, rec.TxHashes, 1)
	require.Equal(t, []State{StateDetected, StateValidating, StateSubmitting, StateAwaitingConfirmation, StateCompleted}, rec.History)
	require.Equal(t, "120", rec.EstimatedProfit.ToInt().String())
	require.Equal(t, "21000", rec.FeePaid.ToInt().String())
	require.Empty(t, rec.Error)

	require.Equal(t, uint64(1), f.nonces.Next())
	require.Equal(t, 1, f.submitter.sentCount())
	require.Equal(t, uint64(0), f.submitter.sent[0].Nonce)
	require.Equal(t, testExecutorContract, f.submitter.sent[0].Request.To)
}

func TestScheduler_FeeCapExceeded(t *testing.T) {
	strategy := &testStrategy{name: "arb", kind: KindArbitrage, profit: big.NewInt(120)}
	f := newSchedulerFixture(t, testSchedulerConfig(), GateConfig{MinProfit: big.NewInt(40), MaxFee: big.NewInt(50)}, nil, strategy)
	f.fees.fee = FeeMarket{BaseFee: big.NewInt(50), PriorityFee: big.NewInt(10)}

	f.schedule(t, testOpportunity(1, KindArbitrage, "arb"))
	f.start(t)

	rec := f.sink.next(t)
	require.Equal(t, StateFailed, rec.State)
	require.Equal(t, 3, rec.AttemptCount)
	require.Contains(t, rec.Error, "network fee above cap")
	require.Empty(t, rec.TxHashes)
	require.Equal(t, uint64(0), f.nonces.Next())
	require.Equal(t, 0, f.submitter.sentCount())
}

func TestScheduler_GateRejections(t *testing.T) {
	tests := []struct {
		name   string
		profit int64
		gate   GateConfig
		kind   Kind
		age    time.Duration
		errMsg string
	}{
		{
			name:   "profit equal to minimum",
			profit: 40,
			gate:   GateConfig{MinProfit: big.NewInt(40)},
			kind:   KindArbitrage,
			errMsg: "estimated profit at or below minimum",
		},
		{
			name:   "negative profit",
			profit: -10,
			gate:   GateConfig{},
			kind:   KindLiquidation,
			errMsg: "estimated profit at or below minimum",
		},
		{
			name:   "validity window elapsed",
			profit: 120,
			gate:   GateConfig{ValidityWindows: map[Kind]time.Duration{KindTimedOrder: time.Second}},
			kind:   KindTimedOrder,
			age:    2 * time.Second,
			errMsg: "validity window elapsed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strategy := &testStrategy{name: "s", kind: tt.kind, profit: big.NewInt(tt.profit)}
			f := newSchedulerFixture(t, testSchedulerConfig(), tt.gate, nil, strategy)

			opp := testOpportunity(1, tt.kind, "s")
			opp.DetectedAt = time.Now().Add(-tt.age)
			f.schedule(t, opp)
			f.start(t)

			rec := f.sink.next(t)
			require.Equal(t, StateFailed, rec.State)
			require.Equal(t, 0, rec.AttemptCount)
			require.Contains(t, rec.Error, tt.errMsg)
			require.Equal(t, uint64(0), f.nonces.Next())
		})
	}
}

func TestScheduler_TransientFailuresAreRetried(t *testing.T) {
	strategy := &testStrategy{name: "arb", kind: KindArbitrage, profit: big.NewInt(120)}
	f := newSchedulerFixture(t, testSchedulerConfig(), GateConfig{MinProfit: big.NewInt(40)}, nil, strategy)
	f.submitter.sendErrs = []error{errConnectionRefused, errConnectionRefused, errConnectionRefused}

	f.schedule(t, testOpportunity(1, KindArbitrage, "arb"))
	f.start(t)

	rec := f.sink.next(t)
	require.Equal(t, StateFailed, rec.State)
	require.Equal(t, 3, rec.AttemptCount)
	require.Contains(t, rec.Error, "connection refused")
	// every attempt consumed a nonce, gaps are never reused
	require.Equal(t, uint64(3), f.nonces.Next())
	require.Equal(t, 3, f.submitter.sentCount())
	require.Contains(t, rec.History, StateRetrying)
}

func TestScheduler_RetrySucceeds(t *testing.T) {
	strategy := &testStrategy{name: "arb", kind: KindArbitrage, profit: big.NewInt(120)}
	f := newSchedulerFixture(t, testSchedulerConfig(), GateConfig{MinProfit: big.NewInt(40)}, nil, strategy)
	f.submitter.sendErrs = []error{errConnectionRefused}

	f.schedule(t, testOpportunity(1, KindArbitrage, "arb"))
	f.start(t)

	rec := f.sink.next(t)
	require.Equal(t, StateCompleted, rec.State)
	require.Equal(t, 1, rec.AttemptCount)
	require.Len(t, rec.TxHashes, 1)
	require.Equal(t, uint64(2), f.nonces.Next())
	require.Equal(t, uint64(1), f.submitter.sent[1].Nonce)
}

func TestScheduler_NonRetryableFailures(t *testing.T) {
	tests := []struct {
		name     string
		validate error
		sendErr  error
		revert   bool
		errMsg   string
		nonces   uint64
	}{
		{
			name:     "validation",
			validate: errors.New("pool drained"),
			errMsg:   "pool drained",
			nonces:   0,
		},
		{
			name:    "fatal send error",
			sendErr: errors.New("insufficient funds for gas * price + value"),
			errMsg:  "insufficient funds",
			nonces:  1,
		},
		{
			name:   "reverted",
			revert: true,
			errMsg: "transaction reverted",
			nonces: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strategy := &testStrategy{name: "arb", kind: KindArbitrage, profit: big.NewInt(120)}
			if tt.validate != nil {
				strategy.validate = func(ctx context.Context, opp *Opportunity) error { return tt.validate }
			}
			f := newSchedulerFixture(t, testSchedulerConfig(), GateConfig{}, nil, strategy)
			if tt.sendErr != nil {
				f.submitter.sendErrs = []error{tt.sendErr}
			}
			f.submitter.revert = tt.revert

			f.schedule(t, testOpportunity(1, KindArbitrage, "arb"))
			f.start(t)

			rec := f.sink.next(t)
			require.Equal(t, StateFailed, rec.State)
			require.Equal(t, 0, rec.AttemptCount)
			require.Contains(t, rec.Error, tt.errMsg)
			require.NotContains(t, rec.History, StateRetrying)
			require.Equal(t, tt.nonces, f.nonces.Next())
		})
	}
}

func TestScheduler_OneSlotSerializesExecutions(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.Slots = 1

	var (
		scheduler   *Scheduler
		maxInflight atomic.Int32
	)
	strategy := &testStrategy{
		name:   "arb",
		kind:   KindArbitrage,
		profit: big.NewInt(120),
		validate: func(ctx context.Context, opp *Opportunity) error {
			if n := int32(scheduler.Inflight()); n > maxInflight.Load() {
				maxInflight.Store(n)
			}
			time.Sleep(10 * time.Millisecond)
			return nil
		},
	}
	f := newSchedulerFixture(t, cfg, GateConfig{}, nil, strategy)
	scheduler = f.scheduler

	for i := byte(1); i <= 3; i++ {
		f.schedule(t, testOpportunity(i, KindArbitrage, "arb"))
	}
	f.start(t)

	for i := 0; i < 3; i++ {
		rec := f.sink.next(t)
		require.Equal(t, StateCompleted, rec.State)
	}
	require.Equal(t, int32(1), maxInflight.Load())
	require.Equal(t, uint64(3), f.nonces.Next())
}

func TestScheduler_OrderingExploit(t *testing.T) {
	strategy := &testStrategy{name: "sandwich", kind: KindOrderingExploit, profit: big.NewInt(120)}
	f := newSchedulerFixture(t, testSchedulerConfig(), GateConfig{MinProfit: big.NewInt(40)}, nil, strategy)

	opp := testOpportunity(1, KindOrderingExploit, "sandwich")
	trigger := *opp.Trigger
	// the trigger lands right after the frontrun
	f.submitter.onSend = func(s *testSubmitter, n int) {
		if n == 1 {
			s.include(trigger, 10, 5, true)
		}
	}

	f.schedule(t, opp)
	f.start(t)

	rec := f.sink.next(t)
	require.Equal(t, StateCompleted, rec.State, rec.Error)
	require.Equal(t, []State{
		StateDetected, StateValidating, StateSubmitting, StateFrontrunSubmitted, StateAwaitingTrigger,
		StateBackrunSubmitted, StateAwaitingConfirmation, StateCompleted,
	}, rec.History)
	require.Len(t, rec.TxHashes, 2)
	require.Equal(t, uint64(2), f.nonces.Next())
	require.Equal(t, byte(LegFrontrun), f.submitter.sent[0].Request.Data[0])
	require.Equal(t, byte(LegBackrun), f.submitter.sent[1].Request.Data[0])
	require.Equal(t, "42000", rec.FeePaid.ToInt().String())
}

func TestScheduler_OrderingExploitTriggerConfirmedFirst(t *testing.T) {
	strategy := &testStrategy{name: "sandwich", kind: KindOrderingExploit, profit: big.NewInt(120)}
	f := newSchedulerFixture(t, testSchedulerConfig(), GateConfig{}, nil, strategy)

	opp := testOpportunity(1, KindOrderingExploit, "sandwich")
	f.submitter.include(*opp.Trigger, 9, 0, true)

	f.schedule(t, opp)
	f.start(t)

	rec := f.sink.next(t)
	require.Equal(t, StateFailed, rec.State)
	require.Contains(t, rec.Error, "confirmed before frontrun")
	require.NotContains(t, rec.History, StateFrontrunSubmitted)
	require.NotContains(t, rec.History, StateBackrunSubmitted)
	require.Equal(t, uint64(0), f.nonces.Next())
}

func TestScheduler_OrderingExploitTriggerTimeout(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.TriggerTimeout = 50 * time.Millisecond
	strategy := &testStrategy{name: "sandwich", kind: KindOrderingExploit, profit: big.NewInt(120)}
	f := newSchedulerFixture(t, cfg, GateConfig{}, nil, strategy)

	f.schedule(t, testOpportunity(1, KindOrderingExploit, "sandwich"))
	f.start(t)

	rec := f.sink.next(t)
	require.Equal(t, StateFailed, rec.State)
	require.Contains(t, rec.Error, "not confirmed in time")
	require.Contains(t, rec.History, StateAwaitingTrigger)
	require.NotContains(t, rec.History, StateBackrunSubmitted)
	// the frontrun is sent, the sequence is never restarted
	require.Equal(t, 0, rec.AttemptCount)
	require.Equal(t, uint64(1), f.nonces.Next())
}

func TestScheduler_OrderingExploitTriggerBeforeFrontrun(t *testing.T) {
	strategy := &testStrategy{name: "sandwich", kind: KindOrderingExploit, profit: big.NewInt(120)}
	f := newSchedulerFixture(t, testSchedulerConfig(), GateConfig{}, nil, strategy)

	opp := testOpportunity(1, KindOrderingExploit, "sandwich")
	trigger := *opp.Trigger
	// included in an earlier block than the frontrun, but only visible after the frontrun was sent
	f.submitter.onSend = func(s *testSubmitter, n int) {
		if n == 1 {
			s.include(trigger, 9, 3, true)
		}
	}

	f.schedule(t, opp)
	f.start(t)

	rec := f.sink.next(t)
	require.Equal(t, StateFailed, rec.State)
	require.Contains(t, rec.Error, "included before frontrun")
	require.NotContains(t, rec.History, StateBackrunSubmitted)
	require.Equal(t, uint64(1), f.nonces.Next())
}

func TestScheduler_Enqueue(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.QueueSize = 2
	strategy := &testStrategy{name: "arb", kind: KindArbitrage, profit: big.NewInt(120)}
	f := newSchedulerFixture(t, cfg, GateConfig{}, nil, strategy)

	require.NoError(t, f.scheduler.Enqueue(common.Hash{1}))
	require.ErrorIs(t, f.scheduler.Enqueue(common.Hash{1}), ErrAlreadyScheduled)
	require.NoError(t, f.scheduler.Enqueue(common.Hash{2}))
	require.ErrorIs(t, f.scheduler.Enqueue(common.Hash{3}), ErrQueueFull)
	require.Equal(t, 2, f.scheduler.Queued())
}

func TestScheduler_ReexecutionCooldown(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.ReexecutionCooldown = time.Hour
	strategy := &testStrategy{name: "arb", kind: KindArbitrage, profit: big.NewInt(120)}
	f := newSchedulerFixture(t, cfg, GateConfig{}, nil, strategy)

	opp := testOpportunity(1, KindArbitrage, "arb")
	f.schedule(t, opp)
	f.start(t)
	require.Equal(t, StateCompleted, f.sink.next(t).State)

	require.Eventually(t, func() bool {
		return f.scheduler.Inflight() == 0
	}, time.Second, time.Millisecond)
	require.ErrorIs(t, f.scheduler.Enqueue(opp.Identity), ErrRecentlyExecuted)
}

func TestScheduler_SkipsDroppedOpportunities(t *testing.T) {
	strategy := &testStrategy{name: "arb", kind: KindArbitrage, profit: big.NewInt(120)}
	f := newSchedulerFixture(t, testSchedulerConfig(), GateConfig{}, nil, strategy)

	dropped := testOpportunity(1, KindArbitrage, "arb")
	f.schedule(t, dropped)
	require.True(t, f.cache.Remove(dropped.Identity))
	f.schedule(t, testOpportunity(2, KindArbitrage, "arb"))
	f.start(t)

	rec := f.sink.next(t)
	require.Equal(t, common.Hash{2}, rec.Identity)
	require.Equal(t, uint64(1), f.nonces.Next())
}

func TestScheduler_ExecutionMarker(t *testing.T) {
	tests := []struct {
		name     string
		marker   *testMarker
		executed bool
	}{
		{name: "marked", marker: &testMarker{ok: true}, executed: true},
		{name: "marked elsewhere", marker: &testMarker{ok: false}, executed: false},
		{name: "marker unavailable", marker: &testMarker{err: fmt.Errorf("redis down")}, executed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strategy := &testStrategy{name: "arb", kind: KindArbitrage, profit: big.NewInt(120)}
			f := newSchedulerFixture(t, testSchedulerConfig(), GateConfig{}, tt.marker, strategy)

			f.schedule(t, testOpportunity(1, KindArbitrage, "arb"))
			f.start(t)

			if tt.executed {
				require.Equal(t, StateCompleted, f.sink.next(t).State)
				return
			}
			require.Eventually(t, func() bool {
				return tt.marker.calls.Load() == 1 && f.scheduler.Inflight() == 0
			}, time.Second, time.Millisecond)
			require.Empty(t, f.sink.records)
			require.Equal(t, uint64(0), f.nonces.Next())
		})
	}
}

func TestScheduler_UnknownStrategy(t *testing.T) {
	strategy := &testStrategy{name: "arb", kind: KindArbitrage, profit: big.NewInt(120)}
	f := newSchedulerFixture(t, testSchedulerConfig(), GateConfig{}, nil, strategy)

	f.schedule(t, testOpportunity(1, KindArbitrage, "gone"))
	f.start(t)

	rec := f.sink.next(t)
	require.Equal(t, StateFailed, rec.State)
	require.Contains(t, rec.Error, "unknown strategy")
	require.Equal(t, 0, rec.AttemptCount)
	require.Equal(t, []State{StateDetected, StateFailed}, rec.History)
}

func TestScheduler_OrderingExploitTriggerReverted(t *testing.T) {
	var validations atomic.Int32
	strategy := &testStrategy{
		name:   "sandwich",
		kind:   KindOrderingExploit,
		profit: big.NewInt(120),
		validate: func(ctx context.Context, opp *Opportunity) error {
			// valid for the Validating check and the frontrun, gone once the victim reverted
			if validations.Add(1) > 2 {
				return errors.New("victim swap reverted")
			}
			return nil
		},
	}
	f := newSchedulerFixture(t, testSchedulerConfig(), GateConfig{MinProfit: big.NewInt(40)}, nil, strategy)

	opp := testOpportunity(1, KindOrderingExploit, "sandwich")
	trigger := *opp.Trigger
	f.submitter.onSend = func(s *testSubmitter, n int) {
		if n == 1 {
			s.include(trigger, 10, 5, false)
		}
	}

	f.schedule(t, opp)
	f.start(t)

	rec := f.sink.next(t)
	require.Equal(t, StateFailed, rec.State)
	require.Contains(t, rec.Error, "trigger transaction reverted")
	require.Equal(t, []State{
		StateDetected, StateValidating, StateSubmitting, StateFrontrunSubmitted, StateAwaitingTrigger,
		StateBackrunSubmitted, StateAwaitingConfirmation, StateFailed,
	}, rec.History)
	require.Equal(t, 0, rec.AttemptCount)
	require.Len(t, rec.TxHashes, 2)
	require.Equal(t, byte(LegBackrun), f.submitter.sent[1].Request.Data[0])
	require.Equal(t, uint64(2), f.nonces.Next())
}

func TestScheduler_StrategyPanicFailsOnlyItsOpportunity(t *testing.T) {
	panicking := &testStrategy{
		name:   "broken",
		kind:   KindLiquidation,
		profit: big.NewInt(120),
		validate: func(ctx context.Context, opp *Opportunity) error {
			panic("adapter returned nil position")
		},
	}
	healthy := &testStrategy{name: "arb", kind: KindArbitrage, profit: big.NewInt(120)}
	cfg := testSchedulerConfig()
	cfg.Slots = 1
	f := newSchedulerFixture(t, cfg, GateConfig{}, nil, panicking, healthy)

	f.schedule(t, testOpportunity(1, KindLiquidation, "broken"))
	f.schedule(t, testOpportunity(2, KindArbitrage, "arb"))
	f.start(t)

	rec := f.sink.next(t)
	require.Equal(t, common.Hash{1}, rec.Identity)
	require.Equal(t, StateFailed, rec.State)
	require.Contains(t, rec.Error, ErrStrategyPanic.Error())
	require.Equal(t, 0, rec.AttemptCount)
	require.Equal(t, []State{StateDetected, StateValidating, StateFailed}, rec.History)

	rec = f.sink.next(t)
	require.Equal(t, common.Hash{2}, rec.Identity)
	require.Equal(t, StateCompleted, rec.State)
	require.Equal(t, uint64(1), f.nonces.Next())
}
