package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/flashbots/mev-executor/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	ErrQueueFull        = errors.New("scheduler queue is full")
	ErrAlreadyScheduled = errors.New("opportunity is already scheduled")
	ErrRecentlyExecuted = errors.New("opportunity was executed recently")
)

// Scheduler admits opportunities into a bounded pool of execution slots and drives each one
// through its state machine. Slots are granted in enqueue order. An opportunity keeps its slot
// until it reaches a terminal state, including the time spent waiting for receipts, triggers and retries.
type Scheduler struct {
	log        *zap.Logger
	cfg        SchedulerConfig
	cache      *OpportunityCache
	strategies *StrategySet
	gate       *ProfitabilityGate
	nonces     *NonceAllocator
	fees       FeeOracle
	submitter  Submitter
	marker     ExecutionMarker
	sinks      []ExecutionSink

	limiter *rate.Limiter
	slots   *semaphore.Weighted
	queue   chan common.Hash

	mu        sync.Mutex
	scheduled map[common.Hash]struct{}
	running   map[common.Hash]State
	// recent holds identities that reached a terminal state and when
	recent *lru.Cache[common.Hash, time.Time]

	now func() time.Time
}

// NewScheduler creates a scheduler. marker may be nil.
func NewScheduler(
	log *zap.Logger, cfg SchedulerConfig, cache *OpportunityCache, strategies *StrategySet, gate *ProfitabilityGate,
	nonces *NonceAllocator, fees FeeOracle, submitter Submitter, marker ExecutionMarker, sinks ...ExecutionSink,
) *Scheduler {
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SubmitRate <= 0 {
		cfg.SubmitRate = rate.Inf
	}
	return &Scheduler{
		log:        log.Named("scheduler"),
		cfg:        cfg,
		cache:      cache,
		strategies: strategies,
		gate:       gate,
		nonces:     nonces,
		fees:       fees,
		submitter:  submitter,
		marker:     marker,
		sinks:      sinks,
		limiter:    rate.NewLimiter(cfg.SubmitRate, 1),
		slots:      semaphore.NewWeighted(cfg.Slots),
		queue:      make(chan common.Hash, cfg.QueueSize),
		scheduled:  make(map[common.Hash]struct{}),
		running:    make(map[common.Hash]State),
		recent:     lru.NewCache[common.Hash, time.Time](recentExecutionsCacheSize),
		now:        time.Now,
	}
}

// Enqueue schedules the cached opportunity with the given identity. It never blocks.
func (s *Scheduler) Enqueue(identity common.Hash) error {
	if finishedAt, ok := s.recent.Get(identity); ok && s.now().Sub(finishedAt) < s.cfg.ReexecutionCooldown {
		return ErrRecentlyExecuted
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[identity]; ok {
		return ErrAlreadyScheduled
	}
	select {
	case s.queue <- identity:
		s.scheduled[identity] = struct{}{}
		return nil
	default:
		metrics.IncQueueFullOpportunities()
		return ErrQueueFull
	}
}

// Start runs the dispatcher until ctx is done.
// After that in-flight executions get ShutdownGrace to finish before their context is cancelled.
// The returned WaitGroup is done once every execution has returned.
func (s *Scheduler) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		execCtx, execCancel := context.WithCancel(context.Background())
		defer execCancel()
		execWg := &sync.WaitGroup{}

		s.dispatch(ctx, execCtx, execWg)

		done := make(chan struct{})
		go func() {
			execWg.Wait()
			close(done)
		}()
		timer := time.NewTimer(s.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			s.log.Warn("Shutdown grace period elapsed, abandoning in-flight opportunities", zap.Strings("opportunities", sortedHexes(s.Running())))
			execCancel()
			<-done
		}
	}()
	return wg
}

func (s *Scheduler) dispatch(ctx, execCtx context.Context, execWg *sync.WaitGroup) {
	for {
		var identity common.Hash
		select {
		case <-ctx.Done():
			return
		case identity = <-s.queue:
		}

		if err := s.slots.Acquire(ctx, 1); err != nil {
			s.release(identity)
			return
		}
		opp, ok := s.cache.Take(identity)
		if !ok {
			// evicted or dropped while queued
			s.slots.Release(1)
			s.release(identity)
			continue
		}

		s.setRunning(identity, opp.State)
		execWg.Add(1)
		go func() {
			defer execWg.Done()
			defer s.slots.Release(1)
			defer s.release(opp.Identity)
			s.execute(execCtx, opp)
		}()
	}
}

func (s *Scheduler) execute(ctx context.Context, opp *Opportunity) {
	metrics.IncInflightExecutions()
	defer metrics.DecInflightExecutions()

	startAt := s.now()
	log := s.log.With(
		zap.String("opportunity", opp.Identity.Hex()),
		zap.Stringer("kind", opp.Kind),
		zap.String("strategy", opp.Strategy),
	)

	if s.marker != nil {
		ok, err := s.marker.MarkExecuting(ctx, opp.Identity)
		if err != nil {
			// marker is best effort, local dedupe still applies
			log.Warn("Failed to set execution marker", zap.Error(err))
		} else if !ok {
			log.Debug("Opportunity is executed by another process")
			metrics.IncMarkedElsewhere()
			return
		}
	}

	e := newExecution(s, opp, log)
	e.run(ctx)
	s.finish(e, startAt)
}

func (s *Scheduler) finish(e *execution, startAt time.Time) {
	finishedAt := s.now()
	opp := e.opp
	s.recent.Add(opp.Identity, finishedAt)

	metrics.IncOpportunityFinished(opp.Kind.String(), opp.State.String())
	metrics.RecordExecutionDuration(opp.Kind.String(), finishedAt.Sub(startAt))

	rec := e.record(finishedAt)
	fields := []zap.Field{
		zap.Stringer("state", opp.State),
		zap.Int("attempts", opp.AttemptCount),
		zap.Strings("history", stateNamesOf(rec.History)),
		zap.Strings("txs", hexesOf(opp.TxHashes)),
		zap.Duration("duration", finishedAt.Sub(startAt)),
	}
	switch {
	case opp.State == StateCompleted:
		if opp.EstimatedProfit != nil {
			metrics.AddEstimatedProfitEth(opp.Kind.String(), weiToEthFloat(opp.EstimatedProfit))
			fields = append(fields, zap.String("estimated_profit_eth", formatUnits(opp.EstimatedProfit, "eth")))
		}
		e.log.Info("Opportunity completed", fields...)
	case Classify(e.err) == ClassFatal:
		fields = append(fields, zap.Error(e.err), zap.Int("payload_size", len(opp.Payload)), zap.Uint64("detected_block", opp.DetectedBlock))
		e.log.Error("Opportunity failed", fields...)
	default:
		fields = append(fields, zap.Error(e.err))
		e.log.Info("Opportunity failed", fields...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	for _, sink := range s.sinks {
		if err := sink.ExecutionFinished(ctx, rec); err != nil {
			metrics.IncSinkErrors()
			e.log.Warn("Failed to record execution", zap.Error(err))
		}
	}
}

func (s *Scheduler) release(identity common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scheduled, identity)
	delete(s.running, identity)
}

func (s *Scheduler) setRunning(identity common.Hash, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[identity] = state
}

// Queued is the number of identities waiting for a slot
func (s *Scheduler) Queued() int {
	return len(s.queue)
}

func (s *Scheduler) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Running returns the current state of every in-flight opportunity
func (s *Scheduler) Running() map[common.Hash]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make(map[common.Hash]State, len(s.running))
	for k, v := range s.running {
		res[k] = v
	}
	return res
}
