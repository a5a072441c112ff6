package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/flashbots/mev-executor/metrics"
	"go.uber.org/zap"
)

// Enqueuer is the part of the Scheduler used by the ingestion loop
type Enqueuer interface {
	Enqueue(identity common.Hash) error
}

// IngestionLoop is the single consumer of the event source. It runs detection for every event,
// stores results in the cache and hands identities to the scheduler without waiting for execution.
type IngestionLoop struct {
	log        *zap.Logger
	source     EventSource
	strategies *StrategySet
	cache      *OpportunityCache
	scheduler  Enqueuer

	seen  *lru.Cache[common.Hash, struct{}]
	block atomic.Uint64
	now   func() time.Time
}

func NewIngestionLoop(log *zap.Logger, source EventSource, strategies *StrategySet, cache *OpportunityCache, scheduler Enqueuer) *IngestionLoop {
	return &IngestionLoop{
		log:        log.Named("ingestion"),
		source:     source,
		strategies: strategies,
		cache:      cache,
		scheduler:  scheduler,
		seen:       lru.NewCache[common.Hash, struct{}](seenTransactionsCacheSize),
		now:        time.Now,
	}
}

// Run consumes events until ctx is done or the source is closed.
// It only returns an error if the source fails permanently.
func (l *IngestionLoop) Run(ctx context.Context) error {
	for {
		ev, err := l.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				return nil
			}
			return err
		}
		l.handle(ctx, ev)
	}
}

// CurrentBlock is the highest block number seen so far
func (l *IngestionLoop) CurrentBlock() uint64 {
	return l.block.Load()
}

func (l *IngestionLoop) handle(ctx context.Context, ev *Event) {
	metrics.IncEventReceived(ev.Type.String())

	switch ev.Type {
	case EventBlock:
		if ev.BlockNumber > l.block.Load() {
			l.block.Store(ev.BlockNumber)
		}
		// ordering exploits whose trigger is already included can't be executed anymore
		if removed := l.cache.RemoveTriggered(ev.TxHashes); removed > 0 {
			l.log.Debug("Dropped opportunities with included triggers", zap.Int("count", removed), zap.Uint64("block", ev.BlockNumber))
		}
		l.cache.Sweep()
	case EventPendingTx:
		if l.seen.Contains(ev.Hash) {
			metrics.IncSeenTransactionsSkipped()
			return
		}
		l.seen.Add(ev.Hash, struct{}{})
	}

	opps := l.strategies.DetectAll(ctx, ev)
	if len(opps) == 0 {
		return
	}

	now := l.now()
	block := l.block.Load()
	for _, opp := range opps {
		opp.DetectedAt = now
		opp.DetectedBlock = block
		opp.State = StateDetected
		opp.AttemptCount = 0
		opp.History = nil
		opp.TxHashes = nil

		logger := l.log.With(zap.String("opportunity", opp.Identity.Hex()), zap.String("strategy", opp.Strategy))
		if err := opp.ValidateEnvelope(); err != nil {
			metrics.IncStrategyError(opp.Strategy, "envelope")
			logger.Warn("Strategy returned invalid opportunity", zap.Error(err))
			continue
		}
		if !l.cache.Upsert(opp) {
			metrics.IncDuplicateOpportunities()
		}

		err := l.scheduler.Enqueue(opp.Identity)
		switch {
		case err == nil:
			logger.Debug("Opportunity scheduled", zap.Stringer("kind", opp.Kind), zap.String("estimated_profit_eth", formatUnits(opp.EstimatedProfit, "eth")))
		case errors.Is(err, ErrAlreadyScheduled), errors.Is(err, ErrRecentlyExecuted):
			logger.Debug("Opportunity not scheduled", zap.Error(err))
		default:
			logger.Warn("Failed to schedule opportunity", zap.Error(err))
		}
	}
}
