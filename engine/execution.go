package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-executor/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrTriggerConfirmed    = fmt.Errorf("%w: trigger transaction confirmed before frontrun", ErrValidation)
	ErrTriggerOrdering     = fmt.Errorf("%w: trigger transaction included before frontrun", ErrValidation)
	ErrTriggerReverted     = fmt.Errorf("%w: trigger transaction reverted, frontrun unwound", ErrValidation)
	ErrTriggerTimeout      = fmt.Errorf("%w: trigger transaction not confirmed in time", ErrFatal)
	ErrTransactionReverted = fmt.Errorf("%w: transaction reverted", ErrValidation)
)

// execution is the state machine of a single opportunity. It is driven by one goroutine
// that owns the opportunity until it reaches a terminal state.
type execution struct {
	s        *Scheduler
	opp      *Opportunity
	log      *zap.Logger
	strategy Strategy
	back     *backoff.ExponentialBackOff

	// err is the last failure, retry tells whether Failed leads to Retrying
	err   error
	retry bool

	// pending is the transaction the machine is waiting for
	pending common.Hash
	// committed is set once the leading transaction of an ordering exploit was sent,
	// after that the sequence is never restarted
	committed bool
	// unwinding is set when the trigger reverted, the trailing leg then only closes the frontrun position
	unwinding       bool
	triggerDeadline time.Time
	frontrun        *Outcome
	feePaid         *big.Int
}

func newExecution(s *Scheduler, opp *Opportunity, log *zap.Logger) *execution {
	back := backoff.NewExponentialBackOff()
	back.InitialInterval = s.cfg.RetryInitialDelay
	back.MaxInterval = s.cfg.RetryMaxDelay
	// retries are bounded by MaxRetries, not by time
	back.MaxElapsedTime = 0
	back.Reset()

	return &execution{
		s:       s,
		opp:     opp,
		log:     log,
		back:    back,
		feePaid: new(big.Int),
	}
}

func (e *execution) run(ctx context.Context) {
	strategy, ok := e.s.strategies.Get(e.opp.Strategy)
	if !ok {
		e.fail(fmt.Errorf("%w: %w %q", ErrFatal, ErrUnknownStrategy, e.opp.Strategy))
		return
	}
	e.strategy = strategy

	for {
		switch e.opp.State {
		case StateCompleted:
			return
		case StateFailed:
			if !e.retry {
				return
			}
			metrics.IncRetriedOpportunities()
			e.moveTo(StateRetrying)
			continue
		}

		next, err := e.safeStep(ctx)
		if err != nil {
			e.fail(err)
			continue
		}
		e.moveTo(next)
	}
}

func (e *execution) step(ctx context.Context) (State, error) {
	switch e.opp.State {
	case StateDetected:
		return StateValidating, nil
	case StateValidating:
		if _, err := e.check(ctx, e.firstLeg()); err != nil {
			return StateFailed, err
		}
		return StateSubmitting, nil
	case StateSubmitting:
		return e.submit(ctx)
	case StateFrontrunSubmitted:
		return e.awaitFrontrun(ctx)
	case StateAwaitingTrigger:
		return e.awaitTrigger(ctx)
	case StateBackrunSubmitted:
		return StateAwaitingConfirmation, nil
	case StateAwaitingConfirmation:
		return e.awaitConfirmation(ctx)
	case StateRetrying:
		return e.waitRetry(ctx)
	}
	return StateFailed, fmt.Errorf("%w: no step for state %s", ErrFatal, e.opp.State)
}

// safeStep runs step and turns a panic in strategy code into a fatal failure of this opportunity
func (e *execution) safeStep(ctx context.Context) (next State, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncStrategyError(e.strategy.Name(), "panic")
			e.log.Error("Strategy panicked during execution", zap.Any("panic", r), zap.Stringer("state", e.opp.State))
			next, err = StateFailed, fmt.Errorf("%w: %w: %v", ErrFatal, ErrStrategyPanic, r)
		}
	}()
	return e.step(ctx)
}

func (e *execution) moveTo(next State) {
	if err := e.opp.transition(next); err != nil {
		e.log.Error("Invalid state transition", zap.Error(err))
		e.opp.History = append(e.opp.History, e.opp.State)
		e.opp.State = StateFailed
		e.err = fmt.Errorf("%w: %w", ErrFatal, err)
		e.retry = false
	}
	e.s.setRunning(e.opp.Identity, e.opp.State)
}

func (e *execution) fail(err error) {
	class := Classify(err)
	e.err = err
	e.retry = false
	if class.Retryable() && !e.committed && e.opp.AttemptCount < e.s.cfg.MaxRetries {
		e.opp.AttemptCount++
		e.retry = e.opp.AttemptCount < e.s.cfg.MaxRetries
	}
	if reason := gateReason(err); reason != "" {
		metrics.IncGateRejected(reason)
	}
	e.log.Debug("Opportunity attempt failed",
		zap.Error(err),
		zap.Stringer("class", class),
		zap.Stringer("state", e.opp.State),
		zap.Int("attempt", e.opp.AttemptCount),
		zap.Bool("retry", e.retry))
	e.moveTo(StateFailed)
}

func (e *execution) firstLeg() Leg {
	if e.opp.Kind == KindOrderingExploit {
		return LegFrontrun
	}
	return LegSingle
}

// check re-validates the opportunity, re-estimates its profit under the current fee market and runs the gate
func (e *execution) check(ctx context.Context, leg Leg) (FeeMarket, error) {
	if err := e.opp.ValidateEnvelope(); err != nil {
		return FeeMarket{}, withClass(err, ErrFatal)
	}
	if e.unwinding {
		// the position is closed whatever the trade is worth now
		fee, err := e.s.fees.CurrentFeeMarket(ctx)
		if err != nil {
			return FeeMarket{}, withClass(err, ErrTransient)
		}
		return fee, nil
	}
	if err := e.strategy.Validate(ctx, e.opp); err != nil {
		metrics.IncStrategyError(e.strategy.Name(), "validate")
		return FeeMarket{}, withClass(err, ErrValidation)
	}
	fee, err := e.s.fees.CurrentFeeMarket(ctx)
	if err != nil {
		return FeeMarket{}, withClass(err, ErrTransient)
	}
	profit, err := e.strategy.EstimateProfit(ctx, e.opp, fee)
	if err != nil {
		metrics.IncStrategyError(e.strategy.Name(), "estimate_profit")
		return FeeMarket{}, withClass(err, ErrValidation)
	}
	e.opp.EstimatedProfit = profit
	if err := e.s.gate.Check(e.opp, leg, profit, fee, e.s.now()); err != nil {
		return FeeMarket{}, err
	}
	return fee, nil
}

// send runs the final gate check, allocates a nonce and submits the leg.
// Steps after the gate are strictly sequential for one opportunity.
func (e *execution) send(ctx context.Context, leg Leg) (common.Hash, error) {
	fee, err := e.check(ctx, leg)
	if err != nil {
		return common.Hash{}, err
	}
	req, err := e.strategy.Execute(ctx, e.opp, leg)
	if err != nil {
		metrics.IncStrategyError(e.strategy.Name(), "execute")
		return common.Hash{}, withClass(err, ErrFatal)
	}
	if err := req.Validate(); err != nil {
		return common.Hash{}, withClass(err, ErrFatal)
	}
	if err := e.s.limiter.Wait(ctx); err != nil {
		return common.Hash{}, err
	}

	tip := fee.PriorityFee
	if tip == nil {
		tip = new(big.Int)
	}
	nonce := e.s.nonces.Allocate()
	metrics.IncNonceAllocations()
	hash, err := e.s.submitter.SignAndSend(ctx, Submission{
		Request:   req,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: e.s.gate.FeeCap(fee),
	})
	if err != nil {
		e.log.Debug("Failed to submit transaction", zap.Stringer("leg", leg), zap.Uint64("nonce", nonce), zap.Error(err))
		return common.Hash{}, err
	}

	e.opp.TxHashes = append(e.opp.TxHashes, hash)
	metrics.IncTransactionSubmitted(leg.String())
	e.log.Info("Transaction submitted",
		zap.Stringer("leg", leg),
		zap.Uint64("nonce", nonce),
		zap.String("tx", hash.Hex()),
		zap.String("estimated_profit_eth", formatUnits(e.opp.EstimatedProfit, "eth")),
		zap.String("fee_gwei", formatUnits(fee.Total(), "gwei")))
	return hash, nil
}

func (e *execution) submit(ctx context.Context) (State, error) {
	leg := e.firstLeg()
	if leg == LegFrontrun {
		if err := e.ensureTriggerPending(ctx); err != nil {
			return StateFailed, err
		}
	}

	hash, err := e.send(ctx, leg)
	if err != nil {
		return StateFailed, err
	}
	e.pending = hash

	if leg == LegFrontrun {
		e.committed = true
		e.triggerDeadline = time.Now().Add(e.s.cfg.TriggerTimeout)
		return StateFrontrunSubmitted, nil
	}
	return StateAwaitingConfirmation, nil
}

func (e *execution) ensureTriggerPending(ctx context.Context) error {
	_, err := e.s.submitter.TransactionOutcome(ctx, *e.opp.Trigger)
	switch {
	case err == nil:
		return ErrTriggerConfirmed
	case errors.Is(err, ErrReceiptNotFound):
		return nil
	default:
		return withClass(err, ErrTransient)
	}
}

func (e *execution) awaitFrontrun(ctx context.Context) (State, error) {
	waitCtx, cancel := context.WithDeadline(ctx, e.triggerDeadline)
	defer cancel()

	outcome, err := e.s.submitter.AwaitReceipt(waitCtx, e.pending)
	if err != nil {
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return StateFailed, fmt.Errorf("%w: frontrun %s not included", ErrTriggerTimeout, e.pending.Hex())
		}
		return StateFailed, err
	}
	e.addFee(outcome)
	if !outcome.Success {
		return StateFailed, fmt.Errorf("%w: frontrun %s", ErrTransactionReverted, outcome.TxHash.Hex())
	}
	e.frontrun = outcome
	return StateAwaitingTrigger, nil
}

// awaitTrigger waits for the specific trigger transaction and submits the trailing leg right after it
func (e *execution) awaitTrigger(ctx context.Context) (State, error) {
	waitCtx, cancel := context.WithDeadline(ctx, e.triggerDeadline)
	defer cancel()

	trigger, err := e.s.submitter.AwaitReceipt(waitCtx, *e.opp.Trigger)
	if err != nil {
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return StateFailed, ErrTriggerTimeout
		}
		return StateFailed, err
	}
	if !e.frontrun.Before(trigger) {
		return StateFailed, fmt.Errorf("%w: frontrun at %d/%d, trigger at %d/%d", ErrTriggerOrdering,
			e.frontrun.BlockNumber, e.frontrun.TxIndex, trigger.BlockNumber, trigger.TxIndex)
	}
	if !trigger.Success {
		e.log.Warn("Trigger transaction reverted, unwinding frontrun", zap.String("trigger", trigger.TxHash.Hex()))
		e.unwinding = true
	}

	hash, err := e.sendBackrun(ctx)
	if err != nil {
		return StateFailed, err
	}
	e.pending = hash
	return StateBackrunSubmitted, nil
}

// sendBackrun retries transient submission errors of the trailing leg for at most BackrunDeadline
func (e *execution) sendBackrun(ctx context.Context) (common.Hash, error) {
	back := backoff.NewExponentialBackOff()
	back.InitialInterval = e.s.cfg.RetryInitialDelay
	back.MaxInterval = e.s.cfg.RetryMaxDelay
	back.MaxElapsedTime = e.s.cfg.BackrunDeadline

	var hash common.Hash
	err := backoff.Retry(func() error {
		var err error
		hash, err = e.send(ctx, LegBackrun)
		if err != nil && !Classify(err).Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(back, ctx))
	return hash, err
}

func (e *execution) awaitConfirmation(ctx context.Context) (State, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.s.cfg.ConfirmationTimeout)
	defer cancel()

	startAt := time.Now()
	outcome, err := e.s.submitter.AwaitReceipt(waitCtx, e.pending)
	metrics.RecordConfirmationDuration(time.Since(startAt))
	if err != nil {
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return StateFailed, fmt.Errorf("%w: no receipt for %s after %s", ErrTransient, e.pending.Hex(), e.s.cfg.ConfirmationTimeout)
		}
		return StateFailed, err
	}
	e.addFee(outcome)
	if !outcome.Success {
		return StateFailed, fmt.Errorf("%w: %s", ErrTransactionReverted, outcome.TxHash.Hex())
	}
	if e.unwinding {
		return StateFailed, ErrTriggerReverted
	}
	return StateCompleted, nil
}

func (e *execution) waitRetry(ctx context.Context) (State, error) {
	delay := e.back.NextBackOff()
	if delay == backoff.Stop {
		return StateFailed, fmt.Errorf("%w: retry backoff exhausted", ErrFatal)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return StateFailed, ctx.Err()
	case <-timer.C:
		return StateSubmitting, nil
	}
}

func (e *execution) addFee(outcome *Outcome) {
	if outcome.FeePaid != nil {
		e.feePaid.Add(e.feePaid, outcome.FeePaid)
	}
}

func (e *execution) record(finishedAt time.Time) *ExecutionRecord {
	rec := &ExecutionRecord{
		ID:              uuid.New(),
		Identity:        e.opp.Identity,
		Kind:            e.opp.Kind,
		Strategy:        e.opp.Strategy,
		State:           e.opp.State,
		AttemptCount:    e.opp.AttemptCount,
		EstimatedProfit: bigOrNil(e.opp.EstimatedProfit),
		FeePaid:         bigOrNil(e.feePaid),
		TxHashes:        append([]common.Hash{}, e.opp.TxHashes...),
		History:         append(append([]State{}, e.opp.History...), e.opp.State),
		DetectedAt:      e.opp.DetectedAt,
		FinishedAt:      finishedAt,
	}
	if e.opp.State == StateFailed && e.err != nil {
		rec.Error = e.err.Error()
	}
	return rec
}

func gateReason(err error) string {
	switch {
	case errors.Is(err, ErrBelowMinProfit):
		return "min_profit"
	case errors.Is(err, ErrFeeCapExceeded):
		return "fee_cap"
	case errors.Is(err, ErrValidityWindowElapsed):
		return "validity_window"
	case errors.Is(err, ErrNoProfitEstimate):
		return "no_estimate"
	default:
		return ""
	}
}
