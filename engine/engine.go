// Package engine implements the opportunity execution core.
//
// Data flow:
//
//  1. IngestionLoop reads block and pending transaction events from an EventSource, one at a time.
//  2. Every event is handed to the StrategySet; each strategy may return opportunities.
//  3. Opportunities are upserted into the OpportunityCache (deduplicated by identity, aged out by TTL and capacity)
//     and their identities are enqueued into the Scheduler.
//  4. The Scheduler admits queued identities through a bounded slot pool and drives each opportunity through
//     its state machine: validate, gate, allocate nonce, sign, send, await receipt, retry transient failures.
//  5. Ordering exploits submit a leading transaction, wait for the trigger transaction and then submit the trailing one.
//  6. Terminal outcomes are written to ExecutionSinks (postgres, redis) and metrics.
package engine

import "time"

const (
	// MaxPayloadSize is the largest kind-specific payload an opportunity may carry.
	MaxPayloadSize = 64 * 1024

	// DefaultCacheCapacity and DefaultCacheTTL bound pending opportunities
	DefaultCacheCapacity = 4096
	DefaultCacheTTL      = 120 * time.Second

	seenTransactionsCacheSize = 1 << 16
	recentExecutionsCacheSize = 1 << 14

	detectTimeout = 2 * time.Second
	sinkTimeout   = 5 * time.Second
)
