package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
)

const nonceInitMaxElapsed = 30 * time.Second

// NonceSource returns the account's pending transaction count
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceAllocator issues account sequence numbers.
// Numbers are never returned to the allocator, a number whose transaction was not sent leaves a gap.
type NonceAllocator struct {
	mu   sync.Mutex
	next uint64
}

func NewNonceAllocator(initial uint64) *NonceAllocator {
	return &NonceAllocator{next: initial}
}

// NewNonceAllocatorFromChain initialises the allocator from the account's pending nonce
func NewNonceAllocatorFromChain(ctx context.Context, source NonceSource, account common.Address) (*NonceAllocator, error) {
	back := backoff.NewExponentialBackOff()
	back.MaxElapsedTime = nonceInitMaxElapsed

	var nonce uint64
	err := backoff.Retry(func() error {
		var err error
		nonce, err = source.PendingNonceAt(ctx, account)
		return err
	}, backoff.WithContext(back, ctx))
	if err != nil {
		return nil, err
	}
	return NewNonceAllocator(nonce), nil
}

// Allocate returns the current counter value and increments it
func (n *NonceAllocator) Allocate() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	nonce := n.next
	n.next++
	return nonce
}

// Next is the value the next Allocate call will return
func (n *NonceAllocator) Next() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.next
}
