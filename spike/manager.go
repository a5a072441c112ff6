// Package spike coalesces concurrent lookups of the same external resource and caches the results,
// so a burst of detections asking for the same price or pool state results in one upstream request.
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	defaultCleanupInterval = time.Second
	DefaultFetchTimeout    = 5 * time.Second
)

// Key is anything that can be used as a map key and rendered as a cache key,
// e.g. common.Address or common.Hash
type Key interface {
	comparable
	String() string
}

type Handler[K Key, T any] struct {
	Fetch func(ctx context.Context, k K) (T, error)
	Set   func(k K, v T)
	Get   func(k K) (T, bool)
}

type result[T any] struct {
	v T
	e error
}

// Manager runs at most one Fetch per key at a time, all callers waiting for the same key share its result.
// Errors are not cached.
type Manager[K Key, T any] struct {
	handler      Handler[K, T]
	fetchTimeout time.Duration

	mu       sync.Mutex
	inflight map[K][]chan<- result[T]
}

// NewCustomManager creates a Manager with a cache implementation controlled by client code
func NewCustomManager[K Key, T any](h Handler[K, T], fetchTimeout time.Duration) *Manager[K, T] {
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &Manager[K, T]{
		handler:      h,
		fetchTimeout: fetchTimeout,
		inflight:     make(map[K][]chan<- result[T]),
	}
}

// NewManager creates a Manager backed by a go-cache TTL cache
func NewManager[K Key, T any](fetch func(ctx context.Context, k K) (T, error), cacheTime time.Duration) *Manager[K, T] {
	g := gocache.New(cacheTime, defaultCleanupInterval)
	return NewCustomManager[K, T](Handler[K, T]{
		Fetch: fetch,
		Set: func(k K, v T) {
			g.Set(k.String(), v, cacheTime)
		},
		Get: func(k K) (T, bool) {
			v, ok := g.Get(k.String())
			if !ok {
				var rt T
				return rt, false
			}
			//nolint:forcetypeassert
			return v.(T), true
		},
	}, DefaultFetchTimeout)
}

func (m *Manager[K, T]) GetResult(ctx context.Context, k K) (T, error) { //nolint:ireturn
	if v, ok := m.handler.Get(k); ok {
		return v, nil
	}

	resChan := make(chan result[T], 1)

	m.mu.Lock()
	// the value may have been stored while we were waiting for the lock
	if v, ok := m.handler.Get(k); ok {
		m.mu.Unlock()
		return v, nil
	}
	waiters, running := m.inflight[k]
	m.inflight[k] = append(waiters, resChan)
	m.mu.Unlock()

	if !running {
		go m.fetch(k)
	}

	select {
	case <-ctx.Done():
		var rt T
		return rt, ctx.Err()
	case res := <-resChan:
		return res.v, res.e
	}
}

// fetch is detached from the caller context so a cancelled caller does not fail the others waiting on k
func (m *Manager[K, T]) fetch(k K) {
	ctx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancel()

	v, err := m.handler.Fetch(ctx, k)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.handler.Set(k, v)
	}
	for _, ch := range m.inflight[k] {
		ch <- result[T]{v: v, e: err}
	}
	delete(m.inflight, k)
}
