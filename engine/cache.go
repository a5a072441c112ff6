package engine

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/prque"
	"github.com/flashbots/mev-executor/metrics"
)

type CacheConfig struct {
	MaxCapacity int
	TimeToLive  time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxCapacity: DefaultCacheCapacity,
		TimeToLive:  DefaultCacheTTL,
	}
}

type cacheEntry struct {
	opp   *Opportunity
	index int
}

// OpportunityCache stores detected opportunities keyed by identity until the scheduler takes them.
// Entries are evicted when older than TimeToLive and, at capacity, in order of detection time (oldest first).
type OpportunityCache struct {
	mu      sync.Mutex
	entries map[common.Hash]*cacheEntry
	// byAge pops the entry with the oldest DetectedAt first
	byAge *prque.Prque[int64, *cacheEntry]

	cfg CacheConfig
	now func() time.Time
}

func NewOpportunityCache(cfg CacheConfig) *OpportunityCache {
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = DefaultCacheCapacity
	}
	if cfg.TimeToLive <= 0 {
		cfg.TimeToLive = DefaultCacheTTL
	}
	return &OpportunityCache{
		entries: make(map[common.Hash]*cacheEntry, cfg.MaxCapacity),
		byAge: prque.New[int64, *cacheEntry](func(e *cacheEntry, i int) {
			e.index = i
		}),
		cfg: cfg,
		now: time.Now,
	}
}

func agePriority(t time.Time) int64 {
	return -t.UnixNano()
}

// Upsert inserts opp or refreshes the existing entry with the same identity.
// It returns true if a new entry was created.
func (c *OpportunityCache) Upsert(opp *Opportunity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked(c.now())

	if existing, ok := c.entries[opp.Identity]; ok {
		stored := existing.opp
		stored.DetectedAt = opp.DetectedAt
		stored.DetectedBlock = opp.DetectedBlock
		stored.EstimatedProfit = opp.EstimatedProfit
		stored.Payload = opp.Payload
		c.byAge.Remove(existing.index)
		c.byAge.Push(existing, agePriority(stored.DetectedAt))
		return false
	}

	for len(c.entries) >= c.cfg.MaxCapacity && !c.byAge.Empty() {
		oldest := c.byAge.PopItem()
		delete(c.entries, oldest.opp.Identity)
		metrics.IncCacheEvicted("capacity")
	}

	entry := &cacheEntry{opp: opp}
	c.entries[opp.Identity] = entry
	c.byAge.Push(entry, agePriority(opp.DetectedAt))
	return true
}

// Get returns a copy of the entry
func (c *OpportunityCache) Get(identity common.Hash) (Opportunity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[identity]
	if !ok {
		return Opportunity{}, false
	}
	return entry.opp.Copy(), true
}

// Take removes the entry and hands it over to the caller.
// Expired entries are dropped and not returned.
func (c *OpportunityCache) Take(identity common.Hash) (*Opportunity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[identity]
	if !ok {
		return nil, false
	}
	c.removeLocked(entry)
	if entry.opp.Age(c.now()) > c.cfg.TimeToLive {
		metrics.IncCacheEvicted("ttl")
		return nil, false
	}
	return entry.opp, true
}

func (c *OpportunityCache) Remove(identity common.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[identity]
	if !ok {
		return false
	}
	c.removeLocked(entry)
	return true
}

// RemoveTriggered drops every entry whose trigger transaction is in hashes
func (c *OpportunityCache) RemoveTriggered(hashes []common.Hash) int {
	if len(hashes) == 0 {
		return 0
	}
	included := make(map[common.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		included[h] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []*cacheEntry
	for _, entry := range c.entries {
		if entry.opp.Trigger == nil {
			continue
		}
		if _, ok := included[*entry.opp.Trigger]; ok {
			stale = append(stale, entry)
		}
	}
	for _, entry := range stale {
		c.removeLocked(entry)
		metrics.IncCacheEvicted("triggered")
	}
	return len(stale)
}

// Sweep evicts expired entries and returns how many were removed
func (c *OpportunityCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *OpportunityCache) sweepLocked(now time.Time) int {
	removed := 0
	for !c.byAge.Empty() {
		oldest, _ := c.byAge.Peek()
		if oldest.opp.Age(now) <= c.cfg.TimeToLive {
			break
		}
		c.byAge.Pop()
		delete(c.entries, oldest.opp.Identity)
		metrics.IncCacheEvicted("ttl")
		removed++
	}
	return removed
}

func (c *OpportunityCache) removeLocked(entry *cacheEntry) {
	delete(c.entries, entry.opp.Identity)
	if entry.index >= 0 {
		c.byAge.Remove(entry.index)
	}
}

func (c *OpportunityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot returns copies of all entries, in no particular order
func (c *OpportunityCache) Snapshot() []Opportunity {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := make([]Opportunity, 0, len(c.entries))
	for _, entry := range c.entries {
		res = append(res, entry.opp.Copy())
	}
	return res
}
