package core

import (
	"container/list"
	"sync"
)

// OutcomeCache is the hot tier of settlement deduplication: an LRU of
// recently committed outcomes keyed by settlement id. The cold tier is the
// unique index on transactions.settlement_id — a cache miss falls through to
// a store lookup inside the account's unit of work, so eviction never costs
// correctness, only a round trip.
type OutcomeCache struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type outcomeEntry struct {
	key     string
	outcome SettlementOutcome
}

func NewOutcomeCache(capacity int) *OutcomeCache {
	return &OutcomeCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Get returns the cached outcome for a settlement id, promoting it to most
// recently used.
func (c *OutcomeCache) Get(settlementID string) (SettlementOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cache[settlementID]
	if !ok {
		return SettlementOutcome{}, false
	}
	c.lruList.MoveToFront(elem)
	return elem.Value.(*outcomeEntry).outcome, true
}

// Add records a committed outcome (or promotes an existing one).
func (c *OutcomeCache) Add(settlementID string, outcome SettlementOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[settlementID]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*outcomeEntry).outcome = outcome
		return
	}

	elem := c.lruList.PushFront(&outcomeEntry{key: settlementID, outcome: outcome})
	c.cache[settlementID] = elem

	if c.lruList.Len() > c.capacity {
		c.evictOldest()
	}
}

func (c *OutcomeCache) evictOldest() {
	elem := c.lruList.Back()
	if elem == nil {
		return
	}
	c.lruList.Remove(elem)
	delete(c.cache, elem.Value.(*outcomeEntry).key)
	c.evictions++
}

// Size returns the current number of cached outcomes.
func (c *OutcomeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Evictions returns the total evictions since startup.
func (c *OutcomeCache) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}
