package usecase

import (
	"sync"

	"github.com/vitos/option_exit_bot/internal/domain"
)

// TickCache keeps the latest known-good tick per instrument key. Writers
// merge field by field: a quote packet that omits a value never clobbers
// the last known one, a zero/negative last price is ignored entirely, and
// a packet older than the cached one is dropped rather than rewinding the
// price.
type TickCache struct {
	mu    sync.RWMutex
	ticks map[string]domain.Tick
}

func NewTickCache() *TickCache {
	return &TickCache{ticks: make(map[string]domain.Tick)}
}

// Put merges the incoming tick into the cached value for its key.
// Returns false when the tick was dropped: no usable price, or observed
// before the cached tick.
func (c *TickCache) Put(t domain.Tick) bool {
	if t.InstrumentKey == "" || t.LastPrice <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.ticks[t.InstrumentKey]
	if ok {
		if t.ObservedAt.Before(prev.ObservedAt) {
			return false
		}
		if t.PrevClose <= 0 {
			t.PrevClose = prev.PrevClose
		}
	}
	c.ticks[t.InstrumentKey] = t
	return true
}

// Get returns a copy of the latest tick for the key.
func (c *TickCache) Get(instrumentKey string) (domain.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[instrumentKey]
	return t, ok
}

// Remove prunes an instrument that is no longer of interest.
func (c *TickCache) Remove(instrumentKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ticks, instrumentKey)
}

// Keys returns the currently cached instrument keys.
func (c *TickCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.ticks))
	for k := range c.ticks {
		keys = append(keys, k)
	}
	return keys
}
