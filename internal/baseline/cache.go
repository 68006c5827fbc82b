package baseline

import (
	"sync"

	"enviroguard-backend/internal/telemetry"
)

// Cache holds the most recent Baseline per key. Each Put stores a fresh
// immutable snapshot behind an atomic reference swap, so readers never
// observe a partially updated baseline and never block on a refresh in
// progress.
type Cache struct {
	entries sync.Map // telemetry.Key -> *Baseline
}

func NewCache() *Cache {
	return &Cache{}
}

func (c *Cache) Get(key telemetry.Key) (Baseline, bool) {
	val, ok := c.entries.Load(key)
	if !ok {
		return Baseline{}, false
	}
	return *val.(*Baseline), true
}

// Put replaces the baseline for key. Replace, not merge.
func (c *Cache) Put(key telemetry.Key, b Baseline) {
	c.entries.Store(key, &b)
}

func (c *Cache) Keys() []telemetry.Key {
	keys := []telemetry.Key{}
	c.entries.Range(func(k, _ any) bool {
		keys = append(keys, k.(telemetry.Key))
		return true
	})
	return keys
}
