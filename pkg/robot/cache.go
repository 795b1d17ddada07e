package robot

import (
	"maps"
	"sync"
	"time"
)

// StateCache holds the last known position of every joint. It is shared by
// the fetch path, which writes it, and the observation and clamp paths,
// which read it. The lock is only held to copy values in or out.
type StateCache struct {
	mu        sync.Mutex
	positions map[JointName]float64
	updated   map[JointName]time.Time
}

// NewStateCache returns an empty cache.
func NewStateCache() *StateCache {
	return &StateCache{
		positions: make(map[JointName]float64),
		updated:   make(map[JointName]time.Time),
	}
}

// Seed sets joints that have no value yet. Joints that already have one
// are left alone, so reconnecting keeps the last known state. Seeded
// values carry no refresh time.
func (c *StateCache) Seed(neutral map[JointName]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, v := range neutral {
		if _, ok := c.positions[name]; !ok {
			c.positions[name] = v
		}
	}
}

// Update merges positions into the cache. Joints not in positions keep
// their previous value.
func (c *StateCache) Update(positions map[JointName]float64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, v := range positions {
		c.positions[name] = v
		c.updated[name] = at
	}
}

// Snapshot returns a copy of every cached position.
func (c *StateCache) Snapshot() map[JointName]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.positions)
}


// Stale returns the joints not refreshed since before now-maxAge, including
// joints that were only ever seeded.
func (c *StateCache) Stale(now time.Time, maxAge time.Duration) []JointName {
	c.mu.Lock()
	defer c.mu.Unlock()
	var stale []JointName
	for name := range c.positions {
		at, ok := c.updated[name]
		if !ok || now.Sub(at) > maxAge {
			stale = append(stale, name)
		}
	}
	return stale
}
