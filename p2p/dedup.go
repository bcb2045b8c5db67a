package p2p

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"lukechampine.com/blake3"
)

type dedupKey [32]byte

type dedupEntry struct {
	count     int
	firstSeen time.Time
}

// dedupCache tracks recently seen message digests so repeated deliveries of
// the same envelope are dropped after the allowed number of occurrences.
// Capacity is enforced by the LRU; the janitor additionally expires entries
// older than the trim interval so long-lived digests can recur later.
type dedupCache struct {
	mu      sync.Mutex
	entries *lru.Cache[dedupKey, *dedupEntry]

	allowed int
	maxAge  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func newDedupCache(capacity, allowed int, trimInterval time.Duration) (*dedupCache, error) {
	entries, err := lru.New[dedupKey, *dedupEntry](capacity)
	if err != nil {
		return nil, err
	}
	c := &dedupCache{
		entries: entries,
		allowed: allowed,
		maxAge:  trimInterval,
		stop:    make(chan struct{}),
	}
	go c.janitor()
	return c, nil
}

// Observe records one sighting of the digest and reports whether this
// occurrence is still within the allowed budget.
func (c *dedupCache) Observe(raw []byte) bool {
	key := dedupKey(blake3.Sum256(raw))
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries.Get(key)
	if !ok {
		c.entries.Add(key, &dedupEntry{count: 1, firstSeen: time.Now()})
		getMetrics().DedupCacheSize.Set(float64(c.entries.Len()))
		return true
	}
	entry.count++
	return entry.count <= c.allowed
}

// janitor drops aged entries on the trim interval.
func (c *dedupCache) janitor() {
	ticker := time.NewTicker(c.maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.trim(time.Now())
		case <-c.stop:
			return
		}
	}
}

func (c *dedupCache) trim(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(entry.firstSeen) >= c.maxAge {
			c.entries.Remove(key)
		}
	}
	getMetrics().DedupCacheSize.Set(float64(c.entries.Len()))
}

func (c *dedupCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
