package conversation

import "sync"

const defaultCacheEntries = 4096

// CachingCounter memoizes per-content token counts so that refitting a
// growing conversation does not re-tokenize every turn. It is safe for
// concurrent use.
type CachingCounter struct {
	counter    TokenCounter
	maxEntries int

	mu    sync.Mutex
	cache map[string]int
}

// NewCachingCounter wraps counter with a cache of at most maxEntries
// contents. The cache is reset when it fills.
func NewCachingCounter(counter TokenCounter, maxEntries int) *CachingCounter {
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	return &CachingCounter{
		counter:    counter,
		maxEntries: maxEntries,
		cache:      make(map[string]int),
	}
}

// Count returns the cached count for text, asking the wrapped counter on a miss.
func (c *CachingCounter) Count(text string) (int, error) {
	c.mu.Lock()
	n, ok := c.cache[text]
	c.mu.Unlock()
	if ok {
		return n, nil
	}

	n, err := c.counter.Count(text)
	if err != nil || n < 0 {
		return n, err
	}

	c.mu.Lock()
	if len(c.cache) >= c.maxEntries {
		clear(c.cache)
	}
	c.cache[text] = n
	c.mu.Unlock()
	return n, nil
}

// Len reports the number of cached entries.
func (c *CachingCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
