package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"

	"convscope/pkg/types"
)

// Key derives the cache key for a job: SHA-256 over the image bytes, the
// model id and the normalized settings. Any difference in layer selection or
// top-k produces a distinct key.
func Key(image []byte, modelID string, settings types.JobSettings) string {
	h := sha256.New()
	h.Write(image)
	h.Write([]byte{0})
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(settings.TopKPreds)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(settings.TopKCAM)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(settings.CAMLayers, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache holds completed job results keyed by input digest, with LRU
// eviction. A Get refreshes recency. The zero value is unusable; use New.
type Cache struct {
	mu      sync.Mutex
	enabled bool
	max     int
	ll      *list.List
	items   map[string]*list.Element
}

type cacheEntry struct {
	key    string
	result *types.JobResult
}

// New returns a cache keeping at most max entries. A disabled cache accepts
// writes and always misses.
func New(max int, enabled bool) *Cache {
	if max <= 0 {
		max = 1
	}
	return &Cache{
		enabled: enabled,
		max:     max,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}
}

// Get returns the cached result for key and marks it most recently used.
func (c *Cache) Get(key string) (*types.JobResult, bool) {
	if !c.enabled {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).result, true
}

// Set stores a result, evicting the least recently used entry when full.
func (c *Cache) Set(key string, result *types.JobResult) {
	if !c.enabled || result == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).result = result
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(&cacheEntry{key: key, result: result})
	for c.ll.Len() > c.max {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// Len reports the number of cached results.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
