package chainrpc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/sha3"
)

const cacheCleanupInterval = time.Minute

type cacheEntry struct {
	value     interface{}
	writtenAt time.Time
}

// resultCache stores call results with a per operation ttl, evicting the oldest entry when full.
type resultCache struct {
	mu      sync.Mutex
	store   *gocache.Cache
	maxSize int
	now     func() time.Time
}

func newResultCache(maxSize int) *resultCache {
	return &resultCache{
		store:   gocache.New(gocache.NoExpiration, cacheCleanupInterval),
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (c *resultCache) get(key string) (interface{}, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	//nolint:forcetypeassert
	return v.(cacheEntry).value, true
}

func (c *resultCache) set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.store.Get(key); !found && c.maxSize > 0 {
		c.store.DeleteExpired()
		for c.store.ItemCount() >= c.maxSize {
			c.evictOldest()
		}
	}
	c.store.Set(key, cacheEntry{value: value, writtenAt: c.now()}, ttl)
}

func (c *resultCache) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, item := range c.store.Items() {
		//nolint:forcetypeassert
		entry := item.Object.(cacheEntry)
		if oldestKey == "" || entry.writtenAt.Before(oldest) {
			oldestKey, oldest = k, entry.writtenAt
		}
	}
	if oldestKey == "" {
		// everything left expired after the last sweep
		c.store.DeleteExpired()
		return
	}
	c.store.Delete(oldestKey)
}

func (c *resultCache) flush() {
	c.store.Flush()
}

func (c *resultCache) len() int {
	return c.store.ItemCount()
}

// cacheKey is the operation name joined with the keccak digest of the normalized arguments
func cacheKey(op string, args []interface{}) string {
	h := sha3.NewLegacyKeccak256()
	for _, arg := range normalizeArgs(args) {
		data, err := json.Marshal(arg)
		if err != nil {
			data = []byte(fmt.Sprintf("%v", arg))
		}
		h.Write(data)
		h.Write([]byte{0})
	}
	return op + ":" + common.BytesToHash(h.Sum(nil)).Hex()
}
