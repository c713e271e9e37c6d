package cache

import (
	"container/list"
	"sync"
	"time"
)

// EvictReason says why an entry left the cache.
type EvictReason int

const (
	// EvictExpired means the entry outlived the TTL.
	EvictExpired EvictReason = iota
	// EvictCapacity means the entry was the least recently used one when the cache was full.
	EvictCapacity
	// EvictRemoved means the caller deleted the entry.
	EvictRemoved
)

func (r EvictReason) String() string {
	switch r {
	case EvictExpired:
		return "expired"
	case EvictCapacity:
		return "capacity"
	case EvictRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Options configures a TTL cache.
type Options[K comparable, V any] struct {
	// TTL is measured from the last Set of a key. Zero disables expiry.
	TTL time.Duration
	// MaxSize bounds the number of entries. Zero means unbounded.
	MaxSize int
	// OnEvict runs after an entry is dropped, outside the cache lock.
	OnEvict func(key K, value V, reason EvictReason)
	// Now overrides the clock (tests).
	Now func() time.Time
}

type ttlEntry[K comparable, V any] struct {
	key     K
	value   V
	expires time.Time
}

type eviction[K comparable, V any] struct {
	key    K
	value  V
	reason EvictReason
}

// TTL is a size-bounded LRU map whose entries also expire after a fixed lifetime.
// It is safe for concurrent use.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	items   map[K]*list.Element
	order   *list.List // front is most recently used
	ttl     time.Duration
	maxSize int
	onEvict func(K, V, EvictReason)
	now     func() time.Time
}

// NewTTL creates a TTL cache.
func NewTTL[K comparable, V any](opts Options[K, V]) *TTL[K, V] {
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	maxSize := opts.MaxSize
	if maxSize < 0 {
		maxSize = 0
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &TTL[K, V]{
		items:   make(map[K]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		onEvict: opts.OnEvict,
		now:     now,
	}
}

// Set inserts or replaces key and restarts its lifetime.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	evicted := c.setLocked(key, value)
	c.mu.Unlock()
	c.notify(evicted)
}

func (c *TTL[K, V]) setLocked(key K, value V) []eviction[K, V] {
	var expires time.Time
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*ttlEntry[K, V])
		e.value = value
		e.expires = expires
		c.order.MoveToFront(el)
		return nil
	}

	c.items[key] = c.order.PushFront(&ttlEntry[K, V]{key: key, value: value, expires: expires})

	var evicted []eviction[K, V]
	for c.maxSize > 0 && c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		evicted = append(evicted, c.removeLocked(oldest, EvictCapacity))
	}
	return evicted
}

// Get returns the value for key and marks it recently used.
// Expired entries are dropped and reported as missing.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	return c.lookup(key, true)
}

// Peek is Get without touching the LRU position.
func (c *TTL[K, V]) Peek(key K) (V, bool) {
	return c.lookup(key, false)
}

func (c *TTL[K, V]) lookup(key K, touch bool) (V, bool) {
	var zero V
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return zero, false
	}
	e := el.Value.(*ttlEntry[K, V])
	if c.expiredLocked(e, c.now()) {
		ev := c.removeLocked(el, EvictExpired)
		c.mu.Unlock()
		c.notify([]eviction[K, V]{ev})
		return zero, false
	}
	if touch {
		c.order.MoveToFront(el)
	}
	value := e.value
	c.mu.Unlock()
	return value, true
}

// Add inserts key only if it is absent or expired. It reports whether the
// value was stored.
func (c *TTL[K, V]) Add(key K, value V) bool {
	c.mu.Lock()
	var evicted []eviction[K, V]
	if el, ok := c.items[key]; ok {
		if !c.expiredLocked(el.Value.(*ttlEntry[K, V]), c.now()) {
			c.mu.Unlock()
			return false
		}
		evicted = append(evicted, c.removeLocked(el, EvictExpired))
	}
	evicted = append(evicted, c.setLocked(key, value)...)
	c.mu.Unlock()
	c.notify(evicted)
	return true
}

// TryAdd is Add for a cache that must not forget live entries: when the
// cache is full of unexpired entries it refuses the key instead of evicting
// the least recently used one. It reports whether the value was stored and,
// if not, whether the cache was full.
func (c *TTL[K, V]) TryAdd(key K, value V) (stored, full bool) {
	c.mu.Lock()
	now := c.now()
	var evicted []eviction[K, V]
	if el, ok := c.items[key]; ok {
		if !c.expiredLocked(el.Value.(*ttlEntry[K, V]), now) {
			c.mu.Unlock()
			return false, false
		}
		evicted = append(evicted, c.removeLocked(el, EvictExpired))
	}
	if c.maxSize > 0 && c.order.Len() >= c.maxSize {
		evicted = append(evicted, c.sweepLocked(now)...)
		if c.order.Len() >= c.maxSize {
			c.mu.Unlock()
			c.notify(evicted)
			return false, true
		}
	}
	evicted = append(evicted, c.setLocked(key, value)...)
	c.mu.Unlock()
	c.notify(evicted)
	return true, false
}

// Delete removes key. It reports whether the key was present.
func (c *TTL[K, V]) Delete(key K) bool {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	ev := c.removeLocked(el, EvictRemoved)
	c.mu.Unlock()
	c.notify([]eviction[K, V]{ev})
	return true
}

// Sweep drops every expired entry and returns how many were removed.
func (c *TTL[K, V]) Sweep() int {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	evicted := c.sweepLocked(c.now())
	c.mu.Unlock()
	c.notify(evicted)
	return len(evicted)
}

func (c *TTL[K, V]) sweepLocked(now time.Time) []eviction[K, V] {
	if c.ttl <= 0 {
		return nil
	}
	var evicted []eviction[K, V]
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expiredLocked(el.Value.(*ttlEntry[K, V]), now) {
			evicted = append(evicted, c.removeLocked(el, EvictExpired))
		}
		el = prev
	}
	return evicted
}

// Len returns the number of stored entries, including ones that expired but
// have not been swept yet.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns live keys from most to least recently used.
func (c *TTL[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	keys := make([]K, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*ttlEntry[K, V])
		if !c.expiredLocked(e, now) {
			keys = append(keys, e.key)
		}
	}
	return keys
}

func (c *TTL[K, V]) expiredLocked(e *ttlEntry[K, V], now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

func (c *TTL[K, V]) removeLocked(el *list.Element, reason EvictReason) eviction[K, V] {
	e := el.Value.(*ttlEntry[K, V])
	c.order.Remove(el)
	delete(c.items, e.key)
	return eviction[K, V]{key: e.key, value: e.value, reason: reason}
}

func (c *TTL[K, V]) notify(evicted []eviction[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, ev := range evicted {
		c.onEvict(ev.key, ev.value, ev.reason)
	}
}
