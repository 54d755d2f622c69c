// Package cache 极简 TTL 缓存。
// 过期项在读时惰性剔除，写满一批后顺手做一次全量清扫，
// 不起后台 goroutine，持有方不需要管生命周期。
package cache

import (
	"sync"
	"time"
)

const sweepEvery = 256 // 每写入这么多次做一次过期清扫

type entry[V any] struct {
	val      V
	deadline time.Time
}

// InMemoryCache 并发安全的泛型 TTL 缓存。
type InMemoryCache[K comparable, V any] struct {
	mu         sync.Mutex
	items      map[K]entry[V]
	defaultTTL time.Duration
	writes     int
}

func NewInMemoryCache[K comparable, V any](defaultTTL time.Duration) *InMemoryCache[K, V] {
	return &InMemoryCache[K, V]{
		items:      make(map[K]entry[V]),
		defaultTTL: defaultTTL,
	}
}

// Get 返回未过期的值；过期项当场删除。
func (c *InMemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.deadline) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return e.val, true
}

// Set 写入一项；ttl 为 0 用缓存的默认 TTL。
func (c *InMemoryCache[K, V]) Set(key K, val V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = entry[V]{val: val, deadline: time.Now().Add(ttl)}
	c.writes++
	if c.writes%sweepEvery == 0 {
		now := time.Now()
		for k, e := range c.items {
			if now.After(e.deadline) {
				delete(c.items, k)
			}
		}
	}
}

func (c *InMemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *InMemoryCache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
