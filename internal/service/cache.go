package service

import (
	"container/list"
	"sync"
)

// payloadCache keeps the most recent completed payloads up to a byte budget.
type payloadCache struct {
	mu    sync.Mutex
	limit int
	size  int
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	id   string
	data []byte
}

func newPayloadCache(limit int) *payloadCache {
	return &payloadCache{limit: limit, order: list.New(), items: make(map[string]*list.Element)}
}

// put stores b under id, evicting the oldest entries to stay within limit.
// A payload larger than the whole budget is not retained.
func (c *payloadCache) put(id string, b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(b) > c.limit {
		return false
	}
	if el, ok := c.items[id]; ok {
		c.size -= len(el.Value.(*cacheEntry).data)
		c.order.Remove(el)
		delete(c.items, id)
	}
	for c.size+len(b) > c.limit && c.order.Len() > 0 {
		old := c.order.Front()
		e := old.Value.(*cacheEntry)
		c.size -= len(e.data)
		c.order.Remove(old)
		delete(c.items, e.id)
	}
	c.items[id] = c.order.PushBack(&cacheEntry{id: id, data: b})
	c.size += len(b)
	return true
}

func (c *payloadCache) get(id string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*cacheEntry).data, true
}
