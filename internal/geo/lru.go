package geo

import "container/list"

// lruCache is a fixed-capacity least-recently-used cache. Every
// go.mod in this corpus that imports an LRU package
// (hashicorp/golang-lru and friends) does so only in a scraped
// manifest with no source attached to learn call conventions from, so
// this is a small hand-rolled stdlib cache rather than a dependency
// with nothing to ground its usage on.
type lruCache struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value Location
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (c *lruCache) get(key string) (Location, bool) {
	el, ok := c.items[key]
	if !ok {
		return Location{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lruCache) add(key string, value Location) {
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*lruEntry).value = value
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}
