package cache

import (
	"container/list"
	"sync"
)

// MemCache is the default in-process Provider: a map with an LRU list,
// capped by total content bytes. A zero cap disables eviction entirely.
type MemCache struct {
	mu        sync.Mutex
	maxBytes  int64
	curBytes  int64
	ll        *list.List // front = most recently used
	items     map[string]*list.Element
	evictions int64
}

func NewMemCache(maxBytes int64) *MemCache {
	return &MemCache{
		maxBytes: maxBytes,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (m *MemCache) Get(path string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[path]
	if !ok {
		return Entry{}, false, nil
	}
	m.ll.MoveToFront(el)
	return el.Value.(Entry), true, nil
}

func (m *MemCache) Put(entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[entry.Path]; ok {
		m.curBytes += int64(len(entry.Content)) - int64(len(el.Value.(Entry).Content))
		el.Value = entry
		m.ll.MoveToFront(el)
	} else {
		m.items[entry.Path] = m.ll.PushFront(entry)
		m.curBytes += int64(len(entry.Content))
	}
	// evict from the cold end, sparing the entry just stored
	for m.maxBytes > 0 && m.curBytes > m.maxBytes && m.ll.Len() > 1 {
		m.removeElement(m.ll.Back())
		m.evictions++
	}
	return nil
}

func (m *MemCache) Purge(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[path]; ok {
		m.removeElement(el)
	}
}

func (m *MemCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

// Evictions reports how many entries have been evicted by the byte cap.
func (m *MemCache) Evictions() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

func (m *MemCache) removeElement(el *list.Element) {
	entry := el.Value.(Entry)
	m.ll.Remove(el)
	delete(m.items, entry.Path)
	m.curBytes -= int64(len(entry.Content))
}
