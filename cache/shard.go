package cache

import (
	"container/list"
	"sync"
)

// shard holds a slice of the key space with its own recency list.
// Front of lru is the most recently used entry.
type shard struct {
	mu    sync.Mutex
	items map[uint64]*entry
	lru   *list.List
}

func newShard() *shard {
	return &shard{items: make(map[uint64]*entry), lru: list.New()}
}

// remove unlinks e. Caller holds mu.
func (s *shard) remove(e *entry) {
	if cur, ok := s.items[e.hash]; ok && cur == e {
		delete(s.items, e.hash)
	}
	if e.elem != nil {
		s.lru.Remove(e.elem)
		e.elem = nil
	}
}

// oldest returns the tail entry and its access tick. Caller holds mu.
func (s *shard) oldest() (*entry, uint64) {
	back := s.lru.Back()
	if back == nil {
		return nil, 0
	}
	e := back.Value.(*entry)
	return e, e.tick
}

const shardCount = 32
