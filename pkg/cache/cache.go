// Package cache implements the shared block cache: a byte-bounded LRU over
// decoded table blocks. Concurrent misses for the same block are collapsed
// so the loader runs at most once per block at a time.
package cache

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// BlockCache caches decoded blocks keyed by (table file number, block
// offset). Returned blocks are immutable byte slices owned by the caller
// for the duration of use; eviction only drops the cache's reference.
type BlockCache struct {
	mu       sync.Mutex
	capacity uint64
	used     uint64
	items    map[blockKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem

	group singleflight.Group

	hits   uint64
	misses uint64
}

type blockKey struct {
	fileNum uint64
	offset  uint64
}

type cacheItem struct {
	key   blockKey
	value []byte
	prev  *cacheItem
	next  *cacheItem
}

// New creates a cache bounded by capacity bytes.
func New(capacity uint64) *BlockCache {
	return &BlockCache{
		capacity: capacity,
		items:    make(map[blockKey]*cacheItem),
	}
}

// GetOrLoad returns the cached block or runs load to produce it. At most one
// load per key is in flight; concurrent callers wait and share the result.
func (bc *BlockCache) GetOrLoad(fileNum, offset uint64, load func() ([]byte, error)) ([]byte, error) {
	key := blockKey{fileNum: fileNum, offset: offset}

	if block, ok := bc.get(key); ok {
		return block, nil
	}

	v, err, _ := bc.group.Do(fmt.Sprintf("%d/%d", fileNum, offset), func() (any, error) {
		// a racer may have filled it between the miss and the flight
		if block, ok := bc.get(key); ok {
			return block, nil
		}
		block, err := load()
		if err != nil {
			return nil, err
		}
		bc.set(key, block)
		return block, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// EvictTable drops every cached block of a table. Called when the table file
// is retired so its blocks do not linger at the expense of live ones.
func (bc *BlockCache) EvictTable(fileNum uint64) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for key, item := range bc.items {
		if key.fileNum == fileNum {
			bc.unlink(item)
			delete(bc.items, key)
			bc.used -= uint64(len(item.value))
		}
	}
}

// Stats returns hit and miss counters.
func (bc *BlockCache) Stats() (hits, misses uint64) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.hits, bc.misses
}

// UsedBytes returns the bytes currently resident.
func (bc *BlockCache) UsedBytes() uint64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.used
}

func (bc *BlockCache) get(key blockKey) ([]byte, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[key]
	if !found {
		bc.misses++
		return nil, false
	}
	bc.hits++
	bc.moveToHead(item)
	return item.value, true
}

func (bc *BlockCache) set(key blockKey, value []byte) {
	if uint64(len(value)) > bc.capacity {
		// never cacheable, serve uncached
		return
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()

	if item, found := bc.items[key]; found {
		bc.used += uint64(len(value)) - uint64(len(item.value))
		item.value = value
		bc.moveToHead(item)
	} else {
		item := &cacheItem{key: key, value: value}
		bc.addToHead(item)
		bc.items[key] = item
		bc.used += uint64(len(value))
	}

	for bc.used > bc.capacity && bc.tail != nil {
		bc.evictLRU()
	}
}

func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
}

func (bc *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head
	if bc.head != nil {
		bc.head.prev = item
	}
	bc.head = item
	if bc.tail == nil {
		bc.tail = item
	}
}

func (bc *BlockCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	}
	if item == bc.head {
		bc.head = item.next
	}
	if item == bc.tail {
		bc.tail = item.prev
	}
	item.prev = nil
	item.next = nil
}

func (bc *BlockCache) evictLRU() {
	victim := bc.tail
	if victim == nil {
		return
	}
	bc.unlink(victim)
	delete(bc.items, victim.key)
	bc.used -= uint64(len(victim.value))
}
