// Package cache holds the broker's in-memory read-side caches. SegmentCache
// is consulted by pkg/storage.Log.Read before it touches the filesystem, so
// a repeated fetch of a recently-read segment's bytes (the common case for a
// consumer re-reading the tail, or several consumer groups sharing one
// partition) never pays for a second disk read.
package cache

import (
	"container/list"
	"fmt"
	"sync"
)

// Stats is a point-in-time snapshot of a SegmentCache's hit/miss/eviction
// counters, exposed for logging and future metrics wiring.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Bytes     int
	Entries   int
}

// SegmentCache is an LRU, byte-bounded cache of decoded segment payloads,
// keyed by topic/partition/baseOffset. It never second-guesses the caller
// about what a "segment" is: whatever byte slice Log hands it for a given
// key is what a later GetSegment for that key returns, until eviction.
type SegmentCache struct {
	mu       sync.Mutex
	capacity int
	size     int
	ll       *list.List
	items    map[string]*list.Element

	hits, misses, evictions int64
}

type cacheEntry struct {
	key        string
	topic      string
	partition  int32
	baseOffset int64
	data       []byte
}

// NewSegmentCache creates a cache bounded to capacityBytes of retained
// segment data. A non-positive capacity is clamped to 1 byte rather than
// treated as "unbounded", so a misconfigured cache fails small instead of
// growing without limit.
func NewSegmentCache(capacityBytes int) *SegmentCache {
	if capacityBytes <= 0 {
		capacityBytes = 1
	}
	return &SegmentCache{
		capacity: capacityBytes,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func makeKey(topic string, partition int32, baseOffset int64) string {
	return fmt.Sprintf("%s:%d:%d", topic, partition, baseOffset)
}

// GetSegment returns cached data if present, promoting the entry to the
// front of the recency list on a hit.
func (c *SegmentCache) GetSegment(topic string, partition int32, baseOffset int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[makeKey(topic, partition, baseOffset)]; ok {
		c.ll.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		c.hits++
		return entry.data, true
	}
	c.misses++
	return nil, false
}

// SetSegment adds or updates a cache entry.
func (c *SegmentCache) SetSegment(topic string, partition int32, baseOffset int64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := makeKey(topic, partition, baseOffset)
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		c.size -= len(entry.data)
		entry.data = append(entry.data[:0], data...)
		c.size += len(entry.data)
		c.ll.MoveToFront(elem)
		c.evictIfNeeded()
		return
	}
	copyData := append([]byte(nil), data...)
	entry := &cacheEntry{
		key:        key,
		topic:      topic,
		partition:  partition,
		baseOffset: baseOffset,
		data:       copyData,
	}
	elem := c.ll.PushFront(entry)
	c.items[key] = elem
	c.size += len(copyData)
	c.evictIfNeeded()
}

func (c *SegmentCache) evictIfNeeded() {
	for c.size > c.capacity && c.ll.Len() > 0 {
		elem := c.ll.Back()
		entry := elem.Value.(*cacheEntry)
		delete(c.items, entry.key)
		c.ll.Remove(elem)
		c.size -= len(entry.data)
		c.evictions++
	}
}

// Stats returns a snapshot of the cache's counters.
func (c *SegmentCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Bytes:     c.size,
		Entries:   c.ll.Len(),
	}
}
