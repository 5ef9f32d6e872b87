// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// emptySlot is the hash value Clear writes into every slot it empties; a
// never-written slot holds zero instead. Since a real xxhash digest can take
// either value, slots track occupancy with a parallel "used" bit rather than
// comparing against a sentinel hash.
const emptySlot = ^uint64(0)

// OffsetMap is a bounded, open-addressed hash map from record key to the
// highest offset at which that key was last seen. It stores only the key's
// hash, never the key bytes, trading a small false-positive collision rate
// (two distinct keys with the same 64-bit hash sharing one entry) for O(1)
// memory per entry that doesn't grow with key size. Colliding keys share one
// offset, so the cleaner treats the older key's records as superseded by the
// newer key's and drops them.
type OffsetMap struct {
	hashes      []uint64
	offsets     []int64
	used        []bool
	count       int
	maxCount    int // hard cap derived from the load factor
	loadFactor  float64
}

// NewOffsetMap creates a map sized to hold approximately capacity entries
// at the given load factor (e.g. 0.75 means the table is 1/0.75 times
// larger than capacity).
func NewOffsetMap(capacity int, loadFactor float64) *OffsetMap {
	if loadFactor <= 0 || loadFactor >= 1 {
		loadFactor = 0.75
	}
	slots := int(float64(capacity)/loadFactor) + 1
	if slots < 1 {
		slots = 1
	}
	m := &OffsetMap{
		hashes:     make([]uint64, slots),
		offsets:    make([]int64, slots),
		used:       make([]bool, slots),
		maxCount:   capacity,
		loadFactor: loadFactor,
	}
	return m
}

func hashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Put records offset as the latest position of key. If the map is full and
// key is not already present, Put returns an error — the caller (the
// cleaner's buildOffsetMap pass) must start a new cleaning group at that
// point rather than lose dedup information.
func (m *OffsetMap) Put(key []byte, offset int64) error {
	h := hashKey(key)
	slot, found := m.findSlot(h)
	if !found && m.count >= m.maxCount {
		return fmt.Errorf("offset map: full at %d/%d entries", m.count, m.maxCount)
	}
	if !m.used[slot] {
		m.used[slot] = true
		m.hashes[slot] = h
		m.count++
	}
	m.offsets[slot] = offset
	return nil
}

// Get returns the last-seen offset for key, and whether it was found.
func (m *OffsetMap) Get(key []byte) (int64, bool) {
	h := hashKey(key)
	slot, found := m.findSlot(h)
	if !found {
		return 0, false
	}
	return m.offsets[slot], true
}

// findSlot performs linear probing starting at h % len(slots). It returns
// the slot that either already holds h, or the first empty slot found while
// probing — and whether h was actually present.
func (m *OffsetMap) findSlot(h uint64) (slot int, found bool) {
	n := len(m.hashes)
	start := int(h % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if !m.used[idx] {
			return idx, false
		}
		if m.hashes[idx] == h {
			return idx, true
		}
	}
	// Table is completely full of distinct hashes; fall back to the start
	// slot so the caller's capacity check above reports the error.
	return start, false
}

// Size returns the number of distinct hashes currently stored.
func (m *OffsetMap) Size() int {
	return m.count
}

// Slots returns the total number of hash slots allocated.
func (m *OffsetMap) Slots() int {
	return len(m.hashes)
}

// Utilization returns count/slots as a fraction in [0,1].
func (m *OffsetMap) Utilization() float64 {
	if len(m.hashes) == 0 {
		return 0
	}
	return float64(m.count) / float64(len(m.hashes))
}

// Clear empties the map in place for reuse across cleaning groups.
func (m *OffsetMap) Clear() {
	for i := range m.used {
		m.used[i] = false
		m.hashes[i] = emptySlot
	}
	m.count = 0
}
