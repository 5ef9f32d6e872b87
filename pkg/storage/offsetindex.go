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
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// indexEntrySize is the width in bytes of one packed (relativeOffset,
// filePosition) pair.
const indexEntrySize = 8

var (
	// ErrInvalidOffset is returned by Append when offset does not strictly
	// increase past the last indexed entry.
	ErrInvalidOffset = errors.New("offset index: offset does not increase monotonically")
	// ErrIndexFull is returned by Append when the mapped region has no room
	// for another entry.
	ErrIndexFull = errors.New("offset index: index is full")
	// ErrCorruptIndex is returned by SanityCheck when on-disk invariants
	// are violated.
	ErrCorruptIndex = errors.New("offset index: corrupt index")
)

// OffsetIndex is a sparse, memory-mapped mapping from a segment's logical
// offsets to byte positions within that segment's data file. Entries are
// packed 8 bytes each: a big-endian uint32 relative offset (absolute offset
// minus baseOffset) followed by a big-endian uint32 file position.
//
// All mutation happens under mu. On POSIX targets, Lookup is safe to call
// without holding mu (mmap.MMap supports concurrent readers while a writer
// appends past the read cursor); Resize unmaps and remaps, so it is
// serialized against readers by mu to avoid a reader observing a stale or
// freed mapping mid-resize.
type OffsetIndex struct {
	mu         sync.RWMutex
	file       *os.File
	mmap       mmap.MMap
	baseOffset int64
	maxEntries int
	entries    int // number of valid entries currently written
	readOnly   bool
}

// NewOffsetIndex creates or opens the index file at path, preallocated to
// capacityBytes (rounded down to a multiple of 8), and memory-maps it.
// If the file already has content, entries already present are counted by
// scanning for the first all-zero (unused) slot.
func NewOffsetIndex(path string, baseOffset int64, capacityBytes int) (*OffsetIndex, error) {
	capacityBytes -= capacityBytes % indexEntrySize
	if capacityBytes <= 0 {
		return nil, fmt.Errorf("offset index: capacity must be a positive multiple of %d", indexEntrySize)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("offset index: open %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("offset index: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := file.Truncate(int64(capacityBytes)); err != nil {
			file.Close()
			return nil, fmt.Errorf("offset index: preallocate %s: %w", path, err)
		}
	} else if info.Size() != int64(capacityBytes) {
		// Reopen at the capacity already on disk; a caller resizing later
		// will go through Resize explicitly.
		capacityBytes = int(info.Size())
	}

	region, err := mmap.MapRegion(file, capacityBytes, mmap.RDWR, 0, 0)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("offset index: mmap %s: %w", path, err)
	}

	idx := &OffsetIndex{
		file:       file,
		mmap:       region,
		baseOffset: baseOffset,
		maxEntries: capacityBytes / indexEntrySize,
	}
	idx.entries = countWrittenEntries(region)
	return idx, nil
}

func countWrittenEntries(region mmap.MMap) int {
	n := 0
	for pos := 0; pos+indexEntrySize <= len(region); pos += indexEntrySize {
		if isZero(region[pos : pos+indexEntrySize]) {
			break
		}
		n++
	}
	return n
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// BaseOffset returns the segment's base offset.
func (idx *OffsetIndex) BaseOffset() int64 {
	return idx.baseOffset
}

// Entries returns the number of valid entries currently indexed.
func (idx *OffsetIndex) Entries() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.entries
}

// IsFull reports whether the mapped region has no room for another entry.
func (idx *OffsetIndex) IsFull() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.entries >= idx.maxEntries
}

// LastOffset returns the highest absolute offset indexed, or baseOffset if
// the index is empty.
func (idx *OffsetIndex) LastOffset() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.entries == 0 {
		return idx.baseOffset
	}
	rel, _ := idx.readEntry(idx.entries - 1)
	return idx.baseOffset + int64(rel)
}

// Append adds an (offset, position) pair. offset must be strictly greater
// than the last indexed offset (or baseOffset, if empty).
func (idx *OffsetIndex) Append(offset int64, position int32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.readOnly {
		return fmt.Errorf("offset index: append to read-only index")
	}
	if idx.entries >= idx.maxEntries {
		return ErrIndexFull
	}
	rel := offset - idx.baseOffset
	if rel < 0 || rel > int64(^uint32(0)) {
		return fmt.Errorf("%w: relative offset %d out of range", ErrInvalidOffset, rel)
	}
	if idx.entries > 0 {
		lastRel, lastPos := idx.readEntry(idx.entries - 1)
		if uint32(rel) <= lastRel || position <= lastPos {
			return ErrInvalidOffset
		}
	}
	idx.writeEntry(idx.entries, uint32(rel), uint32(position))
	idx.entries++
	return nil
}

func (idx *OffsetIndex) readEntry(slot int) (relOffset uint32, position int32) {
	start := slot * indexEntrySize
	relOffset = binary.BigEndian.Uint32(idx.mmap[start : start+4])
	position = int32(binary.BigEndian.Uint32(idx.mmap[start+4 : start+8]))
	return
}

func (idx *OffsetIndex) writeEntry(slot int, relOffset, position uint32) {
	start := slot * indexEntrySize
	binary.BigEndian.PutUint32(idx.mmap[start:start+4], relOffset)
	binary.BigEndian.PutUint32(idx.mmap[start+4:start+8], position)
}

// Lookup returns the greatest indexed entry whose offset is <= target, as
// (absoluteOffset, filePosition). If the index is empty or target is below
// the first indexed offset, it returns (baseOffset, 0) so the caller can
// scan forward from the start of the segment.
func (idx *OffsetIndex) Lookup(target int64) (offset int64, position int32) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.entries == 0 || target < idx.baseOffset {
		return idx.baseOffset, 0
	}
	targetRel := target - idx.baseOffset
	slot := idx.lowerBound(uint32(targetRel))
	if slot < 0 {
		return idx.baseOffset, 0
	}
	rel, pos := idx.readEntry(slot)
	return idx.baseOffset + int64(rel), pos
}

// lowerBound returns the greatest slot index s such that entry(s).offset <=
// targetRel, or -1 if every entry is greater than targetRel.
func (idx *OffsetIndex) lowerBound(targetRel uint32) int {
	lo, hi := 0, idx.entries-1
	result := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		rel, _ := idx.readEntry(mid)
		if rel <= targetRel {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result
}

// TruncateTo removes every entry with offset >= offset.
func (idx *OffsetIndex) TruncateTo(offset int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.entries == 0 {
		return nil
	}
	targetRel := offset - idx.baseOffset
	if targetRel <= 0 {
		idx.entries = 0
		idx.zeroFrom(0)
		return nil
	}
	slot := idx.lowerBound(uint32(targetRel) - 1)
	newCount := slot + 1
	idx.entries = newCount
	idx.zeroFrom(newCount)
	return nil
}

func (idx *OffsetIndex) zeroFrom(slot int) {
	start := slot * indexEntrySize
	for i := start; i < len(idx.mmap); i++ {
		idx.mmap[i] = 0
	}
}

// TrimToValidSize truncates the backing file down to exactly Entries()*8
// bytes and remaps. Called once a segment is finished being written.
func (idx *OffsetIndex) TrimToValidSize() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.resizeLocked(idx.entries * indexEntrySize)
}

// Resize grows or shrinks the mapped capacity to newSize bytes (rounded down
// to a multiple of 8). Per the platform caveat, this unmaps before changing
// the file length and remaps after, so it is correct on platforms that
// cannot resize a file while it is mapped.
func (idx *OffsetIndex) Resize(newSize int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	newSize -= newSize % indexEntrySize
	return idx.resizeLocked(newSize)
}

func (idx *OffsetIndex) resizeLocked(newSize int) error {
	if newSize < idx.entries*indexEntrySize {
		return fmt.Errorf("offset index: cannot resize below valid entry count")
	}
	if err := idx.mmap.Unmap(); err != nil {
		return fmt.Errorf("offset index: unmap: %w", err)
	}
	if err := idx.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("offset index: truncate: %w", err)
	}
	prot := mmap.RDWR
	if idx.readOnly {
		prot = mmap.RDONLY
	}
	if newSize == 0 {
		idx.mmap = nil
		idx.maxEntries = 0
		return nil
	}
	region, err := mmap.MapRegion(idx.file, newSize, prot, 0, 0)
	if err != nil {
		return fmt.Errorf("offset index: remap: %w", err)
	}
	idx.mmap = region
	idx.maxEntries = newSize / indexEntrySize
	return nil
}

// MakeReadOnly trims to the valid size and remaps the region read-only.
// After this call, Append returns an error.
func (idx *OffsetIndex) MakeReadOnly() error {
	idx.mu.Lock()
	idx.readOnly = false // resizeLocked below still needs RDWR semantics for truncate
	idx.mu.Unlock()
	if err := idx.TrimToValidSize(); err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.readOnly = true
	if idx.mmap == nil {
		return nil
	}
	if err := idx.mmap.Unmap(); err != nil {
		return fmt.Errorf("offset index: unmap: %w", err)
	}
	region, err := mmap.MapRegion(idx.file, idx.entries*indexEntrySize, mmap.RDONLY, 0, 0)
	if err != nil {
		return fmt.Errorf("offset index: remap readonly: %w", err)
	}
	idx.mmap = region
	return nil
}

// Flush syncs both the mapped region and the backing file to disk.
func (idx *OffsetIndex) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.mmap != nil {
		if err := idx.mmap.Flush(); err != nil {
			return fmt.Errorf("offset index: flush mmap: %w", err)
		}
	}
	return idx.file.Sync()
}

// Close unmaps and closes the backing file.
func (idx *OffsetIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var err error
	if idx.mmap != nil {
		err = idx.mmap.Unmap()
	}
	if closeErr := idx.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// RenameTo closes the index, renames its backing file, and reopens it at
// the new path in place (preserving the current mapping mode and contents).
func (idx *OffsetIndex) RenameTo(newPath string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	oldPath := idx.file.Name()
	size := len(idx.mmap)
	if idx.mmap != nil {
		if err := idx.mmap.Unmap(); err != nil {
			return fmt.Errorf("offset index: unmap before rename: %w", err)
		}
	}
	if err := idx.file.Close(); err != nil {
		return fmt.Errorf("offset index: close before rename: %w", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("offset index: rename %s -> %s: %w", oldPath, newPath, err)
	}
	file, err := os.OpenFile(newPath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("offset index: reopen %s: %w", newPath, err)
	}
	idx.file = file
	if size == 0 {
		idx.mmap = nil
		return nil
	}
	prot := mmap.RDWR
	if idx.readOnly {
		prot = mmap.RDONLY
	}
	region, mmapErr := mmap.MapRegion(file, size, prot, 0, 0)
	if mmapErr != nil {
		return fmt.Errorf("offset index: remap after rename: %w", mmapErr)
	}
	idx.mmap = region
	return nil
}

// Delete closes and removes the backing file.
func (idx *OffsetIndex) Delete() error {
	path := idx.file.Name()
	if err := idx.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// SanityCheck verifies the invariants in spec.md §3/§8: entries strictly
// increasing in both offset and position, file length a multiple of 8.
func (idx *OffsetIndex) SanityCheck() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	info, err := idx.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat: %v", ErrCorruptIndex, err)
	}
	if info.Size()%indexEntrySize != 0 {
		return fmt.Errorf("%w: file length %d not a multiple of %d", ErrCorruptIndex, info.Size(), indexEntrySize)
	}
	var prevRel uint32
	var prevPos int32
	for i := 0; i < idx.entries; i++ {
		rel, pos := idx.readEntry(i)
		if i > 0 && (rel <= prevRel || pos <= prevPos) {
			return fmt.Errorf("%w: entries not strictly increasing at slot %d", ErrCorruptIndex, i)
		}
		prevRel, prevPos = rel, pos
	}
	return nil
}
