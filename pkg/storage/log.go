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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/novatechflow/corelog/pkg/cache"
)

// LogConfig carries the knobs a Log needs that are shared across every
// partition on a broker.
type LogConfig struct {
	SegmentBytes       int64
	IndexIntervalBytes int64
	IndexCapacityBytes int
	Cache              *cache.SegmentCache // optional, may be nil
	Archiver           *Archiver           // optional, may be nil
	Logger             *slog.Logger
}

// Log is the disk-resident, append-only record log for one topic-partition.
// All segments but the last (the "active" segment) are immutable; the
// cleaner replaces immutable segments wholesale via ReplaceSegments.
type Log struct {
	mu sync.RWMutex

	dir       string
	topic     string
	partition int32
	cfg       LogConfig
	logger    *slog.Logger

	segments   []*Segment // ordered by BaseOffset, ascending
	active     *Segment
	nextOffset int64

	// archivedBases tracks every segment base offset this log has handed to
	// cfg.Archiver, ascending. It survives local segment eviction, so
	// ReadThroughArchive can still locate a segment's archive key after the
	// local copy is gone.
	archivedBases []int64
}

// OpenLog opens every segment file found in dir, or creates a fresh segment
// at offset 0 if dir is empty.
func OpenLog(dir, topic string, partition int32, cfg LogConfig) (*Log, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = 1 << 30 // 1GiB
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("log: mkdir %s: %w", dir, err)
	}

	if err := recoverSegmentSwaps(dir, cfg.IndexIntervalBytes, cfg.IndexCapacityBytes); err != nil {
		return nil, fmt.Errorf("log: recover incomplete cleaning in %s: %w", dir, err)
	}

	bases, err := discoverSegmentBaseOffsets(dir)
	if err != nil {
		return nil, fmt.Errorf("log: discover segments in %s: %w", dir, err)
	}

	l := &Log{
		dir:       dir,
		topic:     topic,
		partition: partition,
		cfg:       cfg,
		logger:    cfg.Logger.With("topic", topic, "partition", partition),
	}

	if len(bases) == 0 {
		bases = []int64{0}
	}
	for _, base := range bases {
		seg, err := OpenSegment(dir, base, cfg.IndexIntervalBytes, cfg.IndexCapacityBytes)
		if err != nil {
			l.closeSegments()
			return nil, fmt.Errorf("log: open segment %d: %w", base, err)
		}
		l.segments = append(l.segments, seg)
	}
	l.active = l.segments[len(l.segments)-1]
	l.nextOffset = l.active.LastOffset() + 1
	return l, nil
}

func discoverSegmentBaseOffsets(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var bases []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, logFileSuffix) {
			continue
		}
		stem := strings.TrimSuffix(name, logFileSuffix)
		base, err := strconv.ParseInt(stem, 10, 64)
		if err != nil {
			continue
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}

// recoverSegmentSwaps finishes or discards any cleaning or deletion attempt
// that was interrupted mid-flight, per the crash-recovery rule: a ".cleaned"
// pair is an attempt that never reached the swap stage, so the originals it
// would have replaced are untouched and it is always safe to delete; a
// ".swap" pair is a complete replacement that crashed before the old
// segments were removed and/or before the final rename to its live name, so
// it is promoted — any plain segment file it supersedes is deleted and the
// swap is stripped down to its live name; a ".deleted" file is a segment
// Delete already committed to removing, so it is simply removed outright.
// Must run before discoverSegmentBaseOffsets.
func recoverSegmentSwaps(dir string, indexIntervalBytes int64, indexCapacityBytes int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, logFileSuffix+cleanedFileSuffix), strings.HasSuffix(name, indexFileSuffix+cleanedFileSuffix):
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove orphaned cleaned file %s: %w", name, err)
			}
		case strings.HasSuffix(name, logFileSuffix+deletedFileSuffix), strings.HasSuffix(name, indexFileSuffix+deletedFileSuffix):
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove orphaned deleted file %s: %w", name, err)
			}
		}
	}

	swapBases := map[int64]bool{}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, logFileSuffix+swapFileSuffix) {
			continue
		}
		stem := strings.TrimSuffix(name, logFileSuffix+swapFileSuffix)
		base, err := strconv.ParseInt(stem, 10, 64)
		if err != nil {
			continue
		}
		swapBases[base] = true
	}

	for base := range swapBases {
		seg, err := openSegmentFiles(dir, base, swapFileSuffix, indexIntervalBytes, indexCapacityBytes)
		if err != nil {
			return fmt.Errorf("recover swap segment %d: %w", base, err)
		}
		lastOffset := seg.LastOffset()

		for _, e := range entries {
			name := e.Name()
			if !strings.HasSuffix(name, logFileSuffix) {
				continue
			}
			stem := strings.TrimSuffix(name, logFileSuffix)
			otherBase, err := strconv.ParseInt(stem, 10, 64)
			if err != nil || otherBase < base || otherBase > lastOffset {
				continue
			}
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				seg.Close()
				return fmt.Errorf("remove superseded segment %s: %w", name, err)
			}
			if err := os.Remove(filepath.Join(dir, stem+indexFileSuffix)); err != nil && !os.IsNotExist(err) {
				seg.Close()
				return fmt.Errorf("remove superseded index %s: %w", stem+indexFileSuffix, err)
			}
		}

		if err := seg.StripSuffix(swapFileSuffix); err != nil {
			seg.Close()
			return fmt.Errorf("finalize swap segment %d: %w", base, err)
		}
		if err := seg.Close(); err != nil {
			return fmt.Errorf("close finalized swap segment %d: %w", base, err)
		}
	}
	return nil
}

func (l *Log) closeSegments() {
	for _, seg := range l.segments {
		seg.Close()
	}
}

// Topic returns the log's topic name.
func (l *Log) Topic() string { return l.topic }

// Partition returns the log's partition index.
func (l *Log) Partition() int32 { return l.partition }

// LogStartOffset returns the lowest offset retained by the log.
func (l *Log) LogStartOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.segments) == 0 {
		return 0
	}
	return l.segments[0].BaseOffset()
}

// LogEndOffset returns the offset that will be assigned to the next
// appended record.
func (l *Log) LogEndOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextOffset
}

// ActiveSegment returns the segment currently accepting appends. It is
// exempt from cleaning.
func (l *Log) ActiveSegment() *Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// Segments returns a snapshot of the log's segments, oldest first.
func (l *Log) Segments() []*Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Segment, len(l.segments))
	copy(out, l.segments)
	return out
}

// Append assigns sequential offsets to records and writes them to the
// active segment, rolling to a new segment first if appending would exceed
// SegmentBytes. Returns the offset of the first appended record.
func (l *Log) Append(records []Record, compression Compression) (int64, error) {
	if len(records) == 0 {
		return 0, fmt.Errorf("log: append: no records")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	baseOffset := l.nextOffset
	firstTimestamp := records[0].Timestamp
	for i := range records {
		records[i].Offset = baseOffset + int64(i)
	}
	batch := &RecordBatch{
		BaseOffset:      baseOffset,
		LastOffsetDelta: int32(len(records) - 1),
		FirstTimestamp:  firstTimestamp,
		Compression:     compression,
		TimestampType:   TimestampCreateTime,
		Records:         records,
	}

	encoded, err := EncodeRecordBatch(batch)
	if err != nil {
		return 0, fmt.Errorf("log: encode: %w", err)
	}
	if l.active.Size()+int64(len(encoded)) > l.cfg.SegmentBytes {
		if err := l.rollLocked(baseOffset); err != nil {
			return 0, err
		}
	}
	if err := l.active.Append(batch); err != nil {
		return 0, fmt.Errorf("log: append to active segment: %w", err)
	}
	l.nextOffset = baseOffset + int64(len(records))
	return baseOffset, nil
}

// rollLocked finalizes the current active segment and opens a new one
// starting at newBaseOffset. Callers must hold l.mu.
func (l *Log) rollLocked(newBaseOffset int64) error {
	if err := l.active.Finalize(); err != nil {
		return fmt.Errorf("log: finalize segment before roll: %w", err)
	}
	seg, err := OpenSegment(l.dir, newBaseOffset, l.cfg.IndexIntervalBytes, l.cfg.IndexCapacityBytes)
	if err != nil {
		return fmt.Errorf("log: open rolled segment: %w", err)
	}
	l.segments = append(l.segments, seg)
	l.active = seg
	l.logger.Info("rolled log segment", "base_offset", newBaseOffset)
	return nil
}

// Roll forces a segment roll even if the active segment has spare capacity.
// Used before handing the active segment's predecessor to the cleaner.
func (l *Log) Roll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rollLocked(l.nextOffset)
}

// segmentFor returns the segment that would contain offset, or nil if
// offset lies below the first local segment's base offset. An offset past
// the log's end maps to the active segment.
func (l *Log) segmentFor(offset int64) *Segment {
	idx := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].BaseOffset() > offset
	}) - 1
	if idx < 0 {
		return nil
	}
	if idx >= len(l.segments) {
		return nil
	}
	return l.segments[idx]
}

// Read returns raw entry bytes starting at or before offset, consulting the
// segment cache first and populating it on miss.
func (l *Log) Read(offset int64, maxBytes int) ([]byte, error) {
	l.mu.RLock()
	seg := l.segmentFor(offset)
	l.mu.RUnlock()
	if seg == nil {
		return nil, nil
	}

	if l.cfg.Cache != nil {
		if data, ok := l.cfg.Cache.GetSegment(l.topic, l.partition, seg.BaseOffset()); ok {
			return trimToOffset(data, offset, maxBytes), nil
		}
	}

	data, err := seg.Read(seg.BaseOffset(), 0)
	if err != nil {
		return nil, fmt.Errorf("log: read segment %d: %w", seg.BaseOffset(), err)
	}
	if l.cfg.Cache != nil {
		l.cfg.Cache.SetSegment(l.topic, l.partition, seg.BaseOffset(), data)
	}
	return trimToOffset(data, offset, maxBytes), nil
}

func trimToOffset(data []byte, offset int64, maxBytes int) []byte {
	var pos int
	for pos < len(data) {
		batch, consumed, ok, err := DecodeRecordBatch(data[pos:])
		if err != nil || !ok {
			break
		}
		if batch.BaseOffset+int64(batch.LastOffsetDelta) >= offset {
			break
		}
		pos += consumed
	}
	end := len(data)
	if maxBytes > 0 && pos+maxBytes < end {
		end = pos + maxBytes
	}
	return data[pos:end]
}

// ReplaceSegments atomically swaps a contiguous run of immutable segments
// (identified by base offset) for a single replacement, as produced by the
// cleaner's rewrite pass. replacement's files must still carry the ".swap"
// suffix when this is called: per spec §4.3's recovery-safe ordering,
// ReplaceSegments installs it into the in-memory segment list, deletes the
// superseded segments' files, and only then strips the ".swap" suffix to
// make the replacement's files the live "<base>.log"/"<base>.index" — so a
// crash at any point leaves either the untouched originals or a
// self-sufficient ".swap" pair on disk, never both a partially-deleted
// original and a not-yet-promoted replacement.
func (l *Log) ReplaceSegments(oldBaseOffsets []int64, replacement *Segment) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldSet := make(map[int64]bool, len(oldBaseOffsets))
	for _, b := range oldBaseOffsets {
		oldSet[b] = true
	}

	var kept []*Segment
	var removed []*Segment
	inserted := false
	for _, seg := range l.segments {
		if oldSet[seg.BaseOffset()] {
			removed = append(removed, seg)
			if !inserted {
				kept = append(kept, replacement)
				inserted = true
			}
			continue
		}
		kept = append(kept, seg)
	}
	if !inserted {
		return fmt.Errorf("log: replace segments: no matching base offsets among %v", oldBaseOffsets)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].BaseOffset() < kept[j].BaseOffset() })
	l.segments = kept

	for _, seg := range removed {
		if err := seg.Delete(); err != nil {
			l.logger.Warn("failed to delete superseded segment", "base_offset", seg.BaseOffset(), "error", err)
		}
	}

	if err := replacement.StripSuffix(swapFileSuffix); err != nil {
		return fmt.Errorf("log: finalize replacement segment: %w", err)
	}

	if l.cfg.Archiver != nil {
		data, err := replacement.Read(replacement.BaseOffset(), 0)
		if err == nil {
			l.cfg.Archiver.Enqueue(l.topic, l.partition, replacement.BaseOffset(), data)
			l.archivedBases = append(l.archivedBases, replacement.BaseOffset())
			sort.Slice(l.archivedBases, func(i, j int) bool { return l.archivedBases[i] < l.archivedBases[j] })
		}
	}
	return nil
}

// archivedBaseFor returns the archived segment base offset that would
// contain offset, or ok=false if none is known. Callers must hold l.mu.
func archivedBaseFor(bases []int64, offset int64) (base int64, ok bool) {
	idx := sort.Search(len(bases), func(i int) bool { return bases[i] > offset }) - 1
	if idx < 0 {
		return 0, false
	}
	return bases[idx], true
}

// ReadThroughArchive behaves like Read, but falls back to the configured
// Archiver when the requested offset's segment no longer exists locally
// (evicted to free disk space, but still durable in the archive tier).
// It never consults the archive if the offset is served locally, so the
// common case pays no extra latency.
func (l *Log) ReadThroughArchive(ctx context.Context, offset int64, maxBytes int) ([]byte, error) {
	data, err := l.Read(offset, maxBytes)
	if err != nil || data != nil {
		return data, err
	}
	if l.cfg.Archiver == nil {
		return nil, nil
	}

	l.mu.RLock()
	base, ok := archivedBaseFor(l.archivedBases, offset)
	l.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	restored, err := l.cfg.Archiver.Download(ctx, l.topic, l.partition, base, nil)
	if err != nil {
		return nil, fmt.Errorf("log: restore segment %d from archive: %w", base, err)
	}
	if l.cfg.Cache != nil {
		l.cfg.Cache.SetSegment(l.topic, l.partition, base, restored)
	}
	return trimToOffset(restored, offset, maxBytes), nil
}

// Close flushes and releases every segment's file handles.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, seg := range l.segments {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dir returns the directory backing this log.
func (l *Log) Dir() string { return l.dir }

// segmentPath is a helper used by the cleaner to compute the canonical path
// of a segment's data file given its base offset.
func segmentPath(dir string, baseOffset int64, suffix string) string {
	return filepath.Join(dir, segmentFileName(baseOffset)+suffix)
}
