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
	"log/slog"
	"time"
)

// Cleaner rewrites the immutable segments of a compacted-topic log,
// dropping every record whose key appears again at a higher offset, and
// dropping tombstones themselves once they have aged past DeleteRetention.
// It never touches the active segment: that one is still being appended to
// and is handed to the cleaner only after a later roll makes it immutable.
type Cleaner struct {
	logger                 *slog.Logger
	dedupeBufferSize       int
	dedupeBufferLoadFactor float64
	ioBufferSize           int
	deleteRetention        time.Duration
}

// CleanerConfig configures a Cleaner.
type CleanerConfig struct {
	// DedupeBufferSize bounds the OffsetMap built per cleaning group; once a
	// group's unique key count would exceed this, BuildOffsetMap fails and
	// RunOnce ends the pass with that error. No new group is started and the
	// pass does not go on with a partially filled map.
	DedupeBufferSize int
	// DedupeBufferLoadFactor caps how full the OffsetMap is allowed to get
	// before Put starts returning an error, passed straight through
	// to NewOffsetMap.
	DedupeBufferLoadFactor float64
	IOBufferSize           int
	DeleteRetention        time.Duration
	Logger                 *slog.Logger
}

// NewCleaner constructs a Cleaner from cfg, filling in defaults.
func NewCleaner(cfg CleanerConfig) *Cleaner {
	if cfg.DedupeBufferSize <= 0 {
		cfg.DedupeBufferSize = 1 << 20
	}
	if cfg.DedupeBufferLoadFactor <= 0 || cfg.DedupeBufferLoadFactor >= 1 {
		cfg.DedupeBufferLoadFactor = 0.75
	}
	if cfg.IOBufferSize <= 0 {
		cfg.IOBufferSize = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cleaner{
		logger:                 cfg.Logger,
		dedupeBufferSize:       cfg.DedupeBufferSize,
		dedupeBufferLoadFactor: cfg.DedupeBufferLoadFactor,
		ioBufferSize:           cfg.IOBufferSize,
		deleteRetention:        cfg.DeleteRetention,
	}
}

// CleanGroup is a contiguous run of immutable segments cleaned together
// because their combined key set fits in one OffsetMap. Segments before
// firstDirtyOffset may still be grouped in if they fall in the same byte
// budget; the cleaner never groups across the active segment boundary.
type CleanGroup struct {
	Segments []*Segment
}

// GroupSegments partitions segments (oldest first, excluding the active
// segment) into CleanGroups, each bounded by maxGroupBytes so that its
// OffsetMap build pass has a predictable memory footprint.
func GroupSegments(segments []*Segment, maxGroupBytes int64) []CleanGroup {
	var groups []CleanGroup
	var current CleanGroup
	var currentBytes int64
	for _, seg := range segments {
		size := seg.Size()
		if currentBytes > 0 && currentBytes+size > maxGroupBytes {
			groups = append(groups, current)
			current = CleanGroup{}
			currentBytes = 0
		}
		current.Segments = append(current.Segments, seg)
		currentBytes += size
	}
	if len(current.Segments) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// BuildOffsetMap scans a group's segments forward, recording each key's
// highest offset into m. It returns OffsetMap.Put's error unchanged if the
// group's unique keys exceed m's capacity; RunOnce wraps it and ends the
// pass.
func (c *Cleaner) BuildOffsetMap(group CleanGroup, m *OffsetMap) (latestOffset int64, err error) {
	for _, seg := range group.Segments {
		data, readErr := seg.Read(seg.BaseOffset(), 0)
		if readErr != nil {
			return 0, fmt.Errorf("cleaner: read segment %d for offset map: %w", seg.BaseOffset(), readErr)
		}
		pos := 0
		for pos < len(data) {
			batch, consumed, ok, decErr := DecodeRecordBatch(data[pos:])
			if decErr != nil {
				return 0, fmt.Errorf("cleaner: decode entry in segment %d: %w", seg.BaseOffset(), decErr)
			}
			if !ok {
				break
			}
			for _, rec := range batch.Records {
				if rec.Key == nil {
					continue // keyless records are never deduplicated
				}
				if err := m.Put(rec.Key, rec.Offset); err != nil {
					return 0, err
				}
				if rec.Offset > latestOffset {
					latestOffset = rec.Offset
				}
			}
			pos += consumed
		}
	}
	return latestOffset, nil
}

// DeleteHorizon computes the point before which a tombstone is safe to drop:
// the last-modified time of the newest segment in the already-clean prefix,
// minus the configured tombstone retention. cleanPrefixNewest is the zero
// Time when no clean prefix exists yet (first cleaning cycle for a log),
// which makes every segment's lastModified compare greater than the
// horizon, so nothing is dropped until a clean prefix has actually formed.
func (c *Cleaner) DeleteHorizon(cleanPrefixNewest time.Time) time.Time {
	return cleanPrefixNewest.Add(-c.deleteRetention)
}

// ShouldRetain reports whether rec must survive cleaning: either it is the
// most recent record for its key (per m), it is keyless (never
// deduplicated), or it is a tombstone and retainDeletes says its source
// segment is still within DeleteRetention of the clean prefix.
func (c *Cleaner) ShouldRetain(rec Record, m *OffsetMap, retainDeletes bool) bool {
	if rec.Key == nil {
		return true
	}
	latest, found := m.Get(rec.Key)
	if !found {
		// Key not present in this group's map at all (shouldn't happen if
		// BuildOffsetMap covered the same segments) — retain defensively.
		return true
	}
	if rec.Offset < latest {
		return false
	}
	if rec.IsTombstone() && !retainDeletes {
		return false
	}
	return true
}

// CleanInto rewrites group's segments into a single replacement segment at
// destDir, keeping only records ShouldRetain approves of, and recomputing
// each surviving entry's relative offsets/timestamps against the new
// entry's own base rather than carrying old deltas forward. Each source
// segment's tombstones are retained iff its own lastModified is still newer
// than deleteHorizon. destDir is typically the very directory the source
// segments live in, and the replacement's base offset equals the first
// source segment's own base offset, so the destination is always created
// fresh under the ".cleaned" suffix (OpenCleanedSegment) rather than by
// opening the plain "<base>.log" name, which could otherwise be the live
// source file itself. The caller (CleanerManager) is responsible for the
// atomic cleaned->swap->live rename sequence.
func (c *Cleaner) CleanInto(group CleanGroup, m *OffsetMap, destDir string, deleteHorizon time.Time) (*Segment, int64, error) {
	if len(group.Segments) == 0 {
		return nil, 0, fmt.Errorf("cleaner: empty group")
	}
	baseOffset := group.Segments[0].BaseOffset()
	dest, err := OpenCleanedSegment(destDir, baseOffset, 0, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("cleaner: open destination segment: %w", err)
	}

	var bytesDiscarded int64
	for _, seg := range group.Segments {
		retainDeletes := seg.LastModified().After(deleteHorizon)
		data, readErr := seg.Read(seg.BaseOffset(), 0)
		if readErr != nil {
			return nil, 0, fmt.Errorf("cleaner: read segment %d: %w", seg.BaseOffset(), readErr)
		}
		pos := 0
		for pos < len(data) {
			batch, consumed, ok, decErr := DecodeRecordBatch(data[pos:])
			if decErr != nil {
				return nil, 0, fmt.Errorf("cleaner: decode entry in segment %d: %w", seg.BaseOffset(), decErr)
			}
			if !ok {
				break
			}
			var kept []Record
			for _, rec := range batch.Records {
				if c.ShouldRetain(rec, m, retainDeletes) {
					kept = append(kept, rec)
				}
			}
			if len(kept) == 0 {
				bytesDiscarded += int64(consumed)
				pos += consumed
				continue
			}
			newBatch := &RecordBatch{
				BaseOffset:      kept[0].Offset,
				LastOffsetDelta: int32(kept[len(kept)-1].Offset - kept[0].Offset),
				FirstTimestamp:  kept[0].Timestamp,
				Compression:     batch.Compression,
				TimestampType:   batch.TimestampType,
				Records:         kept,
			}
			if err := dest.Append(newBatch); err != nil {
				return nil, 0, fmt.Errorf("cleaner: write retained entry: %w", err)
			}
			if len(kept) < len(batch.Records) {
				bytesDiscarded += int64(consumed - len(kept))
			}
			pos += consumed
		}
	}

	dest.SetLastModified(group.Segments[len(group.Segments)-1].LastModified())
	if err := dest.Finalize(); err != nil {
		return nil, 0, fmt.Errorf("cleaner: finalize cleaned segment: %w", err)
	}
	return dest, bytesDiscarded, nil
}
