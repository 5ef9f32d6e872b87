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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	logFileSuffix      = ".log"
	indexFileSuffix    = ".index"
	cleanedFileSuffix  = ".cleaned"
	swapFileSuffix     = ".swap"
	deletedFileSuffix  = ".deleted"
	defaultIndexBytes  = 4096 * 1024 // 4MiB of 8-byte entries per segment
)

// segmentFileName renders a base offset as the fixed-width, zero-padded
// filename stem Kafka-style segment files use, e.g. baseOffset 5 becomes
// "00000000000000000005".
func segmentFileName(baseOffset int64) string {
	return fmt.Sprintf("%020d", baseOffset)
}

// Segment is one ordered, append-only run of records backed by a data file
// and a sparse OffsetIndex. Only the active (most recently created) segment
// of a Log is ever appended to; all others are immutable until the cleaner
// replaces them wholesale.
type Segment struct {
	mu sync.RWMutex

	dir                string
	baseOffset         int64
	dataFile           *os.File
	index              *OffsetIndex
	indexIntervalBytes int64

	size             int64 // bytes written to dataFile
	bytesSinceIndex  int64
	lastOffset       int64
	lastModified      time.Time
}

// OpenSegment opens (or creates) the segment rooted at baseOffset in dir.
func OpenSegment(dir string, baseOffset int64, indexIntervalBytes int64, indexCapacityBytes int) (*Segment, error) {
	return openSegmentFiles(dir, baseOffset, "", indexIntervalBytes, indexCapacityBytes)
}

// OpenCleanedSegment creates a brand-new, empty replacement segment for the
// cleaner, directly under the ".cleaned" suffix. It never opens a source
// segment's own ".log"/".index" files: the manager cleans into the log's own
// directory using the first source segment's base offset, so a plain
// OpenSegment call here would reopen that live file (O_CREATE without
// O_TRUNC) and the cleaner's writes would land after the original bytes
// instead of replacing them. Any leftover ".cleaned" pair from a previously
// aborted attempt at this base offset is discarded first.
func OpenCleanedSegment(dir string, baseOffset int64, indexIntervalBytes int64, indexCapacityBytes int) (*Segment, error) {
	stem := segmentFileName(baseOffset)
	os.Remove(filepath.Join(dir, stem+logFileSuffix+cleanedFileSuffix))
	os.Remove(filepath.Join(dir, stem+indexFileSuffix+cleanedFileSuffix))
	return openSegmentFiles(dir, baseOffset, cleanedFileSuffix, indexIntervalBytes, indexCapacityBytes)
}

// openSegmentFiles is the shared implementation behind OpenSegment and
// OpenCleanedSegment: it opens (or creates) the data/index file pair at
// dir/<base>.log<suffix> and dir/<base>.index<suffix>.
func openSegmentFiles(dir string, baseOffset int64, suffix string, indexIntervalBytes int64, indexCapacityBytes int) (*Segment, error) {
	stem := segmentFileName(baseOffset)
	dataPath := filepath.Join(dir, stem+logFileSuffix+suffix)
	indexPath := filepath.Join(dir, stem+indexFileSuffix+suffix)

	dataFile, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("segment: open data file %s: %w", dataPath, err)
	}
	info, err := dataFile.Stat()
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("segment: stat %s: %w", dataPath, err)
	}
	if indexCapacityBytes <= 0 {
		indexCapacityBytes = defaultIndexBytes
	}
	index, err := NewOffsetIndex(indexPath, baseOffset, indexCapacityBytes)
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("segment: open index for %s: %w", dataPath, err)
	}
	if indexIntervalBytes <= 0 {
		indexIntervalBytes = 4096
	}

	seg := &Segment{
		dir:                dir,
		baseOffset:         baseOffset,
		dataFile:           dataFile,
		index:              index,
		indexIntervalBytes: indexIntervalBytes,
		size:               info.Size(),
		lastOffset:         baseOffset - 1,
		lastModified:       info.ModTime(),
	}
	if info.Size() > 0 {
		if err := seg.recoverLastOffset(); err != nil {
			dataFile.Close()
			index.Close()
			return nil, fmt.Errorf("segment: recover %s: %w", dataPath, err)
		}
	}
	return seg, nil
}

// recoverLastOffset scans the data file on open to learn the highest offset
// already written, since that isn't otherwise persisted outside the index.
func (s *Segment) recoverLastOffset() error {
	buf := make([]byte, s.size)
	if _, err := s.dataFile.ReadAt(buf, 0); err != nil {
		return err
	}
	var pos int64
	for pos < int64(len(buf)) {
		batch, consumed, ok, err := DecodeRecordBatch(buf[pos:])
		if err != nil {
			return fmt.Errorf("corrupt entry at position %d: %w", pos, err)
		}
		if !ok {
			// Trailing partial write from an unclean shutdown: truncate it away.
			if err := s.dataFile.Truncate(pos); err != nil {
				return err
			}
			s.size = pos
			break
		}
		s.lastOffset = batch.BaseOffset + int64(batch.LastOffsetDelta)
		pos += int64(consumed)
	}
	return nil
}

// BaseOffset returns the offset of the first record ever written.
func (s *Segment) BaseOffset() int64 {
	return s.baseOffset
}

// LastOffset returns the highest offset currently written to the segment.
func (s *Segment) LastOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastOffset
}

// Size returns the current size of the data file in bytes.
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// LastModified returns the time of the most recent successful append.
func (s *Segment) LastModified() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastModified
}

// SetLastModified overrides the segment's recorded modification time. Used
// by the cleaner to carry forward the source group's last segment's
// lastModified onto the replacement segment it produces, rather than
// stamping the rewrite time, so deleteHorizon comparisons against this
// segment in a later cleaning cycle reflect the data's real age.
func (s *Segment) SetLastModified(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastModified = t
}

// DataPath returns the path of the backing .log file.
func (s *Segment) DataPath() string {
	return s.dataFile.Name()
}

// Append encodes and writes batch to the end of the segment, indexing it if
// more than indexIntervalBytes has accumulated since the last index entry.
// The batch's offsets must already be finalized by the caller.
func (s *Segment) Append(batch *RecordBatch) error {
	encoded, err := EncodeRecordBatch(batch)
	if err != nil {
		return fmt.Errorf("segment: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bytesSinceIndex >= s.indexIntervalBytes || s.size == 0 {
		if err := s.index.Append(batch.BaseOffset, int32(s.size)); err != nil && err != ErrIndexFull {
			return fmt.Errorf("segment: index append: %w", err)
		}
		s.bytesSinceIndex = 0
	}

	n, err := s.dataFile.WriteAt(encoded, s.size)
	if err != nil {
		return fmt.Errorf("segment: write: %w", err)
	}
	s.size += int64(n)
	s.bytesSinceIndex += int64(n)
	s.lastOffset = batch.BaseOffset + int64(batch.LastOffsetDelta)
	s.lastModified = time.Now()
	return nil
}

// Read returns the raw bytes of the segment starting at or before
// startOffset, up to maxBytes, suitable for decoding as a sequence of
// RecordBatch entries by the caller (a fetch request handler).
func (s *Segment) Read(startOffset int64, maxBytes int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, position := s.index.Lookup(startOffset)
	if int64(position) >= s.size {
		return nil, nil
	}
	end := int64(position) + int64(maxBytes)
	if end > s.size || maxBytes <= 0 {
		end = s.size
	}
	buf := make([]byte, end-int64(position))
	n, err := s.dataFile.ReadAt(buf, int64(position))
	if err != nil && n == 0 {
		return nil, fmt.Errorf("segment: read: %w", err)
	}
	return buf[:n], nil
}

// Truncate discards all records at or after offset, rewriting the index.
func (s *Segment) Truncate(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset <= s.baseOffset {
		if err := s.dataFile.Truncate(0); err != nil {
			return err
		}
		s.size = 0
		s.lastOffset = s.baseOffset - 1
		return s.index.TruncateTo(s.baseOffset)
	}

	_, startPos := s.index.Lookup(offset)
	buf := make([]byte, s.size-int64(startPos))
	if _, err := s.dataFile.ReadAt(buf, int64(startPos)); err != nil {
		return fmt.Errorf("segment: truncate read: %w", err)
	}
	pos := int64(0)
	cut := s.size
	for pos < int64(len(buf)) {
		batch, consumed, ok, err := DecodeRecordBatch(buf[pos:])
		if err != nil || !ok {
			break
		}
		if batch.BaseOffset >= offset {
			cut = int64(startPos) + pos
			break
		}
		pos += int64(consumed)
	}
	if err := s.dataFile.Truncate(cut); err != nil {
		return fmt.Errorf("segment: truncate data file: %w", err)
	}
	s.size = cut
	if err := s.index.TruncateTo(offset); err != nil {
		return fmt.Errorf("segment: truncate index: %w", err)
	}
	s.lastOffset = offset - 1
	return nil
}

// Finalize trims the segment's index to its valid entries, remaps it
// read-only, and syncs the data file to disk. Called once a segment stops
// being the active segment of its log.
func (s *Segment) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.index.MakeReadOnly(); err != nil {
		return err
	}
	return s.dataFile.Sync()
}

// Flush syncs both the data file and the offset index to disk.
func (s *Segment) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.dataFile.Sync(); err != nil {
		return fmt.Errorf("segment: sync data file: %w", err)
	}
	return s.index.Flush()
}

// Close releases the segment's open file handles without deleting anything.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idxErr := s.index.Close()
	dataErr := s.dataFile.Close()
	if dataErr != nil {
		return dataErr
	}
	return idxErr
}

// Delete stages both backing files under ".deleted" before removing them.
// A crash between the two renames leaves a file that recovery recognizes
// outright as "on its way out" rather than a segment that still looks live
// but is missing its index, or vice versa.
func (s *Segment) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dataPath := s.dataFile.Name()
	indexPath := s.index.file.Name()
	deletedDataPath := dataPath + deletedFileSuffix
	deletedIndexPath := indexPath + deletedFileSuffix

	if err := os.Rename(dataPath, deletedDataPath); err != nil {
		return fmt.Errorf("segment: stage data file for deletion: %w", err)
	}
	if err := os.Rename(indexPath, deletedIndexPath); err != nil {
		return fmt.Errorf("segment: stage index file for deletion: %w", err)
	}
	if err := s.index.Close(); err != nil {
		return fmt.Errorf("segment: close index: %w", err)
	}
	if err := s.dataFile.Close(); err != nil {
		return fmt.Errorf("segment: close data file: %w", err)
	}
	if err := os.Remove(deletedIndexPath); err != nil {
		return fmt.Errorf("segment: remove staged index file: %w", err)
	}
	return os.Remove(deletedDataPath)
}

// ReplaceSuffix renames both backing files from carrying oldSuffix to
// carrying newSuffix in a single rename per file (".log.cleaned" ->
// ".log.swap", for example), so the segment never passes through its bare,
// unsuffixed name in between — the cleaner's atomic .cleaned -> .swap
// handoff relies on that: the bare name may already belong to a live source
// segment being replaced.
func (s *Segment) ReplaceSuffix(oldSuffix, newSuffix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dataName := s.dataFile.Name()
	trimmed := strings.TrimSuffix(dataName, oldSuffix)
	if trimmed == dataName {
		return fmt.Errorf("segment: data file %s does not carry suffix %q", dataName, oldSuffix)
	}
	newDataPath := trimmed + newSuffix
	if err := os.Rename(dataName, newDataPath); err != nil {
		return fmt.Errorf("segment: rename data file: %w", err)
	}
	reopened, err := os.OpenFile(newDataPath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("segment: reopen renamed data file: %w", err)
	}
	s.dataFile.Close()
	s.dataFile = reopened

	indexName := s.index.file.Name()
	newIndexPath := strings.TrimSuffix(indexName, oldSuffix) + newSuffix
	return s.index.RenameTo(newIndexPath)
}

// StripSuffix renames both backing files by removing a trailing suffix from
// their current names (for example ".log.swap" -> ".log"), the final step
// of the cleaner's cleaned -> swap -> live handoff, run only after the
// segments it supersedes have been deleted.
func (s *Segment) StripSuffix(suffix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dataName := s.dataFile.Name()
	newDataPath := strings.TrimSuffix(dataName, suffix)
	if newDataPath == dataName {
		return fmt.Errorf("segment: data file %s does not carry suffix %q", dataName, suffix)
	}
	if err := os.Rename(dataName, newDataPath); err != nil {
		return fmt.Errorf("segment: rename data file: %w", err)
	}
	reopened, err := os.OpenFile(newDataPath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("segment: reopen renamed data file: %w", err)
	}
	s.dataFile.Close()
	s.dataFile = reopened

	indexName := s.index.file.Name()
	newIndexPath := strings.TrimSuffix(indexName, suffix)
	return s.index.RenameTo(newIndexPath)
}

// SanityCheck verifies the segment's index is internally consistent and
// that its last entry does not exceed the data file's length.
func (s *Segment) SanityCheck() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.index.SanityCheck(); err != nil {
		return err
	}
	_, pos := s.index.Lookup(s.lastOffset)
	if int64(pos) > s.size {
		return fmt.Errorf("%w: index position %d exceeds data size %d", ErrCorruptIndex, pos, s.size)
	}
	return nil
}
