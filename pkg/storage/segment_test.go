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
	"os"
	"path/filepath"
	"testing"
)

func appendShallow(t *testing.T, seg *Segment, offset, timestamp int64, key, value string) {
	t.Helper()
	var v []byte
	if value != "" {
		v = []byte(value)
	}
	batch := &RecordBatch{
		BaseOffset:     offset,
		FirstTimestamp: timestamp,
		Compression:    CompressionNone,
		Records: []Record{
			{Offset: offset, Timestamp: timestamp, Key: []byte(key), Value: v},
		},
	}
	if err := seg.Append(batch); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestSegmentAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegment(dir, 0, 1, 4096)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	defer seg.Close()

	for i := int64(0); i < 5; i++ {
		appendShallow(t, seg, i, 1000+i, "k", "v")
	}
	if got := seg.LastOffset(); got != 4 {
		t.Fatalf("LastOffset() = %d, want 4", got)
	}

	data, err := seg.Read(2, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	batch, _, ok, err := DecodeRecordBatch(data)
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if batch.BaseOffset > 2 {
		t.Fatalf("Read(2) started after offset 2: got base %d", batch.BaseOffset)
	}
}

func TestSegmentReopenRecoversLastOffset(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegment(dir, 0, 4096, 4096)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	for i := int64(0); i < 3; i++ {
		appendShallow(t, seg, i, i, "k", "v")
	}
	seg.Close()

	reopened, err := OpenSegment(dir, 0, 4096, 4096)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got := reopened.LastOffset(); got != 2 {
		t.Fatalf("LastOffset() after reopen = %d, want 2", got)
	}
}

func TestSegmentTruncate(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegment(dir, 0, 4096, 4096)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	defer seg.Close()
	for i := int64(0); i < 5; i++ {
		appendShallow(t, seg, i, i, "k", "v")
	}
	if err := seg.Truncate(3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if got := seg.LastOffset(); got != 2 {
		t.Fatalf("LastOffset() after truncate = %d, want 2", got)
	}
}

func TestSegmentFileNamePadding(t *testing.T) {
	if got := segmentFileName(5); got != "00000000000000000005" {
		t.Fatalf("segmentFileName(5) = %q", got)
	}
}

func TestSegmentDeleteRemovesBackingFiles(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenSegment(dir, 0, 4096, 4096)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	appendShallow(t, seg, 0, 0, "k", "v")
	dataPath := seg.dataFile.Name()
	indexPath := seg.index.file.Name()

	if err := seg.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(dataPath); !os.IsNotExist(err) {
		t.Fatalf("data file still exists after Delete: %v", err)
	}
	if _, err := os.Stat(indexPath); !os.IsNotExist(err) {
		t.Fatalf("index file still exists after Delete: %v", err)
	}
	if _, err := os.Stat(dataPath + deletedFileSuffix); !os.IsNotExist(err) {
		t.Fatalf("staged .deleted data file was left behind: %v", err)
	}
}

func TestOpenCleanedSegmentDiscardsStaleAttempt(t *testing.T) {
	dir := t.TempDir()
	stale, err := OpenCleanedSegment(dir, 0, 0, 0)
	if err != nil {
		t.Fatalf("OpenCleanedSegment: %v", err)
	}
	appendShallow(t, stale, 0, 0, "k", "v")
	if err := stale.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := stale.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fresh, err := OpenCleanedSegment(dir, 0, 0, 0)
	if err != nil {
		t.Fatalf("OpenCleanedSegment (second attempt): %v", err)
	}
	defer fresh.Close()
	if got := fresh.Size(); got != 0 {
		t.Fatalf("fresh cleaned segment size = %d, want 0 (stale attempt must be discarded, not appended to)", got)
	}
}

func TestSegmentReplaceSuffixThenStripSuffix(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenCleanedSegment(dir, 0, 0, 0)
	if err != nil {
		t.Fatalf("OpenCleanedSegment: %v", err)
	}
	appendShallow(t, seg, 0, 0, "k", "v")
	if err := seg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if err := seg.ReplaceSuffix(cleanedFileSuffix, swapFileSuffix); err != nil {
		t.Fatalf("ReplaceSuffix: %v", err)
	}
	stem := segmentFileName(0)
	if _, err := os.Stat(filepath.Join(dir, stem+logFileSuffix+swapFileSuffix)); err != nil {
		t.Fatalf("expected .swap data file to exist: %v", err)
	}

	if err := seg.StripSuffix(swapFileSuffix); err != nil {
		t.Fatalf("StripSuffix: %v", err)
	}
	defer seg.Close()
	if _, err := os.Stat(filepath.Join(dir, stem+logFileSuffix)); err != nil {
		t.Fatalf("expected live data file to exist after StripSuffix: %v", err)
	}
	if got := seg.LastOffset(); got != 0 {
		t.Fatalf("LastOffset() after rename round-trip = %d, want 0", got)
	}
}
