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
	"path/filepath"
	"testing"
)

func newTestIndex(t *testing.T, baseOffset int64) *OffsetIndex {
	t.Helper()
	path := filepath.Join(t.TempDir(), "00000000000000000000.index")
	idx, err := NewOffsetIndex(path, baseOffset, 4096)
	if err != nil {
		t.Fatalf("NewOffsetIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestOffsetIndexLookupScenario(t *testing.T) {
	idx := newTestIndex(t, 0)
	entries := []struct {
		offset   int64
		position int32
	}{
		{0, 0},
		{50, 400},
		{100, 900},
	}
	for _, e := range entries {
		if err := idx.Append(e.offset, e.position); err != nil {
			t.Fatalf("append(%d,%d): %v", e.offset, e.position, err)
		}
	}

	cases := []struct {
		target       int64
		wantOffset   int64
		wantPosition int32
	}{
		{49, 0, 0},
		{50, 50, 400},
		{99, 50, 400},
		{1000, 100, 900},
	}
	for _, c := range cases {
		gotOffset, gotPosition := idx.Lookup(c.target)
		if gotOffset != c.wantOffset || gotPosition != c.wantPosition {
			t.Errorf("Lookup(%d) = (%d,%d), want (%d,%d)",
				c.target, gotOffset, gotPosition, c.wantOffset, c.wantPosition)
		}
	}
}

func TestOffsetIndexRejectsNonMonotonic(t *testing.T) {
	idx := newTestIndex(t, 0)
	if err := idx.Append(10, 100); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := idx.Append(10, 200); err == nil {
		t.Fatalf("expected error appending duplicate offset")
	}
	if err := idx.Append(20, 50); err == nil {
		t.Fatalf("expected error appending non-increasing position")
	}
	if err := idx.Append(5, 300); err == nil {
		t.Fatalf("expected error appending lower offset")
	}
}

func TestOffsetIndexTruncateTo(t *testing.T) {
	idx := newTestIndex(t, 0)
	for _, e := range []struct{ offset, position int64 }{
		{0, 0}, {10, 100}, {20, 200}, {30, 300},
	} {
		if err := idx.Append(e.offset, int32(e.position)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := idx.TruncateTo(20); err != nil {
		t.Fatalf("truncateTo: %v", err)
	}
	if got := idx.Entries(); got != 2 {
		t.Fatalf("entries after truncate = %d, want 2", got)
	}
	gotOffset, gotPosition := idx.Lookup(100)
	if gotOffset != 10 || gotPosition != 100 {
		t.Fatalf("Lookup after truncate = (%d,%d), want (10,100)", gotOffset, gotPosition)
	}
	// Re-append at the truncated position must succeed (proves the slot was
	// actually zeroed, not merely hidden behind the entry counter).
	if err := idx.Append(20, 250); err != nil {
		t.Fatalf("re-append after truncate: %v", err)
	}
}

func TestOffsetIndexTrimToValidSize(t *testing.T) {
	idx := newTestIndex(t, 0)
	if err := idx.Append(0, 0); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := idx.TrimToValidSize(); err != nil {
		t.Fatalf("trimToValidSize: %v", err)
	}
	if err := idx.Append(1, 10); err == nil {
		t.Fatalf("expected ErrIndexFull after trimming to one entry")
	}
}

func TestOffsetIndexSanityCheck(t *testing.T) {
	idx := newTestIndex(t, 0)
	for _, e := range []struct{ offset, position int64 }{
		{0, 0}, {10, 100}, {20, 200},
	} {
		idx.Append(e.offset, int32(e.position))
	}
	if err := idx.SanityCheck(); err != nil {
		t.Fatalf("sanityCheck: %v", err)
	}
}

func TestOffsetIndexRenameAndReopen(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewOffsetIndex(filepath.Join(dir, "a.index"), 0, 4096)
	if err != nil {
		t.Fatalf("NewOffsetIndex: %v", err)
	}
	idx.Append(0, 0)
	idx.Append(5, 50)
	newPath := filepath.Join(dir, "b.index")
	if err := idx.RenameTo(newPath); err != nil {
		t.Fatalf("RenameTo: %v", err)
	}
	defer idx.Close()
	offset, position := idx.Lookup(5)
	if offset != 5 || position != 50 {
		t.Fatalf("lookup after rename = (%d,%d), want (5,50)", offset, position)
	}
}
