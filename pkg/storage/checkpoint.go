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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const checkpointVersion = 0

// TopicPartition identifies one partition of one topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// CleanerCheckpoint persists, per partition, the first-dirty-offset
// watermark the cleaner should resume from after a restart: every offset
// below the checkpoint has already been through at least one cleaning
// pass. The on-disk format is a plain text file (version line, count line,
// then one "topic partition offset" line per entry) so it's trivially
// diffable and doesn't need its own schema evolution story.
type CleanerCheckpoint struct {
	path    string
	offsets map[TopicPartition]int64
}

// LoadCheckpoint reads path, or returns an empty checkpoint if it doesn't
// exist yet (a fresh broker has cleaned nothing).
func LoadCheckpoint(path string) (*CleanerCheckpoint, error) {
	cp := &CleanerCheckpoint{path: path, offsets: make(map[TopicPartition]int64)}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return cp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cp, nil
	}
	version, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || version != checkpointVersion {
		return nil, fmt.Errorf("checkpoint: unsupported version %q", scanner.Text())
	}
	if !scanner.Scan() {
		return cp, nil
	}
	count, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: bad entry count: %w", err)
	}
	for i := 0; i < count && scanner.Scan(); i++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			return nil, fmt.Errorf("checkpoint: malformed entry %q", scanner.Text())
		}
		partition, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: bad partition in %q: %w", scanner.Text(), err)
		}
		offset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: bad offset in %q: %w", scanner.Text(), err)
		}
		cp.offsets[TopicPartition{Topic: fields[0], Partition: int32(partition)}] = offset
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: scan %s: %w", path, err)
	}
	return cp, nil
}

// Get returns the checkpointed offset for tp, or (0, false) if none.
func (cp *CleanerCheckpoint) Get(tp TopicPartition) (int64, bool) {
	offset, ok := cp.offsets[tp]
	return offset, ok
}

// Set records the first-dirty-offset watermark for tp. Callers must call
// Write to persist it.
func (cp *CleanerCheckpoint) Set(tp TopicPartition, offset int64) {
	cp.offsets[tp] = offset
}

// Write persists the checkpoint by writing to a temp file in the same
// directory and renaming over the live path, so readers never observe a
// partially written checkpoint.
func (cp *CleanerCheckpoint) Write() error {
	dir := filepath.Dir(cp.path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	w := bufio.NewWriter(tmp)
	fmt.Fprintln(w, checkpointVersion)
	fmt.Fprintln(w, len(cp.offsets))
	for tp, offset := range cp.offsets {
		fmt.Fprintf(w, "%s %d %d\n", tp.Topic, tp.Partition, offset)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, cp.path); err != nil {
		return fmt.Errorf("checkpoint: rename into place: %w", err)
	}
	return nil
}
