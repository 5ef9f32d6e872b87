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

func TestCheckpointMissingFileIsEmpty(t *testing.T) {
	cp, err := LoadCheckpoint(filepath.Join(t.TempDir(), "cleaner.checkpoint"))
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if _, ok := cp.Get(TopicPartition{Topic: "orders", Partition: 0}); ok {
		t.Fatalf("expected no entries in a fresh checkpoint")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cleaner.checkpoint")
	cp, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	tp := TopicPartition{Topic: "orders", Partition: 3}
	cp.Set(tp, 1234)
	if err := cp.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reloaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	offset, ok := reloaded.Get(tp)
	if !ok || offset != 1234 {
		t.Fatalf("Get() = (%d,%v), want (1234,true)", offset, ok)
	}
}
