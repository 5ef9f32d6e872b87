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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, "data_dir: /var/lib/corelog\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cleaner.SegmentSize != 1024*1024*1024 {
		t.Errorf("Cleaner.SegmentSize = %d, want default 1GiB", cfg.Cleaner.SegmentSize)
	}
	if cfg.Accumulator.BatchSize != 16*1024 {
		t.Errorf("Accumulator.BatchSize = %d, want default 16KiB", cfg.Accumulator.BatchSize)
	}
	if cfg.Fetch.FetchMaxWaitMs != 500 {
		t.Errorf("Fetch.FetchMaxWaitMs = %d, want default 500", cfg.Fetch.FetchMaxWaitMs)
	}
	if cfg.Lease.LeaseTTLSeconds != 10 {
		t.Errorf("Lease.LeaseTTLSeconds = %d, want default 10", cfg.Lease.LeaseTTLSeconds)
	}
	if cfg.Cleaner.CheckpointPath != "/var/lib/corelog/cleaner-offset-checkpoint" {
		t.Errorf("Cleaner.CheckpointPath = %q", cfg.Cleaner.CheckpointPath)
	}
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	path := writeTestConfig(t, `
data_dir: /data
broker_id: broker-7
cleaner:
  segment_size: 2048
  min_cleanable_ratio: 0.3
accumulator:
  batch_size: 4096
  linger_ms: 50
archive:
  enabled: true
  bucket: corelog-cold
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BrokerID != "broker-7" {
		t.Errorf("BrokerID = %q, want broker-7", cfg.BrokerID)
	}
	if cfg.Cleaner.SegmentSize != 2048 {
		t.Errorf("Cleaner.SegmentSize = %d, want 2048", cfg.Cleaner.SegmentSize)
	}
	if cfg.Accumulator.Linger().Milliseconds() != 50 {
		t.Errorf("Accumulator.Linger() = %v, want 50ms", cfg.Accumulator.Linger())
	}
	if !cfg.Archive.Enabled || cfg.Archive.Bucket != "corelog-cold" {
		t.Errorf("Archive = %+v", cfg.Archive)
	}
	if cfg.Archive.MaxConcurrentUploads != 4 {
		t.Errorf("Archive.MaxConcurrentUploads = %d, want default 4", cfg.Archive.MaxConcurrentUploads)
	}
}

func TestLoadRequiresDataDir(t *testing.T) {
	path := writeTestConfig(t, "broker_id: broker-1\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing data_dir")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
