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

// Package config loads the broker node's YAML configuration document into
// typed, defaulted structs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level broker node configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	BrokerID string `yaml:"broker_id"`

	Cleaner     CleanerConfig     `yaml:"cleaner"`
	Accumulator AccumulatorConfig `yaml:"accumulator"`
	Fetch       FetchConfig       `yaml:"fetch"`
	Group       GroupConfig       `yaml:"group"`
	Lease       LeaseConfig       `yaml:"lease"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

// CleanerConfig holds every cleaner/cleaner-manager knob from spec.md §6.
type CleanerConfig struct {
	DedupeBufferSize       int64   `yaml:"dedupe_buffer_size"`
	DedupeBufferLoadFactor float64 `yaml:"dedupe_buffer_load_factor"`
	IOBufferSize           int     `yaml:"io_buffer_size"`
	MaxIOBufferSize        int     `yaml:"max_io_buffer_size"`
	MaxIOBytesPerSecond    int64   `yaml:"max_io_bytes_per_second"`
	NumThreads             int     `yaml:"num_threads"`
	MinCleanableRatio      float64 `yaml:"min_cleanable_ratio"`
	BackOffMs              int     `yaml:"back_off_ms"`
	DeleteRetentionMs      int64   `yaml:"delete_retention_ms"`
	SegmentSize            int64   `yaml:"segment_size"`
	MaxIndexSize           int64   `yaml:"max_index_size"`
	CheckpointPath         string  `yaml:"checkpoint_path"`
}

// AccumulatorConfig holds the record-accumulator knobs from spec.md §6.
type AccumulatorConfig struct {
	BatchSize         int64  `yaml:"batch_size"`
	TotalMemory       int64  `yaml:"total_memory"`
	LingerMs          int    `yaml:"linger_ms"`
	RetryBackoffMs    int    `yaml:"retry_backoff_ms"`
	DeliveryTimeoutMs int    `yaml:"delivery_timeout_ms"`
	Compression       string `yaml:"compression"`
}

// FetchConfig holds the delayed-fetch knobs from spec.md §6.
type FetchConfig struct {
	FetchMinBytes      int  `yaml:"fetch_min_bytes"`
	FetchMaxWaitMs     int  `yaml:"fetch_max_wait_ms"`
	FetchSize          int  `yaml:"fetch_size"`
	FetchOnlyCommitted bool `yaml:"fetch_only_committed"`
	FetchOnlyLeader    bool `yaml:"fetch_only_leader"`
	IsFromFollower     bool `yaml:"is_from_follower"`
}

// GroupConfig holds consumer-group coordinator knobs.
type GroupConfig struct {
	SessionTimeoutMs   int `yaml:"session_timeout_ms"`
	RebalanceTimeoutMs int `yaml:"rebalance_timeout_ms"`
	CleanupIntervalMs  int `yaml:"cleanup_interval_ms"`
}

// LeaseConfig holds the etcd-backed partition-lease settings added by this
// repository's supplemented cluster-coordination feature (§3 of SPEC_FULL).
type LeaseConfig struct {
	Endpoints       []string `yaml:"endpoints"`
	LeaseTTLSeconds int      `yaml:"lease_ttl_seconds"`
	DialTimeoutMs   int      `yaml:"dial_timeout_ms"`
}

// ArchiveConfig holds the optional S3 cold-storage tier settings.
type ArchiveConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Bucket               string `yaml:"bucket"`
	Region               string `yaml:"region"`
	Endpoint             string `yaml:"endpoint"`
	ForcePathStyle       bool   `yaml:"force_path_style"`
	AccessKeyID          string `yaml:"access_key_id"`
	SecretAccessKey      string `yaml:"secret_access_key"`
	SessionToken         string `yaml:"session_token"`
	KMSKeyARN            string `yaml:"kms_key_arn"`
	MaxConcurrentUploads int    `yaml:"max_concurrent_uploads"`
}

// Load reads and parses the YAML document at path and applies defaults to
// every knob left unset.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.setDefaults()

	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("config: data_dir is required")
	}
	return cfg, nil
}

// setDefaults applies every default in one pass, the way the teacher's
// CoordinatorConfig and PartitionLeaseConfig constructors do.
func (c *Config) setDefaults() {
	if c.BrokerID == "" {
		hostname, err := os.Hostname()
		if err == nil {
			c.BrokerID = hostname
		} else {
			c.BrokerID = "broker-0"
		}
	}

	cl := &c.Cleaner
	if cl.DedupeBufferSize <= 0 {
		cl.DedupeBufferSize = 128 * 1024 * 1024
	}
	if cl.DedupeBufferLoadFactor <= 0 {
		cl.DedupeBufferLoadFactor = 0.75
	}
	if cl.IOBufferSize <= 0 {
		cl.IOBufferSize = 1024 * 1024
	}
	if cl.MaxIOBufferSize <= 0 {
		cl.MaxIOBufferSize = 16 * 1024 * 1024
	}
	if cl.NumThreads <= 0 {
		cl.NumThreads = 1
	}
	if cl.MinCleanableRatio <= 0 {
		cl.MinCleanableRatio = 0.5
	}
	if cl.BackOffMs <= 0 {
		cl.BackOffMs = 15000
	}
	if cl.SegmentSize <= 0 {
		cl.SegmentSize = 1024 * 1024 * 1024
	}
	if cl.MaxIndexSize <= 0 {
		cl.MaxIndexSize = 10 * 1024 * 1024
	}
	if cl.CheckpointPath == "" {
		cl.CheckpointPath = c.DataDir + "/cleaner-offset-checkpoint"
	}

	acc := &c.Accumulator
	if acc.BatchSize <= 0 {
		acc.BatchSize = 16 * 1024
	}
	if acc.TotalMemory <= 0 {
		acc.TotalMemory = 32 * 1024 * 1024
	}
	if acc.DeliveryTimeoutMs <= 0 {
		acc.DeliveryTimeoutMs = 120000
	}
	if acc.Compression == "" {
		acc.Compression = "gzip"
	}

	f := &c.Fetch
	if f.FetchMinBytes <= 0 {
		f.FetchMinBytes = 1
	}
	if f.FetchMaxWaitMs <= 0 {
		f.FetchMaxWaitMs = 500
	}
	if f.FetchSize <= 0 {
		f.FetchSize = 1024 * 1024
	}

	g := &c.Group
	if g.SessionTimeoutMs <= 0 {
		g.SessionTimeoutMs = 30000
	}
	if g.RebalanceTimeoutMs <= 0 {
		g.RebalanceTimeoutMs = 30000
	}
	if g.CleanupIntervalMs <= 0 {
		g.CleanupIntervalMs = 5000
	}

	l := &c.Lease
	if l.LeaseTTLSeconds <= 0 {
		l.LeaseTTLSeconds = 10
	}
	if l.DialTimeoutMs <= 0 {
		l.DialTimeoutMs = 5000
	}

	a := &c.Archive
	if a.MaxConcurrentUploads <= 0 {
		a.MaxConcurrentUploads = 4
	}
}

// Duration helpers so callers don't sprinkle time.Duration(x) *
// time.Millisecond across cmd/broker.

func (c CleanerConfig) BackOff() time.Duration {
	return time.Duration(c.BackOffMs) * time.Millisecond
}

func (c CleanerConfig) DeleteRetention() time.Duration {
	return time.Duration(c.DeleteRetentionMs) * time.Millisecond
}

func (a AccumulatorConfig) Linger() time.Duration {
	return time.Duration(a.LingerMs) * time.Millisecond
}

func (a AccumulatorConfig) RetryBackoff() time.Duration {
	return time.Duration(a.RetryBackoffMs) * time.Millisecond
}

func (a AccumulatorConfig) DeliveryTimeout() time.Duration {
	return time.Duration(a.DeliveryTimeoutMs) * time.Millisecond
}

func (f FetchConfig) MaxWait() time.Duration {
	return time.Duration(f.FetchMaxWaitMs) * time.Millisecond
}

func (g GroupConfig) SessionTimeout() time.Duration {
	return time.Duration(g.SessionTimeoutMs) * time.Millisecond
}

func (g GroupConfig) RebalanceTimeout() time.Duration {
	return time.Duration(g.RebalanceTimeoutMs) * time.Millisecond
}

func (g GroupConfig) CleanupInterval() time.Duration {
	return time.Duration(g.CleanupIntervalMs) * time.Millisecond
}

func (l LeaseConfig) DialTimeout() time.Duration {
	return time.Duration(l.DialTimeoutMs) * time.Millisecond
}
