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

// Package fetch implements the broker's delayed-fetch purgatory: a fetch
// request that can't be satisfied immediately is parked until either enough
// bytes accumulate, its partition's leadership changes, or it times out.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnknownPartition is the completion reason when a requested
// topic-partition has no known owner anywhere in the cluster.
var ErrUnknownPartition = errors.New("fetch: unknown partition")

// ErrNotLeader is the completion reason when the local broker does not
// lead the requested partition.
var ErrNotLeader = errors.New("fetch: not the leader for this partition")

// Reader is the log-reading surface DelayedFetch needs. storage.Log
// satisfies it directly.
type Reader interface {
	LogEndOffset() int64
	Read(offset int64, maxBytes int) ([]byte, error)
}

// LeaderChecker reports partition ownership, mirroring
// pkg/lease.Checker.IsLocalLeader without importing it directly.
type LeaderChecker interface {
	IsLocalLeader(topic string, partition int32) (known, local bool)
}

// Request describes one client fetch.
type Request struct {
	Topic      string
	Partition  int32
	Offset     int64
	MinBytes   int
	MaxBytes   int
	MaxWait    time.Duration
}

// Result is what a fetch eventually resolves to.
type Result struct {
	Data []byte
	Err  error
}

// registry lets DelayedFetch look up the Reader for a partition without
// depending on any particular Log/partition-map implementation.
type Registry interface {
	Reader(topic string, partition int32) (Reader, bool)
}

// delayedOperation is one parked fetch. completion is idempotent and
// at-most-once: the first of tryComplete/forceComplete/the timer to fire
// wins; the rest are no-ops.
type delayedOperation struct {
	req       Request
	completed atomic.Bool
	done      chan Result
	timer     *time.Timer
}

func newDelayedOperation(req Request) *delayedOperation {
	return &delayedOperation{
		req:  req,
		done: make(chan Result, 1),
	}
}

// complete delivers result exactly once across every caller racing to
// complete this operation, satisfying the at-most-once delivery invariant;
// it reports false to every caller but the first.
func (op *delayedOperation) complete(result Result) bool {
	if !op.completed.CompareAndSwap(false, true) {
		return false
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	op.done <- result
	return true
}

// Purgatory parks fetch requests that cannot be satisfied yet and wakes
// them on a watchable event: new data appended, leadership lost, or
// timeout.
type Purgatory struct {
	mu       sync.Mutex
	logger   *slog.Logger
	registry Registry
	leader   LeaderChecker
	waiting  map[string][]*delayedOperation // keyed by "topic:partition"
}

// NewPurgatory constructs a Purgatory. leader may be nil, in which case
// every known partition is treated as locally led (single-node mode).
func NewPurgatory(registry Registry, leader LeaderChecker, logger *slog.Logger) *Purgatory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Purgatory{
		logger:   logger,
		registry: registry,
		leader:   leader,
		waiting:  make(map[string][]*delayedOperation),
	}
}

func waitKey(topic string, partition int32) string {
	return fmt.Sprintf("%s:%d", topic, partition)
}

// Fetch evaluates req immediately; if it can't be satisfied yet, it parks
// the request until data arrives, leadership changes, ctx is cancelled, or
// MaxWait elapses.
func (p *Purgatory) Fetch(ctx context.Context, req Request) Result {
	if result, ok := p.tryComplete(req); ok {
		return result
	}
	if req.MaxWait <= 0 {
		// Caller asked for immediate-or-nothing semantics.
		data, err := p.readAvailable(req)
		return Result{Data: data, Err: err}
	}

	op := newDelayedOperation(req)
	key := waitKey(req.Topic, req.Partition)
	p.mu.Lock()
	p.waiting[key] = append(p.waiting[key], op)
	p.mu.Unlock()

	op.timer = time.AfterFunc(req.MaxWait, func() {
		data, err := p.readAvailable(req)
		op.complete(Result{Data: data, Err: err})
		p.removeWaiting(key, op)
	})

	select {
	case result := <-op.done:
		p.removeWaiting(key, op)
		return result
	case <-ctx.Done():
		if op.complete(Result{Err: ctx.Err()}) {
			p.removeWaiting(key, op)
		}
		return <-op.done
	}
}

// tryComplete evaluates req against current state and returns (result,
// true) if it can be satisfied right now without waiting. This implements
// cases A through C: unknown partition, not-leader, and enough bytes
// already buffered.
func (p *Purgatory) tryComplete(req Request) (Result, bool) {
	if p.leader != nil {
		known, local := p.leader.IsLocalLeader(req.Topic, req.Partition)
		if !known {
			return Result{Err: ErrUnknownPartition}, true
		}
		if !local {
			return Result{Err: ErrNotLeader}, true
		}
	}
	reader, ok := p.registry.Reader(req.Topic, req.Partition)
	if !ok {
		return Result{Err: ErrUnknownPartition}, true
	}
	available := reader.LogEndOffset() - req.Offset
	if available <= 0 {
		return Result{}, false
	}
	data, err := reader.Read(req.Offset, req.MaxBytes)
	if err != nil {
		return Result{Err: err}, true
	}
	if len(data) >= req.MinBytes || req.MinBytes <= 0 {
		return Result{Data: data}, true
	}
	return Result{}, false
}

func (p *Purgatory) readAvailable(req Request) ([]byte, error) {
	reader, ok := p.registry.Reader(req.Topic, req.Partition)
	if !ok {
		return nil, nil
	}
	return reader.Read(req.Offset, req.MaxBytes)
}

func (p *Purgatory) removeWaiting(key string, target *delayedOperation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ops := p.waiting[key]
	for i, op := range ops {
		if op == target {
			p.waiting[key] = append(ops[:i], ops[i+1:]...)
			break
		}
	}
	if len(p.waiting[key]) == 0 {
		delete(p.waiting, key)
	}
}

// NotifyAppend wakes every parked fetch on topic/partition to re-check
// whether it can now be satisfied. Called by the log/accumulator path
// after a successful append. This implements completion case D: new data
// arriving while a fetch is parked.
func (p *Purgatory) NotifyAppend(topic string, partition int32) {
	p.notify(topic, partition, func(req Request) (Result, bool) {
		return p.tryComplete(req)
	})
}

// NotifyLeadershipChange forces every parked fetch on topic/partition to
// complete immediately, reporting ErrNotLeader. Called when the partition
// lease is lost so clients reconnect to the new leader instead of waiting
// out their full MaxWait.
func (p *Purgatory) NotifyLeadershipChange(topic string, partition int32) {
	p.notify(topic, partition, func(req Request) (Result, bool) {
		return Result{Err: ErrNotLeader}, true
	})
}

func (p *Purgatory) notify(topic string, partition int32, eval func(Request) (Result, bool)) {
	key := waitKey(topic, partition)
	p.mu.Lock()
	ops := append([]*delayedOperation(nil), p.waiting[key]...)
	p.mu.Unlock()

	for _, op := range ops {
		result, ready := eval(op.req)
		if !ready {
			continue
		}
		if op.complete(result) {
			p.removeWaiting(key, op)
		}
	}
}

// Pending returns the number of fetch requests currently parked for a
// partition, for diagnostics and tests.
func (p *Purgatory) Pending(topic string, partition int32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting[waitKey(topic, partition)])
}
