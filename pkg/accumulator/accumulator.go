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

package accumulator

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TopicPartition identifies a partition a batch is destined for.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// Record is one producer-supplied message awaiting a batch.
type Record struct {
	Key       []byte
	Value     []byte
	Timestamp time.Time
	resultCh  chan RecordResult
}

// NewRecord builds a Record carrying its own result channel, buffered so
// that completing it (done/Release) never has to choose between blocking
// the accumulator's lock-free completion path and silently dropping the
// result: exactly one value is ever sent, so a buffer of 1 never fills
// before the producer reads it.
func NewRecord(key, value []byte, timestamp time.Time) Record {
	return Record{
		Key:       key,
		Value:     value,
		Timestamp: timestamp,
		resultCh:  make(chan RecordResult, 1),
	}
}

// Result returns the channel a producer should receive on to learn rec's
// outcome. Only valid for Records built with NewRecord.
func (rec Record) Result() <-chan RecordResult {
	return rec.resultCh
}

// RecordResult reports the outcome of sending one record.
type RecordResult struct {
	Offset int64
	Err    error
}

// ProducerBatch accumulates records destined for one partition until it is
// drained for sending. Once drained it is sealed and immutable; Reenqueue
// pushes an unsent or failed batch back onto the front of its partition's
// deque so retries preserve per-partition ordering, but never reopens it
// for appends.
type ProducerBatch struct {
	TopicPartition TopicPartition
	Records        []Record
	CreatedAt      time.Time
	LastAttempt    time.Time // time of the last send attempt; starts at CreatedAt
	LastAppendTime time.Time // time of the most recent Append into this batch
	Attempts       int
	Retry          bool
	SizeBytes      int64

	buf       []byte
	allocSize int64
	sealed    bool
}

// done completes every record in the batch with the same result, e.g. an
// assigned base offset (incrementing per record) or a shared error. It sends
// directly rather than through a non-blocking select: resultCh is built by
// NewRecord with capacity 1 and a batch is only ever completed once, so the
// send cannot block, and a dropped default case would otherwise silently
// lose the result for any producer that hadn't started receiving yet.
func (b *ProducerBatch) done(baseOffset int64, err error) {
	for i, rec := range b.Records {
		if rec.resultCh == nil {
			continue
		}
		result := RecordResult{Err: err}
		if err == nil {
			result.Offset = baseOffset + int64(i)
		}
		rec.resultCh <- result
	}
}

// isFull reports whether b has reached the configured batch size.
func (b *ProducerBatch) isFull(batchSize int64) bool {
	return b.SizeBytes >= batchSize
}

type partitionQueue struct {
	batches []*ProducerBatch // deque; index 0 is oldest
}

// Config configures a RecordAccumulator.
type Config struct {
	BatchSize       int64
	Linger          time.Duration
	DeliveryTimeout time.Duration
	RetryBackoff    time.Duration
	BufferMemory    int64
}

// LeaderChecker reports whether a partition's leader is currently known,
// the same shape DelayedFetch's leadership check and the cleaner's
// LeaderChecker use elsewhere in this repository. A nil LeaderChecker means
// "always known", appropriate for tests and single-node deployments.
type LeaderChecker interface {
	IsLocalLeader(topic string, partition int32) (known, local bool)
}

// RecordAccumulator batches records per partition before handing them to
// the network layer. The partition map and every partition's queue are
// guarded by one accumulator-wide mutex, which Ready and Drain hold for the
// whole operation and Append holds while it touches a queue; the map is not
// copy-on-write and there is no per-partition lock.
//
// This repository has no broker/node multiplexing layer (wire protocol and
// network I/O are out of scope), so readiness and draining are expressed
// per-partition rather than per-destination-node: each TopicPartition
// stands in for the "node" a real client would group partitions under.
type RecordAccumulator struct {
	mu                sync.Mutex
	queues            map[TopicPartition]*partitionQueue
	pool              *BufferPool
	cfg               Config
	drainIndex        int
	incomplete        map[*ProducerBatch]struct{}
	closed            bool
	flushesInProgress int
}

// NewRecordAccumulator constructs an accumulator with its own BufferPool
// sized to cfg.BufferMemory.
func NewRecordAccumulator(cfg Config) *RecordAccumulator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16 * 1024
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 2 * time.Minute
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.BufferMemory <= 0 {
		cfg.BufferMemory = 32 * 1024 * 1024
	}
	return &RecordAccumulator{
		queues:     make(map[TopicPartition]*partitionQueue),
		pool:       NewBufferPool(cfg.BufferMemory, int(cfg.BatchSize)),
		cfg:        cfg,
		incomplete: make(map[*ProducerBatch]struct{}),
	}
}

func recordSize(rec Record) int64 {
	return int64(len(rec.Key) + len(rec.Value) + 24) // +24 for per-record framing overhead
}

// tryAppend appends rec to q's current tail batch if one exists, isn't
// sealed, and has room for size more bytes. Must be called with a.mu held.
// It always re-reads the tail fresh from q rather than trusting a pointer
// captured before a.mu was last released, so it is safe to call again after
// reacquiring the lock even if Drain ran in between.
func (a *RecordAccumulator) tryAppend(q *partitionQueue, rec Record, size int64) (*ProducerBatch, bool) {
	n := len(q.batches)
	if n == 0 {
		return nil, false
	}
	last := q.batches[n-1]
	if last.sealed || last.SizeBytes+size > a.cfg.BatchSize {
		return nil, false
	}
	last.Records = append(last.Records, rec)
	last.SizeBytes += size
	last.LastAppendTime = time.Now()
	return last, true
}

// Append adds rec to tp's active batch, allocating a new batch (and its
// backing buffer from the pool) if the current one is full, sealed, or
// doesn't exist yet. It blocks on the buffer pool, not on any partition
// lock, so a memory-starved partition never blocks appends to other
// partitions. Per the append algorithm: try the tail batch under a.mu,
// allocate outside the lock if that fails, then retry the tail batch
// once more after reacquiring the lock before installing a new one, since
// another append (or a Drain sealing the old tail) may have changed things
// while the lock was released.
func (a *RecordAccumulator) Append(ctx context.Context, tp TopicPartition, rec Record) (*ProducerBatch, error) {
	size := recordSize(rec)

	a.mu.Lock()
	q, ok := a.queues[tp]
	if !ok {
		q = &partitionQueue{}
		a.queues[tp] = q
	}
	if batch, ok := a.tryAppend(q, rec, size); ok {
		a.mu.Unlock()
		return batch, nil
	}
	a.mu.Unlock()

	allocSize := a.cfg.BatchSize
	if size > allocSize {
		allocSize = size
	}
	buf, err := a.pool.Allocate(ctx, allocSize)
	if err != nil {
		return nil, fmt.Errorf("accumulator: allocate batch buffer: %w", err)
	}

	a.mu.Lock()
	if batch, ok := a.tryAppend(q, rec, size); ok {
		a.mu.Unlock()
		a.pool.Deallocate(buf, allocSize)
		return batch, nil
	}
	now := time.Now()
	batch := &ProducerBatch{
		TopicPartition: tp,
		Records:        []Record{rec},
		CreatedAt:      now,
		LastAttempt:    now,
		LastAppendTime: now,
		SizeBytes:      size,
		buf:            buf,
		allocSize:      allocSize,
	}
	q.batches = append(q.batches, batch)
	a.mu.Unlock()
	return batch, nil
}

// Ready examines every partition with a non-empty deque and reports which
// are eligible to send right now, the shortest delay before the next
// re-check is worthwhile for any partition that isn't, and whether any
// partition's leader is currently unknown. leader may be nil, meaning every
// partition's leader is treated as known.
func (a *RecordAccumulator) Ready(leader LeaderChecker, now time.Time) (ready []TopicPartition, nextDelay time.Duration, hasUnknownLeader bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	closed := a.closed
	flushing := a.flushesInProgress > 0

	haveDelay := false
	for tp, q := range a.queues {
		if len(q.batches) == 0 {
			continue
		}
		head := q.batches[0]

		waitFor := a.cfg.Linger
		if head.Attempts > 0 {
			waitFor = a.cfg.RetryBackoff
		}
		waited := now.Sub(head.LastAttempt)
		backingOff := head.Attempts > 0 && head.LastAttempt.Add(a.cfg.RetryBackoff).After(now)

		full := len(q.batches) > 1 || head.isFull(a.cfg.BatchSize)
		expired := waited >= waitFor
		exhausted := a.pool.QueuedWaiters() > 0
		sendable := (full || expired || exhausted || closed || flushing) && !backingOff

		if leader != nil {
			if known, _ := leader.IsLocalLeader(tp.Topic, tp.Partition); !known {
				hasUnknownLeader = true
				continue
			}
		}

		if sendable {
			ready = append(ready, tp)
			continue
		}
		delay := waitFor - waited
		if !haveDelay || delay < nextDelay {
			nextDelay = delay
			haveDelay = true
		}
	}
	if !haveDelay {
		nextDelay = 0
	}
	return ready, nextDelay, hasUnknownLeader
}

// Drain removes and returns sendable batches for the given partitions,
// round-robin starting at the accumulator's rotating drainIndex, collecting
// whole batches from each partition's head until adding the next would
// exceed maxSize. Partitions present in muted are skipped entirely.
// Drained batches are sealed (no further Append can land in them) and
// tracked in the incomplete set until Release or Reenqueue clears them.
func (a *RecordAccumulator) Drain(partitions []TopicPartition, maxSize int64, muted map[TopicPartition]bool) map[TopicPartition][]*ProducerBatch {
	a.mu.Lock()
	defer a.mu.Unlock()

	drained := make(map[TopicPartition][]*ProducerBatch, len(partitions))
	n := len(partitions)
	if n == 0 {
		return drained
	}
	start := a.drainIndex % n
	a.drainIndex++

	var size int64
	for i := 0; i < n; i++ {
		tp := partitions[(start+i)%n]
		if muted[tp] {
			continue
		}
		q, ok := a.queues[tp]
		if !ok || len(q.batches) == 0 {
			continue
		}
		var taken []*ProducerBatch
		for len(q.batches) > 0 {
			b := q.batches[0]
			if size > 0 && maxSize > 0 && size+b.SizeBytes > maxSize {
				break
			}
			size += b.SizeBytes
			b.sealed = true
			a.incomplete[b] = struct{}{}
			taken = append(taken, b)
			q.batches = q.batches[1:]
		}
		if len(taken) > 0 {
			drained[tp] = taken
		}
	}
	return drained
}

// Reenqueue pushes a batch back onto the front of its partition's deque
// for retry, preserving ordering against any records appended in the
// meantime, bumps Attempts, marks the batch as retrying, and records the
// attempt time so Ready's backoff gating and AbortExpiredBatches' deadline
// both measure from it.
func (a *RecordAccumulator) Reenqueue(batch *ProducerBatch, now time.Time) {
	batch.Attempts++
	batch.Retry = true
	batch.LastAttempt = now
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.incomplete, batch)
	q, ok := a.queues[batch.TopicPartition]
	if !ok {
		q = &partitionQueue{}
		a.queues[batch.TopicPartition] = q
	}
	q.batches = append([]*ProducerBatch{batch}, q.batches...)
}

// Release completes every record in batch with result, drops it from the
// incomplete set, and returns its buffer to the pool.
func (a *RecordAccumulator) Release(batch *ProducerBatch, baseOffset int64, err error) {
	batch.done(baseOffset, err)
	a.mu.Lock()
	delete(a.incomplete, batch)
	a.mu.Unlock()
	a.pool.Deallocate(batch.buf, batch.allocSize)
}

// batchExpired reports whether b is past its delivery deadline, mirroring
// the three cases of abortExpiredBatches: a full, non-retrying batch stuck
// past timeout since its last append; a non-retrying batch whose linger
// plus timeout has elapsed since creation; or a retrying batch whose
// backoff plus timeout has elapsed since its last attempt.
func (a *RecordAccumulator) batchExpired(b *ProducerBatch, now time.Time) bool {
	if !b.Retry && b.isFull(a.cfg.BatchSize) && now.Sub(b.LastAppendTime) > a.cfg.DeliveryTimeout {
		return true
	}
	if !b.Retry && now.After(b.CreatedAt.Add(a.cfg.Linger).Add(a.cfg.DeliveryTimeout)) {
		return true
	}
	if b.Retry && now.After(b.LastAttempt.Add(a.cfg.RetryBackoff).Add(a.cfg.DeliveryTimeout)) {
		return true
	}
	return false
}

// AbortExpiredBatches scans every non-muted partition from its deque head,
// stopping at the first batch that isn't expired (younger batches further
// back can't have expired first), removes every expired batch, completes
// their records with a timeout error, and returns how many were aborted.
func (a *RecordAccumulator) AbortExpiredBatches(now time.Time, muted map[TopicPartition]bool) int {
	a.mu.Lock()
	var expired []*ProducerBatch
	for tp, q := range a.queues {
		if muted[tp] {
			continue
		}
		cut := 0
		for cut < len(q.batches) && a.batchExpired(q.batches[cut], now) {
			cut++
		}
		if cut == 0 {
			continue
		}
		expired = append(expired, q.batches[:cut]...)
		q.batches = q.batches[cut:]
	}
	a.mu.Unlock()

	for _, b := range expired {
		a.Release(b, 0, fmt.Errorf("accumulator: batch for %s/%d expired after %s",
			b.TopicPartition.Topic, b.TopicPartition.Partition, a.cfg.DeliveryTimeout))
	}
	return len(expired)
}

// Close marks the accumulator as shutting down: Ready treats every
// non-empty partition as immediately sendable from this point on,
// regardless of linger, unless its head batch is still inside its retry
// backoff, so a dispatcher loop drains outstanding batches as
// fast as the network layer allows instead of waiting out their linger.
// Idempotent.
func (a *RecordAccumulator) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
}

// BeginFlush and EndFlush bracket a producer-initiated flush: for as long
// as any flush is in progress, Ready treats every non-empty partition whose
// head batch is not backing off as immediately sendable, the same forcing
// effect Close has, but reversible.
// Calls nest (concurrent Flush callers each hold their own increment).
func (a *RecordAccumulator) BeginFlush() {
	a.mu.Lock()
	a.flushesInProgress++
	a.mu.Unlock()
}

// EndFlush reverses a prior BeginFlush.
func (a *RecordAccumulator) EndFlush() {
	a.mu.Lock()
	if a.flushesInProgress > 0 {
		a.flushesInProgress--
	}
	a.mu.Unlock()
}

// Flush forces every outstanding batch to become sendable and blocks until
// the accumulator has no queued or in-flight (incomplete) batches left, or
// ctx is done. It is the caller's responsibility to keep driving
// Ready/Drain/Release concurrently; Flush only forces and waits.
func (a *RecordAccumulator) Flush(ctx context.Context) error {
	a.BeginFlush()
	defer a.EndFlush()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if a.Empty() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Empty reports whether the accumulator has no queued batches and no
// drained-but-unacknowledged (incomplete) ones either.
func (a *RecordAccumulator) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.incomplete) > 0 {
		return false
	}
	for _, q := range a.queues {
		if len(q.batches) > 0 {
			return false
		}
	}
	return true
}

// Pool exposes the accumulator's buffer pool, mainly for tests and metrics.
func (a *RecordAccumulator) Pool() *BufferPool {
	return a.pool
}

// Incomplete returns the number of drained-but-unacknowledged batches, for
// tests and diagnostics.
func (a *RecordAccumulator) Incomplete() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.incomplete)
}
