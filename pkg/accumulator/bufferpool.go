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

// Package accumulator implements the producer-side record accumulator:
// per-partition batching, a bounded buffer pool, and readiness/draining for
// the network layer to send.
package accumulator

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBufferPoolClosed is returned by Allocate once the pool has been closed.
var ErrBufferPoolClosed = errors.New("accumulator: buffer pool closed")

// BufferPool is a fixed-capacity byte budget shared across every batch a
// producer is accumulating. Allocate blocks until enough free space exists
// (or the pool's free-space pool of a matching size is recycled), queueing
// waiters strictly FIFO so a large request never gets starved behind a
// stream of small ones that keep cutting in line.
type BufferPool struct {
	mu       sync.Mutex
	totalMem int64
	avail    int64
	free     [][]byte // recycled buffers of exactly poolableSize, for reuse
	poolSize int
	waiters  *list.List // of *poolWaiter, strictly FIFO
	closed   bool
}

type poolWaiter struct {
	size    int64
	ready   chan struct{}
	granted bool
}

// NewBufferPool creates a pool with totalMemory bytes of budget. poolableSize
// is the batch size buffers are recycled at (matching Kafka's
// batch.size-sized free list); allocations of other sizes are served
// directly from the remaining budget without going through the free list.
func NewBufferPool(totalMemory int64, poolableSize int) *BufferPool {
	return &BufferPool{
		totalMem: totalMemory,
		avail:    totalMemory,
		poolSize: poolableSize,
		waiters:  list.New(),
	}
}

// Allocate reserves size bytes, blocking if the pool doesn't have enough
// free space, until ctx is cancelled. Waiters are served in the order they
// arrived.
func (p *BufferPool) Allocate(ctx context.Context, size int64) ([]byte, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrBufferPoolClosed
	}
	if size > p.totalMem {
		p.mu.Unlock()
		return nil, fmt.Errorf("accumulator: requested allocation %d exceeds pool capacity %d", size, p.totalMem)
	}

	if int(size) == p.poolSize && len(p.free) > 0 {
		buf := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.avail -= size
		p.mu.Unlock()
		return buf[:cap(buf)][:size], nil
	}

	if p.waiters.Len() == 0 && p.avail >= size {
		p.avail -= size
		p.mu.Unlock()
		return make([]byte, size), nil
	}

	w := &poolWaiter{size: size, ready: make(chan struct{})}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case <-w.ready:
		if !w.granted {
			return nil, ErrBufferPoolClosed
		}
		return make([]byte, size), nil
	case <-ctx.Done():
		p.mu.Lock()
		if !w.granted {
			p.waiters.Remove(elem)
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.mu.Unlock()
		// Granted concurrently with cancellation: honor the grant, the
		// space has already been deducted from avail on our behalf.
		return make([]byte, size), nil
	}
}

// Deallocate returns size bytes to the pool. If the freed size matches
// poolableSize, buf is kept on the free list for reuse instead of being
// discarded, mirroring Kafka's free-list recycling of full-size batches.
func (p *BufferPool) Deallocate(buf []byte, size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(size) == p.poolSize {
		p.free = append(p.free, buf)
	}
	p.avail += size
	p.wakeWaitersLocked()
}

// wakeWaitersLocked grants pending allocations strictly in FIFO order as
// space becomes available. Must be called with p.mu held.
func (p *BufferPool) wakeWaitersLocked() {
	for {
		front := p.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(*poolWaiter)
		if p.avail < w.size {
			return
		}
		p.avail -= w.size
		w.granted = true
		p.waiters.Remove(front)
		close(w.ready)
	}
}

// AvailableMemory returns the currently unreserved byte budget.
func (p *BufferPool) AvailableMemory() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avail
}

// QueuedWaiters returns the number of allocations currently blocked, for
// diagnostics and tests.
func (p *BufferPool) QueuedWaiters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Len()
}

// Close unblocks every pending Allocate call with ErrBufferPoolClosed.
func (p *BufferPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*poolWaiter)
		close(w.ready)
	}
	p.waiters.Init()
}
