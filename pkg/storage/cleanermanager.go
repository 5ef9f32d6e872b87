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
	"log/slog"
	"sync"
	"time"
)

// CleanState is the lifecycle state CleanerManager tracks per partition.
type CleanState int

const (
	// CleanStateIdle means the partition isn't being cleaned and has no
	// outstanding cleaning request.
	CleanStateIdle CleanState = iota
	// CleanStateInProgress means a cleaner goroutine currently holds this
	// partition and is rewriting its segments.
	CleanStateInProgress
	// CleanStatePaused means cleaning is temporarily disallowed (e.g. while
	// the partition is being deleted), but may resume later.
	CleanStatePaused
	// CleanStateAborted means an in-progress clean was asked to stop and
	// hasn't yet acknowledged.
	CleanStateAborted
)

func (s CleanState) String() string {
	switch s {
	case CleanStateIdle:
		return "idle"
	case CleanStateInProgress:
		return "in-progress"
	case CleanStatePaused:
		return "paused"
	case CleanStateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// LeaderChecker reports whether the local broker is the current leader for
// a partition. CleanerManager only ever cleans partitions it leads, so
// compaction work isn't duplicated across replicas. A nil LeaderChecker
// means "assume single-node, always local" — fine for tests and for a
// broker running without the etcd-backed lease layer.
type LeaderChecker interface {
	IsLocalLeader(topic string, partition int32) (known, local bool)
}

type partitionCleanState struct {
	state       CleanState
	dirtyBytes  int64
	firstDirty  int64
	lastCleaned time.Time
	// pausedCh is non-nil only while a caller is blocked in AbortAndPause
	// waiting for the in-progress clean to stop touching this partition's
	// segments. ackAbort and DoneCleaning both close it (if set) before
	// clearing it, so a waiter is released whether the cleaner acknowledges
	// the abort or simply finishes its pass naturally.
	pausedCh chan struct{}
}

// CleanerManager coordinates cleaning across every compacted partition on a
// broker: it decides which partition to clean next (grabFilthiest), runs
// one Cleaner pass against it, and persists progress to a CleanerCheckpoint
// so a restart resumes from where it left off rather than recopying
// everything.
type CleanerManager struct {
	mu         sync.Mutex
	logger     *slog.Logger
	cleaner    *Cleaner
	checkpoint *CleanerCheckpoint
	leader     LeaderChecker
	logs       map[TopicPartition]*Log
	states     map[TopicPartition]*partitionCleanState
}

// NewCleanerManager constructs a manager. leader may be nil.
func NewCleanerManager(cleaner *Cleaner, checkpoint *CleanerCheckpoint, leader LeaderChecker, logger *slog.Logger) *CleanerManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanerManager{
		logger:     logger,
		cleaner:    cleaner,
		checkpoint: checkpoint,
		leader:     leader,
		logs:       make(map[TopicPartition]*Log),
		states:     make(map[TopicPartition]*partitionCleanState),
	}
}

// Register tells the manager about a compacted-topic log it should
// consider for cleaning.
func (cm *CleanerManager) Register(tp TopicPartition, log *Log) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.logs[tp] = log
	if _, ok := cm.states[tp]; !ok {
		first, _ := cm.checkpoint.Get(tp)
		cm.states[tp] = &partitionCleanState{state: CleanStateIdle, firstDirty: first}
	}
}

// Unregister drops a partition from consideration, e.g. on delete.
func (cm *CleanerManager) Unregister(tp TopicPartition) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.logs, tp)
	delete(cm.states, tp)
}

// dirtyRatio estimates the fraction of a log's bytes that are "dirty"
// (written since the last clean): bytes at or above firstDirty, divided by
// the log's total size. A partition with no dirty bytes is never selected.
func dirtyRatio(log *Log, firstDirty int64) float64 {
	segs := log.Segments()
	var total, dirty int64
	for _, seg := range segs {
		total += seg.Size()
		if seg.LastOffset() >= firstDirty {
			dirty += seg.Size()
		}
	}
	if total == 0 {
		return 0
	}
	return float64(dirty) / float64(total)
}

// GrabFilthiest selects the idle, locally-led partition with the highest
// dirty ratio and marks it CleanStateInProgress. It returns ok=false if no
// partition is eligible right now.
func (cm *CleanerManager) GrabFilthiest(minDirtyRatio float64) (tp TopicPartition, ok bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var best TopicPartition
	bestRatio := -1.0
	for candidate, state := range cm.states {
		if state.state != CleanStateIdle {
			continue
		}
		if cm.leader != nil {
			known, local := cm.leader.IsLocalLeader(candidate.Topic, candidate.Partition)
			if !known || !local {
				continue
			}
		}
		log, exists := cm.logs[candidate]
		if !exists {
			continue
		}
		ratio := dirtyRatio(log, state.firstDirty)
		if ratio <= 0 || ratio < minDirtyRatio {
			continue
		}
		if ratio > bestRatio {
			bestRatio = ratio
			best = candidate
		}
	}
	if bestRatio < 0 {
		return TopicPartition{}, false
	}
	cm.states[best].state = CleanStateInProgress
	return best, true
}

// AbortAndPause requests that an in-progress clean of tp stop, and blocks
// until the cleaner has acknowledged by leaving the partition's segments
// alone — either ackAbort observes the abort and moves the state to Paused,
// or the in-flight RunOnce simply finishes on its own via DoneCleaning.
// Either outcome means it is safe for the caller (e.g. a partition delete or
// truncation) to touch the partition's segments itself. It is idempotent and
// safe to call on a partition that is already idle.
func (cm *CleanerManager) AbortAndPause(tp TopicPartition) {
	cm.mu.Lock()
	state, ok := cm.states[tp]
	if !ok {
		cm.mu.Unlock()
		return
	}
	if state.state != CleanStateInProgress && state.state != CleanStateAborted {
		state.state = CleanStatePaused
		cm.mu.Unlock()
		return
	}
	state.state = CleanStateAborted
	if state.pausedCh == nil {
		state.pausedCh = make(chan struct{})
	}
	wait := state.pausedCh
	cm.mu.Unlock()

	<-wait
}

// ackAbort is called from the cleaning goroutine between segment groups. If
// tp has been asked to stop, it transitions Aborted -> Paused, wakes any
// caller blocked in AbortAndPause, and reports true so RunOnce knows to stop
// touching the partition's segments and return.
func (cm *CleanerManager) ackAbort(tp TopicPartition) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	state, ok := cm.states[tp]
	if !ok || state.state != CleanStateAborted {
		return false
	}
	state.state = CleanStatePaused
	if state.pausedCh != nil {
		close(state.pausedCh)
		state.pausedCh = nil
	}
	return true
}

// ResumeCleaning clears a paused/aborted partition back to idle so it can
// be selected again.
func (cm *CleanerManager) ResumeCleaning(tp TopicPartition) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	state, ok := cm.states[tp]
	if !ok {
		return
	}
	if state.state == CleanStatePaused || state.state == CleanStateAborted {
		state.state = CleanStateIdle
	}
}

// DoneCleaning records the outcome of a cleaning pass: advances the
// partition's first-dirty-offset watermark, persists the checkpoint, and
// returns the partition to idle so it can be picked up again later.
func (cm *CleanerManager) DoneCleaning(tp TopicPartition, newFirstDirty int64) error {
	cm.mu.Lock()
	state, ok := cm.states[tp]
	if !ok {
		cm.mu.Unlock()
		return fmt.Errorf("cleaner manager: unknown partition %s/%d", tp.Topic, tp.Partition)
	}
	state.state = CleanStateIdle
	state.firstDirty = newFirstDirty
	state.lastCleaned = time.Now()
	if state.pausedCh != nil {
		close(state.pausedCh)
		state.pausedCh = nil
	}
	cm.checkpoint.Set(tp, newFirstDirty)
	cm.mu.Unlock()

	if err := cm.checkpoint.Write(); err != nil {
		return fmt.Errorf("cleaner manager: persist checkpoint: %w", err)
	}
	return nil
}

// State returns the current lifecycle state of a partition, for
// diagnostics and tests.
func (cm *CleanerManager) State(tp TopicPartition) CleanState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	state, ok := cm.states[tp]
	if !ok {
		return CleanStateIdle
	}
	return state.state
}

// RunOnce drives one complete cleaning pass over tp's immutable segments
// using cm.cleaner, honoring abort requests between groups, and committing
// the result via DoneCleaning on success.
func (cm *CleanerManager) RunOnce(tp TopicPartition, maxGroupBytes int64) error {
	cm.mu.Lock()
	log, ok := cm.logs[tp]
	cm.mu.Unlock()
	if !ok {
		return fmt.Errorf("cleaner manager: unknown partition %s/%d", tp.Topic, tp.Partition)
	}

	cm.mu.Lock()
	state, stateOK := cm.states[tp]
	cm.mu.Unlock()
	if !stateOK {
		return fmt.Errorf("cleaner manager: unknown partition %s/%d", tp.Topic, tp.Partition)
	}
	firstDirty := state.firstDirty

	active := log.ActiveSegment()
	var cleanPrefixNewest time.Time
	var dirty []*Segment
	for _, seg := range log.Segments() {
		if seg.BaseOffset() == active.BaseOffset() {
			continue
		}
		if seg.LastOffset() < firstDirty {
			// Already cleaned in a prior cycle: part of the clean prefix
			// deleteHorizon is computed against.
			if seg.LastModified().After(cleanPrefixNewest) {
				cleanPrefixNewest = seg.LastModified()
			}
			continue
		}
		dirty = append(dirty, seg)
	}
	if len(dirty) == 0 {
		return cm.DoneCleaning(tp, log.LogEndOffset())
	}

	deleteHorizon := cm.cleaner.DeleteHorizon(cleanPrefixNewest)
	groups := GroupSegments(dirty, maxGroupBytes)
	var newFirstDirty int64
	for _, group := range groups {
		if cm.ackAbort(tp) {
			cm.logger.Info("cleaning aborted mid-cycle", "topic", tp.Topic, "partition", tp.Partition)
			return nil
		}
		m := NewOffsetMap(cm.cleaner.dedupeBufferSize, cm.cleaner.dedupeBufferLoadFactor)
		if _, err := cm.cleaner.BuildOffsetMap(group, m); err != nil {
			return fmt.Errorf("cleaner manager: build offset map: %w", err)
		}
		cleaned, discarded, err := cm.cleaner.CleanInto(group, m, log.Dir(), deleteHorizon)
		if err != nil {
			return fmt.Errorf("cleaner manager: clean group: %w", err)
		}

		oldBases := make([]int64, len(group.Segments))
		for i, seg := range group.Segments {
			oldBases[i] = seg.BaseOffset()
		}
		if err := cleaned.ReplaceSuffix(cleanedFileSuffix, swapFileSuffix); err != nil {
			return fmt.Errorf("cleaner manager: stage cleaned segment as swap: %w", err)
		}
		if err := log.ReplaceSegments(oldBases, cleaned); err != nil {
			return fmt.Errorf("cleaner manager: replace segments: %w", err)
		}
		newFirstDirty = group.Segments[len(group.Segments)-1].LastOffset() + 1
		cm.logger.Info("cleaned segment group", "topic", tp.Topic, "partition", tp.Partition,
			"segments", len(group.Segments), "bytes_discarded", discarded)
	}

	return cm.DoneCleaning(tp, newFirstDirty)
}
