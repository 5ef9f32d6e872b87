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

package group

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownGroup is returned for operations against a group that doesn't
// exist or has gone Dead and been reaped.
var ErrUnknownGroup = errors.New("group: unknown group")

// ErrUnknownMember is returned for operations from a member not (or no
// longer) registered in the group.
var ErrUnknownMember = errors.New("group: unknown member")

// ErrIllegalGeneration is returned when a request carries a generation
// other than the group's current one.
var ErrIllegalGeneration = errors.New("group: illegal generation")

// ErrRebalanceInProgress is returned when a request can't be served
// because the group hasn't reached Stable/AwaitingSync readiness yet.
var ErrRebalanceInProgress = errors.New("group: rebalance in progress")

const (
	defaultSessionTimeout  = 30 * time.Second
	defaultCleanupInterval = 5 * time.Second
)

// CoordinatorConfig configures a Coordinator's background cleanup cadence.
type CoordinatorConfig struct {
	CleanupInterval time.Duration
}

// JoinResult is what JoinGroup returns to a joining member.
type JoinResult struct {
	MemberID     string
	GenerationID int32
	Protocol     string
	LeaderID     string
	// Members is populated only for the leader, once the group is ready,
	// mirroring the teacher's leader-only member list in JoinGroupResponse.
	Members []MemberMetadata
	Ready   bool
}

// Coordinator owns every consumer group's metadata FSM and is mutated only
// by a single goroutine at a time, matching the single-coordinator-thread
// concurrency model in spec.md §5: a mutex serializes every request.
type Coordinator struct {
	mu     sync.Mutex
	logger *slog.Logger
	config CoordinatorConfig
	groups map[string]*Metadata
	stopCh chan struct{}
}

// NewCoordinator constructs a Coordinator and starts its background
// session/rebalance-timeout sweep.
func NewCoordinator(cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		logger: logger,
		config: cfg,
		groups: make(map[string]*Metadata),
		stopCh: make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Stop terminates the background cleanup sweep.
func (c *Coordinator) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

func (c *Coordinator) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

// sweep expires lapsed sessions and stragglers past their rebalance
// deadline across every group, reaping any group left with no members.
func (c *Coordinator) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, g := range c.groups {
		expired := g.ExpireSessions(now)
		if g.state == PreparingRebalance && g.RebalanceExpired(now) {
			g.DropStragglers()
			expired = true
		}
		if len(g.Members) == 0 {
			_ = g.Transition(Dead)
			delete(c.groups, id)
			continue
		}
		if expired {
			if err := g.triggerRebalance(); err != nil {
				c.logger.Warn("rebalance trigger after sweep failed", "group", id, "err", err)
			}
		}
	}
}

func (c *Coordinator) ensureGroup(groupID, protocolType string) *Metadata {
	g, ok := c.groups[groupID]
	if !ok || g.state == Dead {
		g = NewMetadata(groupID, protocolType)
		c.groups[groupID] = g
	}
	return g
}

func newMemberID(groupID string) string {
	return fmt.Sprintf("%s-%s", groupID, uuid.NewString())
}

// JoinGroup admits or refreshes a member and returns the group's readiness.
// A memberID of "" requests a new identity.
func (c *Coordinator) JoinGroup(groupID, memberID, protocolType string, supportedProtocols, topics []string, sessionTimeout time.Duration) (JoinResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.ensureGroup(groupID, protocolType)

	if memberID == "" {
		memberID = newMemberID(groupID)
	}
	member, exists := g.Members[memberID]
	if !exists {
		member = &MemberMetadata{ID: memberID}
	}
	if sessionTimeout <= 0 {
		sessionTimeout = defaultSessionTimeout
	}
	member.SessionTimeout = sessionTimeout
	member.SupportedProtocols = supportedProtocols
	member.Topics = topics
	member.LastHeartbeat = time.Now()

	if !exists {
		// AddMember forces a rebalance whenever the group can legally
		// move to PreparingRebalance (i.e. it was Stable), so a brand new
		// member's subscription always gets counted. A rejoin of an
		// already-known member while Stable is a no-op by contrast: it
		// doesn't touch the state machine at all.
		if err := g.AddMember(member); err != nil {
			return JoinResult{}, err
		}
	}

	g.Rejoin(memberID)

	if g.state == PreparingRebalance && g.AllRejoined() {
		if err := g.CompleteRebalance(); err != nil {
			return JoinResult{}, err
		}
	}

	ready := g.state == AwaitingSync || g.state == Stable
	result := JoinResult{
		MemberID:     memberID,
		GenerationID: g.GenerationID,
		Protocol:     g.SelectedProtocol,
		LeaderID:     g.LeaderID,
		Ready:        ready,
	}
	if ready && memberID == g.LeaderID {
		result.Members = snapshotMembers(g)
	}
	return result, nil
}

func snapshotMembers(g *Metadata) []MemberMetadata {
	out := make([]MemberMetadata, 0, len(g.Members))
	for _, m := range g.Members {
		out = append(out, *m)
	}
	return out
}

// SyncGroup is called by every member after JoinGroup reports ready; the
// leader supplies assignments (already computed by the caller's
// partition-assignment strategy, out of this package's scope), everyone
// else simply waits to be handed their slice of it.
func (c *Coordinator) SyncGroup(groupID, memberID string, generationID int32, leaderAssignments map[string][]byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return nil, ErrUnknownGroup
	}
	if generationID != g.GenerationID {
		return nil, ErrIllegalGeneration
	}
	member, ok := g.Members[memberID]
	if !ok {
		return nil, ErrUnknownMember
	}
	if g.state == PreparingRebalance {
		return nil, ErrRebalanceInProgress
	}

	if g.state == AwaitingSync && memberID == g.LeaderID && leaderAssignments != nil {
		for id, m := range g.Members {
			m.Assignment = leaderAssignments[id]
		}
		if err := g.MarkStable(); err != nil {
			return nil, err
		}
	}

	if g.state != Stable {
		return nil, ErrRebalanceInProgress
	}
	return member.Assignment, nil
}

// Heartbeat refreshes memberID's liveness and reports whether the group is
// Stable (a non-Stable group means the caller must rejoin).
func (c *Coordinator) Heartbeat(groupID, memberID string, generationID int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return ErrUnknownGroup
	}
	member, ok := g.Members[memberID]
	if !ok {
		return ErrUnknownMember
	}
	if generationID != g.GenerationID {
		return ErrIllegalGeneration
	}
	if g.state != Stable {
		return ErrRebalanceInProgress
	}
	member.LastHeartbeat = time.Now()
	return nil
}

// LeaveGroup removes memberID, reaping the group if it's now empty and
// otherwise triggering a rebalance among the remainder.
func (c *Coordinator) LeaveGroup(groupID, memberID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return ErrUnknownGroup
	}
	if _, ok := g.Members[memberID]; !ok {
		return ErrUnknownMember
	}
	if err := g.RemoveMember(memberID); err != nil {
		return err
	}
	if g.state == Dead {
		delete(c.groups, groupID)
	}
	return nil
}

// Describe returns a snapshot of a group's metadata for admin/diagnostic
// use, or ErrUnknownGroup if it doesn't exist.
func (c *Coordinator) Describe(groupID string) (Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return Metadata{}, ErrUnknownGroup
	}
	snapshot := *g
	snapshot.Members = make(map[string]*MemberMetadata, len(g.Members))
	for id, m := range g.Members {
		copied := *m
		snapshot.Members[id] = &copied
	}
	return snapshot, nil
}
