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
	"sort"
	"time"
)

// ErrEmptyGroup is returned by SelectProtocol when the group has no
// members to select among, or when its members share no common protocol.
var ErrEmptyGroup = errors.New("group: cannot select a protocol for an empty group")

// Metadata is the full state of one consumer group: membership, the
// rebalance state machine, generation, leader and selected protocol.
type Metadata struct {
	GroupID      string
	ProtocolType string

	Members map[string]*MemberMetadata

	state        State
	GenerationID int32
	LeaderID     string

	SelectedProtocol string

	RebalanceTimeout  time.Duration
	rebalanceDeadline time.Time
}

// NewMetadata creates a group in its initial Stable state, per spec.md
// §4.7 ("Initial state on creation is Stable").
func NewMetadata(groupID, protocolType string) *Metadata {
	return &Metadata{
		GroupID:      groupID,
		ProtocolType: protocolType,
		Members:      make(map[string]*MemberMetadata),
		state:        Stable,
	}
}

// State returns the group's current state.
func (g *Metadata) State() State {
	return g.state
}

// Transition moves the group to newState if the edge is legal, otherwise
// returns an *IllegalStateTransition and leaves the state unchanged. This
// is the single gate every state mutation in this package goes through,
// satisfying the FSM-closedness invariant.
func (g *Metadata) Transition(newState State) error {
	if !CanTransition(g.state, newState) {
		return &IllegalStateTransition{From: g.state, To: newState}
	}
	g.state = newState
	return nil
}

// AddMember admits member into the group. The first member added becomes
// leader; joining a Stable group starts a new rebalance.
func (g *Metadata) AddMember(member *MemberMetadata) error {
	if g.state == Dead {
		return &IllegalStateTransition{From: g.state, To: g.state}
	}
	wasEmpty := len(g.Members) == 0
	g.Members[member.ID] = member

	if wasEmpty {
		g.LeaderID = member.ID
	}
	return g.triggerRebalance()
}

// RemoveMember evicts memberID. If the leader left, leadership passes to
// the lexicographically smallest remaining member ID, matching the
// teacher's ensureLeader. Removing the last member moves the group to
// Dead rather than leaving it to rebalance with nobody to join.
func (g *Metadata) RemoveMember(memberID string) error {
	delete(g.Members, memberID)
	if g.LeaderID == memberID {
		g.electLeader()
	}
	if len(g.Members) == 0 {
		return g.Transition(Dead)
	}
	return g.triggerRebalance()
}

// triggerRebalance starts a new rebalance if the group's current state
// permits moving to PreparingRebalance; if a rebalance is already under
// way (PreparingRebalance has no self-edge) it is a no-op, since the
// membership change will be picked up by the in-flight rebalance.
func (g *Metadata) triggerRebalance() error {
	if !CanTransition(g.state, PreparingRebalance) {
		return nil
	}
	return g.StartRebalance()
}

// electLeader assigns LeaderID to the lexicographically smallest member
// ID, or "" if the group is empty.
func (g *Metadata) electLeader() {
	if len(g.Members) == 0 {
		g.LeaderID = ""
		return
	}
	ids := g.memberIDs()
	g.LeaderID = ids[0]
}

func (g *Metadata) memberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for id := range g.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartRebalance moves the group into PreparingRebalance and bumps the
// generation. Joining members must set JoinGeneration to the new
// generation via Rejoin to be counted ready.
func (g *Metadata) StartRebalance() error {
	if err := g.Transition(PreparingRebalance); err != nil {
		return err
	}
	g.GenerationID++
	g.SelectedProtocol = ""
	if g.RebalanceTimeout <= 0 {
		g.RebalanceTimeout = 30 * time.Second
	}
	g.rebalanceDeadline = time.Now().Add(g.RebalanceTimeout)
	return nil
}

// Rejoin records that memberID has rejoined at the group's current
// generation.
func (g *Metadata) Rejoin(memberID string) {
	if m, ok := g.Members[memberID]; ok {
		m.JoinGeneration = g.GenerationID
	}
}

// AllRejoined reports whether every current member has rejoined at the
// group's current generation.
func (g *Metadata) AllRejoined() bool {
	if len(g.Members) == 0 {
		return false
	}
	for _, m := range g.Members {
		if m.JoinGeneration != g.GenerationID {
			return false
		}
	}
	return true
}

// CompleteRebalance selects a protocol and moves PreparingRebalance ->
// AwaitingSync once every member has rejoined.
func (g *Metadata) CompleteRebalance() error {
	protocol, err := g.SelectProtocol()
	if err != nil {
		return err
	}
	if err := g.Transition(AwaitingSync); err != nil {
		return err
	}
	g.SelectedProtocol = protocol
	g.rebalanceDeadline = time.Time{}
	return nil
}

// MarkStable moves AwaitingSync -> Stable once the leader has published
// assignments.
func (g *Metadata) MarkStable() error {
	return g.Transition(Stable)
}

// SelectProtocol intersects every member's supported-protocol set into a
// candidate list, has each member vote for its most-preferred candidate,
// and returns the protocol with the most votes, breaking ties by
// protocol name ascending.
func (g *Metadata) SelectProtocol() (string, error) {
	if len(g.Members) == 0 {
		return "", ErrEmptyGroup
	}

	candidates := g.candidateProtocols()
	if len(candidates) == 0 {
		return "", ErrEmptyGroup
	}

	votes := make(map[string]int, len(candidates))
	for _, m := range g.Members {
		p, ok := m.vote(candidates)
		if !ok {
			continue
		}
		votes[p]++
	}

	names := make([]string, 0, len(candidates))
	for p := range candidates {
		names = append(names, p)
	}
	sort.Strings(names)

	best := names[0]
	for _, name := range names[1:] {
		if votes[name] > votes[best] {
			best = name
		}
	}
	return best, nil
}

// candidateProtocols intersects every member's supported-protocol set.
func (g *Metadata) candidateProtocols() map[string]bool {
	var candidates map[string]bool
	for _, m := range g.Members {
		supported := make(map[string]bool, len(m.SupportedProtocols))
		for _, p := range m.SupportedProtocols {
			supported[p] = true
		}
		if candidates == nil {
			candidates = supported
			continue
		}
		for p := range candidates {
			if !supported[p] {
				delete(candidates, p)
			}
		}
	}
	return candidates
}

// RebalanceExpired reports whether the current rebalance has run past its
// deadline without every member rejoining.
func (g *Metadata) RebalanceExpired(now time.Time) bool {
	if g.rebalanceDeadline.IsZero() {
		return false
	}
	return now.After(g.rebalanceDeadline)
}

// DropStragglers removes every member that hasn't rejoined at the current
// generation, for use once RebalanceExpired is true.
func (g *Metadata) DropStragglers() {
	for id, m := range g.Members {
		if m.JoinGeneration != g.GenerationID {
			delete(g.Members, id)
		}
	}
	if g.LeaderID != "" {
		if _, ok := g.Members[g.LeaderID]; !ok {
			g.electLeader()
		}
	}
}

// ExpireSessions removes every member whose session timeout has lapsed
// relative to now, returning true if any were removed.
func (g *Metadata) ExpireSessions(now time.Time) bool {
	changed := false
	for id, m := range g.Members {
		timeout := m.SessionTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		if now.Sub(m.LastHeartbeat) > timeout {
			delete(g.Members, id)
			changed = true
		}
	}
	if changed && g.LeaderID != "" {
		if _, ok := g.Members[g.LeaderID]; !ok {
			g.electLeader()
		}
	}
	return changed
}
