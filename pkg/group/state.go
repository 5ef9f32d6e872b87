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

// Package group implements the consumer group metadata state machine:
// membership, rebalance, and protocol selection.
package group

import "fmt"

// State is one of the four states a consumer group's metadata can be in.
type State int

const (
	// Stable is the initial state: the group has a settled membership,
	// generation and assignment.
	Stable State = iota
	// PreparingRebalance means membership has changed and the group is
	// waiting for every member to rejoin.
	PreparingRebalance
	// AwaitingSync means every member has rejoined and the leader is
	// computing/publishing the new assignment.
	AwaitingSync
	// Dead is terminal: the group has no members and has been reaped.
	Dead
)

func (s State) String() string {
	switch s {
	case Stable:
		return "Stable"
	case PreparingRebalance:
		return "PreparingRebalance"
	case AwaitingSync:
		return "AwaitingSync"
	case Dead:
		return "Dead"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IllegalStateTransition is raised by Transition for any edge not present
// in the table below. It is a programming error: callers must not retry
// it, only fix the caller.
type IllegalStateTransition struct {
	From, To State
}

func (e *IllegalStateTransition) Error() string {
	return fmt.Sprintf("group: illegal state transition %s -> %s", e.From, e.To)
}

// validTransitions is the closed transition table from spec.md §4.7. Any
// edge not listed here is illegal.
var validTransitions = map[State]map[State]bool{
	Stable:             {PreparingRebalance: true, Dead: true},
	AwaitingSync:       {PreparingRebalance: true, Stable: true, Dead: true},
	PreparingRebalance: {AwaitingSync: true, Dead: true},
	Dead:               {},
}

// CanTransition reports whether from -> to is a legal edge in the table.
func CanTransition(from, to State) bool {
	return validTransitions[from][to]
}
