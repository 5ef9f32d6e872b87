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

import "time"

// MemberMetadata is one consumer's membership record within a group.
type MemberMetadata struct {
	ID string

	// SupportedProtocols is the set of assignment protocols this member
	// can run, in descending preference order. The first entry is its
	// vote when protocol selection runs.
	SupportedProtocols []string

	Topics []string

	SessionTimeout time.Duration
	LastHeartbeat  time.Time

	// JoinGeneration is the generation this member last rejoined at; used
	// to detect stragglers during a rebalance.
	JoinGeneration int32

	Assignment []byte
}

// supports reports whether protocol is in m's supported set.
func (m *MemberMetadata) supports(protocol string) bool {
	for _, p := range m.SupportedProtocols {
		if p == protocol {
			return true
		}
	}
	return false
}

// vote returns the first of m's supported protocols that is present in
// candidates, which is m's ballot in protocol selection.
func (m *MemberMetadata) vote(candidates map[string]bool) (string, bool) {
	for _, p := range m.SupportedProtocols {
		if candidates[p] {
			return p, true
		}
	}
	return "", false
}
