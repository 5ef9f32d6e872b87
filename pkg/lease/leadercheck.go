// Copyright 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
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

package lease

// Checker answers the two questions DelayedFetch needs about a partition's
// leadership: whether it is known to the cluster at all, and whether this
// broker is the one currently allowed to serve it locally. It is satisfied
// by combining a PartitionLeaseManager (this broker's own grants) with a
// PartitionRouter (the cluster-wide routing table learned from etcd).
type Checker struct {
	leases *PartitionLeaseManager
	router *PartitionRouter
}

// NewChecker builds a Checker from a lease manager and router that share the
// same etcd-backed partition-lease keyspace.
func NewChecker(leases *PartitionLeaseManager, router *PartitionRouter) *Checker {
	return &Checker{leases: leases, router: router}
}

// IsLocalLeader reports (known, local) for a topic-partition: known is false
// if no broker in the cluster currently holds its lease; local is true iff
// this broker holds it.
func (c *Checker) IsLocalLeader(topic string, partition int32) (known, local bool) {
	if c.leases != nil && c.leases.Owns(topic, partition) {
		return true, true
	}
	if c.router == nil {
		return false, false
	}
	owner := c.router.LookupOwner(topic, partition)
	if owner == "" {
		return false, false
	}
	return true, false
}
