// pending.go - sharded Pending-Ack Store.
// Copyright (C) 2017  David Anthony Stainton
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package ackctrl implements the Pending-Ack Store and the four
// cooperating Ack Controller listener tasks (spec §4.3). Grounded on
// arq.go's ARQScheduler/cancellation map and scheduler/scheduler.go's
// PriorityScheduler, generalized from a single Stop-and-Wait scheduler
// into spec's four listeners sharing one sharded map (spec §9 "sharded
// map keyed by fragment id").
package ackctrl

import (
	"sync"
	"time"

	"github.com/nymtech-go/mixclient-core/constants"
	"github.com/nymtech-go/mixclient-core/fragment"
	"github.com/nymtech-go/mixclient-core/topology"
)

// PendingAck is one outstanding, unacknowledged fragment (spec §3
// "PendingAcknowledgement"). The per-entry Cancel channel is closed
// only by the Ack Listener, once, on successful ack; Store.Remove does
// not close it, and timer tasks still waiting at shutdown exit on the
// Controller's halt channel instead. The Retransmission timer task
// selects on it to detect early resolution, generalizing the teacher's
// map[id]bool cancellation flag (arq.go) into a per-entry signal so no
// global map scan is needed.
type PendingAck struct {
	Fragment         *fragment.Fragment
	Destination      *topology.Recipient
	ExpectedDelaySum time.Duration
	Cancel           chan struct{}

	mu      sync.Mutex
	retries int
}

func newPendingAck(frag *fragment.Fragment, dest *topology.Recipient, delaySum time.Duration) *PendingAck {
	return &PendingAck{
		Fragment:         frag,
		Destination:      dest,
		ExpectedDelaySum: delaySum,
		Cancel:           make(chan struct{}),
	}
}

// Retries reports how many times this fragment has been rescheduled for
// retransmission.
func (p *PendingAck) Retries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retries
}

func (p *PendingAck) incrementRetries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries++
	return p.retries
}

// delaySum returns the current expected_delay_sum, guarded against the
// concurrent update a retransmission performs in setDelaySum.
func (p *PendingAck) delaySum() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ExpectedDelaySum
}

// setDelaySum updates expected_delay_sum after a retransmission picks a
// fresh route and delays (spec §4.3.4).
func (p *PendingAck) setDelaySum(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ExpectedDelaySum = d
}

type shard struct {
	mu      sync.Mutex
	entries map[fragment.ID]*PendingAck
}

// Store is the sharded Pending-Ack Store (spec §9): fragment identifiers
// are hashed across constants.PendingAckShardCount independently-locked
// shards to keep the Ack Listener's hot path (lookup+remove on every
// inbound ack) from contending with the Input Listener's insert path.
type Store struct {
	shards [constants.PendingAckShardCount]*shard
}

// NewStore constructs an empty, ready-to-use Store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[fragment.ID]*PendingAck)}
	}
	return s
}

func (s *Store) shardFor(id fragment.ID) *shard {
	var h uint32
	for _, b := range id {
		h = h*31 + uint32(b)
	}
	return s.shards[h%constants.PendingAckShardCount]
}

// Insert adds a new pending entry, returning false if one already exists
// for id (a Fragmenter bug, since set_id is drawn fresh per set).
func (s *Store) Insert(id fragment.ID, entry *PendingAck) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.entries[id]; exists {
		return false
	}
	sh.entries[id] = entry
	return true
}

// Get looks up a pending entry without removing it.
func (s *Store) Get(id fragment.ID) (*PendingAck, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	return e, ok
}

// Remove removes and returns a pending entry, if present.
func (s *Store) Remove(id fragment.ID) (*PendingAck, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if ok {
		delete(sh.entries, id)
	}
	return e, ok
}

// Len returns the total number of pending entries across all shards,
// used by telemetry's pending-ack gauge.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}
