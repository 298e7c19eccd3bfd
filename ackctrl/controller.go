// controller.go - the four Ack Controller listener tasks.
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

package ackctrl

import (
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/nymtech-go/mixclient-core/constants"
	"github.com/nymtech-go/mixclient-core/fragment"
	"github.com/nymtech-go/mixclient-core/sphinxprep"
	"github.com/nymtech-go/mixclient-core/surb"
	"github.com/nymtech-go/mixclient-core/telemetry"
	"github.com/nymtech-go/mixclient-core/topology"
)

// OutboundPacket is one PreparedPacket destined for the Outbound Shaper's
// real_messages queue (spec §4.3), tagged with the fragment id that the
// Sent-Notification Listener will later receive back once the Shaper
// actually transmits it. HasFragmentID is false for ReplyWithSurb
// packets, which carry no PendingAck (spec §4.3.1).
type OutboundPacket struct {
	Packet        *sphinxprep.PreparedPacket
	FragmentID    fragment.ID
	HasFragmentID bool
}

// Controller runs the four Ack Controller listener tasks over a shared
// Store (spec §4.3).
type Controller struct {
	worker.Worker

	store     *Store
	preparer  *sphinxprep.Preparer
	topo      *topology.Accessor
	ackKey    surb.AckKey
	senderGW  [32]byte

	ackWaitMultiplier float64
	ackWaitAddition   time.Duration
	chunkCapacity     int

	realMessages      chan OutboundPacket
	sentNotifications chan fragment.ID
	acks              chan []byte

	clock clockwork.Clock
	log   *logging.Logger
}

// Config bundles a Controller's construction-time parameters.
type Config struct {
	Preparer          *sphinxprep.Preparer
	Topology          *topology.Accessor
	AckKey            surb.AckKey
	SenderGatewayID   [32]byte
	AckWaitMultiplier float64
	AckWaitAddition   time.Duration
	ChunkCapacity     int
	Clock             clockwork.Clock
	Log               *logging.Logger
}

// New constructs a Controller. Start must be called to launch its
// listener tasks.
func New(cfg Config) *Controller {
	if cfg.AckWaitMultiplier == 0 {
		cfg.AckWaitMultiplier = constants.DefaultAckWaitMultiplier
	}
	if cfg.AckWaitAddition == 0 {
		cfg.AckWaitAddition = constants.DefaultAckWaitAddition
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Controller{
		store:             NewStore(),
		preparer:          cfg.Preparer,
		topo:              cfg.Topology,
		ackKey:            cfg.AckKey,
		senderGW:          cfg.SenderGatewayID,
		ackWaitMultiplier: cfg.AckWaitMultiplier,
		ackWaitAddition:   cfg.AckWaitAddition,
		chunkCapacity:     cfg.ChunkCapacity,
		realMessages:      make(chan OutboundPacket, 64),
		sentNotifications: make(chan fragment.ID, 64),
		acks:              make(chan []byte, 64),
		clock:             cfg.Clock,
		log:               cfg.Log,
	}
}

// RealMessages is the queue the Outbound Shaper drains (spec §4.4 "take
// up to one item from the real_messages queue").
func (c *Controller) RealMessages() <-chan OutboundPacket { return c.realMessages }

// NotifySent is called by the Outbound Shaper immediately after it
// transmits a packet that carries a real fragment (spec §4.3.2, §4.4
// "the shaper emits the fragment id on the sent-notification channel").
func (c *Controller) NotifySent(id fragment.ID) {
	select {
	case c.sentNotifications <- id:
	case <-c.HaltCh():
	}
}

// DeliverAck feeds one decrypted SURB-Ack payload from the gateway into
// the Ack Listener (spec §4.3.3).
func (c *Controller) DeliverAck(payload []byte) {
	select {
	case c.acks <- payload:
	case <-c.HaltCh():
	}
}

// Start launches the Sent-Notification Listener and the Ack Listener.
// The Input Listener has no goroutine of its own: it runs when the
// caller invokes Dispatch or Enqueue. The Retransmission Listener runs
// inside the per-entry timer goroutines the Sent-Notification Listener
// starts, which call retransmit when a timeout expires.
func (c *Controller) Start() {
	c.Go(c.sentNotificationListener)
	c.Go(c.ackListener)
}

// Enqueue implements the fragment-sending half of the Input Listener
// (spec §4.3.1 "Regular" branch): it records a PendingAck and emits the
// fragment's PreparedPacket on RealMessages.
func (c *Controller) Enqueue(frag *fragment.Fragment, dest *topology.Recipient, prepared *sphinxprep.PreparedPacket) {
	id := frag.ID()
	entry := newPendingAck(frag, dest, prepared.TotalExpectedDelay)
	if !c.store.Insert(id, entry) {
		c.log.Warningf("ackctrl: duplicate fragment id %x on enqueue, dropping", id)
		return
	}
	telemetry.FragmentsSent.Inc()
	select {
	case c.realMessages <- OutboundPacket{Packet: prepared, FragmentID: id, HasFragmentID: true}:
	case <-c.HaltCh():
	}
}

// EnqueueReplySurbPacket implements the "ReplyWithSurb" branch of the
// Input Listener: the packet is handed straight to the shaper with no
// PendingAck, since SURBs are single-use and are never retransmitted
// (spec §4.3.1).
func (c *Controller) EnqueueReplySurbPacket(prepared *sphinxprep.PreparedPacket) {
	select {
	case c.realMessages <- OutboundPacket{Packet: prepared}:
	case <-c.HaltCh():
	}
}

// PendingCount exposes the Pending-Ack Store's size for telemetry.
func (c *Controller) PendingCount() int { return c.store.Len() }

func (c *Controller) sentNotificationListener() {
	for {
		select {
		case <-c.HaltCh():
			return
		case id := <-c.sentNotifications:
			entry, ok := c.store.Get(id)
			if !ok {
				continue // already acked or retransmitted
			}
			c.Go(func() { c.watchForTimeout(id, entry) })
		}
	}
}

func (c *Controller) watchForTimeout(id fragment.ID, entry *PendingAck) {
	timeout := time.Duration(float64(entry.delaySum())*c.ackWaitMultiplier) + c.ackWaitAddition
	select {
	case <-c.HaltCh():
	case <-entry.Cancel:
		// Acked (or the entry was otherwise resolved) before the timer fired.
	case <-c.clock.After(timeout):
		if _, stillPending := c.store.Get(id); stillPending {
			c.retransmit(id, entry)
		}
	}
}

func (c *Controller) ackListener() {
	for {
		select {
		case <-c.HaltCh():
			return
		case payload := <-c.acks:
			id, err := surb.RecoverFragmentID(c.ackKey, payload)
			if err != nil {
				c.log.Warningf("ackctrl: malformed ack payload: %v", err)
				continue
			}
			entry, ok := c.store.Remove(id)
			if !ok {
				continue // unknown id: stale retransmission, dropped silently
			}
			telemetry.FragmentsAcked.Inc()
			close(entry.Cancel)
		}
	}
}

// retransmit implements the Retransmission Listener (spec §4.3.4): a
// fresh route and fresh delays are selected, the pending entry's
// expected_delay_sum is updated in place, and a new PreparedPacket is
// emitted. The original entry (and its Cancel channel) is preserved so a
// late ack still resolves it.
func (c *Controller) retransmit(id fragment.ID, entry *PendingAck) {
	snap, err := c.topo.Get()
	if err != nil {
		c.log.Warningf("ackctrl: retransmission of %x deferred, topology unavailable: %v", id, err)
		c.Go(func() { c.watchForTimeout(id, entry) })
		return
	}
	prepared, err := c.preparer.Prepare(entry.Fragment, c.chunkCapacity, entry.Destination, c.senderGW, snap, c.ackKey)
	if err != nil {
		c.log.Warningf("ackctrl: retransmission of %x failed to prepare: %v", id, err)
		c.Go(func() { c.watchForTimeout(id, entry) })
		return
	}
	attempt := entry.incrementRetries()
	entry.setDelaySum(prepared.TotalExpectedDelay)
	telemetry.FragmentsSent.Inc()
	telemetry.FragmentsRetransmitted.WithLabelValues(strconv.Itoa(attempt)).Inc()
	select {
	case c.realMessages <- OutboundPacket{Packet: prepared, FragmentID: id, HasFragmentID: true}:
	case <-c.HaltCh():
	}
}
