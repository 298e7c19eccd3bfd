// shaper.go - the Outbound Shaper: the main-stream gateway writer.
// Copyright (C) 2017  David Stainton
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

// Package shaper implements the Outbound Shaper (spec §4.4): the task
// that writes the main stream to the gateway, one packet per
// Poisson-sampled tick, real or cover, so an outside observer cannot
// distinguish the two. The independent cover stream is not part of it:
// cover.Generator writes its packets to the same gateway queue itself.
// Grounded on send_queue.go's SendQueue.sendWorker
// (fixed-interval dequeue-or-idle loop over a lane.Queue), generalized
// from a fixed interval to an Exp(1/main_avg_delay)-sampled one.
package shaper

import (
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/worker"
	lane "gopkg.in/oleiade/lane.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/nymtech-go/mixclient-core/ackctrl"
	"github.com/nymtech-go/mixclient-core/fragment"
	"github.com/nymtech-go/mixclient-core/gateway"
	"github.com/nymtech-go/mixclient-core/sphinxprep"
	"github.com/nymtech-go/mixclient-core/topology"
)

// NotifySender is the subset of ackctrl.Controller the Shaper needs: a
// callback fired immediately after a real fragment is handed to the
// gateway (spec §4.3.2, §4.4).
type NotifySender interface {
	NotifySent(fragment.ID)
}

// LoopCoverSource produces a fresh self-addressed cover packet on
// demand, so the Shaper never has to carry topology/crypto state itself.
type LoopCoverSource interface {
	PrepareLoopCover(self *topology.Recipient, senderGatewayID [32]byte, snap *topology.Snapshot) (*sphinxprep.PreparedPacket, error)
}

// Shaper is the Outbound Shaper.
type Shaper struct {
	worker.Worker

	queue *lane.Queue

	gw       gateway.Channel
	notifier NotifySender
	cover    LoopCoverSource
	topo     *topology.Accessor
	self     *topology.Recipient
	senderGW [32]byte

	mainEnabled  bool
	mainAvgDelay time.Duration

	rnd   io.Reader
	clock clockwork.Clock
	log   *logging.Logger
}

// Config bundles a Shaper's construction-time parameters.
type Config struct {
	Gateway         gateway.Channel
	Notifier        NotifySender
	Cover           LoopCoverSource
	Topology        *topology.Accessor
	Self            *topology.Recipient
	SenderGatewayID [32]byte
	MainEnabled     bool
	MainAvgDelay    time.Duration
	Rand            io.Reader
	Clock           clockwork.Clock
	Log             *logging.Logger
}

// New constructs a Shaper. Start must be called to launch the main tick
// loop; real packets are queued via Enqueue.
func New(cfg Config) *Shaper {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Shaper{
		queue:        lane.NewQueue(),
		gw:           cfg.Gateway,
		notifier:     cfg.Notifier,
		cover:        cfg.Cover,
		topo:         cfg.Topology,
		self:         cfg.Self,
		senderGW:     cfg.SenderGatewayID,
		mainEnabled:  cfg.MainEnabled,
		mainAvgDelay: cfg.MainAvgDelay,
		rnd:          cfg.Rand,
		clock:        cfg.Clock,
		log:          cfg.Log,
	}
}

// Enqueue adds a real outbound packet to the FIFO the main tick consumes
// from (spec §4.4 "take up to one item from the real_messages queue").
func (s *Shaper) Enqueue(p ackctrl.OutboundPacket) {
	s.queue.Enqueue(p)
}

// Start launches the main-stream tick loop.
func (s *Shaper) Start() {
	s.Go(s.mainLoop)
}

// mainLoop implements spec §4.4's main stream: when enabled, every tick
// is Poisson-spaced and carries exactly one packet, real or cover, so
// the schedule itself leaks nothing. When disabled, real packets are
// forwarded as soon as they are enqueued with no shaping at all (spec's
// explicit "privacy-degrading operational mode").
func (s *Shaper) mainLoop() {
	if !s.mainEnabled {
		s.unshapedLoop()
		return
	}
	cryptRand := rand.NewMath()
	lambda := 1.0 / s.mainAvgDelay.Seconds()
	for {
		wait := time.Duration(rand.Exp(cryptRand, lambda) * float64(time.Second))
		select {
		case <-s.HaltCh():
			return
		case <-s.clock.After(wait):
			s.tick()
		}
	}
}

func (s *Shaper) unshapedLoop() {
	forwarder := make(chan ackctrl.OutboundPacket, 1)
	go func() {
		for {
			item := s.queue.Dequeue()
			if item == nil {
				time.Sleep(time.Millisecond)
				continue
			}
			select {
			case forwarder <- item.(ackctrl.OutboundPacket):
			case <-s.HaltCh():
				return
			}
		}
	}()
	for {
		select {
		case <-s.HaltCh():
			return
		case p := <-forwarder:
			s.send(p)
		}
	}
}

// tick emits at most one packet: the head of the real-messages queue, or
// a synthesized loop-cover packet if the queue is empty. When the queue
// is empty and no topology snapshot is available, or the cover packet
// fails to build, the tick sends nothing.
func (s *Shaper) tick() {
	if item := s.queue.Dequeue(); item != nil {
		s.send(item.(ackctrl.OutboundPacket))
		return
	}
	s.sendCover()
}

func (s *Shaper) send(p ackctrl.OutboundPacket) {
	select {
	case s.gw.OutgoingPackets() <- gateway.OutgoingPacket{FirstHop: []byte(p.Packet.FirstHopAddress), Packet: p.Packet.PacketBytes}:
	case <-s.HaltCh():
		return
	}
	if p.HasFragmentID {
		s.notifier.NotifySent(p.FragmentID)
	}
}

func (s *Shaper) sendCover() {
	snap, err := s.topo.Get()
	if err != nil {
		s.log.Debugf("shaper: skipping cover tick, topology unavailable: %v", err)
		return
	}
	prepared, err := s.cover.PrepareLoopCover(s.self, s.senderGW, snap)
	if err != nil {
		s.log.Warningf("shaper: failed to prepare cover packet: %v", err)
		return
	}
	select {
	case s.gw.OutgoingPackets() <- gateway.OutgoingPacket{FirstHop: []byte(prepared.FirstHopAddress), Packet: prepared.PacketBytes}:
	case <-s.HaltCh():
	}
}
