// cover.go - the independent Cover-Traffic Generator stream.
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

// Package cover implements the Cover-Traffic Generator (spec §4.4
// "Cover stream"): an independent Poisson process that always synthesizes
// a loop-cover packet, running alongside (not instead of) the Outbound
// Shaper's own main-stream cover ticks. Grounded on session.go's
// sendLoopDecoy, generalized from the teacher's fixed-interval decoy send
// into its own Exp-sampled stream with a distinct mean from the main
// stream.
package cover

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/nymtech-go/mixclient-core/gateway"
	"github.com/nymtech-go/mixclient-core/sphinxprep"
	"github.com/nymtech-go/mixclient-core/topology"
)

// Source produces a fresh self-addressed cover packet on demand.
type Source interface {
	PrepareLoopCover(self *topology.Recipient, senderGatewayID [32]byte, snap *topology.Snapshot) (*sphinxprep.PreparedPacket, error)
}

// Generator runs the independent cover-traffic stream.
type Generator struct {
	worker.Worker

	gw       gateway.Channel
	cover    Source
	topo     *topology.Accessor
	self     *topology.Recipient
	senderGW [32]byte
	avgDelay time.Duration

	clock clockwork.Clock
	log   *logging.Logger
}

// Config bundles a Generator's construction-time parameters.
type Config struct {
	Gateway         gateway.Channel
	Cover           Source
	Topology        *topology.Accessor
	Self            *topology.Recipient
	SenderGatewayID [32]byte
	AverageDelay    time.Duration
	Clock           clockwork.Clock
	Log             *logging.Logger
}

// New constructs a Generator. Start must be called to launch it.
func New(cfg Config) *Generator {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Generator{
		gw:       cfg.Gateway,
		cover:    cfg.Cover,
		topo:     cfg.Topology,
		self:     cfg.Self,
		senderGW: cfg.SenderGatewayID,
		avgDelay: cfg.AverageDelay,
		clock:    cfg.Clock,
		log:      cfg.Log,
	}
}

// Start launches the cover-generation loop.
func (g *Generator) Start() {
	g.Go(g.worker)
}

func (g *Generator) worker() {
	cryptRand := rand.NewMath()
	lambda := 1.0 / g.avgDelay.Seconds()
	for {
		wait := time.Duration(rand.Exp(cryptRand, lambda) * float64(time.Second))
		select {
		case <-g.HaltCh():
			return
		case <-g.clock.After(wait):
			g.emit()
		}
	}
}

func (g *Generator) emit() {
	snap, err := g.topo.Get()
	if err != nil {
		g.log.Debugf("cover: skipping tick, topology unavailable: %v", err)
		return
	}
	prepared, err := g.cover.PrepareLoopCover(g.self, g.senderGW, snap)
	if err != nil {
		g.log.Warningf("cover: failed to prepare packet: %v", err)
		return
	}
	select {
	case g.gw.OutgoingPackets() <- gateway.OutgoingPacket{FirstHop: []byte(prepared.FirstHopAddress), Packet: prepared.PacketBytes}:
	case <-g.HaltCh():
	}
}
