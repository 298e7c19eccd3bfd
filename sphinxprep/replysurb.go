// replysurb.go - building a reply packet from a previously received SURB.
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

package sphinxprep

import (
	"fmt"
	"io"

	"github.com/katzenpost/core/sphinx"
	sConstants "github.com/katzenpost/core/sphinx/constants"

	"github.com/nymtech-go/mixclient-core/constants"
	"github.com/nymtech-go/mixclient-core/surb"
	"github.com/nymtech-go/mixclient-core/topology"
)

// PrepareReplyFromSurb builds a single packet from a SURB another peer
// gave us, with no PendingAck (spec §4.3.1 "ReplyWithSurb{surb, data} →
// build a single packet using the provided SURB; no PendingAck (SURBs
// are not re-transmitted)"). Grounded on mixmasala-server/provider.go's
// use of sphinx.NewPacketFromSURB to turn a stored SURB plus an ack
// payload into a raw packet and its first-hop node identity; here the
// payload is caller-supplied reply data rather than an ack, and the
// first hop is resolved to a dialable address via the topology
// snapshot rather than handed to a routing command directly.
func (p *Preparer) PrepareReplyFromSurb(surbBytes, payload []byte, snap *topology.Snapshot) (*PreparedPacket, error) {
	raw, firstHop, err := sphinx.NewPacketFromSURB(surbBytes, payload)
	if err != nil {
		return nil, err
	}
	addr := firstHopAddress(snap, firstHop)
	if addr == "" {
		return nil, fmt.Errorf("%w: surb first hop not in snapshot", ErrTopologyInvalid)
	}
	return &PreparedPacket{
		PacketBytes:     raw,
		FirstHopAddress: addr,
	}, nil
}

// BuildReplySurb constructs one single-use reply block whose path
// terminates at senderGatewayID, for embedding in an outgoing message
// (spec §4.1 "prepend a small header to the first fragment that lists
// the N SURBs and the reply-key identifiers"). Route and delay selection
// mirror the SURB-Ack branch of Preparer.Prepare; a fresh random
// symmetric reply key is minted alongside the SURB itself for the
// caller to persist against the returned SurbID (spec §3 "a key store
// mapping fragment_id -> symmetric_key for replies we will later
// decrypt" -- matching an eventual incoming reply to that key is the
// reply-tag dispatch spec marks out of scope for this core).
func (p *Preparer) BuildReplySurb(snap *topology.Snapshot, senderGatewayID [32]byte) (surb.SurbID, []byte, []byte, error) {
	if snap == nil {
		return surb.SurbID{}, nil, nil, ErrTopologyInvalid
	}
	route, err := pickRoute(snap)
	if err != nil {
		return surb.SurbID{}, nil, nil, fmt.Errorf("%w: %v", ErrTopologyInvalid, err)
	}
	delays := sampleDelays(p.AverageAckDelay, constants.MixLayers)

	var rawID [sConstants.SURBIDLength]byte
	if _, err := io.ReadFull(p.Rand, rawID[:]); err != nil {
		return surb.SurbID{}, nil, nil, err
	}
	path := replyPathHops(route, delays, rawID)
	surbBytes, err := sphinx.NewSURB(p.Rand, path)
	if err != nil {
		return surb.SurbID{}, nil, nil, err
	}

	replyKey := make([]byte, constants.AckKeyLength)
	if _, err := io.ReadFull(p.Rand, replyKey); err != nil {
		return surb.SurbID{}, nil, nil, err
	}

	var id surb.SurbID
	copy(id[:], rawID[:])
	return id, surbBytes, replyKey, nil
}

// firstHopAddress resolves a raw node identity (mix or gateway) to the
// address topology last reported for it. An empty result means the
// identity is not present in the current snapshot; callers log and
// drop rather than dial an empty address.
func firstHopAddress(snap *topology.Snapshot, id [32]byte) string {
	if snap == nil {
		return ""
	}
	for _, layer := range snap.Layers {
		for _, mix := range layer {
			if mix.Identity == id {
				return mix.Address
			}
		}
	}
	if gw, ok := snap.Gateway(id); ok {
		return gw.Address
	}
	return ""
}
