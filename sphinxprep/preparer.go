// preparer.go - turns a single Fragment into a ready-to-send Sphinx packet.
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
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/katzenpost/core/sphinx"
	sConstants "github.com/katzenpost/core/sphinx/constants"

	"github.com/nymtech-go/mixclient-core/constants"
	"github.com/nymtech-go/mixclient-core/fragment"
	"github.com/nymtech-go/mixclient-core/surb"
	"github.com/nymtech-go/mixclient-core/topology"
)

// ErrTopologyInvalid is returned when no snapshot is available or the
// sender/recipient gateway is missing from it (spec §4.2 error
// conditions).
var ErrTopologyInvalid = errors.New("sphinxprep: invalid topology for route selection")

// ErrPayloadTooLarge is returned when the combined SURB-Ack+fragment
// payload exceeds the Sphinx forward payload size. The Fragmenter is
// responsible for sizing CHUNK_CAPACITY so this is never reached in
// practice (spec §4.2 "should be unreachable if Fragmenter is correct").
var ErrPayloadTooLarge = errors.New("sphinxprep: payload exceeds sphinx forward payload capacity")

// PreparedPacket is the Sphinx Preparer's output (spec §3
// "PreparedPacket").
type PreparedPacket struct {
	PacketBytes        []byte
	FirstHopAddress    string
	TotalExpectedDelay time.Duration
}

// Preparer turns fragments into PreparedPackets (spec §4.2).
type Preparer struct {
	Rand               io.Reader
	AveragePacketDelay time.Duration
	AverageAckDelay    time.Duration
}

// NewPreparer constructs a Preparer with the given delay means and
// random source. Tests inject a deterministic rnd so route/delay
// selection is reproducible (spec §9).
func NewPreparer(rnd io.Reader, averagePacketDelay, averageAckDelay time.Duration) *Preparer {
	return &Preparer{Rand: rnd, AveragePacketDelay: averagePacketDelay, AverageAckDelay: averageAckDelay}
}

// sphinxEncapsulate wraps sphinx.NewPacket, translating the library's
// oversized-payload error into this package's ErrPayloadTooLarge.
func sphinxEncapsulate(rnd io.Reader, path []*sphinx.PathHop, payload []byte) ([]byte, error) {
	packetBytes, err := sphinx.NewPacket(rnd, path, payload)
	if err != nil {
		if err == sphinx.ErrPayloadTooLarge {
			return nil, ErrPayloadTooLarge
		}
		return nil, err
	}
	return packetBytes, nil
}

// Prepare implements spec §4.2 steps 1-6.
func (p *Preparer) Prepare(frag *fragment.Fragment, chunkCapacity int, recipient *topology.Recipient, senderGatewayID [32]byte, snap *topology.Snapshot, ackKey surb.AckKey) (*PreparedPacket, error) {
	if snap == nil {
		return nil, ErrTopologyInvalid
	}
	if err := snap.ValidFor(senderGatewayID, recipient.GatewayID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTopologyInvalid, err)
	}
	senderGateway, ok := snap.Gateway(senderGatewayID)
	if !ok {
		return nil, ErrTopologyInvalid
	}

	// 1. Select a 3-mix route for the forward packet and an independent
	// one for the SURB-Ack's return route.
	forwardRoute, err := pickRoute(snap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTopologyInvalid, err)
	}
	ackRoute, err := pickRoute(snap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTopologyInvalid, err)
	}

	// 2. Per-hop delays, forward and ack draws are independent.
	forwardDelays := sampleDelays(p.AveragePacketDelay, constants.MixLayers)
	ackDelays := sampleDelays(p.AverageAckDelay, constants.MixLayers)

	// 3. Build the SURB-Ack: a reply path back to the sender's own
	// gateway, whose payload is the fragment id encrypted under AckKey.
	var ackSurbID [sConstants.SURBIDLength]byte
	if _, err := io.ReadFull(p.Rand, ackSurbID[:]); err != nil {
		return nil, err
	}
	ackPath := replyPathHops(ackRoute, ackDelays, ackSurbID)
	ackPayload, err := surb.BuildAckPayload(ackKey, frag.ID(), p.Rand)
	if err != nil {
		return nil, err
	}
	ackSurbBytes, err := sphinx.NewSURB(p.Rand, ackPath)
	if err != nil {
		return nil, err
	}

	// 4. Encrypt the fragment payload under the recipient's key with a
	// fresh per-packet key, then prepend the SURB-Ack.
	fragBytes, err := frag.ToBytes(chunkCapacity)
	if err != nil {
		return nil, err
	}
	ciphertext, err := sealPayload(p.Rand, recipient.EncryptionKey, fragBytes)
	if err != nil {
		return nil, err
	}
	combined := make([]byte, 0, len(ackSurbBytes)+len(ackPayload)+len(ciphertext))
	combined = append(combined, ackSurbBytes...)
	combined = append(combined, ackPayload...)
	combined = append(combined, ciphertext...)

	// 5. Sphinx-encapsulate for the forward route, terminal hop routes
	// to the recipient's gateway.
	var recipientID [sConstants.RecipientIDLength]byte
	copy(recipientID[:], recipient.GatewayID[:])
	forwardPath := forwardPathHops(forwardRoute, forwardDelays, recipientID)

	packetBytes, err := sphinxEncapsulate(p.Rand, forwardPath, combined)
	if err != nil {
		return nil, err
	}

	// 6. Return the prepared packet.
	return &PreparedPacket{
		PacketBytes:        packetBytes,
		FirstHopAddress:    senderGateway.Address,
		TotalExpectedDelay: sumDelays(forwardDelays),
	}, nil
}
