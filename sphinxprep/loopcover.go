// loopcover.go - self-addressed cover-traffic packet construction.
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
	sConstants "github.com/katzenpost/core/sphinx/constants"

	"github.com/nymtech-go/mixclient-core/constants"
	"github.com/nymtech-go/mixclient-core/topology"
)

// PrepareLoopCover builds a Sphinx packet addressed to the sender's own
// gateway, carrying constants.LoopCoverPayload (spec §4.4 "synthesizes a
// loop-cover packet"). It is indistinguishable at the Sphinx layer from a
// real forward packet: same route-selection and delay-sampling code
// path, same per-packet Noise encryption, just a well-known plaintext
// and a terminal hop that names the sender rather than a remote
// recipient. No SURB-Ack accompanies it, since a loop-cover packet's
// arrival back at the sender's own gateway is itself the confirmation.
func (p *Preparer) PrepareLoopCover(self *topology.Recipient, senderGatewayID [32]byte, snap *topology.Snapshot) (*PreparedPacket, error) {
	if snap == nil {
		return nil, ErrTopologyInvalid
	}
	if err := snap.ValidFor(senderGatewayID, senderGatewayID); err != nil {
		return nil, err
	}
	senderGateway, ok := snap.Gateway(senderGatewayID)
	if !ok {
		return nil, ErrTopologyInvalid
	}

	route, err := pickRoute(snap)
	if err != nil {
		return nil, err
	}
	delays := sampleDelays(p.AveragePacketDelay, constants.MixLayers)

	ciphertext, err := sealPayload(p.Rand, self.EncryptionKey, constants.LoopCoverPayload)
	if err != nil {
		return nil, err
	}

	var recipientID [sConstants.RecipientIDLength]byte
	copy(recipientID[:], senderGatewayID[:])
	path := forwardPathHops(route, delays, recipientID)

	packetBytes, err := sphinxEncapsulate(p.Rand, path, ciphertext)
	if err != nil {
		return nil, err
	}

	return &PreparedPacket{
		PacketBytes:        packetBytes,
		FirstHopAddress:    senderGateway.Address,
		TotalExpectedDelay: sumDelays(delays),
	}, nil
}
