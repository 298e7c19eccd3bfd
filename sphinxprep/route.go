// route.go - three-hop route selection over a topology snapshot.
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
	"math/rand"
	"time"

	"github.com/katzenpost/core/sphinx"
	"github.com/katzenpost/core/sphinx/commands"
	sConstants "github.com/katzenpost/core/sphinx/constants"

	"github.com/nymtech-go/mixclient-core/constants"
	"github.com/nymtech-go/mixclient-core/topology"
)

// pickRoute selects one mix uniformly at random from each of snap's three
// layers (path_selection.go's getRouteDescriptors: "c :=
// mathrand.Intn(len(layerMixes)); descriptors[i] = layerMixes[c]").
func pickRoute(snap *topology.Snapshot) ([]*topology.MixDescriptor, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	route := make([]*topology.MixDescriptor, constants.MixLayers)
	for i, layer := range snap.Layers {
		route[i] = layer[rand.Intn(len(layer))]
	}
	return route, nil
}

// forwardPathHops builds the Sphinx path for a forward message: every
// non-terminal hop carries a NodeDelay command with its sampled delay,
// and the terminal hop carries a Recipient command naming the message's
// destination (path_selection.go's newPathVector, isSURB=false).
func forwardPathHops(route []*topology.MixDescriptor, delays []time.Duration, recipientID [sConstants.RecipientIDLength]byte) []*sphinx.PathHop {
	path := make([]*sphinx.PathHop, len(route))
	for i, desc := range route {
		hop := &sphinx.PathHop{PublicKey: desc.OnionKey}
		copy(hop.ID[:], desc.Identity[:])
		if i < len(route)-1 {
			hop.Commands = append(hop.Commands, &commands.NodeDelay{Delay: uint32(delays[i].Milliseconds())})
		} else {
			hop.Commands = append(hop.Commands, &commands.Recipient{ID: recipientID})
		}
		path[i] = hop
	}
	return path
}

// replyPathHops builds the Sphinx reply path used by a SURB: identical
// shape to forwardPathHops except the terminal hop carries a SURBReply
// command instead of a Recipient command (path_selection.go's
// newPathVector, isSURB=true).
func replyPathHops(route []*topology.MixDescriptor, delays []time.Duration, surbID [sConstants.SURBIDLength]byte) []*sphinx.PathHop {
	path := make([]*sphinx.PathHop, len(route))
	for i, desc := range route {
		hop := &sphinx.PathHop{PublicKey: desc.OnionKey}
		copy(hop.ID[:], desc.Identity[:])
		if i < len(route)-1 {
			hop.Commands = append(hop.Commands, &commands.NodeDelay{Delay: uint32(delays[i].Milliseconds())})
		} else {
			hop.Commands = append(hop.Commands, &commands.SURBReply{ID: surbID})
		}
		path[i] = hop
	}
	return path
}
