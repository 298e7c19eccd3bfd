// types.go - topology data model: recipients, mix descriptors, gateways.
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

// Package topology holds the client core's view of the mix network: the
// Recipient addressing type, the per-layer mix/gateway descriptors, and a
// periodically refreshed read-mostly Snapshot accessor (spec §3, §4.6).
// The directory protocol used to populate a Snapshot is out of scope
// (spec §1 Non-goal: "the network topology discovery service"); this
// package only models the snapshot shape and its refresh/backoff cell.
package topology

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/katzenpost/core/crypto/ecdh"
)

// Recipient uniquely names a mixnet endpoint: an identity key, an
// encryption key, and the gateway currently hosting that client (spec
// §3 "Recipient").
type Recipient struct {
	IdentityKey   *ecdh.PublicKey
	EncryptionKey *ecdh.PublicKey
	GatewayID     [32]byte
}

// String renders a Recipient as a short, loggable identifier. Grounded
// on the teacher's KatzenPeer.String() (session.go) address rendering.
func (r *Recipient) String() string {
	return fmt.Sprintf("%s@%s",
		base64.StdEncoding.EncodeToString(r.IdentityKey.Bytes())[:12],
		base64.StdEncoding.EncodeToString(r.GatewayID[:])[:12])
}

// MixDescriptor describes one reachable mix node (spec §3).
type MixDescriptor struct {
	Identity [32]byte
	OnionKey *ecdh.PublicKey
	Address  string
	Layer    uint8
}

// GatewayDescriptor describes one reachable gateway (spec §3).
type GatewayDescriptor struct {
	Identity [32]byte
	OnionKey *ecdh.PublicKey
	Address  string
}

// Layer is a non-empty set of mix descriptors occupying one position in
// the forward path (spec §3 "Topology snapshot").
type Layer []*MixDescriptor

// Snapshot is an ordered sequence of mix layers plus the set of reachable
// gateways. The invariant "exactly three mix layers" (spec §3) is
// enforced by Validate, not by the type itself, so that a
// not-yet-converged directory response can still be represented and
// rejected cleanly.
type Snapshot struct {
	Layers    []Layer
	Gateways  map[[32]byte]*GatewayDescriptor
	FetchedAt int64 // unix nanos, informational only
}

// ErrNotEnoughLayers is returned by Validate when the snapshot does not
// carry exactly constants.MixLayers layers.
var ErrNotEnoughLayers = errors.New("topology: snapshot does not have exactly three mix layers")

// ErrGatewayMissing is returned by Validate/ValidFor when a required
// gateway is absent from the snapshot.
var ErrGatewayMissing = errors.New("topology: gateway missing from snapshot")

// Validate checks the structural invariant from spec §3: exactly three
// mix layers, each non-empty.
func (s *Snapshot) Validate() error {
	if len(s.Layers) != 3 {
		return ErrNotEnoughLayers
	}
	for _, l := range s.Layers {
		if len(l) == 0 {
			return ErrNotEnoughLayers
		}
	}
	return nil
}

// ValidFor reports whether this snapshot is valid relative to a sender
// and recipient: both gateways must be present (spec §3 "A snapshot is
// valid relative to a sender if both the sender's gateway and the
// recipient's gateway are present").
func (s *Snapshot) ValidFor(senderGateway, recipientGateway [32]byte) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if _, ok := s.Gateways[senderGateway]; !ok {
		return fmt.Errorf("%w: sender", ErrGatewayMissing)
	}
	if _, ok := s.Gateways[recipientGateway]; !ok {
		return fmt.Errorf("%w: recipient", ErrGatewayMissing)
	}
	return nil
}

// Gateway looks up a gateway descriptor by identity.
func (s *Snapshot) Gateway(id [32]byte) (*GatewayDescriptor, bool) {
	g, ok := s.Gateways[id]
	return g, ok
}
