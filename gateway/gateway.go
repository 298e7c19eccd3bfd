// gateway.go - opaque bidirectional gateway frame channel.
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

// Package gateway defines the client core's view of its gateway
// connection: a bidirectional stream of length-prefixed binary frames.
// The frame format itself, the registration handshake, and reconnection
// policy are all out of scope for this core (spec §1 Non-goals); this
// package only names the three queues the rest of the core depends on.
package gateway

// OutgoingPacket is a single Sphinx packet destined for the first hop
// named by FirstHop, queued for transmission to the gateway.
type OutgoingPacket struct {
	FirstHop []byte
	Packet   []byte
}

// Channel is the opaque bidirectional frame channel a gateway client
// implementation exposes to the client core. OutgoingPackets is written
// to by the Outbound Shaper; IncomingPayloads and IncomingAcks are read
// from by the Receive Reassembler and Ack Controller respectively.
//
// A closed IncomingPayloads or IncomingAcks channel signals a gateway
// disconnect. clientcore's bridge loop for that channel logs a warning
// and exits; it does not wait for or pick up a replacement channel, and
// this package has no reconnect operation.
type Channel interface {
	// OutgoingPackets returns the send-side queue. The shaper emits
	// exactly one packet per scheduled tick onto this channel.
	OutgoingPackets() chan<- OutgoingPacket

	// IncomingPayloads returns the receive-side queue of decrypted
	// Sphinx payloads (post gateway-shared-key decryption), data or
	// loop-cover, destined for the reassembler.
	IncomingPayloads() <-chan []byte

	// IncomingAcks returns the receive-side queue of decrypted SURB-Ack
	// payloads, destined for the Ack Controller.
	IncomingAcks() <-chan []byte
}
