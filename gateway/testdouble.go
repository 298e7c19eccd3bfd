// testdouble.go - in-memory gateway.Channel for integration tests.
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

package gateway

// TestDouble is an in-memory Channel double used by end-to-end tests
// (spec §8 scenarios 1-6) that never touches a real network.
type TestDouble struct {
	outgoing chan OutgoingPacket
	payloads chan []byte
	acks     chan []byte
}

// NewTestDouble creates a TestDouble with the given queue depths.
func NewTestDouble(outgoingDepth, payloadDepth, ackDepth int) *TestDouble {
	return &TestDouble{
		outgoing: make(chan OutgoingPacket, outgoingDepth),
		payloads: make(chan []byte, payloadDepth),
		acks:     make(chan []byte, ackDepth),
	}
}

func (t *TestDouble) OutgoingPackets() chan<- OutgoingPacket { return t.outgoing }
func (t *TestDouble) IncomingPayloads() <-chan []byte        { return t.payloads }
func (t *TestDouble) IncomingAcks() <-chan []byte            { return t.acks }

// Sent drains and returns every packet currently queued on the outgoing
// channel without blocking.
func (t *TestDouble) Sent() []OutgoingPacket {
	out := []OutgoingPacket{}
	for {
		select {
		case p := <-t.outgoing:
			out = append(out, p)
		default:
			return out
		}
	}
}

// DeliverPayload injects a decrypted payload as if it arrived from the
// gateway's receive path.
func (t *TestDouble) DeliverPayload(payload []byte) {
	t.payloads <- payload
}

// DeliverAck injects a decrypted SURB-Ack payload as if it arrived from
// the gateway's receive path.
func (t *TestDouble) DeliverAck(payload []byte) {
	t.acks <- payload
}

// Close simulates a gateway disconnect by closing both receive queues.
func (t *TestDouble) Close() {
	close(t.payloads)
	close(t.acks)
}
