// constants.go - mix-network client core constants.
// Copyright (C) 2017  Yawning Angel.
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

// Package constants contains the client core's sizing and timing constants.
package constants

import "time"

const (
	// MixLayers is the number of mix hops a forward path must traverse,
	// not counting the recipient's gateway hop. Topology snapshots with
	// fewer layers than this are not valid for path selection.
	MixLayers = 3

	// FragmentSetIDLength is the length in bytes of a fragment set_id.
	FragmentSetIDLength = 4

	// FragmentIdentityLength is the length in bytes of the wire-form
	// fragment identifier (set_id || index_in_set).
	FragmentIdentityLength = FragmentSetIDLength + 1

	// MaxFragmentsPerSet is the largest total_in_set a single set may
	// carry before a fresh set must be linked via next_set_link.
	MaxFragmentsPerSet = 255

	// AckIDPlaintextLength is the length in bytes of a fragment
	// identifier once it is placed inside a SURB-Ack payload.
	AckIDPlaintextLength = FragmentIdentityLength

	// AckNonceLength is the length in bytes of the AES-CTR nonce
	// prepended to each SURB-Ack payload.
	AckNonceLength = 16

	// SURBAckPayloadLength is the fixed length of a SURB-Ack's
	// innermost payload: AckNonceLength || AES-128-CTR(fragment id).
	SURBAckPayloadLength = AckNonceLength + AckIDPlaintextLength

	// AckKeyLength is the length in bytes of the process-lifetime
	// symmetric AckKey (AES-128).
	AckKeyLength = 16

	// DefaultAverageAckDelay is the default mean of the per-hop
	// exponential delay used for SURB-Ack forwarding.
	DefaultAverageAckDelay = 1900 * time.Millisecond

	// DefaultAveragePacketDelay is the default mean of the per-hop
	// exponential forward-packet delay.
	DefaultAveragePacketDelay = 1900 * time.Millisecond

	// DefaultAckWaitMultiplier scales expected_delay_sum when computing
	// the retransmission timeout T.
	DefaultAckWaitMultiplier = 1.5

	// DefaultAckWaitAddition is added to the scaled expected_delay_sum
	// when computing the retransmission timeout T. Named after the
	// teacher's RoundTripTimeSlop; tightened to the spec's recommended
	// default of 500ms.
	DefaultAckWaitAddition = 500 * time.Millisecond

	// DefaultLoopCoverAverageDelay is the default mean inter-arrival of
	// the independent cover-traffic Poisson stream.
	DefaultLoopCoverAverageDelay = 2 * time.Second

	// DefaultMessageSendingAverageDelay is the default mean inter-arrival
	// of the main outbound Poisson stream.
	DefaultMessageSendingAverageDelay = 500 * time.Millisecond

	// DefaultTopologyRefreshRate is the default interval between
	// topology directory polls.
	DefaultTopologyRefreshRate = 1 * time.Minute

	// DefaultTopologyResolutionTimeout bounds a single directory query.
	DefaultTopologyResolutionTimeout = 5 * time.Second

	// DefaultGatewayResponseTimeout bounds the initial gateway handshake
	// only; per-packet acks use the adaptive timeout T instead.
	DefaultGatewayResponseTimeout = 5 * time.Second

	// DefaultMaximumReplySurbAge bounds how long an unused reply-SURB (or
	// its reply key) may sit in the store before expiry sweeps it.
	DefaultMaximumReplySurbAge = 24 * time.Hour

	// PendingAckShardCount is the number of shards the Pending-Ack Store
	// is split across to reduce lock contention (spec §9).
	PendingAckShardCount = 32
)

// LoopCoverPayload is the canonical constant payload carried by every
// loop-cover packet. The Receive Reassembler compares each decrypted
// payload against this constant and discards matches before trying to
// parse them as fragments.
var LoopCoverPayload = []byte("MIXCLIENT-CORE-LOOP-COVER-PAYLOAD-V1")
