// clientconfig.go - client core in-memory configuration.
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

// Package clientconfig holds the recognized set of client core options
// (spec §6 "Configuration options"). Grounded on config/config.go's
// Config struct, trimmed down to the in-memory option set the core
// actually consumes: no TOML file loader and no PEM/vault key-file
// handling, both out of scope (spec §1 Non-goals "configuration file
// parsing ... PEM key storage").
package clientconfig

import "time"

// Config bundles every tunable the client core reads at construction
// time (spec §6). clientcore.New replaces zero-valued delay, multiplier,
// topology and reply-SURB-age fields with the Default* constants in
// constants.go in one place (clientcore's applyDefaults); ChunkCapacity
// has no default and must be set by the caller.
type Config struct {
	// AveragePacketDelay is the mean of the per-hop Exp delay applied to
	// forward Sphinx packets.
	AveragePacketDelay time.Duration

	// AverageAckDelay is the mean of the per-hop Exp delay applied to a
	// SURB-Ack's return path.
	AverageAckDelay time.Duration

	// AckWaitMultiplier and AckWaitAddition parameterize the adaptive
	// retransmission timeout T = AckWaitMultiplier*expected_delay_sum +
	// AckWaitAddition.
	AckWaitMultiplier float64
	AckWaitAddition   time.Duration

	// LoopCoverTrafficAverageDelay is the mean inter-arrival of the
	// independent Cover-Traffic Generator stream.
	LoopCoverTrafficAverageDelay time.Duration

	// MessageSendingAverageDelay is the mean inter-arrival of the
	// Outbound Shaper's main stream.
	MessageSendingAverageDelay time.Duration

	// TopologyRefreshRate is the interval between topology directory
	// polls; TopologyResolutionTimeout bounds each individual poll.
	TopologyRefreshRate        time.Duration
	TopologyResolutionTimeout time.Duration

	// DisableLoopCoverTrafficStream and DisableMainPoissonDistribution
	// are the privacy-degrading toggles named in spec §6; both default
	// to false (shaping enabled).
	DisableLoopCoverTrafficStream      bool
	DisableMainPoissonDistribution bool

	// ChunkCapacity is the Sphinx-payload-sized capacity of each
	// fragment's payload (spec §4.1 "primary_packet_size").
	ChunkCapacity int

	// MaximumReplySurbAge bounds how long an unused reply-SURB or reply
	// key may sit in the store before a sweep expires it.
	MaximumReplySurbAge time.Duration
}
