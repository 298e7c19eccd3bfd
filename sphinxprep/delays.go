// delays.go - Poisson-distributed per-hop delay sampling.
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

// Package sphinxprep implements the Sphinx Preparer (spec §4.2):
// three-hop route selection, per-hop Poisson delay sampling, SURB-Ack
// construction, authenticated payload encryption and Sphinx
// encapsulation. Grounded on path_selection.go's RouteFactory
// (getDelays/newPathVector/next/Build), generalized from the teacher's
// single lambda to the spec's separate average_packet_delay and
// average_ack_delay means.
package sphinxprep

import (
	"time"

	"github.com/katzenpost/core/crypto/rand"
)

// sampleDelays draws count exponential per-hop delays with the given
// mean, with the final hop's delay pinned to zero (path_selection.go's
// getDelays: "the delay for the egress provider, the last hop is always
// zero", per the Panoramix end-to-end spec's delay-choosing section).
func sampleDelays(average time.Duration, count int) []time.Duration {
	lambda := 1.0 / average.Seconds()
	cryptRand := rand.NewMath()
	out := make([]time.Duration, count)
	for i := 0; i < count-1; i++ {
		secs := rand.Exp(cryptRand, lambda)
		out[i] = time.Duration(secs * float64(time.Second))
	}
	out[count-1] = 0
	return out
}

func sumDelays(d []time.Duration) time.Duration {
	var total time.Duration
	for _, v := range d {
		total += v
	}
	return total
}
