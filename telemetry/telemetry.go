// telemetry.go - client core Prometheus metrics.
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

// Package telemetry holds the client core's Prometheus metrics (spec §7
// "RetransmissionStats"). The teacher has no metrics of its own; this is
// grounded on hashcloak-Meson-server's decoy package, which registers a
// handful of package-level prometheus.Counter/CounterVec values behind an
// idempotent init-style registration function, re-homed here onto the
// client's fragment lifecycle instead of the server's decoy/PKI counters.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "mixclient"
	subsystem = "core"
)

var (
	// FragmentsSent counts every fragment handed to the Outbound Shaper,
	// including retransmissions.
	FragmentsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "fragments_sent_total",
		Help:      "Total number of fragments handed to the outbound shaper.",
	})

	// FragmentsAcked counts fragments whose pending entry was resolved by
	// a received SURB-Ack, whether or not they were retransmitted first.
	FragmentsAcked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "fragments_acked_total",
		Help:      "Total number of fragments resolved by a received SURB-Ack.",
	})

	// FragmentsRetransmitted counts every retransmission attempt, keyed
	// by the attempt's retry count so repeated loss is distinguishable
	// from first-retransmit loss.
	FragmentsRetransmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "fragments_retransmitted_total",
		Help:      "Total number of fragment retransmissions, labeled by attempt number.",
	}, []string{"attempt"})

	// PayloadsDroppedMalformed counts incoming payloads that clientcore
	// could not decrypt or that the reassembler could not parse as a
	// Fragment.
	PayloadsDroppedMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "payloads_dropped_malformed_total",
		Help:      "Total number of incoming payloads dropped for failing to decrypt or to parse as a fragment.",
	})

	// PayloadsDroppedCover counts incoming payloads the reassembler
	// identified as loop-cover traffic and discarded before fragment
	// parsing.
	PayloadsDroppedCover = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "payloads_dropped_cover_total",
		Help:      "Total number of incoming loop-cover payloads discarded.",
	})

	// PendingAcks gauges the current size of the Pending-Ack Store,
	// updated only when SamplePendingAcks is called.
	PendingAcks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "pending_acks",
		Help:      "Current number of fragments awaiting a SURB-Ack or retransmission.",
	})

	registerOnce sync.Once
)

// Register adds every client-core metric to the default Prometheus
// registry. Safe to call more than once; only the first call registers.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			FragmentsSent,
			FragmentsAcked,
			FragmentsRetransmitted,
			PayloadsDroppedMalformed,
			PayloadsDroppedCover,
			PendingAcks,
		)
	})
}

// PendingAckGauge is satisfied by ackctrl.Controller; kept as a narrow
// interface here so telemetry never imports ackctrl.
type PendingAckGauge interface {
	PendingCount() int
}

// SamplePendingAcks sets the PendingAcks gauge from src's current count.
// Callers invoke this periodically (e.g. alongside a topology refresh
// tick) since the Pending-Ack Store itself has no push-based observer.
func SamplePendingAcks(src PendingAckGauge) {
	PendingAcks.Set(float64(src.PendingCount()))
}
