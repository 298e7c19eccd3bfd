// telemetry_test.go
// Copyright (C) 2017  David Anthony Stainton

package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakePendingAckSource struct{ count int }

func (f fakePendingAckSource) PendingCount() int { return f.count }

func TestRegisterIsIdempotent(t *testing.T) {
	require.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestFragmentsSentCounterIncrements(t *testing.T) {
	Register()
	before := testutil.ToFloat64(FragmentsSent)
	FragmentsSent.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(FragmentsSent))
}

func TestSamplePendingAcksSetsGauge(t *testing.T) {
	Register()
	SamplePendingAcks(fakePendingAckSource{count: 7})
	require.Equal(t, float64(7), testutil.ToFloat64(PendingAcks))
}

func TestFragmentsRetransmittedLabeledByAttempt(t *testing.T) {
	Register()
	FragmentsRetransmitted.WithLabelValues("1").Inc()
	require.Equal(t, float64(1), testutil.ToFloat64(FragmentsRetransmitted.WithLabelValues("1")))
}
