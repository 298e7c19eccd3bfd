// accessor_test.go
// Copyright (C) 2017  David Anthony Stainton
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package topology

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func testLog() *logging.Logger {
	return logging.MustGetLogger("topology_test")
}

func threeLayerSnapshot(gw [32]byte) *Snapshot {
	mk := func(layer uint8) *MixDescriptor {
		return &MixDescriptor{Layer: layer, Address: "mix:1"}
	}
	return &Snapshot{
		Layers: []Layer{
			{mk(0)}, {mk(1)}, {mk(2)},
		},
		Gateways: map[[32]byte]*GatewayDescriptor{
			gw: {Identity: gw, Address: "gw:1"},
		},
	}
}

func TestAccessorGetWithoutSnapshotIsInvalid(t *testing.T) {
	a := NewAccessor(NewStaticFetcher(nil), time.Second, time.Second, testLog())
	_, err := a.Get()
	require.ErrorIs(t, err, ErrInvalidTopology)
}

func TestAccessorRefreshInstallsSnapshot(t *testing.T) {
	var gw [32]byte
	gw[0] = 1
	snap := threeLayerSnapshot(gw)
	fc := clockwork.NewFakeClock()
	a := NewAccessor(NewStaticFetcher(snap), time.Second, time.Second, testLog(), WithClock(fc))
	a.Start()
	defer a.Halt()

	select {
	case <-a.Refreshed():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first refresh")
	}
	got, err := a.Get()
	require.NoError(t, err)
	require.Equal(t, snap, got)
}

func TestAccessorBacksOffOnFailureAndRecovers(t *testing.T) {
	var gw [32]byte
	fetcher := NewStaticFetcher(nil)
	fetcher.SetError(ErrInvalidTopology)
	fc := clockwork.NewFakeClock()
	a := NewAccessor(fetcher, 10*time.Millisecond, time.Second, testLog(), WithClock(fc), WithMaxBackoff(80*time.Millisecond))
	a.Start()
	defer a.Halt()

	_, err := a.Get()
	require.Error(t, err)

	snap := threeLayerSnapshot(gw)
	fetcher.SetSnapshot(snap)

	// Drive the fake clock forward until the backoff-delayed retry picks
	// up the now-healthy fetcher.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-a.Refreshed():
			got, err := a.Get()
			require.NoError(t, err)
			require.Equal(t, snap, got)
			return
		case <-deadline:
			t.Fatal("topology never recovered")
		case <-time.After(time.Millisecond):
			fc.Advance(10 * time.Millisecond)
		}
	}
}

func TestSnapshotValidFor(t *testing.T) {
	var senderGW, recipientGW [32]byte
	senderGW[0], recipientGW[0] = 1, 2
	snap := threeLayerSnapshot(senderGW)
	require.Error(t, snap.ValidFor(senderGW, recipientGW))
	snap.Gateways[recipientGW] = &GatewayDescriptor{Identity: recipientGW}
	require.NoError(t, snap.ValidFor(senderGW, recipientGW))
}
