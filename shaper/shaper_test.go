// shaper_test.go
// Copyright (C) 2017  David Stainton

package shaper

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/nymtech-go/mixclient-core/ackctrl"
	"github.com/nymtech-go/mixclient-core/fragment"
	"github.com/nymtech-go/mixclient-core/gateway"
	"github.com/nymtech-go/mixclient-core/sphinxprep"
	"github.com/nymtech-go/mixclient-core/topology"
)

type fakeNotifier struct{ notified chan fragment.ID }

func (f *fakeNotifier) NotifySent(id fragment.ID) { f.notified <- id }

type fakeCover struct{ calls int }

func (f *fakeCover) PrepareLoopCover(self *topology.Recipient, senderGW [32]byte, snap *topology.Snapshot) (*sphinxprep.PreparedPacket, error) {
	f.calls++
	return &sphinxprep.PreparedPacket{PacketBytes: []byte("cover"), FirstHopAddress: "gw:1"}, nil
}

func threeLayerSnapshot(gw [32]byte) *topology.Snapshot {
	mk := func(layer uint8) *topology.MixDescriptor { return &topology.MixDescriptor{Layer: layer} }
	return &topology.Snapshot{
		Layers:   []topology.Layer{{mk(0)}, {mk(1)}, {mk(2)}},
		Gateways: map[[32]byte]*topology.GatewayDescriptor{gw: {Identity: gw, Address: "gw:1"}},
	}
}

func TestMainLoopSendsCoverWhenQueueEmpty(t *testing.T) {
	fc := clockwork.NewFakeClock()
	gw := gateway.NewTestDouble(8, 8, 8)
	cover := &fakeCover{}
	notifier := &fakeNotifier{notified: make(chan fragment.ID, 1)}
	topo := topology.NewAccessor(topology.NewStaticFetcher(nil), time.Hour, time.Second, logging.MustGetLogger("t"))
	var gwID [32]byte
	topo.Set(threeLayerSnapshot(gwID))

	s := New(Config{
		Gateway:      gw,
		Notifier:     notifier,
		Cover:        cover,
		Topology:     topo,
		Self:         &topology.Recipient{GatewayID: gwID},
		MainEnabled:  true,
		MainAvgDelay: 10 * time.Millisecond,
		Rand:         nil,
		Clock:        fc,
		Log:          logging.MustGetLogger("shaper_test"),
	})
	s.Start()
	defer s.Halt()

	require.Eventually(t, func() bool {
		fc.Advance(5 * time.Millisecond)
		return len(gw.Sent()) > 0 || cover.calls > 0
	}, time.Second, time.Millisecond)
}

func TestEnqueuedRealPacketIsSentAndNotified(t *testing.T) {
	gw := gateway.NewTestDouble(8, 8, 8)
	notifier := &fakeNotifier{notified: make(chan fragment.ID, 1)}
	cover := &fakeCover{}
	topo := topology.NewAccessor(topology.NewStaticFetcher(nil), time.Hour, time.Second, logging.MustGetLogger("t"))

	s := New(Config{
		Gateway:     gw,
		Notifier:    notifier,
		Cover:       cover,
		Topology:    topo,
		MainEnabled: false,
		Clock:       clockwork.NewFakeClock(),
		Log:         logging.MustGetLogger("shaper_test2"),
	})
	s.Start()
	defer s.Halt()

	id := (&fragment.Fragment{SetID: 1, IndexInSet: 0}).ID()
	s.Enqueue(ackctrl.OutboundPacket{
		Packet:        &sphinxprep.PreparedPacket{PacketBytes: []byte("payload"), FirstHopAddress: "gw:1"},
		FragmentID:    id,
		HasFragmentID: true,
	})

	select {
	case got := <-notifier.notified:
		require.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("notification never arrived")
	}
	require.Len(t, gw.Sent(), 1)
}
