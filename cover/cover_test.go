// cover_test.go
// Copyright (C) 2017  David Stainton

package cover

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/nymtech-go/mixclient-core/gateway"
	"github.com/nymtech-go/mixclient-core/sphinxprep"
	"github.com/nymtech-go/mixclient-core/topology"
)

type fakeSource struct{ calls int }

func (f *fakeSource) PrepareLoopCover(self *topology.Recipient, senderGW [32]byte, snap *topology.Snapshot) (*sphinxprep.PreparedPacket, error) {
	f.calls++
	return &sphinxprep.PreparedPacket{PacketBytes: []byte("cover"), FirstHopAddress: "gw:1"}, nil
}

func singleGatewaySnapshot(gwID [32]byte) *topology.Snapshot {
	mk := func(layer uint8) *topology.MixDescriptor { return &topology.MixDescriptor{Layer: layer} }
	return &topology.Snapshot{
		Layers:   []topology.Layer{{mk(0)}, {mk(1)}, {mk(2)}},
		Gateways: map[[32]byte]*topology.GatewayDescriptor{gwID: {Identity: gwID, Address: "gw:1"}},
	}
}

func TestGeneratorEmitsOnEveryTick(t *testing.T) {
	fc := clockwork.NewFakeClock()
	gw := gateway.NewTestDouble(8, 8, 8)
	src := &fakeSource{}
	var gwID [32]byte
	topo := topology.NewAccessor(topology.NewStaticFetcher(nil), time.Hour, time.Second, logging.MustGetLogger("t"))
	topo.Set(singleGatewaySnapshot(gwID))

	g := New(Config{
		Gateway:         gw,
		Cover:           src,
		Topology:        topo,
		Self:            &topology.Recipient{GatewayID: gwID},
		SenderGatewayID: gwID,
		AverageDelay:    10 * time.Millisecond,
		Clock:           fc,
		Log:             logging.MustGetLogger("cover_test"),
	})
	g.Start()
	defer g.Halt()

	require.Eventually(t, func() bool {
		fc.Advance(5 * time.Millisecond)
		return src.calls > 0 && len(gw.Sent()) > 0
	}, time.Second, time.Millisecond)
}

func TestGeneratorSkipsTickWhenTopologyUnavailable(t *testing.T) {
	fc := clockwork.NewFakeClock()
	gw := gateway.NewTestDouble(8, 8, 8)
	src := &fakeSource{}
	topo := topology.NewAccessor(topology.NewStaticFetcher(nil), time.Hour, time.Second, logging.MustGetLogger("t"))

	g := New(Config{
		Gateway:      gw,
		Cover:        src,
		Topology:     topo,
		AverageDelay: 10 * time.Millisecond,
		Clock:        fc,
		Log:          logging.MustGetLogger("cover_test2"),
	})
	g.Start()
	defer g.Halt()

	fc.Advance(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, src.calls)
	require.Len(t, gw.Sent(), 0)
}
