// clientcore_test.go
// Copyright (C) 2017  David Stainton, Yawning Angel

package clientcore

import (
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/noise"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/nymtech-go/mixclient-core/ackctrl"
	"github.com/nymtech-go/mixclient-core/clientconfig"
	"github.com/nymtech-go/mixclient-core/gateway"
	"github.com/nymtech-go/mixclient-core/surb"
	"github.com/nymtech-go/mixclient-core/topology"
)

var testCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// sealPayloadForTest mirrors sphinxprep's unexported sealPayload so the
// payload bridge loop can be exercised without reaching into that
// package's internals: a fresh ephemeral keypair Noise-X-handshakes to
// recipientKey, exactly as the real sender side would.
func sealPayloadForTest(t *testing.T, recipientKey *ecdh.PublicKey, plaintext []byte) []byte {
	t.Helper()
	ephemeral, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)
	hs := noise.NewHandshakeState(noise.Config{
		CipherSuite: testCipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeX,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Private: ephemeral.Bytes(),
			Public:  ephemeral.PublicKey().Bytes(),
		},
		PeerStatic: recipientKey.Bytes(),
	})
	ciphertext := make([]byte, 0, len(plaintext)+64)
	ciphertext, _, _ = hs.WriteMessage(ciphertext, plaintext)
	return ciphertext
}

func testDescriptor(t *testing.T, layer uint8, addr string) *topology.MixDescriptor {
	t.Helper()
	kp, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)
	var id [32]byte
	id[0] = byte(layer) + 1
	return &topology.MixDescriptor{Identity: id, OnionKey: kp.PublicKey(), Address: addr, Layer: layer}
}

func testSnapshot(t *testing.T, senderGW, recipientGW [32]byte) *topology.Snapshot {
	t.Helper()
	return &topology.Snapshot{
		Layers: []topology.Layer{
			{testDescriptor(t, 0, "mix0:1")},
			{testDescriptor(t, 1, "mix1:1")},
			{testDescriptor(t, 2, "mix2:1")},
		},
		Gateways: map[[32]byte]*topology.GatewayDescriptor{
			senderGW:    {Identity: senderGW, Address: "sender-gateway:1"},
			recipientGW: {Identity: recipientGW, Address: "recipient-gateway:1"},
		},
	}
}

func testOptions() clientconfig.Config {
	return clientconfig.Config{
		AveragePacketDelay:           time.Millisecond,
		AverageAckDelay:              time.Millisecond,
		AckWaitMultiplier:            1.5,
		AckWaitAddition:              10 * time.Millisecond,
		LoopCoverTrafficAverageDelay: time.Hour,
		MessageSendingAverageDelay:   time.Hour,
		TopologyRefreshRate:          time.Hour,
		TopologyResolutionTimeout:    time.Second,
		DisableLoopCoverTrafficStream:  true,
		DisableMainPoissonDistribution: true,
		ChunkCapacity:                  64,
		MaximumReplySurbAge:            time.Hour,
	}
}

func newTestCore(t *testing.T, gw gateway.Channel, selfGW [32]byte, selfKP *ecdh.PrivateKey) *Core {
	t.Helper()
	snap := testSnapshot(t, selfGW, selfGW)
	fetcher := topology.NewStaticFetcher(snap)

	self := &topology.Recipient{
		IdentityKey:   selfKP.PublicKey(),
		EncryptionKey: selfKP.PublicKey(),
		GatewayID:     selfGW,
	}

	core, err := New(Config{
		Options:            testOptions(),
		Gateway:            gw,
		Fetcher:            fetcher,
		Self:               self,
		IdentityPrivateKey: selfKP,
		SenderGatewayID:    selfGW,
		DBPath:             filepath.Join(t.TempDir(), "ackstore.db"),
		Rand:               rand.Reader,
		Clock:              clockwork.NewFakeClock(),
		Log:                logging.MustGetLogger("clientcore_test"),
	})
	require.NoError(t, err)
	core.topo.Set(snap)
	return core
}

func TestNewRejectsMissingSelf(t *testing.T) {
	_, err := New(Config{DBPath: filepath.Join(t.TempDir(), "ackstore.db")})
	require.ErrorIs(t, err, ErrSelfRequired)
}

func TestPayloadLoopDecryptsAndReassemblesSingleFragmentMessage(t *testing.T) {
	var selfGW [32]byte
	selfGW[0] = 7
	selfKP, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)

	gw := gateway.NewTestDouble(8, 8, 8)
	core := newTestCore(t, gw, selfGW, selfKP)
	core.Start()
	defer core.Shutdown()

	out := make(chan []byte, 1)
	require.NoError(t, core.reassembler.AttachConsumer(out))

	frag, err := core.fragmenter.Split([]byte("hello mix network"))
	require.NoError(t, err)
	require.Len(t, frag, 1)
	fragBytes, err := frag[0].ToBytes(core.cfg.ChunkCapacity)
	require.NoError(t, err)

	ciphertext := sealPayloadForTest(t, selfKP.PublicKey(), fragBytes)

	gw.DeliverPayload(ciphertext)

	require.Eventually(t, func() bool {
		select {
		case msg := <-out:
			return string(msg) == "hello mix network"
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestDispatchRegularSendsPacketAndTracksPendingAck(t *testing.T) {
	var selfGW, recipientGW [32]byte
	selfGW[0], recipientGW[0] = 7, 9
	selfKP, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)

	gw := gateway.NewTestDouble(8, 8, 8)
	core := newTestCore(t, gw, selfGW, selfKP)
	snap := testSnapshot(t, selfGW, recipientGW)
	core.topo.Set(snap)
	core.Start()
	defer core.Shutdown()

	recipientKP, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)
	recipient := &topology.Recipient{IdentityKey: recipientKP.PublicKey(), EncryptionKey: recipientKP.PublicKey(), GatewayID: recipientGW}

	core.Dispatch(ackctrl.Regular{Recipient: recipient, Data: []byte("ack me")})

	require.Eventually(t, func() bool { return len(gw.Sent()) > 0 }, time.Second, time.Millisecond)
	require.Equal(t, 1, core.ackCtrl.PendingCount())
}

func TestSendWithReplySurbsPersistsReplyKeys(t *testing.T) {
	var selfGW, recipientGW [32]byte
	selfGW[0], recipientGW[0] = 7, 9
	selfKP, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)

	gw := gateway.NewTestDouble(8, 8, 8)
	core := newTestCore(t, gw, selfGW, selfKP)
	snap := testSnapshot(t, selfGW, recipientGW)
	core.topo.Set(snap)
	core.Start()
	defer core.Shutdown()

	recipientKP, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)
	recipient := &topology.Recipient{IdentityKey: recipientKP.PublicKey(), EncryptionKey: recipientKP.PublicKey(), GatewayID: recipientGW}

	require.NoError(t, core.Send(recipient, []byte("reply to me"), 2))

	keys, _, err := core.db.LoadReplyKeys()
	require.NoError(t, err)
	require.Len(t, keys, 2)

	require.Eventually(t, func() bool { return len(gw.Sent()) > 0 }, time.Second, time.Millisecond)
}

func TestReceiveAndTakeSurbRoundTrips(t *testing.T) {
	var selfGW [32]byte
	selfGW[0] = 7
	selfKP, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)

	gw := gateway.NewTestDouble(8, 8, 8)
	core := newTestCore(t, gw, selfGW, selfKP)

	id := surb.SurbID{1, 2, 3}
	core.ReceiveSurb(id, []byte("a-surb"))

	got, ok := core.TakeReceivedSurb(id)
	require.True(t, ok)
	require.Equal(t, []byte("a-surb"), got)

	_, ok = core.TakeReceivedSurb(id)
	require.False(t, ok)
}
