// preparer_test.go
// Copyright (C) 2017  David Anthony Stainton

package sphinxprep

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/stretchr/testify/require"

	"github.com/nymtech-go/mixclient-core/fragment"
	"github.com/nymtech-go/mixclient-core/surb"
	"github.com/nymtech-go/mixclient-core/topology"
)

func descriptor(t *testing.T, layer uint8, addr string) *topology.MixDescriptor {
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
			{descriptor(t, 0, "mix0:1")},
			{descriptor(t, 1, "mix1:1")},
			{descriptor(t, 2, "mix2:1")},
		},
		Gateways: map[[32]byte]*topology.GatewayDescriptor{
			senderGW:    {Identity: senderGW, Address: "sender-gateway:1"},
			recipientGW: {Identity: recipientGW, Address: "recipient-gateway:1"},
		},
	}
}

func TestPrepareRejectsMissingTopology(t *testing.T) {
	p := NewPreparer(rand.Reader, 10*time.Millisecond, 10*time.Millisecond)
	kp, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)
	recipient := &topology.Recipient{IdentityKey: kp.PublicKey(), EncryptionKey: kp.PublicKey()}
	ackKey, err := surb.GenerateAckKey(rand.Reader)
	require.NoError(t, err)

	_, err = p.Prepare(&fragment.Fragment{Payload: make([]byte, 32)}, 32, recipient, [32]byte{}, nil, ackKey)
	require.ErrorIs(t, err, ErrTopologyInvalid)
}

func TestPrepareRejectsMissingRecipientGateway(t *testing.T) {
	var senderGW, recipientGW [32]byte
	senderGW[0], recipientGW[0] = 1, 2
	snap := testSnapshot(t, senderGW, recipientGW)
	delete(snap.Gateways, recipientGW)

	p := NewPreparer(rand.Reader, 10*time.Millisecond, 10*time.Millisecond)
	kp, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)
	recipient := &topology.Recipient{IdentityKey: kp.PublicKey(), EncryptionKey: kp.PublicKey(), GatewayID: recipientGW}
	ackKey, err := surb.GenerateAckKey(rand.Reader)
	require.NoError(t, err)

	_, err = p.Prepare(&fragment.Fragment{Payload: make([]byte, 32)}, 32, recipient, senderGW, snap, ackKey)
	require.ErrorIs(t, err, ErrTopologyInvalid)
}

func TestPrepareProducesNonEmptyPacket(t *testing.T) {
	var senderGW, recipientGW [32]byte
	senderGW[0], recipientGW[0] = 1, 2
	snap := testSnapshot(t, senderGW, recipientGW)

	recipientKP, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)
	recipient := &topology.Recipient{
		IdentityKey:   recipientKP.PublicKey(),
		EncryptionKey: recipientKP.PublicKey(),
		GatewayID:     recipientGW,
	}
	ackKey, err := surb.GenerateAckKey(rand.Reader)
	require.NoError(t, err)

	p := NewPreparer(rand.Reader, 10*time.Millisecond, 10*time.Millisecond)
	frag := &fragment.Fragment{SetID: 1, IndexInSet: 0, TotalInSet: 1, Payload: make([]byte, 32)}

	prepared, err := p.Prepare(frag, 32, recipient, senderGW, snap, ackKey)
	require.NoError(t, err)
	require.NotEmpty(t, prepared.PacketBytes)
	require.Equal(t, "sender-gateway:1", prepared.FirstHopAddress)
	require.GreaterOrEqual(t, prepared.TotalExpectedDelay, time.Duration(0))
}
