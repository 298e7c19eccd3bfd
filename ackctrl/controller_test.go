// controller_test.go
// Copyright (C) 2017  David Anthony Stainton

package ackctrl

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/nymtech-go/mixclient-core/fragment"
	"github.com/nymtech-go/mixclient-core/surb"
	"github.com/nymtech-go/mixclient-core/topology"
)

func testLog() *logging.Logger { return logging.MustGetLogger("ackctrl_test") }

func TestStoreInsertGetRemove(t *testing.T) {
	s := NewStore()
	frag := &fragment.Fragment{SetID: 1, IndexInSet: 0}
	id := frag.ID()
	entry := newPendingAck(frag, &topology.Recipient{}, time.Second)

	require.True(t, s.Insert(id, entry))
	require.False(t, s.Insert(id, entry))

	got, ok := s.Get(id)
	require.True(t, ok)
	require.Same(t, entry, got)

	require.Equal(t, 1, s.Len())
	removed, ok := s.Remove(id)
	require.True(t, ok)
	require.Same(t, entry, removed)
	require.Equal(t, 0, s.Len())

	_, ok = s.Remove(id)
	require.False(t, ok)
}

func TestAckListenerResolvesPendingEntryBeforeTimeout(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ackKey, err := surb.GenerateAckKey(cryptoRandForTest())
	require.NoError(t, err)

	c := New(Config{
		AckKey: ackKey,
		Clock:  fc,
		Log:    testLog(),
	})
	c.Start()
	defer c.Halt()

	frag := &fragment.Fragment{SetID: 5, IndexInSet: 0}
	id := frag.ID()
	entry := newPendingAck(frag, &topology.Recipient{}, time.Second)
	require.True(t, c.store.Insert(id, entry))

	c.NotifySent(id)

	payload, err := surb.BuildAckPayload(ackKey, id, cryptoRandForTest())
	require.NoError(t, err)
	c.DeliverAck(payload)

	require.Eventually(t, func() bool {
		_, ok := c.store.Get(id)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestAckListenerDropsUnknownID(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ackKey, err := surb.GenerateAckKey(cryptoRandForTest())
	require.NoError(t, err)
	c := New(Config{AckKey: ackKey, Clock: fc, Log: testLog()})
	c.Start()
	defer c.Halt()

	unknown := (&fragment.Fragment{SetID: 999, IndexInSet: 1}).ID()
	payload, err := surb.BuildAckPayload(ackKey, unknown, cryptoRandForTest())
	require.NoError(t, err)

	c.DeliverAck(payload)
	require.Equal(t, 0, c.PendingCount())
}

func cryptoRandForTest() *deterministicReader { return &deterministicReader{seed: 7} }

// deterministicReader is a tiny LCG-backed io.Reader used only so tests
// don't depend on crypto/rand's nondeterminism for key/nonce material
// that doesn't need to be cryptographically random to exercise the
// control flow under test.
type deterministicReader struct{ seed uint64 }

func (d *deterministicReader) Read(p []byte) (int, error) {
	for i := range p {
		d.seed = d.seed*6364136223846793005 + 1442695040888963407
		p[i] = byte(d.seed >> 56)
	}
	return len(p), nil
}
