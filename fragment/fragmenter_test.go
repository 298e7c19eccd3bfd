// fragmenter_test.go
// Copyright (C) 2017  David Anthony Stainton

package fragment

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func reassembleInOrder(t *testing.T, frags []*Fragment) []byte {
	t.Helper()
	bySet := map[uint32][]*Fragment{}
	order := []uint32{}
	for _, f := range frags {
		if _, ok := bySet[f.SetID]; !ok {
			order = append(order, f.SetID)
		}
		bySet[f.SetID] = append(bySet[f.SetID], f)
	}
	var out bytes.Buffer
	for _, setID := range order {
		set := bySet[setID]
		require.Equal(t, int(set[0].TotalInSet), len(set))
		byIndex := make([]*Fragment, len(set))
		for _, f := range set {
			byIndex[f.IndexInSet] = f
		}
		for _, f := range byIndex {
			out.Write(f.Payload[:f.PayloadLength])
		}
	}
	return out.Bytes()
}

func TestSplitSmallMessageSingleFragment(t *testing.T) {
	fr := NewFragmenter(2048, rand.Reader)
	msg := []byte("hello world")
	frags, err := fr.Split(msg)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	require.Equal(t, uint8(0), frags[0].IndexInSet)
	require.Equal(t, uint8(1), frags[0].TotalInSet)
	require.Nil(t, frags[0].NextSetLink)
	require.Len(t, frags[0].Payload, 2048)
	require.True(t, bytes.HasPrefix(frags[0].Payload, msg))
}

func TestSplitMultiFragmentMessage(t *testing.T) {
	fr := NewFragmenter(2048, rand.Reader)
	msg := make([]byte, 30*1024)
	_, err := rand.Read(msg)
	require.NoError(t, err)

	frags, err := fr.Split(msg)
	require.NoError(t, err)
	require.Len(t, frags, 15)
	for _, f := range frags {
		require.Len(t, f.Payload, 2048)
		require.Equal(t, uint8(15), f.TotalInSet)
	}

	got := reassembleInOrder(t, frags)
	require.Equal(t, msg, got)
}

func TestSplitChainsAcrossSets(t *testing.T) {
	fr := NewFragmenter(1, rand.Reader)
	msg := make([]byte, 300)
	_, err := rand.Read(msg)
	require.NoError(t, err)

	frags, err := fr.Split(msg)
	require.NoError(t, err)
	require.Len(t, frags, 300)

	require.NotNil(t, frags[254].NextSetLink)
	require.Equal(t, *frags[254].NextSetLink, frags[255].SetID)
	require.Nil(t, frags[299].NextSetLink)
	require.NotEqual(t, frags[0].SetID, frags[255].SetID)

	got := reassembleInOrder(t, frags)
	require.Equal(t, msg, got)
}

func TestFragmentRoundTripBytes(t *testing.T) {
	f := &Fragment{SetID: 7, IndexInSet: 2, TotalInSet: 5, Payload: []byte{1, 2, 3}, PayloadLength: 3}
	link := uint32(99)
	f.NextSetLink = &link

	raw, err := f.ToBytes(16)
	require.NoError(t, err)
	require.Len(t, raw, HeaderLength()+16)

	got, err := FromBytes(raw, 16)
	require.NoError(t, err)
	require.Equal(t, f.SetID, got.SetID)
	require.Equal(t, f.IndexInSet, got.IndexInSet)
	require.Equal(t, f.TotalInSet, got.TotalInSet)
	require.Equal(t, *f.NextSetLink, *got.NextSetLink)
	require.Equal(t, f.Payload, got.Payload)
}

// TestFragmentRoundTripStripsPadding exercises the case the review found
// broken: a message shorter than chunkCapacity must come back exactly as
// it went in, with the Fragmenter's random tail padding gone.
func TestFragmentRoundTripStripsPadding(t *testing.T) {
	fr := NewFragmenter(2048, rand.Reader)
	msg := []byte("hello world")
	frags, err := fr.Split(msg)
	require.NoError(t, err)
	require.Len(t, frags, 1)

	raw, err := frags[0].ToBytes(2048)
	require.NoError(t, err)

	got, err := FromBytes(raw, 2048)
	require.NoError(t, err)
	require.Equal(t, msg, got.Payload)
}

func TestFragmentIDDistinguishesIndex(t *testing.T) {
	a := &Fragment{SetID: 1, IndexInSet: 0}
	b := &Fragment{SetID: 1, IndexInSet: 1}
	require.NotEqual(t, a.ID(), b.ID())
}
