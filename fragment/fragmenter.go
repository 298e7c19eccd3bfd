// fragmenter.go - splits an arbitrary-length message into wire Fragments.
// Copyright (C) 2017  David Anthony Stainton, Yawning Angel
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

package fragment

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/nymtech-go/mixclient-core/constants"
)

// ErrMessageTooLarge is returned when a message would require more
// fragment sets than a uint32 set_id space can address.
var ErrMessageTooLarge = errors.New("fragment: message exceeds addressable fragment-set space")

// Fragmenter splits outbound message bytes into fixed-capacity Fragments
// (spec §4.1). A Fragmenter is stateless aside from its random source and
// is safe for concurrent use only if Rand is.
type Fragmenter struct {
	// ChunkCapacity is the Sphinx-payload-sized capacity of each
	// fragment's Payload field (spec §4.1 "Choose CHUNK_CAPACITY equal to
	// the Sphinx payload size minus constant header overhead").
	ChunkCapacity int

	// Rand supplies padding bytes for the final fragment of the whole
	// message and the random set_id seeds. Tests inject a deterministic
	// reader (spec §9 "test builds inject a deterministic RNG"), mirroring
	// path_selection.go's use of an injectable core/crypto/rand source.
	Rand io.Reader
}

// NewFragmenter constructs a Fragmenter with the given chunk capacity and
// random source.
func NewFragmenter(chunkCapacity int, rand io.Reader) *Fragmenter {
	return &Fragmenter{ChunkCapacity: chunkCapacity, Rand: rand}
}

// Split breaks msg into one or more linked fragment sets, each holding at
// most constants.MaxFragmentsPerSet fragments, and pads the final
// fragment of the whole message with random bytes so every on-wire
// fragment has identical length (spec §4.1 steps 2-3).
func (f *Fragmenter) Split(msg []byte) ([]*Fragment, error) {
	if f.ChunkCapacity <= 0 {
		return nil, errors.New("fragment: chunk capacity must be positive")
	}

	numChunks := (len(msg) + f.ChunkCapacity - 1) / f.ChunkCapacity
	if numChunks == 0 {
		numChunks = 1 // an empty message is still one (empty, padded) fragment
	}
	numSets := (numChunks + constants.MaxFragmentsPerSet - 1) / constants.MaxFragmentsPerSet

	var setIDs []uint32
	for i := 0; i < numSets; i++ {
		id, err := f.randSetID()
		if err != nil {
			return nil, err
		}
		setIDs = append(setIDs, id)
	}

	frags := make([]*Fragment, 0, numChunks)
	off := 0
	for s := 0; s < numSets; s++ {
		remaining := numChunks - s*constants.MaxFragmentsPerSet
		thisSetCount := remaining
		if thisSetCount > constants.MaxFragmentsPerSet {
			thisSetCount = constants.MaxFragmentsPerSet
		}
		for i := 0; i < thisSetCount; i++ {
			end := off + f.ChunkCapacity
			if end > len(msg) {
				end = len(msg)
			}
			chunk := msg[off:end]
			off = end

			frag := &Fragment{
				SetID:         setIDs[s],
				IndexInSet:    uint8(i),
				TotalInSet:    uint8(thisSetCount),
				Payload:       make([]byte, len(chunk), f.ChunkCapacity),
				PayloadLength: uint16(len(chunk)),
			}
			copy(frag.Payload, chunk)

			isLastFragmentOfSet := i == thisSetCount-1
			isLastSet := s == numSets-1
			if isLastFragmentOfSet && !isLastSet {
				link := setIDs[s+1]
				frag.NextSetLink = &link
			}
			if isLastFragmentOfSet && isLastSet {
				if err := f.padTo(frag, f.ChunkCapacity); err != nil {
					return nil, err
				}
			}
			frags = append(frags, frag)
		}
	}
	return frags, nil
}

func (f *Fragmenter) padTo(frag *Fragment, size int) error {
	pad := size - len(frag.Payload)
	if pad <= 0 {
		return nil
	}
	padding := make([]byte, pad)
	if _, err := io.ReadFull(f.Rand, padding); err != nil {
		return err
	}
	frag.Payload = append(frag.Payload, padding...)
	return nil
}

func (f *Fragmenter) randSetID() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(f.Rand, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
