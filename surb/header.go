// header.go - reply-SURB header embedded in the first fragment of a set.
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

package surb

import (
	"encoding/binary"
	"errors"
)

// ReplySurbHeader carries zero or more reply SURBs the sender is
// embedding in a message so the recipient can later reply anonymously
// (spec §4.1 "number of reply SURBs to embed (0..=u8::MAX)"). It is
// folded into the plaintext message bytes ahead of fragmentation, the
// same way original_source's real_messages_control prepends its embedded
// reply-SURB block; the Fragment wire type itself carries no knowledge
// of this structure.
type ReplySurbHeader struct {
	SurbIDs []SurbID
	Surbs   [][]byte
}

// SurbID names one embedded SURB for later lookup by the peer that
// receives it.
type SurbID [16]byte

// ErrTooManySurbs is returned by ToBytes when more than 255 SURBs are
// embedded (spec §4.1 "0..=u8::MAX").
var ErrTooManySurbs = errors.New("surb: at most 255 reply SURBs may be embedded per message")

// ErrTruncatedHeader is returned by HeaderFromBytes on malformed input.
var ErrTruncatedHeader = errors.New("surb: truncated reply-SURB header")

// ToBytes serializes the header as: count(1) || for each SURB:
// id(16) || length(2) || surb bytes.
func (h *ReplySurbHeader) ToBytes() ([]byte, error) {
	if len(h.Surbs) > 255 {
		return nil, ErrTooManySurbs
	}
	out := []byte{byte(len(h.Surbs))}
	for i, s := range h.Surbs {
		out = append(out, h.SurbIDs[i][:]...)
		var length [2]byte
		binary.BigEndian.PutUint16(length[:], uint16(len(s)))
		out = append(out, length[:]...)
		out = append(out, s...)
	}
	return out, nil
}

// HeaderFromBytes deserializes a ReplySurbHeader, returning the header
// and the number of bytes it consumed from raw.
func HeaderFromBytes(raw []byte) (*ReplySurbHeader, int, error) {
	if len(raw) < 1 {
		return nil, 0, ErrTruncatedHeader
	}
	count := int(raw[0])
	off := 1
	h := &ReplySurbHeader{}
	for i := 0; i < count; i++ {
		if len(raw) < off+18 {
			return nil, 0, ErrTruncatedHeader
		}
		var id SurbID
		copy(id[:], raw[off:off+16])
		off += 16
		length := int(binary.BigEndian.Uint16(raw[off : off+2]))
		off += 2
		if len(raw) < off+length {
			return nil, 0, ErrTruncatedHeader
		}
		h.SurbIDs = append(h.SurbIDs, id)
		h.Surbs = append(h.Surbs, append([]byte(nil), raw[off:off+length]...))
		off += length
	}
	return h, off, nil
}
