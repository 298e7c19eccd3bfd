// fragment.go - fixed-size message fragment wire type.
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

// Package fragment implements the wire fragment type and the Fragmenter
// (spec §3 "Fragment", §4.1). Grounded on crypto/block/block.go's
// fixed-capacity, zero-padded wire block, adapted to the spec's
// set_id/index_in_set/total_in_set/next_set_link header and to
// set-chaining for messages spanning more than 255 fragments.
package fragment

import (
	"encoding/binary"
	"errors"
)

const (
	// WireVersion is the current Fragment wire-format version, following
	// the teacher's block.Block/JsonStorageBlock convention of a
	// versioned fixed header (spec SPEC_FULL §3).
	WireVersion = 0

	versionOff    = 0
	setIDOff      = 1
	indexOff      = 5
	totalOff      = 6
	hasLinkOff    = 7
	linkOff       = 8
	payloadLenOff = linkOff + 4
	headerLength  = payloadLenOff + 2 // version(1) + set_id(4) + index(1) + total(1) + haslink(1) + link(4) + payload_len(2)
)

// ErrUnsupportedVersion is returned by FromBytes when the wire header
// carries a version this build does not understand.
var ErrUnsupportedVersion = errors.New("fragment: unsupported wire version")

// ID is the wire-form fragment identifier: set_id || index_in_set (spec
// §3 "(set_id, index_in_set) forms the fragment identifier").
type ID [5]byte

// Fragment is one fixed-size chunk of a user message (spec §3). Payload
// may be shorter than the wire chunk capacity; PayloadLength records how
// many of Payload's bytes are real message data versus trailing random
// padding (spec §4.1 step 3's final-fragment padding).
type Fragment struct {
	SetID         uint32
	IndexInSet    uint8
	TotalInSet    uint8
	NextSetLink   *uint32
	Payload       []byte
	PayloadLength uint16
}

// ID returns this fragment's wire-form identifier.
func (f *Fragment) ID() ID {
	var id ID
	binary.BigEndian.PutUint32(id[:4], f.SetID)
	id[4] = f.IndexInSet
	return id
}

// ToBytes serializes a Fragment to its bit-exact wire form (spec §3
// "Serialization is bit-exact"): a fixed headerLength-byte header,
// carrying the real payload length, followed by exactly chunkCapacity
// bytes of payload, zero-padded if the caller under-filled Payload
// during construction (construction always fills to capacity; this is
// defensive only, mirroring crypto/block/block.go's toBytes padding
// behavior). PayloadLength lets FromBytes strip that padding back off
// on the receiving end, the way block.go's lenOff field lets Decrypt
// slice out exactly blockLen bytes rather than the whole padded block.
func (f *Fragment) ToBytes(chunkCapacity int) ([]byte, error) {
	if len(f.Payload) > chunkCapacity {
		return nil, errors.New("fragment: payload exceeds chunk capacity")
	}
	if int(f.PayloadLength) > len(f.Payload) {
		return nil, errors.New("fragment: payload length exceeds payload")
	}
	out := make([]byte, headerLength, headerLength+chunkCapacity)
	out[versionOff] = WireVersion
	binary.BigEndian.PutUint32(out[setIDOff:], f.SetID)
	out[indexOff] = f.IndexInSet
	out[totalOff] = f.TotalInSet
	if f.NextSetLink != nil {
		out[hasLinkOff] = 1
		binary.BigEndian.PutUint32(out[linkOff:], *f.NextSetLink)
	}
	binary.BigEndian.PutUint16(out[payloadLenOff:], f.PayloadLength)
	out = append(out, f.Payload...)
	if pad := chunkCapacity - len(f.Payload); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	return out, nil
}

// FromBytes deserializes a Fragment from its wire form. raw must be
// exactly headerLength+chunkCapacity bytes. Payload is trimmed to the
// header's declared payload length, stripping off any trailing padding
// applied by the Fragmenter.
func FromBytes(raw []byte, chunkCapacity int) (*Fragment, error) {
	if len(raw) != headerLength+chunkCapacity {
		return nil, errors.New("fragment: invalid wire length")
	}
	if raw[versionOff] != WireVersion {
		return nil, ErrUnsupportedVersion
	}
	payloadLength := binary.BigEndian.Uint16(raw[payloadLenOff:])
	if int(payloadLength) > chunkCapacity {
		return nil, errors.New("fragment: payload length exceeds chunk capacity")
	}
	f := &Fragment{
		SetID:         binary.BigEndian.Uint32(raw[setIDOff:]),
		IndexInSet:    raw[indexOff],
		TotalInSet:    raw[totalOff],
		PayloadLength: payloadLength,
		Payload:       append([]byte(nil), raw[headerLength:headerLength+int(payloadLength)]...),
	}
	if raw[hasLinkOff] == 1 {
		link := binary.BigEndian.Uint32(raw[linkOff:])
		f.NextSetLink = &link
	}
	return f, nil
}

// HeaderLength returns the fixed fragment header size in bytes.
func HeaderLength() int { return headerLength }
