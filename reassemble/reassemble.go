// reassemble.go - the Receive Reassembler.
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

// Package reassemble implements the Receive Reassembler (spec §4.5): it
// consumes decrypted payload bytes off the gateway's incoming-payload
// channel, drops loop-cover traffic, feeds the remainder into a per-set
// reconstructor keyed by set_id, follows next_set_link chains, and
// delivers completed messages to an attached consumer channel without
// ever blocking the goroutine draining the gateway.
//
// Grounded on proxy/fragmentation.go's deduplicateBlocks/validBlocks/
// reassembleMessage (sort-by-index, detect gaps, concatenate), adapted
// from that package's flat block list to the spec's set-chained fragment
// sets, and on original_source's received_buffer.rs bounded-buffer-with-
// overflow semantics for the attach/detach/spill behavior.
package reassemble

import (
	"bytes"
	"errors"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/nymtech-go/mixclient-core/constants"
	"github.com/nymtech-go/mixclient-core/fragment"
	"github.com/nymtech-go/mixclient-core/telemetry"
)

// ErrConsumerBlocked is returned by AttachConsumer when the supplied
// channel could not accept every message already waiting in the internal
// buffer; the unaccepted messages remain buffered until the next
// AttachConsumer call. Messages that complete later are not used to
// retry them: each is sent to the attached channel on its own, or
// appended to the buffer behind them.
var ErrConsumerBlocked = errors.New("reassemble: consumer channel did not accept all buffered messages")

// setState tracks in-progress reconstruction of a single fragment set.
type setState struct {
	total     uint8
	have      uint8
	fragments [][]byte
	nextLink  *uint32
	linkKnown bool
	complete  bool
}

// Reassembler is the Receive Reassembler (spec §4.5).
type Reassembler struct {
	mu sync.Mutex

	chunkCapacity int
	log           *logging.Logger

	sets       map[uint32]*setState
	referenced map[uint32]bool

	consumer chan<- []byte
	buffer   [][]byte
}

// New constructs a Reassembler. chunkCapacity must match the Fragmenter
// used on the sending side so Fragment.FromBytes can parse incoming
// payloads.
func New(chunkCapacity int, log *logging.Logger) *Reassembler {
	return &Reassembler{
		chunkCapacity: chunkCapacity,
		log:           log,
		sets:          make(map[uint32]*setState),
		referenced:    make(map[uint32]bool),
	}
}

// Feed processes one decrypted payload from the gateway (spec §4.5 steps
// 1-5). It never blocks: delivery of a completed message either reaches
// the attached consumer channel immediately or spills into the internal
// buffer.
func (r *Reassembler) Feed(payload []byte) {
	if bytes.Equal(payload, constants.LoopCoverPayload) {
		telemetry.PayloadsDroppedCover.Inc()
		return
	}
	frag, err := fragment.FromBytes(payload, r.chunkCapacity)
	if err != nil {
		telemetry.PayloadsDroppedMalformed.Inc()
		if r.log != nil {
			r.log.Debugf("reassemble: dropping unparseable payload: %v", err)
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.insert(frag)
}

// insert folds one fragment into its set's reconstruction state and, if
// the set (and any set it completes a chain into) is now whole, delivers
// it. Must be called with r.mu held.
func (r *Reassembler) insert(frag *fragment.Fragment) {
	st := r.sets[frag.SetID]
	if st == nil {
		st = &setState{total: frag.TotalInSet, fragments: make([][]byte, frag.TotalInSet)}
		r.sets[frag.SetID] = st
	}
	if st.complete {
		return // duplicate delivery of an already-finalized set; drop.
	}
	if frag.TotalInSet != st.total || int(frag.IndexInSet) >= len(st.fragments) {
		if r.log != nil {
			r.log.Debugf("reassemble: dropping malformed fragment for set %d", frag.SetID)
		}
		return
	}
	if st.fragments[frag.IndexInSet] == nil {
		st.fragments[frag.IndexInSet] = frag.Payload
		st.have++
	}
	if frag.IndexInSet == frag.TotalInSet-1 {
		st.nextLink = frag.NextSetLink
		st.linkKnown = true
	}
	if st.have != st.total || !st.linkKnown {
		return
	}
	st.complete = true
	if st.nextLink != nil {
		r.referenced[*st.nextLink] = true
	}
	r.deliverReadyChains()
}

// deliverReadyChains walks every completed, unreferenced (i.e. chain
// head) set, following next_set_link until it either reaches an
// unlinked tail (full message ready) or a set that has not finished
// reconstructing yet (chain stays pending). Must be called with r.mu
// held.
func (r *Reassembler) deliverReadyChains() {
	for id, st := range r.sets {
		if !st.complete || r.referenced[id] {
			continue
		}
		chain := []uint32{id}
		cur := st
		ready := true
		for cur.nextLink != nil {
			next, ok := r.sets[*cur.nextLink]
			if !ok || !next.complete {
				ready = false
				break
			}
			chain = append(chain, *cur.nextLink)
			cur = next
		}
		if !ready {
			continue
		}

		var msg []byte
		for _, setID := range chain {
			for _, chunk := range r.sets[setID].fragments {
				msg = append(msg, chunk...)
			}
		}
		// Replace each delivered set with a fragment-free, complete
		// tombstone so a late duplicate fragment is dropped by insert's
		// st.complete check instead of starting the set over; marking it
		// referenced keeps this loop from treating it as a chain head.
		for _, setID := range chain {
			r.sets[setID] = &setState{complete: true}
			r.referenced[setID] = true
		}
		r.deliver(msg)
	}
}

// deliver hands a fully reconstructed message to the attached consumer,
// or to the internal overflow buffer if no consumer is attached or the
// consumer's channel is full (spec §4.5 invariant (b)). Must be called
// with r.mu held.
func (r *Reassembler) deliver(msg []byte) {
	if r.consumer == nil || !r.nonBlockingSend(msg) {
		r.buffer = append(r.buffer, msg)
	}
}

// nonBlockingSend attempts a non-blocking send on the consumer channel,
// treating a send to an already-closed channel the same as a full one
// rather than letting the panic escape.
func (r *Reassembler) nonBlockingSend(msg []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case r.consumer <- msg:
		return true
	default:
		return false
	}
}

// AttachConsumer installs ch as the delivery target and drains whatever
// is already sitting in the internal buffer into it, in delivery order.
// If ch cannot accept every buffered message, the remainder is pushed
// back onto the buffer and ErrConsumerBlocked is returned; ch stays
// attached regardless.
func (r *Reassembler) AttachConsumer(ch chan<- []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consumer = ch
	if len(r.buffer) == 0 {
		return nil
	}

	pending := r.buffer
	r.buffer = nil
	for i, msg := range pending {
		if !r.nonBlockingSend(msg) {
			r.buffer = append(r.buffer, pending[i:]...)
			return ErrConsumerBlocked
		}
	}
	return nil
}

// DetachConsumer stops delivering to any attached channel; subsequent
// completed messages accumulate in the internal buffer only.
func (r *Reassembler) DetachConsumer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumer = nil
}

// Buffered reports how many completed messages are currently sitting in
// the internal overflow buffer, awaiting a consumer.
func (r *Reassembler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// PendingSets reports how many fragment sets are currently incomplete,
// for diagnostics and telemetry gauges.
func (r *Reassembler) PendingSets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.sets {
		if !st.complete {
			n++
		}
	}
	return n
}
