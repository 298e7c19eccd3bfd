// store.go - in-memory reply-SURB and reply-key bookkeeping.
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
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Store holds two independent bookkeeping tables (spec §3 "Reply-SURB
// store"):
//
//   - received SURBs: surb_id -> surb_bytes, reply SURBs other peers
//     embedded in messages they sent us, kept so we can later reply to
//     them anonymously.
//   - reply keys: surb_id -> symmetric key, the per-SURB key we minted
//     when we embedded one of our own reply SURBs in an outgoing
//     message, kept so we can decrypt the eventual reply.
//
// Both tables are swept for entries older than maxAge (spec §6
// "maximum_reply_surb_age"); ackstore persists both across restarts.
type Store struct {
	mu    sync.Mutex
	clock clockwork.Clock

	received map[SurbID]receivedEntry
	keys     map[SurbID]keyEntry

	maxAge time.Duration
}

type receivedEntry struct {
	surb     []byte
	storedAt time.Time
}

type keyEntry struct {
	key      []byte
	storedAt time.Time
}

// NewStore constructs an empty Store.
func NewStore(maxAge time.Duration, clock clockwork.Clock) *Store {
	return &Store{
		clock:    clock,
		received: make(map[SurbID]receivedEntry),
		keys:     make(map[SurbID]keyEntry),
		maxAge:   maxAge,
	}
}

// PutReceived records a SURB another peer gave us for later reply use.
func (s *Store) PutReceived(id SurbID, surb []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[id] = receivedEntry{surb: surb, storedAt: s.clock.Now()}
}

// TakeReceived removes and returns a previously stored SURB, if present.
// SURBs are single-use (spec glossary "SURB-Ack"/"SURB"), so a successful
// lookup consumes the entry.
func (s *Store) TakeReceived(id SurbID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.received[id]
	if !ok {
		return nil, false
	}
	delete(s.received, id)
	return e.surb, true
}

// PutReplyKey records the symmetric key minted for one of our own
// embedded reply SURBs, so a later incoming reply can be decrypted.
func (s *Store) PutReplyKey(id SurbID, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = keyEntry{key: key, storedAt: s.clock.Now()}
}

// TakeReplyKey removes and returns a previously stored reply key.
func (s *Store) TakeReplyKey(id SurbID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.keys[id]
	if !ok {
		return nil, false
	}
	delete(s.keys, id)
	return e.key, true
}

// Sweep discards any received-SURB or reply-key entries older than
// maxAge, returning the number of entries discarded. Grounded on the
// teacher's lack of an equivalent sweep (not present in katzenpost-client,
// which has no reply-SURB embedding feature) and on
// original_source's client-side SURB garbage collection, adapted to a
// caller-driven sweep instead of a background timer so tests can control
// it deterministically via a clockwork.FakeClock.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	dropped := 0
	for id, e := range s.received {
		if now.Sub(e.storedAt) > s.maxAge {
			delete(s.received, id)
			dropped++
		}
	}
	for id, e := range s.keys {
		if now.Sub(e.storedAt) > s.maxAge {
			delete(s.keys, id)
			dropped++
		}
	}
	return dropped
}
