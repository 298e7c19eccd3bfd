// accessor.go - read-mostly, periodically refreshed topology snapshot.
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

package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"
)

// ErrInvalidTopology is returned by Accessor.Get when no valid snapshot
// has ever been fetched.
var ErrInvalidTopology = errors.New("topology: no valid snapshot available")

// Fetcher queries one configured directory endpoint for a fresh
// Snapshot. Implementations are expected to round-robin or fail over
// across several configured endpoints; the directory protocol itself is
// out of scope for this core (spec §1 Non-goal).
type Fetcher interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

// Accessor is the Topology Accessor (spec §4.6): a read/write-lock
// protected cell holding the most recently fetched valid Snapshot, kept
// fresh by a dedicated refresh task. Grounded on mix_pki/json.go's
// StaticPKI (layer-indexed descriptor lookup) and proxy/fetch.go's
// FetchScheduler (periodic refresh task shape), generalized with capped
// exponential backoff on fetch failure (spec §4.6/§7).
type Accessor struct {
	worker.Worker

	mu       sync.RWMutex
	snapshot *Snapshot

	fetcher         Fetcher
	refreshRate     time.Duration
	resolveTimeout  time.Duration
	maxBackoff      time.Duration
	clock           clockwork.Clock
	log             *logging.Logger
	refreshedSignal chan struct{}
}

// Option configures an Accessor at construction time.
type Option func(*Accessor)

// WithClock overrides the clock used for refresh scheduling, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(a *Accessor) { a.clock = c }
}

// WithMaxBackoff overrides the backoff ceiling applied after repeated
// fetch failures.
func WithMaxBackoff(d time.Duration) Option {
	return func(a *Accessor) { a.maxBackoff = d }
}

// NewAccessor constructs an Accessor. The refresh task is not started
// until Start is called.
func NewAccessor(fetcher Fetcher, refreshRate, resolveTimeout time.Duration, log *logging.Logger, opts ...Option) *Accessor {
	a := &Accessor{
		fetcher:         fetcher,
		refreshRate:     refreshRate,
		resolveTimeout:  resolveTimeout,
		maxBackoff:      refreshRate * 8,
		clock:           clockwork.NewRealClock(),
		log:             log,
		refreshedSignal: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Get returns the current snapshot pointer, which is non-nil, or
// ErrInvalidTopology if no snapshot has been installed yet (or Set(nil)
// cleared it). A failed refresh does not clear the snapshot: Get keeps
// returning the previous one (spec §4.6, §7 "Transient topology").
func (a *Accessor) Get() (*Snapshot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.snapshot == nil {
		return nil, ErrInvalidTopology
	}
	return a.snapshot, nil
}

// Set installs a snapshot directly, bypassing the refresh task. Tests
// use it to install a snapshot without waiting for a refresh; passing
// nil makes Get report ErrInvalidTopology again.
func (a *Accessor) Set(s *Snapshot) {
	a.mu.Lock()
	a.snapshot = s
	a.mu.Unlock()
}

// Refreshed returns a channel that receives a value after every
// successful refresh cycle (the accessor tests wait on it to detect a
// completed refresh). The channel holds one value; signals sent while
// it is full are dropped.
func (a *Accessor) Refreshed() <-chan struct{} {
	return a.refreshedSignal
}

// Start launches the background refresh task.
func (a *Accessor) Start() {
	a.Go(a.worker)
}

func (a *Accessor) worker() {
	backoff := a.refreshRate
	for {
		ctx, cancel := context.WithTimeout(context.Background(), a.resolveTimeout)
		snap, err := a.fetcher.Fetch(ctx)
		cancel()

		if err != nil {
			a.log.Warningf("topology refresh failed, leaving previous snapshot in place: %v", err)
			if backoff < a.maxBackoff {
				backoff *= 2
				if backoff > a.maxBackoff {
					backoff = a.maxBackoff
				}
			}
		} else if verr := snap.Validate(); verr != nil {
			a.log.Warningf("topology refresh returned invalid snapshot: %v", verr)
			if backoff < a.maxBackoff {
				backoff *= 2
				if backoff > a.maxBackoff {
					backoff = a.maxBackoff
				}
			}
		} else {
			snap.FetchedAt = a.clock.Now().UnixNano()
			a.mu.Lock()
			a.snapshot = snap
			a.mu.Unlock()
			backoff = a.refreshRate
			select {
			case a.refreshedSignal <- struct{}{}:
			default:
			}
		}

		select {
		case <-a.HaltCh():
			return
		case <-a.clock.After(backoff):
		}
	}
}

// StaticFetcher is a Fetcher backed by a fixed, test-supplied snapshot
// (or error). Grounded on mix_pki/json.go's StaticPKI, which likewise
// serves a fixed descriptor set with no live directory protocol behind
// it.
type StaticFetcher struct {
	mu   sync.Mutex
	snap *Snapshot
	err  error
}

// NewStaticFetcher constructs a StaticFetcher that always returns snap.
func NewStaticFetcher(snap *Snapshot) *StaticFetcher {
	return &StaticFetcher{snap: snap}
}

// SetSnapshot atomically swaps the snapshot the next Fetch will return.
func (f *StaticFetcher) SetSnapshot(snap *Snapshot) {
	f.mu.Lock()
	f.snap, f.err = snap, nil
	f.mu.Unlock()
}

// SetError makes subsequent Fetch calls fail with err until cleared by
// SetSnapshot.
func (f *StaticFetcher) SetError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Fetch implements Fetcher.
func (f *StaticFetcher) Fetch(ctx context.Context) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, fmt.Errorf("static fetcher: %w", f.err)
	}
	return f.snap, nil
}
