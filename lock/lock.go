// Copyright 2023 The PlexFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package lock implements the cluster lock facade over item key
// ranges.  Locks carry a refresh generation: it advances whenever a
// range is granted without prior cached coverage, so a handle refreshed
// under generation G stays coherent exactly until the range is
// invalidated.
package lock

import (
	"bytes"
	"context"
	"sync"

	"github.com/cubefs/cubefs/util/btree"

	apierrors "github.com/plexfs/inodex/errors"
)

type Mode uint8

const (
	// Read shares the range with other readers.
	Read Mode = iota + 1
	// Write holds the range exclusively for read-modify-write.
	Write
	// WriteOnly holds the range exclusively for existence-only
	// writes, such as index and orphan items that are never read
	// back under the same lock.
	WriteOnly
)

// Range is a half open item key range [Start, End).
type Range struct {
	Start []byte
	End   []byte
}

func (r Range) Contains(key []byte) bool {
	return bytes.Compare(r.Start, key) <= 0 && bytes.Compare(key, r.End) < 0
}

func (r Range) Equal(other Range) bool {
	return bytes.Equal(r.Start, other.Start) && bytes.Equal(r.End, other.End)
}

// Lock is one granted lock.  It is valid until released; its refresh
// generation is fixed at grant time.
type Lock struct {
	rng      Range
	mode     Mode
	gen      uint64
	entry    *entry
	released bool
}

// RefreshGen returns the generation the grant reflects.
func (l *Lock) RefreshGen() uint64 { return l.gen }

func (l *Lock) Mode() Mode { return l.mode }

func (l *Lock) Range() Range { return l.rng }

// Covers reports whether the lock's range holds the key.  It satisfies
// the item store's coverage contract.
func (l *Lock) Covers(key []byte) bool {
	return !l.released && l.rng.Contains(key)
}

// entry is the per-range lock state.  Entries are keyed by range start;
// callers must always use the same canonical range for a region, which
// the format package's range helpers guarantee.
type entry struct {
	rng     Range
	gen     uint64
	holders int
	mode    Mode

	// cached is coverage retention: it survives release and dies on
	// invalidation, so re-acquiring an undisturbed range does not
	// advance the generation.
	cached bool
}

func (e *entry) Less(than btree.Item) bool {
	return bytes.Compare(e.rng.Start, than.(*entry).rng.Start) < 0
}

func (e *entry) Copy() btree.Item {
	cp := *e
	return &cp
}

func (e *entry) compatible(mode Mode) bool {
	if e.holders == 0 {
		return true
	}
	return e.mode == Read && mode == Read
}

// InvalidateFunc is called with the invalidated range after its cached
// coverage is dropped.  The cache registers one to evict handles that
// lost coverage.
type InvalidateFunc func(rng Range)

type Manager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries *btree.BTree
	closed  bool

	onInvalidate []InvalidateFunc
}

func NewManager() *Manager {
	m := &Manager{entries: btree.New(8)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// OnInvalidate registers a callback run on every invalidation.  Must be
// called before the manager is shared.
func (m *Manager) OnInvalidate(fn InvalidateFunc) {
	m.onInvalidate = append(m.onInvalidate, fn)
}

func (m *Manager) lookup(rng Range) *entry {
	got := m.entries.Get(&entry{rng: rng})
	if got == nil {
		return nil
	}
	e := got.(*entry)
	if !e.rng.Equal(rng) {
		// two distinct canonical ranges can never share a start
		panic("lock range start collision")
	}
	return e
}

// Acquire blocks until the range can be granted with the requested
// mode.  Waiters are woken in no particular order; the caller-side
// sorted acquisition order is what prevents deadlock.
func (m *Manager) Acquire(ctx context.Context, rng Range, mode Mode) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(rng)
	if e == nil {
		e = &entry{rng: rng}
		m.entries.ReplaceOrInsert(e)
	}

	// a watcher wakes the waiters on cancellation; without it a
	// canceled waiter on a quiet entry would sleep until unrelated
	// lock activity broadcasts
	var cancelWatch chan struct{}
	defer func() {
		if cancelWatch != nil {
			close(cancelWatch)
		}
	}()

	for !m.closed && !e.compatible(mode) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cancelWatch == nil && ctx.Done() != nil {
			cancelWatch = make(chan struct{})
			go func(stop <-chan struct{}) {
				select {
				case <-ctx.Done():
					// taken under the manager lock so the wakeup
					// cannot slip between a waiter's cancellation
					// check and its wait
					m.mu.Lock()
					m.cond.Broadcast()
					m.mu.Unlock()
				case <-stop:
				}
			}(cancelWatch)
		}
		m.cond.Wait()
	}
	if m.closed {
		return nil, apierrors.ErrLockManagerClosed
	}

	if !e.cached {
		e.gen++
		e.cached = true
	}
	e.holders++
	e.mode = mode
	return &Lock{rng: rng, mode: mode, gen: e.gen, entry: e}, nil
}

// Release returns the grant.  Cached coverage is retained so the next
// acquisition of an undisturbed range sees the same generation.
func (m *Manager) Release(l *Lock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.released {
		return
	}
	l.released = true
	l.entry.holders--
	if l.entry.holders < 0 {
		panic("lock released twice")
	}
	m.cond.Broadcast()
}

// Invalidate drops the cached coverage of a range, as when another
// node is granted a conflicting lock.  The next acquisition advances
// the refresh generation, and registered callbacks run so local caches
// shed state the range covered.
func (m *Manager) Invalidate(rng Range) {
	m.mu.Lock()
	e := m.lookup(rng)
	if e != nil {
		e.cached = false
	}
	m.mu.Unlock()

	for _, fn := range m.onInvalidate {
		fn(rng)
	}
}

// Covered reports whether any range with live cached coverage contains
// the key.  Cache eviction keeps handles only while this holds.
func (m *Manager) Covered(key []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	covered := false
	m.entries.Ascend(func(i btree.Item) bool {
		e := i.(*entry)
		if bytes.Compare(e.rng.Start, key) > 0 {
			return false
		}
		if e.cached && e.rng.Contains(key) {
			covered = true
			return false
		}
		return true
	})
	return covered
}

// Close fails all waiters and future acquisitions.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
}
