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

// Package inode is the inode metadata engine: it binds in-memory inode
// handles to their persistent items, keeps the seq indexes consistent
// with every mutation, and drives unlinked inodes through deletion and
// orphan recovery.
package inode

import (
	"sync"

	"github.com/plexfs/inodex/format"
	"github.com/plexfs/inodex/proto"
)

// Handle is the in-memory inode.  The cache owns the slot; callers
// hold counted references through the manager.
type Handle struct {
	ino proto.Ino

	// mu is the item mutex.  Refresh and every mutate-and-persist
	// sequence hold it, so concurrent updaters of one inode
	// serialize without blocking other inodes.
	mu sync.Mutex

	rec format.InodeRecord

	// refreshGen is the lock refresh generation the cached record
	// reflects.  It only ever advances.
	refreshGen uint64

	// prevMeta and prevData are the index values the persistent
	// index items currently hold, used to compute reconcile deltas.
	prevMeta uint64
	prevData uint64

	// mustDrop forces eviction at the final reference drop, set by
	// the orphan scanner and by lock invalidation.
	mustDrop bool

	// dirtyData marks possibly dirty cached content spanning the
	// commit boundary.
	dirtyData bool

	refs int
}

func newHandle(ino proto.Ino) *Handle {
	return &Handle{ino: ino}
}

func (h *Handle) Ino() proto.Ino { return h.ino }

// Record returns a copy of the cached persistent fields.
func (h *Handle) Record() format.InodeRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec
}

// RefreshGen returns the generation the cached fields reflect.
func (h *Handle) RefreshGen() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshGen
}

// load replaces the cached record with a freshly read one.  Caller
// holds h.mu.
func (h *Handle) load(rec format.InodeRecord, gen uint64) {
	if gen < h.refreshGen {
		// generation management is broken, continuing would let
		// a stale record shadow a newer one
		panic("inode refresh generation went backwards")
	}
	h.rec = rec
	h.refreshGen = gen
	h.prevMeta = rec.MetaSeq
	h.prevData = rec.DataSeq
}
