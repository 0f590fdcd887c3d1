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

package inode

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plexfs/inodex/authority"
	"github.com/plexfs/inodex/common/kvstore"
	apierrors "github.com/plexfs/inodex/errors"
	"github.com/plexfs/inodex/format"
	"github.com/plexfs/inodex/item"
	"github.com/plexfs/inodex/lock"
	"github.com/plexfs/inodex/omap"
	"github.com/plexfs/inodex/store"
)

type testEnv struct {
	mgr     *Manager
	items   *item.Store
	locks   *lock.Manager
	tracker *omap.Tracker
	auth    *authority.Authority
}

func newTestEnv(t *testing.T) *testEnv {
	ctx := context.TODO()
	st, err := store.NewStore(ctx, &store.Config{KVType: kvstore.MemoryKVType})
	require.NoError(t, err)
	t.Cleanup(st.Close)

	items, err := item.NewStore(ctx, st)
	require.NoError(t, err)

	auth, err := authority.NewAuthority(ctx, st)
	require.NoError(t, err)

	locks := lock.NewManager()
	tracker := omap.NewTracker(auth)
	auth.RegisterTracker(tracker)

	mgr := NewManager(ctx, Config{}, items, locks, tracker, auth)
	t.Cleanup(mgr.Stop)
	t.Cleanup(locks.Close)

	return &testEnv{mgr: mgr, items: items, locks: locks, tracker: tracker, auth: auth}
}

func (e *testEnv) writeLock(t *testing.T, ino uint64) *lock.Lock {
	start, end := format.InoGroupRange(ino)
	l, err := e.locks.Acquire(context.TODO(), lock.Range{Start: start, End: end}, lock.Write)
	require.NoError(t, err)
	return l
}

// indexItems returns how many index items of the given type exist for
// ino, and the major of the last one seen.
func (e *testEnv) indexItems(t *testing.T, typ byte, ino uint64) (count int, major uint64) {
	ctx := context.TODO()
	key := []byte{format.ZoneIndex}
	bound := []byte{format.ZoneIndex + 1}
	for {
		k, _, err := e.items.Next(ctx, key, bound)
		if err == apierrors.ErrItemDoesNotExist {
			return count, major
		}
		require.NoError(t, err)
		key = append(append([]byte{}, k...), 0)

		ktyp, kmajor, _, kino, ok := format.DecodeIndexKey(k)
		require.True(t, ok)
		if ktyp == typ && kino == ino {
			count++
			major = kmajor
		}
	}
}

// inoItems counts every fs zone item of ino.
func (e *testEnv) inoItems(t *testing.T, ino uint64) int {
	ctx := context.TODO()
	key, _ := format.FSTypeRange(ino, 0)
	_, bound := format.FSTypeRange(ino, format.TypeSymlink)
	count := 0
	for {
		k, _, err := e.items.Next(ctx, key, bound)
		if err == apierrors.ErrItemDoesNotExist {
			return count
		}
		require.NoError(t, err)
		count++
		key = append(append([]byte{}, k...), 0)
	}
}

func (e *testEnv) hasOrphan(t *testing.T, ino uint64) bool {
	_, err := e.items.Lookup(context.TODO(), format.OrphanKey(ino))
	if err == apierrors.ErrItemDoesNotExist {
		return false
	}
	require.NoError(t, err)
	return true
}

// requireIndexInvariant asserts exactly one index item per applicable
// type matching the handle's current sequence fields.
func (e *testEnv) requireIndexInvariant(t *testing.T, h *Handle) {
	rec := h.Record()
	count, major := e.indexItems(t, format.IndexMetaSeq, h.Ino())
	require.Equal(t, 1, count, "meta seq index items of ino %d", h.Ino())
	require.Equal(t, rec.MetaSeq, major)

	count, major = e.indexItems(t, format.IndexDataSeq, h.Ino())
	if rec.IsRegular() {
		require.Equal(t, 1, count, "data seq index items of ino %d", h.Ino())
		require.Equal(t, rec.DataSeq, major)
	} else {
		require.Equal(t, 0, count)
	}
}

func TestCreate(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	h, err := e.mgr.Create(ctx, format.ModeRegular|0o644, 1000, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(format.FirstIno), h.Ino())

	rec := h.Record()
	require.Equal(t, uint32(1), rec.Nlink)
	require.Equal(t, uint64(1), rec.MetaSeq)
	require.Equal(t, uint64(1), rec.DataSeq)
	e.requireIndexInvariant(t, h)

	// the record round-trips through the committed view
	raw, err := e.items.Lookup(ctx, format.InodeKey(h.Ino()))
	require.NoError(t, err)
	var onDisk format.InodeRecord
	require.NoError(t, onDisk.Unmarshal(raw))
	require.Equal(t, rec, onDisk)

	require.True(t, e.tracker.OpenLocally(h.Ino()))
	e.mgr.Put(ctx, h)
}

func TestCreateDirNlink(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	h, err := e.mgr.Create(ctx, format.ModeDir|0o755, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(2), h.Record().Nlink)
	// directories carry no data seq index
	count, _ := e.indexItems(t, format.IndexDataSeq, h.Ino())
	require.Equal(t, 0, count)
	e.mgr.Put(ctx, h)
}

func TestGetCachedAndMissing(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	h, err := e.mgr.Create(ctx, format.ModeRegular|0o644, 0, 0)
	require.NoError(t, err)

	// cached lookup returns the same handle
	h2, err := e.mgr.Get(ctx, h.Ino())
	require.NoError(t, err)
	require.Same(t, h, h2)
	e.mgr.Put(ctx, h2)
	e.mgr.Put(ctx, h)

	_, err = e.mgr.Get(ctx, 999999)
	require.ErrorIs(t, err, apierrors.ErrInodeDoesNotExist)
}

func TestUpdateMovesIndex(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	h, err := e.mgr.Create(ctx, format.ModeRegular|0o644, 0, 0)
	require.NoError(t, err)
	defer e.mgr.Put(ctx, h)

	lk := e.writeLock(t, h.Ino())
	defer e.locks.Release(lk)

	oldMeta := h.Record().MetaSeq
	err = e.mgr.UpdateAndPersist(ctx, h, lk, func(rec *format.InodeRecord) error {
		rec.UID = 7
		return nil
	}, false)
	require.NoError(t, err)

	rec := h.Record()
	require.Equal(t, uint32(7), rec.UID)
	require.Greater(t, rec.MetaSeq, oldMeta)
	e.requireIndexInvariant(t, h)

	// no stale item for the old sequence
	_, err = e.items.Lookup(ctx, format.IndexKey(format.IndexMetaSeq, oldMeta, 0, h.Ino()))
	require.ErrorIs(t, err, apierrors.ErrItemDoesNotExist)
}

func TestScenarioCreateUpdateDelete(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	h, err := e.mgr.Create(ctx, format.ModeRegular|0o644, 0, 0)
	require.NoError(t, err)
	ino := h.Ino()
	require.Equal(t, uint64(0), h.Record().Size)

	// grow across a block boundary: the data seq index moves
	oldData := h.Record().DataSeq
	require.NoError(t, e.mgr.SetSize(ctx, h, 4096, 0))
	rec := h.Record()
	require.Equal(t, uint64(4096), rec.Size)
	require.Greater(t, rec.DataSeq, oldData)
	e.requireIndexInvariant(t, h)
	_, err = e.items.Lookup(ctx, format.IndexKey(format.IndexDataSeq, oldData, 0, ino))
	require.ErrorIs(t, err, apierrors.ErrItemDoesNotExist)

	// unlink commits the orphan marker with the nlink drop
	lk := e.writeLock(t, ino)
	require.NoError(t, e.mgr.BeginUnlink(ctx, h, lk))
	e.locks.Release(lk)
	require.Equal(t, uint32(0), h.Record().Nlink)
	require.True(t, e.hasOrphan(t, ino))

	// the unlinked record forces the final put to evict even though
	// lock coverage is still cached
	e.mgr.Put(ctx, h)

	// eviction ran deletion: no record, no indexes, no marker
	require.Equal(t, 0, e.inoItems(t, ino))
	count, _ := e.indexItems(t, format.IndexMetaSeq, ino)
	require.Equal(t, 0, count)
	count, _ = e.indexItems(t, format.IndexDataSeq, ino)
	require.Equal(t, 0, count)
	require.False(t, e.hasOrphan(t, ino))
}

func TestUnlinkedEvictedWhileCovered(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	h, err := e.mgr.Create(ctx, format.ModeRegular|0o644, 0, 0)
	require.NoError(t, err)
	ino := h.Ino()

	lk := e.writeLock(t, ino)
	require.NoError(t, e.mgr.BeginUnlink(ctx, h, lk))
	e.locks.Release(lk)

	// coverage stays cached across release; the nlink drop alone must
	// force the handle out so the orphan scanner never skips it
	require.True(t, e.locks.Covered(format.InodeKey(ino)))
	e.mgr.Put(ctx, h)

	require.False(t, e.mgr.cache.cached(ino))
	require.Equal(t, 0, e.inoItems(t, ino))
	require.False(t, e.hasOrphan(t, ino))
}

func TestIndexInvariantUnderRandomOps(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)
	rnd := rand.New(rand.NewSource(1))

	var handles []*Handle
	for step := 0; step < 120; step++ {
		switch op := rnd.Intn(3); {
		case op == 0 || len(handles) == 0:
			mode := uint32(format.ModeRegular | 0o644)
			if rnd.Intn(3) == 0 {
				mode = format.ModeDir | 0o755
			}
			h, err := e.mgr.Create(ctx, mode, 0, 0)
			require.NoError(t, err)
			handles = append(handles, h)
		case op == 1:
			h := handles[rnd.Intn(len(handles))]
			lk := e.writeLock(t, h.Ino())
			hrec := h.Record()
			err := e.mgr.UpdateAndPersist(ctx, h, lk, func(rec *format.InodeRecord) error {
				rec.Mtime = nowTimespec()
				return nil
			}, hrec.IsRegular() && rnd.Intn(2) == 0)
			e.locks.Release(lk)
			require.NoError(t, err)
		case op == 2:
			i := rnd.Intn(len(handles))
			h := handles[i]
			lk := e.writeLock(t, h.Ino())
			require.NoError(t, e.mgr.BeginUnlink(ctx, h, lk))
			e.locks.Release(lk)
			if h.Record().Nlink == 0 {
				ino := h.Ino()
				e.mgr.MarkDrop(h)
				e.mgr.Put(ctx, h)
				handles = append(handles[:i], handles[i+1:]...)
				require.Equal(t, 0, e.inoItems(t, ino))
				require.False(t, e.hasOrphan(t, ino))
				continue
			}
		}
		for _, h := range handles {
			e.requireIndexInvariant(t, h)
		}
	}
	for _, h := range handles {
		e.mgr.Put(ctx, h)
	}
}

func TestMonotonicRefresh(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	h, err := e.mgr.Create(ctx, format.ModeRegular|0o644, 0, 0)
	require.NoError(t, err)
	defer e.mgr.Put(ctx, h)

	start, end := format.InoGroupRange(h.Ino())
	rng := lock.Range{Start: start, End: end}

	stale, err := e.locks.Acquire(ctx, rng, lock.Read)
	require.NoError(t, err)
	gen1 := stale.RefreshGen()
	e.locks.Release(stale)

	e.locks.Invalidate(rng)
	fresh, err := e.locks.Acquire(ctx, rng, lock.Read)
	require.NoError(t, err)
	defer e.locks.Release(fresh)
	require.Greater(t, fresh.RefreshGen(), gen1)

	require.NoError(t, e.mgr.Refresh(ctx, h, fresh))
	require.Equal(t, fresh.RefreshGen(), h.RefreshGen())

	// a retrograde generation is a bug in generation management,
	// never silently applied
	require.Panics(t, func() {
		h.load(h.Record(), gen1)
	})
}

func TestLockRegionSharing(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	// consecutive transactions give the two inodes nearby meta
	// sequences, inside one index lock region
	h1, err := e.mgr.Create(ctx, format.ModeRegular|0o644, 0, 0)
	require.NoError(t, err)
	defer e.mgr.Put(ctx, h1)
	h2, err := e.mgr.Create(ctx, format.ModeRegular|0o644, 0, 0)
	require.NoError(t, err)
	defer e.mgr.Put(ctx, h2)

	m1 := h1.Record().MetaSeq
	m2 := h2.Record().MetaSeq
	c1maj, _, _ := format.ClampIndex(format.IndexMetaSeq, m1, 0, h1.Ino())
	c2maj, _, _ := format.ClampIndex(format.IndexMetaSeq, m2, 0, h2.Ino())
	require.Equal(t, c1maj, c2maj)

	// holding the single shared region lock, both updates go
	// through without acquiring any other index lock
	old1 := indexValues{meta: m1, data: h1.Record().DataSeq, hasData: true, exists: true}
	new1 := indexValues{meta: m1 + 1, data: h1.Record().DataSeq, hasData: true, exists: true}
	regions := regionsFor(h1.Ino(), old1, new1)
	require.Len(t, regions, 1)

	old2 := indexValues{meta: m2, data: h2.Record().DataSeq, hasData: true, exists: true}
	new2 := indexValues{meta: m2 + 1, data: h2.Record().DataSeq, hasData: true, exists: true}
	regions2 := regionsFor(h2.Ino(), old2, new2)
	require.Len(t, regions2, 1)
	require.True(t, regions[0].Equal(regions2[0]))
}

func TestApplyBlockDelta(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	h, err := e.mgr.Create(ctx, format.ModeRegular|0o644, 0, 0)
	require.NoError(t, err)
	defer e.mgr.Put(ctx, h)

	lk := e.writeLock(t, h.Ino())
	defer e.locks.Release(lk)

	require.NoError(t, e.mgr.ApplyBlockDelta(ctx, h, lk, 4, 0))
	require.NoError(t, e.mgr.ApplyBlockDelta(ctx, h, lk, -2, 2))
	rec := h.Record()
	require.Equal(t, uint64(2), rec.OnlineBlocks)
	require.Equal(t, uint64(2), rec.OfflineBlocks)

	// underflow is corruption, not wraparound
	require.ErrorIs(t, e.mgr.ApplyBlockDelta(ctx, h, lk, -3, 0), apierrors.ErrBlockCountWrap)
	rec = h.Record()
	require.Equal(t, uint64(2), rec.OnlineBlocks)
	require.Equal(t, uint64(2), rec.OfflineBlocks)
}

func TestSetSizeStaleDataVersion(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	h, err := e.mgr.Create(ctx, format.ModeRegular|0o644, 0, 0)
	require.NoError(t, err)
	defer e.mgr.Put(ctx, h)

	require.NoError(t, e.mgr.SetSize(ctx, h, 8192, 0))
	version := h.Record().DataVersion

	require.ErrorIs(t, e.mgr.SetSize(ctx, h, 0, version+5), apierrors.ErrStaleDataVersion)
	require.NoError(t, e.mgr.SetSize(ctx, h, 0, version))
}

func TestSetSizeTruncateFlagCleared(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	h, err := e.mgr.Create(ctx, format.ModeRegular|0o644, 0, 0)
	require.NoError(t, err)
	defer e.mgr.Put(ctx, h)
	ino := h.Ino()

	require.NoError(t, e.mgr.SetSize(ctx, h, 3*format.BlockSize, 0))

	// seed extents like the data subsystem would
	tx := e.items.Begin(ctx)
	for blk := uint64(0); blk < 3; blk++ {
		require.NoError(t, tx.CreateForce(ctx, nil, format.ExtentKey(ino, blk), nil))
	}
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, e.mgr.SetSize(ctx, h, format.BlockSize, 0))
	rec := h.Record()
	require.Equal(t, uint64(format.BlockSize), rec.Size)
	require.Zero(t, rec.Flags&format.FlagTruncate)

	// only the tail extents are gone
	_, err = e.items.Lookup(ctx, format.ExtentKey(ino, 0))
	require.NoError(t, err)
	_, err = e.items.Lookup(ctx, format.ExtentKey(ino, 1))
	require.ErrorIs(t, err, apierrors.ErrItemDoesNotExist)
	_, err = e.items.Lookup(ctx, format.ExtentKey(ino, 2))
	require.ErrorIs(t, err, apierrors.ErrItemDoesNotExist)
}

func TestSetSizeOfflineWait(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	h, err := e.mgr.Create(ctx, format.ModeRegular|0o644, 0, 0)
	require.NoError(t, err)
	defer e.mgr.Put(ctx, h)

	require.NoError(t, e.mgr.SetSize(ctx, h, 2*format.BlockSize, 0))
	lk := e.writeLock(t, h.Ino())
	require.NoError(t, e.mgr.UpdateAndPersist(ctx, h, lk, func(rec *format.InodeRecord) error {
		rec.OfflineBlocks = 2
		return nil
	}, false))
	e.locks.Release(lk)

	done := make(chan error)
	go func() { done <- e.mgr.SetSize(ctx, h, 0, 0) }()

	// the waiter holds no lock: an unrelated update proceeds
	lk = e.writeLock(t, h.Ino())
	require.NoError(t, e.mgr.UpdateAndPersist(ctx, h, lk, func(rec *format.InodeRecord) error {
		rec.OfflineBlocks = 0
		return nil
	}, false))
	e.locks.Release(lk)

	// signal until the waiter, which may not have parked yet, wakes
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			require.Equal(t, uint64(0), h.Record().Size)
			return
		default:
			e.mgr.WaitQueue().Signal(h.Ino())
			time.Sleep(time.Millisecond)
		}
	}
}

func TestSetSizeOfflineWaitAborted(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	h, err := e.mgr.Create(ctx, format.ModeRegular|0o644, 0, 0)
	require.NoError(t, err)
	defer e.mgr.Put(ctx, h)

	require.NoError(t, e.mgr.SetSize(ctx, h, format.BlockSize, 0))
	lk := e.writeLock(t, h.Ino())
	require.NoError(t, e.mgr.UpdateAndPersist(ctx, h, lk, func(rec *format.InodeRecord) error {
		rec.OfflineBlocks = 1
		return nil
	}, false))
	e.locks.Release(lk)

	done := make(chan error)
	go func() { done <- e.mgr.SetSize(ctx, h, 0, 0) }()

	for {
		select {
		case err := <-done:
			require.ErrorIs(t, err, apierrors.ErrOfflineWaitAborted)
			return
		default:
			e.mgr.WaitQueue().InjectError(h.Ino(), nil)
			time.Sleep(time.Millisecond)
		}
	}
}
