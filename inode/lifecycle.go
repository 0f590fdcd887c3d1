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
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/plexfs/inodex/authority"
	"github.com/plexfs/inodex/data"
	apierrors "github.com/plexfs/inodex/errors"
	"github.com/plexfs/inodex/format"
	"github.com/plexfs/inodex/item"
	"github.com/plexfs/inodex/lock"
	"github.com/plexfs/inodex/metrics"
	"github.com/plexfs/inodex/omap"
	"github.com/plexfs/inodex/proto"
)

type Config struct {
	// AllocBatchCount inos are requested from the authority per
	// refill, per category.
	AllocBatchCount uint32 `json:"alloc_batch_count"`

	// Orphan scan pacing: a fixed base plus a random jitter spreads
	// the nodes apart.
	OrphanScanIntervalS int `json:"orphan_scan_interval_s"`
	OrphanScanJitterS   int `json:"orphan_scan_jitter_s"`

	// OrphanWorkerCount bounds concurrent scanner-triggered reads.
	OrphanWorkerCount int `json:"orphan_worker_count"`

	// Flush pushes dirty content down at the commit boundary.
	Flush FlushFunc `json:"-"`
}

func (cfg *Config) fixup() {
	if cfg.AllocBatchCount == 0 {
		cfg.AllocBatchCount = format.InoGroupSize * 10
	}
	if cfg.OrphanScanIntervalS == 0 {
		cfg.OrphanScanIntervalS = 10
	}
	if cfg.OrphanScanJitterS == 0 {
		cfg.OrphanScanJitterS = 40
	}
	if cfg.OrphanWorkerCount == 0 {
		cfg.OrphanWorkerCount = 4
	}
}

// inoPool is one category's batch of pre-reserved inode numbers.
type inoPool struct {
	next uint64
	end  uint64
}

// Manager owns the inode cache and every lifecycle transition from
// allocation to final deletion.
type Manager struct {
	cfg Config

	items   *item.Store
	locks   *lock.Manager
	index   *indexMgr
	cache   *cache
	tracker *omap.Tracker
	alloc   authority.Allocator
	deleter *data.Deleter
	waitq   *data.WaitQueue
	wb      *writeback
	rel     *releaser

	poolMu sync.Mutex
	pools  map[proto.AllocCategory]*inoPool

	// deleting is the dedup point for concurrent final deletions of
	// one ino.  Membership is the mutual exclusion.
	deletingMu sync.Mutex
	deleting   map[proto.Ino]struct{}

	orphan *orphanScanner

	stopOnce sync.Once
}

func NewManager(ctx context.Context, cfg Config, items *item.Store, locks *lock.Manager,
	tracker *omap.Tracker, alloc authority.Allocator,
) *Manager {
	cfg.fixup()

	m := &Manager{
		cfg:      cfg,
		items:    items,
		locks:    locks,
		index:    &indexMgr{items: items, locks: locks},
		cache:    newCache(),
		tracker:  tracker,
		alloc:    alloc,
		deleter:  data.NewDeleter(items),
		waitq:    data.NewWaitQueue(),
		wb:       newWriteback(cfg.Flush),
		pools:    make(map[proto.AllocCategory]*inoPool),
		deleting: make(map[proto.Ino]struct{}),
	}
	m.rel = newReleaser(m.processRelease)
	m.orphan = newOrphanScanner(m)

	// handles whose covering lock is invalidated must not linger;
	// the drop runs on the release worker, not in the callback
	locks.OnInvalidate(func(rng lock.Range) {
		m.cache.markDrop(func(h *Handle) bool {
			return rng.Contains(format.InodeKey(h.ino))
		})
		m.cache.mu.Lock()
		var idle []*Handle
		for _, h := range m.cache.live {
			if h.refs == 0 && h.mustDrop {
				idle = append(idle, h)
			}
		}
		m.cache.mu.Unlock()
		for _, h := range idle {
			m.rel.deferTo(h, 0)
		}
	})
	m.orphan.start()
	return m
}

// Stop shuts down the background workers, waiting out any iteration in
// flight so nothing instantiates inodes after teardown begins.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.orphan.stop()
		m.rel.close()
	})
}

// WaitQueue exposes the offline extent wait queue so the data
// subsystem can signal staged inos and operators can abort waits.
func (m *Manager) WaitQueue() *data.WaitQueue { return m.waitq }

type Stats struct {
	Seq           uint64 `json:"seq"`
	CachedInodes  int    `json:"cached_inodes"`
	FreeingInodes int    `json:"freeing_inodes"`
	Deleting      int    `json:"deleting"`
}

func (m *Manager) Stats() Stats {
	st := Stats{Seq: m.items.Seq()}
	m.cache.mu.Lock()
	st.CachedInodes = len(m.cache.live)
	st.FreeingInodes = len(m.cache.freeing)
	m.cache.mu.Unlock()
	m.deletingMu.Lock()
	st.Deleting = len(m.deleting)
	m.deletingMu.Unlock()
	return st
}

func categoryOf(mode uint32) proto.AllocCategory {
	if mode&format.ModeFmtMask == format.ModeDir {
		return proto.AllocCategoryDir
	}
	return proto.AllocCategoryFile
}

func (m *Manager) allocIno(ctx context.Context, cat proto.AllocCategory) (proto.Ino, error) {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()

	pool, ok := m.pools[cat]
	if !ok {
		pool = &inoPool{}
		m.pools[cat] = pool
	}
	if pool.next >= pool.end {
		first, granted, err := m.alloc.AllocBatch(ctx, m.cfg.AllocBatchCount)
		if err != nil {
			return 0, errors.Info(err, apierrors.ErrAuthorityUnreached.Error())
		}
		pool.next = first
		pool.end = first + uint64(granted)
	}
	ino := pool.next
	pool.next++
	return ino, nil
}

func nowTimespec() format.Timespec {
	now := time.Now()
	return format.Timespec{Sec: now.Unix(), Nsec: uint32(now.Nanosecond())}
}

// Create allocates a fresh ino and persists its record and index items
// in one transaction.  On failure nothing persistent remains and the
// open count is unwound.
func (m *Manager) Create(ctx context.Context, mode, uid, gid uint32) (*Handle, error) {
	span := trace.SpanFromContextSafe(ctx)

	ino, err := m.allocIno(ctx, categoryOf(mode))
	if err != nil {
		return nil, err
	}

	now := nowTimespec()
	rec := format.InodeRecord{
		Nlink:       1,
		UID:         uid,
		GID:         gid,
		Mode:        mode,
		NextXattrID: 1,
		Atime:       now,
		Mtime:       now,
		Ctime:       now,
		Crtime:      now,
	}
	if rec.IsDir() {
		rec.Nlink = 2
	}

	start, end := format.InoGroupRange(ino)
	recLock, err := m.locks.Acquire(ctx, lock.Range{Start: start, End: end}, lock.Write)
	if err != nil {
		return nil, err
	}
	defer m.locks.Release(recLock)

	predict := func(seq proto.Seq) indexValues {
		w := rec
		w.MetaSeq, w.DataSeq = seq, seq
		return valuesOf(&w)
	}
	p, _, err := m.index.prepare(ctx, ino, indexValues{}, predict, recLock)
	if err != nil {
		return nil, err
	}

	rec.MetaSeq, rec.DataSeq = p.tx.Seq(), p.tx.Seq()
	if err = p.tx.Create(ctx, p.cover, format.InodeKey(ino), rec.Marshal()); err != nil {
		p.abort()
		return nil, err
	}
	if err = m.index.reconcile(ctx, p, ino, indexValues{}, valuesOf(&rec)); err != nil {
		p.abort()
		return nil, err
	}

	m.tracker.Increment(ino)
	if err = p.tx.Commit(ctx); err != nil {
		p.release()
		if derr := m.tracker.Decrement(ino); derr != nil {
			span.Errorf("unwind open count of ino %d: %v", ino, derr)
		}
		return nil, err
	}
	p.release()

	h := newHandle(ino)
	h.load(rec, recLock.RefreshGen())
	m.cache.insert(h)
	span.Debugf("created ino %d mode %o", ino, mode)
	return h, nil
}

// Get returns a referenced handle for ino, reading the record if it is
// not cached.  Handles mid-eviction are invisible here; a new handle
// is built alongside them.
func (m *Manager) Get(ctx context.Context, ino proto.Ino) (*Handle, error) {
	h, err := m.cache.getOrCreate(ctx, ino, func(ctx context.Context, h *Handle) error {
		start, end := format.InoGroupRange(ino)
		lk, err := m.locks.Acquire(ctx, lock.Range{Start: start, End: end}, lock.Read)
		if err != nil {
			return err
		}
		defer m.locks.Release(lk)
		return m.refreshLocked(ctx, h, lk)
	})
	if err != nil {
		return nil, err
	}
	m.tracker.Increment(ino)
	return h, nil
}

// Refresh makes the handle's cached fields coherent with the record as
// of the lock's refresh generation.
func (m *Manager) Refresh(ctx context.Context, h *Handle, lk *lock.Lock) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if lk.RefreshGen() == h.refreshGen {
		return nil
	}
	return m.refreshLockedMu(ctx, h, lk)
}

// refreshLocked reads and loads the record; takes h.mu itself.
func (m *Manager) refreshLocked(ctx context.Context, h *Handle, lk *lock.Lock) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return m.refreshLockedMu(ctx, h, lk)
}

// refreshLockedMu is refresh with h.mu already held.
func (m *Manager) refreshLockedMu(ctx context.Context, h *Handle, lk *lock.Lock) error {
	if !lk.Covers(format.InodeKey(h.ino)) {
		return apierrors.ErrLockCoverage
	}
	raw, err := m.items.Lookup(ctx, format.InodeKey(h.ino))
	if err == apierrors.ErrItemDoesNotExist {
		return apierrors.ErrInodeDoesNotExist
	}
	if err != nil {
		return err
	}
	var rec format.InodeRecord
	if err = rec.Unmarshal(raw); err != nil {
		return err
	}
	h.load(rec, lk.RefreshGen())
	return nil
}

// UpdateAndPersist applies mutate to the record and flushes it and its
// index deltas in one transaction.  The caller holds the write lock
// covering the inode; index locks are prepared here, before the
// transaction, with the contention retry protocol.  contentChanged
// also stamps the data seq and queues writeback.
func (m *Manager) UpdateAndPersist(ctx context.Context, h *Handle, lk *lock.Lock,
	mutate func(rec *format.InodeRecord) error, contentChanged bool,
) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if lk.RefreshGen() != h.refreshGen {
		if err := m.refreshLockedMu(ctx, h, lk); err != nil {
			return err
		}
	}

	work := h.rec
	if err := mutate(&work); err != nil {
		return err
	}

	old := indexValues{meta: h.prevMeta, data: h.prevData, hasData: h.rec.IsRegular(), exists: true}
	predict := func(seq proto.Seq) indexValues {
		w := work
		w.MetaSeq = seq
		if contentChanged {
			w.DataSeq = seq
		}
		return valuesOf(&w)
	}

	p, newVals, err := m.index.prepare(ctx, h.ino, old, predict, lk)
	if err != nil {
		return err
	}

	work.MetaSeq = p.tx.Seq()
	if contentChanged {
		work.DataSeq = p.tx.Seq()
	}
	if err = m.index.reconcile(ctx, p, h.ino, old, newVals); err != nil {
		p.abort()
		return err
	}
	if err = p.tx.Update(ctx, p.cover, format.InodeKey(h.ino), work.Marshal()); err != nil {
		p.abort()
		return err
	}
	if err = p.tx.Commit(ctx); err != nil {
		p.release()
		return err
	}
	p.release()

	h.rec = work
	h.prevMeta = work.MetaSeq
	h.prevData = work.DataSeq
	if contentChanged {
		m.wb.mark(h)
	}
	return nil
}

// ApplyBlockDelta folds the data subsystem's block count side effects
// into the record.  Counts never wrap silently: a delta that would go
// negative is a corruption signal and fails the operation.
func (m *Manager) ApplyBlockDelta(ctx context.Context, h *Handle, lk *lock.Lock, onlineDelta, offlineDelta int64) error {
	return m.UpdateAndPersist(ctx, h, lk, func(rec *format.InodeRecord) error {
		online := int64(rec.OnlineBlocks) + onlineDelta
		offline := int64(rec.OfflineBlocks) + offlineDelta
		if online < 0 || offline < 0 {
			metrics.CorruptionEvents.Inc()
			return apierrors.ErrBlockCountWrap
		}
		rec.OnlineBlocks = uint64(online)
		rec.OfflineBlocks = uint64(offline)
		return nil
	}, false)
}

// SetSize changes the file size.  A nonzero ifVersion guards against a
// concurrent content replacement.  Shrinking over offline extents
// releases the lock, waits for the recall, and retries from the top so
// a slow archive restore never wedges the inode's lock.
func (m *Manager) SetSize(ctx context.Context, h *Handle, size uint64, ifVersion uint64) error {
	start, end := format.InoGroupRange(h.ino)
	rng := lock.Range{Start: start, End: end}

	for {
		lk, err := m.locks.Acquire(ctx, rng, lock.Write)
		if err != nil {
			return err
		}
		if err = m.Refresh(ctx, h, lk); err != nil {
			m.locks.Release(lk)
			return err
		}

		rec := h.Record()
		if ifVersion != 0 && rec.DataVersion != ifVersion {
			m.locks.Release(lk)
			return apierrors.ErrStaleDataVersion
		}

		shrinking := size < rec.Size
		if shrinking && rec.OfflineBlocks > 0 {
			m.locks.Release(lk)
			if err = m.waitq.Wait(ctx, h.ino); err != nil {
				return err
			}
			continue
		}

		err = m.UpdateAndPersist(ctx, h, lk, func(rec *format.InodeRecord) error {
			rec.Size = size
			rec.DataVersion++
			rec.Mtime = nowTimespec()
			rec.Ctime = rec.Mtime
			if shrinking {
				rec.Flags |= format.FlagTruncate
			}
			return nil
		}, true)
		if err != nil {
			m.locks.Release(lk)
			return err
		}

		if shrinking {
			fromBlk := (size + format.BlockSize - 1) / format.BlockSize
			if err = m.deleter.RemoveExtentsFrom(ctx, lk, h.ino, fromBlk); err != nil {
				// the truncate flag stays set, completion is
				// retried before new writes
				m.locks.Release(lk)
				return err
			}
			err = m.UpdateAndPersist(ctx, h, lk, func(rec *format.InodeRecord) error {
				rec.Flags &^= format.FlagTruncate
				return nil
			}, false)
			if err != nil {
				m.locks.Release(lk)
				return err
			}
		}
		m.locks.Release(lk)
		return nil
	}
}

// BeginUnlink drops one link.  The drop to zero and the orphan marker
// creation commit in the same transaction: that commit is the single
// moment the filesystem is committed to eventual deletion.
func (m *Manager) BeginUnlink(ctx context.Context, h *Handle, lk *lock.Lock) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if lk.RefreshGen() != h.refreshGen {
		if err := m.refreshLockedMu(ctx, h, lk); err != nil {
			return err
		}
	}
	if h.rec.Nlink == 0 {
		return apierrors.ErrInodeDoesNotExist
	}

	work := h.rec
	work.Nlink--
	work.Ctime = nowTimespec()

	old := indexValues{meta: h.prevMeta, data: h.prevData, hasData: h.rec.IsRegular(), exists: true}
	predict := func(seq proto.Seq) indexValues {
		w := work
		w.MetaSeq = seq
		return valuesOf(&w)
	}

	// the orphan marker lives in its own lock domain; its range
	// sorts after every index region, so handing it to the same
	// sorted acquisition keeps the lock order intact
	var alsoRanges []lock.Range
	if work.Nlink == 0 {
		start, end := format.OrphanZoneRange()
		alsoRanges = append(alsoRanges, lock.Range{Start: start, End: end})
	}
	p, newVals, err := m.index.prepare(ctx, h.ino, old, predict, lk, alsoRanges...)
	if err != nil {
		return err
	}

	work.MetaSeq = p.tx.Seq()
	if err = m.index.reconcile(ctx, p, h.ino, old, newVals); err != nil {
		p.abort()
		return err
	}
	if err = p.tx.Update(ctx, p.cover, format.InodeKey(h.ino), work.Marshal()); err != nil {
		p.abort()
		return err
	}
	if work.Nlink == 0 {
		if err = p.tx.CreateForce(ctx, p.cover, format.OrphanKey(h.ino), nil); err != nil {
			p.abort()
			return err
		}
	}
	if err = p.tx.Commit(ctx); err != nil {
		p.release()
		return err
	}
	p.release()

	h.rec = work
	h.prevMeta = work.MetaSeq
	h.prevData = work.DataSeq
	return nil
}

// Put releases one reference.  At the final drop the eviction policy
// runs, which can end in final deletion.
func (m *Manager) Put(ctx context.Context, h *Handle) {
	span := trace.SpanFromContextSafe(ctx)
	if err := m.tracker.Decrement(h.ino); err != nil {
		span.Errorf("open count of ino %d: %v", h.ino, err)
	}
	if m.cache.unref(h) {
		m.maybeEvict(ctx, h)
	}
}

// PutDeferred queues the reference drop on the release worker.  Used
// from contexts that must not run the eviction or deletion paths
// inline.
func (m *Manager) PutDeferred(h *Handle) {
	m.rel.deferTo(h, 1)
}

func (m *Manager) processRelease(h *Handle, count int) {
	ctx := context.Background()
	for i := 0; i < count; i++ {
		m.Put(ctx, h)
	}
	if count == 0 {
		m.cache.mu.Lock()
		idle := h.refs == 0
		m.cache.mu.Unlock()
		if idle {
			m.maybeEvict(ctx, h)
		}
	}
}

// MarkDrop forces the handle out of the cache at its final reference
// drop.
func (m *Manager) MarkDrop(h *Handle) {
	m.cache.mu.Lock()
	h.mustDrop = true
	m.cache.mu.Unlock()
}

// Evict forces the handle out of the cache: immediately if idle,
// otherwise at its final reference drop.
func (m *Manager) Evict(ctx context.Context, h *Handle) {
	m.MarkDrop(h)
	m.cache.mu.Lock()
	idle := h.refs == 0
	m.cache.mu.Unlock()
	if idle {
		m.maybeEvict(ctx, h)
	}
}

// maybeEvict runs the eviction policy for a handle whose reference
// count reached zero: drop when forced, when no lock covers it, or
// when the cached record carries link count zero, retain otherwise.
// An unlinked inode must leave the cache at its last drop or the
// orphan scanner would skip it as cached forever.  Eviction of an
// unlinked, unreferenced inode runs final deletion.
func (m *Manager) maybeEvict(ctx context.Context, h *Handle) {
	span := trace.SpanFromContextSafe(ctx)

	m.cache.mu.Lock()
	drop := h.mustDrop
	m.cache.mu.Unlock()
	rec := h.Record()
	if !drop && rec.Nlink != 0 && m.locks.Covered(format.InodeKey(h.ino)) {
		return
	}
	if !m.cache.startFreeing(h) {
		return
	}
	defer m.cache.finishFreeing(h)

	m.wb.forget(h)

	if rec.Nlink != 0 {
		return
	}
	ok, err := m.tracker.ShouldDelete(ctx, h.ino)
	if err != nil {
		span.Errorf("open query for ino %d failed: %v", h.ino, err)
		return
	}
	if !ok {
		return
	}
	if err := m.finalDelete(ctx, h.ino); err != nil {
		span.Errorf("deletion of ino %d left for the scanner: %v", h.ino, err)
	}
}

// Drain flushes the writeback set at the commit boundary.  Handles
// that fail are parked on the release worker and the error returns to
// the committer.
func (m *Manager) Drain(ctx context.Context, mode DrainMode) error {
	return m.wb.drain(ctx, mode, func(h *Handle) {
		m.rel.deferTo(h, 0)
	})
}
