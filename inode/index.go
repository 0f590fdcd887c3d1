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
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/plexfs/inodex/errors"
	"github.com/plexfs/inodex/format"
	"github.com/plexfs/inodex/item"
	"github.com/plexfs/inodex/lock"
	"github.com/plexfs/inodex/metrics"
	"github.com/plexfs/inodex/proto"
)

// indexValues is one inode's position in each applicable seq index.
// hasData is set for regular files only; exists is clear for a not yet
// created inode, whose indexes have no old items to remove.
type indexValues struct {
	meta    uint64
	data    uint64
	hasData bool
	exists  bool
}

func valuesOf(rec *format.InodeRecord) indexValues {
	return indexValues{
		meta:    rec.MetaSeq,
		data:    rec.DataSeq,
		hasData: rec.IsRegular(),
		exists:  true,
	}
}

type indexMgr struct {
	items *item.Store
	locks *lock.Manager
}

// multiCover treats a key as covered if any held lock covers it.  The
// record's own group lock and the index region locks together cover
// one whole update.
type multiCover []*lock.Lock

func (m multiCover) Covers(key []byte) bool {
	for _, l := range m {
		if l.Covers(key) {
			return true
		}
	}
	return false
}

// prepared is an open transaction with every lock an index update
// needs, acquired in sorted order before the transaction began.
type prepared struct {
	tx    *item.Trans
	locks []*lock.Lock
	cover multiCover
	mgr   *indexMgr
}

func (p *prepared) release() {
	for _, l := range p.locks {
		p.mgr.locks.Release(l)
	}
	p.locks = nil
}

func (p *prepared) abort() {
	p.tx.Abort()
	p.release()
}

// regionsFor collects the distinct index lock regions an update from
// old to new touches: the regions the old items live in and the ones
// the new items land in.
func regionsFor(ino proto.Ino, old, new indexValues) []lock.Range {
	var regions []lock.Range
	add := func(typ byte, major uint64) {
		start, end := format.IndexRegionRange(typ, major, 0, ino)
		rng := lock.Range{Start: start, End: end}
		for _, have := range regions {
			if have.Equal(rng) {
				return
			}
		}
		regions = append(regions, rng)
	}

	add(format.IndexMetaSeq, new.meta)
	if old.exists {
		add(format.IndexMetaSeq, old.meta)
	}
	if new.hasData {
		add(format.IndexDataSeq, new.data)
	}
	if old.exists && old.hasData {
		add(format.IndexDataSeq, old.data)
	}
	return regions
}

// acquireRegions takes the region locks in their strict key order,
// which sorts by index type, then major, minor and ino.  Every caller
// ordering locks this way is the deadlock avoidance scheme; do not
// reorder.
func (x *indexMgr) acquireRegions(ctx context.Context, regions []lock.Range, extra *lock.Lock) ([]*lock.Lock, error) {
	sort.Slice(regions, func(i, j int) bool {
		return format.CompareKeys(regions[i].Start, regions[j].Start) < 0
	})

	locks := make([]*lock.Lock, 0, len(regions)+1)
	if extra != nil {
		locks = append(locks, extra)
	}
	for _, rng := range regions {
		l, err := x.locks.Acquire(ctx, rng, lock.WriteOnly)
		if err != nil {
			for _, held := range locks {
				if held != extra {
					x.locks.Release(held)
				}
			}
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, nil
}

// prepare opens a transaction with all index locks an update needs.
//
// The index values an update produces depend on the sequence the
// transaction will commit as, so: snapshot the committed sequence,
// predict the post-update values, lock the regions those predictions
// fall in, then begin the transaction.  If another committer advanced
// the sequence in between, the predictions may name the wrong regions;
// abort and retry against the newer sequence.  Each retry observes
// strictly newer sequences, so the loop only spins while the system
// makes progress.
func (x *indexMgr) prepare(ctx context.Context, ino proto.Ino, old indexValues,
	predict func(seq proto.Seq) indexValues, recordLock *lock.Lock, alsoRanges ...lock.Range,
) (*prepared, indexValues, error) {
	for {
		snap := x.items.Seq()
		next := snap + 1
		new := predict(next)

		regions := append(regionsFor(ino, old, new), alsoRanges...)
		locks, err := x.acquireRegions(ctx, regions, recordLock)
		if err != nil {
			return nil, indexValues{}, err
		}

		tx := x.items.Begin(ctx)
		if tx.Seq() == next {
			p := &prepared{tx: tx, locks: locks, cover: multiCover(locks), mgr: x}
			if recordLock != nil {
				// the caller keeps ownership of its lock
				p.locks = locks[1:]
			}
			return p, new, nil
		}

		tx.Abort()
		for _, l := range locks {
			if l != recordLock {
				x.locks.Release(l)
			}
		}
		metrics.IndexLockRetries.Inc()
	}
}

// reconcile makes the persistent index items agree with a move from
// old to new.  For each index whose value changed the new item is
// created strictly before the old one is deleted, so a crash in
// between leaves an extra item rather than a missing one; the stale
// extra is swept by the next reconcile of the same inode.
func (x *indexMgr) reconcile(ctx context.Context, p *prepared, ino proto.Ino, old, new indexValues) error {
	span := trace.SpanFromContextSafe(ctx)

	type move struct {
		typ      byte
		from, to uint64
		hasFrom  bool
	}
	moves := []move{{typ: format.IndexMetaSeq, from: old.meta, to: new.meta, hasFrom: old.exists}}
	if new.hasData {
		moves = append(moves, move{typ: format.IndexDataSeq, from: old.data, to: new.data, hasFrom: old.exists && old.hasData})
	}

	for _, mv := range moves {
		if mv.hasFrom && mv.from == mv.to {
			continue
		}
		newKey := format.IndexKey(mv.typ, mv.to, 0, ino)

		if _, err := p.tx.LookupExact(ctx, p.cover, newKey); err == nil {
			// an index item for a sequence nobody committed yet
			span.Errorf("index item %#x/%d already exists for ino %d", mv.typ, mv.to, ino)
			metrics.CorruptionEvents.Inc()
		} else if err != apierrors.ErrItemDoesNotExist {
			return err
		}
		if err := p.tx.CreateForce(ctx, p.cover, newKey, nil); err != nil {
			return err
		}

		if !mv.hasFrom {
			continue
		}
		oldKey := format.IndexKey(mv.typ, mv.from, 0, ino)
		if err := p.tx.Delete(ctx, p.cover, oldKey); err != nil {
			if err == apierrors.ErrItemDoesNotExist {
				span.Errorf("index item %#x/%d missing for ino %d", mv.typ, mv.from, ino)
				metrics.CorruptionEvents.Inc()
				continue
			}
			// roll the creation back: leaving both items would
			// break the one-item-per-index invariant
			if rbErr := p.tx.DeleteForce(ctx, p.cover, newKey); rbErr != nil {
				span.Errorf("index rollback for ino %d failed: %v after %v", ino, rbErr, err)
				panic("inode index rollback failed")
			}
			return err
		}
	}
	return nil
}

// removeLocks acquires the index locks deletion needs.  The values are
// read from the record being deleted, so there is no prediction and no
// retry loop.
func (x *indexMgr) removeLocks(ctx context.Context, ino proto.Ino, vals indexValues) ([]*lock.Lock, multiCover, error) {
	locks, err := x.acquireRegions(ctx, regionsFor(ino, vals, vals), nil)
	if err != nil {
		return nil, nil, err
	}
	return locks, multiCover(locks), nil
}

// remove deletes the inode's index items during final deletion.
func (x *indexMgr) remove(ctx context.Context, tx *item.Trans, cover item.Cover, ino proto.Ino, vals indexValues) error {
	if err := tx.DeleteForce(ctx, cover, format.IndexKey(format.IndexMetaSeq, vals.meta, 0, ino)); err != nil {
		return err
	}
	if vals.hasData {
		return tx.DeleteForce(ctx, cover, format.IndexKey(format.IndexDataSeq, vals.data, 0, ino))
	}
	return nil
}
