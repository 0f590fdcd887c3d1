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

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/plexfs/inodex/errors"
	"github.com/plexfs/inodex/format"
	"github.com/plexfs/inodex/lock"
	"github.com/plexfs/inodex/metrics"
	"github.com/plexfs/inodex/proto"
)

// finalDelete removes every item of an unlinked, unreferenced inode.
//
// The pipeline is multi-phase and restartable: each phase commits its
// own transaction, and any failure leaves the orphan marker behind so
// the background scanner resumes from a well-defined state.  No replay
// log exists; the marker is the replay trigger.
func (m *Manager) finalDelete(ctx context.Context, ino proto.Ino) error {
	span, ctx := trace.StartSpanFromContext(ctx, "inode-delete")

	// concurrent attempts for one ino dedup here; the loser reports
	// success without redoing work
	m.deletingMu.Lock()
	if _, busy := m.deleting[ino]; busy {
		m.deletingMu.Unlock()
		return nil
	}
	m.deleting[ino] = struct{}{}
	m.deletingMu.Unlock()
	defer func() {
		m.deletingMu.Lock()
		delete(m.deleting, ino)
		m.deletingMu.Unlock()
	}()

	err := m.deleteItems(ctx, span, ino)
	if err != nil {
		metrics.InodeDeleteErrors.Inc()
	}
	return err
}

func (m *Manager) deleteItems(ctx context.Context, span trace.Span, ino proto.Ino) error {
	start, end := format.InoGroupRange(ino)
	recLock, err := m.locks.Acquire(ctx, lock.Range{Start: start, End: end}, lock.Write)
	if err != nil {
		return err
	}
	defer m.locks.Release(recLock)

	raw, err := m.items.Lookup(ctx, format.InodeKey(ino))
	if err == apierrors.ErrItemDoesNotExist {
		// a previous pass got as far as the record; finish the
		// marker and we are done
		return m.removeOrphanMarker(ctx, ino)
	}
	if err != nil {
		return err
	}
	var rec format.InodeRecord
	if err = rec.Unmarshal(raw); err != nil {
		return err
	}

	if rec.Nlink != 0 {
		if _, lerr := m.items.Lookup(ctx, format.OrphanKey(ino)); lerr == nil {
			span.Errorf("orphan marker for ino %d with nlink %d", ino, rec.Nlink)
			metrics.CorruptionEvents.Inc()
			return apierrors.ErrDanglingOrphan
		}
		return nil
	}

	if rec.IsRegular() {
		if err = m.deleter.RemoveExtents(ctx, recLock, ino); err != nil {
			return err
		}
	}
	if err = m.deleter.RemoveXattrs(ctx, recLock, ino); err != nil {
		return err
	}

	// index values come straight from the record just read, so the
	// locks are known exactly and no prediction retry is needed
	vals := valuesOf(&rec)
	idxLocks, cover, err := m.index.removeLocks(ctx, ino, vals)
	if err != nil {
		return err
	}
	tx := m.items.Begin(ctx)
	if err = m.index.remove(ctx, tx, cover, ino, vals); err != nil {
		tx.Abort()
	} else {
		err = tx.Commit(ctx)
	}
	for _, l := range idxLocks {
		m.locks.Release(l)
	}
	if err != nil {
		return err
	}

	if rec.IsSymlink() {
		if err = m.deleter.RemoveSymlink(ctx, recLock, ino); err != nil {
			return err
		}
	}

	tx = m.items.Begin(ctx)
	if err = tx.Delete(ctx, recLock, format.InodeKey(ino)); err != nil {
		tx.Abort()
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}

	if err = m.removeOrphanMarker(ctx, ino); err != nil {
		return err
	}

	metrics.InodeDeletes.Inc()
	span.Debugf("deleted all items of ino %d", ino)
	return nil
}

func (m *Manager) removeOrphanMarker(ctx context.Context, ino proto.Ino) error {
	start, end := format.OrphanZoneRange()
	ol, err := m.locks.Acquire(ctx, lock.Range{Start: start, End: end}, lock.WriteOnly)
	if err != nil {
		return err
	}
	defer m.locks.Release(ol)

	tx := m.items.Begin(ctx)
	if err = tx.DeleteForce(ctx, ol, format.OrphanKey(ino)); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit(ctx)
}
