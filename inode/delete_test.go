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
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	apierrors "github.com/plexfs/inodex/errors"
	"github.com/plexfs/inodex/format"
	"github.com/plexfs/inodex/metrics"
)

// seedOrphan writes the persistent footprint of an unlinked inode the
// way a crashed node would have left it: record with nlink 0, index
// items, content, and the orphan marker.
func (e *testEnv) seedOrphan(t *testing.T, ino uint64, extents int, xattrs int) format.InodeRecord {
	ctx := context.TODO()
	rec := format.InodeRecord{
		Mode:    format.ModeRegular | 0o644,
		MetaSeq: 5,
		DataSeq: 5,
	}

	tx := e.items.Begin(ctx)
	require.NoError(t, tx.CreateForce(ctx, nil, format.InodeKey(ino), rec.Marshal()))
	require.NoError(t, tx.CreateForce(ctx, nil, format.IndexKey(format.IndexMetaSeq, rec.MetaSeq, 0, ino), nil))
	require.NoError(t, tx.CreateForce(ctx, nil, format.IndexKey(format.IndexDataSeq, rec.DataSeq, 0, ino), nil))
	for blk := 0; blk < extents; blk++ {
		require.NoError(t, tx.CreateForce(ctx, nil, format.ExtentKey(ino, uint64(blk)), nil))
	}
	for id := 1; id <= xattrs; id++ {
		require.NoError(t, tx.CreateForce(ctx, nil, format.XattrKey(ino, uint64(id)), []byte("v")))
	}
	require.NoError(t, tx.CreateForce(ctx, nil, format.OrphanKey(ino), nil))
	require.NoError(t, tx.Commit(ctx))
	return rec
}

func (e *testEnv) requireFullyGone(t *testing.T, ino uint64) {
	require.Equal(t, 0, e.inoItems(t, ino))
	count, _ := e.indexItems(t, format.IndexMetaSeq, ino)
	require.Equal(t, 0, count)
	count, _ = e.indexItems(t, format.IndexDataSeq, ino)
	require.Equal(t, 0, count)
	require.False(t, e.hasOrphan(t, ino))
}

func TestFinalDeleteRemovesEverything(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	const ino = 5000
	e.seedOrphan(t, ino, 3, 2)

	require.NoError(t, e.mgr.finalDelete(ctx, ino))
	e.requireFullyGone(t, ino)
}

func TestFinalDeleteConcurrent(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	const ino = 6000
	e.seedOrphan(t, ino, 260, 8)

	before := testutil.ToFloat64(metrics.InodeDeletes)

	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.mgr.finalDelete(ctx, ino)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	e.requireFullyGone(t, ino)
	// losers dedup or find the work already done, only one full
	// pipeline pass ran
	require.Equal(t, before+1, testutil.ToFloat64(metrics.InodeDeletes))
}

func TestFinalDeleteResumesAfterCrash(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	// crash point one: extents and xattrs gone, record and index
	// items and marker still present
	const ino = 7000
	e.seedOrphan(t, ino, 0, 0)
	require.NoError(t, e.mgr.finalDelete(ctx, ino))
	e.requireFullyGone(t, ino)

	// crash point two: everything gone but the marker
	const ino2 = 7001
	tx := e.items.Begin(ctx)
	require.NoError(t, tx.CreateForce(ctx, nil, format.OrphanKey(ino2), nil))
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, e.mgr.finalDelete(ctx, ino2))
	require.False(t, e.hasOrphan(t, ino2))
}

func TestFinalDeleteDanglingOrphan(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	const ino = 8000
	rec := format.InodeRecord{Mode: format.ModeRegular | 0o644, Nlink: 2, MetaSeq: 1, DataSeq: 1}
	tx := e.items.Begin(ctx)
	require.NoError(t, tx.CreateForce(ctx, nil, format.InodeKey(ino), rec.Marshal()))
	require.NoError(t, tx.CreateForce(ctx, nil, format.OrphanKey(ino), nil))
	require.NoError(t, tx.Commit(ctx))

	require.ErrorIs(t, e.mgr.finalDelete(ctx, ino), apierrors.ErrDanglingOrphan)

	// nothing is destroyed on corruption, the state stays visible
	_, err := e.items.Lookup(ctx, format.InodeKey(ino))
	require.NoError(t, err)
	require.True(t, e.hasOrphan(t, ino))
}

func TestOrphanScanDeletes(t *testing.T) {
	e := newTestEnv(t)

	const ino = 9000
	e.seedOrphan(t, ino, 2, 1)

	e.mgr.orphan.scan()
	e.requireFullyGone(t, ino)
}

func TestOrphanScanSweepsStaleMarker(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	const ino = 9100
	tx := e.items.Begin(ctx)
	require.NoError(t, tx.CreateForce(ctx, nil, format.OrphanKey(ino), nil))
	require.NoError(t, tx.Commit(ctx))

	e.mgr.orphan.scan()
	require.False(t, e.hasOrphan(t, ino))
}

func TestOrphanScanSkipsCached(t *testing.T) {
	ctx := context.TODO()
	e := newTestEnv(t)

	h, err := e.mgr.Create(ctx, format.ModeRegular|0o644, 0, 0)
	require.NoError(t, err)
	lk := e.writeLock(t, h.Ino())
	require.NoError(t, e.mgr.BeginUnlink(ctx, h, lk))
	e.locks.Release(lk)

	// still referenced locally: the scanner must leave it alone
	e.mgr.orphan.scan()
	require.True(t, e.hasOrphan(t, h.Ino()))
	_, err = e.items.Lookup(ctx, format.InodeKey(h.Ino()))
	require.NoError(t, err)

	e.mgr.MarkDrop(h)
	e.mgr.Put(ctx, h)
	e.requireFullyGone(t, h.Ino())
}

func TestOrphanScanSkipsClusterOpen(t *testing.T) {
	e := newTestEnv(t)

	const ino = 9200
	e.seedOrphan(t, ino, 0, 0)

	// open elsewhere in the cluster, per the authority bitmap
	e.tracker.Increment(ino)
	e.mgr.orphan.scan()
	require.True(t, e.hasOrphan(t, ino))

	require.NoError(t, e.tracker.Decrement(ino))
	e.mgr.orphan.scan()
	e.requireFullyGone(t, ino)
}
