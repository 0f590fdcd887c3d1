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

// Package authority is the cluster-wide inode number authority and
// open-map aggregation point.  Numbers are handed out in batches from
// a persistent cursor and never reused; abandoned reservations stay
// burned.
package authority

import (
	"context"
	"math"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/plexfs/inodex/common/kvstore"
	apierrors "github.com/plexfs/inodex/errors"
	"github.com/plexfs/inodex/format"
	"github.com/plexfs/inodex/omap"
	"github.com/plexfs/inodex/proto"
	"github.com/plexfs/inodex/store"
)

var MaxBatchCount = uint32(1 << 20)

var ErrInvalidCount = errors.New("request count is invalid")

// Allocator is what the lifecycle manager consumes: one call reserves
// a contiguous batch of fresh inode numbers.
type Allocator interface {
	AllocBatch(ctx context.Context, count uint32) (first proto.Ino, granted uint32, err error)
}

// cursorKey persists the next never-allocated ino in the meta zone.
var cursorKey = []byte{format.ZoneMeta, 0x10}

// Authority owns the ino cursor and merges every node's open bitmaps.
// It implements the service surface in proto and, for single process
// deployments, is consumed directly as an Allocator.
type Authority struct {
	kv  kvstore.Store
	col kvstore.CF

	lock   sync.Mutex
	cursor uint64

	trackerLock sync.RWMutex
	trackers    []*omap.Tracker
}

func NewAuthority(ctx context.Context, st *store.Store) (*Authority, error) {
	span, ctx := trace.StartSpanFromContext(ctx, "authority-open")

	a := &Authority{kv: st.KVStore(), col: store.ItemCF}
	raw, err := a.kv.GetRaw(ctx, a.col, cursorKey, nil)
	switch err {
	case nil:
		a.cursor = format.Uint64(raw)
	case kvstore.ErrNotFound:
		a.cursor = format.FirstIno
	default:
		return nil, errors.Info(err, "read ino cursor")
	}
	span.Infof("authority open, ino cursor %d", a.cursor)
	return a, nil
}

// RegisterTracker adds a node's open tracker to the merged view.
func (a *Authority) RegisterTracker(tr *omap.Tracker) {
	a.trackerLock.Lock()
	a.trackers = append(a.trackers, tr)
	a.trackerLock.Unlock()
}

// AllocBatch reserves count fresh inode numbers.  The advanced cursor
// is persisted before the batch is returned, so a crash burns the
// batch instead of reissuing it.
func (a *Authority) AllocBatch(ctx context.Context, count uint32) (proto.Ino, uint32, error) {
	span := trace.SpanFromContextSafe(ctx)
	if count == 0 {
		return 0, 0, ErrInvalidCount
	}
	if count > MaxBatchCount {
		count = MaxBatchCount
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if a.cursor > math.MaxUint64-uint64(count) {
		return 0, 0, apierrors.ErrNoFreeInodes
	}
	first := a.cursor
	next := first + uint64(count)
	if err := a.kv.SetRaw(ctx, a.col, cursorKey, format.PutUint64(next), nil); err != nil {
		span.Errorf("persist ino cursor %d failed: %v", next, err)
		return 0, 0, err
	}
	a.cursor = next
	span.Debugf("alloc batch [%d, %d)", first, next)
	return first, count, nil
}

// OpenBitmap merges every registered tracker's bitmap for a group.
func (a *Authority) OpenBitmap(ctx context.Context, gno uint64) ([]byte, error) {
	a.trackerLock.RLock()
	trackers := a.trackers
	a.trackerLock.RUnlock()

	merged := make([]byte, omap.BitmapBytes)
	for _, tr := range trackers {
		bits, err := tr.OpenBitmap(ctx, gno)
		if err != nil {
			return nil, err
		}
		merged = omap.Merge(merged, bits)
	}
	return merged, nil
}
