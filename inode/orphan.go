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
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	apierrors "github.com/plexfs/inodex/errors"
	"github.com/plexfs/inodex/format"
	"github.com/plexfs/inodex/metrics"
	"github.com/plexfs/inodex/omap"
	"github.com/plexfs/inodex/proto"
)

// orphanScanner periodically walks the orphan marker range and funnels
// abandoned inos back through ordinary eviction-triggered deletion.
// It never deletes anything itself.
type orphanScanner struct {
	mgr  *Manager
	pool taskpool.TaskPool

	stopC chan struct{}
	doneC chan struct{}
}

func newOrphanScanner(m *Manager) *orphanScanner {
	return &orphanScanner{
		mgr:   m,
		pool:  taskpool.New(m.cfg.OrphanWorkerCount, m.cfg.OrphanWorkerCount),
		stopC: make(chan struct{}),
		doneC: make(chan struct{}),
	}
}

func (s *orphanScanner) start() {
	go s.run()
}

// stop waits out the pass in flight, so teardown never races a scan
// that is busy instantiating inodes.
func (s *orphanScanner) stop() {
	close(s.stopC)
	<-s.doneC
	s.pool.Close()
}

func (s *orphanScanner) interval() time.Duration {
	base := time.Duration(s.mgr.cfg.OrphanScanIntervalS) * time.Second
	jitter := time.Duration(rand.Int63n(int64(s.mgr.cfg.OrphanScanJitterS)+1)) * time.Second
	return base + jitter
}

func (s *orphanScanner) run() {
	defer close(s.doneC)

	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.scan()
			timer.Reset(s.interval())
		case <-s.stopC:
			return
		}
	}
}

// scan walks the authoritative committed view of the orphan range from
// lowest ino up.  Skips: inos with any local handle (already on their
// way through normal deletion, or legitimately open), and inos open
// somewhere in the cluster.  Everything else is instantiated, marked
// for forced drop, and released, which funnels it into finalDelete.
func (s *orphanScanner) scan() {
	span, ctx := trace.StartSpanFromContext(context.Background(), "orphan-scan")
	metrics.OrphanScans.Inc()

	var wg sync.WaitGroup
	defer wg.Wait()

	bitmaps := make(map[uint64][]byte)
	key, bound := format.OrphanZoneRange()
	for {
		k, _, err := s.mgr.items.Next(ctx, key, bound)
		if err == apierrors.ErrItemDoesNotExist {
			return
		}
		if err != nil {
			span.Errorf("orphan range scan: %v", err)
			metrics.OrphanScanErrors.Inc()
			return
		}
		key = append(append([]byte{}, k...), 0)

		ino, ok := format.DecodeOrphanKey(k)
		if !ok {
			span.Errorf("foreign key in orphan range: %x", k)
			metrics.CorruptionEvents.Inc()
			continue
		}
		metrics.OrphanScanItems.Inc()

		if s.mgr.cache.cached(ino) {
			metrics.OrphanScanCached.Inc()
			continue
		}

		gno := format.InoGroup(ino)
		bits, have := bitmaps[gno]
		if !have {
			bits, err = s.mgr.tracker.ClusterBitmap(ctx, gno)
			if err != nil {
				span.Errorf("open bitmap of group %d: %v", gno, err)
				metrics.OrphanScanErrors.Inc()
				return
			}
			bitmaps[gno] = bits
		}
		if omap.TestBit(bits, format.InoGroupBit(ino)) {
			metrics.OrphanScanOpen.Inc()
			continue
		}

		wg.Add(1)
		s.pool.Run(func() {
			defer wg.Done()
			s.read(ctx, ino)
		})

		select {
		case <-s.stopC:
			return
		default:
		}
	}
}

// read instantiates the orphan and immediately drops it with a forced
// eviction mark, so the ordinary eviction path performs deletion.
func (s *orphanScanner) read(ctx context.Context, ino proto.Ino) {
	span := trace.SpanFromContextSafe(ctx)

	h, err := s.mgr.Get(ctx, ino)
	if err == apierrors.ErrInodeDoesNotExist {
		// the record is gone but the marker survived a crash
		// between the last two deletion phases; the pipeline
		// sweeps it
		if derr := s.mgr.finalDelete(ctx, ino); derr != nil {
			span.Warnf("orphan sweep of ino %d: %v", ino, derr)
		}
		return
	}
	if err != nil {
		span.Warnf("orphan read of ino %d: %v", ino, err)
		return
	}
	metrics.OrphanScanReads.Inc()
	s.mgr.MarkDrop(h)
	s.mgr.Put(ctx, h)
}
