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

	"github.com/cubefs/cubefs/blobstore/common/trace"
)

// FlushFunc pushes an inode's dirty cached content down to the data
// subsystem.  DrainWait passes wait true to also wait out in-flight
// writeback rather than just scheduling it.
type FlushFunc func(ctx context.Context, h *Handle, wait bool) error

type DrainMode int

const (
	DrainFlush DrainMode = iota
	DrainWait
)

// writeback tracks handles whose cached content may be dirty across a
// transaction boundary.  The committer drains it with no concurrent
// mutators active.
type writeback struct {
	mu    sync.Mutex
	set   map[*Handle]struct{}
	flush FlushFunc
}

func newWriteback(flush FlushFunc) *writeback {
	return &writeback{set: make(map[*Handle]struct{}), flush: flush}
}

// mark is an idempotent insert.
func (w *writeback) mark(h *Handle) {
	w.mu.Lock()
	h.dirtyData = true
	w.set[h] = struct{}{}
	w.mu.Unlock()
}

func (w *writeback) forget(h *Handle) {
	w.mu.Lock()
	h.dirtyData = false
	delete(w.set, h)
	w.mu.Unlock()
}

func (w *writeback) snapshot() []*Handle {
	w.mu.Lock()
	defer w.mu.Unlock()

	handles := make([]*Handle, 0, len(w.set))
	for h := range w.set {
		handles = append(handles, h)
	}
	return handles
}

// drain flushes every tracked handle.  A handle that fails to flush is
// handed to onError for deferred release and the first error is
// surfaced to the committer; entries evicted concurrently are simply
// gone from the set by the time we get to them.
func (w *writeback) drain(ctx context.Context, mode DrainMode, onError func(h *Handle)) error {
	span := trace.SpanFromContextSafe(ctx)

	var firstErr error
	for _, h := range w.snapshot() {
		w.mu.Lock()
		dirty := h.dirtyData
		w.mu.Unlock()
		if !dirty {
			continue
		}

		if w.flush != nil {
			if err := w.flush(ctx, h, mode == DrainWait); err != nil {
				span.Errorf("writeback of ino %d failed: %v", h.ino, err)
				onError(h)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		w.forget(h)
	}
	return firstErr
}
