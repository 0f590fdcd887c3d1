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
	"sync"
)

// releaser hands reference drops off to one worker goroutine.  Lock
// invalidation callbacks and other shallow contexts must not fall into
// the deletion pipeline directly; they queue here instead.  Multiple
// pending drops of one handle coalesce into a single queued unit with
// a count.
type releaser struct {
	mu      sync.Mutex
	pending map[*Handle]int
	order   []*Handle

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	process func(h *Handle, count int)
}

func newReleaser(process func(h *Handle, count int)) *releaser {
	r := &releaser{
		pending: make(map[*Handle]int),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		process: process,
	}
	go r.run()
	return r
}

// deferTo queues count reference drops of h.  A count of zero queues a
// bare eviction check.
func (r *releaser) deferTo(h *Handle, count int) {
	r.mu.Lock()
	if prev, ok := r.pending[h]; ok {
		r.pending[h] = prev + count
	} else {
		r.pending[h] = count
		r.order = append(r.order, h)
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *releaser) drainOne() (h *Handle, count int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) == 0 {
		return nil, 0, false
	}
	h = r.order[0]
	r.order = r.order[1:]
	count = r.pending[h]
	delete(r.pending, h)
	return h, count, true
}

func (r *releaser) run() {
	defer close(r.done)
	for {
		for {
			h, count, ok := r.drainOne()
			if !ok {
				break
			}
			r.process(h, count)
		}
		select {
		case <-r.wake:
		case <-r.stop:
			// final drain so queued drops are not lost
			for {
				h, count, ok := r.drainOne()
				if !ok {
					return
				}
				r.process(h, count)
			}
		}
	}
}

// close stops the worker after draining what is queued.
func (r *releaser) close() {
	close(r.stop)
	<-r.done
}
