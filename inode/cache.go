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
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/plexfs/inodex/proto"
)

// cache is the per-node handle cache.  Handles mid-eviction move to
// the freeing set: lookups treat them as absent so a fresh
// instantiation never deadlocks against an eviction that is off
// acquiring locks.
type cache struct {
	mu      sync.Mutex
	live    map[proto.Ino]*Handle
	freeing map[*Handle]struct{}

	sf singleflight.Group
}

func newCache() *cache {
	return &cache{
		live:    make(map[proto.Ino]*Handle),
		freeing: make(map[*Handle]struct{}),
	}
}

// lookup returns a referenced live handle, or nil.
func (c *cache) lookup(ino proto.Ino) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.live[ino]
	if h != nil {
		h.refs++
	}
	return h
}

// getOrCreate returns a referenced handle for ino, instantiating at
// most once per ino at a time.  init builds and loads a new handle; it
// runs without the cache lock held.  The flight inserts the handle
// unreferenced and every caller, the instantiator included, takes its
// own counted reference through lookup, so a shared flight result
// never undercounts.
func (c *cache) getOrCreate(ctx context.Context, ino proto.Ino, init func(ctx context.Context, h *Handle) error) (*Handle, error) {
	for {
		if h := c.lookup(ino); h != nil {
			return h, nil
		}

		_, err, _ := c.sf.Do(strconv.FormatUint(ino, 10), func() (interface{}, error) {
			c.mu.Lock()
			_, exists := c.live[ino]
			c.mu.Unlock()
			if exists {
				return nil, nil
			}

			h := newHandle(ino)
			if err := init(ctx, h); err != nil {
				return nil, err
			}
			c.mu.Lock()
			if _, exists := c.live[ino]; !exists {
				c.live[ino] = h
			}
			c.mu.Unlock()
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
}

// insert adds a freshly created, already initialized handle with one
// reference.  Used by create, where the ino is new by construction.
func (c *cache) insert(h *Handle) {
	c.mu.Lock()
	h.refs = 1
	c.live[h.ino] = h
	c.mu.Unlock()
}

// cached reports whether the ino has any local handle, live or
// freeing.  The orphan scanner skips such inos.
func (c *cache) cached(ino proto.Ino) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.live[ino]; ok {
		return true
	}
	for h := range c.freeing {
		if h.ino == ino {
			return true
		}
	}
	return false
}

// unref drops one reference.  If it was the last, the handle is
// reported back so the caller can run the eviction policy; it stays
// live until startFreeing.
func (c *cache) unref(h *Handle) (last bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h.refs--
	if h.refs < 0 {
		panic("inode handle reference underflow")
	}
	return h.refs == 0
}

// startFreeing hides the handle from lookup for the rest of its
// eviction.  It fails if the handle regained a reference.
func (c *cache) startFreeing(h *Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.refs != 0 || c.live[h.ino] != h {
		return false
	}
	delete(c.live, h.ino)
	c.freeing[h] = struct{}{}
	return true
}

func (c *cache) finishFreeing(h *Handle) {
	c.mu.Lock()
	delete(c.freeing, h)
	c.mu.Unlock()
}

// markDrop flags every live handle the predicate selects for forced
// eviction at its final reference drop.
func (c *cache) markDrop(match func(h *Handle) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range c.live {
		if match(h) {
			h.mustDrop = true
		}
	}
}
