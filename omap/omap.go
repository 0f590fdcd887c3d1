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

// Package omap tracks which inode numbers are open, locally and
// cluster-wide.  Counts are grouped into fixed bitmap groups so the
// orphan scanner can test a whole batch of inos with one query.
package omap

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/log"

	apierrors "github.com/plexfs/inodex/errors"
	"github.com/plexfs/inodex/format"
	"github.com/plexfs/inodex/proto"
)

// BitmapBytes is the size of one group's open bitmap.
const BitmapBytes = format.InoGroupSize / 8

// BitmapSource yields the cluster-wide open bitmap of a group.  The
// authority service implements it remotely; a tracker with no source
// answers from its own local counts.
type BitmapSource interface {
	OpenBitmap(ctx context.Context, group uint64) ([]byte, error)
}

type group struct {
	counts map[int]uint32
	bits   [BitmapBytes]byte
}

// Tracker maintains this node's open reference counts.
type Tracker struct {
	mu     sync.Mutex
	groups map[uint64]*group
	source BitmapSource
}

func NewTracker(source BitmapSource) *Tracker {
	return &Tracker{
		groups: make(map[uint64]*group),
		source: source,
	}
}

// Increment records one more local open reference to ino.
func (t *Tracker) Increment(ino proto.Ino) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gno := format.InoGroup(ino)
	g, ok := t.groups[gno]
	if !ok {
		g = &group{counts: make(map[int]uint32)}
		t.groups[gno] = g
	}
	bit := format.InoGroupBit(ino)
	g.counts[bit]++
	g.bits[bit/8] |= 1 << (bit % 8)
}

// Decrement drops one local open reference.  Underflow means reference
// accounting is broken; it is reported as corruption, not wrapped
// around.
func (t *Tracker) Decrement(ino proto.Ino) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	gno := format.InoGroup(ino)
	bit := format.InoGroupBit(ino)
	g := t.groups[gno]
	if g == nil || g.counts[bit] == 0 {
		log.Errorf("open count underflow for ino %d", ino)
		return apierrors.ErrCorruptedIndex
	}
	g.counts[bit]--
	if g.counts[bit] == 0 {
		g.bits[bit/8] &^= 1 << (bit % 8)
		delete(g.counts, bit)
		if len(g.counts) == 0 {
			delete(t.groups, gno)
		}
	}
	return nil
}

// OpenLocally reports whether this node holds any reference to ino.
func (t *Tracker) OpenLocally(ino proto.Ino) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.groups[format.InoGroup(ino)]
	return g != nil && g.counts[format.InoGroupBit(ino)] > 0
}

// OpenBitmap returns this node's open bitmap for a group.  The
// authority merges these across nodes.
func (t *Tracker) OpenBitmap(ctx context.Context, gno uint64) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bits := make([]byte, BitmapBytes)
	if g := t.groups[gno]; g != nil {
		copy(bits, g.bits[:])
	}
	return bits, nil
}

// ClusterBitmap returns the cluster-wide open bitmap for a group.
func (t *Tracker) ClusterBitmap(ctx context.Context, gno uint64) ([]byte, error) {
	if t.source != nil {
		return t.source.OpenBitmap(ctx, gno)
	}
	return t.OpenBitmap(ctx, gno)
}

// ShouldDelete reports whether nobody in the cluster still references
// ino.  The caller decides deletion by combining it with the on-disk
// link count.
func (t *Tracker) ShouldDelete(ctx context.Context, ino proto.Ino) (bool, error) {
	if t.OpenLocally(ino) {
		return false, nil
	}
	bits, err := t.ClusterBitmap(ctx, format.InoGroup(ino))
	if err != nil {
		return false, err
	}
	return !TestBit(bits, format.InoGroupBit(ino)), nil
}

// TestBit reports whether a group bitmap has a bit set.  Bitmaps
// shorter than the bit read as clear.
func TestBit(bits []byte, bit int) bool {
	if bit/8 >= len(bits) {
		return false
	}
	return bits[bit/8]&(1<<(bit%8)) != 0
}

// Merge ors src into dst, growing dst as needed, and returns dst.  The
// authority uses it to fold per-node bitmaps into the cluster view.
func Merge(dst, src []byte) []byte {
	if len(src) > len(dst) {
		grown := make([]byte, len(src))
		copy(grown, dst)
		dst = grown
	}
	for i := range src {
		dst[i] |= src[i]
	}
	return dst
}
