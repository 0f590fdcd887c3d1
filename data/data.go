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

// Package data is the deletion pipeline's delegate for an inode's bulk
// items: content extents, extended attributes and out of line symlink
// targets.  Removal is chunked, each chunk in its own transaction, so
// huge files never pin one transaction open.
package data

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/plexfs/inodex/errors"
	"github.com/plexfs/inodex/format"
	"github.com/plexfs/inodex/item"
	"github.com/plexfs/inodex/proto"
)

// deleteChunk bounds the items removed per transaction.
const deleteChunk = 128

type Deleter struct {
	items *item.Store
}

func NewDeleter(items *item.Store) *Deleter {
	return &Deleter{items: items}
}

// RemoveExtents removes every content extent of ino.
func (d *Deleter) RemoveExtents(ctx context.Context, cover item.Cover, ino proto.Ino) error {
	start, end := format.FSTypeRange(ino, format.TypeExtent)
	return d.removeRange(ctx, cover, ino, start, end)
}

// RemoveExtentsFrom removes every extent at or past fromBlk, the tail
// truncation case.
func (d *Deleter) RemoveExtentsFrom(ctx context.Context, cover item.Cover, ino proto.Ino, fromBlk uint64) error {
	_, end := format.FSTypeRange(ino, format.TypeExtent)
	return d.removeRange(ctx, cover, ino, format.ExtentKey(ino, fromBlk), end)
}

// RemoveXattrs removes every extended attribute item of ino.
func (d *Deleter) RemoveXattrs(ctx context.Context, cover item.Cover, ino proto.Ino) error {
	start, end := format.FSTypeRange(ino, format.TypeXattr)
	return d.removeRange(ctx, cover, ino, start, end)
}

func (d *Deleter) removeRange(ctx context.Context, cover item.Cover, ino proto.Ino, start, end []byte) error {
	span := trace.SpanFromContextSafe(ctx)

	for {
		tx := d.items.Begin(ctx)
		removed := 0
		next := start
		for removed < deleteChunk {
			key, _, err := tx.Next(ctx, cover, next, end)
			if err == apierrors.ErrItemDoesNotExist {
				break
			}
			if err != nil {
				tx.Abort()
				return err
			}
			if err = tx.Delete(ctx, cover, key); err != nil {
				tx.Abort()
				return err
			}
			removed++
			next = append(append([]byte{}, key...), 0)
		}
		if removed == 0 {
			tx.Abort()
			return nil
		}
		if err := tx.Commit(ctx); err != nil {
			span.Errorf("remove chunk of ino %d failed: %v", ino, err)
			return err
		}
		if removed < deleteChunk {
			return nil
		}
	}
}

// RemoveSymlink drops an inode's out of line symlink target, if any.
func (d *Deleter) RemoveSymlink(ctx context.Context, cover item.Cover, ino proto.Ino) error {
	tx := d.items.Begin(ctx)
	if err := tx.DeleteForce(ctx, cover, format.SymlinkKey(ino)); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit(ctx)
}
