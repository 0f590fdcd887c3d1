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

// Package item provides the ordered, transactional item store that
// backs inode records, index items and orphan markers.  Items are kept
// in one kvstore column family whose key order equals logical order.
package item

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/plexfs/inodex/common/kvstore"
	apierrors "github.com/plexfs/inodex/errors"
	"github.com/plexfs/inodex/format"
	"github.com/plexfs/inodex/store"
)

// Meta zone keys.
var (
	superKey = []byte{format.ZoneMeta, 0x01}
	seqKey   = []byte{format.ZoneMeta, 0x02}
)

// Cover is the lock coverage a caller holds for a key.  Item operations
// refuse keys outside the cover.  A nil cover asserts coverage; it is
// used by internal paths that derive coverage from context, such as the
// deletion pipeline holding the orphan scan's view.
type Cover interface {
	Covers(key []byte) bool
}

type Store struct {
	kv  kvstore.Store
	col kvstore.CF

	// seq is the sequence of the last committed transaction.
	seq uint64

	// transMu is the transaction hold.  It is taken at Begin and
	// released at Commit or Abort, serializing committers.
	transMu sync.Mutex
}

// NewStore opens the item store, initializing the super item on first
// use and refusing volumes written by an incompatible layout version.
func NewStore(ctx context.Context, st *store.Store) (*Store, error) {
	span, ctx := trace.StartSpanFromContext(ctx, "item-store-open")

	s := &Store{kv: st.KVStore(), col: store.ItemCF}

	super, err := s.kv.GetRaw(ctx, s.col, superKey, nil)
	switch err {
	case nil:
		if len(super) != 8 || format.Uint64(super) != format.FormatVersion {
			span.Errorf("unsupported volume format: %v", super)
			return nil, apierrors.ErrCorruptedIndex
		}
	case kvstore.ErrNotFound:
		if err = s.initVolume(ctx); err != nil {
			return nil, errors.Info(err, "init volume")
		}
	default:
		return nil, errors.Info(err, "read super item")
	}

	raw, err := s.kv.GetRaw(ctx, s.col, seqKey, nil)
	if err != nil {
		return nil, errors.Info(err, "read trans seq")
	}
	atomic.StoreUint64(&s.seq, format.Uint64(raw))
	span.Infof("item store open, committed seq %d", s.seq)
	return s, nil
}

func (s *Store) initVolume(ctx context.Context) error {
	batch := s.kv.NewWriteBatch()
	defer batch.Close()
	batch.Put(s.col, superKey, format.PutUint64(format.FormatVersion))
	batch.Put(s.col, seqKey, format.PutUint64(0))
	return s.kv.Write(ctx, batch, nil)
}

// Seq returns the sequence of the last committed transaction.  Index
// lock preparation snapshots it before predicting post-update values.
func (s *Store) Seq() uint64 {
	return atomic.LoadUint64(&s.seq)
}

// Lookup reads an item from the committed, authoritative view.  It
// ignores any transaction in flight; the orphan scanner depends on
// that.
func (s *Store) Lookup(ctx context.Context, key []byte) ([]byte, error) {
	value, err := s.kv.GetRaw(ctx, s.col, key, nil)
	if err == kvstore.ErrNotFound {
		return nil, apierrors.ErrItemDoesNotExist
	}
	return value, err
}

// Next returns the first committed item with key in [key, bound).
func (s *Store) Next(ctx context.Context, key, bound []byte) ([]byte, []byte, error) {
	lr := s.kv.List(ctx, s.col, nil, key, nil)
	defer lr.Close()

	k, v, err := lr.ReadNextCopy()
	if err != nil {
		return nil, nil, err
	}
	if k == nil || format.CompareKeys(k, bound) >= 0 {
		return nil, nil, apierrors.ErrItemDoesNotExist
	}
	return k, v, nil
}

// Begin enters a transaction.  It blocks until any in-flight
// transaction commits or aborts; the returned transaction's sequence is
// the one every item written through it will be stamped with.
func (s *Store) Begin(ctx context.Context) *Trans {
	s.transMu.Lock()
	return &Trans{
		store:   s,
		seq:     atomic.LoadUint64(&s.seq) + 1,
		pending: make(map[string]pendingOp),
	}
}

type pendingOp struct {
	value   []byte
	deleted bool
}

// Trans is a single transaction over the item store.  All reads see the
// committed state overlaid with this transaction's own writes.  Exactly
// one of Commit or Abort must be called.
type Trans struct {
	store   *Store
	seq     uint64
	pending map[string]pendingOp
	done    bool
}

// Seq returns the sequence this transaction commits as.  Callers that
// predicted index values against an older sequence must abort and
// retry when it differs from their prediction.
func (t *Trans) Seq() uint64 {
	return t.seq
}

func (t *Trans) covered(cover Cover, key []byte) error {
	if cover != nil && !cover.Covers(key) {
		return apierrors.ErrLockCoverage
	}
	return nil
}

func (t *Trans) get(ctx context.Context, key []byte) ([]byte, error) {
	if op, ok := t.pending[string(key)]; ok {
		if op.deleted {
			return nil, apierrors.ErrItemDoesNotExist
		}
		return op.value, nil
	}
	return t.store.Lookup(ctx, key)
}

// LookupExact returns the item stored at key.
func (t *Trans) LookupExact(ctx context.Context, cover Cover, key []byte) ([]byte, error) {
	if err := t.covered(cover, key); err != nil {
		return nil, err
	}
	return t.get(ctx, key)
}

// Create inserts a new item, failing if one already exists.
func (t *Trans) Create(ctx context.Context, cover Cover, key, value []byte) error {
	if err := t.covered(cover, key); err != nil {
		return err
	}
	if _, err := t.get(ctx, key); err == nil {
		return apierrors.ErrItemExists
	} else if err != apierrors.ErrItemDoesNotExist {
		return err
	}
	t.pending[string(key)] = pendingOp{value: value}
	return nil
}

// CreateForce inserts an item whether or not one already exists.  Index
// and orphan markers use it because their existence is idempotent.
func (t *Trans) CreateForce(ctx context.Context, cover Cover, key, value []byte) error {
	if err := t.covered(cover, key); err != nil {
		return err
	}
	t.pending[string(key)] = pendingOp{value: value}
	return nil
}

// Update overwrites an existing item, failing if none exists.
func (t *Trans) Update(ctx context.Context, cover Cover, key, value []byte) error {
	if err := t.covered(cover, key); err != nil {
		return err
	}
	if _, err := t.get(ctx, key); err != nil {
		return err
	}
	t.pending[string(key)] = pendingOp{value: value}
	return nil
}

// Delete removes an existing item, failing if none exists.
func (t *Trans) Delete(ctx context.Context, cover Cover, key []byte) error {
	if err := t.covered(cover, key); err != nil {
		return err
	}
	if _, err := t.get(ctx, key); err != nil {
		return err
	}
	t.pending[string(key)] = pendingOp{deleted: true}
	return nil
}

// DeleteForce removes an item whether or not one exists.
func (t *Trans) DeleteForce(ctx context.Context, cover Cover, key []byte) error {
	if err := t.covered(cover, key); err != nil {
		return err
	}
	t.pending[string(key)] = pendingOp{deleted: true}
	return nil
}

// Next returns the first item with key in [key, bound), merging the
// committed view with this transaction's writes.
func (t *Trans) Next(ctx context.Context, cover Cover, key, bound []byte) ([]byte, []byte, error) {
	if err := t.covered(cover, key); err != nil {
		return nil, nil, err
	}

	var bestKey, bestValue []byte
	for k, op := range t.pending {
		kb := []byte(k)
		if op.deleted || format.CompareKeys(kb, key) < 0 || format.CompareKeys(kb, bound) >= 0 {
			continue
		}
		if bestKey == nil || format.CompareKeys(kb, bestKey) < 0 {
			bestKey, bestValue = kb, op.value
		}
	}

	lr := t.store.kv.List(ctx, t.store.col, nil, key, nil)
	defer lr.Close()
	for {
		k, v, err := lr.ReadNextCopy()
		if err != nil {
			return nil, nil, err
		}
		if k == nil || format.CompareKeys(k, bound) >= 0 {
			break
		}
		if bestKey != nil && format.CompareKeys(k, bestKey) >= 0 {
			break
		}
		if op, ok := t.pending[string(k)]; ok && op.deleted {
			continue
		}
		bestKey, bestValue = k, v
		break
	}

	if bestKey == nil {
		return nil, nil, apierrors.ErrItemDoesNotExist
	}
	return bestKey, bestValue, nil
}

// Commit atomically applies every write of this transaction and
// advances the global transaction sequence.
func (t *Trans) Commit(ctx context.Context) error {
	span, ctx := trace.StartSpanFromContext(ctx, "trans-commit")
	if t.done {
		panic("commit of finished transaction")
	}
	t.done = true
	defer t.store.transMu.Unlock()

	batch := t.store.kv.NewWriteBatch()
	defer batch.Close()
	for k, op := range t.pending {
		if op.deleted {
			batch.Delete(t.store.col, []byte(k))
		} else {
			batch.Put(t.store.col, []byte(k), op.value)
		}
	}
	batch.Put(t.store.col, seqKey, format.PutUint64(t.seq))

	if err := t.store.kv.Write(ctx, batch, nil); err != nil {
		span.Errorf("commit seq %d failed: %s", t.seq, errors.Detail(err))
		return err
	}
	atomic.StoreUint64(&t.store.seq, t.seq)
	return nil
}

// Abort discards the transaction.
func (t *Trans) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.pending = nil
	t.store.transMu.Unlock()
}
