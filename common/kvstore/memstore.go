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

package kvstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/cubefs/cubefs/util/btree"
)

const memBtreeDegree = 8

// memStore keeps every column family in its own btree. It backs tests
// and single process development runs, so writes favor simplicity over
// allocation economy.
type memStore struct {
	lock sync.RWMutex
	cols map[CF]*btree.BTree
}

type memItem struct {
	key   []byte
	value []byte
}

func (i *memItem) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*memItem).key) < 0
}

func (i *memItem) Copy() btree.Item {
	return &memItem{key: i.key, value: i.value}
}

func newMemStore(ctx context.Context, option *Option) (Store, error) {
	s := &memStore{
		cols: make(map[CF]*btree.BTree),
	}
	s.cols[defaultCF] = btree.New(memBtreeDegree)
	for _, col := range option.ColumnFamily {
		s.cols[col] = btree.New(memBtreeDegree)
	}
	return s, nil
}

func (s *memStore) CreateColumn(col CF) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.cols[col]; !ok {
		s.cols[col] = btree.New(memBtreeDegree)
	}
	return nil
}

func (s *memStore) CheckColumns(col CF) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	_, ok := s.cols[col]
	return ok
}

func (s *memStore) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	tree := s.tree(col)
	got := tree.Get(&memItem{key: key})
	if got == nil {
		return nil, ErrNotFound
	}
	value := got.(*memItem).value
	ret := make([]byte, len(value))
	copy(ret, value)
	return ret, nil
}

func (s *memStore) SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.put(col, key, value)
	return nil
}

func (s *memStore) Delete(ctx context.Context, col CF, key []byte, writeOpt WriteOption) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.tree(col).Delete(&memItem{key: key})
	return nil
}

// List snapshots the matching range under the read lock, so the
// returned reader stays valid across later writes.
func (s *memStore) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	s.lock.RLock()
	defer s.lock.RUnlock()

	start := prefix
	if bytes.Compare(marker, prefix) > 0 {
		start = marker
	}

	lr := &memListReader{}
	s.tree(col).AscendGreaterOrEqual(&memItem{key: start}, func(i btree.Item) bool {
		item := i.(*memItem)
		if len(prefix) > 0 && !bytes.HasPrefix(item.key, prefix) {
			return false
		}
		key := make([]byte, len(item.key))
		copy(key, item.key)
		value := make([]byte, len(item.value))
		copy(value, item.value)
		lr.items = append(lr.items, memItem{key: key, value: value})
		return true
	})
	return lr
}

func (s *memStore) Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error {
	b := batch.(*memWriteBatch)

	s.lock.Lock()
	defer s.lock.Unlock()

	for _, op := range b.ops {
		switch op.kind {
		case memOpPut:
			s.put(op.col, op.key, op.value)
		case memOpDelete:
			s.tree(op.col).Delete(&memItem{key: op.key})
		case memOpDeleteRange:
			tree := s.tree(op.col)
			var doomed [][]byte
			tree.AscendGreaterOrEqual(&memItem{key: op.key}, func(i btree.Item) bool {
				item := i.(*memItem)
				if bytes.Compare(item.key, op.value) >= 0 {
					return false
				}
				doomed = append(doomed, item.key)
				return true
			})
			for _, key := range doomed {
				tree.Delete(&memItem{key: key})
			}
		}
	}
	return nil
}

func (s *memStore) NewWriteBatch() WriteBatch {
	return &memWriteBatch{}
}

func (s *memStore) FlushCF(ctx context.Context, col CF) error {
	return nil
}

func (s *memStore) Close() {
}

func (s *memStore) tree(col CF) *btree.BTree {
	tree, ok := s.cols[col]
	if !ok {
		panic("unknown column family: " + col.String())
	}
	return tree
}

func (s *memStore) put(col CF, key, value []byte) {
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)
	s.tree(col).ReplaceOrInsert(&memItem{key: k, value: v})
}

type memListReader struct {
	items []memItem
	next  int
}

func (lr *memListReader) ReadNextCopy() (key []byte, value []byte, err error) {
	if lr.next >= len(lr.items) {
		return nil, nil, nil
	}
	item := lr.items[lr.next]
	lr.next++
	return item.key, item.value, nil
}

func (lr *memListReader) Close() {
	lr.items = nil
}

const (
	memOpPut = iota
	memOpDelete
	memOpDeleteRange
)

type memOp struct {
	kind int
	col  CF
	key  []byte
	// value doubles as the range end for delete range ops.
	value []byte
}

type memWriteBatch struct {
	ops []memOp
}

func (b *memWriteBatch) Put(col CF, key, value []byte) {
	b.ops = append(b.ops, memOp{kind: memOpPut, col: col, key: dup(key), value: dup(value)})
}

func (b *memWriteBatch) Delete(col CF, key []byte) {
	b.ops = append(b.ops, memOp{kind: memOpDelete, col: col, key: dup(key)})
}

func (b *memWriteBatch) DeleteRange(col CF, startKey, endKey []byte) {
	b.ops = append(b.ops, memOp{kind: memOpDeleteRange, col: col, key: dup(startKey), value: dup(endKey)})
}

func (b *memWriteBatch) Close() {
	b.ops = nil
}

func dup(b []byte) []byte {
	ret := make([]byte, len(b))
	copy(ret, b)
	return ret
}
