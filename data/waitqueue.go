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

package data

import (
	"context"
	"sync"

	apierrors "github.com/plexfs/inodex/errors"
	"github.com/plexfs/inodex/proto"
)

// WaitQueue parks callers until an inode's offline extents have been
// staged back in.  Callers must not hold any inode lock while waiting;
// the lifecycle manager releases, waits, and retries from the top.
type WaitQueue struct {
	mu      sync.Mutex
	waiters map[proto.Ino][]chan error
}

func NewWaitQueue() *WaitQueue {
	return &WaitQueue{waiters: make(map[proto.Ino][]chan error)}
}

// Wait blocks until the ino is staged, the wait is aborted, or the
// context ends.
func (q *WaitQueue) Wait(ctx context.Context, ino proto.Ino) error {
	ch := make(chan error, 1)
	q.mu.Lock()
	q.waiters[ino] = append(q.waiters[ino], ch)
	q.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		q.drop(ino, ch)
		return ctx.Err()
	}
}

// Signal wakes every waiter for ino with success.
func (q *WaitQueue) Signal(ino proto.Ino) {
	q.complete(ino, nil)
}

// InjectError aborts every waiter for ino.  It is the administrative
// escape hatch for a recall that will never finish; a nil err aborts
// with the generic abort error.
func (q *WaitQueue) InjectError(ino proto.Ino, err error) {
	if err == nil {
		err = apierrors.ErrOfflineWaitAborted
	}
	q.complete(ino, err)
}

func (q *WaitQueue) complete(ino proto.Ino, err error) {
	q.mu.Lock()
	waiters := q.waiters[ino]
	delete(q.waiters, ino)
	q.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
}

func (q *WaitQueue) drop(ino proto.Ino, ch chan error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	waiters := q.waiters[ino]
	for i := range waiters {
		if waiters[i] == ch {
			q.waiters[ino] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(q.waiters[ino]) == 0 {
		delete(q.waiters, ino)
	}
}
