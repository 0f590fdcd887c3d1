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

package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/plexfs/inodex/errors"
	"github.com/plexfs/inodex/format"
)

func groupRange(ino uint64) Range {
	start, end := format.InoGroupRange(ino)
	return Range{Start: start, End: end}
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.TODO()
	m := NewManager()
	defer m.Close()

	l, err := m.Acquire(ctx, groupRange(5), Write)
	require.NoError(t, err)
	require.Equal(t, uint64(1), l.RefreshGen())
	require.True(t, l.Covers(format.InodeKey(5)))
	require.False(t, l.Covers(format.InodeKey(format.InoGroupSize+5)))
	m.Release(l)
	require.False(t, l.Covers(format.InodeKey(5)))
}

func TestRefreshGenStableAcrossRelease(t *testing.T) {
	ctx := context.TODO()
	m := NewManager()
	defer m.Close()

	l1, err := m.Acquire(ctx, groupRange(5), Write)
	require.NoError(t, err)
	gen := l1.RefreshGen()
	m.Release(l1)

	// undisturbed coverage keeps the generation
	l2, err := m.Acquire(ctx, groupRange(5), Read)
	require.NoError(t, err)
	require.Equal(t, gen, l2.RefreshGen())
	m.Release(l2)

	// invalidation advances it
	m.Invalidate(groupRange(5))
	l3, err := m.Acquire(ctx, groupRange(5), Write)
	require.NoError(t, err)
	require.Greater(t, l3.RefreshGen(), gen)
	m.Release(l3)
}

func TestSharedReaders(t *testing.T) {
	ctx := context.TODO()
	m := NewManager()
	defer m.Close()

	l1, err := m.Acquire(ctx, groupRange(5), Read)
	require.NoError(t, err)
	l2, err := m.Acquire(ctx, groupRange(5), Read)
	require.NoError(t, err)
	m.Release(l1)
	m.Release(l2)
}

func TestWriterExcludes(t *testing.T) {
	ctx := context.TODO()
	m := NewManager()
	defer m.Close()

	l1, err := m.Acquire(ctx, groupRange(5), Write)
	require.NoError(t, err)

	acquired := make(chan *Lock)
	go func() {
		l, err := m.Acquire(ctx, groupRange(5), Read)
		require.NoError(t, err)
		acquired <- l
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired while writer held")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(l1)
	l2 := <-acquired
	m.Release(l2)
}

func TestDistinctRangesIndependent(t *testing.T) {
	ctx := context.TODO()
	m := NewManager()
	defer m.Close()

	l1, err := m.Acquire(ctx, groupRange(5), Write)
	require.NoError(t, err)
	l2, err := m.Acquire(ctx, groupRange(format.InoGroupSize+5), Write)
	require.NoError(t, err)
	m.Release(l1)
	m.Release(l2)
}

func TestCovered(t *testing.T) {
	ctx := context.TODO()
	m := NewManager()
	defer m.Close()

	key := format.InodeKey(5)
	require.False(t, m.Covered(key))

	l, err := m.Acquire(ctx, groupRange(5), Write)
	require.NoError(t, err)
	require.True(t, m.Covered(key))

	// coverage outlives the grant
	m.Release(l)
	require.True(t, m.Covered(key))

	m.Invalidate(groupRange(5))
	require.False(t, m.Covered(key))
}

func TestInvalidateCallback(t *testing.T) {
	ctx := context.TODO()
	m := NewManager()
	defer m.Close()

	var mu sync.Mutex
	var got []Range
	m.OnInvalidate(func(rng Range) {
		mu.Lock()
		got = append(got, rng)
		mu.Unlock()
	})

	l, err := m.Acquire(ctx, groupRange(5), Write)
	require.NoError(t, err)
	m.Release(l)
	m.Invalidate(groupRange(5))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.True(t, got[0].Equal(groupRange(5)))
}

func TestCancelWakesWaiter(t *testing.T) {
	m := NewManager()
	defer m.Close()

	l, err := m.Acquire(context.TODO(), groupRange(5), Write)
	require.NoError(t, err)
	defer m.Release(l)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error)
	go func() {
		_, err := m.Acquire(ctx, groupRange(5), Write)
		errs <- err
	}()

	// cancellation alone must unblock the waiter; no other lock
	// activity touches this entry
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled waiter still blocked")
	}
}

func TestCloseFailsWaiters(t *testing.T) {
	ctx := context.TODO()
	m := NewManager()

	l, err := m.Acquire(ctx, groupRange(5), Write)
	require.NoError(t, err)
	defer m.Release(l)

	errs := make(chan error)
	go func() {
		_, err := m.Acquire(ctx, groupRange(5), Write)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.Close()
	require.ErrorIs(t, <-errs, apierrors.ErrLockManagerClosed)

	_, err = m.Acquire(ctx, groupRange(7), Read)
	require.ErrorIs(t, err, apierrors.ErrLockManagerClosed)
}
