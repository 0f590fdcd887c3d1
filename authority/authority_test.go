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

package authority

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plexfs/inodex/common/kvstore"
	"github.com/plexfs/inodex/format"
	"github.com/plexfs/inodex/omap"
	"github.com/plexfs/inodex/proto"
	"github.com/plexfs/inodex/store"
)

func newTestAuthority(t *testing.T) (*Authority, *store.Store) {
	ctx := context.TODO()
	st, err := store.NewStore(ctx, &store.Config{KVType: kvstore.MemoryKVType})
	require.NoError(t, err)
	t.Cleanup(st.Close)

	a, err := NewAuthority(ctx, st)
	require.NoError(t, err)
	return a, st
}

func TestAllocBatch(t *testing.T) {
	ctx := context.TODO()
	a, st := newTestAuthority(t)

	first, granted, err := a.AllocBatch(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(format.FirstIno), first)
	require.Equal(t, uint32(100), granted)

	// batches never overlap
	second, granted, err := a.AllocBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, first+100, second)
	require.Equal(t, uint32(10), granted)

	_, _, err = a.AllocBatch(ctx, 0)
	require.ErrorIs(t, err, ErrInvalidCount)

	// the cursor survives reopen, burning nothing already granted
	reopened, err := NewAuthority(ctx, st)
	require.NoError(t, err)
	third, _, err := reopened.AllocBatch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, second+10, third)
}

func TestAllocBatchClamp(t *testing.T) {
	ctx := context.TODO()
	a, _ := newTestAuthority(t)

	_, granted, err := a.AllocBatch(ctx, MaxBatchCount+1)
	require.NoError(t, err)
	require.Equal(t, MaxBatchCount, granted)
}

func TestOpenBitmapMerge(t *testing.T) {
	ctx := context.TODO()
	a, _ := newTestAuthority(t)

	node1 := omap.NewTracker(nil)
	node2 := omap.NewTracker(nil)
	a.RegisterTracker(node1)
	a.RegisterTracker(node2)

	node1.Increment(3)
	node2.Increment(7)

	bits, err := a.OpenBitmap(ctx, 0)
	require.NoError(t, err)
	require.True(t, omap.TestBit(bits, 3))
	require.True(t, omap.TestBit(bits, 7))
	require.False(t, omap.TestBit(bits, 5))
}

func TestService(t *testing.T) {
	ctx := context.TODO()
	a, _ := newTestAuthority(t)
	svc := NewService(a)

	resp, err := svc.AllocBatch(ctx, &proto.AllocBatchRequest{Count: 5})
	require.NoError(t, err)
	require.Equal(t, uint64(format.FirstIno), resp.First)
	require.Equal(t, uint32(5), resp.Granted)

	tr := omap.NewTracker(nil)
	a.RegisterTracker(tr)
	tr.Increment(resp.First)

	bm, err := svc.OpenBitmap(ctx, &proto.OpenBitmapRequest{Group: format.InoGroup(resp.First)})
	require.NoError(t, err)
	require.True(t, omap.TestBit(bm.Bits, format.InoGroupBit(resp.First)))
}
