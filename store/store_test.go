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

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plexfs/inodex/common/kvstore"
	"github.com/plexfs/inodex/util"
)

func TestNewStore(t *testing.T) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)

	s, err := NewStore(context.TODO(), &Config{Path: path, KVType: kvstore.MemoryKVType})
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.KVStore().CheckColumns(ItemCF))
}
