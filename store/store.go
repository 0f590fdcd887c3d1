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

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/plexfs/inodex/common/kvstore"
)

// ItemCF holds every persistent item of the volume: inode records,
// xattrs, extents, symlink targets, index items and orphan markers.
const ItemCF = kvstore.CF("item")

type Config struct {
	Path     string            `json:"path"`
	KVType   kvstore.LsmKVType `json:"kv_type"`
	KVOption kvstore.Option    `json:"kv_option"`
}

type Store struct {
	kvStore kvstore.Store
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.KVType == "" {
		cfg.KVType = kvstore.RocksdbLsmKVType
	}
	cfg.KVOption.ColumnFamily = append(cfg.KVOption.ColumnFamily, ItemCF)
	cfg.KVOption.CreateIfMissing = true

	kvStore, err := kvstore.NewKVStore(ctx, cfg.Path+"/kv", cfg.KVType, &cfg.KVOption)
	if err != nil {
		return nil, errors.Info(err, "open kv store")
	}

	return &Store{kvStore: kvStore}, nil
}

func (s *Store) KVStore() kvstore.Store {
	return s.kvStore
}

func (s *Store) Close() {
	s.kvStore.Close()
}
