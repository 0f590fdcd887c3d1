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

package server

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/plexfs/inodex/authority"
	"github.com/plexfs/inodex/client"
	"github.com/plexfs/inodex/inode"
	"github.com/plexfs/inodex/item"
	"github.com/plexfs/inodex/lock"
	"github.com/plexfs/inodex/omap"
	"github.com/plexfs/inodex/store"
)

type Config struct {
	StoreConfig store.Config `json:"store_config"`
	InodeConfig inode.Config `json:"inode_config"`

	// AuthorityAddr names the node hosting the ino allocation
	// authority.  Empty means this node hosts it itself.
	AuthorityAddr string `json:"authority_addr"`
}

type Server struct {
	store   *store.Store
	items   *item.Store
	locks   *lock.Manager
	tracker *omap.Tracker
	inodes  *inode.Manager

	// authSvc is set when this node hosts the authority, authClient
	// when it reaches a remote one.
	authSvc    *authority.Service
	authClient *client.Client
}

func NewServer(cfg *Config) (*Server, error) {
	_, ctx := trace.StartSpanFromContext(context.Background(), "server-init")

	st, err := store.NewStore(ctx, &cfg.StoreConfig)
	if err != nil {
		return nil, errors.Info(err, "open store")
	}
	items, err := item.NewStore(ctx, st)
	if err != nil {
		st.Close()
		return nil, errors.Info(err, "open item store")
	}

	s := &Server{
		store: st,
		items: items,
		locks: lock.NewManager(),
	}

	var alloc authority.Allocator
	if cfg.AuthorityAddr == "" {
		auth, err := authority.NewAuthority(ctx, st)
		if err != nil {
			st.Close()
			return nil, errors.Info(err, "open authority")
		}
		s.tracker = omap.NewTracker(auth)
		auth.RegisterTracker(s.tracker)
		s.authSvc = authority.NewService(auth)
		alloc = auth
	} else {
		cli, err := client.NewClient(cfg.AuthorityAddr)
		if err != nil {
			st.Close()
			return nil, errors.Info(err, "dial authority")
		}
		s.authClient = cli
		s.tracker = omap.NewTracker(cli)
		alloc = cli
	}

	s.inodes = inode.NewManager(ctx, cfg.InodeConfig, items, s.locks, s.tracker, alloc)
	return s, nil
}

// Inodes exposes the lifecycle manager to embedding processes.
func (s *Server) Inodes() *inode.Manager { return s.inodes }

func (s *Server) Close() {
	s.inodes.Stop()
	s.locks.Close()
	if s.authClient != nil {
		s.authClient.Close()
	}
	s.store.Close()
}
