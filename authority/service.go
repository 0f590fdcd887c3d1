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

	"google.golang.org/grpc"

	"github.com/plexfs/inodex/proto"
)

// Service adapts an Authority to the wire surface.
type Service struct {
	authority *Authority
}

func NewService(a *Authority) *Service {
	return &Service{authority: a}
}

func (s *Service) Register(server *grpc.Server) {
	proto.RegisterAuthorityServer(server, s)
}

func (s *Service) AllocBatch(ctx context.Context, req *proto.AllocBatchRequest) (*proto.AllocBatchResponse, error) {
	first, granted, err := s.authority.AllocBatch(ctx, req.Count)
	if err != nil {
		return nil, err
	}
	return &proto.AllocBatchResponse{First: first, Granted: granted}, nil
}

func (s *Service) OpenBitmap(ctx context.Context, req *proto.OpenBitmapRequest) (*proto.OpenBitmapResponse, error) {
	bits, err := s.authority.OpenBitmap(ctx, req.Group)
	if err != nil {
		return nil, err
	}
	return &proto.OpenBitmapResponse{Group: req.Group, Bits: bits}, nil
}

// RemoteAuthority is the client side: an Allocator and open bitmap
// source backed by the authority service on another node.
type RemoteAuthority struct {
	client *proto.AuthorityClient
}

func NewRemoteAuthority(cc *grpc.ClientConn) *RemoteAuthority {
	return &RemoteAuthority{client: proto.NewAuthorityClient(cc)}
}

func (r *RemoteAuthority) AllocBatch(ctx context.Context, count uint32) (proto.Ino, uint32, error) {
	resp, err := r.client.AllocBatch(ctx, &proto.AllocBatchRequest{Count: count})
	if err != nil {
		return 0, 0, err
	}
	return resp.First, resp.Granted, nil
}

func (r *RemoteAuthority) OpenBitmap(ctx context.Context, group uint64) ([]byte, error) {
	resp, err := r.client.OpenBitmap(ctx, &proto.OpenBitmapRequest{Group: group})
	if err != nil {
		return nil, err
	}
	return resp.Bits, nil
}
