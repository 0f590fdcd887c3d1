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

package proto

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// The engine's cluster services carry small control messages, so they
// ride gRPC with a json codec and hand-rolled service descriptors
// instead of generated protobuf stubs.

const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type AllocBatchRequest struct {
	Count uint32 `json:"count"`
}

type AllocBatchResponse struct {
	First   uint64 `json:"first"`
	Granted uint32 `json:"granted"`
}

type OpenBitmapRequest struct {
	Group uint64 `json:"group"`
}

type OpenBitmapResponse struct {
	Group uint64 `json:"group"`
	Bits  []byte `json:"bits"`
}

// AuthorityServer is the cluster side of inode number allocation and
// cluster-wide open inode tracking.
type AuthorityServer interface {
	AllocBatch(ctx context.Context, req *AllocBatchRequest) (*AllocBatchResponse, error)
	OpenBitmap(ctx context.Context, req *OpenBitmapRequest) (*OpenBitmapResponse, error)
}

const authorityServiceName = "inodex.Authority"

func allocBatchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	req := new(AllocBatchRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorityServer).AllocBatch(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + authorityServiceName + "/AllocBatch"}
	return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AuthorityServer).AllocBatch(ctx, req.(*AllocBatchRequest))
	})
}

func openBitmapHandler(srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	req := new(OpenBitmapRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorityServer).OpenBitmap(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + authorityServiceName + "/OpenBitmap"}
	return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AuthorityServer).OpenBitmap(ctx, req.(*OpenBitmapRequest))
	})
}

var authorityServiceDesc = grpc.ServiceDesc{
	ServiceName: authorityServiceName,
	HandlerType: (*AuthorityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AllocBatch", Handler: allocBatchHandler},
		{MethodName: "OpenBitmap", Handler: openBitmapHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterAuthorityServer(s *grpc.Server, srv AuthorityServer) {
	s.RegisterService(&authorityServiceDesc, srv)
}

// AuthorityClient calls the authority service over a client conn.
type AuthorityClient struct {
	cc *grpc.ClientConn
}

func NewAuthorityClient(cc *grpc.ClientConn) *AuthorityClient {
	return &AuthorityClient{cc: cc}
}

func (c *AuthorityClient) AllocBatch(ctx context.Context, req *AllocBatchRequest) (*AllocBatchResponse, error) {
	resp := new(AllocBatchResponse)
	err := c.cc.Invoke(ctx, "/"+authorityServiceName+"/AllocBatch", req, resp,
		grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *AuthorityClient) OpenBitmap(ctx context.Context, req *OpenBitmapRequest) (*OpenBitmapResponse, error) {
	resp := new(OpenBitmapResponse)
	err := c.cc.Invoke(ctx, "/"+authorityServiceName+"/OpenBitmap", req, resp,
		grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return resp, nil
}
