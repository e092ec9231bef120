// Copyright 2023 The CubeFS Authors.
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

package transport

import (
	"context"

	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/raft"
	"google.golang.org/grpc"
)

const (
	metaServiceName        = "fsmeta.Meta"
	raftServiceName        = "fsmeta.Raft"
	replicationServiceName = "fsmeta.Replication"

	methodPropose   = "/" + metaServiceName + "/Propose"
	methodRead      = "/" + metaServiceName + "/Read"
	methodRaft      = "/" + raftServiceName + "/RaftMessageBatch"
	methodReplicate = "/" + replicationServiceName + "/Replicate"
)

type (
	// MetaService serves shard proposals and reads of one node. Typed
	// errors travel inside the responses.
	MetaService interface {
		Propose(ctx context.Context, req *proto.ProposeRequest) (*proto.ProposeResponse, error)
		Read(ctx context.Context, req *proto.ReadRequest) (*proto.ReadResponse, error)
	}
	RaftService interface {
		HandleRaftMessageBatch(ctx context.Context, batch *raft.RaftMessageRequestBatch) error
	}
	// ReplicationService receives journal batches from other sites.
	ReplicationService interface {
		Replicate(ctx context.Context, batch *proto.ReplicateBatch) (*proto.ReplicateAck, error)
	}
)

// Register installs every non nil service on s.
func Register(s *grpc.Server, meta MetaService, rs RaftService, repl ReplicationService) {
	if meta != nil {
		s.RegisterService(&metaServiceDesc, meta)
	}
	if rs != nil {
		s.RegisterService(&raftServiceDesc, rs)
	}
	if repl != nil {
		s.RegisterService(&replicationServiceDesc, repl)
	}
}

// NewServer returns a grpc server speaking the fsmeta codec.
func NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(codec{}),
		grpc.ChainUnaryInterceptor(unaryServerInterceptorWithTracer),
	}, opts...)
	return grpc.NewServer(opts...)
}

func unaryHandler[Req any, PReq interface {
	*Req
	message
}](fn func(srv interface{}, ctx context.Context, req PReq) (interface{}, error), method string,
) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return fn(srv, ctx, req.(PReq))
		})
	}
}

var metaServiceDesc = grpc.ServiceDesc{
	ServiceName: metaServiceName,
	HandlerType: (*MetaService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Propose",
			Handler: unaryHandler(func(srv interface{}, ctx context.Context, req *proto.ProposeRequest) (interface{}, error) {
				resp, err := srv.(MetaService).Propose(ctx, req)
				if err != nil {
					return &proto.ProposeResponse{Err: apierrors.ToInfo(err)}, nil
				}
				return resp, nil
			}, methodPropose),
		},
		{
			MethodName: "Read",
			Handler: unaryHandler(func(srv interface{}, ctx context.Context, req *proto.ReadRequest) (interface{}, error) {
				resp, err := srv.(MetaService).Read(ctx, req)
				if err != nil {
					return &proto.ReadResponse{Err: apierrors.ToInfo(err)}, nil
				}
				return resp, nil
			}, methodRead),
		},
	},
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: raftServiceName,
	HandlerType: (*RaftService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RaftMessageBatch",
			Handler: unaryHandler(func(srv interface{}, ctx context.Context, req *raft.RaftMessageRequestBatch) (interface{}, error) {
				if err := srv.(RaftService).HandleRaftMessageBatch(ctx, req); err != nil {
					return nil, err
				}
				return &empty{}, nil
			}, methodRaft),
		},
	},
}

var replicationServiceDesc = grpc.ServiceDesc{
	ServiceName: replicationServiceName,
	HandlerType: (*ReplicationService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Replicate",
			Handler: unaryHandler(func(srv interface{}, ctx context.Context, req *proto.ReplicateBatch) (interface{}, error) {
				ack, err := srv.(ReplicationService).Replicate(ctx, req)
				if err != nil {
					return &proto.ReplicateAck{Err: apierrors.ToInfo(err)}, nil
				}
				return ack, nil
			}, methodReplicate),
		},
	},
}
