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

package server

import (
	"context"
	"net"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/fsmeta/metrics"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/transport"
	"github.com/cubefs/fsmeta/util/limiter"
	"google.golang.org/grpc"
)

// admission bounds the proposals and reads served at once. A request over
// the limit fails with a backpressure error the caller retries.
type admission struct {
	transport.MetaService
	limiter limiter.Limiter
}

func (a *admission) Propose(ctx context.Context, req *proto.ProposeRequest) (*proto.ProposeResponse, error) {
	if err := a.limiter.AcquireWrite(); err != nil {
		return nil, err
	}
	defer a.limiter.ReleaseWrite()
	return a.MetaService.Propose(ctx, req)
}

func (a *admission) Read(ctx context.Context, req *proto.ReadRequest) (*proto.ReadResponse, error) {
	if err := a.limiter.AcquireRead(); err != nil {
		return nil, err
	}
	defer a.limiter.ReleaseRead()
	return a.MetaService.Read(ctx, req)
}

type RPCServer struct {
	*Server
	grpcServer *grpc.Server
}

func NewRPCServer(server *Server) *RPCServer {
	s := transport.NewServer(grpc.ChainUnaryInterceptor(metrics.GRPCMetrics.UnaryServerInterceptor()))
	transport.Register(s,
		&admission{MetaService: server.shardServer, limiter: server.limiter},
		server.shardServer,
		server.replication.Receiver(),
	)
	metrics.GRPCMetrics.InitializeMetrics(s)
	return &RPCServer{Server: server, grpcServer: s}
}

// Serve listens on addr and serves in the background.
func (r *RPCServer) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Info(err, "listen", addr)
	}
	go func() {
		if err := r.grpcServer.Serve(lis); err != nil {
			log.Fatal("grpc server exits:", err)
		}
	}()
	log.Info("grpc server is running at:", addr)
	return nil
}

// Register installs the services on a local network instead of a listener.
func (r *RPCServer) Register(network *transport.LocalNetwork, addr string) {
	network.Register(addr,
		&admission{MetaService: r.shardServer, limiter: r.limiter},
		r.shardServer,
		r.replication.Receiver(),
	)
}

func (r *RPCServer) Stop() {
	r.grpcServer.GracefulStop()
}
