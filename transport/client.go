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
	"math"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/raft"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	defaultKeepaliveTimeoutS  = 5
	defaultBackoffBaseDelayMs = 100
	defaultBackoffMaxDelayMs  = 3000
	defaultConnectTimeoutMs   = 2000
)

type Config struct {
	KeepaliveTimeoutS  uint32 `json:"keepalive_timeout_s"`
	BackoffBaseDelayMs uint32 `json:"backoff_base_delay_ms"`
	BackoffMaxDelayMs  uint32 `json:"backoff_max_delay_ms"`
	ConnectTimeoutMs   uint32 `json:"connect_timeout_ms"`
}

// Dialer hands out service clients by address. Implementations share one
// connection per address.
type Dialer interface {
	Meta(addr string) (MetaService, error)
	Raft(addr string) (RaftService, error)
	Replication(addr string) (ReplicationService, error)
	Close() error
}

// GrpcDialer keeps one lazily dialed grpc connection per address.
type GrpcDialer struct {
	cfg       Config
	conns     sync.Map
	singleRun singleflight.Group
}

func NewGrpcDialer(cfg Config) *GrpcDialer {
	if cfg.KeepaliveTimeoutS == 0 {
		cfg.KeepaliveTimeoutS = defaultKeepaliveTimeoutS
	}
	if cfg.BackoffBaseDelayMs == 0 {
		cfg.BackoffBaseDelayMs = defaultBackoffBaseDelayMs
	}
	if cfg.BackoffMaxDelayMs == 0 {
		cfg.BackoffMaxDelayMs = defaultBackoffMaxDelayMs
	}
	if cfg.ConnectTimeoutMs == 0 {
		cfg.ConnectTimeoutMs = defaultConnectTimeoutMs
	}
	return &GrpcDialer{cfg: cfg}
}

func (d *GrpcDialer) Meta(addr string) (MetaService, error) {
	conn, err := d.getConnection(addr)
	if err != nil {
		return nil, err
	}
	return &grpcClient{conn: conn}, nil
}

func (d *GrpcDialer) Raft(addr string) (RaftService, error) {
	conn, err := d.getConnection(addr)
	if err != nil {
		return nil, err
	}
	return &grpcClient{conn: conn}, nil
}

func (d *GrpcDialer) Replication(addr string) (ReplicationService, error) {
	conn, err := d.getConnection(addr)
	if err != nil {
		return nil, err
	}
	return &grpcClient{conn: conn}, nil
}

func (d *GrpcDialer) getConnection(addr string) (*grpc.ClientConn, error) {
	if v, ok := d.conns.Load(addr); ok {
		return v.(*grpc.ClientConn), nil
	}
	v, err, _ := d.singleRun.Do(addr, func() (interface{}, error) {
		if v, ok := d.conns.Load(addr); ok {
			return v, nil
		}
		conn, err := grpc.Dial(addr, generateDialOpts(&d.cfg)...)
		if err != nil {
			return nil, err
		}
		d.conns.Store(addr, conn)
		return conn, nil
	})
	if err != nil {
		return nil, apierrors.Reason(apierrors.ErrUnavailable, "dial %s: %s", addr, err)
	}
	return v.(*grpc.ClientConn), nil
}

func (d *GrpcDialer) Close() error {
	d.conns.Range(func(key, value interface{}) bool {
		value.(*grpc.ClientConn).Close()
		d.conns.Delete(key)
		return true
	})
	return nil
}

type grpcClient struct {
	conn *grpc.ClientConn
}

func (c *grpcClient) Propose(ctx context.Context, req *proto.ProposeRequest) (*proto.ProposeResponse, error) {
	resp := &proto.ProposeResponse{}
	if err := c.conn.Invoke(ctx, methodPropose, req, resp); err != nil {
		return nil, wrapCallError(err)
	}
	if resp.Err != nil {
		return resp, apierrors.FromInfo(resp.Err)
	}
	return resp, nil
}

func (c *grpcClient) Read(ctx context.Context, req *proto.ReadRequest) (*proto.ReadResponse, error) {
	resp := &proto.ReadResponse{}
	if err := c.conn.Invoke(ctx, methodRead, req, resp); err != nil {
		return nil, wrapCallError(err)
	}
	if resp.Err != nil {
		return resp, apierrors.FromInfo(resp.Err)
	}
	return resp, nil
}

func (c *grpcClient) HandleRaftMessageBatch(ctx context.Context, batch *raft.RaftMessageRequestBatch) error {
	if err := c.conn.Invoke(ctx, methodRaft, batch, &empty{}); err != nil {
		return wrapCallError(err)
	}
	return nil
}

func (c *grpcClient) Replicate(ctx context.Context, batch *proto.ReplicateBatch) (*proto.ReplicateAck, error) {
	ack := &proto.ReplicateAck{}
	if err := c.conn.Invoke(ctx, methodReplicate, batch, ack); err != nil {
		return nil, wrapCallError(err)
	}
	if ack.Err != nil {
		return ack, apierrors.FromInfo(ack.Err)
	}
	return ack, nil
}

// wrapCallError keeps deadline errors recognizable and turns every other
// transport failure into a retryable error.
func wrapCallError(err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return apierrors.Reason(apierrors.ErrTimeout, "%s", err)
	case codes.Canceled:
		return context.Canceled
	}
	return apierrors.Reason(apierrors.ErrUnavailable, "%s", err)
}

func unaryInterceptorWithTracer(ctx context.Context, method string, req, reply interface{},
	cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption,
) error {
	span := trace.SpanFromContextSafe(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx, proto.ReqIdKey, span.TraceID())
	return invoker(ctx, method, req, reply, cc, opts...)
}

func unaryServerInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if reqID := md.Get(proto.ReqIdKey); len(reqID) > 0 {
			_, ctx = trace.StartSpanFromContextWithTraceID(ctx, info.FullMethod, reqID[0])
		}
	}
	return handler(ctx, req)
}

func generateDialOpts(cfg *Config) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(math.MaxInt32),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
			grpc.ForceCodec(codec{}),
		),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Time:                10 * time.Second,
				Timeout:             time.Duration(cfg.KeepaliveTimeoutS) * time.Second,
				PermitWithoutStream: true,
			},
		),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  time.Duration(cfg.BackoffBaseDelayMs) * time.Millisecond,
				Multiplier: backoff.DefaultConfig.Multiplier,
				Jitter:     backoff.DefaultConfig.Jitter,
				MaxDelay:   time.Duration(cfg.BackoffMaxDelayMs) * time.Millisecond,
			},
			MinConnectTimeout: time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		}),
		grpc.WithChainUnaryInterceptor(unaryInterceptorWithTracer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}
