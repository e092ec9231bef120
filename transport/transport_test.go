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
	"net"
	"testing"

	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/raft"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

type echoService struct {
	proposes int
	batches  []*raft.RaftMessageRequestBatch
}

func (s *echoService) Propose(ctx context.Context, req *proto.ProposeRequest) (*proto.ProposeResponse, error) {
	s.proposes++
	if req.Shard == 0 {
		return nil, apierrors.NotLeader(3)
	}
	return &proto.ProposeResponse{Result: proto.OpResult{Applied: uint64(req.Shard)}}, nil
}

func (s *echoService) Read(ctx context.Context, req *proto.ReadRequest) (*proto.ReadResponse, error) {
	if req.Ino == 0 {
		return nil, apierrors.ErrNotFound
	}
	return &proto.ReadResponse{Inode: &proto.Inode{Ino: req.Ino}}, nil
}

func (s *echoService) HandleRaftMessageBatch(ctx context.Context, batch *raft.RaftMessageRequestBatch) error {
	s.batches = append(s.batches, batch)
	return nil
}

func (s *echoService) Replicate(ctx context.Context, batch *proto.ReplicateBatch) (*proto.ReplicateAck, error) {
	if batch.Token.Epoch == 0 {
		return nil, apierrors.ErrFenced
	}
	return &proto.ReplicateAck{Applied: batch.To}, nil
}

func checkServices(t *testing.T, d Dialer, addr string, srv *echoService) {
	ctx := context.Background()
	meta, err := d.Meta(addr)
	require.NoError(t, err)

	resp, err := meta.Propose(ctx, &proto.ProposeRequest{Shard: 7})
	require.NoError(t, err)
	require.Equal(t, uint64(7), resp.Result.Applied)

	_, err = meta.Propose(ctx, &proto.ProposeRequest{Shard: 0})
	require.ErrorIs(t, err, apierrors.ErrNotLeader)
	require.Equal(t, uint64(3), apierrors.LeaderHint(err))

	rr, err := meta.Read(ctx, &proto.ReadRequest{Ino: 9})
	require.NoError(t, err)
	require.Equal(t, uint64(9), rr.Inode.Ino)
	_, err = meta.Read(ctx, &proto.ReadRequest{})
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	rs, err := d.Raft(addr)
	require.NoError(t, err)
	batch := &raft.RaftMessageRequestBatch{Requests: []raft.RaftMessageRequest{
		{GroupID: 1, From: 1, To: 2, Message: raftpb.Message{Type: raftpb.MsgHeartbeat, From: 1, To: 2, Term: 4}},
	}}
	require.NoError(t, rs.HandleRaftMessageBatch(ctx, batch))
	require.Len(t, srv.batches, 1)
	require.Equal(t, uint64(4), srv.batches[0].Requests[0].Message.Term)

	repl, err := d.Replication(addr)
	require.NoError(t, err)
	ack, err := repl.Replicate(ctx, &proto.ReplicateBatch{From: 1, To: 5, Token: proto.FenceToken{Epoch: 1, Site: 2}})
	require.NoError(t, err)
	require.Equal(t, uint64(5), ack.Applied)
	_, err = repl.Replicate(ctx, &proto.ReplicateBatch{From: 1, To: 5})
	require.ErrorIs(t, err, apierrors.ErrFenced)
}

func TestGrpcTransport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &echoService{}
	s := NewServer()
	Register(s, srv, srv, srv)
	go s.Serve(ln)
	defer s.Stop()

	d := NewGrpcDialer(Config{})
	defer d.Close()
	checkServices(t, d, ln.Addr().String(), srv)
}

func TestLocalNetwork(t *testing.T) {
	n := NewLocalNetwork()
	srv := &echoService{}
	n.Register("b", srv, srv, srv)
	checkServices(t, n.Dialer("a"), "b", srv)

	ctx := context.Background()
	meta, _ := n.Dialer("a").Meta("b")

	n.Partition("a", "b")
	before := srv.proposes
	_, err := meta.Propose(ctx, &proto.ProposeRequest{Shard: 1})
	require.True(t, apierrors.IsRetryable(err))
	require.Equal(t, before, srv.proposes)

	// c is not partitioned from b
	other, _ := n.Dialer("c").Meta("b")
	_, err = other.Propose(ctx, &proto.ProposeRequest{Shard: 1})
	require.NoError(t, err)

	n.Heal()
	n.DropNext("b", 1)
	_, err = meta.Propose(ctx, &proto.ProposeRequest{Shard: 1})
	require.ErrorIs(t, err, apierrors.ErrTimeout)
	require.Equal(t, before+2, srv.proposes)

	n.SetDown("b", true)
	_, err = meta.Read(ctx, &proto.ReadRequest{Ino: 1})
	require.ErrorIs(t, err, apierrors.ErrUnavailable)
}

func TestRaftSender(t *testing.T) {
	n := NewLocalNetwork()
	srv := &echoService{}
	n.Register("n2", nil, srv, nil)
	site := &proto.Site{ID: 1, Nodes: []proto.Node{{ID: 1, Addr: "n1"}, {ID: 2, Addr: "n2"}}}
	s := NewRaftSender(n.Dialer("n1"), (*StaticResolver)(site))

	batch := &raft.RaftMessageRequestBatch{Requests: []raft.RaftMessageRequest{{GroupID: 1, From: 1, To: 2}}}
	require.NoError(t, s.SendRaftMessageBatch(context.Background(), 2, batch))
	require.Len(t, srv.batches, 1)
	require.Error(t, s.SendRaftMessageBatch(context.Background(), 9, batch))
}
