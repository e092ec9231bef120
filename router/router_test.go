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

package router

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/transport"
	"github.com/stretchr/testify/require"
)

type fakeMeta struct {
	id     uint64
	leader *atomic.Uint64
	calls  atomic.Int32
	err    error
}

func (m *fakeMeta) check() error {
	m.calls.Add(1)
	leader := m.leader.Load()
	if leader == 0 {
		return apierrors.ErrNoLeader
	}
	if leader != m.id {
		return apierrors.NotLeader(leader)
	}
	return m.err
}

func (m *fakeMeta) Propose(ctx context.Context, req *proto.ProposeRequest) (*proto.ProposeResponse, error) {
	if err := m.check(); err != nil {
		return &proto.ProposeResponse{Err: apierrors.ToInfo(err)}, nil
	}
	return &proto.ProposeResponse{Result: proto.OpResult{Applied: m.id}}, nil
}

func (m *fakeMeta) Read(ctx context.Context, req *proto.ReadRequest) (*proto.ReadResponse, error) {
	if req.Consistency == proto.BoundedStale {
		m.calls.Add(1)
		return &proto.ReadResponse{Applied: m.id}, nil
	}
	if err := m.check(); err != nil {
		return &proto.ReadResponse{Err: apierrors.ToInfo(err)}, nil
	}
	return &proto.ReadResponse{Applied: m.id}, nil
}

type testRouter struct {
	*Router
	net    *transport.LocalNetwork
	leader *atomic.Uint64
	metas  map[uint64]*fakeMeta
}

func newTestRouter(t *testing.T, retryTimeoutMs int64) *testRouter {
	net := transport.NewLocalNetwork()
	leader := &atomic.Uint64{}
	metas := make(map[uint64]*fakeMeta)
	nodes := testNodes(3)
	for _, n := range nodes {
		m := &fakeMeta{id: n.ID, leader: leader}
		metas[n.ID] = m
		net.Register(n.Addr, m, nil, nil)
	}
	r, err := New(&Config{
		Site:            proto.Site{ID: 1, Nodes: nodes},
		ShardNum:        4,
		RetryTimeoutMs:  retryTimeoutMs,
		RetryIntervalMs: 5,
		Dialer:          net.Dialer("client"),
	})
	require.NoError(t, err)
	return &testRouter{Router: r, net: net, leader: leader, metas: metas}
}

func (tr *testRouter) totalCalls() int32 {
	n := int32(0)
	for _, m := range tr.metas {
		n += m.calls.Load()
	}
	return n
}

func TestRouterFollowsLeaderHint(t *testing.T) {
	tr := newTestRouter(t, 0)
	tr.leader.Store(3)
	ctx := context.Background()

	ret, err := tr.Propose(ctx, 1, proto.OpExpireLocks, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(3), ret.Applied)
	require.Equal(t, uint64(3), tr.Leader(1))
	require.LessOrEqual(t, tr.totalCalls(), int32(2))

	before := tr.totalCalls()
	_, err = tr.Propose(ctx, 1, proto.OpExpireLocks, nil)
	require.NoError(t, err)
	require.Equal(t, before+1, tr.totalCalls())

	// leader moves, the hint is followed without backing off
	tr.leader.Store(1)
	ret, err = tr.Propose(ctx, 1, proto.OpExpireLocks, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ret.Applied)
	require.Equal(t, uint64(1), tr.Leader(1))

	_, err = tr.Propose(ctx, 9, proto.OpExpireLocks, nil)
	require.ErrorIs(t, err, apierrors.ErrShardNotFound)
}

func TestRouterWaitsForElection(t *testing.T) {
	tr := newTestRouter(t, 0)
	go func() {
		time.Sleep(100 * time.Millisecond)
		tr.leader.Store(2)
	}()
	ret, err := tr.Propose(context.Background(), 0, proto.OpExpireLocks, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), ret.Applied)

	tr = newTestRouter(t, 200)
	start := time.Now()
	_, err = tr.Propose(context.Background(), 0, proto.OpExpireLocks, nil)
	require.ErrorIs(t, err, apierrors.ErrNoLeader)
	require.Less(t, time.Since(start), 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Propose(ctx, 0, proto.OpExpireLocks, nil)
	require.Error(t, err)
}

func TestRouterTypedErrors(t *testing.T) {
	tr := newTestRouter(t, 0)
	tr.leader.Store(2)
	tr.metas[2].err = apierrors.ErrExist

	_, err := tr.Propose(context.Background(), 0, proto.OpCreate, &proto.CreateOp{Parent: 1, Name: "a"})
	require.ErrorIs(t, err, apierrors.ErrExist)
	require.Equal(t, int32(1), tr.metas[2].calls.Load())
}

func TestRouterTimeoutNotResent(t *testing.T) {
	tr := newTestRouter(t, 0)
	tr.leader.Store(2)
	ctx := context.Background()
	_, err := tr.Propose(ctx, 0, proto.OpExpireLocks, nil)
	require.NoError(t, err)

	calls := tr.metas[2].calls.Load()
	tr.net.DropNext("node-2", 1)
	_, err = tr.Propose(ctx, 0, proto.OpExpireLocks, nil)
	require.ErrorIs(t, err, apierrors.ErrTimeout)
	require.Equal(t, calls+1, tr.metas[2].calls.Load())

	// reads are idempotent and retried
	tr.net.DropNext("node-2", 1)
	resp, err := tr.Read(ctx, &proto.ReadRequest{Shard: 0, Type: proto.ReadGetInode, Ino: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(2), resp.Applied)
}

func TestRouterBoundedStaleRead(t *testing.T) {
	tr := newTestRouter(t, 0)
	tr.net.SetDown("node-1", true)
	served := map[uint64]bool{}
	for i := 0; i < 12; i++ {
		resp, err := tr.Read(context.Background(), &proto.ReadRequest{Shard: 2, Type: proto.ReadGetInode, Ino: 1, Consistency: proto.BoundedStale})
		require.NoError(t, err)
		served[resp.Applied] = true
	}
	require.False(t, served[1])
	require.True(t, served[2])
	require.True(t, served[3])
}

func TestRouterRouteEntry(t *testing.T) {
	tr := newTestRouter(t, 0)
	dir := proto.MakeIno(1, 2, 10, 4)
	require.Equal(t, uint32(2), tr.Route(dir))
	require.Equal(t, uint32(2), tr.RouteEntry(dir, "x"))

	split := tr.PlanSplit(dir)
	require.Equal(t, []uint32{2, 3, 0, 1}, split.Shards)
	tr.LearnSplit(split)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		require.Equal(t, split.ShardOf(name), tr.RouteEntry(dir, name))
	}
	require.False(t, tr.ObserveCreate(dir))

	tr.LearnSplit(&proto.DirSplit{Dir: dir, Shards: []uint32{2}, Epoch: 0})
	got, ok := tr.Split(dir)
	require.True(t, ok)
	require.Equal(t, uint64(1), got.Epoch)

	tr.LearnSplit(&proto.DirSplit{Dir: dir, Shards: []uint32{2}, Epoch: 2})
	require.Equal(t, uint32(2), tr.RouteEntry(dir, "a"))
}
