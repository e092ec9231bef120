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
	"sync"

	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/raft"
)

// LocalNetwork connects in-process nodes. Every message is encoded and
// decoded on the way so that peers never share memory. Nodes can be
// stopped and links cut to simulate failures.
type LocalNetwork struct {
	lock  sync.RWMutex
	meta  map[string]MetaService
	raft  map[string]RaftService
	repl  map[string]ReplicationService
	down  map[string]bool
	cut   map[[2]string]bool
	drops map[string]int
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		meta:  make(map[string]MetaService),
		raft:  make(map[string]RaftService),
		repl:  make(map[string]ReplicationService),
		down:  make(map[string]bool),
		cut:   make(map[[2]string]bool),
		drops: make(map[string]int),
	}
}

func (n *LocalNetwork) Register(addr string, meta MetaService, rs RaftService, repl ReplicationService) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if meta != nil {
		n.meta[addr] = meta
	}
	if rs != nil {
		n.raft[addr] = rs
	}
	if repl != nil {
		n.repl[addr] = repl
	}
}

func (n *LocalNetwork) Unregister(addr string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	delete(n.meta, addr)
	delete(n.raft, addr)
	delete(n.repl, addr)
}

// SetDown makes addr unreachable from everyone.
func (n *LocalNetwork) SetDown(addr string, down bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.down[addr] = down
}

// Partition cuts the link between a and b in both directions.
func (n *LocalNetwork) Partition(a, b string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.cut[[2]string{a, b}] = true
	n.cut[[2]string{b, a}] = true
}

func (n *LocalNetwork) Heal() {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.cut = make(map[[2]string]bool)
	n.down = make(map[string]bool)
}

// DropNext makes the next count calls to addr fail after the callee
// handled them, losing the reply.
func (n *LocalNetwork) DropNext(addr string, count int) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.drops[addr] = count
}

// Dialer returns the view of the network from addr.
func (n *LocalNetwork) Dialer(from string) Dialer {
	return &localDialer{net: n, from: from}
}

func (n *LocalNetwork) reachable(from, to string) error {
	n.lock.RLock()
	defer n.lock.RUnlock()
	if n.down[from] || n.down[to] || n.cut[[2]string{from, to}] {
		return apierrors.Reason(apierrors.ErrUnavailable, "%s unreachable from %s", to, from)
	}
	return nil
}

func (n *LocalNetwork) dropReply(to string) bool {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.drops[to] > 0 {
		n.drops[to]--
		return true
	}
	return false
}

type localDialer struct {
	net  *LocalNetwork
	from string
}

func (d *localDialer) Meta(addr string) (MetaService, error) {
	return &localClient{net: d.net, from: d.from, to: addr}, nil
}

func (d *localDialer) Raft(addr string) (RaftService, error) {
	return &localClient{net: d.net, from: d.from, to: addr}, nil
}

func (d *localDialer) Replication(addr string) (ReplicationService, error) {
	return &localClient{net: d.net, from: d.from, to: addr}, nil
}

func (d *localDialer) Close() error { return nil }

type localClient struct {
	net      *LocalNetwork
	from, to string
}

func (c *localClient) Propose(ctx context.Context, req *proto.ProposeRequest) (*proto.ProposeResponse, error) {
	in := &proto.ProposeRequest{}
	if err := c.pass(req, in); err != nil {
		return nil, err
	}
	c.net.lock.RLock()
	srv := c.net.meta[c.to]
	c.net.lock.RUnlock()
	if srv == nil {
		return nil, apierrors.Reason(apierrors.ErrUnavailable, "no meta service at %s", c.to)
	}
	resp, err := srv.Propose(ctx, in)
	if err != nil {
		resp = &proto.ProposeResponse{Err: apierrors.ToInfo(err)}
	}
	out := &proto.ProposeResponse{}
	if err = c.reply(resp, out); err != nil {
		return nil, err
	}
	if out.Err != nil {
		return out, apierrors.FromInfo(out.Err)
	}
	return out, nil
}

func (c *localClient) Read(ctx context.Context, req *proto.ReadRequest) (*proto.ReadResponse, error) {
	in := &proto.ReadRequest{}
	if err := c.pass(req, in); err != nil {
		return nil, err
	}
	c.net.lock.RLock()
	srv := c.net.meta[c.to]
	c.net.lock.RUnlock()
	if srv == nil {
		return nil, apierrors.Reason(apierrors.ErrUnavailable, "no meta service at %s", c.to)
	}
	resp, err := srv.Read(ctx, in)
	if err != nil {
		resp = &proto.ReadResponse{Err: apierrors.ToInfo(err)}
	}
	out := &proto.ReadResponse{}
	if err = c.reply(resp, out); err != nil {
		return nil, err
	}
	if out.Err != nil {
		return out, apierrors.FromInfo(out.Err)
	}
	return out, nil
}

func (c *localClient) HandleRaftMessageBatch(ctx context.Context, batch *raft.RaftMessageRequestBatch) error {
	in := &raft.RaftMessageRequestBatch{}
	if err := c.pass(batch, in); err != nil {
		return err
	}
	c.net.lock.RLock()
	srv := c.net.raft[c.to]
	c.net.lock.RUnlock()
	if srv == nil {
		return apierrors.Reason(apierrors.ErrUnavailable, "no raft service at %s", c.to)
	}
	return srv.HandleRaftMessageBatch(ctx, in)
}

func (c *localClient) Replicate(ctx context.Context, batch *proto.ReplicateBatch) (*proto.ReplicateAck, error) {
	in := &proto.ReplicateBatch{}
	if err := c.pass(batch, in); err != nil {
		return nil, err
	}
	c.net.lock.RLock()
	srv := c.net.repl[c.to]
	c.net.lock.RUnlock()
	if srv == nil {
		return nil, apierrors.Reason(apierrors.ErrUnavailable, "no replication service at %s", c.to)
	}
	ack, err := srv.Replicate(ctx, in)
	if err != nil {
		ack = &proto.ReplicateAck{Err: apierrors.ToInfo(err)}
	}
	out := &proto.ReplicateAck{}
	if err = c.reply(ack, out); err != nil {
		return nil, err
	}
	if out.Err != nil {
		return out, apierrors.FromInfo(out.Err)
	}
	return out, nil
}

func (c *localClient) pass(src, dst message) error {
	if err := c.net.reachable(c.from, c.to); err != nil {
		return err
	}
	data, err := src.Marshal()
	if err != nil {
		return err
	}
	return dst.Unmarshal(data)
}

func (c *localClient) reply(src, dst message) error {
	if c.net.dropReply(c.to) {
		return apierrors.Reason(apierrors.ErrTimeout, "reply from %s lost", c.to)
	}
	if err := c.net.reachable(c.to, c.from); err != nil {
		return apierrors.Reason(apierrors.ErrTimeout, "reply from %s lost", c.to)
	}
	data, err := src.Marshal()
	if err != nil {
		return err
	}
	return dst.Unmarshal(data)
}
