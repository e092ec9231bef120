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
	"time"

	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/raft"
)

const defaultRaftSendTimeout = 3 * time.Second

// Resolver maps node ids of the local site to addresses.
type Resolver interface {
	NodeAddr(id proto.NodeID) (string, bool)
}

// StaticResolver resolves from a fixed site membership.
type StaticResolver proto.Site

func (r *StaticResolver) NodeAddr(id proto.NodeID) (string, bool) {
	n, ok := (*proto.Site)(r).Node(id)
	return n.Addr, ok
}

// RaftSender delivers raft message batches through a Dialer.
type RaftSender struct {
	dialer   Dialer
	resolver Resolver
	timeout  time.Duration
}

func NewRaftSender(dialer Dialer, resolver Resolver) *RaftSender {
	return &RaftSender{dialer: dialer, resolver: resolver, timeout: defaultRaftSendTimeout}
}

func (s *RaftSender) SendRaftMessageBatch(ctx context.Context, to uint64, batch *raft.RaftMessageRequestBatch) error {
	addr, ok := s.resolver.NodeAddr(to)
	if !ok {
		return apierrors.Reason(apierrors.ErrUnavailable, "unknown node %d", to)
	}
	cli, err := s.dialer.Raft(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return cli.HandleRaftMessageBatch(ctx, batch)
}
