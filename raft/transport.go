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

package raft

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	defaultSendQueueSize   = 1024
	defaultInflightMsgSize = 4 << 20
)

type TransportConfig struct {
	SendQueueSize      int `json:"send_queue_size"`
	MaxInflightMsgSize int `json:"max_inflight_msg_size"`
}

type queuedRequest struct {
	req   RaftMessageRequest
	group *group
}

// transport batches outgoing raft messages per target node. Each target has
// a bounded queue drained by one goroutine; a full queue reports the peer
// unreachable to raft instead of blocking the group worker.
type transport struct {
	cfg    *TransportConfig
	sender Sender
	queues sync.Map
	done   chan struct{}
	wg     sync.WaitGroup
}

func newTransport(cfg *TransportConfig, sender Sender) *transport {
	initialDefaultConfig(&cfg.SendQueueSize, defaultSendQueueSize)
	initialDefaultConfig(&cfg.MaxInflightMsgSize, defaultInflightMsgSize)
	return &transport{
		cfg:    cfg,
		sender: sender,
		done:   make(chan struct{}),
	}
}

func (t *transport) Send(ctx context.Context, g *group, messages []raftpb.Message) {
	span := trace.SpanFromContextSafe(ctx)
	for i := range messages {
		msg := messages[i]
		if msg.To == g.nodeID {
			continue
		}
		ch := t.getQueue(msg.To)
		select {
		case ch <- queuedRequest{group: g, req: RaftMessageRequest{GroupID: g.id, From: msg.From, To: msg.To, Message: msg}}:
		default:
			span.Debugf("raft send queue of node[%d] is full, drop %s", msg.To, msg.Type)
			g.reportUnreachable(msg.To)
		}
	}
}

func (t *transport) getQueue(to uint64) chan queuedRequest {
	if v, ok := t.queues.Load(to); ok {
		return v.(chan queuedRequest)
	}
	ch := make(chan queuedRequest, t.cfg.SendQueueSize)
	v, loaded := t.queues.LoadOrStore(to, ch)
	if !loaded {
		t.wg.Add(1)
		go t.processQueue(to, ch)
	}
	return v.(chan queuedRequest)
}

// processQueue sends as many queued requests as the inflight budget allows
// in one batch.
func (t *transport) processQueue(to uint64, ch chan queuedRequest) {
	defer t.wg.Done()
	span, ctx := trace.StartSpanFromContext(context.Background(), "")

	batch := &RaftMessageRequestBatch{}
	groups := make([]*group, 0, 16)
	for {
		select {
		case <-t.done:
			return
		case qr := <-ch:
			budget := t.cfg.MaxInflightMsgSize - qr.req.Size()
			batch.Requests = append(batch.Requests, qr.req)
			groups = append(groups, qr.group)
			for budget > 0 {
				select {
				case qr = <-ch:
					budget -= qr.req.Size()
					batch.Requests = append(batch.Requests, qr.req)
					groups = append(groups, qr.group)
				default:
					budget = -1
				}
			}

			if err := t.sender.SendRaftMessageBatch(ctx, to, batch); err != nil {
				span.Debugf("send raft messages to node[%d] failed: %s", to, err)
				reported := make(map[uint64]struct{})
				for i, g := range groups {
					if _, ok := reported[g.id]; ok {
						continue
					}
					reported[g.id] = struct{}{}
					g.reportUnreachable(batch.Requests[i].To)
				}
			}

			for i := range batch.Requests {
				batch.Requests[i] = RaftMessageRequest{}
				groups[i] = nil
			}
			batch.Requests = batch.Requests[:0]
			groups = groups[:0]
		}
	}
}

func (t *transport) Close() {
	close(t.done)
	t.wg.Wait()
}
