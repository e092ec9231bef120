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

package replication

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/shardserver/catalog"
	"github.com/cubefs/fsmeta/util"
)

type ReceiverConfig struct {
	// WaitPredecessorMs is how long a batch arriving ahead of its
	// predecessor waits before it is rejected as out of order.
	WaitPredecessorMs int64 `json:"wait_predecessor_ms"`
	PollIntervalMs    int64 `json:"poll_interval_ms"`
	// IdentityPath names the uid/gid mapping file, empty keeps ids as they are.
	IdentityPath string `json:"identity_path"`
}

func (cfg *ReceiverConfig) setDefaults() {
	util.SetDefault(&cfg.WaitPredecessorMs, 2000)
	util.SetDefault(&cfg.PollIntervalMs, 10)
}

// Shards is the part of the local catalog the receiver applies batches to.
type Shards interface {
	Site() uint32
	GetShard(id uint32) (catalog.Shard, error)
}

// Receiver applies batches shipped by peer sites. Failures are reported
// inside the ack so the sender learns how far the shard got.
type Receiver struct {
	cfg    *ReceiverConfig
	shards Shards
	ids    *IdentityMap
}

func NewReceiver(cfg *ReceiverConfig, shards Shards) (*Receiver, error) {
	cfg.setDefaults()
	ids, err := LoadIdentityMap(cfg.IdentityPath)
	if err != nil {
		return nil, err
	}
	return &Receiver{cfg: cfg, shards: shards, ids: ids}, nil
}

func (r *Receiver) Replicate(ctx context.Context, batch *proto.ReplicateBatch) (*proto.ReplicateAck, error) {
	ack := &proto.ReplicateAck{}
	if err := r.replicate(ctx, batch, ack); err != nil {
		span := trace.SpanFromContextSafe(ctx)
		span.Debugf("apply batch [%d, %d] of shard[%d] from site[%d] failed: %s",
			batch.From, batch.To, batch.Shard, batch.SourceSite, err)
		ack.Err = apierrors.ToInfo(err)
	}
	return ack, nil
}

func (r *Receiver) replicate(ctx context.Context, batch *proto.ReplicateBatch, ack *proto.ReplicateAck) error {
	if batch.TargetSite != r.shards.Site() {
		return apierrors.Reason(apierrors.ErrInvalidArgument,
			"batch for site %d delivered to site %d", batch.TargetSite, r.shards.Site())
	}
	if batch.To < batch.From {
		return apierrors.Reason(apierrors.ErrInvalidArgument, "empty batch [%d, %d]", batch.From, batch.To)
	}
	s, err := r.shards.GetShard(batch.Shard)
	if err != nil {
		return err
	}
	if !s.IsLeader() {
		return apierrors.NotLeader(s.Leader())
	}

	inbound, err := r.waitPredecessor(ctx, s, batch)
	ack.Applied = inbound
	if err != nil {
		return err
	}
	if batch.To <= inbound {
		return nil
	}

	r.ids.Translate(batch.SourceSite, batch.Changes)
	op, err := proto.NewOp(proto.OpApplyRemote, batch)
	if err != nil {
		return err
	}
	ret, err := s.Propose(ctx, op)
	if err != nil {
		return err
	}
	ack.Applied = ret.Applied
	ack.Conflicts = uint32(len(ret.Conflicts))
	return nil
}

// waitPredecessor polls the inbound cursor until the batch is next in line
// or already applied. It returns the cursor last seen.
func (r *Receiver) waitPredecessor(ctx context.Context, s catalog.Shard, batch *proto.ReplicateBatch) (uint64, error) {
	deadline := time.Now().Add(time.Duration(r.cfg.WaitPredecessorMs) * time.Millisecond)
	poll := time.Duration(r.cfg.PollIntervalMs) * time.Millisecond
	for {
		status, err := s.ReplStatus(ctx)
		if err != nil {
			return 0, err
		}
		inbound := inboundOf(status, batch.SourceSite)
		if batch.From <= inbound+1 {
			if batch.From < inbound+1 && batch.To > inbound {
				return inbound, apierrors.Reason(apierrors.ErrOutOfOrder,
					"batch [%d, %d] overlaps inbound %d", batch.From, batch.To, inbound)
			}
			return inbound, nil
		}
		if time.Now().After(deadline) {
			return inbound, apierrors.Reason(apierrors.ErrOutOfOrder,
				"batch [%d, %d] from site %d, expect %d", batch.From, batch.To, batch.SourceSite, inbound+1)
		}
		if err = sleep(ctx, poll); err != nil {
			return inbound, err
		}
	}
}

func inboundOf(status *proto.ReplStatus, site uint32) uint64 {
	for _, in := range status.Inbound {
		if in.Site == site {
			return in.Seq
		}
	}
	return 0
}
