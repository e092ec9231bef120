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

// Package router maps inodes and directory entries to shards and carries
// proposals and reads to the replica that can serve them.
package router

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/transport"
	"github.com/cubefs/fsmeta/util"
)

const (
	defaultShardNum        = 256
	defaultRetryTimeoutMs  = int64(10 * 1000)
	defaultRetryIntervalMs = int64(20)
	defaultMaxStaleMs      = int64(1000)
)

type Config struct {
	Site     proto.Site `json:"site"`
	ShardNum uint32     `json:"shard_num"`
	// Replicas of every shard, all nodes of the site when zero.
	Replicas     int          `json:"replicas"`
	VirtualNodes int          `json:"virtual_nodes"`
	HotDir       HotDirConfig `json:"hot_dir"`
	// RetryTimeoutMs bounds the retries of one request on not-leader and
	// unavailable errors.
	RetryTimeoutMs  int64 `json:"retry_timeout_ms"`
	RetryIntervalMs int64 `json:"retry_interval_ms"`
	// MaxStaleMs is the staleness bound of bounded stale reads.
	MaxStaleMs int64 `json:"max_stale_ms"`

	Dialer transport.Dialer `json:"-"`
}

type Router struct {
	cfg     *Config
	ring    *Ring
	sampler *Sampler
	shards  []*shard
	splits  sync.Map
}

func New(cfg *Config) (*Router, error) {
	if cfg.Dialer == nil {
		return nil, apierrors.Reason(apierrors.ErrInvalidConfig, "router needs a dialer")
	}
	if len(cfg.Site.Nodes) == 0 {
		return nil, apierrors.Reason(apierrors.ErrInvalidConfig, "site %d has no nodes", cfg.Site.ID)
	}
	util.SetDefault(&cfg.ShardNum, defaultShardNum)
	util.SetDefault(&cfg.Replicas, len(cfg.Site.Nodes))
	util.SetDefault(&cfg.RetryTimeoutMs, defaultRetryTimeoutMs)
	util.SetDefault(&cfg.RetryIntervalMs, defaultRetryIntervalMs)
	util.SetDefault(&cfg.MaxStaleMs, defaultMaxStaleMs)

	r := &Router{
		cfg:     cfg,
		ring:    NewRing(cfg.Site.Nodes, cfg.VirtualNodes),
		sampler: NewSampler(&cfg.HotDir),
		shards:  make([]*shard, cfg.ShardNum),
	}
	for id := range r.shards {
		r.shards[id] = &shard{id: uint32(id), r: r, nodes: r.Placement(uint32(id))}
	}
	return r, nil
}

func (r *Router) ShardNum() uint32 { return r.cfg.ShardNum }

func (r *Router) Site() *proto.Site { return &r.cfg.Site }

func (r *Router) Ring() *Ring { return r.ring }

// Placement returns the replicas of a shard.
func (r *Router) Placement(shardID uint32) []proto.Node {
	return r.ring.Placement(shardID, r.cfg.Replicas)
}

// Route returns the shard owning ino.
func (r *Router) Route(ino uint64) uint32 {
	return proto.InoShard(ino, r.cfg.ShardNum)
}

// RouteEntry returns the shard a new entry of parent is created on. It is
// the parent's home shard unless the directory was split.
func (r *Router) RouteEntry(parent uint64, name string) uint32 {
	if split, ok := r.Split(parent); ok {
		return split.ShardOf(name)
	}
	return r.Route(parent)
}

func (r *Router) Split(dir uint64) (*proto.DirSplit, bool) {
	v, ok := r.splits.Load(dir)
	if !ok {
		return nil, false
	}
	return v.(*proto.DirSplit), true
}

// LearnSplit records a split seen in a response, newer epochs win.
func (r *Router) LearnSplit(split *proto.DirSplit) {
	if split == nil {
		return
	}
	for {
		v, loaded := r.splits.LoadOrStore(split.Dir, split)
		if !loaded {
			r.sampler.Forget(split.Dir)
			return
		}
		old := v.(*proto.DirSplit)
		if old.Epoch >= split.Epoch || r.splits.CompareAndSwap(split.Dir, old, split) {
			return
		}
	}
}

func (r *Router) ForgetSplit(dir uint64) {
	r.splits.Delete(dir)
}

// RefreshSplit reloads the split of dir from its home shard.
func (r *Router) RefreshSplit(ctx context.Context, dir uint64) (*proto.DirSplit, error) {
	resp, err := r.Read(ctx, &proto.ReadRequest{Shard: r.Route(dir), Type: proto.ReadGetSplit, Ino: dir})
	if err != nil {
		return nil, err
	}
	if resp.Split == nil {
		r.splits.Delete(dir)
		return nil, nil
	}
	r.LearnSplit(resp.Split)
	return resp.Split, nil
}

// ObserveCreate samples a dirent creating write into dir and reports
// whether the directory just became hot.
func (r *Router) ObserveCreate(dir uint64) bool {
	if _, ok := r.Split(dir); ok {
		return false
	}
	return r.sampler.Observe(dir)
}

// PlanSplit returns the split of a hot directory over SplitShards shards.
func (r *Router) PlanSplit(dir uint64) *proto.DirSplit {
	return &proto.DirSplit{
		Dir:    dir,
		Shards: SplitShards(r.Route(dir), r.cfg.HotDir.SplitShards, r.cfg.ShardNum),
		Epoch:  1,
	}
}

func (r *Router) shard(id uint32) (*shard, error) {
	if id >= uint32(len(r.shards)) {
		return nil, apierrors.Reason(apierrors.ErrShardNotFound, "shard %d", id)
	}
	return r.shards[id], nil
}

// Propose sends one operation to the leader of a shard, following leader
// hints and retrying while the shard has no reachable leader.
func (r *Router) Propose(ctx context.Context, shardID uint32, typ proto.OpType, body proto.Message) (*proto.OpResult, error) {
	s, err := r.shard(shardID)
	if err != nil {
		return nil, err
	}
	op, err := proto.NewOp(typ, body)
	if err != nil {
		return nil, err
	}
	var ret *proto.OpResult
	err = s.doShardOperationRetry(ctx, false, false, func(node proto.Node) error {
		meta, err := r.cfg.Dialer.Meta(node.Addr)
		if err != nil {
			return err
		}
		resp, err := meta.Propose(ctx, &proto.ProposeRequest{Shard: shardID, Op: *op})
		if resp != nil {
			ret = &resp.Result
		}
		return err
	})
	if err != nil {
		trace.SpanFromContextSafe(ctx).Debugf("propose %s to shard[%d] failed: %s", typ, shardID, err)
	}
	return ret, err
}

// Read serves linearizable reads from the shard leader and bounded stale
// reads from any replica. The response may be partially filled with a
// typed error, a failed lookup still carries the directory split.
func (r *Router) Read(ctx context.Context, req *proto.ReadRequest) (*proto.ReadResponse, error) {
	s, err := r.shard(req.Shard)
	if err != nil {
		return &proto.ReadResponse{}, err
	}
	if req.Consistency == proto.BoundedStale && req.MaxStaleMs == 0 {
		req.MaxStaleMs = r.cfg.MaxStaleMs
	}
	var ret *proto.ReadResponse
	err = s.doShardOperationRetry(ctx, req.Consistency == proto.BoundedStale, true, func(node proto.Node) error {
		meta, err := r.cfg.Dialer.Meta(node.Addr)
		if err != nil {
			return err
		}
		resp, err := meta.Read(ctx, req)
		if resp != nil {
			ret = resp
		}
		return err
	})
	if ret == nil {
		ret = &proto.ReadResponse{}
	}
	return ret, err
}

// Replicate hands a journal batch to the leader of the batch's shard at
// the site this router addresses. Replicas are walked once; retries are
// left to the caller, which owns the batch window.
func (r *Router) Replicate(ctx context.Context, batch *proto.ReplicateBatch) (*proto.ReplicateAck, error) {
	s, err := r.shard(batch.Shard)
	if err != nil {
		return &proto.ReplicateAck{}, err
	}
	ack := &proto.ReplicateAck{}
	err = s.walk(false, func(node proto.Node) error {
		repl, err := r.cfg.Dialer.Replication(node.Addr)
		if err != nil {
			return err
		}
		resp, err := repl.Replicate(ctx, batch)
		if resp != nil {
			ack = resp
		}
		return err
	})
	return ack, err
}

// Leader returns the cached leader of a shard.
func (r *Router) Leader(shardID uint32) uint64 {
	s, err := r.shard(shardID)
	if err != nil {
		return 0
	}
	return s.getLeader()
}
