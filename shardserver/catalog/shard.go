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

package catalog

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/fsmeta/audit"
	"github.com/cubefs/fsmeta/common/kvstore"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/metrics"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/raft"
)

const (
	defaultLockLeaseMs      = 30 * 1000
	defaultLookupLeaseMs    = 5 * 1000
	defaultMaxNameLen       = 255
	defaultMaxXattrValueLen = 64 << 10
	defaultListLimit        = 1000
	defaultTombstoneTTL     = 24 * time.Hour
)

var shardModule = []byte("shard")

type ShardConfig struct {
	LockLeaseMs      int64 `json:"lock_lease_ms"`
	LookupLeaseMs    int64 `json:"lookup_lease_ms"`
	MaxNameLen       int   `json:"max_name_len"`
	MaxXattrValueLen int   `json:"max_xattr_value_len"`
	ProposeTimeoutMs int64 `json:"propose_timeout_ms"`
	// DirentFeedSize bounds the changed names kept for resolver caches.
	DirentFeedSize int `json:"dirent_feed_size"`
}

type shardConfig struct {
	shardID  uint32
	site     uint32
	nodeID   uint64
	shardNum uint32
	kv       kvstore.Store
	audit    *audit.Logger
	cfg      *ShardConfig
}

type shard struct {
	shardID  uint32
	site     uint32
	nodeID   uint64
	shardNum uint32
	keys     shardKeys
	kv       kvstore.Store
	audit    *audit.Logger
	cfg      *ShardConfig

	raftGroup raft.Group
	feed      *direntFeed

	appliedIndex uint64
	leader       uint64
	lastTs       int64
	isolated     int32

	fenceMu sync.RWMutex
	fence   *proto.FenceState
}

func newShard(ctx context.Context, cfg *shardConfig) (*shard, error) {
	s := &shard{
		shardID:  cfg.shardID,
		site:     cfg.site,
		nodeID:   cfg.nodeID,
		shardNum: cfg.shardNum,
		keys:     shardKeys{shardID: cfg.shardID},
		kv:       cfg.kv,
		audit:    cfg.audit,
		cfg:      cfg.cfg,
		feed:     newDirentFeed(cfg.cfg.DirentFeedSize),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// load restores the in memory view from persisted shard state.
func (s *shard) load(ctx context.Context) error {
	raw, err := s.kv.GetRaw(ctx, metaCF, s.keys.metaKey(metaApplied), nil)
	if err != nil && err != kvstore.ErrNotFound {
		return err
	}
	atomic.StoreUint64(&s.appliedIndex, decodeUint64(raw))

	raw, err = s.kv.GetRaw(ctx, metaCF, s.keys.metaKey(metaFence), nil)
	if err == kvstore.ErrNotFound {
		s.setFence(nil)
		return nil
	}
	if err != nil {
		return err
	}
	fence := &proto.FenceState{}
	if err = fence.Unmarshal(raw); err != nil {
		return err
	}
	s.setFence(fence)
	return nil
}

func (s *shard) ID() uint32 {
	return s.shardID
}

func (s *shard) IsLeader() bool {
	return s.raftGroup.IsLeader() && !s.isIsolated()
}

// leads reports whether the last applied leader change named this node.
func (s *shard) leads() bool {
	return atomic.LoadUint64(&s.leader) == s.nodeID
}

func (s *shard) Leader() uint64 {
	return s.raftGroup.Leader()
}

// Propose commits op through the shard log and returns its apply result.
// Deterministic failures come back as typed errors next to the result.
func (s *shard) Propose(ctx context.Context, op *proto.Op) (*proto.OpResult, error) {
	span := trace.SpanFromContextSafe(ctx)
	if s.isIsolated() {
		return nil, apierrors.ErrShardIsolated
	}
	if !s.raftGroup.IsLeader() {
		if leader := s.raftGroup.Leader(); leader != 0 {
			return nil, apierrors.NotLeader(leader)
		}
		return nil, apierrors.ErrNoLeader
	}
	if isLocalWrite(op.Type) {
		if err := s.checkLocalFence(); err != nil {
			return nil, err
		}
	}

	op.Site = s.site
	op.Timestamp = s.nextTimestamp()
	data, err := op.Marshal()
	if err != nil {
		return nil, err
	}

	if s.cfg.ProposeTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.ProposeTimeoutMs)*time.Millisecond)
		defer cancel()
	}
	resp, err := s.raftGroup.Propose(ctx, &raft.ProposalData{Module: shardModule, Op: uint32(op.Type), Data: data})
	if err != nil {
		span.Warnf("shard[%d] propose %s failed: %s", s.shardID, op.Type, err)
		metrics.ProposalTotal.WithLabelValues(op.Type.String(), strconv.Itoa(int(apierrors.Code(err)))).Inc()
		return nil, err
	}
	ret, ok := resp.Data.(*proto.OpResult)
	if !ok {
		return nil, apierrors.Reason(apierrors.ErrTimeout, "no apply result")
	}
	metrics.ProposalTotal.WithLabelValues(op.Type.String(), strconv.Itoa(int(ret.Code))).Inc()
	if ret.Code != 0 {
		return ret, apierrors.FromCode(ret.Code, ret.Message, 0)
	}
	return ret, nil
}

// nextTimestamp is a strictly increasing wall clock in nanoseconds.
func (s *shard) nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&s.lastTs)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&s.lastTs, last, now) {
			return now
		}
	}
}

func (s *shard) observeTimestamp(ts int64) {
	for {
		last := atomic.LoadInt64(&s.lastTs)
		if ts <= last || atomic.CompareAndSwapInt64(&s.lastTs, last, ts) {
			return
		}
	}
}

func (s *shard) checkLocalFence() error {
	fence := s.getFence()
	if fence == nil {
		return nil
	}
	if _, ok := fence.Active[s.site]; !ok {
		return apierrors.Reason(apierrors.ErrFenced, "site %d fenced at epoch %d", s.site, fence.Epoch)
	}
	return nil
}

func (s *shard) getFence() *proto.FenceState {
	s.fenceMu.RLock()
	defer s.fenceMu.RUnlock()
	return s.fence
}

func (s *shard) setFence(fence *proto.FenceState) {
	s.fenceMu.Lock()
	s.fence = fence
	s.fenceMu.Unlock()
}

func (s *shard) isIsolated() bool {
	return atomic.LoadInt32(&s.isolated) == 1
}

func (s *shard) isolate(ctx context.Context, err error) {
	if !atomic.CompareAndSwapInt32(&s.isolated, 0, 1) {
		return
	}
	span := trace.SpanFromContextSafe(ctx)
	span.Errorf("shard[%d] isolated on node[%d]: %s", s.shardID, s.nodeID, err)
	s.audit.Isolation(s.shardID, s.nodeID, err)
	metrics.ShardIsolated.WithLabelValues(strconv.Itoa(int(s.shardID))).Inc()
}

func (s *shard) getAppliedIndex() uint64 {
	return atomic.LoadUint64(&s.appliedIndex)
}

func (s *shard) setAppliedIndex(index uint64) {
	atomic.StoreUint64(&s.appliedIndex, index)
	metrics.AppliedIndex.WithLabelValues(strconv.Itoa(int(s.shardID))).Set(float64(index))
}

func (s *shard) lockLease() int64 {
	if s.cfg.LockLeaseMs > 0 {
		return s.cfg.LockLeaseMs
	}
	return defaultLockLeaseMs
}

func (s *shard) lookupLease() int64 {
	if s.cfg.LookupLeaseMs > 0 {
		return s.cfg.LookupLeaseMs
	}
	return defaultLookupLeaseMs
}

func (s *shard) maxNameLen() int {
	if s.cfg.MaxNameLen > 0 {
		return s.cfg.MaxNameLen
	}
	return defaultMaxNameLen
}

func (s *shard) maxXattrValueLen() int {
	if s.cfg.MaxXattrValueLen > 0 {
		return s.cfg.MaxXattrValueLen
	}
	return defaultMaxXattrValueLen
}

func (s *shard) local(ino uint64) bool {
	return proto.InoShard(ino, s.shardNum) == s.shardID
}

// isLocalWrite reports whether op mutates replicated records on behalf of
// local clients. Fenced sites reject such operations.
func isLocalWrite(typ proto.OpType) bool {
	switch typ {
	case proto.OpCreate, proto.OpLink, proto.OpUnlink, proto.OpRename, proto.OpSetAttr,
		proto.OpSetXattr, proto.OpRemoveXattr, proto.OpAddLink, proto.OpDropLink,
		proto.OpRenamePrepare, proto.OpRenameInstall, proto.OpRenameCommit, proto.OpRepair:
		return true
	}
	return false
}
