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
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/cubefs/fsmeta/audit"
	"github.com/cubefs/fsmeta/common/kvstore"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/raft"
)

const (
	defaultShardNum              = 256
	defaultTaskPoolSize          = 16
	defaultExpireLocksInterval   = 5 * time.Second
	defaultInitRootRetryInterval = time.Second
)

type (
	Config struct {
		Site     uint32       `json:"site"`
		NodeID   uint64       `json:"node_id"`
		ShardNum uint32       `json:"shard_num"`
		Nodes    []proto.Node `json:"nodes"`
		// ExpireLocksIntervalMs is the period of the lease sweep run by
		// every shard leader.
		ExpireLocksIntervalMs int64       `json:"expire_locks_interval_ms"`
		ShardConfig           ShardConfig `json:"shard_config"`
		RaftConfig            raft.Config `json:"raft_config"`

		KV     kvstore.Store `json:"-"`
		Sender raft.Sender   `json:"-"`
		Audit  *audit.Logger `json:"-"`
		// Placement returns the replicas of a shard, every node of the
		// site when nil.
		Placement func(shardID uint32) []proto.Node `json:"-"`
	}

	// Shard is the view of one hosted shard used by the services of a node.
	Shard interface {
		ID() uint32
		IsLeader() bool
		Leader() uint64
		Propose(ctx context.Context, op *proto.Op) (*proto.OpResult, error)
		Read(ctx context.Context, req *proto.ReadRequest) (*proto.ReadResponse, error)
		ReadJournal(ctx context.Context, from uint64, limit int) ([]proto.JournalRecord, error)
		ReplStatus(ctx context.Context) (*proto.ReplStatus, error)
		Stat() (*raft.Stat, error)
	}
)

// Catalog hosts the shards of one node and serves proposals and reads
// addressed to them.
type Catalog struct {
	cfg      *Config
	manager  *raft.Manager
	shards   sync.Map
	taskPool taskpool.TaskPool

	done chan struct{}
	wg   sync.WaitGroup
}

func initConfig(cfg *Config) {
	if cfg.ShardNum == 0 {
		cfg.ShardNum = defaultShardNum
	}
	if cfg.ExpireLocksIntervalMs <= 0 {
		cfg.ExpireLocksIntervalMs = defaultExpireLocksInterval.Milliseconds()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop()
	}
	if cfg.Placement == nil {
		nodes := cfg.Nodes
		cfg.Placement = func(uint32) []proto.Node { return nodes }
	}
}

func groupID(shardID uint32) uint64 { return uint64(shardID) + 1 }

func NewCatalog(ctx context.Context, cfg *Config) (*Catalog, error) {
	span := trace.SpanFromContextSafe(ctx)
	initConfig(cfg)
	if cfg.KV == nil || cfg.Sender == nil {
		return nil, apierrors.Reason(apierrors.ErrInvalidConfig, "kv store and raft sender are required")
	}

	c := &Catalog{
		cfg:      cfg,
		taskPool: taskpool.New(defaultTaskPoolSize, defaultTaskPoolSize),
		done:     make(chan struct{}),
	}
	raftCfg := cfg.RaftConfig
	raftCfg.NodeID = cfg.NodeID
	raftCfg.KV = cfg.KV
	raftCfg.Sender = cfg.Sender
	raftCfg.OnIsolated = c.onIsolated
	manager, err := raft.NewManager(&raftCfg)
	if err != nil {
		return nil, err
	}
	c.manager = manager

	for id := uint32(0); id < cfg.ShardNum; id++ {
		nodes := cfg.Placement(id)
		members := make([]raft.Member, 0, len(nodes))
		hosted := false
		for _, n := range nodes {
			members = append(members, raft.Member{NodeID: n.ID, Host: n.Addr})
			hosted = hosted || n.ID == cfg.NodeID
		}
		if !hosted {
			continue
		}
		if err = c.addShard(ctx, id, members); err != nil {
			c.Close()
			return nil, errors.Info(err, "add shard", id)
		}
	}

	c.wg.Add(2)
	go c.expireLocksLoop()
	go c.initRootLoop()
	span.Infof("catalog of site[%d] node[%d] started with %d shards", cfg.Site, cfg.NodeID, cfg.ShardNum)
	return c, nil
}

func (c *Catalog) addShard(ctx context.Context, id uint32, members []raft.Member) error {
	s, err := newShard(ctx, &shardConfig{
		shardID:  id,
		site:     c.cfg.Site,
		nodeID:   c.cfg.NodeID,
		shardNum: c.cfg.ShardNum,
		kv:       c.cfg.KV,
		audit:    c.cfg.Audit,
		cfg:      &c.cfg.ShardConfig,
	})
	if err != nil {
		return err
	}
	group, err := c.manager.CreateRaftGroup(ctx, &raft.GroupConfig{
		ID:      groupID(id),
		Members: members,
		SM:      (*shardSM)(s),
	})
	if err != nil {
		return err
	}
	s.raftGroup = group
	c.shards.Store(id, s)
	return nil
}

func (c *Catalog) onIsolated(id uint64, err error) {
	if s, ok := c.getShard(uint32(id - 1)); ok {
		s.isolate(context.Background(), err)
	}
}

func (c *Catalog) getShard(id uint32) (*shard, bool) {
	v, ok := c.shards.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*shard), true
}

// GetShard returns a hosted shard.
func (c *Catalog) GetShard(id uint32) (Shard, error) {
	s, ok := c.getShard(id)
	if !ok {
		return nil, apierrors.ErrShardNotFound
	}
	return s, nil
}

func (c *Catalog) RangeShard(f func(s Shard) bool) {
	c.shards.Range(func(key, value interface{}) bool {
		return f(value.(*shard))
	})
}

func (c *Catalog) ShardNum() uint32 { return c.cfg.ShardNum }

func (c *Catalog) Site() uint32 { return c.cfg.Site }

// Propose implements the metadata service. Typed errors are returned in
// the response.
func (c *Catalog) Propose(ctx context.Context, req *proto.ProposeRequest) (*proto.ProposeResponse, error) {
	s, ok := c.getShard(req.Shard)
	if !ok {
		return &proto.ProposeResponse{Err: apierrors.ToInfo(apierrors.ErrShardNotFound)}, nil
	}
	if req.Op.Type == 0 {
		return &proto.ProposeResponse{Err: apierrors.ToInfo(apierrors.Reason(apierrors.ErrInvalidArgument, "empty op"))}, nil
	}
	op := req.Op
	ret, err := s.Propose(ctx, &op)
	resp := &proto.ProposeResponse{}
	if ret != nil {
		resp.Result = *ret
	}
	if err != nil {
		resp.Err = apierrors.ToInfo(err)
	}
	return resp, nil
}

func (c *Catalog) Read(ctx context.Context, req *proto.ReadRequest) (*proto.ReadResponse, error) {
	s, ok := c.getShard(req.Shard)
	if !ok {
		return &proto.ReadResponse{Err: apierrors.ToInfo(apierrors.ErrShardNotFound)}, nil
	}
	resp, err := s.Read(ctx, req)
	if err != nil {
		if resp == nil {
			resp = &proto.ReadResponse{}
		}
		resp.Err = apierrors.ToInfo(err)
	}
	return resp, nil
}

func (c *Catalog) HandleRaftMessageBatch(ctx context.Context, batch *raft.RaftMessageRequestBatch) error {
	return c.manager.HandleRaftMessageBatch(ctx, batch)
}

// ProposeAll proposes op on every hosted shard this node leads.
func (c *Catalog) ProposeAll(ctx context.Context, typ proto.OpType, body proto.Message) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	c.RangeShard(func(s Shard) bool {
		if !s.IsLeader() {
			return true
		}
		wg.Add(1)
		c.taskPool.Run(func() {
			defer wg.Done()
			op, err := proto.NewOp(typ, body)
			if err == nil {
				_, err = s.Propose(ctx, op)
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = errors.Info(err, "propose", typ.String(), "to shard", s.ID())
				}
				mu.Unlock()
			}
		})
		return true
	})
	wg.Wait()
	return firstErr
}

func (c *Catalog) expireLocksLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Duration(c.cfg.ExpireLocksIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			span, ctx := trace.StartSpanFromContext(context.Background(), "")
			if err := c.ProposeAll(ctx, proto.OpExpireLocks, nil); err != nil {
				span.Warnf("expire locks failed: %s", err)
			}
		case <-c.done:
			return
		}
	}
}

// initRootLoop creates the root directory once the root shard has a
// leader on this node.
func (c *Catalog) initRootLoop() {
	defer c.wg.Done()
	s, ok := c.getShard(proto.InoShard(proto.RootIno, c.cfg.ShardNum))
	if !ok {
		return
	}
	ticker := time.NewTicker(defaultInitRootRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !s.IsLeader() {
				continue
			}
			span, ctx := trace.StartSpanFromContext(context.Background(), "")
			op, err := proto.NewOp(proto.OpInitRoot, &proto.InitRootOp{Mode: defaultDirMode})
			if err != nil {
				span.Errorf("encode init root failed: %s", err)
				return
			}
			if _, err = s.Propose(ctx, op); err != nil {
				span.Warnf("init root failed: %s", err)
				continue
			}
			span.Infof("root of site[%d] ready", c.cfg.Site)
			return
		case <-c.done:
			return
		}
	}
}

func (s *shard) Stat() (*raft.Stat, error) {
	stat, err := s.raftGroup.Stat()
	if err != nil {
		return nil, err
	}
	stat.Isolated = stat.Isolated || s.isIsolated()
	return stat, nil
}

func (c *Catalog) Close() {
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)
	c.wg.Wait()
	c.manager.Close()
	c.taskPool.Close()
}
