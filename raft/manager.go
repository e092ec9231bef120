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
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/fsmeta/common/kvstore"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	defaultTickIntervalMs    = uint32(10)
	defaultElectionTick      = 15
	defaultHeartbeatTick     = 3
	defaultMaxSizePerMsg     = uint64(1 << 20)
	defaultMaxInflightMsgs   = 256
	defaultProposalQueueSize = 1024
	defaultRecvQueueSize     = 4096
	defaultSnapshotEntries   = uint64(10000)
	defaultKeepEntries       = uint64(1000)

	defaultRaftCF = kvstore.CF("raft")
)

// Config of all groups hosted by one node. With the default 10ms tick the
// randomized election timeout falls in [150ms, 300ms).
type Config struct {
	NodeID            uint64          `json:"node_id"`
	TickIntervalMs    uint32          `json:"tick_interval_ms"`
	ElectionTick      int             `json:"election_tick"`
	HeartbeatTick     int             `json:"heartbeat_tick"`
	MaxSizePerMsg     uint64          `json:"max_size_per_msg"`
	MaxInflightMsgs   int             `json:"max_inflight_msgs"`
	ProposalQueueSize int             `json:"proposal_queue_size"`
	RecvQueueSize     int             `json:"recv_queue_size"`
	SnapshotEntries   uint64          `json:"snapshot_entries"`
	KeepEntries       uint64          `json:"keep_entries"`
	TransportConfig   TransportConfig `json:"transport"`

	KV         kvstore.Store              `json:"-"`
	CF         kvstore.CF                 `json:"-"`
	Sender     Sender                     `json:"-"`
	Logger     raft.Logger                `json:"-"`
	OnIsolated func(id uint64, err error) `json:"-"`
}

type GroupConfig struct {
	ID      uint64
	Members []Member
	SM      StateMachine
}

// Manager hosts the raft groups of one node and routes incoming messages
// to them.
type Manager struct {
	cfg       *Config
	groups    sync.Map
	transport *transport
	idGen     *idGenerator
	lock      sync.Mutex
}

func NewManager(cfg *Config) (*Manager, error) {
	if cfg.NodeID == 0 {
		return nil, errors.New("node id can't be 0")
	}
	if cfg.KV == nil || cfg.Sender == nil {
		return nil, errors.New("kv store and sender are required")
	}
	initialDefaultConfig(&cfg.TickIntervalMs, defaultTickIntervalMs)
	initialDefaultConfig(&cfg.ElectionTick, defaultElectionTick)
	initialDefaultConfig(&cfg.HeartbeatTick, defaultHeartbeatTick)
	initialDefaultConfig(&cfg.MaxSizePerMsg, defaultMaxSizePerMsg)
	initialDefaultConfig(&cfg.MaxInflightMsgs, defaultMaxInflightMsgs)
	initialDefaultConfig(&cfg.ProposalQueueSize, defaultProposalQueueSize)
	initialDefaultConfig(&cfg.RecvQueueSize, defaultRecvQueueSize)
	initialDefaultConfig(&cfg.SnapshotEntries, defaultSnapshotEntries)
	initialDefaultConfig(&cfg.KeepEntries, defaultKeepEntries)
	if cfg.CF == "" {
		cfg.CF = defaultRaftCF
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger
	}

	return &Manager{
		cfg:       cfg,
		transport: newTransport(&cfg.TransportConfig, cfg.Sender),
		idGen:     newIDGenerator(cfg.NodeID, time.Now()),
	}, nil
}

func (m *Manager) NodeID() uint64 {
	return m.cfg.NodeID
}

func (m *Manager) CreateRaftGroup(ctx context.Context, cfg *GroupConfig) (Group, error) {
	span := trace.SpanFromContextSafe(ctx)
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.groups.Load(cfg.ID); ok {
		return nil, ErrGroupExist
	}

	stg, err := newStorage(ctx, storageConfig{id: cfg.ID, members: cfg.Members, kv: m.cfg.KV, cf: m.cfg.CF})
	if err != nil {
		return nil, errors.Info(err, "open raft storage")
	}

	applied := cfg.SM.AppliedIndex()
	rn, err := raft.NewRawNode(&raft.Config{
		ID:                        m.cfg.NodeID,
		ElectionTick:              m.cfg.ElectionTick,
		HeartbeatTick:             m.cfg.HeartbeatTick,
		Storage:                   stg,
		Applied:                   applied,
		MaxSizePerMsg:             m.cfg.MaxSizePerMsg,
		MaxInflightMsgs:           m.cfg.MaxInflightMsgs,
		CheckQuorum:               true,
		PreVote:                   true,
		DisableProposalForwarding: true,
		Logger:                    m.cfg.Logger,
	})
	if err != nil {
		return nil, errors.Info(err, "new raw node")
	}

	g := &group{
		id:          cfg.ID,
		nodeID:      m.cfg.NodeID,
		cfg:         m.cfg,
		appliedIdx:  applied,
		snapshotIdx: stg.SnapshotIndex(),
		proposals:   newProposalQueue(m.cfg.ProposalQueueSize),
		recvc:       make(chan raftpb.Message, m.cfg.RecvQueueSize),
		actions:     make(chan func(rn *raft.RawNode), 64),
		stopc:       make(chan struct{}),
		donec:       make(chan struct{}),
		sm:          cfg.SM,
		storage:     stg,
		transport:   m.transport,
		idGen:       m.idGen,
	}
	m.groups.Store(cfg.ID, g)
	go g.run(rn)

	span.Infof("raft group[%d] created on node[%d], applied: %d", cfg.ID, m.cfg.NodeID, applied)
	return g, nil
}

func (m *Manager) GetRaftGroup(id uint64) (Group, error) {
	v, ok := m.groups.Load(id)
	if !ok {
		return nil, ErrGroupNotFound
	}
	return v.(*group), nil
}

// RemoveRaftGroup stops the group; with clear its log is deleted as well.
func (m *Manager) RemoveRaftGroup(ctx context.Context, id uint64, clear bool) error {
	v, ok := m.groups.LoadAndDelete(id)
	if !ok {
		return ErrGroupNotFound
	}
	g := v.(*group)
	g.Close()
	if clear {
		return g.storage.Destroy(ctx)
	}
	return nil
}

// HandleRaftMessageBatch dispatches messages received from another node.
func (m *Manager) HandleRaftMessageBatch(ctx context.Context, batch *RaftMessageRequestBatch) error {
	span := trace.SpanFromContextSafe(ctx)
	for i := range batch.Requests {
		req := &batch.Requests[i]
		if req.To != m.cfg.NodeID {
			span.Warnf("receive raft message for node[%d] on node[%d]", req.To, m.cfg.NodeID)
			continue
		}
		v, ok := m.groups.Load(req.GroupID)
		if !ok {
			continue
		}
		v.(*group).step(req.Message)
	}
	return nil
}

func (m *Manager) Range(f func(g Group) bool) {
	m.groups.Range(func(key, value interface{}) bool {
		return f(value.(*group))
	})
}

func (m *Manager) Close() {
	m.groups.Range(func(key, value interface{}) bool {
		value.(*group).Close()
		m.groups.Delete(key)
		return true
	})
	m.transport.Close()
}
