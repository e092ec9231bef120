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
	"sort"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/router"
	"github.com/cubefs/fsmeta/shardserver/catalog"
	"github.com/cubefs/fsmeta/transport"
	"github.com/cubefs/fsmeta/util"
	"github.com/cubefs/fsmeta/util/limiter"
)

type Config struct {
	Peers    []router.Config `json:"peers"`
	Agent    AgentConfig     `json:"agent"`
	Receiver ReceiverConfig  `json:"receiver"`
	// CheckIntervalMs is the period agents are started for newly led shards.
	CheckIntervalMs int64 `json:"check_interval_ms"`
}

// Catalog is the local shard catalog replication runs on.
type Catalog interface {
	Site() uint32
	GetShard(id uint32) (catalog.Shard, error)
	RangeShard(f func(s catalog.Shard) bool)
	ProposeAll(ctx context.Context, typ proto.OpType, body proto.Message) error
}

type agentKey struct {
	shard uint32
	site  uint32
}

// Manager runs one agent for every shard this node leads and every peer
// site. An agent exits when its shard loses leadership and is started
// again by the node that takes over.
type Manager struct {
	cfg      *Config
	catalog  Catalog
	limiter  limiter.Limiter
	receiver *Receiver
	peers    map[uint32]*router.Router

	lock   sync.Mutex
	agents map[agentKey]*Agent
	halted map[uint32]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg *Config, c Catalog, dialer transport.Dialer, lim limiter.Limiter) (*Manager, error) {
	util.SetDefault(&cfg.CheckIntervalMs, 500)
	cfg.Agent.setDefaults()
	if lim == nil {
		lim = limiter.NewLimiter(limiter.LimitConfig{})
	}
	receiver, err := NewReceiver(&cfg.Receiver, c)
	if err != nil {
		return nil, err
	}

	peers := make(map[uint32]*router.Router, len(cfg.Peers))
	for i := range cfg.Peers {
		peer := &cfg.Peers[i]
		if peer.Site.ID == c.Site() {
			return nil, apierrors.Reason(apierrors.ErrInvalidConfig, "site %d listed as its own peer", peer.Site.ID)
		}
		if _, ok := peers[peer.Site.ID]; ok {
			return nil, apierrors.Reason(apierrors.ErrInvalidConfig, "duplicated peer site %d", peer.Site.ID)
		}
		if peer.Dialer == nil {
			peer.Dialer = dialer
		}
		r, err := router.New(peer)
		if err != nil {
			return nil, errors.Info(err, "peer site", peer.Site.ID)
		}
		peers[peer.Site.ID] = r
	}

	return &Manager{
		cfg:      cfg,
		catalog:  c,
		limiter:  lim,
		receiver: receiver,
		peers:    peers,
		agents:   make(map[agentKey]*Agent),
		halted:   make(map[uint32]bool),
	}, nil
}

// Receiver serves the batches peers ship to this node.
func (m *Manager) Receiver() *Receiver { return m.receiver }

func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Duration(m.cfg.CheckIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		m.check(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// check starts the agents missing for led shards.
func (m *Manager) check(ctx context.Context) {
	m.catalog.RangeShard(func(s catalog.Shard) bool {
		if !s.IsLeader() {
			return true
		}
		for site, peer := range m.peers {
			m.startAgent(ctx, s, site, peer)
		}
		return true
	})
}

func (m *Manager) startAgent(ctx context.Context, s catalog.Shard, site uint32, peer *router.Router) {
	key := agentKey{shard: s.ID(), site: site}
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.agents[key]; ok {
		return
	}
	cfg := m.cfg.Agent
	a := NewAgent(&cfg, m.catalog.Site(), site, s, peer, m.limiter)
	if m.halted[site] {
		a.Backpressure().ForceHalt()
	}
	m.agents[key] = a

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		span, actx := trace.StartSpanFromContext(ctx, "")
		err := a.Run(actx)
		switch {
		case err == nil, ctx.Err() != nil, apierrors.Is(err, apierrors.ErrNotLeader):
		case apierrors.IsInvariant(err):
			span.Errorf("replication of shard[%d] to site[%d] stopped: %s", key.shard, key.site, err)
		default:
			span.Warnf("replication of shard[%d] to site[%d] exits: %s", key.shard, key.site, err)
		}
		m.lock.Lock()
		delete(m.agents, key)
		m.lock.Unlock()
	}()
}

// Enroll registers site as a replication target of every led shard. The
// journal is retained for it from now on.
func (m *Manager) Enroll(ctx context.Context, site uint32) error {
	if site == m.catalog.Site() {
		return apierrors.Reason(apierrors.ErrInvalidArgument, "enroll the local site %d", site)
	}
	return m.catalog.ProposeAll(ctx, proto.OpAdvanceCursor, &proto.CursorOp{Site: site})
}

// Pause stops shipping to site until Resume.
func (m *Manager) Pause(site uint32) error {
	return m.setHalt(site, true)
}

func (m *Manager) Resume(site uint32) error {
	return m.setHalt(site, false)
}

func (m *Manager) setHalt(site uint32, halt bool) error {
	if _, ok := m.peers[site]; !ok {
		return apierrors.Reason(apierrors.ErrNotFound, "site %d is not a peer", site)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.halted[site] = halt
	for key, a := range m.agents {
		if key.site != site {
			continue
		}
		if halt {
			a.Backpressure().ForceHalt()
		} else {
			a.Backpressure().ClearHalt()
		}
	}
	return nil
}

// Status returns the progress of the running agents ordered by shard.
func (m *Manager) Status() []AgentStatus {
	m.lock.Lock()
	ret := make([]AgentStatus, 0, len(m.agents))
	for _, a := range m.agents {
		ret = append(ret, a.Status())
	}
	m.lock.Unlock()
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Shard != ret[j].Shard {
			return ret[i].Shard < ret[j].Shard
		}
		return ret[i].Site < ret[j].Site
	})
	return ret
}

func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
