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

// Package server assembles one metadata node: the shards it hosts, the
// replication agents of the shards it leads, the fencing and health
// workers and the services other nodes and operators talk to.
package server

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/fsmeta/audit"
	"github.com/cubefs/fsmeta/client"
	"github.com/cubefs/fsmeta/common/kvstore"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/fence"
	"github.com/cubefs/fsmeta/health"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/replication"
	"github.com/cubefs/fsmeta/retention"
	"github.com/cubefs/fsmeta/router"
	"github.com/cubefs/fsmeta/shardserver"
	"github.com/cubefs/fsmeta/shardserver/catalog"
	"github.com/cubefs/fsmeta/shardserver/store"
	"github.com/cubefs/fsmeta/transport"
	"github.com/cubefs/fsmeta/util/limiter"
)

const (
	FenceBackendKV     = "kv"
	FenceBackendConsul = "consul"

	fenceCF = kvstore.CF("fence")

	defaultProberLeaveTimeout = 3 * time.Second
)

type FenceConfig struct {
	// Backend keeps the shared fence state in consul. The kv backend is
	// local to one node and only valid for a single node without peers.
	Backend        string                `json:"backend"`
	Consul         fence.ConsulConfig    `json:"consul"`
	SyncIntervalMs int64                 `json:"sync_interval_ms"`
	Failover       health.FailoverConfig `json:"failover"`
}

type Config struct {
	Site     proto.Site `json:"site"`
	NodeID   uint64     `json:"node_id"`
	ShardNum uint32     `json:"shard_num"`
	Replicas int        `json:"replicas"`

	VirtualNodes  int                `json:"virtual_nodes"`
	StoreConfig   store.Config       `json:"store_config"`
	CatalogConfig catalog.Config     `json:"catalog_config"`
	Transport     transport.Config   `json:"transport"`
	Client        client.Config      `json:"client"`
	Replication   replication.Config `json:"replication"`
	Fence         FenceConfig        `json:"fence"`
	Retention     retention.Policy   `json:"retention"`
	// Prober is enabled on one node of every site by setting a bind port.
	Prober health.ProberConfig `json:"prober"`
	Limit  limiter.LimitConfig `json:"limit"`
	Audit  audit.Config        `json:"audit"`
	// AdminAuditLog records the requests of the operator api.
	AdminAuditLog auditlog.Config `json:"admin_audit_log"`

	Dialer transport.Dialer `json:"-"`
	// FenceStore overrides Fence.Backend with a store shared by the caller.
	FenceStore fence.Store `json:"-"`
}

type Server struct {
	cfg     *Config
	dialer  transport.Dialer
	owned   bool
	limiter limiter.Limiter
	audit   *audit.Logger

	shardServer *shardserver.ShardServer
	client      *client.Client
	replication *replication.Manager
	authority   *fence.Authority
	syncer      *fence.Syncer
	retention   *retention.Runner
	prober      *health.Prober
	monitor     *health.Monitor
}

func (cfg *Config) validate() error {
	if cfg.Site.ID == 0 {
		return apierrors.Reason(apierrors.ErrInvalidConfig, "site id can't be 0")
	}
	if _, ok := cfg.Site.Node(cfg.NodeID); !ok {
		return apierrors.Reason(apierrors.ErrInvalidConfig, "node %d is not a member of site %d", cfg.NodeID, cfg.Site.ID)
	}
	switch cfg.Fence.Backend {
	case "", FenceBackendKV, FenceBackendConsul:
	default:
		return apierrors.Reason(apierrors.ErrInvalidConfig, "unknown fence backend %q", cfg.Fence.Backend)
	}
	if cfg.FenceStore == nil && cfg.Fence.Backend != FenceBackendConsul &&
		(len(cfg.Site.Nodes) > 1 || len(cfg.Replication.Peers) > 0) {
		return apierrors.Reason(apierrors.ErrInvalidConfig,
			"kv fence backend is local to node %d, use consul for %d nodes and %d peers",
			cfg.NodeID, len(cfg.Site.Nodes), len(cfg.Replication.Peers))
	}
	return nil
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, dialer: cfg.Dialer}
	if s.dialer == nil {
		s.dialer = transport.NewGrpcDialer(cfg.Transport)
		s.owned = true
	}
	s.audit = audit.New(&cfg.Audit)
	s.limiter = limiter.NewLimiter(cfg.Limit)
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	cfg.StoreConfig.KVOption.ColumnFamily = append(cfg.StoreConfig.KVOption.ColumnFamily, fenceCF)
	s.shardServer, err = shardserver.NewShardServer(ctx, &shardserver.Config{
		Site:          cfg.Site,
		NodeID:        cfg.NodeID,
		ShardNum:      cfg.ShardNum,
		Replicas:      cfg.Replicas,
		VirtualNodes:  cfg.VirtualNodes,
		StoreConfig:   cfg.StoreConfig,
		CatalogConfig: cfg.CatalogConfig,
		Sender:        transport.NewRaftSender(s.dialer, (*transport.StaticResolver)(&cfg.Site)),
		Audit:         s.audit,
	})
	if err != nil {
		return nil, errors.Info(err, "new shard server")
	}

	clientCfg := cfg.Client
	clientCfg.RouterConfig.Site = cfg.Site
	clientCfg.RouterConfig.ShardNum = s.shardServer.ShardNum()
	clientCfg.RouterConfig.Replicas = cfg.Replicas
	clientCfg.RouterConfig.VirtualNodes = cfg.VirtualNodes
	clientCfg.Dialer = s.dialer
	if s.client, err = client.New(&clientCfg); err != nil {
		return nil, errors.Info(err, "new client")
	}

	if s.replication, err = replication.NewManager(&cfg.Replication, s.shardServer, s.dialer, s.limiter); err != nil {
		return nil, errors.Info(err, "new replication manager")
	}

	fenceStore := cfg.FenceStore
	switch {
	case fenceStore != nil:
	case cfg.Fence.Backend == FenceBackendConsul:
		if fenceStore, err = fence.NewConsulStore(&cfg.Fence.Consul); err != nil {
			return nil, errors.Info(err, "new consul fence store")
		}
	default:
		fenceStore = fence.NewKVStore(s.shardServer.KVStore(), fenceCF)
	}
	s.authority = fence.NewAuthority(fenceStore, s.audit)
	s.syncer = fence.NewSyncer(s.authority, s.shardServer, cfg.Fence.SyncIntervalMs)
	s.retention = retention.NewRunner(&cfg.Retention, s.shardServer)

	if cfg.Prober.BindPort > 0 {
		if len(cfg.Prober.Seeds) == 0 {
			cfg.Prober.Seeds = peerSeeds(cfg.Replication.Peers)
		}
		if s.prober, err = health.NewProber(&cfg.Prober, cfg.Site.ID); err != nil {
			return nil, err
		}
		if !cfg.Fence.Failover.Disabled {
			s.monitor = health.NewMonitor(&cfg.Fence.Failover, cfg.Site.ID, s.prober.Detector(), s.authority, s.audit)
		}
	}

	span.Infof("node[%d] of site[%d] assembled, peers: %d, fence backend: %q, prober: %v",
		cfg.NodeID, cfg.Site.ID, len(cfg.Replication.Peers), cfg.Fence.Backend, s.prober != nil)
	return s, nil
}

func peerSeeds(peers []router.Config) []string {
	var seeds []string
	for _, p := range peers {
		if p.Site.GossipAddr != "" {
			seeds = append(seeds, p.Site.GossipAddr)
		}
	}
	return seeds
}

// Start runs the background workers. Services are served separately.
func (s *Server) Start() {
	s.client.StartWatch()
	s.replication.Start()
	s.syncer.Start()
	s.retention.Start()
	if s.monitor != nil {
		s.monitor.Start()
	}
}

func (s *Server) ShardServer() *shardserver.ShardServer { return s.shardServer }

func (s *Server) Client() *client.Client { return s.client }

func (s *Server) Replication() *replication.Manager { return s.replication }

func (s *Server) Authority() *fence.Authority { return s.authority }

// EnrollSite admits site into fencing and starts holding journal records
// for it on the shards this node leads.
func (s *Server) EnrollSite(ctx context.Context, site uint32) (*proto.FenceState, error) {
	state, err := s.authority.Enroll(ctx, site)
	if err != nil {
		return nil, err
	}
	if site == s.cfg.Site.ID {
		return state, nil
	}
	if err = s.replication.Enroll(ctx, site); err != nil {
		return state, err
	}
	return state, nil
}

// Close stops in the reverse order of assembly. It tolerates a server
// assembled only partly.
func (s *Server) Close() {
	if s.monitor != nil {
		s.monitor.Close()
	}
	if s.prober != nil {
		if err := s.prober.Leave(defaultProberLeaveTimeout); err != nil {
			_ = s.prober.Close()
		}
	}
	if s.retention != nil {
		s.retention.Close()
	}
	if s.syncer != nil {
		s.syncer.Close()
	}
	if s.replication != nil {
		s.replication.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	if s.shardServer != nil {
		s.shardServer.Close()
	}
	if s.owned {
		if closer, ok := s.dialer.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
	_ = s.audit.Close()
}
