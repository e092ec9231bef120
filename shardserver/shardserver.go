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

package shardserver

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/fsmeta/audit"
	"github.com/cubefs/fsmeta/common/kvstore"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/raft"
	"github.com/cubefs/fsmeta/router"
	"github.com/cubefs/fsmeta/shardserver/catalog"
	"github.com/cubefs/fsmeta/shardserver/store"
)

type Config struct {
	Site     proto.Site `json:"site"`
	NodeID   uint64     `json:"node_id"`
	ShardNum uint32     `json:"shard_num"`
	// Replicas of every shard placed by the hash ring, every node of the
	// site when zero.
	Replicas      int            `json:"replicas"`
	VirtualNodes  int            `json:"virtual_nodes"`
	StoreConfig   store.Config   `json:"store_config"`
	CatalogConfig catalog.Config `json:"catalog_config"`

	Sender raft.Sender   `json:"-"`
	Audit  *audit.Logger `json:"-"`
}

// ShardServer hosts the shards a node is a replica of.
type ShardServer struct {
	*catalog.Catalog
	store *store.Store
}

func NewShardServer(ctx context.Context, cfg *Config) (*ShardServer, error) {
	span := trace.SpanFromContextSafe(ctx)
	st, err := store.NewStore(ctx, &cfg.StoreConfig)
	if err != nil {
		return nil, err
	}

	replicas := cfg.Replicas
	if replicas <= 0 || replicas > len(cfg.Site.Nodes) {
		replicas = len(cfg.Site.Nodes)
	}
	ring := router.NewRing(cfg.Site.Nodes, cfg.VirtualNodes)

	catalogCfg := cfg.CatalogConfig
	catalogCfg.Site = cfg.Site.ID
	catalogCfg.NodeID = cfg.NodeID
	catalogCfg.ShardNum = cfg.ShardNum
	catalogCfg.Nodes = cfg.Site.Nodes
	catalogCfg.KV = st.KVStore()
	catalogCfg.Sender = cfg.Sender
	catalogCfg.Audit = cfg.Audit
	catalogCfg.Placement = func(shardID uint32) []proto.Node {
		return ring.Placement(shardID, replicas)
	}
	c, err := catalog.NewCatalog(ctx, &catalogCfg)
	if err != nil {
		st.Close()
		return nil, errors.Info(err, "new catalog")
	}
	span.Infof("shard server of site[%d] node[%d] started", cfg.Site.ID, cfg.NodeID)
	return &ShardServer{Catalog: c, store: st}, nil
}

func (s *ShardServer) Close() {
	s.Catalog.Close()
	s.store.Close()
}

// KVStore is the node's local kv store, shared with the components that
// keep node local state next to the shards.
func (s *ShardServer) KVStore() kvstore.Store {
	return s.store.KVStore()
}
