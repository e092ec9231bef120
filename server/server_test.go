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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cubefs/fsmeta/common/kvstore"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/fence"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/replication"
	"github.com/cubefs/fsmeta/router"
	"github.com/cubefs/fsmeta/shardserver/store"
	"github.com/cubefs/fsmeta/transport"
	"github.com/stretchr/testify/require"
)

const testShardNum = 2

func testSiteOf(id uint32) proto.Site {
	return proto.Site{ID: id, Nodes: []proto.Node{{ID: 1, Addr: fmt.Sprintf("site-%d", id)}}}
}

func newTestServers(t *testing.T, ids ...uint32) []*Server {
	net := transport.NewLocalNetwork()
	kv, err := kvstore.NewKVStore(context.Background(), "", kvstore.MemoryKVType, nil)
	require.NoError(t, err)
	t.Cleanup(kv.Close)
	fenceStore := fence.NewKVStore(kv, "")

	var servers []*Server
	for _, id := range ids {
		site := testSiteOf(id)
		cfg := &Config{
			Site:        site,
			NodeID:      site.Nodes[0].ID,
			ShardNum:    testShardNum,
			StoreConfig: store.Config{KVType: kvstore.MemoryKVType},
			Replication: replication.Config{
				Agent: replication.AgentConfig{
					FlushIntervalMs:    1,
					PollIntervalMs:     1,
					RetryIntervalMs:    1,
					MaxRetryIntervalMs: 5,
				},
				CheckIntervalMs: 20,
			},
			Dialer:     net.Dialer(site.Nodes[0].Addr),
			FenceStore: fenceStore,
		}
		for _, peer := range ids {
			if peer != id {
				cfg.Replication.Peers = append(cfg.Replication.Peers, router.Config{Site: testSiteOf(peer), ShardNum: testShardNum})
			}
		}
		s, err := NewServer(context.Background(), cfg)
		require.NoError(t, err)
		t.Cleanup(s.Close)
		NewRPCServer(s).Register(net, site.Nodes[0].Addr)

		require.Eventually(t, func() bool {
			_, err := s.Client().GetAttr(context.Background(), proto.RootIno)
			return err == nil
		}, 10*time.Second, 20*time.Millisecond)
		servers = append(servers, s)
	}
	return servers
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{Site: testSiteOf(1), NodeID: 1}
	require.NoError(t, cfg.validate())

	cfg.NodeID = 2
	require.True(t, apierrors.Is(cfg.validate(), apierrors.ErrInvalidConfig))

	cfg = &Config{Site: testSiteOf(1), NodeID: 1, Fence: FenceConfig{Backend: "zookeeper"}}
	require.True(t, apierrors.Is(cfg.validate(), apierrors.ErrInvalidConfig))

	cfg = &Config{Site: proto.Site{Nodes: testSiteOf(1).Nodes}, NodeID: 1}
	require.True(t, apierrors.Is(cfg.validate(), apierrors.ErrInvalidConfig))

	// a node local fence store can't serve peers or a replicated site
	peers := replication.Config{Peers: []router.Config{{Site: testSiteOf(2)}}}
	cfg = &Config{Site: testSiteOf(1), NodeID: 1, Replication: peers}
	require.True(t, apierrors.Is(cfg.validate(), apierrors.ErrInvalidConfig))
	cfg.Fence.Backend = FenceBackendKV
	require.True(t, apierrors.Is(cfg.validate(), apierrors.ErrInvalidConfig))
	cfg.Fence.Backend = FenceBackendConsul
	require.NoError(t, cfg.validate())

	site := testSiteOf(1)
	site.Nodes = append(site.Nodes, proto.Node{ID: 2, Addr: "site-1-2"})
	cfg = &Config{Site: site, NodeID: 1}
	require.True(t, apierrors.Is(cfg.validate(), apierrors.ErrInvalidConfig))
	cfg.FenceStore = fence.NewKVStore(nil, "")
	require.NoError(t, cfg.validate())
}

func TestServerReplicates(t *testing.T) {
	ctx := context.Background()
	servers := newTestServers(t, 1, 2)
	a, b := servers[0], servers[1]

	dir, err := a.Client().Mkdir(ctx, proto.RootIno, "dir", 0o755, 0, 0)
	require.NoError(t, err)
	_, err = a.Client().Create(ctx, dir.Ino, "f", 0o644, 0, 0)
	require.NoError(t, err)

	a.Start()
	b.Start()
	require.Eventually(t, func() bool {
		ino, err := b.Client().Resolve(ctx, "/dir/f")
		return err == nil && ino != 0
	}, 10*time.Second, 20*time.Millisecond)
}

func getJSON(t *testing.T, method, url string, ret interface{}) int {
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if ret != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(ret))
	}
	return resp.StatusCode
}

func TestHttpServer(t *testing.T) {
	servers := newTestServers(t, 1, 2)
	a := servers[0]
	a.Start()

	h := NewHttpServer(a)
	handler, err := h.Handler("")
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	var stats []ShardStat
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, ts.URL+"/stats", &stats))
	require.Len(t, stats, testShardNum)
	for i, st := range stats {
		require.Equal(t, uint32(i), st.Shard)
		require.NotNil(t, st.Raft)
	}

	var state proto.FenceState
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, ts.URL+"/fence/enroll?site=1", &state))
	require.Equal(t, uint32(1), state.Owner)
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, ts.URL+"/fence/enroll?site=2", &state))
	require.Equal(t, uint32(1), state.Owner)
	require.Len(t, state.Active, 2)

	require.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, ts.URL+"/fence/issue?site=2&reason=drill", &state))
	require.Equal(t, uint32(2), state.Owner)
	require.Len(t, state.Active, 1)
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, ts.URL+"/fence", &state))
	require.Equal(t, uint64(3), state.Epoch)

	require.Equal(t, http.StatusBadRequest, getJSON(t, http.MethodPost, ts.URL+"/fence/issue?site=0", nil))
	require.Equal(t, http.StatusNotFound, getJSON(t, http.MethodPost, ts.URL+"/replication/pause?site=9", nil))
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, ts.URL+"/replication/pause?site=2", nil))
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, ts.URL+"/replication/resume?site=2", nil))

	var fsck FsckResponse
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, ts.URL+"/fsck", &fsck))
	require.Len(t, fsck.Reports, testShardNum)
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, ts.URL+"/fsck?repair=true", &fsck))
	require.Len(t, fsck.Reports, testShardNum)
	require.Equal(t, uint64(0), fsck.Repaired)

	var gc GCResponse
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, ts.URL+"/journal/gc", &gc))

	var conflicts []proto.ConflictRecord
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, ts.URL+"/conflicts?shard=0", &conflicts))
	require.Empty(t, conflicts)
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, ts.URL+"/conflicts?shard=0&limit=10", &conflicts))

	require.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, ts.URL+"/limit?write=8", nil))
	require.Equal(t, 8, a.limiter.GetConfig().WriteConcurrency)
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, ts.URL+"/limit?read=10", nil))
	require.Equal(t, 10, a.limiter.GetConfig().ReadConcurrency)
	require.Equal(t, 8, a.limiter.GetConfig().WriteConcurrency)
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, ts.URL+"/metrics", nil))
}
