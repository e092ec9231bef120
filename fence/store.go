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

package fence

import (
	"context"
	"encoding/binary"
	"net/http"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/fsmeta/common/kvstore"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/hashicorp/consul/api"
)

// Store keeps the fence state every site agrees on. Updates are
// compare-and-swap on a revision so concurrent authorities never lose an
// epoch.
type Store interface {
	// Load returns the state and its revision, an empty state at revision 0
	// when nothing was saved yet.
	Load(ctx context.Context) (*proto.FenceState, uint64, error)
	// CompareAndSwap saves state when the stored revision is still rev.
	CompareAndSwap(ctx context.Context, state *proto.FenceState, rev uint64) (bool, error)
}

var kvFenceKey = []byte("fence/state")

// KVStore keeps the state in a local kv store. It serves single process
// deployments and tests, where every authority shares the same instance.
type KVStore struct {
	kv   kvstore.Store
	cf   kvstore.CF
	lock sync.Mutex
}

func NewKVStore(kv kvstore.Store, cf kvstore.CF) *KVStore {
	return &KVStore{kv: kv, cf: cf}
}

func (s *KVStore) Load(ctx context.Context) (*proto.FenceState, uint64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.load(ctx)
}

func (s *KVStore) load(ctx context.Context) (*proto.FenceState, uint64, error) {
	raw, err := s.kv.GetRaw(ctx, s.cf, kvFenceKey, nil)
	if err == kvstore.ErrNotFound {
		return &proto.FenceState{Active: make(map[uint32]uint64)}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if len(raw) < 8 {
		return nil, 0, apierrors.Reason(apierrors.ErrInvariant, "fence record of %d bytes", len(raw))
	}
	state := &proto.FenceState{}
	if err = state.Unmarshal(raw[8:]); err != nil {
		return nil, 0, errors.Info(err, "decode fence state")
	}
	return state, binary.BigEndian.Uint64(raw), nil
}

func (s *KVStore) CompareAndSwap(ctx context.Context, state *proto.FenceState, rev uint64) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, cur, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	if cur != rev {
		return false, nil
	}
	data, err := state.Marshal()
	if err != nil {
		return false, err
	}
	raw := binary.BigEndian.AppendUint64(make([]byte, 0, 8+len(data)), rev+1)
	raw = append(raw, data...)
	return true, s.kv.SetRaw(ctx, s.cf, kvFenceKey, raw, nil)
}

type ConsulConfig struct {
	Address string `json:"address"`
	Scheme  string `json:"scheme"`
	Token   string `json:"token"`
	Key     string `json:"key"`
}

// ConsulStore keeps the state in one consul key, the key's modify index is
// the revision.
type ConsulStore struct {
	key    string
	client *api.Client
}

func NewConsulStore(cfg *ConsulConfig) (*ConsulStore, error) {
	if cfg.Key == "" {
		cfg.Key = "fsmeta/fence"
	}
	config := api.DefaultConfig()
	config.HttpClient = http.DefaultClient
	if cfg.Address != "" {
		config.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		config.Scheme = cfg.Scheme
	}
	config.Token = cfg.Token
	client, err := api.NewClient(config)
	if err != nil {
		return nil, errors.Info(err, "new consul client")
	}
	return &ConsulStore{key: cfg.Key, client: client}, nil
}

func (s *ConsulStore) Load(ctx context.Context) (*proto.FenceState, uint64, error) {
	kv, _, err := s.client.KV().Get(s.key, (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx))
	if err != nil {
		return nil, 0, errors.Info(err, "get consul key", s.key)
	}
	if kv == nil {
		return &proto.FenceState{Active: make(map[uint32]uint64)}, 0, nil
	}
	state := &proto.FenceState{}
	if err = state.Unmarshal(kv.Value); err != nil {
		return nil, 0, errors.Info(err, "decode fence state")
	}
	return state, kv.ModifyIndex, nil
}

func (s *ConsulStore) CompareAndSwap(ctx context.Context, state *proto.FenceState, rev uint64) (bool, error) {
	data, err := state.Marshal()
	if err != nil {
		return false, err
	}
	ok, _, err := s.client.KV().CAS(&api.KVPair{Key: s.key, Value: data, ModifyIndex: rev},
		(&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, errors.Info(err, "cas consul key", s.key)
	}
	return ok, nil
}
