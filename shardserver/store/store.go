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

package store

import (
	"context"
	"os"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/fsmeta/common/kvstore"
	"github.com/cubefs/fsmeta/shardserver/catalog"
)

const raftCF = kvstore.CF("raft")

type Config struct {
	Path string `json:"path"`
	// KVType selects the engine, rocksdb unless set to memory.
	KVType   kvstore.LsmKVType `json:"kv_type"`
	KVOption kvstore.Option    `json:"kv_option"`
}

// Store is the local storage of one node: the shard state, journals,
// cursors and fence copies of every hosted shard plus their raft logs,
// all in column families of one kv store.
type Store struct {
	kvStore kvstore.Store
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.KVType == "" {
		cfg.KVType = kvstore.RocksdbLsmKVType
	}
	cfg.KVOption.ColumnFamily = columnFamilies(cfg.KVOption.ColumnFamily)

	kvStorePath := cfg.Path + "/kv"
	if cfg.KVType == kvstore.RocksdbLsmKVType {
		if cfg.Path == "" {
			return nil, errors.New("store path is required")
		}
		if err := os.MkdirAll(kvStorePath, 0o755); err != nil {
			return nil, errors.Info(err, "create store path", kvStorePath)
		}
		cfg.KVOption.CreateIfMissing = true
	}
	kvStore, err := kvstore.NewKVStore(ctx, kvStorePath, cfg.KVType, &cfg.KVOption)
	if err != nil {
		return nil, errors.Info(err, "open kv store")
	}
	span.Infof("%s store opened at %s", cfg.KVType, kvStorePath)
	return &Store{kvStore: kvStore}, nil
}

func columnFamilies(extra []kvstore.CF) []kvstore.CF {
	cfs := append([]kvstore.CF{raftCF}, catalog.ColumnFamilies...)
	for _, cf := range extra {
		found := false
		for _, have := range cfs {
			if have == cf {
				found = true
				break
			}
		}
		if !found {
			cfs = append(cfs, cf)
		}
	}
	return cfs
}

func (s *Store) KVStore() kvstore.Store {
	return s.kvStore
}

func (s *Store) Close() {
	s.kvStore.Close()
}
