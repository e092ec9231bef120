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
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/shardserver/catalog"
	"github.com/cubefs/fsmeta/util"
)

// Shards is the local catalog the fence state is copied into.
type Shards interface {
	RangeShard(f func(s catalog.Shard) bool)
}

// Syncer copies the shared fence state into every shard this node leads
// whose copy is older. Shards check replication tokens against their copy
// at apply time.
type Syncer struct {
	auth     *Authority
	shards   Shards
	interval time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

func NewSyncer(auth *Authority, shards Shards, intervalMs int64) *Syncer {
	util.SetDefault(&intervalMs, 1000)
	return &Syncer{
		auth:     auth,
		shards:   shards,
		interval: time.Duration(intervalMs) * time.Millisecond,
		done:     make(chan struct{}),
	}
}

func (s *Syncer) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			span, ctx := trace.StartSpanFromContext(context.Background(), "")
			if err := s.Sync(ctx); err != nil {
				span.Warnf("sync fence state failed: %s", err)
			}
			select {
			case <-ticker.C:
			case <-s.done:
				return
			}
		}
	}()
}

// Sync proposes the current state to the lagging led shards.
func (s *Syncer) Sync(ctx context.Context) error {
	state, err := s.auth.State(ctx)
	if err != nil || state.Epoch == 0 {
		return err
	}
	op, err := proto.NewOp(proto.OpFenceUpdate, state)
	if err != nil {
		return err
	}
	var firstErr error
	s.shards.RangeShard(func(shard catalog.Shard) bool {
		if !shard.IsLeader() {
			return true
		}
		status, err := shard.ReplStatus(ctx)
		if err == nil && status.Fence != nil && status.Fence.Epoch >= state.Epoch {
			return true
		}
		if err == nil {
			_, err = shard.Propose(ctx, op)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

func (s *Syncer) Close() {
	close(s.done)
	s.wg.Wait()
}
