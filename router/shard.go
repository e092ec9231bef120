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

package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
)

type shard struct {
	id    uint32
	r     *Router
	nodes []proto.Node
	// next replica for bounded stale reads
	next uint32

	lock   sync.RWMutex
	leader uint64
}

func (s *shard) getLeader() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.leader
}

func (s *shard) updateLeader(leader uint64) {
	s.lock.Lock()
	s.leader = leader
	s.lock.Unlock()
}

func (s *shard) node(id uint64) (proto.Node, bool) {
	for _, n := range s.nodes {
		if n.ID == id {
			return n, true
		}
	}
	return proto.Node{}, false
}

// candidates orders the replicas to try: the known leader first, or a
// rotating start for reads any replica may serve.
func (s *shard) candidates(anyReplica bool) []proto.Node {
	ret := make([]proto.Node, 0, len(s.nodes))
	if anyReplica {
		start := int(atomic.AddUint32(&s.next, 1)) % len(s.nodes)
		for i := range s.nodes {
			ret = append(ret, s.nodes[(start+i)%len(s.nodes)])
		}
		return ret
	}
	leader := s.getLeader()
	if n, ok := s.node(leader); ok {
		ret = append(ret, n)
	}
	for _, n := range s.nodes {
		if n.ID != leader {
			ret = append(ret, n)
		}
	}
	return ret
}

// doShardOperationRetry walks the replicas once, following leader hints,
// and backs off before the next walk while the shard has no reachable
// leader. Errors that are not retryable end the retry at once. A timed out
// request that is not idempotent is never resent, it may have been applied.
func (s *shard) doShardOperationRetry(ctx context.Context, anyReplica, idempotent bool, f func(node proto.Node) error) error {
	span := trace.SpanFromContextSafe(ctx)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(s.r.cfg.RetryIntervalMs) * time.Millisecond
	b.MaxElapsedTime = time.Duration(s.r.cfg.RetryTimeoutMs) * time.Millisecond

	op := func() error {
		err := s.walk(anyReplica, f)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return &backoff.PermanentError{Err: err}
		}
		if !apierrors.IsRetryable(err) || (!idempotent && apierrors.Is(err, apierrors.ErrTimeout)) {
			return &backoff.PermanentError{Err: err}
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		span.Debugf("shard[%d] retry in %s: %s", s.id, wait, err)
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func (s *shard) walk(anyReplica bool, f func(node proto.Node) error) error {
	if len(s.nodes) == 0 {
		return apierrors.Reason(apierrors.ErrUnavailable, "shard %d has no replicas", s.id)
	}
	tried := make(map[uint64]struct{}, len(s.nodes))
	queue := s.candidates(anyReplica)
	var err error
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if _, ok := tried[node.ID]; ok {
			continue
		}
		tried[node.ID] = struct{}{}

		if err = f(node); err == nil {
			if !anyReplica {
				s.updateLeader(node.ID)
			}
			return nil
		}
		if !s.nextReplica(err, anyReplica) {
			return err
		}
		if hint := apierrors.LeaderHint(err); hint != 0 {
			if n, ok := s.node(hint); ok {
				s.updateLeader(hint)
				queue = append([]proto.Node{n}, queue...)
			}
		}
	}
	return err
}

// nextReplica reports whether err is bound to the replica that returned
// it, so another replica may succeed.
func (s *shard) nextReplica(err error, anyReplica bool) bool {
	switch {
	case apierrors.Is(err, apierrors.ErrNotLeader),
		apierrors.Is(err, apierrors.ErrNoLeader),
		apierrors.Is(err, apierrors.ErrUnavailable),
		apierrors.Is(err, apierrors.ErrShardNotFound),
		apierrors.Is(err, apierrors.ErrShardIsolated),
		apierrors.Is(err, apierrors.ErrStaleReplica):
		return true
	case apierrors.Is(err, apierrors.ErrTimeout):
		return anyReplica
	}
	return false
}
