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
	"github.com/cubefs/fsmeta/common/kvstore"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
)

// Locks are advisory, site local and never journaled. Every lock carries a
// lease; holders that do not refresh it lose the lock once it expires.

func (s *shardSM) getLock(t *applyTxn, ino uint64) (*proto.LockState, error) {
	raw, err := t.get(lockCF, t.keys.lockKey(ino))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return &proto.LockState{Ino: ino}, nil
		}
		return nil, err
	}
	state := &proto.LockState{}
	if err = state.Unmarshal(raw); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *shardSM) storeLock(t *applyTxn, state *proto.LockState) error {
	if len(state.Holders) == 0 {
		t.del(lockCF, t.keys.lockKey(state.Ino))
		return nil
	}
	raw, err := state.Marshal()
	if err != nil {
		return err
	}
	t.put(lockCF, t.keys.lockKey(state.Ino), raw)
	return nil
}

// dropExpired removes holders whose lease ended at or before now and
// reports whether any was removed.
func dropExpired(state *proto.LockState, now int64) bool {
	holders := state.Holders[:0]
	for _, h := range state.Holders {
		if h.Expire > now {
			holders = append(holders, h)
		}
	}
	dropped := len(holders) != len(state.Holders)
	state.Holders = holders
	return dropped
}

func (s *shardSM) applyLock(t *applyTxn, op *proto.LockOp) (*proto.OpResult, error) {
	if op.Holder == "" {
		return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "empty lock holder")
	}
	if op.Mode != proto.LockShared && op.Mode != proto.LockExclusive {
		return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "invalid lock mode %d", op.Mode)
	}
	if _, err := t.getInode(op.Ino); err != nil {
		return nil, err
	}
	state, err := s.getLock(t, op.Ino)
	if err != nil {
		return nil, err
	}
	now := t.op.Timestamp
	dropExpired(state, now)

	own := -1
	for i, h := range state.Holders {
		if h.Holder == op.Holder {
			own = i
			continue
		}
		if op.Mode == proto.LockExclusive || h.Mode == proto.LockExclusive {
			return nil, apierrors.Reason(apierrors.ErrLocked, "inode %d locked by %s", op.Ino, h.Holder)
		}
	}

	lease := op.LeaseMs
	if lease <= 0 {
		lease = s.sh().lockLease()
	}
	holder := proto.LockHolder{Holder: op.Holder, Mode: op.Mode, Expire: now + lease*1e6}
	if own >= 0 {
		state.Holders[own] = holder
	} else {
		state.Holders = append(state.Holders, holder)
	}
	if err = s.storeLock(t, state); err != nil {
		return nil, err
	}
	return &proto.OpResult{}, nil
}

func (s *shardSM) applyUnlock(t *applyTxn, op *proto.LockOp) (*proto.OpResult, error) {
	state, err := s.getLock(t, op.Ino)
	if err != nil {
		return nil, err
	}
	dropExpired(state, t.op.Timestamp)
	found := false
	holders := state.Holders[:0]
	for _, h := range state.Holders {
		if h.Holder == op.Holder {
			found = true
			continue
		}
		holders = append(holders, h)
	}
	state.Holders = holders
	if err = s.storeLock(t, state); err != nil {
		return nil, err
	}
	if !found {
		return nil, apierrors.ErrNotLocked
	}
	return &proto.OpResult{}, nil
}

func (s *shardSM) applyExpireLocks(t *applyTxn) (*proto.OpResult, error) {
	var expired []*proto.LockState
	err := t.scan(lockCF, t.keys.lockPrefix(), func(key, value []byte) (bool, error) {
		state := &proto.LockState{}
		if err := state.Unmarshal(value); err != nil {
			return false, err
		}
		if dropExpired(state, t.op.Timestamp) {
			expired = append(expired, state)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	for _, state := range expired {
		if err = s.storeLock(t, state); err != nil {
			return nil, err
		}
	}
	return &proto.OpResult{Applied: uint64(len(expired))}, nil
}
