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
	"encoding/binary"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/fsmeta/common/kvstore"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

var (
	groupPrefix    = []byte("g")
	logIndexInfix  = []byte("i")
	confStateInfix = []byte("c")
	hardStateInfix = []byte("h")
	truncateInfix  = []byte("t")
	snapshotInfix  = []byte("s")
)

type storageConfig struct {
	id      uint64
	members []Member
	kv      kvstore.Store
	cf      kvstore.CF
}

// storage is the durable log of one group. It implements raft.Storage
// and is only mutated by the group worker.
type storage struct {
	id uint64
	kv kvstore.Store
	cf kvstore.CF

	mu         sync.RWMutex
	hardState  raftpb.HardState
	confState  raftpb.ConfState
	truncIndex uint64
	truncTerm  uint64
	lastIndex  uint64
	snapMeta   raftpb.SnapshotMetadata
}

func newStorage(ctx context.Context, cfg storageConfig) (*storage, error) {
	s := &storage{id: cfg.id, kv: cfg.kv, cf: cfg.cf}

	value, err := s.kv.GetRaw(ctx, s.cf, encodeGroupKey(s.id, hardStateInfix), nil)
	switch err {
	case nil:
		if err = s.hardState.Unmarshal(value); err != nil {
			return nil, errors.Info(err, "unmarshal hard state failed")
		}
	case kvstore.ErrNotFound:
	default:
		return nil, err
	}

	value, err = s.kv.GetRaw(ctx, s.cf, encodeGroupKey(s.id, confStateInfix), nil)
	switch err {
	case nil:
		if err = s.confState.Unmarshal(value); err != nil {
			return nil, errors.Info(err, "unmarshal conf state failed")
		}
	case kvstore.ErrNotFound:
		// bootstrap from the configured members
		for _, m := range cfg.members {
			if m.Learner {
				s.confState.Learners = append(s.confState.Learners, m.NodeID)
			} else {
				s.confState.Voters = append(s.confState.Voters, m.NodeID)
			}
		}
		if err = s.SaveConfState(ctx, s.confState); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	value, err = s.kv.GetRaw(ctx, s.cf, encodeGroupKey(s.id, truncateInfix), nil)
	switch err {
	case nil:
		if len(value) != 16 {
			return nil, errors.New("invalid truncate state")
		}
		s.truncIndex = binary.BigEndian.Uint64(value)
		s.truncTerm = binary.BigEndian.Uint64(value[8:])
	case kvstore.ErrNotFound:
	default:
		return nil, err
	}

	value, err = s.kv.GetRaw(ctx, s.cf, encodeGroupKey(s.id, snapshotInfix), nil)
	switch err {
	case nil:
		snap := raftpb.Snapshot{}
		if err = snap.Unmarshal(value); err != nil {
			return nil, errors.Info(err, "unmarshal snapshot failed")
		}
		s.snapMeta = snap.Metadata
	case kvstore.ErrNotFound:
	default:
		return nil, err
	}

	lr := s.kv.List(ctx, s.cf, encodeGroupKey(s.id, logIndexInfix), nil, nil)
	defer lr.Close()
	kg, vg, err := lr.ReadLast()
	if err != nil {
		return nil, err
	}
	s.lastIndex = s.truncIndex
	if kg != nil {
		s.lastIndex = decodeIndexLogKey(kg.Key())
		kg.Close()
		vg.Close()
	}
	return s, nil
}

// InitialState returns the saved HardState and ConfState information.
func (s *storage) InitialState() (hs raftpb.HardState, cs raftpb.ConfState, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardState, s.confState, nil
}

// Entries returns a slice of log entries in the range [lo,hi).
// MaxSize limits the total size of the log entries returned, but
// Entries returns at least one entry if any.
func (s *storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.mu.RLock()
	truncIndex, lastIndex := s.truncIndex, s.lastIndex
	s.mu.RUnlock()

	if lo <= truncIndex {
		return nil, raft.ErrCompacted
	}
	if hi > lastIndex+1 {
		return nil, raft.ErrUnavailable
	}
	return s.ReadRange(context.Background(), lo, hi, maxSize)
}

// ReadRange reads log entries in [from, to), bounded by maxSize bytes but
// returning at least one entry.
func (s *storage) ReadRange(ctx context.Context, from, to, maxSize uint64) (ret []raftpb.Entry, err error) {
	lr := s.kv.List(ctx, s.cf, encodeGroupKey(s.id, logIndexInfix), encodeIndexLogKey(s.id, from), nil)
	defer lr.Close()

	size := uint64(0)
	for next := from; next < to; next++ {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return nil, err
		}
		if kg == nil {
			return nil, raft.ErrUnavailable
		}
		entry := raftpb.Entry{}
		err = entry.Unmarshal(vg.Value())
		kg.Close()
		vg.Close()
		if err != nil {
			return nil, errors.Info(err, "unmarshal entry failed")
		}
		if entry.Index != next {
			return nil, raft.ErrUnavailable
		}
		size += uint64(entry.Size())
		if len(ret) > 0 && size > maxSize {
			return ret, nil
		}
		ret = append(ret, entry)
	}
	return ret, nil
}

// Term returns the term of entry i, which must be in the range
// [FirstIndex()-1, LastIndex()]. The term of the entry before
// FirstIndex is retained for matching purposes even though the
// rest of that entry may not be available.
func (s *storage) Term(i uint64) (uint64, error) {
	s.mu.RLock()
	truncIndex, truncTerm, lastIndex := s.truncIndex, s.truncTerm, s.lastIndex
	s.mu.RUnlock()

	if i < truncIndex {
		return 0, raft.ErrCompacted
	}
	if i == truncIndex {
		return truncTerm, nil
	}
	if i > lastIndex {
		return 0, raft.ErrUnavailable
	}

	value, err := s.kv.GetRaw(context.Background(), s.cf, encodeIndexLogKey(s.id, i), nil)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return 0, raft.ErrUnavailable
		}
		return 0, err
	}
	entry := raftpb.Entry{}
	if err := entry.Unmarshal(value); err != nil {
		return 0, err
	}
	return entry.Term, nil
}

// LastIndex returns the index of the last entry in the log.
func (s *storage) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex, nil
}

// FirstIndex returns the index of the first log entry that is
// possibly available via Entries.
func (s *storage) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.truncIndex + 1, nil
}

// Snapshot returns the most recent snapshot saved by CreateSnapshot or
// received from the leader.
func (s *storage) Snapshot() (raftpb.Snapshot, error) {
	value, err := s.kv.GetRaw(context.Background(), s.cf, encodeGroupKey(s.id, snapshotInfix), nil)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return raftpb.Snapshot{}, raft.ErrSnapshotTemporarilyUnavailable
		}
		return raftpb.Snapshot{}, err
	}
	snap := raftpb.Snapshot{}
	if err := snap.Unmarshal(value); err != nil {
		return raftpb.Snapshot{}, err
	}
	return snap, nil
}

// Append persists the hard state and entries in one batch. Stored
// entries after the last appended one are removed, since they have
// been overwritten by a new leader.
func (s *storage) Append(ctx context.Context, hs raftpb.HardState, entries []raftpb.Entry) error {
	if raft.IsEmptyHardState(hs) && len(entries) == 0 {
		return nil
	}
	batch := s.kv.NewWriteBatch()
	defer batch.Close()

	if !raft.IsEmptyHardState(hs) {
		value, err := hs.Marshal()
		if err != nil {
			return err
		}
		batch.Put(s.cf, encodeGroupKey(s.id, hardStateInfix), value)
	}

	s.mu.RLock()
	prevLast := s.lastIndex
	s.mu.RUnlock()

	lastIndex := prevLast
	for i := range entries {
		value, err := entries[i].Marshal()
		if err != nil {
			return err
		}
		batch.Put(s.cf, encodeIndexLogKey(s.id, entries[i].Index), value)
		lastIndex = entries[i].Index
	}
	if len(entries) > 0 && lastIndex < prevLast {
		batch.DeleteRange(s.cf, encodeIndexLogKey(s.id, lastIndex+1), encodeIndexLogKey(s.id, prevLast+1))
	}
	if err := s.kv.Write(ctx, batch, nil); err != nil {
		return err
	}

	s.mu.Lock()
	if !raft.IsEmptyHardState(hs) {
		s.hardState = hs
	}
	s.lastIndex = lastIndex
	s.mu.Unlock()
	return nil
}

// TruncateBefore drops entries up to and including index, keeping the
// term of index for log matching. Indexes beyond the last entry are ignored.
func (s *storage) TruncateBefore(ctx context.Context, index uint64) error {
	s.mu.RLock()
	truncIndex, lastIndex := s.truncIndex, s.lastIndex
	s.mu.RUnlock()
	if index <= truncIndex || index > lastIndex {
		return nil
	}

	term, err := s.Term(index)
	if err != nil {
		return err
	}
	batch := s.kv.NewWriteBatch()
	defer batch.Close()
	batch.DeleteRange(s.cf, encodeIndexLogKey(s.id, 0), encodeIndexLogKey(s.id, index+1))
	batch.Put(s.cf, encodeGroupKey(s.id, truncateInfix), encodeTruncateState(index, term))
	if err := s.kv.Write(ctx, batch, nil); err != nil {
		return err
	}

	s.mu.Lock()
	s.truncIndex, s.truncTerm = index, term
	s.mu.Unlock()
	return nil
}

// CreateSnapshot saves state machine data captured at index.
func (s *storage) CreateSnapshot(ctx context.Context, index uint64, data []byte) error {
	term, err := s.Term(index)
	if err != nil {
		return err
	}
	s.mu.RLock()
	cs := s.confState
	s.mu.RUnlock()

	snap := raftpb.Snapshot{
		Data:     data,
		Metadata: raftpb.SnapshotMetadata{ConfState: cs, Index: index, Term: term},
	}
	value, err := snap.Marshal()
	if err != nil {
		return err
	}
	if err := s.kv.SetRaw(ctx, s.cf, encodeGroupKey(s.id, snapshotInfix), value, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.snapMeta = snap.Metadata
	s.mu.Unlock()
	return nil
}

// ApplySnapshot replaces the whole log with a snapshot received from the leader.
func (s *storage) ApplySnapshot(ctx context.Context, snap raftpb.Snapshot) error {
	value, err := snap.Marshal()
	if err != nil {
		return err
	}
	cs, err := snap.Metadata.ConfState.Marshal()
	if err != nil {
		return err
	}
	batch := s.kv.NewWriteBatch()
	defer batch.Close()

	batch.DeleteRange(s.cf, encodeIndexLogKey(s.id, 0), kvstore.PrefixEnd(encodeGroupKey(s.id, logIndexInfix)))
	batch.Put(s.cf, encodeGroupKey(s.id, snapshotInfix), value)
	batch.Put(s.cf, encodeGroupKey(s.id, confStateInfix), cs)
	batch.Put(s.cf, encodeGroupKey(s.id, truncateInfix), encodeTruncateState(snap.Metadata.Index, snap.Metadata.Term))
	if err := s.kv.Write(ctx, batch, nil); err != nil {
		return err
	}

	s.mu.Lock()
	s.snapMeta = snap.Metadata
	s.confState = snap.Metadata.ConfState
	s.truncIndex, s.truncTerm = snap.Metadata.Index, snap.Metadata.Term
	s.lastIndex = snap.Metadata.Index
	if s.hardState.Commit < snap.Metadata.Index {
		s.hardState.Commit = snap.Metadata.Index
	}
	s.mu.Unlock()
	return nil
}

func (s *storage) SaveConfState(ctx context.Context, cs raftpb.ConfState) error {
	value, err := cs.Marshal()
	if err != nil {
		return err
	}
	if err := s.kv.SetRaw(ctx, s.cf, encodeGroupKey(s.id, confStateInfix), value, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.confState = cs
	s.mu.Unlock()
	return nil
}

func (s *storage) SnapshotIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapMeta.Index
}

func (s *storage) ConfState() raftpb.ConfState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confState
}

// Destroy removes every record of the group.
func (s *storage) Destroy(ctx context.Context) error {
	batch := s.kv.NewWriteBatch()
	defer batch.Close()
	prefix := encodeGroupPrefix(s.id)
	batch.DeleteRange(s.cf, prefix, kvstore.PrefixEnd(prefix))
	return s.kv.Write(ctx, batch, nil)
}

func encodeGroupPrefix(id uint64) []byte {
	b := make([]byte, len(groupPrefix)+8)
	copy(b, groupPrefix)
	binary.BigEndian.PutUint64(b[len(groupPrefix):], id)
	return b
}

func encodeGroupKey(id uint64, infix []byte) []byte {
	return append(encodeGroupPrefix(id), infix...)
}

func encodeIndexLogKey(id uint64, index uint64) []byte {
	b := make([]byte, 8+8+len(groupPrefix)+len(logIndexInfix))
	copy(b, groupPrefix)
	binary.BigEndian.PutUint64(b[len(groupPrefix):], id)
	copy(b[8+len(groupPrefix):], logIndexInfix)
	binary.BigEndian.PutUint64(b[8+len(groupPrefix)+len(logIndexInfix):], index)

	return b
}

func decodeIndexLogKey(b []byte) uint64 {
	return binary.BigEndian.Uint64(b[len(b)-8:])
}

func encodeTruncateState(index, term uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, index)
	binary.BigEndian.PutUint64(b[8:], term)
	return b
}
