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
	"context"
	"strconv"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
)

// view returns a read only transaction over the committed shard state.
func (s *shard) view(ctx context.Context) *applyTxn {
	return newApplyTxn(ctx, s.kv, s.keys, &proto.Op{Site: s.site, Timestamp: time.Now().UnixNano()}, 0)
}

// readable waits until req may be served by this replica. Linearizable
// reads go through the leader's read index, bounded stale reads only
// require recent contact with the leader.
func (s *shard) readable(ctx context.Context, req *proto.ReadRequest) error {
	if s.isIsolated() {
		return apierrors.ErrShardIsolated
	}
	if req.Consistency == proto.BoundedStale {
		return s.raftGroup.CheckStale(time.Duration(req.MaxStaleMs) * time.Millisecond)
	}
	if !s.raftGroup.IsLeader() {
		if leader := s.raftGroup.Leader(); leader != 0 {
			return apierrors.NotLeader(leader)
		}
		return apierrors.ErrNoLeader
	}
	return s.raftGroup.ReadIndex(ctx)
}

// Read serves one read request. A typed error may come with a partially
// filled response, a missing lookup still reports the directory split.
func (s *shard) Read(ctx context.Context, req *proto.ReadRequest) (*proto.ReadResponse, error) {
	if err := s.readable(ctx, req); err != nil {
		return nil, err
	}
	t := s.view(ctx)
	sm := (*shardSM)(s)
	resp := &proto.ReadResponse{Applied: s.getAppliedIndex()}

	var err error
	switch req.Type {
	case proto.ReadGetInode:
		resp.Inode, err = t.getInode(req.Ino)
	case proto.ReadLookup:
		resp.LeaseMs = s.lookupLease()
		if resp.Split, err = sm.getSplit(t, req.Ino); err != nil {
			return nil, err
		}
		resp.Dirent, err = t.getDirent(req.Ino, req.Name)
	case proto.ReadList:
		resp.Dirents, err = s.list(t, req.Ino, req.Marker, req.Limit)
	case proto.ReadGetXattr:
		var x *proto.Xattr
		if x, err = t.getXattr(req.Ino, req.Name); err == nil {
			resp.Value = x.Value
		}
	case proto.ReadListXattr:
		if _, err = t.getInode(req.Ino); err == nil {
			resp.Names, err = s.listXattr(t, req.Ino)
		}
	case proto.ReadGetLock:
		var state *proto.LockState
		if state, err = sm.getLock(t, req.Ino); err == nil {
			dropExpired(state, t.op.Timestamp)
			resp.Lock = state
		}
	case proto.ReadGetSplit:
		resp.Split, err = sm.getSplit(t, req.Ino)
	case proto.ReadGetIntent:
		var intent *proto.RenameIntent
		if intent, err = s.intent(t, req.TxnID); err == nil {
			resp.Intents = []proto.RenameIntent{*intent}
		}
	case proto.ReadListIntents:
		resp.Intents, err = s.listIntents(t)
	case proto.ReadListConflicts:
		resp.Conflicts, err = s.listConflicts(t, req.Marker, req.Limit)
	case proto.ReadReplStatus:
		resp.Status, err = s.replStatus(t)
	case proto.ReadFsck:
		resp.Fsck, err = s.fsck(t)
	case proto.ReadParents:
		resp.Dirents, err = s.parents(t, req.Ino)
	case proto.ReadDirentChanges:
		s.feed.read(req.Feed, req.From, listLimit(req.Limit), resp)
	default:
		err = apierrors.Reason(apierrors.ErrInvalidArgument, "unsupported read %d", req.Type)
	}
	if err != nil {
		resp.Err = apierrors.ToInfo(err)
		return resp, err
	}
	return resp, nil
}

func listLimit(limit uint32) int {
	if limit == 0 || limit > defaultListLimit {
		return defaultListLimit
	}
	return int(limit)
}

// list returns entries of dir after marker in name order.
func (s *shard) list(t *applyTxn, dir uint64, marker string, limit uint32) ([]proto.Dirent, error) {
	var start []byte
	if marker != "" {
		start = append(s.keys.direntKey(dir, marker), 0)
	}
	n := listLimit(limit)
	lr := s.kv.List(t.ctx, dataCF, s.keys.direntPrefix(dir), start, nil)
	defer lr.Close()

	ret := make([]proto.Dirent, 0, 16)
	for len(ret) < n {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, errors.Info(err, "list dir")
		}
		if key == nil {
			break
		}
		d := proto.Dirent{}
		if err = d.Unmarshal(value); err != nil {
			return nil, errors.Info(err, "decode dirent")
		}
		ret = append(ret, d)
	}
	return ret, nil
}

func (s *shard) listXattr(t *applyTxn, ino uint64) ([]string, error) {
	var names []string
	err := t.scan(dataCF, s.keys.xattrPrefix(ino), func(key, value []byte) (bool, error) {
		x := &proto.Xattr{}
		if err := x.Unmarshal(value); err != nil {
			return false, err
		}
		names = append(names, x.Name)
		return true, nil
	})
	return names, err
}

// intent returns the prepared intent of txnID. On the destination shard an
// installed transaction shows as committed.
func (s *shard) intent(t *applyTxn, txnID string) (*proto.RenameIntent, error) {
	intent, err := (*shardSM)(s).getIntent(t, txnID)
	if err != apierrors.ErrNotFound {
		return intent, err
	}
	installed, err := t.hasMeta(txnName(txnID))
	if err != nil {
		return nil, err
	}
	if !installed {
		return nil, apierrors.ErrNotFound
	}
	return &proto.RenameIntent{TxnID: txnID, State: proto.IntentCommitted}, nil
}

func (s *shard) listIntents(t *applyTxn) ([]proto.RenameIntent, error) {
	var intents []proto.RenameIntent
	err := t.scan(metaCF, s.keys.metaPrefix(metaIntentPrefix), func(key, value []byte) (bool, error) {
		intent := proto.RenameIntent{}
		if err := intent.Unmarshal(value); err != nil {
			return false, err
		}
		intents = append(intents, intent)
		return true, nil
	})
	return intents, err
}

// listConflicts pages through the conflict log. marker is the decimal
// sequence of the last record already seen.
func (s *shard) listConflicts(t *applyTxn, marker string, limit uint32) ([]proto.ConflictRecord, error) {
	var start []byte
	if marker != "" {
		seq, err := strconv.ParseUint(marker, 10, 64)
		if err != nil {
			return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "conflict marker %q", marker)
		}
		start = s.keys.conflictKey(seq + 1)
	}
	n := listLimit(limit)
	lr := s.kv.List(t.ctx, conflictCF, s.keys.conflictPrefix(), start, nil)
	defer lr.Close()

	var ret []proto.ConflictRecord
	for len(ret) < n {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, errors.Info(err, "list conflicts")
		}
		if key == nil {
			break
		}
		rec := proto.ConflictRecord{}
		if err = rec.Unmarshal(value); err != nil {
			return nil, errors.Info(err, "decode conflict")
		}
		ret = append(ret, rec)
	}
	return ret, nil
}

func (s *shard) scanSiteSeqs(t *applyTxn, prefix string) ([]proto.SiteSeq, error) {
	var ret []proto.SiteSeq
	err := t.scan(metaCF, s.keys.metaPrefix(prefix), func(key, value []byte) (bool, error) {
		site, err := strconv.ParseUint(s.keys.decodeMetaKey(key)[len(prefix):], 10, 32)
		if err != nil {
			return false, err
		}
		ret = append(ret, proto.SiteSeq{Site: uint32(site), Seq: decodeUint64(value)})
		return true, nil
	})
	return ret, err
}

func (s *shard) replStatus(t *applyTxn) (*proto.ReplStatus, error) {
	status := &proto.ReplStatus{Shard: s.shardID, Applied: s.getAppliedIndex(), Fence: s.getFence()}
	var err error
	if status.JournalFirst, err = t.counter(metaJFirst); err != nil {
		return nil, err
	}
	if status.JournalLast, err = t.counter(metaJLast); err != nil {
		return nil, err
	}
	if status.Cursors, err = s.scanSiteSeqs(t, metaCursorPrefix); err != nil {
		return nil, err
	}
	if status.Inbound, err = s.scanSiteSeqs(t, metaInboundPrefix); err != nil {
		return nil, err
	}
	return status, nil
}

// parents returns every entry of this shard naming ino.
func (s *shard) parents(t *applyTxn, ino uint64) ([]proto.Dirent, error) {
	var ret []proto.Dirent
	err := t.scan(dataCF, s.keys.reversePrefix(ino), func(key, value []byte) (bool, error) {
		_, parent, name := s.keys.decodeReverseKey(key)
		d, err := t.getDirent(parent, name)
		if err != nil {
			return false, err
		}
		ret = append(ret, *d)
		return true, nil
	})
	return ret, err
}

// ReadJournal returns up to limit journal records starting at from.
func (s *shard) ReadJournal(ctx context.Context, from uint64, limit int) ([]proto.JournalRecord, error) {
	lr := s.kv.List(ctx, journalCF, s.keys.journalPrefix(), s.keys.journalKey(from), nil)
	defer lr.Close()

	var ret []proto.JournalRecord
	for len(ret) < limit {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, errors.Info(err, "read journal")
		}
		if key == nil {
			break
		}
		rec := proto.JournalRecord{}
		if err = rec.Unmarshal(value); err != nil {
			return nil, errors.Info(err, "decode journal record")
		}
		ret = append(ret, rec)
	}
	return ret, nil
}

// ReplStatus returns the replication state of the local replica.
func (s *shard) ReplStatus(ctx context.Context) (*proto.ReplStatus, error) {
	return s.replStatus(s.view(ctx))
}
