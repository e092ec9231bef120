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
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cubefs/fsmeta/audit"
	"github.com/cubefs/fsmeta/common/kvstore"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/raft"
	"github.com/stretchr/testify/require"
)

type testShard struct {
	t       *testing.T
	s       *shard
	sm      *shardSM
	index   uint64
	ts      int64
	applied []raft.ProposalData
}

func newTestShard(t *testing.T, site, shardID, shardNum uint32) *testShard {
	kv, err := kvstore.NewKVStore(context.Background(), "", kvstore.MemoryKVType, &kvstore.Option{ColumnFamily: ColumnFamilies})
	require.NoError(t, err)
	s, err := newShard(context.Background(), &shardConfig{
		shardID:  shardID,
		site:     site,
		nodeID:   1,
		shardNum: shardNum,
		kv:       kv,
		audit:    audit.Nop(),
		cfg:      &ShardConfig{},
	})
	require.NoError(t, err)
	return &testShard{t: t, s: s, sm: (*shardSM)(s), ts: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC).UnixNano()}
}

// propose commits op at the next index as the leader would.
func (ts *testShard) propose(typ proto.OpType, body proto.Message) (*proto.OpResult, error) {
	ts.ts += int64(time.Millisecond)
	return ts.proposeAt(typ, body, ts.ts)
}

func (ts *testShard) proposeAt(typ proto.OpType, body proto.Message, at int64) (*proto.OpResult, error) {
	op, err := proto.NewOp(typ, body)
	require.NoError(ts.t, err)
	op.Site = ts.s.site
	op.Timestamp = at
	data, err := op.Marshal()
	require.NoError(ts.t, err)

	ts.index++
	pd := raft.ProposalData{Module: shardModule, Op: uint32(typ), Data: data}.Committed(ts.index)
	ts.applied = append(ts.applied, pd)
	rets, err := ts.sm.Apply(context.Background(), []raft.ProposalData{pd}, ts.index)
	require.NoError(ts.t, err)
	ret := rets[0].(*proto.OpResult)
	return ret, apierrors.FromCode(ret.Code, ret.Message, 0)
}

func (ts *testShard) mustPropose(typ proto.OpType, body proto.Message) *proto.OpResult {
	ret, err := ts.propose(typ, body)
	require.NoError(ts.t, err)
	return ret
}

func (ts *testShard) view() *applyTxn {
	return ts.s.view(context.Background())
}

func (ts *testShard) inode(ino uint64) *proto.Inode {
	inode, err := ts.view().getInode(ino)
	require.NoError(ts.t, err)
	return inode
}

func (ts *testShard) lookup(parent uint64, name string) (*proto.Dirent, error) {
	return ts.view().getDirent(parent, name)
}

func (ts *testShard) initRoot() {
	ts.mustPropose(proto.OpInitRoot, &proto.InitRootOp{Mode: 0o755})
}

func (ts *testShard) create(parent uint64, name string, kind proto.InodeKind) *proto.Inode {
	ret := ts.mustPropose(proto.OpCreate, &proto.CreateOp{Parent: parent, Name: name, Kind: kind, Mode: 0o644})
	return ret.Inode
}

func (ts *testShard) dump() []byte {
	data, err := ts.sm.Snapshot(context.Background())
	require.NoError(ts.t, err)
	return data
}

func requireCode(t *testing.T, err error, target *apierrors.Error) {
	require.Error(t, err)
	require.True(t, apierrors.Is(err, target), "got %v, want %v", err, target)
}

func TestApplyNamespace(t *testing.T) {
	ts := newTestShard(t, 1, 0, 1)
	ts.initRoot()
	// a second init keeps the first root
	root := ts.mustPropose(proto.OpInitRoot, &proto.InitRootOp{Mode: 0o700}).Inode
	require.Equal(t, uint32(0o755), root.Mode)

	a := ts.create(proto.RootIno, "a", proto.KindDir)
	require.Equal(t, uint32(2), a.Nlink)
	require.Equal(t, uint32(1), proto.InoSite(a.Ino))
	require.Equal(t, uint32(3), ts.inode(proto.RootIno).Nlink)

	b := ts.create(a.Ino, "b.txt", proto.KindFile)
	d, err := ts.lookup(a.Ino, "b.txt")
	require.NoError(t, err)
	require.Equal(t, b.Ino, d.Child)

	_, err = ts.propose(proto.OpCreate, &proto.CreateOp{Parent: a.Ino, Name: "b.txt", Kind: proto.KindFile})
	requireCode(t, err, apierrors.ErrExist)
	_, err = ts.propose(proto.OpCreate, &proto.CreateOp{Parent: b.Ino, Name: "x", Kind: proto.KindFile})
	requireCode(t, err, apierrors.ErrNotDir)
	_, err = ts.propose(proto.OpCreate, &proto.CreateOp{Parent: a.Ino, Name: "x/y", Kind: proto.KindFile})
	requireCode(t, err, apierrors.ErrInvalidArgument)
	_, err = ts.propose(proto.OpCreate, &proto.CreateOp{Parent: a.Ino, Name: string(make([]byte, 256)), Kind: proto.KindFile})
	requireCode(t, err, apierrors.ErrNameTooLong)

	sym := ts.mustPropose(proto.OpCreate, &proto.CreateOp{Parent: a.Ino, Name: "l", Kind: proto.KindSymlink, Target: "b.txt"}).Inode
	require.Equal(t, uint64(len("b.txt")), sym.Size)

	// hard link
	ts.mustPropose(proto.OpLink, &proto.LinkOp{Parent: proto.RootIno, Name: "b2", Ino: b.Ino})
	require.Equal(t, uint32(2), ts.inode(b.Ino).Nlink)
	_, err = ts.propose(proto.OpLink, &proto.LinkOp{Parent: proto.RootIno, Name: "a2", Ino: a.Ino})
	requireCode(t, err, apierrors.ErrIsDir)

	_, err = ts.propose(proto.OpUnlink, &proto.UnlinkOp{Parent: proto.RootIno, Name: "a", Dir: true})
	requireCode(t, err, apierrors.ErrNotEmpty)
	_, err = ts.propose(proto.OpUnlink, &proto.UnlinkOp{Parent: proto.RootIno, Name: "a"})
	requireCode(t, err, apierrors.ErrIsDir)

	ts.mustPropose(proto.OpUnlink, &proto.UnlinkOp{Parent: a.Ino, Name: "b.txt"})
	require.Equal(t, uint32(1), ts.inode(b.Ino).Nlink)
	ts.mustPropose(proto.OpUnlink, &proto.UnlinkOp{Parent: proto.RootIno, Name: "b2"})
	_, err = ts.view().getInode(b.Ino)
	require.Equal(t, apierrors.ErrNotFound, err)

	ts.mustPropose(proto.OpUnlink, &proto.UnlinkOp{Parent: a.Ino, Name: "l"})
	ts.mustPropose(proto.OpUnlink, &proto.UnlinkOp{Parent: proto.RootIno, Name: "a", Dir: true})
	require.Equal(t, uint32(2), ts.inode(proto.RootIno).Nlink)
}

func TestApplyRename(t *testing.T) {
	ts := newTestShard(t, 1, 0, 1)
	ts.initRoot()
	a := ts.create(proto.RootIno, "a", proto.KindDir)
	b := ts.create(a.Ino, "b", proto.KindDir)
	f := ts.create(proto.RootIno, "f", proto.KindFile)
	g := ts.create(proto.RootIno, "g", proto.KindFile)

	// a directory can not move below itself
	_, err := ts.propose(proto.OpRename, &proto.RenameOp{SrcParent: proto.RootIno, SrcName: "a", DstParent: b.Ino, DstName: "a"})
	requireCode(t, err, apierrors.ErrInvalidRename)

	ts.mustPropose(proto.OpRename, &proto.RenameOp{SrcParent: a.Ino, SrcName: "b", DstParent: proto.RootIno, DstName: "b"})
	require.Equal(t, uint32(2), ts.inode(a.Ino).Nlink)
	require.Equal(t, uint32(4), ts.inode(proto.RootIno).Nlink)
	parents, err := ts.s.parents(ts.view(), b.Ino)
	require.NoError(t, err)
	require.Len(t, parents, 1)
	require.Equal(t, proto.RootIno, parents[0].Parent)

	// replacing a file drops the replaced inode
	ts.mustPropose(proto.OpRename, &proto.RenameOp{SrcParent: proto.RootIno, SrcName: "f", DstParent: proto.RootIno, DstName: "g"})
	d, err := ts.lookup(proto.RootIno, "g")
	require.NoError(t, err)
	require.Equal(t, f.Ino, d.Child)
	_, err = ts.view().getInode(g.Ino)
	require.Equal(t, apierrors.ErrNotFound, err)

	_, err = ts.propose(proto.OpRename, &proto.RenameOp{SrcParent: proto.RootIno, SrcName: "g", DstParent: proto.RootIno, DstName: "a"})
	requireCode(t, err, apierrors.ErrIsDir)
}

func TestApplyAttrAndXattr(t *testing.T) {
	ts := newTestShard(t, 1, 0, 1)
	ts.initRoot()
	f := ts.create(proto.RootIno, "f", proto.KindFile)

	ret := ts.mustPropose(proto.OpSetAttr, &proto.SetAttrOp{Ino: f.Ino, Valid: proto.AttrSize | proto.AttrUid, Size: 4096, Uid: 1000})
	require.Equal(t, uint64(4096), ret.Inode.Size)
	require.Equal(t, uint32(1000), ret.Inode.Uid)
	require.Equal(t, f.Mode, ret.Inode.Mode)
	require.Greater(t, ret.Inode.Ctime, f.Ctime)
	_, err := ts.propose(proto.OpSetAttr, &proto.SetAttrOp{Ino: proto.RootIno, Valid: proto.AttrSize})
	requireCode(t, err, apierrors.ErrIsDir)

	ts.mustPropose(proto.OpSetXattr, &proto.XattrOp{Ino: f.Ino, Name: "user.a", Value: []byte("1")})
	ts.mustPropose(proto.OpSetXattr, &proto.XattrOp{Ino: f.Ino, Name: "user.b", Value: []byte("2")})
	names, err := ts.s.listXattr(ts.view(), f.Ino)
	require.NoError(t, err)
	require.Equal(t, []string{"user.a", "user.b"}, names)
	_, err = ts.propose(proto.OpSetXattr, &proto.XattrOp{Ino: f.Ino, Name: "user.c", Value: make([]byte, defaultMaxXattrValueLen+1)})
	requireCode(t, err, apierrors.ErrInvalidArgument)

	ts.mustPropose(proto.OpRemoveXattr, &proto.XattrOp{Ino: f.Ino, Name: "user.a"})
	_, err = ts.propose(proto.OpRemoveXattr, &proto.XattrOp{Ino: f.Ino, Name: "user.a"})
	requireCode(t, err, apierrors.ErrNotFound)
}

func TestApplyLocks(t *testing.T) {
	ts := newTestShard(t, 1, 0, 1)
	ts.initRoot()
	f := ts.create(proto.RootIno, "f", proto.KindFile)

	ts.mustPropose(proto.OpLock, &proto.LockOp{Ino: f.Ino, Holder: "c1", Mode: proto.LockShared})
	ts.mustPropose(proto.OpLock, &proto.LockOp{Ino: f.Ino, Holder: "c2", Mode: proto.LockShared})
	_, err := ts.propose(proto.OpLock, &proto.LockOp{Ino: f.Ino, Holder: "c3", Mode: proto.LockExclusive})
	requireCode(t, err, apierrors.ErrLocked)
	// no upgrade while another holder shares the lock
	_, err = ts.propose(proto.OpLock, &proto.LockOp{Ino: f.Ino, Holder: "c1", Mode: proto.LockExclusive})
	requireCode(t, err, apierrors.ErrLocked)

	ts.mustPropose(proto.OpUnlock, &proto.LockOp{Ino: f.Ino, Holder: "c2"})
	ts.mustPropose(proto.OpLock, &proto.LockOp{Ino: f.Ino, Holder: "c1", Mode: proto.LockExclusive, LeaseMs: 10})
	_, err = ts.propose(proto.OpUnlock, &proto.LockOp{Ino: f.Ino, Holder: "c2"})
	requireCode(t, err, apierrors.ErrNotLocked)

	// the lease ends, a later lock request takes over
	ts.ts += int64(time.Second)
	ts.mustPropose(proto.OpLock, &proto.LockOp{Ino: f.Ino, Holder: "c3", Mode: proto.LockExclusive, LeaseMs: 10})
	ts.ts += int64(time.Second)
	ret := ts.mustPropose(proto.OpExpireLocks, nil)
	require.Equal(t, uint64(1), ret.Applied)
	state, err := ts.sm.getLock(ts.view(), f.Ino)
	require.NoError(t, err)
	require.Empty(t, state.Holders)
}

func TestApplyReplayIdempotent(t *testing.T) {
	ts := newTestShard(t, 1, 0, 1)
	ts.initRoot()
	a := ts.create(proto.RootIno, "a", proto.KindDir)
	f := ts.create(a.Ino, "f", proto.KindFile)
	ts.mustPropose(proto.OpSetAttr, &proto.SetAttrOp{Ino: f.Ino, Valid: proto.AttrSize, Size: 10})
	ts.mustPropose(proto.OpRename, &proto.RenameOp{SrcParent: a.Ino, SrcName: "f", DstParent: proto.RootIno, DstName: "g"})
	_, err := ts.propose(proto.OpCreate, &proto.CreateOp{Parent: proto.RootIno, Name: "g", Kind: proto.KindFile})
	requireCode(t, err, apierrors.ErrExist)
	ts.mustPropose(proto.OpSetXattr, &proto.XattrOp{Ino: f.Ino, Name: "k", Value: []byte("v")})
	ts.mustPropose(proto.OpUnlink, &proto.UnlinkOp{Parent: proto.RootIno, Name: "a", Dir: true})
	want := ts.dump()

	// the same range again on the same store
	rets, err := ts.sm.Apply(context.Background(), ts.applied, ts.index)
	require.NoError(t, err)
	require.Len(t, rets, len(ts.applied))
	require.Equal(t, want, ts.dump())

	// and on a fresh store, one entry per call and in one call
	for _, batched := range []bool{false, true} {
		fresh := newTestShard(t, 1, 0, 1)
		if batched {
			_, err = fresh.sm.Apply(context.Background(), ts.applied, ts.index)
			require.NoError(t, err)
		} else {
			for i := range ts.applied {
				_, err = fresh.sm.Apply(context.Background(), ts.applied[i:i+1], ts.applied[i].Index())
				require.NoError(t, err)
			}
		}
		require.Equal(t, want, fresh.dump())
		require.Equal(t, ts.index, fresh.sm.AppliedIndex())
	}
}

func TestApplySnapshot(t *testing.T) {
	ts := newTestShard(t, 1, 0, 1)
	ts.initRoot()
	ts.create(proto.RootIno, "a", proto.KindDir)
	data := ts.dump()

	other := newTestShard(t, 1, 0, 1)
	other.initRoot()
	other.create(proto.RootIno, "z", proto.KindFile)
	require.NoError(t, other.sm.ApplySnapshot(context.Background(), data, ts.index))
	require.Equal(t, ts.index, other.sm.AppliedIndex())
	require.Equal(t, data, other.dump())
	_, err := other.lookup(proto.RootIno, "z")
	require.Equal(t, apierrors.ErrNotFound, err)
}

func TestApplyJournal(t *testing.T) {
	ts := newTestShard(t, 1, 0, 1)
	ts.initRoot()
	a := ts.create(proto.RootIno, "a", proto.KindDir)
	ts.mustPropose(proto.OpLock, &proto.LockOp{Ino: a.Ino, Holder: "c", Mode: proto.LockShared})
	ts.mustPropose(proto.OpUnlink, &proto.UnlinkOp{Parent: proto.RootIno, Name: "a", Dir: true})

	// root init and locks are not journaled
	recs, err := ts.s.ReadJournal(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, uint64(1), recs[0].Seq)
	require.Equal(t, uint64(2), recs[1].Seq)
	require.Len(t, recs[0].Changes, 2)
	require.True(t, recs[0].Changes[0].Created)
	require.Equal(t, proto.ChangePutInode, recs[0].Changes[0].Kind)
	require.Equal(t, proto.ChangePutDirent, recs[0].Changes[1].Kind)
	kinds := []proto.ChangeKind{recs[1].Changes[0].Kind, recs[1].Changes[1].Kind}
	require.ElementsMatch(t, []proto.ChangeKind{proto.ChangeDelInode, proto.ChangeDelDirent}, kinds)

	// vectors advance with the journal sequence of the site
	require.Equal(t, uint64(1), recs[0].Changes[0].Vector()[1])
	require.Equal(t, uint64(2), recs[1].Changes[0].Vector()[1])

	status, err := ts.s.ReplStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), status.JournalFirst)
	require.Equal(t, uint64(2), status.JournalLast)
}

func TestApplyTruncateJournal(t *testing.T) {
	ts := newTestShard(t, 1, 0, 1)
	ts.initRoot()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		ts.create(proto.RootIno, name, proto.KindFile)
	}
	ts.mustPropose(proto.OpAdvanceCursor, &proto.CursorOp{Site: 2, Seq: 0})
	ts.mustPropose(proto.OpAdvanceCursor, &proto.CursorOp{Site: 3, Seq: 4})
	_, err := ts.propose(proto.OpAdvanceCursor, &proto.CursorOp{Site: 3, Seq: 6})
	requireCode(t, err, apierrors.ErrInvalidArgument)
	// cursors never move back
	ret := ts.mustPropose(proto.OpAdvanceCursor, &proto.CursorOp{Site: 3, Seq: 2})
	require.Equal(t, uint64(4), ret.Applied)

	// site 2 acknowledged nothing
	ret = ts.mustPropose(proto.OpTruncateJournal, &proto.CursorOp{Seq: 5})
	require.Equal(t, uint64(1), ret.Applied)

	ts.mustPropose(proto.OpAdvanceCursor, &proto.CursorOp{Site: 2, Seq: 3})
	ret = ts.mustPropose(proto.OpTruncateJournal, &proto.CursorOp{Seq: 100})
	require.Equal(t, uint64(4), ret.Applied)
	recs, err := ts.s.ReadJournal(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, uint64(4), recs[0].Seq)
}

func TestApplyFence(t *testing.T) {
	ts := newTestShard(t, 1, 0, 1)
	ts.initRoot()

	epoch2 := &proto.FenceState{Epoch: 2, Owner: 2, Active: map[uint32]uint64{1: 1, 2: 2}}
	epoch3 := &proto.FenceState{Epoch: 3, Owner: 2, Active: map[uint32]uint64{2: 3}}
	batch := func(token proto.FenceToken, from uint64) *proto.ReplicateBatch {
		return &proto.ReplicateBatch{SourceSite: 2, TargetSite: 1, Shard: 0, From: from, To: from, Token: token}
	}

	// fence states may arrive out of order, the older one is ignored
	ret := ts.mustPropose(proto.OpFenceUpdate, epoch3)
	require.Equal(t, uint64(3), ret.Applied)
	ret = ts.mustPropose(proto.OpFenceUpdate, epoch2)
	require.Equal(t, uint64(3), ret.Applied)
	require.Equal(t, uint64(3), ts.s.getFence().Epoch)

	// a batch signed with the old epoch is rejected even when delivered late
	_, err := ts.propose(proto.OpApplyRemote, batch(proto.FenceToken{Epoch: 2, Site: 2}, 1))
	requireCode(t, err, apierrors.ErrFenced)
	ret = ts.mustPropose(proto.OpApplyRemote, batch(proto.FenceToken{Epoch: 3, Site: 2}, 1))
	require.Equal(t, uint64(1), ret.Applied)

	// another site takes ownership, site 2 stays active but its token ages out
	epoch4 := &proto.FenceState{Epoch: 4, Owner: 3, Active: map[uint32]uint64{2: 3, 3: 4}}
	ts.mustPropose(proto.OpFenceUpdate, epoch4)
	_, err = ts.propose(proto.OpApplyRemote, batch(proto.FenceToken{Epoch: 3, Site: 2}, 2))
	requireCode(t, err, apierrors.ErrFenced)
	ret = ts.mustPropose(proto.OpApplyRemote, batch(proto.FenceToken{Epoch: 4, Site: 2}, 2))
	require.Equal(t, uint64(2), ret.Applied)

	// the local site lost its epoch
	_, err = ts.propose(proto.OpCreate, &proto.CreateOp{Parent: proto.RootIno, Name: "a", Kind: proto.KindFile})
	requireCode(t, err, apierrors.ErrFenced)
	require.Error(t, ts.s.checkLocalFence())
}

func TestApplyRemoteOrdering(t *testing.T) {
	ts := newTestShard(t, 1, 0, 1)
	ts.initRoot()

	b := &proto.ReplicateBatch{SourceSite: 2, Shard: 0, From: 2, To: 3}
	_, err := ts.propose(proto.OpApplyRemote, b)
	requireCode(t, err, apierrors.ErrOutOfOrder)

	b.From = 1
	ret := ts.mustPropose(proto.OpApplyRemote, b)
	require.Equal(t, uint64(3), ret.Applied)
	// a duplicate is acknowledged without effect
	b.From, b.To = 2, 3
	ret = ts.mustPropose(proto.OpApplyRemote, b)
	require.Equal(t, uint64(3), ret.Applied)

	b.Shard = 1
	_, err = ts.propose(proto.OpApplyRemote, b)
	requireCode(t, err, apierrors.ErrWrongShard)
}

// exchange ships every journal record of src not yet sent to dst.
func exchange(t *testing.T, src, dst *testShard, from uint64) (*proto.OpResult, uint64) {
	recs, err := src.s.ReadJournal(context.Background(), from, 100)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	b := &proto.ReplicateBatch{
		SourceSite: src.s.site,
		TargetSite: dst.s.site,
		Shard:      src.s.shardID,
		From:       recs[0].Seq,
		To:         recs[len(recs)-1].Seq,
	}
	for _, rec := range recs {
		b.Changes = append(b.Changes, rec.Changes...)
	}
	ret, err := dst.propose(proto.OpApplyRemote, b)
	require.NoError(t, err)
	return ret, b.To
}

func TestApplyRemoteConcurrentWrites(t *testing.T) {
	s1 := newTestShard(t, 1, 0, 1)
	s2 := newTestShard(t, 2, 0, 1)
	s1.initRoot()
	s2.initRoot()

	// both sites create the same name, site 2 later
	t1 := s1.ts + int64(time.Millisecond)
	t2 := t1 + int64(time.Millisecond)
	s1.ts, s2.ts = t1, t2
	x1, err := s1.proposeAt(proto.OpCreate, &proto.CreateOp{Parent: proto.RootIno, Name: "x", Kind: proto.KindFile}, t1)
	require.NoError(t, err)
	x2, err := s2.proposeAt(proto.OpCreate, &proto.CreateOp{Parent: proto.RootIno, Name: "x", Kind: proto.KindFile}, t2)
	require.NoError(t, err)
	require.NotEqual(t, x1.Inode.Ino, x2.Inode.Ino)

	ret1, _ := exchange(t, s2, s1, 1)
	ret2, _ := exchange(t, s1, s2, 1)
	require.Len(t, ret1.Conflicts, 1)
	require.Len(t, ret2.Conflicts, 1)
	require.Equal(t, ret1.Conflicts[0].ID, ret2.Conflicts[0].ID)
	require.Equal(t, proto.WinnerRemote, ret1.Conflicts[0].Winner)
	require.Equal(t, proto.WinnerLocal, ret2.Conflicts[0].Winner)

	for _, ts := range []*testShard{s1, s2} {
		d, err := ts.lookup(proto.RootIno, "x")
		require.NoError(t, err)
		require.Equal(t, x2.Inode.Ino, d.Child)
		conflicts, err := ts.s.listConflicts(ts.view(), "", 0)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
	}

	// later causal writes on the loser are plain updates
	s1.mustPropose(proto.OpSetAttr, &proto.SetAttrOp{Ino: x2.Inode.Ino, Valid: proto.AttrSize, Size: 7})
	ret, _ := exchange(t, s1, s2, 2)
	require.Empty(t, ret.Conflicts)
	require.Equal(t, uint64(7), s2.inode(x2.Inode.Ino).Size)
	require.True(t, s2.inode(x2.Inode.Ino).Replicated)
}

func auditEvents(t *testing.T, path, msg string) int {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		ev := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		if ev["msg"] == msg {
			n++
		}
	}
	return n
}

func TestApplyRemoteReportsConflictsAfterCommit(t *testing.T) {
	dir := t.TempDir()
	leader := newTestShard(t, 1, 0, 1)
	follower := newTestShard(t, 1, 0, 1)
	remote := newTestShard(t, 2, 0, 1)
	leaderLog := audit.New(&audit.Config{Path: filepath.Join(dir, "leader.log")})
	followerLog := audit.New(&audit.Config{Path: filepath.Join(dir, "follower.log")})
	leader.s.audit, follower.s.audit = leaderLog, followerLog
	require.NoError(t, leader.sm.LeaderChange(leader.s.nodeID))
	require.NoError(t, follower.sm.LeaderChange(leader.s.nodeID+1))

	for _, ts := range []*testShard{leader, follower, remote} {
		ts.initRoot()
	}
	t1 := leader.ts + int64(time.Millisecond)
	t2 := t1 + int64(time.Millisecond)
	for _, ts := range []*testShard{leader, follower} {
		_, err := ts.proposeAt(proto.OpCreate, &proto.CreateOp{Parent: proto.RootIno, Name: "x", Kind: proto.KindFile}, t1)
		require.NoError(t, err)
		ts.ts = t2
	}
	remote.ts = t2
	_, err := remote.proposeAt(proto.OpCreate, &proto.CreateOp{Parent: proto.RootIno, Name: "x", Kind: proto.KindFile}, t2)
	require.NoError(t, err)

	recs, err := remote.s.ReadJournal(context.Background(), 1, 100)
	require.NoError(t, err)
	b := &proto.ReplicateBatch{SourceSite: 2, TargetSite: 1, Shard: 0, From: recs[0].Seq, To: recs[len(recs)-1].Seq}
	for _, rec := range recs {
		b.Changes = append(b.Changes, rec.Changes...)
	}

	// a malformed trailing change discards the conflict found before it
	bad := *b
	bad.Changes = append(append([]proto.Change(nil), b.Changes...), proto.Change{})
	_, err = leader.propose(proto.OpApplyRemote, &bad)
	requireCode(t, err, apierrors.ErrInvalidArgument)
	conflicts, err := leader.s.listConflicts(leader.view(), "", 0)
	require.NoError(t, err)
	require.Empty(t, conflicts)

	for _, ts := range []*testShard{leader, follower} {
		ret := ts.mustPropose(proto.OpApplyRemote, b)
		require.Len(t, ret.Conflicts, 1)
	}
	// fence copies are installed without an audit event of their own
	leader.mustPropose(proto.OpFenceUpdate, &proto.FenceState{Epoch: 1, Owner: 1, Active: map[uint32]uint64{1: 1}})
	require.NoError(t, leaderLog.Close())
	require.NoError(t, followerLog.Close())
	require.Equal(t, 1, auditEvents(t, filepath.Join(dir, "leader.log"), "conflict"))
	require.Equal(t, 0, auditEvents(t, filepath.Join(dir, "follower.log"), "conflict"))
	require.Equal(t, 0, auditEvents(t, filepath.Join(dir, "leader.log"), "fence"))
}

func TestApplyRemoteDeleteOrdering(t *testing.T) {
	s1 := newTestShard(t, 1, 0, 1)
	s2 := newTestShard(t, 2, 0, 1)
	s1.initRoot()
	s2.initRoot()

	f := s1.create(proto.RootIno, "f", proto.KindFile)
	exchange(t, s1, s2, 1)
	require.Equal(t, uint32(1), s2.inode(f.Ino).Nlink)

	// a replicated delete leaves a tombstone behind
	s1.mustPropose(proto.OpUnlink, &proto.UnlinkOp{Parent: proto.RootIno, Name: "f"})
	exchange(t, s1, s2, 2)
	_, err := s2.lookup(proto.RootIno, "f")
	require.Equal(t, apierrors.ErrNotFound, err)
	_, err = s2.view().getInode(f.Ino)
	require.Equal(t, apierrors.ErrNotFound, err)
	tomb, err := s2.view().getTombstone((&proto.Change{Dirent: &proto.Dirent{Parent: proto.RootIno, Name: "f"}}).Key())
	require.NoError(t, err)
	require.NotNil(t, tomb)

	// tombstones expire with journal truncation
	s2.ts += int64(defaultTombstoneTTL) + int64(time.Hour)
	s2.mustPropose(proto.OpTruncateJournal, &proto.CursorOp{Seq: 1})
	tomb, err = s2.view().getTombstone((&proto.Change{Dirent: &proto.Dirent{Parent: proto.RootIno, Name: "f"}}).Key())
	require.NoError(t, err)
	require.Nil(t, tomb)
}

func TestApplyCrossShardRename(t *testing.T) {
	// root lives in shard 1, shard 0 takes new entries of root once split
	home := newTestShard(t, 1, 1, 2)
	other := newTestShard(t, 1, 0, 2)
	home.initRoot()
	a := home.create(proto.RootIno, "a", proto.KindFile)
	home.mustPropose(proto.OpSplitDir, &proto.DirSplit{Dir: proto.RootIno, Shards: []uint32{0}})

	_, err := home.propose(proto.OpCreate, &proto.CreateOp{Parent: proto.RootIno, Name: "b", Kind: proto.KindFile})
	requireCode(t, err, apierrors.ErrWrongShard)

	intent := &proto.RenameIntent{TxnID: "txn-1", SrcParent: proto.RootIno, SrcName: "a", DstParent: proto.RootIno, DstName: "b"}
	prepared := home.mustPropose(proto.OpRenamePrepare, intent).Intent
	require.Equal(t, a.Ino, prepared.Dirent.Child)
	// the source entry is held until the transaction ends
	_, err = home.propose(proto.OpUnlink, &proto.UnlinkOp{Parent: proto.RootIno, Name: "a"})
	requireCode(t, err, apierrors.ErrBusy)
	intents, err := home.s.listIntents(home.view())
	require.NoError(t, err)
	require.Len(t, intents, 1)

	installed := other.mustPropose(proto.OpRenameInstall, prepared).Dirent
	require.Equal(t, a.Ino, installed.Child)
	// install is idempotent
	require.Equal(t, installed.Child, other.mustPropose(proto.OpRenameInstall, prepared).Dirent.Child)
	got, err := other.s.intent(other.view(), "txn-1")
	require.NoError(t, err)
	require.Equal(t, proto.IntentCommitted, got.State)

	home.mustPropose(proto.OpRenameCommit, prepared)
	home.mustPropose(proto.OpRenameCommit, prepared)
	_, err = home.lookup(proto.RootIno, "a")
	require.Equal(t, apierrors.ErrNotFound, err)
	d, err := other.lookup(proto.RootIno, "b")
	require.NoError(t, err)
	require.Equal(t, a.Ino, d.Child)
	intents, err = home.s.listIntents(home.view())
	require.NoError(t, err)
	require.Empty(t, intents)

	// abort releases the source entry
	c := home.mustPropose(proto.OpLink, &proto.LinkOp{Parent: proto.RootIno, Name: "c", Ino: a.Ino, SplitParent: true}).Dirent
	require.Equal(t, a.Ino, c.Child)
	abort := &proto.RenameIntent{TxnID: "txn-2", SrcParent: proto.RootIno, SrcName: "c", DstParent: proto.RootIno, DstName: "e"}
	home.mustPropose(proto.OpRenamePrepare, abort)
	home.mustPropose(proto.OpRenameAbort, abort)
	home.mustPropose(proto.OpUnlink, &proto.UnlinkOp{Parent: proto.RootIno, Name: "c", SplitParent: true})
}

func TestFsckAndRepair(t *testing.T) {
	ts := newTestShard(t, 1, 0, 1)
	ts.initRoot()
	a := ts.create(proto.RootIno, "a", proto.KindDir)
	f := ts.create(a.Ino, "f", proto.KindFile)

	report, err := ts.s.fsck(ts.view())
	require.NoError(t, err)
	require.True(t, report.Clean(), "%+v", report)
	require.Equal(t, uint64(3), report.Inodes)
	require.Equal(t, uint64(2), report.Dirents)

	// break the link counts and leave a dangling entry behind
	ts.mustPropose(proto.OpSetAttr, &proto.SetAttrOp{Ino: a.Ino, Valid: proto.AttrNlink, Nlink: 7})
	ts.mustPropose(proto.OpDropLink, &proto.LinkOp{Ino: f.Ino})
	report, err = ts.s.fsck(ts.view())
	require.NoError(t, err)
	require.Len(t, report.Nlinks, 1)
	require.Equal(t, proto.NlinkFix{Ino: a.Ino, Have: 7, Want: 2}, report.Nlinks[0])
	require.Len(t, report.Dangling, 1)
	require.Equal(t, "f", report.Dangling[0].Name)

	ret := ts.mustPropose(proto.OpRepair, report)
	require.Equal(t, uint64(2), ret.Applied)
	report, err = ts.s.fsck(ts.view())
	require.NoError(t, err)
	require.True(t, report.Clean(), "%+v", report)
	// repairing twice changes nothing
	ret = ts.mustPropose(proto.OpRepair, &proto.FsckReport{Nlinks: []proto.NlinkFix{{Ino: a.Ino, Have: 7, Want: 2}}})
	require.Equal(t, uint64(0), ret.Applied)
}
