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
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/fsmeta/common/kvstore"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/raft"
	"google.golang.org/protobuf/encoding/protowire"
)

type shardSM shard

// Apply applies every proposal in its own write batch together with its
// log index. Entries at or below the persisted index are skipped, which
// makes replay after restart a no-op.
func (s *shardSM) Apply(ctx context.Context, pds []raft.ProposalData, index uint64) (rets []interface{}, err error) {
	rets = make([]interface{}, len(pds))
	for i := range pds {
		idx := pds[i].Index()
		if idx <= (*shard)(s).getAppliedIndex() {
			rets[i] = &proto.OpResult{}
			continue
		}
		if rets[i], err = s.applyEntry(ctx, &pds[i], idx); err != nil {
			(*shard)(s).isolate(ctx, err)
			return nil, err
		}
	}
	if index > (*shard)(s).getAppliedIndex() {
		if err = s.kv.SetRaw(ctx, metaCF, s.keys.metaKey(metaApplied), encodeUint64(index), nil); err != nil {
			return nil, err
		}
		(*shard)(s).setAppliedIndex(index)
	}
	return rets, nil
}

func (s *shardSM) applyEntry(ctx context.Context, pd *raft.ProposalData, index uint64) (*proto.OpResult, error) {
	span := trace.SpanFromContextSafe(ctx)
	op := &proto.Op{}
	if err := op.Unmarshal(pd.Data); err != nil {
		return nil, errors.Info(err, "decode op")
	}
	(*shard)(s).observeTimestamp(op.Timestamp)

	t := newApplyTxn(ctx, s.kv, s.keys, op, index)
	result, err := s.applyOp(t, op)
	if err != nil {
		if apierrors.IsInvariant(err) {
			return nil, err
		}
		e, ok := apierrors.As(err)
		if !ok {
			return nil, errors.Info(err, "apply", op.Type.String())
		}
		span.Debugf("shard[%d] %s at index %d rejected: %s", s.shardID, op.Type, index, err)
		t = newApplyTxn(ctx, s.kv, s.keys, op, index)
		info := apierrors.ToInfo(err)
		result = &proto.OpResult{Code: e.Code(), Message: info.Message}
	}
	if result == nil {
		result = &proto.OpResult{}
	}

	if err = t.flushJournal(s.shardID); err != nil {
		return nil, err
	}
	if err = t.commit(encodeUint64(index)); err != nil {
		return nil, errors.Info(err, "commit entry")
	}
	(*shard)(s).setAppliedIndex(index)
	s.feed.publish(t.dirents)
	for _, fn := range t.committed {
		fn()
	}
	if op.Type == proto.OpFenceUpdate && result.Code == 0 {
		if err = (*shard)(s).load(ctx); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *shardSM) applyOp(t *applyTxn, op *proto.Op) (*proto.OpResult, error) {
	if isLocalWrite(op.Type) {
		if err := s.checkFenceAt(t); err != nil {
			return nil, err
		}
	}

	switch op.Type {
	case proto.OpInitRoot:
		body := &proto.InitRootOp{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		return s.applyInitRoot(t, body)
	case proto.OpCreate:
		body := &proto.CreateOp{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		return s.applyCreate(t, body)
	case proto.OpLink:
		body := &proto.LinkOp{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		return s.applyLink(t, body)
	case proto.OpAddLink, proto.OpDropLink:
		body := &proto.LinkOp{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		if op.Type == proto.OpAddLink {
			return s.applyAddLink(t, body)
		}
		return s.applyDropLink(t, body)
	case proto.OpUnlink:
		body := &proto.UnlinkOp{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		return s.applyUnlink(t, body)
	case proto.OpRename:
		body := &proto.RenameOp{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		return s.applyRename(t, body)
	case proto.OpSetAttr:
		body := &proto.SetAttrOp{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		return s.applySetAttr(t, body)
	case proto.OpSetXattr, proto.OpRemoveXattr:
		body := &proto.XattrOp{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		if op.Type == proto.OpSetXattr {
			return s.applySetXattr(t, body)
		}
		return s.applyRemoveXattr(t, body)
	case proto.OpTouchDir:
		body := &proto.TouchOp{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		return s.applyTouchDir(t, body)
	case proto.OpSplitDir:
		body := &proto.DirSplit{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		return s.applySplitDir(t, body)
	case proto.OpLock, proto.OpUnlock:
		body := &proto.LockOp{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		if op.Type == proto.OpLock {
			return s.applyLock(t, body)
		}
		return s.applyUnlock(t, body)
	case proto.OpExpireLocks:
		return s.applyExpireLocks(t)
	case proto.OpRenamePrepare, proto.OpRenameInstall, proto.OpRenameCommit, proto.OpRenameAbort:
		body := &proto.RenameIntent{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		switch op.Type {
		case proto.OpRenamePrepare:
			return s.applyRenamePrepare(t, body)
		case proto.OpRenameInstall:
			return s.applyRenameInstall(t, body)
		case proto.OpRenameCommit:
			return s.applyRenameCommit(t, body)
		default:
			return s.applyRenameAbort(t, body)
		}
	case proto.OpApplyRemote:
		body := &proto.ReplicateBatch{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		return s.applyRemote(t, body)
	case proto.OpAdvanceCursor:
		body := &proto.CursorOp{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		return s.applyAdvanceCursor(t, body)
	case proto.OpTruncateJournal:
		body := &proto.CursorOp{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		return s.applyTruncateJournal(t, body)
	case proto.OpFenceUpdate:
		body := &proto.FenceState{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		return s.applyFenceUpdate(t, body)
	case proto.OpRepair:
		body := &proto.FsckReport{}
		if err := decodeBody(op, body); err != nil {
			return nil, err
		}
		return s.applyRepair(t, body)
	default:
		return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "unsupported operation %s", op.Type)
	}
}

func decodeBody(op *proto.Op, body proto.Message) error {
	if err := op.Decode(body); err != nil {
		return apierrors.Reason(apierrors.ErrInvalidArgument, "decode %s: %s", op.Type, err)
	}
	return nil
}

// checkFenceAt rejects local writes of a fenced site using the fence state
// as of this entry, so a write proposed before a fence bump and committed
// after it is rejected on every replica.
func (s *shardSM) checkFenceAt(t *applyTxn) error {
	fence := &proto.FenceState{}
	if err := t.getMeta(metaFence, fence); err != nil {
		if err == apierrors.ErrNotFound {
			return nil
		}
		return err
	}
	if _, ok := fence.Active[t.op.Site]; !ok {
		return apierrors.Reason(apierrors.ErrFenced, "site %d fenced at epoch %d", t.op.Site, fence.Epoch)
	}
	return nil
}

func (s *shardSM) LeaderChange(peerID uint64) error {
	atomic.StoreUint64(&s.leader, peerID)
	return nil
}

func (s *shardSM) ApplyMemberChange(m *raft.Member, index uint64) error {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	span.Infof("shard[%d] member change %+v at index %d", s.shardID, *m, index)
	if index <= (*shard)(s).getAppliedIndex() {
		return nil
	}
	if err := s.kv.SetRaw(ctx, metaCF, s.keys.metaKey(metaApplied), encodeUint64(index), nil); err != nil {
		return err
	}
	(*shard)(s).setAppliedIndex(index)
	return nil
}

func (s *shardSM) AppliedIndex() uint64 {
	return (*shard)(s).getAppliedIndex()
}

// Snapshot encodes every key of the shard in every column family as
// repeated (cf, key, value) entries.
func (s *shardSM) Snapshot(ctx context.Context) ([]byte, error) {
	snap := s.kv.NewSnapshot()
	defer snap.Close()
	readOpt := s.kv.NewReadOption()
	defer readOpt.Close()
	readOpt.SetSnapShot(snap)

	var out []byte
	for _, cf := range ColumnFamilies {
		lr := s.kv.List(ctx, cf, s.keys.prefix(), nil, readOpt)
		for {
			key, value, err := lr.ReadNextCopy()
			if err != nil {
				lr.Close()
				return nil, errors.Info(err, "read snapshot", cf.String())
			}
			if key == nil {
				break
			}
			var entry []byte
			entry = protowire.AppendTag(entry, 1, protowire.BytesType)
			entry = protowire.AppendString(entry, string(cf))
			entry = protowire.AppendTag(entry, 2, protowire.BytesType)
			entry = protowire.AppendBytes(entry, key)
			entry = protowire.AppendTag(entry, 3, protowire.BytesType)
			entry = protowire.AppendBytes(entry, value)
			out = protowire.AppendTag(out, 1, protowire.BytesType)
			out = protowire.AppendBytes(out, entry)
		}
		lr.Close()
	}
	return out, nil
}

func (s *shardSM) ApplySnapshot(ctx context.Context, data []byte, index uint64) error {
	span := trace.SpanFromContextSafe(ctx)
	batch := s.kv.NewWriteBatch()
	defer batch.Close()

	prefix := s.keys.prefix()
	for _, cf := range ColumnFamilies {
		batch.DeleteRange(cf, prefix, kvstore.PrefixEnd(prefix))
	}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || num != 1 || typ != protowire.BytesType {
			return errors.New("malformed shard snapshot")
		}
		data = data[n:]
		entry, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return errors.New("malformed shard snapshot")
		}
		data = data[n:]
		cf, key, value, err := decodeSnapshotEntry(entry)
		if err != nil {
			return err
		}
		batch.Put(cf, key, value)
	}
	batch.Put(metaCF, s.keys.metaKey(metaApplied), encodeUint64(index))
	if err := s.kv.Write(ctx, batch, nil); err != nil {
		return errors.Info(err, "write shard snapshot")
	}
	(*shard)(s).setAppliedIndex(index)
	s.feed.reset()
	span.Infof("shard[%d] installed snapshot at index %d", s.shardID, index)
	return (*shard)(s).load(ctx)
}

func decodeSnapshotEntry(b []byte) (cf kvstore.CF, key, value []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return "", nil, nil, errors.New("malformed snapshot entry")
		}
		b = b[n:]
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", nil, nil, errors.New("malformed snapshot entry")
		}
		b = b[n:]
		switch num {
		case 1:
			cf = kvstore.CF(v)
		case 2:
			key = append([]byte(nil), v...)
		case 3:
			value = append([]byte(nil), v...)
		}
	}
	return cf, key, value, nil
}
