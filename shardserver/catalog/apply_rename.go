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
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
)

// A rename whose destination entry lives in another shard runs in three
// steps driven by the client: prepare on the source shard holds the source
// entry, install on the destination shard writes the new entry, and commit
// on the source shard drops the old one. Abort releases the source entry.

func (s *shardSM) getIntent(t *applyTxn, txnID string) (*proto.RenameIntent, error) {
	intent := &proto.RenameIntent{}
	if err := t.getMeta(intentName(txnID), intent); err != nil {
		return nil, err
	}
	return intent, nil
}

func (s *shardSM) applyRenamePrepare(t *applyTxn, op *proto.RenameIntent) (*proto.OpResult, error) {
	if op.TxnID == "" {
		return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "empty transaction id")
	}
	if err := s.validName(op.DstName); err != nil {
		return nil, err
	}
	intent, err := s.getIntent(t, op.TxnID)
	if err == nil {
		return &proto.OpResult{Intent: intent, Dirent: intent.Dirent.Clone()}, nil
	}
	if err != apierrors.ErrNotFound {
		return nil, err
	}

	src, err := t.getDirent(op.SrcParent, op.SrcName)
	if err != nil {
		return nil, err
	}
	if err = s.checkNotPending(t, op.SrcParent, op.SrcName); err != nil {
		return nil, err
	}
	if src.Kind == proto.KindDir && src.Child == op.DstParent {
		return nil, apierrors.ErrInvalidRename
	}

	intent = &proto.RenameIntent{
		TxnID:     op.TxnID,
		SrcParent: op.SrcParent,
		SrcName:   op.SrcName,
		DstParent: op.DstParent,
		DstName:   op.DstName,
		Dirent:    *src,
		State:     proto.IntentPrepared,
		CreatedAt: t.op.Timestamp,
	}
	if err = t.putMeta(intentName(op.TxnID), intent); err != nil {
		return nil, err
	}
	t.put(metaCF, t.keys.metaKey(pendingName(op.SrcParent, op.SrcName)), []byte(op.TxnID))
	return &proto.OpResult{Intent: intent, Dirent: src}, nil
}

// applyRenameInstall writes the destination entry. Installing the same
// transaction twice returns the entry written the first time.
func (s *shardSM) applyRenameInstall(t *applyTxn, op *proto.RenameIntent) (*proto.OpResult, error) {
	if op.TxnID == "" {
		return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "empty transaction id")
	}
	done, err := t.hasMeta(txnName(op.TxnID))
	if err != nil {
		return nil, err
	}
	if done {
		d, err := t.getDirent(op.DstParent, op.DstName)
		if err != nil && err != apierrors.ErrNotFound {
			return nil, err
		}
		return &proto.OpResult{Dirent: d}, nil
	}

	if err = s.validName(op.DstName); err != nil {
		return nil, err
	}
	if s.sh().local(op.DstParent) {
		if _, err = s.lookupDir(t, op.DstParent); err != nil {
			return nil, err
		}
		if err = s.checkPlacement(t, op.DstParent, op.DstName); err != nil {
			return nil, err
		}
	}
	if err = s.checkNotPending(t, op.DstParent, op.DstName); err != nil {
		return nil, err
	}
	src := &op.Dirent
	if src.Kind == proto.KindDir {
		inside, err := s.isAncestor(t, src.Child, op.DstParent)
		if err != nil {
			return nil, err
		}
		if inside {
			return nil, apierrors.ErrInvalidRename
		}
	}

	ret := &proto.OpResult{}
	dst, err := t.getDirent(op.DstParent, op.DstName)
	switch {
	case err == nil:
		if dst.Child != src.Child {
			if err = s.checkReplace(t, src, dst); err != nil {
				return nil, err
			}
			if err = s.releaseChild(t, dst, ret); err != nil {
				return nil, err
			}
			if err = s.touchDir(t, op.DstParent, dirDelta(dst.Kind, -1)); err != nil {
				return nil, err
			}
		}
	case err == apierrors.ErrNotFound:
		dst = &proto.Dirent{Parent: op.DstParent, Name: op.DstName}
	default:
		return nil, err
	}

	created := dst.Version.Seq == 0
	dst.Child = src.Child
	dst.Kind = src.Kind
	if err = t.putDirent(dst, created); err != nil {
		return nil, err
	}
	if err = s.touchDir(t, op.DstParent, dirDelta(src.Kind, 1)); err != nil {
		return nil, err
	}
	t.put(metaCF, t.keys.metaKey(txnName(op.TxnID)), encodeUint64(uint64(t.op.Timestamp)))
	ret.Dirent = dst
	return ret, nil
}

// applyRenameCommit drops the source entry. A missing intent means the
// transaction was already committed or aborted.
func (s *shardSM) applyRenameCommit(t *applyTxn, op *proto.RenameIntent) (*proto.OpResult, error) {
	intent, err := s.getIntent(t, op.TxnID)
	if err != nil {
		if err == apierrors.ErrNotFound {
			return &proto.OpResult{}, nil
		}
		return nil, err
	}

	src, err := t.getDirent(intent.SrcParent, intent.SrcName)
	switch {
	case err == nil:
		if src.Child == intent.Dirent.Child {
			if err = t.deleteDirent(src); err != nil {
				return nil, err
			}
			if err = s.touchDir(t, intent.SrcParent, dirDelta(src.Kind, -1)); err != nil {
				return nil, err
			}
		}
	case err != apierrors.ErrNotFound:
		return nil, err
	}

	t.delMeta(intentName(intent.TxnID))
	t.delMeta(pendingName(intent.SrcParent, intent.SrcName))
	intent.State = proto.IntentCommitted
	return &proto.OpResult{Intent: intent}, nil
}

func (s *shardSM) applyRenameAbort(t *applyTxn, op *proto.RenameIntent) (*proto.OpResult, error) {
	intent, err := s.getIntent(t, op.TxnID)
	if err != nil {
		if err == apierrors.ErrNotFound {
			return &proto.OpResult{}, nil
		}
		return nil, err
	}
	t.delMeta(intentName(intent.TxnID))
	t.delMeta(pendingName(intent.SrcParent, intent.SrcName))
	intent.State = proto.IntentAborted
	return &proto.OpResult{Intent: intent}, nil
}
