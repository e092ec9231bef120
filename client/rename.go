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

package client

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/google/uuid"
)

// renameCrossShard moves an entry between shards. The source entry is held
// by an intent while the destination is installed, then dropped on commit.
// An install whose outcome is unknown is resolved from the destination's
// transaction marker. Intents left behind are resolved by the consistency
// check.
func (c *Client) renameCrossShard(ctx context.Context, src *proto.Dirent, srcShard, dstShard uint32,
	srcParent uint64, srcName string, dstParent uint64, dstName string,
) error {
	span := trace.SpanFromContextSafe(ctx)
	intent := &proto.RenameIntent{
		TxnID:     uuid.NewString(),
		SrcParent: srcParent,
		SrcName:   srcName,
		DstParent: dstParent,
		DstName:   dstName,
	}
	ret, err := c.propose(ctx, srcShard, proto.OpRenamePrepare, intent)
	if err != nil {
		return err
	}
	prepared := ret.Intent
	if prepared.Dirent.Child != src.Child {
		c.abortRename(ctx, srcShard, prepared)
		return apierrors.ErrBusy
	}

	installed, err := c.propose(ctx, dstShard, proto.OpRenameInstall, prepared)
	if err != nil {
		if !outcomeUnknown(err) {
			c.abortRename(ctx, srcShard, prepared)
			return err
		}
		// the install may still be applied, the intent stays for the
		// consistency check unless the marker is already there
		if !c.renameInstalled(ctx, dstShard, prepared.TxnID) {
			return err
		}
		span.Infof("rename %s installed despite %s", prepared.TxnID, err)
		installed = &proto.OpResult{}
	}
	if _, err = c.propose(ctx, srcShard, proto.OpRenameCommit, prepared); err != nil {
		// the destination is in place, the intent keeps the source entry
		// busy until the consistency check commits it
		span.Warnf("commit rename %s failed: %s", prepared.TxnID, err)
	}
	c.renamed(ctx, &prepared.Dirent, srcShard, dstShard, installed, srcParent, srcName, dstParent, dstName)
	return nil
}

// renameInstalled reports whether the destination shard holds the marker
// of txnID. Read failures count as not installed.
func (c *Client) renameInstalled(ctx context.Context, dstShard uint32, txnID string) bool {
	resp, err := c.router.Read(ctx, &proto.ReadRequest{Shard: dstShard, Type: proto.ReadGetIntent, TxnID: txnID})
	if err != nil || len(resp.Intents) == 0 {
		return false
	}
	return resp.Intents[0].State == proto.IntentCommitted
}

func (c *Client) abortRename(ctx context.Context, srcShard uint32, intent *proto.RenameIntent) {
	if _, err := c.propose(ctx, srcShard, proto.OpRenameAbort, intent); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("abort rename %s failed: %s", intent.TxnID, err)
	}
}

func outcomeUnknown(err error) bool {
	return apierrors.Is(err, apierrors.ErrTimeout) ||
		apierrors.Is(err, context.DeadlineExceeded) ||
		apierrors.Is(err, context.Canceled)
}
