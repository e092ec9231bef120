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
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSymlinkMode = 0o777
	maxAncestorDepth   = 4096
)

func (c *Client) Create(ctx context.Context, parent uint64, name string, mode, uid, gid uint32) (*proto.Inode, error) {
	return c.create(ctx, &proto.CreateOp{Parent: parent, Name: name, Kind: proto.KindFile, Mode: mode, Uid: uid, Gid: gid})
}

func (c *Client) Mkdir(ctx context.Context, parent uint64, name string, mode, uid, gid uint32) (*proto.Inode, error) {
	return c.create(ctx, &proto.CreateOp{Parent: parent, Name: name, Kind: proto.KindDir, Mode: mode, Uid: uid, Gid: gid})
}

func (c *Client) Symlink(ctx context.Context, parent uint64, name, target string, uid, gid uint32) (*proto.Inode, error) {
	return c.create(ctx, &proto.CreateOp{
		Parent: parent, Name: name, Kind: proto.KindSymlink, Mode: defaultSymlinkMode,
		Uid: uid, Gid: gid, Target: target,
	})
}

// create proposes the entry on the shard it routes to. A stale split view
// is refreshed once when the home shard redirects the entry.
func (c *Client) create(ctx context.Context, op *proto.CreateOp) (*proto.Inode, error) {
	home := c.router.Route(op.Parent)
	for refreshed := false; ; refreshed = true {
		shardID := c.router.RouteEntry(op.Parent, op.Name)
		op.SplitParent = shardID != home
		if op.SplitParent {
			// entries created before the split stay in the home shard
			if _, err := c.Lookup(ctx, op.Parent, op.Name); err == nil {
				return nil, apierrors.ErrExist
			} else if !apierrors.Is(err, apierrors.ErrNotFound) {
				return nil, err
			}
		}
		ret, err := c.propose(ctx, shardID, proto.OpCreate, op)
		if apierrors.Is(err, apierrors.ErrWrongShard) && !refreshed {
			if _, err = c.router.RefreshSplit(ctx, op.Parent); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if op.SplitParent {
			c.touch(ctx, op.Parent, dirDelta(op.Kind, 1))
		}
		c.resolver.Invalidate(op.Parent, op.Name)
		c.observeCreate(ctx, op.Parent)
		return ret.Inode, nil
	}
}

// observeCreate splits a directory over several shards once its create
// rate crosses the hot threshold.
func (c *Client) observeCreate(ctx context.Context, dir uint64) {
	if !c.router.ObserveCreate(dir) {
		return
	}
	span := trace.SpanFromContextSafe(ctx)
	split := c.router.PlanSplit(dir)
	if _, err := c.propose(ctx, c.router.Route(dir), proto.OpSplitDir, split); err != nil {
		span.Warnf("split hot directory %d failed: %s", dir, err)
		return
	}
	if _, err := c.router.RefreshSplit(ctx, dir); err != nil {
		span.Warnf("load split of directory %d failed: %s", dir, err)
		return
	}
	span.Infof("hot directory %d split over shards %v", dir, split.Shards)
}

// SplitDir spreads new entries of dir over the given shards.
func (c *Client) SplitDir(ctx context.Context, dir uint64, shards []uint32) (*proto.DirSplit, error) {
	if _, err := c.propose(ctx, c.router.Route(dir), proto.OpSplitDir, &proto.DirSplit{Dir: dir, Shards: shards}); err != nil {
		return nil, err
	}
	return c.router.RefreshSplit(ctx, dir)
}

// Link adds the name parent/name for ino. An inode on another shard gets
// its link count raised first and lowered again when the name fails.
func (c *Client) Link(ctx context.Context, ino, parent uint64, name string) (*proto.Dirent, error) {
	home := c.router.Route(parent)
	shardID := c.router.RouteEntry(parent, name)
	op := &proto.LinkOp{Parent: parent, Name: name, Ino: ino, SplitParent: shardID != home}

	remote := c.router.Route(ino) != shardID
	if remote {
		ret, err := c.propose(ctx, c.router.Route(ino), proto.OpAddLink, &proto.LinkOp{Ino: ino})
		if err != nil {
			return nil, err
		}
		op.Kind = ret.Inode.Kind
	}
	ret, err := c.propose(ctx, shardID, proto.OpLink, op)
	if err != nil {
		if remote {
			c.dropLink(ctx, ino)
		}
		return nil, err
	}
	if op.SplitParent {
		c.touch(ctx, parent, 0)
	}
	c.resolver.Invalidate(parent, name)
	return ret.Dirent, nil
}

func (c *Client) Unlink(ctx context.Context, parent uint64, name string) error {
	return c.remove(ctx, parent, name, false)
}

func (c *Client) Rmdir(ctx context.Context, parent uint64, name string) error {
	return c.remove(ctx, parent, name, true)
}

func (c *Client) remove(ctx context.Context, parent uint64, name string, dir bool) error {
	d, shardID, _, err := c.lookupEntry(ctx, parent, name)
	if err != nil {
		return err
	}
	if dir && d.Kind == proto.KindDir {
		if err = c.checkEmpty(ctx, d.Child, shardID); err != nil {
			return err
		}
	}
	home := c.router.Route(parent)
	ret, err := c.propose(ctx, shardID, proto.OpUnlink, &proto.UnlinkOp{
		Parent: parent, Name: name, Dir: dir, SplitParent: shardID != home,
	})
	if err != nil {
		return err
	}
	c.resolver.Invalidate(parent, name)
	if ret.Dropped != 0 {
		c.dropLink(ctx, ret.Dropped)
	}
	if shardID != home {
		c.touch(ctx, parent, dirDelta(d.Kind, -1))
	}
	if d.Kind == proto.KindDir {
		c.router.ForgetSplit(d.Child)
	}
	return nil
}

// checkEmpty checks the parts of a directory its entry's shard cannot see:
// a directory inode on another shard and the other shards of a split.
func (c *Client) checkEmpty(ctx context.Context, dir uint64, entryShard uint32) error {
	home := c.router.Route(dir)
	shards := []uint32{}
	if home != entryShard {
		shards = append(shards, home)
	}
	split, err := c.router.RefreshSplit(ctx, dir)
	if err != nil && !apierrors.Is(err, apierrors.ErrNotFound) {
		return err
	}
	if split != nil {
		for _, id := range split.Shards {
			if id != entryShard && id != home {
				shards = append(shards, id)
			}
		}
	}
	for _, id := range shards {
		resp, err := c.router.Read(ctx, &proto.ReadRequest{Shard: id, Type: proto.ReadList, Ino: dir, Limit: 1})
		if err != nil {
			return err
		}
		if len(resp.Dirents) > 0 {
			return apierrors.ErrNotEmpty
		}
	}
	return nil
}

// Rename moves srcParent/srcName to dstParent/dstName, replacing a
// compatible destination. Entries on one shard move in one log entry,
// otherwise through a rename transaction.
func (c *Client) Rename(ctx context.Context, srcParent uint64, srcName string, dstParent uint64, dstName string) error {
	src, srcShard, _, err := c.lookupEntry(ctx, srcParent, srcName)
	if err != nil {
		return err
	}
	dstShard := c.router.RouteEntry(dstParent, dstName)
	if _, shardID, _, err := c.lookupEntry(ctx, dstParent, dstName); err == nil {
		dstShard = shardID
	} else if !apierrors.Is(err, apierrors.ErrNotFound) {
		return err
	}
	if src.Kind == proto.KindDir && srcParent != dstParent {
		if err = c.checkNotAncestor(ctx, src.Child, dstParent); err != nil {
			return err
		}
	}

	if srcShard == dstShard {
		ret, err := c.propose(ctx, srcShard, proto.OpRename, &proto.RenameOp{
			SrcParent: srcParent, SrcName: srcName, DstParent: dstParent, DstName: dstName,
		})
		if err != nil {
			return err
		}
		c.renamed(ctx, src, srcShard, dstShard, ret, srcParent, srcName, dstParent, dstName)
		return nil
	}
	return c.renameCrossShard(ctx, src, srcShard, dstShard, srcParent, srcName, dstParent, dstName)
}

func (c *Client) renamed(ctx context.Context, src *proto.Dirent, srcShard, dstShard uint32, ret *proto.OpResult,
	srcParent uint64, srcName string, dstParent uint64, dstName string,
) {
	c.resolver.Invalidate(srcParent, srcName)
	c.resolver.Invalidate(dstParent, dstName)
	if ret.Dropped != 0 {
		c.dropLink(ctx, ret.Dropped)
	}
	if c.router.Route(srcParent) != srcShard {
		c.touch(ctx, srcParent, dirDelta(src.Kind, -1))
	}
	if c.router.Route(dstParent) != dstShard {
		c.touch(ctx, dstParent, dirDelta(src.Kind, 1))
	}
}

// checkNotAncestor walks up from dir and fails when dir lies inside the
// directory being moved. The walk follows the parent index of the shard
// holding each directory and stops where that index ends.
func (c *Client) checkNotAncestor(ctx context.Context, moved, dir uint64) error {
	for depth := 0; dir != proto.RootIno && depth < maxAncestorDepth; depth++ {
		if dir == moved {
			return apierrors.ErrInvalidRename
		}
		resp, err := c.router.Read(ctx, &proto.ReadRequest{Shard: c.router.Route(dir), Type: proto.ReadParents, Ino: dir})
		if err != nil {
			if apierrors.Is(err, apierrors.ErrNotFound) {
				return nil
			}
			return err
		}
		if len(resp.Dirents) == 0 {
			return nil
		}
		dir = resp.Dirents[0].Parent
	}
	return nil
}

// ReadDir lists up to limit entries of dir after marker in name order,
// merging the shards of a split directory.
func (c *Client) ReadDir(ctx context.Context, dir uint64, marker string, limit uint32) ([]proto.Dirent, error) {
	home := c.router.Route(dir)
	shards := []uint32{home}
	split, err := c.router.RefreshSplit(ctx, dir)
	if err != nil {
		return nil, err
	}
	if split != nil {
		for _, id := range split.Shards {
			if id != home {
				shards = append(shards, id)
			}
		}
	}

	lists := make([][]proto.Dirent, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range shards {
		i, id := i, id
		g.Go(func() error {
			req := c.readRequest(id, proto.ReadList)
			req.Ino, req.Marker, req.Limit = dir, marker, limit
			resp, err := c.router.Read(gctx, req)
			if err != nil {
				// the home shard checks the directory, other shards may
				// not know it
				if id != home && apierrors.Is(err, apierrors.ErrNotFound) {
					return nil
				}
				return err
			}
			lists[i] = resp.Dirents
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	return mergeDirents(lists, limit), nil
}

func mergeDirents(lists [][]proto.Dirent, limit uint32) []proto.Dirent {
	var ret []proto.Dirent
	for _, l := range lists {
		ret = append(ret, l...)
	}
	if len(lists) > 1 {
		sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	}
	if limit > 0 && uint32(len(ret)) > limit {
		ret = ret[:limit]
	}
	return ret
}
