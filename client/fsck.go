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
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/fsmeta/proto"
	"golang.org/x/sync/errgroup"
)

const fsckParallel = 16

// Check runs the consistency check on every shard of the site. Orphans in
// the returned reports have been confirmed against every other shard.
func (c *Client) Check(ctx context.Context) ([]*proto.FsckReport, error) {
	n := c.router.ShardNum()
	reports := make([]*proto.FsckReport, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fsckParallel)
	for i := uint32(0); i < n; i++ {
		shardID := i
		g.Go(func() error {
			resp, err := c.router.Read(gctx, &proto.ReadRequest{Shard: shardID, Type: proto.ReadFsck})
			if err != nil {
				return err
			}
			reports[shardID] = resp.Fsck
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, report := range reports {
		orphans := report.Orphans[:0]
		for _, ino := range report.Orphans {
			named, err := c.namedElsewhere(ctx, report.Shard, ino)
			if err != nil {
				return nil, err
			}
			if !named {
				orphans = append(orphans, ino)
			}
		}
		report.Orphans = orphans
	}
	return reports, nil
}

func (c *Client) namedElsewhere(ctx context.Context, home uint32, ino uint64) (bool, error) {
	var (
		found bool
		lock  sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fsckParallel)
	for i := uint32(0); i < c.router.ShardNum(); i++ {
		if i == home {
			continue
		}
		shardID := i
		g.Go(func() error {
			resp, err := c.router.Read(gctx, &proto.ReadRequest{Shard: shardID, Type: proto.ReadParents, Ino: ino})
			if err != nil {
				return err
			}
			if len(resp.Dirents) > 0 {
				lock.Lock()
				found = true
				lock.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	return found, err
}

// Repair resolves the pending rename intents of the reports and fixes
// the remaining findings shard by shard. It returns the number of fixed
// records.
func (c *Client) Repair(ctx context.Context, reports []*proto.FsckReport) (uint64, error) {
	span := trace.SpanFromContextSafe(ctx)
	fixed := uint64(0)
	for _, report := range reports {
		for i := range report.Intents {
			resolved, err := c.resolveIntent(ctx, report.Shard, &report.Intents[i])
			if err != nil {
				return fixed, err
			}
			if resolved {
				fixed++
			}
		}
		if len(report.Dangling) == 0 && len(report.Nlinks) == 0 && len(report.Orphans) == 0 {
			continue
		}
		body := &proto.FsckReport{
			Shard:    report.Shard,
			Dangling: report.Dangling,
			Nlinks:   report.Nlinks,
			Orphans:  report.Orphans,
		}
		ret, err := c.propose(ctx, report.Shard, proto.OpRepair, body)
		if err != nil {
			return fixed, err
		}
		span.Infof("shard[%d] repaired %d records", report.Shard, ret.Applied)
		fixed += ret.Applied
	}
	return fixed, nil
}

// resolveIntent commits an intent whose destination was installed and
// aborts one that was not installed within the intent timeout.
func (c *Client) resolveIntent(ctx context.Context, srcShard uint32, intent *proto.RenameIntent) (bool, error) {
	span := trace.SpanFromContextSafe(ctx)
	if intent.State != proto.IntentPrepared {
		return false, nil
	}
	candidates := []uint32{c.router.RouteEntry(intent.DstParent, intent.DstName)}
	if home := c.router.Route(intent.DstParent); home != candidates[0] {
		candidates = append(candidates, home)
	}
	for _, shardID := range candidates {
		if !c.renameInstalled(ctx, shardID, intent.TxnID) {
			continue
		}
		if _, err := c.propose(ctx, srcShard, proto.OpRenameCommit, intent); err != nil {
			return false, err
		}
		span.Infof("rename %s committed by repair", intent.TxnID)
		return true, nil
	}

	age := c.now().Sub(time.Unix(0, intent.CreatedAt))
	if age < time.Duration(c.cfg.IntentTimeoutMs)*time.Millisecond {
		return false, nil
	}
	if _, err := c.propose(ctx, srcShard, proto.OpRenameAbort, intent); err != nil {
		return false, err
	}
	span.Infof("rename %s aborted by repair after %s", intent.TxnID, age)
	return true, nil
}
