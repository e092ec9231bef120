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
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/fsmeta/proto"
)

const (
	defaultWatchIntervalMs = int64(200)
	watchBatch             = 1000
	watchQueueLen          = 1024
)

type feedPosition struct {
	feed string
	next uint64
}

// StartWatch follows the changed names of every shard of the site and
// drops the cached lookups other writers made stale. It runs until Close.
func (c *Client) StartWatch() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	ch := make(chan Invalidation, watchQueueLen)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.resolver.Watch(ctx, ch)
	}()
	go func() {
		defer c.wg.Done()
		c.followChanges(ctx, ch)
	}()
}

func (c *Client) Close() {
	c.lock.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.lock.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *Client) followChanges(ctx context.Context, ch chan<- Invalidation) {
	span, ctx := trace.StartSpanFromContext(ctx, "")
	positions := make([]feedPosition, c.router.ShardNum())
	ticker := time.NewTicker(time.Duration(c.cfg.WatchIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		for shardID := range positions {
			if err := c.pollChanges(ctx, uint32(shardID), &positions[shardID], ch); err != nil {
				if ctx.Err() != nil {
					return
				}
				span.Debugf("follow changes of shard[%d] failed: %s", shardID, err)
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// pollChanges drains the feed of one shard. A reset means names may have
// been missed, so the whole cache is dropped.
func (c *Client) pollChanges(ctx context.Context, shardID uint32, pos *feedPosition, ch chan<- Invalidation) error {
	for {
		resp, err := c.router.Read(ctx, &proto.ReadRequest{
			Shard: shardID,
			Type:  proto.ReadDirentChanges,
			Limit: watchBatch,
			From:  pos.next,
			Feed:  pos.feed,
		})
		if err != nil {
			return err
		}
		if resp.Reset {
			if err = sendInvalidation(ctx, ch, Invalidation{}); err != nil {
				return err
			}
			pos.feed, pos.next = resp.Feed, resp.Next
			return nil
		}
		for _, d := range resp.Dirents {
			if err = sendInvalidation(ctx, ch, Invalidation{Parent: d.Parent, Name: d.Name}); err != nil {
				return err
			}
		}
		pos.next = resp.Next
		if len(resp.Dirents) < watchBatch {
			return nil
		}
	}
}

func sendInvalidation(ctx context.Context, ch chan<- Invalidation, inv Invalidation) error {
	select {
	case ch <- inv:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
