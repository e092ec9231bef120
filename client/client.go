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

// Package client implements the metadata api on top of the shard router:
// path resolution, namespace operations that span shards, and the
// consistency check over every shard of a site.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/router"
	"github.com/cubefs/fsmeta/transport"
	"github.com/cubefs/fsmeta/util"
)

const defaultIntentTimeoutMs = int64(60 * 1000)

type Config struct {
	RouterConfig   router.Config  `json:"router_config"`
	ResolverConfig ResolverConfig `json:"resolver_config"`
	// StaleReadMs serves lookups, attributes and listings from any replica
	// within this staleness bound, from the shard leader when zero.
	StaleReadMs int64 `json:"stale_read_ms"`
	// IntentTimeoutMs is the age after which the consistency check aborts
	// a rename intent whose destination was never installed.
	IntentTimeoutMs int64 `json:"intent_timeout_ms"`
	// WatchIntervalMs is how often StartWatch polls the changed names of
	// every shard.
	WatchIntervalMs int64 `json:"watch_interval_ms"`

	Dialer transport.Dialer `json:"-"`
}

type Client struct {
	cfg      *Config
	router   *router.Router
	resolver *PathResolver
	now      func() time.Time

	lock   sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *Config) (*Client, error) {
	if cfg.RouterConfig.Dialer == nil {
		cfg.RouterConfig.Dialer = cfg.Dialer
	}
	util.SetDefault(&cfg.IntentTimeoutMs, defaultIntentTimeoutMs)
	util.SetDefault(&cfg.WatchIntervalMs, defaultWatchIntervalMs)
	r, err := router.New(&cfg.RouterConfig)
	if err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, router: r, now: time.Now}
	if c.resolver, err = NewPathResolver(&cfg.ResolverConfig, c.lookupChild); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Router() *router.Router { return c.router }

func (c *Client) Resolver() *PathResolver { return c.resolver }

func (c *Client) readRequest(shardID uint32, typ proto.ReadType) *proto.ReadRequest {
	req := &proto.ReadRequest{Shard: shardID, Type: typ}
	if c.cfg.StaleReadMs > 0 {
		req.Consistency = proto.BoundedStale
		req.MaxStaleMs = c.cfg.StaleReadMs
	}
	return req
}

func (c *Client) propose(ctx context.Context, shardID uint32, typ proto.OpType, body proto.Message) (*proto.OpResult, error) {
	return c.router.Propose(ctx, shardID, typ, body)
}

// Resolve returns the inode a path names.
func (c *Client) Resolve(ctx context.Context, path string) (uint64, error) {
	return c.resolver.Resolve(ctx, path)
}

// lookupEntry finds the entry and the shard holding it. Entries of a split
// directory are looked up in the shard their name hashes to first, then in
// the home shard that keeps the entries created before the split.
func (c *Client) lookupEntry(ctx context.Context, parent uint64, name string) (*proto.Dirent, uint32, int64, error) {
	home := c.router.Route(parent)
	shardID := c.router.RouteEntry(parent, name)
	tried := make(map[uint32]bool, 2)
	for {
		tried[shardID] = true
		req := c.readRequest(shardID, proto.ReadLookup)
		req.Ino, req.Name = parent, name
		resp, err := c.router.Read(ctx, req)
		if resp.Split != nil {
			c.router.LearnSplit(resp.Split)
		}
		if err == nil {
			return resp.Dirent, shardID, resp.LeaseMs, nil
		}
		if !apierrors.Is(err, apierrors.ErrNotFound) {
			return nil, 0, 0, err
		}
		switch {
		case resp.Split != nil && !tried[resp.Split.ShardOf(name)]:
			shardID = resp.Split.ShardOf(name)
		case !tried[home]:
			shardID = home
		default:
			return nil, 0, 0, err
		}
	}
}

func (c *Client) Lookup(ctx context.Context, parent uint64, name string) (*proto.Dirent, error) {
	d, _, _, err := c.lookupEntry(ctx, parent, name)
	return d, err
}

func (c *Client) lookupChild(ctx context.Context, parent uint64, name string) (*proto.Dirent, int64, error) {
	d, _, lease, err := c.lookupEntry(ctx, parent, name)
	return d, lease, err
}

func (c *Client) GetAttr(ctx context.Context, ino uint64) (*proto.Inode, error) {
	req := c.readRequest(c.router.Route(ino), proto.ReadGetInode)
	req.Ino = ino
	resp, err := c.router.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Inode, nil
}

func (c *Client) ReadLink(ctx context.Context, ino uint64) (string, error) {
	inode, err := c.GetAttr(ctx, ino)
	if err != nil {
		return "", err
	}
	if inode.Kind != proto.KindSymlink {
		return "", apierrors.Reason(apierrors.ErrInvalidArgument, "inode %d is not a symlink", ino)
	}
	return inode.Target, nil
}

// SetAttr updates the attributes flagged in op.Valid.
func (c *Client) SetAttr(ctx context.Context, op *proto.SetAttrOp) (*proto.Inode, error) {
	ret, err := c.propose(ctx, c.router.Route(op.Ino), proto.OpSetAttr, op)
	if err != nil {
		return nil, err
	}
	return ret.Inode, nil
}

func (c *Client) SetXattr(ctx context.Context, ino uint64, name string, value []byte) error {
	_, err := c.propose(ctx, c.router.Route(ino), proto.OpSetXattr, &proto.XattrOp{Ino: ino, Name: name, Value: value})
	return err
}

func (c *Client) GetXattr(ctx context.Context, ino uint64, name string) ([]byte, error) {
	req := c.readRequest(c.router.Route(ino), proto.ReadGetXattr)
	req.Ino, req.Name = ino, name
	resp, err := c.router.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *Client) ListXattr(ctx context.Context, ino uint64) ([]string, error) {
	req := c.readRequest(c.router.Route(ino), proto.ReadListXattr)
	req.Ino = ino
	resp, err := c.router.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Names, nil
}

func (c *Client) RemoveXattr(ctx context.Context, ino uint64, name string) error {
	_, err := c.propose(ctx, c.router.Route(ino), proto.OpRemoveXattr, &proto.XattrOp{Ino: ino, Name: name})
	return err
}

// Lock takes or renews a lease lock on ino for holder.
func (c *Client) Lock(ctx context.Context, ino uint64, holder string, mode proto.LockMode, lease time.Duration) error {
	_, err := c.propose(ctx, c.router.Route(ino), proto.OpLock, &proto.LockOp{
		Ino: ino, Holder: holder, Mode: mode, LeaseMs: lease.Milliseconds(),
	})
	return err
}

func (c *Client) Unlock(ctx context.Context, ino uint64, holder string) error {
	_, err := c.propose(ctx, c.router.Route(ino), proto.OpUnlock, &proto.LockOp{Ino: ino, Holder: holder})
	return err
}

// GetLock returns the live holders of the lock on ino, read from the leader.
func (c *Client) GetLock(ctx context.Context, ino uint64) (*proto.LockState, error) {
	resp, err := c.router.Read(ctx, &proto.ReadRequest{Shard: c.router.Route(ino), Type: proto.ReadGetLock, Ino: ino})
	if err != nil {
		return nil, err
	}
	return resp.Lock, nil
}

// touch updates a split directory in its home shard. A failure leaves a
// wrong link count behind for the consistency check to repair.
func (c *Client) touch(ctx context.Context, dir uint64, nlinkDelta int64) {
	_, err := c.propose(ctx, c.router.Route(dir), proto.OpTouchDir, &proto.TouchOp{Dir: dir, NlinkDelta: nlinkDelta})
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("touch directory %d failed: %s", dir, err)
	}
}

// dropLink releases a link of an inode named from another shard. A failed
// drop leaves an orphan candidate for the consistency check.
func (c *Client) dropLink(ctx context.Context, ino uint64) {
	_, err := c.propose(ctx, c.router.Route(ino), proto.OpDropLink, &proto.LinkOp{Ino: ino})
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("drop link of %d failed: %s", ino, err)
	}
}

func dirDelta(kind proto.InodeKind, delta int64) int64 {
	if kind == proto.KindDir {
		return delta
	}
	return 0
}
