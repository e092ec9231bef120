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
	"strconv"
	"strings"
	"time"

	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/metrics"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/util"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheSize     = 1 << 16
	defaultNegativeTTLMs = int64(1000)
	defaultMaxParallel   = 16
)

type ResolverConfig struct {
	CacheSize int `json:"cache_size"`
	// NegativeTTLMs is how long a missing name is remembered.
	NegativeTTLMs int64 `json:"negative_ttl_ms"`
	// MaxParallel bounds the speculative lookups of one resolution.
	MaxParallel int `json:"max_parallel"`
}

// LookupFunc looks up one name and returns the entry with its lease.
type LookupFunc func(ctx context.Context, parent uint64, name string) (*proto.Dirent, int64, error)

// Invalidation names a cached entry that changed. The zero value drops
// every cached entry.
type Invalidation struct {
	Parent uint64
	Name   string
}

type entryKey struct {
	parent uint64
	name   string
}

type cacheEntry struct {
	child    uint64
	kind     proto.InodeKind
	negative bool
	expire   time.Time
}

// PathResolver turns paths into inodes. Names are cached with the lease
// granted by the shard; expired entries are still used to predict the
// inodes along a path so that the lookups of all components run in
// parallel, and the results are only accepted where the prediction held.
type PathResolver struct {
	cfg    *ResolverConfig
	lookup LookupFunc
	cache  *lru.Cache
	group  singleflight.Group
	now    func() time.Time
}

func NewPathResolver(cfg *ResolverConfig, lookup LookupFunc) (*PathResolver, error) {
	util.SetDefault(&cfg.CacheSize, defaultCacheSize)
	util.SetDefault(&cfg.NegativeTTLMs, defaultNegativeTTLMs)
	util.SetDefault(&cfg.MaxParallel, defaultMaxParallel)
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &PathResolver{cfg: cfg, lookup: lookup, cache: cache, now: time.Now}, nil
}

func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "relative path %q", path)
	}
	var names []string
	for _, name := range strings.Split(path, "/") {
		switch name {
		case "", ".":
			continue
		case "..":
			return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "path %q has a parent reference", path)
		}
		names = append(names, name)
	}
	return names, nil
}

func (r *PathResolver) Resolve(ctx context.Context, path string) (uint64, error) {
	names, err := splitPath(path)
	if err != nil {
		return 0, err
	}

	parent := proto.RootIno
	i := 0
	for ; i < len(names); i++ {
		e, ok := r.fresh(parent, names[i])
		if !ok {
			break
		}
		if e.negative {
			return 0, apierrors.ErrNotFound
		}
		if err = checkTraversable(e.kind, i, len(names)); err != nil {
			return 0, err
		}
		parent = e.child
	}
	if i == len(names) {
		return parent, nil
	}

	// predicted parents of the remaining names, the first one is known
	rest := names[i:]
	parents := r.predict(parent, rest)
	results := r.lookupAll(ctx, parents, rest[:len(parents)])
	for j := range parents {
		if parents[j] != parent {
			break
		}
		res := results[j]
		if res.err != nil {
			return 0, res.err
		}
		if err = checkTraversable(res.entry.kind, i, len(names)); err != nil {
			return 0, err
		}
		parent = res.entry.child
		i++
	}

	for ; i < len(names); i++ {
		e, err := r.step(ctx, parent, names[i])
		if err != nil {
			return 0, err
		}
		if err = checkTraversable(e.kind, i, len(names)); err != nil {
			return 0, err
		}
		parent = e.child
	}
	return parent, nil
}

func checkTraversable(kind proto.InodeKind, i, n int) error {
	if i < n-1 && kind != proto.KindDir {
		return apierrors.ErrNotDir
	}
	return nil
}

// fresh returns an unexpired cache entry.
func (r *PathResolver) fresh(parent uint64, name string) (*cacheEntry, bool) {
	v, ok := r.cache.Get(entryKey{parent: parent, name: name})
	if !ok {
		metrics.ResolverLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	e := v.(*cacheEntry)
	if !r.now().Before(e.expire) {
		metrics.ResolverLookups.WithLabelValues("expired").Inc()
		return nil, false
	}
	if e.negative {
		metrics.ResolverLookups.WithLabelValues("negative").Inc()
	} else {
		metrics.ResolverLookups.WithLabelValues("hit").Inc()
	}
	return e, true
}

// predict follows cached entries, expired or not, from parent along names.
func (r *PathResolver) predict(parent uint64, names []string) []uint64 {
	parents := []uint64{parent}
	for _, name := range names[:len(names)-1] {
		v, ok := r.cache.Peek(entryKey{parent: parent, name: name})
		if !ok {
			break
		}
		e := v.(*cacheEntry)
		if e.negative || e.kind != proto.KindDir {
			break
		}
		parent = e.child
		parents = append(parents, parent)
	}
	return parents
}

type lookupResult struct {
	entry *cacheEntry
	err   error
}

func (r *PathResolver) lookupAll(ctx context.Context, parents []uint64, names []string) []lookupResult {
	results := make([]lookupResult, len(parents))
	if len(parents) == 1 {
		results[0].entry, results[0].err = r.step(ctx, parents[0], names[0])
		return results
	}
	g := errgroup.Group{}
	g.SetLimit(r.cfg.MaxParallel)
	for j := range parents {
		j := j
		g.Go(func() error {
			// a wrong prediction may fail, errors are judged in order
			results[j].entry, results[j].err = r.step(ctx, parents[j], names[j])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// step returns the cached entry while its lease holds and looks it up
// otherwise.
func (r *PathResolver) step(ctx context.Context, parent uint64, name string) (*cacheEntry, error) {
	if e, ok := r.fresh(parent, name); ok {
		if e.negative {
			return nil, apierrors.ErrNotFound
		}
		return e, nil
	}
	return r.resolveOne(ctx, parent, name)
}

// resolveOne asks the shard for one name, sharing the call with
// concurrent resolutions of the same name, and caches the answer.
func (r *PathResolver) resolveOne(ctx context.Context, parent uint64, name string) (*cacheEntry, error) {
	key := strconv.FormatUint(parent, 10) + "/" + name
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		d, leaseMs, err := r.lookup(ctx, parent, name)
		now := r.now()
		if err != nil {
			if apierrors.Is(err, apierrors.ErrNotFound) {
				r.cache.Add(entryKey{parent: parent, name: name}, &cacheEntry{
					negative: true,
					expire:   now.Add(time.Duration(r.cfg.NegativeTTLMs) * time.Millisecond),
				})
			}
			return nil, err
		}
		e := &cacheEntry{child: d.Child, kind: d.Kind, expire: now.Add(time.Duration(leaseMs) * time.Millisecond)}
		r.cache.Add(entryKey{parent: parent, name: name}, e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cacheEntry), nil
}

// Invalidate drops the cached entry of parent/name.
func (r *PathResolver) Invalidate(parent uint64, name string) {
	r.cache.Remove(entryKey{parent: parent, name: name})
}

// Watch applies invalidations received on ch until it is closed or ctx
// is done.
func (r *PathResolver) Watch(ctx context.Context, ch <-chan Invalidation) {
	for {
		select {
		case inv, ok := <-ch:
			if !ok {
				return
			}
			if inv == (Invalidation{}) {
				r.cache.Purge()
				continue
			}
			r.Invalidate(inv.Parent, inv.Name)
		case <-ctx.Done():
			return
		}
	}
}

// Len returns the number of cached entries.
func (r *PathResolver) Len() int {
	return r.cache.Len()
}
