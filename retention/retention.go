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

// Package retention reclaims journal records every enrolled site has
// acknowledged.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/shardserver/catalog"
	"github.com/cubefs/fsmeta/util"
)

const scanPageSize = 1000

type Policy struct {
	// WindowEntries is kept below the lowest cursor.
	WindowEntries uint64 `json:"window_entries"`
	// MinEntries is the fewest records a journal is ever reduced to.
	MinEntries uint64 `json:"min_entries"`
	// MaxAgeMs makes records older than this reclaimable inside the
	// window once every site acknowledged them. Zero disables it.
	MaxAgeMs   int64 `json:"max_age_ms"`
	IntervalMs int64 `json:"interval_ms"`
}

// Journal is the shard state retention reads and truncates.
type Journal interface {
	ID() uint32
	IsLeader() bool
	Propose(ctx context.Context, op *proto.Op) (*proto.OpResult, error)
	ReadJournal(ctx context.Context, from uint64, limit int) ([]proto.JournalRecord, error)
	ReplStatus(ctx context.Context) (*proto.ReplStatus, error)
}

// Cutoff returns the sequence records are reclaimed below: the lowest
// cursor minus the window, relaxed by age up to the lowest cursor plus one.
func Cutoff(ctx context.Context, p *Policy, j Journal, status *proto.ReplStatus, now time.Time) (uint64, error) {
	if status.JournalFirst == 0 || status.JournalLast < status.JournalFirst {
		return 0, nil
	}
	lowest := status.JournalLast
	for _, c := range status.Cursors {
		if c.Seq < lowest {
			lowest = c.Seq
		}
	}
	// records above lowest are unacknowledged by some site
	bound := lowest + 1
	if end := status.JournalLast + 1; end > p.MinEntries {
		if floor := end - p.MinEntries; floor < bound {
			bound = floor
		}
	} else {
		bound = 0
	}

	// a journal no site is enrolled for yet is only reclaimed by age
	cutoff := uint64(0)
	if len(status.Cursors) > 0 && lowest > p.WindowEntries {
		cutoff = lowest - p.WindowEntries
	}
	if cutoff > bound {
		cutoff = bound
	}
	if p.MaxAgeMs > 0 && cutoff < bound {
		aged, err := agedBefore(ctx, j, status.JournalFirst, bound, now.Add(-time.Duration(p.MaxAgeMs)*time.Millisecond))
		if err != nil {
			return 0, err
		}
		if aged > cutoff {
			cutoff = aged
		}
	}
	if cutoff <= status.JournalFirst {
		return 0, nil
	}
	return cutoff, nil
}

// agedBefore returns the first sequence in [from, bound) written at or
// after deadline, bound when every record is older.
func agedBefore(ctx context.Context, j Journal, from, bound uint64, deadline time.Time) (uint64, error) {
	ts := deadline.UnixNano()
	for from < bound {
		records, err := j.ReadJournal(ctx, from, scanPageSize)
		if err != nil {
			return 0, err
		}
		if len(records) == 0 {
			return from, nil
		}
		for _, r := range records {
			if r.Seq >= bound || r.Timestamp >= ts {
				return r.Seq, nil
			}
		}
		from = records[len(records)-1].Seq + 1
	}
	return bound, nil
}

// Shards is the local catalog retention runs on.
type Shards interface {
	RangeShard(f func(s catalog.Shard) bool)
}

// Runner truncates the journals of the shards this node leads.
type Runner struct {
	policy *Policy
	shards Shards
	now    func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

func NewRunner(policy *Policy, shards Shards) *Runner {
	util.SetDefault(&policy.IntervalMs, 60*1000)
	return &Runner{policy: policy, shards: shards, now: time.Now, done: make(chan struct{})}
}

func (r *Runner) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Duration(r.policy.IntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				span, ctx := trace.StartSpanFromContext(context.Background(), "")
				if n, err := r.RunOnce(ctx); err != nil {
					span.Warnf("journal gc failed after %d records: %s", n, err)
				}
			case <-r.done:
				return
			}
		}
	}()
}

// RunOnce truncates every led journal once and returns the number of
// records reclaimed.
func (r *Runner) RunOnce(ctx context.Context) (uint64, error) {
	var (
		total    uint64
		firstErr error
	)
	r.shards.RangeShard(func(s catalog.Shard) bool {
		if !s.IsLeader() {
			return true
		}
		n, err := r.truncate(ctx, s)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return total, firstErr
}

func (r *Runner) truncate(ctx context.Context, j Journal) (uint64, error) {
	span := trace.SpanFromContextSafe(ctx)
	status, err := j.ReplStatus(ctx)
	if err != nil {
		return 0, err
	}
	cutoff, err := Cutoff(ctx, r.policy, j, status, r.now())
	if err != nil || cutoff == 0 {
		return 0, err
	}
	op, err := proto.NewOp(proto.OpTruncateJournal, &proto.CursorOp{Seq: cutoff})
	if err != nil {
		return 0, err
	}
	ret, err := j.Propose(ctx, op)
	if err != nil {
		return 0, err
	}
	if ret.Applied <= status.JournalFirst {
		return 0, nil
	}
	span.Debugf("shard[%d] journal reclaimed [%d, %d)", j.ID(), status.JournalFirst, ret.Applied)
	return ret.Applied - status.JournalFirst, nil
}

func (r *Runner) Close() {
	close(r.done)
	r.wg.Wait()
}
