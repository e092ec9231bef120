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

package raft

import (
	"context"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
)

// maybeSnapshot checkpoints the state machine every SnapshotEntries applied
// entries and compacts the log behind it, keeping KeepEntries entries for
// followers that lag slightly.
func (g *group) maybeSnapshot(ctx context.Context) error {
	applied := atomic.LoadUint64(&g.appliedIdx)
	last := atomic.LoadUint64(&g.snapshotIdx)
	if applied < last+g.cfg.SnapshotEntries {
		return nil
	}
	return g.createSnapshot(ctx, applied)
}

func (g *group) createSnapshot(ctx context.Context, applied uint64) error {
	span := trace.SpanFromContextSafe(ctx)

	data, err := g.sm.Snapshot(ctx)
	if err != nil {
		return errors.Info(err, "state machine snapshot")
	}
	if err = g.storage.CreateSnapshot(ctx, applied, data); err != nil {
		return errors.Info(err, "save snapshot")
	}
	atomic.StoreUint64(&g.snapshotIdx, applied)

	if applied > g.cfg.KeepEntries {
		if err = g.storage.TruncateBefore(ctx, applied-g.cfg.KeepEntries); err != nil {
			return errors.Info(err, "compact log")
		}
	}
	span.Debugf("raft group[%d] snapshot at index %d, size %d", g.id, applied, len(data))
	return nil
}
