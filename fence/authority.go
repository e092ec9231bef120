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

// Package fence issues the epochs that decide which sites may still ship
// replication batches. One state is shared by all sites through a Store;
// every node copies it into the shards it leads.
package fence

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/fsmeta/audit"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/metrics"
	"github.com/cubefs/fsmeta/proto"
)

const maxCASRetries = 16

type Authority struct {
	store Store
	audit *audit.Logger
	now   func() time.Time
}

func NewAuthority(store Store, auditor *audit.Logger) *Authority {
	if auditor == nil {
		auditor = audit.Nop()
	}
	return &Authority{store: store, audit: auditor, now: time.Now}
}

func (a *Authority) State(ctx context.Context) (*proto.FenceState, error) {
	state, _, err := a.store.Load(ctx)
	return state, err
}

// Enroll gives site an active epoch. The first enrolled site becomes the
// owner. Enrolling an active site changes nothing.
func (a *Authority) Enroll(ctx context.Context, site uint32) (*proto.FenceState, error) {
	return a.update(ctx, "enroll", site, "", func(state *proto.FenceState) bool {
		if _, ok := state.Active[site]; ok {
			return false
		}
		state.Epoch++
		state.Active[site] = state.Epoch
		if state.Owner == 0 {
			state.Owner = site
		}
		return true
	})
}

// IssueFence makes site the owner under a new epoch and revokes the epoch
// of the previous owner.
func (a *Authority) IssueFence(ctx context.Context, site uint32, reason string) (*proto.FenceState, error) {
	return a.update(ctx, "issue", site, reason, func(state *proto.FenceState) bool {
		state.Epoch++
		if state.Owner != 0 && state.Owner != site {
			delete(state.Active, state.Owner)
		}
		state.Owner = site
		state.Active[site] = state.Epoch
		return true
	})
}

// Takeover issues a fence for site only while from is still the owner,
// so that two sites racing to replace the same owner move ownership once.
func (a *Authority) Takeover(ctx context.Context, from, site uint32, reason string) (*proto.FenceState, error) {
	return a.update(ctx, "takeover", site, reason, func(state *proto.FenceState) bool {
		if state.Owner != from {
			return false
		}
		state.Epoch++
		delete(state.Active, from)
		state.Owner = site
		state.Active[site] = state.Epoch
		return true
	})
}

// Validate accepts only the active epoch of the token's site.
func (a *Authority) Validate(ctx context.Context, token proto.FenceToken) error {
	state, err := a.State(ctx)
	if err != nil {
		return err
	}
	if state.Epoch == 0 {
		return nil
	}
	if ok, reason := state.Check(token); !ok {
		return apierrors.Reason(apierrors.ErrFenced, "%s", reason)
	}
	return nil
}

func (a *Authority) update(ctx context.Context, action string, site uint32, reason string,
	mutate func(state *proto.FenceState) bool,
) (*proto.FenceState, error) {
	span := trace.SpanFromContextSafe(ctx)
	if site == 0 {
		return nil, apierrors.Reason(apierrors.ErrInvalidFence, "site id 0")
	}
	for i := 0; i < maxCASRetries; i++ {
		state, rev, err := a.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		if state.Active == nil {
			state.Active = make(map[uint32]uint64)
		}
		if !mutate(state) {
			return state, nil
		}
		state.UpdatedAt = a.now().UnixNano()
		ok, err := a.store.CompareAndSwap(ctx, state, rev)
		if err != nil {
			return nil, err
		}
		if ok {
			span.Infof("fence %s site[%d]: epoch %d owner %d", action, site, state.Epoch, state.Owner)
			a.audit.Fence(action, site, state, reason)
			metrics.FenceEpoch.Set(float64(state.Epoch))
			return state, nil
		}
	}
	return nil, apierrors.Reason(apierrors.ErrUnavailable, "fence state kept changing")
}
