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

package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/fsmeta/audit"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/util"
)

type FailoverConfig struct {
	// UnreachableMs is how long the owner must stay unreachable before
	// ownership moves.
	UnreachableMs   int64 `json:"unreachable_ms"`
	CheckIntervalMs int64 `json:"check_interval_ms"`
	Disabled        bool  `json:"disabled"`
}

// Fencer is the fencing authority the monitor moves ownership through.
type Fencer interface {
	State(ctx context.Context) (*proto.FenceState, error)
	Takeover(ctx context.Context, from, site uint32, reason string) (*proto.FenceState, error)
}

// Monitor runs on every site. When the owner stays unreachable the
// lowest reachable enrolled site takes ownership. Every other site only
// watches, and the fence store's compare-and-swap settles races.
type Monitor struct {
	cfg      *FailoverConfig
	site     uint32
	detector *Detector
	fencer   Fencer
	audit    *audit.Logger
	now      func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

func NewMonitor(cfg *FailoverConfig, site uint32, detector *Detector, fencer Fencer, auditor *audit.Logger) *Monitor {
	util.SetDefault(&cfg.UnreachableMs, 30*1000)
	util.SetDefault(&cfg.CheckIntervalMs, 1000)
	if auditor == nil {
		auditor = audit.Nop()
	}
	return &Monitor{
		cfg:      cfg,
		site:     site,
		detector: detector,
		fencer:   fencer,
		audit:    auditor,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	if m.cfg.Disabled {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Duration(m.cfg.CheckIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				span, ctx := trace.StartSpanFromContext(context.Background(), "")
				if _, err := m.Check(ctx); err != nil {
					span.Warnf("failover check failed: %s", err)
				}
			case <-m.done:
				return
			}
		}
	}()
}

// Check takes ownership when the local site is the successor of an owner
// unreachable for long enough. It reports whether ownership moved here.
func (m *Monitor) Check(ctx context.Context) (bool, error) {
	span := trace.SpanFromContextSafe(ctx)
	state, err := m.fencer.State(ctx)
	if err != nil {
		return false, err
	}
	owner := state.Owner
	if owner == 0 || owner == m.site {
		return false, nil
	}
	down := m.detector.UnreachableFor(owner, m.now())
	if down < time.Duration(m.cfg.UnreachableMs)*time.Millisecond {
		return false, nil
	}
	if successor(state, m.detector.Reachable()) != m.site {
		return false, nil
	}

	reason := fmt.Sprintf("owner site %d unreachable for %s", owner, down)
	span.Warnf("site[%d] takes ownership: %s", m.site, reason)
	next, err := m.fencer.Takeover(ctx, owner, m.site, reason)
	if err != nil {
		return false, err
	}
	if next.Owner != m.site {
		return false, nil
	}
	m.audit.Failover(owner, m.site, down.String())
	return true, nil
}

// successor is the lowest reachable enrolled site other than the owner.
func successor(state *proto.FenceState, reachable []uint32) uint32 {
	for _, site := range reachable {
		if site == state.Owner {
			continue
		}
		if _, ok := state.Active[site]; ok {
			return site
		}
	}
	return 0
}

func (m *Monitor) Close() {
	close(m.done)
	m.wg.Wait()
}
