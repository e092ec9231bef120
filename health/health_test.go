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
	"testing"
	"time"

	"github.com/cubefs/fsmeta/common/kvstore"
	"github.com/cubefs/fsmeta/fence"
	"github.com/stretchr/testify/require"
)

func TestDetector(t *testing.T) {
	d := NewDetector()
	now := time.Now()

	require.Equal(t, time.Duration(0), d.UnreachableFor(2, now))
	require.Equal(t, time.Second, d.UnreachableFor(2, now.Add(time.Second)))

	d.Up(2)
	d.Up(3)
	require.Equal(t, []uint32{2, 3}, d.Reachable())
	require.Equal(t, time.Duration(0), d.UnreachableFor(2, now))

	d.Down(2, now)
	d.Down(2, now.Add(time.Minute))
	require.Equal(t, 2*time.Minute, d.UnreachableFor(2, now.Add(2*time.Minute)))
	require.Equal(t, []uint32{3}, d.Reachable())
}

func newTestAuthority(t *testing.T) *fence.Authority {
	kv, err := kvstore.NewKVStore(context.Background(), "", kvstore.MemoryKVType, nil)
	require.NoError(t, err)
	t.Cleanup(kv.Close)
	return fence.NewAuthority(fence.NewKVStore(kv, ""), nil)
}

func TestMonitorFailover(t *testing.T) {
	ctx := context.Background()
	auth := newTestAuthority(t)
	for _, site := range []uint32{1, 2, 3} {
		_, err := auth.Enroll(ctx, site)
		require.NoError(t, err)
	}

	now := time.Now()
	newMonitor := func(site uint32) (*Monitor, *Detector) {
		d := NewDetector()
		d.Up(1)
		d.Up(2)
		d.Up(3)
		m := NewMonitor(&FailoverConfig{UnreachableMs: 1000}, site, d, auth, nil)
		m.now = func() time.Time { return now }
		return m, d
	}
	m2, d2 := newMonitor(2)
	m3, d3 := newMonitor(3)

	moved, err := m2.Check(ctx)
	require.NoError(t, err)
	require.False(t, moved)

	d2.Down(1, now)
	d3.Down(1, now)
	moved, err = m2.Check(ctx)
	require.NoError(t, err)
	require.False(t, moved, "owner not down long enough")

	now = now.Add(2 * time.Second)
	moved, err = m3.Check(ctx)
	require.NoError(t, err)
	require.False(t, moved, "site 2 is the successor")
	moved, err = m2.Check(ctx)
	require.NoError(t, err)
	require.True(t, moved)

	state, err := auth.State(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), state.Owner)
	_, ok := state.Active[1]
	require.False(t, ok)

	// a fenced site is never picked as successor even when it is reachable
	d3.Down(2, now)
	now = now.Add(2 * time.Second)
	moved, err = m3.Check(ctx)
	require.NoError(t, err)
	require.True(t, moved)
	state, err = auth.State(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(3), state.Owner)
	require.Len(t, state.Active, 1)
}

func TestMonitorRaceMovesOnce(t *testing.T) {
	ctx := context.Background()
	auth := newTestAuthority(t)
	for _, site := range []uint32{1, 2, 3} {
		_, err := auth.Enroll(ctx, site)
		require.NoError(t, err)
	}
	// both 2 and 3 believe they are the successor of 1
	_, err := auth.Takeover(ctx, 1, 2, "")
	require.NoError(t, err)
	state, err := auth.Takeover(ctx, 1, 3, "")
	require.NoError(t, err)
	require.Equal(t, uint32(2), state.Owner)
	require.Equal(t, uint64(4), state.Epoch)
}

func TestProberMembership(t *testing.T) {
	p1, err := NewProber(&ProberConfig{BindAddr: "127.0.0.1", ProbeIntervalMs: 100, ProbeTimeoutMs: 50}, 1)
	require.NoError(t, err)
	defer p1.Close()
	p2, err := NewProber(&ProberConfig{BindAddr: "127.0.0.1", ProbeIntervalMs: 100, ProbeTimeoutMs: 50, Seeds: []string{p1.Addr()}}, 2)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(p1.Detector().Reachable()) == 2 && len(p2.Detector().Reachable()) == 2
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, p2.Leave(time.Second))
	require.Eventually(t, func() bool {
		return len(p1.Detector().Reachable()) == 1
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, []uint32{1}, p1.Detector().Reachable())
}
