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

package replication

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	lock    sync.Mutex
	journal []proto.JournalRecord
	cursors map[uint32]uint64
	leader  bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{cursors: make(map[uint32]uint64), leader: true}
}

func (s *fakeSource) append(n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i := 0; i < n; i++ {
		seq := uint64(len(s.journal) + 1)
		s.journal = append(s.journal, proto.JournalRecord{
			Seq:     seq,
			Changes: []proto.Change{putInode(1000+seq, true, seq)},
		})
	}
}

func (s *fakeSource) cursor(site uint32) uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cursors[site]
}

func (s *fakeSource) ID() uint32 { return 0 }

func (s *fakeSource) IsLeader() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.leader
}

func (s *fakeSource) Propose(ctx context.Context, op *proto.Op) (*proto.OpResult, error) {
	if op.Type != proto.OpAdvanceCursor {
		return nil, apierrors.ErrInvalidArgument
	}
	c := &proto.CursorOp{}
	if err := op.Decode(c); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if c.Seq > s.cursors[c.Site] {
		s.cursors[c.Site] = c.Seq
	} else if _, ok := s.cursors[c.Site]; !ok {
		s.cursors[c.Site] = 0
	}
	return &proto.OpResult{Applied: s.cursors[c.Site]}, nil
}

func (s *fakeSource) ReadJournal(ctx context.Context, from uint64, limit int) ([]proto.JournalRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if from == 0 || from > uint64(len(s.journal)) {
		return nil, nil
	}
	end := int(from-1) + limit
	if end > len(s.journal) {
		end = len(s.journal)
	}
	return append([]proto.JournalRecord(nil), s.journal[from-1:end]...), nil
}

func (s *fakeSource) ReplStatus(ctx context.Context) (*proto.ReplStatus, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	status := &proto.ReplStatus{JournalLast: uint64(len(s.journal))}
	if len(s.journal) > 0 {
		status.JournalFirst = 1
	}
	for site, seq := range s.cursors {
		status.Cursors = append(status.Cursors, proto.SiteSeq{Site: site, Seq: seq})
	}
	return status, nil
}

// fakeSink applies batches like a receiving shard and loses some replies.
type fakeSink struct {
	lock     sync.Mutex
	inbound  uint64
	applied  []proto.ReplicateBatch
	changes  map[uint64]int
	lossRate float64
	rand     *rand.Rand
}

func newFakeSink(lossRate float64) *fakeSink {
	return &fakeSink{changes: make(map[uint64]int), lossRate: lossRate, rand: rand.New(rand.NewSource(1))}
}

func (s *fakeSink) Replicate(ctx context.Context, batch *proto.ReplicateBatch) (*proto.ReplicateAck, error) {
	deadline := time.Now().Add(200 * time.Millisecond)
	for {
		s.lock.Lock()
		if batch.From <= s.inbound+1 || time.Now().After(deadline) {
			break
		}
		s.lock.Unlock()
		time.Sleep(time.Millisecond)
	}
	defer s.lock.Unlock()

	if batch.To <= s.inbound {
		return &proto.ReplicateAck{Applied: s.inbound}, nil
	}
	if batch.From != s.inbound+1 {
		return &proto.ReplicateAck{Applied: s.inbound}, apierrors.ErrOutOfOrder
	}
	s.inbound = batch.To
	s.applied = append(s.applied, *batch)
	for _, c := range batch.Changes {
		s.changes[c.Inode.Ino]++
	}
	if s.rand.Float64() < s.lossRate {
		return nil, apierrors.ErrUnavailable
	}
	return &proto.ReplicateAck{Applied: s.inbound}, nil
}

func (s *fakeSink) state() (uint64, []proto.ReplicateBatch) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.inbound, append([]proto.ReplicateBatch(nil), s.applied...)
}

func testAgentConfig() *AgentConfig {
	return &AgentConfig{
		BatchSize:          16,
		FlushIntervalMs:    1,
		PollIntervalMs:     1,
		Window:             4,
		RetryIntervalMs:    1,
		MaxRetryIntervalMs: 5,
	}
}

// requireExactlyOnce checks that the applied batches cover 1..n without
// overlap and every change arrived once.
func requireExactlyOnce(t *testing.T, sink *fakeSink, n uint64) {
	inbound, applied := sink.state()
	require.Equal(t, n, inbound)
	next := uint64(1)
	for _, b := range applied {
		require.Equal(t, next, b.From)
		next = b.To + 1
	}
	require.Equal(t, n+1, next)
	sink.lock.Lock()
	defer sink.lock.Unlock()
	require.Len(t, sink.changes, int(n))
	for ino, count := range sink.changes {
		require.Equal(t, 1, count, "inode %d", ino)
	}
}

func TestAgentShipsJournal(t *testing.T) {
	src := newFakeSource()
	src.append(100)
	sink := newFakeSink(0)
	a := NewAgent(testAgentConfig(), 1, 2, src, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return src.cursor(2) == 100 }, 5*time.Second, 5*time.Millisecond)
	src.append(50)
	require.Eventually(t, func() bool { return src.cursor(2) == 150 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return a.Status().Cursor == 150 }, time.Second, time.Millisecond)
	require.Equal(t, "none", a.Status().Level)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	requireExactlyOnce(t, sink, 150)
	_, applied := sink.state()
	for _, b := range applied {
		require.Equal(t, uint32(1), b.SourceSite)
		require.Equal(t, uint32(2), b.TargetSite)
		require.LessOrEqual(t, b.To-b.From+1, uint64(16))
	}
}

func TestAgentExactlyOnceAcrossRestarts(t *testing.T) {
	src := newFakeSource()
	sink := newFakeSink(0.2)
	cfg := testAgentConfig()

	const total = 400
	appended := 0
	for round := 0; src.cursor(2) < total; round++ {
		require.Less(t, round, 500)
		if appended < total {
			src.append(20)
			appended += 20
		}
		a := NewAgent(cfg, 1, 2, src, sink, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err := a.Run(ctx)
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	requireExactlyOnce(t, sink, total)
}

func TestAgentStopsWithoutLeadership(t *testing.T) {
	src := newFakeSource()
	src.append(10)
	sink := newFakeSink(0)
	a := NewAgent(testAgentConfig(), 1, 2, src, sink, nil)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	require.Eventually(t, func() bool { return src.cursor(2) == 10 }, 5*time.Second, 5*time.Millisecond)

	src.lock.Lock()
	src.leader = false
	src.lock.Unlock()
	select {
	case err := <-done:
		require.True(t, apierrors.Is(err, apierrors.ErrNotLeader), "%v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent kept running without leadership")
	}
}

func TestAgentHalt(t *testing.T) {
	src := newFakeSource()
	src.append(10)
	sink := newFakeSink(0)
	a := NewAgent(testAgentConfig(), 1, 2, src, sink, nil)
	a.Backpressure().ForceHalt()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	inbound, _ := sink.state()
	require.Equal(t, uint64(0), inbound)
	require.Equal(t, "halt", a.Status().Level)

	a.Backpressure().ClearHalt()
	require.Eventually(t, func() bool { return src.cursor(2) == 10 }, 5*time.Second, 5*time.Millisecond)
}

func TestAgentSkipsFencedSite(t *testing.T) {
	src := &fencedSource{
		fakeSource: newFakeSource(),
		fence:      proto.FenceState{Epoch: 1, Owner: 3, Active: map[uint32]uint64{3: 1}},
	}
	src.append(10)
	sink := newFakeSink(0)
	a := NewAgent(testAgentConfig(), 1, 2, src, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	inbound, _ := sink.state()
	require.Equal(t, uint64(0), inbound)

	src.enroll(1)
	require.Eventually(t, func() bool { return src.cursor(2) == 10 }, 5*time.Second, 5*time.Millisecond)
	_, applied := sink.state()
	require.Equal(t, uint64(2), applied[0].Token.Epoch)
}

// fencedSource reports a fence that starts without the local site.
type fencedSource struct {
	*fakeSource
	fence proto.FenceState
}

func (s *fencedSource) enroll(site uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.fence.Active[site] = 2
	s.fence.Epoch = 2
}

func (s *fencedSource) ReplStatus(ctx context.Context) (*proto.ReplStatus, error) {
	status, err := s.fakeSource.ReplStatus(ctx)
	if err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	status.Fence = s.fence.Clone()
	return status, nil
}
