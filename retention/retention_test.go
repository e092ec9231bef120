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

package retention

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cubefs/fsmeta/client"
	"github.com/cubefs/fsmeta/common/kvstore"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/router"
	"github.com/cubefs/fsmeta/shardserver"
	"github.com/cubefs/fsmeta/shardserver/store"
	"github.com/cubefs/fsmeta/transport"
	"github.com/stretchr/testify/require"
)

type fakeJournal struct {
	records []proto.JournalRecord
}

// newFakeJournal holds records 1..n written one second apart ending at end.
func newFakeJournal(n int, end time.Time) *fakeJournal {
	j := &fakeJournal{}
	for i := 1; i <= n; i++ {
		j.records = append(j.records, proto.JournalRecord{
			Seq:       uint64(i),
			Timestamp: end.Add(-time.Duration(n-i) * time.Second).UnixNano(),
		})
	}
	return j
}

func (j *fakeJournal) ID() uint32     { return 0 }
func (j *fakeJournal) IsLeader() bool { return true }
func (j *fakeJournal) Propose(ctx context.Context, op *proto.Op) (*proto.OpResult, error) {
	return &proto.OpResult{}, nil
}

func (j *fakeJournal) ReadJournal(ctx context.Context, from uint64, limit int) ([]proto.JournalRecord, error) {
	if from == 0 || from > uint64(len(j.records)) {
		return nil, nil
	}
	end := int(from-1) + limit
	if end > len(j.records) {
		end = len(j.records)
	}
	return j.records[from-1 : end], nil
}

func (j *fakeJournal) ReplStatus(ctx context.Context) (*proto.ReplStatus, error) {
	return &proto.ReplStatus{JournalFirst: 1, JournalLast: uint64(len(j.records))}, nil
}

func statusWith(first, last uint64, cursors ...uint64) *proto.ReplStatus {
	status := &proto.ReplStatus{JournalFirst: first, JournalLast: last}
	for i, seq := range cursors {
		status.Cursors = append(status.Cursors, proto.SiteSeq{Site: uint32(i + 2), Seq: seq})
	}
	return status
}

func TestCutoff(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	j := newFakeJournal(200, now)

	cases := []struct {
		policy Policy
		status *proto.ReplStatus
		cutoff uint64
	}{
		// slowest site bounds the cut
		{Policy{}, statusWith(1, 200, 100, 40), 40},
		{Policy{WindowEntries: 10}, statusWith(1, 200, 100, 40), 30},
		{Policy{WindowEntries: 50}, statusWith(1, 200, 100, 40), 0},
		{Policy{MinEntries: 180}, statusWith(1, 200, 100, 40), 21},
		{Policy{MinEntries: 500}, statusWith(1, 200, 100, 40), 0},
		{Policy{WindowEntries: 10, MinEntries: 180}, statusWith(1, 200, 100, 40), 21},
		{Policy{}, statusWith(1, 200, 200, 200), 200},
		{Policy{}, statusWith(41, 200, 100, 40), 0},
		{Policy{}, statusWith(1, 200), 0},
		{Policy{}, statusWith(0, 0), 0},
		// age reclaims inside the window but never past the slowest cursor
		{Policy{WindowEntries: 50, MaxAgeMs: 180 * 1000}, statusWith(1, 200, 100, 40), 20},
		{Policy{WindowEntries: 50, MaxAgeMs: 10 * 1000}, statusWith(1, 200, 100, 40), 41},
		{Policy{MaxAgeMs: 10 * 1000}, statusWith(1, 200), 190},
	}
	for i, c := range cases {
		cutoff, err := Cutoff(ctx, &c.policy, j, c.status, now)
		require.NoError(t, err)
		require.Equal(t, c.cutoff, cutoff, "case %d", i)
	}
}

// TestRetentionKeepsUnacknowledged runs the gc against a shard whose
// cursors are 100 for one site and 40 for another.
func TestRetentionKeepsUnacknowledged(t *testing.T) {
	ctx := context.Background()
	net := transport.NewLocalNetwork()
	site := proto.Site{ID: 1, Nodes: []proto.Node{{ID: 1, Addr: "node-1"}}}
	s, err := shardserver.NewShardServer(ctx, &shardserver.Config{
		Site:        site,
		NodeID:      1,
		ShardNum:    1,
		StoreConfig: store.Config{KVType: kvstore.MemoryKVType},
		Sender:      transport.NewRaftSender(net.Dialer("node-1"), (*transport.StaticResolver)(&site)),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	net.Register("node-1", s, s, nil)

	c, err := client.New(&client.Config{
		RouterConfig: router.Config{Site: site, ShardNum: 1},
		Dialer:       net.Dialer("client"),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := c.GetAttr(ctx, proto.RootIno)
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)

	shard, err := s.GetShard(0)
	require.NoError(t, err)
	for i := 0; ; i++ {
		status, err := shard.ReplStatus(ctx)
		require.NoError(t, err)
		if status.JournalLast >= 120 {
			break
		}
		_, err = c.Create(ctx, proto.RootIno, fmt.Sprintf("f%d", i), 0o644, 0, 0)
		require.NoError(t, err)
	}
	for site, seq := range map[uint32]uint64{2: 100, 3: 40} {
		op, err := proto.NewOp(proto.OpAdvanceCursor, &proto.CursorOp{Site: site, Seq: seq})
		require.NoError(t, err)
		_, err = shard.Propose(ctx, op)
		require.NoError(t, err)
	}

	// strictly below the slowest cursor minus the window
	r := NewRunner(&Policy{WindowEntries: 10}, s)
	reclaimed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	status, err := shard.ReplStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(30), status.JournalFirst)
	require.Equal(t, uint64(29), reclaimed)

	records, err := shard.ReadJournal(ctx, 30, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, uint64(30), records[0].Seq)

	// a second pass has nothing left to reclaim
	reclaimed, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), reclaimed)
}
