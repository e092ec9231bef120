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

package catalog

import (
	"context"
	"testing"

	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"github.com/stretchr/testify/require"
)

func readFeed(ts *testShard, feed string, from uint64) *proto.ReadResponse {
	resp := &proto.ReadResponse{}
	ts.s.feed.read(feed, from, defaultListLimit, resp)
	return resp
}

func requireNames(t *testing.T, changed []proto.Dirent, parent uint64, names ...string) {
	seen := make(map[string]bool)
	for _, d := range changed {
		require.Equal(t, parent, d.Parent)
		seen[d.Name] = true
	}
	for _, name := range names {
		require.True(t, seen[name], "%s not in feed", name)
	}
	require.Len(t, seen, len(names))
}

func TestDirentFeedFollowsApply(t *testing.T) {
	ts := newTestShard(t, 1, 0, 1)
	ts.initRoot()

	resp := readFeed(ts, "", 0)
	require.True(t, resp.Reset)
	feed, next := resp.Feed, resp.Next

	ts.create(proto.RootIno, "a", proto.KindFile)
	ts.mustPropose(proto.OpUnlink, &proto.UnlinkOp{Parent: proto.RootIno, Name: "a"})
	resp = readFeed(ts, feed, next)
	require.False(t, resp.Reset)
	requireNames(t, resp.Dirents, proto.RootIno, "a")
	next = resp.Next

	// a rejected entry publishes nothing
	ts.create(proto.RootIno, "b", proto.KindFile)
	next = readFeed(ts, feed, next).Next
	_, err := ts.propose(proto.OpCreate, &proto.CreateOp{Parent: proto.RootIno, Name: "b", Kind: proto.KindFile})
	requireCode(t, err, apierrors.ErrExist)
	resp = readFeed(ts, feed, next)
	require.Empty(t, resp.Dirents)
	require.Equal(t, next, resp.Next)

	// names written by a remote batch are published too
	remote := newTestShard(t, 2, 0, 1)
	remote.initRoot()
	remote.create(proto.RootIno, "r", proto.KindFile)
	exchange(t, remote, ts, 1)
	resp = readFeed(ts, feed, next)
	requireNames(t, resp.Dirents, proto.RootIno, "r")

	// a snapshot replaces the state and starts a new feed
	data := remote.dump()
	require.NoError(t, ts.sm.ApplySnapshot(context.Background(), data, ts.index+1))
	resp = readFeed(ts, feed, resp.Next)
	require.True(t, resp.Reset)
	require.NotEqual(t, feed, resp.Feed)
}

func TestDirentFeedWindow(t *testing.T) {
	f := newDirentFeed(2)
	f.publish([]proto.Dirent{{Parent: 1, Name: "a"}, {Parent: 1, Name: "b"}, {Parent: 1, Name: "c"}})

	resp := &proto.ReadResponse{}
	f.read(f.id, 1, 10, resp)
	require.True(t, resp.Reset)
	require.Equal(t, uint64(4), resp.Next)

	resp = &proto.ReadResponse{}
	f.read(f.id, 2, 1, resp)
	require.False(t, resp.Reset)
	require.Equal(t, []proto.Dirent{{Parent: 1, Name: "b"}}, resp.Dirents)
	require.Equal(t, uint64(3), resp.Next)

	resp = &proto.ReadResponse{}
	f.read(f.id, 4, 10, resp)
	require.False(t, resp.Reset)
	require.Empty(t, resp.Dirents)
	require.Equal(t, uint64(4), resp.Next)

	resp = &proto.ReadResponse{}
	f.read("other", 4, 10, resp)
	require.True(t, resp.Reset)
}
