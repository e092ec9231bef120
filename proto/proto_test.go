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

package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionVectorCompare(t *testing.T) {
	a := VersionVector{1: 3, 2: 1}
	require.Equal(t, Identical, a.Compare(a.Clone()))
	require.Equal(t, After, a.Compare(VersionVector{1: 2, 2: 1}))
	require.Equal(t, Before, a.Compare(VersionVector{1: 3, 2: 1, 3: 1}))
	require.Equal(t, Concurrent, a.Compare(VersionVector{1: 2, 2: 2}))
	require.Equal(t, Concurrent, VersionVector{1: 1}.Compare(VersionVector{2: 1}))
	require.Equal(t, After, VersionVector{1: 1}.Compare(VersionVector{}))

	merged := a.Merge(VersionVector{1: 1, 3: 9})
	require.Equal(t, VersionVector{1: 3, 2: 1, 3: 9}, merged)
	require.Equal(t, VersionVector{1: 3, 2: 1}, a, "merge must not mutate the receiver")

	require.Equal(t, uint64(3), a.Observe(1, 2)[1])
	require.Equal(t, uint64(5), a.Observe(1, 5)[1])
}

func TestInodeEncoding(t *testing.T) {
	in := &Inode{
		Ino:        MakeIno(2, 5, 7, 16),
		Kind:       KindFile,
		Mode:       0o644,
		Uid:        1000,
		Gid:        100,
		Size:       4096,
		Mtime:      11,
		Ctime:      12,
		Nlink:      1,
		ContentRef: []byte("ref"),
		Version:    Version{Seq: 9, Site: 2, Timestamp: 12},
		Vector:     VersionVector{2: 9, 1: 4},
	}
	data, err := in.Marshal()
	require.NoError(t, err)

	out := &Inode{}
	require.NoError(t, out.Unmarshal(data))
	require.Equal(t, in, out)

	// equal vectors encode to equal bytes regardless of map order
	again, err := out.Marshal()
	require.NoError(t, err)
	require.Equal(t, data, again)
}

func TestInoLayout(t *testing.T) {
	const shardNum = 16
	ino := MakeIno(3, 5, 42, shardNum)
	require.Equal(t, SiteID(3), InoSite(ino))
	require.Equal(t, ShardID(5), InoShard(ino, shardNum))
	require.Equal(t, ShardID(RootIno%shardNum), InoShard(RootIno, shardNum))
	require.NotEqual(t, RootIno, MakeIno(0, 1, 1, shardNum))
}

func TestChangeKey(t *testing.T) {
	c := Change{Kind: ChangePutDirent, Dirent: &Dirent{Parent: 1, Name: "a"}}
	require.Equal(t, "d/1/a", c.Key())
	c = Change{Kind: ChangeDelInode, Inode: &Inode{Ino: 9}}
	require.Equal(t, "i/9", c.Key())
	require.True(t, c.Kind.IsDelete())

	batch := &ReplicateBatch{SourceSite: 1, Shard: 3, From: 4, To: 6, Token: FenceToken{Epoch: 2, Site: 1}, Changes: []Change{c}}
	data, err := batch.Marshal()
	require.NoError(t, err)
	out := &ReplicateBatch{}
	require.NoError(t, out.Unmarshal(data))
	require.Equal(t, batch.Token, out.Token)
	require.Equal(t, "i/9", out.Changes[0].Key())
}

func TestFenceStateCheck(t *testing.T) {
	s := &FenceState{Epoch: 3, Owner: 2, Active: map[uint32]uint64{1: 1, 2: 3}}
	ok, _ := s.Check(FenceToken{Epoch: 3, Site: 2})
	require.True(t, ok)
	ok, _ = s.Check(FenceToken{Epoch: 2, Site: 2})
	require.False(t, ok)
	// admitted at an older epoch, still writes with the current one
	ok, _ = s.Check(FenceToken{Epoch: 1, Site: 1})
	require.False(t, ok)
	token, ok := s.Token(1)
	require.True(t, ok)
	require.Equal(t, uint64(3), token.Epoch)
	ok, _ = s.Check(token)
	require.True(t, ok)
	ok, reason := s.Check(FenceToken{Epoch: 3, Site: 4})
	require.False(t, ok)
	require.Contains(t, reason, "fenced")
}
