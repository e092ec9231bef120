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
	"testing"
	"time"

	"github.com/cubefs/fsmeta/proto"
	"github.com/stretchr/testify/require"
)

func putInode(ino uint64, created bool, size uint64) proto.Change {
	return proto.Change{Kind: proto.ChangePutInode, Created: created, Inode: &proto.Inode{Ino: ino, Size: size}}
}

func delInode(ino uint64) proto.Change {
	return proto.Change{Kind: proto.ChangeDelInode, Inode: &proto.Inode{Ino: ino}}
}

func putDirent(parent uint64, name string, child uint64, created bool) proto.Change {
	return proto.Change{Kind: proto.ChangePutDirent, Created: created, Dirent: &proto.Dirent{Parent: parent, Name: name, Child: child}}
}

func TestCompact(t *testing.T) {
	records := []proto.JournalRecord{
		{Seq: 1, Changes: []proto.Change{putInode(10, true, 0), putDirent(1, "a", 10, true)}},
		{Seq: 2, Changes: []proto.Change{putInode(10, false, 100)}},
		{Seq: 3, Changes: []proto.Change{putInode(11, true, 0), putDirent(1, "tmp", 11, true)}},
		{Seq: 4, Changes: []proto.Change{delInode(11), {Kind: proto.ChangeDelDirent, Dirent: &proto.Dirent{Parent: 1, Name: "tmp"}}}},
		{Seq: 5, Changes: []proto.Change{putInode(12, false, 7)}},
		{Seq: 6, Changes: []proto.Change{delInode(12)}},
	}
	changes := Compact(records)
	require.Len(t, changes, 3)

	require.Equal(t, proto.ChangePutInode, changes[0].Kind)
	require.Equal(t, uint64(100), changes[0].Inode.Size)
	require.True(t, changes[0].Created)
	require.Equal(t, "a", changes[1].Dirent.Name)
	// 12 existed before the range, its removal must reach the peer
	require.Equal(t, proto.ChangeDelInode, changes[2].Kind)
	require.Equal(t, uint64(12), changes[2].Inode.Ino)
	require.False(t, changes[2].Created)

	require.Empty(t, Compact(nil))
}

func TestCompactRecreated(t *testing.T) {
	records := []proto.JournalRecord{
		{Seq: 1, Changes: []proto.Change{putInode(10, true, 0)}},
		{Seq: 2, Changes: []proto.Change{delInode(10)}},
		{Seq: 3, Changes: []proto.Change{putInode(10, true, 5)}},
	}
	changes := Compact(records)
	require.Len(t, changes, 1)
	require.Equal(t, proto.ChangePutInode, changes[0].Kind)
	require.Equal(t, uint64(5), changes[0].Inode.Size)
	require.True(t, changes[0].Created)
}

func TestIdentityMap(t *testing.T) {
	m, err := ParseIdentityMap([]byte(`
sites:
  - site: 2
    uids: {1000: 2000}
    gids: {100: 200}
`))
	require.NoError(t, err)
	require.Equal(t, uint32(2000), m.Uid(2, 1000))
	require.Equal(t, uint32(1001), m.Uid(2, 1001))
	require.Equal(t, uint32(200), m.Gid(2, 100))
	require.Equal(t, uint32(1000), m.Uid(3, 1000))

	changes := []proto.Change{
		{Kind: proto.ChangePutInode, Inode: &proto.Inode{Ino: 1, Uid: 1000, Gid: 100}},
		putDirent(1, "a", 2, true),
	}
	m.Translate(2, changes)
	require.Equal(t, uint32(2000), changes[0].Inode.Uid)
	require.Equal(t, uint32(200), changes[0].Inode.Gid)

	_, err = ParseIdentityMap([]byte("sites: [{site: 2}, {site: 2}]"))
	require.Error(t, err)

	m, err = LoadIdentityMap("")
	require.NoError(t, err)
	require.Equal(t, uint32(1000), m.Uid(2, 1000))
}

func TestBackpressureLevels(t *testing.T) {
	b := NewBackpressure(&BackpressureConfig{})
	require.Equal(t, LevelNone, b.Level())
	require.Equal(t, time.Duration(0), b.Level().Delay())

	b.SetQueueDepth(1000)
	require.Equal(t, LevelMild, b.Level())
	b.SetQueueDepth(10000)
	require.Equal(t, LevelModerate, b.Level())
	b.SetQueueDepth(1000000)
	require.Equal(t, LevelHalt, b.Level())
	b.SetQueueDepth(0)

	for i := 0; i < 3; i++ {
		b.RecordError()
	}
	require.Equal(t, LevelModerate, b.Level())
	b.SetQueueDepth(100000)
	require.Equal(t, LevelSevere, b.Level())
	require.Equal(t, 500*time.Millisecond, b.Level().Delay())
	for i := 0; i < 17; i++ {
		b.RecordError()
	}
	require.Equal(t, LevelHalt, b.Level())
	require.False(t, b.Forced())

	b.RecordSuccess()
	b.SetQueueDepth(0)
	require.Equal(t, LevelNone, b.Level())

	b.ForceHalt()
	require.Equal(t, LevelHalt, b.Level())
	require.Equal(t, "halt", b.Level().String())
	b.ClearHalt()
	require.Equal(t, LevelNone, b.Level())
}
