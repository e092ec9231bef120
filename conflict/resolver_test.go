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

package conflict

import (
	"math/rand"
	"testing"

	"github.com/cubefs/fsmeta/proto"
	"github.com/stretchr/testify/require"
)

func inodeChange(site uint32, ts int64, uid uint32, vv proto.VersionVector) *proto.Change {
	return &proto.Change{
		Kind: proto.ChangePutInode,
		Inode: &proto.Inode{
			Ino:     100,
			Uid:     uid,
			Version: proto.Version{Seq: uint64(ts), Site: site, Timestamp: ts},
			Vector:  vv,
		},
	}
}

func TestResolveCausal(t *testing.T) {
	local := inodeChange(1, 10, 1, proto.VersionVector{1: 3})
	remote := inodeChange(2, 5, 2, proto.VersionVector{1: 3, 2: 1})

	// remote saw the local write: applied even with an older timestamp
	d := Resolve(local, remote)
	require.Equal(t, ApplyRemote, d.Action)
	require.True(t, d.RemoteWins())

	d = Resolve(remote, local)
	require.Equal(t, KeepLocal, d.Action)
	require.False(t, d.RemoteWins())

	d = Resolve(local, local)
	require.Equal(t, KeepLocal, d.Action)
	require.Equal(t, proto.Identical, d.Ordering)
}

func TestResolveConcurrent(t *testing.T) {
	a := inodeChange(1, 100, 1, proto.VersionVector{1: 1})
	b := inodeChange(2, 200, 2, proto.VersionVector{2: 1})

	d := Resolve(a, b)
	require.Equal(t, Resolved, d.Action)
	require.Equal(t, proto.Concurrent, d.Ordering)
	require.True(t, d.RemoteWins())

	d = Resolve(b, a)
	require.Equal(t, Resolved, d.Action)
	require.False(t, d.RemoteWins())

	// equal timestamps: the higher site id wins on both sides
	a = inodeChange(1, 100, 1, proto.VersionVector{1: 1})
	b = inodeChange(2, 100, 2, proto.VersionVector{2: 1})
	require.True(t, Resolve(a, b).RemoteWins())
	require.False(t, Resolve(b, a).RemoteWins())
}

func TestResolveDeterminism(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		sa, sb := uint32(r.Intn(4)+1), uint32(r.Intn(4)+1)
		va := proto.VersionVector{sa: uint64(r.Intn(5))}
		vb := proto.VersionVector{sb: uint64(r.Intn(5))}
		a := inodeChange(sa, int64(r.Intn(3)), 1, va)
		b := inodeChange(sb, int64(r.Intn(3)), 2, vb)

		d1, d2 := Resolve(a, b), Resolve(a, b)
		require.Equal(t, d1, d2)

		// swapping the arguments swaps the winner, never the chosen state
		rev := Resolve(b, a)
		chosen := a
		if d1.RemoteWins() {
			chosen = b
		}
		chosenRev := b
		if rev.RemoteWins() {
			chosenRev = a
		}
		if d1.Action == Resolved {
			require.Equal(t, Resolved, rev.Action)
			require.Same(t, chosen, chosenRev)
		}
	}
}

func TestConflictID(t *testing.T) {
	a := proto.Version{Seq: 3, Site: 1, Timestamp: 100}
	b := proto.Version{Seq: 9, Site: 2, Timestamp: 200}
	require.Equal(t, ID("i/1", a, b), ID("i/1", b, a))
	require.NotEqual(t, ID("i/1", a, b), ID("i/2", a, b))

	local := inodeChange(1, 100, 1, proto.VersionVector{1: 1})
	remote := inodeChange(2, 200, 2, proto.VersionVector{2: 1})
	r1 := Record(7, 1, 2, local, remote, Resolve(local, remote), 1)
	r2 := Record(7, 2, 1, remote, local, Resolve(remote, local), 2)
	require.Equal(t, r1.ID, r2.ID)
	require.Equal(t, proto.WinnerRemote, r1.Winner)
	require.Equal(t, proto.WinnerLocal, r2.Winner)
}
