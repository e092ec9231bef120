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

package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/util"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger(t *testing.T) {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := dir + "/audit.log"
	l := New(&Config{Path: path})
	l.Conflict(&proto.ConflictRecord{
		ID:     "c1",
		Shard:  3,
		Key:    "i/42",
		Site:   1,
		Local:  proto.Change{Kind: proto.ChangePutInode, Inode: &proto.Inode{Ino: 42, Version: proto.Version{Site: 1, Timestamp: 1}}},
		Remote: proto.Change{Kind: proto.ChangePutInode, Inode: &proto.Inode{Ino: 42, Version: proto.Version{Site: 2, Timestamp: 2}}},
		Winner: proto.WinnerRemote,
	})
	l.Fence("issue", 2, &proto.FenceState{Epoch: 5, Owner: 2}, "manual")
	l.Isolation(3, 1, errors.New("apply failed"))
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var events []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		ev := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 3)
	require.Equal(t, "conflict", events[0]["msg"])
	require.Equal(t, "c1", events[0]["id"])
	require.Equal(t, "remote", events[0]["winner"])
	require.Equal(t, float64(5), events[1]["epoch"])
	require.Equal(t, "shard isolated", events[2]["msg"])
}

func TestNopLogger(t *testing.T) {
	l := New(&Config{})
	l.Isolation(1, 1, errors.New("x"))
	require.NoError(t, l.Close())
}
