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

package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdGenerator(t *testing.T) {
	generator := newIDGenerator(1, time.Now())

	id1 := generator.Next()
	id2 := generator.Next()
	require.Equal(t, id1+1, id2)
	require.Equal(t, uint64(1), id1>>48)
}

func TestNotifyID(t *testing.T) {
	require.Equal(t, uint64(12345), BytesToNotifyID(notifyIDToBytes(12345)))
	require.Equal(t, uint64(0), BytesToNotifyID([]byte{1, 2}))
}

func TestNotify(t *testing.T) {
	n := newNotify()
	n.Notify(proposalResult{reply: 1})
	// a second notify never blocks
	n.Notify(proposalResult{reply: 2})
	ret, err := n.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, ret.reply)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = n.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestProposalQueue(t *testing.T) {
	q := newProposalQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, proposalRequest{data: &ProposalData{Op: 1}}))
	require.NoError(t, q.Push(ctx, proposalRequest{data: &ProposalData{Op: 2}}))

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.Error(t, q.Push(timeout, proposalRequest{}))

	var ops []uint32
	q.Iter(func(req proposalRequest) bool {
		ops = append(ops, req.data.Op)
		return true
	})
	require.Equal(t, []uint32{1, 2}, ops)
}

func TestInitialDefaultConfig(t *testing.T) {
	a := 0
	initialDefaultConfig(&a, 5)
	require.Equal(t, 5, a)
	b := uint64(7)
	initialDefaultConfig(&b, 9)
	require.Equal(t, uint64(7), b)
}
