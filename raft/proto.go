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

	"go.etcd.io/etcd/raft/v3/raftpb"
)

type (
	// StateMachine is driven by exactly one group worker. Apply receives
	// committed proposals in log order; index is the log index of the last
	// entry covered by the call and must be persisted together with the
	// applied mutations.
	StateMachine interface {
		Apply(ctx context.Context, pds []ProposalData, index uint64) (rets []interface{}, err error)
		LeaderChange(peerID uint64) error
		ApplyMemberChange(m *Member, index uint64) error
		// AppliedIndex returns the index persisted by the last Apply.
		AppliedIndex() uint64
		// Snapshot captures the state at AppliedIndex.
		Snapshot(ctx context.Context) ([]byte, error)
		ApplySnapshot(ctx context.Context, data []byte, index uint64) error
	}
	// Sender delivers a batch of raft messages to one node.
	Sender interface {
		SendRaftMessageBatch(ctx context.Context, to uint64, batch *RaftMessageRequestBatch) error
	}
)

type (
	Stat struct {
		Id             uint64   `json:"nodeId"`
		Term           uint64   `json:"term"`
		Vote           uint64   `json:"vote"`
		Commit         uint64   `json:"commit"`
		Leader         uint64   `json:"leader"`
		RaftState      string   `json:"raftState"`
		Applied        uint64   `json:"applied"`
		RaftApplied    uint64   `json:"raftApplied"`
		LeadTransferee uint64   `json:"transferee"`
		FirstIndex     uint64   `json:"firstIndex"`
		LastIndex      uint64   `json:"lastIndex"`
		Peers          []uint64 `json:"peers"`
		Isolated       bool     `json:"isolated"`
	}

	ProposalResponse struct {
		Data interface{}
	}

	proposalRequest struct {
		entryType raftpb.EntryType
		data      *ProposalData
		cc        *raftpb.ConfChange
	}
	proposalResult struct {
		reply interface{}
		err   error
	}
)

type MemberChangeType uint8

const (
	MemberChangeType_AddMember MemberChangeType = iota + 1
	MemberChangeType_RemoveMember
)

// Member is a replica of a group. Membership is carried through committed
// conf change entries with the encoded member as context.
type Member struct {
	NodeID  uint64           `json:"node_id"`
	Host    string           `json:"host"`
	Learner bool             `json:"learner"`
	Type    MemberChangeType `json:"type"`
}

// ProposalData is the payload of one normal log entry.
type ProposalData struct {
	Module []byte
	Op     uint32
	Data   []byte

	notifyID uint64
	index    uint64
}

// Index returns the log index the proposal was committed at, set on apply.
func (p *ProposalData) Index() uint64 {
	return p.index
}

type (
	RaftMessageRequest struct {
		GroupID uint64
		From    uint64
		To      uint64
		Message raftpb.Message
	}
	RaftMessageRequestBatch struct {
		Requests []RaftMessageRequest
	}
)

func (r *RaftMessageRequest) Size() int {
	return r.Message.Size() + 24
}

// Committed returns a copy of p as committed at index. It is used to replay
// committed entries into a state machine outside of a group.
func (p ProposalData) Committed(index uint64) ProposalData {
	p.index = index
	return p
}
