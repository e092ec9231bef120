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
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/fsmeta/errors"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

type Group interface {
	ID() uint64
	Propose(ctx context.Context, msg *ProposalData) (ProposalResponse, error)
	LeaderTransfer(ctx context.Context, peerID uint64) error
	// ReadIndex returns once the local state machine has applied every
	// entry committed before the call. Leader only.
	ReadIndex(ctx context.Context) error
	// CheckStale returns nil when the replica heard from its leader within maxStale.
	CheckStale(maxStale time.Duration) error
	Truncate(ctx context.Context, index uint64) error
	MemberChange(ctx context.Context, mc *Member) error
	IsLeader() bool
	Leader() uint64
	Stat() (*Stat, error)
	Close() error
}

type pendingRead struct {
	index    uint64
	notifyID uint64
}

type group struct {
	id     uint64
	nodeID uint64
	cfg    *Config

	leader      uint64
	isLeader    int32
	isolated    int32
	lastContact int64
	appliedIdx  uint64
	snapshotIdx uint64

	notifies  sync.Map
	proposals proposalQueue
	recvc     chan raftpb.Message
	actions   chan func(rn *raft.RawNode)
	stopc     chan struct{}
	donec     chan struct{}
	closeOnce sync.Once

	sm        StateMachine
	storage   *storage
	transport *transport
	idGen     *idGenerator
}

func (g *group) ID() uint64 {
	return g.id
}

func (g *group) Propose(ctx context.Context, data *ProposalData) (resp ProposalResponse, err error) {
	if err = g.checkProposable(); err != nil {
		return
	}
	data.notifyID = g.idGen.Next()
	n := newNotify()
	g.addNotify(data.notifyID, n)

	if err = g.proposals.Push(ctx, proposalRequest{entryType: raftpb.EntryNormal, data: data}); err != nil {
		g.notifies.Delete(data.notifyID)
		return resp, apierrors.Reason(apierrors.ErrTimeout, "push proposal: %s", err)
	}

	ret, err := g.wait(ctx, data.notifyID, n)
	if err != nil {
		return
	}
	return ProposalResponse{Data: ret.reply}, nil
}

func (g *group) LeaderTransfer(ctx context.Context, peerID uint64) error {
	return g.do(ctx, func(rn *raft.RawNode) {
		rn.TransferLeader(peerID)
	})
}

func (g *group) ReadIndex(ctx context.Context) error {
	if err := g.checkProposable(); err != nil {
		return err
	}
	notifyID := g.idGen.Next()
	n := newNotify()
	g.addNotify(notifyID, n)
	defer g.notifies.Delete(notifyID)

	request := func() error {
		return g.do(ctx, func(rn *raft.RawNode) {
			rn.ReadIndex(notifyIDToBytes(notifyID))
		})
	}
	if err := request(); err != nil {
		return err
	}

	// a read index issued before the leader commits an entry of its own
	// term is dropped by raft, so it is re-issued until answered
	retry := time.NewTicker(time.Duration(g.cfg.TickIntervalMs*uint32(g.cfg.ElectionTick)) * time.Millisecond)
	defer retry.Stop()
	for {
		select {
		case ret := <-n:
			return ret.err
		case <-retry.C:
			if err := g.checkProposable(); err != nil {
				return err
			}
			if err := request(); err != nil {
				return err
			}
		case <-ctx.Done():
			return apierrors.Reason(apierrors.ErrTimeout, "read index: %s", ctx.Err())
		case <-g.stopc:
			return ErrRaftGroupStopped
		}
	}
}

func (g *group) CheckStale(maxStale time.Duration) error {
	if atomic.LoadInt32(&g.isolated) == 1 {
		return apierrors.ErrShardIsolated
	}
	if g.IsLeader() {
		return nil
	}
	last := atomic.LoadInt64(&g.lastContact)
	if last == 0 || time.Since(time.Unix(0, last)) > maxStale {
		return apierrors.Reason(apierrors.ErrStaleReplica, "last leader contact %s ago", time.Since(time.Unix(0, last)))
	}
	return nil
}

func (g *group) Truncate(ctx context.Context, index uint64) error {
	// entries after the latest snapshot are needed to catch followers up
	if snap := atomic.LoadUint64(&g.snapshotIdx); index > snap {
		index = snap
	}
	return g.storage.TruncateBefore(ctx, index)
}

func (g *group) MemberChange(ctx context.Context, mc *Member) error {
	data, err := mc.Marshal()
	if err != nil {
		return err
	}
	cc := &raftpb.ConfChange{NodeID: mc.NodeID, Context: data}
	switch mc.Type {
	case MemberChangeType_AddMember:
		cc.Type = raftpb.ConfChangeAddNode
		if mc.Learner {
			cc.Type = raftpb.ConfChangeAddLearnerNode
		}
	case MemberChangeType_RemoveMember:
		cc.Type = raftpb.ConfChangeRemoveNode
	default:
		return apierrors.Reason(apierrors.ErrInvalidArgument, "unknown member change type %d", mc.Type)
	}
	if err = g.checkProposable(); err != nil {
		return err
	}

	notifyID := g.idGen.Next()
	cc.ID = notifyID
	n := newNotify()
	g.addNotify(notifyID, n)
	if err = g.proposals.Push(ctx, proposalRequest{entryType: raftpb.EntryConfChange, cc: cc}); err != nil {
		g.notifies.Delete(notifyID)
		return err
	}
	_, err = g.wait(ctx, notifyID, n)
	return err
}

func (g *group) IsLeader() bool {
	return atomic.LoadInt32(&g.isLeader) == 1
}

func (g *group) Leader() uint64 {
	return atomic.LoadUint64(&g.leader)
}

func (g *group) Stat() (*Stat, error) {
	var status raft.Status
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.do(ctx, func(rn *raft.RawNode) {
		status = rn.Status()
	}); err != nil {
		return nil, err
	}
	firstIndex, _ := g.storage.FirstIndex()
	lastIndex, _ := g.storage.LastIndex()
	stat := &Stat{
		Id:             status.ID,
		Term:           status.Term,
		Vote:           status.Vote,
		Commit:         status.Commit,
		Leader:         status.Lead,
		RaftState:      status.RaftState.String(),
		Applied:        atomic.LoadUint64(&g.appliedIdx),
		RaftApplied:    status.Applied,
		LeadTransferee: status.LeadTransferee,
		FirstIndex:     firstIndex,
		LastIndex:      lastIndex,
		Isolated:       atomic.LoadInt32(&g.isolated) == 1,
	}
	cs := g.storage.ConfState()
	stat.Peers = append(stat.Peers, cs.Voters...)
	stat.Peers = append(stat.Peers, cs.Learners...)
	return stat, nil
}

func (g *group) Close() error {
	g.closeOnce.Do(func() {
		close(g.stopc)
	})
	<-g.donec
	g.failPending(ErrRaftGroupStopped)
	return nil
}

// step hands an incoming message to the worker. Messages are dropped when
// the receive queue is full; raft retransmits them.
func (g *group) step(m raftpb.Message) {
	select {
	case g.recvc <- m:
	case <-g.stopc:
	default:
	}
}

func (g *group) reportUnreachable(to uint64) {
	select {
	case g.actions <- func(rn *raft.RawNode) { rn.ReportUnreachable(to) }:
	default:
	}
}

func (g *group) do(ctx context.Context, f func(rn *raft.RawNode)) error {
	done := make(chan struct{})
	select {
	case g.actions <- func(rn *raft.RawNode) { f(rn); close(done) }:
	case <-ctx.Done():
		return apierrors.Reason(apierrors.ErrTimeout, "%s", ctx.Err())
	case <-g.stopc:
		return ErrRaftGroupStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return apierrors.Reason(apierrors.ErrTimeout, "%s", ctx.Err())
	case <-g.stopc:
		return ErrRaftGroupStopped
	}
}

func (g *group) checkProposable() error {
	if atomic.LoadInt32(&g.isolated) == 1 {
		return apierrors.ErrShardIsolated
	}
	if g.IsLeader() {
		return nil
	}
	if leader := g.Leader(); leader != raft.None {
		return apierrors.NotLeader(leader)
	}
	return apierrors.ErrNoLeader
}

func (g *group) wait(ctx context.Context, notifyID uint64, n notify) (proposalResult, error) {
	select {
	case ret := <-n:
		return ret, ret.err
	case <-ctx.Done():
		g.notifies.Delete(notifyID)
		// the entry may still commit later
		return proposalResult{}, apierrors.Reason(apierrors.ErrTimeout, "propose: %s", ctx.Err())
	case <-g.stopc:
		g.notifies.Delete(notifyID)
		return proposalResult{}, ErrRaftGroupStopped
	}
}

func (g *group) addNotify(notifyID uint64, n notify) {
	g.notifies.Store(notifyID, n)
}

func (g *group) doNotify(notifyID uint64, ret proposalResult) {
	n, ok := g.notifies.LoadAndDelete(notifyID)
	if !ok {
		return
	}
	n.(notify).Notify(ret)
}

func (g *group) failPending(err error) {
	g.notifies.Range(func(key, value interface{}) bool {
		g.notifies.Delete(key)
		value.(notify).Notify(proposalResult{err: err})
		return true
	})
}

// run is the group worker. It is the only goroutine touching the raw node,
// the storage writes and the state machine.
func (g *group) run(rn *raft.RawNode) {
	defer close(g.donec)
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	span.Infof("raft group[%d] worker started on node[%d], applied: %d", g.id, g.nodeID, atomic.LoadUint64(&g.appliedIdx))

	ticker := time.NewTicker(time.Duration(g.cfg.TickIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	var (
		pendingReads []pendingRead
		softState    = raft.SoftState{}
	)

	for {
		select {
		case <-ticker.C:
			rn.Tick()
			if g.IsLeader() {
				atomic.StoreInt64(&g.lastContact, time.Now().UnixNano())
			}
		case req := <-g.proposals:
			g.propose(rn, req)
			g.proposals.Iter(func(req proposalRequest) bool {
				g.propose(rn, req)
				return true
			})
		case m := <-g.recvc:
			if m.From == g.Leader() && (m.Type == raftpb.MsgApp || m.Type == raftpb.MsgHeartbeat || m.Type == raftpb.MsgSnap) {
				atomic.StoreInt64(&g.lastContact, time.Now().UnixNano())
			}
			if err := rn.Step(m); err != nil && err != raft.ErrStepPeerNotFound {
				span.Debugf("raft group[%d] step message failed: %s", g.id, err)
			}
		case f := <-g.actions:
			f(rn)
		case <-g.stopc:
			span.Infof("raft group[%d] worker stopped", g.id)
			return
		}

		for rn.HasReady() {
			rd := rn.Ready()
			if err := g.handleReady(ctx, rn, rd, &softState, &pendingReads); err != nil {
				g.isolate(ctx, err)
				<-g.stopc
				return
			}
			rn.Advance(rd)
		}
	}
}

func (g *group) propose(rn *raft.RawNode, req proposalRequest) {
	notifyID := uint64(0)
	var err error
	switch req.entryType {
	case raftpb.EntryConfChange:
		notifyID = req.cc.ID
		if !g.IsLeader() {
			err = g.checkProposable()
			break
		}
		err = rn.ProposeConfChange(*req.cc)
	default:
		notifyID = req.data.notifyID
		if !g.IsLeader() {
			err = g.checkProposable()
			break
		}
		var data []byte
		if data, err = req.data.Marshal(); err == nil {
			err = rn.Propose(data)
		}
	}
	if err != nil {
		if err == raft.ErrProposalDropped {
			err = g.checkProposable()
			if err == nil {
				err = apierrors.Reason(apierrors.ErrUnavailable, "proposal dropped")
			}
		}
		g.doNotify(notifyID, proposalResult{err: err})
	}
}

func (g *group) handleReady(ctx context.Context, rn *raft.RawNode, rd raft.Ready, softState *raft.SoftState, pendingReads *[]pendingRead) error {
	span := trace.SpanFromContextSafe(ctx)

	if rd.SoftState != nil {
		wasLeader := softState.RaftState == raft.StateLeader
		leaderChanged := rd.SoftState.Lead != softState.Lead
		*softState = *rd.SoftState

		atomic.StoreUint64(&g.leader, rd.SoftState.Lead)
		if rd.SoftState.RaftState == raft.StateLeader {
			atomic.StoreInt32(&g.isLeader, 1)
			atomic.StoreInt64(&g.lastContact, time.Now().UnixNano())
		} else {
			atomic.StoreInt32(&g.isLeader, 0)
		}
		if wasLeader && rd.SoftState.RaftState != raft.StateLeader {
			g.failPending(ErrLeadershipChanged)
			*pendingReads = (*pendingReads)[:0]
		}
		if leaderChanged {
			span.Infof("raft group[%d] leader changed to %d, state: %s", g.id, rd.SoftState.Lead, rd.SoftState.RaftState)
			if err := g.sm.LeaderChange(rd.SoftState.Lead); err != nil {
				return errors.Info(err, "leader change")
			}
		}
	}

	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := g.storage.ApplySnapshot(ctx, rd.Snapshot); err != nil {
			return errors.Info(err, "save snapshot")
		}
		if err := g.sm.ApplySnapshot(ctx, rd.Snapshot.Data, rd.Snapshot.Metadata.Index); err != nil {
			return errors.Info(err, "apply snapshot to state machine")
		}
		atomic.StoreUint64(&g.appliedIdx, rd.Snapshot.Metadata.Index)
		atomic.StoreUint64(&g.snapshotIdx, rd.Snapshot.Metadata.Index)
		span.Infof("raft group[%d] applied snapshot at index %d", g.id, rd.Snapshot.Metadata.Index)
	}

	if err := g.storage.Append(ctx, rd.HardState, rd.Entries); err != nil {
		return errors.Info(err, "append entries")
	}

	g.transport.Send(ctx, g, rd.Messages)

	if err := g.applyCommittedEntries(ctx, rn, rd.CommittedEntries); err != nil {
		return err
	}

	for _, rs := range rd.ReadStates {
		*pendingReads = append(*pendingReads, pendingRead{index: rs.Index, notifyID: BytesToNotifyID(rs.RequestCtx)})
	}
	applied := atomic.LoadUint64(&g.appliedIdx)
	remain := (*pendingReads)[:0]
	for _, r := range *pendingReads {
		if r.index <= applied {
			g.doNotify(r.notifyID, proposalResult{})
			continue
		}
		remain = append(remain, r)
	}
	*pendingReads = remain

	return g.maybeSnapshot(ctx)
}

func (g *group) applyCommittedEntries(ctx context.Context, rn *raft.RawNode, entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	allProposalData := make([]ProposalData, 0, len(entries))
	latestIndex := uint64(0)
	applied := atomic.LoadUint64(&g.appliedIdx)

	flush := func() error {
		if len(allProposalData) == 0 {
			return nil
		}
		rets, err := g.sm.Apply(ctx, allProposalData, latestIndex)
		if err != nil {
			return errors.Info(err, "apply to state machine failed")
		}
		for i := range allProposalData {
			var ret interface{}
			if i < len(rets) {
				ret = rets[i]
			}
			g.doNotify(allProposalData[i].notifyID, proposalResult{reply: ret})
		}
		allProposalData = allProposalData[:0]
		return nil
	}

	for i := range entries {
		entry := &entries[i]
		if entry.Index <= applied {
			// replayed after restart, already persisted by the state machine
			if entry.Type == raftpb.EntryConfChange {
				if err := g.applyConfChange(ctx, rn, *entry, false); err != nil {
					return err
				}
			}
			latestIndex = entry.Index
			continue
		}

		switch entry.Type {
		case raftpb.EntryConfChange:
			// apply the previous committed entries first before apply conf change
			if err := flush(); err != nil {
				return err
			}
			if err := g.applyConfChange(ctx, rn, *entry, true); err != nil {
				return errors.Info(err, "apply conf change to state machine failed")
			}
		case raftpb.EntryNormal:
			if len(entry.Data) == 0 {
				break
			}
			pd := ProposalData{}
			if err := pd.Unmarshal(entry.Data); err != nil {
				return errors.Info(err, "unmarshal proposal data failed")
			}
			pd.index = entry.Index
			allProposalData = append(allProposalData, pd)
		}
		latestIndex = entry.Index
	}
	if err := flush(); err != nil {
		return err
	}

	if latestIndex > applied {
		atomic.StoreUint64(&g.appliedIdx, latestIndex)
	}
	return nil
}

func (g *group) applyConfChange(ctx context.Context, rn *raft.RawNode, entry raftpb.Entry, toStateMachine bool) error {
	var cc raftpb.ConfChange
	if err := cc.Unmarshal(entry.Data); err != nil {
		return errors.Info(err, "unmarshal conf change failed")
	}

	cs := rn.ApplyConfChange(cc)
	if err := g.storage.SaveConfState(ctx, *cs); err != nil {
		return err
	}
	if !toStateMachine {
		return nil
	}

	member := &Member{}
	if len(cc.Context) > 0 {
		if err := member.Unmarshal(cc.Context); err != nil {
			return err
		}
	}
	if err := g.sm.ApplyMemberChange(member, entry.Index); err != nil {
		return err
	}
	g.doNotify(cc.ID, proposalResult{})
	return nil
}

// isolate stops the group after an apply failure. The replica keeps its
// persisted state for inspection and repair.
func (g *group) isolate(ctx context.Context, err error) {
	span := trace.SpanFromContextSafe(ctx)
	span.Errorf("raft group[%d] isolated: %s", g.id, errors.Detail(err))
	atomic.StoreInt32(&g.isolated, 1)
	atomic.StoreInt32(&g.isLeader, 0)
	g.failPending(apierrors.Reason(apierrors.ErrShardIsolated, "%s", err))
	if g.cfg.OnIsolated != nil {
		g.cfg.OnIsolated(g.id, err)
	}
}
