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
	"strconv"

	"github.com/cubefs/fsmeta/conflict"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/metrics"
	"github.com/cubefs/fsmeta/proto"
)

func (s *shardSM) fenceAt(t *applyTxn) (*proto.FenceState, error) {
	fence := &proto.FenceState{}
	if err := t.getMeta(metaFence, fence); err != nil {
		if err == apierrors.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return fence, nil
}

// applyRemote applies one batch of a peer's journal. Batches of a peer
// apply exactly once and in order: a batch at or below the inbound cursor
// is acknowledged without effect, a gap is rejected.
func (s *shardSM) applyRemote(t *applyTxn, b *proto.ReplicateBatch) (*proto.OpResult, error) {
	if b.Shard != s.shardID {
		return nil, apierrors.Reason(apierrors.ErrWrongShard, "batch of shard %d applied to shard %d", b.Shard, s.shardID)
	}
	if b.SourceSite == s.site {
		return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "batch from the local site %d", b.SourceSite)
	}
	fence, err := s.fenceAt(t)
	if err != nil {
		return nil, err
	}
	if fence != nil {
		if ok, reason := fence.Check(b.Token); !ok {
			return nil, apierrors.Reason(apierrors.ErrFenced, "%s", reason)
		}
	}

	inbound, err := t.counter(inboundName(b.SourceSite))
	if err != nil {
		return nil, err
	}
	if b.To <= inbound {
		return &proto.OpResult{Applied: inbound}, nil
	}
	if b.From != inbound+1 || b.To < b.From {
		return nil, apierrors.Reason(apierrors.ErrOutOfOrder, "batch [%d, %d] from site %d, expect %d", b.From, b.To, b.SourceSite, inbound+1)
	}

	ret := &proto.OpResult{Applied: b.To}
	for i := range b.Changes {
		rec, err := s.applyChange(t, b.SourceSite, &b.Changes[i])
		if err != nil {
			return nil, err
		}
		if rec != nil {
			ret.Conflicts = append(ret.Conflicts, *rec)
		}
	}
	t.setCounter(inboundName(b.SourceSite), b.To)
	return ret, nil
}

// currentChange returns the local state of the record remote applies to:
// the live record, its tombstone, or nil when the record is unknown.
func (s *shardSM) currentChange(t *applyTxn, remote *proto.Change) (*proto.Change, error) {
	var (
		cur *proto.Change
		err error
	)
	switch {
	case remote.Inode != nil:
		var inode *proto.Inode
		if inode, err = t.getInode(remote.Inode.Ino); err == nil {
			cur = &proto.Change{Kind: proto.ChangePutInode, Inode: inode}
		}
	case remote.Dirent != nil:
		var d *proto.Dirent
		if d, err = t.getDirent(remote.Dirent.Parent, remote.Dirent.Name); err == nil {
			cur = &proto.Change{Kind: proto.ChangePutDirent, Dirent: d}
		}
	case remote.Xattr != nil:
		var x *proto.Xattr
		if x, err = t.getXattr(remote.Xattr.Ino, remote.Xattr.Name); err == nil {
			cur = &proto.Change{Kind: proto.ChangePutXattr, Xattr: x}
		}
	default:
		return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "empty change")
	}
	if err == nil {
		return cur, nil
	}
	if err != apierrors.ErrNotFound {
		return nil, err
	}
	return t.getTombstone(remote.Key())
}

// applyChange merges one remote change and returns the conflict record
// when the change was concurrent with the local state.
func (s *shardSM) applyChange(t *applyTxn, peer uint32, remote *proto.Change) (*proto.ConflictRecord, error) {
	local, err := s.currentChange(t, remote)
	if err != nil {
		return nil, err
	}
	if local == nil {
		return nil, s.installChange(t, nil, remote, remote.Vector())
	}

	d := conflict.Resolve(local, remote)
	merged := local.Vector().Merge(remote.Vector())
	switch d.Action {
	case conflict.ApplyRemote:
		return nil, s.installChange(t, local, remote, merged)
	case conflict.KeepLocal:
		return nil, nil
	}

	if d.RemoteWins() {
		err = s.installChange(t, local, remote, merged)
	} else {
		err = s.keepLocal(t, local, merged)
	}
	if err != nil {
		return nil, err
	}
	return s.recordConflict(t, peer, local, remote, d)
}

// keepLocal stores the winning local state with the merged vector so the
// losing remote write is never reapplied.
func (s *shardSM) keepLocal(t *applyTxn, local *proto.Change, vector proto.VersionVector) error {
	if local.Kind.IsDelete() {
		c := cloneChange(local)
		setVector(c, vector)
		return t.storeTombstone(c)
	}
	switch {
	case local.Inode != nil:
		local.Inode.Vector = vector
		return t.storeInode(local.Inode)
	case local.Dirent != nil:
		local.Dirent.Vector = vector
		return t.storeDirent(local.Dirent)
	default:
		local.Xattr.Vector = vector
		return t.storeXattr(local.Xattr)
	}
}

// installChange makes remote the local state of its record. local is the
// state being replaced, nil when the record is unknown here.
func (s *shardSM) installChange(t *applyTxn, local, remote *proto.Change, vector proto.VersionVector) error {
	c := cloneChange(remote)
	setVector(c, vector)
	key := c.Key()

	if c.Kind.IsDelete() {
		if local != nil && !local.Kind.IsDelete() {
			if err := s.removeLocal(t, local); err != nil {
				return err
			}
		}
		return t.storeTombstone(c)
	}

	t.del(dataCF, t.keys.tombstoneKey(key))
	switch {
	case c.Inode != nil:
		inode := c.Inode
		inode.Replicated = true
		if local != nil && local.Inode != nil && !local.Kind.IsDelete() && inode.IsDir() {
			// link count of a directory is derived from its local entries
			inode.Nlink = local.Inode.Nlink
		}
		return t.storeInode(inode)
	case c.Dirent != nil:
		delta := dirDelta(c.Dirent.Kind, 1)
		if local != nil && !local.Kind.IsDelete() {
			t.removeDirent(local.Dirent)
			delta -= dirDelta(local.Dirent.Kind, 1)
		}
		if err := t.storeDirent(c.Dirent); err != nil {
			return err
		}
		return s.touchDir(t, c.Dirent.Parent, delta)
	default:
		return t.storeXattr(c.Xattr)
	}
}

// removeLocal drops a live local record replaced by a remote deletion.
func (s *shardSM) removeLocal(t *applyTxn, local *proto.Change) error {
	switch {
	case local.Inode != nil:
		t.del(dataCF, t.keys.inodeKey(local.Inode.Ino))
		t.del(lockCF, t.keys.lockKey(local.Inode.Ino))
		return t.deleteXattrs(local.Inode.Ino)
	case local.Dirent != nil:
		t.removeDirent(local.Dirent)
		return s.touchDir(t, local.Dirent.Parent, dirDelta(local.Dirent.Kind, -1))
	default:
		t.del(dataCF, t.keys.xattrKey(local.Xattr.Ino, local.Xattr.Name))
		return nil
	}
}

// recordConflict appends the conflict to the shard's conflict log once.
// Redelivery of the same pair finds the id and records nothing.
func (s *shardSM) recordConflict(t *applyTxn, peer uint32, local, remote *proto.Change, d conflict.Decision) (*proto.ConflictRecord, error) {
	rec := conflict.Record(s.shardID, s.site, peer, local, remote, d, t.op.Timestamp)
	seen, err := t.hasMeta(cidName(rec.ID))
	if err != nil || seen {
		return nil, err
	}
	seq, err := t.counter(metaConflicts)
	if err != nil {
		return nil, err
	}
	seq++
	rec.Seq = seq
	raw, err := rec.Marshal()
	if err != nil {
		return nil, err
	}
	t.setCounter(metaConflicts, seq)
	t.put(conflictCF, t.keys.conflictKey(seq), raw)
	t.setCounter(cidName(rec.ID), seq)

	// every replica applies the record, only the leader reports it
	t.onCommit(func() {
		if (*shard)(s).leads() {
			s.audit.Conflict(&rec)
			metrics.ConflictTotal.WithLabelValues(strconv.Itoa(int(peer)), rec.Winner.String()).Inc()
		}
	})
	return &rec, nil
}

func cloneChange(c *proto.Change) *proto.Change {
	ret := &proto.Change{Kind: c.Kind, Created: c.Created}
	switch {
	case c.Inode != nil:
		ret.Inode = c.Inode.Clone()
	case c.Dirent != nil:
		ret.Dirent = c.Dirent.Clone()
	case c.Xattr != nil:
		x := *c.Xattr
		x.Value = append([]byte(nil), c.Xattr.Value...)
		x.Vector = c.Xattr.Vector.Clone()
		ret.Xattr = &x
	}
	return ret
}

func setVector(c *proto.Change, vector proto.VersionVector) {
	switch {
	case c.Inode != nil:
		c.Inode.Vector = vector
	case c.Dirent != nil:
		c.Dirent.Vector = vector
	case c.Xattr != nil:
		c.Xattr.Vector = vector
	}
}

// applyAdvanceCursor moves the outbound cursor of a peer site forward.
// Seq zero enrolls the site without acknowledging anything.
func (s *shardSM) applyAdvanceCursor(t *applyTxn, op *proto.CursorOp) (*proto.OpResult, error) {
	if op.Site == s.site {
		return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "cursor of the local site")
	}
	last, err := t.counter(metaJLast)
	if err != nil {
		return nil, err
	}
	if op.Seq > last {
		return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "cursor %d beyond journal end %d", op.Seq, last)
	}
	cur, err := t.counter(cursorName(op.Site))
	if err != nil {
		return nil, err
	}
	if op.Seq > cur {
		cur = op.Seq
	}
	t.setCounter(cursorName(op.Site), cur)
	t.onCommit(func() {
		metrics.ReplicationLag.WithLabelValues(strconv.Itoa(int(s.shardID)), strconv.Itoa(int(op.Site))).Set(float64(last - cur))
	})
	return &proto.OpResult{Applied: cur}, nil
}

// minCursor returns the lowest cursor of enrolled sites. Without enrolled
// sites nothing holds the journal back.
func (s *shardSM) minCursor(t *applyTxn, last uint64) (uint64, error) {
	lowest, enrolled := last, false
	err := t.scan(metaCF, t.keys.metaPrefix(metaCursorPrefix), func(key, value []byte) (bool, error) {
		seq := decodeUint64(value)
		if !enrolled || seq < lowest {
			lowest = seq
		}
		enrolled = true
		return true, nil
	})
	return lowest, err
}

// applyTruncateJournal reclaims journal records below op.Seq. The cutoff
// is clamped so that no record an enrolled site has not acknowledged is
// ever removed.
func (s *shardSM) applyTruncateJournal(t *applyTxn, op *proto.CursorOp) (*proto.OpResult, error) {
	first, err := t.counter(metaJFirst)
	if err != nil {
		return nil, err
	}
	last, err := t.counter(metaJLast)
	if err != nil {
		return nil, err
	}
	lowest, err := s.minCursor(t, last)
	if err != nil {
		return nil, err
	}
	cutoff := op.Seq
	if cutoff > lowest+1 {
		cutoff = lowest + 1
	}
	if cutoff > last+1 {
		cutoff = last + 1
	}

	if first != 0 && cutoff > first {
		for seq := first; seq < cutoff; seq++ {
			t.del(journalCF, t.keys.journalKey(seq))
		}
		t.setCounter(metaJFirst, cutoff)
		reclaimed := cutoff - first
		t.onCommit(func() {
			metrics.JournalReclaimed.WithLabelValues(strconv.Itoa(int(s.shardID))).Add(float64(reclaimed))
		})
		first = cutoff
	}
	if err = s.purgeExpired(t); err != nil {
		return nil, err
	}
	return &proto.OpResult{Applied: first}, nil
}

// purgeExpired drops tombstones and rename markers older than the
// tombstone ttl.
func (s *shardSM) purgeExpired(t *applyTxn) error {
	expire := t.op.Timestamp - int64(defaultTombstoneTTL)
	var keys [][]byte
	err := t.scan(dataCF, t.keys.tombstonePrefix(), func(key, value []byte) (bool, error) {
		c := &proto.Change{}
		if err := c.Unmarshal(value); err != nil {
			return false, err
		}
		if c.Version().Timestamp < expire {
			keys = append(keys, key)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		t.del(dataCF, key)
	}

	keys = keys[:0]
	err = t.scan(metaCF, t.keys.metaPrefix(metaTxnPrefix), func(key, value []byte) (bool, error) {
		if int64(decodeUint64(value)) < expire {
			keys = append(keys, key)
		}
		return true, nil
	})
	for _, key := range keys {
		t.del(metaCF, key)
	}
	return err
}

// applyFenceUpdate installs a new fence state. States older than the
// current epoch are ignored.
func (s *shardSM) applyFenceUpdate(t *applyTxn, state *proto.FenceState) (*proto.OpResult, error) {
	cur, err := s.fenceAt(t)
	if err != nil {
		return nil, err
	}
	if cur != nil && state.Epoch < cur.Epoch {
		return &proto.OpResult{Applied: cur.Epoch}, nil
	}
	if err = t.putMeta(metaFence, state); err != nil {
		return nil, err
	}
	if s.shardID == 0 {
		t.onCommit(func() { metrics.FenceEpoch.Set(float64(state.Epoch)) })
	}
	return &proto.OpResult{Applied: state.Epoch}, nil
}
