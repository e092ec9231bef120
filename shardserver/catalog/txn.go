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
	"bytes"
	"context"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/fsmeta/common/kvstore"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
)

type pendingWrite struct {
	cf      kvstore.CF
	key     []byte
	value   []byte
	deleted bool
}

// applyTxn collects the writes of one log entry. Reads see the entry's own
// writes; everything is committed in one write batch together with the
// applied index.
type applyTxn struct {
	ctx    context.Context
	kv     kvstore.Store
	keys   shardKeys
	op     *proto.Op
	index  uint64
	writes map[string]*pendingWrite

	// journal sequence of this entry, allocated on first local change
	jseq    uint64
	changes []proto.Change

	// names written by this entry and hooks run once it is committed
	dirents   []proto.Dirent
	committed []func()
}

func newApplyTxn(ctx context.Context, kv kvstore.Store, keys shardKeys, op *proto.Op, index uint64) *applyTxn {
	return &applyTxn{
		ctx:    ctx,
		kv:     kv,
		keys:   keys,
		op:     op,
		index:  index,
		writes: make(map[string]*pendingWrite),
	}
}

func writeKey(cf kvstore.CF, key []byte) string {
	return string(cf) + "\x00" + string(key)
}

func (t *applyTxn) get(cf kvstore.CF, key []byte) ([]byte, error) {
	if w, ok := t.writes[writeKey(cf, key)]; ok {
		if w.deleted {
			return nil, kvstore.ErrNotFound
		}
		return w.value, nil
	}
	return t.kv.GetRaw(t.ctx, cf, key, nil)
}

func (t *applyTxn) put(cf kvstore.CF, key, value []byte) {
	t.writes[writeKey(cf, key)] = &pendingWrite{cf: cf, key: key, value: value}
}

func (t *applyTxn) del(cf kvstore.CF, key []byte) {
	t.writes[writeKey(cf, key)] = &pendingWrite{cf: cf, key: key, deleted: true}
}

// scan visits every live key with prefix, pending writes included. Keys
// written by this entry are visited first; order is otherwise by key.
func (t *applyTxn) scan(cf kvstore.CF, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	for _, w := range t.writes {
		if w.cf != cf || w.deleted || !bytes.HasPrefix(w.key, prefix) {
			continue
		}
		more, err := fn(w.key, w.value)
		if err != nil || !more {
			return err
		}
	}

	lr := t.kv.List(t.ctx, cf, prefix, nil, nil)
	defer lr.Close()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return errors.Info(err, "scan", cf.String())
		}
		if key == nil {
			return nil
		}
		if _, ok := t.writes[writeKey(cf, key)]; ok {
			continue
		}
		more, err := fn(key, value)
		if err != nil || !more {
			return err
		}
	}
}

func (t *applyTxn) commit(applied []byte) error {
	batch := t.kv.NewWriteBatch()
	defer batch.Close()
	for _, w := range t.writes {
		if w.deleted {
			batch.Delete(w.cf, w.key)
			continue
		}
		batch.Put(w.cf, w.key, w.value)
	}
	batch.Put(metaCF, t.keys.metaKey(metaApplied), applied)
	return t.kv.Write(t.ctx, batch, nil)
}

// counters and meta records

func (t *applyTxn) counter(name string) (uint64, error) {
	raw, err := t.get(metaCF, t.keys.metaKey(name))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return decodeUint64(raw), nil
}

func (t *applyTxn) setCounter(name string, v uint64) {
	t.put(metaCF, t.keys.metaKey(name), encodeUint64(v))
}

func (t *applyTxn) getMeta(name string, m proto.Message) error {
	raw, err := t.get(metaCF, t.keys.metaKey(name))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return apierrors.ErrNotFound
		}
		return err
	}
	if err = m.Unmarshal(raw); err != nil {
		return errors.Info(err, "decode meta", name)
	}
	return nil
}

func (t *applyTxn) hasMeta(name string) (bool, error) {
	_, err := t.get(metaCF, t.keys.metaKey(name))
	if err == kvstore.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *applyTxn) putMeta(name string, m proto.Message) error {
	raw, err := m.Marshal()
	if err != nil {
		return err
	}
	t.put(metaCF, t.keys.metaKey(name), raw)
	return nil
}

func (t *applyTxn) delMeta(name string) {
	t.del(metaCF, t.keys.metaKey(name))
}

// records

func (t *applyTxn) getInode(ino uint64) (*proto.Inode, error) {
	raw, err := t.get(dataCF, t.keys.inodeKey(ino))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrNotFound
		}
		return nil, err
	}
	inode := &proto.Inode{}
	if err = inode.Unmarshal(raw); err != nil {
		return nil, errors.Info(err, "decode inode")
	}
	return inode, nil
}

func (t *applyTxn) storeInode(inode *proto.Inode) error {
	raw, err := inode.Marshal()
	if err != nil {
		return err
	}
	t.put(dataCF, t.keys.inodeKey(inode.Ino), raw)
	return nil
}

func (t *applyTxn) getDirent(parent uint64, name string) (*proto.Dirent, error) {
	raw, err := t.get(dataCF, t.keys.direntKey(parent, name))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrNotFound
		}
		return nil, err
	}
	d := &proto.Dirent{}
	if err = d.Unmarshal(raw); err != nil {
		return nil, errors.Info(err, "decode dirent")
	}
	return d, nil
}

func (t *applyTxn) storeDirent(d *proto.Dirent) error {
	raw, err := d.Marshal()
	if err != nil {
		return err
	}
	t.put(dataCF, t.keys.direntKey(d.Parent, d.Name), raw)
	t.put(dataCF, t.keys.reverseKey(d.Child, d.Parent, d.Name), nil)
	t.dirents = append(t.dirents, proto.Dirent{Parent: d.Parent, Name: d.Name})
	return nil
}

func (t *applyTxn) removeDirent(d *proto.Dirent) {
	t.del(dataCF, t.keys.direntKey(d.Parent, d.Name))
	t.del(dataCF, t.keys.reverseKey(d.Child, d.Parent, d.Name))
	t.dirents = append(t.dirents, proto.Dirent{Parent: d.Parent, Name: d.Name})
}

// onCommit defers fn until the entry is durably applied. A rejected entry
// drops its hooks with the rest of the transaction.
func (t *applyTxn) onCommit(fn func()) {
	t.committed = append(t.committed, fn)
}

func (t *applyTxn) getXattr(ino uint64, name string) (*proto.Xattr, error) {
	raw, err := t.get(dataCF, t.keys.xattrKey(ino, name))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrNotFound
		}
		return nil, err
	}
	x := &proto.Xattr{}
	if err = x.Unmarshal(raw); err != nil {
		return nil, errors.Info(err, "decode xattr")
	}
	return x, nil
}

func (t *applyTxn) storeXattr(x *proto.Xattr) error {
	raw, err := x.Marshal()
	if err != nil {
		return err
	}
	t.put(dataCF, t.keys.xattrKey(x.Ino, x.Name), raw)
	return nil
}

func (t *applyTxn) getTombstone(recordKey string) (*proto.Change, error) {
	raw, err := t.get(dataCF, t.keys.tombstoneKey(recordKey))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	c := &proto.Change{}
	if err = c.Unmarshal(raw); err != nil {
		return nil, errors.Info(err, "decode tombstone")
	}
	return c, nil
}

func (t *applyTxn) storeTombstone(c *proto.Change) error {
	raw, err := c.Marshal()
	if err != nil {
		return err
	}
	t.put(dataCF, t.keys.tombstoneKey(c.Key()), raw)
	return nil
}

// hasChildren reports whether dir names at least one entry in this shard.
func (t *applyTxn) hasChildren(dir uint64) (bool, error) {
	found := false
	err := t.scan(dataCF, t.keys.direntPrefix(dir), func(key, value []byte) (bool, error) {
		found = true
		return false, nil
	})
	return found, err
}

// local mutations

func (t *applyTxn) journalSeq() (uint64, error) {
	if t.jseq == 0 {
		last, err := t.counter(metaJLast)
		if err != nil {
			return 0, err
		}
		t.jseq = last + 1
	}
	return t.jseq, nil
}

func (t *applyTxn) version() proto.Version {
	return proto.Version{Seq: t.index, Site: t.op.Site, Timestamp: t.op.Timestamp}
}

// baseVector is the vector a local write of recordKey must dominate: the
// current record's, or the tombstone's when the record was deleted.
func (t *applyTxn) baseVector(current proto.VersionVector, recordKey string) (proto.VersionVector, error) {
	if current != nil {
		return current, nil
	}
	ts, err := t.getTombstone(recordKey)
	if err != nil || ts == nil {
		return nil, err
	}
	t.del(dataCF, t.keys.tombstoneKey(recordKey))
	return ts.Vector(), nil
}

func (t *applyTxn) putInode(inode *proto.Inode, created bool) error {
	seq, err := t.journalSeq()
	if err != nil {
		return err
	}
	key := (&proto.Change{Inode: inode}).Key()
	base, err := t.baseVector(inode.Vector, key)
	if err != nil {
		return err
	}
	inode.Version = t.version()
	inode.Vector = base.Observe(t.op.Site, seq)
	if err = t.storeInode(inode); err != nil {
		return err
	}
	t.changes = append(t.changes, proto.Change{Kind: proto.ChangePutInode, Created: created, Inode: inode.Clone()})
	return nil
}

func (t *applyTxn) deleteInode(inode *proto.Inode) error {
	seq, err := t.journalSeq()
	if err != nil {
		return err
	}
	inode.Version = t.version()
	inode.Vector = inode.Vector.Observe(t.op.Site, seq)
	t.del(dataCF, t.keys.inodeKey(inode.Ino))
	t.del(lockCF, t.keys.lockKey(inode.Ino))
	if err = t.deleteXattrs(inode.Ino); err != nil {
		return err
	}
	change := proto.Change{Kind: proto.ChangeDelInode, Inode: inode.Clone()}
	if err = t.storeTombstone(&change); err != nil {
		return err
	}
	t.changes = append(t.changes, change)
	return nil
}

func (t *applyTxn) deleteXattrs(ino uint64) error {
	var names []string
	err := t.scan(dataCF, t.keys.xattrPrefix(ino), func(key, value []byte) (bool, error) {
		x := &proto.Xattr{}
		if err := x.Unmarshal(value); err != nil {
			return false, errors.Info(err, "decode xattr")
		}
		names = append(names, x.Name)
		return true, nil
	})
	for _, name := range names {
		t.del(dataCF, t.keys.xattrKey(ino, name))
	}
	return err
}

func (t *applyTxn) putDirent(d *proto.Dirent, created bool) error {
	seq, err := t.journalSeq()
	if err != nil {
		return err
	}
	key := (&proto.Change{Dirent: d}).Key()
	base, err := t.baseVector(d.Vector, key)
	if err != nil {
		return err
	}
	d.Version = t.version()
	d.Vector = base.Observe(t.op.Site, seq)
	if err = t.storeDirent(d); err != nil {
		return err
	}
	t.changes = append(t.changes, proto.Change{Kind: proto.ChangePutDirent, Created: created, Dirent: d.Clone()})
	return nil
}

func (t *applyTxn) deleteDirent(d *proto.Dirent) error {
	seq, err := t.journalSeq()
	if err != nil {
		return err
	}
	d.Version = t.version()
	d.Vector = d.Vector.Observe(t.op.Site, seq)
	t.removeDirent(d)
	change := proto.Change{Kind: proto.ChangeDelDirent, Dirent: d.Clone()}
	if err = t.storeTombstone(&change); err != nil {
		return err
	}
	t.changes = append(t.changes, change)
	return nil
}

func (t *applyTxn) putXattr(x *proto.Xattr, created bool) error {
	seq, err := t.journalSeq()
	if err != nil {
		return err
	}
	key := (&proto.Change{Xattr: x}).Key()
	base, err := t.baseVector(x.Vector, key)
	if err != nil {
		return err
	}
	x.Version = t.version()
	x.Vector = base.Observe(t.op.Site, seq)
	if err = t.storeXattr(x); err != nil {
		return err
	}
	c := *x
	c.Value = append([]byte(nil), x.Value...)
	t.changes = append(t.changes, proto.Change{Kind: proto.ChangePutXattr, Created: created, Xattr: &c})
	return nil
}

func (t *applyTxn) deleteXattr(x *proto.Xattr) error {
	seq, err := t.journalSeq()
	if err != nil {
		return err
	}
	x.Version = t.version()
	x.Vector = x.Vector.Observe(t.op.Site, seq)
	t.del(dataCF, t.keys.xattrKey(x.Ino, x.Name))
	change := proto.Change{Kind: proto.ChangeDelXattr, Xattr: x}
	if err = t.storeTombstone(&change); err != nil {
		return err
	}
	t.changes = append(t.changes, change)
	return nil
}

// flushJournal appends the journal record of the local changes of this
// entry.
func (t *applyTxn) flushJournal(shardID uint32) error {
	if len(t.changes) == 0 {
		return nil
	}
	rec := &proto.JournalRecord{
		Seq:       t.jseq,
		Shard:     shardID,
		Site:      t.op.Site,
		Index:     t.index,
		Timestamp: t.op.Timestamp,
		Changes:   t.changes,
	}
	raw, err := rec.Marshal()
	if err != nil {
		return err
	}
	t.put(journalCF, t.keys.journalKey(t.jseq), raw)
	t.setCounter(metaJLast, t.jseq)
	first, err := t.counter(metaJFirst)
	if err != nil {
		return err
	}
	if first == 0 {
		t.setCounter(metaJFirst, t.jseq)
	}
	return nil
}
