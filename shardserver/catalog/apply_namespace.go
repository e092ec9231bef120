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
	"strings"

	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
)

const defaultDirMode = 0o755

func (s *shardSM) sh() *shard { return (*shard)(s) }

func (s *shardSM) validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return apierrors.Reason(apierrors.ErrInvalidArgument, "invalid name %q", name)
	}
	if len(name) > s.sh().maxNameLen() {
		return apierrors.ErrNameTooLong
	}
	return nil
}

func (s *shardSM) getSplit(t *applyTxn, dir uint64) (*proto.DirSplit, error) {
	split := &proto.DirSplit{}
	if err := t.getMeta(splitName(dir), split); err != nil {
		if err == apierrors.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return split, nil
}

// checkPlacement rejects a new entry of parent that belongs to another
// shard after the directory was split.
func (s *shardSM) checkPlacement(t *applyTxn, parent uint64, name string) error {
	split, err := s.getSplit(t, parent)
	if err != nil || split == nil {
		return err
	}
	if target := split.ShardOf(name); target != s.shardID {
		return apierrors.Reason(apierrors.ErrWrongShard, "entry %q of split directory %d belongs to shard %d", name, parent, target)
	}
	return nil
}

func (s *shardSM) checkNotPending(t *applyTxn, parent uint64, name string) error {
	pending, err := t.hasMeta(pendingName(parent, name))
	if err != nil {
		return err
	}
	if pending {
		return apierrors.ErrBusy
	}
	return nil
}

// lookupDir returns the parent directory when it lives in this shard.
func (s *shardSM) lookupDir(t *applyTxn, ino uint64) (*proto.Inode, error) {
	dir, err := t.getInode(ino)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, apierrors.ErrNotDir
	}
	return dir, nil
}

// touchDir updates the times and link count of a directory after its
// entries changed. Directory attributes derived from entries are kept per
// site and never journaled.
func (s *shardSM) touchDir(t *applyTxn, ino uint64, nlinkDelta int64) error {
	dir, err := t.getInode(ino)
	if err != nil {
		if err == apierrors.ErrNotFound {
			return nil
		}
		return err
	}
	dir.Mtime = t.op.Timestamp
	dir.Ctime = t.op.Timestamp
	dir.Nlink = addNlink(dir.Nlink, nlinkDelta)
	return t.storeInode(dir)
}

func addNlink(nlink uint32, delta int64) uint32 {
	v := int64(nlink) + delta
	if v < 0 {
		return 0
	}
	return uint32(v)
}

func dirDelta(kind proto.InodeKind, delta int64) int64 {
	if kind == proto.KindDir {
		return delta
	}
	return 0
}

func (s *shardSM) applyInitRoot(t *applyTxn, op *proto.InitRootOp) (*proto.OpResult, error) {
	if !s.sh().local(proto.RootIno) {
		return nil, apierrors.Reason(apierrors.ErrWrongShard, "root lives in shard %d", proto.InoShard(proto.RootIno, s.shardNum))
	}
	root, err := t.getInode(proto.RootIno)
	if err == nil {
		return &proto.OpResult{Inode: root}, nil
	}
	if err != apierrors.ErrNotFound {
		return nil, err
	}
	mode := op.Mode
	if mode == 0 {
		mode = defaultDirMode
	}
	root = &proto.Inode{
		Ino:   proto.RootIno,
		Kind:  proto.KindDir,
		Mode:  mode,
		Uid:   op.Uid,
		Gid:   op.Gid,
		Atime: t.op.Timestamp,
		Mtime: t.op.Timestamp,
		Ctime: t.op.Timestamp,
		Nlink: 2,
	}
	// every site creates its own root, it is never replicated
	root.Version = t.version()
	if err = t.storeInode(root); err != nil {
		return nil, err
	}
	return &proto.OpResult{Inode: root}, nil
}

func (s *shardSM) applyCreate(t *applyTxn, op *proto.CreateOp) (*proto.OpResult, error) {
	if err := s.validName(op.Name); err != nil {
		return nil, err
	}
	switch op.Kind {
	case proto.KindFile, proto.KindDir:
	case proto.KindSymlink:
		if op.Target == "" {
			return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "empty symlink target")
		}
	default:
		return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "invalid kind %d", op.Kind)
	}
	if !op.SplitParent {
		if _, err := s.lookupDir(t, op.Parent); err != nil {
			return nil, err
		}
		if err := s.checkPlacement(t, op.Parent, op.Name); err != nil {
			return nil, err
		}
	}
	if _, err := t.getDirent(op.Parent, op.Name); err == nil {
		return nil, apierrors.ErrExist
	} else if err != apierrors.ErrNotFound {
		return nil, err
	}
	if err := s.checkNotPending(t, op.Parent, op.Name); err != nil {
		return nil, err
	}

	seq, err := t.counter(metaInoSeq)
	if err != nil {
		return nil, err
	}
	seq++
	t.setCounter(metaInoSeq, seq)

	ts := t.op.Timestamp
	inode := &proto.Inode{
		Ino:        proto.MakeIno(t.op.Site, s.shardID, seq, s.shardNum),
		Kind:       op.Kind,
		Mode:       op.Mode,
		Uid:        op.Uid,
		Gid:        op.Gid,
		Atime:      ts,
		Mtime:      ts,
		Ctime:      ts,
		Nlink:      1,
		Target:     op.Target,
		ContentRef: op.ContentRef,
	}
	switch op.Kind {
	case proto.KindDir:
		inode.Nlink = 2
	case proto.KindSymlink:
		inode.Size = uint64(len(op.Target))
	}
	dirent := &proto.Dirent{Parent: op.Parent, Name: op.Name, Child: inode.Ino, Kind: op.Kind}

	if err = t.putInode(inode, true); err != nil {
		return nil, err
	}
	if err = t.putDirent(dirent, true); err != nil {
		return nil, err
	}
	if !op.SplitParent {
		if err = s.touchDir(t, op.Parent, dirDelta(op.Kind, 1)); err != nil {
			return nil, err
		}
	}
	return &proto.OpResult{Inode: inode, Dirent: dirent}, nil
}

// applyLink names an existing inode in parent. When the inode lives in
// another shard its link count was raised there by AddLink beforehand.
func (s *shardSM) applyLink(t *applyTxn, op *proto.LinkOp) (*proto.OpResult, error) {
	if err := s.validName(op.Name); err != nil {
		return nil, err
	}
	if !op.SplitParent {
		if _, err := s.lookupDir(t, op.Parent); err != nil {
			return nil, err
		}
		if err := s.checkPlacement(t, op.Parent, op.Name); err != nil {
			return nil, err
		}
	}
	if _, err := t.getDirent(op.Parent, op.Name); err == nil {
		return nil, apierrors.ErrExist
	} else if err != apierrors.ErrNotFound {
		return nil, err
	}
	if err := s.checkNotPending(t, op.Parent, op.Name); err != nil {
		return nil, err
	}

	kind := op.Kind
	ret := &proto.OpResult{}
	if s.sh().local(op.Ino) {
		inode, err := t.getInode(op.Ino)
		if err != nil {
			return nil, err
		}
		if inode.IsDir() {
			return nil, apierrors.ErrIsDir
		}
		inode.Nlink++
		inode.Ctime = t.op.Timestamp
		if err = t.putInode(inode, false); err != nil {
			return nil, err
		}
		kind = inode.Kind
		ret.Inode = inode
	} else if kind == proto.KindDir {
		return nil, apierrors.ErrIsDir
	}

	dirent := &proto.Dirent{Parent: op.Parent, Name: op.Name, Child: op.Ino, Kind: kind}
	if err := t.putDirent(dirent, true); err != nil {
		return nil, err
	}
	if !op.SplitParent {
		if err := s.touchDir(t, op.Parent, 0); err != nil {
			return nil, err
		}
	}
	ret.Dirent = dirent
	return ret, nil
}

func (s *shardSM) applyAddLink(t *applyTxn, op *proto.LinkOp) (*proto.OpResult, error) {
	inode, err := t.getInode(op.Ino)
	if err != nil {
		return nil, err
	}
	if inode.IsDir() {
		return nil, apierrors.ErrIsDir
	}
	inode.Nlink++
	inode.Ctime = t.op.Timestamp
	if err = t.putInode(inode, false); err != nil {
		return nil, err
	}
	return &proto.OpResult{Inode: inode}, nil
}

// applyDropLink releases one link of an inode named from another shard.
// A missing inode is not an error so that the drop can be retried.
func (s *shardSM) applyDropLink(t *applyTxn, op *proto.LinkOp) (*proto.OpResult, error) {
	inode, err := t.getInode(op.Ino)
	if err != nil {
		if err == apierrors.ErrNotFound {
			return &proto.OpResult{}, nil
		}
		return nil, err
	}
	if err = s.dropLink(t, inode); err != nil {
		return nil, err
	}
	return &proto.OpResult{Inode: inode}, nil
}

// dropLink removes one name of a local inode, deleting it with its last
// name. Directories have exactly one name.
func (s *shardSM) dropLink(t *applyTxn, inode *proto.Inode) error {
	if inode.IsDir() {
		return t.deleteInode(inode)
	}
	if inode.Nlink <= 1 {
		inode.Nlink = 0
		return t.deleteInode(inode)
	}
	inode.Nlink--
	inode.Ctime = t.op.Timestamp
	return t.putInode(inode, false)
}

// checkRemovable validates that the entry's child can lose this name.
func (s *shardSM) checkRemovable(t *applyTxn, d *proto.Dirent, wantDir bool) error {
	if wantDir && d.Kind != proto.KindDir {
		return apierrors.ErrNotDir
	}
	if !wantDir && d.Kind == proto.KindDir {
		return apierrors.ErrIsDir
	}
	if d.Kind != proto.KindDir || !s.sh().local(d.Child) {
		return nil
	}
	nonEmpty, err := t.hasChildren(d.Child)
	if err != nil {
		return err
	}
	if nonEmpty {
		return apierrors.ErrNotEmpty
	}
	split, err := s.getSplit(t, d.Child)
	if err != nil {
		return err
	}
	if split != nil {
		// entries in the other shards of a split directory are checked by
		// the caller before removal
		t.delMeta(splitName(d.Child))
	}
	return nil
}

// releaseChild drops the name's link on the child. A child in another
// shard is reported back in Dropped for the caller to release there.
func (s *shardSM) releaseChild(t *applyTxn, d *proto.Dirent, ret *proto.OpResult) error {
	if !s.sh().local(d.Child) {
		ret.Dropped = d.Child
		return nil
	}
	inode, err := t.getInode(d.Child)
	if err != nil {
		if err == apierrors.ErrNotFound {
			return nil
		}
		return err
	}
	return s.dropLink(t, inode)
}

func (s *shardSM) applyUnlink(t *applyTxn, op *proto.UnlinkOp) (*proto.OpResult, error) {
	d, err := t.getDirent(op.Parent, op.Name)
	if err != nil {
		return nil, err
	}
	if err = s.checkNotPending(t, op.Parent, op.Name); err != nil {
		return nil, err
	}
	if err = s.checkRemovable(t, d, op.Dir); err != nil {
		return nil, err
	}

	ret := &proto.OpResult{}
	if err = s.releaseChild(t, d, ret); err != nil {
		return nil, err
	}
	if err = t.deleteDirent(d); err != nil {
		return nil, err
	}
	if !op.SplitParent {
		if err = s.touchDir(t, op.Parent, dirDelta(d.Kind, -1)); err != nil {
			return nil, err
		}
	}
	ret.Dirent = d
	return ret, nil
}

// isAncestor walks up from dir through the parent index while the chain
// stays in this shard and reports whether ancestor was met.
func (s *shardSM) isAncestor(t *applyTxn, ancestor, dir uint64) (bool, error) {
	seen := make(map[uint64]struct{})
	for dir != proto.RootIno {
		if dir == ancestor {
			return true, nil
		}
		if _, ok := seen[dir]; ok {
			return false, apierrors.Reason(apierrors.ErrInvariant, "directory cycle at %d", dir)
		}
		seen[dir] = struct{}{}

		parent := uint64(0)
		err := t.scan(dataCF, t.keys.reversePrefix(dir), func(key, value []byte) (bool, error) {
			_, parent, _ = t.keys.decodeReverseKey(key)
			return false, nil
		})
		if err != nil {
			return false, err
		}
		if parent == 0 {
			return false, nil
		}
		dir = parent
	}
	return ancestor == proto.RootIno, nil
}

// checkReplace validates that src may replace the existing entry dst.
func (s *shardSM) checkReplace(t *applyTxn, src *proto.Dirent, dst *proto.Dirent) error {
	if src.Kind == proto.KindDir {
		return s.checkRemovable(t, dst, true)
	}
	return s.checkRemovable(t, dst, false)
}

// applyRename moves an entry when source and destination entries are both
// in this shard.
func (s *shardSM) applyRename(t *applyTxn, op *proto.RenameOp) (*proto.OpResult, error) {
	if err := s.validName(op.DstName); err != nil {
		return nil, err
	}
	src, err := t.getDirent(op.SrcParent, op.SrcName)
	if err != nil {
		return nil, err
	}
	if op.SrcParent == op.DstParent && op.SrcName == op.DstName {
		return &proto.OpResult{Dirent: src}, nil
	}
	if err = s.checkNotPending(t, op.SrcParent, op.SrcName); err != nil {
		return nil, err
	}
	if err = s.checkNotPending(t, op.DstParent, op.DstName); err != nil {
		return nil, err
	}
	if src.Kind == proto.KindDir && op.SrcParent != op.DstParent {
		if src.Child == op.DstParent {
			return nil, apierrors.ErrInvalidRename
		}
		inside, err := s.isAncestor(t, src.Child, op.DstParent)
		if err != nil {
			return nil, err
		}
		if inside {
			return nil, apierrors.ErrInvalidRename
		}
	}
	if s.sh().local(op.DstParent) {
		if _, err = s.lookupDir(t, op.DstParent); err != nil {
			return nil, err
		}
		if err = s.checkPlacement(t, op.DstParent, op.DstName); err != nil {
			return nil, err
		}
	}

	ret := &proto.OpResult{}
	dst, err := t.getDirent(op.DstParent, op.DstName)
	switch {
	case err == nil:
		if dst.Child == src.Child {
			// both names already refer to the same inode
			return &proto.OpResult{Dirent: dst}, nil
		}
		if err = s.checkReplace(t, src, dst); err != nil {
			return nil, err
		}
		if err = s.releaseChild(t, dst, ret); err != nil {
			return nil, err
		}
		if err = s.touchDir(t, op.DstParent, dirDelta(dst.Kind, -1)); err != nil {
			return nil, err
		}
	case err == apierrors.ErrNotFound:
		dst = &proto.Dirent{Parent: op.DstParent, Name: op.DstName}
	default:
		return nil, err
	}

	if err = t.deleteDirent(src.Clone()); err != nil {
		return nil, err
	}
	dst.Child = src.Child
	dst.Kind = src.Kind
	if err = t.putDirent(dst, dst.Version.Seq == 0); err != nil {
		return nil, err
	}
	if err = s.touchDir(t, op.SrcParent, dirDelta(src.Kind, -1)); err != nil {
		return nil, err
	}
	if err = s.touchDir(t, op.DstParent, dirDelta(src.Kind, 1)); err != nil {
		return nil, err
	}
	ret.Dirent = dst
	return ret, nil
}

func (s *shardSM) applySetAttr(t *applyTxn, op *proto.SetAttrOp) (*proto.OpResult, error) {
	inode, err := t.getInode(op.Ino)
	if err != nil {
		return nil, err
	}
	if op.Valid&proto.AttrSize != 0 && inode.IsDir() {
		return nil, apierrors.ErrIsDir
	}
	if op.Valid&proto.AttrMode != 0 {
		inode.Mode = op.Mode
	}
	if op.Valid&proto.AttrUid != 0 {
		inode.Uid = op.Uid
	}
	if op.Valid&proto.AttrGid != 0 {
		inode.Gid = op.Gid
	}
	if op.Valid&proto.AttrSize != 0 {
		inode.Size = op.Size
	}
	if op.Valid&proto.AttrAtime != 0 {
		inode.Atime = op.Atime
	}
	if op.Valid&proto.AttrMtime != 0 {
		inode.Mtime = op.Mtime
	}
	if op.Valid&proto.AttrContentRef != 0 {
		inode.ContentRef = op.ContentRef
	}
	if op.Valid&proto.AttrNlink != 0 {
		inode.Nlink = op.Nlink
	}
	inode.Ctime = t.op.Timestamp
	if err = t.putInode(inode, false); err != nil {
		return nil, err
	}
	return &proto.OpResult{Inode: inode}, nil
}

func (s *shardSM) checkXattr(t *applyTxn, op *proto.XattrOp) error {
	if op.Name == "" {
		return apierrors.Reason(apierrors.ErrInvalidArgument, "empty xattr name")
	}
	if len(op.Name) > s.sh().maxNameLen() {
		return apierrors.ErrNameTooLong
	}
	if len(op.Value) > s.sh().maxXattrValueLen() {
		return apierrors.Reason(apierrors.ErrInvalidArgument, "xattr value of %d bytes", len(op.Value))
	}
	_, err := t.getInode(op.Ino)
	return err
}

func (s *shardSM) applySetXattr(t *applyTxn, op *proto.XattrOp) (*proto.OpResult, error) {
	if err := s.checkXattr(t, op); err != nil {
		return nil, err
	}
	x, err := t.getXattr(op.Ino, op.Name)
	created := false
	switch {
	case err == apierrors.ErrNotFound:
		x = &proto.Xattr{Ino: op.Ino, Name: op.Name}
		created = true
	case err != nil:
		return nil, err
	}
	x.Value = op.Value
	if err = t.putXattr(x, created); err != nil {
		return nil, err
	}
	return &proto.OpResult{}, nil
}

func (s *shardSM) applyRemoveXattr(t *applyTxn, op *proto.XattrOp) (*proto.OpResult, error) {
	if err := s.checkXattr(t, op); err != nil {
		return nil, err
	}
	x, err := t.getXattr(op.Ino, op.Name)
	if err != nil {
		return nil, err
	}
	if err = t.deleteXattr(x); err != nil {
		return nil, err
	}
	return &proto.OpResult{}, nil
}

// applyTouchDir updates a split directory in its home shard after an
// entry changed in another shard.
func (s *shardSM) applyTouchDir(t *applyTxn, op *proto.TouchOp) (*proto.OpResult, error) {
	if _, err := s.lookupDir(t, op.Dir); err != nil {
		return nil, err
	}
	if err := s.touchDir(t, op.Dir, op.NlinkDelta); err != nil {
		return nil, err
	}
	return &proto.OpResult{}, nil
}

func (s *shardSM) applySplitDir(t *applyTxn, op *proto.DirSplit) (*proto.OpResult, error) {
	if !s.sh().local(op.Dir) {
		return nil, apierrors.Reason(apierrors.ErrWrongShard, "directory %d lives in shard %d", op.Dir, proto.InoShard(op.Dir, s.shardNum))
	}
	if _, err := s.lookupDir(t, op.Dir); err != nil {
		return nil, err
	}
	if len(op.Shards) == 0 {
		return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "split without shards")
	}
	for _, id := range op.Shards {
		if id >= s.shardNum {
			return nil, apierrors.Reason(apierrors.ErrInvalidArgument, "shard %d out of range", id)
		}
	}
	split := &proto.DirSplit{Dir: op.Dir, Shards: op.Shards, Epoch: t.index}
	if err := t.putMeta(splitName(op.Dir), split); err != nil {
		return nil, err
	}
	return &proto.OpResult{}, nil
}
