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
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
)

// Link counts can only be checked against names held by this shard. A
// directory count is exact unless the directory is split. A file may be
// named from other shards, so only a count below the local names is wrong.
func (s *shardSM) wantNlink(t *applyTxn, inode *proto.Inode) (want uint32, exact bool, err error) {
	if inode.IsDir() {
		split, err := s.getSplit(t, inode.Ino)
		if err != nil || split != nil {
			return 0, false, err
		}
		want = 2
		err = t.scan(dataCF, t.keys.direntPrefix(inode.Ino), func(key, value []byte) (bool, error) {
			d := &proto.Dirent{}
			if err := d.Unmarshal(value); err != nil {
				return false, err
			}
			if d.Kind == proto.KindDir {
				want++
			}
			return true, nil
		})
		return want, true, err
	}
	err = t.scan(dataCF, t.keys.reversePrefix(inode.Ino), func(key, value []byte) (bool, error) {
		want++
		return true, nil
	})
	return want, false, err
}

func nlinkWrong(have, want uint32, exact bool) bool {
	if exact {
		return have != want
	}
	return have < want
}

func (s *shardSM) hasParents(t *applyTxn, ino uint64) (bool, error) {
	found := false
	err := t.scan(dataCF, t.keys.reversePrefix(ino), func(key, value []byte) (bool, error) {
		found = true
		return false, nil
	})
	return found, err
}

// fsck checks the records of this shard. Orphans are candidates only:
// an inode without local names may still be named from another shard.
func (s *shard) fsck(t *applyTxn) (*proto.FsckReport, error) {
	sm := (*shardSM)(s)
	report := &proto.FsckReport{Shard: s.shardID}

	var inodes []*proto.Inode
	err := t.scan(dataCF, s.keys.inodePrefix(), func(key, value []byte) (bool, error) {
		inode := &proto.Inode{}
		if err := inode.Unmarshal(value); err != nil {
			return false, err
		}
		inodes = append(inodes, inode)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	report.Inodes = uint64(len(inodes))

	err = t.scan(dataCF, s.keys.allDirentPrefix(), func(key, value []byte) (bool, error) {
		d := proto.Dirent{}
		if err := d.Unmarshal(value); err != nil {
			return false, err
		}
		report.Dirents++
		if !s.local(d.Child) {
			return true, nil
		}
		if _, err := t.getInode(d.Child); err == apierrors.ErrNotFound {
			report.Dangling = append(report.Dangling, d)
		} else if err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	for _, inode := range inodes {
		want, exact, err := sm.wantNlink(t, inode)
		if err != nil {
			return nil, err
		}
		if nlinkWrong(inode.Nlink, want, exact) {
			report.Nlinks = append(report.Nlinks, proto.NlinkFix{Ino: inode.Ino, Have: inode.Nlink, Want: want})
		}
		if inode.Ino == proto.RootIno {
			continue
		}
		named, err := sm.hasParents(t, inode.Ino)
		if err != nil {
			return nil, err
		}
		if !named {
			report.Orphans = append(report.Orphans, inode.Ino)
		}
	}

	if report.Intents, err = s.listIntents(t); err != nil {
		return nil, err
	}
	return report, nil
}

// applyRepair fixes the findings of a report after checking each of them
// again against the current state. Orphans must have been confirmed
// against every other shard by the caller.
func (s *shardSM) applyRepair(t *applyTxn, report *proto.FsckReport) (*proto.OpResult, error) {
	fixed := uint64(0)
	for i := range report.Dangling {
		d := &report.Dangling[i]
		cur, err := t.getDirent(d.Parent, d.Name)
		if err == apierrors.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if cur.Child != d.Child || !s.sh().local(cur.Child) {
			continue
		}
		if _, err = t.getInode(cur.Child); err != apierrors.ErrNotFound {
			if err != nil {
				return nil, err
			}
			continue
		}
		if err = t.deleteDirent(cur); err != nil {
			return nil, err
		}
		if err = s.touchDir(t, cur.Parent, dirDelta(cur.Kind, -1)); err != nil {
			return nil, err
		}
		fixed++
	}

	for _, fix := range report.Nlinks {
		inode, err := t.getInode(fix.Ino)
		if err == apierrors.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		want, exact, err := s.wantNlink(t, inode)
		if err != nil {
			return nil, err
		}
		if !nlinkWrong(inode.Nlink, want, exact) {
			continue
		}
		inode.Nlink = want
		inode.Ctime = t.op.Timestamp
		if err = t.putInode(inode, false); err != nil {
			return nil, err
		}
		fixed++
	}

	for _, ino := range report.Orphans {
		if ino == proto.RootIno {
			continue
		}
		inode, err := t.getInode(ino)
		if err == apierrors.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		named, err := s.hasParents(t, ino)
		if err != nil {
			return nil, err
		}
		if named {
			continue
		}
		if err = t.deleteInode(inode); err != nil {
			return nil, err
		}
		fixed++
	}
	return &proto.OpResult{Applied: fixed}, nil
}
