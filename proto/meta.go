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

package proto

import "google.golang.org/protobuf/encoding/protowire"

type InodeKind uint32

const (
	KindUnknown InodeKind = iota
	KindFile
	KindDir
	KindSymlink
)

func (k InodeKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

type LockMode uint32

const (
	LockShared LockMode = iota + 1
	LockExclusive
)

type Inode struct {
	Ino        uint64
	Kind       InodeKind
	Mode       uint32
	Uid        uint32
	Gid        uint32
	Size       uint64
	Atime      int64
	Mtime      int64
	Ctime      int64
	Nlink      uint32
	ContentRef []byte
	Target     string
	Version    Version
	Vector     VersionVector
	Replicated bool
}

func (m *Inode) IsDir() bool { return m.Kind == KindDir }

func (m *Inode) Clone() *Inode {
	c := *m
	c.ContentRef = append([]byte(nil), m.ContentRef...)
	c.Vector = m.Vector.Clone()
	return &c
}

func (m *Inode) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Ino)
	e.uint32(2, uint32(m.Kind))
	e.uint32(3, m.Mode)
	e.uint32(4, m.Uid)
	e.uint32(5, m.Gid)
	e.uint64(6, m.Size)
	e.int64(7, m.Atime)
	e.int64(8, m.Mtime)
	e.int64(9, m.Ctime)
	e.uint32(10, m.Nlink)
	e.bytes(11, m.ContentRef)
	e.string(12, m.Target)
	if err := e.message(13, &m.Version); err != nil {
		return nil, err
	}
	m.Vector.appendTo(e, 14)
	e.bool(15, m.Replicated)
	return e.b, nil
}

func (m *Inode) Unmarshal(data []byte) error {
	*m = Inode{Vector: VersionVector{}}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Ino = f.u
		case 2:
			m.Kind = InodeKind(f.u)
		case 3:
			m.Mode = uint32(f.u)
		case 4:
			m.Uid = uint32(f.u)
		case 5:
			m.Gid = uint32(f.u)
		case 6:
			m.Size = f.u
		case 7:
			m.Atime = int64(f.u)
		case 8:
			m.Mtime = int64(f.u)
		case 9:
			m.Ctime = int64(f.u)
		case 10:
			m.Nlink = uint32(f.u)
		case 11:
			m.ContentRef = f.bytes()
		case 12:
			m.Target = f.string()
		case 13:
			return unmarshalNested(f, &m.Version)
		case 14:
			return m.Vector.add(f)
		case 15:
			m.Replicated = f.u != 0
		}
		return nil
	})
}

// Dirent names Child inside Parent. Names are unique per parent.
type Dirent struct {
	Parent  uint64
	Name    string
	Child   uint64
	Kind    InodeKind
	Version Version
	Vector  VersionVector
}

func (m *Dirent) Clone() *Dirent {
	c := *m
	c.Vector = m.Vector.Clone()
	return &c
}

func (m *Dirent) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Parent)
	e.string(2, m.Name)
	e.uint64(3, m.Child)
	e.uint32(4, uint32(m.Kind))
	if err := e.message(5, &m.Version); err != nil {
		return nil, err
	}
	m.Vector.appendTo(e, 6)
	return e.b, nil
}

func (m *Dirent) Unmarshal(data []byte) error {
	*m = Dirent{Vector: VersionVector{}}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Parent = f.u
		case 2:
			m.Name = f.string()
		case 3:
			m.Child = f.u
		case 4:
			m.Kind = InodeKind(f.u)
		case 5:
			return unmarshalNested(f, &m.Version)
		case 6:
			return m.Vector.add(f)
		}
		return nil
	})
}

type Xattr struct {
	Ino     uint64
	Name    string
	Value   []byte
	Version Version
	Vector  VersionVector
}

func (m *Xattr) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Ino)
	e.string(2, m.Name)
	e.bytes(3, m.Value)
	if err := e.message(4, &m.Version); err != nil {
		return nil, err
	}
	m.Vector.appendTo(e, 5)
	return e.b, nil
}

func (m *Xattr) Unmarshal(data []byte) error {
	*m = Xattr{Vector: VersionVector{}}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Ino = f.u
		case 2:
			m.Name = f.string()
		case 3:
			m.Value = f.bytes()
		case 4:
			return unmarshalNested(f, &m.Version)
		case 5:
			return m.Vector.add(f)
		}
		return nil
	})
}

type LockHolder struct {
	Holder string
	Mode   LockMode
	Expire int64
}

// LockState holds every holder of one entity's lock.
type LockState struct {
	Ino     uint64
	Holders []LockHolder
}

func (m *LockState) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Ino)
	for i := range m.Holders {
		h := &encoder{}
		h.string(1, m.Holders[i].Holder)
		h.uint32(2, uint32(m.Holders[i].Mode))
		h.int64(3, m.Holders[i].Expire)
		e.b = protowire.AppendTag(e.b, 2, protowire.BytesType)
		e.b = protowire.AppendBytes(e.b, h.b)
	}
	return e.b, nil
}

func (m *LockState) Unmarshal(data []byte) error {
	*m = LockState{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Ino = f.u
		case 2:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			h := LockHolder{}
			if err := decode(f.b, func(hf field) error {
				switch hf.num {
				case 1:
					h.Holder = hf.string()
				case 2:
					h.Mode = LockMode(hf.u)
				case 3:
					h.Expire = int64(hf.u)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Holders = append(m.Holders, h)
		}
		return nil
	})
}

// DirSplit records that new entries of Dir are spread over Shards by a
// hash of the entry name. Entries created before the split stay in the
// home shard of Dir.
type DirSplit struct {
	Dir    uint64
	Shards []uint32
	Epoch  uint64
}

func (m *DirSplit) ShardOf(name string) uint32 {
	return m.Shards[NameHash(name)%uint64(len(m.Shards))]
}

func (m *DirSplit) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Dir)
	for _, s := range m.Shards {
		e.b = protowire.AppendTag(e.b, 2, protowire.VarintType)
		e.b = protowire.AppendVarint(e.b, uint64(s))
	}
	e.uint64(3, m.Epoch)
	return e.b, nil
}

func (m *DirSplit) Unmarshal(data []byte) error {
	*m = DirSplit{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Dir = f.u
		case 2:
			m.Shards = append(m.Shards, uint32(f.u))
		case 3:
			m.Epoch = f.u
		}
		return nil
	})
}

// NameHash is the secondary hash used to place entries of split directories.
func NameHash(name string) uint64 {
	// FNV-1a
	h := uint64(14695981039346656037)
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= 1099511628211
	}
	return h
}

type IntentState uint32

const (
	IntentPrepared IntentState = iota + 1
	IntentCommitted
	IntentAborted
)

// RenameIntent is the source side record of a rename whose destination
// entry lives on another shard.
type RenameIntent struct {
	TxnID     string
	SrcParent uint64
	SrcName   string
	DstParent uint64
	DstName   string
	Dirent    Dirent
	State     IntentState
	CreatedAt int64
}

func (m *RenameIntent) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.TxnID)
	e.uint64(2, m.SrcParent)
	e.string(3, m.SrcName)
	e.uint64(4, m.DstParent)
	e.string(5, m.DstName)
	if err := e.message(6, &m.Dirent); err != nil {
		return nil, err
	}
	e.uint32(7, uint32(m.State))
	e.int64(8, m.CreatedAt)
	return e.b, nil
}

func (m *RenameIntent) Unmarshal(data []byte) error {
	*m = RenameIntent{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.TxnID = f.string()
		case 2:
			m.SrcParent = f.u
		case 3:
			m.SrcName = f.string()
		case 4:
			m.DstParent = f.u
		case 5:
			m.DstName = f.string()
		case 6:
			return unmarshalNested(f, &m.Dirent)
		case 7:
			m.State = IntentState(f.u)
		case 8:
			m.CreatedAt = int64(f.u)
		}
		return nil
	})
}
