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

import "fmt"

type OpType uint32

const (
	OpInitRoot OpType = iota + 1
	OpCreate
	OpLink
	OpUnlink
	OpRename
	OpSetAttr
	OpSetXattr
	OpRemoveXattr
	OpLock
	OpUnlock
	OpExpireLocks
	OpApplyRemote
	OpAdvanceCursor
	OpTruncateJournal
	OpSplitDir
	OpTouchDir
	OpRenamePrepare
	OpRenameInstall
	OpRenameCommit
	OpRenameAbort
	OpFenceUpdate
	OpAddLink
	OpDropLink
	OpRepair
)

var opNames = map[OpType]string{
	OpInitRoot:        "init_root",
	OpCreate:          "create",
	OpLink:            "link",
	OpUnlink:          "unlink",
	OpRename:          "rename",
	OpSetAttr:         "setattr",
	OpSetXattr:        "setxattr",
	OpRemoveXattr:     "removexattr",
	OpLock:            "lock",
	OpUnlock:          "unlock",
	OpExpireLocks:     "expire_locks",
	OpApplyRemote:     "apply_remote",
	OpAdvanceCursor:   "advance_cursor",
	OpTruncateJournal: "truncate_journal",
	OpSplitDir:        "split_dir",
	OpTouchDir:        "touch_dir",
	OpRenamePrepare:   "rename_prepare",
	OpRenameInstall:   "rename_install",
	OpRenameCommit:    "rename_commit",
	OpRenameAbort:     "rename_abort",
	OpFenceUpdate:     "fence_update",
	OpAddLink:         "add_link",
	OpDropLink:        "drop_link",
	OpRepair:          "repair",
}

func (t OpType) String() string {
	if name, ok := opNames[t]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint32(t))
}

// Op is the payload of one consensus log entry. Timestamp and Site are set
// by the proposing leader so that apply stays deterministic on every replica.
type Op struct {
	Type      OpType
	Timestamp int64
	Site      uint32
	Body      []byte
}

func NewOp(typ OpType, body Message) (*Op, error) {
	op := &Op{Type: typ}
	if body != nil {
		data, err := body.Marshal()
		if err != nil {
			return nil, err
		}
		op.Body = data
	}
	return op, nil
}

func (op *Op) Decode(body Message) error {
	return body.Unmarshal(op.Body)
}

func (op *Op) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint32(1, uint32(op.Type))
	e.int64(2, op.Timestamp)
	e.uint32(3, op.Site)
	e.bytes(4, op.Body)
	return e.b, nil
}

func (op *Op) Unmarshal(data []byte) error {
	*op = Op{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			op.Type = OpType(f.u)
		case 2:
			op.Timestamp = int64(f.u)
		case 3:
			op.Site = uint32(f.u)
		case 4:
			op.Body = f.bytes()
		}
		return nil
	})
}

type InitRootOp struct {
	Mode uint32
	Uid  uint32
	Gid  uint32
}

func (m *InitRootOp) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint32(1, m.Mode)
	e.uint32(2, m.Uid)
	e.uint32(3, m.Gid)
	return e.b, nil
}

func (m *InitRootOp) Unmarshal(data []byte) error {
	*m = InitRootOp{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Mode = uint32(f.u)
		case 2:
			m.Uid = uint32(f.u)
		case 3:
			m.Gid = uint32(f.u)
		}
		return nil
	})
}

// CreateOp creates a file, directory or symlink named Name in Parent.
// SplitParent marks a parent whose inode lives on another shard.
type CreateOp struct {
	Parent      uint64
	Name        string
	Kind        InodeKind
	Mode        uint32
	Uid         uint32
	Gid         uint32
	Target      string
	ContentRef  []byte
	SplitParent bool
}

func (m *CreateOp) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Parent)
	e.string(2, m.Name)
	e.uint32(3, uint32(m.Kind))
	e.uint32(4, m.Mode)
	e.uint32(5, m.Uid)
	e.uint32(6, m.Gid)
	e.string(7, m.Target)
	e.bytes(8, m.ContentRef)
	e.bool(9, m.SplitParent)
	return e.b, nil
}

func (m *CreateOp) Unmarshal(data []byte) error {
	*m = CreateOp{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Parent = f.u
		case 2:
			m.Name = f.string()
		case 3:
			m.Kind = InodeKind(f.u)
		case 4:
			m.Mode = uint32(f.u)
		case 5:
			m.Uid = uint32(f.u)
		case 6:
			m.Gid = uint32(f.u)
		case 7:
			m.Target = f.string()
		case 8:
			m.ContentRef = f.bytes()
		case 9:
			m.SplitParent = f.u != 0
		}
		return nil
	})
}

// LinkOp is used by link, add_link and drop_link. For link, Kind carries
// the kind of Ino when Ino lives on another shard.
type LinkOp struct {
	Parent      uint64
	Name        string
	Ino         uint64
	Kind        InodeKind
	SplitParent bool
}

func (m *LinkOp) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Parent)
	e.string(2, m.Name)
	e.uint64(3, m.Ino)
	e.uint32(4, uint32(m.Kind))
	e.bool(5, m.SplitParent)
	return e.b, nil
}

func (m *LinkOp) Unmarshal(data []byte) error {
	*m = LinkOp{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Parent = f.u
		case 2:
			m.Name = f.string()
		case 3:
			m.Ino = f.u
		case 4:
			m.Kind = InodeKind(f.u)
		case 5:
			m.SplitParent = f.u != 0
		}
		return nil
	})
}

type UnlinkOp struct {
	Parent      uint64
	Name        string
	Dir         bool
	SplitParent bool
}

func (m *UnlinkOp) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Parent)
	e.string(2, m.Name)
	e.bool(3, m.Dir)
	e.bool(4, m.SplitParent)
	return e.b, nil
}

func (m *UnlinkOp) Unmarshal(data []byte) error {
	*m = UnlinkOp{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Parent = f.u
		case 2:
			m.Name = f.string()
		case 3:
			m.Dir = f.u != 0
		case 4:
			m.SplitParent = f.u != 0
		}
		return nil
	})
}

type RenameOp struct {
	SrcParent uint64
	SrcName   string
	DstParent uint64
	DstName   string
}

func (m *RenameOp) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.SrcParent)
	e.string(2, m.SrcName)
	e.uint64(3, m.DstParent)
	e.string(4, m.DstName)
	return e.b, nil
}

func (m *RenameOp) Unmarshal(data []byte) error {
	*m = RenameOp{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.SrcParent = f.u
		case 2:
			m.SrcName = f.string()
		case 3:
			m.DstParent = f.u
		case 4:
			m.DstName = f.string()
		}
		return nil
	})
}

const (
	AttrMode uint32 = 1 << iota
	AttrUid
	AttrGid
	AttrSize
	AttrAtime
	AttrMtime
	AttrContentRef
	AttrNlink
)

type SetAttrOp struct {
	Ino        uint64
	Valid      uint32
	Mode       uint32
	Uid        uint32
	Gid        uint32
	Size       uint64
	Atime      int64
	Mtime      int64
	ContentRef []byte
	Nlink      uint32
}

func (m *SetAttrOp) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Ino)
	e.uint32(2, m.Valid)
	e.uint32(3, m.Mode)
	e.uint32(4, m.Uid)
	e.uint32(5, m.Gid)
	e.uint64(6, m.Size)
	e.int64(7, m.Atime)
	e.int64(8, m.Mtime)
	e.bytes(9, m.ContentRef)
	e.uint32(10, m.Nlink)
	return e.b, nil
}

func (m *SetAttrOp) Unmarshal(data []byte) error {
	*m = SetAttrOp{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Ino = f.u
		case 2:
			m.Valid = uint32(f.u)
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
			m.ContentRef = f.bytes()
		case 10:
			m.Nlink = uint32(f.u)
		}
		return nil
	})
}

type XattrOp struct {
	Ino   uint64
	Name  string
	Value []byte
}

func (m *XattrOp) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Ino)
	e.string(2, m.Name)
	e.bytes(3, m.Value)
	return e.b, nil
}

func (m *XattrOp) Unmarshal(data []byte) error {
	*m = XattrOp{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Ino = f.u
		case 2:
			m.Name = f.string()
		case 3:
			m.Value = f.bytes()
		}
		return nil
	})
}

type LockOp struct {
	Ino     uint64
	Holder  string
	Mode    LockMode
	LeaseMs int64
}

func (m *LockOp) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Ino)
	e.string(2, m.Holder)
	e.uint32(3, uint32(m.Mode))
	e.int64(4, m.LeaseMs)
	return e.b, nil
}

func (m *LockOp) Unmarshal(data []byte) error {
	*m = LockOp{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Ino = f.u
		case 2:
			m.Holder = f.string()
		case 3:
			m.Mode = LockMode(f.u)
		case 4:
			m.LeaseMs = int64(f.u)
		}
		return nil
	})
}

// CursorOp advances the outbound cursor of Site, or truncates the journal
// below Seq when used by truncate_journal.
type CursorOp struct {
	Site uint32
	Seq  uint64
}

func (m *CursorOp) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint32(1, m.Site)
	e.uint64(2, m.Seq)
	return e.b, nil
}

func (m *CursorOp) Unmarshal(data []byte) error {
	*m = CursorOp{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Site = uint32(f.u)
		case 2:
			m.Seq = f.u
		}
		return nil
	})
}

type TouchOp struct {
	Dir        uint64
	NlinkDelta int64
}

func (m *TouchOp) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Dir)
	e.int64(2, m.NlinkDelta)
	return e.b, nil
}

func (m *TouchOp) Unmarshal(data []byte) error {
	*m = TouchOp{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Dir = f.u
		case 2:
			m.NlinkDelta = int64(f.u)
		}
		return nil
	})
}

// OpResult is returned by apply for every entry. Code is zero on success
// and carries a typed error otherwise. Deterministic failures are results,
// not apply errors.
type OpResult struct {
	Code      uint32
	Message   string
	Inode     *Inode
	Dirent    *Dirent
	Intent    *RenameIntent
	Applied   uint64
	Dropped   uint64
	Conflicts []ConflictRecord
}

func (m *OpResult) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint32(1, m.Code)
	e.string(2, m.Message)
	if m.Inode != nil {
		if err := e.message(3, m.Inode); err != nil {
			return nil, err
		}
	}
	if m.Dirent != nil {
		if err := e.message(4, m.Dirent); err != nil {
			return nil, err
		}
	}
	if m.Intent != nil {
		if err := e.message(5, m.Intent); err != nil {
			return nil, err
		}
	}
	e.uint64(6, m.Applied)
	e.uint64(7, m.Dropped)
	for i := range m.Conflicts {
		if err := e.message(8, &m.Conflicts[i]); err != nil {
			return nil, err
		}
	}
	return e.b, nil
}

func (m *OpResult) Unmarshal(data []byte) error {
	*m = OpResult{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Code = uint32(f.u)
		case 2:
			m.Message = f.string()
		case 3:
			m.Inode = &Inode{}
			return unmarshalNested(f, m.Inode)
		case 4:
			m.Dirent = &Dirent{}
			return unmarshalNested(f, m.Dirent)
		case 5:
			m.Intent = &RenameIntent{}
			return unmarshalNested(f, m.Intent)
		case 6:
			m.Applied = f.u
		case 7:
			m.Dropped = f.u
		case 8:
			c := ConflictRecord{}
			if err := unmarshalNested(f, &c); err != nil {
				return err
			}
			m.Conflicts = append(m.Conflicts, c)
		}
		return nil
	})
}
