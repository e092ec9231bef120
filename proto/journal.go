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

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type ChangeKind uint32

const (
	ChangePutInode ChangeKind = iota + 1
	ChangeDelInode
	ChangePutDirent
	ChangeDelDirent
	ChangePutXattr
	ChangeDelXattr
)

func (k ChangeKind) String() string {
	switch k {
	case ChangePutInode:
		return "put_inode"
	case ChangeDelInode:
		return "del_inode"
	case ChangePutDirent:
		return "put_dirent"
	case ChangeDelDirent:
		return "del_dirent"
	case ChangePutXattr:
		return "put_xattr"
	case ChangeDelXattr:
		return "del_xattr"
	default:
		return fmt.Sprintf("change(%d)", uint32(k))
	}
}

func (k ChangeKind) IsDelete() bool {
	return k == ChangeDelInode || k == ChangeDelDirent || k == ChangeDelXattr
}

// Change is the state of one replicated record after a local mutation.
// Deletions carry the last state of the record so that peers can order
// them against their own writes.
type Change struct {
	Kind    ChangeKind
	Created bool
	Inode   *Inode
	Dirent  *Dirent
	Xattr   *Xattr
}

// Key identifies the record a change applies to.
func (c *Change) Key() string {
	switch {
	case c.Inode != nil:
		return fmt.Sprintf("i/%d", c.Inode.Ino)
	case c.Dirent != nil:
		return fmt.Sprintf("d/%d/%s", c.Dirent.Parent, c.Dirent.Name)
	case c.Xattr != nil:
		return fmt.Sprintf("x/%d/%s", c.Xattr.Ino, c.Xattr.Name)
	}
	return ""
}

func (c *Change) Version() Version {
	switch {
	case c.Inode != nil:
		return c.Inode.Version
	case c.Dirent != nil:
		return c.Dirent.Version
	case c.Xattr != nil:
		return c.Xattr.Version
	}
	return Version{}
}

func (c *Change) Vector() VersionVector {
	switch {
	case c.Inode != nil:
		return c.Inode.Vector
	case c.Dirent != nil:
		return c.Dirent.Vector
	case c.Xattr != nil:
		return c.Xattr.Vector
	}
	return nil
}

func (c *Change) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint32(1, uint32(c.Kind))
	e.bool(2, c.Created)
	if c.Inode != nil {
		if err := e.message(3, c.Inode); err != nil {
			return nil, err
		}
	}
	if c.Dirent != nil {
		if err := e.message(4, c.Dirent); err != nil {
			return nil, err
		}
	}
	if c.Xattr != nil {
		if err := e.message(5, c.Xattr); err != nil {
			return nil, err
		}
	}
	return e.b, nil
}

func (c *Change) Unmarshal(data []byte) error {
	*c = Change{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			c.Kind = ChangeKind(f.u)
		case 2:
			c.Created = f.u != 0
		case 3:
			c.Inode = &Inode{}
			return unmarshalNested(f, c.Inode)
		case 4:
			c.Dirent = &Dirent{}
			return unmarshalNested(f, c.Dirent)
		case 5:
			c.Xattr = &Xattr{}
			return unmarshalNested(f, c.Xattr)
		}
		return nil
	})
}

func appendChanges(e *encoder, num protowire.Number, changes []Change) error {
	for i := range changes {
		if err := e.message(num, &changes[i]); err != nil {
			return err
		}
	}
	return nil
}

func decodeChange(f field, changes *[]Change) error {
	c := Change{}
	if err := unmarshalNested(f, &c); err != nil {
		return err
	}
	*changes = append(*changes, c)
	return nil
}

// JournalRecord is written next to every locally originated mutation of
// replicated records. Seq is contiguous per shard.
type JournalRecord struct {
	Seq       uint64
	Shard     uint32
	Site      uint32
	Index     uint64
	Timestamp int64
	Changes   []Change
}

func (m *JournalRecord) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Seq)
	e.uint32(2, m.Shard)
	e.uint32(3, m.Site)
	e.uint64(4, m.Index)
	e.int64(5, m.Timestamp)
	if err := appendChanges(e, 6, m.Changes); err != nil {
		return nil, err
	}
	return e.b, nil
}

func (m *JournalRecord) Unmarshal(data []byte) error {
	*m = JournalRecord{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Seq = f.u
		case 2:
			m.Shard = uint32(f.u)
		case 3:
			m.Site = uint32(f.u)
		case 4:
			m.Index = f.u
		case 5:
			m.Timestamp = int64(f.u)
		case 6:
			return decodeChange(f, &m.Changes)
		}
		return nil
	})
}

// ReplicateBatch carries the compacted changes of journal records
// [From, To] of one shard from SourceSite.
type ReplicateBatch struct {
	SourceSite uint32
	TargetSite uint32
	Shard      uint32
	From       uint64
	To         uint64
	Token      FenceToken
	Changes    []Change
}

func (m *ReplicateBatch) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint32(1, m.SourceSite)
	e.uint32(2, m.TargetSite)
	e.uint32(3, m.Shard)
	e.uint64(4, m.From)
	e.uint64(5, m.To)
	if err := e.message(6, &m.Token); err != nil {
		return nil, err
	}
	if err := appendChanges(e, 7, m.Changes); err != nil {
		return nil, err
	}
	return e.b, nil
}

func (m *ReplicateBatch) Unmarshal(data []byte) error {
	*m = ReplicateBatch{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.SourceSite = uint32(f.u)
		case 2:
			m.TargetSite = uint32(f.u)
		case 3:
			m.Shard = uint32(f.u)
		case 4:
			m.From = f.u
		case 5:
			m.To = f.u
		case 6:
			return unmarshalNested(f, &m.Token)
		case 7:
			return decodeChange(f, &m.Changes)
		}
		return nil
	})
}

// ReplicateAck acknowledges every journal record up to Applied.
type ReplicateAck struct {
	Applied   uint64
	Conflicts uint32
	Err       *ErrorInfo
}

func (m *ReplicateAck) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Applied)
	e.uint32(2, m.Conflicts)
	if m.Err != nil {
		if err := e.message(3, m.Err); err != nil {
			return nil, err
		}
	}
	return e.b, nil
}

func (m *ReplicateAck) Unmarshal(data []byte) error {
	*m = ReplicateAck{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Applied = f.u
		case 2:
			m.Conflicts = uint32(f.u)
		case 3:
			m.Err = &ErrorInfo{}
			return unmarshalNested(f, m.Err)
		}
		return nil
	})
}

type ConflictWinner uint32

const (
	WinnerLocal ConflictWinner = iota + 1
	WinnerRemote
)

func (w ConflictWinner) String() string {
	if w == WinnerLocal {
		return "local"
	}
	return "remote"
}

// ConflictRecord is one entry of the append only conflict log.
type ConflictRecord struct {
	ID         string
	Seq        uint64
	Shard      uint32
	Key        string
	Site       uint32
	PeerSite   uint32
	Local      Change
	Remote     Change
	Winner     ConflictWinner
	RecordedAt int64
}

func (m *ConflictRecord) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.ID)
	e.uint64(2, m.Seq)
	e.uint32(3, m.Shard)
	e.string(4, m.Key)
	e.uint32(5, m.Site)
	e.uint32(6, m.PeerSite)
	if err := e.message(7, &m.Local); err != nil {
		return nil, err
	}
	if err := e.message(8, &m.Remote); err != nil {
		return nil, err
	}
	e.uint32(9, uint32(m.Winner))
	e.int64(10, m.RecordedAt)
	return e.b, nil
}

func (m *ConflictRecord) Unmarshal(data []byte) error {
	*m = ConflictRecord{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.ID = f.string()
		case 2:
			m.Seq = f.u
		case 3:
			m.Shard = uint32(f.u)
		case 4:
			m.Key = f.string()
		case 5:
			m.Site = uint32(f.u)
		case 6:
			m.PeerSite = uint32(f.u)
		case 7:
			return unmarshalNested(f, &m.Local)
		case 8:
			return unmarshalNested(f, &m.Remote)
		case 9:
			m.Winner = ConflictWinner(f.u)
		case 10:
			m.RecordedAt = int64(f.u)
		}
		return nil
	})
}
