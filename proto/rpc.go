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

// ErrorInfo carries a typed error across the wire. Leader is a hint for
// not-leader errors.
type ErrorInfo struct {
	Code    uint32
	Message string
	Leader  uint64
}

func (m *ErrorInfo) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint32(1, m.Code)
	e.string(2, m.Message)
	e.uint64(3, m.Leader)
	return e.b, nil
}

func (m *ErrorInfo) Unmarshal(data []byte) error {
	*m = ErrorInfo{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Code = uint32(f.u)
		case 2:
			m.Message = f.string()
		case 3:
			m.Leader = f.u
		}
		return nil
	})
}

type ProposeRequest struct {
	Shard uint32
	Op    Op
}

func (m *ProposeRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint32(1, m.Shard)
	if err := e.message(2, &m.Op); err != nil {
		return nil, err
	}
	return e.b, nil
}

func (m *ProposeRequest) Unmarshal(data []byte) error {
	*m = ProposeRequest{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Shard = uint32(f.u)
		case 2:
			return unmarshalNested(f, &m.Op)
		}
		return nil
	})
}

type ProposeResponse struct {
	Result OpResult
	Err    *ErrorInfo
}

func (m *ProposeResponse) Marshal() ([]byte, error) {
	e := &encoder{}
	if err := e.message(1, &m.Result); err != nil {
		return nil, err
	}
	if m.Err != nil {
		if err := e.message(2, m.Err); err != nil {
			return nil, err
		}
	}
	return e.b, nil
}

func (m *ProposeResponse) Unmarshal(data []byte) error {
	*m = ProposeResponse{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			return unmarshalNested(f, &m.Result)
		case 2:
			m.Err = &ErrorInfo{}
			return unmarshalNested(f, m.Err)
		}
		return nil
	})
}

type Consistency uint32

const (
	Linearizable Consistency = iota
	BoundedStale
)

type ReadType uint32

const (
	ReadGetInode ReadType = iota + 1
	ReadLookup
	ReadList
	ReadGetXattr
	ReadListXattr
	ReadGetLock
	ReadGetSplit
	ReadGetIntent
	ReadListIntents
	ReadListConflicts
	ReadReplStatus
	ReadFsck
	ReadParents
	ReadDirentChanges
)

type ReadRequest struct {
	Shard       uint32
	Type        ReadType
	Consistency Consistency
	MaxStaleMs  int64
	Ino         uint64
	Name        string
	Marker      string
	Limit       uint32
	TxnID       string
	// From and Feed position a ReadDirentChanges call.
	From uint64
	Feed string
}

func (m *ReadRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint32(1, m.Shard)
	e.uint32(2, uint32(m.Type))
	e.uint32(3, uint32(m.Consistency))
	e.int64(4, m.MaxStaleMs)
	e.uint64(5, m.Ino)
	e.string(6, m.Name)
	e.string(7, m.Marker)
	e.uint32(8, m.Limit)
	e.string(9, m.TxnID)
	e.uint64(10, m.From)
	e.string(11, m.Feed)
	return e.b, nil
}

func (m *ReadRequest) Unmarshal(data []byte) error {
	*m = ReadRequest{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Shard = uint32(f.u)
		case 2:
			m.Type = ReadType(f.u)
		case 3:
			m.Consistency = Consistency(f.u)
		case 4:
			m.MaxStaleMs = int64(f.u)
		case 5:
			m.Ino = f.u
		case 6:
			m.Name = f.string()
		case 7:
			m.Marker = f.string()
		case 8:
			m.Limit = uint32(f.u)
		case 9:
			m.TxnID = f.string()
		case 10:
			m.From = f.u
		case 11:
			m.Feed = f.string()
		}
		return nil
	})
}

type ReadResponse struct {
	Err       *ErrorInfo
	Inode     *Inode
	Dirent    *Dirent
	Dirents   []Dirent
	Value     []byte
	Names     []string
	Lock      *LockState
	Split     *DirSplit
	Intents   []RenameIntent
	Conflicts []ConflictRecord
	Status    *ReplStatus
	Fsck      *FsckReport
	LeaseMs   int64
	Applied   uint64
	// Feed and Next continue a ReadDirentChanges stream, Reset asks the
	// reader to drop everything it cached from this shard.
	Feed  string
	Next  uint64
	Reset bool
}

func (m *ReadResponse) Marshal() ([]byte, error) {
	e := &encoder{}
	if m.Err != nil {
		if err := e.message(1, m.Err); err != nil {
			return nil, err
		}
	}
	if m.Inode != nil {
		if err := e.message(2, m.Inode); err != nil {
			return nil, err
		}
	}
	if m.Dirent != nil {
		if err := e.message(3, m.Dirent); err != nil {
			return nil, err
		}
	}
	for i := range m.Dirents {
		if err := e.message(4, &m.Dirents[i]); err != nil {
			return nil, err
		}
	}
	e.bytes(5, m.Value)
	for _, name := range m.Names {
		e.b = protowire.AppendTag(e.b, 6, protowire.BytesType)
		e.b = protowire.AppendString(e.b, name)
	}
	if m.Lock != nil {
		if err := e.message(7, m.Lock); err != nil {
			return nil, err
		}
	}
	if m.Split != nil {
		if err := e.message(8, m.Split); err != nil {
			return nil, err
		}
	}
	for i := range m.Intents {
		if err := e.message(9, &m.Intents[i]); err != nil {
			return nil, err
		}
	}
	for i := range m.Conflicts {
		if err := e.message(10, &m.Conflicts[i]); err != nil {
			return nil, err
		}
	}
	if m.Status != nil {
		if err := e.message(11, m.Status); err != nil {
			return nil, err
		}
	}
	if m.Fsck != nil {
		if err := e.message(12, m.Fsck); err != nil {
			return nil, err
		}
	}
	e.int64(13, m.LeaseMs)
	e.uint64(14, m.Applied)
	e.string(15, m.Feed)
	e.uint64(16, m.Next)
	e.bool(17, m.Reset)
	return e.b, nil
}

func (m *ReadResponse) Unmarshal(data []byte) error {
	*m = ReadResponse{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Err = &ErrorInfo{}
			return unmarshalNested(f, m.Err)
		case 2:
			m.Inode = &Inode{}
			return unmarshalNested(f, m.Inode)
		case 3:
			m.Dirent = &Dirent{}
			return unmarshalNested(f, m.Dirent)
		case 4:
			d := Dirent{}
			if err := unmarshalNested(f, &d); err != nil {
				return err
			}
			m.Dirents = append(m.Dirents, d)
		case 5:
			m.Value = f.bytes()
		case 6:
			m.Names = append(m.Names, f.string())
		case 7:
			m.Lock = &LockState{}
			return unmarshalNested(f, m.Lock)
		case 8:
			m.Split = &DirSplit{}
			return unmarshalNested(f, m.Split)
		case 9:
			in := RenameIntent{}
			if err := unmarshalNested(f, &in); err != nil {
				return err
			}
			m.Intents = append(m.Intents, in)
		case 10:
			c := ConflictRecord{}
			if err := unmarshalNested(f, &c); err != nil {
				return err
			}
			m.Conflicts = append(m.Conflicts, c)
		case 11:
			m.Status = &ReplStatus{}
			return unmarshalNested(f, m.Status)
		case 12:
			m.Fsck = &FsckReport{}
			return unmarshalNested(f, m.Fsck)
		case 13:
			m.LeaseMs = int64(f.u)
		case 14:
			m.Applied = f.u
		case 15:
			m.Feed = f.string()
		case 16:
			m.Next = f.u
		case 17:
			m.Reset = f.u != 0
		}
		return nil
	})
}

// SiteSeq is a (site, sequence) pair used for cursors.
type SiteSeq struct {
	Site uint32
	Seq  uint64
}

func appendSiteSeqs(e *encoder, num protowire.Number, list []SiteSeq) {
	for _, s := range list {
		entry := &encoder{}
		entry.uint32(1, s.Site)
		entry.uint64(2, s.Seq)
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendBytes(e.b, entry.b)
	}
}

func decodeSiteSeq(f field, list *[]SiteSeq) error {
	if err := f.expect(protowire.BytesType); err != nil {
		return err
	}
	s := SiteSeq{}
	if err := decode(f.b, func(ef field) error {
		switch ef.num {
		case 1:
			s.Site = uint32(ef.u)
		case 2:
			s.Seq = ef.u
		}
		return nil
	}); err != nil {
		return err
	}
	*list = append(*list, s)
	return nil
}

// ReplStatus is the replication view of one shard.
type ReplStatus struct {
	Shard        uint32
	JournalFirst uint64
	JournalLast  uint64
	Cursors      []SiteSeq
	Inbound      []SiteSeq
	Fence        *FenceState
	Applied      uint64
}

func (m *ReplStatus) Cursor(site uint32) uint64 {
	for _, c := range m.Cursors {
		if c.Site == site {
			return c.Seq
		}
	}
	return 0
}

func (m *ReplStatus) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint32(1, m.Shard)
	e.uint64(2, m.JournalFirst)
	e.uint64(3, m.JournalLast)
	appendSiteSeqs(e, 4, m.Cursors)
	appendSiteSeqs(e, 5, m.Inbound)
	if m.Fence != nil {
		if err := e.message(6, m.Fence); err != nil {
			return nil, err
		}
	}
	e.uint64(7, m.Applied)
	return e.b, nil
}

func (m *ReplStatus) Unmarshal(data []byte) error {
	*m = ReplStatus{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Shard = uint32(f.u)
		case 2:
			m.JournalFirst = f.u
		case 3:
			m.JournalLast = f.u
		case 4:
			return decodeSiteSeq(f, &m.Cursors)
		case 5:
			return decodeSiteSeq(f, &m.Inbound)
		case 6:
			m.Fence = &FenceState{}
			return unmarshalNested(f, m.Fence)
		case 7:
			m.Applied = f.u
		}
		return nil
	})
}

type NlinkFix struct {
	Ino  uint64
	Have uint32
	Want uint32
}

// FsckReport lists the inconsistencies found in one shard.
type FsckReport struct {
	Shard    uint32
	Inodes   uint64
	Dirents  uint64
	Dangling []Dirent
	Nlinks   []NlinkFix
	Orphans  []uint64
	Intents  []RenameIntent
}

func (m *FsckReport) Clean() bool {
	return len(m.Dangling) == 0 && len(m.Nlinks) == 0 && len(m.Orphans) == 0 && len(m.Intents) == 0
}

func (m *FsckReport) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint32(1, m.Shard)
	e.uint64(2, m.Inodes)
	e.uint64(3, m.Dirents)
	for i := range m.Dangling {
		if err := e.message(4, &m.Dangling[i]); err != nil {
			return nil, err
		}
	}
	for _, fix := range m.Nlinks {
		entry := &encoder{}
		entry.uint64(1, fix.Ino)
		entry.uint32(2, fix.Have)
		entry.uint32(3, fix.Want)
		e.b = protowire.AppendTag(e.b, 5, protowire.BytesType)
		e.b = protowire.AppendBytes(e.b, entry.b)
	}
	for _, ino := range m.Orphans {
		e.b = protowire.AppendTag(e.b, 6, protowire.VarintType)
		e.b = protowire.AppendVarint(e.b, ino)
	}
	for i := range m.Intents {
		if err := e.message(7, &m.Intents[i]); err != nil {
			return nil, err
		}
	}
	return e.b, nil
}

func (m *FsckReport) Unmarshal(data []byte) error {
	*m = FsckReport{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			m.Shard = uint32(f.u)
		case 2:
			m.Inodes = f.u
		case 3:
			m.Dirents = f.u
		case 4:
			d := Dirent{}
			if err := unmarshalNested(f, &d); err != nil {
				return err
			}
			m.Dangling = append(m.Dangling, d)
		case 5:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			fix := NlinkFix{}
			if err := decode(f.b, func(ef field) error {
				switch ef.num {
				case 1:
					fix.Ino = ef.u
				case 2:
					fix.Have = uint32(ef.u)
				case 3:
					fix.Want = uint32(ef.u)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Nlinks = append(m.Nlinks, fix)
		case 6:
			m.Orphans = append(m.Orphans, f.u)
		case 7:
			in := RenameIntent{}
			if err := unmarshalNested(f, &in); err != nil {
				return err
			}
			m.Intents = append(m.Intents, in)
		}
		return nil
	})
}
