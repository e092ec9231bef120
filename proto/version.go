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
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Ordering is the causal relation between two version vectors.
type Ordering int

const (
	Identical Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Identical:
		return "identical"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// Version is the logical version of a replicated record. Seq is the log
// index of the writing shard on the originating site, Timestamp the
// proposal time in nanoseconds used for last-writer-wins.
type Version struct {
	Seq       uint64
	Site      uint32
	Timestamp int64
}

func (v Version) String() string {
	return fmt.Sprintf("%d@%d/%d", v.Seq, v.Site, v.Timestamp)
}

func (v *Version) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, v.Seq)
	e.uint32(2, v.Site)
	e.int64(3, v.Timestamp)
	return e.b, nil
}

func (v *Version) Unmarshal(data []byte) error {
	*v = Version{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			v.Seq = f.u
		case 2:
			v.Site = uint32(f.u)
		case 3:
			v.Timestamp = int64(f.u)
		}
		return nil
	})
}

// VersionVector maps a site id to the highest sequence observed from it.
type VersionVector map[uint32]uint64

func (vv VersionVector) Clone() VersionVector {
	ret := make(VersionVector, len(vv))
	for site, seq := range vv {
		ret[site] = seq
	}
	return ret
}

// Compare returns how vv relates to other.
func (vv VersionVector) Compare(other VersionVector) Ordering {
	less, greater := false, false
	for site, seq := range vv {
		o := other[site]
		if seq < o {
			less = true
		} else if seq > o {
			greater = true
		}
	}
	for site, o := range other {
		if _, ok := vv[site]; !ok && o > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Identical
	}
}

// Merge returns the component wise maximum of vv and other.
func (vv VersionVector) Merge(other VersionVector) VersionVector {
	ret := vv.Clone()
	for site, seq := range other {
		if seq > ret[site] {
			ret[site] = seq
		}
	}
	return ret
}

// Observe raises the component of site to seq and never lowers it.
func (vv VersionVector) Observe(site uint32, seq uint64) VersionVector {
	ret := vv.Clone()
	if seq > ret[site] {
		ret[site] = seq
	}
	return ret
}

func (vv VersionVector) sites() []uint32 {
	sites := make([]uint32, 0, len(vv))
	for site := range vv {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	return sites
}

func (vv VersionVector) String() string {
	s := "{"
	for i, site := range vv.sites() {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d:%d", site, vv[site])
	}
	return s + "}"
}

// appendTo encodes entries sorted by site so equal vectors encode equally.
func (vv VersionVector) appendTo(e *encoder, num protowire.Number) {
	for _, site := range vv.sites() {
		entry := &encoder{}
		entry.uint32(1, site)
		entry.uint64(2, vv[site])
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendBytes(e.b, entry.b)
	}
}

func (vv VersionVector) add(f field) error {
	if err := f.expect(protowire.BytesType); err != nil {
		return err
	}
	var site uint32
	var seq uint64
	if err := decode(f.b, func(ef field) error {
		switch ef.num {
		case 1:
			site = uint32(ef.u)
		case 2:
			seq = ef.u
		}
		return nil
	}); err != nil {
		return err
	}
	vv[site] = seq
	return nil
}
