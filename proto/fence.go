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

type FenceToken struct {
	Epoch    uint64
	Site     uint32
	IssuedAt int64
}

func (t FenceToken) String() string {
	return fmt.Sprintf("epoch=%d site=%d", t.Epoch, t.Site)
}

func (t *FenceToken) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, t.Epoch)
	e.uint32(2, t.Site)
	e.int64(3, t.IssuedAt)
	return e.b, nil
}

func (t *FenceToken) Unmarshal(data []byte) error {
	*t = FenceToken{}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			t.Epoch = f.u
		case 2:
			t.Site = uint32(f.u)
		case 3:
			t.IssuedAt = int64(f.u)
		}
		return nil
	})
}

// FenceState is the authority view: the cluster wide epoch counter, the
// owning site and the epoch at which each site was admitted. A site missing
// from Active has been fenced off. Tokens are valid for the current epoch
// only, so every bump retires the tokens issued before it.
type FenceState struct {
	Epoch     uint64
	Owner     uint32
	Active    map[uint32]uint64
	UpdatedAt int64
}

func (s *FenceState) Clone() *FenceState {
	c := *s
	c.Active = make(map[uint32]uint64, len(s.Active))
	for site, epoch := range s.Active {
		c.Active[site] = epoch
	}
	return &c
}

// Check reports whether token was issued to an active site at the current
// epoch.
func (s *FenceState) Check(token FenceToken) (bool, string) {
	if _, ok := s.Active[token.Site]; !ok {
		return false, fmt.Sprintf("site %d is fenced at epoch %d", token.Site, s.Epoch)
	}
	if token.Epoch != s.Epoch {
		return false, fmt.Sprintf("site %d token epoch %d, current epoch %d", token.Site, token.Epoch, s.Epoch)
	}
	return true, ""
}

// Token returns the token an active site writes with at the current epoch.
func (s *FenceState) Token(site uint32) (FenceToken, bool) {
	if _, ok := s.Active[site]; !ok {
		return FenceToken{}, false
	}
	return FenceToken{Epoch: s.Epoch, Site: site, IssuedAt: s.UpdatedAt}, true
}

func (s *FenceState) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, s.Epoch)
	e.uint32(2, s.Owner)
	sites := make([]uint32, 0, len(s.Active))
	for site := range s.Active {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	for _, site := range sites {
		entry := &encoder{}
		entry.uint32(1, site)
		entry.uint64(2, s.Active[site])
		e.b = protowire.AppendTag(e.b, 3, protowire.BytesType)
		e.b = protowire.AppendBytes(e.b, entry.b)
	}
	e.int64(4, s.UpdatedAt)
	return e.b, nil
}

func (s *FenceState) Unmarshal(data []byte) error {
	*s = FenceState{Active: make(map[uint32]uint64)}
	return decode(data, func(f field) error {
		switch f.num {
		case 1:
			s.Epoch = f.u
		case 2:
			s.Owner = uint32(f.u)
		case 3:
			var site uint32
			var epoch uint64
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			if err := decode(f.b, func(ef field) error {
				switch ef.num {
				case 1:
					site = uint32(ef.u)
				case 2:
					epoch = ef.u
				}
				return nil
			}); err != nil {
				return err
			}
			s.Active[site] = epoch
		case 4:
			s.UpdatedAt = int64(f.u)
		}
		return nil
	})
}
