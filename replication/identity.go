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

package replication

import (
	"os"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/proto"
	"gopkg.in/yaml.v3"
)

// IdentityMap translates the owner and group of records arriving from
// other sites into local ids. Senders ship ids as they are, ids without a
// mapping pass through unchanged.
//
//	sites:
//	  - site: 2
//	    uids: {1000: 2000}
//	    gids: {100: 200}
type IdentityMap struct {
	sites map[uint32]*siteIdentity
}

type siteIdentity struct {
	Site uint32            `yaml:"site"`
	Uids map[uint32]uint32 `yaml:"uids"`
	Gids map[uint32]uint32 `yaml:"gids"`
}

type identityFile struct {
	Sites []*siteIdentity `yaml:"sites"`
}

// LoadIdentityMap reads a yaml mapping file. An empty path maps nothing.
func LoadIdentityMap(path string) (*IdentityMap, error) {
	if path == "" {
		return ParseIdentityMap(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Info(err, "read identity map", path)
	}
	return ParseIdentityMap(data)
}

func ParseIdentityMap(data []byte) (*IdentityMap, error) {
	f := &identityFile{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, errors.Info(err, "parse identity map")
	}
	m := &IdentityMap{sites: make(map[uint32]*siteIdentity, len(f.Sites))}
	for _, s := range f.Sites {
		if _, ok := m.sites[s.Site]; ok {
			return nil, apierrors.Reason(apierrors.ErrInvalidConfig, "site %d mapped twice", s.Site)
		}
		m.sites[s.Site] = s
	}
	return m, nil
}

func (m *IdentityMap) Uid(site, uid uint32) uint32 {
	if s, ok := m.sites[site]; ok {
		if local, ok := s.Uids[uid]; ok {
			return local
		}
	}
	return uid
}

func (m *IdentityMap) Gid(site, gid uint32) uint32 {
	if s, ok := m.sites[site]; ok {
		if local, ok := s.Gids[gid]; ok {
			return local
		}
	}
	return gid
}

// Translate rewrites the inode owners of changes shipped by site.
func (m *IdentityMap) Translate(site uint32, changes []proto.Change) {
	if _, ok := m.sites[site]; !ok {
		return
	}
	for i := range changes {
		if inode := changes[i].Inode; inode != nil {
			inode.Uid = m.Uid(site, inode.Uid)
			inode.Gid = m.Gid(site, inode.Gid)
		}
	}
}
