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

type Node struct {
	ID       NodeID `json:"id"`
	Addr     string `json:"addr"`
	HttpAddr string `json:"http_addr"`
}

// Site is one independent consensus domain. Every site hosts every shard.
type Site struct {
	ID         SiteID `json:"id"`
	Nodes      []Node `json:"nodes"`
	GossipAddr string `json:"gossip_addr"`
}

func (s *Site) Node(id NodeID) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

func (s *Site) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}
