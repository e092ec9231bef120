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

package router

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"strconv"
	"sync"

	"github.com/cubefs/fsmeta/proto"
)

const defaultVirtualNodes = 64

// Ring places shard replicas on the nodes of a site with consistent
// hashing. Every node owns VirtualNodes points on the ring and the
// replicas of a shard are the first distinct nodes found clockwise from
// the shard's hash, so a topology change only moves the shards whose
// points change owner.
type Ring struct {
	vnodes int

	lock   sync.RWMutex
	points []uint64
	owners map[uint64]proto.NodeID
	nodes  map[proto.NodeID]proto.Node
}

func NewRing(nodes []proto.Node, vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = defaultVirtualNodes
	}
	r := &Ring{
		vnodes: vnodes,
		owners: make(map[uint64]proto.NodeID),
		nodes:  make(map[proto.NodeID]proto.Node),
	}
	for _, n := range nodes {
		r.addNode(n)
	}
	r.sort()
	return r
}

func ringHash(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

func vnodeKey(id proto.NodeID, i int) string {
	return strconv.FormatUint(id, 10) + "#" + strconv.Itoa(i)
}

func shardKey(shardID uint32) string {
	return "shard-" + strconv.FormatUint(uint64(shardID), 10)
}

func (r *Ring) addNode(n proto.Node) {
	if _, ok := r.nodes[n.ID]; ok {
		return
	}
	r.nodes[n.ID] = n
	for i := 0; i < r.vnodes; i++ {
		h := ringHash(vnodeKey(n.ID, i))
		if _, ok := r.owners[h]; ok {
			continue
		}
		r.owners[h] = n.ID
		r.points = append(r.points, h)
	}
}

func (r *Ring) sort() {
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
}

func (r *Ring) AddNode(n proto.Node) {
	r.lock.Lock()
	r.addNode(n)
	r.sort()
	r.lock.Unlock()
}

func (r *Ring) RemoveNode(id proto.NodeID) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return
	}
	delete(r.nodes, id)
	points := r.points[:0]
	for _, p := range r.points {
		if r.owners[p] == id {
			delete(r.owners, p)
			continue
		}
		points = append(points, p)
	}
	r.points = points
}

func (r *Ring) Nodes() []proto.Node {
	r.lock.RLock()
	defer r.lock.RUnlock()
	ret := make([]proto.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		ret = append(ret, n)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// Placement returns the replica set of a shard, at most replicas nodes.
func (r *Ring) Placement(shardID uint32, replicas int) []proto.Node {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if len(r.points) == 0 {
		return nil
	}
	if replicas > len(r.nodes) {
		replicas = len(r.nodes)
	}
	h := ringHash(shardKey(shardID))
	start := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })

	ret := make([]proto.Node, 0, replicas)
	seen := make(map[proto.NodeID]struct{}, replicas)
	for i := 0; i < len(r.points) && len(ret) < replicas; i++ {
		id := r.owners[r.points[(start+i)%len(r.points)]]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ret = append(ret, r.nodes[id])
	}
	return ret
}

// Assignment maps every shard to the ids of its replicas.
type Assignment map[uint32][]proto.NodeID

func (r *Ring) Assignment(shardNum uint32, replicas int) Assignment {
	ret := make(Assignment, shardNum)
	for id := uint32(0); id < shardNum; id++ {
		nodes := r.Placement(id, replicas)
		ids := make([]proto.NodeID, len(nodes))
		for i := range nodes {
			ids[i] = nodes[i].ID
		}
		ret[id] = ids
	}
	return ret
}

// Move is the membership change of one shard.
type Move struct {
	Shard  uint32         `json:"shard"`
	Add    []proto.NodeID `json:"add,omitempty"`
	Remove []proto.NodeID `json:"remove,omitempty"`
}

type Plan struct {
	Moves []Move `json:"moves"`
	// Moved counts replicas that change node.
	Moved int `json:"moved"`
}

// Rebalance computes the moves from the current assignment to the
// placement of the given topology. Shards whose replica set is unchanged
// are left out of the plan.
func Rebalance(current Assignment, nodes []proto.Node, shardNum uint32, replicas, vnodes int) *Plan {
	target := NewRing(nodes, vnodes).Assignment(shardNum, replicas)
	plan := &Plan{}
	for id := uint32(0); id < shardNum; id++ {
		add := diffNodes(target[id], current[id])
		remove := diffNodes(current[id], target[id])
		if len(add) == 0 && len(remove) == 0 {
			continue
		}
		plan.Moves = append(plan.Moves, Move{Shard: id, Add: add, Remove: remove})
		plan.Moved += len(add)
	}
	return plan
}

func diffNodes(a, b []proto.NodeID) []proto.NodeID {
	var ret []proto.NodeID
	for _, x := range a {
		found := false
		for _, y := range b {
			if x == y {
				found = true
				break
			}
		}
		if !found {
			ret = append(ret, x)
		}
	}
	return ret
}
