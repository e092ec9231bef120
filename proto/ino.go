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

const (
	ReqIdKey = "req-id"

	RootIno = uint64(1)

	// inode layout
	// | site    | seq*shardNum + shard |
	// | 2 bytes | 6 bytes              |
	inoSiteShift = 48
	InoLocalMask = uint64(1)<<inoSiteShift - 1
)

type (
	NodeID  = uint64
	ShardID = uint32
	SiteID  = uint32
)

// MakeIno returns the seq-th identifier owned by shard on site. seq starts
// from 1 so that no allocated identifier collides with the root.
func MakeIno(site SiteID, shard ShardID, seq uint64, shardNum uint32) uint64 {
	return uint64(site)<<inoSiteShift | (seq*uint64(shardNum) + uint64(shard))
}

func InoSite(ino uint64) SiteID {
	return SiteID(ino >> inoSiteShift)
}

// InoShard is the home shard of an identifier.
func InoShard(ino uint64, shardNum uint32) ShardID {
	return ShardID((ino & InoLocalMask) % uint64(shardNum))
}
