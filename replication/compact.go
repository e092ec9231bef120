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

// Package replication ships the journal of every local shard to the other
// sites and applies the batches other sites ship here.
package replication

import "github.com/cubefs/fsmeta/proto"

// Compact folds the changes of consecutive journal records into the final
// state of every record they touch. A record created and removed inside
// the range is dropped altogether. The order of first appearance is kept
// so that an inode still precedes the entry naming it.
func Compact(records []proto.JournalRecord) []proto.Change {
	type slot struct {
		change  proto.Change
		created bool
		dropped bool
	}
	slots := make(map[string]*slot)
	order := make([]*slot, 0)
	for i := range records {
		for j := range records[i].Changes {
			c := records[i].Changes[j]
			key := c.Key()
			s, ok := slots[key]
			if !ok {
				s = &slot{created: c.Created}
				slots[key] = s
				order = append(order, s)
			}
			s.change = c
			// a record created in range and removed again never existed
			// for the peer, recreating it is a create again
			s.dropped = s.created && c.Kind.IsDelete()
		}
	}

	ret := make([]proto.Change, 0, len(order))
	for _, s := range order {
		if s.dropped {
			continue
		}
		c := s.change
		c.Created = s.created
		ret = append(ret, c)
	}
	return ret
}
