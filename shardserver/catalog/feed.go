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

package catalog

import (
	"sync"

	"github.com/cubefs/fsmeta/proto"
	"github.com/google/uuid"
)

const defaultDirentFeedSize = 4096

// direntFeed keeps the names changed by the most recently applied entries
// of a shard, local writes and remote batches alike. Readers follow it
// with (feed, from) and start over whenever the feed id changes or they
// fall out of the window.
type direntFeed struct {
	lock    sync.Mutex
	id      string
	size    int
	first   uint64
	entries []proto.Dirent
}

func newDirentFeed(size int) *direntFeed {
	if size <= 0 {
		size = defaultDirentFeedSize
	}
	return &direntFeed{id: uuid.NewString(), size: size, first: 1}
}

func (f *direntFeed) publish(changed []proto.Dirent) {
	if len(changed) == 0 {
		return
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.entries = append(f.entries, changed...)
	if over := len(f.entries) - f.size; over > 0 {
		f.entries = append(f.entries[:0:0], f.entries[over:]...)
		f.first += uint64(over)
	}
}

// reset starts a new feed, used when the shard state is replaced.
func (f *direntFeed) reset() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.id = uuid.NewString()
	f.first += uint64(len(f.entries))
	f.entries = nil
}

// read returns up to limit changes at or after from.
func (f *direntFeed) read(feed string, from uint64, limit int, resp *proto.ReadResponse) {
	f.lock.Lock()
	defer f.lock.Unlock()
	next := f.first + uint64(len(f.entries))
	resp.Feed = f.id
	if feed != f.id || from < f.first || from > next {
		resp.Reset = true
		resp.Next = next
		return
	}
	start := int(from - f.first)
	end := len(f.entries)
	if end-start > limit {
		end = start + limit
	}
	resp.Dirents = append(resp.Dirents, f.entries[start:end]...)
	resp.Next = from + uint64(end-start)
}
