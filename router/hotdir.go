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
	"sync"
	"time"

	"github.com/cubefs/fsmeta/util"
)

const (
	defaultHotWindowMs  = int64(60 * 1000)
	defaultHotThreshold = 1000
	defaultHotBuckets   = 12
	defaultSplitShards  = 4
)

type HotDirConfig struct {
	// WindowMs is the sliding window in which writes are counted.
	WindowMs int64 `json:"window_ms"`
	// Threshold is the number of dirent creating writes within the window
	// that marks a directory hot.
	Threshold   int `json:"threshold"`
	Buckets     int `json:"buckets"`
	SplitShards int `json:"split_shards"`
}

type dirWindow struct {
	counts   []int
	slots    []int64
	reported bool
}

// Sampler counts dirent creating writes per directory in a sliding window
// of fixed buckets.
type Sampler struct {
	bucket    int64
	buckets   int
	threshold int
	now       func() time.Time

	lock sync.Mutex
	dirs map[uint64]*dirWindow
	// last slot in which idle windows were dropped
	swept int64
}

func NewSampler(cfg *HotDirConfig) *Sampler {
	util.SetDefault(&cfg.WindowMs, defaultHotWindowMs)
	util.SetDefault(&cfg.Threshold, defaultHotThreshold)
	util.SetDefault(&cfg.Buckets, defaultHotBuckets)
	util.SetDefault(&cfg.SplitShards, defaultSplitShards)
	bucket := cfg.WindowMs / int64(cfg.Buckets)
	if bucket <= 0 {
		bucket = 1
	}
	return &Sampler{
		bucket:    bucket,
		buckets:   cfg.Buckets,
		threshold: cfg.Threshold,
		now:       time.Now,
		dirs:      make(map[uint64]*dirWindow),
	}
}

func (s *Sampler) slot() int64 {
	return s.now().UnixMilli() / s.bucket
}

// Observe counts one write into dir and reports true once, when the
// directory first crosses the threshold.
func (s *Sampler) Observe(dir uint64) bool {
	slot := s.slot()
	s.lock.Lock()
	defer s.lock.Unlock()

	s.sweep(slot)
	w, ok := s.dirs[dir]
	if !ok {
		w = &dirWindow{counts: make([]int, s.buckets), slots: make([]int64, s.buckets)}
		s.dirs[dir] = w
	}
	i := int(slot % int64(s.buckets))
	if w.slots[i] != slot {
		w.slots[i] = slot
		w.counts[i] = 0
	}
	w.counts[i]++

	if w.reported || s.sum(w, slot) < s.threshold {
		return false
	}
	w.reported = true
	return true
}

// Rate returns the writes counted for dir in the current window.
func (s *Sampler) Rate(dir uint64) int {
	slot := s.slot()
	s.lock.Lock()
	defer s.lock.Unlock()
	w, ok := s.dirs[dir]
	if !ok {
		return 0
	}
	return s.sum(w, slot)
}

// Forget drops the window of dir, it may be reported again.
func (s *Sampler) Forget(dir uint64) {
	s.lock.Lock()
	delete(s.dirs, dir)
	s.lock.Unlock()
}

func (s *Sampler) sum(w *dirWindow, slot int64) int {
	n := 0
	for i := range w.counts {
		if slot-w.slots[i] < int64(s.buckets) {
			n += w.counts[i]
		}
	}
	return n
}

// sweep drops idle windows of directories never reported hot, at most
// once per window.
func (s *Sampler) sweep(slot int64) {
	if slot-s.swept < int64(s.buckets) {
		return
	}
	s.swept = slot
	for dir, w := range s.dirs {
		if !w.reported && s.sum(w, slot) == 0 {
			delete(s.dirs, dir)
		}
	}
}

// SplitShards picks n distinct shards for a hot directory, starting with
// its home shard and spreading the rest evenly over the key space.
func SplitShards(home uint32, n int, shardNum uint32) []uint32 {
	if n <= 0 {
		n = defaultSplitShards
	}
	if uint32(n) > shardNum {
		n = int(shardNum)
	}
	step := shardNum / uint32(n)
	ret := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		ret = append(ret, (home+uint32(i)*step)%shardNum)
	}
	return ret
}
